// Package node launches an EdgeCoder unified agent node and manages the
// lifecycle of all its associated services: gossip mesh, coordinator, credit
// ledger, worker pool, BLE local mesh and the HTTP surfaces, gracefully
// closing them if the process ends.
package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/codyrs82/edgecoder/anchor"
	"github.com/codyrs82/edgecoder/api"
	bleledger "github.com/codyrs82/edgecoder/ble/ledger"
	blemanager "github.com/codyrs82/edgecoder/ble/manager"
	"github.com/codyrs82/edgecoder/ble/router"
	"github.com/codyrs82/edgecoder/cmd/edgecoder/flags"
	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/coordinator"
	"github.com/codyrs82/edgecoder/crypto/keys"
	"github.com/codyrs82/edgecoder/db"
	"github.com/codyrs82/edgecoder/db/kv"
	"github.com/codyrs82/edgecoder/inference"
	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/mesh"
	"github.com/codyrs82/edgecoder/monitoring/prometheus"
	"github.com/codyrs82/edgecoder/pricing"
	"github.com/codyrs82/edgecoder/runtime"
	"github.com/codyrs82/edgecoder/runtime/version"
	"github.com/codyrs82/edgecoder/worker"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "node")

// ErrMisconfigured marks startup failures caused by bad configuration or an
// unusable environment (unreadable config file, locked database, bad data
// directory). The CLI maps it to its own exit code.
var ErrMisconfigured = errors.New("node misconfigured")

// EdgeCoderNode handles the lifecycle of the entire system and registers
// services to a service registry.
type EdgeCoderNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.

	identity  *keys.Identity
	agentID   string
	accountID string
	db        db.Database

	engine      *ledger.Engine
	meshSvc     *mesh.Service
	coordinator *coordinator.Service
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(cliCtx *cli.Context) (*EdgeCoderNode, error) {
	if cliCtx.IsSet(flags.ConfigFileFlag.Name) {
		if err := params.LoadConfigFile(cliCtx.String(flags.ConfigFileFlag.Name)); err != nil {
			return nil, errors.Wrap(ErrMisconfigured, err.Error())
		}
	}

	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &EdgeCoderNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	if err := node.startIdentity(cliCtx); err != nil {
		cancel()
		return nil, err
	}
	if err := node.startDB(cliCtx); err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerCoreServices(cliCtx); err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerAPIService(cliCtx); err != nil {
		cancel()
		return nil, err
	}
	if !cliCtx.Bool(flags.DisableMonitoringFlag.Name) {
		if err := node.registerPrometheusService(cliCtx); err != nil {
			cancel()
			return nil, err
		}
	}
	return node, nil
}

// startIdentity loads or creates the Ed25519 identity and derives the agent
// and account identifiers from it.
func (n *EdgeCoderNode) startIdentity(cliCtx *cli.Context) error {
	dataDir := cliCtx.String(flags.DataDirFlag.Name)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return errors.Wrap(ErrMisconfigured, err.Error())
	}
	id, err := keys.LoadOrGenerate(dataDir)
	if err != nil {
		return errors.Wrap(ErrMisconfigured, err.Error())
	}
	n.identity = id

	n.agentID = cliCtx.String(flags.AgentIDFlag.Name)
	if n.agentID == "" {
		n.agentID = "agent-" + id.PublicKeyHex()[:12]
	}
	n.accountID = cliCtx.String(flags.AccountIDFlag.Name)
	if n.accountID == "" {
		n.accountID = "acct-" + n.agentID
	}
	log.WithFields(logrus.Fields{
		"agentId": n.agentID,
		"pubkey":  id.PublicKeyHex()[:16] + "...",
	}).Info("Node identity ready")
	return nil
}

func (n *EdgeCoderNode) startDB(cliCtx *cli.Context) error {
	dbPath := filepath.Join(cliCtx.String(flags.DataDirFlag.Name), "edgecoderdata")
	log.WithField("database-path", dbPath).Info("Checking DB")

	store, err := kv.NewKVStore(dbPath)
	if err != nil {
		return errors.Wrap(ErrMisconfigured, err.Error())
	}
	if cliCtx.Bool(flags.ClearDBFlag.Name) {
		log.Warn("Clearing database")
		if err := store.ClearDB(); err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return err
		}
		store, err = kv.NewKVStore(dbPath)
		if err != nil {
			return err
		}
	}
	n.db = store
	return nil
}

// registerCoreServices wires the mesh, coordinator, ledger, pricing, worker
// and BLE services together and into the registry.
func (n *EdgeCoderNode) registerCoreServices(cliCtx *cli.Context) error {
	signer := func(msg []byte) string {
		return hex.EncodeToString(n.identity.Sign(msg))
	}
	chain := ledger.NewChain(n.db)
	entries, err := n.db.OrderingEntries(0, ^uint64(0))
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		if err := chain.Restore(entries); err != nil {
			return err
		}
		log.WithField("entries", len(entries)).Info("Restored ordering chain")
	}
	n.engine = ledger.NewEngine(chain, n.agentID, signer)
	n.engine.EnsureAccount(n.accountID, n.identity.PublicKeyHex())

	pricingEngine := pricing.NewEngine()

	// The coordinator and the mesh reference each other: the config struct
	// is shared by pointer so the mesh half can be filled in after both
	// services exist.
	coordCfg := &coordinator.Config{
		SelfID:   n.agentID,
		SelfAddr: cliCtx.String(flags.PublicURLFlag.Name),
		Engine:   n.engine,
		Pricing:  pricingEngine,
		Store:    n.db,
	}
	n.coordinator = coordinator.NewService(n.ctx, coordCfg)

	bootstraps := make([]string, 0)
	for _, u := range strings.Split(cliCtx.String(flags.BootstrapURLsFlag.Name), ",") {
		if u = strings.TrimSpace(u); u != "" {
			bootstraps = append(bootstraps, u)
		}
	}
	n.meshSvc, err = mesh.NewService(n.ctx, &mesh.Config{
		SelfID:        n.agentID,
		SelfAddr:      cliCtx.String(flags.PublicURLFlag.Name),
		Identity:      n.identity,
		BootstrapURLs: bootstraps,
		AuthToken:     cliCtx.String(flags.MeshAuthTokenFlag.Name),
		Handler:       n.coordinator,
	})
	if err != nil {
		return err
	}
	coordCfg.Mesh = n.meshSvc
	coordCfg.Federated = n.meshSvc.Federated()

	var anchorAdapter anchor.Adapter
	if url := cliCtx.String(flags.AnchorProxyURLFlag.Name); url != "" {
		anchorAdapter = anchor.NewHTTPAdapter(url)
	}
	issuance := ledger.NewIssuanceManager(n.ctx, &ledger.IssuanceConfig{
		SelfID:      n.agentID,
		Engine:      n.engine,
		Broadcaster: n.meshSvc,
		Anchor:      anchorAdapter,
		ParticipantCount: func() int {
			return n.meshSvc.Peers().Len() + 1
		},
	})
	coordCfg.Issuance = issuance

	if err := n.services.RegisterService(n.meshSvc); err != nil {
		return err
	}
	if err := n.services.RegisterService(n.coordinator); err != nil {
		return err
	}
	if err := n.services.RegisterService(issuance); err != nil {
		return err
	}

	mode := cliCtx.String(flags.ModeFlag.Name)
	model := cliCtx.String(flags.ModelFlag.Name)
	paramSize := inference.ParseParamSize("", model)

	var pool *worker.Pool
	var modelWorker *worker.ModelWorker
	if mode != "requester" {
		backend := inference.NewOllamaBackend(cliCtx.String(flags.OllamaHostFlag.Name))
		modelWorker = worker.NewModelWorker(n.agentID, n.accountID, n.identity, backend, model, paramSize)
		pool = worker.NewPool(n.ctx, &worker.PoolConfig{
			AgentID:     n.agentID,
			Coordinator: n.coordinator,
			Worker:      modelWorker,
			Concurrency: cliCtx.Int(flags.MaxConcurrentTasksFlag.Name),
			Events:      n.coordinator.TaskFeed(),
		})
		if err := n.services.RegisterService(pool); err != nil {
			return err
		}
	}

	meshTokenHash := ""
	if token := cliCtx.String(flags.MeshAuthTokenFlag.Name); token != "" {
		sum := sha256.Sum256([]byte(token))
		meshTokenHash = hex.EncodeToString(sum[:])
	}
	bleCfg := &blemanager.Config{
		SelfAd: router.Advertisement{
			AgentID:        n.agentID,
			AccountID:      n.accountID,
			MeshTokenHash:  meshTokenHash,
			Model:          model,
			ModelParamSize: paramSize,
		},
		AccountID: n.accountID,
		Syncer:    n.coordinator,
		Offline:   bleledger.NewOfflineLedger(n.db),
	}
	if modelWorker != nil {
		bleCfg.Execute = modelWorker.Execute
	}
	bleMgr := blemanager.NewManager(n.ctx, bleCfg)
	if err := n.services.RegisterService(bleMgr); err != nil {
		return err
	}

	runner := newAgentRunner(n.ctx, &agentRunnerConfig{
		AgentID:            n.agentID,
		AccountID:          n.accountID,
		Identity:           n.identity,
		Model:              model,
		ModelParamSize:     paramSize,
		MaxConcurrentTasks: cliCtx.Int(flags.MaxConcurrentTasksFlag.Name),
		Coordinator:        n.coordinator,
		Pool:               pool,
		BLE:                bleMgr,
		AuthToken:          cliCtx.String(flags.MeshAuthTokenFlag.Name),
		MeshTokenHash:      meshTokenHash,
	})
	if len(bootstraps) > 0 {
		runner.cfg.UpstreamURL = bootstraps[0]
	}
	return n.services.RegisterService(runner)
}

func (n *EdgeCoderNode) registerAPIService(cliCtx *cli.Context) error {
	svc := api.NewService(n.ctx, &api.Config{
		Host:        cliCtx.String(flags.HTTPHostFlag.Name),
		Port:        cliCtx.Int(flags.HTTPPortFlag.Name),
		AuthToken:   cliCtx.String(flags.MeshAuthTokenFlag.Name),
		Coordinator: n.coordinator,
		Mesh:        n.meshSvc,
		Engine:      n.engine,
	})
	return n.services.RegisterService(svc)
}

func (n *EdgeCoderNode) registerPrometheusService(cliCtx *cli.Context) error {
	svc := prometheus.NewService(
		fmt.Sprintf(":%d", cliCtx.Int(flags.MonitoringPortFlag.Name)),
		n.services,
	)
	return n.services.RegisterService(svc)
}

// Start the node and kick off every registered service.
func (n *EdgeCoderNode) Start() {
	n.lock.Lock()

	log.WithFields(logrus.Fields{
		"version": version.Version(),
	}).Info("Starting EdgeCoder node")
	if info, err := os.Stat(filepath.Join(n.db.DatabasePath(), "edgecoder.db")); err == nil {
		log.WithField("size", humanize.Bytes(uint64(info.Size()))).Info("Database opened")
	}

	n.services.StartAll()

	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the edgecoder node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *EdgeCoderNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping EdgeCoder node")
	n.services.StopAll()
	if err := n.db.Close(); err != nil {
		log.Errorf("Failed to close database: %v", err)
	}
	n.cancel()
	close(n.stop)
}
