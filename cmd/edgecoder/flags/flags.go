// Package flags defines the command line flags of the edgecoder node.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// DataDirFlag sets the directory holding the identity key and database.
	DataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Data directory for the identity key and databases",
		EnvVars: []string{"DATABASE_URL"},
		Value:   defaultDataDir(),
	}
	// ConfigFileFlag points at a YAML file overriding node constants.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Path to a YAML file with tunable node constants",
	}
	// ClearDBFlag wipes the database on startup.
	ClearDBFlag = &cli.BoolFlag{
		Name:  "clear-db",
		Usage: "Delete the stored database before starting",
	}
	// HTTPHostFlag is the listen host of the HTTP API.
	HTTPHostFlag = &cli.StringFlag{
		Name:  "http-host",
		Usage: "Host on which the HTTP API listens",
		Value: "127.0.0.1",
	}
	// HTTPPortFlag is the listen port of the HTTP API.
	HTTPPortFlag = &cli.IntFlag{
		Name:  "http-port",
		Usage: "Port on which the HTTP API listens",
		Value: 8080,
	}
	// PublicURLFlag is the address other mesh nodes use to reach this one.
	PublicURLFlag = &cli.StringFlag{
		Name:  "public-url",
		Usage: "Externally reachable base URL announced to mesh peers",
		Value: "http://127.0.0.1:8080",
	}
	// BootstrapURLsFlag lists peer coordinators to announce to on startup.
	BootstrapURLsFlag = &cli.StringFlag{
		Name:    "bootstrap-urls",
		Usage:   "Comma-separated list of coordinator URLs to join through",
		EnvVars: []string{"COORDINATOR_BOOTSTRAP_URLS"},
	}
	// MeshAuthTokenFlag is the shared bearer token of the mesh.
	MeshAuthTokenFlag = &cli.StringFlag{
		Name:    "mesh-auth-token",
		Usage:   "Bearer token required on authenticated HTTP routes",
		EnvVars: []string{"MESH_AUTH_TOKEN"},
	}
	// MonitoringPortFlag is the metrics listener port.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port on which /metrics and /healthz are served",
		Value: 9090,
	}
	// DisableMonitoringFlag turns the metrics listener off.
	DisableMonitoringFlag = &cli.BoolFlag{
		Name:  "disable-monitoring",
		Usage: "Disable the metrics and health endpoints",
	}
	// OllamaHostFlag is the local inference server address.
	OllamaHostFlag = &cli.StringFlag{
		Name:    "ollama-host",
		Usage:   "Base URL of the local Ollama server",
		EnvVars: []string{"OLLAMA_HOST"},
	}
	// ModelFlag is the model the worker advertises and executes with.
	ModelFlag = &cli.StringFlag{
		Name:    "model",
		Usage:   "Model tag served by the local backend, e.g. qwen2.5-coder:7b",
		EnvVars: []string{"OLLAMA_MODEL"},
		Value:   "qwen2.5-coder:7b",
	}
	// ModeFlag selects which roles this node plays.
	ModeFlag = &cli.StringFlag{
		Name:  "mode",
		Usage: "Node mode: provider, requester or hybrid",
		Value: "hybrid",
	}
	// AgentIDFlag overrides the derived agent identifier.
	AgentIDFlag = &cli.StringFlag{
		Name:  "agent-id",
		Usage: "Stable agent identifier; derived from the public key when empty",
	}
	// AccountIDFlag overrides the derived credit account identifier.
	AccountIDFlag = &cli.StringFlag{
		Name:  "account-id",
		Usage: "Credit account identifier; derived from the agent id when empty",
	}
	// MaxConcurrentTasksFlag bounds parallel task execution.
	MaxConcurrentTasksFlag = &cli.IntFlag{
		Name:  "max-concurrent-tasks",
		Usage: "Maximum number of tasks executed in parallel",
		Value: 2,
	}
	// AnchorProxyURLFlag points at the external checkpoint anchoring proxy.
	AnchorProxyURLFlag = &cli.StringFlag{
		Name:  "anchor-proxy-url",
		Usage: "Base URL of the checkpoint anchoring proxy; empty disables anchoring",
	}
	// VerbosityFlag sets the log level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFormatFlag selects the log encoder.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, fluentd, json",
		Value: "text",
	}
	// LogFileName specifies a file to additionally write logs to.
	LogFileName = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Specify log file name, relative or absolute",
	}
)
