// Package main launches an EdgeCoder unified agent node: coordinator, gossip
// mesh, credit ledger, worker pool and BLE local mesh in one process.
package main

import (
	"os"
	goruntime "runtime"

	"github.com/codyrs82/edgecoder/cmd/edgecoder/flags"
	"github.com/codyrs82/edgecoder/inference"
	"github.com/codyrs82/edgecoder/node"
	"github.com/codyrs82/edgecoder/runtime/version"
	joonix "github.com/joonix/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

// Exit codes follow the sysexits convention where one applies.
const (
	exitMisconfigured = 2
	exitUsage         = 64
	exitUpstream      = 69
	exitInternal      = 70
)

// errUsage marks bad command line input.
var errUsage = errors.New("usage error")

var appFlags = []cli.Flag{
	flags.DataDirFlag,
	flags.ConfigFileFlag,
	flags.ClearDBFlag,
	flags.HTTPHostFlag,
	flags.HTTPPortFlag,
	flags.PublicURLFlag,
	flags.BootstrapURLsFlag,
	flags.MeshAuthTokenFlag,
	flags.MonitoringPortFlag,
	flags.DisableMonitoringFlag,
	flags.OllamaHostFlag,
	flags.ModelFlag,
	flags.ModeFlag,
	flags.AgentIDFlag,
	flags.AccountIDFlag,
	flags.MaxConcurrentTasksFlag,
	flags.AnchorProxyURLFlag,
	flags.VerbosityFlag,
	flags.LogFormatFlag,
	flags.LogFileName,
}

func startNode(cliCtx *cli.Context) error {
	level, err := logrus.ParseLevel(cliCtx.String(flags.VerbosityFlag.Name))
	if err != nil {
		return errors.Wrap(errUsage, err.Error())
	}
	logrus.SetLevel(level)

	n, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	n.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "edgecoder"
	app.Usage = "a peer-to-peer compute mesh node that schedules, executes and settles local model inference tasks"
	app.Version = version.Version()
	app.Flags = appFlags
	app.Action = startNode
	app.Before = func(ctx *cli.Context) error {
		format := ctx.String(flags.LogFormatFlag.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// If persistent log files are written - we disable the log messages coloring because
			// the colors are ANSI codes and seen as Gibberish in the log files.
			formatter.DisableColors = ctx.String(flags.LogFileName.Name) != ""
			logrus.SetFormatter(formatter)
		case "fluentd":
			logrus.SetFormatter(joonix.NewFormatter())
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return errors.Wrapf(errUsage, "unknown log format %s", format)
		}

		logFileName := ctx.String(flags.LogFileName.Name)
		if logFileName != "" {
			f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				log.WithError(err).Error("Failed to configure logging to disk")
			} else {
				logrus.SetOutput(f)
			}
		}

		goruntime.GOMAXPROCS(goruntime.NumCPU())
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(exitCode(err))
	}
}

// exitCode maps startup failures onto the documented exit codes: 64 for bad
// usage, 2 for misconfiguration, 69 for an unreachable upstream dependency,
// 70 for everything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, node.ErrMisconfigured):
		return exitMisconfigured
	case errors.Is(err, inference.ErrBackendUnavailable):
		return exitUpstream
	default:
		return exitInternal
	}
}
