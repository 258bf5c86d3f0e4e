// Command syncrpc serves the demo services over a unix socket and calls them.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"sync-rpc/registry"
	"sync-rpc/rpc"
)

// Exit codes.
const (
	exitFailure   = 1
	exitTimeout   = 3
	exitSyncCall  = 4
	exitRemote    = 5
	defaultSocket = "/tmp/sync-rpc.sock"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "logfmt",
			Aliases: []string{"f"},
			Usage:   "`format` logs as text or json",
			Value:   "text",
			EnvVars: []string{"SYNCRPC_LOGFMT"},
		},
		&cli.StringFlag{
			Name:    "loglvl",
			Usage:   "set logging `level` to trace, debug, info, warn or error",
			Value:   "info",
			EnvVars: []string{"SYNCRPC_LOGLVL"},
		},
		&cli.StringSliceFlag{
			Name:        "etcd",
			Usage:       "etcd `endpoints` of the service registry",
			DefaultText: "disabled",
			EnvVars:     []string{"SYNCRPC_ETCD_ENDPOINTS"},
		},
		&cli.StringFlag{
			Name:    "codec",
			Usage:   "frame `codec`: json or binary",
			Value:   "binary",
			EnvVars: []string{"SYNCRPC_CODEC"},
		},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "syncrpc",
		Usage:     "blocking RPC over shared memory",
		UsageText: "syncrpc [global options] command [command options] [arguments...]",
		Flags:     globalFlags(),
		Commands:  []*cli.Command{serveCommand(), callCommand(), demoCommand()},
		Before:    setupLogging,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Error("syncrpc failed")
		os.Exit(exitCode(err))
	}
}

func setupLogging(c *cli.Context) error {
	lvl, err := logrus.ParseLevel(c.String("loglvl"))
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	switch c.String("logfmt") {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log format %q", c.String("logfmt"))
	}
	return nil
}

// exitCode maps a failed call onto the process exit status.
func exitCode(err error) int {
	var (
		timeout *rpc.TimeoutError
		sce     *rpc.SyncCallError
		remote  *rpc.RemoteError
		coder   cli.ExitCoder
	)
	switch {
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return exitTimeout
	case errors.As(err, &sce):
		return exitSyncCall
	case errors.As(err, &remote):
		return exitRemote
	case errors.As(err, &coder):
		return coder.ExitCode()
	default:
		return exitFailure
	}
}

// openRegistry returns the etcd registry named by --etcd, or nil when the flag is unset.
func openRegistry(c *cli.Context) (*registry.EtcdRegistry, error) {
	var endpoints []string
	for _, e := range c.StringSlice("etcd") {
		for _, part := range strings.Split(e, ",") {
			if part = strings.TrimSpace(part); part != "" {
				endpoints = append(endpoints, part)
			}
		}
	}
	if len(endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(endpoints, logrus.StandardLogger())
}

func printJSON(c *cli.Context, data []byte) {
	fmt.Fprintln(c.App.Writer, string(data))
}
