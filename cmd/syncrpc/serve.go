package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"sync-rpc/codec"
	"sync-rpc/middleware"
	"sync-rpc/server"
	"sync-rpc/services"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the demo services on a unix socket",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    "socket",
				Aliases: []string{"s"},
				Usage:   "listen on the unix socket at `path`",
				Value:   defaultSocket,
				EnvVars: []string{"SYNCRPC_SOCKET"},
			},
			&cli.PathFlag{
				Name:        "root",
				Usage:       "restrict fileSystem calls to `dir`",
				DefaultText: "unrestricted",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "register the socket in etcd under `service`",
				Value: "sync-rpc",
			},
			&cli.DurationFlag{
				Name:  "heartbeat",
				Usage: "heartbeat `interval` on connections",
				Value: 10 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "handler-timeout",
				Usage: "fail handlers running longer than `duration`, 0 disables",
			},
			&cli.Float64Flag{
				Name:        "rate",
				Usage:       "accept at most `n` calls per second per method and connection",
				DefaultText: "unlimited",
			},
			&cli.DurationFlag{
				Name:  "grace",
				Usage: "wait up to `duration` for handlers at shutdown",
				Value: 5 * time.Second,
			},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	var err error
	log := logrus.StandardLogger()
	opts := server.DefaultOptions()
	opts.Logger = log
	if opts.Stream.Codec, err = codec.ParseCodecType(c.String("codec")); err != nil {
		return err
	}
	opts.Stream.Heartbeat = c.Duration("heartbeat")
	opts.Stream.IdleTimeout = 3*opts.Stream.Heartbeat + opts.Stream.Heartbeat/2

	reg, err := openRegistry(c)
	if err != nil {
		return errors.Wrap(err, "registry")
	}
	if reg != nil {
		defer reg.Close()
		opts.Registry = reg
		opts.ServiceName = c.String("name")
	}

	srv := server.NewServer(opts)
	srv.Use(middleware.RecoverMiddleware(log), middleware.LoggingMiddleware(log))
	if d := c.Duration("handler-timeout"); d > 0 {
		srv.Use(middleware.TimeOutMiddleware(d))
	}
	if r := c.Float64("rate"); r > 0 {
		srv.Use(middleware.MethodRateLimitMiddleware(r, int(r)+1))
	}
	for _, svc := range []any{&services.FileSystem{Root: c.Path("root")}, &services.Timer{}, &services.Echo{}} {
		if err := srv.Register(svc); err != nil {
			return err
		}
	}
	log.WithField("methods", srv.Methods()).Info("registered services")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(c.Path("socket")) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	if err := srv.Shutdown(c.Duration("grace")); err != nil {
		return err
	}
	return <-served
}
