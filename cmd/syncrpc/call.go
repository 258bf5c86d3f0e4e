package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"sync-rpc/client"
	"sync-rpc/codec"
	"sync-rpc/loadbalance"
	"sync-rpc/rpc"
)

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "call a method and print its JSON result",
		ArgsUsage: "method [params-json]",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    "socket",
				Aliases: []string{"s"},
				Usage:   "dial the unix socket at `path`",
				Value:   defaultSocket,
				EnvVars: []string{"SYNCRPC_SOCKET"},
			},
			&cli.StringFlag{
				Name:  "service",
				Usage: "look the socket up in etcd under `name` instead",
			},
			&cli.StringFlag{
				Name:  "balancer",
				Usage: "pick among registered sockets with `strategy`: round-robin, weighted-random, consistent-hash",
				Value: "round-robin",
			},
			&cli.BoolFlag{
				Name:  "async",
				Usage: "make an async call instead of a blocking sync call",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "give up after `duration`",
				Value:   30 * time.Second,
			},
			&cli.StringFlag{
				Name:  "result-size",
				Usage: "reserve `size` bytes for a sync result, e.g. 64KiB",
				Value: "64KiB",
			},
			&cli.StringFlag{
				Name:  "segment-max",
				Usage: "let the shared segment grow to `size`",
				Value: "16MiB",
			},
			&cli.PathFlag{
				Name:  "binary",
				Usage: "send the contents of `file` in the binary section of a sync call",
			},
		},
		Action: call,
	}
}

// sizeFlag parses a human readable size such as "64KiB" that must fit a region.
func sizeFlag(c *cli.Context, name string) (uint32, error) {
	n, err := units.RAMInBytes(c.String(name))
	if err != nil {
		return 0, errors.Wrapf(err, "--%s", name)
	}
	if n < 0 || n > 1<<31 {
		return 0, errors.Errorf("--%s: %s is out of range", name, units.BytesSize(float64(n)))
	}
	return uint32(n), nil
}

func call(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("call: missing method", exitFailure)
	}
	method := c.Args().Get(0)
	var params map[string]any
	if raw := c.Args().Get(1); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return cli.Exit("call: params must be a JSON object: "+err.Error(), exitFailure)
		}
	}
	if path := c.Path("binary"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if params == nil {
			params = map[string]any{}
		}
		params["binary"] = data
	}

	resultSize, err := sizeFlag(c, "result-size")
	if err != nil {
		return err
	}
	segmentMax, err := sizeFlag(c, "segment-max")
	if err != nil {
		return err
	}

	opts := client.DefaultOptions()
	opts.Logger = logrus.StandardLogger()
	if opts.Stream.Codec, err = codec.ParseCodecType(c.String("codec")); err != nil {
		return err
	}
	opts.SegmentMax = segmentMax
	opts.SyncTimeout = c.Duration("timeout")

	// sync calls enforce the timeout themselves and report it as a TimeoutError
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	cl, err := dial(ctx, c, opts)
	if err != nil {
		return err
	}
	defer cl.Close()

	if c.Bool("async") {
		var result json.RawMessage
		if err := cl.CallAsync(ctx, method, params, &result); err != nil {
			return err
		}
		printJSON(c, result)
		return nil
	}
	res, err := cl.CallSync(c.Context, method, params, rpc.ResultBuffer(resultSize), c.Duration("timeout"))
	if err != nil {
		return err
	}
	printJSON(c, res.Bytes())
	return nil
}

func dial(ctx context.Context, c *cli.Context, opts client.Options) (*client.Client, error) {
	name := c.String("service")
	if name == "" {
		return client.Dial(ctx, c.Path("socket"), opts)
	}
	reg, err := openRegistry(c)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, cli.Exit("call: --service needs --etcd", exitFailure)
	}
	defer reg.Close()
	if opts.Balancer, err = loadbalance.New(c.String("balancer")); err != nil {
		return nil, err
	}
	opts.Registry = reg
	return client.DialService(ctx, name, opts)
}
