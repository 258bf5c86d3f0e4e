package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"sync-rpc/client"
	"sync-rpc/rpc"
	"sync-rpc/server"
	"sync-rpc/services"
	"sync-rpc/shm"
	"sync-rpc/transport"
)

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "run a client and the demo services in one process",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "workers",
				Usage: "issue sync calls from `n` goroutines at once",
				Value: 4,
			},
			&cli.IntFlag{
				Name:  "calls",
				Usage: "sync calls per worker",
				Value: 100,
			},
		},
		Action: demo,
	}
}

func demo(c *cli.Context) error {
	log := logrus.StandardLogger()
	sopts := server.DefaultOptions()
	sopts.Logger = log
	srv := server.NewServer(sopts)
	for _, svc := range []any{&services.FileSystem{}, &services.Timer{}, &services.Echo{}} {
		if err := srv.Register(svc); err != nil {
			return err
		}
	}
	defer srv.Shutdown(time.Second)

	copts := client.DefaultOptions()
	copts.Logger = log
	cl, err := client.Connect(func(port transport.Port, memory shm.Resolver) error {
		_, err := srv.ServePort(port, memory, nil)
		return err
	}, copts)
	if err != nil {
		return err
	}
	defer cl.Close()
	out := c.App.Writer

	// a slow async call does not hold up the calls behind it
	_, slept, err := cl.Send("timer/sleep", &services.SleepArgs{Ms: 50})
	if err != nil {
		return err
	}
	start := time.Now()
	var echo services.EchoReply
	if err := cl.CallAsync(c.Context, "echo/echo", &services.EchoArgs{Text: "hello"}, &echo); err != nil {
		return err
	}
	fmt.Fprintf(out, "echo/echo answered in %s while timer/sleep runs\n", time.Since(start).Round(time.Microsecond))
	<-slept

	// sync call failing with an application code
	_, err = cl.CallSync(c.Context, "fileSystem/stat", &services.StatArgs{Path: "/does/not/exist"}, rpc.ResultBuffer(512), time.Second)
	var sce *rpc.SyncCallError
	if !errors.As(err, &sce) {
		return errors.Errorf("expected a sync call error, got %v", err)
	}
	fmt.Fprintf(out, "fileSystem/stat of a missing file: %v\n", sce)

	// sync call that outlives its timeout
	_, err = cl.CallSync(c.Context, "timer/sleep", &services.SleepArgs{Ms: 200}, nil, 10*time.Millisecond)
	var timeout *rpc.TimeoutError
	if !errors.As(err, &timeout) {
		return errors.Errorf("expected a timeout, got %v", err)
	}
	fmt.Fprintf(out, "timer/sleep with a short timeout: %v\n", timeout)

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	start = time.Now()
	g, ctx := errgroup.WithContext(c.Context)
	for w := 0; w < c.Int("workers"); w++ {
		g.Go(func() error {
			return statLoop(ctx, cl, wd, c.Int("calls"))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	total := c.Int("workers") * c.Int("calls")
	elapsed := time.Since(start)
	fmt.Fprintf(out, "%d concurrent sync calls in %s (%s per call)\n", total, elapsed.Round(time.Millisecond),
		(elapsed / time.Duration(max(total, 1))).Round(time.Microsecond))

	stats := cl.Memory()
	fmt.Fprintf(out, "shared memory: %d live allocations, %s in use, %s high water mark\n",
		stats.Allocations, units.BytesSize(float64(stats.InUse)), units.BytesSize(float64(stats.Top)))
	return nil
}

func statLoop(ctx context.Context, cl *client.Client, path string, n int) error {
	for i := 0; i < n; i++ {
		res, err := cl.CallSync(ctx, "fileSystem/stat", &services.StatArgs{Path: path}, rpc.ResultBuffer(512), 0)
		if err != nil {
			return err
		}
		var st services.StatReply
		if err := res.Decode(&st); err != nil {
			return err
		}
		if !st.IsDir {
			return errors.Errorf("%s is not reported as a directory", path)
		}
	}
	return nil
}
