package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-rpc/loadbalance"
	"sync-rpc/registry"
	"sync-rpc/rpc"
	"sync-rpc/server"
	"sync-rpc/services"
	"sync-rpc/shm"
	"sync-rpc/transport"
)

func quietOptions() Options {
	log, _ := test.NewNullLogger()
	opts := DefaultOptions()
	opts.Logger = log
	opts.Stream.Logger = log
	return opts
}

func newServer(t *testing.T, reg registry.Registry, name string) *server.Server {
	t.Helper()
	log, _ := test.NewNullLogger()
	opts := server.DefaultOptions()
	opts.Logger = log
	opts.Registry = reg
	opts.ServiceName = name
	srv := server.NewServer(opts)
	require.NoError(t, srv.Register(&services.FileSystem{}))
	require.NoError(t, srv.Register(&services.Timer{}))
	require.NoError(t, srv.Register(&services.Echo{}))
	return srv
}

func servePort(srv *server.Server) ServeFunc {
	return func(port transport.Port, memory shm.Resolver) error {
		_, err := srv.ServePort(port, memory, nil)
		return err
	}
}

func TestInProcessStatOfMissingFile(t *testing.T) {
	srv := newServer(t, nil, "")
	c, err := Connect(servePort(srv), quietOptions())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.CallSync(context.Background(), "fileSystem/stat",
		&services.StatArgs{Path: filepath.Join(t.TempDir(), "missing")}, rpc.ResultBuffer(256), time.Second)
	var sce *rpc.SyncCallError
	require.True(t, errors.As(err, &sce), "got %v", err)
	assert.Equal(t, "fileSystem/stat", sce.Method)
	assert.Equal(t, services.CodeFileNotFound, sce.Code)
	assert.Zero(t, c.Memory().Allocations, "the region is freed after the call")
}

func TestInProcessStaysResponsiveDuringAsyncSleep(t *testing.T) {
	srv := newServer(t, nil, "")
	c, err := Connect(servePort(srv), quietOptions())
	require.NoError(t, err)
	defer c.Close()

	_, slept, err := c.Send("timer/sleep", &services.SleepArgs{Ms: 50})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	var reply services.EchoReply
	require.NoError(t, c.CallAsync(context.Background(), "echo/echo", &services.EchoArgs{Text: "ping"}, &reply))
	assert.Equal(t, "ping", reply.Text)
	assert.Less(t, time.Since(start), 40*time.Millisecond, "echo waited for the sleep")

	select {
	case resp := <-slept:
		require.NotNil(t, resp)
		assert.Nil(t, resp.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep never answered")
	}
}

func TestInProcessBinarySection(t *testing.T) {
	srv := newServer(t, nil, "")
	c, err := Connect(servePort(srv), quietOptions())
	require.NoError(t, err)
	defer c.Close()

	res, err := c.CallSync(context.Background(), "echo/echo",
		map[string]any{"text": "hi", "upper": true, "binary": make([]byte, 1000)}, rpc.ResultBuffer(128), 0)
	require.NoError(t, err)
	var reply services.EchoReply
	require.NoError(t, res.Decode(&reply))
	assert.Equal(t, services.EchoReply{Text: "HI", BinaryLen: 1000}, reply)
}

func withSegmentDir(t *testing.T) string {
	t.Helper()
	old := shm.SegmentDir
	shm.SegmentDir = t.TempDir()
	t.Cleanup(func() { shm.SegmentDir = old })
	return shm.SegmentDir
}

func serve(t *testing.T, srv *server.Server, sock string) {
	t.Helper()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(sock) }()
	t.Cleanup(func() {
		assert.NoError(t, srv.Shutdown(2*time.Second))
		assert.NoError(t, <-served)
	})
	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDialOverSocket(t *testing.T) {
	dir := withSegmentDir(t)
	sock := filepath.Join(t.TempDir(), "svc.sock")
	srv := newServer(t, nil, "")
	serve(t, srv, sock)

	c, err := Dial(context.Background(), sock, quietOptions())
	require.NoError(t, err)
	assert.Equal(t, sock, c.Endpoint().Socket)

	target := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(target, []byte("12345"), 0o644))
	res, err := c.CallSync(context.Background(), "fileSystem/stat", &services.StatArgs{Path: target}, rpc.ResultBuffer(512), 0)
	require.NoError(t, err)
	var st services.StatReply
	require.NoError(t, res.Decode(&st))
	assert.Equal(t, int64(5), st.Size)

	var slept services.SleepReply
	require.NoError(t, c.CallAsync(context.Background(), "timer/sleep", &services.SleepArgs{Ms: 1}, &slept))

	segments, _ := filepath.Glob(filepath.Join(dir, "sync-rpc-*"))
	assert.NotEmpty(t, segments)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		left, _ := filepath.Glob(filepath.Join(dir, "sync-rpc-*"))
		return len(left) == 0
	}, time.Second, 10*time.Millisecond, "client removed its segment")

	_, err = c.CallSync(context.Background(), "timer/sleep", nil, nil, 0)
	assert.True(t, errors.Is(err, rpc.ErrDisposed))
}

func TestDialServiceThroughRegistry(t *testing.T) {
	withSegmentDir(t)
	reg := registry.NewMemoryRegistry()
	dir := t.TempDir()
	for _, name := range []string{"a.sock", "b.sock"} {
		serve(t, newServer(t, reg, "demo"), filepath.Join(dir, name))
	}
	require.Eventually(t, func() bool {
		eps, _ := reg.Discover(context.Background(), "demo")
		return len(eps) == 2
	}, 2*time.Second, 10*time.Millisecond)

	opts := quietOptions()
	opts.Registry = reg
	opts.Balancer = loadbalance.NewConsistentHashBalancer()
	opts.ID = "client-7"

	first, err := DialService(context.Background(), "demo", opts)
	require.NoError(t, err)
	defer first.Close()
	second, err := DialService(context.Background(), "demo", opts)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, first.Endpoint().ID, second.Endpoint().ID, "same key, same endpoint")

	var reply services.EchoReply
	require.NoError(t, second.CallAsync(context.Background(), "echo/echo", &services.EchoArgs{Text: "x"}, &reply))

	_, err = DialService(context.Background(), "nobody", opts)
	assert.True(t, errors.Is(err, registry.ErrNotFound))

	opts.Registry = nil
	_, err = DialService(context.Background(), "demo", opts)
	assert.Error(t, err)
}
