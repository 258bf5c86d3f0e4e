package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"sync-rpc/rpc"
	"sync-rpc/shm"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitTimeout, exitCode(errors.WithStack(&rpc.TimeoutError{Method: "x", Timeout: 10 * time.Millisecond})))
	assert.Equal(t, exitSyncCall, exitCode(&rpc.SyncCallError{Method: "fileSystem/stat", Code: 2}))
	assert.Equal(t, exitRemote, exitCode(&rpc.RemoteError{Method: "echo/echo", Code: 1}))
	assert.Equal(t, 7, exitCode(cli.Exit("bad usage", 7)))
	assert.Equal(t, exitTimeout, exitCode(errors.Wrap(context.DeadlineExceeded, "echo/echo")))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
}

func TestDemo(t *testing.T) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"syncrpc", "--loglvl", "error", "demo", "--workers", "2", "--calls", "10"}))

	assert.Contains(t, out.String(), "echo/echo answered")
	assert.Contains(t, out.String(), "application error 2")
	assert.Contains(t, out.String(), "20 concurrent sync calls")
}

func TestServeAndCall(t *testing.T) {
	old := shm.SegmentDir
	shm.SegmentDir = t.TempDir()
	t.Cleanup(func() { shm.SegmentDir = old })
	sock := filepath.Join(t.TempDir(), "demo.sock")
	target := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(target, []byte("abc"), 0o644))

	serving := newApp()
	served := make(chan error, 1)
	go func() {
		served <- serving.Run([]string{"syncrpc", "--loglvl", "error", "serve", "--socket", sock})
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	var out bytes.Buffer
	call := func(args ...string) error {
		app := newApp()
		app.Writer = &out
		return app.Run(append([]string{"syncrpc", "--loglvl", "error", "call", "--socket", sock}, args...))
	}
	require.NoError(t, call("fileSystem/stat", `{"path":"`+target+`"}`))
	assert.Contains(t, out.String(), `"size":3`)

	out.Reset()
	require.NoError(t, call("--async", "echo/echo", `{"text":"hi"}`))
	assert.Contains(t, out.String(), `"text":"hi"`)

	err := call("fileSystem/stat", `{"path":"/does/not/exist"}`)
	assert.Equal(t, exitSyncCall, exitCode(err))

	err = call("--timeout", "20ms", "timer/sleep", `{"ms":1000}`)
	assert.Equal(t, exitTimeout, exitCode(err))

	err = call("--async", "timer/sleep", `{"ms":-1}`)
	assert.Equal(t, exitRemote, exitCode(err))

	p, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, p.Signal(os.Interrupt))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop on SIGINT")
	}
}
