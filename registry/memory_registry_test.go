package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	eps, err := reg.Discover(ctx, "fileSystem")
	require.NoError(t, err)
	assert.Empty(t, eps)

	a := Endpoint{ID: "a", Socket: "/run/a.sock", Weight: 1}
	b := Endpoint{ID: "b", Socket: "/run/b.sock", Weight: 2}
	require.NoError(t, reg.Register(ctx, "fileSystem", a, 10))
	require.NoError(t, reg.Register(ctx, "fileSystem", b, 10))

	eps, err = reg.Discover(ctx, "fileSystem")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{a, b}, eps)

	// re-registering an id replaces the entry
	a.Socket = "/run/a2.sock"
	require.NoError(t, reg.Register(ctx, "fileSystem", a, 10))
	eps, _ = reg.Discover(ctx, "fileSystem")
	assert.Equal(t, []Endpoint{a, b}, eps)

	require.NoError(t, reg.Deregister(ctx, "fileSystem", "a"))
	require.NoError(t, reg.Deregister(ctx, "fileSystem", "missing"))
	eps, _ = reg.Discover(ctx, "fileSystem")
	assert.Equal(t, []Endpoint{b}, eps)

	assert.Error(t, reg.Register(ctx, "fileSystem", Endpoint{}, 0))
}

func TestMemoryRegistryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()
	updates := reg.Watch(ctx, "timer")

	require.NoError(t, reg.Register(context.Background(), "timer", Endpoint{ID: "1"}, 0))
	require.NoError(t, reg.Register(context.Background(), "timer", Endpoint{ID: "2"}, 0))

	// only the latest list is kept for a slow watcher
	select {
	case eps := <-updates:
		assert.Len(t, eps, 2)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
