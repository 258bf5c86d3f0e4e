package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// etcdEndpoints returns the etcd cluster to test against, skipping the test when none is
// configured.
func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	env := os.Getenv("SYNCRPC_ETCD_ENDPOINTS")
	if env == "" {
		t.Skip("SYNCRPC_ETCD_ENDPOINTS not set")
	}
	return strings.Split(env, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), logrus.New())
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	service := "fileSystem-" + uuid.NewString()

	ep1 := Endpoint{ID: "a", Socket: "/tmp/a.sock", Weight: 10, Version: "1.0"}
	ep2 := Endpoint{ID: "b", Socket: "/tmp/b.sock", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, service, ep1, 10))
	require.NoError(t, reg.Register(ctx, service, ep2, 10))

	eps, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Endpoint{ep1, ep2}, eps)

	require.NoError(t, reg.Deregister(ctx, service, ep1.ID))
	eps, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{ep2}, eps)

	require.NoError(t, reg.Deregister(ctx, service, ep2.ID))
}

func TestEtcdWatch(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), logrus.New())
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	service := "timer-" + uuid.NewString()

	updates := reg.Watch(ctx, service)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, reg.Register(ctx, service, Endpoint{ID: "w", Socket: "/tmp/w.sock"}, 0))

	select {
	case eps := <-updates:
		require.Len(t, eps, 1)
		assert.Equal(t, "w", eps[0].ID)
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(ctx, service, "w"))
}
