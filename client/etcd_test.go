package client

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-rpc/loadbalance"
	"sync-rpc/registry"
	"sync-rpc/services"
)

// TestMultiServerWithEtcd runs two servers registered in etcd and spreads client
// connections over them round robin.
func TestMultiServerWithEtcd(t *testing.T) {
	env := os.Getenv("SYNCRPC_ETCD_ENDPOINTS")
	if env == "" {
		t.Skip("SYNCRPC_ETCD_ENDPOINTS not set")
	}
	withSegmentDir(t)
	log, _ := test.NewNullLogger()
	reg, err := registry.NewEtcdRegistry(strings.Split(env, ","), log)
	require.NoError(t, err)
	defer reg.Close()

	name := "demo-" + uuid.NewString()
	dir := t.TempDir()
	serve(t, newServer(t, reg, name), filepath.Join(dir, "one.sock"))
	serve(t, newServer(t, reg, name), filepath.Join(dir, "two.sock"))
	require.Eventually(t, func() bool {
		eps, _ := reg.Discover(context.Background(), name)
		return len(eps) == 2
	}, 5*time.Second, 50*time.Millisecond)

	opts := quietOptions()
	opts.Registry = reg
	opts.Balancer = &loadbalance.RoundRobinBalancer{}

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		c, err := DialService(context.Background(), name, opts)
		require.NoError(t, err)
		var reply services.EchoReply
		require.NoError(t, c.CallAsync(context.Background(), "echo/echo", &services.EchoArgs{Text: "n"}, &reply))
		seen[c.Endpoint().ID] = true
		require.NoError(t, c.Close())
	}
	assert.Len(t, seen, 2)
}
