package serversession

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSelectorRoundRobin(t *testing.T) {
	peers := []discovery.Peer{
		{UDPAddr: net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}},
		{UDPAddr: net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 2}},
	}
	sel := NewStaticSelector(peers)
	ctx := context.Background()

	first, err := sel.Next(ctx)
	require.NoError(t, err)
	second, err := sel.Next(ctx)
	require.NoError(t, err)
	third, err := sel.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:1", first.String())
	assert.Equal(t, "10.0.0.2:2", second.String())
	assert.Equal(t, "10.0.0.1:1", third.String(), "cycles back to the start")
}

func TestStaticSelectorBlacklistIsNoop(t *testing.T) {
	peers := []discovery.Peer{{UDPAddr: net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}}}
	sel := NewStaticSelector(peers)
	sel.Blacklist(peers[0])

	p, err := sel.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1", p.String())
}

func testDiscoveryAddrs() (mcast, bind *net.UDPAddr) {
	port := 22000 + rand.Intn(10000)
	mcast = &net.UDPAddr{IP: net.ParseIP("239.255.255.251"), Port: port}
	bind = &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	return
}

func TestDiscoverySelectorFallsBackToCacheOnTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("requires multicast-capable loopback")
	}
	mcast, bind := testDiscoveryAddrs()

	local, err := discovery.New(slog.Default(), mcast, bind)
	require.NoError(t, err)
	defer local.Close()

	remote, err := discovery.New(slog.Default(), mcast, bind)
	require.NoError(t, err)
	defer remote.Close()

	sel := NewDiscoverySelector(slog.Default(), local, time.Hour, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, remote.Advertise(ctx, 4242))
	time.Sleep(100 * time.Millisecond)

	first, err := sel.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4242, first.Port)

	// No further advertisement arrives; the cache-timeout arm should return
	// the same peer again rather than blocking forever.
	second, err := sel.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4242, second.Port)
}

func TestDiscoverySelectorPrunesBlacklistedCacheEntries(t *testing.T) {
	sel := &DiscoverySelector{
		cache:     []discovery.Peer{{UDPAddr: net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}}},
		blacklist: make(map[string]struct{}),
	}
	sel.Blacklist(sel.cache[0])
	sel.pruneCache()
	assert.Empty(t, sel.cache)
}
