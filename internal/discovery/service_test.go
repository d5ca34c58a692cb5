package discovery

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testAddrs(t *testing.T) (mcast, bind *net.UDPAddr) {
	t.Helper()
	port := 20000 + rand.Intn(10000)
	mcast = &net.UDPAddr{IP: net.ParseIP("239.255.255.250"), Port: port}
	bind = &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	return
}

func TestServiceAdvertiseDiscovered(t *testing.T) {
	if testing.Short() {
		t.Skip("requires multicast-capable loopback")
	}
	mcast, bind := testAddrs(t)

	server, err := New(slog.Default(), mcast, bind)
	require.NoError(t, err)
	defer server.Close()

	client, err := New(slog.Default(), mcast, bind)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan Peer, 1)
	errCh := make(chan error, 1)
	go func() {
		p, err := client.Discovered(ctx)
		if err != nil {
			errCh <- err
			return
		}
		done <- p
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Advertise(ctx, 27056))

	select {
	case p := <-done:
		require.Equal(t, 27056, p.Port)
	case err := <-errCh:
		t.Fatalf("discovered failed: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for discovery")
	}
}

func TestServiceDiscoverRunsUntilCancelledWithResponder(t *testing.T) {
	if testing.Short() {
		t.Skip("requires multicast-capable loopback")
	}
	mcast, bind := testAddrs(t)

	srv, err := New(slog.Default(), mcast, bind)
	require.NoError(t, err)
	defer srv.Close()

	cli, err := New(slog.Default(), mcast, bind)
	require.NoError(t, err)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go srv.Respond(ctx, 9999)

	time.Sleep(50 * time.Millisecond)
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()
	err = cli.Discover(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
}
