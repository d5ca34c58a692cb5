package serversession

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/lierdakil/hoip/internal/evcode"
	"github.com/lierdakil/hoip/internal/hiddev"
	"github.com/lierdakil/hoip/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionForwardsEventsUntilChordReleases(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	peer := discovery.Peer{UDPAddr: net.UDPAddr{IP: addr.IP, Port: addr.Port}}

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()

	dev := newFakeDevice("/dev/input/event0")
	sel := &fakeSelector{peers: []discovery.Peer{peer}}
	sess := New(discardLogger(), []hiddev.Device{dev}, sel, Config{
		MagicKey:         []uint16{1, 2},
		ConnectOnStart:   true,
		DiscoveryTimeout: time.Second,
		DialTimeout:      time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sess.Run(ctx) }()

	var serverConn net.Conn
	select {
	case serverConn = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never connected to the selected peer")
	}
	defer serverConn.Close()

	// Complete the chord: key1 down, key2 down, key1 up (all forwarded),
	// key2 up (completes the chord and is dropped, not forwarded).
	dev.events <- wire.Event{Type: evcode.EV_KEY, Code: 1, Value: 1}
	dev.events <- wire.Event{Type: evcode.EV_KEY, Code: 2, Value: 1}
	dev.events <- wire.Event{Type: evcode.EV_KEY, Code: 1, Value: 0}
	dev.events <- wire.Event{Type: evcode.EV_KEY, Code: 2, Value: 0}

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []wire.Event
	dec := wire.Decoder{}
	buf := make([]byte, 4096)
	for len(got) < 3 {
		n, err := serverConn.Read(buf)
		require.NoError(t, err)
		dec.Feed(buf[:n])
		for {
			e, ok := dec.Next()
			if !ok {
				break
			}
			got = append(got, e)
		}
	}

	require.Len(t, got, 3)
	assert.Equal(t, uint16(1), got[0].Code)
	assert.Equal(t, int32(1), got[0].Value)
	assert.Equal(t, uint16(2), got[1].Code)
	assert.Equal(t, uint16(1), got[2].Code)
	assert.Equal(t, int32(0), got[2].Value)

	dev.mu.Lock()
	assert.GreaterOrEqual(t, dev.grabs, 1)
	assert.GreaterOrEqual(t, dev.ungrabs, 1)
	dev.mu.Unlock()

	cancel()
	<-runErrCh
}

func TestSessionBlacklistsPeerOnGrabFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	peer := discovery.Peer{UDPAddr: net.UDPAddr{IP: addr.IP, Port: addr.Port}}

	dev := newFakeDevice("/dev/input/event0")
	dev.grabErr = assertErr{"grab denied"}
	sel := &fakeSelector{peers: []discovery.Peer{peer}}
	sess := New(discardLogger(), []hiddev.Device{dev}, sel, Config{
		MagicKey:         []uint16{1, 2},
		ConnectOnStart:   true,
		DiscoveryTimeout: 200 * time.Millisecond,
		DialTimeout:      time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = sess.Run(ctx)

	sel.mu.Lock()
	defer sel.mu.Unlock()
	assert.NotEmpty(t, sel.blacklisted)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
