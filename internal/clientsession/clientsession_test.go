package clientsession

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/lierdakil/hoip/internal/evcode"
	"github.com/lierdakil/hoip/internal/hiddev"
	"github.com/lierdakil/hoip/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVirtualDevice struct {
	mu      sync.Mutex
	batches [][]wire.Event
	closed  bool
	emitErr error
}

func (d *fakeVirtualDevice) Emit(events []wire.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.emitErr != nil {
		return d.emitErr
	}
	cp := make([]wire.Event, len(events))
	copy(cp, events)
	d.batches = append(d.batches, cp)
	return nil
}

func (d *fakeVirtualDevice) SysPath() (string, error) { return "", nil }

func (d *fakeVirtualDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fakeBuilder struct{ dev *fakeVirtualDevice }

func (b fakeBuilder) Build(hiddev.VirtualDeviceConfig) (hiddev.VirtualDevice, error) {
	return b.dev, nil
}

func newTestDiscovery(t *testing.T) *discovery.Service {
	t.Helper()
	port := 21000 + rand.Intn(10000)
	mcast := &net.UDPAddr{IP: net.ParseIP("239.255.255.251"), Port: port}
	bind := &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	disc, err := discovery.New(discardLogger(), mcast, bind)
	require.NoError(t, err)
	return disc
}

func TestSessionBatchesOnSynReportAndCleansUpStuckKeys(t *testing.T) {
	disc := newTestDiscovery(t)
	defer disc.Close()

	dev := &fakeVirtualDevice{}
	sess, err := New(discardLogger(), &net.TCPAddr{IP: net.IPv4zero, Port: 0}, disc, fakeBuilder{dev}, hiddev.VirtualDeviceConfig{Name: "test"})
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sess.Run(ctx) }()

	conn, err := net.DialTCP("tcp", nil, sess.Addr())
	require.NoError(t, err)

	buf := wire.Encode(nil, wire.Event{Type: evcode.EV_KEY, Code: 1, Value: 1})
	buf = wire.Encode(buf, wire.Event{Type: evcode.EV_SYN, Code: evcode.SYN_REPORT, Value: 0})
	_, err = conn.Write(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.batches) == 1
	}, time.Second, 10*time.Millisecond)

	dev.mu.Lock()
	assert.Len(t, dev.batches[0], 1)
	assert.Equal(t, uint16(1), dev.batches[0][0].Code)
	dev.mu.Unlock()

	// Closing the connection without a matching key-up must trigger
	// synthetic cleanup for the still-pressed key.
	conn.Close()

	require.Eventually(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.batches) == 2
	}, time.Second, 10*time.Millisecond)

	dev.mu.Lock()
	cleanup := dev.batches[1]
	dev.mu.Unlock()
	require.Len(t, cleanup, 1)
	assert.Equal(t, evcode.EV_KEY, cleanup[0].Type)
	assert.Equal(t, uint16(1), cleanup[0].Code)
	assert.Equal(t, int32(0), cleanup[0].Value)

	cancel()
	<-runErrCh
}
