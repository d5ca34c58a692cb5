package serversession

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/lierdakil/hoip/internal/hiddev"
	"github.com/lierdakil/hoip/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice is an in-memory hiddev.Device whose event stream is driven by
// the test via the events channel.
type fakeDevice struct {
	path    string
	events  chan wire.Event
	grabErr error

	mu      sync.Mutex
	grabs   int
	ungrabs int
}

func newFakeDevice(path string) *fakeDevice {
	return &fakeDevice{path: path, events: make(chan wire.Event, 16)}
}

func (d *fakeDevice) Info() hiddev.Info { return hiddev.Info{Path: d.path} }

func (d *fakeDevice) Events(ctx context.Context) (<-chan wire.Event, <-chan error) {
	errc := make(chan error, 1)
	out := make(chan wire.Event)
	go func() {
		defer close(out)
		for {
			select {
			case e, ok := <-d.events:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

func (d *fakeDevice) Grab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.grabErr != nil {
		return d.grabErr
	}
	d.grabs++
	return nil
}

func (d *fakeDevice) Ungrab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ungrabs++
	return nil
}

func (d *fakeDevice) Close() error { return nil }

// fakeSelector cycles a fixed peer list and records blacklisted peers,
// mirroring StaticSelector but exposing the blacklist calls for assertions.
type fakeSelector struct {
	mu          sync.Mutex
	peers       []discovery.Peer
	next        int
	blacklisted []discovery.Peer
}

func (s *fakeSelector) Next(ctx context.Context) (discovery.Peer, error) {
	if err := ctx.Err(); err != nil {
		return discovery.Peer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peers[s.next]
	s.next = (s.next + 1) % len(s.peers)
	return p, nil
}

func (s *fakeSelector) Blacklist(peer discovery.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklisted = append(s.blacklisted, peer)
}
