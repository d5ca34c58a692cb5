// Package clientsession implements the virtual-device side of a forwarding
// session: accept one TCP peer at a time, decode the wire codec into
// SYN_REPORT batches, replay them to a virtual device, and guarantee no
// stuck keys survive any exit from the connection loop.
package clientsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/lierdakil/hoip/internal/evcode"
	"github.com/lierdakil/hoip/internal/hiddev"
	"github.com/lierdakil/hoip/internal/wire"
)

// Session owns the TCP listener, the discovery service's advertise side, and
// the virtual device for the lifetime of the client process.
type Session struct {
	log       *slog.Logger
	listener  *net.TCPListener
	discovery *discovery.Service
	vdev      hiddev.VirtualDevice
}

// New binds the listener and builds the virtual device per cfg. The
// listener is bound before New returns so the caller can advertise
// immediately once Run's accept loop starts: the listener must be ready
// before the first advertisement goes out.
func New(log *slog.Logger, listenAddr *net.TCPAddr, disc *discovery.Service, builder hiddev.VirtualDeviceBuilder, cfg hiddev.VirtualDeviceConfig) (*Session, error) {
	ln, err := net.ListenTCP("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("clientsession: listen %s: %w", listenAddr, err)
	}
	vdev, err := builder.Build(cfg)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("clientsession: build virtual device: %w", err)
	}
	if path, err := vdev.SysPath(); err != nil {
		log.Warn("virtual device sysfs path unavailable", "error", err)
	} else {
		log.Info("virtual device created", "path", path, "name", cfg.Name)
	}
	return &Session{log: log, listener: ln, discovery: disc, vdev: vdev}, nil
}

// Close releases the listener and virtual device.
func (s *Session) Close() error {
	err1 := s.listener.Close()
	err2 := s.vdev.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Addr reports the bound listen address, for advertising the right port.
func (s *Session) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// Run drives the outer accept-forever loop: each iteration accepts one
// connection concurrently with one discovery advertisement, then runs the
// connection to completion before accepting again. Transient per-connection
// failures are logged and the loop continues; Run only returns when ctx is
// cancelled or the listener itself fails.
func (s *Session) Run(ctx context.Context) error {
	for {
		conn, err := s.acceptWithAdvertise(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("clientsession: accept: %w", err)
		}
		log := s.log.With("session", uuid.NewString())
		log.Info("peer connected", "remote", conn.RemoteAddr())
		if err := s.serveConn(ctx, log, conn); err != nil && ctx.Err() == nil {
			log.Warn("connection ended", "error", err)
		}
	}
}

// acceptWithAdvertise accepts the next connection while concurrently sending
// one advertisement, so a peer racing the listener can always discover the
// freshly bound port. Both must complete.
func (s *Session) acceptWithAdvertise(ctx context.Context) (*net.TCPConn, error) {
	type acceptResult struct {
		conn *net.TCPConn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := s.listener.AcceptTCP()
		acceptCh <- acceptResult{conn, err}
	}()

	advErrCh := make(chan error, 1)
	go func() {
		advErrCh <- s.discovery.Advertise(ctx, uint16(s.Addr().Port))
	}()

	var adv error
	select {
	case adv = <-advErrCh:
		if adv != nil {
			s.log.Warn("discovery advertisement failed", "error", adv)
		}
	case <-ctx.Done():
	}

	select {
	case r := <-acceptCh:
		return r.conn, r.err
	case <-ctx.Done():
		s.listener.Close()
		<-acceptCh
		return nil, ctx.Err()
	}
}

// serveConn decodes frames from conn and replays SYN_REPORT batches to the
// virtual device, guaranteeing stuck-key cleanup on every exit path.
func (s *Session) serveConn(ctx context.Context, log *slog.Logger, conn *net.TCPConn) error {
	defer conn.Close()

	pressed := make(map[uint16]struct{})
	var batch []wire.Event
	var runErr error

	defer func() {
		if len(pressed) == 0 {
			return
		}
		cleanup := make([]wire.Event, 0, len(pressed))
		for k := range pressed {
			cleanup = append(cleanup, wire.Event{Type: evcode.EV_KEY, Code: k, Value: 0})
		}
		if err := s.vdev.Emit(cleanup); err != nil {
			log.Error("stuck-key cleanup emit failed", "error", err)
		} else {
			log.Info("stuck-key cleanup emitted", "count", len(cleanup))
		}
		for k := range pressed {
			delete(pressed, k)
		}
	}()

	dec := wire.Decoder{}
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("clientsession: read: %w", err)
		}
		dec.Feed(buf[:n])
		for {
			evt, ok := dec.Next()
			if !ok {
				break
			}
			if evt.Type == evcode.EV_KEY {
				if evt.Value != 0 {
					pressed[evt.Code] = struct{}{}
				} else {
					delete(pressed, evt.Code)
				}
			}
			if evt.Type == evcode.EV_SYN && evt.Code == evcode.SYN_REPORT && evt.Value == 0 {
				if err := s.vdev.Emit(batch); err != nil {
					runErr = fmt.Errorf("clientsession: emit batch: %w", err)
					return runErr
				}
				batch = batch[:0]
				continue
			}
			batch = append(batch, evt)
		}
	}
}
