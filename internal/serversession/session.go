// Package serversession implements the capture-side session state machine:
// selecting a peer, dialing it, grabbing the managed devices, and streaming
// their events through the magic-chord detector into the wire codec, with
// guaranteed ungrab on every exit from the active state.
package serversession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lierdakil/hoip/internal/chord"
	"github.com/lierdakil/hoip/internal/discovery"
	"github.com/lierdakil/hoip/internal/hiddev"
	"github.com/lierdakil/hoip/internal/wire"
)

type state int

const (
	stateIdle state = iota
	stateSelecting
	stateConnecting
	stateActive
)

// Config holds everything the session needs beyond a Selector and device
// set: the chord that arms/releases forwarding, and the discovery guard
// bounding how long one peer selection attempt is allowed to block. When
// that guard expires the session logs it and starts a new selection
// attempt; it does not go back to waiting for the chord.
type Config struct {
	MagicKey         []uint16
	ConnectOnStart   bool
	DiscoveryTimeout time.Duration
	DialTimeout      time.Duration
}

// Session drives the server-side state machine for the lifetime of the
// process.
type Session struct {
	log      *slog.Logger
	devices  []hiddev.Device
	selector Selector
	cfg      Config
}

// New builds a server session over the given managed devices and peer
// selector.
func New(log *slog.Logger, devices []hiddev.Device, selector Selector, cfg Config) *Session {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Session{log: log, devices: devices, selector: selector, cfg: cfg}
}

// Run drives IDLE → SELECTING → CONNECTING → ACTIVE → ... until ctx is
// cancelled or peer selection ends the process cleanly (selector
// exhaustion, e.g. a closed discovery service).
func (s *Session) Run(ctx context.Context) error {
	mux := newDeviceMux(s.devices)
	events, muxErrc := mux.run(ctx)

	st := stateIdle
	if s.cfg.ConnectOnStart {
		st = stateSelecting
	}

	var peer discovery.Peer

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch st {
		case stateIdle:
			s.log.Info("waiting for magic key chord")
			if err := chord.Wait(s.cfg.MagicKey, events); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("serversession: device stream ended while idle: %w", err)
			}
			s.log.Info("magic key chord triggered, selecting a peer")
			st = stateSelecting

		case stateSelecting:
			next, err := s.selectPeer(ctx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					s.log.Warn("peer selection timed out, retrying")
					st = stateSelecting
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Info("peer selection ended, shutting down", "error", err)
				return nil
			}
			peer = next
			st = stateConnecting

		case stateConnecting:
			conn, err := s.dial(ctx, peer)
			if err != nil {
				s.log.Warn("connect failed, blacklisting peer", "peer", peer.String(), "error", err)
				s.selector.Blacklist(peer)
				st = stateSelecting
				continue
			}
			st = s.active(ctx, peer, conn, events)

		default:
			return fmt.Errorf("serversession: unreachable state %d", st)
		}

		select {
		case err := <-muxErrc:
			if err != nil {
				return fmt.Errorf("serversession: device read failed: %w", err)
			}
		default:
		}
	}
}

func (s *Session) selectPeer(ctx context.Context) (discovery.Peer, error) {
	selCtx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
	defer cancel()
	return s.selector.Next(selCtx)
}

func (s *Session) dial(ctx context.Context, peer discovery.Peer) (net.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// active grabs every device, forwards events through the chord detector
// into conn until the chord fires or the transport fails, then ungrabs
// (after a mandatory wait-for-chord when the exit wasn't chord-triggered)
// and returns the next state.
func (s *Session) active(ctx context.Context, peer discovery.Peer, conn net.Conn, events <-chan wire.Event) state {
	defer conn.Close()

	log := s.log.With("session", uuid.NewString())

	if err := s.grabAll(); err != nil {
		log.Warn("grab failed, treating as connection failure", "error", err)
		s.ungrabAll()
		s.selector.Blacklist(peer)
		return stateSelecting
	}
	log.Info("devices grabbed, forwarding to peer", "remote", conn.RemoteAddr())

	streamOut, streamDone := chord.Stream(s.cfg.MagicKey, events)
	chordTriggered := false
	streamEnded := false
	var sessionErr error

loop:
	for {
		select {
		case evt, ok := <-streamOut:
			if !ok {
				streamOut = nil
				continue
			}
			buf := wire.Encode(nil, evt)
			if _, err := conn.Write(buf); err != nil {
				sessionErr = fmt.Errorf("write to peer: %w", err)
				break loop
			}
		case err := <-streamDone:
			streamEnded = true
			if errors.As(err, &chord.ErrSignal{}) {
				chordTriggered = true
			} else if err != nil {
				sessionErr = err
			}
			break loop
		case <-ctx.Done():
			sessionErr = ctx.Err()
			break loop
		}
	}

	if sessionErr != nil {
		log.Warn("active session ended", "error", sessionErr)
	} else if chordTriggered {
		log.Info("magic key chord released session")
	}

	if !chordTriggered && !streamEnded {
		log.Info("waiting for magic key chord before releasing devices")
		// Keep draining the same Stream instance rather than starting a
		// fresh chord.Wait over events: the loop above can exit (write
		// error, ctx cancellation) while Stream's goroutine is parked
		// mid-send on an event it already pulled off events. Abandoning it
		// here would leak that goroutine and lose whatever chord state it
		// had already observed. Draining until it finishes (ErrSignal or
		// events closing) unblocks the send and keeps the same Detector
		// instance, with its already-armed state, in play.
		for streamOut != nil {
			select {
			case _, ok := <-streamOut:
				if !ok {
					streamOut = nil
				}
			case err := <-streamDone:
				if errors.As(err, &chord.ErrSignal{}) {
					chordTriggered = true
				}
				streamOut = nil
			}
		}
	}

	s.ungrabAll()

	if sessionErr != nil && !chordTriggered {
		s.selector.Blacklist(peer)
	}
	return stateSelecting
}

// grabAll attempts Grab on every device in order. On failure the caller is
// responsible for calling ungrabAll, which is a no-op on devices that were
// never successfully grabbed.
func (s *Session) grabAll() error {
	for _, d := range s.devices {
		if err := d.Grab(); err != nil {
			return fmt.Errorf("grab %s: %w", d.Info().Path, err)
		}
	}
	return nil
}

func (s *Session) ungrabAll() {
	for _, d := range s.devices {
		if err := d.Ungrab(); err != nil {
			s.log.Warn("ungrab failed", "device", d.Info().Path, "error", err)
		}
	}
}
