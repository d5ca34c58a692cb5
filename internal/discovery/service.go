package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Peer is one discovered or configured remote address.
type Peer struct {
	net.UDPAddr
}

func (p Peer) String() string { return p.UDPAddr.String() }

// Service owns the discovery UDP socket: it binds once per process and is
// borrowed by every session loop for its lifetime.
type Service struct {
	log   *slog.Logger
	clock clockwork.Clock

	conn  *net.UDPConn
	bind  net.UDPAddr
	mcast net.UDPAddr

	v4 *ipv4.PacketConn
	v6 *ipv6.PacketConn
}

// New binds a UDP socket for discovery and joins the multicast group.
// bindAddr and multicastAddr are expected to already carry a resolved IPv6
// zone/scope where applicable (see ResolveScope/FixSocketAddr).
func New(log *slog.Logger, multicastAddr, bindAddr *net.UDPAddr) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	sockAddr := &net.UDPAddr{IP: bindAddr.IP, Port: multicastAddr.Port, Zone: bindAddr.Zone}
	network := "udp4"
	if isV6(multicastAddr.IP) {
		network = "udp6"
		if isV4(bindAddr.IP) {
			return nil, fmt.Errorf("discovery: bind address %s is v4 but multicast address %s is v6", bindAddr, multicastAddr)
		}
	}

	conn, err := net.ListenUDP(network, sockAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: bind UDP socket on %s: %w", sockAddr, err)
	}

	svc := &Service{
		log:   log,
		clock: clockwork.NewRealClock(),
		conn:  conn,
		bind:  *bindAddr,
		mcast: *multicastAddr,
	}

	if err := svc.join(); err != nil {
		conn.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) join() error {
	if isV6(s.mcast.IP) {
		var ifi *net.Interface
		if s.bind.Zone != "" {
			var err error
			ifi, err = net.InterfaceByName(s.bind.Zone)
			if err != nil {
				return fmt.Errorf("discovery: resolve bind zone %q: %w", s.bind.Zone, err)
			}
			s.mcast.Zone = ifi.Name
		}
		s.v6 = ipv6.NewPacketConn(s.conn)
		if err := s.v6.JoinGroup(ifi, &net.UDPAddr{IP: s.mcast.IP}); err != nil {
			return fmt.Errorf("discovery: join v6 multicast %s: %w", s.mcast.IP, err)
		}
		if err := s.v6.SetMulticastLoopback(false); err != nil {
			return fmt.Errorf("discovery: disable v6 multicast loopback: %w", err)
		}
		return nil
	}

	var ifi *net.Interface
	if isV4(s.bind.IP) && !s.bind.IP.IsUnspecified() {
		ifi, _ = interfaceForIP(s.bind.IP)
	}
	s.v4 = ipv4.NewPacketConn(s.conn)
	if err := s.v4.JoinGroup(ifi, &net.UDPAddr{IP: s.mcast.IP}); err != nil {
		return fmt.Errorf("discovery: join v4 multicast %s: %w", s.mcast.IP, err)
	}
	if err := s.v4.SetMulticastLoopback(false); err != nil {
		return fmt.Errorf("discovery: disable v4 multicast loopback: %w", err)
	}
	return nil
}

func interfaceForIP(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if ok && ipnet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface has address %s", ip)
}

// Close releases the discovery socket.
func (s *Service) Close() error {
	return s.conn.Close()
}

// Respond answers every valid discovery request with an advertisement of
// tcpPort, unicast back to the requester. A failed response send is logged
// and the loop continues; Respond returns when ctx is done, the socket is
// closed, or receiving fails with an error other than a read timeout.
func (s *Service) Respond(ctx context.Context, tcpPort uint16) error {
	buf := make([]byte, 0xFFFF)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.conn.SetReadDeadline(s.clock.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("discovery: recv request: %w", err)
		}
		port, ok := ParsePacket(buf[:n])
		if !ok || port != 0 {
			continue
		}
		s.log.Info("discovery request received", "requester", addr.IP.String())
		reply := BuildPacket(tcpPort)
		dst := &net.UDPAddr{IP: addr.IP, Port: s.mcast.Port}
		if _, err := s.conn.WriteToUDP(reply, dst); err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("discovery response send failed", "requester", addr.IP.String(), "error", err)
			continue
		}
		s.log.Info("discovery response sent", "requester", addr.IP.String(), "self", s.bind.String())
	}
}

// Advertise sends one advertisement of tcpPort to the multicast group.
func (s *Service) Advertise(ctx context.Context, tcpPort uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply := BuildPacket(tcpPort)
	if _, err := s.conn.WriteToUDP(reply, &s.mcast); err != nil {
		return fmt.Errorf("discovery: advertise: %w", err)
	}
	s.log.Info("discovery advertisement sent", "self", s.bind.String(), "multicast", s.mcast.String())
	return nil
}

// Discover periodically broadcasts a request at period intervals, using
// "delay on missed tick" (never coalesce bursts). It runs forever unless
// ctx is cancelled, returning ctx.Err() in that case, or a wrapped I/O error
// if the send itself fails.
func (s *Service) Discover(ctx context.Context, period time.Duration) error {
	ticker := s.clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
		if _, err := s.conn.WriteToUDP(Request, &s.mcast); err != nil {
			return fmt.Errorf("discovery: send request: %w", err)
		}
		s.log.Info("discovery request broadcast", "multicast", s.mcast.String())
	}
}

// DiscoverWithRetry wraps Discover with an exponential-backoff retry, so a
// single transient send failure doesn't tear down the whole discovery loop.
func (s *Service) DiscoverWithRetry(ctx context.Context, period time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely; ctx governs lifetime
	return backoff.Retry(func() error {
		err := s.Discover(ctx, period)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// Discovered delivers one parsed peer address per call, blocking until a
// valid advertisement/reply (nonzero port) arrives. IPv6 results inherit
// the local multicast scope, not the sender's. Invalid packets are
// discarded silently.
func (s *Service) Discovered(ctx context.Context) (Peer, error) {
	buf := make([]byte, 0xFFFF)
	for {
		if err := ctx.Err(); err != nil {
			return Peer{}, err
		}
		s.conn.SetReadDeadline(s.clock.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return Peer{}, ctx.Err()
			}
			return Peer{}, fmt.Errorf("discovery: recv: %w", err)
		}
		port, ok := ParsePacket(buf[:n])
		if !ok || port == 0 {
			continue
		}
		peer := Peer{UDPAddr: net.UDPAddr{IP: addr.IP, Port: int(port)}}
		if isV6(peer.IP) {
			peer.Zone = s.mcast.Zone
		}
		s.log.Info("discovery response received", "addr", peer.String())
		return peer, nil
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
