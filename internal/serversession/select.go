package serversession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lierdakil/hoip/internal/discovery"
)

// Selector produces an infinite sequence of peer addresses to attempt a
// connection to. Static lists round-robin forever; discovery mode runs a
// cache-and-timeout race in front of the discovery service.
type Selector interface {
	// Next blocks until a peer is ready to try, or ctx is done.
	Next(ctx context.Context) (discovery.Peer, error)
	// Blacklist marks peer as having failed a connection attempt, so it is
	// not offered again until the discovery rediscovers it.
	Blacklist(peer discovery.Peer)
}

// StaticSelector cycles a fixed, non-empty list of addresses forever.
type StaticSelector struct {
	peers []discovery.Peer
	next  int
}

// NewStaticSelector builds a round-robin selector over a fixed peer list.
func NewStaticSelector(peers []discovery.Peer) *StaticSelector {
	return &StaticSelector{peers: peers}
}

// Next always succeeds immediately with the next peer in rotation; ctx is
// only consulted for cancellation, since a static list's Next never blocks.
func (s *StaticSelector) Next(ctx context.Context) (discovery.Peer, error) {
	if err := ctx.Err(); err != nil {
		return discovery.Peer{}, err
	}
	p := s.peers[s.next]
	s.next = (s.next + 1) % len(s.peers)
	return p, nil
}

// Blacklist is a no-op for a static list: an operator-provided address stays
// eligible even after a failed attempt.
func (s *StaticSelector) Blacklist(discovery.Peer) {}

// DiscoverySelector implements the cache-and-timeout race over a discovery
// service: new discoveries, the periodic broadcast ticker, and a
// cache-head timeout compete for each call to Next.
type DiscoverySelector struct {
	log          *slog.Logger
	disc         *discovery.Service
	period       time.Duration
	cacheTimeout time.Duration

	mu        sync.Mutex
	cache     []discovery.Peer
	blacklist map[string]struct{}
}

// NewDiscoverySelector builds a discovery-driven selector. period is the
// discovery broadcast interval; cacheTimeout bounds how long Next waits for
// a new discovery before falling back to the cache head.
func NewDiscoverySelector(log *slog.Logger, disc *discovery.Service, period, cacheTimeout time.Duration) *DiscoverySelector {
	return &DiscoverySelector{
		log:          log,
		disc:         disc,
		period:       period,
		cacheTimeout: cacheTimeout,
		blacklist:    make(map[string]struct{}),
	}
}

// Blacklist records peer as having failed. Peer embeds net.IP, a slice, so
// it can't be a map key or compared with == directly; addresses are keyed
// by their string form instead.
func (s *DiscoverySelector) Blacklist(peer discovery.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[peer.String()] = struct{}{}
}

func (s *DiscoverySelector) pruneCache() {
	if len(s.blacklist) == 0 {
		return
	}
	kept := s.cache[:0]
	for _, p := range s.cache {
		if _, bad := s.blacklist[p.String()]; !bad {
			kept = append(kept, p)
		}
	}
	s.cache = kept
}

func (s *DiscoverySelector) inCache(p discovery.Peer) bool {
	for _, c := range s.cache {
		if c.String() == p.String() {
			return true
		}
	}
	return false
}

// Next prunes blacklisted entries from the cache, then races a fresh
// discovery against the discover() ticker (only reachable on error) and,
// when the cache is non-empty, a cache-timeout sleep. The cache timeout arm
// must stay disabled on an empty cache, or Next would return nothing on a
// clean boot before any peer has ever been seen.
func (s *DiscoverySelector) Next(ctx context.Context) (discovery.Peer, error) {
	s.mu.Lock()
	s.pruneCache()
	cacheNonEmpty := len(s.cache) > 0
	s.mu.Unlock()

	discoverCtx, cancelDiscover := context.WithCancel(ctx)
	defer cancelDiscover()

	type found struct {
		peer discovery.Peer
		err  error
	}
	newPeerCh := make(chan found, 1)
	go func() {
		for {
			peer, err := s.disc.Discovered(discoverCtx)
			if err != nil {
				newPeerCh <- found{err: err}
				return
			}
			s.mu.Lock()
			already := s.inCache(peer)
			if !already {
				s.cache = append(s.cache, peer)
			}
			s.mu.Unlock()
			if already {
				continue
			}
			newPeerCh <- found{peer: peer}
			return
		}
	}()

	discoverErrCh := make(chan error, 1)
	go func() {
		discoverErrCh <- s.disc.DiscoverWithRetry(discoverCtx, s.period)
	}()

	var timeoutCh <-chan time.Time
	if cacheNonEmpty {
		timer := time.NewTimer(s.cacheTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		return discovery.Peer{}, ctx.Err()
	case f := <-newPeerCh:
		if f.err != nil {
			return discovery.Peer{}, fmt.Errorf("serversession: discovery stream ended: %w", f.err)
		}
		return f.peer, nil
	case err := <-discoverErrCh:
		return discovery.Peer{}, fmt.Errorf("serversession: periodic discovery broadcast failed: %w", err)
	case <-timeoutCh:
		s.mu.Lock()
		head := s.cache[0]
		s.cache = append(s.cache[1:], head)
		s.mu.Unlock()
		return head, nil
	}
}
