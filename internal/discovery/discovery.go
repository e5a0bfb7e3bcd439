// Package discovery implements the UDP-based LAN announcement service of
// spec.md §4.7: periodic broadcast with exponential backoff, inbound
// listen/filter/prune, and an mDNS stub extension point.
//
// Grounded on gobfd/internal/netio/listener.go's context-aware receive
// loop, adapted from unicast control-plane packets to broadcast discovery
// datagrams.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Sentinel errors.
var (
	// ErrNotImplemented is returned by stub Discoverer implementations
	// (e.g. mDNS) for operations not yet built.
	ErrNotImplemented = errors.New("discovery: not implemented")
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second

	defaultPeerTimeout = 60 * time.Second

	readBufferSize = 1500
)

// Discoverer is the uniform interface the façade wires every discovery
// mechanism (UDP, mDNS) against.
type Discoverer interface {
	Start(ctx context.Context) error
	Stop() error
}

// PeerInfo is a discovered peer's announced identity, as cached by the
// Service.
type PeerInfo struct {
	PeerID   string
	Address  string
	TCPPort  int
	Version  string
	Platform string
	LastSeen time.Time
}

// PeerDiscoveredEvent is published on eventbus.TopicPeerDiscovered the
// first time a peer's announcement is seen (or re-seen after pruning).
type PeerDiscoveredEvent struct {
	Peer PeerInfo
}

// Config configures a Service.
type Config struct {
	UDPPort             int
	BroadcastIntervalMs int
	PeerTimeoutSec      int
	EnableUDP           bool
}

// Identity is this node's own announced fields.
type Identity struct {
	PeerID      string
	TCPPort     int
	SessionCode string
	Version     string
	Platform    string
}

// Service implements Discoverer over a UDP broadcast socket.
type Service struct {
	cfg      Config
	identity Identity
	log      *slog.Logger

	onDiscover func(PeerInfo)

	mu    sync.Mutex
	peers map[string]PeerInfo
	// discovered counts first sightings of a peer; broadcastLoop resets
	// its backoff whenever this grows.
	discovered uint64

	conn *net.UDPConn

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Service. onDiscover is invoked (outside any lock) whenever
// a previously-unknown peer is discovered, or peer discovery events should
// be republished via the event bus topic eventbus.TopicPeerDiscovered.
func New(cfg Config, identity Identity, log *slog.Logger, onDiscover func(PeerInfo)) *Service {
	if cfg.PeerTimeoutSec <= 0 {
		cfg.PeerTimeoutSec = int(defaultPeerTimeout / time.Second)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		identity:   identity,
		log:        log.With("component", "discovery"),
		onDiscover: onDiscover,
		peers:      make(map[string]PeerInfo),
		stopCh:     make(chan struct{}),
	}
}

// Start binds the broadcast/listen socket and launches the broadcast and
// receive loops. It returns once the socket is bound; the loops run in
// background goroutines until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.EnableUDP {
		return nil
	}

	addr := &net.UDPAddr{Port: s.cfg.UDPPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery start: %w", err)
	}
	s.conn = conn

	go s.receiveLoop(ctx)
	go s.broadcastLoop(ctx)
	go s.pruneLoop(ctx)

	return nil
}

// Stop closes the socket, unblocking both loops.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
	return nil
}

func (s *Service) broadcastLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.BroadcastIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	backoff := backoffBase
	var seen uint64
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		s.sendAnnouncement()

		s.mu.Lock()
		discovered := s.discovered
		s.mu.Unlock()
		if discovered != seen {
			seen = discovered
			backoff = backoffBase
		} else {
			backoff = nextBackoff(backoff)
		}
		wait := interval
		if backoff > wait {
			wait = backoff
		}
		timer.Reset(wait)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

func (s *Service) sendAnnouncement() {
	msg := BuildAnnouncement(s.identity.PeerID, s.identity.TCPPort, s.identity.SessionCode, s.identity.Version, s.identity.Platform)

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.UDPPort}
	if _, err := s.conn.WriteToUDP([]byte(msg), dst); err != nil {
		s.log.Warn("broadcast failed", "error", err)
	}
}

func (s *Service) receiveLoop(ctx context.Context) {
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Warn("discovery read failed", "error", err)
				continue
			}
		}

		s.handleDatagram(src, buf[:n])
	}
}

func (s *Service) handleDatagram(src *net.UDPAddr, payload []byte) {
	msg, err := ParseAnnouncement(string(payload))
	if err != nil {
		return
	}

	if msg.PeerID == s.identity.PeerID {
		return
	}
	if s.identity.SessionCode != "" && msg.SessionCode != s.identity.SessionCode {
		return
	}

	info := PeerInfo{
		PeerID:   msg.PeerID,
		Address:  src.IP.String(),
		TCPPort:  msg.TCPPort,
		Version:  msg.Version,
		Platform: msg.Platform,
		LastSeen: time.Now(),
	}

	s.mu.Lock()
	_, known := s.peers[info.PeerID]
	s.peers[info.PeerID] = info
	if !known {
		s.discovered++
	}
	s.mu.Unlock()

	if !known && s.onDiscover != nil {
		s.onDiscover(info)
	}
}

func (s *Service) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.pruneStale(time.Now())
	}
}

// pruneStale drops every cached peer not heard from within
// PeerTimeoutSec of now.
func (s *Service) pruneStale(now time.Time) {
	timeout := time.Duration(s.cfg.PeerTimeoutSec) * time.Second

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if now.Sub(p.LastSeen) > timeout {
			delete(s.peers, id)
		}
	}
}

// Peers returns a snapshot of every currently-cached (non-stale) peer.
func (s *Service) Peers() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}
