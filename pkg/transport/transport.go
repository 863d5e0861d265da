// Package transport implements the Virgil datagram transport (C1): a
// single control socket shared for unicast requests/responses and
// per-channel multicast telemetry, plus an idempotent multicast
// group-membership set.
//
// The teacher (burgrp-go/surp) hand-rolls IPv6 multicast socket options
// with raw syscall.SetsockoptInt calls per pipe. Virgil's multicast groups
// are IPv4 administratively-scoped addresses with an explicit TTL
// requirement (§4.1: "TTL default 3"), which golang.org/x/net/ipv4's
// PacketConn exposes directly (SetMulticastTTL, JoinGroup, LeaveGroup) —
// the fit the teacher's dependency list already names but never calls
// into for its IPv6 path.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/charmbracelet/log"

	"github.com/virgil-audio/virgil/pkg/vlog"
)

// DefaultMulticastTTL is the outgoing TTL for multicast sends (§4.1).
const DefaultMulticastTTL = 3

// Datagram is one received UDP payload with its source address.
type Datagram struct {
	Payload []byte
	SrcIP   net.IP
	SrcPort int
}

// ErrTimeout is returned by Recv when no datagram arrives within the
// caller's timeout, allowing cooperative shutdown (§5).
var ErrTimeout = fmt.Errorf("transport: receive timed out")

// Socket is the single process-wide control socket bound to
// wire.VirgilPort, shared for all protocol traffic (§4.1).
type Socket struct {
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	log     *log.Logger
	groupMu sync.Mutex
	groups  map[string]bool // joined multicast groups, keyed by IP string
}

// Open binds the control socket on the given port (0 lets the OS choose,
// used by tests; production callers pass wire.VirgilPort). Bind failure
// is fatal at startup per §4.1/§7a.
func Open(port int) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: bind control socket: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastTTL(DefaultMulticastTTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set multicast TTL: %w", err)
	}
	return &Socket{
		conn:   conn,
		pconn:  pconn,
		log:    vlog.New("transport"),
		groups: make(map[string]bool),
	}, nil
}

// LocalPort returns the bound port, useful when Open was called with 0.
func (s *Socket) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendUnicast fires payload at ip:port, default wire.VirgilPort. Send
// failures are logged and dropped, never retried (§4.1, §7a).
func (s *Socket) SendUnicast(payload []byte, ip net.IP, port int) {
	addr := &net.UDPAddr{IP: ip, Port: port}
	if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
		s.log.Warn("unicast send failed", "addr", addr, "err", err)
	}
}

// SendMulticast fires payload at group:port with DefaultMulticastTTL,
// fire and forget (§4.1).
func (s *Socket) SendMulticast(payload []byte, group net.IP, port int) {
	addr := &net.UDPAddr{IP: group, Port: port}
	if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
		s.log.Warn("multicast send failed", "addr", addr, "err", err)
	}
}

// JoinGroup joins group on the system's default multicast interface, idempotent:
// joining an already-joined group is a no-op and reports no change (§4.1,
// P5, L2).
func (s *Socket) JoinGroup(group net.IP) (changed bool, err error) {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	key := group.String()
	if s.groups[key] {
		return false, nil
	}
	if err := s.pconn.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
		return false, fmt.Errorf("transport: join group %s: %w", key, err)
	}
	s.groups[key] = true
	return true, nil
}

// LeaveGroup leaves group, idempotent: leaving an un-joined group is a
// no-op (§4.1, P5, L2).
func (s *Socket) LeaveGroup(group net.IP) (changed bool, err error) {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	key := group.String()
	if !s.groups[key] {
		return false, nil
	}
	if err := s.pconn.LeaveGroup(nil, &net.UDPAddr{IP: group}); err != nil {
		return false, fmt.Errorf("transport: leave group %s: %w", key, err)
	}
	delete(s.groups, key)
	return true, nil
}

// JoinedGroups returns the currently-joined multicast group set (for
// tests and introspection; P5).
func (s *Socket) JoinedGroups() []string {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	return out
}

// maxDatagramSize bounds a single receive buffer; oversize packets are
// truncated and the truncation is reported to the caller (§4.1, §7a).
const maxDatagramSize = 4096

// Recv blocks for up to timeout waiting for one datagram. It returns
// ErrTimeout if none arrives. A received payload larger than
// maxDatagramSize is truncated and returned together with ErrOversize.
func (s *Socket) Recv(ctx context.Context, timeout time.Duration) (*Datagram, error) {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("transport: set read deadline: %w", err)
	}

	buf := make([]byte, maxDatagramSize+1)
	n, src, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("transport: receive: %w", err)
	}

	dg := &Datagram{Payload: buf[:n], SrcIP: src.IP, SrcPort: src.Port}
	if n > maxDatagramSize {
		dg.Payload = buf[:maxDatagramSize]
		return dg, ErrOversize
	}
	return dg, nil
}

// ErrOversize reports a truncated receive (§4.1, §7a).
var ErrOversize = fmt.Errorf("transport: datagram exceeded maximum size, truncated")

// Close releases the socket (§5 shutdown ordering: caller
// stops timers and emits discovery goodbye before calling Close).
func (s *Socket) Close() error {
	return s.conn.Close()
}
