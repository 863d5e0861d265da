// Package discovery implements the Virgil discovery agent (C2): an
// mDNS-style presence service on link-local multicast 224.0.0.251:5353,
// with periodic announcement, goodbye semantics on shutdown, and
// TTL-driven liveness inference on observed peers.
//
// The teacher (burgrp-go/surp) runs its own periodic-announce,
// dispatch-by-message-type loop over a hand-rolled binary protocol
// (surp.go's advertiseLoop/readPipes). This package keeps that loop shape
// — a goroutine reading datagrams and switching on message kind, a second
// goroutine driving fixed-period sends — but encodes the actual
// records with github.com/miekg/dns's SRV/TXT/PTR types rather than a
// bespoke binary format, since the wire shape here (service instance name,
// TXT key/value pairs, TTL-bearing records) is exactly what that library
// is for.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/miekg/dns"

	"github.com/virgil-audio/virgil/pkg/vlog"
)

const (
	// MDNSAddr is the link-local mDNS multicast address and port (§4.2, §6).
	MDNSAddr = "224.0.0.251:5353"
	// ServiceType is the Virgil service type string (§4.2).
	ServiceType = "_virgil._udp.local."

	// RecordTTL is the TTL stamped on SRV/TXT announce records (§4.2).
	RecordTTL = 60 * time.Second

	DefaultAnnouncePeriod = 1 * time.Second
	DefaultQueryPeriod    = 5 * time.Second
	DefaultScanDuration   = 5 * time.Second
)

// Function mirrors spec.md's role enum for TXT's required "function" key.
type Function string

const (
	FunctionMaster Function = "master"
	FunctionSlave  Function = "slave"
	FunctionBoth   Function = "both"
)

// Identity is this participant's own announced identity (§4.2).
type Identity struct {
	DeviceName       string
	Function         Function
	Model            string
	DeviceType       string
	MulticastAddress string // required iff Function is slave or both
}

// PeerState is a position in the §4.2 peer state machine.
type PeerState int

const (
	StateUnknown PeerState = iota
	StateSeen
	StatePresent
	StateAbsent
)

func (s PeerState) String() string {
	switch s {
	case StateSeen:
		return "seen"
	case StatePresent:
		return "present"
	case StateAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// Peer is one observed participant's current known state.
type Peer struct {
	DeviceName       string
	IP               net.IP
	Function         Function
	Model            string
	DeviceType       string
	MulticastAddress string
	TTL              time.Duration
	LastSeen         time.Time
	State            PeerState
}

func (p Peer) enriched() bool {
	return p.Model != "" && p.DeviceType != ""
}

// Agent runs the announce/query/goodbye loops and maintains the observed
// peer table (§4.2, §5).
type Agent struct {
	identity Identity
	iface    *net.Interface

	announcePeriod time.Duration
	queryPeriod    time.Duration

	conn *net.UDPConn
	addr *net.UDPAddr

	peersMu sync.Mutex
	peers   map[string]*Peer

	onPresent func(Peer)
	onAbsent  func(string)

	log *log.Logger

	stopCh chan struct{}
	doneWg sync.WaitGroup
}

// NewAgent opens the agent's mDNS multicast socket and prepares its peer
// table. iface may be nil to use the system default multicast interface.
func NewAgent(identity Identity, iface *net.Interface) (*Agent, error) {
	addr, err := net.ResolveUDPAddr("udp4", MDNSAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve mdns address: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", iface, addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: join mdns group: %w", err)
	}

	return &Agent{
		identity:       identity,
		iface:          iface,
		announcePeriod: DefaultAnnouncePeriod,
		queryPeriod:    DefaultQueryPeriod,
		conn:           conn,
		addr:           addr,
		peers:          make(map[string]*Peer),
		log:            vlog.New("discovery"),
		stopCh:         make(chan struct{}),
	}, nil
}

// SetPeriods overrides the announce/query cadence, for tests.
func (a *Agent) SetPeriods(announce, query time.Duration) {
	a.announcePeriod = announce
	a.queryPeriod = query
}

// OnPresent registers a callback fired whenever a peer transitions into
// StatePresent (§4.2). Only one callback is kept; later calls replace it.
func (a *Agent) OnPresent(fn func(Peer)) { a.onPresent = fn }

// OnAbsent registers a callback fired whenever a peer transitions into
// StateAbsent, carrying the device name.
func (a *Agent) OnAbsent(fn func(string)) { a.onAbsent = fn }

// Start launches the announce loop, the query loop, the receive loop, and
// the TTL-expiry sweep, each polling Agent.stopCh at least every 200 ms
// (§5).
func (a *Agent) Start(ctx context.Context) {
	a.doneWg.Add(4)
	go a.receiveLoop()
	go a.announceLoop()
	go a.queryLoop()
	go a.ttlSweepLoop()
}

// Stop emits a goodbye record (TTL 0) and terminates every loop (§4.2,
// §5). It blocks until all loops have exited.
func (a *Agent) Stop() {
	a.sendGoodbye()
	close(a.stopCh)
	a.conn.Close()
	a.doneWg.Wait()
}

func (a *Agent) receiveLoop() {
	defer a.doneWg.Done()
	buf := make([]byte, 4096)
	for {
		a.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, src, err := a.conn.ReadFromUDP(buf)
		select {
		case <-a.stopCh:
			return
		default:
		}
		if err != nil {
			continue // timeout or transient read error; keep polling stopCh
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue // malformed mDNS packet; discovery errors are never protocol errors (§7a)
		}
		a.handleMessage(msg, src.IP)
	}
}

func (a *Agent) announceLoop() {
	defer a.doneWg.Done()
	ticker := time.NewTicker(a.announcePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sendAnnounce(RecordTTL)
		}
	}
}

func (a *Agent) queryLoop() {
	defer a.doneWg.Done()
	ticker := time.NewTicker(a.queryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sendQuery()
		}
	}
}

func (a *Agent) ttlSweepLoop() {
	defer a.doneWg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweepExpired()
		}
	}
}

func (a *Agent) instanceName() string {
	return a.identity.DeviceName + "." + ServiceType
}

func (a *Agent) sendAnnounce(ttl time.Duration) {
	msg := buildAnnounce(a.identity, ttl)
	data, err := msg.Pack()
	if err != nil {
		a.log.Warn("failed to pack announce", "err", err)
		return
	}
	if _, err := a.conn.WriteToUDP(data, a.addr); err != nil {
		a.log.Warn("failed to send announce", "err", err)
	}
}

func (a *Agent) sendGoodbye() {
	a.sendAnnounce(0)
}

func (a *Agent) sendQuery() {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{
		Name:   ServiceType,
		Qtype:  dns.TypePTR,
		Qclass: dns.ClassINET,
	}}
	data, err := msg.Pack()
	if err != nil {
		a.log.Warn("failed to pack query", "err", err)
		return
	}
	if _, err := a.conn.WriteToUDP(data, a.addr); err != nil {
		a.log.Warn("failed to send query", "err", err)
	}
}

func buildAnnounce(id Identity, ttl time.Duration) *dns.Msg {
	instance := id.DeviceName + "." + ServiceType
	ttlSecs := uint32(ttl / time.Second)

	srv := &dns.SRV{
		Hdr:      dns.RR_Header{Name: instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ttlSecs},
		Priority: 0,
		Weight:   0,
		Port:     7889,
		Target:   id.DeviceName + ".local.",
	}

	txt := []string{
		"function=" + string(id.Function),
		"model=" + id.Model,
		"deviceType=" + id.DeviceType,
	}
	if id.MulticastAddress != "" {
		txt = append(txt, "multicastAddress="+id.MulticastAddress)
	}
	txtRR := &dns.TXT{
		Hdr: dns.RR_Header{Name: instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttlSecs},
		Txt: txt,
	}

	ptr := &dns.PTR{
		Hdr: dns.RR_Header{Name: ServiceType, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttlSecs},
		Ptr: instance,
	}

	msg := new(dns.Msg)
	msg.Response = true
	msg.Answer = []dns.RR{ptr, srv, txtRR}
	return msg
}

// handleMessage dispatches an inbound mDNS packet: a PTR question is a
// peer's query, which we answer immediately with our own announcement
// (pure-master nodes included); Answer records are parsed into peer
// observations.
func (a *Agent) handleMessage(msg *dns.Msg, src net.IP) {
	for _, q := range msg.Question {
		if q.Qtype == dns.TypePTR && strings.EqualFold(q.Name, ServiceType) {
			a.sendAnnounce(RecordTTL)
			break
		}
	}
	if len(msg.Answer) > 0 {
		a.ingestAnswers(msg.Answer, src)
	}
}

// ingestAnswers groups SRV/TXT/PTR answers by owner instance name and
// folds them into the peer table.
func (a *Agent) ingestAnswers(answers []dns.RR, src net.IP) {
	byInstance := map[string]*parsedRecord{}
	var ttl0 []string

	for _, rr := range answers {
		switch rec := rr.(type) {
		case *dns.SRV:
			p := byInstance[rec.Hdr.Name]
			if p == nil {
				p = &parsedRecord{}
				byInstance[rec.Hdr.Name] = p
			}
			p.ttl = time.Duration(rec.Hdr.Ttl) * time.Second
			p.hasSRV = true
			if rec.Hdr.Ttl == 0 {
				ttl0 = append(ttl0, rec.Hdr.Name)
			}
		case *dns.TXT:
			p := byInstance[rec.Hdr.Name]
			if p == nil {
				p = &parsedRecord{}
				byInstance[rec.Hdr.Name] = p
			}
			p.txt = parseTXT(rec.Txt)
			p.ttl = time.Duration(rec.Hdr.Ttl) * time.Second
			if rec.Hdr.Ttl == 0 {
				ttl0 = append(ttl0, rec.Hdr.Name)
			}
		case *dns.PTR:
			p := byInstance[rec.Ptr]
			if p == nil {
				p = &parsedRecord{}
				byInstance[rec.Ptr] = p
			}
		}
	}

	for instance, rec := range byInstance {
		deviceName := strings.TrimSuffix(instance, "."+ServiceType)
		if deviceName == "" || deviceName == a.identity.DeviceName {
			continue
		}
		a.observe(deviceName, src, rec)
	}
	for _, instance := range ttl0 {
		deviceName := strings.TrimSuffix(instance, "."+ServiceType)
		if deviceName != "" {
			a.markGoodbye(deviceName)
		}
	}
}

type parsedRecord struct {
	hasSRV bool
	ttl    time.Duration
	txt    map[string]string
}

func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		parts := strings.SplitN(f, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// observe folds one parsed record into the peer table, applying the
// unknown -> seen -> present state transitions (§4.2).
func (a *Agent) observe(deviceName string, src net.IP, rec *parsedRecord) {
	a.peersMu.Lock()
	peer, existed := a.peers[deviceName]
	if !existed {
		peer = &Peer{DeviceName: deviceName, State: StateUnknown}
		a.peers[deviceName] = peer
	}
	prevState := peer.State
	peer.IP = src
	peer.LastSeen = time.Now()
	if rec.ttl > 0 {
		peer.TTL = rec.ttl
	}
	if rec.txt != nil {
		if fn, ok := rec.txt["function"]; ok {
			peer.Function = Function(fn)
		}
		if m, ok := rec.txt["model"]; ok {
			peer.Model = m
		}
		if dt, ok := rec.txt["deviceType"]; ok {
			peer.DeviceType = dt
		}
		if ma, ok := rec.txt["multicastAddress"]; ok {
			peer.MulticastAddress = ma
		}
	}

	if prevState == StateUnknown {
		peer.State = StateSeen
	}
	nowPresent := peer.enriched() && peer.State != StateAbsent
	var fireCallback *Peer
	if nowPresent && peer.State != StatePresent {
		peer.State = StatePresent
		cp := *peer
		fireCallback = &cp
	} else if peer.State == StateAbsent && peer.enriched() {
		// re-observation after absent returns to present (§4.2)
		peer.State = StatePresent
		cp := *peer
		fireCallback = &cp
	}
	a.peersMu.Unlock()

	if fireCallback != nil && a.onPresent != nil {
		a.onPresent(*fireCallback)
	}
}

func (a *Agent) markGoodbye(deviceName string) {
	a.peersMu.Lock()
	peer, ok := a.peers[deviceName]
	if !ok {
		a.peersMu.Unlock()
		return
	}
	alreadyAbsent := peer.State == StateAbsent
	peer.State = StateAbsent
	a.peersMu.Unlock()

	if !alreadyAbsent && a.onAbsent != nil {
		a.onAbsent(deviceName)
	}
}

func (a *Agent) sweepExpired() {
	now := time.Now()
	var expired []string

	a.peersMu.Lock()
	for name, peer := range a.peers {
		if peer.State == StatePresent && peer.TTL > 0 && now.Sub(peer.LastSeen) > peer.TTL {
			peer.State = StateAbsent
			expired = append(expired, name)
		}
	}
	a.peersMu.Unlock()

	for _, name := range expired {
		if a.onAbsent != nil {
			a.onAbsent(name)
		}
	}
}

// Peers returns a snapshot of every observed peer (for introspection and
// tests).
func (a *Agent) Peers() []Peer {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	out := make([]Peer, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, *p)
	}
	return out
}
