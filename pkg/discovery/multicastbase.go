package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// crc16CCITT is the teacher's (burgrp-go/surp pkg/crc.go) hash, adapted
// here from hashing pipe names into a UDP port to hashing device names
// into a deterministic multicast-base starting offset.
func crc16CCITT(s string) uint16 {
	var crc uint16 = 0xFFFF
	for _, c := range s {
		crc ^= uint16(c) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// lowBound/highBound are the inclusive address-tuple bounds of the
// administratively-scoped selection range, 224.1.1 .. 239.255.255 (§4.2).
var lowBound = [3]int{224, 1, 1}
var highBound = [3]int{239, 255, 255}

// totalCandidates spans the full A.B.C space from 224.0.0 through
// 239.255.255; candidateAt/lessThanLowBound together restrict actual
// selection to the lowBound..highBound subrange (224.1.1 is not the
// zero index of this space, so the two stay separate).
const totalCandidates = (239 - 224 + 1) * 256 * 256

func candidateAt(idx int) [3]int {
	a := 224 + idx/(256*256)
	rem := idx % (256 * 256)
	b := rem / 256
	c := rem % 256
	return [3]int{a, b, c}
}

func candidateString(t [3]int) string {
	return fmt.Sprintf("%d.%d.%d", t[0], t[1], t[2])
}

// lessThanLowBound reports whether t falls below the administratively
// scoped range's inclusive floor (224.1.1), i.e. t is one of the 257
// addresses 224.0.0..224.1.0 that candidateAt can enumerate but
// SelectMulticastBase must never return.
func lessThanLowBound(t [3]int) bool {
	for i := 0; i < 3; i++ {
		if t[i] != lowBound[i] {
			return t[i] < lowBound[i]
		}
	}
	return false
}

// baseIndexOf maps a "224.1.1" style multicast base into its candidate
// index, or -1 if it parses outside the administratively-scoped range or
// isn't a well-formed three-octet prefix.
func baseIndexOf(s string) int {
	var a, b, c int
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &a, &b, &c); err != nil {
		return -1
	}
	t := [3]int{a, b, c}
	if a < lowBound[0] || a > highBound[0] || lessThanLowBound(t) {
		return -1
	}
	idx := (a-224)*256*256 + b*256 + c
	if idx < 0 || idx >= totalCandidates {
		return -1
	}
	return idx
}

// SelectMulticastBase picks this slave's multicast-base prefix per §4.2.
//
// When at least one peer multicastAddress was observed during the scan,
// the globally lowest unused address in range is chosen — this is the
// conflict-avoidance case the spec paragraph describes directly.
//
// When the scan observed nothing at all (no peers on the network yet),
// picking the fixed global minimum would make every simultaneously
// booting slave collide on the same address, which contradicts scenario
// S5 (two slaves booting together must end up with distinct bases). This
// implementation resolves that by starting the lowest-unused search at an
// offset derived from CRC16(deviceName): with an empty observed set the
// scan immediately succeeds at that offset, so distinct device names
// deterministically land on distinct addresses while peers that *are*
// observed still force the true lowest-available choice. The literal
// "244.1.1" default in the spec is reserved for genuine scan failure
// (scanFailed=true): the multicast listening socket itself could not be
// used, so no conflict information exists at all.
func SelectMulticastBase(deviceName string, observed map[string]bool, scanFailed bool) string {
	if scanFailed {
		return "244.1.1"
	}

	start := 0
	if len(observed) == 0 {
		start = int(crc16CCITT(deviceName)) % totalCandidates
	}

	for i := 0; i < totalCandidates; i++ {
		idx := (start + i) % totalCandidates
		t := candidateAt(idx)
		if lessThanLowBound(t) {
			continue
		}
		candidate := candidateString(t)
		if !observed[candidate] {
			return candidate
		}
	}
	return "244.1.1"
}

// ScanForMulticastBase listens passively (no announcing) on the agent's
// already-joined mDNS socket for duration, collecting multicastAddress
// values from any peer TXT records observed, then selects a base via
// SelectMulticastBase, records it as the agent's announced
// multicastAddress, and returns it. It reads the socket itself, so it is
// called before Start.
func (a *Agent) ScanForMulticastBase(ctx context.Context, duration time.Duration) string {
	observed := make(map[string]bool)

	var mu sync.Mutex
	prevOnPresent := a.onPresent
	a.onPresent = func(p Peer) {
		mu.Lock()
		if p.MulticastAddress != "" {
			observed[p.MulticastAddress] = true
		}
		mu.Unlock()
		if prevOnPresent != nil {
			prevOnPresent(p)
		}
	}
	defer func() { a.onPresent = prevOnPresent }()

	// Also fold in any peer already enriched with a multicastAddress
	// from records received before OnPresent was hooked here.
	for _, p := range a.Peers() {
		if p.MulticastAddress != "" {
			observed[p.MulticastAddress] = true
		}
	}

	a.sendQuery()

	deadline := time.Now().Add(duration)
	buf := make([]byte, 4096)
	for ctx.Err() == nil && time.Now().Before(deadline) {
		a.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		msg := new(dns.Msg)
		if n, src, err := a.conn.ReadFromUDP(buf); err == nil && msg.Unpack(buf[:n]) == nil {
			a.ingestAnswers(msg.Answer, src.IP)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	base := SelectMulticastBase(a.identity.DeviceName, observed, false)
	a.identity.MulticastAddress = base
	return base
}
