// Package registry implements the master-owned Device Record table (§3,
// §4.4): for every slave ever announced, the last known identity,
// liveness, and parameter state, kept up to date by folding discovery
// peer transitions and inbound ParameterResponse/StatusUpdate batches.
//
// The shape mirrors the teacher's (burgrp-go/surp) RegisterGroup: a
// mutex-guarded map keyed by name, with merge-on-update semantics rather
// than replace-on-update, so a partial response (one channel's worth of
// fields) never clobbers fields learned from an earlier message.
package registry

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/virgil-audio/virgil/pkg/wire"
)

// ChannelRecord is the accumulated known field set for one channel index,
// merged field-by-field across every ParameterResponse/StatusUpdate seen
// for it.
type ChannelRecord struct {
	Index  int
	Fields map[string]any
}

// DeviceRecord is one slave's accumulated known state (§3). Fields is the
// device-level (channelIndex -1) field set; Channels holds per-channel
// records keyed by index.
type DeviceRecord struct {
	DeviceName string

	IP               net.IP
	MulticastAddress string
	Model            string
	DeviceType       string
	ProtocolVersion  string

	IsPresent bool
	TTL       time.Duration
	LastSeen  time.Time

	Fields   map[string]any
	Channels map[int]*ChannelRecord
}

func newDeviceRecord(name string) *DeviceRecord {
	return &DeviceRecord{
		DeviceName: name,
		Fields:     map[string]any{},
		Channels:   map[int]*ChannelRecord{},
	}
}

// channelIndices returns the record's known channel indices, ascending.
func (d *DeviceRecord) channelIndices() []int {
	out := make([]int, 0, len(d.Channels))
	for idx := range d.Channels {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Registry is the master's process-wide Device Record table.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*DeviceRecord
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{devices: map[string]*DeviceRecord{}}
}

func (r *Registry) lookupOrCreate(name string) *DeviceRecord {
	d, ok := r.devices[name]
	if !ok {
		d = newDeviceRecord(name)
		r.devices[name] = d
	}
	return d
}

// OnPeerPresent folds a discovery.Peer-shaped presence observation into
// the registry, creating the record on first announcement (§3: "created
// on first parseable announcement"). Call sites pass the discovery
// package's Peer fields directly to avoid registry depending on
// discovery's types.
func (r *Registry) OnPeerPresent(deviceName string, ip net.IP, multicastAddress, model, deviceType string, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.lookupOrCreate(deviceName)
	d.IP = ip
	if multicastAddress != "" {
		d.MulticastAddress = multicastAddress
	}
	if model != "" {
		d.Model = model
	}
	if deviceType != "" {
		d.DeviceType = deviceType
	}
	d.TTL = ttl
	d.LastSeen = time.Now()
	d.IsPresent = true
}

// OnPeerAbsent marks a device absent without discarding its last known
// state (§3: "entries persist after going absent"; SUPPLEMENTED FEATURES:
// the IP/MulticastAddress fields are deliberately left untouched so a
// later re-request at the last known address can still succeed before the
// next announcement arrives).
func (r *Registry) OnPeerAbsent(deviceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[deviceName]; ok {
		d.IsPresent = false
	}
}

// IngestMessage folds one decoded wire.Message from deviceName into its
// record (§4.4): a device-level message (channelIndex -1, or no
// channelIndex at all — DeviceInfo fields travel bare) merges into
// Fields; a real channel message (channelIndex >= 0) merges into that
// channel's slot, creating it on first sight. AllScope (-2) never appears
// in a response and is ignored defensively. Only ParameterResponse and
// StatusUpdate carry mergeable field data; every other message type is a
// no-op here. deviceName must already be known to the registry — a batch
// from a device never announced via discovery is dropped rather than
// materializing a phantom record.
func (r *Registry) IngestMessage(deviceName string, msg wire.Message) {
	switch msg.Type() {
	case wire.TypeParameterResponse, wire.TypeStatusUpdate:
	default:
		return
	}

	idx, hasIdx := msg.ChannelIndex()
	fields := msg.Fields("messageType", "channelIndex")
	if len(fields) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceName]
	if !ok {
		return
	}
	d.LastSeen = time.Now()

	if !hasIdx || idx == wire.DeviceScope {
		mergeFields(d.Fields, fields)
		if v, ok := fields["model"].(string); ok {
			d.Model = v
		}
		if v, ok := fields["deviceType"].(string); ok {
			d.DeviceType = v
		}
		if v, ok := fields["protocolVersion"].(string); ok {
			d.ProtocolVersion = v
		}
		if v, ok := fields["multicastBase"].(string); ok {
			d.MulticastAddress = v
		}
		return
	}
	if idx == wire.AllScope {
		return
	}

	ch, ok := d.Channels[idx]
	if !ok {
		ch = &ChannelRecord{Index: idx, Fields: map[string]any{}}
		d.Channels[idx] = ch
	}
	mergeFields(ch.Fields, fields)
}

func mergeFields(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// Get returns a deep-enough copy of one device's record, or false if
// unknown.
func (r *Registry) Get(deviceName string) (DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceName]
	if !ok {
		return DeviceRecord{}, false
	}
	return cloneRecord(d), true
}

// List returns every known device record, sorted by name, regardless of
// presence (§6 list_devices).
func (r *Registry) List() []DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]DeviceRecord, 0, len(names))
	for _, name := range names {
		out = append(out, cloneRecord(r.devices[name]))
	}
	return out
}

// SweepExpired marks present devices whose TTL has elapsed since LastSeen
// as absent, mirroring discovery.Agent's own sweep for registry consumers
// that don't wire OnPeerAbsent directly (§3: "isPresent transitions
// true→false ... when now - lastSeen > ttlSeconds").
func (r *Registry) SweepExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for name, d := range r.devices {
		if d.IsPresent && d.TTL > 0 && now.Sub(d.LastSeen) > d.TTL {
			d.IsPresent = false
			expired = append(expired, name)
		}
	}
	sort.Strings(expired)
	return expired
}

func cloneRecord(d *DeviceRecord) DeviceRecord {
	out := *d
	out.Fields = make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	out.Channels = make(map[int]*ChannelRecord, len(d.Channels))
	for idx, ch := range d.Channels {
		fcopy := make(map[string]any, len(ch.Fields))
		for k, v := range ch.Fields {
			fcopy[k] = v
		}
		out.Channels[idx] = &ChannelRecord{Index: idx, Fields: fcopy}
	}
	return out
}

// ChannelIndices returns deviceName's known channel indices, ascending,
// or nil if the device is unknown.
func (r *Registry) ChannelIndices(deviceName string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceName]
	if !ok {
		return nil
	}
	return d.channelIndices()
}
