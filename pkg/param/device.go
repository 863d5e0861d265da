package param

import (
	"fmt"
	"sort"
	"sync"
)

// DeviceInfo is the device-level view exposed at channel index -1 (§3).
type DeviceInfo struct {
	Model           string
	DeviceType      string
	ProtocolVersion string
	MulticastBase   string
}

// Store holds one slave's full parameter tree and mediates every read and
// write behind a single writer lock (§4.3, §5). Store is the sole owner of
// the tree; nothing outside this package ever mutates a Parameter in
// place.
type Store struct {
	mu       sync.Mutex
	info     DeviceInfo
	channels map[int]*Channel
	order    []int // channelIndices, monotone (I4)
}

// NewStore builds a Store with one channel per template, indexed
// 0..len(templates)-1.
func NewStore(info DeviceInfo, templates []Template) *Store {
	s := &Store{
		info:     info,
		channels: make(map[int]*Channel, len(templates)),
		order:    make([]int, len(templates)),
	}
	for i, tmpl := range templates {
		s.channels[i] = newChannel(i, tmpl)
		s.order[i] = i
	}
	return s
}

// SetMulticastBase records the multicast-base prefix this slave claimed
// at boot (§4.2), surfaced thereafter in device-level responses.
func (s *Store) SetMulticastBase(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.MulticastBase = base
}

// ChannelIndices returns the device's channel index list (I4).
func (s *Store) ChannelIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.order...)
}

// DeviceInfoView is the rendered device-level scope (channelIndex -1).
type DeviceInfoView struct {
	Model           string
	DeviceType      string
	ProtocolVersion string
	MulticastBase   string
	ChannelIndices  []int
}

// ReadDeviceInfo returns the device-level fields (§4.3).
func (s *Store) ReadDeviceInfo() DeviceInfoView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DeviceInfoView{
		Model:           s.info.Model,
		DeviceType:      s.info.DeviceType,
		ProtocolVersion: s.info.ProtocolVersion,
		MulticastBase:   s.info.MulticastBase,
		ChannelIndices:  append([]int(nil), s.order...),
	}
}

// ErrNoSuchChannel is returned by ReadChannel/ApplyCommand for an unknown
// channel index.
type ErrNoSuchChannel struct{ Index int }

func (e *ErrNoSuchChannel) Error() string {
	return fmt.Sprintf("no such channel: %d", e.Index)
}

// ReadChannel returns a snapshot of channel idx's wire fields, keyed by
// parameter name.
func (s *Store) ReadChannel(idx int) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[idx]
	if !ok {
		return nil, &ErrNoSuchChannel{Index: idx}
	}
	return ch.snapshot(), nil
}

// ApplyCommand atomically-per-parameter applies changes to channel idx
// (§4.3). It returns the ordered list of accepted parameter names and the
// ordered list of validation errors; a later failure never rolls back an
// earlier success within the same call (non-atomic across parameters).
func (s *Store) ApplyCommand(idx int, changes map[string]any, order []string) ([]string, []*ValidationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[idx]
	if !ok {
		return nil, nil, &ErrNoSuchChannel{Index: idx}
	}

	names := order
	if len(names) == 0 {
		names = make([]string, 0, len(changes))
		for name := range changes {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	var accepted []string
	var errs []*ValidationError
	for _, name := range names {
		proposed, present := changes[name]
		if !present {
			continue
		}
		p, exists := ch.Params[name]
		if !exists {
			errs = append(errs, &ValidationError{Parameter: name, Value: "ParameterUnsupported", Reason: "parameter does not exist on this channel"})
			continue
		}
		if p.Locked {
			errs = append(errs, &ValidationError{Parameter: name, Value: "ParameterLocked", Reason: "parameter is locked"})
			continue
		}
		committed, verr := p.validate(name, proposed)
		if verr != nil {
			errs = append(errs, verr)
			continue
		}
		p.Value = committed
		ch.Params[name] = p
		accepted = append(accepted, name)
	}

	return accepted, errs, nil
}

// SetContinuousValue writes a new sampled value directly to a Continuous,
// slave-owned parameter (gain sensors etc.), bypassing lock/command
// validation — this is the slave itself, not an inbound command (I3).
// Range/precision/enum alignment (I1/I2) is still enforced.
func (s *Store) SetContinuousValue(idx int, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[idx]
	if !ok {
		return &ErrNoSuchChannel{Index: idx}
	}
	p, exists := ch.Params[name]
	if !exists {
		return fmt.Errorf("no such parameter: %s", name)
	}
	committed, verr := p.validate(name, value)
	if verr != nil {
		return verr
	}
	p.Value = committed
	ch.Params[name] = p
	return nil
}

// ContinuousValues returns the current raw values of channel idx's
// Continuous parameters, for the telemetry scheduler's StatusUpdate
// payload.
func (s *Store) ContinuousValues(idx int) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[idx]
	if !ok {
		return nil, &ErrNoSuchChannel{Index: idx}
	}
	return ch.continuousValues(), nil
}
