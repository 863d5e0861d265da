// Package slave implements the slave-side orchestrator (C5): the boot
// sequence that claims a multicast base and starts discovery, the
// request/command dispatch loop answering unicast ParameterRequest and
// ParameterCommand batches, and the periodic per-channel telemetry
// scheduler that emits StatusUpdate batches onto each channel's
// multicast group.
//
// The loop shape — one goroutine dispatching inbound datagrams, a second
// driving a periodic ticker, both polling a stop channel — is the
// teacher's (burgrp-go/surp) readPipes/advertiseLoop split, generalised
// from SURP's binary register protocol onto Virgil's JSON batches.
package slave

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/metrics"
	"github.com/virgil-audio/virgil/pkg/param"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/vlog"
	"github.com/virgil-audio/virgil/pkg/wire"
)

// TelemetryPeriod is the fixed interval between per-channel StatusUpdate
// emissions (§4.5).
const TelemetryPeriod = 500 * time.Millisecond

// Orchestrator owns one slave's parameter tree, discovery agent, and
// control socket, and drives its dispatch and telemetry loops.
type Orchestrator struct {
	identity discovery.Identity
	store    *param.Store
	agent    *discovery.Agent
	sock     *transport.Socket
	metrics  *metrics.Registry
	log      *log.Logger

	telemetryPeriod time.Duration
	multicastBase   string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an Orchestrator. sock must already be bound to
// wire.VirgilPort; agent must already be constructed (but not yet
// Started) with Function slave or both.
func New(identity discovery.Identity, info param.DeviceInfo, templates []param.Template, sock *transport.Socket, agent *discovery.Agent, m *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		identity:        identity,
		store:           param.NewStore(info, templates),
		agent:           agent,
		sock:            sock,
		metrics:         m,
		log:             vlog.New("slave"),
		telemetryPeriod: TelemetryPeriod,
		stopCh:          make(chan struct{}),
	}
}

// Store exposes the underlying parameter tree, for cmd/ control-surface
// operations and tests.
func (o *Orchestrator) Store() *param.Store { return o.store }

// Boot runs the §4.2/§5 startup sequence: scan for a free multicast base,
// record it on the device info and the discovery identity, then start
// discovery announcing and the dispatch/telemetry loops. scanDuration is
// typically discovery.DefaultScanDuration.
func (o *Orchestrator) Boot(ctx context.Context, scanDuration time.Duration) {
	o.multicastBase = o.agent.ScanForMulticastBase(ctx, scanDuration)
	o.store.SetMulticastBase(o.multicastBase)
	o.identity.MulticastAddress = o.multicastBase

	o.agent.Start(ctx)

	o.wg.Add(2)
	go o.dispatchLoop()
	go o.telemetryLoop()
}

// Shutdown performs the §5 orderly shutdown: discovery goodbye (via
// agent.Stop), then stop the local loops, then close the control socket.
func (o *Orchestrator) Shutdown() {
	o.agent.Stop()
	close(o.stopCh)
	o.wg.Wait()
	o.sock.Close()
}

func (o *Orchestrator) dispatchLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}
		dg, err := o.sock.Recv(context.Background(), 200*time.Millisecond)
		if err == transport.ErrOversize {
			if o.metrics != nil {
				o.metrics.ObserveError(string(wire.ErrMalformedMessage))
			}
			reply := wire.NewErrorResponse(o.identity.DeviceName, wire.ErrMalformedMessage, err.Error())
			o.sendReply(reply, dg.SrcIP, dg.SrcPort)
			continue
		}
		if err != nil {
			continue
		}
		o.handleDatagram(dg)
	}
}

func (o *Orchestrator) handleDatagram(dg *transport.Datagram) {
	batch, err := wire.Decode(dg.Payload)
	if err != nil {
		if o.metrics != nil {
			o.metrics.ObserveError(string(wire.ErrMalformedMessage))
		}
		reply := wire.NewErrorResponse(o.identity.DeviceName, wire.ErrMalformedMessage, err.Error())
		o.sendReply(reply, dg.SrcIP, dg.SrcPort)
		return
	}

	var replies []wire.Message
	for _, msg := range batch.Messages {
		if o.metrics != nil {
			o.metrics.ObserveReceived(msg.Type())
		}
		replies = append(replies, o.handleMessage(msg)...)
	}
	if len(replies) == 0 {
		return
	}
	o.sendReply(&wire.Batch{TransmittingDevice: o.identity.DeviceName, Messages: replies}, dg.SrcIP, dg.SrcPort)
}

func (o *Orchestrator) handleMessage(msg wire.Message) []wire.Message {
	switch msg.Type() {
	case wire.TypeParameterRequest:
		return o.handleRequest(msg)
	case wire.TypeParameterCommand:
		return o.handleCommand(msg)
	default:
		return []wire.Message{o.errorMsg(wire.ErrUnrecognizedCommand, fmt.Sprintf("unrecognized messageType %q", msg.Type()))}
	}
}

func (o *Orchestrator) handleRequest(msg wire.Message) []wire.Message {
	idx, ok := msg.ChannelIndex()
	if !ok {
		return []wire.Message{o.errorMsg(wire.ErrChannelIndexInvalid, "missing channelIndex")}
	}

	switch {
	case idx == wire.AllScope:
		out := []wire.Message{o.deviceResponse()}
		for _, ci := range o.store.ChannelIndices() {
			out = append(out, o.channelResponse(ci))
		}
		return out
	case idx == wire.DeviceScope:
		return []wire.Message{o.deviceResponse()}
	case idx >= 0:
		resp := o.channelResponse(idx)
		return []wire.Message{resp}
	default:
		return []wire.Message{o.errorMsg(wire.ErrChannelIndexInvalid, "channelIndex out of range")}
	}
}

func (o *Orchestrator) deviceResponse() wire.Message {
	info := o.store.ReadDeviceInfo()
	channelIndices := make([]any, len(info.ChannelIndices))
	for i, idx := range info.ChannelIndices {
		channelIndices[i] = idx
	}
	return wire.Message{
		"messageType":     wire.TypeParameterResponse,
		"channelIndex":    wire.DeviceScope,
		"model":           info.Model,
		"deviceType":      info.DeviceType,
		"protocolVersion": info.ProtocolVersion,
		"multicastBase":   info.MulticastBase,
		"channelIndices":  channelIndices,
	}
}

func (o *Orchestrator) channelResponse(idx int) wire.Message {
	fields, err := o.store.ReadChannel(idx)
	if err != nil {
		return o.errorMsg(wire.ErrChannelIndexInvalid, err.Error())
	}
	msg := wire.Message{
		"messageType":  wire.TypeParameterResponse,
		"channelIndex": idx,
	}
	for k, v := range fields {
		msg[k] = v
	}
	return msg
}

// handleCommand applies a ParameterCommand per §4.3/§4.4. A command targets
// a single real channel: DeviceScope (-1) is never commandable (device info
// fields are read-only) and AllScope (-2) is request-only, so both are
// rejected as ChannelIndexInvalid. The channel yields one StatusUpdate for
// its accepted changes plus one ErrorResponse per rejected parameter —
// never atomic across parameters.
func (o *Orchestrator) handleCommand(msg wire.Message) []wire.Message {
	idx, ok := msg.ChannelIndex()
	if !ok {
		return []wire.Message{o.errorMsg(wire.ErrChannelIndexInvalid, "missing channelIndex")}
	}

	changes := commandChanges(msg)

	switch {
	case idx == wire.DeviceScope:
		return []wire.Message{o.errorMsg(wire.ErrChannelIndexInvalid, "device-level parameters are not commandable")}
	case idx == wire.AllScope:
		return []wire.Message{o.errorMsg(wire.ErrChannelIndexInvalid, "AllScope is valid only on ParameterRequest")}
	case idx >= 0:
		return o.applyToChannel(idx, changes)
	default:
		return []wire.Message{o.errorMsg(wire.ErrChannelIndexInvalid, "channelIndex out of range")}
	}
}

func commandChanges(msg wire.Message) map[string]any {
	changes := map[string]any{}
	for name, raw := range msg.Fields("messageType", "channelIndex") {
		if v, ok := wire.CommandValue(msg, name); ok {
			changes[name] = v
		} else {
			changes[name] = raw
		}
	}
	return changes
}

func (o *Orchestrator) applyToChannel(idx int, changes map[string]any) []wire.Message {
	accepted, errs, err := o.store.ApplyCommand(idx, changes, nil)
	if err != nil {
		return []wire.Message{o.errorMsg(wire.ErrChannelIndexInvalid, err.Error())}
	}

	var out []wire.Message
	if len(accepted) > 0 {
		fields, _ := o.store.ReadChannel(idx)
		update := wire.Message{
			"messageType":  wire.TypeStatusUpdate,
			"channelIndex": idx,
		}
		for _, name := range accepted {
			if v, ok := fields[name]; ok {
				update[name] = v
			}
		}
		out = append(out, update)
		o.publishChannelUpdate(idx, update)
	}
	for _, verr := range errs {
		if o.metrics != nil {
			o.metrics.ObserveError(verr.Value)
		}
		out = append(out, wire.Message{
			"messageType":  wire.TypeErrorResponse,
			"channelIndex": idx,
			"parameter":    verr.Parameter,
			"errorValue":   verr.Value,
			"errorString":  verr.Reason,
		})
	}
	return out
}

func (o *Orchestrator) publishChannelUpdate(idx int, update wire.Message) {
	batch := &wire.Batch{TransmittingDevice: o.identity.DeviceName, Messages: []wire.Message{update}}
	data, err := wire.Encode(batch)
	if err != nil {
		o.log.Warn("failed to encode channel update", "err", err)
		return
	}
	o.sock.SendMulticast(data, GroupAddress(o.multicastBase, idx), wire.VirgilPort)
	if o.metrics != nil {
		o.metrics.ObserveSent(wire.TypeStatusUpdate)
	}
}

func (o *Orchestrator) errorMsg(value wire.ErrorValue, reason string) wire.Message {
	if o.metrics != nil {
		o.metrics.ObserveError(string(value))
	}
	return wire.Message{
		"messageType": wire.TypeErrorResponse,
		"errorValue":  string(value),
		"errorString": reason,
	}
}

func (o *Orchestrator) sendReply(batch *wire.Batch, ip net.IP, port int) {
	data, err := wire.Encode(batch)
	if err != nil {
		o.log.Warn("failed to encode reply", "err", err)
		return
	}
	o.sock.SendUnicast(data, ip, port)
	for _, msg := range batch.Messages {
		if o.metrics != nil {
			o.metrics.ObserveSent(msg.Type())
		}
	}
}

func (o *Orchestrator) telemetryLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.telemetryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.emitTelemetry()
		}
	}
}

func (o *Orchestrator) emitTelemetry() {
	for _, idx := range o.store.ChannelIndices() {
		values, err := o.store.ContinuousValues(idx)
		if err != nil || len(values) == 0 {
			continue
		}
		msg := wire.Message{
			"messageType":  wire.TypeStatusUpdate,
			"channelIndex": idx,
		}
		for k, v := range values {
			msg[k] = v
		}
		batch := &wire.Batch{TransmittingDevice: o.identity.DeviceName, Messages: []wire.Message{msg}}
		data, err := wire.Encode(batch)
		if err != nil {
			o.log.Warn("failed to encode telemetry", "err", err)
			continue
		}
		group := GroupAddress(o.multicastBase, idx)
		o.sock.SendMulticast(data, group, wire.VirgilPort)
		if o.metrics != nil {
			o.metrics.ObserveSent(wire.TypeStatusUpdate)
		}
	}
}

// SimulateContinuous writes a new sampled value into a Continuous
// parameter from outside the normal telemetry path (the control surface's
// simulate_continuous operation, §6), for exercising a slave without real
// hardware attached.
func (o *Orchestrator) SimulateContinuous(channelIndex int, name string, value any) error {
	return o.store.SetContinuousValue(channelIndex, name, value)
}

// GroupAddress builds the multicast group address for channel idx under
// base ("a.b.c" three-octet prefix), per §4.1/§4.5: the channel index is
// appended as the fourth octet.
func GroupAddress(base string, idx int) net.IP {
	return net.ParseIP(fmt.Sprintf("%s.%d", base, idx))
}
