// Package master implements the master-side orchestrator (C5): a
// discovery agent running in master mode, a response listener on the
// shared control socket that folds every inbound batch into the device
// registry, subscribe/unsubscribe management of per-channel multicast
// telemetry groups, and the send_command/list_devices control-surface
// operations (§6).
package master

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/metrics"
	"github.com/virgil-audio/virgil/pkg/registry"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/vlog"
	"github.com/virgil-audio/virgil/pkg/wire"
)

// Orchestrator owns the master's discovery agent, registry, and control
// socket, and drives the on-present auto-discovery request and the
// inbound batch listener.
type Orchestrator struct {
	identity discovery.Identity
	sock     *transport.Socket
	agent    *discovery.Agent
	reg      *registry.Registry
	metrics  *metrics.Registry
	log      *log.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a master Orchestrator. sock must already be bound to
// wire.VirgilPort; agent must be constructed (but not Started) with
// Function master or both.
func New(identity discovery.Identity, sock *transport.Socket, agent *discovery.Agent, m *metrics.Registry) *Orchestrator {
	o := &Orchestrator{
		identity: identity,
		sock:     sock,
		agent:    agent,
		reg:      registry.New(),
		metrics:  m,
		log:      vlog.New("master"),
		stopCh:   make(chan struct{}),
	}
	agent.OnPresent(o.onPeerPresent)
	agent.OnAbsent(o.onPeerAbsent)
	return o
}

// Registry exposes the device registry, for cmd/ control-surface
// operations and tests.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Boot starts discovery announcing and the inbound listener loop (§5).
func (o *Orchestrator) Boot(ctx context.Context) {
	o.agent.Start(ctx)
	o.wg.Add(1)
	go o.listenLoop()
}

// Shutdown performs the §5 orderly shutdown: discovery goodbye, then stop
// the listener loop, then close the control socket.
func (o *Orchestrator) Shutdown() {
	o.agent.Stop()
	close(o.stopCh)
	o.wg.Wait()
	o.sock.Close()
}

// onPeerPresent is the discovery.Agent.OnPresent hook: it records the
// peer in the registry and immediately issues an AllScope ParameterRequest
// to learn the slave's full state (§4.2: "on transition to present, the
// master requests the device's complete parameter tree").
func (o *Orchestrator) onPeerPresent(p discovery.Peer) {
	o.reg.OnPeerPresent(p.DeviceName, p.IP, p.MulticastAddress, p.Model, p.DeviceType, p.TTL)
	if o.metrics != nil {
		o.metrics.ObserveTransition(p.State.String())
	}
	if p.IP != nil {
		o.requestAll(p.DeviceName, p.IP)
	}
}

func (o *Orchestrator) onPeerAbsent(deviceName string) {
	o.reg.OnPeerAbsent(deviceName)
	if o.metrics != nil {
		o.metrics.ObserveTransition(discovery.StateAbsent.String())
	}
}

func (o *Orchestrator) requestAll(deviceName string, ip net.IP) {
	batch := &wire.Batch{
		TransmittingDevice: o.identity.DeviceName,
		ReceivingDevice:    deviceName,
		Messages:           []wire.Message{wire.NewParameterRequest(wire.AllScope)},
	}
	data, err := wire.Encode(batch)
	if err != nil {
		o.log.Warn("failed to encode auto-discovery request", "err", err)
		return
	}
	o.sock.SendUnicast(data, ip, wire.VirgilPort)
	if o.metrics != nil {
		o.metrics.ObserveSent(wire.TypeParameterRequest)
	}
}

func (o *Orchestrator) listenLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}
		dg, err := o.sock.Recv(context.Background(), 200*time.Millisecond)
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
		return
	}
	for _, msg := range batch.Messages {
		if o.metrics != nil {
			o.metrics.ObserveReceived(msg.Type())
		}
		if msg.Type() == wire.TypeErrorResponse {
			if o.metrics != nil {
				if v, ok := msg["errorValue"].(string); ok {
					o.metrics.ObserveError(v)
				}
			}
			continue
		}
		o.reg.IngestMessage(batch.TransmittingDevice, msg)
	}
}

// ListDevices returns every known device record (§6 list_devices).
func (o *Orchestrator) ListDevices() []registry.DeviceRecord {
	return o.reg.List()
}

// SendCommand builds and unicasts a ParameterCommand to deviceName's last
// known address (§6 send_command). It fails if the device has never been
// seen.
func (o *Orchestrator) SendCommand(deviceName string, channelIndex int, changes map[string]any) error {
	d, ok := o.reg.Get(deviceName)
	if !ok {
		return fmt.Errorf("master: unknown device %q", deviceName)
	}
	if d.IP == nil {
		return fmt.Errorf("master: no known address for device %q", deviceName)
	}

	batch := &wire.Batch{
		TransmittingDevice: o.identity.DeviceName,
		ReceivingDevice:    deviceName,
		Messages:           []wire.Message{wire.NewParameterCommand(channelIndex, changes)},
	}
	data, err := wire.Encode(batch)
	if err != nil {
		return fmt.Errorf("master: encode command: %w", err)
	}
	o.sock.SendUnicast(data, d.IP, wire.VirgilPort)
	if o.metrics != nil {
		o.metrics.ObserveSent(wire.TypeParameterCommand)
	}
	return nil
}

// RequestChannel unicasts a ParameterRequest for channelIndex to
// deviceName's last known address (§6 get). The reply, once it arrives on
// the listener loop, is folded into the registry like any other response;
// callers poll Registry().Get afterwards.
func (o *Orchestrator) RequestChannel(deviceName string, channelIndex int) error {
	d, ok := o.reg.Get(deviceName)
	if !ok || d.IP == nil {
		return fmt.Errorf("master: no known address for device %q", deviceName)
	}
	batch := &wire.Batch{
		TransmittingDevice: o.identity.DeviceName,
		ReceivingDevice:    deviceName,
		Messages:           []wire.Message{wire.NewParameterRequest(channelIndex)},
	}
	data, err := wire.Encode(batch)
	if err != nil {
		return fmt.Errorf("master: encode request: %w", err)
	}
	o.sock.SendUnicast(data, d.IP, wire.VirgilPort)
	if o.metrics != nil {
		o.metrics.ObserveSent(wire.TypeParameterRequest)
	}
	return nil
}

// WaitForDevice polls the registry until deviceName is known (has been
// announced at least once) or ctx is done.
func (o *Orchestrator) WaitForDevice(ctx context.Context, deviceName string) (bool, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := o.reg.Get(deviceName); ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Subscribe joins the multicast group carrying deviceName's channelIndex
// telemetry (§4.5/§6 subscribe), so the listener loop starts receiving its
// StatusUpdate batches. The device's multicast base must already be known
// (learned from a prior announcement or ParameterResponse).
func (o *Orchestrator) Subscribe(deviceName string, channelIndex int) (bool, error) {
	d, ok := o.reg.Get(deviceName)
	if !ok || d.MulticastAddress == "" {
		return false, fmt.Errorf("master: no known multicast base for device %q", deviceName)
	}
	group := groupAddress(d.MulticastAddress, channelIndex)
	changed, err := o.sock.JoinGroup(group)
	if o.metrics != nil {
		o.metrics.SetJoinedGroups(len(o.sock.JoinedGroups()))
	}
	return changed, err
}

// Unsubscribe leaves the multicast group for deviceName's channelIndex
// (§6 unsubscribe).
func (o *Orchestrator) Unsubscribe(deviceName string, channelIndex int) (bool, error) {
	d, ok := o.reg.Get(deviceName)
	if !ok || d.MulticastAddress == "" {
		return false, fmt.Errorf("master: no known multicast base for device %q", deviceName)
	}
	group := groupAddress(d.MulticastAddress, channelIndex)
	changed, err := o.sock.LeaveGroup(group)
	if o.metrics != nil {
		o.metrics.SetJoinedGroups(len(o.sock.JoinedGroups()))
	}
	return changed, err
}

func groupAddress(base string, idx int) net.IP {
	return net.ParseIP(fmt.Sprintf("%s.%d", base, idx))
}
