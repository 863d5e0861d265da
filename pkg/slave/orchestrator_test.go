package slave

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/param"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/wire"
)

func testTemplate() param.Template {
	return param.Template{
		Order: []string{"gain", "audioLevel"},
		Params: map[string]param.Parameter{
			"gain": {DataType: param.TypeNumber, Value: 0, Precision: 1, MinValue: -5, MaxValue: 50},
			"audioLevel": {
				DataType: param.TypeNumber, Value: -20.0, Precision: 0.1,
				MinValue: -100, MaxValue: 0, Locked: true, Continuous: true,
			},
		},
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *transport.Socket) {
	t.Helper()

	sock, err := transport.Open(0)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	identity := discovery.Identity{DeviceName: "slave1", Function: discovery.FunctionSlave, Model: "m", DeviceType: "digitalStageBox"}
	agent, err := discovery.NewAgent(identity, nil)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Stop() })

	info := param.DeviceInfo{Model: "m", DeviceType: "digitalStageBox", ProtocolVersion: "1.0.0"}
	o := New(identity, info, []param.Template{testTemplate()}, sock, agent, nil)
	return o, sock
}

func roundTrip(t *testing.T, o *Orchestrator, sock *transport.Socket, batch *wire.Batch) *wire.Batch {
	t.Helper()

	client, err := transport.Open(0)
	require.NoError(t, err)
	defer client.Close()

	data, err := wire.Encode(batch)
	require.NoError(t, err)
	client.SendUnicast(data, net.IPv4(127, 0, 0, 1), sock.LocalPort())

	// drive one receive/dispatch cycle directly rather than running the
	// full dispatch loop goroutine, so the test stays deterministic.
	dg, err := sock.Recv(context.Background(), time.Second)
	require.NoError(t, err)
	o.handleDatagram(dg)

	reply, err := client.Recv(context.Background(), time.Second)
	require.NoError(t, err)
	out, err := wire.Decode(reply.Payload)
	require.NoError(t, err)
	return out
}

func TestHandleRequestDeviceScope(t *testing.T) {
	o, sock := newTestOrchestrator(t)
	batch := &wire.Batch{
		TransmittingDevice: "master1",
		Messages:           []wire.Message{wire.NewParameterRequest(wire.DeviceScope)},
	}
	reply := roundTrip(t, o, sock, batch)
	require.Len(t, reply.Messages, 1)
	require.Equal(t, wire.TypeParameterResponse, reply.Messages[0].Type())
	idx, ok := reply.Messages[0].ChannelIndex()
	require.True(t, ok)
	require.Equal(t, wire.DeviceScope, idx)
}

func TestHandleRequestChannelScope(t *testing.T) {
	o, sock := newTestOrchestrator(t)
	batch := &wire.Batch{
		TransmittingDevice: "master1",
		Messages:           []wire.Message{wire.NewParameterRequest(0)},
	}
	reply := roundTrip(t, o, sock, batch)
	require.Len(t, reply.Messages, 1)
	require.Contains(t, reply.Messages[0], "gain")
}

func TestHandleCommandAcceptsAndRejectsNonAtomically(t *testing.T) {
	o, sock := newTestOrchestrator(t)
	batch := &wire.Batch{
		TransmittingDevice: "master1",
		Messages: []wire.Message{wire.NewParameterCommand(0, map[string]any{
			"gain":       10,
			"audioLevel": -5, // locked: rejected
		})},
	}
	reply := roundTrip(t, o, sock, batch)

	var sawUpdate, sawError bool
	for _, m := range reply.Messages {
		switch m.Type() {
		case wire.TypeStatusUpdate:
			sawUpdate = true
			require.Contains(t, m, "gain")
		case wire.TypeErrorResponse:
			sawError = true
			require.Equal(t, "ParameterLocked", m["errorValue"])
		}
	}
	require.True(t, sawUpdate, "accepted gain change must still produce a StatusUpdate")
	require.True(t, sawError, "locked audioLevel change must still produce an ErrorResponse")
}

func TestHandleCommandAcceptedChangeAlsoMulticasts(t *testing.T) {
	o, sock := newTestOrchestrator(t)
	o.multicastBase = "239.7.7"
	group := GroupAddress(o.multicastBase, 0)

	listener, err := transport.Open(0)
	require.NoError(t, err)
	defer listener.Close()
	_, err = listener.JoinGroup(group)
	require.NoError(t, err)

	batch := &wire.Batch{
		TransmittingDevice: "master1",
		Messages:           []wire.Message{wire.NewParameterCommand(0, map[string]any{"gain": 10})},
	}
	roundTrip(t, o, sock, batch)

	dg, err := listener.Recv(context.Background(), time.Second)
	require.NoError(t, err, "accepted change must also be multicast to the channel's group")
	out, err := wire.Decode(dg.Payload)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.Equal(t, wire.TypeStatusUpdate, out.Messages[0].Type())
	require.Contains(t, out.Messages[0], "gain")
}

func TestHandleCommandDeviceScopeRejected(t *testing.T) {
	o, sock := newTestOrchestrator(t)
	batch := &wire.Batch{
		TransmittingDevice: "master1",
		Messages:           []wire.Message{wire.NewParameterCommand(wire.DeviceScope, map[string]any{"gain": 1})},
	}
	reply := roundTrip(t, o, sock, batch)
	require.Len(t, reply.Messages, 1)
	require.Equal(t, wire.TypeErrorResponse, reply.Messages[0].Type())
	require.Equal(t, string(wire.ErrChannelIndexInvalid), reply.Messages[0]["errorValue"])
}

func TestUnrecognizedMessageType(t *testing.T) {
	o, sock := newTestOrchestrator(t)
	batch := &wire.Batch{
		TransmittingDevice: "master1",
		Messages:           []wire.Message{{"messageType": "SomethingElse"}},
	}
	reply := roundTrip(t, o, sock, batch)
	require.Len(t, reply.Messages, 1)
	require.Equal(t, string(wire.ErrUnrecognizedCommand), reply.Messages[0]["errorValue"])
}

func TestGroupAddress(t *testing.T) {
	ip := GroupAddress("224.1.1", 3)
	require.Equal(t, "224.1.1.3", ip.String())
}

func TestSimulateContinuous(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	err := o.SimulateContinuous(0, "audioLevel", -6.0)
	require.NoError(t, err)

	values, err := o.Store().ContinuousValues(0)
	require.NoError(t, err)
	require.InDelta(t, -6.0, values["audioLevel"], 0.001)
}
