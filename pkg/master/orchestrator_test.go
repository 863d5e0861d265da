package master

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/wire"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	sock, err := transport.Open(0)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	identity := discovery.Identity{DeviceName: "master1", Function: discovery.FunctionMaster, Model: "m", DeviceType: "computer"}
	agent, err := discovery.NewAgent(identity, nil)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Stop() })

	return New(identity, sock, agent, nil)
}

func TestSendCommandFailsForUnknownDevice(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.SendCommand("nope", 0, map[string]any{"gain": 1})
	require.Error(t, err)
}

func TestSubscribeFailsWithoutKnownMulticastBase(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Registry().OnPeerPresent("slave1", net.IPv4(10, 0, 0, 5), "", "m", "dt", time.Minute)

	_, err := o.Subscribe("slave1", 0)
	require.Error(t, err)
}

func TestSubscribeJoinsMulticastGroup(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Registry().OnPeerPresent("slave1", net.IPv4(10, 0, 0, 5), "239.200.1", "m", "dt", time.Minute)

	changed, err := o.Subscribe("slave1", 2)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = o.Unsubscribe("slave1", 2)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestHandleDatagramIngestsIntoRegistry(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Registry().OnPeerPresent("slave1", net.IPv4(10, 0, 0, 5), "", "", "", time.Minute)

	batch := &wire.Batch{
		TransmittingDevice: "slave1",
		Messages: []wire.Message{
			{"messageType": wire.TypeParameterResponse, "channelIndex": float64(wire.DeviceScope), "model": "m", "deviceType": "dt"},
		},
	}
	data, err := wire.Encode(batch)
	require.NoError(t, err)

	o.handleDatagram(&transport.Datagram{Payload: data, SrcIP: net.IPv4(10, 0, 0, 5)})

	d, ok := o.Registry().Get("slave1")
	require.True(t, ok)
	require.Equal(t, "m", d.Model)
}

func TestOnPeerPresentIssuesAllScopeRequest(t *testing.T) {
	o := newTestOrchestrator(t)
	o.onPeerPresent(discovery.Peer{
		DeviceName: "slave1",
		IP:         net.IPv4(127, 0, 0, 1),
		Model:      "m",
		DeviceType: "dt",
	})

	// onPeerPresent fires its AllScope request at wire.VirgilPort, not a
	// test-controlled port; this just confirms the registry reflects the
	// presence transition immediately, independent of that send.
	d, ok := o.Registry().Get("slave1")
	require.True(t, ok)
	require.True(t, d.IsPresent)
}
