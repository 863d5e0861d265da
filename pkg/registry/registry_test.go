package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/virgil-audio/virgil/pkg/wire"
)

func TestOnPeerPresentCreatesRecordOnFirstAnnouncement(t *testing.T) {
	r := New()
	r.OnPeerPresent("slave1", net.IPv4(10, 0, 0, 5), "224.1.1", "PreampModelName", "digitalStageBox", 60*time.Second)

	d, ok := r.Get("slave1")
	require.True(t, ok)
	require.True(t, d.IsPresent)
	require.Equal(t, "PreampModelName", d.Model)
	require.Equal(t, "224.1.1", d.MulticastAddress)
}

func TestOnPeerAbsentPersistsLastKnownState(t *testing.T) {
	r := New()
	r.OnPeerPresent("slave1", net.IPv4(10, 0, 0, 5), "224.1.1", "PreampModelName", "digitalStageBox", 60*time.Second)
	r.OnPeerAbsent("slave1")

	d, ok := r.Get("slave1")
	require.True(t, ok)
	require.False(t, d.IsPresent)
	require.Equal(t, "224.1.1", d.MulticastAddress, "last known multicast address must survive absence")
	require.Equal(t, "10.0.0.5", d.IP.String())
}

func TestIngestMessageMergesDeviceLevelFields(t *testing.T) {
	r := New()
	r.OnPeerPresent("slave1", net.IPv4(10, 0, 0, 5), "", "", "", time.Minute)
	r.IngestMessage("slave1", wire.Message{
		"messageType":     wire.TypeParameterResponse,
		"channelIndex":    float64(wire.DeviceScope),
		"model":           "PreampModelName",
		"deviceType":      "digitalStageBox",
		"protocolVersion": "1.0.0",
		"channelIndices":  []any{float64(0), float64(1)},
	})

	d, ok := r.Get("slave1")
	require.True(t, ok)
	require.Equal(t, "PreampModelName", d.Model)
	require.Equal(t, "1.0.0", d.ProtocolVersion)
	require.Contains(t, d.Fields, "channelIndices")
}

func TestIngestMessageMergesChannelLevelFieldsWithoutClobbering(t *testing.T) {
	r := New()
	r.OnPeerPresent("slave1", net.IPv4(10, 0, 0, 5), "", "", "", time.Minute)
	r.IngestMessage("slave1", wire.Message{
		"messageType":  wire.TypeParameterResponse,
		"channelIndex": float64(0),
		"gain":         map[string]any{"value": float64(10)},
	})
	r.IngestMessage("slave1", wire.Message{
		"messageType":  wire.TypeStatusUpdate,
		"channelIndex": float64(0),
		"audioLevel":   float64(-12),
	})

	d, ok := r.Get("slave1")
	require.True(t, ok)
	require.Len(t, d.Channels, 1)
	ch := d.Channels[0]
	require.Contains(t, ch.Fields, "gain", "earlier channel fields must survive a later partial update")
	require.Contains(t, ch.Fields, "audioLevel")
}

func TestIngestMessageIgnoresAllScopeAndUnrelatedTypes(t *testing.T) {
	r := New()
	r.IngestMessage("slave1", wire.Message{
		"messageType":  wire.TypeParameterRequest,
		"channelIndex": float64(wire.AllScope),
	})

	_, ok := r.Get("slave1")
	require.False(t, ok, "a request message must never create a registry entry")
}

func TestSweepExpiredMarksAbsentAfterTTL(t *testing.T) {
	r := New()
	r.OnPeerPresent("slave1", nil, "", "", "", 10*time.Millisecond)

	expired := r.SweepExpired(time.Now().Add(time.Hour))
	require.Equal(t, []string{"slave1"}, expired)

	d, ok := r.Get("slave1")
	require.True(t, ok)
	require.False(t, d.IsPresent)
}

func TestListReturnsDevicesSortedByName(t *testing.T) {
	r := New()
	r.OnPeerPresent("zeta", nil, "", "", "", 0)
	r.OnPeerPresent("alpha", nil, "", "", "", 0)

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "alpha", list[0].DeviceName)
	require.Equal(t, "zeta", list[1].DeviceName)
}
