package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectMulticastBasePicksLowestAvoidingObserved(t *testing.T) {
	observed := map[string]bool{"224.1.1": true, "224.1.2": true}
	got := SelectMulticastBase("some-device", observed, false)
	require.Equal(t, "224.1.3", got)
}

func TestSelectMulticastBaseEmptyObservedIsDeterministicPerDevice(t *testing.T) {
	a := SelectMulticastBase("deviceA", map[string]bool{}, false)
	b := SelectMulticastBase("deviceB", map[string]bool{}, false)
	require.NotEqual(t, a, b, "distinct device names should not collide when nothing was observed")

	// stable across calls
	again := SelectMulticastBase("deviceA", map[string]bool{}, false)
	require.Equal(t, a, again)

	idx := baseIndexOf(a)
	require.GreaterOrEqual(t, idx, 0)
}

func TestSelectMulticastBaseScanFailureDefaults(t *testing.T) {
	got := SelectMulticastBase("any-device", map[string]bool{}, true)
	require.Equal(t, "244.1.1", got)
}

func TestPeerStateMachineTransitions(t *testing.T) {
	identity := Identity{DeviceName: "master1", Function: FunctionMaster, Model: "m", DeviceType: "computer"}
	agent, err := NewAgent(identity, nil)
	require.NoError(t, err)
	defer agent.conn.Close()

	var transitions []PeerState
	agent.OnPresent(func(p Peer) { transitions = append(transitions, p.State) })

	rec := &parsedRecord{hasSRV: true, ttl: RecordTTL, txt: map[string]string{
		"function": "slave", "model": "PreampModelName", "deviceType": "digitalStageBox",
		"multicastAddress": "244.1.1",
	}}
	agent.observe("slave1", nil, rec)

	peers := agent.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, StatePresent, peers[0].State)
	require.Equal(t, []PeerState{StatePresent}, transitions)

	agent.markGoodbye("slave1")
	peers = agent.Peers()
	require.Equal(t, StateAbsent, peers[0].State)

	// re-observation after absent returns to present
	agent.observe("slave1", nil, rec)
	peers = agent.Peers()
	require.Equal(t, StatePresent, peers[0].State)
}
