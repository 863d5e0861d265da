package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := &Batch{
		TransmittingDevice: "slave1",
		ReceivingDevice:    "master1",
		Messages: []Message{
			NewParameterRequest(DeviceScope),
		},
	}
	data, err := Encode(b)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, "slave1", out.TransmittingDevice)
	require.Equal(t, "master1", out.ReceivingDevice)
	require.Len(t, out.Messages, 1)
	require.Equal(t, TypeParameterRequest, out.Messages[0].Type())
	idx, ok := out.Messages[0].ChannelIndex()
	require.True(t, ok)
	require.Equal(t, DeviceScope, idx)
}

func TestDecodeRejectsMissingTransmittingDevice(t *testing.T) {
	_, err := Decode([]byte(`{"messages":[{"messageType":"StatusUpdate"}]}`))
	require.Error(t, err)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, ErrMalformedMessage, decodeErr.Value)
}

func TestDecodeRejectsEmptyMessages(t *testing.T) {
	_, err := Decode([]byte(`{"transmittingDevice":"slave1","messages":[]}`))
	require.Error(t, err)
}

func TestDecodeRejectsMessageWithoutType(t *testing.T) {
	_, err := Decode([]byte(`{"transmittingDevice":"slave1","messages":[{"channelIndex":0}]}`))
	require.Error(t, err)
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeRejectsOversizeDatagram(t *testing.T) {
	oversized := make([]byte, MaxDatagramSize+1)
	_, err := Decode(oversized)
	require.Error(t, err)
}

func TestCommandValueRoundTrip(t *testing.T) {
	msg := NewParameterCommand(0, map[string]any{"gain": 10})
	v, ok := CommandValue(msg, "gain")
	require.True(t, ok)
	require.Equal(t, 10, v)

	_, ok = CommandValue(msg, "missing")
	require.False(t, ok)
}

func TestMessageFieldsStripsEnvelopeKeys(t *testing.T) {
	msg := Message{"messageType": TypeStatusUpdate, "channelIndex": 0, "gain": 1}
	fields := msg.Fields("messageType", "channelIndex")
	require.Equal(t, map[string]any{"gain": 1}, fields)
}

func TestNewErrorResponseShape(t *testing.T) {
	b := NewErrorResponse("slave1", ErrParameterLocked, "locked")
	require.Len(t, b.Messages, 1)
	require.Equal(t, TypeErrorResponse, b.Messages[0].Type())
	require.Equal(t, string(ErrParameterLocked), b.Messages[0]["errorValue"])
}
