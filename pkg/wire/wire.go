// Package wire implements the Virgil message-batch encoding: a closed
// taxonomy of request/response/command/telemetry messages carried as
// self-describing JSON, grouped into per-datagram batches.
//
// The wire layer is deliberately schema-light. A Message is a flat
// map[string]any, the same shape the reference C++ implementation builds
// with nlohmann::json: a "messageType" key, a "channelIndex" key where
// applicable, and parameter names mapped directly to their descriptor
// objects. Typed components (pkg/param, pkg/registry) normalise at the
// boundary; unknown keys survive a round trip through this package
// untouched, which is what lets the master forward-and-merge fields it
// doesn't understand.
package wire

import (
	"encoding/json"
	"fmt"
)

// MaxDatagramSize is the maximum payload size accepted on receive (§6).
// Oversize datagrams are truncated by the transport; the slave answers
// them with MalformedMessage.
const MaxDatagramSize = 4096

// VirgilPort is the fixed control-plane UDP port (§6).
const VirgilPort = 7889

// ProtocolVersion is the version string callers put in param.DeviceInfo,
// carried on every device-level ParameterResponse (§3 "protocolVersion").
// Discovery TXT records do not carry it.
const ProtocolVersion = "1.0.0"

// Reserved channel indices (§3).
const (
	DeviceScope = -1 // device-level scope
	AllScope    = -2 // device + every channel; request-only, never in responses
)

// Message types (§4.4).
const (
	TypeParameterRequest = "ParameterRequest"
	TypeParameterResponse = "ParameterResponse"
	TypeParameterCommand  = "ParameterCommand"
	TypeStatusUpdate      = "StatusUpdate"
	TypeErrorResponse     = "ErrorResponse"
)

// ErrorValue is the closed error taxonomy of §8.
type ErrorValue string

const (
	ErrMalformedMessage     ErrorValue = "MalformedMessage"
	ErrUnrecognizedCommand  ErrorValue = "UnrecognizedCommand"
	ErrChannelIndexInvalid  ErrorValue = "ChannelIndexInvalid"
	ErrParameterUnsupported ErrorValue = "ParameterUnsupported"
	ErrParameterLocked      ErrorValue = "ParameterLocked"
	ErrInvalidValueType     ErrorValue = "InvalidValueType"
	ErrValueOutOfRange      ErrorValue = "ValueOutOfRange"
)

// Message is one element of a Batch's "messages" array.
type Message map[string]any

// Type returns the message's "messageType" field, or "" if missing or not
// a string.
func (m Message) Type() string {
	t, _ := m["messageType"].(string)
	return t
}

// ChannelIndex returns the message's "channelIndex" field and whether it
// was present and numeric. JSON numbers decode to float64.
func (m Message) ChannelIndex() (int, bool) {
	v, ok := m["channelIndex"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// Fields returns a shallow copy of m without the given keys, used to strip
// envelope keys ("messageType", "channelIndex") before merging parameter
// fields elsewhere.
func (m Message) Fields(without ...string) map[string]any {
	skip := make(map[string]bool, len(without))
	for _, k := range without {
		skip[k] = true
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !skip[k] {
			out[k] = v
		}
	}
	return out
}

// Batch is the top-level envelope of every Virgil datagram (§4.4).
type Batch struct {
	TransmittingDevice string    `json:"transmittingDevice"`
	ReceivingDevice    string    `json:"receivingDevice,omitempty"`
	Messages           []Message `json:"messages"`
}

// Encode marshals a batch to its wire JSON form.
func Encode(b *Batch) ([]byte, error) {
	return json.Marshal(b)
}

// Decode unmarshals and validates the envelope-level invariants of §4.4:
// undecodable payload, and missing transmittingDevice/messages/messageType
// all surface as a DecodeError carrying MalformedMessage, ready to be
// turned into a one-message ErrorResponse batch by the caller.
func Decode(data []byte) (*Batch, error) {
	if len(data) > MaxDatagramSize {
		return nil, &DecodeError{Value: ErrMalformedMessage, Reason: "datagram exceeds maximum size"}
	}

	var raw struct {
		TransmittingDevice string           `json:"transmittingDevice"`
		ReceivingDevice    string           `json:"receivingDevice"`
		Messages           []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Value: ErrMalformedMessage, Reason: "invalid JSON payload"}
	}
	if raw.TransmittingDevice == "" {
		return nil, &DecodeError{Value: ErrMalformedMessage, Reason: "missing transmittingDevice field"}
	}
	if len(raw.Messages) == 0 {
		return nil, &DecodeError{Value: ErrMalformedMessage, Reason: "empty messages array"}
	}

	messages := make([]Message, 0, len(raw.Messages))
	for _, m := range raw.Messages {
		if _, ok := m["messageType"].(string); !ok {
			return nil, &DecodeError{Value: ErrMalformedMessage, Reason: "message missing messageType"}
		}
		messages = append(messages, Message(m))
	}

	return &Batch{
		TransmittingDevice: raw.TransmittingDevice,
		ReceivingDevice:    raw.ReceivingDevice,
		Messages:           messages,
	}, nil
}

// DecodeError reports an envelope-level decode failure (§7b/c). Callers
// turn it into a single-message ErrorResponse batch addressed back to the
// unicast sender.
type DecodeError struct {
	Value  ErrorValue
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Value, e.Reason)
}

// NewErrorResponse builds a one-message batch carrying a single
// ErrorResponse, per §7b/c.
func NewErrorResponse(from string, value ErrorValue, reason string) *Batch {
	return &Batch{
		TransmittingDevice: from,
		Messages: []Message{
			{
				"messageType": TypeErrorResponse,
				"errorValue":  string(value),
				"errorString": reason,
			},
		},
	}
}

// NewParameterRequest builds a ParameterRequest message for the given
// channelIndex (-2 = all, -1 = device-level, >=0 = a channel).
func NewParameterRequest(channelIndex int) Message {
	return Message{
		"messageType":  TypeParameterRequest,
		"channelIndex": channelIndex,
	}
}

// NewParameterCommand builds a ParameterCommand message. changes maps
// parameter name to its proposed value, nested as {"value": v} per the
// fixed wire shape this spec standardises on (§9 Open Questions).
func NewParameterCommand(channelIndex int, changes map[string]any) Message {
	msg := Message{
		"messageType":  TypeParameterCommand,
		"channelIndex": channelIndex,
	}
	for name, value := range changes {
		msg[name] = map[string]any{"value": value}
	}
	return msg
}

// CommandValue extracts the proposed value for parameter name from a
// ParameterCommand message's nested {"value": v} shape.
func CommandValue(msg Message, name string) (any, bool) {
	raw, ok := msg[name]
	if !ok {
		return nil, false
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj["value"]
	return v, ok
}
