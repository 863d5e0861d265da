// Package param holds the slave's typed parameter tree (C3): per-channel
// parameter maps, range/precision/enum/lock validation, and the single
// writer lock that mediates every read and mutation.
package param

import (
	"fmt"
	"math"
)

// DataType is the closed set of parameter value kinds (§3).
type DataType string

const (
	TypeNumber DataType = "number"
	TypeBool   DataType = "bool"
	TypeString DataType = "string"
	TypeEnum   DataType = "enum"
)

// precisionEpsilon bounds the tolerance for precision-alignment checks
// (§8 P1: "within 1e-9").
const precisionEpsilon = 1e-9

// Parameter is the atomic unit of controllable/observable state (§3).
// A Parameter is copied by value out of a Channel for responses; mutation
// always happens through Store, never directly on a copy.
type Parameter struct {
	DataType DataType
	Value    any
	Locked   bool

	// Numeric-only fields.
	Unit      string
	Precision float64
	MinValue  float64
	MaxValue  float64

	// Enum-only field.
	EnumValues []string

	// Continuous marks a slave-internal telemetry source (audioLevel,
	// rfLevel, batteryLevel, or a device-declared addition) sampled by
	// the telemetry scheduler rather than written by commands. Never
	// serialised to the wire; it is metadata about how the slave itself
	// maintains the value.
	Continuous bool

	// Aux carries opaque constants alongside the parameter (e.g.
	// "padLevel" on the pad parameter) that have no validation role.
	Aux map[string]any
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// writer lock.
func (p Parameter) Clone() Parameter {
	clone := p
	if p.EnumValues != nil {
		clone.EnumValues = append([]string(nil), p.EnumValues...)
	}
	if p.Aux != nil {
		clone.Aux = make(map[string]any, len(p.Aux))
		for k, v := range p.Aux {
			clone.Aux[k] = v
		}
	}
	return clone
}

// Fields renders the parameter as the flat descriptor object the wire
// format expects under its name key, e.g. {"dataType":"number",
// "value":10,"unit":"dB",...}. Continuous is never emitted.
func (p Parameter) Fields() map[string]any {
	out := map[string]any{
		"dataType": string(p.DataType),
		"value":    p.Value,
		"locked":   p.Locked,
	}
	switch p.DataType {
	case TypeNumber:
		if p.Unit != "" {
			out["unit"] = p.Unit
		}
		out["precision"] = p.Precision
		out["minValue"] = p.MinValue
		out["maxValue"] = p.MaxValue
	case TypeEnum:
		out["enumValues"] = p.EnumValues
	}
	for k, v := range p.Aux {
		out[k] = v
	}
	return out
}

// ValidationError reports why a proposed value was rejected, carrying the
// wire error taxonomy value to attach to an ErrorResponse.
type ValidationError struct {
	Parameter string
	Value     string // wire.ErrorValue, kept as a string to avoid an import cycle
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Parameter, e.Value, e.Reason)
}

// validate applies the §4.3 validation order to a proposed value against
// the current parameter definition (steps 1-2, parameter existence and
// lock, are checked by the caller which has the name available). It
// returns the accepted, normalised value or a ValidationError.
func (p Parameter) validate(name string, proposed any) (any, *ValidationError) {
	switch p.DataType {
	case TypeNumber:
		v, ok := toFloat(proposed)
		if !ok {
			return nil, &ValidationError{Parameter: name, Value: "InvalidValueType", Reason: "value must be a number"}
		}
		if v < p.MinValue || v > p.MaxValue {
			return nil, &ValidationError{Parameter: name, Value: "ValueOutOfRange", Reason: "value out of range"}
		}
		if p.Precision > 0 {
			steps := (v - p.MinValue) / p.Precision
			if math.Abs(steps-math.Round(steps)) > precisionEpsilon {
				return nil, &ValidationError{Parameter: name, Value: "ValueOutOfRange", Reason: "value violates precision"}
			}
		}
		// Preserve integer-valued JSON numbers as int when the original
		// value was an int, so round-tripped responses look the way the
		// original descriptor did.
		if _, wasInt := p.Value.(int); wasInt {
			return int(math.Round(v)), nil
		}
		return v, nil
	case TypeBool:
		v, ok := proposed.(bool)
		if !ok {
			return nil, &ValidationError{Parameter: name, Value: "InvalidValueType", Reason: "value must be a boolean"}
		}
		return v, nil
	case TypeString:
		v, ok := proposed.(string)
		if !ok {
			return nil, &ValidationError{Parameter: name, Value: "InvalidValueType", Reason: "value must be a string"}
		}
		return v, nil
	case TypeEnum:
		v, ok := proposed.(string)
		if !ok {
			return nil, &ValidationError{Parameter: name, Value: "InvalidValueType", Reason: "value must be a string"}
		}
		for _, allowed := range p.EnumValues {
			if allowed == v {
				return v, nil
			}
		}
		return nil, &ValidationError{Parameter: name, Value: "ValueOutOfRange", Reason: "value not in enumValues"}
	default:
		return nil, &ValidationError{Parameter: name, Value: "InvalidValueType", Reason: "unknown dataType"}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
