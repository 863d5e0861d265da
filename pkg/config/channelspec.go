// Package config loads a slave's channel layout — the per-channel
// parameter templates spec.md describes abstractly in §3 — from YAML,
// matching the config idiom of the retrieved pack (gopkg.in/yaml.v3).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/virgil-audio/virgil/pkg/param"
)

// ParameterDoc is the YAML shape of a single parameter definition.
type ParameterDoc struct {
	DataType   string         `yaml:"dataType"`
	Value      any            `yaml:"value"`
	Locked     bool           `yaml:"locked"`
	Unit       string         `yaml:"unit,omitempty"`
	Precision  float64        `yaml:"precision,omitempty"`
	MinValue   float64        `yaml:"minValue,omitempty"`
	MaxValue   float64        `yaml:"maxValue,omitempty"`
	EnumValues []string       `yaml:"enumValues,omitempty"`
	Continuous bool           `yaml:"continuous,omitempty"`
	Aux        map[string]any `yaml:"aux,omitempty"`
}

// ChannelDoc is the YAML shape of one channel: an ordered parameter list
// (kept as the template's Order) plus the parameter definitions. Wire
// field order does not follow it.
type ChannelDoc struct {
	Order  []string                `yaml:"order"`
	Params map[string]ParameterDoc `yaml:"params"`
}

// Document is the top-level YAML shape loaded by Load.
type Document struct {
	Channels []ChannelDoc `yaml:"channels"`
}

// Load reads and parses a channel-spec YAML file into param.Templates.
func Load(path string) ([]param.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading channel spec: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing channel spec: %w", err)
	}
	return doc.Templates()
}

// Templates converts a parsed Document into param.Templates, validating
// each parameter's dataType against the closed set (§3).
func (d Document) Templates() ([]param.Template, error) {
	templates := make([]param.Template, 0, len(d.Channels))
	for i, ch := range d.Channels {
		params := make(map[string]param.Parameter, len(ch.Params))
		for name, pd := range ch.Params {
			p, err := pd.toParameter()
			if err != nil {
				return nil, fmt.Errorf("channel %d, parameter %q: %w", i, name, err)
			}
			params[name] = p
		}
		order := ch.Order
		if len(order) == 0 {
			order = make([]string, 0, len(params))
			for name := range params {
				order = append(order, name)
			}
		}
		templates = append(templates, param.Template{Params: params, Order: order})
	}
	return templates, nil
}

func (pd ParameterDoc) toParameter() (param.Parameter, error) {
	switch param.DataType(pd.DataType) {
	case param.TypeNumber, param.TypeBool, param.TypeString, param.TypeEnum:
	default:
		return param.Parameter{}, fmt.Errorf("unknown dataType %q", pd.DataType)
	}
	return param.Parameter{
		DataType:   param.DataType(pd.DataType),
		Value:      pd.Value,
		Locked:     pd.Locked,
		Unit:       pd.Unit,
		Precision:  pd.Precision,
		MinValue:   pd.MinValue,
		MaxValue:   pd.MaxValue,
		EnumValues: append([]string(nil), pd.EnumValues...),
		Continuous: pd.Continuous,
		Aux:        pd.Aux,
	}, nil
}

// DefaultTemplate returns the built-in channel layout used when a slave is
// started without a --channels file: the gain/pad/lowcut/... parameter
// set from the original Virgil reference implementation's Preamp schema
// (original_source/Slave_Example/Slave.cpp), enriched with the three
// canonical continuous telemetry sources (§4.5).
func DefaultTemplate() param.Template {
	order := []string{
		"gain", "pad", "lowcut", "lowcutEnable", "polarity", "phantomPower",
		"rfEnable", "transmitPower", "transmitterConnected", "subDevice",
		"audioLevel", "rfLevel", "batteryLevel",
	}
	params := map[string]param.Parameter{
		"gain": {
			DataType: param.TypeNumber, Value: 0, Unit: "dB",
			Precision: 1, MinValue: -5, MaxValue: 50,
		},
		"pad": {
			DataType: param.TypeBool, Value: false,
			Aux: map[string]any{"padLevel": -10},
		},
		"lowcut": {
			DataType: param.TypeNumber, Value: 0, Unit: "Hz",
			Precision: 1, MinValue: 0, MaxValue: 100,
		},
		"lowcutEnable":  {DataType: param.TypeBool, Value: false},
		"polarity":      {DataType: param.TypeBool, Value: false},
		"phantomPower":  {DataType: param.TypeBool, Value: false},
		"rfEnable":      {DataType: param.TypeBool, Value: true},
		"transmitPower": {DataType: param.TypeEnum, Value: "high", EnumValues: []string{"low", "medium", "high"}},
		"transmitterConnected": {
			DataType: param.TypeBool, Value: true, Locked: true,
		},
		"subDevice": {
			DataType: param.TypeString, Value: "handheld", Locked: true,
		},
		"audioLevel": {
			DataType: param.TypeNumber, Value: -20.5, Unit: "dB",
			Precision: 0.1, MinValue: -100, MaxValue: 0,
			Locked: true, Continuous: true,
		},
		"rfLevel": {
			DataType: param.TypeNumber, Value: -45.2, Unit: "dB",
			Precision: 0.1, MinValue: -100, MaxValue: 0,
			Locked: true, Continuous: true,
		},
		"batteryLevel": {
			DataType: param.TypeNumber, Value: 85, Unit: "%",
			Precision: 1, MinValue: 0, MaxValue: 100,
			Locked: true, Continuous: true,
		},
	}
	return param.Template{Params: params, Order: order}
}
