package param

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func gainTemplate() Template {
	return Template{
		Order: []string{"gain", "transmitterConnected"},
		Params: map[string]Parameter{
			"gain": {
				DataType: TypeNumber, Value: 0, Unit: "dB",
				Precision: 1, MinValue: -5, MaxValue: 50,
			},
			"transmitterConnected": {
				DataType: TypeBool, Value: true, Locked: true,
			},
		},
	}
}

func TestApplyCommandAcceptsInRangeValue(t *testing.T) {
	s := NewStore(DeviceInfo{Model: "m"}, []Template{gainTemplate()})

	accepted, errs, err := s.ApplyCommand(0, map[string]any{"gain": 10}, nil)
	require.NoError(t, err)
	require.Empty(t, errs)
	require.Equal(t, []string{"gain"}, accepted)

	ch, err := s.ReadChannel(0)
	require.NoError(t, err)
	require.Equal(t, 10, ch["gain"].(map[string]any)["value"])
}

func TestApplyCommandRejectsOutOfRange(t *testing.T) {
	s := NewStore(DeviceInfo{Model: "m"}, []Template{gainTemplate()})

	accepted, errs, err := s.ApplyCommand(0, map[string]any{"gain": 60}, nil)
	require.NoError(t, err)
	require.Empty(t, accepted)
	require.Len(t, errs, 1)
	require.Equal(t, "ValueOutOfRange", errs[0].Value)

	ch, _ := s.ReadChannel(0)
	require.Equal(t, 0, ch["gain"].(map[string]any)["value"])
}

// S3: a batch mixing a valid change with a locked-parameter change commits
// the valid one and reports the locked one as an error, independently.
func TestApplyCommandIsNonAtomicAcrossParameters(t *testing.T) {
	s := NewStore(DeviceInfo{Model: "m"}, []Template{gainTemplate()})

	accepted, errs, err := s.ApplyCommand(0, map[string]any{
		"gain":                 5,
		"transmitterConnected": false,
	}, []string{"gain", "transmitterConnected"})
	require.NoError(t, err)
	require.Equal(t, []string{"gain"}, accepted)
	require.Len(t, errs, 1)
	require.Equal(t, "ParameterLocked", errs[0].Value)

	ch, _ := s.ReadChannel(0)
	require.Equal(t, 5, ch["gain"].(map[string]any)["value"])
	require.Equal(t, true, ch["transmitterConnected"].(map[string]any)["value"])
}

func TestApplyCommandUnsupportedParameter(t *testing.T) {
	s := NewStore(DeviceInfo{Model: "m"}, []Template{gainTemplate()})

	_, errs, err := s.ApplyCommand(0, map[string]any{"nope": 1}, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, "ParameterUnsupported", errs[0].Value)
}

func TestApplyCommandUnknownChannel(t *testing.T) {
	s := NewStore(DeviceInfo{Model: "m"}, []Template{gainTemplate()})

	_, _, err := s.ApplyCommand(5, map[string]any{"gain": 1}, nil)
	require.Error(t, err)
}

func TestPrecisionBoundaryAccepted(t *testing.T) {
	s := NewStore(DeviceInfo{Model: "m"}, []Template{gainTemplate()})

	// minValue + k*precision within range, k=0 at boundary.
	accepted, errs, err := s.ApplyCommand(0, map[string]any{"gain": -5}, nil)
	require.NoError(t, err)
	require.Empty(t, errs)
	require.Equal(t, []string{"gain"}, accepted)
}

func TestContinuousValuesSkipNonContinuous(t *testing.T) {
	tmpl := gainTemplate()
	p := tmpl.Params["gain"]
	p.Continuous = true
	tmpl.Params["gain"] = p

	s := NewStore(DeviceInfo{Model: "m"}, []Template{tmpl})
	values, err := s.ContinuousValues(0)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"gain": 0}, values)
}

func TestSetContinuousValueEnforcesRange(t *testing.T) {
	tmpl := gainTemplate()
	p := tmpl.Params["gain"]
	p.Continuous = true
	tmpl.Params["gain"] = p

	s := NewStore(DeviceInfo{Model: "m"}, []Template{tmpl})
	require.NoError(t, s.SetContinuousValue(0, "gain", 12))

	values, _ := s.ContinuousValues(0)
	require.Equal(t, 12, values["gain"])

	require.Error(t, s.SetContinuousValue(0, "gain", 999))
}

func TestReadDeviceInfo(t *testing.T) {
	s := NewStore(DeviceInfo{Model: "m", DeviceType: "mixer", ProtocolVersion: "1.0.0", MulticastBase: "244.1.1"}, []Template{gainTemplate(), gainTemplate()})
	info := s.ReadDeviceInfo()
	require.Equal(t, []int{0, 1}, info.ChannelIndices)
	require.Equal(t, "mixer", info.DeviceType)
}
