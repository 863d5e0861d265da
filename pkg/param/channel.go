package param

// Channel is a mapping from parameter name to Parameter (§3). Names keeps
// the template's parameter order alongside the map; rendering onto the
// wire goes through maps, so it does not follow Names.
type Channel struct {
	Index  int
	Names  []string
	Params map[string]Parameter
}

// Template describes one channel's fixed parameter set, used to build a
// device's channels at startup (pkg/config loads these from YAML).
type Template struct {
	Params map[string]Parameter
	// Order lists the parameter names in template order and is copied into
	// Channel.Names; if empty, map iteration order is used. It does not
	// affect the wire: messages are maps, which encoding/json emits with
	// keys sorted.
	Order []string
}

func newChannel(index int, tmpl Template) *Channel {
	names := tmpl.Order
	if len(names) == 0 {
		names = make([]string, 0, len(tmpl.Params))
		for name := range tmpl.Params {
			names = append(names, name)
		}
	}
	params := make(map[string]Parameter, len(tmpl.Params))
	for name, p := range tmpl.Params {
		params[name] = p.Clone()
	}
	return &Channel{Index: index, Names: append([]string(nil), names...), Params: params}
}

// snapshot renders every parameter's wire fields, keyed by name. The
// result is a map; Names order is not applied.
func (c *Channel) snapshot() map[string]any {
	out := make(map[string]any, len(c.Params))
	for name, p := range c.Params {
		out[name] = p.Fields()
	}
	return out
}

// continuousValues returns the raw current value (not the full descriptor)
// of every Continuous parameter, for StatusUpdate telemetry payloads.
func (c *Channel) continuousValues() map[string]any {
	out := map[string]any{}
	for name, p := range c.Params {
		if p.Continuous {
			out[name] = p.Value
		}
	}
	return out
}
