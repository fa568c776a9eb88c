package audit

import (
	"github.com/rs/zerolog"
)

// optionalDict collects fields for a nested log object that is only emitted
// when at least one field carries a value.
type optionalDict struct {
	ev *zerolog.Event
}

func (d *optionalDict) event() *zerolog.Event {
	if d.ev == nil {
		d.ev = zerolog.Dict()
	}
	return d.ev
}

func (d *optionalDict) str(key, val string) *optionalDict {
	if val == "" {
		return d
	}
	d.event().Str(key, val)
	return d
}

func (d *optionalDict) num(key string, val int) *optionalDict {
	if val == 0 {
		return d
	}
	d.event().Int(key, val)
	return d
}

// flag records a boolean only when it is set.
func (d *optionalDict) flag(key string, val bool) *optionalDict {
	if !val {
		return d
	}
	d.event().Bool(key, val)
	return d
}

// attach adds the collected fields to parent under key, returning false when
// nothing was collected.
func (d *optionalDict) attach(parent *zerolog.Event, key string) bool {
	if d.ev == nil {
		return false
	}
	parent.Dict(key, d.ev)
	return true
}
