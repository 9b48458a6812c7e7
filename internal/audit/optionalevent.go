package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// OptionalEvent builds a dictionary that is only attached to its parent when
// at least one field was written.
type OptionalEvent struct {
	ev       *zerolog.Event
	modified bool
}

func NewOptionalEvent(e *zerolog.Event) *OptionalEvent {
	return &OptionalEvent{ev: e}
}

func (oe *OptionalEvent) event() *zerolog.Event {
	if oe.ev == nil {
		oe.ev = zerolog.Dict()
	}
	return oe.ev
}

func (oe *OptionalEvent) touch() *zerolog.Event {
	oe.modified = true
	return oe.event()
}

// Set attaches the dictionary to parent under key if anything was written.
func (oe *OptionalEvent) Set(parent *zerolog.Event, key string) bool {
	if !oe.modified {
		return false
	}
	parent.Dict(key, oe.event())
	return true
}

func (oe *OptionalEvent) Str(key, val string) *OptionalEvent {
	if val != "" {
		oe.touch().Str(key, val)
	}
	return oe
}

func (oe *OptionalEvent) Strs(key string, vals []string) *OptionalEvent {
	if len(vals) > 0 {
		oe.touch().Strs(key, vals)
	}
	return oe
}

// Bool always writes, so a dictionary holding a Bool is always attached.
func (oe *OptionalEvent) Bool(key string, val bool) *OptionalEvent {
	oe.touch().Bool(key, val)
	return oe
}

// Flag writes only true values.
func (oe *OptionalEvent) Flag(key string, val bool) *OptionalEvent {
	if val {
		oe.touch().Bool(key, true)
	}
	return oe
}

func (oe *OptionalEvent) Int(key string, val int) *OptionalEvent {
	if val != 0 {
		oe.touch().Int(key, val)
	}
	return oe
}

// Expiry writes an absolute expiry and the time remaining until it.
func (oe *OptionalEvent) Expiry(unixSecs int64) *OptionalEvent {
	if unixSecs == 0 {
		return oe
	}
	expiry := time.Unix(unixSecs, 0).UTC()
	oe.touch().
		Time("expiry", expiry).
		Dur("expiryRemaining", time.Until(expiry).Round(time.Second))
	return oe
}
