package registry

import (
	"fmt"
	"regexp"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

// Validation is one rule attached to a setting definition, applied after
// the declared-type check passes. Check returns the failure message and
// ok=false when the value is rejected.
type Validation interface {
	Check(v device.Value) (msg string, ok bool)
	// Describe renders the rule for display.
	Describe() string
}

// IntRange accepts integers in [Min, Max], inclusive on both bounds.
type IntRange struct {
	Min, Max int64
}

func (r IntRange) Check(v device.Value) (string, bool) {
	i, ok := v.AsInt()
	if !ok || i < r.Min || i > r.Max {
		return fmt.Sprintf("Value must be between %d and %d", r.Min, r.Max), false
	}
	return "", true
}

func (r IntRange) Describe() string {
	return fmt.Sprintf("integer between %d and %d", r.Min, r.Max)
}

// FloatRange accepts numerics in [Min, Max], inclusive on both bounds.
type FloatRange struct {
	Min, Max float64
}

func (r FloatRange) Check(v device.Value) (string, bool) {
	f, ok := v.AsFloat()
	if !ok || f < r.Min || f > r.Max {
		return fmt.Sprintf("Value must be between %g and %g", r.Min, r.Max), false
	}
	return "", true
}

func (r FloatRange) Describe() string {
	return fmt.Sprintf("number between %g and %g", r.Min, r.Max)
}

// StringLength accepts strings whose length is in [Min, Max].
type StringLength struct {
	Min, Max int
}

func (r StringLength) Check(v device.Value) (string, bool) {
	s, ok := v.AsString()
	if !ok || len(s) < r.Min || len(s) > r.Max {
		return fmt.Sprintf("Length must be between %d and %d characters", r.Min, r.Max), false
	}
	return "", true
}

func (r StringLength) Describe() string {
	return fmt.Sprintf("string of %d to %d characters", r.Min, r.Max)
}

// Pattern accepts strings matching Regex. Description doubles as the
// failure message.
type Pattern struct {
	Regex       *regexp.Regexp
	Description string
}

func (r Pattern) Check(v device.Value) (string, bool) {
	s, ok := v.AsString()
	if !ok || !r.Regex.MatchString(s) {
		return r.Description, false
	}
	return "", true
}

func (r Pattern) Describe() string { return r.Description }
