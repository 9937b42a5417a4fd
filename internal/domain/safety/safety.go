// Package safety clamps audio parameters to safe bounds before playback.
package safety

import "fmt"

// Level is the severity of a Warning.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Warning is a non-fatal notice about an adjusted or refused parameter.
type Warning struct {
	Level   Level  `json:"level"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Limits are the bounds enforced by a Validator.
type Limits struct {
	MaxBinauralHz float64
	MaxGain       float64
	MinAge        int
	MinFrequency  float64
	MaxFrequency  float64
}

// DefaultLimits returns the stock bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxBinauralHz: 8,
		MaxGain:       0.5,
		MinAge:        16,
		MinFrequency:  20,
		MaxFrequency:  1500,
	}
}

// Request is what a caller wants to play. A zero UserAge means unknown.
type Request struct {
	F0         float64
	BinauralHz float64
	Gain       float64
	UserAge    int
}

// Result carries the adjusted values. Valid=false means playback must not be
// scheduled.
type Result struct {
	Valid        bool
	AdjustedF0   float64
	AdjustedHz   float64
	AdjustedGain float64
	Warnings     []Warning
}

// Critical reports whether any warning is critical.
func (r Result) Critical() bool {
	for _, w := range r.Warnings {
		if w.Level == LevelCritical {
			return true
		}
	}
	return false
}

// Validator applies Limits.
type Validator struct {
	limits Limits
}

// NewValidator returns a Validator. Zero limit fields take the defaults.
func NewValidator(limits Limits) *Validator {
	def := DefaultLimits()
	if limits.MaxBinauralHz <= 0 {
		limits.MaxBinauralHz = def.MaxBinauralHz
	}
	if limits.MaxGain <= 0 {
		limits.MaxGain = def.MaxGain
	}
	if limits.MinAge <= 0 {
		limits.MinAge = def.MinAge
	}
	if limits.MinFrequency <= 0 {
		limits.MinFrequency = def.MinFrequency
	}
	if limits.MaxFrequency <= 0 {
		limits.MaxFrequency = def.MaxFrequency
	}
	return &Validator{limits: limits}
}

// Limits returns the effective bounds.
func (v *Validator) Limits() Limits { return v.limits }

// Validate clamps over-limit values with a warning and refuses underage users.
func (v *Validator) Validate(req Request) Result {
	res := Result{
		Valid:        true,
		AdjustedF0:   req.F0,
		AdjustedHz:   req.BinauralHz,
		AdjustedGain: req.Gain,
	}

	if req.UserAge > 0 && req.UserAge < v.limits.MinAge {
		res.Valid = false
		res.warn(LevelCritical, "user_age",
			fmt.Sprintf("binaural playback requires age %d or older", v.limits.MinAge))
	}

	switch {
	case req.BinauralHz < 0:
		res.AdjustedHz = 0
		res.warn(LevelWarning, "binaural_hz", "negative binaural offset reset to 0")
	case req.BinauralHz > v.limits.MaxBinauralHz:
		res.AdjustedHz = v.limits.MaxBinauralHz
		res.warn(LevelWarning, "binaural_hz",
			fmt.Sprintf("binaural offset %.2f Hz capped at %.2f Hz", req.BinauralHz, v.limits.MaxBinauralHz))
	}

	switch {
	case req.Gain < 0:
		res.AdjustedGain = 0
		res.warn(LevelWarning, "gain", "negative gain reset to 0")
	case req.Gain > v.limits.MaxGain:
		res.AdjustedGain = v.limits.MaxGain
		res.warn(LevelWarning, "gain",
			fmt.Sprintf("gain %.2f capped at %.2f", req.Gain, v.limits.MaxGain))
	}

	switch {
	case req.F0 < v.limits.MinFrequency:
		res.AdjustedF0 = v.limits.MinFrequency
		res.warn(LevelWarning, "f0",
			fmt.Sprintf("frequency %.2f Hz raised to %.2f Hz", req.F0, v.limits.MinFrequency))
	case req.F0 > v.limits.MaxFrequency:
		res.AdjustedF0 = v.limits.MaxFrequency
		res.warn(LevelWarning, "f0",
			fmt.Sprintf("frequency %.2f Hz lowered to %.2f Hz", req.F0, v.limits.MaxFrequency))
	}

	if req.UserAge == 0 && res.AdjustedHz > 0 {
		res.warn(LevelInfo, "user_age", "age not provided; binaural beats assume an adult listener")
	}
	return res
}

func (r *Result) warn(level Level, field, msg string) {
	r.Warnings = append(r.Warnings, Warning{Level: level, Field: field, Message: msg})
}
