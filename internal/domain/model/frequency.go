package model

import "sort"

// Harmonic is one partial of a tone stack.
type Harmonic struct {
	Ratio  float64 `json:"ratio"`  // multiple of f0
	Weight float64 `json:"weight"` // gain weight before master gain
}

// FrequencyConfig describes what the scheduling engine should render.
type FrequencyConfig struct {
	F0         float64
	Waveform   Waveform
	Harmonics  []Harmonic
	BinauralHz float64
	MasterGain float64
}

// Binaural reports whether the config asks for a left/right beat pair.
func (c FrequencyConfig) Binaural() bool {
	return len(c.Harmonics) <= 1 && c.BinauralHz > 0
}

// RatioPack is a named harmonic stack.
type RatioPack struct {
	Name      string
	Harmonics []Harmonic
}

//nolint:gochecknoglobals // read-only catalogue
var packs = map[string]RatioPack{
	"harmonic": {Name: "harmonic", Harmonics: []Harmonic{
		{Ratio: 1, Weight: 1}, {Ratio: 2, Weight: 0.5}, {Ratio: 3, Weight: 0.33}, {Ratio: 4, Weight: 0.25},
	}},
	"octaves": {Name: "octaves", Harmonics: []Harmonic{
		{Ratio: 0.5, Weight: 0.6}, {Ratio: 1, Weight: 1}, {Ratio: 2, Weight: 0.5},
	}},
	"fifths": {Name: "fifths", Harmonics: []Harmonic{
		{Ratio: 1, Weight: 1}, {Ratio: 1.5, Weight: 0.6}, {Ratio: 2.25, Weight: 0.35},
	}},
	"golden": {Name: "golden", Harmonics: []Harmonic{
		{Ratio: 1, Weight: 1}, {Ratio: 1.618034, Weight: 0.5}, {Ratio: 2.618034, Weight: 0.25},
	}},
	"solfeggio": {Name: "solfeggio", Harmonics: []Harmonic{
		{Ratio: 1, Weight: 1}, {Ratio: 1.2222, Weight: 0.4}, {Ratio: 1.3333, Weight: 0.3},
	}},
}

// LookupPack returns a built-in pack by name.
func LookupPack(name string) (RatioPack, bool) {
	p, ok := packs[name]
	return p, ok
}

// PackNames lists the built-in packs in sorted order.
func PackNames() []string {
	names := make([]string, 0, len(packs))
	for n := range packs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
