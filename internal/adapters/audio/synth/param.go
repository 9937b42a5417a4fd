package synth

import "sort"

type eventKind int

const (
	kindSet eventKind = iota
	kindRamp
)

type automation struct {
	kind  eventKind
	value float64
	at    float64
}

// param is a time-automated value: step changes and linear ramps that end at
// a given instant, ramping from the value held by the previous event.
type param struct {
	base   float64 // value before the first pending event
	baseAt float64 // time base took effect
	events []automation
}

func newParam(initial float64) *param { return &param{base: initial} }

func (p *param) insert(a automation) {
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].at > a.at })
	p.events = append(p.events, automation{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = a
}

func (p *param) set(value, at float64)     { p.insert(automation{kind: kindSet, value: value, at: at}) }
func (p *param) rampTo(value, end float64) { p.insert(automation{kind: kindRamp, value: value, at: end}) }

func (p *param) valueAt(t float64) float64 {
	v, vt := p.base, p.baseAt
	for _, e := range p.events {
		if e.at <= t {
			v, vt = e.value, e.at
			continue
		}
		if e.kind == kindRamp && e.at > vt {
			frac := (t - vt) / (e.at - vt)
			return v + (e.value-v)*frac
		}
		break
	}
	return v
}

// advance folds every event that took effect at or before t into base.
func (p *param) advance(t float64) {
	n := 0
	for n < len(p.events) && p.events[n].at <= t {
		p.base, p.baseAt = p.events[n].value, p.events[n].at
		n++
	}
	if n > 0 {
		p.events = append(p.events[:0], p.events[n:]...)
	}
}
