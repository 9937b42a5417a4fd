package scheduling_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/resonance/internal/domain/clocksync"
	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/internal/domain/scheduling"
	"github.com/okian/resonance/internal/domain/tempo"
	"github.com/okian/resonance/pkg/clock"
	. "github.com/smartystreets/goconvey/convey"
)

type event struct {
	op    string
	value float64
	at    float64
}

type mockVoice struct {
	mu       sync.Mutex
	spec     scheduling.VoiceSpec
	events   []event
	disposed bool
}

func (v *mockVoice) record(op string, value, at float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, event{op, value, at})
}

func (v *mockVoice) Start(at float64)             { v.record("start", 0, at) }
func (v *mockVoice) SetGain(value, at float64)    { v.record("gain", value, at) }
func (v *mockVoice) RampGain(target, end float64) { v.record("ramp", target, end) }
func (v *mockVoice) SetDetune(cents, at float64)  { v.record("detune", cents, at) }
func (v *mockVoice) Stop(at float64)              { v.record("stop", 0, at) }
func (v *mockVoice) Dispose()                     { v.mu.Lock(); v.disposed = true; v.mu.Unlock() }
func (v *mockVoice) last(op string) (event, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := len(v.events) - 1; i >= 0; i-- {
		if v.events[i].op == op {
			return v.events[i], true
		}
	}
	return event{}, false
}

type mockPlatform struct {
	caps    scheduling.Capabilities
	now     float64
	latency float64
	voices  []*mockVoice
	failAt  int
	closed  int
}

func (p *mockPlatform) CurrentTime() float64                  { return p.now }
func (p *mockPlatform) BaseLatency() float64                  { return p.latency }
func (p *mockPlatform) Capabilities() scheduling.Capabilities { return p.caps }
func (p *mockPlatform) SampleRate() float64                   { return 48000 }
func (p *mockPlatform) Analyser() scheduling.Analyser         { return spectrum{1, 2, 3} }
func (p *mockPlatform) Close() error                          { p.closed++; return nil }
func (p *mockPlatform) NewVoice(s scheduling.VoiceSpec) (scheduling.Voice, error) {
	if p.failAt > 0 && len(p.voices)+1 == p.failAt {
		return nil, errors.New("out of voices")
	}
	v := &mockVoice{spec: s}
	p.voices = append(p.voices, v)
	return v, nil
}

type spectrum []float64

func (s spectrum) Spectrum() []float64 { return s }

// fixedConverter reports a fixed server time.
type fixedConverter struct{ server time.Time }

func (c fixedConverter) ServerTime() time.Time { return c.server }
func (c fixedConverter) ReadContext(ac clocksync.AudioClock) clocksync.ContextReading {
	return clocksync.ContextReading{ContextTime: ac.CurrentTime(), BaseLatency: ac.BaseLatency(), ServerTime: c.server}
}

func fullCaps() scheduling.Capabilities {
	return scheduling.Capabilities{LowLevelProcessing: true, StereoOutput: true, Analysis: true}
}

func TestEngineInitialize(t *testing.T) {
	Convey("Given a platform without low-level processing", t, func() {
		e := scheduling.New(&mockPlatform{caps: scheduling.Capabilities{StereoOutput: true}})
		err := e.Initialize(t.Context())

		Convey("Then initialization fails naming the capability", func() {
			So(errors.Is(err, scheduling.ErrUnsupportedPlatform), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "low-level processing")
		})
	})

	Convey("Given an engine that was never initialized", t, func() {
		e := scheduling.New(&mockPlatform{caps: fullCaps()})
		g, _ := tempo.New(60, 8, time.UnixMilli(0))
		_, err := e.ScheduleStart(g, fixedConverter{server: time.UnixMilli(1000)}, model.FrequencyConfig{F0: 432})

		Convey("Then scheduling is refused", func() {
			So(errors.Is(err, scheduling.ErrNotInitialized), ShouldBeTrue)
		})
	})
}

func TestScheduleStart(t *testing.T) {
	Convey("Given an initialized engine", t, func() {
		p := &mockPlatform{caps: fullCaps(), now: 10, latency: 0.01}
		fake := clock.NewFake(time.UnixMilli(0))
		e := scheduling.New(p, scheduling.WithClock(fake))
		So(e.Initialize(t.Context()), ShouldBeNil)
		g, _ := tempo.New(60, 8, time.UnixMilli(0))
		conv := fixedConverter{server: time.UnixMilli(13_000)}

		Convey("When scheduling a harmonic stack", func() {
			cfg := model.FrequencyConfig{
				F0: 432, Waveform: model.WaveSine, MasterGain: 0.5,
				Harmonics: []model.Harmonic{{Ratio: 1, Weight: 1}, {Ratio: 2, Weight: 0.5}, {Ratio: 3, Weight: 0.25}},
			}
			s, err := e.ScheduleStart(g, conv, cfg)
			So(err, ShouldBeNil)

			Convey("Then it starts at the next bar in audio time", func() {
				So(s.BarIndex, ShouldEqual, 2)
				So(s.StartServer, ShouldEqual, time.UnixMilli(16_000))
				So(s.StartAudio, ShouldAlmostEqual, 10+3-0.01, 1e-9)
			})

			Convey("Then there is one voice per harmonic scaled by master gain", func() {
				So(len(p.voices), ShouldEqual, 3)
				So(p.voices[1].spec.FrequencyHz, ShouldEqual, 864)
				So(p.voices[2].spec.Channel, ShouldEqual, scheduling.ChannelBoth)
				ramp, _ := p.voices[1].last("ramp")
				So(ramp.value, ShouldAlmostEqual, 0.25, 1e-12)
				So(ramp.at, ShouldAlmostEqual, s.StartAudio+0.5, 1e-9)
				gain, _ := p.voices[1].last("gain")
				So(gain.value, ShouldEqual, 0)
				So(gain.at, ShouldEqual, s.StartAudio)
			})

			Convey("Then rescheduling tears the previous graph down first", func() {
				_, err := e.ScheduleStart(g, conv, cfg)
				So(err, ShouldBeNil)
				So(len(p.voices), ShouldEqual, 6)
				So(p.voices[0].disposed, ShouldBeTrue)
				So(p.voices[3].disposed, ShouldBeFalse)
				So(len(e.Voices()), ShouldEqual, 3)
			})
		})

		Convey("When scheduling with zero master gain", func() {
			cfg := model.FrequencyConfig{F0: 200, Harmonics: []model.Harmonic{{Ratio: 1, Weight: 1}, {Ratio: 2, Weight: 0.5}}}
			s, err := e.ScheduleStart(g, conv, cfg)
			So(err, ShouldBeNil)

			Convey("Then the voices fade in to silence", func() {
				So(s.MasterGain, ShouldEqual, 0)
				for _, v := range p.voices {
					ramp, ok := v.last("ramp")
					So(ok, ShouldBeTrue)
					So(ramp.value, ShouldEqual, 0)
				}
			})

			Convey("Then a negative master gain is silence too", func() {
				cfg.MasterGain = -1
				s, err := e.ScheduleStart(g, conv, cfg)
				So(err, ShouldBeNil)
				So(s.MasterGain, ShouldEqual, 0)
			})
		})

		Convey("When scheduling a binaural pair", func() {
			cfg := model.FrequencyConfig{F0: 200, BinauralHz: 6, MasterGain: 2, Harmonics: []model.Harmonic{{Ratio: 1, Weight: 1}}}
			s, err := e.ScheduleStart(g, conv, cfg)
			So(err, ShouldBeNil)

			Convey("Then exactly two voices go to discrete channels", func() {
				So(s.Binaural, ShouldBeTrue)
				So(len(p.voices), ShouldEqual, 2)
				So(p.voices[0].spec.FrequencyHz, ShouldEqual, 200)
				So(p.voices[0].spec.Channel, ShouldEqual, scheduling.ChannelLeft)
				So(p.voices[1].spec.FrequencyHz, ShouldEqual, 206)
				So(p.voices[1].spec.Channel, ShouldEqual, scheduling.ChannelRight)
			})

			Convey("Then master gain is hard capped", func() {
				So(s.MasterGain, ShouldEqual, 0.8)
				ramp, _ := p.voices[0].last("ramp")
				So(ramp.value, ShouldEqual, 0.8)
			})
		})

		Convey("When the platform fails midway", func() {
			p.failAt = 2
			_, err := e.ScheduleStart(g, conv, model.FrequencyConfig{F0: 100, Harmonics: []model.Harmonic{{Ratio: 1, Weight: 1}, {Ratio: 2, Weight: 1}}})

			Convey("Then built voices are disposed and nothing is scheduled", func() {
				So(err, ShouldNotBeNil)
				So(p.voices[0].disposed, ShouldBeTrue)
				_, ok := e.Scheduled()
				So(ok, ShouldBeFalse)
			})
		})

		Convey("Then the analyser spectrum is exposed", func() {
			So(e.Spectrum(), ShouldResemble, []float64{1, 2, 3})
		})
	})
}

func TestDriftCorrection(t *testing.T) {
	Convey("Given a scheduled graph", t, func() {
		p := &mockPlatform{caps: fullCaps(), now: 5}
		fake := clock.NewFake(time.UnixMilli(0))
		e := scheduling.New(p, scheduling.WithClock(fake))
		So(e.Initialize(t.Context()), ShouldBeNil)
		g, _ := tempo.New(60, 8, time.UnixMilli(0))
		_, err := e.ScheduleStart(g, fixedConverter{server: time.UnixMilli(1000)}, model.FrequencyConfig{F0: 432})
		So(err, ShouldBeNil)

		Convey("When drift is below the threshold", func() {
			applied := e.ApplyDriftCorrection(1.9)

			Convey("Then detune is unchanged", func() {
				So(applied, ShouldBeFalse)
				So(e.Detune(), ShouldEqual, 0)
				_, ok := p.voices[0].last("detune")
				So(ok, ShouldBeFalse)
				So(fake.Pending(), ShouldEqual, 0)
			})
		})

		Convey("When the clock runs ahead by more than the threshold", func() {
			applied := e.ApplyDriftCorrection(2.1)

			Convey("Then pitch bends down and reverts after the window", func() {
				So(applied, ShouldBeTrue)
				So(e.Detune(), ShouldEqual, -2)
				d, _ := p.voices[0].last("detune")
				So(d.value, ShouldEqual, -2)

				fake.Advance(299 * time.Millisecond)
				So(e.Detune(), ShouldEqual, -2)
				fake.Advance(time.Millisecond)
				So(e.Detune(), ShouldEqual, 0)
				d, _ = p.voices[0].last("detune")
				So(d.value, ShouldEqual, 0)
			})
		})

		Convey("When the clock lags", func() {
			e.ApplyDriftCorrection(-5)

			Convey("Then pitch bends up", func() {
				So(e.Detune(), ShouldEqual, 2)
			})
		})

		Convey("When corrections overlap", func() {
			e.ApplyDriftCorrection(3)
			fake.Advance(200 * time.Millisecond)
			e.ApplyDriftCorrection(-3)

			Convey("Then the newer correction owns the revert", func() {
				So(fake.Pending(), ShouldEqual, 1)
				fake.Advance(200 * time.Millisecond)
				So(e.Detune(), ShouldEqual, 2)
				fake.Advance(100 * time.Millisecond)
				So(e.Detune(), ShouldEqual, 0)
			})
		})

		Convey("When stopped during a correction", func() {
			e.ApplyDriftCorrection(4)
			e.Stop()
			e.Stop()

			Convey("Then no timer or voice is left behind", func() {
				So(fake.Pending(), ShouldEqual, 0)
				So(p.voices[0].disposed, ShouldBeTrue)
				So(e.ApplyDriftCorrection(10), ShouldBeFalse)
				So(e.Voices(), ShouldBeNil)
			})
		})

		Convey("When destroyed twice", func() {
			So(e.Destroy(), ShouldBeNil)
			So(e.Destroy(), ShouldBeNil)

			Convey("Then the platform is closed once and scheduling is refused", func() {
				So(p.closed, ShouldEqual, 1)
				_, err := e.ScheduleStart(g, fixedConverter{server: time.UnixMilli(1000)}, model.FrequencyConfig{F0: 432})
				So(errors.Is(err, scheduling.ErrNotInitialized), ShouldBeTrue)
			})
		})
	})

	Convey("Given an engine with nothing scheduled", t, func() {
		e := scheduling.New(&mockPlatform{caps: fullCaps()})

		Convey("Then stop and correction are no-ops", func() {
			So(func() { e.Stop(); e.Stop() }, ShouldNotPanic)
			So(e.ApplyDriftCorrection(50), ShouldBeFalse)
		})
	})
}
