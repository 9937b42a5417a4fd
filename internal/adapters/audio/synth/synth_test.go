package synth

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/internal/domain/scheduling"
	"github.com/okian/resonance/pkg/clock"
	. "github.com/smartystreets/goconvey/convey"
)

func TestParamAutomation(t *testing.T) {
	Convey("Given a gain with a step and a ramp", t, func() {
		p := newParam(1)
		p.set(0, 1.0)
		p.rampTo(0.8, 1.5)

		Convey("Then values follow the envelope", func() {
			So(p.valueAt(0.5), ShouldEqual, 1)
			So(p.valueAt(1.0), ShouldEqual, 0)
			So(p.valueAt(1.25), ShouldAlmostEqual, 0.4, 1e-12)
			So(p.valueAt(2.0), ShouldEqual, 0.8)
		})

		Convey("Then advancing past events keeps the same values", func() {
			p.advance(1.1)
			So(len(p.events), ShouldEqual, 1)
			So(p.valueAt(1.25), ShouldAlmostEqual, 0.4, 1e-12)
			p.advance(3)
			So(p.events, ShouldBeEmpty)
			So(p.valueAt(3), ShouldEqual, 0.8)
		})
	})
}

func TestPlatformRendering(t *testing.T) {
	Convey("Given a platform at 48kHz", t, func() {
		p := New(WithSampleRate(48000), WithBaseLatency(0))
		So(p.CurrentTime(), ShouldEqual, 0)

		Convey("When a 1kHz sine is scheduled at 100ms", func() {
			v, err := p.NewVoice(scheduling.VoiceSpec{Waveform: model.WaveSine, FrequencyHz: 1000, Channel: scheduling.ChannelBoth})
			So(err, ShouldBeNil)
			v.SetGain(0, 0.1)
			v.Start(0.1)
			v.RampGain(0.5, 0.11)
			out := p.Render(48000)

			Convey("Then it is silent before the start frame", func() {
				for i := 0; i < 4800; i++ {
					So(out[2*i], ShouldEqual, 0)
				}
				So(p.CurrentTime(), ShouldEqual, 1)
				So(p.Frames(), ShouldEqual, 48000)
			})

			Convey("Then the analyser finds the tone", func() {
				So(math.Abs(p.PeakFrequency()-1000), ShouldBeLessThan, 48000.0/2048)
				So(len(p.Analyser().Spectrum()), ShouldEqual, 1024)
			})

			Convey("Then the output never exceeds the target gain", func() {
				peak := 0.0
				for _, s := range out {
					peak = math.Max(peak, math.Abs(s))
				}
				So(peak, ShouldBeLessThanOrEqualTo, 0.5+1e-9)
				So(peak, ShouldBeGreaterThan, 0.49)
			})

			Convey("Then stopping and disposing silences it", func() {
				v.Stop(p.CurrentTime())
				v.Dispose()
				So(p.ActiveVoices(), ShouldEqual, 0)
				rest := p.Render(100)
				for _, s := range rest {
					So(s, ShouldEqual, 0)
				}
			})
		})

		Convey("When a binaural pair is routed", func() {
			l, _ := p.NewVoice(scheduling.VoiceSpec{FrequencyHz: 200, Channel: scheduling.ChannelLeft})
			l.Start(0)
			out := p.Render(1000)

			Convey("Then the right channel stays silent", func() {
				energyL, energyR := 0.0, 0.0
				for i := 0; i < 1000; i++ {
					energyL += out[2*i] * out[2*i]
					energyR += out[2*i+1] * out[2*i+1]
				}
				So(energyL, ShouldBeGreaterThan, 0)
				So(energyR, ShouldEqual, 0)
			})
		})

		Convey("When closed", func() {
			So(p.Close(), ShouldBeNil)
			So(p.Close(), ShouldBeNil)
			_, err := p.NewVoice(scheduling.VoiceSpec{FrequencyHz: 100})

			Convey("Then new voices are refused", func() {
				So(err, ShouldEqual, ErrClosed)
			})
		})
	})

	Convey("Given a platform without analysis", t, func() {
		p := New(WithCapabilities(scheduling.Capabilities{LowLevelProcessing: true, StereoOutput: true}))
		So(p.Analyser(), ShouldBeNil)
	})
}

type countingSink struct{ frames int }

func (c *countingSink) Write(f []float64) error { c.frames += len(f) / 2; return nil }

func TestPump(t *testing.T) {
	Convey("Given a pump on a fake clock", t, func() {
		fake := clock.NewFake(time.UnixMilli(0))
		p := New(WithSampleRate(8000))
		sink := &countingSink{}
		pump := p.StartPump(fake, 10*time.Millisecond, sink)

		Convey("When wall time advances", func() {
			fake.Advance(250 * time.Millisecond)

			Convey("Then the audio clock follows it", func() {
				So(p.Frames(), ShouldEqual, 2000)
				So(sink.frames, ShouldEqual, 2000)
				So(p.CurrentTime(), ShouldEqual, 0.25)
			})
		})

		Convey("When stopped", func() {
			pump.Stop()
			pump.Stop()
			fake.Advance(time.Second)

			Convey("Then nothing renders", func() {
				So(p.Frames(), ShouldEqual, 0)
				So(fake.Pending(), ShouldEqual, 0)
			})
		})
	})
}

func TestRecorder(t *testing.T) {
	Convey("Given a WAV recorder", t, func() {
		path := filepath.Join(t.TempDir(), "out.wav")
		f, err := os.Create(path)
		So(err, ShouldBeNil)
		rec := NewRecorder(f, 8000)

		p := New(WithSampleRate(8000))
		v, _ := p.NewVoice(scheduling.VoiceSpec{FrequencyHz: 440})
		v.Start(0)
		So(rec.Write(p.Render(800)), ShouldBeNil)
		So(rec.Write([]float64{2, -2}), ShouldBeNil)
		So(rec.Close(), ShouldBeNil)
		So(rec.Close(), ShouldBeNil)
		So(f.Close(), ShouldBeNil)

		Convey("Then the file decodes as 16-bit stereo", func() {
			So(rec.Frames(), ShouldEqual, 801)
			in, err := os.Open(path)
			So(err, ShouldBeNil)
			defer in.Close()
			dec := wav.NewDecoder(in)
			So(dec.IsValidFile(), ShouldBeTrue)
			So(dec.NumChans, ShouldEqual, 2)
			So(dec.SampleRate, ShouldEqual, 8000)
			So(dec.BitDepth, ShouldEqual, 16)
		})

		Convey("Then writing after close fails", func() {
			So(rec.Write([]float64{0, 0}), ShouldNotBeNil)
		})
	})
}
