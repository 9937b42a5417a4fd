package service_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/resonance/internal/adapters/http/api"
	service "github.com/okian/resonance/internal/app"
	"github.com/okian/resonance/internal/config"
	"github.com/okian/resonance/pkg/clock"
	. "github.com/smartystreets/goconvey/convey"
)

type frameCounter struct {
	frames int
}

func (f *frameCounter) Write(frames []float64) error {
	f.frames += len(frames) / 2
	return nil
}

func TestDial(t *testing.T) {
	Convey("Given a reference server", t, func() {
		ctx := context.Background()
		sink := &collectingSink{}
		svc := service.New(service.WithWorkerCount(1), service.WithDiagnosticsSink(sink))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		mux := http.NewServeMux()
		api.NewServer(svc).Register(ctx, mux)
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := service.ClientConfigFrom(config.New(ctx))
		cfg.ServerURL = srv.URL
		cfg.ClientID = "solo"
		cfg.InitialProbes = 3
		cfg.ProbeSpacing = time.Millisecond

		Convey("A client dials, plays and closes", func() {
			c, err := service.Dial(ctx, cfg)
			So(err, ShouldBeNil)
			So(c.Relay, ShouldNotBeNil)
			So(c.Status().State, ShouldEqual, service.StateIdle)

			So(c.InitializeClockSync(ctx), ShouldBeNil)
			id, err := c.CreateSession(ctx, service.SessionParams{F0: 220, BPM: 240, BeatsPerBar: 1, Gain: 0.3})
			So(err, ShouldBeNil)
			So(c.Status().SessionID, ShouldEqual, id)

			So(eventually(func() bool { return c.Status().HasDrift }), ShouldBeTrue)
			So(eventually(func() bool { return sink.count() >= 1 }), ShouldBeTrue)

			So(c.Close(ctx), ShouldBeNil)
			So(c.Status().State, ShouldEqual, service.StateIdle)
		})

		Convey("The audio clock runs from Dial on, before any session", func() {
			fake := clock.NewFake(time.Unix(1_700_000_000, 0))
			cfg.Clock = fake
			cfg.NoRelay = true
			cfg.PumpBlock = 10 * time.Millisecond
			sink := &frameCounter{}
			cfg.Sink = sink
			c, err := service.Dial(ctx, cfg)
			So(err, ShouldBeNil)

			So(c.Platform.CurrentTime(), ShouldEqual, 0)
			fake.Advance(100 * time.Millisecond)
			So(c.Platform.CurrentTime(), ShouldAlmostEqual, 0.1, 0.001)
			So(sink.frames, ShouldBeGreaterThan, 0)
			So(c.Status().State, ShouldEqual, service.StateIdle)

			Convey("And replacing the pump keeps the clock where it was", func() {
				c.StartPump(20*time.Millisecond, nil)
				fake.Advance(100 * time.Millisecond)
				So(c.Platform.CurrentTime(), ShouldAlmostEqual, 0.2, 0.001)
			})

			So(c.Close(ctx), ShouldBeNil)
		})

		Convey("NoRelay skips the relay", func() {
			cfg.NoRelay = true
			c, err := service.Dial(ctx, cfg)
			So(err, ShouldBeNil)
			So(c.Relay, ShouldBeNil)
			So(c.Close(ctx), ShouldBeNil)
		})

		Convey("A server without a relay still serves the client", func() {
			bare := http.NewServeMux()
			bare.Handle("/time", mux)
			bareSrv := httptest.NewServer(bare)
			defer bareSrv.Close()

			cfg.ServerURL = bareSrv.URL
			c, err := service.Dial(ctx, cfg)
			So(err, ShouldBeNil)
			So(c.Relay, ShouldBeNil)
			So(c.InitializeClockSync(ctx), ShouldBeNil)
			So(c.Close(ctx), ShouldBeNil)
		})

		Convey("An invalid server URL is refused", func() {
			cfg.ServerURL = "://nope"
			_, err := service.Dial(ctx, cfg)
			So(err, ShouldNotBeNil)
		})
	})
}
