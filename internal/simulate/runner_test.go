package simulate_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/resonance/internal/adapters/http/api"
	service "github.com/okian/resonance/internal/app"
	"github.com/okian/resonance/internal/simulate"
	. "github.com/smartystreets/goconvey/convey"
)

func TestSkews(t *testing.T) {
	Convey("Skews spread evenly and symmetrically", t, func() {
		So(simulate.Skews(0, time.Second), ShouldBeNil)
		So(simulate.Skews(1, time.Second), ShouldResemble, []time.Duration{0})
		So(simulate.Skews(3, 100*time.Millisecond), ShouldResemble,
			[]time.Duration{-100 * time.Millisecond, 0, 100 * time.Millisecond})
		So(simulate.Skews(5, 200*time.Millisecond), ShouldResemble, []time.Duration{
			-200 * time.Millisecond, -100 * time.Millisecond, 0, 100 * time.Millisecond, 200 * time.Millisecond,
		})
	})
}

func TestVerify(t *testing.T) {
	Convey("Given a report", t, func() {
		at := time.UnixMilli(1_700_000_000_000)
		report := &simulate.Report{
			Clients: []simulate.ClientResult{
				{ID: "a", State: service.StatePlaying, StartAt: at},
				{ID: "b", State: service.StatePlaying, StartAt: at},
			},
			StartSpread: 3 * time.Millisecond,
		}

		Convey("It passes within tolerance", func() {
			So(simulate.Verify(report, 5*time.Millisecond), ShouldBeNil)
		})

		Convey("It fails on a wide spread", func() {
			err := simulate.Verify(report, time.Millisecond)
			So(errors.Is(err, simulate.ErrNotAligned), ShouldBeTrue)
		})

		Convey("It fails when a client is not playing", func() {
			report.Clients[1].State = service.StateReady
			So(simulate.Verify(report, 5*time.Millisecond), ShouldNotBeNil)
		})

		Convey("It rejects an empty report", func() {
			So(errors.Is(simulate.Verify(&simulate.Report{}, time.Second), simulate.ErrInvalidConfig), ShouldBeTrue)
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given a reference server", t, func() {
		ctx := context.Background()
		svc := service.New(service.WithWorkerCount(1))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		mux := http.NewServeMux()
		api.NewServer(svc, api.WithAuthToken("tok")).Register(ctx, mux)
		srv := httptest.NewServer(mux)
		defer srv.Close()

		Convey("Misconfigured runs are refused", func() {
			_, err := simulate.Run(ctx, simulate.Config{BaseURL: srv.URL})
			So(errors.Is(err, simulate.ErrInvalidConfig), ShouldBeTrue)
			_, err = simulate.Run(ctx, simulate.Config{Clients: 2})
			So(errors.Is(err, simulate.ErrInvalidConfig), ShouldBeTrue)
		})

		Convey("Skewed clients start together", func() {
			report, err := simulate.Run(ctx, simulate.Config{
				BaseURL:   srv.URL,
				Token:     "tok",
				Clients:   3,
				MaxSkew:   80 * time.Millisecond,
				Duration:  700 * time.Millisecond,
				Tolerance: 20 * time.Millisecond,
				Session:   service.SessionParams{F0: 110, BPM: 240, BeatsPerBar: 1, Gain: 0.3},
				Base: service.ClientConfig{
					InitialProbes:     5,
					ProbeSpacing:      2 * time.Millisecond,
					DriftThresholdMs:  2,
					HeartbeatInterval: 50 * time.Millisecond,
				},
			})
			So(err, ShouldBeNil)
			So(report.SessionID, ShouldNotBeEmpty)
			So(report.Clients, ShouldHaveLength, 3)
			So(report.Aligned, ShouldBeTrue)
			So(simulate.Verify(report, 20*time.Millisecond), ShouldBeNil)

			for _, c := range report.Clients {
				So(c.Offset, ShouldAlmostEqual, -c.Skew, 20*time.Millisecond)
				So(c.Peers, ShouldBeGreaterThanOrEqualTo, 1)
			}

			members, err := svc.Participants(ctx, report.SessionID)
			So(err, ShouldBeNil)
			So(members, ShouldHaveLength, 2)
		})
	})
}
