package service_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/okian/resonance/internal/adapters/audio/synth"
	"github.com/okian/resonance/internal/adapters/http/api"
	"github.com/okian/resonance/internal/adapters/http/client"
	"github.com/okian/resonance/internal/adapters/mq/relay"
	"github.com/okian/resonance/internal/adapters/repository"
	service "github.com/okian/resonance/internal/app"
	"github.com/okian/resonance/internal/domain/clocksync"
	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/internal/domain/scheduling"
	"github.com/okian/resonance/pkg/clock"
	. "github.com/smartystreets/goconvey/convey"
)

type collectingSink struct {
	mu      sync.Mutex
	reports []model.DiagnosticReport
}

func (c *collectingSink) Write(_ context.Context, r model.DiagnosticReport) error { //nolint:gocritic // hugeParam
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return nil
}

func (c *collectingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it should not be started", func() {
			So(svc, ShouldNotBeNil)
			So(svc.GetStats()["started"], ShouldEqual, false)
			_, err := svc.GetSession(context.Background(), "x")
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			So(svc.Enqueue(context.Background(), model.DiagnosticReport{ClientID: "c", SessionID: "s"}), ShouldBeFalse)
		})
	})
}

func TestService_Sessions(t *testing.T) {
	Convey("Given a started service", t, func() {
		ctx := context.Background()
		fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
		svc := service.New(service.WithWorkerCount(2), service.WithQueueSize(100), service.WithServiceClock(fake))
		So(svc.Start(ctx), ShouldBeNil)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("Now follows the reference clock", func() {
			So(svc.Now().Equal(fake.Now()), ShouldBeTrue)
		})

		Convey("Sessions can be created, joined and left", func() {
			created, err := svc.CreateSession(ctx, model.SyncSession{F0: 110, BPM: 60, BeatsPerBar: 4, Bar0EpochMs: 1})
			So(err, ShouldBeNil)
			So(created.CreatedAtMs, ShouldEqual, fake.Now().UnixMilli())

			_, err = svc.JoinSession(ctx, created.ID, "a")
			So(err, ShouldBeNil)
			members, err := svc.Participants(ctx, created.ID)
			So(err, ShouldBeNil)
			So(members, ShouldResemble, []string{"a"})

			So(svc.LeaveSession(ctx, created.ID, "a"), ShouldBeNil)
			got, err := svc.GetSession(ctx, created.ID)
			So(err, ShouldBeNil)
			So(got.IsActive, ShouldBeFalse)

			So(svc.GetStats()["sessions"], ShouldEqual, 1)
		})

		Convey("Unknown sessions surface ErrNotFound", func() {
			_, err := svc.JoinSession(ctx, "missing", "a")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})

	Convey("Given a service backed by sqlite", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "sessions.db")
		svc := service.New(service.WithDBPath(path))
		So(svc.Start(ctx), ShouldBeNil)

		created, err := svc.CreateSession(ctx, model.SyncSession{F0: 220, BPM: 90, BeatsPerBar: 3})
		So(err, ShouldBeNil)
		svc.Stop()

		Convey("records survive a restart", func() {
			again := service.New(service.WithDBPath(path))
			So(again.Start(ctx), ShouldBeNil)
			defer again.Stop()
			got, err := again.GetSession(ctx, created.ID)
			So(err, ShouldBeNil)
			So(got.BPM, ShouldEqual, 90)
			So(again.GetStats()["storage"], ShouldEqual, "sqlite")
		})
	})
}

func TestService_Diagnostics(t *testing.T) {
	Convey("Given a service draining diagnostics into a sink", t, func() {
		ctx := context.Background()
		sink := &collectingSink{}
		svc := service.New(service.WithWorkerCount(1), service.WithQueueSize(10), service.WithDiagnosticsSink(sink))
		So(svc.Start(ctx), ShouldBeNil)

		Convey("Reports reach the sink once per client, session and bar", func() {
			r := model.DiagnosticReport{ClientID: "c", SessionID: "s", BarIndex: 1}
			So(svc.Enqueue(ctx, r), ShouldBeTrue)
			So(svc.Enqueue(ctx, r), ShouldBeTrue)
			r.BarIndex = 2
			So(svc.Enqueue(ctx, r), ShouldBeTrue)

			svc.Stop()
			So(sink.count(), ShouldEqual, 2)
		})
	})
}

func TestService_EndToEnd(t *testing.T) {
	Convey("Given the API served by a real service", t, func() {
		ctx := context.Background()
		sink := &collectingSink{}
		svc := service.New(service.WithWorkerCount(1), service.WithDiagnosticsSink(sink))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		mux := http.NewServeMux()
		api.NewServer(svc, api.WithAuthToken("tok")).Register(ctx, mux)
		srv := httptest.NewServer(mux)
		defer srv.Close()

		newClient := func(id string) (*service.Coordinator, *relay.Client) {
			httpc, err := client.New(srv.URL, client.WithToken("tok"))
			So(err, ShouldBeNil)
			rc, err := relay.Dial(ctx, srv.URL+"/relay", relay.WithClientToken("tok"))
			So(err, ShouldBeNil)
			mgr := clocksync.New(httpc, clocksync.WithInitialProbes(3), clocksync.WithProbeSpacing(time.Millisecond))
			eng := scheduling.New(synth.New())
			So(eng.Initialize(ctx), ShouldBeNil)
			coord := service.NewCoordinator(mgr, eng, httpc,
				service.WithClientID(id),
				service.WithPubSub(rc),
				service.WithDiagnostics(service.DiagnosticsSinkFunc(func(ctx context.Context, r model.DiagnosticReport) bool {
					return httpc.Write(ctx, r) == nil
				})),
			)
			return coord, rc
		}

		Convey("two clients share one session over HTTP and the relay", func() {
			host, hostRelay := newClient("host")
			defer hostRelay.Close()
			guest, guestRelay := newClient("guest")
			defer guestRelay.Close()

			So(host.InitializeClockSync(ctx), ShouldBeNil)
			So(guest.InitializeClockSync(ctx), ShouldBeNil)

			id, err := host.CreateSession(ctx, service.SessionParams{F0: 110, BPM: 240, BeatsPerBar: 1, Gain: 0.3})
			So(err, ShouldBeNil)
			So(guest.JoinSession(ctx, id), ShouldBeNil)
			So(host.Status().StartAt.Equal(guest.Status().StartAt), ShouldBeTrue)

			members, err := svc.Participants(ctx, id)
			So(err, ShouldBeNil)
			So(members, ShouldResemble, []string{"guest"})

			So(eventually(func() bool { return host.Status().Peers >= 1 && guest.Status().Peers >= 1 }), ShouldBeTrue)
			So(eventually(func() bool { return sink.count() >= 2 }), ShouldBeTrue)

			So(guest.Leave(ctx), ShouldBeNil)
			members, err = svc.Participants(ctx, id)
			So(err, ShouldBeNil)
			So(members, ShouldBeEmpty)
			host.Stop(ctx)
		})
	})
}
