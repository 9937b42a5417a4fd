package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/okian/resonance/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

type inbox struct {
	mu   sync.Mutex
	msgs []model.RelayMessage
}

func (b *inbox) handle(m model.RelayMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *inbox) at(i int) model.RelayMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs[i]
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func barMark(sender string, idx int64) model.RelayMessage {
	return model.RelayMessage{
		Type:      model.MessageBarMark,
		SenderID:  sender,
		SessionID: "s1",
		BarMark:   &model.BarMark{BarIndex: idx, BarEpochMs: idx * 8000},
	}
}

func TestHub(t *testing.T) {
	Convey("Given a hub", t, func() {
		ctx := context.Background()
		hub := NewHub(WithBufferSize(4))
		defer hub.Close()

		Convey("Messages reach every subscriber of the channel only", func() {
			var a, b, other inbox
			_, err := hub.Subscribe(ctx, "session:s1", a.handle)
			So(err, ShouldBeNil)
			_, err = hub.Subscribe(ctx, "session:s1", b.handle)
			So(err, ShouldBeNil)
			_, err = hub.Subscribe(ctx, "session:s2", other.handle)
			So(err, ShouldBeNil)

			So(hub.Publish(ctx, "session:s1", barMark("x", 1)), ShouldBeNil)
			So(eventually(func() bool { return a.len() == 1 && b.len() == 1 }), ShouldBeTrue)
			So(other.len(), ShouldEqual, 0)
			So(a.at(0).BarMark.BarIndex, ShouldEqual, 1)
		})

		Convey("Unsubscribe stops delivery and is idempotent", func() {
			var a inbox
			sub, err := hub.Subscribe(ctx, "c", a.handle)
			So(err, ShouldBeNil)
			So(hub.Subscribers("c"), ShouldEqual, 1)
			sub.Unsubscribe()
			sub.Unsubscribe()
			So(hub.Subscribers("c"), ShouldEqual, 0)
			So(hub.Publish(ctx, "c", barMark("x", 1)), ShouldBeNil)
			time.Sleep(20 * time.Millisecond)
			So(a.len(), ShouldEqual, 0)
		})

		Convey("A blocked subscriber never blocks the publisher", func() {
			release := make(chan struct{})
			_, err := hub.Subscribe(ctx, "c", func(model.RelayMessage) { <-release })
			So(err, ShouldBeNil)

			done := make(chan struct{})
			go func() {
				for i := 0; i < 50; i++ {
					_ = hub.Publish(ctx, "c", barMark("x", int64(i)))
				}
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Error("publisher blocked on a slow subscriber")
			}
			close(release)
		})

		Convey("Blank channels and closed hubs are rejected", func() {
			_, err := hub.Subscribe(ctx, " ", func(model.RelayMessage) {})
			So(err, ShouldEqual, ErrInvalidChannel)
			So(hub.Publish(ctx, "", barMark("x", 1)), ShouldEqual, ErrInvalidChannel)

			So(hub.Close(), ShouldBeNil)
			So(hub.Publish(ctx, "c", barMark("x", 1)), ShouldEqual, ErrClosed)
			_, err = hub.Subscribe(ctx, "c", func(model.RelayMessage) {})
			So(err, ShouldEqual, ErrClosed)
		})
	})
}

func TestWebsocketRelay(t *testing.T) {
	Convey("Given a relay server behind a bearer token", t, func() {
		ctx := context.Background()
		hub := NewHub()
		srv := httptest.NewServer(NewHandler(hub, WithAuthToken("secret")))
		defer srv.Close()
		defer hub.Close()

		Convey("Clients without the token are refused", func() {
			_, err := Dial(ctx, srv.URL)
			So(err, ShouldNotBeNil)

			resp, err := http.Get(srv.URL)
			So(err, ShouldBeNil)
			_ = resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("Two clients exchange bar marks", func() {
			alice, err := Dial(ctx, srv.URL, WithClientToken("secret"))
			So(err, ShouldBeNil)
			defer alice.Close()
			bob, err := Dial(ctx, srv.URL, WithClientToken("secret"))
			So(err, ShouldBeNil)
			defer bob.Close()

			var got inbox
			sub, err := bob.Subscribe(ctx, model.SessionChannel("s1"), got.handle)
			So(err, ShouldBeNil)
			So(eventually(func() bool { return hub.Subscribers(model.SessionChannel("s1")) == 1 }), ShouldBeTrue)

			So(alice.Publish(ctx, model.SessionChannel("s1"), barMark("alice", 7)), ShouldBeNil)
			So(eventually(func() bool { return got.len() == 1 }), ShouldBeTrue)
			So(got.at(0).SenderID, ShouldEqual, "alice")
			So(got.at(0).BarMark.BarEpochMs, ShouldEqual, 56000)

			Convey("and unsubscribing removes the server side subscription", func() {
				sub.Unsubscribe()
				So(eventually(func() bool { return hub.Subscribers(model.SessionChannel("s1")) == 0 }), ShouldBeTrue)
			})
		})

		Convey("Closing a client releases its subscriptions", func() {
			c, err := Dial(ctx, srv.URL, WithClientToken("secret"))
			So(err, ShouldBeNil)
			_, err = c.Subscribe(ctx, "c", func(model.RelayMessage) {})
			So(err, ShouldBeNil)
			So(eventually(func() bool { return hub.Subscribers("c") == 1 }), ShouldBeTrue)

			So(c.Close(), ShouldBeNil)
			So(c.Close(), ShouldBeNil)
			So(eventually(func() bool { return hub.Subscribers("c") == 0 }), ShouldBeTrue)
			So(c.Publish(ctx, "c", barMark("x", 1)), ShouldEqual, ErrClosed)
		})
	})
}

func TestWebsocketURL(t *testing.T) {
	Convey("websocketURL maps http schemes", t, func() {
		ws, origin, err := websocketURL("https://relay.example/relay?x=1")
		So(err, ShouldBeNil)
		So(ws, ShouldEqual, "wss://relay.example/relay?x=1")
		So(origin, ShouldEqual, "https://relay.example")

		_, _, err = websocketURL("ftp://nope")
		So(err, ShouldNotBeNil)
	})
}
