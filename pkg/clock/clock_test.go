package clock_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/resonance/pkg/clock"
	. "github.com/smartystreets/goconvey/convey"
)

func TestFakeClock(t *testing.T) {
	Convey("Given a fake clock", t, func() {
		start := time.UnixMilli(1_000_000)
		fake := clock.NewFake(start)

		Convey("When advancing past a one-shot timer", func() {
			fired := 0
			fake.AfterFunc(100*time.Millisecond, func() { fired++ })
			fake.Advance(99 * time.Millisecond)
			So(fired, ShouldEqual, 0)
			fake.Advance(time.Millisecond)

			Convey("Then it fires exactly once and is no longer pending", func() {
				So(fired, ShouldEqual, 1)
				So(fake.Pending(), ShouldEqual, 0)
				fake.Advance(time.Second)
				So(fired, ShouldEqual, 1)
			})
		})

		Convey("When a repeating timer runs", func() {
			var seen []time.Time
			timer := fake.Every(50*time.Millisecond, func() { seen = append(seen, fake.Now()) })
			fake.Advance(175 * time.Millisecond)

			Convey("Then each tick observes its own deadline", func() {
				So(len(seen), ShouldEqual, 3)
				So(seen[0], ShouldEqual, start.Add(50*time.Millisecond))
				So(seen[2], ShouldEqual, start.Add(150*time.Millisecond))
				So(fake.Now(), ShouldEqual, start.Add(175*time.Millisecond))
			})

			Convey("Then stopping it removes the pending timer", func() {
				So(timer.Stop(), ShouldBeTrue)
				So(timer.Stop(), ShouldBeFalse)
				So(fake.Pending(), ShouldEqual, 0)
			})
		})

		Convey("When a repeating timer stops itself", func() {
			count := 0
			var timer clock.Timer
			timer = fake.Every(10*time.Millisecond, func() {
				count++
				if count == 2 {
					timer.Stop()
				}
			})
			fake.Advance(time.Second)

			Convey("Then no further ticks happen", func() {
				So(count, ShouldEqual, 2)
				So(fake.Pending(), ShouldEqual, 0)
			})
		})

		Convey("When sleeping", func() {
			err := fake.Sleep(context.Background(), 2*time.Second)

			Convey("Then time moves forward", func() {
				So(err, ShouldBeNil)
				So(fake.Now(), ShouldEqual, start.Add(2*time.Second))
			})
		})

		Convey("When skewed", func() {
			skewed := clock.WithSkew(fake, 50*time.Millisecond)

			Convey("Then Now is offset but timers share the base", func() {
				So(skewed.Now(), ShouldEqual, start.Add(50*time.Millisecond))
				fired := false
				skewed.AfterFunc(time.Millisecond, func() { fired = true })
				fake.Advance(time.Millisecond)
				So(fired, ShouldBeTrue)
			})
		})
	})
}

func TestRealClock(t *testing.T) {
	Convey("Given the real clock", t, func() {
		c := clock.Real()

		Convey("When a repeating timer is stopped from its callback", func() {
			var ticks atomic.Int32
			var timer clock.Timer
			done := make(chan struct{})
			timer = c.Every(5*time.Millisecond, func() {
				if ticks.Add(1) == 1 {
					timer.Stop()
					close(done)
				}
			})
			<-done
			time.Sleep(30 * time.Millisecond)

			Convey("Then it does not tick again", func() {
				So(ticks.Load(), ShouldEqual, 1)
			})
		})

		Convey("When sleeping with a cancelled context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			err := c.Sleep(ctx, time.Hour)

			Convey("Then it returns immediately", func() {
				So(err, ShouldEqual, context.Canceled)
			})
		})
	})
}
