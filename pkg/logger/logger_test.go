package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoggerInit(t *testing.T) {
	Convey("Given an initialized global logger", t, func() {
		So(Init(), ShouldBeNil)
		defer func() { _ = Sync() }()

		Convey("Then Get and Named return usable loggers", func() {
			So(Get(), ShouldNotBeNil)
			named := Named("test")
			So(named, ShouldNotBeNil)
			So(func() { named.Info(context.Background(), "hello", String("k", "v")) }, ShouldNotPanic)
		})
	})
}

func TestLoggerOutput(t *testing.T) {
	Convey("Given a logger writing to a buffer", t, func() {
		SetLevel(slog.LevelInfo)
		var buf bytes.Buffer
		log := New(&buf).Named("sync")

		Convey("When logging with typed fields", func() {
			log.Info(context.Background(), "calibrated",
				Duration("rtt", 40*time.Millisecond),
				Bool("ok", true),
				Int64("samples", 9),
				Error(errors.New("boom")),
			)
			out := buf.String()

			Convey("Then every field and the component are written", func() {
				So(out, ShouldContainSubstring, "msg=calibrated")
				So(out, ShouldContainSubstring, "component=sync")
				So(out, ShouldContainSubstring, "rtt=40ms")
				So(out, ShouldContainSubstring, "ok=true")
				So(out, ShouldContainSubstring, "samples=9")
				So(out, ShouldContainSubstring, "error=boom")
				So(out, ShouldContainSubstring, "source=")
			})
		})

		Convey("When the level is above debug", func() {
			log.Debug(context.Background(), "hidden")

			Convey("Then debug lines are dropped", func() {
				So(buf.Len(), ShouldEqual, 0)
			})
		})
	})
}

func TestSetLevelString(t *testing.T) {
	Convey("Given level strings", t, func() {
		defer SetLevel(slog.LevelInfo)
		So(SetLevelString("DEBUG"), ShouldBeNil)
		So(levelVar.Level(), ShouldEqual, slog.LevelDebug)
		So(SetLevelString("warning"), ShouldBeNil)
		So(levelVar.Level(), ShouldEqual, slog.LevelWarn)
		So(SetLevelString("verbose"), ShouldNotBeNil)
	})
}

func TestNop(t *testing.T) {
	Convey("Given the nop logger", t, func() {
		So(func() { Nop().Named("x").Error(context.Background(), "ignored") }, ShouldNotPanic)
	})
}
