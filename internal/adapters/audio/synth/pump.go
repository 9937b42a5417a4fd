package synth

import (
	"context"
	"sync"
	"time"

	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
)

// Sink receives rendered interleaved stereo frames.
type Sink interface {
	Write(frames []float64) error
}

// Pump renders in step with a wall clock so that the audio clock tracks it.
type Pump struct {
	p     *Platform
	clk   clock.Clock
	sink  Sink
	began time.Time
	base  int64

	mu    sync.Mutex
	timer clock.Timer
}

// StartPump renders every block until Stop. sink may be nil.
func (p *Platform) StartPump(clk clock.Clock, block time.Duration, sink Sink) *Pump {
	pump := &Pump{p: p, clk: clk, sink: sink, began: clk.Now(), base: p.Frames()}
	pump.mu.Lock()
	pump.timer = clk.Every(block, pump.tick)
	pump.mu.Unlock()
	return pump
}

func (pp *Pump) tick() {
	elapsed := pp.clk.Now().Sub(pp.began)
	target := pp.base + int64(elapsed.Seconds()*pp.p.sampleRate)
	n := target - pp.p.Frames()
	if n <= 0 {
		return
	}
	frames := pp.p.Render(int(n))
	if pp.sink == nil {
		return
	}
	if err := pp.sink.Write(frames); err != nil {
		pp.p.log.Warn(context.Background(), "audio sink write failed", logger.Error(err))
	}
}

// Stop halts rendering. Safe to call more than once.
func (pp *Pump) Stop() {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.timer != nil {
		pp.timer.Stop()
		pp.timer = nil
	}
}
