package av

import (
	"sync"
	"time"
)

// Timebase is the shared presentation clock binding the video and audio
// sinks. Media time advances from an anchor point at the configured rate
// while the clock runs.
type Timebase struct {
	lock    sync.Mutex
	rate    float64
	base    float64
	anchor  time.Time
	running bool
}

func NewTimebase() *Timebase {
	return &Timebase{rate: 1.0}
}

// Now returns the current media time in seconds.
func (tb *Timebase) Now() float64 {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	return tb.now()
}

func (tb *Timebase) now() float64 {
	if !tb.running {
		return tb.base
	}
	return tb.base + time.Since(tb.anchor).Seconds()*tb.rate
}

// SetTime rebases the clock to the given media time, keeping its
// running state.
func (tb *Timebase) SetTime(seconds float64) {
	tb.lock.Lock()
	tb.base = seconds
	tb.anchor = time.Now()
	tb.lock.Unlock()
}

func (tb *Timebase) Start() {
	tb.lock.Lock()
	if !tb.running {
		tb.anchor = time.Now()
		tb.running = true
	}
	tb.lock.Unlock()
}

func (tb *Timebase) Pause() {
	tb.lock.Lock()
	if tb.running {
		tb.base = tb.now()
		tb.running = false
	}
	tb.lock.Unlock()
}

func (tb *Timebase) Running() bool {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	return tb.running
}

func (tb *Timebase) Rate() float64 {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	return tb.rate
}

// SetRate changes the playback rate without jumping the current time.
func (tb *Timebase) SetRate(rate float64) {
	tb.lock.Lock()
	tb.base = tb.now()
	tb.anchor = time.Now()
	tb.rate = rate
	tb.lock.Unlock()
}
