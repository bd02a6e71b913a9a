package player

import (
	"sync"
	"time"

	"github.com/kokoavailable/hlsplay/av"
)

// fakeSink is a test rendering target. In auto mode it keeps invoking
// the registered pull closure from its own goroutine, the way a real
// renderer schedules pulls.
type fakeSink struct {
	clock    *av.Timebase
	auto     bool
	capacity int

	lock    sync.Mutex
	frames  []*av.SampleBuffer
	stopped bool
	flushed bool
	volume  float64
	pull    func()
}

func newFakeSink(clock *av.Timebase, capacity int, auto bool) *fakeSink {
	if clock == nil {
		clock = av.NewTimebase()
	}
	return &fakeSink{clock: clock, capacity: capacity, auto: auto}
}

func (s *fakeSink) ReadyForMore() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return !s.stopped && len(s.frames) < s.capacity
}

func (s *fakeSink) Enqueue(buf *av.SampleBuffer) error {
	s.lock.Lock()
	s.frames = append(s.frames, buf)
	s.lock.Unlock()
	return nil
}

func (s *fakeSink) Flush() {
	s.lock.Lock()
	s.flushed = true
	s.lock.Unlock()
}

func (s *fakeSink) StopRequesting() {
	s.lock.Lock()
	s.stopped = true
	s.lock.Unlock()
}

func (s *fakeSink) Timebase() *av.Timebase {
	return s.clock
}

func (s *fakeSink) RequestMediaData(fn func()) {
	s.lock.Lock()
	s.stopped = false
	s.pull = fn
	s.lock.Unlock()
	if s.auto {
		go func() {
			for {
				s.lock.Lock()
				stopped := s.stopped
				s.lock.Unlock()
				if stopped {
					return
				}
				fn()
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}
}

func (s *fakeSink) SetVolume(v float64) {
	s.lock.Lock()
	s.volume = v
	s.lock.Unlock()
}

func (s *fakeSink) frameCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.frames)
}

func (s *fakeSink) framePTS() []float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]float64, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.PTS.Seconds()
	}
	return out
}
