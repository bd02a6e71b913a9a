package main

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/kokoavailable/hlsplay/av"
	"github.com/kokoavailable/hlsplay/configure"
	"github.com/kokoavailable/hlsplay/player"
	"github.com/spf13/pflag"

	log "github.com/sirupsen/logrus"
)

var VERSION = "master"

// consoleSink is a headless rendering target: it invokes the pull
// closure on a fixed 20 ms tick and logs the frames it would display.
type consoleSink struct {
	name  string
	clock *av.Timebase

	lock    sync.Mutex
	pending int
	stopped bool
	pull    func()
}

func newConsoleSink(name string, clock *av.Timebase) *consoleSink {
	return &consoleSink{name: name, clock: clock}
}

func (s *consoleSink) ReadyForMore() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return !s.stopped && s.pending < 16
}

func (s *consoleSink) Enqueue(buf *av.SampleBuffer) error {
	s.lock.Lock()
	s.pending++
	s.lock.Unlock()
	log.Debugf("%s frame pts=%.3fs bytes=%d", s.name, buf.PTS.Seconds(), len(buf.Data))
	return nil
}

func (s *consoleSink) Flush() {
	s.lock.Lock()
	s.pending = 0
	s.lock.Unlock()
}

func (s *consoleSink) StopRequesting() {
	s.lock.Lock()
	s.stopped = true
	s.lock.Unlock()
}

func (s *consoleSink) Timebase() *av.Timebase {
	return s.clock
}

func (s *consoleSink) RequestMediaData(fn func()) {
	s.lock.Lock()
	s.stopped = false
	s.pull = fn
	s.lock.Unlock()
	go s.loop()
}

func (s *consoleSink) loop() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("sink pull panic: ", r)
		}
	}()
	for {
		s.lock.Lock()
		stopped, pull := s.stopped, s.pull
		// Pretend one frame leaves the sink on each tick.
		if s.pending > 0 {
			s.pending--
		}
		s.lock.Unlock()
		if stopped || pull == nil {
			return
		}
		pull()
		time.Sleep(20 * time.Millisecond)
	}
}

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return fmt.Sprintf("%s()", f.Function), fmt.Sprintf(" %s:%d", filename, f.Line)
		},
	})
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("hlsplay panic: ", r)
			time.Sleep(1 * time.Second)
		}
	}()

	configure.Init()

	log.Infof(`
    _     _            _
   | |__ | |___ _ __ | | __ _ _   _
   | '_ \| / __| '_ \| |/ _' | | | |
   | | | | \__ \ |_) | | (_| | |_| |
   |_| |_|_|___/ .__/|_|\__,_|\__, |
               |_|            |___/
        version: %s
	`, VERSION)

	args := pflag.Args()
	if len(args) != 1 {
		log.Fatal("usage: hlsplay [flags] <master-playlist-url>")
	}

	clock := av.NewTimebase()
	videoSink := newConsoleSink("video", clock)
	audioSink := newConsoleSink("audio", clock)

	done := make(chan struct{})
	pl := player.New(videoSink, audioSink, player.Config{
		Output: player.Output{
			OnStatus: func(s player.Status) {
				switch s {
				case player.StatusPlaying:
					log.Info("status: playing")
				case player.StatusBuffering:
					log.Info("status: buffering")
				case player.StatusFinished:
					log.Info("status: finished")
					close(done)
				}
			},
			OnError: func(err error) {
				log.Error("playback error: ", err)
			},
		},
	})

	if err := pl.Play(args[0]); err != nil {
		log.Fatal(err)
	}
	log.Info("renditions: ", pl.Resolutions(), " current: ", pl.CurrentResolution())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-quit:
	}
	pl.Stop()
	pl.Purge()
}
