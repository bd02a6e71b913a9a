package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kokoavailable/hlsplay/bandwidth"
	"github.com/kokoavailable/hlsplay/utils/pool"

	log "github.com/sirupsen/logrus"
)

const (
	readChunkSize = 32 * 1024

	// drainRounds bounds the completion drain so one slow consumer
	// cannot spin the goroutine forever.
	drainRounds = 200
	drainYield  = 10 * time.Millisecond
)

// StreamFetcher opens one long-lived ranged GET and pushes arriving
// bytes into a shared buffer. Registered callbacks consume their ranges
// from the front of the buffer under the fetcher lock.
type StreamFetcher struct {
	url    *url.URL
	start  int64
	client *http.Client
	meter  *bandwidth.Meter
	pool   *pool.Pool

	lock      sync.Mutex
	buf       []byte
	front     int64
	callbacks []Callback
	finished  bool

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	onError func(error)
}

func NewStreamFetcher(client *http.Client, u *url.URL, start int64, meter *bandwidth.Meter) *StreamFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if meter == nil {
		meter = bandwidth.Shared
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamFetcher{
		url:    u,
		start:  start,
		client: client,
		meter:  meter,
		pool:   pool.NewPool(),
		front:  start,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *StreamFetcher) SetOnError(fn func(error)) {
	s.onError = fn
}

func (s *StreamFetcher) Register(cb Callback) {
	s.lock.Lock()
	s.callbacks = append(s.callbacks, cb)
	if len(s.buf) > 0 || s.finished {
		s.invoke(cb)
	}
	s.lock.Unlock()
}

func (s *StreamFetcher) Start() {
	s.lock.Lock()
	if s.started {
		s.lock.Unlock()
		return
	}
	s.started = true
	s.lock.Unlock()
	go s.run()
}

func (s *StreamFetcher) Cancel() {
	s.cancel()
}

func (s *StreamFetcher) run() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("stream fetcher panic: ", r)
		}
	}()
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url.String(), nil)
	if err != nil {
		s.fail(err)
		return
	}
	if s.start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", s.start))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.fail(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		s.fail(errors.New(resp.Status))
		return
	}
	for {
		chunk := s.pool.Get(readChunkSize)
		began := time.Now()
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			s.meter.Add(time.Since(began).Seconds(), int64(n))
			s.push(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if s.ctx.Err() != nil {
				s.fail(ErrCancelled)
			} else {
				s.fail(err)
			}
			return
		}
	}
	s.finish()
}

func (s *StreamFetcher) push(chunk []byte) {
	s.lock.Lock()
	s.buf = append(s.buf, chunk...)
	s.notify()
	s.lock.Unlock()
}

// finish drains any buffered tail before signaling completion. The drain
// is bounded and yields between rounds so a stalled consumer cannot pin
// the lock.
func (s *StreamFetcher) finish() {
	for i := 0; i < drainRounds; i++ {
		s.lock.Lock()
		if len(s.buf) == 0 {
			s.lock.Unlock()
			break
		}
		s.notify()
		s.lock.Unlock()
		time.Sleep(drainYield)
	}
	s.lock.Lock()
	s.finished = true
	s.notify()
	s.lock.Unlock()
}

func (s *StreamFetcher) fail(err error) {
	log.Debug("stream fetch error: ", s.url, " ", err)
	if s.onError != nil {
		s.onError(err)
	}
}

// notify runs every callback while the lock is held.
func (s *StreamFetcher) notify() {
	for _, cb := range s.callbacks {
		s.invoke(cb)
	}
}

func (s *StreamFetcher) invoke(cb Callback) {
	cb(s.consume, s.front)
}

// consume implements the pull side. The caller owns the returned slice.
func (s *StreamFetcher) consume(n int) []byte {
	if n < 0 {
		n = len(s.buf)
	}
	if n == 0 || n > len(s.buf) {
		return nil
	}
	out := make([]byte, n)
	copy(out, s.buf)
	s.buf = s.buf[n:]
	s.front += int64(n)
	return out
}
