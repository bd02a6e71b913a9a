package fetch

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kokoavailable/hlsplay/bandwidth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

// rangedHandler serves body honoring open and closed byte ranges.
func rangedHandler(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(body)
			return
		}
		spec := strings.TrimPrefix(rng, "bytes=")
		fromStr, toStr, _ := strings.Cut(spec, "-")
		from, _ := strconv.Atoi(fromStr)
		to := len(body) - 1
		if toStr != "" {
			to, _ = strconv.Atoi(toStr)
		}
		if from >= len(body) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if to >= len(body) {
			to = len(body) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[from : to+1])
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestStreamFetcherDeliversEverything(t *testing.T) {
	body := payload(100 * 1024)
	srv := httptest.NewServer(rangedHandler(body))
	defer srv.Close()

	f := NewStreamFetcher(srv.Client(), mustURL(t, srv.URL+"/seg.mp4"), 0, bandwidth.New())
	var got bytes.Buffer
	done := make(chan struct{})
	var once sync.Once
	f.Register(func(consume Consumer, offset int64) {
		for {
			b := consume(-1)
			if b == nil {
				break
			}
			got.Write(b)
		}
		if got.Len() == len(body) {
			once.Do(func() { close(done) })
		}
	})
	f.Start()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream fetch did not complete")
	}
	assert.Equal(t, body, got.Bytes())
}

func TestStreamFetcherSendsOpenRange(t *testing.T) {
	var gotRange atomic.Value
	body := payload(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))
		rangedHandler(body)(w, r)
	}))
	defer srv.Close()

	f := NewStreamFetcher(srv.Client(), mustURL(t, srv.URL+"/seg.mp4"), 1024, bandwidth.New())
	done := make(chan []byte, 1)
	f.Register(func(consume Consumer, offset int64) {
		if offset == 1024 {
			if b := consume(3072); b != nil {
				done <- b
			}
		}
	})
	f.Start()

	select {
	case b := <-done:
		assert.Equal(t, body[1024:], b)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
	assert.Equal(t, "bytes=1024-", gotRange.Load())
}

func TestStreamFetcherConsumerExactness(t *testing.T) {
	f := NewStreamFetcher(nil, mustURL(t, "http://unused.invalid/x"), 0, bandwidth.New())
	f.buf = []byte("abcdef")

	// Asking for more than is buffered yields nil.
	assert.Nil(t, f.consume(10))
	// Exact prefix consumption advances the front offset.
	assert.Equal(t, []byte("abc"), f.consume(3))
	assert.Equal(t, int64(3), f.front)
	// -1 drains the rest.
	assert.Equal(t, []byte("def"), f.consume(-1))
	assert.Nil(t, f.consume(-1))
}

func TestFileFetcherClosedRange(t *testing.T) {
	var gotRange atomic.Value
	body := payload(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))
		rangedHandler(body)(w, r)
	}))
	defer srv.Close()

	sem := make(chan struct{}, 1)
	f := NewFileFetcher(srv.Client(), mustURL(t, srv.URL+"/seg.mp4"), 100, 200, sem, bandwidth.New())
	done := make(chan []byte, 1)
	f.Register(func(consume Consumer, offset int64) {
		assert.Equal(t, int64(100), offset)
		done <- consume(-1)
	})
	f.Start()

	select {
	case b := <-done:
		assert.Equal(t, body[100:300], b)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
	assert.Equal(t, "bytes=100-299", gotRange.Load())
}

func TestFileFetcherWholeResourceOmitsRange(t *testing.T) {
	var gotRange atomic.Value
	body := payload(512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))
		rangedHandler(body)(w, r)
	}))
	defer srv.Close()

	f := NewFileFetcher(srv.Client(), mustURL(t, srv.URL+"/seg.mp4"), 0, WholeResource, nil, bandwidth.New())
	done := make(chan []byte, 1)
	f.Register(func(consume Consumer, offset int64) {
		done <- consume(-1)
	})
	f.Start()

	select {
	case b := <-done:
		assert.Equal(t, body, b)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
	assert.Equal(t, "", gotRange.Load())
}

func TestFileFetcherSemaphoreSerializes(t *testing.T) {
	var inFlight, maxInFlight int32
	body := payload(256)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if n <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Write(body)
	}))
	defer srv.Close()

	sem := make(chan struct{}, 1)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		f := NewFileFetcher(srv.Client(), mustURL(t, fmt.Sprintf("%s/seg%d.mp4", srv.URL, i)), 0, WholeResource, sem, bandwidth.New())
		f.Register(func(consume Consumer, offset int64) {
			consume(-1)
			wg.Done()
		})
		f.Start()
	}
	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("fetchers did not finish")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestFileFetcherReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewFileFetcher(srv.Client(), mustURL(t, srv.URL+"/seg.mp4"), 0, WholeResource, nil, bandwidth.New())
	errCh := make(chan error, 1)
	f.SetOnError(func(err error) { errCh <- err })
	f.Start()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestFetchersFeedTheMeter(t *testing.T) {
	body := payload(8 * 1024)
	srv := httptest.NewServer(rangedHandler(body))
	defer srv.Close()

	meter := bandwidth.New()
	done := make(chan struct{}, 1)
	f := NewFileFetcher(srv.Client(), mustURL(t, srv.URL+"/seg.mp4"), 0, WholeResource, nil, meter)
	f.Register(func(consume Consumer, offset int64) {
		consume(-1)
		done <- struct{}{}
	})
	f.Start()
	<-done
	assert.Equal(t, 1, meter.SampleCount())
}
