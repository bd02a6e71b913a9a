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

	log "github.com/sirupsen/logrus"
)

// WholeResource marks a fetch without a byte range.
const WholeResource int64 = -1

// FileFetcher downloads one closed byte range (or the whole resource)
// and delivers the payload to its callbacks in a single invocation.
// Admission runs through a shared semaphore so burst segment loads do
// not contend for the network.
type FileFetcher struct {
	url    *url.URL
	offset int64
	length int64
	sem    chan struct{}
	client *http.Client
	meter  *bandwidth.Meter

	lock      sync.Mutex
	payload   []byte
	delivered bool
	callbacks []Callback

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	onError func(error)
}

// NewFileFetcher builds a fetcher for url[offset, offset+length).
// length == WholeResource fetches from offset to the end.
func NewFileFetcher(client *http.Client, u *url.URL, offset, length int64, sem chan struct{}, meter *bandwidth.Meter) *FileFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if meter == nil {
		meter = bandwidth.Shared
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FileFetcher{
		url:    u,
		offset: offset,
		length: length,
		sem:    sem,
		client: client,
		meter:  meter,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (f *FileFetcher) SetOnError(fn func(error)) {
	f.onError = fn
}

func (f *FileFetcher) Register(cb Callback) {
	f.lock.Lock()
	f.callbacks = append(f.callbacks, cb)
	if f.delivered {
		cb(f.consume, f.offset)
	}
	f.lock.Unlock()
}

func (f *FileFetcher) Start() {
	f.lock.Lock()
	if f.started {
		f.lock.Unlock()
		return
	}
	f.started = true
	f.lock.Unlock()
	go f.run()
}

func (f *FileFetcher) Cancel() {
	f.cancel()
}

func (f *FileFetcher) run() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("file fetcher panic: ", r)
		}
	}()
	if f.sem != nil {
		select {
		case f.sem <- struct{}{}:
			defer func() { <-f.sem }()
		case <-f.ctx.Done():
			f.fail(ErrCancelled)
			return
		}
	}
	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, f.url.String(), nil)
	if err != nil {
		f.fail(err)
		return
	}
	if f.length != WholeResource {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", f.offset, f.offset+f.length-1))
	} else if f.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", f.offset))
	}
	began := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if f.ctx.Err() != nil {
			f.fail(ErrCancelled)
		} else {
			f.fail(err)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		f.fail(errors.New(resp.Status))
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.fail(err)
		return
	}
	f.meter.Add(time.Since(began).Seconds(), int64(len(body)))

	f.lock.Lock()
	f.payload = body
	f.delivered = true
	for _, cb := range f.callbacks {
		cb(f.consume, f.offset)
	}
	f.lock.Unlock()
}

func (f *FileFetcher) fail(err error) {
	log.Debug("file fetch error: ", f.url, " ", err)
	if f.onError != nil {
		f.onError(err)
	}
}

func (f *FileFetcher) consume(n int) []byte {
	if n < 0 {
		n = len(f.payload)
	}
	if n == 0 || n > len(f.payload) {
		return nil
	}
	out := f.payload[:n]
	f.payload = f.payload[n:]
	return out
}
