package session

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/kokoavailable/hlsplay/bandwidth"
	"github.com/kokoavailable/hlsplay/blob"
	"github.com/kokoavailable/hlsplay/fetch"
	"github.com/kokoavailable/hlsplay/loader"
	"github.com/kokoavailable/hlsplay/m3u8"

	log "github.com/sirupsen/logrus"
)

// Completion reports one assembled segment file, strictly in segment
// index order.
type Completion func(index int, fileURL string)

// Config carries the session collaborators.
type Config struct {
	Client     *http.Client
	Store      *blob.Store
	Meter      *bandwidth.Meter
	UseRanges  bool
	OnComplete Completion
	OnFinished func()
}

// sessionKey identifies a fetcher that may be shared between a segment
// and its co-located initialization section. Streaming fetchers use
// offset -1 so every range on the same URL shares one connection.
type sessionKey struct {
	url    string
	offset int64
}

type resultMsg struct {
	index int
	file  string // set when served from the blob store
	data  []byte
	key   blob.Key
	init  *blob.Key
}

// Session downloads the segments of one media playlist from a seek
// point, deduplicating fetches per URL and byte range, reassembling
// each segment behind its initialization section and emitting ordered
// completions.
type Session struct {
	playlist *m3u8.MediaPlaylist
	base     *url.URL
	cfg      Config

	skip      int
	durations []float64
	offsets   []float64

	fetchLock sync.Mutex
	fetchers  map[sessionKey]fetch.Fetcher
	order     []fetch.Fetcher

	initLock  sync.Mutex
	inits     map[blob.Key][]byte
	initReady map[blob.Key]chan struct{}

	chunkLock sync.Mutex
	loaded    map[blob.Key]bool

	sem       chan struct{}
	results   chan resultMsg
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a session over pl resolved against base, skipping the
// leading segments that end at or before seek. Start begins the
// transfers.
func New(pl *m3u8.MediaPlaylist, base *url.URL, seek float64, cfg Config) *Session {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Meter == nil {
		cfg.Meter = bandwidth.Shared
	}
	if cfg.Store == nil {
		cfg.Store = blob.NewStore("")
	}
	s := &Session{
		playlist:  pl,
		base:      base,
		cfg:       cfg,
		skip:      SkipCount(pl, seek),
		fetchers:  make(map[sessionKey]fetch.Fetcher),
		inits:     make(map[blob.Key][]byte),
		initReady: make(map[blob.Key]chan struct{}),
		loaded:    make(map[blob.Key]bool),
		sem:       make(chan struct{}, 1),
		results:   make(chan resultMsg, 2*len(pl.Segments)+4),
		done:      make(chan struct{}),
	}
	s.durations = make([]float64, len(pl.Segments))
	s.offsets = make([]float64, len(pl.Segments))
	var cum float64
	for i, seg := range pl.Segments {
		s.durations[i] = seg.Duration
		s.offsets[i] = cum
		cum += seg.Duration
	}
	for i := s.skip; i < len(pl.Segments); i++ {
		seg := pl.Segments[i]
		if seg.Init != nil {
			s.enqueueInit(seg.Init)
		}
		s.enqueueSegment(i, seg)
	}
	return s
}

// SkipCount counts the leading segments whose cumulative duration ends
// at or before seek; the segment whose range straddles seek is kept.
func SkipCount(pl *m3u8.MediaPlaylist, seek float64) int {
	var cum float64
	count := 0
	for _, seg := range pl.Segments {
		if cum+seg.Duration > seek {
			break
		}
		cum += seg.Duration
		count++
	}
	return count
}

// Skip returns the number of skipped leading segments.
func (s *Session) Skip() int {
	return s.skip
}

// Offset returns the presentation offset of segment i on the playlist
// timeline.
func (s *Session) Offset(i int) float64 {
	if i < 0 || i >= len(s.offsets) {
		return 0
	}
	return s.offsets[i]
}

// Duration returns the declared duration of segment i.
func (s *Session) Duration(i int) float64 {
	if i < 0 || i >= len(s.durations) {
		return 0
	}
	return s.durations[i]
}

// SegmentCount returns the number of segments in the playlist.
func (s *Session) SegmentCount() int {
	return len(s.playlist.Segments)
}

// Start resumes all registered fetchers and begins emitting
// completions.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.resultLoop()
		go func() {
			// Fetchers are started in registration order from one
			// goroutine. Each file fetch then waits for the session
			// semaphore on its own goroutine, so the order in which
			// started fetches are admitted is not fixed.
			for _, f := range s.snapshotFetchers() {
				select {
				case <-s.done:
					return
				default:
				}
				f.Start()
			}
		}()
	})
}

// Stop cancels all fetchers. In-flight callbacks may fire once more;
// the loaded-chunk set keeps them idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, f := range s.snapshotFetchers() {
			f.Cancel()
		}
	})
}

func (s *Session) snapshotFetchers() []fetch.Fetcher {
	s.fetchLock.Lock()
	defer s.fetchLock.Unlock()
	out := make([]fetch.Fetcher, len(s.order))
	copy(out, s.order)
	return out
}

func initKey(init *m3u8.InitSection) blob.Key {
	if br := init.ByteRange; br != nil {
		return blob.NewKey(init.URI, br.Offset, br.Length)
	}
	return blob.NewKey(init.URI, 0, blob.WholeResource)
}

func segmentKey(seg *m3u8.Segment) blob.Key {
	if br := seg.ByteRange; br != nil {
		return blob.NewKey(seg.URI, br.Offset, br.Length)
	}
	return blob.NewKey(seg.URI, 0, blob.WholeResource)
}

func (s *Session) enqueueInit(init *m3u8.InitSection) {
	key := initKey(init)
	s.initLock.Lock()
	if _, exists := s.initReady[key]; exists {
		s.initLock.Unlock()
		return
	}
	ready := make(chan struct{})
	s.initReady[key] = ready
	s.initLock.Unlock()

	u, err := loader.Resolve(s.base, init.URI)
	if err != nil {
		log.Error("init section url: ", err)
		return
	}
	s.enqueue(key, u, init.ByteRange, func(data []byte) {
		s.initLock.Lock()
		s.inits[key] = data
		s.initLock.Unlock()
		close(ready)
	})
}

func (s *Session) enqueueSegment(index int, seg *m3u8.Segment) {
	key := segmentKey(seg)
	if file, ok := s.cfg.Store.Get(key); ok {
		// Already assembled in a previous session: emit from cache
		// without issuing a fetch.
		s.results <- resultMsg{index: index, file: file}
		return
	}
	u, err := loader.Resolve(s.base, seg.URI)
	if err != nil {
		log.Error("segment url: ", err)
		return
	}
	var init *blob.Key
	if seg.Init != nil {
		k := initKey(seg.Init)
		init = &k
	}
	s.enqueue(key, u, seg.ByteRange, func(data []byte) {
		select {
		case s.results <- resultMsg{index: index, data: data, key: key, init: init}:
		case <-s.done:
		}
	})
}

// enqueue registers a chunk on a fetcher, choosing streaming mode for
// ranged resources on servers that accept ranges and whole-file mode
// otherwise. Fetchers are shared through the session key map.
func (s *Session) enqueue(key blob.Key, u *url.URL, br *m3u8.ByteRange, deliver func([]byte)) {
	if s.cfg.UseRanges && br != nil {
		f := s.sharedFetcher(sessionKey{url: u.String(), offset: -1}, func() fetch.Fetcher {
			return fetch.NewStreamFetcher(s.cfg.Client, u, br.Offset, s.cfg.Meter)
		})
		f.Register(s.chunkCallback(key, br.Offset, br.Length, deliver))
		return
	}
	offset, length := int64(0), fetch.WholeResource
	if br != nil {
		offset, length = br.Offset, br.Length
	}
	f := s.sharedFetcher(sessionKey{url: u.String(), offset: offset}, func() fetch.Fetcher {
		return fetch.NewFileFetcher(s.cfg.Client, u, offset, length, s.sem, s.cfg.Meter)
	})
	f.Register(s.chunkCallback(key, offset, length, deliver))
}

func (s *Session) sharedFetcher(k sessionKey, build func() fetch.Fetcher) fetch.Fetcher {
	s.fetchLock.Lock()
	defer s.fetchLock.Unlock()
	if f, ok := s.fetchers[k]; ok {
		return f
	}
	f := build()
	f.SetOnError(func(err error) {
		// No retry here: the failed chunk stalls until the next
		// seek or stop.
		log.Warning("fetch failed, dropping chunk: ", k.url, " ", err)
	})
	s.fetchers[k] = f
	s.order = append(s.order, f)
	return f
}

// chunkCallback builds the pull callback for one chunk. It discards
// buffered bytes until the fetcher offset reaches the chunk's range,
// then consumes exactly the chunk, marking it loaded exactly once.
func (s *Session) chunkCallback(key blob.Key, target, length int64, deliver func([]byte)) fetch.Callback {
	return func(consume fetch.Consumer, offset int64) {
		if s.isLoaded(key) {
			return
		}
		for offset < target {
			b := consume(int(target - offset))
			if b == nil {
				return
			}
			offset += int64(len(b))
			if s.isLoaded(key) {
				return
			}
		}
		var data []byte
		if length == fetch.WholeResource {
			data = consume(-1)
		} else {
			data = consume(int(length))
		}
		if data == nil {
			return
		}
		if !s.markLoaded(key) {
			return
		}
		deliver(data)
	}
}

func (s *Session) isLoaded(key blob.Key) bool {
	s.chunkLock.Lock()
	defer s.chunkLock.Unlock()
	return s.loaded[key]
}

// markLoaded returns false when the chunk was already processed.
func (s *Session) markLoaded(key blob.Key) bool {
	s.chunkLock.Lock()
	defer s.chunkLock.Unlock()
	if s.loaded[key] {
		return false
	}
	s.loaded[key] = true
	return true
}

// resultLoop assembles segments and emits completions in ascending
// index order, holding back chunks that finished early.
func (s *Session) resultLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("session result loop panic: ", r)
		}
	}()
	pending := make(map[int]string)
	next := s.skip
	total := len(s.playlist.Segments)
	if next >= total {
		if s.cfg.OnFinished != nil {
			s.cfg.OnFinished()
		}
		return
	}
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.results:
			file := msg.file
			if file == "" {
				data := msg.data
				if msg.init != nil {
					prefix, ok := s.waitInit(*msg.init)
					if !ok {
						log.Warning("segment without its init section: ", msg.key)
					} else {
						joined := make([]byte, 0, len(prefix)+len(data))
						joined = append(joined, prefix...)
						joined = append(joined, data...)
						data = joined
					}
				}
				stored, err := s.cfg.Store.Put(msg.key, msg.index, data)
				if err != nil {
					log.Error("blob write: ", err)
					continue
				}
				file = stored
			}
			pending[msg.index] = file
			for {
				f, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if s.cfg.OnComplete != nil {
					s.cfg.OnComplete(next, f)
				}
				next++
			}
			if next >= total {
				if s.cfg.OnFinished != nil {
					s.cfg.OnFinished()
				}
				return
			}
		}
	}
}

// waitInit blocks the result loop until the init section bytes arrive
// or the session stops.
func (s *Session) waitInit(key blob.Key) ([]byte, bool) {
	for {
		s.initLock.Lock()
		data, ok := s.inits[key]
		ready := s.initReady[key]
		s.initLock.Unlock()
		if ok {
			return data, true
		}
		if ready == nil {
			return nil, false
		}
		select {
		case <-ready:
		case <-s.done:
			return nil, false
		}
	}
}
