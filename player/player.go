package player

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/kokoavailable/hlsplay/av"
	"github.com/kokoavailable/hlsplay/blob"
	"github.com/kokoavailable/hlsplay/configure"
	"github.com/kokoavailable/hlsplay/loader"
	"github.com/kokoavailable/hlsplay/m3u8"
	"github.com/kokoavailable/hlsplay/media"
	"github.com/kokoavailable/hlsplay/session"

	log "github.com/sirupsen/logrus"
)

var (
	ErrUnsupportedPlaylistShape = errors.New("only master-based HLS supported")
	ErrUnknownResolution        = errors.New("no such resolution")
	ErrNotPlaying               = errors.New("player has no active master playlist")
)

// Status is the player-level playback state.
type Status int

const (
	StatusPlaying Status = iota
	StatusFinished
	StatusBuffering

	statusNone Status = -1
)

// Output carries the player's outward callbacks.
type Output struct {
	OnStatus func(Status)
	OnError  func(error)
}

// VolumeSink is implemented by sinks that accept a volume setting.
type VolumeSink interface {
	SetVolume(float64)
}

// Config wires the player's collaborators. Zero values fall back to
// sane defaults.
type Config struct {
	Client *http.Client
	Store  *blob.Store
	Loader *loader.Loader
	Output Output
}

// Player binds a playlist loader to one download session per rendition,
// drives the video and audio sinks from a shared presentation clock and
// downshifts the resolution when playback starves.
type Player struct {
	lock      sync.Mutex
	client    *http.Client
	loader    *loader.Loader
	store     *blob.Store
	videoSink av.Sink
	audioSink av.Sink
	clock     *av.Timebase
	out       Output

	abrThreshold time.Duration
	prefHeight   int

	master   *m3u8.MasterPlaylist
	groups   map[string][]m3u8.Stream
	resOrder []string
	current  string
	auto     bool

	videoSession *session.Session
	audioSession *session.Session
	videoDriver  *RenderDriver
	audioDriver  *RenderDriver

	separateAudio bool
	buffered      float64
	volume        float64
	lastStatus    Status
	generation    int
}

// New builds a player over two sinks sharing one presentation clock.
func New(videoSink, audioSink av.Sink, cfg Config) *Player {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Loader == nil {
		cfg.Loader = loader.New(cfg.Client)
	}
	if cfg.Store == nil {
		cfg.Store = blob.NewStore(configure.Config.GetString("temp_dir"))
	}
	threshold := configure.Config.GetFloat64("abr_wait_threshold")
	if threshold <= 0 {
		threshold = 4.0
	}
	prefHeight := configure.Config.GetInt("preferred_height")
	if prefHeight <= 0 {
		prefHeight = 720
	}
	return &Player{
		client:       cfg.Client,
		loader:       cfg.Loader,
		store:        cfg.Store,
		videoSink:    videoSink,
		audioSink:    audioSink,
		clock:        videoSink.Timebase(),
		out:          cfg.Output,
		abrThreshold: time.Duration(threshold * float64(time.Second)),
		prefHeight:   prefHeight,
		auto:         true,
		volume:       1.0,
		lastStatus:   statusNone,
	}
}

// Play loads the master playlist at rawurl, picks the default rendition
// and starts playback from its start point.
func (p *Player) Play(rawurl string) error {
	pl, err := p.loader.Load(rawurl)
	if err != nil {
		p.fail(err)
		return err
	}
	master, ok := pl.(*m3u8.MasterPlaylist)
	if !ok {
		p.fail(ErrUnsupportedPlaylistShape)
		return ErrUnsupportedPlaylistShape
	}

	p.lock.Lock()
	p.master = master
	p.groupStreams()
	if len(p.resOrder) == 0 {
		p.lock.Unlock()
		p.fail(fmt.Errorf("%w: master has no renditions", ErrUnsupportedPlaylistShape))
		return ErrUnsupportedPlaylistShape
	}
	p.current = p.defaultResolution()
	start := 0.0
	if master.Start != nil && master.Start.TimeOffset > 0 {
		start = master.Start.TimeOffset
	}
	err = p.playFrom(start)
	p.lock.Unlock()
	if err != nil {
		p.fail(err)
		return err
	}
	p.clock.SetTime(start)
	p.clock.Start()
	return nil
}

// groupStreams buckets renditions by their raw WxH string and orders
// the buckets by descending height. Called with the lock held.
func (p *Player) groupStreams() {
	p.groups = make(map[string][]m3u8.Stream)
	p.resOrder = nil
	for _, s := range p.master.Streams {
		raw := s.Resolution.Raw
		if _, seen := p.groups[raw]; !seen {
			p.resOrder = append(p.resOrder, raw)
		}
		p.groups[raw] = append(p.groups[raw], s)
	}
	sort.SliceStable(p.resOrder, func(i, j int) bool {
		return p.groups[p.resOrder[i]][0].Resolution.Height > p.groups[p.resOrder[j]][0].Resolution.Height
	})
}

// defaultResolution prefers the configured height, then the first
// declared stream. Called with the lock held.
func (p *Player) defaultResolution() string {
	for _, raw := range p.resOrder {
		if p.groups[raw][0].Resolution.Height == p.prefHeight {
			return raw
		}
	}
	return p.master.Streams[0].Resolution.Raw
}

// playFrom tears down the active sessions and rebuilds the pipeline for
// the current rendition at time t. Called with the lock held.
func (p *Player) playFrom(t float64) error {
	p.teardown()
	p.generation++
	gen := p.generation

	stream := p.groups[p.current][0]

	audioURI := ""
	for _, m := range p.master.Media {
		if m.Type == "audio" && stream.Audio != "" && m.GroupID == stream.Audio && m.URI != "" {
			audioURI = m.URI
			break
		}
	}
	p.separateAudio = audioURI != ""

	p.videoDriver = NewRenderDriver(av.MediaVideo, p.videoSink, func(s DriverStatus) {
		p.onDriverStatus(gen)
	}, func(waited time.Duration) {
		p.onVideoWaited(gen, waited)
	})
	p.audioDriver = NewRenderDriver(av.MediaAudio, p.audioSink, func(s DriverStatus) {
		p.onDriverStatus(gen)
	}, nil)

	if p.separateAudio {
		audioPl, audioBase, err := p.loader.LoadMedia(audioURI)
		if err != nil {
			return fmt.Errorf("audio rendition: %w", err)
		}
		p.audioSession = p.newSession(audioPl, audioBase, t, p.audioDriver, nil)
	}

	videoPl, videoBase, err := p.loader.LoadMedia(stream.URI)
	if err != nil {
		return fmt.Errorf("media rendition: %w", err)
	}
	// The video segments also feed the audio driver when the master
	// declared no separate audio rendition.
	var alsoAudio *RenderDriver
	if !p.separateAudio {
		alsoAudio = p.audioDriver
	}
	p.videoSession = p.newSession(videoPl, videoBase, t, p.videoDriver, alsoAudio)

	if p.audioSession != nil {
		p.audioSession.Start()
	}
	p.videoSession.Start()
	log.Infof("playing %s from %.2fs (audio rendition: %v)", p.current, t, p.separateAudio)
	return nil
}

// newSession wires a download session whose ordered completions append
// producers to the given drivers. Called with the lock held.
func (p *Player) newSession(pl *m3u8.MediaPlaylist, base *url.URL, t float64, driver, alsoAudio *RenderDriver) *session.Session {
	var sess *session.Session
	sess = session.New(pl, base, t, session.Config{
		Client:    p.client,
		Store:     p.store,
		UseRanges: p.loader.SupportsRanges() && configure.Config.GetBool("use_ranges"),
		OnComplete: func(index int, fileURL string) {
			asset, err := media.OpenAsset(fileURL)
			if err != nil {
				log.Warning("segment asset: ", err)
				return
			}
			// Only the segment straddling the seek point starts
			// mid-asset.
			offset := 0.0
			if index == sess.Skip() {
				offset = t - sess.Offset(index)
			}
			driver.Queue().Enqueue(asset, offset)
			if alsoAudio != nil {
				alsoAudio.Queue().Enqueue(asset, offset)
			}
			p.lock.Lock()
			if end := sess.Offset(index) + sess.Duration(index); end > p.buffered {
				p.buffered = end
			}
			p.lock.Unlock()
		},
		OnFinished: func() {
			driver.Complete()
			if alsoAudio != nil {
				alsoAudio.Complete()
			}
		},
	})
	return sess
}

// teardown stops the active sessions and drivers. Called with the lock
// held.
func (p *Player) teardown() {
	if p.videoSession != nil {
		p.videoSession.Stop()
		p.videoSession = nil
	}
	if p.audioSession != nil {
		p.audioSession.Stop()
		p.audioSession = nil
	}
	if p.videoDriver != nil {
		p.videoDriver.Stop()
		p.videoDriver = nil
	}
	if p.audioDriver != nil {
		p.audioDriver.Stop()
		p.audioDriver = nil
	}
	p.buffered = 0
}

// Stop halts playback and releases the sessions.
func (p *Player) Stop() {
	p.lock.Lock()
	p.teardown()
	p.lock.Unlock()
	p.clock.Pause()
}

// Pause freezes the presentation clock; buffers keep filling.
func (p *Player) Pause() {
	p.clock.Pause()
}

// Resume restarts the presentation clock.
func (p *Player) Resume() {
	p.clock.Start()
}

// Seek tears down the active sessions and replays from t.
func (p *Player) Seek(t float64) error {
	p.lock.Lock()
	if p.master == nil {
		p.lock.Unlock()
		return ErrNotPlaying
	}
	err := p.playFrom(t)
	p.lock.Unlock()
	if err != nil {
		p.fail(err)
		return err
	}
	p.clock.SetTime(t)
	return nil
}

// Purge drops every cached blob; the next play re-fetches everything.
func (p *Player) Purge() {
	p.store.Purge()
}

// Resolutions lists the available raw resolution strings, highest
// first.
func (p *Player) Resolutions() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := make([]string, len(p.resOrder))
	copy(out, p.resOrder)
	return out
}

// CurrentResolution returns the active rendition's raw resolution.
func (p *Player) CurrentResolution() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.current
}

// Automatic reports whether ABR downshifts are enabled.
func (p *Player) Automatic() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.auto
}

// SetResolution switches to the named rendition manually, disabling
// ABR and preserving the current clock time.
func (p *Player) SetResolution(raw string) error {
	p.lock.Lock()
	if p.master == nil {
		p.lock.Unlock()
		return ErrNotPlaying
	}
	if _, ok := p.groups[raw]; !ok {
		p.lock.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownResolution, raw)
	}
	p.auto = false
	p.current = raw
	err := p.playFrom(p.clock.Now())
	p.lock.Unlock()
	if err != nil {
		p.fail(err)
	}
	return err
}

// SetAutomatic re-enables ABR downshifts.
func (p *Player) SetAutomatic() {
	p.lock.Lock()
	p.auto = true
	p.lock.Unlock()
}

// Timebase exposes the shared presentation clock.
func (p *Player) Timebase() *av.Timebase {
	return p.clock
}

// Rate returns the playback rate.
func (p *Player) Rate() float64 {
	return p.clock.Rate()
}

// SetRate changes the playback rate on the shared clock.
func (p *Player) SetRate(rate float64) {
	p.clock.SetRate(rate)
}

// Volume returns the last volume set.
func (p *Player) Volume() float64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.volume
}

// SetVolume forwards the volume to any sink that accepts one.
func (p *Player) SetVolume(v float64) {
	p.lock.Lock()
	p.volume = v
	p.lock.Unlock()
	for _, s := range []av.Sink{p.audioSink, p.videoSink} {
		if vs, ok := s.(VolumeSink); ok {
			vs.SetVolume(v)
		}
	}
}

// BufferedTime returns the presentation time up to which segments have
// been assembled.
func (p *Player) BufferedTime() float64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.buffered
}

// BufferedAhead returns how far the buffer runs ahead of the clock.
func (p *Player) BufferedAhead() float64 {
	ahead := p.BufferedTime() - p.clock.Now()
	if ahead < 0 {
		return 0
	}
	return ahead
}

// onVideoWaited is the ABR trigger: a waiting interval longer than the
// threshold downshifts to the next lower resolution. No-op at the
// bottom rung or in manual mode.
func (p *Player) onVideoWaited(gen int, waited time.Duration) {
	if waited <= p.abrThreshold {
		return
	}
	p.lock.Lock()
	if gen != p.generation || !p.auto {
		p.lock.Unlock()
		return
	}
	idx := -1
	for i, raw := range p.resOrder {
		if raw == p.current {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(p.resOrder) {
		p.lock.Unlock()
		return
	}
	p.current = p.resOrder[idx+1]
	log.Infof("buffered %.1fs, downshifting to %s", waited.Seconds(), p.current)
	err := p.playFrom(p.clock.Now())
	p.lock.Unlock()
	if err != nil {
		p.fail(err)
	}
}

// onDriverStatus folds the two driver states into one player status.
func (p *Player) onDriverStatus(gen int) {
	p.lock.Lock()
	if gen != p.generation || p.videoDriver == nil || p.audioDriver == nil {
		p.lock.Unlock()
		return
	}
	video := p.videoDriver.Status()
	audio := p.audioDriver.Status()
	var next Status
	switch {
	case video == DriverWaiting || audio == DriverWaiting:
		next = StatusBuffering
	case video == DriverFinished && audio == DriverFinished:
		next = StatusFinished
	default:
		next = StatusPlaying
	}
	if next == p.lastStatus {
		p.lock.Unlock()
		return
	}
	p.lastStatus = next
	cb := p.out.OnStatus
	p.lock.Unlock()
	if cb != nil {
		cb(next)
	}
}

func (p *Player) fail(err error) {
	log.Error("player: ", err)
	if p.out.OnError != nil {
		p.out.OnError(err)
	}
}
