package media

import (
	"errors"
	"sync"

	"github.com/kokoavailable/hlsplay/av"
	"github.com/kokoavailable/hlsplay/container/mp4"

	log "github.com/sirupsen/logrus"
)

var (
	ErrAssetUnopenable = errors.New("asset cannot be opened")
	ErrNoMatchingTrack = errors.New("asset has no track of the requested type")
)

// Asset is one assembled segment file ready for sample extraction.
type Asset struct {
	path string
	file *mp4.File
}

// OpenAsset parses the segment file at path.
func OpenAsset(path string) (*Asset, error) {
	file, err := mp4.Open(path)
	if err != nil {
		return nil, errors.Join(ErrAssetUnopenable, err)
	}
	return &Asset{path: path, file: file}, nil
}

func (a *Asset) Path() string {
	return a.path
}

func handlerFor(t av.MediaType) string {
	if t == av.MediaAudio {
		return mp4.HandlerAudio
	}
	return mp4.HandlerVideo
}

// SampleProducer reads one track of an asset sequentially in its native
// format, starting at a time offset. Produce returns nil both at end of
// stream and before the reader is ready; Finished tells the two apart.
type SampleProducer struct {
	lock       sync.Mutex
	asset      *Asset
	mediaType  av.MediaType
	timeOffset float64

	started  bool
	finished bool
	scale    int32
	samples  []mp4.Sample
	pos      int
}

// NewProducer wraps asset for the given media type. A nil asset or a
// missing track surfaces as an immediately finished producer, the same
// shape a failed fetch takes.
func NewProducer(asset *Asset, mediaType av.MediaType, timeOffset float64) *SampleProducer {
	return &SampleProducer{
		asset:      asset,
		mediaType:  mediaType,
		timeOffset: timeOffset,
	}
}

// Finished reports whether the producer has delivered its last sample.
func (p *SampleProducer) Finished() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.finished
}

// Produce returns the next sample buffer, lazily starting the reader on
// the first call.
func (p *SampleProducer) Produce() *av.SampleBuffer {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.started {
		p.start()
	}
	if p.finished {
		return nil
	}
	if p.pos >= len(p.samples) {
		p.finished = true
		p.samples = nil
		return nil
	}
	sample := p.samples[p.pos]
	p.pos++
	return &av.SampleBuffer{
		Type:     p.mediaType,
		Data:     sample.Data,
		PTS:      av.NewTime(sample.PTS, p.scale),
		Duration: av.NewTime(int64(sample.Duration), p.scale),
		Keyframe: sample.Keyframe,
	}
}

func (p *SampleProducer) start() {
	p.started = true
	if p.asset == nil || p.asset.file == nil {
		p.finished = true
		return
	}
	track, ok := p.asset.file.TrackByHandler(handlerFor(p.mediaType))
	if !ok {
		log.Debugf("%s: %v track: %v", p.asset.path, p.mediaType, ErrNoMatchingTrack)
		p.finished = true
		return
	}
	p.scale = int32(track.Timescale)
	samples := p.asset.file.Samples(track.ID)
	// Read from the requested offset onward: drop samples that end
	// at or before it.
	cutoff := int64(p.timeOffset * float64(track.Timescale))
	start := 0
	for start < len(samples) {
		s := samples[start]
		if s.PTS+int64(s.Duration) > cutoff {
			break
		}
		start++
	}
	p.samples = samples[start:]
	if len(p.samples) == 0 {
		p.finished = true
	}
}
