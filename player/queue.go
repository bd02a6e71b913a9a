package player

import (
	"sync"

	"github.com/kokoavailable/hlsplay/av"
	"github.com/kokoavailable/hlsplay/media"

	log "github.com/sirupsen/logrus"
)

// DequeueResult classifies one Dequeue call.
type DequeueResult int

const (
	DequeueFrame DequeueResult = iota
	DequeueFinished
	DequeueWaiting
	DequeueSkip
)

const maxEnqueueNum = 512

type enqueueJob struct {
	asset      *media.Asset
	timeOffset float64
}

// RenderQueue concatenates the sample producers of successive segment
// files and rewrites their timestamps onto one continuous timeline.
// Producers are consumed strictly in append order; the PTS handed out
// is monotonic non-decreasing across segment boundaries because each
// producer is rebased onto the last PTS actually emitted, not onto the
// segment's nominal duration.
type RenderQueue struct {
	lock      sync.Mutex
	mediaType av.MediaType
	producers []*media.SampleProducer
	pointer   int
	holding   []*av.SampleBuffer

	// lastProducerOffset is where the current producer's output
	// starts on the unified timeline; lastFramePTS the maximum PTS
	// emitted from it so far. Both in seconds.
	lastProducerOffset float64
	lastFramePTS       float64

	completed bool
	// pending counts accepted appends not yet visible in producers.
	pending   int
	jobs      chan enqueueJob
	done      chan struct{}
	closeOnce sync.Once
}

func NewRenderQueue(mediaType av.MediaType) *RenderQueue {
	q := &RenderQueue{
		mediaType: mediaType,
		jobs:      make(chan enqueueJob, maxEnqueueNum),
		done:      make(chan struct{}),
	}
	go q.appendLoop()
	return q
}

// Enqueue appends a producer for asset asynchronously. Appends land in
// call order on a single serial goroutine, the only mutation the
// dequeue side ever observes.
func (q *RenderQueue) Enqueue(asset *media.Asset, timeOffset float64) {
	select {
	case q.jobs <- enqueueJob{asset: asset, timeOffset: timeOffset}:
		q.lock.Lock()
		q.pending++
		q.lock.Unlock()
	case <-q.done:
	default:
		log.Warningf("%v render queue append overflow, dropping segment", q.mediaType)
	}
}

// Complete latches completion; Dequeue reports finished once drained.
func (q *RenderQueue) Complete() {
	q.lock.Lock()
	q.completed = true
	q.lock.Unlock()
}

func (q *RenderQueue) shutdown() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *RenderQueue) appendLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("render queue append panic: ", r)
		}
	}()
	for {
		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			p := media.NewProducer(job.asset, q.mediaType, job.timeOffset)
			q.lock.Lock()
			q.producers = append(q.producers, p)
			q.pending--
			q.lock.Unlock()
		}
	}
}

// Dequeue pulls the next frame in producer order. target, the sink's
// clock time, does not affect which frame is returned.
func (q *RenderQueue) Dequeue(target float64) (DequeueResult, *av.SampleBuffer) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.pointer >= len(q.producers) {
		if len(q.holding) > 0 {
			return DequeueFrame, q.pop()
		}
		if q.completed && q.pending == 0 {
			return DequeueFinished, nil
		}
		return DequeueWaiting, nil
	}

	producer := q.producers[q.pointer]
	if producer.Finished() {
		q.pointer++
		// A producer that never emitted (failed asset) must not
		// collapse the timeline back to zero.
		if q.lastFramePTS > 0 {
			q.lastProducerOffset = q.lastFramePTS
			q.lastFramePTS = 0
		}
		return DequeueSkip, nil
	}

	buf := producer.Produce()
	if buf == nil || !buf.PTS.Valid() {
		return DequeueSkip, nil
	}

	// Rebase onto the unified timeline in the buffer's own timescale.
	offsetTicks := int64(q.lastProducerOffset * float64(buf.PTS.Scale))
	buf.PTS.Value += offsetTicks
	if secs := buf.PTS.Seconds(); secs > q.lastFramePTS {
		q.lastFramePTS = secs
	}
	q.holding = append(q.holding, buf)

	if len(q.holding) == 0 {
		return DequeueWaiting, nil
	}
	return DequeueFrame, q.pop()
}

func (q *RenderQueue) pop() *av.SampleBuffer {
	head := q.holding[0]
	q.holding = q.holding[1:]
	return head
}
