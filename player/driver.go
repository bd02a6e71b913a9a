package player

import (
	"sync"
	"time"

	"github.com/kokoavailable/hlsplay/av"

	log "github.com/sirupsen/logrus"
)

// DriverStatus is the render driver's state, reported on transitions
// only.
type DriverStatus int

const (
	DriverPlaying DriverStatus = iota
	DriverWaiting
	DriverFinished

	driverIdle DriverStatus = -1
)

// pollBackoff keeps a starved pull loop from spinning.
const pollBackoff = 10 * time.Millisecond

// RenderDriver pumps one render queue into one sink while the sink
// signals readiness. The sink reference is borrowed, never owned.
type RenderDriver struct {
	queue *RenderQueue
	sink  av.Sink

	lock      sync.Mutex
	status    DriverStatus
	waitBegan time.Time
	stopped   bool

	onStatus func(DriverStatus)
	onWaited func(time.Duration)
}

// NewRenderDriver creates a queue for the media type and hooks the pull
// loop into the sink. onStatus fires on status transitions, onWaited at
// the end of each waiting interval with its wall-clock duration.
func NewRenderDriver(mediaType av.MediaType, sink av.Sink, onStatus func(DriverStatus), onWaited func(time.Duration)) *RenderDriver {
	d := &RenderDriver{
		queue:    NewRenderQueue(mediaType),
		sink:     sink,
		status:   driverIdle,
		onStatus: onStatus,
		onWaited: onWaited,
	}
	sink.RequestMediaData(d.pump)
	return d
}

// Queue exposes the driver's render queue for segment appends.
func (d *RenderDriver) Queue() *RenderQueue {
	return d.queue
}

func (d *RenderDriver) pump() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("render driver panic: ", r)
		}
	}()
	for !d.isStopped() && d.sink.ReadyForMore() {
		result, frame := d.queue.Dequeue(d.sink.Timebase().Now())
		switch result {
		case DequeueFinished:
			d.transition(DriverFinished)
			return
		case DequeueFrame:
			d.transition(DriverPlaying)
			d.closeWait()
			if err := d.sink.Enqueue(frame); err != nil {
				log.Debug("sink enqueue: ", err)
			}
		case DequeueSkip:
			continue
		case DequeueWaiting:
			d.transition(DriverWaiting)
			d.openWait()
			time.Sleep(pollBackoff)
		}
	}
}

// Complete marks the queue complete without touching the sink.
func (d *RenderDriver) Complete() {
	d.queue.Complete()
}

// Stop completes the queue, flushes the sink and stops pull requests.
// Buffers already handed over stay with the sink.
func (d *RenderDriver) Stop() {
	d.lock.Lock()
	if d.stopped {
		d.lock.Unlock()
		return
	}
	d.stopped = true
	d.lock.Unlock()
	d.queue.Complete()
	d.queue.shutdown()
	d.sink.Flush()
	d.sink.StopRequesting()
}

func (d *RenderDriver) isStopped() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stopped
}

// Status returns the last reported status.
func (d *RenderDriver) Status() DriverStatus {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.status
}

func (d *RenderDriver) transition(s DriverStatus) {
	d.lock.Lock()
	if d.status == s {
		d.lock.Unlock()
		return
	}
	d.status = s
	cb := d.onStatus
	d.lock.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (d *RenderDriver) openWait() {
	d.lock.Lock()
	if d.waitBegan.IsZero() {
		d.waitBegan = time.Now()
	}
	d.lock.Unlock()
}

func (d *RenderDriver) closeWait() {
	d.lock.Lock()
	var waited time.Duration
	if !d.waitBegan.IsZero() {
		waited = time.Since(d.waitBegan)
		d.waitBegan = time.Time{}
	}
	cb := d.onWaited
	d.lock.Unlock()
	if waited > 0 && cb != nil {
		cb(waited)
	}
}
