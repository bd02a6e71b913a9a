package player

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kokoavailable/hlsplay/av"
	"github.com/kokoavailable/hlsplay/container/mp4"
	"github.com/kokoavailable/hlsplay/media"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAsset writes an fMP4 fixture with video and audio tracks whose
// video samples last the given seconds, starting at raw PTS zero.
func buildAsset(t *testing.T, videoSeconds ...float64) *media.Asset {
	t.Helper()
	var video []mp4.FragmentSample
	for _, d := range videoSeconds {
		video = append(video, mp4.FragmentSample{Duration: uint32(d * 1000), Data: []byte("frame")})
	}
	data := mp4.BuildInit([]mp4.Track{
		{ID: 1, Handler: mp4.HandlerVideo, Timescale: 1000},
		{ID: 2, Handler: mp4.HandlerAudio, Timescale: 1000},
	})
	data = append(data, mp4.BuildFragment(1, 0, video)...)
	file := filepath.Join(t.TempDir(), "asset.mp4")
	require.NoError(t, os.WriteFile(file, data, 0o644))
	asset, err := media.OpenAsset(file)
	require.NoError(t, err)
	return asset
}

// drain pulls until finished, collecting frame PTS seconds.
func drain(t *testing.T, q *RenderQueue) []float64 {
	t.Helper()
	var pts []float64
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("queue did not finish, got %v", pts)
		}
		result, frame := q.Dequeue(0)
		switch result {
		case DequeueFrame:
			pts = append(pts, frame.PTS.Seconds())
		case DequeueFinished:
			return pts
		case DequeueWaiting, DequeueSkip:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestQueueRebasesAcrossProducers(t *testing.T) {
	q := NewRenderQueue(av.MediaVideo)
	defer q.shutdown()

	q.Enqueue(buildAsset(t, 1, 1, 1), 0) // raw PTS 0,1,2
	q.Enqueue(buildAsset(t, 1, 1), 0)    // raw PTS 0,1
	q.Complete()

	pts := drain(t, q)
	assert.Equal(t, []float64{0, 1, 2, 2, 3}, pts)
}

func TestQueuePTSMonotonic(t *testing.T) {
	q := NewRenderQueue(av.MediaVideo)
	defer q.shutdown()

	for i := 0; i < 4; i++ {
		q.Enqueue(buildAsset(t, 0.5, 0.5), 0)
	}
	q.Complete()

	pts := drain(t, q)
	require.Len(t, pts, 8)
	for i := 1; i < len(pts); i++ {
		assert.GreaterOrEqual(t, pts[i], pts[i-1])
	}
}

func TestQueueWaitsUntilComplete(t *testing.T) {
	q := NewRenderQueue(av.MediaVideo)
	defer q.shutdown()

	result, _ := q.Dequeue(0)
	assert.Equal(t, DequeueWaiting, result)

	q.Complete()
	result, _ = q.Dequeue(0)
	assert.Equal(t, DequeueFinished, result)
}

func TestQueueSkipsEmptyProducer(t *testing.T) {
	q := NewRenderQueue(av.MediaVideo)
	defer q.shutdown()

	// A producer that never emits must not drag the timeline back.
	q.Enqueue(buildAsset(t, 1, 1), 0)
	q.Enqueue(nil, 0)
	q.Enqueue(buildAsset(t, 1), 0)
	q.Complete()

	pts := drain(t, q)
	assert.Equal(t, []float64{0, 1, 1}, pts)
}

func TestQueueProducerTimeOffset(t *testing.T) {
	q := NewRenderQueue(av.MediaVideo)
	defer q.shutdown()

	// Seek into the middle of the first segment: its producer starts
	// mid-asset.
	q.Enqueue(buildAsset(t, 1, 1, 1), 1.5)
	q.Complete()

	pts := drain(t, q)
	assert.Equal(t, []float64{1, 2}, pts)
}
