package player

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kokoavailable/hlsplay/av"
	"github.com/kokoavailable/hlsplay/blob"
	"github.com/kokoavailable/hlsplay/container/mp4"
	"github.com/kokoavailable/hlsplay/loader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
v1080/prog.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720
v720/prog.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=854x480
v480/prog.m3u8
`

const testMediaPlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MAP:URI="init.mp4"
#EXTINF:2.0,
seg0.mp4
#EXTINF:2.0,
seg1.mp4
#EXT-X-ENDLIST
`

// testServer serves a three-rendition master whose segments are real
// fMP4 fixtures with a video and an audio track.
func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	tracks := []mp4.Track{
		{ID: 1, Handler: mp4.HandlerVideo, Timescale: 1000},
		{ID: 2, Handler: mp4.HandlerAudio, Timescale: 1000},
	}
	samples := func(base int64) []byte {
		frag := mp4.BuildFragment(1, base, []mp4.FragmentSample{
			{Duration: 1000, Data: []byte("vframe")},
			{Duration: 1000, Data: []byte("vframe")},
		})
		return append(frag, mp4.BuildFragment(2, base, []mp4.FragmentSample{
			{Duration: 1000, Data: []byte("aframe")},
			{Duration: 1000, Data: []byte("aframe")},
		})...)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testMaster))
	})
	for _, v := range []string{"v1080", "v720", "v480"} {
		v := v
		mux.HandleFunc(fmt.Sprintf("/%s/prog.m3u8", v), func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(testMediaPlaylist))
		})
		mux.HandleFunc(fmt.Sprintf("/%s/init.mp4", v), func(w http.ResponseWriter, r *http.Request) {
			w.Write(mp4.BuildInit(tracks))
		})
		mux.HandleFunc(fmt.Sprintf("/%s/seg0.mp4", v), func(w http.ResponseWriter, r *http.Request) {
			w.Write(samples(0))
		})
		mux.HandleFunc(fmt.Sprintf("/%s/seg1.mp4", v), func(w http.ResponseWriter, r *http.Request) {
			w.Write(samples(2000))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestPlayer(t *testing.T, srv *httptest.Server, out Output) (*Player, *fakeSink, *fakeSink) {
	t.Helper()
	clock := av.NewTimebase()
	videoSink := newFakeSink(clock, 256, true)
	audioSink := newFakeSink(clock, 256, true)
	p := New(videoSink, audioSink, Config{
		Client: srv.Client(),
		Loader: loader.New(srv.Client()),
		Store:  blob.NewStore(t.TempDir()),
		Output: out,
	})
	t.Cleanup(p.Stop)
	return p, videoSink, audioSink
}

func TestPlayPicksPreferredHeight(t *testing.T) {
	srv := testServer(t)
	p, videoSink, audioSink := newTestPlayer(t, srv, Output{})

	require.NoError(t, p.Play(srv.URL+"/master.m3u8"))

	assert.Equal(t, []string{"1920x1080", "1280x720", "854x480"}, p.Resolutions())
	assert.Equal(t, "1280x720", p.CurrentResolution())
	assert.True(t, p.Automatic())

	// Both sinks receive the segments' frames; no separate audio
	// rendition means audio rides the video assets.
	require.Eventually(t, func() bool {
		return videoSink.frameCount() == 4 && audioSink.frameCount() == 4
	}, 5*time.Second, 10*time.Millisecond)

	pts := videoSink.framePTS()
	for i := 1; i < len(pts); i++ {
		assert.GreaterOrEqual(t, pts[i], pts[i-1])
	}
	assert.InDelta(t, 4.0, p.BufferedTime(), 1e-9)
}

func TestPlayReportsFinished(t *testing.T) {
	srv := testServer(t)
	statusCh := make(chan Status, 16)
	p, _, _ := newTestPlayer(t, srv, Output{OnStatus: func(s Status) { statusCh <- s }})

	require.NoError(t, p.Play(srv.URL+"/master.m3u8"))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-statusCh:
			if s == StatusFinished {
				return
			}
		case <-deadline:
			t.Fatal("player never reported finished")
		}
	}
}

func TestPlayRejectsMediaPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:2.0,\nseg0.mp4\n#EXT-X-ENDLIST\n"))
	}))
	defer srv.Close()

	var gotErr error
	p, _, _ := newTestPlayer(t, srv, Output{OnError: func(err error) { gotErr = err }})

	err := p.Play(srv.URL + "/prog.m3u8")
	require.ErrorIs(t, err, ErrUnsupportedPlaylistShape)
	assert.ErrorIs(t, gotErr, ErrUnsupportedPlaylistShape)
}

func TestAutomaticDownshift(t *testing.T) {
	srv := testServer(t)
	p, _, _ := newTestPlayer(t, srv, Output{})
	require.NoError(t, p.Play(srv.URL+"/master.m3u8"))
	require.Equal(t, "1280x720", p.CurrentResolution())

	p.lock.Lock()
	gen := p.generation
	p.lock.Unlock()

	// Below the threshold nothing happens.
	p.onVideoWaited(gen, 3900*time.Millisecond)
	assert.Equal(t, "1280x720", p.CurrentResolution())

	// Above it the player drops one rung, staying in automatic mode.
	p.onVideoWaited(gen, 4100*time.Millisecond)
	assert.Equal(t, "854x480", p.CurrentResolution())
	assert.True(t, p.Automatic())

	// At the bottom rung the downshift is a no-op.
	p.lock.Lock()
	gen = p.generation
	p.lock.Unlock()
	p.onVideoWaited(gen, 4100*time.Millisecond)
	assert.Equal(t, "854x480", p.CurrentResolution())
}

func TestManualResolutionDisablesABR(t *testing.T) {
	srv := testServer(t)
	p, _, _ := newTestPlayer(t, srv, Output{})
	require.NoError(t, p.Play(srv.URL+"/master.m3u8"))

	require.NoError(t, p.SetResolution("1920x1080"))
	assert.Equal(t, "1920x1080", p.CurrentResolution())
	assert.False(t, p.Automatic())

	p.lock.Lock()
	gen := p.generation
	p.lock.Unlock()
	p.onVideoWaited(gen, 10*time.Second)
	assert.Equal(t, "1920x1080", p.CurrentResolution())

	require.Error(t, p.SetResolution("640x360"))

	p.SetAutomatic()
	assert.True(t, p.Automatic())
}

func TestSeekRestartsFromOffset(t *testing.T) {
	srv := testServer(t)
	p, videoSink, _ := newTestPlayer(t, srv, Output{})
	require.NoError(t, p.Play(srv.URL+"/master.m3u8"))
	require.Eventually(t, func() bool {
		return videoSink.frameCount() == 4
	}, 5*time.Second, 10*time.Millisecond)

	// Seeking into the second segment skips the first.
	require.NoError(t, p.Seek(2.5))
	assert.InDelta(t, 2.5, p.Timebase().Now(), 0.5)
}

func TestVolumeForwardedToSinks(t *testing.T) {
	srv := testServer(t)
	p, videoSink, audioSink := newTestPlayer(t, srv, Output{})

	p.SetVolume(0.25)
	assert.Equal(t, 0.25, p.Volume())
	audioSink.lock.Lock()
	assert.Equal(t, 0.25, audioSink.volume)
	audioSink.lock.Unlock()
	videoSink.lock.Lock()
	assert.Equal(t, 0.25, videoSink.volume)
	videoSink.lock.Unlock()
}

func TestRateChangesClock(t *testing.T) {
	srv := testServer(t)
	p, _, _ := newTestPlayer(t, srv, Output{})
	p.SetRate(2.0)
	assert.Equal(t, 2.0, p.Rate())
}
