package loader

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/kokoavailable/hlsplay/m3u8"

	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidURL = errors.New("invalid playlist url")
)

// Loader fetches and decodes playlists. Load tries the master decoder
// first and retries the same body as a media playlist when the decoder
// reports a media-only tag. It also remembers whether the server
// advertised byte-range support.
type Loader struct {
	client *http.Client

	lock           sync.Mutex
	base           *url.URL
	supportsRanges bool
}

func New(client *http.Client) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{client: client}
}

// Base returns the URL of the last top-level playlist loaded.
func (l *Loader) Base() *url.URL {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.base
}

// SupportsRanges reports whether the playlist server advertised
// "Accept-Ranges: bytes".
func (l *Loader) SupportsRanges() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.supportsRanges
}

// Load fetches rawurl and decodes it, master first with a media retry.
func (l *Loader) Load(rawurl string) (m3u8.Playlist, error) {
	u, err := url.Parse(rawurl)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawurl)
	}
	body, err := l.fetch(u)
	if err != nil {
		return nil, err
	}
	l.lock.Lock()
	l.base = u
	l.lock.Unlock()

	master, err := m3u8.DecodeMaster(body)
	if errors.Is(err, m3u8.ErrMediaInsteadOfMaster) {
		log.Debug("master decode saw media tags, retrying as media: ", u)
		return m3u8.DecodeMedia(body)
	}
	if err != nil {
		return nil, err
	}
	return master, nil
}

// LoadMedia resolves uri against the base playlist URL and decodes the
// result as a media playlist. A media-only-tag error here is final.
func (l *Loader) LoadMedia(uri string) (*m3u8.MediaPlaylist, *url.URL, error) {
	base := l.Base()
	target, err := Resolve(base, uri)
	if err != nil {
		return nil, nil, err
	}
	body, err := l.fetch(target)
	if err != nil {
		return nil, nil, err
	}
	pl, err := m3u8.DecodeMedia(body)
	if err != nil {
		return nil, nil, err
	}
	return pl, target, nil
}

func (l *Loader) fetch(u *url.URL) ([]byte, error) {
	resp, err := l.client.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(resp.Status)
	}
	if strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") {
		l.lock.Lock()
		l.supportsRanges = true
		l.lock.Unlock()
	}
	return io.ReadAll(resp.Body)
}

// Resolve joins uri with ref. Inputs containing "://" parse as absolute
// URLs; anything else replaces the last path component of ref.
func Resolve(ref *url.URL, uri string) (*url.URL, error) {
	if strings.Contains(uri, "://") {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidURL, uri)
		}
		return u, nil
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: relative %q without base", ErrInvalidURL, uri)
	}
	rel, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, uri)
	}
	return ref.ResolveReference(rel), nil
}
