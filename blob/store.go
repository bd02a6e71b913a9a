package blob

import (
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	log "github.com/sirupsen/logrus"
)

// WholeResource marks a key covering the full resource.
const WholeResource int64 = -1

// Key content-addresses one cached blob: the basename of the source URI
// plus the byte range it was cut from.
type Key struct {
	Name   string
	Offset int64
	Length int64
}

// NewKey derives a key from a source URI and range. Length
// WholeResource denotes the whole resource.
func NewKey(uri string, offset, length int64) Key {
	return Key{Name: path.Base(uri), Offset: offset, Length: length}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d+%d", k.Name, k.Offset, k.Length)
}

// Store maps keys to assembled segment files under the temp directory.
// Entries live for the process lifetime or until Purge; the files
// themselves survive process exit, cleanup is somebody else's job.
type Store struct {
	session string
	dir     string
	lock    sync.Mutex
	entries *cache.Cache
}

func NewStore(dir string) *Store {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Store{
		session: uuid.NewString(),
		dir:     dir,
		entries: cache.New(cache.NoExpiration, 0),
	}
}

// Get returns the file path cached for key.
func (s *Store) Get(key Key) (string, bool) {
	v, ok := s.entries.Get(key.String())
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Put writes the assembled blob and records it under key. The filename
// is opaque; the hash only needs to be deterministic within this
// process.
func (s *Store) Put(key Key, index int, data []byte) (string, error) {
	name := fmt.Sprintf("%s_%x_%d_%d_%d.mp4", s.session, nameHash(key.Name), index, key.Offset, key.Length)
	file := filepath.Join(s.dir, name)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return "", err
	}
	s.entries.Set(key.String(), file, cache.NoExpiration)
	log.Debugf("blob stored %s -> %s (%d bytes)", key, name, len(data))
	return file, nil
}

// Purge clears the map and best-effort deletes the files. Reissuing the
// same playlist afterwards re-fetches everything.
func (s *Store) Purge() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, item := range s.entries.Items() {
		file, ok := item.Object.(string)
		if !ok {
			continue
		}
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			log.Debug("blob purge: ", err)
		}
	}
	s.entries.Flush()
}

// Count returns how many blobs are currently cached.
func (s *Store) Count() int {
	return s.entries.ItemCount()
}

func nameHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(name)))
	return h.Sum64()
}
