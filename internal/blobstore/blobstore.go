// Package blobstore is the default disk-backed implementation of
// tasks.ArticleCache and tasks.EncodeCache (spec §6's External
// Interfaces): article bodies and freshly encoded upload parts are
// opaque blobs keyed by message-id, sharded onto disk, with a small
// in-memory LRU fronting repeated Contains/Get calls during a busy
// fetch burst. Grounded on the teacher's internal/cache/nzb_cache.go
// (an id-keyed directory of files), extended with the sharding and
// cache layout spec.md §6 names explicitly.
package blobstore

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
)

// DiskCache stores blobs under baseDir, sharded by shardFn, with a
// bounded LRU of recently-touched bodies in front of the filesystem.
// It satisfies both tasks.ArticleCache and tasks.EncodeCache; the
// Reserve/Release pair only keeps a per-message-id count of in-flight
// fetches, which Contains and Get do not consult, and never drives
// eviction — the LRU alone decides what stays resident in memory.
type DiskCache struct {
	fs      afero.Fs
	baseDir string
	shardFn func(mid string) string

	mu       sync.Mutex
	hot      *lru.Cache[string, []byte]
	reserved map[string]int
}

func newDiskCache(fs afero.Fs, baseDir string, lruSize int, shardFn func(string) string) (*DiskCache, error) {
	hot, err := lru.New[string, []byte](lruSize)
	if err != nil {
		return nil, err
	}
	return &DiskCache{
		fs:       fs,
		baseDir:  baseDir,
		shardFn:  shardFn,
		hot:      hot,
		reserved: make(map[string]int),
	}, nil
}

// NewArticleCache builds the "<home>/articles/<first-byte-of-mid-hash>/<mid>"
// layout spec §6 names for fetched article bodies.
func NewArticleCache(fs afero.Fs, home string, lruSize int) (*DiskCache, error) {
	return newDiskCache(fs, filepath.Join(home, "articles"), lruSize, shardByFirstHashByte)
}

// NewEncodeCache builds the flat "<home>/encode-cache/<mid>" layout
// spec §6 names for freshly yEnc-encoded upload parts.
func NewEncodeCache(fs afero.Fs, home string, lruSize int) (*DiskCache, error) {
	return newDiskCache(fs, filepath.Join(home, "encode-cache"), lruSize, flatShard)
}

func (c *DiskCache) path(mid string) string {
	return filepath.Join(c.baseDir, c.shardFn(mid))
}

// Add writes body to disk and seeds the hot cache with it.
func (c *DiskCache) Add(mid string, body []byte) error {
	p := c.path(mid)
	if err := c.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(c.fs, p, body, 0o644); err != nil {
		return err
	}
	c.mu.Lock()
	c.hot.Add(mid, body)
	c.mu.Unlock()
	return nil
}

// Get returns mid's body, checking the hot cache before falling back
// to disk.
func (c *DiskCache) Get(mid string) ([]byte, bool) {
	c.mu.Lock()
	if body, ok := c.hot.Get(mid); ok {
		c.mu.Unlock()
		return body, true
	}
	c.mu.Unlock()

	body, err := afero.ReadFile(c.fs, c.path(mid))
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	c.hot.Add(mid, body)
	c.mu.Unlock()
	return body, true
}

// Contains reports whether mid is already cached, without reading its
// body.
func (c *DiskCache) Contains(mid string) bool {
	c.mu.Lock()
	if c.hot.Contains(mid) {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	ok, _ := afero.Exists(c.fs, c.path(mid))
	return ok
}

// Reserve marks mid as being fetched by one more caller.
func (c *DiskCache) Reserve(mid string) {
	c.mu.Lock()
	c.reserved[mid]++
	c.mu.Unlock()
}

// Release undoes one Reserve call.
func (c *DiskCache) Release(mid string) {
	c.mu.Lock()
	if n := c.reserved[mid]; n <= 1 {
		delete(c.reserved, mid)
	} else {
		c.reserved[mid] = n - 1
	}
	c.mu.Unlock()
}

// shardByFirstHashByte spreads article files across 256 directories
// by the first byte of the message-id's SHA-1, since a flat directory
// of every fetched article would otherwise grow unbounded.
func shardByFirstHashByte(mid string) string {
	sum := sha1.Sum([]byte(mid))
	return filepath.Join(hex.EncodeToString(sum[:1]), sanitize(mid))
}

func flatShard(mid string) string {
	return sanitize(mid)
}

// sanitize strips path separators a message-id could otherwise smuggle
// into the cache path; NNTP message-ids are angle-bracket-wrapped
// opaque tokens with no standard escaping of their own.
func sanitize(mid string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(mid)
}
