package tasks

import (
	"context"
	"sync"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/task"
)

// fakeWriter captures everything a Session writes, standing in for the
// socket.Socket transport (mirrors internal/nntp's own test harness)
// so these tests drive real *nntp.Session instances without a socket.
type fakeWriter struct {
	mu    sync.Mutex
	lines [][]byte
}

func (f *fakeWriter) WriteCommand(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, append([]byte(nil), p...))
	return nil
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, append([]byte(nil), p...))
	return len(p), nil
}

func newTestSession(server quark.Quark) *nntp.Session {
	return nntp.New(server, &fakeWriter{}, "", "")
}

// fakeArticleCache is a minimal in-memory ArticleCache for Article tests.
type fakeArticleCache struct {
	mu    sync.Mutex
	blobs map[string][]byte
	have  map[string]bool
}

func newFakeArticleCache(have ...string) *fakeArticleCache {
	c := &fakeArticleCache{blobs: make(map[string][]byte), have: make(map[string]bool)}
	for _, mid := range have {
		c.have[mid] = true
	}
	return c
}

func (c *fakeArticleCache) Add(mid string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[mid] = append([]byte(nil), body...)
	return nil
}

func (c *fakeArticleCache) Get(mid string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[mid]
	return b, ok
}

func (c *fakeArticleCache) Contains(mid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.have[mid]
}

func (c *fakeArticleCache) Reserve(mid string) {}
func (c *fakeArticleCache) Release(mid string) {}

// fakeEncodeCache is a minimal in-memory EncodeCache for Upload tests.
type fakeEncodeCache struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeEncodeCache() *fakeEncodeCache {
	return &fakeEncodeCache{blobs: make(map[string][]byte)}
}

func (c *fakeEncodeCache) Add(mid string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[mid] = append([]byte(nil), body...)
	return nil
}

func (c *fakeEncodeCache) Get(mid string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[mid]
	return b, ok
}

// fakeDataStore records every XOverAdd/GroupAdd/SetSupportsXzver call for
// assertions, standing in for the real metadata store.
type fakeDataStore struct {
	mu        sync.Mutex
	overviews []HeaderRecord
	groups    []string
	xzver     map[quark.Quark]bool
}

func newFakeDataStore() *fakeDataStore {
	return &fakeDataStore{xzver: make(map[quark.Quark]bool)}
}

func (d *fakeDataStore) XOverAdd(server, group quark.Quark, rec HeaderRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overviews = append(d.overviews, rec)
}

func (d *fakeDataStore) GroupAdd(server quark.Quark, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = append(d.groups, name)
}

func (d *fakeDataStore) SetSupportsXzver(server quark.Quark, supported bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.xzver[server] = supported
}

// fakeDecoderSlot and fakeEncoderSlot stand in for internal/codec's
// worker when a task reaches NeedDecoder/NeedEncoder.
type fakeDecoderSlot struct {
	calledWith []string
	saveDir    string
	err        error
}

func (f *fakeDecoderSlot) Decode(ctx context.Context, partPaths []string, saveDir string, progress *health.Progress) error {
	f.calledWith = append(f.calledWith, partPaths...)
	f.saveDir = saveDir
	return f.err
}

type fakeEncoderSlot struct {
	parts []task.EncodedPart
	err   error
}

func (f *fakeEncoderSlot) Encode(ctx context.Context, sourcePath, fileName string, linesPerPart int, progress *health.Progress) ([]task.EncodedPart, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.parts, nil
}

// returnLog records every SessionReturner invocation.
type returnLog struct {
	mu    sync.Mutex
	calls []returnCall
}

type returnCall struct {
	server quark.Quark
	health health.Health
}

func (r *returnLog) returner() SessionReturner {
	return func(server quark.Quark, session *nntp.Session, h health.Health) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, returnCall{server: server, health: h})
	}
}

func (r *returnLog) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *returnLog) last() returnCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}
