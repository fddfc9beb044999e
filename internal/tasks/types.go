// Package tasks implements the concrete Task kinds (spec §4.5): XOver,
// Article, Upload, Groups, XzverTest, and the supplemented Multipost.
// Grounded on original_source/pan/tasks/task-xover.cc, task-article.cc,
// task-upload.cc, task-multipost.cc, and task-xzver-test.cc for exact
// per-task semantics, wired onto the Go-native internal/task.Base,
// internal/nntp.Session, and internal/pool.Pool built earlier.
package tasks

import (
	"github.com/pan2/engine/internal/quark"
)

// ArticleCache is the external opaque blob store for fetched article
// part bodies (spec §6's "Cache layout"): add/get/contains plus
// reference counting so concurrent tasks can share a reservation
// without racing eviction.
type ArticleCache interface {
	Add(mid string, body []byte) error
	Get(mid string) ([]byte, bool)
	Contains(mid string) bool
	Reserve(mid string)
	Release(mid string)
}

// EncodeCache is the external opaque blob store for freshly encoded
// upload parts, keyed the same way as ArticleCache.
type EncodeCache interface {
	Add(mid string, body []byte) error
	Get(mid string) ([]byte, bool)
}

// HeaderRecord is one parsed XOVER line, handed to DataStore.XOverAdd
// (spec §4.5).
type HeaderRecord struct {
	Number     uint64
	Subject    string
	Author     string
	Date       string
	MessageID  string
	References string
	Bytes      int64
	Lines      int64
	Xref       string
}

// DataStore is the external article/group metadata store (spec §1/§6);
// the core only calls into it.
type DataStore interface {
	XOverAdd(server, group quark.Quark, rec HeaderRecord)
	GroupAdd(server quark.Quark, name string)
	SetSupportsXzver(server quark.Quark, supported bool)
}

// Part is one piece of a multi-part Article: its own message-id, byte
// count, and the set of (server → article number) mappings a task can
// try while fetching it.
type Part struct {
	MessageID string
	Bytes     int64
	Xref      map[quark.Quark]uint64
}

// Needed tracks one still-missing Part during an Article fetch (spec
// §3's "Needed" data model entry): the part, which server currently
// holds the in-flight request (the zero Quark if none), how many
// servers have already been tried, the accumulating body buffer, and
// the Xref restricted to servers that still might have it.
type Needed struct {
	Part          Part
	Assigned      quark.Quark
	RankTried     int
	Buffer        []byte
	RemainingXref map[quark.Quark]uint64
}

// remainingServers returns the servers still worth trying, in
// map-iteration order (the caller sorts if determinism matters).
func (n *Needed) remainingServers() []quark.Quark {
	servers := make([]quark.Quark, 0, len(n.RemainingXref))
	for s := range n.RemainingXref {
		servers = append(servers, s)
	}
	return servers
}

// dropServer removes server from consideration after a 430, returning
// whether any server is left to try.
func (n *Needed) dropServer(server quark.Quark) bool {
	delete(n.RemainingXref, server)
	return len(n.RemainingXref) > 0
}

// SaveMode controls what an Article task does once every Needed part
// has resolved (spec §4.5).
type SaveMode int

const (
	SaveDecode SaveMode = 1 << iota
	SaveRaw
)

func (m SaveMode) has(flag SaveMode) bool { return m&flag != 0 }
