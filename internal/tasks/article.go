package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/nzb"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/task"
)

// Article fetches every missing Part of an article's body and, once
// every part has resolved, hands the assembled part files to the
// decoder per SaveMode (spec §4.5, original task-article.cc).
type Article struct {
	task.Base

	cache    ArticleCache
	group    quark.Quark
	savePath string
	saveMode SaveMode
	returnTo SessionReturner

	poster  string
	subject string
	date    int64

	needed    []*Needed
	partFiles map[string]string // message-id -> scratch file holding its raw body
}

// NewArticle constructs an Article fetch task for parts, skipping any
// already present in cache. poster/subject/date are carried through
// purely for NZBRecord round-tripping (spec §4.8); they play no part
// in the fetch itself.
func NewArticle(ctx context.Context, id string, cache ArticleCache, group quark.Quark, parts []Part, savePath string, saveMode SaveMode, poster, subject string, date int64, returnTo SessionReturner) *Article {
	a := &Article{
		Base:      task.NewBase(ctx, id, "ARTICLE", "Fetching "+id),
		cache:     cache,
		group:     group,
		savePath:  savePath,
		saveMode:  saveMode,
		returnTo:  returnTo,
		poster:    poster,
		subject:   subject,
		date:      date,
		partFiles: make(map[string]string),
	}
	for _, p := range parts {
		if cache.Contains(p.MessageID) {
			continue
		}
		cache.Reserve(p.MessageID)
		remaining := make(map[quark.Quark]uint64, len(p.Xref))
		for s, n := range p.Xref {
			remaining[s] = n
		}
		a.needed = append(a.needed, &Needed{Part: p, RemainingXref: remaining})
	}

	st := a.State()
	if len(a.needed) == 0 {
		a.finishFetch(&st)
	} else {
		st.SetNeedNntp(a.acceptableServers())
	}
	a.SetState(st)
	return a
}

// acceptableServers must be called with a's lock held (or before the
// task is reachable from more than one goroutine, as NewArticle does).
func (a *Article) acceptableServers() []quark.Quark {
	seen := map[quark.Quark]bool{}
	var out []quark.Quark
	for _, n := range a.needed {
		if n.Assigned.IsValid() {
			continue
		}
		for s := range n.RemainingXref {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BytesRemaining sums the byte size of every still-unresolved part.
func (a *Article) BytesRemaining() uint64 {
	a.Lock()
	defer a.Unlock()
	var rem uint64
	for _, n := range a.needed {
		if _, done := a.partFiles[n.Part.MessageID]; !done {
			rem += uint64(n.Part.Bytes)
		}
	}
	return rem
}

// UseNntp picks the lowest-rank still-unassigned Needed this server can
// serve and issues ARTICLE for it (spec §4.5).
func (a *Article) UseNntp(ticket task.Ticket, session *nntp.Session) {
	server := session.Server

	a.Lock()
	n := a.pickNeeded(server)
	var number uint64
	var ok bool
	if n != nil {
		n.Assigned = server
		n.RankTried++
		number, ok = n.RemainingXref[server]
	}
	a.Unlock()

	if n == nil {
		a.returnTo(server, session, health.OK)
		return
	}

	l := &articleListener{task: a, server: server, needed: n}
	if ok && number > 0 {
		session.Article(a.group, number, l)
	} else {
		session.ArticleByMessageID(n.Part.MessageID, l)
	}
}

// pickNeeded must be called with a's lock held.
func (a *Article) pickNeeded(server quark.Quark) *Needed {
	var best *Needed
	for _, n := range a.needed {
		if n.Assigned.IsValid() || n.Buffer != nil {
			continue
		}
		if _, ok := n.RemainingXref[server]; !ok {
			continue
		}
		if best == nil || n.RankTried < best.RankTried {
			best = n
		}
	}
	return best
}

// UseDecoder concatenates every resolved part's scratch file into
// savePath, in message order, when SaveMode asks for decoding.
func (a *Article) UseDecoder(ticket task.Ticket, slot task.DecoderSlot) {
	a.Lock()
	paths := make([]string, 0, len(a.needed))
	for _, n := range a.needed {
		path, ok := a.partFiles[n.Part.MessageID]
		if !ok {
			continue
		}
		paths = append(paths, path)
	}
	a.Unlock()

	st := a.State()
	err := slot.Decode(ticket.Context(), paths, a.savePath, &a.Progress)
	a.cleanupPartFiles()
	if err != nil {
		st.Health = health.ErrLocal
	}
	st.SetCompleted()
	a.SetState(st)
}

func (a *Article) UseEncoder(task.Ticket, task.EncoderSlot) {}

func (a *Article) cleanupPartFiles() {
	for _, path := range a.partFiles {
		os.Remove(path)
	}
}

// finishFetch is called once every Needed has either resolved or
// permanently failed; it decides the next Work state from SaveMode.
func (a *Article) finishFetch(st *task.State) {
	switch {
	case a.saveMode.has(SaveDecode):
		st.SetNeedDecoder()
	case a.saveMode.has(SaveRaw):
		if err := a.saveRaw(); err != nil {
			st.Health = health.ErrLocal
		}
		st.SetCompleted()
	default:
		st.SetCompleted()
	}
}

// saveRaw concatenates every part's scratch file into savePath as-is,
// used when SaveMode has SaveRaw set and SaveDecode unset (spec §4.5).
// With both flags set, finishFetch only moves the task to NeedDecoder
// and saveRaw does not run.
func (a *Article) saveRaw() error {
	out, err := os.Create(a.savePath)
	if err != nil {
		return err
	}
	defer out.Close()
	for _, n := range a.needed {
		path, ok := a.partFiles[n.Part.MessageID]
		if !ok {
			return fmt.Errorf("tasks: article: missing part file for %s", n.Part.MessageID)
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := out.Write(body); err != nil {
			return err
		}
	}
	return nil
}

type articleListener struct {
	nntp.BaseListener
	task   *Article
	server quark.Quark
	needed *Needed
}

func (l *articleListener) OnLine(s *nntp.Session, line []byte) {
	a := l.task
	a.Lock()
	l.needed.Buffer = append(l.needed.Buffer, line...)
	l.needed.Buffer = append(l.needed.Buffer, '\n')
	a.Unlock()
}

func (l *articleListener) OnDone(s *nntp.Session, h health.Health, response string) {
	n := l.needed
	a := l.task

	a.Lock()
	switch h {
	case health.OK:
		path := filepath.Join(os.TempDir(), "pan2-article-"+n.Part.MessageID)
		buf := n.Buffer
		if err := os.WriteFile(path, buf, 0o644); err == nil {
			a.partFiles[n.Part.MessageID] = path
		}
		n.Buffer = nil
		a.Unlock()
		_ = a.cache.Add(n.Part.MessageID, buf)
		a.cache.Release(n.Part.MessageID)
	case health.ErrCommand:
		// 430 no such article: drop this server and retry elsewhere.
		more := n.dropServer(l.server)
		n.Assigned = 0
		a.Unlock()
		if !more {
			st := a.State()
			st.Health = health.ErrCommand
			a.SetState(st)
		}
	default:
		n.Assigned = 0
		a.Unlock()
		a.returnTo(l.server, s, h)
		return
	}

	a.checkCompletion()
	a.UseNntp(task.Ticket{}, s)
}

func (a *Article) checkCompletion() {
	a.Lock()
	for _, n := range a.needed {
		_, done := a.partFiles[n.Part.MessageID]
		if !done && len(n.RemainingXref) > 0 {
			a.Unlock()
			return
		}
	}
	a.Unlock()

	st := a.State()
	a.finishFetch(&st)
	a.SetState(st)
}

// NZBRecord implements queue.RoundTrippable: an Article download with
// a save path restarts from its NZB entry on the next launch (spec
// §4.8); one without a save path (pure cache fill) isn't restartable
// and reports ok=false so Queue.save skips it.
func (a *Article) NZBRecord() (nzb.FileRecord, bool) {
	if a.savePath == "" {
		return nzb.FileRecord{}, false
	}
	a.Lock()
	defer a.Unlock()

	segs := make([]nzb.Segment, len(a.needed))
	for i, n := range a.needed {
		segs[i] = nzb.Segment{Number: i + 1, Bytes: n.Part.Bytes, MessageID: n.Part.MessageID}
	}
	return nzb.FileRecord{
		Poster:   a.poster,
		Date:     a.date,
		Subject:  a.subject,
		SavePath: a.savePath,
		Groups:   []string{quark.MustResolve(a.group)},
		Segments: segs,
	}, true
}
