package tasks

import (
	"context"
	"strconv"
	"strings"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/task"
)

// Mode selects which part of a group's header range XOver fetches
// (spec §4.5).
type Mode int

const (
	ModeAll Mode = iota
	ModeNew
	ModeSample
	ModeDays
)

// rangeChunkSize is the original's 1000-article XOVER batching.
const rangeChunkSize = 1000

// SessionReturner is how a task hands a checked-out session back to
// whoever lent it (the Queue, wrapping its pool); kept as a function
// value rather than a back-pointer interface per SPEC_FULL §11.
type SessionReturner func(server quark.Quark, session *nntp.Session, h health.Health)

type xoverRange struct {
	low, high uint64
}

// XOver downloads a newsgroup's headers across every server that
// carries it, splitting each server's target range into
// rangeChunkSize-sized batches (original task-xover.cc).
type XOver struct {
	task.Base

	data      DataStore
	group     quark.Quark
	mode      Mode
	sample    int
	returnTo  SessionReturner

	pending map[quark.Quark][]xoverRange // per-server FIFO of still-to-fetch ranges
	primed  map[quark.Quark]bool         // server has already had its GROUP response
	highMark map[quark.Quark]uint64      // persisted high-water mark per server, for ModeNew

	bytesSeen uint64
}

// NewXOver constructs an XOver task against group across servers,
// using persisted to seed each server's ModeNew low bound.
func NewXOver(ctx context.Context, id string, data DataStore, group quark.Quark, mode Mode, sample int, servers []quark.Quark, persisted map[quark.Quark]uint64, returnTo SessionReturner) *XOver {
	x := &XOver{
		Base:     task.NewBase(ctx, id, "XOVER", "Downloading headers for "+quark.MustResolve(group)),
		data:     data,
		group:    group,
		mode:     mode,
		sample:   sample,
		returnTo: returnTo,
		pending:  make(map[quark.Quark][]xoverRange),
		primed:   make(map[quark.Quark]bool),
		highMark: make(map[quark.Quark]uint64),
	}
	for s, h := range persisted {
		x.highMark[s] = h
	}
	st := x.State()
	st.SetNeedNntp(servers)
	x.SetState(st)
	return x
}

// BytesRemaining always reports 0; header fetches don't have a known
// total in advance.
func (x *XOver) BytesRemaining() uint64 { return 0 }

// UseNntp drives one server's worth of minitasks: if the server hasn't
// been primed yet, it issues GROUP to learn (low, high); otherwise it
// pops the next range batch and issues XOVER.
func (x *XOver) UseNntp(ticket task.Ticket, session *nntp.Session) {
	server := session.Server
	l := &xoverListener{task: x, server: server, session: session}

	x.Lock()
	primed := x.primed[server]
	x.Unlock()
	if !primed {
		session.Group(x.group, l)
		return
	}

	x.Lock()
	ranges := x.pending[server]
	var r xoverRange
	have := len(ranges) > 0
	if have {
		r = ranges[0]
		x.pending[server] = ranges[1:]
	}
	x.Unlock()

	if !have {
		x.returnTo(server, session, health.OK)
		x.checkCompletion()
		return
	}
	session.XOver(x.group, r.low, r.high, l)
}

func (x *XOver) UseDecoder(task.Ticket, task.DecoderSlot) {}
func (x *XOver) UseEncoder(task.Ticket, task.EncoderSlot) {}

func (x *XOver) checkCompletion() {
	x.Lock()
	defer x.Unlock()
	for server := range x.primed {
		if len(x.pending[server]) > 0 {
			return
		}
	}
	st := x.State()
	st.SetCompleted()
	x.SetState(st)
}

type xoverListener struct {
	nntp.BaseListener
	task    *XOver
	server  quark.Quark
	session *nntp.Session
}

func (l *xoverListener) OnGroup(s *nntp.Session, group quark.Quark, estimatedQty int64, low, high int64) {
	x := l.task
	x.Lock()
	target := computeRange(x.mode, x.sample, uint64(low), uint64(high), x.highMark[l.server])
	x.pending[l.server] = splitRange(target.low, target.high, rangeChunkSize)
	x.primed[l.server] = true
	x.Unlock()
}

func (l *xoverListener) OnLine(s *nntp.Session, line []byte) {
	rec, ok := parseOverviewLine(line, l.server, l.task.group)
	if !ok {
		return
	}
	l.task.data.XOverAdd(l.server, l.task.group, rec)
	x := l.task
	x.Lock()
	x.bytesSeen += uint64(rec.Bytes)
	if rec.Number > x.highMark[l.server] {
		x.highMark[l.server] = rec.Number
	}
	x.Unlock()
}

func (l *xoverListener) OnDone(s *nntp.Session, h health.Health, response string) {
	x := l.task
	if !h.Reusable() {
		x.returnTo(l.server, s, h)
		return
	}
	// More minitasks (including the GROUP-derived ranges) may remain for
	// this server; keep the session and drive the next one directly
	// rather than releasing and re-requesting it.
	x.UseNntp(task.Ticket{}, s)
}

// computeRange applies Mode to a server's reported (low, high) and its
// persisted high-water mark.
func computeRange(mode Mode, sample int, low, high, highMark uint64) xoverRange {
	switch mode {
	case ModeNew:
		start := highMark + 1
		if start < low {
			start = low
		}
		if start > high {
			return xoverRange{low: high + 1, high: high} // empty
		}
		return xoverRange{low: start, high: high}
	case ModeSample:
		n := uint64(sample)
		if n == 0 || n > high-low+1 {
			n = high - low + 1
		}
		return xoverRange{low: high - n + 1, high: high}
	default: // ModeAll, ModeDays (days-cutoff filtering belongs to DataStore lookups upstream)
		return xoverRange{low: low, high: high}
	}
}

// splitRange divides [low, high] into chunkSize-sized batches.
func splitRange(low, high uint64, chunkSize uint64) []xoverRange {
	if high < low {
		return nil
	}
	var out []xoverRange
	for start := low; start <= high; start += chunkSize {
		end := start + chunkSize - 1
		if end > high {
			end = high
		}
		out = append(out, xoverRange{low: start, high: end})
		if end == high {
			break
		}
	}
	return out
}

// parseOverviewLine parses one tab-delimited XOVER response line into
// a HeaderRecord, dropping malformed headers silently (spec §4.5).
func parseOverviewLine(line []byte, server, group quark.Quark) (HeaderRecord, bool) {
	fields := strings.Split(string(line), "\t")
	if len(fields) < 5 {
		return HeaderRecord{}, false
	}
	number, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return HeaderRecord{}, false
	}
	subject, author, date, mid := fields[1], fields[2], fields[3], fields[4]
	if subject == "" || author == "" || date == "" || mid == "" || !strings.HasPrefix(mid, "<") {
		return HeaderRecord{}, false
	}

	rec := HeaderRecord{Number: number, Subject: subject, Author: author, Date: date, MessageID: mid}
	if len(fields) > 5 {
		rec.References = fields[5]
	}
	if len(fields) > 6 {
		if b, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
			rec.Bytes = b
		}
	}
	if len(fields) > 7 {
		if l, err := strconv.ParseInt(fields[7], 10, 64); err == nil {
			rec.Lines = l
		}
	}
	if len(fields) > 8 && fields[8] != "" {
		rec.Xref = fields[8]
	} else {
		rec.Xref = quark.MustResolve(server) + " " + quark.MustResolve(group) + ":" + fields[0]
	}
	return rec, true
}
