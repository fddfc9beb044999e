// Package queue implements the Queue scheduler (spec §4.7): the
// single-threaded event-driven loop that matches Tasks to idle pool
// connections and free codec workers, persists the task list to an
// NZB manifest, and tracks online/offline state. Grounded on
// original_source/pan/tasks/queue.cc's process_task/add_task/
// restart_tasks shape, reimplemented as a goroutine draining a single
// event channel (spec §5's "single-threaded cooperative event loop")
// instead of GTK's main-loop idle callbacks.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/pan2/engine/internal/codec"
	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/nzb"
	"github.com/pan2/engine/internal/pool"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/task"
)

// Position selects where add_task inserts a new task (original
// queue.h's AddMode). AGE's exact age-comparison heuristic isn't named
// in the distilled spec or recoverable from the trimmed original
// source; it's treated as Bottom (append) here, the same default the
// original's TaskUpload-only queue.h uses.
type Position int

const (
	Bottom Position = iota
	Top
	Age
)

// Config bundles everything the Queue needs at construction: the
// per-server pools it schedules against, the shared decoder/encoder
// workers, and the NZB persistence target.
type Config struct {
	Pools      map[quark.Quark]*pool.Pool
	Decoder    *codec.Worker
	Encoder    *codec.Worker
	Log        health.Log
	FS         afero.Fs
	NZBPath    string
	SaveDelay  time.Duration
	MaxRetries int
}

type eventKind int

const (
	evAddTask eventKind = iota
	evPoolAvailable
	evNntpReturned
	evWorkerReturned
	evUpkeep
	evRemoveTask
	evStopTask
	evWakeTask
	evSetOnline
	evStop
)

type event struct {
	kind     eventKind
	task     task.Task
	position Position
	server   quark.Quark
	session  *nntp.Session
	health   health.Health
	id       string
	online   bool
}

// Queue schedules a list of Tasks against a set of per-server pools
// and shared codec workers. All mutation happens inside run(), reached
// only through the events channel, so Queue needs no exported locking.
type Queue struct {
	cfg Config

	events chan event
	done   chan struct{}

	tasks        []task.Task
	stopped      map[string]bool
	removing     map[string]bool
	sessionOwner map[*nntp.Session]task.Task
	retries      map[string]int

	online   bool
	dirty    bool
	lastSave time.Time

	statsMu sync.Mutex
	stats   Stats
}

// Stats is a point-in-time snapshot of scheduler state, read by
// internal/statusapi's /status endpoint (SPEC_FULL §2). It's computed
// once per event-loop iteration and cached under statsMu so Stats()
// never blocks on — or races with — the run goroutine.
type Stats struct {
	Online       bool
	TaskCount    int
	NeedNntp     int
	NeedDecoder  int
	NeedEncoder  int
	Working      int
	Paused       int
	Completed    int
	BytesPending uint64
}

// Stats returns the most recently computed snapshot.
func (q *Queue) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return q.stats
}

func (q *Queue) refreshStats() {
	s := Stats{Online: q.online, TaskCount: len(q.tasks)}
	for _, t := range q.tasks {
		switch t.State().Work {
		case task.NeedNntp:
			s.NeedNntp++
		case task.NeedDecoder:
			s.NeedDecoder++
		case task.NeedEncoder:
			s.NeedEncoder++
		case task.Working:
			s.Working++
		case task.Paused:
			s.Paused++
		case task.Completed:
			s.Completed++
		}
		s.BytesPending += t.BytesRemaining()
	}
	q.statsMu.Lock()
	q.stats = s
	q.statsMu.Unlock()
}

// New constructs a Queue and starts its event loop; call Close to stop
// it. The Queue starts online.
func New(cfg Config) *Queue {
	q := &Queue{
		cfg:          cfg,
		events:       make(chan event, 64),
		done:         make(chan struct{}),
		stopped:      make(map[string]bool),
		removing:     make(map[string]bool),
		sessionOwner: make(map[*nntp.Session]task.Task),
		retries:      make(map[string]int),
		online:       true,
	}
	go q.run()
	return q
}

// AddTask enqueues t at the given position and immediately considers
// it for scheduling.
func (q *Queue) AddTask(t task.Task, pos Position) {
	q.events <- event{kind: evAddTask, task: t, position: pos}
}

// RemoveTask marks a task for deletion; it is dropped the next time
// the scheduler considers it.
func (q *Queue) RemoveTask(id string) { q.events <- event{kind: evRemoveTask, id: id} }

// StopTask pauses a task in place; it remains in the list but is
// skipped by process_task until WakeTask is called.
func (q *Queue) StopTask(id string) { q.events <- event{kind: evStopTask, id: id} }

// WakeTask resumes a previously stopped task.
func (q *Queue) WakeTask(id string) { q.events <- event{kind: evWakeTask, id: id} }

// SetOnline toggles whether the scheduler hands out connections at
// all; task mutations are still accepted while offline (spec §4.7).
func (q *Queue) SetOnline(online bool) { q.events <- event{kind: evSetOnline, online: online} }

// Upkeep drives the periodic tick spec §4.7 calls for: idle-session
// pings and dirty-state persistence. Call this from a ticker.
func (q *Queue) Upkeep() { q.events <- event{kind: evUpkeep} }

// OnNntpAvailable implements pool.Listener: a server's pool has an
// idle session ready.
func (q *Queue) OnNntpAvailable(server quark.Quark) {
	q.events <- event{kind: evPoolAvailable, server: server}
}

// OnPoolError implements pool.Listener; logged directly since
// health.Log is safe for concurrent use and no scheduling decision
// hinges on it beyond what CheckIn/CheckOut already reflect.
func (q *Queue) OnPoolError(server quark.Quark, message string) {
	q.cfg.Log.Warn("pool %s: %s", quark.MustResolve(server), message)
}

// Close stops the event loop; in-flight pool/worker activity is left
// to the caller to tear down (Pool.Close/Worker.Close).
func (q *Queue) Close() {
	q.events <- event{kind: evStop}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for ev := range q.events {
		switch ev.kind {
		case evAddTask:
			q.doAddTask(ev.task, ev.position)
		case evPoolAvailable:
			q.sweepNeedNntp(ev.server)
		case evNntpReturned:
			q.doReturn(ev.server, ev.session, ev.health)
		case evWorkerReturned:
			q.sweepAll()
		case evUpkeep:
			q.doUpkeep()
		case evRemoveTask:
			q.removing[ev.id] = true
			q.sweepAll()
		case evStopTask:
			q.doStop(ev.id)
		case evWakeTask:
			q.doWake(ev.id)
		case evSetOnline:
			q.online = ev.online
			if q.online {
				q.sweepAll()
			}
		case evStop:
			return
		}
		q.refreshStats()
	}
}

func (q *Queue) findTask(id string) task.Task {
	for _, t := range q.tasks {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

func (q *Queue) doAddTask(t task.Task, pos Position) {
	switch pos {
	case Top:
		q.tasks = append([]task.Task{t}, q.tasks...)
	default: // Bottom, Age
		q.tasks = append(q.tasks, t)
	}
	q.dirty = true
	q.processTask(t)
}

func (q *Queue) doStop(id string) {
	t := q.findTask(id)
	if t == nil {
		return
	}
	q.stopped[id] = true
	t.Stop()
}

func (q *Queue) doWake(id string) {
	t := q.findTask(id)
	if t == nil {
		return
	}
	delete(q.stopped, id)
	t.Wakeup()
	q.processTask(t)
}

// sweepAll reconsiders every task in list order (spec §4.7 fairness).
func (q *Queue) sweepAll() {
	for _, t := range q.tasks {
		q.processTask(t)
	}
	q.pruneCompleted()
}

// sweepNeedNntp reconsiders only tasks that could use server, in list
// order, once that server reports an available session.
func (q *Queue) sweepNeedNntp(server quark.Quark) {
	for _, t := range q.tasks {
		if t.State().Work != task.NeedNntp {
			continue
		}
		if !acceptsServer(t.State().AcceptableServers, server) {
			continue
		}
		q.processTask(t)
	}
	q.pruneCompleted()
}

func acceptsServer(servers []quark.Quark, server quark.Quark) bool {
	for _, s := range servers {
		if s == server {
			return true
		}
	}
	return false
}

func (q *Queue) pruneCompleted() {
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.State().Work == task.Completed || q.removing[t.ID()] {
			delete(q.removing, t.ID())
			delete(q.stopped, t.ID())
			delete(q.retries, t.ID())
			q.dirty = true
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
}

// processTask implements spec §4.7's process_task.
func (q *Queue) processTask(t task.Task) {
	st := t.State()
	if st.Work == task.Completed || q.removing[t.ID()] {
		return
	}
	if q.stopped[t.ID()] {
		return
	}
	if st.Health == health.ErrCommand || st.Health == health.ErrLocal {
		return
	}
	if st.Health == health.ErrNoSpace {
		q.online = false
		return
	}
	if !q.online {
		return
	}

	switch st.Work {
	case task.NeedNntp:
		q.assignNntp(t, st.AcceptableServers)
	case task.NeedDecoder:
		q.assignDecoder(t)
	case task.NeedEncoder:
		q.assignEncoder(t)
	}
}

// assignNntp ensures every acceptable server's pool has been asked for
// a connection, then checks out the best-scored idle session and
// hands it to t (spec §4.7's scoring: idle*10 + empty_slots).
func (q *Queue) assignNntp(t task.Task, servers []quark.Quark) {
	type candidate struct {
		server quark.Quark
		score  int
	}
	var candidates []candidate
	for _, s := range servers {
		p, ok := q.cfg.Pools[s]
		if !ok {
			continue
		}
		p.RequestConnection()
		idle, active, max := p.Counts()
		candidates = append(candidates, candidate{server: s, score: pool.Score(idle, active, max)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].server < candidates[j].server
	})

	for _, c := range candidates {
		if c.score <= 0 {
			continue
		}
		session, ok := q.cfg.Pools[c.server].CheckOut()
		if !ok {
			continue
		}
		q.sessionOwner[session] = t
		ticket := task.NewTicket(uuid.NewString(), t.Context())
		t.UseNntp(ticket, session)
		return
	}
}

func (q *Queue) assignDecoder(t task.Task) {
	if !q.cfg.Decoder.Free() {
		return
	}
	slot := codec.DecoderSlot{W: q.cfg.Decoder}
	ticket := task.NewTicket(uuid.NewString(), t.Context())
	go func() {
		t.UseDecoder(ticket, slot)
		q.events <- event{kind: evWorkerReturned}
	}()
}

func (q *Queue) assignEncoder(t task.Task) {
	if !q.cfg.Encoder.Free() {
		return
	}
	slot := codec.EncoderSlot{W: q.cfg.Encoder}
	ticket := task.NewTicket(uuid.NewString(), t.Context())
	go func() {
		t.UseEncoder(ticket, slot)
		q.events <- event{kind: evWorkerReturned}
	}()
}

// Return implements tasks.SessionReturner. A task's NNTP listener
// calls this from inside OnDone, which runs on the session's own
// Socket.Run goroutine (spec §5: "across sessions there is no
// ordering guarantee") rather than the Queue's loop goroutine, so this
// posts event #3 of spec §4.7 ("nntp_returned") instead of mutating
// Queue state directly — every structural change to the task list and
// pool bookkeeping happens on a single goroutine inside run().
func (q *Queue) Return(server quark.Quark, session *nntp.Session, h health.Health) {
	q.events <- event{kind: evNntpReturned, server: server, session: session, health: h}
}

func (q *Queue) doReturn(server quark.Quark, session *nntp.Session, h health.Health) {
	p, ok := q.cfg.Pools[server]
	if !ok {
		return
	}
	owner := q.sessionOwner[session]
	delete(q.sessionOwner, session)
	p.CheckIn(session, h)
	if h.Reusable() {
		p.RequestConnection()
	}
	if owner != nil {
		q.trackRetry(owner, h)
	}
	q.sweepNeedNntp(server)
}

// trackRetry bounds how many times a task can be handed back a session
// with health.ErrNetwork before it's stopped rather than requeued
// indefinitely (spec §4.7/SPEC_FULL §2's queue.max_retries). A
// non-positive MaxRetries means no bound. Any other outcome, success or
// a protocol-level failure already excluded from scheduling by
// processTask, resets the count: it's ErrNetwork specifically
// (transient, never blocked from retrying on its own) that can loop
// forever against a server that's simply unreachable.
func (q *Queue) trackRetry(t task.Task, h health.Health) {
	if h != health.ErrNetwork {
		delete(q.retries, t.ID())
		return
	}
	if q.cfg.MaxRetries <= 0 {
		return
	}
	q.retries[t.ID()]++
	if q.retries[t.ID()] < q.cfg.MaxRetries {
		return
	}
	delete(q.retries, t.ID())
	q.cfg.Log.Warn("task %s: exceeded max_retries (%d) on repeated network failure, stopping", t.ID(), q.cfg.MaxRetries)
	t.Stop()
}

// doUpkeep is the periodic tick: idle-session pings plus NZB
// persistence once the queue has been dirty for longer than
// SaveDelay (spec §4.7).
func (q *Queue) doUpkeep() {
	for _, p := range q.cfg.Pools {
		p.IdleUpkeep()
	}
	q.sweepAll()

	if !q.dirty {
		return
	}
	if time.Since(q.lastSave) < q.cfg.SaveDelay {
		return
	}
	if err := q.save(); err != nil {
		q.cfg.Log.Warn("queue: save failed: %s", err.Error())
		return
	}
	q.dirty = false
	q.lastSave = time.Now()
}

// RoundTrippable is implemented by tasks that can serialize themselves
// into an NZB <file> entry (spec §4.8): currently only a download-style
// Article task with a save path.
type RoundTrippable interface {
	NZBRecord() (nzb.FileRecord, bool)
}

func (q *Queue) save() error {
	var records []nzb.FileRecord
	for _, t := range q.tasks {
		rt, ok := t.(RoundTrippable)
		if !ok {
			continue
		}
		if rec, ok := rt.NZBRecord(); ok {
			records = append(records, rec)
		}
	}
	return nzb.Save(q.cfg.FS, q.cfg.NZBPath, records)
}

// LoadAndRestart reads a persisted NZB manifest and hands each record
// to build back into a Task via build, adding it to the Queue before
// the scheduler is told to go online (spec §4.7: "restart loads the
// manifest and recreates the tasks before going online").
func LoadAndRestart(ctx context.Context, fs afero.Fs, path string, q *Queue, build func(context.Context, nzb.FileRecord) task.Task) error {
	records, err := nzb.Load(fs, path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		t := build(ctx, rec)
		if t != nil {
			q.AddTask(t, Bottom)
		}
	}
	return nil
}
