// Package task defines the abstract unit of work the Queue schedules:
// a declared Work state, a Health, and the resource handoff contract
// (UseNntp/UseDecoder/UseEncoder/Stop). Grounded on
// original_source/pan/tasks/task.h's State/give_nntp/check_in contract,
// replacing its back-pointer-based give/check-in pairing with explicit
// Ticket values per SPEC_FULL §11 (no Task↔Queue cyclic listener graph).
package task

import (
	"context"
	"sync"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/quark"
)

// Work is the task's position in the shared state machine (spec §4.5).
type Work int

const (
	Initial Work = iota
	NeedNntp
	NeedDecoder
	NeedEncoder
	Working
	Paused
	Completed
)

func (w Work) String() string {
	switch w {
	case Initial:
		return "Initial"
	case NeedNntp:
		return "NeedNntp"
	case NeedDecoder:
		return "NeedDecoder"
	case NeedEncoder:
		return "NeedEncoder"
	case Working:
		return "Working"
	case Paused:
		return "Paused"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// State is a Task's (work, health, acceptable_servers) triple (spec §3).
type State struct {
	Work              Work
	Health            health.Health
	AcceptableServers []quark.Quark
}

// SetNeedNntp moves into NeedNntp with the given candidate servers.
func (s *State) SetNeedNntp(servers []quark.Quark) {
	s.Work = NeedNntp
	s.AcceptableServers = servers
}

// SetNeedDecoder/SetNeedEncoder/SetWorking/SetPaused/SetCompleted clear
// AcceptableServers, since it's only meaningful in NeedNntp.
func (s *State) SetNeedDecoder() { s.Work = NeedDecoder; s.AcceptableServers = nil }
func (s *State) SetNeedEncoder() { s.Work = NeedEncoder; s.AcceptableServers = nil }
func (s *State) SetWorking()     { s.Work = Working; s.AcceptableServers = nil }
func (s *State) SetPaused()      { s.Work = Paused; s.AcceptableServers = nil }
func (s *State) SetCompleted()   { s.Work = Completed; s.AcceptableServers = nil }

// Ticket is an opaque handle the Queue mints each time it lends a task
// a checked-out resource (NNTP session, decoder, encoder), replacing the
// original's NNTP::Source/DecoderSource/EncoderSource back-pointers: it
// carries an id and the context the work runs under, so the holder
// doesn't need a pointer back to whoever lent it the resource. Sessions
// go back through the task's SessionReturner, not through the Ticket.
type Ticket struct {
	id  string
	ctx context.Context
}

// Task is the interface the Queue schedules. Implementations embed
// Base (and through it health.Progress) for step tracking and satisfy nntp.Listener (or
// delegate to one) while they hold a session.
type Task interface {
	// ID identifies the task for logs, the status API, and NZB persistence.
	ID() string
	// Type names the task kind ("XOVER", "ARTICLE", "UPLOAD", ...).
	Type() string
	// Description is a short human-readable summary.
	Description() string

	State() State
	BytesRemaining() uint64
	// Context is the task's private cancellation context, used by the
	// Queue to build the Ticket it hands the task along with a
	// checked-out session/decoder/encoder.
	Context() context.Context

	// UseNntp hands the task a checked-out session; the task must issue
	// at least one command before returning (spec §4.4).
	UseNntp(ticket Ticket, session *nntp.Session)
	// UseDecoder/UseEncoder are the off-thread analogues.
	UseDecoder(ticket Ticket, slot DecoderSlot)
	UseEncoder(ticket Ticket, slot EncoderSlot)

	// Stop cooperatively cancels the task; in-flight work observes this
	// at its next safe point via the task's private context.
	Stop()
	// Wakeup resumes a Paused task.
	Wakeup()
}

// DecoderSlot and EncoderSlot are the handles internal/codec hands to a
// task that reached NeedDecoder/NeedEncoder; kept here (rather than
// importing internal/codec, which would cycle back to internal/task)
// as minimal interfaces the codec package's real worker satisfies.
type DecoderSlot interface {
	Decode(ctx context.Context, partPaths []string, saveDir string, progress *health.Progress) error
}

type EncoderSlot interface {
	Encode(ctx context.Context, sourcePath, fileName string, linesPerPart int, progress *health.Progress) ([]EncodedPart, error)
}

// EncodedPart is one yEnc-encoded chunk ready to be POSTed.
type EncodedPart struct {
	MessageID string
	Body      []byte
	Number    int
	Of        int
}

// Base gives concrete tasks the Progress embedding, ID/context
// bookkeeping, and State storage every Task shares, mirroring how the
// original's Task inherited from Progress. It carries two separate
// mutexes rather than one: stateMu guards state internally (State/
// SetState/Stop/Wakeup), while the embedded sync.Mutex is promoted as
// Lock/Unlock on every concrete task for it to guard its OWN extra
// fields, since each session's NNTP callbacks run on that session's
// own goroutine (spec §5: "across sessions there is no ordering
// guarantee") rather than one shared main-loop goroutine. Keeping them
// separate means a concrete task can hold its own Lock() across a
// State()/SetState() read-modify-write without deadlocking against
// itself — sync.Mutex isn't reentrant.
type Base struct {
	health.Progress
	sync.Mutex

	id          string
	typ         string
	description string

	stateMu sync.Mutex
	state   State

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBase constructs a Base with a fresh cancellation context derived
// from parent.
func NewBase(parent context.Context, id, typ, description string) Base {
	ctx, cancel := context.WithCancel(parent)
	return Base{id: id, typ: typ, description: description, ctx: ctx, cancel: cancel}
}

func (b *Base) ID() string          { return b.id }
func (b *Base) Type() string        { return b.typ }
func (b *Base) Description() string { return b.description }

func (b *Base) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// SetState replaces the task's state wholesale; concrete tasks
// typically call this after mutating a local copy obtained from
// State(). Callers that need the read-modify-write to be atomic
// against other goroutines should hold their own Lock() (see Base's
// doc comment) around both calls, since State/SetState's own stateMu
// only protects each call individually.
func (b *Base) SetState(s State) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.state = s
}

// Context is the task's private cancellation context; off-thread
// workers and NNTP listeners poll it to implement Stop cooperatively.
func (b *Base) Context() context.Context { return b.ctx }

func (b *Base) Stop() {
	b.stateMu.Lock()
	b.state.SetPaused()
	b.stateMu.Unlock()
	b.cancel()
}

func (b *Base) Wakeup() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.state.Work == Paused {
		b.state.Work = Initial
	}
}

// NewTicket mints a Ticket bound to ctx; the Queue calls it when it
// checks a session, decoder or encoder out to a task.
func NewTicket(id string, ctx context.Context) Ticket { return Ticket{id: id, ctx: ctx} }

func (t Ticket) ID() string             { return t.id }
func (t Ticket) Context() context.Context { return t.ctx }
