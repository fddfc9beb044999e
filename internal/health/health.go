// Package health defines the Health taxonomy and the Progress/Log
// observer interfaces shared by every component in the engine (socket,
// NNTP session, pool, task, queue). Keeping them in their own package
// avoids the import cycles a "Task observes Queue observes Task" design
// would otherwise create: producers depend on health, not on each other.
package health

import "sync"

// Health is the terminal status of a command or task attempt.
type Health int

const (
	// OK is the nominal outcome.
	OK Health = iota
	// ErrCommand is a protocol-level final failure for one command; the
	// session stays reusable.
	ErrCommand
	// ErrNetwork means the socket dropped, the connect failed, or the
	// server answered with a 400-class transient; the session is
	// discarded.
	ErrNetwork
	// ErrLocal is a local failure: cache write, decode library error.
	ErrLocal
	// ErrNoSpace is a special case of ErrLocal that asks the Queue to go
	// offline rather than thrash.
	ErrNoSpace
)

func (h Health) String() string {
	switch h {
	case OK:
		return "OK"
	case ErrCommand:
		return "ErrCommand"
	case ErrNetwork:
		return "ErrNetwork"
	case ErrLocal:
		return "ErrLocal"
	case ErrNoSpace:
		return "ErrNoSpace"
	default:
		return "ErrUnknown"
	}
}

// Reusable reports whether a session that returned this Health can be
// checked back into its pool, vs. discarded.
func (h Health) Reusable() bool {
	return h == OK || h == ErrCommand
}

// Log is the single sink every user-visible error and debug line goes
// through. Implementations (internal/logger.Logger) may also track an
// "urgent" flag for ErrLocal/ErrNoSpace events, reported by
// Logger.IsUrgent.
type Log interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
}

// ProgressListener receives (percent, status) updates from any component
// that tracks multi-step work (a Task, a Decoder run, an upload).
type ProgressListener interface {
	OnProgress(percentOf100 int, status string)
}

// Progress is the init_steps/increment_step/set_step model shared by
// every Task and worker. Its own mutex (spec §5: "progress is sampled
// via the main-thread periodic timer reading mutex-protected fields")
// guards total/current/status since a decoder/encoder worker writes
// them from its own goroutine while the status surface reads them from
// whichever goroutine polls for display.
type Progress struct {
	mu sync.Mutex

	total     int
	current   int
	status    string
	listeners []ProgressListener
}

// AddListener registers l to receive future progress notifications.
func (p *Progress) AddListener(l ProgressListener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// InitSteps (re)starts the progress model with total discrete steps.
func (p *Progress) InitSteps(total int) {
	p.mu.Lock()
	p.total = total
	p.current = 0
	p.mu.Unlock()
	p.notify()
}

// IncrementStep advances the current step by n and notifies listeners.
func (p *Progress) IncrementStep(n int) {
	p.mu.Lock()
	p.current += n
	p.mu.Unlock()
	p.notify()
}

// SetStep sets the current step directly.
func (p *Progress) SetStep(n int) {
	p.mu.Lock()
	p.current = n
	p.mu.Unlock()
	p.notify()
}

// SetStatus updates the human-readable status string without moving the
// step counter.
func (p *Progress) SetStatus(status string) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	p.notify()
}

// PercentOf100 reports the current completion percentage, 0 when there
// is no step total yet.
func (p *Progress) PercentOf100() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percentLocked()
}

func (p *Progress) percentLocked() int {
	if p.total <= 0 {
		return 0
	}
	pct := (p.current * 100) / p.total
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (p *Progress) notify() {
	p.mu.Lock()
	pct := p.percentLocked()
	status := p.status
	listeners := p.listeners
	p.mu.Unlock()
	for _, l := range listeners {
		l.OnProgress(pct, status)
	}
}
