package tasks

import (
	"context"
	"strconv"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/task"
)

// Multipost drives one independent Upload per crosspost target group,
// each with its own rewritten Message-ID, as a single schedulable
// unit (original `task-multipost.cc`, dropped from the distilled
// spec): a crossposted article can't reuse one Message-ID across
// groups without risking dupe-detection collapsing it to one copy, so
// each group gets its own independently-encoded Upload.
type Multipost struct {
	task.Base

	uploads []*Upload
	cursor  int
}

// NewMultipost builds one Upload per entry in targetGroups, each
// posting sourcePath to that single group under its own Message-ID.
func NewMultipost(ctx context.Context, id string, cache EncodeCache, sourcePath, subject string, targetGroups []string, linesPerPart int, servers []quark.Quark, returnTo SessionReturner) *Multipost {
	m := &Multipost{}
	m.Base = task.NewBase(ctx, id, "MULTIPOST", "Crossposting "+subject)
	for i, group := range targetGroups {
		uploadID := id + "." + strconv.Itoa(i)
		m.uploads = append(m.uploads, NewUpload(ctx, uploadID, cache, sourcePath, subject, []string{group}, linesPerPart, servers, returnTo))
	}
	st := m.State()
	if len(m.uploads) == 0 {
		st.SetCompleted()
	} else {
		st.SetNeedEncoder()
	}
	m.SetState(st)
	return m
}

func (m *Multipost) BytesRemaining() uint64 {
	var rem uint64
	for _, u := range m.uploads {
		rem += u.BytesRemaining()
	}
	return rem
}

// current returns the Upload still in progress, advancing past any
// already-Completed ones. Guarded by m's lock since multiple sessions
// (one per target group's Upload) can call UseNntp concurrently.
func (m *Multipost) current() *Upload {
	m.Lock()
	defer m.Unlock()
	for m.cursor < len(m.uploads) {
		if m.uploads[m.cursor].State().Work == task.Completed {
			m.cursor++
			continue
		}
		return m.uploads[m.cursor]
	}
	return nil
}

func (m *Multipost) refreshState() {
	u := m.current()
	st := m.State()
	if u == nil {
		st.SetCompleted()
		m.SetState(st)
		return
	}
	st = u.State()
	m.SetState(st)
}

func (m *Multipost) UseEncoder(ticket task.Ticket, slot task.EncoderSlot) {
	u := m.current()
	if u == nil {
		m.refreshState()
		return
	}
	u.UseEncoder(ticket, slot)
	m.refreshState()
}

func (m *Multipost) UseNntp(ticket task.Ticket, session *nntp.Session) {
	u := m.current()
	if u == nil {
		m.returnTo(session.Server, session, health.OK)
		return
	}
	u.UseNntp(ticket, session)
	m.refreshState()
}

func (m *Multipost) UseDecoder(task.Ticket, task.DecoderSlot) {}

// returnTo hands a session back the same way every Upload in the
// batch does; kept on Multipost itself so the Queue can treat a fully
// drained batch (current() == nil) identically to any other task that
// was handed a session with nothing left to do.
func (m *Multipost) returnTo(server quark.Quark, session *nntp.Session, h health.Health) {
	if len(m.uploads) == 0 {
		return
	}
	m.uploads[0].returnTo(server, session, h)
}
