package tasks

import (
	"context"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/task"
)

// Groups refreshes the full newsgroup list for one server via LIST
// NEWSGROUPS, feeding every name into DataStore (spec §4.5, original
// task-groups.cc).
type Groups struct {
	task.Base

	data     DataStore
	server   quark.Quark
	returnTo SessionReturner
}

// NewGroups constructs a one-shot LIST NEWSGROUPS task against server.
func NewGroups(ctx context.Context, id string, data DataStore, server quark.Quark, returnTo SessionReturner) *Groups {
	g := &Groups{
		Base:     task.NewBase(ctx, id, "GROUPS", "Fetching newsgroup list"),
		data:     data,
		server:   server,
		returnTo: returnTo,
	}
	st := g.State()
	st.SetNeedNntp([]quark.Quark{server})
	g.SetState(st)
	return g
}

func (g *Groups) BytesRemaining() uint64 { return 0 }

func (g *Groups) UseNntp(ticket task.Ticket, session *nntp.Session) {
	session.ListNewsgroups(&groupsListener{task: g, server: session.Server})
}

func (g *Groups) UseDecoder(task.Ticket, task.DecoderSlot) {}
func (g *Groups) UseEncoder(task.Ticket, task.EncoderSlot) {}

type groupsListener struct {
	nntp.BaseListener
	task   *Groups
	server quark.Quark
}

func (l *groupsListener) OnLine(s *nntp.Session, line []byte) {
	name, _, _ := splitGroupsLine(line)
	if name == "" {
		return
	}
	l.task.data.GroupAdd(l.server, name)
}

func (l *groupsListener) OnDone(s *nntp.Session, h health.Health, response string) {
	st := l.task.State()
	st.SetCompleted()
	if !h.Reusable() {
		st.Health = h
	}
	l.task.SetState(st)
	l.task.returnTo(l.server, s, h)
}

// splitGroupsLine parses one "group descriptor" LIST NEWSGROUPS line:
// the name up to the first run of whitespace, everything after as the
// description (spec §4.5's group metadata refresh).
func splitGroupsLine(line []byte) (name, description string, ok bool) {
	i := 0
	for i < len(line) && line[i] != ' ' && line[i] != '\t' {
		i++
	}
	if i == 0 {
		return "", "", false
	}
	name = string(line[:i])
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	description = string(line[i:])
	return name, description, true
}
