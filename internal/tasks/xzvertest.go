package tasks

import (
	"context"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/task"
)

// XzverTest probes one server for the non-standard XZVER extension by
// issuing it against a single known-good group and range, recording
// the result in DataStore (spec §4.5, original task-xzver-test.cc).
// XOver does not consult that result; it always issues XOVER.
type XzverTest struct {
	task.Base

	data     DataStore
	server   quark.Quark
	group    quark.Quark
	returnTo SessionReturner
}

// NewXzverTest constructs a probe against one server's group.
func NewXzverTest(ctx context.Context, id string, data DataStore, server, group quark.Quark, returnTo SessionReturner) *XzverTest {
	t := &XzverTest{
		Base:     task.NewBase(ctx, id, "XZVER-TEST", "Probing XZVER support"),
		data:     data,
		server:   server,
		group:    group,
		returnTo: returnTo,
	}
	st := t.State()
	st.SetNeedNntp([]quark.Quark{server})
	t.SetState(st)
	return t
}

func (t *XzverTest) BytesRemaining() uint64 { return 0 }

func (t *XzverTest) UseNntp(ticket task.Ticket, session *nntp.Session) {
	l := &xzverTestListener{task: t, server: session.Server}
	session.Group(t.group, &xzverTestGroupListener{inner: l, session: session})
}

func (t *XzverTest) UseDecoder(task.Ticket, task.DecoderSlot) {}
func (t *XzverTest) UseEncoder(task.Ticket, task.EncoderSlot) {}

type xzverTestListener struct {
	nntp.BaseListener
	task   *XzverTest
	server quark.Quark
	probed bool
}

func (l *xzverTestListener) OnLine(s *nntp.Session, line []byte) {
	l.probed = true
}

func (l *xzverTestListener) OnDone(s *nntp.Session, h health.Health, response string) {
	t := l.task
	t.data.SetSupportsXzver(l.server, h == health.OK && l.probed)
	st := t.State()
	st.SetCompleted()
	t.SetState(st)
	t.returnTo(l.server, s, health.OK)
}

// xzverTestGroupListener issues the single-article XZVER probe once
// the group's (low, high) bounds are known, reusing the real listener
// for the XZVER response itself.
type xzverTestGroupListener struct {
	nntp.BaseListener
	inner   *xzverTestListener
	session *nntp.Session
}

func (g *xzverTestGroupListener) OnGroup(s *nntp.Session, group quark.Quark, estimatedQty int64, low, high int64) {
	if high < low {
		g.inner.OnDone(s, health.ErrCommand, "empty group")
		return
	}
	s.XZver(group, uint64(high), uint64(high), g.inner)
}

func (g *xzverTestGroupListener) OnDone(s *nntp.Session, h health.Health, response string) {
	if !h.Reusable() {
		g.inner.OnDone(s, h, response)
	}
}
