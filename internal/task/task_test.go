package task

import (
	"context"
	"testing"

	"github.com/pan2/engine/internal/quark"
)

func TestStateSettersClearAcceptableServers(t *testing.T) {
	servers := []quark.Quark{quark.Intern("news1")}

	var s State
	s.SetNeedNntp(servers)
	if s.Work != NeedNntp || len(s.AcceptableServers) != 1 {
		t.Fatalf("unexpected state after SetNeedNntp: %+v", s)
	}

	s.SetNeedDecoder()
	if s.Work != NeedDecoder || s.AcceptableServers != nil {
		t.Fatalf("expected AcceptableServers cleared after SetNeedDecoder: %+v", s)
	}

	s.SetNeedNntp(servers)
	s.SetWorking()
	if s.Work != Working || s.AcceptableServers != nil {
		t.Fatalf("expected AcceptableServers cleared after SetWorking: %+v", s)
	}

	s.SetNeedNntp(servers)
	s.SetCompleted()
	if s.Work != Completed || s.AcceptableServers != nil {
		t.Fatalf("expected AcceptableServers cleared after SetCompleted: %+v", s)
	}
}

func TestWorkStringNamesEveryConstant(t *testing.T) {
	cases := map[Work]string{
		Initial:     "Initial",
		NeedNntp:    "NeedNntp",
		NeedDecoder: "NeedDecoder",
		NeedEncoder: "NeedEncoder",
		Working:     "Working",
		Paused:      "Paused",
		Completed:   "Completed",
		Work(99):    "Unknown",
	}
	for w, want := range cases {
		if got := w.String(); got != want {
			t.Errorf("Work(%d).String() = %q, want %q", w, got, want)
		}
	}
}

func TestBaseStopMovesToPausedAndCancelsContext(t *testing.T) {
	b := NewBase(context.Background(), "t1", "TEST", "a test task")
	var st State
	st.SetNeedNntp(nil)
	b.SetState(st)

	b.Stop()
	if got := b.State().Work; got != Paused {
		t.Fatalf("expected Paused after Stop, got %v", got)
	}
	select {
	case <-b.Context().Done():
	default:
		t.Fatal("expected context to be cancelled after Stop")
	}
}

func TestBaseWakeupOnlyResumesFromPaused(t *testing.T) {
	b := NewBase(context.Background(), "t2", "TEST", "a test task")

	var st State
	st.SetCompleted()
	b.SetState(st)
	b.Wakeup()
	if got := b.State().Work; got != Completed {
		t.Fatalf("expected Wakeup to leave a Completed task alone, got %v", got)
	}

	b.Stop()
	b.Wakeup()
	if got := b.State().Work; got != Initial {
		t.Fatalf("expected Wakeup to move a Paused task to Initial, got %v", got)
	}
}

func TestNewTicketCarriesIDAndContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), ctxKey("k"), "v")
	ticket := NewTicket("abc", ctx)
	if ticket.ID() != "abc" {
		t.Fatalf("expected ID abc, got %s", ticket.ID())
	}
	if ticket.Context().Value(ctxKey("k")) != "v" {
		t.Fatal("expected ticket to carry the context it was minted with")
	}
}

type ctxKey string
