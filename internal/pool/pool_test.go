package pool

import (
	"testing"
	"time"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/quark"
)

// autoReplyTransport stands in for a socket.Socket: writing a command
// immediately feeds reply back into the owning Session, so a ping's
// round trip completes synchronously within the test goroutine instead
// of needing a real connection.
type autoReplyTransport struct {
	session *nntp.Session
	reply   string
}

func (t *autoReplyTransport) WriteCommand([]byte) error {
	if t.reply != "" {
		t.session.OnLine([]byte(t.reply))
	}
	return nil
}

func (t *autoReplyTransport) Write(p []byte) (int, error) { return len(p), nil }

func newPingableConn(reply string) *conn {
	xport := &autoReplyTransport{reply: reply}
	session := nntp.New(quark.Intern("s3"), xport, "", "")
	xport.session = session
	return &conn{state: stateIdle, session: session}
}

func TestScoreIdleAndEmptySlots(t *testing.T) {
	cases := []struct {
		idle, active, max, want int
	}{
		{idle: 2, active: 0, max: 5, want: 2*10 + 3},
		{idle: 0, active: 5, max: 5, want: 0},
		{idle: 1, active: 6, max: 5, want: 1 * 10},
	}
	for _, c := range cases {
		if got := Score(c.idle, c.active, c.max); got != c.want {
			t.Errorf("Score(%d,%d,%d) = %d, want %d", c.idle, c.active, c.max, got, c.want)
		}
	}
}

func TestCheckOutThenCheckInReusable(t *testing.T) {
	p := New(ServerConfig{Server: quark.Intern("s1"), MaxConnections: 2}, noopLog{}, noopListener{})
	session := nntp.New(quark.Intern("s1"), nil, "", "")
	p.conns = append(p.conns, &conn{state: stateIdle, session: session})

	got, ok := p.CheckOut()
	if !ok || got != session {
		t.Fatalf("expected checkout to succeed with the idle session")
	}
	if _, ok := p.CheckOut(); ok {
		t.Fatal("expected no second idle session available")
	}

	p.CheckIn(session, health.OK)
	idle, active, _ := p.Counts()
	if idle != 1 || active != 0 {
		t.Fatalf("expected session back to idle, got idle=%d active=%d", idle, active)
	}
}

func TestCheckInNonReusableDropsConnection(t *testing.T) {
	p := New(ServerConfig{Server: quark.Intern("s2"), MaxConnections: 1}, noopLog{}, noopListener{})
	session := nntp.New(quark.Intern("s2"), nil, "", "")
	p.sem.TryAcquire(1)
	p.conns = append(p.conns, &conn{state: stateCheckedOut, session: session})

	p.CheckIn(session, health.ErrNetwork)

	if len(p.conns) != 0 {
		t.Fatalf("expected dead connection pruned, got %d left", len(p.conns))
	}
	if !p.sem.TryAcquire(1) {
		t.Fatal("expected semaphore slot released back")
	}
}

func TestIdleUpkeepLeavesFreshSessionsAlone(t *testing.T) {
	p := New(ServerConfig{Server: quark.Intern("s3"), MaxConnections: 1, IdleTimeout: time.Minute}, noopLog{}, noopListener{})
	c := newPingableConn("200 ok")
	c.idleSince = time.Now()
	p.conns = append(p.conns, c)

	p.IdleUpkeep()
	p.wg.Wait()

	if c.state != stateIdle {
		t.Fatalf("expected fresh idle session left alone, got state %v", c.state)
	}
}

func TestIdleUpkeepRefreshesAStaleButHealthySession(t *testing.T) {
	p := New(ServerConfig{Server: quark.Intern("s3"), MaxConnections: 1, IdleTimeout: time.Minute}, noopLog{}, noopListener{})
	c := newPingableConn("200 ok")
	c.idleSince = time.Now().Add(-time.Hour)
	p.conns = append(p.conns, c)

	p.IdleUpkeep()
	p.wg.Wait()

	if c.state != stateIdle {
		t.Fatalf("expected pinged session back to idle, got state %v", c.state)
	}
	if time.Since(c.idleSince) > time.Second {
		t.Fatalf("expected idleSince refreshed by the ping, got %v", c.idleSince)
	}
}

func TestIdleUpkeepDropsAStaleSessionThatAnswersUnhealthily(t *testing.T) {
	p := New(ServerConfig{Server: quark.Intern("s3"), MaxConnections: 1, IdleTimeout: time.Minute}, noopLog{}, noopListener{})
	p.sem.TryAcquire(1)
	c := newPingableConn("400 too many connections")
	c.idleSince = time.Now().Add(-time.Hour)
	p.conns = append(p.conns, c)

	p.IdleUpkeep()
	p.wg.Wait()

	if len(p.conns) != 0 {
		t.Fatalf("expected unresponsive session pruned, got %d left", len(p.conns))
	}
	if !p.sem.TryAcquire(1) {
		t.Fatal("expected semaphore slot released back")
	}
}

type noopLog struct{}

func (noopLog) Debug(string, ...any) {}
func (noopLog) Info(string, ...any)  {}
func (noopLog) Warn(string, ...any)  {}
func (noopLog) Error(string, ...any) {}

type noopListener struct{}

func (noopListener) OnNntpAvailable(quark.Quark)         {}
func (noopListener) OnPoolError(quark.Quark, string) {}
