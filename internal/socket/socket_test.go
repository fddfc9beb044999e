package socket

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type recordingListener struct {
	lines   [][]byte
	errs    []error
	aborted bool
	done    chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{done: make(chan struct{})}
}

func (l *recordingListener) OnLine(line []byte) {
	l.lines = append(l.lines, append([]byte(nil), line...))
}

func (l *recordingListener) OnError(err error) {
	l.errs = append(l.errs, err)
	close(l.done)
}

func (l *recordingListener) OnAbort() {
	l.aborted = true
	close(l.done)
}

func newPipeSocket(t *testing.T) (*Socket, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	s := &Socket{
		conn:    client,
		reader:  bufio.NewReaderSize(client, 4096),
		bytesAt: time.Now(),
	}
	return s, server
}

func TestRunDeliversLinesWithCRLFStripped(t *testing.T) {
	s, server := newPipeSocket(t)
	l := newRecordingListener()

	go s.Run(context.Background(), l)
	go func() {
		server.Write([]byte("200 welcome\r\n"))
	}()

	deadline := time.After(2 * time.Second)
	for len(l.lines) < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a line")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if string(l.lines[0]) != "200 welcome" {
		t.Fatalf("got %q", l.lines[0])
	}
}

func TestCloseTriggersOnAbortNotOnError(t *testing.T) {
	s, _ := newPipeSocket(t)
	l := newRecordingListener()

	go s.Run(context.Background(), l)
	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener callback")
	}
	if !l.aborted {
		t.Fatalf("expected OnAbort on a locally-closed socket, got errs=%v", l.errs)
	}
}

func TestWriteCommandAppendsCRLF(t *testing.T) {
	s, server := newPipeSocket(t)
	go func() {
		_ = s.WriteCommand([]byte("GROUP alt.test"))
	}()

	reader := bufio.NewReader(server)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "GROUP alt.test\r\n" {
		t.Fatalf("got %q", line)
	}
}

func TestWriteCommandAfterCloseReturnsErrClosedPipe(t *testing.T) {
	s, _ := newPipeSocket(t)
	s.closed = true

	if err := s.WriteCommand([]byte("QUIT")); err == nil {
		t.Fatal("expected an error writing to a closed socket")
	}
}

func TestClampBurstHandlesEdgeCases(t *testing.T) {
	l := rate.NewLimiter(rate.Limit(100), 50)
	if got := clampBurst(10, l); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	if got := clampBurst(100, l); got != 50 {
		t.Fatalf("expected clamp to burst 50, got %d", got)
	}
	if got := clampBurst(0, l); got != 1 {
		t.Fatalf("expected at least 1, got %d", got)
	}

	zero := rate.NewLimiter(rate.Limit(100), 0)
	if got := clampBurst(10, zero); got != 1 {
		t.Fatalf("expected 1 when burst<=0, got %d", got)
	}
}

func TestAccountBytesAccumulatesWithinTheSameSecond(t *testing.T) {
	s, _ := newPipeSocket(t)
	s.accountBytes(100)
	s.accountBytes(50)
	if got := s.BytesPerSecond(); got != 0 {
		t.Fatalf("expected no rate sample before a full second elapses, got %v", got)
	}
}
