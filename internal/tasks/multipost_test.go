package tasks

import (
	"context"
	"testing"

	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/task"
)

func TestMultipostBuildsOneUploadPerTargetGroup(t *testing.T) {
	cache := newFakeEncodeCache()
	server := quark.Intern("news1")
	rl := &returnLog{}

	m := NewMultipost(context.Background(), "mp1", cache, "/tmp/src.bin", "subj", []string{"a.b", "c.d"}, 1000, []quark.Quark{server}, rl.returner())
	if len(m.uploads) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(m.uploads))
	}
	if got := m.State().Work; got != task.NeedEncoder {
		t.Fatalf("expected NeedEncoder, got %v", got)
	}
	if m.uploads[0].ID() != "mp1.0" || m.uploads[1].ID() != "mp1.1" {
		t.Fatalf("unexpected upload ids: %s, %s", m.uploads[0].ID(), m.uploads[1].ID())
	}
}

func TestMultipostWithNoTargetsCompletesImmediately(t *testing.T) {
	cache := newFakeEncodeCache()
	rl := &returnLog{}

	m := NewMultipost(context.Background(), "mp2", cache, "/tmp/src.bin", "subj", nil, 1000, nil, rl.returner())
	if got := m.State().Work; got != task.Completed {
		t.Fatalf("expected Completed with no target groups, got %v", got)
	}
}

func TestMultipostAdvancesToNextUploadOnceCurrentCompletes(t *testing.T) {
	cache := newFakeEncodeCache()
	server := quark.Intern("news1")
	rl := &returnLog{}

	m := NewMultipost(context.Background(), "mp3", cache, "/tmp/src.bin", "subj", []string{"a.b", "c.d"}, 1000, []quark.Quark{server}, rl.returner())

	slot := &fakeEncoderSlot{parts: []task.EncodedPart{{Number: 1, Of: 1, Body: []byte("ydata")}}}
	m.UseEncoder(task.Ticket{}, slot)
	if got := m.State().Work; got != task.NeedNntp {
		t.Fatalf("expected NeedNntp once the first upload is encoded, got %v", got)
	}

	sess := newTestSession(server)
	m.UseNntp(task.Ticket{}, sess)
	sess.OnLine([]byte("340 send article"))
	sess.OnLine([]byte("240 article posted ok"))

	// First upload's single part is posted; current() should have
	// advanced to the second upload, which still needs encoding. The
	// aggregate Multipost state only catches up once the Queue calls
	// into it again (UseEncoder/UseNntp), since the first upload's
	// completion was driven straight off the session callback.
	if got := m.current(); got != m.uploads[1] {
		t.Fatalf("expected cursor to advance to the second upload")
	}
	if got := m.uploads[1].State().Work; got != task.NeedEncoder {
		t.Fatalf("expected second upload to still need encoding, got %v", got)
	}
}

func TestMultipostReturnToDelegatesToFirstUpload(t *testing.T) {
	cache := newFakeEncodeCache()
	server := quark.Intern("news1")
	rl := &returnLog{}

	m := NewMultipost(context.Background(), "mp4", cache, "/tmp/src.bin", "subj", []string{"a.b"}, 1000, []quark.Quark{server}, rl.returner())
	sess := newTestSession(server)
	m.returnTo(server, sess, 0)

	if rl.len() != 1 {
		t.Fatalf("expected the call to delegate to the first upload's returnTo, got %d", rl.len())
	}
}
