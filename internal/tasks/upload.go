package tasks

import (
	"context"
	"path/filepath"

	"github.com/segmentio/ksuid"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/task"
)

// Upload encodes one local file and posts each resulting part once, in
// order, over whichever of the given servers the Queue hands it a
// session for (spec §4.5, original task-upload.cc).
// Encoding happens once, up front, via UseEncoder; posting then drives
// UseNntp once per part until the queue drains.
type Upload struct {
	task.Base

	cache        EncodeCache
	sourcePath   string
	subject      string
	groups       []string
	linesPerPart int
	servers      []quark.Quark
	returnTo     SessionReturner

	parts    []task.EncodedPart
	next     int
	inFlight bool // a part is already out for post; guards against a second session being assigned the same part
	retries  map[string]int
}

// NewUpload constructs an Upload task; it starts in NeedEncoder since
// nothing can be posted before the source file is yEnc-encoded.
func NewUpload(ctx context.Context, id string, cache EncodeCache, sourcePath, subject string, groups []string, linesPerPart int, servers []quark.Quark, returnTo SessionReturner) *Upload {
	u := &Upload{
		Base:         task.NewBase(ctx, id, "UPLOAD", "Posting "+subject),
		cache:        cache,
		sourcePath:   sourcePath,
		subject:      subject,
		groups:       groups,
		linesPerPart: linesPerPart,
		servers:      servers,
		returnTo:     returnTo,
		retries:      make(map[string]int),
	}
	st := u.State()
	st.SetNeedEncoder()
	u.SetState(st)
	return u
}

func (u *Upload) BytesRemaining() uint64 {
	u.Lock()
	defer u.Unlock()
	var rem uint64
	for _, p := range u.parts[u.next:] {
		rem += uint64(len(p.Body))
	}
	return rem
}

// UseEncoder runs the encoder once, caching each part's body by its
// to-be-assigned message-id and queuing them for posting.
func (u *Upload) UseEncoder(ticket task.Ticket, slot task.EncoderSlot) {
	fileName := filepath.Base(u.sourcePath)
	parts, err := slot.Encode(ticket.Context(), u.sourcePath, fileName, u.linesPerPart, &u.Progress)
	st := u.State()
	if err != nil {
		st.Health = health.ErrLocal
		st.SetCompleted()
		u.SetState(st)
		return
	}
	for i := range parts {
		parts[i].MessageID = wrapUploadMessageID(u.ID())
		_ = u.cache.Add(parts[i].MessageID, parts[i].Body)
	}
	u.parts = parts
	st.SetNeedNntp(u.servers)
	u.SetState(st)
}

func (u *Upload) UseDecoder(task.Ticket, task.DecoderSlot) {}

// UseNntp posts the next not-yet-confirmed part to server. A post
// claims inFlight under lock before it's issued, which keeps the Queue
// from double-assigning a second session the same part (Upload only
// ever wants one in-flight post at a time, unlike Article/XOver which
// genuinely want several servers working at once) — if inFlight is
// already set, the caller session is handed straight back.
func (u *Upload) UseNntp(ticket task.Ticket, session *nntp.Session) {
	u.Lock()
	if u.inFlight {
		u.Unlock()
		u.returnTo(session.Server, session, health.OK)
		return
	}
	if u.next >= len(u.parts) {
		u.Unlock()
		u.returnTo(session.Server, session, health.OK)
		return
	}
	part := u.parts[u.next]
	u.inFlight = true
	u.Unlock()
	body := buildPostBody(u.subject, u.groups, part)
	session.Post(body, &uploadListener{task: u, server: session.Server, part: part})
}

type uploadListener struct {
	nntp.BaseListener
	task   *Upload
	server quark.Quark
	part   task.EncodedPart
}

func (l *uploadListener) OnDone(s *nntp.Session, h health.Health, response string) {
	u := l.task
	switch h {
	case health.OK:
		u.Lock()
		u.next++
		u.inFlight = false
		done := u.next >= len(u.parts)
		u.Unlock()
		if done {
			st := u.State()
			st.SetCompleted()
			u.SetState(st)
			u.returnTo(l.server, s, health.OK)
			return
		}
		u.UseNntp(task.Ticket{}, s)
	case health.ErrCommand:
		if code, _ := nntp.ResponseCode(response); code == nntp.CodeNoPosting {
			// 440: posting isn't allowed on this server at all, not
			// just for this part. Stop the task instead of looping
			// through the remaining servers.
			u.Lock()
			u.inFlight = false
			u.Unlock()
			st := u.State()
			st.Health = health.ErrLocal
			st.SetCompleted()
			u.SetState(st)
			u.returnTo(l.server, s, health.OK)
			return
		}
		// 441: this one part failed on this one server, try again with
		// whichever server is next.
		u.Lock()
		u.retries[l.part.MessageID]++
		u.inFlight = false
		u.Unlock()
		u.returnTo(l.server, s, health.OK)
	default:
		u.Lock()
		u.inFlight = false
		u.Unlock()
		u.returnTo(l.server, s, h)
	}
}

// buildPostBody assembles an RFC-2822-ish article: Subject/Newsgroups/
// Message-ID headers, a blank line, then the yEnc body (spec §4.5's
// posting format, grounded on original_source/pan/tasks/task-upload.cc).
// Supplying our own Message-ID keeps the cache key the server echoes
// back in sync with the one Upload already recorded.
func buildPostBody(subject string, groups []string, part task.EncodedPart) []byte {
	out := make([]byte, 0, len(part.Body)+128)
	out = append(out, "Subject: "+subject+"\r\n"...)
	out = append(out, "Newsgroups: "+joinGroups(groups)+"\r\n"...)
	out = append(out, "Message-ID: "+part.MessageID+"\r\n"...)
	out = append(out, "\r\n"...)
	out = append(out, part.Body...)
	return out
}

func joinGroups(groups []string) string {
	out := ""
	for i, g := range groups {
		if i > 0 {
			out += ","
		}
		out += g
	}
	return out
}

// wrapUploadMessageID mints a locally-unique message-id for a freshly
// encoded part, scoped to the owning task's id so reposts of the same
// task reuse the same namespace.
func wrapUploadMessageID(taskID string) string {
	return "<" + taskID + "." + ksuid.New().String() + "@pan2>"
}
