// Package nntp implements the stateful NNTP protocol dialogue over a
// Socket (spec §4.2): it serializes a FIFO of pending commands and
// dispatches responses to the current Listener. Grounded on the
// teacher's textproto-based request/response pairing
// (nntp/provider.go, nntp/repository.go) generalized into the
// non-blocking, event-driven shape spec §5 requires, and on
// original_source/pan/tasks/nntp.h for the exact command surface and
// response-code table.
package nntp

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/quark"
)

// transport is the slice of *socket.Socket a Session needs to write
// commands; it's narrowed to an interface so tests can drive the state
// machine without a live connection. *socket.Socket satisfies it.
type transport interface {
	WriteCommand(p []byte) error
	Write(p []byte) (int, error)
}

// Listener receives events from a Session. Responses are either a list
// of lines (XOVER, ARTICLE, LIST) followed by OnDone, or a single status
// line delivered straight to OnDone.
type Listener interface {
	// OnLine is called for each line of a multi-line response.
	OnLine(s *Session, line []byte)
	// OnDone is called exactly once at the end of a command.
	OnDone(s *Session, h health.Health, response string)
	// OnGroup is called when a GROUP command succeeds.
	OnGroup(s *Session, group quark.Quark, estimatedQty int64, low, high int64)
}

// BaseListener gives callers a Listener with no-op bodies to embed and
// override only the methods they need.
type BaseListener struct{}

func (BaseListener) OnLine(*Session, []byte)                           {}
func (BaseListener) OnDone(*Session, health.Health, string)            {}
func (BaseListener) OnGroup(*Session, quark.Quark, int64, int64, int64) {}

type pendingKind int

const (
	pendingHandshake pendingKind = iota
	pendingAuthUser
	pendingAuthPass
	pendingGroup
	pendingXover
	pendingXzver
	pendingArticle
	pendingList
	pendingListNewsgroups
	pendingPostPrompt
	pendingPostBody
	pendingQuit
	pendingNoop
	pendingCancel
)

// pendingCmd is one entry in the session's command FIFO. line is what
// gets written to the socket; it is sent once (sent flips true) and the
// entry then waits for its response before being popped.
type pendingCmd struct {
	kind     pendingKind
	line     string
	sent     bool
	listener Listener

	group quark.Quark
	low   uint64
	high  uint64

	postBody []byte
	raw      bytes.Buffer

	retriedAuth bool
}

// Session is one stateful NNTP dialogue over a Socket.
type Session struct {
	Server   quark.Quark
	sock     transport
	username string
	password string

	currentGroup quark.Quark
	hasGroup     bool

	queue     []*pendingCmd
	streaming bool
}

// New wraps sock in a Session for server. username may be empty to skip
// AUTHINFO. sock is typically a *socket.Socket; the pool owns it for
// Dial/Run/Close and hands it here only for writing.
func New(server quark.Quark, sock transport, username, password string) *Session {
	return &Session{Server: server, sock: sock, username: username, password: password}
}

// Handshake waits for the server greeting; if a username is configured
// it immediately issues AUTHINFO USER, and always follows with MODE
// READER (spec §4.2).
func (s *Session) Handshake(l Listener) {
	s.push(&pendingCmd{kind: pendingHandshake, listener: l})
}

// Group selects a group.
func (s *Session) Group(group quark.Quark, l Listener) {
	name, _ := quark.Resolve(group)
	s.push(&pendingCmd{kind: pendingGroup, line: "GROUP " + name, listener: l, group: group})
}

// XOver requests a header range, prepending a GROUP command if the
// session isn't already in that group (spec §4.2).
func (s *Session) XOver(group quark.Quark, low, high uint64, l Listener) {
	cmd := &pendingCmd{
		kind: pendingXover, line: fmt.Sprintf("XOVER %d-%d", low, high),
		listener: l, group: group, low: low, high: high,
	}
	s.maybeSwitchGroup(group, l, cmd)
	s.push(cmd)
}

// XZver requests a compressed header range with the same listener
// contract as XOver (spec §4.2). The response body is inflated as raw
// zlib data; no yEnc layer is decoded before inflating.
func (s *Session) XZver(group quark.Quark, low, high uint64, l Listener) {
	cmd := &pendingCmd{
		kind: pendingXzver, line: fmt.Sprintf("XZVER %d-%d", low, high),
		listener: l, group: group, low: low, high: high,
	}
	s.maybeSwitchGroup(group, l, cmd)
	s.push(cmd)
}

// Article fetches a body by article number within group.
func (s *Session) Article(group quark.Quark, number uint64, l Listener) {
	cmd := &pendingCmd{kind: pendingArticle, line: fmt.Sprintf("ARTICLE %d", number), listener: l, group: group}
	s.maybeSwitchGroup(group, l, cmd)
	s.push(cmd)
}

// ArticleByMessageID fetches a body by message-id, bypassing group
// selection (spec §4.5: "ARTICLE <mid> (fallback)").
func (s *Session) ArticleByMessageID(messageID string, l Listener) {
	s.push(&pendingCmd{kind: pendingArticle, line: "ARTICLE " + wrapMessageID(messageID), listener: l})
}

// List issues a bare LIST.
func (s *Session) List(l Listener) {
	s.push(&pendingCmd{kind: pendingList, line: "LIST", listener: l})
}

// ListNewsgroups issues LIST NEWSGROUPS.
func (s *Session) ListNewsgroups(l Listener) {
	s.push(&pendingCmd{kind: pendingListNewsgroups, line: "LIST NEWSGROUPS", listener: l})
}

// Post sends body (already newline-normalized) after the server's 340
// prompt; body is dot-stuffed and CRLF-framed internally.
func (s *Session) Post(body []byte, l Listener) {
	s.push(&pendingCmd{kind: pendingPostPrompt, line: "POST", listener: l, postBody: stuffBody(body)})
}

// Cancel retracts a previously posted article (original source's
// nntp.h cancel(), supplemented per SPEC_FULL §6).
func (s *Session) Cancel(messageID string, l Listener) {
	s.push(&pendingCmd{kind: pendingCancel, line: "CANCEL " + wrapMessageID(messageID), listener: l})
}

// Quit sends QUIT.
func (s *Session) Quit(l Listener) {
	s.push(&pendingCmd{kind: pendingQuit, line: "QUIT", listener: l})
}

// Noop sends MODE READER as a non-state-changing keepalive.
func (s *Session) Noop(l Listener) {
	s.push(&pendingCmd{kind: pendingNoop, line: "MODE READER", listener: l})
}

// CurrentGroup reports the group most recently confirmed by a 211
// response, if any.
func (s *Session) CurrentGroup() (quark.Quark, bool) {
	return s.currentGroup, s.hasGroup
}

// maybeSwitchGroup prepends an implicit GROUP command ahead of follow,
// which must already be queued (or about to be). If the GROUP fails,
// follow is pulled out of the queue before it can be sent, and the
// failure is reported to l exactly once.
func (s *Session) maybeSwitchGroup(group quark.Quark, l Listener, follow *pendingCmd) {
	if s.hasGroup && s.currentGroup == group {
		return
	}
	name, _ := quark.Resolve(group)
	s.push(&pendingCmd{
		kind: pendingGroup, line: "GROUP " + name, group: group,
		listener: &groupGate{real: l, follow: follow, sess: s},
	})
}

// groupGate wraps the listener for an implicit GROUP switch: on success
// it lets the follow-on command proceed untouched; on failure it
// cancels that command and reports the failure once.
type groupGate struct {
	real   Listener
	follow *pendingCmd
	sess   *Session
}

func (g *groupGate) OnLine(*Session, []byte) {}

func (g *groupGate) OnGroup(s *Session, group quark.Quark, qty, low, high int64) {
	g.real.OnGroup(s, group, qty, low, high)
}

func (g *groupGate) OnDone(s *Session, h health.Health, resp string) {
	if h == health.OK {
		return
	}
	s.cancelQueued(g.follow)
	g.real.OnDone(s, h, resp)
}

// cancelQueued removes cmd from the FIFO by identity before it has been
// sent, used when an implicit GROUP switch fails ahead of it.
func (s *Session) cancelQueued(cmd *pendingCmd) {
	for i, c := range s.queue {
		if c == cmd {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// push appends cmd to the back of the FIFO and kicks the write loop.
func (s *Session) push(cmd *pendingCmd) {
	s.queue = append(s.queue, cmd)
	s.pump()
}

// pushFront inserts cmd at the front of the FIFO, ahead of everything
// else (used for AUTHINFO interjections).
func (s *Session) pushFront(cmd *pendingCmd) {
	s.queue = append([]*pendingCmd{cmd}, s.queue...)
	s.pump()
}

// pump writes the front command's line if it hasn't been sent yet.
// Commands run strictly FIFO on a session, and a multi-line response is
// fully delivered before the next command is sent (spec §5).
func (s *Session) pump() {
	if s.streaming || len(s.queue) == 0 {
		return
	}
	front := s.queue[0]
	if front.sent || front.line == "" {
		if front.line == "" {
			front.sent = true
		}
		return
	}
	front.sent = true
	if err := s.sock.WriteCommand([]byte(front.line)); err != nil {
		s.failFront(health.ErrNetwork, err.Error())
	}
}

// --- socket.Listener implementation -----------------------------------

// OnLine implements socket.Listener; it is the single entry point for
// every byte the server sends.
func (s *Session) OnLine(raw []byte) {
	if s.streaming {
		s.onStreamingLine(raw)
		return
	}
	s.onStatusLine(raw)
}

// OnError implements socket.Listener.
func (s *Session) OnError(err error) { s.failFront(health.ErrNetwork, err.Error()) }

// OnAbort implements socket.Listener.
func (s *Session) OnAbort() { s.failFront(health.ErrNetwork, "socket closed") }

func (s *Session) front() *pendingCmd {
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *Session) pop() *pendingCmd {
	if len(s.queue) == 0 {
		return nil
	}
	cmd := s.queue[0]
	s.queue = s.queue[1:]
	return cmd
}

func (s *Session) failFront(h health.Health, msg string) {
	cmd := s.pop()
	s.streaming = false
	if cmd != nil && cmd.listener != nil {
		cmd.listener.OnDone(s, h, msg)
	}
	s.pump()
}

func (s *Session) finish(cmd *pendingCmd, h health.Health, line string) {
	s.pop()
	cmd.listener.OnDone(s, h, line)
	s.pump()
}

func (s *Session) onStreamingLine(raw []byte) {
	cmd := s.front()
	if cmd == nil {
		return
	}

	// The terminator check must run on the raw, pre-destuff line: a
	// literal "." body line is sent stuffed as "..", and destuffing it
	// first would collapse it into the real "." terminator and
	// truncate the response.
	if isTerminator(raw) {
		s.streaming = false
		s.finishMultiline(cmd)
		return
	}
	line := destuffLine(raw)

	if cmd.kind == pendingXzver {
		cmd.raw.Write(line)
		cmd.raw.WriteString("\n")
		return
	}
	cmd.listener.OnLine(s, line)
}

func (s *Session) finishMultiline(cmd *pendingCmd) {
	s.pop()

	if cmd.kind == pendingXzver {
		if err := s.decodeXzver(cmd); err != nil {
			cmd.listener.OnDone(s, health.ErrCommand, err.Error())
			s.pump()
			return
		}
	}

	cmd.listener.OnDone(s, health.OK, "")
	s.pump()
}

// decodeXzver inflates the buffered body as a raw zlib stream, without
// yEnc-decoding it first, and feeds each decoded line to the listener. Per SPEC_FULL §6/§9 the whole compressed body is
// received before decompression starts.
func (s *Session) decodeXzver(cmd *pendingCmd) error {
	zr, err := zlib.NewReader(bytes.NewReader(cmd.raw.Bytes()))
	if err != nil {
		return fmt.Errorf("xzver: zlib: %w", err)
	}
	defer zr.Close()

	decoded, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("xzver: inflate: %w", err)
	}

	for _, line := range bytes.Split(decoded, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		cmd.listener.OnLine(s, line)
	}
	return nil
}

func (s *Session) onStatusLine(line []byte) {
	cmd := s.front()
	if cmd == nil {
		return
	}

	code, rest, ok := parseCode(line)
	if !ok {
		s.finish(cmd, health.ErrCommand, string(line))
		return
	}

	switch classify(code) {
	case outcomeContinue:
		s.handleContinue(cmd, string(line))

	case outcomeGroupInfo:
		s.handleGroup(cmd, rest, line)

	case outcomeMultilineBegin:
		s.streaming = true

	case outcomePostAccepted, outcomeAuthAccepted:
		s.finish(cmd, health.OK, string(line))

	case outcomePromptPostBody:
		s.writePostBody(cmd)

	case outcomeAuthNeedMore:
		s.sendAuthPass(cmd)

	case outcomeTransientRetry:
		s.finish(cmd, health.ErrNetwork, string(line))

	case outcomeReAuthAndRetry:
		s.reAuthAndRetry(cmd, line)

	case outcomeCommandFailed:
		s.finish(cmd, health.ErrCommand, string(line))

	default:
		s.finish(cmd, health.ErrCommand, string(line))
	}
}

func (s *Session) handleContinue(cmd *pendingCmd, line string) {
	if cmd.kind != pendingHandshake {
		s.finish(cmd, health.OK, line)
		return
	}

	s.pop()
	mode := &pendingCmd{kind: pendingNoop, line: "MODE READER", listener: cmd.listener}
	if s.username != "" {
		auth := &pendingCmd{kind: pendingAuthUser, line: fmt.Sprintf("AUTHINFO USER %s", s.username), listener: cmd.listener}
		s.queue = append([]*pendingCmd{auth, mode}, s.queue...)
	} else {
		s.queue = append([]*pendingCmd{mode}, s.queue...)
	}
	s.pump()
}

func (s *Session) handleGroup(cmd *pendingCmd, rest string, line []byte) {
	fields := strings.Fields(rest)
	if len(fields) < 4 {
		s.finish(cmd, health.ErrCommand, string(line))
		return
	}
	qty, _ := strconv.ParseInt(fields[0], 10, 64)
	low, _ := strconv.ParseUint(fields[1], 10, 64)
	high, _ := strconv.ParseUint(fields[2], 10, 64)
	name := fields[3]

	group := cmd.group
	if !group.IsValid() {
		group = quark.Intern(name)
	}

	s.currentGroup = group
	s.hasGroup = true

	s.pop()
	cmd.listener.OnGroup(s, group, qty, int64(low), int64(high))
	cmd.listener.OnDone(s, health.OK, string(line))
	s.pump()
}

func (s *Session) writePostBody(cmd *pendingCmd) {
	if _, err := s.sock.Write(cmd.postBody); err != nil {
		s.failFront(health.ErrNetwork, err.Error())
		return
	}
	cmd.kind = pendingPostBody
}

func (s *Session) sendAuthPass(cmd *pendingCmd) {
	s.pop()
	s.pushFront(&pendingCmd{kind: pendingAuthPass, line: fmt.Sprintf("AUTHINFO PASS %s", s.password), listener: cmd.listener})
}

// reAuthAndRetry handles a 480 by prepending AUTHINFO USER and
// re-sending the command that failed (spec §4.2).
func (s *Session) reAuthAndRetry(cmd *pendingCmd, line []byte) {
	if cmd.retriedAuth {
		s.finish(cmd, health.ErrCommand, string(line))
		return
	}

	s.pop()
	cmd.retriedAuth = true
	cmd.sent = false
	auth := &pendingCmd{kind: pendingAuthUser, line: fmt.Sprintf("AUTHINFO USER %s", s.username), listener: BaseListener{}}
	s.queue = append([]*pendingCmd{auth, cmd}, s.queue...)
	s.pump()
}

// parseCode splits a status line "CODE rest..." into its numeric prefix
// and the remainder.
func parseCode(line []byte) (int, string, bool) {
	s := string(line)
	sp := strings.IndexByte(s, ' ')
	codeStr := s
	rest := ""
	if sp >= 0 {
		codeStr = s[:sp]
		rest = strings.TrimSpace(s[sp+1:])
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, "", false
	}
	return code, rest, true
}

func wrapMessageID(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
