// Package socket implements the line-oriented TCP/TLS transport that
// every NNTP session is built on (spec §4.1). It is grounded on the
// teacher's textproto-based dialing (internal/nntp/provider.go's
// ensureConnected) generalized into a standalone, listener-driven
// component: reads are delivered line by line to a Listener instead of
// read synchronously by the caller, so the session can be driven from a
// single event loop per spec §5.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Listener receives events from a Socket's read loop.
type Listener interface {
	// OnLine is called once per received line, with the trailing \r\n
	// already stripped. The view is only valid for the duration of the
	// call; callers that need to keep it must copy.
	OnLine(line []byte)
	// OnError is called on a read or write failure.
	OnError(err error)
	// OnAbort is called when the socket is closed locally (Close)
	// rather than by a remote error.
	OnAbort()
}

// Config configures a single outbound connection.
type Config struct {
	Addr       string
	TLS        bool
	ServerName string // defaults to the host part of Addr
	DialTimeout time.Duration
	// BytesPerSecond caps the read rate for the Queue's bandwidth
	// display and to avoid one server starving the others; 0 disables
	// throttling.
	BytesPerSecond int
}

// Socket is one connection to a single server. All of its methods except
// Close are intended to be called from the single event-loop
// goroutine that owns it; the read loop runs on its own goroutine and
// delivers events back onto whatever goroutine calls Run.
type Socket struct {
	cfg      Config
	conn     net.Conn
	reader   *bufio.Reader
	limiter  *rate.Limiter
	listener Listener

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc

	bytesMu    sync.Mutex
	bytesTotal int64
	bytesAt    time.Time
	bps        float64
}

// Dial opens a TCP (optionally TLS) connection per cfg. The caller must
// call Run to start delivering events before writing any commands.
func Dial(ctx context.Context, cfg Config) (*Socket, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if cfg.TLS {
		serverName := cfg.ServerName
		if serverName == "" {
			host, _, splitErr := net.SplitHostPort(cfg.Addr)
			if splitErr == nil {
				serverName = host
			}
		}
		tlsConn, dialErr := tls.DialWithDialer(dialer, "tcp", cfg.Addr, &tls.Config{
			ServerName: serverName,
			MinVersion: tls.VersionTLS12,
		})
		conn, err = tlsConn, dialErr
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s: %w", cfg.Addr, err)
	}

	var limiter *rate.Limiter
	if cfg.BytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), cfg.BytesPerSecond)
	}

	return &Socket{
		cfg:     cfg,
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 16*1024),
		limiter: limiter,
		bytesAt: time.Now(),
	}, nil
}

// Run starts the read loop, delivering lines to l until the socket is
// closed or a read error occurs. Run blocks; callers typically invoke it
// in its own goroutine (the one "non-blocking reads with a readiness
// source" boundary per spec §5) and communicate completion back to the
// single-threaded event loop via channel or callback.
func (s *Socket) Run(ctx context.Context, l Listener) {
	s.listener = l

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		<-runCtx.Done()
		_ = s.conn.Close()
	}()

	for {
		line, err := s.readLine()
		if err != nil {
			s.mu.Lock()
			aborted := s.closed
			s.mu.Unlock()
			if aborted {
				l.OnAbort()
			} else {
				l.OnError(err)
			}
			return
		}
		l.OnLine(line)
	}
}

// readLine reads one CRLF- or LF-terminated line, stripping the
// terminator, and accounts its length against the byte-rate limiter and
// counter. It does not collapse leading ".." — that dot-stuffing
// transform belongs to the NNTP layer, not the socket (spec §4.1).
func (s *Socket) readLine() ([]byte, error) {
	raw, err := s.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	n := len(raw)
	if n > 0 && raw[n-1] == '\n' {
		n--
	}
	if n > 0 && raw[n-1] == '\r' {
		n--
	}
	line := raw[:n]

	s.accountBytes(len(raw))
	if s.limiter != nil {
		_ = s.limiter.WaitN(context.Background(), clampBurst(len(raw), s.limiter))
	}

	return line, nil
}

func clampBurst(n int, l *rate.Limiter) int {
	b := l.Burst()
	if b <= 0 {
		return 1
	}
	if n > b {
		return b
	}
	if n <= 0 {
		return 1
	}
	return n
}

func (s *Socket) accountBytes(n int) {
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()
	s.bytesTotal += int64(n)
	elapsed := time.Since(s.bytesAt).Seconds()
	if elapsed >= 1 {
		s.bps = float64(s.bytesTotal) / elapsed
		s.bytesTotal = 0
		s.bytesAt = time.Now()
	}
}

// BytesPerSecond reports the most recently sampled rolling rate, for the
// Queue's bandwidth display.
func (s *Socket) BytesPerSecond() float64 {
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()
	return s.bps
}

// WriteCommand writes p followed by CRLF. Writes block only on the OS
// send buffer (spec §5): logical suspension happens between commands,
// not inside a single write.
func (s *Socket) WriteCommand(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}

	if _, err := s.conn.Write(p); err != nil {
		return err
	}
	_, err := s.conn.Write([]byte("\r\n"))
	return err
}

// Write writes raw bytes verbatim (used for POST body framing, which
// does its own CRLF handling).
func (s *Socket) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Close closes the underlying descriptor. Per spec §4.1, "dropping the
// Socket closes the underlying descriptor at the next scheduler tick" —
// here that's the next iteration of the read loop, which will observe
// the closed connection and call OnAbort instead of OnError.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}
	return s.conn.Close()
}
