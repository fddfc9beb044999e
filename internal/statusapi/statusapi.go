// Package statusapi is the engine's status/health HTTP surface
// (SPEC_FULL §2): GET /healthz, GET /status, and GET /progress
// upgraded to a websocket stream of Progress events. It is the
// Progress+Log+Health component's transport, not a GUI — cmd/pan2d
// only binds it when --no-gui is paired with an http.addr. Grounded
// on the teacher's internal/api/router.go (echo.Echo route
// registration) and mick-25-streamnzb's pkg/api/websocket.go
// (per-client send channel + write loop, simplified here to one
// broadcast fan-out with no per-client command handling since this
// surface is read-only).
package statusapi

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/queue"
)

// StatusSource is the one method statusapi needs from *queue.Queue,
// named the way the teacher's app.Context narrows NNTPManager/
// IndexerManager down to only what each controller calls.
type StatusSource interface {
	Stats() queue.Stats
}

// ProgressEvent is one message pushed to every /progress websocket
// client.
type ProgressEvent struct {
	TaskID  string `json:"task_id"`
	Percent int    `json:"percent"`
	Status  string `json:"status"`
}

// Server is the statusapi HTTP+websocket surface.
type Server struct {
	echo   *echo.Echo
	source StatusSource
	log    health.Log

	mu      sync.Mutex
	clients map[chan ProgressEvent]struct{}
}

// New builds a Server bound to source for /status queries. Publish
// events onto it (typically from a health.ProgressListener wired to
// every task) to fan them out over /progress.
func New(source StatusSource, log health.Log) *Server {
	s := &Server{
		source:  source,
		log:     log,
		clients: make(map[chan ProgressEvent]struct{}),
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", s.handleHealthz)
	e.GET("/status", s.handleStatus)
	e.GET("/progress", s.handleProgress)
	s.echo = e
	return s
}

// Start blocks serving on addr until the listener fails or is closed.
func (s *Server) Start(addr string) error {
	s.log.Info("statusapi: listening on %s", addr)
	return s.echo.Start(addr)
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	return s.echo.Close()
}

// Publish fans ev out to every connected /progress client, dropping
// it for any client whose send buffer is full rather than blocking.
func (s *Server) Publish(ev ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Stats())
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleProgress(c *echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("statusapi: websocket upgrade failed: %v", err)
		return err
	}
	defer conn.Close()

	clientID := uuid.NewString()
	s.log.Debug("statusapi: /progress client %s connected", clientID)
	defer s.log.Debug("statusapi: /progress client %s disconnected", clientID)

	ch := make(chan ProgressEvent, 64)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, ch)
		s.mu.Unlock()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return nil
		}
	}
	return nil
}
