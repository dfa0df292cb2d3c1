// Package target serves the matchmaking endpoints the match scenario drives:
// a WebSocket that hands out match URLs and the HTTP resource behind them.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options configures the stub target
type Options struct {
	Host string
	Port int
	// Pairing holds each connection until a second one arrives so both share a match
	Pairing bool
	// PublicURL overrides the base of pushed match URLs; the request Host is used when empty
	PublicURL string
}

// DefaultOptions mirrors the port the scenario's default target URL points at
func DefaultOptions() Options {
	return Options{
		Host: "0.0.0.0",
		Port: 3000,
	}
}

// Match is an allocated game session
type Match struct {
	ID        string    `json:"match_id"`
	Players   int       `json:"players"`
	CreatedAt time.Time `json:"created_at"`
}

// waitingPlayer is a pairing-mode connection parked until an opponent arrives
type waitingPlayer struct {
	matched chan string
}

// Server is the gin engine plus the match table it serves from
type Server struct {
	opts   Options
	engine *gin.Engine
	logger zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	matches map[string]*Match
	waiting *waitingPlayer

	// Lifecycle
	httpServer *http.Server
	listener   net.Listener
	shutdown   chan struct{}
	sockets    sync.WaitGroup
	running    bool
	stopped    bool
}

// NewServer builds the routes; Start binds the listener
func NewServer(opts Options, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		opts:    opts,
		engine:  gin.New(),
		logger:  logger.With().Str("module", "target").Logger(),
		matches: make(map[string]*Match),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}

	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.GET("/ws", s.handleWebSocket)

	s.engine.GET("/match/:id", func(c *gin.Context) {
		match, ok := s.Match(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
			return
		}
		c.JSON(http.StatusOK, match)
	})
}

// Handler exposes the engine for embedding in httptest servers
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Match returns a copy of a known match
func (s *Server) Match(id string) (Match, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	match, ok := s.matches[id]
	if !ok {
		return Match{}, false
	}
	return *match, true
}

// MatchCount reports how many matches have been allocated
func (s *Server) MatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matches)
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServerAlreadyRunning
	}
	if s.stopped {
		return ErrServerStopped
	}

	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("target server error")
		}
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Bool("pairing", s.opts.Pairing).Msg("target server started")
	return nil
}

// Addr is the bound listener address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts down HTTP serving and closes every open WebSocket
// TECHNICAL DISCOVERY: http.Server.Shutdown ignores hijacked connections, so
// socket handlers watch the shutdown channel and are awaited separately
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.running = false
	s.stopped = true
	close(s.shutdown)
	httpServer := s.httpServer
	s.mu.Unlock()

	err := httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info().Msg("target server stopped")
	return err
}

// handleWebSocket upgrades, allocates or joins a match, pushes its URL and
// then holds the socket until the client closes it
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.sockets.Add(1)
	defer s.sockets.Done()
	defer func() { _ = conn.Close() }()

	// FUNCTIONAL DISCOVERY: the default close handler echoes the client's close
	// frame; the read loop only has to notice the socket is gone
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var matchID string
	if s.opts.Pairing {
		var ok bool
		matchID, ok = s.pair(gone)
		if !ok {
			return
		}
	} else {
		matchID = s.allocate(1)
	}

	matchURL := s.matchURL(c.Request, matchID)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(matchURL)); err != nil {
		s.logger.Warn().Err(err).Str("match_id", matchID).Msg("failed to push match URL")
		return
	}
	s.logger.Debug().Str("match_id", matchID).Str("url", matchURL).Msg("match URL pushed")

	select {
	case <-gone:
	case <-s.shutdown:
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
	}
}

// pair parks the caller as the waiting player or completes a match with the
// one already waiting. It reports false when the caller left or the server
// stopped before an opponent arrived.
func (s *Server) pair(gone <-chan struct{}) (string, bool) {
	s.mu.Lock()
	if opponent := s.waiting; opponent != nil {
		s.waiting = nil
		id := s.allocateLocked(2)
		s.mu.Unlock()
		opponent.matched <- id
		return id, true
	}

	me := &waitingPlayer{matched: make(chan string, 1)}
	s.waiting = me
	s.mu.Unlock()

	select {
	case id := <-me.matched:
		return id, true
	case <-gone:
	case <-s.shutdown:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiting == me {
		s.waiting = nil
		return "", false
	}
	// An opponent claimed us while we were leaving; drain its send
	<-me.matched
	return "", false
}

func (s *Server) allocate(players int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateLocked(players)
}

func (s *Server) allocateLocked(players int) string {
	id := uuid.NewString()
	s.matches[id] = &Match{ID: id, Players: players, CreatedAt: time.Now()}
	return id
}

func (s *Server) matchURL(r *http.Request, matchID string) string {
	base := strings.TrimRight(s.opts.PublicURL, "/")
	if base == "" {
		base = "http://" + r.Host
	}
	return base + "/match/" + matchID
}
