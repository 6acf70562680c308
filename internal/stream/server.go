package stream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrShuttingDown is returned by Serve once Shutdown has been called
var ErrShuttingDown = errors.New("stream server is shutting down")

// Server upgrades HTTP requests to websocket sessions and tracks them so
// they can all be cancelled on shutdown.
type Server struct {
	hub      Subscriber
	upgrader websocket.Upgrader
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
}

// NewServer creates a stream server. allowedOrigins lists browser origins
// that may connect; "*" allows any. Requests without an Origin header are
// always accepted.
func NewServer(hub Subscriber, allowedOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:      hub,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// Serve upgrades the request and blocks until the session ends. symbol must
// already be validated.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, symbol string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, `{"error": "Server shutting down"}`, http.StatusServiceUnavailable)
		return ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Info("Websocket upgrade failed", zap.Error(err))
		return err
	}

	sess := NewSession(conn, s.hub, symbol, s.logger)
	s.track(sess)
	defer s.untrack(sess)

	s.logger.Info("Websocket session opened", zap.String("session_id", sess.ID), zap.String("symbol", symbol))
	err = sess.Run(s.ctx)
	s.logger.Info("Websocket session closed", zap.String("session_id", sess.ID), zap.String("symbol", symbol))
	return err
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID)
}

// ActiveSessions returns the number of open sessions
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown cancels every session and waits for them to finish or for ctx
// to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
