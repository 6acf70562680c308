package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/papertrade/internal/market"
)

const (
	defaultWriteWait  = 5 * time.Second
	defaultPingPeriod = 30 * time.Second
	maxMessageSize    = 512
)

// State is the lifecycle position of a Session
type State int32

const (
	Connecting State = iota
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Conn is the part of *websocket.Conn a session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Subscriber hands out per-symbol tick subscriptions
type Subscriber interface {
	Subscribe(symbol string) (*market.Subscription, error)
}

// Session streams one symbol to one websocket client
type Session struct {
	ID     string
	Symbol string

	conn       Conn
	hub        Subscriber
	logger     *zap.Logger
	writeWait  time.Duration
	pingPeriod time.Duration

	state atomic.Int32
}

// NewSession creates a session in the Connecting state
func NewSession(conn Conn, hub Subscriber, symbol string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		ID:         id,
		Symbol:     symbol,
		conn:       conn,
		hub:        hub,
		logger:     logger.With(zap.String("session_id", id), zap.String("symbol", symbol)),
		writeWait:  defaultWriteWait,
		pingPeriod: defaultPingPeriod,
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run subscribes to the symbol and writes every tick until the client goes
// away, a write fails, the feed ends or ctx is cancelled. It always closes
// the connection and leaves the session Closed.
func (s *Session) Run(ctx context.Context) error {
	defer s.state.Store(int32(Closed))

	sub, err := s.hub.Subscribe(s.Symbol)
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.Symbol, err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readDone := make(chan struct{})
	go s.readPump(cancel, readDone)
	defer func() {
		s.conn.Close()
		<-readDone
	}()

	s.state.Store(int32(Streaming))
	s.logger.Debug("Session streaming")

	ping := time.NewTicker(s.pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeWith(websocket.CloseGoingAway, "server shutting down")
			return nil

		case snap, ok := <-sub.C:
			if !ok {
				s.logger.Info("Feed ended session")
				s.closeWith(websocket.CloseTryAgainLater, "feed ended")
				return nil
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteJSON(snap); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Debug("Write failed", zap.Error(err))
				return nil
			}

		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
				s.logger.Debug("Ping failed", zap.Error(err))
				return nil
			}
		}
	}
}

// readPump discards client frames and cancels the session as soon as the
// client closes or the transport fails.
func (s *Session) readPump(cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	defer cancel()

	s.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.logger.Debug("Client closed session", zap.Int("code", ce.Code))
			} else {
				s.logger.Debug("Read failed", zap.Error(err))
			}
			return
		}
	}
}

func (s *Session) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait)); err != nil {
		s.logger.Debug("Close frame failed", zap.Error(err))
	}
}
