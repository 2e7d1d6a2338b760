package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dmsync/internal/events"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected   = errors.New("not connected")
	errSendBufferFull = errors.New("send buffer full")
)

const (
	sessionSendBuffer = 64
	sessionWriteWait  = 10 * time.Second
	minBackoff        = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
)

// SessionHandlers receive what a Session reads from the relay.
type SessionHandlers struct {
	Frame func(events.ServerFrame)
	// Connected runs in its own goroutine after every successful dial.
	Connected func(ctx context.Context)
	// Disconnected runs after a live connection is lost.
	Disconnected func(err error)
}

// Session keeps a websocket to the relay open, redialing with backoff, and
// implements Emitter for a Reconciler.
type Session struct {
	url      string
	token    string
	dialer   *websocket.Dialer
	handlers SessionHandlers
	logger   *zap.Logger

	mu   sync.RWMutex
	send chan []byte
}

func NewSession(wsURL, token string, handlers SessionHandlers) *Session {
	return &Session{
		url:      wsURL,
		token:    token,
		dialer:   websocket.DefaultDialer,
		handlers: handlers,
		logger:   zap.L().With(zap.String("component", "session")),
	}
}

// Attach routes frames and connection events into r. Call it before Run.
func (s *Session) Attach(r *Reconciler) {
	s.handlers = SessionHandlers{
		Frame: r.HandleFrame,
		Connected: func(ctx context.Context) {
			if err := r.Resync(ctx); err != nil {
				s.logger.Warn("resync failed", zap.Error(err))
			}
		},
		Disconnected: func(error) { r.MarkStale() },
	}
}

// Emit queues frame for the current connection without blocking.
func (s *Session) Emit(frame events.ClientFrame) error {
	data, err := events.EncodeClientFrame(frame)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.send == nil {
		return ErrNotConnected
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Connected reports whether a connection is currently up.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.send != nil
}

// Run dials and serves connections until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		start := time.Now()
		err := s.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > maxBackoff {
			backoff = minBackoff
		}
		s.logger.Warn("connection lost", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Session) serve(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)
	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", s.url, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	send := make(chan []byte, sessionSendBuffer)
	s.mu.Lock()
	s.send = send
	s.mu.Unlock()
	s.logger.Info("connected", zap.String("url", s.url))

	if s.handlers.Connected != nil {
		go s.handlers.Connected(ctx)
	}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- s.readLoop(conn)
		cancel()
	}()
	go func() {
		defer wg.Done()
		errCh <- s.writeLoop(ctx, conn, send)
		cancel()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.send = nil
	s.mu.Unlock()
	conn.Close()
	wg.Wait()
	cancel()

	if s.handlers.Disconnected != nil {
		s.handlers.Disconnected(err)
	}
	return err
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := events.DecodeServerFrame(data)
		if err != nil {
			s.logger.Warn("dropping frame", zap.Error(err))
			continue
		}
		if s.handlers.Frame != nil {
			s.handlers.Frame(frame)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan []byte) error {
	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
