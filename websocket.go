package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketClient is a ClientTransport carrying one JSON-RPC message per WebSocket text frame.
type WebSocketClient struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger
}

// WebSocketServer is a ServerTransport and an http.Handler: mount it on a route and every
// upgraded connection becomes a session.
type WebSocketServer struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	sessions chan *wsSession
	closed   chan struct{}
	once     sync.Once
}

// WebSocketClientOption configures a WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

// WebSocketServerOption configures a WebSocketServer.
type WebSocketServerOption func(*WebSocketServer)

type wsSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

var (
	defaultWebSocketHandshakeTimeout = 10 * time.Second
	defaultWebSocketCloseTimeout     = time.Second
)

// WithWebSocketHeader sets headers sent with the handshake request.
func WithWebSocketHeader(header http.Header) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.header = header
	}
}

// WithWebSocketHandshakeTimeout bounds the opening handshake.
func WithWebSocketHandshakeTimeout(timeout time.Duration) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.dialer.HandshakeTimeout = timeout
	}
}

// WithWebSocketClientLogger sets the logger for the client and its sessions.
func WithWebSocketClientLogger(logger *slog.Logger) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.logger = logger
	}
}

// WithWebSocketCheckOrigin replaces the upgrader's origin check.
func WithWebSocketCheckOrigin(check func(r *http.Request) bool) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.upgrader.CheckOrigin = check
	}
}

// WithWebSocketServerLogger sets the logger for the server and its sessions.
func WithWebSocketServerLogger(logger *slog.Logger) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.logger = logger
	}
}

// NewWebSocketClient creates a transport dialing url, which must use the ws or wss scheme.
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	c := &WebSocketClient{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// StartSession performs the handshake. Handshake failures with an HTTP status below 500 are
// not retried.
func (c *WebSocketClient) StartSession(ctx context.Context) (Session, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		defer func() {
			if err := resp.Body.Close(); err != nil {
				c.logger.Debug("failed to close handshake response body", slog.String("err", err.Error()))
			}
		}()
	}
	if err != nil {
		retryable := ctx.Err() == nil
		if resp != nil {
			retryable = retryable && resp.StatusCode >= http.StatusInternalServerError
			err = fmt.Errorf("%w: status %d", err, resp.StatusCode)
		}
		return nil, &TransportError{Op: "dial", Err: err, Retryable: retryable}
	}
	return newWSSession(conn, c.logger), nil
}

// NewWebSocketServer creates a server transport. By default the upgrader accepts requests from
// any origin.
func NewWebSocketServer(options ...WebSocketServerOption) *WebSocketServer {
	s := &WebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   slog.Default(),
		sessions: make(chan *wsSession),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and hands the session to Sessions.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Error("failed to upgrade connection", slog.String("err", err.Error()))
		return
	}

	sess := newWSSession(conn, s.logger)
	select {
	case s.sessions <- sess:
	case <-s.closed:
		sess.Stop()
	case <-r.Context().Done():
		sess.Stop()
	}
}

// Sessions yields upgraded connections until Shutdown.
func (s *WebSocketServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		for {
			select {
			case <-s.closed:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops handing out sessions. The HTTP server the handler is mounted on is owned by
// the caller.
func (s *WebSocketServer) Shutdown(_ context.Context) error {
	s.once.Do(func() {
		close(s.closed)
	})
	return nil
}

func newWSSession(conn *websocket.Conn, logger *slog.Logger) *wsSession {
	return &wsSession{
		id:     uuid.New().String(),
		conn:   conn,
		logger: logger.With(slog.String("session", "websocket")),
		done:   make(chan struct{}),
	}
}

func (s *wsSession) ID() string {
	return s.id
}

func (s *wsSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	// gorilla/websocket supports one concurrent writer.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return &TransportError{Op: "write", Err: err, Retryable: true}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, msgBs); err != nil {
		return &TransportError{Op: "write", Err: err, Retryable: true}
	}
	return nil
}

func (s *wsSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			msgType, data, err := s.conn.ReadMessage()
			if err != nil {
				s.logReadError(err)
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *wsSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(defaultWebSocketCloseTimeout))
		s.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("failed to send close frame", slog.String("err", err.Error()))
		}

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", slog.String("err", err.Error()))
		}
	})
}

func (s *wsSession) logReadError(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("peer closed the connection")
		return
	}
	s.logger.Error("failed to read message", slog.String("err", err.Error()))
}
