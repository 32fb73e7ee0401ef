package mcp

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net"
	"sync"
	"time"
)

// StreamTransport is a ClientTransport dialing a stream socket, typically "tcp" or "unix",
// and exchanging newline-delimited JSON-RPC messages over it. Every StartSession dials a fresh
// connection, which is what lets a ResilientTransport reconnect.
type StreamTransport struct {
	network string
	address string
	dialer  net.Dialer
	logger  *slog.Logger
}

// StreamListener is a ServerTransport accepting stream connections, one session per
// connection.
type StreamListener struct {
	listener net.Listener
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*lineSession
	closed   chan struct{}
	once     sync.Once
}

// StreamOption configures a StreamTransport.
type StreamOption func(*StreamTransport)

// StreamListenerOption configures a StreamListener.
type StreamListenerOption func(*StreamListener)

var defaultStreamDialTimeout = 10 * time.Second

// WithStreamDialTimeout bounds how long dialing may take.
func WithStreamDialTimeout(timeout time.Duration) StreamOption {
	return func(t *StreamTransport) {
		t.dialer.Timeout = timeout
	}
}

// WithStreamLogger sets the logger for the transport and its sessions.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(t *StreamTransport) {
		t.logger = logger
	}
}

// WithStreamListenerLogger sets the logger for the listener and its sessions.
func WithStreamListenerLogger(logger *slog.Logger) StreamListenerOption {
	return func(l *StreamListener) {
		l.logger = logger
	}
}

// NewStreamTransport creates a transport dialing address on network.
func NewStreamTransport(network, address string, options ...StreamOption) *StreamTransport {
	t := &StreamTransport{
		network: network,
		address: address,
		dialer:  net.Dialer{Timeout: defaultStreamDialTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// StartSession dials a new connection. Dial failures are retryable.
func (t *StreamTransport) StartSession(ctx context.Context) (Session, error) {
	conn, err := t.dialer.DialContext(ctx, t.network, t.address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err, Retryable: ctx.Err() == nil}
	}
	t.logger.Debug("connected",
		slog.String("network", t.network),
		slog.String("address", conn.RemoteAddr().String()))
	return newLineSession(conn, conn, conn, t.logger), nil
}

// NewStreamListener listens on address. Use "127.0.0.1:0" to pick a free port and Addr to
// find out which.
func NewStreamListener(network, address string, options ...StreamListenerOption) (*StreamListener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	l := &StreamListener{
		listener: ln,
		logger:   slog.Default(),
		sessions: make(map[string]*lineSession),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(l)
	}
	return l, nil
}

// Addr returns the address the listener is bound to.
func (l *StreamListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Sessions accepts connections until Shutdown.
func (l *StreamListener) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		for {
			conn, err := l.listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					l.logger.Error("failed to accept connection", slog.String("err", err.Error()))
				}
				return
			}

			sess := newLineSession(conn, conn, conn, l.logger)
			l.mu.Lock()
			l.sessions[sess.id] = sess
			l.mu.Unlock()
			go l.forget(sess)

			if !yield(sess) {
				return
			}
		}
	}
}

// Shutdown stops accepting connections.
func (l *StreamListener) Shutdown(_ context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.listener.Close()
	})
	return err
}

// Len returns the number of sessions that have not been stopped.
func (l *StreamListener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.sessions)
}

func (l *StreamListener) forget(sess *lineSession) {
	select {
	case <-sess.done:
	case <-l.closed:
		return
	}
	l.mu.Lock()
	delete(l.sessions, sess.id)
	l.mu.Unlock()
}
