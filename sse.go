package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer is a ServerTransport that streams server messages to clients as Server-Sent Events
// and receives client messages as HTTP POST requests. Mount HandleSSE and HandleMessage on the
// routes of any HTTP framework; HandleMessage must be reachable at the messageURL given to
// NewSSEServer.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sseServerSession

	newSessions chan *sseServerSession
	closed      chan struct{}
	once        sync.Once
}

// SSEClient is a ClientTransport connecting to an SSEServer. The first event on the stream
// tells the client where to POST its messages.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption configures an SSEClient.
type SSEClientOption func(*SSEClient)

// SSEServerOption configures an SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs chan sseSendMessage
	received chan JSONRPCMessage

	// done is closed by Stop, gone once the HTTP handler owning the stream returns.
	done     chan struct{}
	gone     chan struct{}
	stopOnce sync.Once
}

type sseSendMessage struct {
	msg  *sse.Message
	errs chan error
}

type sseClientSession struct {
	id         string
	client     *SSEClient
	messageURL string

	messages   chan JSONRPCMessage
	done       chan struct{}
	cancel     context.CancelFunc
	readClosed chan struct{}
	stopOnce   sync.Once
}

const (
	sseEventEndpoint = "endpoint"
	sseEventMessage  = "message"
)

// WithSSEServerLogger sets the logger for the server and its sessions.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event. A larger event ends the
// session.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the client and its sessions.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// NewSSEServer creates a server announcing messageURL as the endpoint for client messages.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:  messageURL,
		logger:      slog.Default(),
		sessions:    make(map[string]*sseServerSession),
		newSessions: make(chan *sseServerSession),
		closed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// NewSSEClient creates a client connecting to connectURL. A nil httpClient means
// http.DefaultClient.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Sessions yields a session for every SSE connection until Shutdown.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		for {
			select {
			case <-s.closed:
				return
			case sess := <-s.newSessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops handing out sessions and refuses new connections.
func (s *SSEServer) Shutdown(_ context.Context) error {
	s.once.Do(func() {
		close(s.closed)
	})
	return nil
}

// HandleSSE returns the handler for the GET request opening the event stream. The stream stays
// open until the session is stopped or the client goes away.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.closed:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			s.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		endpoint := sse.Message{Type: sse.Type(sseEventEndpoint)}
		endpoint.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID))
		if err := sess.Send(&endpoint); err != nil {
			s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", slog.String("err", err.Error()))
			return
		}

		srvSess := &sseServerSession{
			id:       sessID,
			sess:     sess,
			logger:   s.logger.With(slog.String("session", sessID)),
			sendMsgs: make(chan sseSendMessage),
			received: make(chan JSONRPCMessage),
			done:     make(chan struct{}),
			gone:     make(chan struct{}),
		}

		s.mu.Lock()
		s.sessions[sessID] = srvSess
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sessID)
			s.mu.Unlock()
		}()

		select {
		case s.newSessions <- srvSess:
		case <-s.closed:
			close(srvSess.gone)
			return
		case <-r.Context().Done():
			close(srvSess.gone)
			return
		}

		// Writes to the stream must happen on the handler goroutine.
		srvSess.serve(r.Context())
	})
}

// HandleMessage returns the handler for the POST requests carrying client messages. The
// session is selected with the sessionID query parameter.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		sess, ok := s.sessions[sessID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
			return
		}

		select {
		case sess.received <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-sess.done:
			http.Error(w, "session is closed", http.StatusGone)
		case <-sess.gone:
			http.Error(w, "session is closed", http.StatusGone)
		case <-r.Context().Done():
		}
	})
}

// StartSession opens the event stream and waits for the endpoint event. The stream outlives
// ctx; it ends when the session is stopped.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	sCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(sCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type connectResult struct {
		resp *http.Response
		err  error
	}
	results := make(chan connectResult, 1)
	go func() {
		resp, err := s.httpClient.Do(req)
		results <- connectResult{resp, err}
	}()

	var res connectResult
	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case res = <-results:
	}
	if res.err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", Err: res.err, Retryable: true}
	}
	if res.resp.StatusCode != http.StatusOK {
		res.resp.Body.Close()
		cancel()
		return nil, &TransportError{
			Op:        "connect",
			Err:       fmt.Errorf("unexpected status code: %d", res.resp.StatusCode),
			Retryable: res.resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		client:     s,
		messages:   make(chan JSONRPCMessage),
		done:       make(chan struct{}),
		cancel:     cancel,
		readClosed: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go sess.readEvents(res.resp.Body, ready)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, &TransportError{Op: "connect", Err: err}
		}
	}
	return sess, nil
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type(sseEventMessage)}
	sseMsg.AppendData(string(msgBs))
	sm := sseSendMessage{msg: sseMsg, errs: make(chan error, 1)}

	select {
	case s.sendMsgs <- sm:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case <-s.gone:
		return &TransportError{Op: "write", Err: ErrSessionClosed, Retryable: true}
	}

	select {
	case err := <-sm.errs:
		if err != nil {
			return &TransportError{Op: "write", Err: err, Retryable: true}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.received:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			case <-s.gone:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.gone
}

func (s *sseServerSession) serve(ctx context.Context) {
	defer close(s.gone)

	for {
		select {
		case sm := <-s.sendMsgs:
			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *sseClientSession) ID() string { return s.id }

func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: "write", Err: err, Retryable: true}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &TransportError{
			Op:        "write",
			Err:       fmt.Errorf("unexpected status code: %d", resp.StatusCode),
			Retryable: resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusGone,
		}
	}
	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	<-s.readClosed
}

func (s *sseClientSession) readEvents(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
		close(s.readClosed)
	}()

	logger := s.client.logger
	var config *sse.ReadConfig
	if s.client.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: s.client.maxPayloadSize}
	}

	endpointSet := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !endpointSet {
				ready <- fmt.Errorf("failed to read endpoint event: %w", err)
				return
			}
			if !errors.Is(err, context.Canceled) {
				logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case sseEventEndpoint:
			if endpointSet {
				continue
			}
			u, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				ready <- err
				return
			}
			s.messageURL = u
			endpointSet = true
			ready <- nil
		case sseEventMessage, "":
			if !endpointSet {
				logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}
			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}
	if !endpointSet {
		ready <- errors.New("stream ended before the endpoint event")
	}
}

// resolveEndpoint accepts absolute endpoints and endpoints relative to the connect URL.
func (s *sseClientSession) resolveEndpoint(data string) (string, error) {
	if data == "" {
		return "", errors.New("empty endpoint URL")
	}
	base, err := url.Parse(s.client.connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
