package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// MethodHandler answers one client request method. sess is the session the request arrived on
// and can be used to issue server-initiated requests while the handler runs. A returned
// JSONRPCError is sent to the client as is; other errors are mapped to an error code.
type MethodHandler func(ctx context.Context, sess *ServerSession, params json.RawMessage) (any, error)

// ServerNotificationHandler receives the notifications a client sends after initialization.
type ServerNotificationHandler func(ctx context.Context, sess *ServerSession, msg JSONRPCMessage)

// Server accepts sessions from a ServerTransport and runs each one through its own PendingTable
// and Dispatcher. Client requests are routed to the registered method handlers; requests the
// server sends to the client (sampling, elicitation, roots listing, ping) go through the
// session's ServerSession.
type Server struct {
	info Info

	instructions               string
	capabilities               ServerCapabilities
	requiredClientCapabilities ClientCapabilities
	transport                  ServerTransport

	handlers            map[string]MethodHandler
	notificationHandler ServerNotificationHandler

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
	requestTimeout       time.Duration

	dedupSize int
	dedupTTL  time.Duration

	metrics *Metrics
	logger  *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	mu       sync.Mutex
	sessions map[string]*ServerSession
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// ServerSession is one client connected to a Server.
type ServerSession struct {
	server     *Server
	session    Session
	pending    *PendingTable
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu                 sync.Mutex
	initialized        bool
	ready              bool
	clientInfo         Info
	clientCapabilities ClientCapabilities
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
	defaultServerRequestTimeout       = 60 * time.Second

	errSessionEnded = errors.New("session ended")
)

// NewServer creates a new Model Context Protocol (MCP) server with the given configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info:      info,
		transport: transport,
		handlers:  make(map[string]MethodHandler),
		sessions:  make(map[string]*ServerSession),
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.requestTimeout == 0 {
		s.requestTimeout = defaultServerRequestTimeout
	}
	return s
}

// WithMethodHandler registers handler for requests with the given method. Registering the same
// method twice keeps the last handler.
func WithMethodHandler(method string, handler MethodHandler) ServerOption {
	return func(s *Server) {
		s.handlers[method] = handler
	}
}

// WithServerNotificationHandler sets the handler for client notifications.
func WithServerNotificationHandler(handler ServerNotificationHandler) ServerOption {
	return func(s *Server) {
		s.notificationHandler = handler
	}
}

// WithServerCapabilities sets the capabilities advertised during initialization.
func WithServerCapabilities(capabilities ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.capabilities = capabilities
	}
}

// WithRequireRootsListClient rejects clients that do not support listing roots.
func WithRequireRootsListClient() ServerOption {
	return func(s *Server) {
		s.requiredClientCapabilities.Roots = &RootsCapability{}
	}
}

// WithRequireSamplingClient rejects clients that do not support sampling.
func WithRequireSamplingClient() ServerOption {
	return func(s *Server) {
		s.requiredClientCapabilities.Sampling = &SamplingCapability{}
	}
}

// WithRequireElicitationClient rejects clients that do not support elicitation.
func WithRequireElicitationClient() ServerOption {
	return func(s *Server) {
		s.requiredClientCapabilities.Elicitation = &ElicitationCapability{}
	}
}

// WithInstructions sets the usage instructions sent to clients.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval sets how often each client is pinged. A negative interval disables
// pinging.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout bounds each ping.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets how many consecutive failed pings close a session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout sets the timeout for writing a message to a session.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerRequestTimeout sets how long a server-initiated request waits for the client.
func WithServerRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithServerDedup drops client requests whose id was seen within ttl. Each session gets its own
// cache of the given size.
func WithServerDedup(size int, ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.dedupSize = size
		s.dedupTTL = ttl
	}
}

// WithServerOnClientConnected sets a callback invoked once a client finished initialization.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets a callback invoked when a session ends.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerMetrics sets the metrics shared by every session.
func WithServerMetrics(metrics *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "resilient-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts sessions until the transport is shut down. Each session runs on its own
// goroutine and closes itself when the client goes away or stops answering pings.
//
// Serve blocks until the server is shut down.
func (s *Server) Serve() {
	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := s.newSession(sess)

		s.mu.Lock()
		s.sessions[sess.ID()] = ss
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()

			ss.run(s.ctx)

			s.mu.Lock()
			delete(s.sessions, sess.ID())
			s.mu.Unlock()

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(sess.ID())
			}
		}()
	}
}

// Shutdown stops every session, waits for them to finish, and shuts the transport down. It
// returns early with an error if ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-done:
	}

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}

// Sessions returns the sessions that completed initialization.
func (s *Server) Sessions() []*ServerSession {
	s.mu.Lock()
	all := slices.Collect(maps.Values(s.sessions))
	s.mu.Unlock()

	return slices.DeleteFunc(all, func(ss *ServerSession) bool {
		return !ss.Ready()
	})
}

// Broadcast sends a notification to every initialized session. Failures on individual sessions
// are joined into the returned error.
func (s *Server) Broadcast(ctx context.Context, method string, params any) error {
	var errs []error
	for _, ss := range s.Sessions() {
		if err := ss.Notify(ctx, method, params); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", ss.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) newSession(sess Session) *ServerSession {
	logger := s.logger.With(slog.String("sessionID", sess.ID()))
	ss := &ServerSession{
		server:  s,
		session: sess,
		pending: NewPendingTable(
			WithPendingTimeout(s.requestTimeout),
			WithPendingMetrics(s.metrics),
			WithPendingLogger(logger)),
		logger: logger,
	}

	var dedup *DedupCache
	if s.dedupSize > 0 {
		dedup = NewDedupCache(s.dedupSize, s.dedupTTL,
			WithDedupMetrics(s.metrics),
			WithDedupLogger(logger))
	}
	ss.dispatcher = NewDispatcher(ss.pending, nil, sess,
		WithDispatcherDedup(dedup),
		WithRequestHandler(RequestHandlerFunc(ss.handleRequest)),
		WithNotificationHandler(NotificationHandlerFunc(ss.handleNotification)),
		WithDispatcherSendTimeout(s.sendTimeout),
		WithDispatcherMetrics(s.metrics),
		WithDispatcherLogger(logger))
	return ss
}

// ID returns the id of the underlying transport session.
func (ss *ServerSession) ID() string {
	return ss.session.ID()
}

// ClientInfo returns the information the client sent during initialization.
func (ss *ServerSession) ClientInfo() Info {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.clientInfo
}

// ClientCapabilities returns the capabilities the client advertised.
func (ss *ServerSession) ClientCapabilities() ClientCapabilities {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.clientCapabilities
}

// Ready reports whether the client completed the initialize handshake.
func (ss *ServerSession) Ready() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.ready
}

// CreateMessage asks the client to sample a message from its model.
func (ss *ServerSession) CreateMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	if ss.ClientCapabilities().Sampling == nil {
		return SamplingResult{}, fmt.Errorf("%w: client does not support %s", ErrHandlerNotConfigured, MethodSamplingCreateMessage)
	}
	var result SamplingResult
	if err := ss.Call(ctx, MethodSamplingCreateMessage, params, &result); err != nil {
		return SamplingResult{}, err
	}
	return result, nil
}

// Elicit asks the client to collect input from its user.
func (ss *ServerSession) Elicit(ctx context.Context, params ElicitationParams) (ElicitationResult, error) {
	if ss.ClientCapabilities().Elicitation == nil {
		return ElicitationResult{}, fmt.Errorf("%w: client does not support %s", ErrHandlerNotConfigured, MethodElicitationCreate)
	}
	var result ElicitationResult
	if err := ss.Call(ctx, MethodElicitationCreate, params, &result); err != nil {
		return ElicitationResult{}, err
	}
	return result, nil
}

// ListRoots asks the client for its roots.
func (ss *ServerSession) ListRoots(ctx context.Context) (RootList, error) {
	if ss.ClientCapabilities().Roots == nil {
		return RootList{}, fmt.Errorf("%w: client does not support %s", ErrHandlerNotConfigured, MethodRootsList)
	}
	var result RootList
	if err := ss.Call(ctx, MethodRootsList, nil, &result); err != nil {
		return RootList{}, err
	}
	return result, nil
}

// Ping checks that the client answers.
func (ss *ServerSession) Ping(ctx context.Context) error {
	return ss.Call(ctx, MethodPing, nil, nil)
}

// Call sends a request to the client and waits for the response.
func (ss *ServerSession) Call(ctx context.Context, method string, params any, result any) error {
	return ss.requester().call(ctx, method, params, result)
}

// Notify sends a notification to the client.
func (ss *ServerSession) Notify(ctx context.Context, method string, params any) error {
	return ss.requester().notify(ctx, method, params)
}

// Stop closes the session.
func (ss *ServerSession) Stop() {
	ss.session.Stop()
}

func (ss *ServerSession) requester() requester {
	return requester{
		session:      ss.session,
		pending:      ss.pending,
		timeout:      ss.server.requestTimeout,
		writeTimeout: ss.server.sendTimeout,
		logger:       ss.logger,
	}
}

func (ss *ServerSession) run(ctx context.Context) {
	group, gCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for msg := range ss.session.Messages() {
			ss.dispatcher.Dispatch(gCtx, Frame{
				Msg:        msg,
				Direction:  DirectionClientInitiated,
				ReceivedAt: time.Now(),
			})
		}
		return errSessionEnded
	})
	group.Go(func() error {
		<-gCtx.Done()
		ss.session.Stop()
		return nil
	})

	if ss.server.pingInterval > 0 {
		health := NewHealthChecker(ss.Ping,
			WithHealthInterval(ss.server.pingInterval),
			WithHealthTimeout(ss.server.pingTimeout),
			WithHealthThreshold(ss.server.pingTimeoutThreshold),
			WithHealthUnhealthy(func(failures int) {
				ss.logger.Warn("too many pings failed, closing session", slog.Int("failures", failures))
				ss.session.Stop()
			}),
			WithHealthMetrics(ss.server.metrics),
			WithHealthLogger(ss.logger))
		group.Go(func() error {
			return health.Run(gCtx)
		})
	}

	_ = group.Wait()

	ss.dispatcher.CancelAll()
	ss.dispatcher.Wait()
	if n := ss.pending.Close(ErrDisconnected); n > 0 {
		ss.logger.Info("session closed with pending requests", slog.Int("pendingRequests", n))
	}
}

func (ss *ServerSession) handleRequest(ctx context.Context, msg JSONRPCMessage) (any, error) {
	if msg.Method == methodInitialize {
		return ss.initialize(msg.Params)
	}

	ss.mu.Lock()
	initialized := ss.initialized
	ss.mu.Unlock()
	if !initialized {
		return nil, JSONRPCError{
			Code:    JSONRPCInvalidRequestCode,
			Message: "session not initialized",
			Data:    map[string]any{"method": msg.Method},
		}
	}

	handler, ok := ss.server.handlers[msg.Method]
	if !ok {
		return nil, JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: errMsgMethodNotFound,
			Data:    map[string]any{"method": msg.Method},
		}
	}
	return handler(ctx, ss, msg.Params)
}

func (ss *ServerSession) handleNotification(ctx context.Context, msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsInitialized:
		ss.mu.Lock()
		first := ss.initialized && !ss.ready
		ss.ready = ss.initialized
		info := ss.clientInfo
		ss.mu.Unlock()

		if first && ss.server.onClientConnected != nil {
			ss.server.onClientConnected(ss.ID(), info)
		}
		return
	case methodNotificationsCancelled:
		// Already applied by the dispatcher.
		return
	}

	if !ss.Ready() {
		return
	}
	if ss.server.notificationHandler != nil {
		ss.server.notificationHandler(ctx, ss, msg)
	}
}

func (ss *ServerSession) initialize(raw json.RawMessage) (initializeResult, error) {
	var params initializeParams
	if err := unmarshalParams(raw, &params); err != nil {
		return initializeResult{}, err
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: errMsgUnsupportedProtocolVersion,
			Data: map[string]any{
				"supported": []string{protocolVersion},
				"requested": params.ProtocolVersion,
			},
		}
	}
	if missing := ss.server.missingCapability(params.Capabilities); missing != "" {
		return initializeResult{}, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("insufficient client capabilities: missing required capability '%s'", missing),
		}
	}

	ss.mu.Lock()
	ss.initialized = true
	ss.clientInfo = params.ClientInfo
	ss.clientCapabilities = params.Capabilities
	ss.mu.Unlock()

	ss.logger.Info("client initialized",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version))

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    ss.server.capabilities,
		ServerInfo:      ss.server.info,
		Instructions:    ss.server.instructions,
	}, nil
}

func (s *Server) missingCapability(caps ClientCapabilities) string {
	required := s.requiredClientCapabilities
	switch {
	case required.Roots != nil && caps.Roots == nil:
		return "roots"
	case required.Sampling != nil && caps.Sampling == nil:
		return "sampling"
	case required.Elicitation != nil && caps.Elicitation == nil:
		return "elicitation"
	}
	return ""
}
