package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is the host side of an MCP conversation. It issues requests to a server and
// correlates the responses, and it answers the server-initiated requests (sampling,
// elicitation, roots listing, ping) from the handlers in its CapabilityRegistry.
//
// A Client must be created with NewClient and connected with Connect before use. Every call
// either returns the server's result, a typed error, or a timeout; a lost connection completes
// all outstanding calls with ErrDisconnected and is reported on Err. After Disconnect the
// client can Connect again, starting a fresh session on the same transport.
type Client struct {
	info      Info
	transport ClientTransport
	registry  *CapabilityRegistry
	dedup     *DedupCache

	notificationHandler NotificationHandler

	requestTimeout       time.Duration
	writeTimeout         time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	metrics *Metrics
	logger  *slog.Logger

	mu                 sync.Mutex
	session            Session
	pending            *PendingTable
	dispatcher         *Dispatcher
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	cancel       context.CancelFunc
	group        *errgroup.Group
	stopSession  func()
	errs         chan error
	disconnected chan struct{}
}

var (
	defaultClientRequestTimeout       = 30 * time.Second
	defaultClientWriteTimeout         = 30 * time.Second
	defaultClientPingTimeoutThreshold = 3
)

// WithClientRegistry uses registry instead of a fresh CapabilityRegistry. It must come before
// any handler option.
func WithClientRegistry(registry *CapabilityRegistry) ClientOption {
	return func(c *Client) {
		c.registry = registry
	}
}

// WithSamplingHandler sets the sampling handler for the client.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.registry.SetSamplingHandler(handler)
	}
}

// WithElicitationHandler sets the elicitation handler for the client.
func WithElicitationHandler(handler ElicitationHandler) ClientOption {
	return func(c *Client) {
		c.registry.SetElicitationHandler(handler)
	}
}

// WithRootsListHandler sets the roots list handler for the client.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.registry.SetRootsListHandler(handler)
	}
}

// WithClientNotificationHandler receives the notifications sent by the server.
func WithClientNotificationHandler(handler NotificationHandler) ClientOption {
	return func(c *Client) {
		c.notificationHandler = handler
	}
}

// WithClientDedup drops server requests whose id was already handled. Not needed when the
// transport is a ResilientTransport, which deduplicates on its own.
func WithClientDedup(dedup *DedupCache) ClientOption {
	return func(c *Client) {
		c.dedup = dedup
	}
}

// WithClientRequestTimeout sets how long a request waits for its response.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientWriteTimeout sets the timeout for writing a message to the transport.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientPingInterval enables pinging the server at the given interval. Zero disables it.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets how many consecutive failed pings disconnect the client.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientMetrics sets the metrics for the client's pending requests and handlers.
func WithClientMetrics(metrics *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "resilient-mcp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a client identified by info that talks over transport. The client is not
// connected until Connect is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		registry:  NewCapabilityRegistry(),
		logger:    slog.Default(),
		errs:      make(chan error, 1),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.pingTimeoutThreshold <= 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}
	return c
}

// Connect starts a session and performs the initialize handshake. The capabilities advertised
// to the server are those of the handlers registered at this point. A client whose session
// ended on its own must be disconnected before it connects again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return errors.New("client already connected")
	}
	c.mu.Unlock()

	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	pending := NewPendingTable(
		WithPendingTimeout(c.requestTimeout),
		WithPendingMetrics(c.metrics),
		WithPendingLogger(c.logger))
	dispatcher := NewDispatcher(pending, c.registry, sess,
		WithDispatcherDedup(c.dedup),
		WithNotificationHandler(NotificationHandlerFunc(c.handleNotification)),
		WithDispatcherSendTimeout(c.writeTimeout),
		WithDispatcherMetrics(c.metrics),
		WithDispatcherLogger(c.logger))

	sCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gCtx := errgroup.WithContext(sCtx)
	disconnected := make(chan struct{})

	var stopOnce sync.Once
	stopSession := func() { stopOnce.Do(sess.Stop) }
	c.mu.Lock()
	c.session = sess
	c.pending = pending
	c.dispatcher = dispatcher
	c.cancel = cancel
	c.group = group
	c.stopSession = stopSession
	c.disconnected = disconnected
	c.mu.Unlock()

	group.Go(func() error {
		return c.listen(gCtx, sess, pending, dispatcher, disconnected)
	})

	if err := c.initialize(ctx); err != nil {
		dErr := c.Disconnect(context.WithoutCancel(ctx))
		return errors.Join(fmt.Errorf("failed to initialize: %w", err), dErr)
	}

	if c.pingInterval > 0 {
		health := NewHealthChecker(c.Ping,
			WithHealthInterval(c.pingInterval),
			WithHealthTimeout(c.writeTimeout),
			WithHealthThreshold(c.pingTimeoutThreshold),
			WithHealthUnhealthy(func(failures int) {
				c.emit(fmt.Errorf("%w: too many ping failures: %d", ErrDisconnected, failures))
				stopSession()
			}),
			WithHealthMetrics(c.metrics),
			WithHealthLogger(c.logger))
		group.Go(func() error {
			return health.Run(gCtx)
		})
	}
	return nil
}

// Call sends a request and waits for its response, decoding the result into result when it is
// not nil. If ctx ends or the request times out, the server is told to stop working on it.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	r, err := c.requester()
	if err != nil {
		return err
	}
	return r.call(ctx, method, params, result)
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	r, err := c.requester()
	if err != nil {
		return err
	}
	return r.notify(ctx, method, params)
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, MethodPing, nil, nil)
}

// NotifyRootsListChanged tells the server to list the roots again.
func (c *Client) NotifyRootsListChanged(ctx context.Context) error {
	return c.Notify(ctx, methodNotificationsRootsListChanged, nil)
}

// SetSamplingHandler replaces the sampling handler. It may be called while connected.
func (c *Client) SetSamplingHandler(handler SamplingHandler) {
	c.registry.SetSamplingHandler(handler)
}

// SetElicitationHandler replaces the elicitation handler. It may be called while connected.
func (c *Client) SetElicitationHandler(handler ElicitationHandler) {
	c.registry.SetElicitationHandler(handler)
}

// SetRootsListHandler replaces the roots list handler. It may be called while connected.
func (c *Client) SetRootsListHandler(handler RootsListHandler) {
	c.registry.SetRootsListHandler(handler)
}

// Registry returns the registry answering server-initiated requests.
func (c *Client) Registry() *CapabilityRegistry {
	return c.registry
}

// ServerInfo returns the information the server sent during initialization.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.serverCapabilities
}

// Instructions returns the usage instructions the server sent, if any.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.instructions
}

// Err reports connection-level failures: the session ending without Disconnect, or the server
// failing too many pings. At most one error is delivered.
func (c *Client) Err() <-chan error {
	return c.errs
}

// Disconnect stops the session and waits for background work to finish. Outstanding calls
// complete with ErrDisconnected, and later calls fail with ErrNotConnected until the next
// Connect.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	sess, cancel, group, stop, pending, dispatcher := c.session, c.cancel, c.group, c.stopSession, c.pending, c.dispatcher
	c.mu.Unlock()
	if cancel == nil {
		return ErrNotConnected
	}

	cancel()
	stop()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		dispatcher.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to disconnect: %w", ctx.Err())
	case <-done:
	}
	pending.Close(ErrDisconnected)

	c.mu.Lock()
	if c.session == sess {
		c.session = nil
		c.pending = nil
		c.dispatcher = nil
		c.cancel = nil
		c.group = nil
		c.stopSession = nil
		c.disconnected = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) requester() (requester, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return requester{}, ErrNotConnected
	}
	select {
	case <-c.disconnected:
		return requester{}, ErrDisconnected
	default:
	}
	return requester{
		session:      c.session,
		pending:      c.pending,
		timeout:      c.requestTimeout,
		writeTimeout: c.writeTimeout,
		logger:       c.logger,
	}, nil
}

func (c *Client) listen(
	ctx context.Context,
	sess Session,
	pending *PendingTable,
	dispatcher *Dispatcher,
	disconnected chan struct{},
) error {
	for msg := range sess.Messages() {
		dispatcher.Dispatch(ctx, Frame{
			Msg:        msg,
			Direction:  DirectionServerInitiated,
			ReceivedAt: time.Now(),
		})
	}

	close(disconnected)
	dispatcher.CancelAll()
	n := pending.Close(ErrDisconnected)

	if ctx.Err() != nil {
		return nil
	}
	c.logger.Warn("session ended", slog.Int("pendingRequests", n))
	c.emit(ErrDisconnected)
	// Stops the health check.
	return ErrDisconnected
}

func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.registry.Capabilities(),
		ClientInfo:      c.info,
	}
	var result initializeResult
	if err := c.Call(ctx, methodInitialize, params, &result); err != nil {
		return err
	}
	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("%w: protocol version mismatch: %s != %s", ErrProtocol, result.ProtocolVersion, protocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	return c.Notify(ctx, methodNotificationsInitialized, nil)
}

func (c *Client) handleNotification(ctx context.Context, msg JSONRPCMessage) {
	if c.notificationHandler != nil {
		c.notificationHandler.HandleNotification(ctx, msg)
	}
}

func (c *Client) emit(err error) {
	select {
	case c.errs <- err:
	default:
	}
}
