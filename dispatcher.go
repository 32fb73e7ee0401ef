package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Direction tells who initiated an inbound request.
type Direction int

const (
	// DirectionClientInitiated marks requests sent by a client to the local server.
	DirectionClientInitiated Direction = iota
	// DirectionServerInitiated marks requests sent by a server to the local client, such as
	// sampling or elicitation.
	DirectionServerInitiated
)

// Frame is an inbound message together with the metadata attached when it was read.
type Frame struct {
	Msg        JSONRPCMessage
	Direction  Direction
	ReceivedAt time.Time
}

// Sender writes a message back to the peer. It is the only way the dispatcher reaches the
// transport, so handlers never hold the session itself.
type Sender interface {
	Send(ctx context.Context, msg JSONRPCMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg JSONRPCMessage) error

// RequestHandler answers requests that are not routed to the CapabilityRegistry. The returned
// value is marshalled into the response result; a returned JSONRPCError is sent as is.
type RequestHandler interface {
	HandleRequest(ctx context.Context, msg JSONRPCMessage) (any, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, msg JSONRPCMessage) (any, error)

// NotificationHandler receives notifications in the order they were read. It runs on the read
// path and must not block.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, msg JSONRPCMessage)
}

// NotificationHandlerFunc adapts a function to NotificationHandler.
type NotificationHandlerFunc func(ctx context.Context, msg JSONRPCMessage)

// Dispatcher routes inbound frames. Responses resolve their waiter in the PendingTable,
// requests run concurrently on their own goroutine and are answered under their original id,
// and malformed frames are dropped without affecting the connection.
type Dispatcher struct {
	pending  *PendingTable
	registry *CapabilityRegistry
	sender   Sender

	dedup               *DedupCache
	requestHandler      RequestHandler
	notificationHandler NotificationHandler
	sendTimeout         time.Duration

	mu       sync.Mutex
	inflight map[RequestID]*inboundRequest
	wg       sync.WaitGroup

	metrics *Metrics
	logger  *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

type inboundRequest struct {
	cancel          context.CancelFunc
	cancelledByPeer bool
}

var defaultDispatcherSendTimeout = 10 * time.Second

// WithDispatcherDedup drops requests whose id was already processed.
func WithDispatcherDedup(dedup *DedupCache) DispatcherOption {
	return func(d *Dispatcher) {
		d.dedup = dedup
	}
}

// WithRequestHandler sets the handler for requests outside the capability set.
func WithRequestHandler(handler RequestHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.requestHandler = handler
	}
}

// WithNotificationHandler sets the handler for notifications.
func WithNotificationHandler(handler NotificationHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.notificationHandler = handler
	}
}

// WithDispatcherSendTimeout bounds how long writing a response may take.
func WithDispatcherSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.sendTimeout = timeout
	}
}

// WithDispatcherMetrics sets the metrics that count protocol errors.
func WithDispatcherMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithDispatcherLogger sets the logger for the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher resolving responses in pending and answering capability
// requests from registry through sender. registry may be nil on the server side, in which case
// every request goes to the RequestHandler.
func NewDispatcher(
	pending *PendingTable,
	registry *CapabilityRegistry,
	sender Sender,
	options ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		pending:  pending,
		registry: registry,
		sender:   sender,
		inflight: make(map[RequestID]*inboundRequest),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	if d.sendTimeout <= 0 {
		d.sendTimeout = defaultDispatcherSendTimeout
	}
	return d
}

// Dispatch routes one inbound frame. It returns as soon as the frame is routed; requests are
// handled on their own goroutine and their handlers' contexts derive from ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, frame Frame) {
	msg := frame.Msg
	if err := msg.Validate(); err != nil {
		d.metrics.protocolError()
		d.logger.Warn("dropping malformed message", slog.String("err", err.Error()))
		return
	}

	switch {
	case msg.IsResponse():
		if !d.pending.Resolve(msg.ID, msg) {
			d.logger.Debug("dropping response for unknown request", slog.String("id", msg.ID.String()))
		}
	case msg.IsNotification():
		d.handleNotification(ctx, msg)
	default:
		if d.dedup != nil && d.dedup.Seen(msg.ID) {
			return
		}
		d.startRequest(ctx, frame)
	}
}

// InFlight returns the number of inbound requests still being handled.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.inflight)
}

// CancelAll cancels the context of every inbound request in flight.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, req := range d.inflight {
		req.cancel()
	}
}

// Wait blocks until every inbound request handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) startRequest(ctx context.Context, frame Frame) {
	id := frame.Msg.ID
	rCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if _, ok := d.inflight[id]; ok {
		d.mu.Unlock()
		cancel()
		d.logger.Warn("dropping request reusing an in-flight id",
			slog.String("id", id.String()),
			slog.String("method", frame.Msg.Method))
		return
	}
	req := &inboundRequest{cancel: cancel}
	d.inflight[id] = req
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer cancel()

		result, err := d.handle(rCtx, frame)

		d.mu.Lock()
		delete(d.inflight, id)
		cancelled := req.cancelledByPeer
		d.mu.Unlock()

		// The peer gave up on this request and expects no answer.
		if cancelled {
			return
		}
		d.reply(ctx, frame.Msg, result, err)
	}()
}

func (d *Dispatcher) handle(ctx context.Context, frame Frame) (any, error) {
	msg := frame.Msg

	// A client checking on its server gets an immediate answer.
	if msg.Method == MethodPing && frame.Direction == DirectionClientInitiated {
		return struct{}{}, nil
	}
	if kind, ok := KindForMethod(msg.Method); ok && d.registry != nil {
		return d.registry.Dispatch(ctx, kind, msg.Params, time.Time{})
	}
	if d.requestHandler == nil {
		return nil, JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: errMsgMethodNotFound,
			Data:    map[string]any{"method": msg.Method},
		}
	}
	return d.requestHandler.HandleRequest(ctx, msg)
}

func (d *Dispatcher) reply(ctx context.Context, req JSONRPCMessage, result any, err error) {
	var res JSONRPCMessage
	if err == nil {
		res, err = newResponse(req.ID, result)
	}
	if err != nil {
		d.logger.Error("request failed",
			slog.String("method", req.Method),
			slog.String("id", req.ID.String()),
			slog.String("err", err.Error()))
		res = newErrorResponse(req.ID, toJSONRPCError(err))
	}

	sCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := d.sender.Send(sCtx, res); err != nil {
		d.logger.Error("failed to send response",
			slog.String("method", req.Method),
			slog.String("id", req.ID.String()),
			slog.String("err", err.Error()))
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, msg JSONRPCMessage) {
	if msg.Method == methodNotificationsCancelled {
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			d.metrics.protocolError()
			d.logger.Warn("invalid cancellation params", slog.String("err", err.Error()))
		} else {
			d.cancelInbound(params.RequestID, params.Reason)
		}
	}
	if d.notificationHandler != nil {
		d.notificationHandler.HandleNotification(ctx, msg)
	}
}

func (d *Dispatcher) cancelInbound(id RequestID, reason string) {
	d.mu.Lock()
	req, ok := d.inflight[id]
	if ok {
		req.cancelledByPeer = true
		req.cancel()
	}
	d.mu.Unlock()

	if ok {
		d.logger.Debug("request cancelled by peer", slog.String("id", id.String()), slog.String("reason", reason))
	}
}

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg JSONRPCMessage) error {
	return f(ctx, msg)
}

// HandleRequest calls f.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, msg JSONRPCMessage) (any, error) {
	return f(ctx, msg)
}

// HandleNotification calls f.
func (f NotificationHandlerFunc) HandleNotification(ctx context.Context, msg JSONRPCMessage) {
	f(ctx, msg)
}
