package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// CapabilityKind enumerates the server-initiated requests a client can answer locally.
type CapabilityKind int

// Capability kinds.
const (
	CapabilitySampling CapabilityKind = iota
	CapabilityElicitation
	CapabilityRootsList
	CapabilityPing

	numCapabilityKinds
)

// SamplingHandler provides an interface for generating AI model responses based on conversation
// history. Implementations should handle the specifics of model interaction while respecting the
// preferences given in the params.
type SamplingHandler interface {
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// ElicitationHandler obtains structured input from the end user. It usually blocks on a human,
// so the registry bounds how many run at once.
type ElicitationHandler interface {
	Elicit(ctx context.Context, params ElicitationParams) (ElicitationResult, error)
}

// RootsListHandler defines the interface for retrieving the list of root resources in the MCP
// protocol. Roots are the top-level locations the client exposes to the server.
type RootsListHandler interface {
	RootsList(ctx context.Context) (RootList, error)
}

// PingHandler answers liveness checks initiated by the peer.
type PingHandler interface {
	Ping(ctx context.Context) error
}

// SamplingHandlerFunc adapts a function to SamplingHandler.
type SamplingHandlerFunc func(ctx context.Context, params SamplingParams) (SamplingResult, error)

// ElicitationHandlerFunc adapts a function to ElicitationHandler.
type ElicitationHandlerFunc func(ctx context.Context, params ElicitationParams) (ElicitationResult, error)

// RootsListHandlerFunc adapts a function to RootsListHandler.
type RootsListHandlerFunc func(ctx context.Context) (RootList, error)

// PingHandlerFunc adapts a function to PingHandler.
type PingHandlerFunc func(ctx context.Context) error

// CapabilityRegistry holds the handlers for server-initiated requests, at most one per
// CapabilityKind. Reads are lock free: every change swaps in a new immutable handler set, so a
// dispatch in flight keeps using the set it started with.
//
// Elicitations are admitted through a non-blocking semaphore: a call beyond the limit fails
// with ErrCapacityExceeded instead of queueing.
type CapabilityRegistry struct {
	handlers atomic.Pointer[handlerSet]
	writeMu  sync.Mutex

	elicitations    *semaphore.Weighted
	maxElicitations int64
	timeouts        [numCapabilityKinds]time.Duration

	metrics *Metrics
	logger  *slog.Logger
}

// RegistryOption configures a CapabilityRegistry.
type RegistryOption func(*CapabilityRegistry)

type handlerSet struct {
	sampling    SamplingHandler
	elicitation ElicitationHandler
	rootsList   RootsListHandler
	ping        PingHandler
}

type capabilityCall func(ctx context.Context) (any, error)

var (
	defaultMaxConcurrentElicitations int64 = 10
	defaultElicitationTimeout              = 60 * time.Second
	defaultSamplingTimeout                 = 60 * time.Second
	defaultRootsListTimeout                = 30 * time.Second
	defaultPingTimeout                     = 5 * time.Second

	defaultPingHandler = PingHandlerFunc(func(context.Context) error { return nil })
)

// WithMaxConcurrentElicitations bounds the number of elicitations in flight.
func WithMaxConcurrentElicitations(n int) RegistryOption {
	return func(r *CapabilityRegistry) {
		r.maxElicitations = int64(n)
	}
}

// WithElicitationTimeout sets the default deadline of an elicitation.
func WithElicitationTimeout(timeout time.Duration) RegistryOption {
	return WithCapabilityTimeout(CapabilityElicitation, timeout)
}

// WithCapabilityTimeout sets the default deadline of the given kind, used when Dispatch is
// called without one.
func WithCapabilityTimeout(kind CapabilityKind, timeout time.Duration) RegistryOption {
	return func(r *CapabilityRegistry) {
		if kind >= 0 && kind < numCapabilityKinds && timeout > 0 {
			r.timeouts[kind] = timeout
		}
	}
}

// WithRegistryMetrics sets the metrics that count dispatches.
func WithRegistryMetrics(metrics *Metrics) RegistryOption {
	return func(r *CapabilityRegistry) {
		r.metrics = metrics
	}
}

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *CapabilityRegistry) {
		r.logger = logger
	}
}

// NewCapabilityRegistry creates a registry with only the default ping handler, which answers
// every ping successfully. Remove it with RemoveHandler(CapabilityPing) to stop answering.
func NewCapabilityRegistry(options ...RegistryOption) *CapabilityRegistry {
	r := &CapabilityRegistry{
		maxElicitations: defaultMaxConcurrentElicitations,
		timeouts: [numCapabilityKinds]time.Duration{
			CapabilitySampling:    defaultSamplingTimeout,
			CapabilityElicitation: defaultElicitationTimeout,
			CapabilityRootsList:   defaultRootsListTimeout,
			CapabilityPing:        defaultPingTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.maxElicitations <= 0 {
		r.maxElicitations = defaultMaxConcurrentElicitations
	}
	r.elicitations = semaphore.NewWeighted(r.maxElicitations)
	r.handlers.Store(&handlerSet{ping: defaultPingHandler})
	return r
}

// SetSamplingHandler installs the handler for sampling/createMessage.
func (r *CapabilityRegistry) SetSamplingHandler(handler SamplingHandler) {
	r.update(func(hs *handlerSet) { hs.sampling = handler })
}

// SetElicitationHandler installs the handler for elicitation/create.
func (r *CapabilityRegistry) SetElicitationHandler(handler ElicitationHandler) {
	r.update(func(hs *handlerSet) { hs.elicitation = handler })
}

// SetRootsListHandler installs the handler for roots/list.
func (r *CapabilityRegistry) SetRootsListHandler(handler RootsListHandler) {
	r.update(func(hs *handlerSet) { hs.rootsList = handler })
}

// SetPingHandler installs the handler for server-initiated pings.
func (r *CapabilityRegistry) SetPingHandler(handler PingHandler) {
	r.update(func(hs *handlerSet) { hs.ping = handler })
}

// SetHandler installs handler for kind. The handler must implement the interface matching the
// kind, otherwise an error is returned and nothing changes.
func (r *CapabilityRegistry) SetHandler(kind CapabilityKind, handler any) error {
	var ok bool
	switch kind {
	case CapabilitySampling:
		var h SamplingHandler
		if h, ok = handler.(SamplingHandler); ok {
			r.SetSamplingHandler(h)
		}
	case CapabilityElicitation:
		var h ElicitationHandler
		if h, ok = handler.(ElicitationHandler); ok {
			r.SetElicitationHandler(h)
		}
	case CapabilityRootsList:
		var h RootsListHandler
		if h, ok = handler.(RootsListHandler); ok {
			r.SetRootsListHandler(h)
		}
	case CapabilityPing:
		var h PingHandler
		if h, ok = handler.(PingHandler); ok {
			r.SetPingHandler(h)
		}
	default:
		return fmt.Errorf("unknown capability kind %d", kind)
	}
	if !ok {
		return fmt.Errorf("handler %T does not implement the %s handler", handler, kind)
	}
	return nil
}

// RemoveHandler removes the handler for kind. Removing an absent handler is a no-op.
func (r *CapabilityRegistry) RemoveHandler(kind CapabilityKind) {
	r.update(func(hs *handlerSet) {
		switch kind {
		case CapabilitySampling:
			hs.sampling = nil
		case CapabilityElicitation:
			hs.elicitation = nil
		case CapabilityRootsList:
			hs.rootsList = nil
		case CapabilityPing:
			hs.ping = nil
		}
	})
}

// Has reports whether a handler is installed for kind.
func (r *CapabilityRegistry) Has(kind CapabilityKind) bool {
	hs := r.handlers.Load()
	switch kind {
	case CapabilitySampling:
		return hs.sampling != nil
	case CapabilityElicitation:
		return hs.elicitation != nil
	case CapabilityRootsList:
		return hs.rootsList != nil
	case CapabilityPing:
		return hs.ping != nil
	default:
		return false
	}
}

// Capabilities returns what the installed handlers allow the client to advertise.
func (r *CapabilityRegistry) Capabilities() ClientCapabilities {
	var caps ClientCapabilities
	if r.Has(CapabilityRootsList) {
		caps.Roots = &RootsCapability{ListChanged: true}
	}
	if r.Has(CapabilitySampling) {
		caps.Sampling = &SamplingCapability{}
	}
	if r.Has(CapabilityElicitation) {
		caps.Elicitation = &ElicitationCapability{}
	}
	return caps
}

// Dispatch runs the handler for kind with the raw params of the request and returns its
// result.
//
// It fails with ErrHandlerNotConfigured if no handler is installed, with ErrCapacityExceeded if
// an elicitation is refused admission, and with ErrHandlerTimeout if the handler has not
// returned by deadline. A zero deadline means the kind's default timeout from now. The
// handler's context is cancelled once Dispatch returns.
func (r *CapabilityRegistry) Dispatch(
	ctx context.Context,
	kind CapabilityKind,
	params json.RawMessage,
	deadline time.Time,
) (any, error) {
	call, err := r.handlers.Load().bind(kind, params)
	if err != nil {
		r.metrics.capabilityDispatch(kind, outcomeFor(err))
		return nil, err
	}

	release := func() {}
	if kind == CapabilityElicitation {
		if !r.elicitations.TryAcquire(1) {
			r.metrics.capabilityDispatch(kind, outcomeRejected)
			r.logger.Warn("rejecting elicitation", slog.Int64("limit", r.maxElicitations))
			return nil, fmt.Errorf("%w: %d elicitations in flight", ErrCapacityExceeded, r.maxElicitations)
		}
		release = func() { r.elicitations.Release(1) }
	}

	if deadline.IsZero() {
		deadline = time.Now().Add(r.timeouts[kind])
	}
	hCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type callResult struct {
		res any
		err error
	}
	// Buffered so an abandoned handler can still finish and exit.
	done := make(chan callResult, 1)
	go func() {
		var res callResult
		defer func() {
			if p := recover(); p != nil {
				res = callResult{err: fmt.Errorf("%s handler panicked: %v", kind, p)}
			}
			release()
			done <- res
		}()
		res.res, res.err = call(hCtx)
	}()

	var res callResult
	select {
	case res = <-done:
	case <-hCtx.Done():
		res.err = hCtx.Err()
	}

	if res.err != nil && ctx.Err() == nil && errors.Is(hCtx.Err(), context.DeadlineExceeded) {
		res.err = fmt.Errorf("%w: %s", ErrHandlerTimeout, kind)
	}
	if res.err != nil {
		r.metrics.capabilityDispatch(kind, outcomeFor(res.err))
		return nil, res.err
	}
	r.metrics.capabilityDispatch(kind, outcomeOK)
	return res.res, nil
}

func (r *CapabilityRegistry) update(fn func(*handlerSet)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := *r.handlers.Load()
	fn(&next)
	r.handlers.Store(&next)
}

func (hs *handlerSet) bind(kind CapabilityKind, params json.RawMessage) (capabilityCall, error) {
	switch kind {
	case CapabilitySampling:
		if hs.sampling == nil {
			return nil, notConfigured(kind)
		}
		var p SamplingParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		h := hs.sampling
		return func(ctx context.Context) (any, error) { return h.CreateSampleMessage(ctx, p) }, nil
	case CapabilityElicitation:
		if hs.elicitation == nil {
			return nil, notConfigured(kind)
		}
		var p ElicitationParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		h := hs.elicitation
		return func(ctx context.Context) (any, error) { return h.Elicit(ctx, p) }, nil
	case CapabilityRootsList:
		if hs.rootsList == nil {
			return nil, notConfigured(kind)
		}
		h := hs.rootsList
		return func(ctx context.Context) (any, error) { return h.RootsList(ctx) }, nil
	case CapabilityPing:
		if hs.ping == nil {
			return nil, notConfigured(kind)
		}
		h := hs.ping
		return func(ctx context.Context) (any, error) { return struct{}{}, h.Ping(ctx) }, nil
	default:
		return nil, fmt.Errorf("%w: unknown capability kind %d", ErrHandlerNotConfigured, kind)
	}
}

func notConfigured(kind CapabilityKind) error {
	return fmt.Errorf("%w: %s", ErrHandlerNotConfigured, kind)
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: errMsgInvalidParams,
			Data:    map[string]any{"error": err.Error()},
		}
	}
	return nil
}

// KindForMethod maps a server-initiated method name to its capability kind.
func KindForMethod(method string) (CapabilityKind, bool) {
	switch method {
	case MethodSamplingCreateMessage:
		return CapabilitySampling, true
	case MethodElicitationCreate:
		return CapabilityElicitation, true
	case MethodRootsList:
		return CapabilityRootsList, true
	case MethodPing:
		return CapabilityPing, true
	default:
		return 0, false
	}
}

// Method returns the JSON-RPC method the kind answers.
func (k CapabilityKind) Method() string {
	switch k {
	case CapabilitySampling:
		return MethodSamplingCreateMessage
	case CapabilityElicitation:
		return MethodElicitationCreate
	case CapabilityRootsList:
		return MethodRootsList
	case CapabilityPing:
		return MethodPing
	default:
		return ""
	}
}

func (k CapabilityKind) String() string {
	switch k {
	case CapabilitySampling:
		return "sampling"
	case CapabilityElicitation:
		return "elicitation"
	case CapabilityRootsList:
		return "roots"
	case CapabilityPing:
		return "ping"
	default:
		return fmt.Sprintf("capability(%d)", int(k))
	}
}

// CreateSampleMessage calls f.
func (f SamplingHandlerFunc) CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	return f(ctx, params)
}

// Elicit calls f.
func (f ElicitationHandlerFunc) Elicit(ctx context.Context, params ElicitationParams) (ElicitationResult, error) {
	return f(ctx, params)
}

// RootsList calls f.
func (f RootsListHandlerFunc) RootsList(ctx context.Context) (RootList, error) {
	return f(ctx)
}

// Ping calls f.
func (f PingHandlerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}
