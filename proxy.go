package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"
)

// Proxy relays messages between a frontend session (the host) and a backend session (the
// server). Request ids are rewritten on the way through, so neither side can observe or collide
// with the other's id scheme: frontend requests get backend ids from one IDTranslator, and
// backend-initiated requests get frontend ids from a second one. Responses are mapped back to
// the id the requester used. Notifications pass through unchanged, except for cancellations,
// whose request id is translated as well.
type Proxy struct {
	frontend Session
	backend  Session

	forward *IDTranslator
	reverse *IDTranslator

	sendTimeout time.Duration
	filter      MethodFilter

	metrics *Metrics
	logger  *slog.Logger
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// MethodFilter reports whether a request or notification with the given method may be relayed.
type MethodFilter func(method string) bool

type proxyPump struct {
	p    *Proxy
	name string
	from Session
	to   Session
	// requests maps ids of requests read from "from"; answers maps ids of requests "from" is
	// answering.
	requests *IDTranslator
	answers  *IDTranslator
}

var defaultProxySendTimeout = 10 * time.Second

// WithProxySendTimeout bounds each forwarded write.
func WithProxySendTimeout(timeout time.Duration) ProxyOption {
	return func(p *Proxy) {
		p.sendTimeout = timeout
	}
}

// WithProxyMethodFilter restricts the methods relayed in either direction. Requests that are
// filtered out are answered with a method-not-found error and never reach the other side;
// notifications are dropped. The lifecycle methods (initialize, ping and the initialized and
// cancelled notifications) always pass.
func WithProxyMethodFilter(filter MethodFilter) ProxyOption {
	return func(p *Proxy) {
		p.filter = filter
	}
}

// WithProxyMetrics sets the metrics counting malformed frames.
func WithProxyMetrics(metrics *Metrics) ProxyOption {
	return func(p *Proxy) {
		p.metrics = metrics
	}
}

// WithProxyLogger sets the logger for the proxy.
func WithProxyLogger(logger *slog.Logger) ProxyOption {
	return func(p *Proxy) {
		p.logger = logger.With(
			slog.String("package", "resilient-mcp"),
			slog.String("component", "proxy"),
		)
	}
}

// NewProxy creates a proxy between frontend and backend. Wrapping backend in a
// ResilientTransport session keeps the proxy alive across backend reconnects.
func NewProxy(frontend, backend Session, options ...ProxyOption) *Proxy {
	p := &Proxy{
		frontend:    frontend,
		backend:     backend,
		sendTimeout: defaultProxySendTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.forward = NewIDTranslator(WithIDTranslatorLogger(p.logger))
	p.reverse = NewIDTranslator(WithIDTranslatorLogger(p.logger))
	return p
}

// Run relays messages until either session ends or ctx is done, then stops both sessions and
// drops every id mapping. A session ending is a normal return; a done ctx returns its error.
func (p *Proxy) Run(ctx context.Context) error {
	group, gCtx := errgroup.WithContext(ctx)

	up := proxyPump{p: p, name: "frontend", from: p.frontend, to: p.backend, requests: p.forward, answers: p.reverse}
	down := proxyPump{p: p, name: "backend", from: p.backend, to: p.frontend, requests: p.reverse, answers: p.forward}

	group.Go(func() error {
		return up.run(gCtx)
	})
	group.Go(func() error {
		return down.run(gCtx)
	})
	group.Go(func() error {
		<-gCtx.Done()
		p.frontend.Stop()
		p.backend.Stop()
		return nil
	})

	err := group.Wait()
	n := p.forward.ReleaseAll() + p.reverse.ReleaseAll()
	p.logger.Info("proxy stopped", slog.Int("abandonedRequests", n))

	if errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}

// Mappings returns the number of requests relayed in either direction and not yet answered.
func (p *Proxy) Mappings() int {
	return p.forward.Len() + p.reverse.Len()
}

func (pp proxyPump) run(ctx context.Context) error {
	for msg := range pp.from.Messages() {
		if err := msg.Validate(); err != nil {
			pp.p.metrics.protocolError()
			pp.p.logger.Warn("dropping malformed message",
				slog.String("from", pp.name),
				slog.String("err", err.Error()))
			continue
		}

		if !msg.IsResponse() && !pp.p.allowed(msg.Method) {
			pp.reject(ctx, msg)
			continue
		}

		switch {
		case msg.IsResponse():
			pp.relayResponse(ctx, msg)
		case msg.IsNotification():
			pp.relayNotification(ctx, msg)
		default:
			pp.relayRequest(ctx, msg)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	pp.p.logger.Info("session ended", slog.String("session", pp.name))
	return errSessionEnded
}

func (pp proxyPump) reject(ctx context.Context, msg JSONRPCMessage) {
	pp.p.logger.Debug("blocking method",
		slog.String("from", pp.name),
		slog.String("method", msg.Method))
	if msg.IsNotification() {
		return
	}
	_ = pp.send(ctx, pp.from, newErrorResponse(msg.ID, JSONRPCError{
		Code:    JSONRPCMethodNotFoundCode,
		Message: errMsgMethodNotFound,
		Data:    map[string]any{"method": msg.Method},
	}))
}

func (pp proxyPump) relayRequest(ctx context.Context, msg JSONRPCMessage) {
	original := msg.ID
	mapped, err := pp.requests.Allocate(original)
	if errors.Is(err, ErrAlreadyAllocated) {
		// The first request with this id is still in flight and owns the only reply.
		pp.p.metrics.protocolError()
		pp.p.logger.Warn("dropping request reusing an in-flight id",
			slog.String("from", pp.name),
			slog.String("id", original.String()),
			slog.String("method", msg.Method))
		return
	}
	if err != nil {
		pp.p.logger.Warn("rejecting request",
			slog.String("from", pp.name),
			slog.String("id", original.String()),
			slog.String("err", err.Error()))
		_ = pp.send(ctx, pp.from, newErrorResponse(original, toJSONRPCError(err)))
		return
	}

	msg.ID = mapped
	if err := pp.send(ctx, pp.to, msg); err != nil {
		pp.requests.ReleaseBackend(mapped)
		_ = pp.send(ctx, pp.from, newErrorResponse(original, toJSONRPCError(fmt.Errorf("%w: %w", ErrDisconnected, err))))
	}
}

func (pp proxyPump) relayResponse(ctx context.Context, msg JSONRPCMessage) {
	original, ok := pp.answers.ReleaseBackend(msg.ID)
	if !ok {
		pp.p.logger.Debug("dropping response for unknown request",
			slog.String("from", pp.name),
			slog.String("id", msg.ID.String()))
		return
	}
	msg.ID = original
	_ = pp.send(ctx, pp.to, msg)
}

func (pp proxyPump) relayNotification(ctx context.Context, msg JSONRPCMessage) {
	if msg.Method == methodNotificationsCancelled {
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			pp.p.metrics.protocolError()
			pp.p.logger.Warn("invalid cancellation params", slog.String("err", err.Error()))
			return
		}
		mapped, ok := pp.requests.ResolveFrontend(params.RequestID)
		if !ok {
			// Already answered.
			return
		}
		// The receiver will not answer a cancelled request.
		pp.requests.Release(params.RequestID)

		params.RequestID = mapped
		paramsBs, err := json.Marshal(params)
		if err != nil {
			pp.p.logger.Error("failed to marshal cancellation", slog.String("err", err.Error()))
			return
		}
		msg.Params = paramsBs
	}
	_ = pp.send(ctx, pp.to, msg)
}

func (pp proxyPump) send(ctx context.Context, to Session, msg JSONRPCMessage) error {
	sCtx, cancel := context.WithTimeout(ctx, pp.p.sendTimeout)
	defer cancel()

	if err := to.Send(sCtx, msg); err != nil {
		pp.p.logger.Error("failed to relay message",
			slog.String("from", pp.name),
			slog.String("method", msg.Method),
			slog.String("id", msg.ID.String()),
			slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (p *Proxy) allowed(method string) bool {
	if p.filter == nil {
		return true
	}
	switch method {
	case methodInitialize, MethodPing, methodNotificationsInitialized, methodNotificationsCancelled:
		return true
	}
	return p.filter(method)
}

// CompileMethodFilter builds a MethodFilter allowing the methods that match any of patterns.
// Patterns are globs where "*" stays within one path segment and "**" spans segments, so
// "tools/*" allows "tools/call" and "notifications/**" allows every notification.
func CompileMethodFilter(patterns ...string) (MethodFilter, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid method pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return func(method string) bool {
		for _, g := range globs {
			if g.Match(method) {
				return true
			}
		}
		return false
	}, nil
}
