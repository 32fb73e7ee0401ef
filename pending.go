package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PendingTable tracks outbound requests that are waiting for a response. Each entry is keyed by
// its RequestID and completes exactly once: by a matching response, by Cancel or Fail, by its
// own deadline, or by Close. Whichever comes first wins; later attempts are no-ops.
//
// Every entry carries a deadline fixed at registration, and expiry is eager: a timer removes
// the entry and completes its Waiter with ErrTimeout the moment the deadline passes, so
// timed-out entries never linger in the table.
type PendingTable struct {
	mu      sync.Mutex
	entries map[RequestID]*pendingEntry
	closed  bool

	nextID atomic.Int64

	defaultTimeout time.Duration
	metrics        *Metrics
	logger         *slog.Logger
}

// PendingOption configures a PendingTable.
type PendingOption func(*PendingTable)

// Waiter is the caller's handle on a pending request.
type Waiter struct {
	table *PendingTable
	entry *pendingEntry
}

type pendingEntry struct {
	id       RequestID
	method   string
	issuedAt time.Time
	deadline time.Time
	timer    *time.Timer

	// msg and err are written once, before done is closed.
	msg  JSONRPCMessage
	err  error
	done chan struct{}
}

var defaultRequestTimeout = 30 * time.Second

// WithPendingTimeout sets the deadline used when Register is called without one.
func WithPendingTimeout(timeout time.Duration) PendingOption {
	return func(t *PendingTable) {
		t.defaultTimeout = timeout
	}
}

// WithPendingMetrics sets the metrics that receive one observation per resolved request.
func WithPendingMetrics(metrics *Metrics) PendingOption {
	return func(t *PendingTable) {
		t.metrics = metrics
	}
}

// WithPendingLogger sets the logger for the table.
func WithPendingLogger(logger *slog.Logger) PendingOption {
	return func(t *PendingTable) {
		t.logger = logger
	}
}

// NewPendingTable creates an empty table.
func NewPendingTable(options ...PendingOption) *PendingTable {
	t := &PendingTable{
		entries: make(map[RequestID]*pendingEntry),
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.defaultTimeout <= 0 {
		t.defaultTimeout = defaultRequestTimeout
	}
	return t
}

// NextID returns the next id from the table's monotonic counter. Ids start at 1.
func (t *PendingTable) NextID() RequestID {
	return NumberID(t.nextID.Add(1))
}

// Register starts tracking id. The returned Waiter completes with the response, or with
// ErrTimeout once timeout elapses. A timeout <= 0 uses the table's default.
func (t *PendingTable) Register(id RequestID, method string, timeout time.Duration) (*Waiter, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: cannot register a request without id", ErrProtocol)
	}
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	now := time.Now()
	e := &pendingEntry{
		id:       id,
		method:   method,
		issuedAt: now,
		deadline: now.Add(timeout),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTableClosed
	}
	if _, ok := t.entries[id]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t.entries[id] = e
	e.timer = time.AfterFunc(timeout, func() {
		if t.take(e) {
			t.complete(e, JSONRPCMessage{}, fmt.Errorf("%w: %s after %s", ErrTimeout, e.method, timeout), outcomeTimeout)
		}
	})
	t.mu.Unlock()

	return &Waiter{table: t, entry: e}, nil
}

// Resolve completes the request with the given response message. A response carrying an
// error object completes the Waiter with that JSONRPCError. It returns false when id is not
// tracked, which is the normal case for a late reply after a timeout.
func (t *PendingTable) Resolve(id RequestID, msg JSONRPCMessage) bool {
	e := t.takeID(id)
	if e == nil {
		return false
	}
	if msg.Error != nil {
		t.complete(e, msg, *msg.Error, outcomeError)
		return true
	}
	t.complete(e, msg, nil, outcomeOK)
	return true
}

// Cancel completes the request with ErrCancelled.
func (t *PendingTable) Cancel(id RequestID) bool {
	e := t.takeID(id)
	if e == nil {
		return false
	}
	t.complete(e, JSONRPCMessage{}, ErrCancelled, outcomeCancelled)
	return true
}

// Fail completes the request with err, for example when sending it failed.
func (t *PendingTable) Fail(id RequestID, err error) bool {
	e := t.takeID(id)
	if e == nil {
		return false
	}
	t.complete(e, JSONRPCMessage{}, err, outcomeFor(err))
	return true
}

// Contains reports whether id is still pending.
func (t *PendingTable) Contains(id RequestID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[id]
	return ok
}

// Len returns the number of pending requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Close completes every pending request with err (ErrDisconnected when err is nil) and makes
// further registrations fail with ErrTableClosed. It returns the number of completed requests.
func (t *PendingTable) Close(err error) int {
	if err == nil {
		err = ErrDisconnected
	}

	t.mu.Lock()
	t.closed = true
	entries := make([]*pendingEntry, 0, len(t.entries))
	for id, e := range t.entries {
		entries = append(entries, e)
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, e := range entries {
		t.complete(e, JSONRPCMessage{}, err, outcomeFor(err))
	}
	if len(entries) > 0 {
		t.logger.Debug("closed pending requests", slog.Int("count", len(entries)), slog.String("err", err.Error()))
	}
	return len(entries)
}

func (t *PendingTable) takeID(id RequestID) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return e
}

// take removes e only if it is still the entry registered under its id.
func (t *PendingTable) take(e *pendingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[e.id] != e {
		return false
	}
	delete(t.entries, e.id)
	return true
}

// complete must only be called by whoever removed e from the map.
func (t *PendingTable) complete(e *pendingEntry, msg JSONRPCMessage, err error, outcome string) {
	e.timer.Stop()
	e.msg = msg
	e.err = err
	close(e.done)
	t.metrics.observeRequest(e.method, outcome, time.Since(e.issuedAt))
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrHandlerTimeout), errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return outcomeCancelled
	case errors.Is(err, ErrDisconnected):
		return outcomeDisconnected
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrCapacityExceeded):
		return outcomeRejected
	default:
		return outcomeError
	}
}

// ID returns the id the Waiter was registered with.
func (w *Waiter) ID() RequestID {
	return w.entry.id
}

// Deadline returns the time at which the request times out.
func (w *Waiter) Deadline() time.Time {
	return w.entry.deadline
}

// Done is closed once the request has an outcome.
func (w *Waiter) Done() <-chan struct{} {
	return w.entry.done
}

// Wait blocks until the request has an outcome. If ctx ends first, the request is removed
// from the table with ctx's error, unless another outcome won the race, in which case that
// outcome is returned.
func (w *Waiter) Wait(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case <-w.entry.done:
	case <-ctx.Done():
		if w.table.take(w.entry) {
			w.table.complete(w.entry, JSONRPCMessage{}, ctx.Err(), outcomeFor(ctx.Err()))
		}
		<-w.entry.done
	}
	return w.entry.msg, w.entry.err
}
