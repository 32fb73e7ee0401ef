package mcp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// IDTranslator maps request ids of one session (the frontend) to ids of another (the backend)
// when a proxy forwards requests between them. Backend ids are numbers handed out sequentially
// from 1, independent of whatever scheme the frontend uses, and are never reused while their
// mapping is alive. The mapping is a bijection until Release removes it.
type IDTranslator struct {
	mu         sync.Mutex
	next       int64
	byFrontend map[RequestID]*idMapping
	byBackend  map[RequestID]*idMapping

	logger *slog.Logger
}

// IDTranslatorOption configures an IDTranslator.
type IDTranslatorOption func(*IDTranslator)

type idMapping struct {
	frontend  RequestID
	backend   RequestID
	createdAt time.Time
}

// WithIDTranslatorLogger sets the logger for the translator.
func WithIDTranslatorLogger(logger *slog.Logger) IDTranslatorOption {
	return func(t *IDTranslator) {
		t.logger = logger
	}
}

// NewIDTranslator creates an empty translator.
func NewIDTranslator(options ...IDTranslatorOption) *IDTranslator {
	t := &IDTranslator{
		byFrontend: make(map[RequestID]*idMapping),
		byBackend:  make(map[RequestID]*idMapping),
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Allocate assigns the next backend id to frontend. It fails with ErrAlreadyAllocated if
// frontend is already mapped, and with ErrProtocol for the zero id.
func (t *IDTranslator) Allocate(frontend RequestID) (RequestID, error) {
	if frontend.IsZero() {
		return RequestID{}, fmt.Errorf("%w: cannot map a request without id", ErrProtocol)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.byFrontend[frontend]; ok {
		return RequestID{}, fmt.Errorf("%w: %s is mapped to %s", ErrAlreadyAllocated, frontend, m.backend)
	}
	t.next++
	m := &idMapping{
		frontend:  frontend,
		backend:   NumberID(t.next),
		createdAt: time.Now(),
	}
	t.byFrontend[frontend] = m
	t.byBackend[m.backend] = m
	return m.backend, nil
}

// ResolveBackend returns the frontend id mapped to backend.
func (t *IDTranslator) ResolveBackend(backend RequestID) (RequestID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byBackend[backend]
	if !ok {
		return RequestID{}, false
	}
	return m.frontend, true
}

// ResolveFrontend returns the backend id mapped to frontend.
func (t *IDTranslator) ResolveFrontend(frontend RequestID) (RequestID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byFrontend[frontend]
	if !ok {
		return RequestID{}, false
	}
	return m.backend, true
}

// Release removes the mapping that id belongs to. id may be either the frontend or the backend
// side; a frontend match is tried first. It reports whether a mapping was removed.
func (t *IDTranslator) Release(id RequestID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byFrontend[id]
	if !ok {
		m, ok = t.byBackend[id]
	}
	if !ok {
		return false
	}
	delete(t.byFrontend, m.frontend)
	delete(t.byBackend, m.backend)
	return true
}

// ReleaseBackend removes the mapping of backend only. Proxies use it when a backend response
// arrives, since a numeric frontend id may equal an unrelated backend id.
func (t *IDTranslator) ReleaseBackend(backend RequestID) (RequestID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byBackend[backend]
	if !ok {
		return RequestID{}, false
	}
	delete(t.byFrontend, m.frontend)
	delete(t.byBackend, m.backend)
	return m.frontend, true
}

// ReleaseAll removes every mapping and returns how many there were.
func (t *IDTranslator) ReleaseAll() int {
	t.mu.Lock()
	n := len(t.byFrontend)
	var oldest time.Time
	for _, m := range t.byFrontend {
		if oldest.IsZero() || m.createdAt.Before(oldest) {
			oldest = m.createdAt
		}
	}
	clear(t.byFrontend)
	clear(t.byBackend)
	t.mu.Unlock()

	if n > 0 {
		t.logger.Debug("released id mappings", slog.Int("count", n), slog.Duration("oldestAge", time.Since(oldest)))
	}
	return n
}

// Len returns the number of live mappings.
func (t *IDTranslator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byFrontend)
}
