package exposure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Backend is a slower durable fingerprint store read in bulk at start-up and
// written to in the background.
type Backend interface {
	Entries(ctx context.Context) (map[string]string, error)
	SetEntries(ctx context.Context, entries map[string]string) error
	Clear(ctx context.Context) error
}

// Overlay is the in-memory side of a HybridCache. *LRUStore implements it.
type Overlay interface {
	Store
	SetIfAbsent(key, value string) bool
	Entries() map[string]string
}

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

type backendWrite struct {
	entries map[string]string
	clear   bool
}

// HybridCache serves every lookup from a synchronous overlay and mirrors
// writes to a Backend on a single writer goroutine. Until Init has loaded the
// backend, lookups only see what this process wrote.
type HybridCache struct {
	overlay      Overlay
	backend      Backend
	logger       *slog.Logger
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan backendWrite
	wg     sync.WaitGroup

	// revMu guards the revision bookkeeping. loaded is set once Init has
	// run, whether or not the backend answered.
	revMu       sync.Mutex
	revision    string
	hasRevision bool
	loaded      bool
}

type HybridOption func(*HybridCache)

func WithLogger(logger *slog.Logger) HybridOption {
	return func(h *HybridCache) { h.logger = logger }
}

// WithQueueSize bounds pending backend writes. Writes beyond it are dropped.
func WithQueueSize(n int) HybridOption {
	return func(h *HybridCache) {
		if n > 0 {
			h.queue = make(chan backendWrite, n)
		}
	}
}

func WithWriteTimeout(d time.Duration) HybridOption {
	return func(h *HybridCache) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

func NewHybridCache(overlay Overlay, backend Backend, opts ...HybridOption) *HybridCache {
	h := &HybridCache{
		overlay:      overlay,
		backend:      backend,
		logger:       slog.New(slog.DiscardHandler),
		writeTimeout: defaultWriteTimeout,
		queue:        make(chan backendWrite, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.wg.Add(1)
	go h.writeLoop()
	return h
}

// Init merges the backend's fingerprints into the overlay without replacing
// anything written since start-up. When a revision was already set and the
// backend holds another one, the backend is discarded instead. A failure
// leaves the cache usable with whatever the overlay already holds.
func (h *HybridCache) Init(ctx context.Context) error {
	entries, err := h.backend.Entries(ctx)

	h.revMu.Lock()
	defer h.revMu.Unlock()
	h.loaded = true
	if err != nil {
		return fmt.Errorf("load assignment fingerprints: %w", err)
	}

	stored, storedOK := entries[RevisionKey]
	delete(entries, RevisionKey)
	switch {
	case !h.hasRevision:
		h.revision, h.hasRevision = stored, storedOK
	case !storedOK || stored != h.revision:
		h.logger.Info("discarding assignment fingerprints from another configuration",
			"stored_revision", stored, "revision", h.revision, "entries", len(entries))
		h.resetBackendLocked()
		return nil
	}

	for key, value := range entries {
		h.overlay.SetIfAbsent(key, value)
	}
	h.logger.Debug("assignment cache loaded", "entries", len(entries))
	return nil
}

func (h *HybridCache) Has(e Event) bool {
	return has(h.overlay, e)
}

func (h *HybridCache) Set(e Event) {
	key, value := KeyFingerprint(e), ValueFingerprint(e)
	h.overlay.Set(key, value)
	h.enqueue(backendWrite{entries: map[string]string{key: value}})
}

// Clear forgets every fingerprint but keeps the revision in force.
func (h *HybridCache) Clear() {
	h.revMu.Lock()
	defer h.revMu.Unlock()

	h.overlay.Clear()
	h.enqueue(backendWrite{clear: true})
	if h.hasRevision {
		h.enqueue(backendWrite{entries: map[string]string{RevisionKey: h.revision}})
	}
}

// SetRevision clears both tiers when revision differs from the one in force.
// Before Init the backend is left alone; Init compares against it.
func (h *HybridCache) SetRevision(revision string) {
	h.revMu.Lock()
	defer h.revMu.Unlock()

	if h.hasRevision && h.revision == revision {
		return
	}
	previous := h.hasRevision
	h.revision, h.hasRevision = revision, true

	if !h.loaded {
		if previous {
			h.overlay.Clear()
		}
		return
	}
	h.overlay.Clear()
	h.resetBackendLocked()
}

// resetBackendLocked replaces the backend contents with the overlay's
// current entries under the current revision.
func (h *HybridCache) resetBackendLocked() {
	h.enqueue(backendWrite{clear: true})
	entries := h.overlay.Entries()
	entries[RevisionKey] = h.revision
	h.enqueue(backendWrite{entries: entries})
}

// Close drains pending writes and stops the writer. It is safe to call more
// than once; writes after Close only reach the overlay.
func (h *HybridCache) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	h.wg.Wait()
}

func (h *HybridCache) enqueue(w backendWrite) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	select {
	case h.queue <- w:
	default:
		h.logger.Warn("assignment cache backend queue full, dropping write")
	}
}

func (h *HybridCache) writeLoop() {
	defer h.wg.Done()

	for w := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		var err error
		if w.clear {
			err = h.backend.Clear(ctx)
		} else {
			err = h.backend.SetEntries(ctx, w.entries)
		}
		cancel()
		if err != nil {
			h.logger.Warn("assignment cache backend write failed", "error", err)
		}
	}
}
