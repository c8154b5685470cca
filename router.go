package loom

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// retryBackoff is the cool-down before retry attempt n (1-indexed by
// Attempts). After the schedule is exhausted the entry is dropped.
var retryBackoff = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	90 * time.Second,
	270 * time.Second,
	810 * time.Second,
}

const (
	routerMaxAttempts = 5
	// routerQueueCapPerUser bounds the per-user retry queue. On
	// overflow the oldest entry is dropped.
	routerQueueCapPerUser = 20
	routerSweepPeriod     = 30 * time.Second
)

// Router delivers outbound messages. Replies go to the surface of the
// latest inbound action; proactive messages go to the user's default
// surface. Failed deliveries are queued with exponential backoff and
// persisted so they survive restarts.
type Router struct {
	identity *IdentityService
	queue    QueueStore
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	adapters map[string]SurfaceAdapter
	entries  []QueueEntry

	done chan struct{}
	once sync.Once
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets a structured logger for delivery events.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// withRouterClock overrides the time source. Test hook.
func withRouterClock(fn func() time.Time) RouterOption {
	return func(r *Router) { r.clock = fn }
}

// NewRouter builds a router, rehydrating any persisted retry queue.
// Call Start to begin the background retry sweeper and Close to stop it.
func NewRouter(ctx context.Context, identity *IdentityService, queue QueueStore, opts ...RouterOption) (*Router, error) {
	r := &Router{
		identity: identity,
		queue:    queue,
		logger:   nopLogger,
		clock:    time.Now,
		adapters: make(map[string]SurfaceAdapter),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	entries, err := queue.LoadQueue(ctx)
	if err != nil {
		return nil, err
	}
	r.entries = entries
	if len(entries) > 0 {
		r.logger.Info("router: rehydrated retry queue", "entries", len(entries))
	}
	return r, nil
}

// RegisterAdapter makes a surface available for delivery. Called by the
// engine when adapters are registered.
func (r *Router) RegisterAdapter(a SurfaceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.SurfaceID()] = a
}

// Start launches the background retry sweeper.
func (r *Router) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(routerSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-ticker.C:
				r.ProcessQueue(ctx)
			}
		}
	}()
}

// Close stops the retry sweeper.
func (r *Router) Close() {
	r.once.Do(func() { close(r.done) })
}

// RouteResponse sends a reply on the surface of the user's latest
// inbound action. On transport failure the message is queued for retry.
func (r *Router) RouteResponse(ctx context.Context, userID, lastSurface string, msg OutboundMessage) error {
	return r.deliver(ctx, userID, lastSurface, msg)
}

// RouteProactive sends a message on the user's default surface. On
// transport failure the message is queued for retry.
func (r *Router) RouteProactive(ctx context.Context, userID string, msg OutboundMessage) error {
	u, found, err := r.identity.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		return ErrSurfaceNotLinked
	}
	return r.deliver(ctx, userID, u.DefaultSurface, msg)
}

// deliver attempts one send; failures enqueue.
func (r *Router) deliver(ctx context.Context, userID, surfaceID string, msg OutboundMessage) error {
	if err := r.send(ctx, userID, surfaceID, msg); err != nil {
		r.logger.Warn("router: delivery failed, queueing",
			"user", userID, "surface", surfaceID, "error", err)
		r.enqueue(ctx, userID, surfaceID, msg)
	}
	return nil
}

// send resolves the adapter and target and performs one transport send.
func (r *Router) send(ctx context.Context, userID, surfaceID string, msg OutboundMessage) error {
	r.mu.Lock()
	adapter, ok := r.adapters[surfaceID]
	r.mu.Unlock()
	if !ok {
		return &ErrAdapterNotFound{SurfaceID: surfaceID}
	}

	u, found, err := r.identity.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		return ErrSurfaceNotLinked
	}
	surfaceUserID, linked := u.LinkedSurfaces[surfaceID]
	if !linked {
		return ErrSurfaceNotLinked
	}

	_, err = adapter.SendMessage(ctx, Target{SurfaceUserID: surfaceUserID}, msg)
	return err
}

// enqueue appends a retry entry, enforcing the per-user cap
// (oldest-drop), and persists the queue.
func (r *Router) enqueue(ctx context.Context, userID, surfaceID string, msg OutboundMessage) {
	now := r.clock().UnixMilli()
	entry := QueueEntry{
		ID:            NewID(),
		UserID:        userID,
		TargetSurface: surfaceID,
		Message:       msg,
		QueuedAt:      now,
		MaxAttempts:   routerMaxAttempts,
	}

	r.mu.Lock()
	perUser := 0
	oldest := -1
	for i, e := range r.entries {
		if e.UserID != userID {
			continue
		}
		perUser++
		if oldest == -1 || e.QueuedAt < r.entries[oldest].QueuedAt {
			oldest = i
		}
	}
	if perUser >= routerQueueCapPerUser && oldest >= 0 {
		r.logger.Warn("router: per-user queue full, dropping oldest",
			"user", userID, "dropped", r.entries[oldest].ID)
		r.entries = append(r.entries[:oldest], r.entries[oldest+1:]...)
	}
	r.entries = append(r.entries, entry)
	snapshot := snapshotEntries(r.entries)
	r.mu.Unlock()

	r.persist(ctx, snapshot)
}

// ProcessQueue retries every entry whose cool-down has elapsed. Safe to
// call at any time; a no-op when the queue is empty. The background
// sweeper calls it every 30 seconds.
func (r *Router) ProcessQueue(ctx context.Context) {
	now := r.clock().UnixMilli()

	r.mu.Lock()
	var due []QueueEntry
	for _, e := range r.entries {
		if entryDue(e, now) {
			due = append(due, e)
		}
	}
	r.mu.Unlock()
	if len(due) == 0 {
		return
	}

	type verdict struct {
		id        string
		remove    bool
		delivered bool
	}
	verdicts := make([]verdict, 0, len(due))
	for _, e := range due {
		err := r.send(ctx, e.UserID, e.TargetSurface, e.Message)
		switch {
		case err == nil:
			verdicts = append(verdicts, verdict{id: e.ID, remove: true, delivered: true})
		case err == ErrSurfaceNotLinked:
			// The target surface disappeared from the user's links.
			// No automatic cross-surface rerouting; drop silently.
			verdicts = append(verdicts, verdict{id: e.ID, remove: true})
		default:
			verdicts = append(verdicts, verdict{id: e.ID})
		}
	}

	r.mu.Lock()
	byID := make(map[string]verdict, len(verdicts))
	for _, v := range verdicts {
		byID[v.id] = v
	}
	kept := r.entries[:0]
	for _, e := range r.entries {
		v, tried := byID[e.ID]
		if !tried {
			kept = append(kept, e)
			continue
		}
		if v.remove {
			if v.delivered {
				r.logger.Info("router: delivered from queue",
					"user", e.UserID, "surface", e.TargetSurface, "attempts", e.Attempts+1)
			}
			continue
		}
		e.Attempts++
		e.LastAttemptAt = now
		if e.Attempts >= e.MaxAttempts {
			r.logger.Error("router: delivery attempts exhausted, dropping",
				"user", e.UserID, "surface", e.TargetSurface, "attempts", e.Attempts)
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	snapshot := snapshotEntries(r.entries)
	r.mu.Unlock()

	r.persist(ctx, snapshot)
}

// QueueLength returns the number of pending retry entries.
func (r *Router) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// entryDue reports whether the entry's backoff cool-down has elapsed.
// The delay before attempt n is retryBackoff[n-1]: 10s after enqueue for
// the first attempt, then 30s, 90s, 270s, 810s after each failure.
func entryDue(e QueueEntry, now int64) bool {
	idx := e.Attempts
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	since := e.LastAttemptAt
	if e.Attempts == 0 {
		since = e.QueuedAt
	}
	return now >= since+retryBackoff[idx].Milliseconds()
}

func snapshotEntries(entries []QueueEntry) []QueueEntry {
	out := make([]QueueEntry, len(entries))
	copy(out, entries)
	return out
}

func (r *Router) persist(ctx context.Context, entries []QueueEntry) {
	if err := r.queue.SaveQueue(ctx, entries); err != nil {
		r.logger.Error("router: persist queue", "error", err)
	}
}
