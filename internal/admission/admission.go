// Package admission enforces per-queue concurrency and rate limits for task
// run attempts. The controller is an owned service object constructed once
// per process and injected into its callers; queue identity and persistence
// live in the store, this package only holds live admission state.
package admission

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbekkel/taskmill/internal/model"
)

// ErrConcurrencyLimited is returned when a queue is at its concurrency limit.
var ErrConcurrencyLimited = errors.New("queue concurrency limit reached")

// ErrRateLimited is returned when a queue's admission rate is exhausted for
// the current window.
var ErrRateLimited = errors.New("queue rate limit reached")

// queueState is the live admission state for one queue. The in-flight set
// holds attempt ids rather than a counter so that releasing twice, or
// releasing after a crash recovery, can never push the count negative
// (set-not-counter idiom).
type queueState struct {
	limit       *int
	rate        *model.RateLimit
	inflight    map[string]struct{}
	windowStart time.Time
	windowCount int
}

// Controller maintains per-queue concurrency and rate-limit state and makes
// atomic admission decisions. A queue with no explicit limit is unbounded
// for concurrency and unthrottled for rate.
type Controller struct {
	mu     sync.Mutex
	queues map[string]*queueState
	logger *slog.Logger
	now    func() time.Time
}

// NewController creates an empty admission controller.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{
		queues: make(map[string]*queueState),
		logger: logger,
		now:    time.Now,
	}
}

func queueKey(environment, name string) string {
	return environment + "/" + name
}

// state returns the live state for a queue, creating unbounded state on
// first sight. Callers must hold c.mu.
func (c *Controller) state(environment, name string) *queueState {
	key := queueKey(environment, name)
	qs, ok := c.queues[key]
	if !ok {
		qs = &queueState{inflight: make(map[string]struct{})}
		c.queues[key] = qs
	}
	return qs
}

// UpsertQueue creates or replaces a queue's limits. In-flight attempts
// already admitted are unaffected; the new limits apply from the next
// admission decision.
func (c *Controller) UpsertQueue(environment, name string, limit *int, rate *model.RateLimit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	qs := c.state(environment, name)
	qs.limit = limit
	qs.rate = rate

	c.logger.Debug("queue limits updated",
		"environment", environment,
		"queue", name,
		"concurrency_limit", limitValue(limit),
	)
}

// SetConcurrency updates only the concurrency limit of a queue.
func (c *Controller) SetConcurrency(environment, name string, limit *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(environment, name).limit = limit
}

// Admit decides atomically whether one more attempt may start executing on
// the queue. On success the attempt id joins the in-flight set and must be
// paired with a Release. Re-admitting an id already in flight is a no-op
// success so resume paths stay idempotent.
func (c *Controller) Admit(environment, name, attemptID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	qs := c.state(environment, name)

	if _, ok := qs.inflight[attemptID]; ok {
		return nil
	}

	if qs.limit != nil && len(qs.inflight) >= *qs.limit {
		admissionRejections.WithLabelValues("concurrency").Inc()
		return ErrConcurrencyLimited
	}

	if qs.rate != nil {
		window := time.Duration(qs.rate.WindowMS) * time.Millisecond
		now := c.now()
		if now.Sub(qs.windowStart) >= window {
			qs.windowStart = now
			qs.windowCount = 0
		}
		if qs.windowCount >= qs.rate.Limit {
			admissionRejections.WithLabelValues("rate").Inc()
			return ErrRateLimited
		}
		qs.windowCount++
	}

	qs.inflight[attemptID] = struct{}{}
	admissionsTotal.Inc()
	return nil
}

// Release removes an attempt from the queue's in-flight set. Safe to call
// multiple times.
func (c *Controller) Release(environment, name, attemptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := queueKey(environment, name)
	if qs, ok := c.queues[key]; ok {
		delete(qs.inflight, attemptID)
	}
}

// Inflight returns the number of currently executing attempts on the queue.
func (c *Controller) Inflight(environment, name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if qs, ok := c.queues[queueKey(environment, name)]; ok {
		return len(qs.inflight)
	}
	return 0
}

// ConcurrencyLimit returns the queue's live concurrency limit, nil meaning
// unbounded.
func (c *Controller) ConcurrencyLimit(environment, name string) *int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if qs, ok := c.queues[queueKey(environment, name)]; ok {
		return qs.limit
	}
	return nil
}

func limitValue(limit *int) int {
	if limit == nil {
		return -1
	}
	return *limit
}
