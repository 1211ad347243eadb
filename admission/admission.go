// Package admission bounds the number of concurrently running turns and
// applies per-origin and per-identity rate limits before a turn is
// admitted.
//
// The controller refuses rather than queues when the concurrency ceiling
// is reached, keeping turn latency predictable. Its counters and rate
// windows are the only cross-turn shared state in the system; no other
// component touches them directly.
package admission

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ecmoce/chatgate"
)

// Default admission limits.
const (
	DefaultMaxConcurrent  = 3
	DefaultOriginLimit    = 10
	DefaultOriginWindow   = 60 * time.Second
	DefaultIdentityLimit  = 60
	DefaultIdentityWindow = 3600 * time.Second
)

// Config holds admission limits. Zero values fall back to defaults.
type Config struct {
	MaxConcurrent  int
	OriginLimit    int
	OriginWindow   time.Duration
	IdentityLimit  int
	IdentityWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.OriginLimit <= 0 {
		c.OriginLimit = DefaultOriginLimit
	}
	if c.OriginWindow <= 0 {
		c.OriginWindow = DefaultOriginWindow
	}
	if c.IdentityLimit <= 0 {
		c.IdentityLimit = DefaultIdentityLimit
	}
	if c.IdentityWindow <= 0 {
		c.IdentityWindow = DefaultIdentityWindow
	}
	return c
}

// Controller admits turns against a global concurrency ceiling and two
// independent sliding rate windows.
type Controller struct {
	cfg      Config
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	logger   *zap.Logger

	mu      sync.Mutex // guards both windows; check and record are one critical section
	origins *window
	users   *window
}

// NewController creates a Controller with the given limits.
// A nil logger defaults to zap.NewNop().
func NewController(cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		origins: newWindow(cfg.OriginLimit, cfg.OriginWindow),
		users:   newWindow(cfg.IdentityLimit, cfg.IdentityWindow),
		logger:  logger,
	}
}

// TryAdmit attempts to admit one turn for the given identity and origin.
// Both rate windows must pass, then a concurrency slot must be free;
// nothing is consumed on rejection. Returns chatgate.ErrRateLimited or
// chatgate.ErrBusy on refusal.
//
// The returned Ticket must be released exactly once; Release is
// idempotent so a deferred release on the turn scope is always safe.
func (c *Controller) TryAdmit(identity, origin string) (*Ticket, error) {
	c.mu.Lock()
	if !c.origins.allow(origin) {
		c.mu.Unlock()
		c.logger.Info("admission refused: origin rate limit",
			zap.String("origin", origin))
		return nil, fmt.Errorf("%w: origin %s exceeded %d requests per %s",
			chatgate.ErrRateLimited, origin, c.cfg.OriginLimit, c.cfg.OriginWindow)
	}
	if !c.users.allow(identity) {
		c.mu.Unlock()
		c.logger.Info("admission refused: identity rate limit",
			zap.String("identity", identity))
		return nil, fmt.Errorf("%w: identity %s exceeded %d requests per %s",
			chatgate.ErrRateLimited, identity, c.cfg.IdentityLimit, c.cfg.IdentityWindow)
	}
	if !c.sem.TryAcquire(1) {
		c.mu.Unlock()
		c.logger.Info("admission refused: concurrency ceiling",
			zap.Int("ceiling", c.cfg.MaxConcurrent))
		return nil, fmt.Errorf("%w: %d turns already running", chatgate.ErrBusy, c.cfg.MaxConcurrent)
	}

	// Both checks passed and a slot is held; record the hits before
	// releasing the lock so a racing admit can't slip past a ceiling.
	c.origins.record(origin)
	c.users.record(identity)
	c.mu.Unlock()
	c.inFlight.Add(1)

	t := &Ticket{}
	t.release = func() {
		c.inFlight.Add(-1)
		c.sem.Release(1)
	}
	return t, nil
}

// InFlight returns the number of currently admitted turns.
func (c *Controller) InFlight() int64 {
	return c.inFlight.Load()
}

// Ticket is one slot in the concurrency budget, held for the duration of
// a turn.
type Ticket struct {
	once    sync.Once
	release func()
}

// Release returns the slot. Idempotent: only the first call counts.
func (t *Ticket) Release() {
	t.once.Do(t.release)
}
