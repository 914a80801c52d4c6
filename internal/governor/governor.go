// Package governor implements admission control for page fetches: a global
// permit pool shared by every origin plus one lazily created pool per origin.
package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/mdscrape/internal/download"
)

// Config sizes the permit pools.
type Config struct {
	// Global caps concurrent fetches across all origins.
	Global int
	// PerOrigin caps concurrent fetches per origin. Values above Global are
	// clamped to Global.
	PerOrigin int
	// OriginRPS paces request starts per origin; 0 disables pacing.
	OriginRPS float64
	// OriginBurst is the token bucket burst used with OriginRPS.
	OriginBurst int
}

// Observer receives admission events, typically a metrics recorder.
type Observer interface {
	ObservePermitWait(origin string, wait time.Duration)
	LeaseAcquired(origin string)
	LeaseReleased(origin string)
	ObserveCooldown(origin string, d time.Duration)
}

// Option customizes a Governor.
type Option func(*Governor)

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(g *Governor) {
		g.observer = o
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Governor hands out leases that each hold one global and one origin permit.
type Governor struct {
	cfg       Config
	perOrigin int64
	global    *semaphore.Weighted
	inFlight  atomic.Int64
	pools     sync.Map // download.Origin -> *originPool
	poolCount atomic.Int64
	observer  Observer
	logger    *zap.Logger
}

type originPool struct {
	sem           *semaphore.Weighted
	limiter       *rate.Limiter
	inFlight      atomic.Int64
	cooldownUntil atomic.Int64 // unix nanos
}

// New validates cfg and builds a Governor.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if cfg.Global < 1 {
		return nil, &download.ProgrammingError{Op: "governor.New", Msg: fmt.Sprintf("global threshold must be >= 1, got %d", cfg.Global)}
	}
	if cfg.PerOrigin < 1 {
		return nil, &download.ProgrammingError{Op: "governor.New", Msg: fmt.Sprintf("per-origin threshold must be >= 1, got %d", cfg.PerOrigin)}
	}
	perOrigin := min(cfg.PerOrigin, cfg.Global)
	g := &Governor{
		cfg:       cfg,
		perOrigin: int64(perOrigin),
		global:    semaphore.NewWeighted(int64(cfg.Global)),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if cfg.PerOrigin > cfg.Global {
		g.logger.Warn("per-origin threshold clamped to global threshold",
			zap.Int("per_origin", cfg.PerOrigin),
			zap.Int("global", cfg.Global))
	}
	return g, nil
}

// Global returns the global capacity.
func (g *Governor) Global() int {
	return g.cfg.Global
}

// PerOrigin returns the effective per-origin capacity.
func (g *Governor) PerOrigin() int {
	return int(g.perOrigin)
}

// Pools returns the number of origin pools created so far.
func (g *Governor) Pools() int {
	return int(g.poolCount.Load())
}

// InFlight returns the number of leases held for origin.
func (g *Governor) InFlight(origin download.Origin) int {
	if v, ok := g.pools.Load(origin); ok {
		return int(v.(*originPool).inFlight.Load())
	}
	return 0
}

// TotalInFlight returns the number of leases held across all origins.
func (g *Governor) TotalInFlight() int {
	return int(g.inFlight.Load())
}

func (g *Governor) pool(origin download.Origin) *originPool {
	if v, ok := g.pools.Load(origin); ok {
		return v.(*originPool)
	}
	candidate := &originPool{sem: semaphore.NewWeighted(g.perOrigin)}
	if g.cfg.OriginRPS > 0 {
		burst := g.cfg.OriginBurst
		if burst <= 0 {
			burst = 1
		}
		candidate.limiter = rate.NewLimiter(rate.Limit(g.cfg.OriginRPS), burst)
	}
	v, loaded := g.pools.LoadOrStore(origin, candidate)
	if !loaded {
		g.poolCount.Add(1)
		g.logger.Debug("origin pool created", zap.String("origin", string(origin)))
	}
	return v.(*originPool)
}

// Acquire blocks until a global and an origin permit are both held. The
// global permit is taken first; if the wait for the origin permit is
// cancelled the global permit is handed back, so a caller holds both or
// neither. Cancellation returns an error wrapping ctx.Err().
func (g *Governor) Acquire(ctx context.Context, origin download.Origin) (*Lease, error) {
	p := g.pool(origin)
	start := time.Now()

	if err := p.waitCooldown(ctx); err != nil {
		return nil, fmt.Errorf("wait cooldown for %s: %w", origin, err)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("pace %s: %w", origin, err)
		}
	}
	if err := g.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire global permit: %w", err)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		g.global.Release(1)
		return nil, fmt.Errorf("acquire origin permit for %s: %w", origin, err)
	}
	p.inFlight.Add(1)
	g.inFlight.Add(1)
	if g.observer != nil {
		g.observer.ObservePermitWait(string(origin), time.Since(start))
		g.observer.LeaseAcquired(string(origin))
	}
	return &Lease{gov: g, pool: p, origin: origin}, nil
}

// Cooldown stops new leases for origin from being granted until d has
// passed. Overlapping cooldowns keep the later deadline.
func (g *Governor) Cooldown(origin download.Origin, d time.Duration) {
	if d <= 0 {
		return
	}
	p := g.pool(origin)
	until := time.Now().Add(d).UnixNano()
	for {
		cur := p.cooldownUntil.Load()
		if cur >= until {
			return
		}
		if p.cooldownUntil.CompareAndSwap(cur, until) {
			break
		}
	}
	g.logger.Warn("origin cooling down", zap.String("origin", string(origin)), zap.Duration("for", d))
	if g.observer != nil {
		g.observer.ObserveCooldown(string(origin), d)
	}
}

func (p *originPool) waitCooldown(ctx context.Context) error {
	for {
		wait := time.Until(time.Unix(0, p.cooldownUntil.Load()))
		if wait <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Lease is the pair of permits held by one fetch. Release must be called
// exactly once.
type Lease struct {
	gov      *Governor
	pool     *originPool
	origin   download.Origin
	released atomic.Bool
}

// Origin returns the origin the lease was granted for.
func (l *Lease) Origin() download.Origin {
	return l.origin
}

// Release returns both permits. Releasing twice panics with a
// *download.ProgrammingError.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		panic(&download.ProgrammingError{Op: "lease.Release", Msg: fmt.Sprintf("lease for %s released twice", l.origin)})
	}
	l.pool.inFlight.Add(-1)
	l.gov.inFlight.Add(-1)
	l.pool.sem.Release(1)
	l.gov.global.Release(1)
	if l.gov.observer != nil {
		l.gov.observer.LeaseReleased(string(l.origin))
	}
}
