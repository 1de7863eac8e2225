package actor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edgewarden/edgewarden/platform/go/kvlog"
	"github.com/edgewarden/edgewarden/platform/go/objectstore"
)

// DefaultIdleEviction is how long a tenant actor may sit untouched before the
// registry reclaims it.
const DefaultIdleEviction = 10 * time.Minute

// Registry owns the lazy per-tenant actor map: first touch cold-starts the
// actor, idle tenants are flushed and evicted so a node can host many more
// tenants than it keeps hot.
type Registry struct {
	objects objectstore.Store
	log     kvlog.Log
	cfg     Config
	idle    time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	actors map[string]*Actor
	// loading collapses concurrent first touches of the same tenant into one
	// cold start.
	loading singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry wires the registry and starts its eviction loop.
func NewRegistry(objects objectstore.Store, log kvlog.Log, cfg Config, idleEviction time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleEviction <= 0 {
		idleEviction = DefaultIdleEviction
	}
	r := &Registry{
		objects: objects,
		log:     log,
		cfg:     cfg,
		idle:    idleEviction,
		logger:  logger,
		actors:  make(map[string]*Actor),
		stop:    make(chan struct{}),
	}
	go r.evictLoop()
	return r
}

// Actor returns the tenant's actor, cold-starting it on first touch.
func (r *Registry) Actor(ctx context.Context, tenantID string) (*Actor, error) {
	r.mu.RLock()
	a, ok := r.actors[tenantID]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	value, err, _ := r.loading.Do(tenantID, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.actors[tenantID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		started, err := New(ctx, tenantID, r.objects, r.log, r.cfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.actors[tenantID] = started
		r.mu.Unlock()
		r.logger.Info("tenant actor started", zap.String("tenant_id", tenantID))
		return started, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Actor), nil
}

// Loaded reports the number of resident tenant actors.
func (r *Registry) Loaded() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

func (r *Registry) evictLoop() {
	ticker := time.NewTicker(r.idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.idle)

	r.mu.Lock()
	var idle []*Actor
	for id, a := range r.actors {
		if a.LastTouched().Before(cutoff) && a.Hub().ConnCount() == 0 {
			idle = append(idle, a)
			delete(r.actors, id)
		}
	}
	r.mu.Unlock()

	for _, a := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		a.Shutdown(ctx)
		cancel()
		r.logger.Info("tenant actor evicted", zap.String("tenant_id", a.TenantID()))
	}
}

// Shutdown flushes and stops every resident actor.
func (r *Registry) Shutdown(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	for _, a := range actors {
		a.Shutdown(ctx)
	}
}
