package session

import (
	"context"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/singleflight"
)

// Factory builds the manager for a client profile.  It is called at most
// once per profile while the profile stays registered.
type Factory func(ctx context.Context, profileID string) (*Manager, error)

type entry struct {
	m        *Manager
	lastUsed time.Time
}

// Registry hands out one Manager per client profile.  Managers idle for
// longer than the sweep threshold are dropped; the credential stays in the
// Token Store and the next request for the profile restores from it.
type Registry struct {
	factory Factory
	metrics *Metrics
	log     echo.Logger
	now     func() time.Time

	creating singleflight.Group

	mu       sync.Mutex
	managers map[string]*entry
}

func NewRegistry(factory Factory, metrics *Metrics, logger echo.Logger) *Registry {
	return &Registry{
		factory:  factory,
		metrics:  metrics,
		log:      logger,
		now:      time.Now,
		managers: make(map[string]*entry),
	}
}

// Get returns the manager for profileID, creating it on first use.  A newly
// created manager that found a stored credential starts exactly one
// background Restore.  Creation of one profile never waits on another.
func (r *Registry) Get(ctx context.Context, profileID string) (*Manager, error) {
	if m := r.lookup(profileID); m != nil {
		return m, nil
	}
	v, err, _ := r.creating.Do(profileID, func() (interface{}, error) {
		if m := r.lookup(profileID); m != nil {
			return m, nil
		}
		m, err := r.factory(ctx, profileID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.managers[profileID] = &entry{m: m, lastUsed: r.now()}
		n := len(r.managers)
		r.mu.Unlock()
		r.metrics.setProfiles(n)

		if m.Snapshot().Loading {
			go func() {
				if err := m.Restore(context.WithoutCancel(ctx)); err != nil && r.log != nil {
					r.log.Debugf("session: startup restore profile=%s: %v", profileID, err)
				}
			}()
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manager), nil
}

func (r *Registry) lookup(profileID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.managers[profileID]
	if !ok {
		return nil
	}
	e.lastUsed = r.now()
	return e.m
}

// Forget drops the manager for profileID.  Its stored credential is kept.
func (r *Registry) Forget(profileID string) {
	r.mu.Lock()
	delete(r.managers, profileID)
	n := len(r.managers)
	r.mu.Unlock()
	r.metrics.setProfiles(n)
}

// Sweep drops every manager not handed out for longer than idle and returns
// how many were dropped.  Managers still resolving are kept.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	dropped := 0
	for id, e := range r.managers {
		if e.lastUsed.After(cutoff) || e.m.Snapshot().Loading {
			continue
		}
		delete(r.managers, id)
		dropped++
	}
	n := len(r.managers)
	r.mu.Unlock()

	if dropped > 0 {
		r.metrics.setProfiles(n)
	}
	return dropped
}

// RunSweeper calls Sweep every idle/2 until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, idle time.Duration) {
	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(idle); n > 0 && r.log != nil {
				r.log.Debugf("session: dropped %d idle profiles", n)
			}
		}
	}
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}
