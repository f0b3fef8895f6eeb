// Package engine owns the per-backend-instance connection supervisor and
// the registry callers use to locate ready engines.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mediabroker/internal/core"
	"mediabroker/internal/domain"
	"mediabroker/internal/metrics"
)

// Dialer opens a backend connection for an engine config. Tests inject a
// fake; production wires backend.Dial.
type Dialer func(ctx context.Context, cfg domain.EngineConfig) (core.Backend, error)

// Prober checks TCP reachability before an engine actor is started.
type Prober func(cfg domain.EngineConfig, attempts int, spacing time.Duration) error

// Options tune registry-owned engine actors.
type Options struct {
	Dialer            Dialer
	Prober            Prober
	RoomDirectory     core.RoomDirectory
	Metrics           *metrics.Metrics
	CallTimeout       time.Duration // admin call bound, default 30s
	KeepaliveInterval time.Duration // default 30s
	ReconnectDelay    time.Duration // default 5s
	ProbeAttempts     int           // default 5
	ProbeSpacing      time.Duration // default 1s
}

func (o *Options) withDefaults() {
	if o.CallTimeout == 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = 30 * time.Second
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.ProbeAttempts == 0 {
		o.ProbeAttempts = 5
	}
	if o.ProbeSpacing == 0 {
		o.ProbeSpacing = time.Second
	}
}

type entry struct {
	status domain.EngineStatus
	engine *Engine
	conn   core.Backend
}

// Registry is the shared name -> (status, engine, connection) map. Each
// engine actor writes only its own key, so last-writer-wins puts are
// safe; readers never observe a handle inconsistent with the last
// published status.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	byName   map[domain.EngineID]*entry
	byHandle map[*Engine]*entry
	order    []domain.EngineID
}

func NewRegistry(opts Options) *Registry {
	opts.withDefaults()
	return &Registry{
		opts:     opts,
		byName:   make(map[domain.EngineID]*entry),
		byHandle: make(map[*Engine]*entry),
	}
}

// Connect starts (or adopts) the engine registered under cfg.Name. A
// matching running instance yields ErrAlreadyStarted, a mismatched one
// ErrIncompatibleVersion. For a fresh name the backend is TCP-probed
// with fixed spacing before the actor starts; a failed initial connect
// stops the actor and is returned to the caller, who owns the retry.
func (r *Registry) Connect(ctx context.Context, cfg domain.EngineConfig) (*Engine, error) {
	eng := newEngine(cfg, r)

	r.mu.Lock()
	if ent, ok := r.byName[cfg.Name]; ok {
		running := ent.engine.cfg
		r.mu.Unlock()
		if running.Compatible(cfg) {
			return ent.engine, core.ErrAlreadyStarted
		}
		return nil, core.ErrIncompatibleVersion
	}
	// Reserve the name inside the same critical section as the check, so
	// a concurrent Connect for the same fresh name cannot start a second
	// actor during the probe window.
	ent := &entry{status: domain.EngineConnecting, engine: eng}
	r.byName[cfg.Name] = ent
	r.byHandle[eng] = ent
	r.order = append(r.order, cfg.Name)
	r.mu.Unlock()
	log.Info().Str("module", "engine.registry").Str("engine", string(cfg.Name)).Msg("registered")

	if r.opts.Prober != nil {
		if err := r.opts.Prober(cfg, r.opts.ProbeAttempts, r.opts.ProbeSpacing); err != nil {
			r.unregister(eng)
			return nil, err
		}
	}

	started := make(chan error, 1)
	go eng.run(started)

	select {
	case err := <-started:
		if err != nil {
			return nil, err
		}
		return eng, nil
	case <-ctx.Done():
		eng.Stop()
		return nil, ctx.Err()
	}
}

// publish republishes (status, conn) for an engine. Only the owning
// actor calls this, immediately after each transition.
func (r *Registry) publish(e *Engine, status domain.EngineStatus, conn core.Backend) {
	r.mu.Lock()
	if ent, ok := r.byHandle[e]; ok {
		ent.status = status
		ent.conn = conn
	}
	r.mu.Unlock()
	if r.opts.Metrics != nil {
		r.opts.Metrics.SetEngineReady(string(e.cfg.Name), status == domain.EngineReady)
	}
}

func (r *Registry) unregister(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHandle, e)
	// The name slot only comes off when this engine still owns it; a
	// stale actor must not evict a live replacement registered under the
	// same name.
	if ent, ok := r.byName[e.cfg.Name]; !ok || ent.engine != e {
		return
	}
	delete(r.byName, e.cfg.Name)
	for i, n := range r.order {
		if n == e.cfg.Name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "engine.registry").Str("engine", string(e.cfg.Name)).Msg("unregistered")
}

// Find looks an engine up by name in O(1).
func (r *Registry) Find(id domain.EngineID) (domain.EngineStatus, *Engine, core.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.byName[id]
	if !ok {
		return "", nil, nil, core.ErrEngineNotFound
	}
	return ent.status, ent.engine, ent.conn, nil
}

// StatusOf looks an engine up by handle in O(1).
func (r *Registry) StatusOf(e *Engine) (domain.EngineStatus, core.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.byHandle[e]
	if !ok {
		return "", nil, core.ErrEngineNotFound
	}
	return ent.status, ent.conn, nil
}

// EngineInfo is the listing view of one registered engine.
type EngineInfo struct {
	Name   domain.EngineID     `json:"name"`
	Status domain.EngineStatus `json:"status"`
	Host   string              `json:"host"`
	Port   int                 `json:"port"`
}

// ListAll snapshots every registered engine in registration order.
func (r *Registry) ListAll() []EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EngineInfo, 0, len(r.order))
	for _, name := range r.order {
		ent := r.byName[name]
		out = append(out, EngineInfo{
			Name:   name,
			Status: ent.status,
			Host:   ent.engine.cfg.Host,
			Port:   ent.engine.cfg.Port,
		})
	}
	return out
}

// FirstReady returns the first engine published as ready, in
// registration order.
func (r *Registry) FirstReady() (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if ent := r.byName[name]; ent.status == domain.EngineReady {
			return ent.engine, nil
		}
	}
	return nil, core.ErrNoMediaserver
}

// Stop stops one engine by name.
func (r *Registry) Stop(id domain.EngineID) error {
	r.mu.RLock()
	ent, ok := r.byName[id]
	r.mu.RUnlock()
	if !ok {
		return core.ErrEngineNotFound
	}
	ent.engine.Stop()
	return nil
}

// StopAll stops every registered engine, used at shutdown.
func (r *Registry) StopAll() {
	for _, info := range r.ListAll() {
		_ = r.Stop(info.Name)
	}
}
