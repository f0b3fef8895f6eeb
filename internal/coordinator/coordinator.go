// Package coordinator places new sessions on a ready engine and routes
// client-level calls into the owning session actor.
package coordinator

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"mediabroker/internal/core"
	"mediabroker/internal/domain"
	"mediabroker/internal/engine"
	"mediabroker/internal/metrics"
	"mediabroker/internal/session"
)

// Coordinator owns the session map. Sessions themselves are actors; the
// coordinator only creates, looks up, and forgets them.
type Coordinator struct {
	reg     *engine.Registry
	dialer  engine.Dialer
	cfg     session.Config
	metrics *metrics.Metrics

	ctx context.Context

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func New(ctx context.Context, reg *engine.Registry, dialer engine.Dialer, cfg session.Config, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		reg:      reg,
		dialer:   dialer,
		cfg:      cfg,
		metrics:  m,
		ctx:      ctx,
		sessions: make(map[string]*session.Session),
	}
}

// Start picks the first ready engine, opens a session-owned backend
// connection on it, and runs the operation entry.
func (c *Coordinator) Start(ctx context.Context, req session.StartRequest) (string, session.Result, error) {
	eng, err := c.reg.FirstReady()
	if err != nil {
		return "", session.Result{}, err
	}

	conn, err := c.dialer(ctx, eng.Config())
	if err != nil {
		return "", session.Result{}, core.ErrNoMediaserver
	}

	sess, err := session.New(c.ctx, eng.Config().Name, conn, c.cfg, c.forget)
	if err != nil {
		_ = conn.Close()
		return "", session.Result{}, err
	}

	c.mu.Lock()
	c.sessions[sess.ID()] = sess
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SessionStarted(string(req.Class))
	}

	res, err := sess.Start(ctx, req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.SessionError(string(req.Class))
		}
		sess.Stop("start failed")
		return "", session.Result{}, err
	}
	log.Info().Str("module", "coordinator").Str("sid", sess.ID()).
		Str("class", string(req.Class)).Str("engine", string(eng.Config().Name)).Msg("session placed")
	return sess.ID(), res, nil
}

func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	_, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if ok && c.metrics != nil {
		c.metrics.SessionStopped()
	}
}

func (c *Coordinator) lookup(id string) (*session.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return s, nil
}

// Answer routes the remote answer of an offer-originating session.
func (c *Coordinator) Answer(ctx context.Context, id string, answer webrtc.SessionDescription) (session.Result, error) {
	s, err := c.lookup(id)
	if err != nil {
		return session.Result{}, err
	}
	return s.Answer(ctx, answer)
}

// Update routes a class-specific control command.
func (c *Coordinator) Update(ctx context.Context, id string, req session.UpdateRequest) (session.Result, error) {
	s, err := c.lookup(id)
	if err != nil {
		return session.Result{}, err
	}
	return s.Update(ctx, req)
}

// Candidate routes one client-trickled candidate.
func (c *Coordinator) Candidate(id string, cand domain.Candidate) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	return s.Candidate(cand)
}

// CandidateEnd routes the terminal last-candidate marker.
func (c *Coordinator) CandidateEnd(id string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	return s.CandidateEnd()
}

// Stop terminates one session.
func (c *Coordinator) Stop(id, reason string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	s.Stop(reason)
	return nil
}

// StopAll terminates every session, used at shutdown.
func (c *Coordinator) StopAll() {
	c.mu.RLock()
	all := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.RUnlock()
	for _, s := range all {
		s.Stop("shutdown")
	}
}

// Count reports the number of live sessions.
func (c *Coordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
