// Package session implements the per-session actor: one goroutine
// owning one negotiation/media lifecycle against one engine, including
// ICE-candidate buffering with a gathering deadline, SDP offer/answer
// handling, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"mediabroker/internal/core"
	"mediabroker/internal/domain"
	"mediabroker/internal/pipeline"
)

// Config carries the session timers and pipeline knobs.
type Config struct {
	WaitTimeout      time.Duration // default 600s
	OperationTimeout time.Duration // default 4h
	ICEGatherTimeout time.Duration // backend-dependent, default 150ms
	CallTimeout      time.Duration // per backend call, default 30s
	RecordDir        string
}

func (c *Config) withDefaults() {
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 600 * time.Second
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 4 * time.Hour
	}
	if c.ICEGatherTimeout == 0 {
		c.ICEGatherTimeout = 150 * time.Millisecond
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// StartRequest is the class-specific operation entry.
type StartRequest struct {
	Class     domain.OperationClass      `json:"class"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Room      domain.RoomID              `json:"room,omitempty"`
	Publisher uint64                     `json:"publisher,omitempty"`
	URI       string                     `json:"uri,omitempty"`
	// Trickle selects candidate trickling with the client-side merge;
	// false is immediate mode (full SDP fetched from the backend).
	Trickle bool `json:"trickle,omitempty"`
}

// UpdateRequest is a control message handled inside the active phase.
type UpdateRequest struct {
	Command   string             `json:"command"`
	Flags     domain.MediaFlags  `json:"flags,omitempty"`
	Publisher uint64             `json:"publisher,omitempty"`
	Peer      core.ObjectID      `json:"peer,omitempty"`
	Types     []domain.MediaType `json:"types,omitempty"`
	URI       string             `json:"uri,omitempty"`
	Profile   string             `json:"profile,omitempty"`
	Op        string             `json:"op,omitempty"`
	Position  int64              `json:"position,omitempty"`
}

// Result is the success payload of Start/Answer/Update. Exactly one of
// Answer or Offer is set by Start, per operation class.
type Result struct {
	Answer   *webrtc.SessionDescription `json:"answer,omitempty"`
	Offer    *webrtc.SessionDescription `json:"offer,omitempty"`
	Metadata map[string]any             `json:"metadata,omitempty"`
}

type reply struct {
	res Result
	err error
}

// pendingReply is the single nullable slot enforcing finalize-once:
// consumed exactly once, later finalize triggers are no-ops.
type pendingReply struct {
	ch chan reply
}

// Session is the actor. All fields below calls are owned by the run
// goroutine.
type Session struct {
	id      string
	engine  domain.EngineID
	backend core.Backend
	ops     pipeline.Ops
	cfg     Config
	owner   context.Context

	calls    chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	fsm        *fsm.FSM
	waitReason string
	timer      *time.Timer
	timerC     <-chan time.Time

	st          pipeline.State
	bsession    uint64
	bhandle     uint64
	class       domain.OperationClass
	trickle     bool
	baseSDP     string
	sdpIsOffer  bool
	pending     *pendingReply
	ice         *candidateBuffer
	onTerminate func(id string)
}

// New creates the session actor: it opens the session's own backend
// scope, creates the pipeline object, and starts the run goroutine.
// owner is the monitor of the creating process; its cancellation is
// fatal to the session, as is backend connection death.
func New(owner context.Context, engineName domain.EngineID, conn core.Backend, cfg Config, onTerminate func(id string)) (*Session, error) {
	cfg.withDefaults()
	s := &Session{
		id:          uuid.NewString(),
		engine:      engineName,
		backend:     conn,
		cfg:         cfg,
		owner:       owner,
		calls:       make(chan func()),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		ice:         newCandidateBuffer(),
		onTerminate: onTerminate,
	}
	s.fsm = s.newFSM()
	s.ops = pipeline.Ops{Backend: conn, RecordDir: cfg.RecordDir}
	s.st = pipeline.State{SessionID: s.id}

	ctx, cancel := context.WithTimeout(owner, cfg.CallTimeout)
	defer cancel()

	// Session bring-up; failure here is unrecoverable, the caller must
	// start a new session.
	bs, err := conn.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("session init: %w", err)
	}
	bh, err := conn.Attach(ctx, bs, "videoroom")
	if err != nil {
		return nil, fmt.Errorf("session init: %w", err)
	}
	s.bsession, s.bhandle = bs, bh
	if err := s.ops.CreatePipeline(ctx, &s.st); err != nil {
		return nil, fmt.Errorf("session init: %w", err)
	}

	go s.run()
	log.Info().Str("module", "session").Str("sid", s.id).
		Str("engine", string(engineName)).Uint64("backend_session", bs).Msg("session started")
	return s, nil
}

// ID returns the broker-side session id.
func (s *Session) ID() string { return s.id }

// BackendSessionID returns the backend's id for this session's scope.
func (s *Session) BackendSessionID() uint64 { return s.bsession }

// Class returns the running operation class, empty before Start.
func (s *Session) Class() domain.OperationClass { return s.class }

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.calls:
			fn()
			if s.fsm.Current() == phaseTerminated {
				s.shutdown(nil)
				return
			}

		case ev, ok := <-s.backend.Events():
			if !ok {
				s.shutdown(core.ErrConnectionClosed)
				return
			}
			s.handleEvent(ev)

		case <-s.timerC:
			if s.handleTimeout() {
				s.shutdown(core.ErrTimeout)
				return
			}

		case <-s.backend.Done():
			log.Warn().Str("module", "session").Str("sid", s.id).Msg("backend connection died")
			s.shutdown(core.ErrConnectionClosed)
			return

		case <-s.owner.Done():
			log.Info().Str("module", "session").Str("sid", s.id).Msg("owner gone")
			s.shutdown(s.owner.Err())
			return

		case <-s.quit:
			s.shutdown(nil)
			return
		}
	}
}

// handleTimeout is called when the single phase timer fires. The gather
// deadline finalizes the pending answer; any other phase timeout is a
// normal termination. Returns true when the actor must stop.
func (s *Session) handleTimeout() bool {
	s.timerC = nil
	if s.fsm.Current() == phaseWait && s.waitReason == WaitGatheringCandidates {
		log.Debug().Str("module", "session").Str("sid", s.id).Msg("gather deadline, finalizing")
		s.finalize()
		return false
	}
	log.Info().Str("module", "session").Str("sid", s.id).
		Str("phase", s.fsm.Current()).Msg("phase timeout, stopping")
	return true
}

func (s *Session) handleEvent(ev core.Event) {
	switch ev.Kind {
	case core.EventCandidate:
		s.onBackendCandidate(ev.Candidate)
	case core.EventCandidatesDone:
		s.finalize()
	case core.EventEndOfStream:
		log.Info().Str("module", "session").Str("sid", s.id).Msg("end of stream")
		if s.st.Player != "" {
			ctx, cancel := s.callCtx()
			_, _ = s.ops.PlayerOp(ctx, &s.st, "stop", 0)
			cancel()
		}
	case core.EventError:
		log.Error().Str("module", "session").Str("sid", s.id).
			Str("reason", ev.Reason).Msg("backend error event")
		s.failPending(core.WrapOp(string(s.class), errors.New(ev.Reason)))
	case core.EventStateChange:
		log.Debug().Str("module", "session").Str("sid", s.id).Str("type", ev.Type).Msg("state change")
	default:
		log.Debug().Str("module", "session").Str("sid", s.id).Str("type", ev.Type).Msg("unrecognized event, dropped")
	}
}

// shutdown releases backend resources and guarantees the pending caller
// a reply; it never leaves anyone waiting.
func (s *Session) shutdown(cause error) {
	if cause == nil {
		cause = core.ErrSessionNotFound
	}
	s.failPending(cause)
	s.disarm()
	s.toTerminated()
	ctx, cancel := s.callCtx()
	s.ops.Release(ctx, &s.st)
	cancel()
	_ = s.backend.Close()
	if s.onTerminate != nil {
		s.onTerminate(s.id)
	}
	log.Info().Str("module", "session").Str("sid", s.id).Msg("session terminated")
}

func (s *Session) failPending(err error) {
	if s.pending == nil {
		return
	}
	s.pending.ch <- reply{err: err}
	s.pending = nil
}

func (s *Session) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.CallTimeout)
}

// do routes fn into the actor; it never blocks past the session's
// lifetime.
func (s *Session) do(fn func()) error {
	select {
	case s.calls <- fn:
		return nil
	case <-s.stopped:
		return core.ErrSessionNotFound
	}
}

// call routes a request in and waits for its (possibly deferred) reply.
func (s *Session) call(ctx context.Context, fn func(ch chan reply)) (Result, error) {
	ch := make(chan reply, 1)
	if err := s.do(func() { fn(ch) }); err != nil {
		return Result{}, err
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-s.stopped:
		// Shutdown guarantees the pending caller a reply before stopped
		// closes; prefer it over the generic not-found.
		select {
		case r := <-ch:
			return r.res, r.err
		default:
			return Result{}, core.ErrSessionNotFound
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Start enters the operation. The reply carries exactly one of answer
// or offer; for trickled answers it is deferred until candidates are
// finalized.
func (s *Session) Start(ctx context.Context, req StartRequest) (Result, error) {
	return s.call(ctx, func(ch chan reply) { s.start(req, ch) })
}

// Answer completes an offer-originating class with the remote answer.
func (s *Session) Answer(ctx context.Context, answer webrtc.SessionDescription) (Result, error) {
	return s.call(ctx, func(ch chan reply) { s.answer(answer, ch) })
}

// Update handles a class-specific control message inside the active
// phase.
func (s *Session) Update(ctx context.Context, req UpdateRequest) (Result, error) {
	return s.call(ctx, func(ch chan reply) { s.update(req, ch) })
}

// Candidate forwards a client-trickled candidate to the backend.
func (s *Session) Candidate(c domain.Candidate) error {
	return s.do(func() {
		ctx, cancel := s.callCtx()
		defer cancel()
		if err := s.ops.AddRemoteCandidate(ctx, &s.st, c); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("sid", s.id).Msg("forward candidate failed")
		}
	})
}

// CandidateEnd marks the client's terminal "last candidate".
func (s *Session) CandidateEnd() error {
	return s.do(func() {
		log.Debug().Str("module", "session").Str("sid", s.id).Msg("client candidates complete")
	})
}

// Stop terminates the session, releasing its backend resources.
func (s *Session) Stop(reason string) {
	log.Info().Str("module", "session").Str("sid", s.id).Str("reason", reason).Msg("stop requested")
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.stopped
}
