package session

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"
)

// Phases of a session. wait carries a reason tag; active carries the
// operation class. Entering any phase cancels the previous phase's
// timer and arms exactly one new one.
const (
	phaseInit       = "init"
	phaseWait       = "wait"
	phaseActive     = "active"
	phaseTerminated = "terminated"
)

const (
	evWait      = "wait"
	evActivate  = "activate"
	evTerminate = "terminate"
)

// WaitGatheringCandidates is the wait reason while trickle ICE runs;
// its timer is the gather deadline, and expiry finalizes instead of
// stopping the actor.
const WaitGatheringCandidates = "gathering_candidates"

func (s *Session) newFSM() *fsm.FSM {
	return fsm.NewFSM(
		phaseInit,
		fsm.Events{
			{Name: evWait, Src: []string{phaseInit, phaseWait, phaseActive}, Dst: phaseWait},
			{Name: evActivate, Src: []string{phaseInit, phaseWait, phaseActive}, Dst: phaseActive},
			{Name: evTerminate, Src: []string{phaseInit, phaseWait, phaseActive}, Dst: phaseTerminated},
		},
		fsm.Callbacks{},
	)
}

func (s *Session) onPhaseChange(phase string) {
	var d time.Duration
	switch phase {
	case phaseWait:
		d = s.cfg.WaitTimeout
		if s.waitReason == WaitGatheringCandidates {
			d = s.cfg.ICEGatherTimeout
		}
	case phaseActive:
		d = s.cfg.OperationTimeout
	case phaseTerminated:
		s.disarm()
		return
	}
	s.arm(d)
	log.Debug().Str("module", "session").Str("sid", s.id).
		Str("phase", phase).Str("reason", s.waitReason).Dur("timeout", d).Msg("phase change")
}

// arm replaces the phase timer: cancel-then-arm, never two live timers
// for one actor.
func (s *Session) arm(d time.Duration) {
	s.disarm()
	s.timer = time.NewTimer(d)
	s.timerC = s.timer.C
}

func (s *Session) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerC = nil
}

// Phase entry helpers. Re-entering the current phase is legal (the fsm
// reports it as a no-transition) and still re-arms the timer.

func (s *Session) toWait(reason string) {
	s.waitReason = reason
	_ = s.fsm.Event(context.Background(), evWait)
	s.onPhaseChange(phaseWait)
}

func (s *Session) toActive() {
	s.waitReason = ""
	_ = s.fsm.Event(context.Background(), evActivate)
	s.onPhaseChange(phaseActive)
}

func (s *Session) toTerminated() {
	s.waitReason = ""
	_ = s.fsm.Event(context.Background(), evTerminate)
	s.onPhaseChange(phaseTerminated)
}
