package session

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"mediabroker/internal/core"
	"mediabroker/internal/domain"
)

func (s *Session) wrapClass(err error) error {
	return core.WrapOp(string(s.class), err)
}

// start validates, performs the class-specific backend setup, and
// either replies on the spot (failure) or parks the reply in the
// pending slot until candidates finalize. Precondition failures never
// contact the backend.
func (s *Session) start(req StartRequest, ch chan reply) {
	if s.fsm.Current() != phaseInit {
		ch <- reply{err: core.ErrAlreadyStarted}
		return
	}
	if err := validateStart(req); err != nil {
		ch <- reply{err: err}
		return
	}
	s.class = req.Class
	s.trickle = req.Trickle

	ctx, cancel := s.callCtx()
	defer cancel()

	var err error
	switch req.Class {
	case domain.OpEcho:
		err = s.setupEcho(ctx, req)
	case domain.OpProxy:
		err = s.setupProxy(ctx, req)
	case domain.OpPublish:
		err = s.setupPublish(ctx, req)
	case domain.OpListen:
		err = s.setupListen(ctx, req)
	case domain.OpPlay:
		err = s.setupPlay(ctx, req)
	}
	if err != nil {
		// Whatever was created before the failure goes away before the
		// caller hears about it.
		s.ops.Release(ctx, &s.st)
		ch <- reply{err: s.wrapClass(err)}
		return
	}

	// Reply only after candidates are finalized, not right after the
	// SDP exchange.
	s.pending = &pendingReply{ch: ch}
	if err := s.ops.GatherCandidates(ctx, &s.st); err != nil {
		s.failPending(s.wrapClass(err))
		return
	}
	s.toWait(WaitGatheringCandidates)
}

func validateStart(req StartRequest) error {
	switch req.Class {
	case domain.OpEcho, domain.OpProxy:
		if req.Offer == nil || req.Offer.SDP == "" {
			return core.ErrMissingOffer
		}
	case domain.OpPublish:
		if req.Offer == nil || req.Offer.SDP == "" {
			return core.ErrMissingOffer
		}
		if req.Room == "" {
			return core.ErrMissingParameters
		}
	case domain.OpListen:
		if req.Room == "" || req.Publisher == 0 {
			return core.ErrMissingParameters
		}
	case domain.OpPlay:
		if req.URI == "" {
			return core.ErrMissingParameters
		}
	default:
		return core.ErrMissingParameters
	}
	return nil
}

// setupEcho creates a WebRTC endpoint looped back onto itself and
// answers the offer.
func (s *Session) setupEcho(ctx context.Context, req StartRequest) error {
	if err := s.ops.CreateWebRTCEndpoint(ctx, &s.st); err != nil {
		return err
	}
	if err := s.ops.ConnectLoopback(ctx, &s.st); err != nil {
		return err
	}
	answer, err := s.ops.ProcessOffer(ctx, &s.st, req.Offer.SDP)
	if err != nil {
		return err
	}
	s.baseSDP = answer
	s.sdpIsOffer = false
	return nil
}

// setupProxy creates a relay endpoint; the peer leg is attached later
// via the connect_peer update.
func (s *Session) setupProxy(ctx context.Context, req StartRequest) error {
	if err := s.ops.CreateWebRTCEndpoint(ctx, &s.st); err != nil {
		return err
	}
	answer, err := s.ops.ProcessOffer(ctx, &s.st, req.Offer.SDP)
	if err != nil {
		return err
	}
	s.baseSDP = answer
	s.sdpIsOffer = false
	return nil
}

// setupPublish joins the room as a publisher, creating the room when it
// does not exist yet, and answers the offer.
func (s *Session) setupPublish(ctx context.Context, req StartRequest) error {
	if err := s.ops.CreateWebRTCEndpoint(ctx, &s.st); err != nil {
		return err
	}
	if err := s.joinRoom(ctx, "publisher", req.Room, 0); err != nil {
		return err
	}
	answer, err := s.ops.ProcessOffer(ctx, &s.st, req.Offer.SDP)
	if err != nil {
		return err
	}
	s.baseSDP = answer
	s.sdpIsOffer = false
	return nil
}

// setupListen subscribes to a publisher; the session originates the
// offer and the caller answers later.
func (s *Session) setupListen(ctx context.Context, req StartRequest) error {
	if err := s.ops.CreateWebRTCEndpoint(ctx, &s.st); err != nil {
		return err
	}
	if err := s.joinRoom(ctx, "subscriber", req.Room, req.Publisher); err != nil {
		return err
	}
	offer, err := s.ops.GenerateOffer(ctx, &s.st)
	if err != nil {
		return err
	}
	s.baseSDP = offer
	s.sdpIsOffer = true
	return nil
}

// setupPlay streams a file into the session; like listen, the session
// originates the offer.
func (s *Session) setupPlay(ctx context.Context, req StartRequest) error {
	if err := s.ops.CreateWebRTCEndpoint(ctx, &s.st); err != nil {
		return err
	}
	if err := s.ops.CreatePlayer(ctx, &s.st, req.URI); err != nil {
		return err
	}
	offer, err := s.ops.GenerateOffer(ctx, &s.st)
	if err != nil {
		return err
	}
	s.baseSDP = offer
	s.sdpIsOffer = true
	return nil
}

// joinRoom binds the session endpoint into a room through the room
// plugin; a missing room is created on demand for publishers.
func (s *Session) joinRoom(ctx context.Context, ptype string, room domain.RoomID, feed uint64) error {
	body := map[string]any{
		"request": "join",
		"ptype":   ptype,
		"room":    room.BackendID(),
		"feed":    string(s.st.Endpoint),
	}
	if feed != 0 {
		body["feed"] = feed
	}
	reply, err := s.backend.Message(ctx, s.bsession, s.bhandle, body, nil)
	if err != nil {
		return err
	}
	if code, ok := reply.Data["error_code"].(float64); ok {
		if int(code) == 426 && ptype == "publisher" {
			// Room is created on demand the first time someone
			// publishes into it.
			if _, err := s.backend.Message(ctx, s.bsession, s.bhandle, map[string]any{
				"request": "create", "room": room.BackendID(), "permanent": false,
			}, nil); err != nil {
				return err
			}
			reply, err = s.backend.Message(ctx, s.bsession, s.bhandle, body, nil)
			if err != nil {
				return err
			}
			if _, bad := reply.Data["error_code"]; bad {
				return core.ErrInternal
			}
			return nil
		}
		if int(code) == 426 {
			return core.ErrRoomNotFound
		}
		return core.ErrInternal
	}
	return nil
}

// answer completes listen/play negotiation with the caller's SDP.
func (s *Session) answer(desc webrtc.SessionDescription, ch chan reply) {
	if s.fsm.Current() != phaseActive || !s.sdpIsOffer {
		ch <- reply{err: core.ErrMissingParameters}
		return
	}
	ctx, cancel := s.callCtx()
	defer cancel()
	if err := s.ops.ProcessAnswer(ctx, &s.st, desc.SDP); err != nil {
		ch <- reply{err: s.wrapClass(err)}
		return
	}
	ch <- reply{res: Result{Metadata: map[string]any{"session_id": s.id}}}
}

// update dispatches a control command without leaving the active state.
func (s *Session) update(req UpdateRequest, ch chan reply) {
	if s.fsm.Current() != phaseActive {
		ch <- reply{err: core.ErrSessionNotFound}
		return
	}
	ctx, cancel := s.callCtx()
	defer cancel()

	var res Result
	var err error
	switch req.Command {
	case "update_media":
		err = s.ops.UpdateMedia(ctx, &s.st, req.Flags)

	case "connect_peer":
		if req.Peer == "" {
			err = core.ErrMissingParameters
			break
		}
		types := req.Types
		if len(types) == 0 {
			types = domain.AllMediaTypes()
		}
		err = s.ops.Connect(ctx, &s.st, req.Peer, domain.NewMediaTypeSet(types...))

	case "switch":
		if s.class != domain.OpListen {
			err = core.ErrMissingParameters
			break
		}
		if req.Publisher == 0 {
			err = core.ErrMissingParameters
			break
		}
		_, err = s.backend.Message(ctx, s.bsession, s.bhandle,
			map[string]any{"request": "switch", "feed": req.Publisher}, nil)

	case "record_start":
		var uri string
		uri, err = s.ops.CreateRecorder(ctx, &s.st, req.URI, req.Profile)
		if err == nil {
			res.Metadata = map[string]any{"uri": uri}
		}

	case "recorder":
		err = s.ops.RecorderOp(ctx, &s.st, req.Op)

	case "player":
		var info map[string]any
		info, err = s.ops.PlayerOp(ctx, &s.st, req.Op, req.Position)
		if err == nil && info != nil {
			res.Metadata = info
		}

	default:
		log.Debug().Str("module", "session").Str("sid", s.id).
			Str("command", req.Command).Msg("unknown update command")
		err = core.ErrMissingParameters
	}

	if err != nil {
		ch <- reply{err: s.wrapClass(err)}
		return
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{"session_id": s.id}
	}
	ch <- reply{res: res}
}
