// Package pipeline turns abstract media intents into backend object
// creations and connection-graph edits. Helpers here are stateless:
// everything lives in the caller-owned State, and calls are safe from a
// single session actor only.
package pipeline

import (
	"context"
	"fmt"

	"mediabroker/internal/core"
	"mediabroker/internal/domain"
)

// State is the per-session pipeline state the helpers operate on,
// exclusively owned by the session actor.
type State struct {
	SessionID string
	Pipeline  core.ObjectID
	Endpoint  core.ObjectID
	Recorder  core.ObjectID
	Player    core.ObjectID
	RecordSeq int
}

// Ops binds the helpers to one backend connection plus the few config
// knobs they need.
type Ops struct {
	Backend   core.Backend
	RecordDir string
}

// CreatePipeline creates the backend pipeline object every other object
// of the session hangs off.
func (o Ops) CreatePipeline(ctx context.Context, st *State) error {
	obj, err := o.Backend.Create(ctx, "MediaPipeline", nil)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	st.Pipeline = obj
	return nil
}

// CreateWebRTCEndpoint creates the session's WebRTC endpoint and
// subscribes to its ICE events.
func (o Ops) CreateWebRTCEndpoint(ctx context.Context, st *State) error {
	return o.createEndpoint(ctx, st, "WebRtcEndpoint")
}

// CreateRTPEndpoint creates a plain RTP endpoint instead.
func (o Ops) CreateRTPEndpoint(ctx context.Context, st *State) error {
	return o.createEndpoint(ctx, st, "RtpEndpoint")
}

func (o Ops) createEndpoint(ctx context.Context, st *State, objType string) error {
	obj, err := o.Backend.Create(ctx, objType, map[string]any{"mediaPipeline": string(st.Pipeline)})
	if err != nil {
		return fmt.Errorf("create %s: %w", objType, err)
	}
	if objType == "WebRtcEndpoint" {
		for _, ev := range []string{"OnIceCandidate", "OnIceGatheringDone"} {
			if _, err := o.Backend.Subscribe(ctx, obj, ev); err != nil {
				_ = o.Backend.Release(ctx, obj)
				return fmt.Errorf("subscribe %s: %w", ev, err)
			}
		}
	}
	st.Endpoint = obj
	return nil
}

// ProcessOffer submits the remote SDP offer and returns the local
// answer.
func (o Ops) ProcessOffer(ctx context.Context, st *State, offer string) (string, error) {
	res, err := o.Backend.Invoke(ctx, st.Endpoint, "processOffer", map[string]any{"offer": offer})
	if err != nil {
		return "", err
	}
	answer, ok := res["answer"].(string)
	if !ok {
		return "", core.ErrInternal
	}
	return answer, nil
}

// GenerateOffer asks the endpoint to originate the SDP offer, for
// classes where the session speaks first.
func (o Ops) GenerateOffer(ctx context.Context, st *State) (string, error) {
	res, err := o.Backend.Invoke(ctx, st.Endpoint, "generateOffer", nil)
	if err != nil {
		return "", err
	}
	offer, ok := res["offer"].(string)
	if !ok {
		return "", core.ErrInternal
	}
	return offer, nil
}

// ProcessAnswer applies the remote answer to a locally-originated
// offer.
func (o Ops) ProcessAnswer(ctx context.Context, st *State, answer string) error {
	_, err := o.Backend.Invoke(ctx, st.Endpoint, "processAnswer", map[string]any{"answer": answer})
	return err
}

// GatherCandidates starts trickle ICE gathering on the endpoint.
func (o Ops) GatherCandidates(ctx context.Context, st *State) error {
	_, err := o.Backend.Invoke(ctx, st.Endpoint, "gatherCandidates", nil)
	return err
}

// LocalDescriptor fetches the fully-resolved local SDP, used in
// immediate-candidate mode instead of a client-side merge.
func (o Ops) LocalDescriptor(ctx context.Context, st *State) (string, error) {
	res, err := o.Backend.Invoke(ctx, st.Endpoint, "getLocalSessionDescriptor", nil)
	if err != nil {
		return "", err
	}
	sdp, ok := res["sdp"].(string)
	if !ok {
		return "", core.ErrInternal
	}
	return sdp, nil
}

// AddRemoteCandidate forwards one trickled candidate from the client to
// the endpoint.
func (o Ops) AddRemoteCandidate(ctx context.Context, st *State, c domain.Candidate) error {
	_, err := o.Backend.Invoke(ctx, st.Endpoint, "addIceCandidate", map[string]any{
		"candidate": map[string]any{
			"candidate":     c.Candidate,
			"sdpMid":        c.SDPMid,
			"sdpMLineIndex": float64(c.SDPMLineIndex),
		},
	})
	return err
}

// Release destroys every backend object of the session, recorder and
// player first. Errors are swallowed: teardown is best effort against a
// backend that may already be gone.
func (o Ops) Release(ctx context.Context, st *State) {
	for _, obj := range []core.ObjectID{st.Recorder, st.Player, st.Endpoint, st.Pipeline} {
		if obj != "" {
			_ = o.Backend.Release(ctx, obj)
		}
	}
	st.Recorder, st.Player, st.Endpoint, st.Pipeline = "", "", "", ""
}
