package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"mediabroker/internal/core"
)

// CreatePlayer starts playback of uri into the session endpoint. An
// already active player is stopped and released first, mirroring the
// recorder replace semantics.
func (o Ops) CreatePlayer(ctx context.Context, st *State, uri string) error {
	if uri == "" {
		return core.ErrMissingParameters
	}
	if st.Player != "" {
		o.stopPlayer(ctx, st)
	}

	player, err := o.Backend.Create(ctx, "PlayerEndpoint", map[string]any{
		"mediaPipeline": string(st.Pipeline),
		"uri":           uri,
	})
	if err != nil {
		return fmt.Errorf("create player: %w", err)
	}
	if _, err := o.Backend.Subscribe(ctx, player, "EndOfStream"); err != nil {
		_ = o.Backend.Release(ctx, player)
		return fmt.Errorf("subscribe player: %w", err)
	}
	if err := o.connectEdge(ctx, player, st.Endpoint, ""); err != nil {
		_ = o.Backend.Release(ctx, player)
		return fmt.Errorf("connect player: %w", err)
	}
	if _, err := o.Backend.Invoke(ctx, player, "play", nil); err != nil {
		_ = o.Backend.Release(ctx, player)
		return fmt.Errorf("start player: %w", err)
	}
	st.Player = player
	log.Info().Str("module", "pipeline").Str("session", st.SessionID).Str("uri", uri).Msg("player started")
	return nil
}

func (o Ops) stopPlayer(ctx context.Context, st *State) {
	if _, err := o.Backend.Invoke(ctx, st.Player, "stop", nil); err != nil {
		log.Warn().Err(err).Str("module", "pipeline").Str("session", st.SessionID).Msg("player stop failed")
	}
	_ = o.Backend.Release(ctx, st.Player)
	st.Player = ""
}

// PlayerOp drives the active player. With none active it returns
// ErrNoActivePlayer without touching the backend. Position values are
// milliseconds.
func (o Ops) PlayerOp(ctx context.Context, st *State, op string, position int64) (map[string]any, error) {
	if st.Player == "" {
		return nil, core.ErrNoActivePlayer
	}
	switch op {
	case "pause":
		return o.Backend.Invoke(ctx, st.Player, "pause", nil)
	case "resume":
		return o.Backend.Invoke(ctx, st.Player, "play", nil)
	case "stop":
		o.stopPlayer(ctx, st)
		return nil, nil
	case "get_info":
		return o.Backend.Invoke(ctx, st.Player, "getVideoInfo", nil)
	case "get_position":
		return o.Backend.Invoke(ctx, st.Player, "getPosition", nil)
	case "set_position":
		return o.Backend.Invoke(ctx, st.Player, "setPosition", map[string]any{"position": position})
	}
	return nil, fmt.Errorf("player op %q: %w", op, core.ErrMissingParameters)
}
