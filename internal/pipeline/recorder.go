package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"mediabroker/internal/core"
)

// DefaultRecordProfile is used when the caller supplies none.
const DefaultRecordProfile = "WEBM"

func extensionFor(profile string) string {
	switch profile {
	case "MP4", "MP4_AUDIO_ONLY", "MP4_VIDEO_ONLY":
		return ".mp4"
	case "JPEG_VIDEO_ONLY":
		return ".jpg"
	default:
		return ".webm"
	}
}

// defaultRecordURI builds the deterministic per-session destination and
// bumps the per-session sequence counter.
func (o Ops) defaultRecordURI(st *State, profile string) string {
	uri := filepath.Join(o.RecordDir, fmt.Sprintf("%s_p%04d%s", st.SessionID, st.RecordSeq, extensionFor(profile)))
	st.RecordSeq++
	return uri
}

// CreateRecorder starts recording the session endpoint. An already
// active recorder is stopped and released first: replace, never two at
// once. An empty uri falls back to the deterministic per-session path.
func (o Ops) CreateRecorder(ctx context.Context, st *State, uri, profile string) (string, error) {
	if st.Recorder != "" {
		o.stopRecorder(ctx, st)
	}
	if profile == "" {
		profile = DefaultRecordProfile
	}
	if uri == "" {
		uri = o.defaultRecordURI(st, profile)
	}

	rec, err := o.Backend.Create(ctx, "RecorderEndpoint", map[string]any{
		"mediaPipeline": string(st.Pipeline),
		"uri":           uri,
		"mediaProfile":  profile,
	})
	if err != nil {
		return "", fmt.Errorf("create recorder: %w", err)
	}
	if err := o.connectEdge(ctx, st.Endpoint, rec, ""); err != nil {
		_ = o.Backend.Release(ctx, rec)
		return "", fmt.Errorf("connect recorder: %w", err)
	}
	if _, err := o.Backend.Invoke(ctx, rec, "record", nil); err != nil {
		_ = o.Backend.Release(ctx, rec)
		return "", fmt.Errorf("start recorder: %w", err)
	}
	st.Recorder = rec
	log.Info().Str("module", "pipeline").Str("session", st.SessionID).Str("uri", uri).Msg("recorder started")
	return uri, nil
}

func (o Ops) stopRecorder(ctx context.Context, st *State) {
	if _, err := o.Backend.Invoke(ctx, st.Recorder, "stopAndWait", nil); err != nil {
		log.Warn().Err(err).Str("module", "pipeline").Str("session", st.SessionID).Msg("recorder stop failed")
	}
	_ = o.Backend.Release(ctx, st.Recorder)
	st.Recorder = ""
}

// RecorderOp drives the active recorder. With none active it returns
// ErrNoActiveRecorder without touching the backend.
func (o Ops) RecorderOp(ctx context.Context, st *State, op string) error {
	if st.Recorder == "" {
		return core.ErrNoActiveRecorder
	}
	switch op {
	case "pause":
		_, err := o.Backend.Invoke(ctx, st.Recorder, "pause", nil)
		return err
	case "resume":
		_, err := o.Backend.Invoke(ctx, st.Recorder, "record", nil)
		return err
	case "stop":
		o.stopRecorder(ctx, st)
		return nil
	}
	return fmt.Errorf("recorder op %q: %w", op, core.ErrMissingParameters)
}
