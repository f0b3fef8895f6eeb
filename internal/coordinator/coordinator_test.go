package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabroker/internal/backend/backendtest"
	"mediabroker/internal/core"
	"mediabroker/internal/domain"
	"mediabroker/internal/engine"
	"mediabroker/internal/session"
)

const answerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:audio\r\n"

// sessionBackend scripts the endpoint negotiation and signals
// gathering-done as soon as gathering starts, so Start replies without
// any timer involvement.
func sessionBackend() *backendtest.Fake {
	fake := backendtest.New()
	fake.InvokeFunc = func(obj core.ObjectID, op string, params map[string]any) (map[string]any, error) {
		switch op {
		case "processOffer":
			return map[string]any{"answer": answerSDP}, nil
		case "gatherCandidates":
			fake.Emit(core.Event{Kind: core.EventCandidatesDone})
		}
		return map[string]any{}, nil
	}
	return fake
}

func newTestCoordinator(t *testing.T, sessionFakes ...*backendtest.Fake) *Coordinator {
	t.Helper()
	engineFake := backendtest.New()
	next := 0
	dialer := func(ctx context.Context, cfg domain.EngineConfig) (core.Backend, error) {
		if next >= len(sessionFakes) {
			return nil, core.ErrNoMediaserver
		}
		f := sessionFakes[next]
		next++
		return f, nil
	}

	reg := engine.NewRegistry(engine.Options{
		Dialer: func(ctx context.Context, cfg domain.EngineConfig) (core.Backend, error) {
			return engineFake, nil
		},
		CallTimeout: 2 * time.Second,
	})
	eng, err := reg.Connect(context.Background(), domain.EngineConfig{Name: "mcu0", Host: "127.0.0.1", Port: 8188})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	coord := New(context.Background(), reg, dialer, session.Config{CallTimeout: 2 * time.Second}, nil)
	t.Cleanup(coord.StopAll)
	return coord
}

func startReq() session.StartRequest {
	return session.StartRequest{
		Class:   domain.OpEcho,
		Offer:   &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: answerSDP},
		Trickle: true,
	}
}

func TestCoordinatorStart(t *testing.T) {
	ctx := context.Background()

	t.Run("places a session on the ready engine", func(t *testing.T) {
		coord := newTestCoordinator(t, sessionBackend())

		id, res, err := coord.Start(ctx, startReq())
		require.NoError(t, err)
		require.NotEmpty(t, id)
		require.NotNil(t, res.Answer)
		assert.Equal(t, 1, coord.Count())
	})

	t.Run("no ready engine", func(t *testing.T) {
		reg := engine.NewRegistry(engine.Options{})
		coord := New(ctx, reg, nil, session.Config{}, nil)

		_, _, err := coord.Start(ctx, startReq())
		require.ErrorIs(t, err, core.ErrNoMediaserver)
		assert.Zero(t, coord.Count())
	})

	t.Run("failed start tears the session down", func(t *testing.T) {
		coord := newTestCoordinator(t, sessionBackend())

		_, _, err := coord.Start(ctx, session.StartRequest{Class: domain.OpEcho})
		require.ErrorIs(t, err, core.ErrMissingOffer)
		require.Eventually(t, func() bool { return coord.Count() == 0 },
			time.Second, 10*time.Millisecond)
	})
}

func TestCoordinatorRouting(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(t, sessionBackend())

	id, _, err := coord.Start(ctx, startReq())
	require.NoError(t, err)

	t.Run("update reaches the session", func(t *testing.T) {
		_, err := coord.Update(ctx, id, session.UpdateRequest{Command: "update_media"})
		require.NoError(t, err)
	})

	t.Run("candidates route by id", func(t *testing.T) {
		require.NoError(t, coord.Candidate(id, domain.Candidate{
			SDPMid: "audio", Candidate: "candidate:1 1 UDP 100 192.0.2.1 1000 typ host",
		}))
		require.NoError(t, coord.CandidateEnd(id))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := coord.Update(ctx, "nope", session.UpdateRequest{Command: "update_media"})
		require.ErrorIs(t, err, core.ErrSessionNotFound)
		require.ErrorIs(t, coord.Stop("nope", "x"), core.ErrSessionNotFound)
		require.ErrorIs(t, coord.Candidate("nope", domain.Candidate{}), core.ErrSessionNotFound)
	})

	t.Run("stop forgets the session", func(t *testing.T) {
		require.NoError(t, coord.Stop(id, "test done"))
		require.Eventually(t, func() bool { return coord.Count() == 0 },
			time.Second, 10*time.Millisecond)
	})
}

func TestCoordinatorStopAll(t *testing.T) {
	coord := newTestCoordinator(t, sessionBackend(), sessionBackend())
	ctx := context.Background()

	_, _, err := coord.Start(ctx, startReq())
	require.NoError(t, err)
	_, _, err = coord.Start(ctx, startReq())
	require.NoError(t, err)
	require.Equal(t, 2, coord.Count())

	coord.StopAll()
	require.Eventually(t, func() bool { return coord.Count() == 0 },
		time.Second, 10*time.Millisecond)
}
