package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabroker/internal/backend/backendtest"
	"mediabroker/internal/core"
)

func TestCreatePlayer(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a uri", func(t *testing.T) {
		fake := backendtest.New()
		ops, st := newTestOps(fake)

		err := ops.CreatePlayer(ctx, st, "")
		require.ErrorIs(t, err, core.ErrMissingParameters)
		assert.Empty(t, fake.Calls())
	})

	t.Run("subscribes end of stream before playing", func(t *testing.T) {
		fake := backendtest.New()
		ops, st := newTestOps(fake)

		require.NoError(t, ops.CreatePlayer(ctx, st, "file:///media/clip.webm"))
		require.NotEmpty(t, st.Player)

		subs := fake.CallsTo("subscribe")
		require.Len(t, subs, 1)
		assert.Equal(t, "EndOfStream", subs[0].Op)
		assert.Equal(t, st.Player, subs[0].Object)
	})

	t.Run("second player replaces the first", func(t *testing.T) {
		fake := backendtest.New()
		ops, st := newTestOps(fake)

		require.NoError(t, ops.CreatePlayer(ctx, st, "file:///a.webm"))
		first := st.Player
		require.NoError(t, ops.CreatePlayer(ctx, st, "file:///b.webm"))
		assert.NotEqual(t, first, st.Player)

		released := fake.CallsTo("release")
		require.Len(t, released, 1)
		assert.Equal(t, first, released[0].Object)
	})
}

func TestPlayerOp(t *testing.T) {
	ctx := context.Background()

	t.Run("no active player touches nothing", func(t *testing.T) {
		fake := backendtest.New()
		ops, st := newTestOps(fake)

		_, err := ops.PlayerOp(ctx, st, "pause", 0)
		require.ErrorIs(t, err, core.ErrNoActivePlayer)
		assert.Empty(t, fake.Calls())
	})

	t.Run("set position forwards milliseconds", func(t *testing.T) {
		fake := backendtest.New()
		ops, st := newTestOps(fake)
		require.NoError(t, ops.CreatePlayer(ctx, st, "file:///a.webm"))

		_, err := ops.PlayerOp(ctx, st, "set_position", 1500)
		require.NoError(t, err)

		invokes := fake.CallsTo("invoke")
		last := invokes[len(invokes)-1]
		assert.Equal(t, "setPosition", last.Op)
		assert.Equal(t, int64(1500), last.Params["position"])
	})

	t.Run("stop clears the slot", func(t *testing.T) {
		fake := backendtest.New()
		ops, st := newTestOps(fake)
		require.NoError(t, ops.CreatePlayer(ctx, st, "file:///a.webm"))

		_, err := ops.PlayerOp(ctx, st, "stop", 0)
		require.NoError(t, err)
		assert.Empty(t, st.Player)

		_, err = ops.PlayerOp(ctx, st, "resume", 0)
		require.ErrorIs(t, err, core.ErrNoActivePlayer)
	})
}
