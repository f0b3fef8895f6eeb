package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabroker/internal/backend/backendtest"
	"mediabroker/internal/core"
	"mediabroker/internal/domain"
)

// seqDialer hands out programmed fakes in order, one per dial.
type seqDialer struct {
	mu    sync.Mutex
	fakes []*backendtest.Fake
	next  int
}

func (d *seqDialer) dial(ctx context.Context, cfg domain.EngineConfig) (core.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.fakes) {
		return nil, errors.New("backend unreachable")
	}
	f := d.fakes[d.next]
	d.next++
	return f, nil
}

type dirFunc func(uint64) bool

func (f dirFunc) RoomExists(backendID uint64) bool { return f(backendID) }

func testEngineConfig(name string) domain.EngineConfig {
	return domain.EngineConfig{
		Name:    domain.EngineID(name),
		Service: "mcu",
		Host:    "127.0.0.1",
		Port:    8188,
		Vsn:     "1.0.0",
		Release: "1",
	}
}

func newTestRegistry(opts Options) *Registry {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 2 * time.Second
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = time.Hour
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = time.Hour
	}
	return NewRegistry(opts)
}

func TestRegistryConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh engine comes up ready", func(t *testing.T) {
		fake := backendtest.New()
		reg := newTestRegistry(Options{Dialer: (&seqDialer{fakes: []*backendtest.Fake{fake}}).dial})

		eng, err := reg.Connect(ctx, testEngineConfig("mcu0"))
		require.NoError(t, err)
		defer eng.Stop()

		status, found, conn, err := reg.Find("mcu0")
		require.NoError(t, err)
		assert.Equal(t, domain.EngineReady, status)
		assert.Same(t, eng, found)
		assert.Same(t, core.Backend(fake), conn)

		hStatus, hConn, err := reg.StatusOf(eng)
		require.NoError(t, err)
		assert.Equal(t, status, hStatus)
		assert.Same(t, conn, hConn)

		// The base session/handle pair was opened on the room plugin.
		attaches := fake.CallsTo("attach")
		require.Len(t, attaches, 1)
		assert.Equal(t, "videoroom", attaches[0].Params["plugin"])
	})

	t.Run("same config again is already started", func(t *testing.T) {
		fake := backendtest.New()
		reg := newTestRegistry(Options{Dialer: (&seqDialer{fakes: []*backendtest.Fake{fake}}).dial})
		cfg := testEngineConfig("mcu0")

		eng, err := reg.Connect(ctx, cfg)
		require.NoError(t, err)
		defer eng.Stop()

		again, err := reg.Connect(ctx, cfg)
		require.ErrorIs(t, err, core.ErrAlreadyStarted)
		assert.Same(t, eng, again, "the running engine is returned alongside the error")
	})

	t.Run("mismatched config is incompatible", func(t *testing.T) {
		fake := backendtest.New()
		reg := newTestRegistry(Options{Dialer: (&seqDialer{fakes: []*backendtest.Fake{fake}}).dial})

		eng, err := reg.Connect(ctx, testEngineConfig("mcu0"))
		require.NoError(t, err)
		defer eng.Stop()

		other := testEngineConfig("mcu0")
		other.Vsn = "2.0.0"
		_, err = reg.Connect(ctx, other)
		require.ErrorIs(t, err, core.ErrIncompatibleVersion)
	})

	t.Run("probe failure aborts before the actor starts", func(t *testing.T) {
		probeErr := errors.New("port closed")
		var probes int
		fake := backendtest.New()
		reg := newTestRegistry(Options{
			Dialer: (&seqDialer{fakes: []*backendtest.Fake{fake}}).dial,
			Prober: func(cfg domain.EngineConfig, attempts int, spacing time.Duration) error {
				probes++
				if probes == 1 {
					return probeErr
				}
				return nil
			},
		})

		_, err := reg.Connect(ctx, testEngineConfig("mcu0"))
		require.ErrorIs(t, err, probeErr)
		_, _, _, err = reg.Find("mcu0")
		require.ErrorIs(t, err, core.ErrEngineNotFound)

		// The failed attempt released the name, so a retry goes through.
		eng, err := reg.Connect(ctx, testEngineConfig("mcu0"))
		require.NoError(t, err)
		eng.Stop()
	})

	t.Run("concurrent connects for one name start one actor", func(t *testing.T) {
		fake := backendtest.New()
		dialer := &seqDialer{fakes: []*backendtest.Fake{fake, backendtest.New()}}
		reg := newTestRegistry(Options{
			Dialer: dialer.dial,
			Prober: func(cfg domain.EngineConfig, attempts int, spacing time.Duration) error {
				time.Sleep(40 * time.Millisecond)
				return nil
			},
		})

		var wg sync.WaitGroup
		engines := make([]*Engine, 2)
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				engines[i], errs[i] = reg.Connect(ctx, testEngineConfig("mcu0"))
			}(i)
		}
		wg.Wait()

		winner, loser := 0, 1
		if errs[0] != nil {
			winner, loser = 1, 0
		}
		require.NoError(t, errs[winner])
		require.ErrorIs(t, errs[loser], core.ErrAlreadyStarted)
		assert.Same(t, engines[winner], engines[loser], "the loser is handed the running engine")

		dialer.mu.Lock()
		dials := dialer.next
		dialer.mu.Unlock()
		assert.Equal(t, 1, dials, "only the winner dials")
		assert.Len(t, reg.ListAll(), 1)

		// A stale handle must not evict the live entry.
		stale := newEngine(testEngineConfig("mcu0"), reg)
		reg.unregister(stale)
		_, found, _, err := reg.Find("mcu0")
		require.NoError(t, err)
		assert.Same(t, engines[winner], found)

		engines[winner].Stop()
		_, _, _, err = reg.Find("mcu0")
		require.ErrorIs(t, err, core.ErrEngineNotFound)
	})

	t.Run("initial dial failure unregisters", func(t *testing.T) {
		reg := newTestRegistry(Options{Dialer: (&seqDialer{}).dial})

		_, err := reg.Connect(ctx, testEngineConfig("mcu0"))
		require.Error(t, err)
		_, _, _, err = reg.Find("mcu0")
		require.ErrorIs(t, err, core.ErrEngineNotFound)
	})
}

func TestRegistryListing(t *testing.T) {
	ctx := context.Background()
	fakes := []*backendtest.Fake{backendtest.New(), backendtest.New()}
	reg := newTestRegistry(Options{Dialer: (&seqDialer{fakes: fakes}).dial})

	a, err := reg.Connect(ctx, testEngineConfig("mcu-a"))
	require.NoError(t, err)
	defer a.Stop()
	b, err := reg.Connect(ctx, testEngineConfig("mcu-b"))
	require.NoError(t, err)
	defer b.Stop()

	t.Run("list keeps registration order", func(t *testing.T) {
		infos := reg.ListAll()
		require.Len(t, infos, 2)
		assert.Equal(t, domain.EngineID("mcu-a"), infos[0].Name)
		assert.Equal(t, domain.EngineID("mcu-b"), infos[1].Name)
		assert.Equal(t, domain.EngineReady, infos[0].Status)
	})

	t.Run("first ready follows registration order", func(t *testing.T) {
		eng, err := reg.FirstReady()
		require.NoError(t, err)
		assert.Same(t, a, eng)
	})

	t.Run("stop removes the engine", func(t *testing.T) {
		require.NoError(t, reg.Stop("mcu-a"))
		_, _, _, err := reg.Find("mcu-a")
		require.ErrorIs(t, err, core.ErrEngineNotFound)

		eng, err := reg.FirstReady()
		require.NoError(t, err)
		assert.Same(t, b, eng)

		require.ErrorIs(t, reg.Stop("mcu-a"), core.ErrEngineNotFound)
	})
}

func TestEngineReconnect(t *testing.T) {
	ctx := context.Background()
	first, second := backendtest.New(), backendtest.New()
	reg := newTestRegistry(Options{
		Dialer:         (&seqDialer{fakes: []*backendtest.Fake{first, second}}).dial,
		ReconnectDelay: 20 * time.Millisecond,
	})

	eng, err := reg.Connect(ctx, testEngineConfig("mcu0"))
	require.NoError(t, err)
	defer eng.Stop()

	first.Kill()

	// The death is published before the retry succeeds, then a fresh
	// connection with its own session/handle pair comes up.
	require.Eventually(t, func() bool {
		status, _, _, err := reg.Find("mcu0")
		return err == nil && status == domain.EngineReady && len(second.CallsTo("attach")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, _, conn, err := reg.Find("mcu0")
	require.NoError(t, err)
	assert.Same(t, core.Backend(second), conn)
}

func TestGetConnectionWhileDown(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	reg := newTestRegistry(Options{Dialer: (&seqDialer{fakes: []*backendtest.Fake{fake}}).dial})

	eng, err := reg.Connect(ctx, testEngineConfig("mcu0"))
	require.NoError(t, err)
	defer eng.Stop()

	conn, err := eng.GetConnection()
	require.NoError(t, err)
	assert.Same(t, core.Backend(fake), conn)

	fake.Kill()
	require.Eventually(t, func() bool {
		_, err := eng.GetConnection()
		return errors.Is(err, core.ErrNoMediaserver)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngineKeepalive(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	reg := newTestRegistry(Options{
		Dialer:            (&seqDialer{fakes: []*backendtest.Fake{fake}}).dial,
		KeepaliveInterval: 10 * time.Millisecond,
	})

	eng, err := reg.Connect(ctx, testEngineConfig("mcu0"))
	require.NoError(t, err)
	defer eng.Stop()

	require.Eventually(t, func() bool {
		return len(fake.CallsTo("keepalive")) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func roomEngine(t *testing.T, msg func(body map[string]any) (*core.Reply, error), dir core.RoomDirectory) (*Engine, *backendtest.Fake) {
	t.Helper()
	fake := backendtest.New()
	fake.MessageFunc = func(session, handle uint64, body, jsep map[string]any) (*core.Reply, error) {
		return msg(body)
	}
	reg := newTestRegistry(Options{
		Dialer:        (&seqDialer{fakes: []*backendtest.Fake{fake}}).dial,
		RoomDirectory: dir,
	})
	eng, err := reg.Connect(context.Background(), testEngineConfig("mcu0"))
	require.NoError(t, err)
	t.Cleanup(eng.Stop)
	return eng, fake
}

func TestCreateRoom(t *testing.T) {
	t.Run("options land in the plugin request", func(t *testing.T) {
		eng, fake := roomEngine(t, func(body map[string]any) (*core.Reply, error) {
			return &core.Reply{Data: map[string]any{"videoroom": "created"}}, nil
		}, nil)

		id := domain.RoomID("demo")
		err := eng.CreateRoom(id, domain.RoomOptions{
			Description: "demo room",
			Bitrate:     512000,
			Publishers:  6,
			AudioCodec:  domain.AudioOpus,
			VideoCodec:  domain.VideoVP8,
		})
		require.NoError(t, err)

		msgs := fake.CallsTo("message")
		require.Len(t, msgs, 1)
		body := msgs[0].Body
		assert.Equal(t, "create", body["request"])
		assert.Equal(t, id.BackendID(), body["room"])
		assert.Equal(t, "demo room", body["description"])
		assert.Equal(t, 512000, body["bitrate"])
		assert.Equal(t, "opus", body["audiocodec"])
		assert.Equal(t, "vp8", body["videocodec"])
	})

	t.Run("duplicate room maps to the typed error", func(t *testing.T) {
		eng, _ := roomEngine(t, func(body map[string]any) (*core.Reply, error) {
			return &core.Reply{Data: map[string]any{"videoroom": "event", "error_code": float64(427)}}, nil
		}, nil)

		err := eng.CreateRoom("demo", domain.RoomOptions{})
		require.ErrorIs(t, err, core.ErrRoomAlreadyExists)
	})

	t.Run("unrecognized reply shape collapses to internal", func(t *testing.T) {
		eng, _ := roomEngine(t, func(body map[string]any) (*core.Reply, error) {
			return &core.Reply{Data: map[string]any{"videoroom": "event"}}, nil
		}, nil)

		err := eng.CreateRoom("demo", domain.RoomOptions{})
		require.ErrorIs(t, err, core.ErrInternal)
	})
}

func TestDestroyRoom(t *testing.T) {
	t.Run("unknown room maps to not found", func(t *testing.T) {
		eng, _ := roomEngine(t, func(body map[string]any) (*core.Reply, error) {
			return &core.Reply{Data: map[string]any{"videoroom": "event", "error_code": float64(426)}}, nil
		}, nil)

		err := eng.DestroyRoom("demo")
		require.ErrorIs(t, err, core.ErrRoomNotFound)
	})

	t.Run("destroy acknowledges", func(t *testing.T) {
		eng, fake := roomEngine(t, func(body map[string]any) (*core.Reply, error) {
			return &core.Reply{Data: map[string]any{"videoroom": "destroyed"}}, nil
		}, nil)

		require.NoError(t, eng.DestroyRoom("demo"))
		msgs := fake.CallsTo("message")
		require.Len(t, msgs, 1)
		assert.Equal(t, "destroy", msgs[0].Body["request"])
	})
}

func TestListRooms(t *testing.T) {
	known, orphan := uint64(100), uint64(200)
	listReply := func(body map[string]any) (*core.Reply, error) {
		switch body["request"] {
		case "list":
			return &core.Reply{Data: map[string]any{"list": []any{
				map[string]any{"room": float64(reservedRoomID), "description": "builtin demo"},
				map[string]any{"room": float64(known), "description": "known", "bitrate": float64(128000)},
				map[string]any{"room": float64(orphan), "description": "leftover"},
			}}}, nil
		case "destroy":
			return &core.Reply{Data: map[string]any{"videoroom": "destroyed"}}, nil
		}
		return &core.Reply{Data: map[string]any{}}, nil
	}

	t.Run("sentinel and orphans are excluded", func(t *testing.T) {
		eng, fake := roomEngine(t, listReply, dirFunc(func(id uint64) bool { return id == known }))

		rooms, err := eng.ListRooms()
		require.NoError(t, err)
		require.Len(t, rooms, 1)
		assert.Equal(t, "known", rooms[known].Description)
		assert.Equal(t, 128000, rooms[known].Bitrate)

		// The orphan gets destroyed out of band.
		require.Eventually(t, func() bool {
			for _, c := range fake.CallsTo("message") {
				if c.Body["request"] == "destroy" && c.Body["room"] == orphan {
					return true
				}
			}
			return false
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("no directory keeps every non-sentinel room", func(t *testing.T) {
		eng, _ := roomEngine(t, listReply, nil)

		rooms, err := eng.ListRooms()
		require.NoError(t, err)
		assert.Len(t, rooms, 2)
	})

	t.Run("missing list field is internal", func(t *testing.T) {
		eng, _ := roomEngine(t, func(body map[string]any) (*core.Reply, error) {
			return &core.Reply{Data: map[string]any{}}, nil
		}, nil)

		_, err := eng.ListRooms()
		require.ErrorIs(t, err, core.ErrInternal)
	})
}

func TestGetRoom(t *testing.T) {
	id := domain.RoomID("demo")
	eng, _ := roomEngine(t, func(body map[string]any) (*core.Reply, error) {
		return &core.Reply{Data: map[string]any{"list": []any{
			map[string]any{"room": float64(id.BackendID()), "description": "demo room"},
		}}}, nil
	}, nil)

	info, err := eng.GetRoom(id)
	require.NoError(t, err)
	assert.Equal(t, "demo room", info.Description)

	_, err = eng.GetRoom("other")
	require.ErrorIs(t, err, core.ErrRoomNotFound)
}
