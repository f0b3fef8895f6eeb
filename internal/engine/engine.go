package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mediabroker/internal/core"
	"mediabroker/internal/domain"
)

// roomPlugin is the backend plugin the engine's base handle attaches to
// for room-level calls.
const roomPlugin = "videoroom"

type reqKind int

const (
	reqGetConfig reqKind = iota
	reqGetConnection
	reqListRooms
	reqGetRoom
	reqCreateRoom
	reqDestroyRoom
	reqDestroyOrphan
)

type request struct {
	kind      reqKind
	roomID    domain.RoomID
	backendID uint64
	opts      domain.RoomOptions
	reply     chan response
}

type response struct {
	cfg   domain.EngineConfig
	conn  core.Backend
	rooms map[uint64]domain.RoomInfo
	room  *domain.RoomInfo
	err   error
}

// Engine supervises one backend instance: it owns the control
// connection, retries it on failure, and serves room-level operations.
// All state below the mailbox is touched only by the run goroutine.
type Engine struct {
	cfg      domain.EngineConfig
	reg      *Registry
	mailbox  chan request
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// actor-owned state
	conn    core.Backend
	session uint64
	handle  uint64
}

func newEngine(cfg domain.EngineConfig, reg *Registry) *Engine {
	return &Engine{
		cfg:     cfg,
		reg:     reg,
		mailbox: make(chan request),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Config returns the engine's static config (no actor round trip).
func (e *Engine) Config() domain.EngineConfig { return e.cfg }

func (e *Engine) run(started chan<- error) {
	defer close(e.stopped)

	e.reg.publish(e, domain.EngineConnecting, nil)
	if err := e.connectBackend(); err != nil {
		// Init failure is fatal; the caller owns the retry.
		log.Error().Err(err).Str("module", "engine").Str("engine", string(e.cfg.Name)).Msg("initial connect failed")
		e.reg.unregister(e)
		started <- err
		return
	}
	started <- nil

	keepalive := time.NewTicker(e.reg.opts.KeepaliveInterval)
	defer keepalive.Stop()

	var reconnect *time.Timer
	var reconnectC <-chan time.Time

	for {
		var connDown <-chan struct{}
		if e.conn != nil {
			connDown = e.conn.Done()
		}

		select {
		case req := <-e.mailbox:
			e.serve(req)

		case <-keepalive.C:
			// Liveness ping on the current connection, if any; a missed
			// keepalive is not an error and the ticker always refires.
			if e.conn != nil {
				if err := e.conn.Keepalive(context.Background(), e.session); err != nil {
					log.Warn().Err(err).Str("module", "engine").Str("engine", string(e.cfg.Name)).Msg("keepalive failed")
				}
			}

		case <-connDown:
			log.Warn().Str("module", "engine").Str("engine", string(e.cfg.Name)).Msg("backend connection down, reconnecting")
			e.conn = nil
			e.reg.publish(e, domain.EngineConnecting, nil)
			reconnect = time.NewTimer(e.reg.opts.ReconnectDelay)
			reconnectC = reconnect.C

		case <-reconnectC:
			reconnectC = nil
			if err := e.connectBackend(); err != nil {
				log.Warn().Err(err).Str("module", "engine").Str("engine", string(e.cfg.Name)).Msg("reconnect failed, retrying")
				reconnect = time.NewTimer(e.reg.opts.ReconnectDelay)
				reconnectC = reconnect.C
			}

		case <-e.quit:
			if reconnect != nil {
				reconnect.Stop()
			}
			if e.conn != nil {
				_ = e.conn.Close()
				e.conn = nil
			}
			e.reg.unregister(e)
			log.Info().Str("module", "engine").Str("engine", string(e.cfg.Name)).Msg("stopped")
			return
		}
	}
}

// connectBackend dials the backend, logs its identity, and opens the
// base session/handle pair room calls run on. Publishes ready on
// success.
func (e *Engine) connectBackend() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.reg.opts.CallTimeout)
	defer cancel()

	conn, err := e.reg.opts.Dialer(ctx, e.cfg)
	if err != nil {
		return err
	}
	info, err := conn.Info(ctx)
	if err != nil {
		_ = conn.Close()
		return err
	}
	log.Info().
		Str("module", "engine").
		Str("engine", string(e.cfg.Name)).
		Str("backend", info.Name).
		Str("version", info.Version).
		Strs("plugins", info.Plugins).
		Msg("backend ready")

	sess, err := conn.OpenSession(ctx)
	if err != nil {
		_ = conn.Close()
		return err
	}
	handle, err := conn.Attach(ctx, sess, roomPlugin)
	if err != nil {
		_ = conn.Close()
		return err
	}

	e.conn = conn
	e.session = sess
	e.handle = handle
	e.reg.publish(e, domain.EngineReady, conn)
	return nil
}

// ask routes one request through the mailbox, bounded by the registry
// call timeout so callers never block indefinitely.
func (e *Engine) ask(req request) (response, error) {
	req.reply = make(chan response, 1)
	timeout := time.NewTimer(e.reg.opts.CallTimeout)
	defer timeout.Stop()

	select {
	case e.mailbox <- req:
	case <-e.stopped:
		return response{}, core.ErrEngineNotFound
	case <-timeout.C:
		return response{}, core.ErrTimeout
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-e.stopped:
		return response{}, core.ErrEngineNotFound
	case <-timeout.C:
		return response{}, core.ErrTimeout
	}
}

func (e *Engine) serve(req request) {
	var resp response
	switch req.kind {
	case reqGetConfig:
		resp.cfg = e.cfg
	case reqGetConnection:
		if e.conn == nil {
			resp.err = core.ErrNoMediaserver
		} else {
			resp.conn = e.conn
		}
	case reqListRooms:
		resp.rooms, resp.err = e.listRooms()
	case reqGetRoom:
		resp.room, resp.err = e.getRoom(req.roomID)
	case reqCreateRoom:
		resp.err = e.createRoom(req.roomID, req.opts)
	case reqDestroyRoom:
		resp.err = e.destroyRoom(req.roomID.BackendID())
	case reqDestroyOrphan:
		resp.err = e.destroyRoom(req.backendID)
	}
	req.reply <- resp
}

// GetConfig returns the engine config via the actor.
func (e *Engine) GetConfig() (domain.EngineConfig, error) {
	resp, err := e.ask(request{kind: reqGetConfig})
	return resp.cfg, err
}

// GetConnection returns the live backend connection, or ErrNoMediaserver
// while the engine is reconnecting.
func (e *Engine) GetConnection() (core.Backend, error) {
	resp, err := e.ask(request{kind: reqGetConnection})
	return resp.conn, err
}

// ListRooms lists backend rooms keyed by backend room id, minus the
// reserved sentinel room and any orphan scheduled for destruction.
func (e *Engine) ListRooms() (map[uint64]domain.RoomInfo, error) {
	resp, err := e.ask(request{kind: reqListRooms})
	return resp.rooms, err
}

// GetRoom fetches one room's metadata.
func (e *Engine) GetRoom(id domain.RoomID) (*domain.RoomInfo, error) {
	resp, err := e.ask(request{kind: reqGetRoom, roomID: id})
	return resp.room, err
}

// CreateRoom creates a backend room from abstract options.
func (e *Engine) CreateRoom(id domain.RoomID, opts domain.RoomOptions) error {
	_, err := e.ask(request{kind: reqCreateRoom, roomID: id, opts: opts})
	return err
}

// DestroyRoom destroys a backend room.
func (e *Engine) DestroyRoom(id domain.RoomID) error {
	_, err := e.ask(request{kind: reqDestroyRoom, roomID: id})
	return err
}

// Stop terminates the engine actor and releases its connection.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.quit) })
	<-e.stopped
}
