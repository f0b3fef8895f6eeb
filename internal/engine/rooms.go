package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"mediabroker/internal/backend"
	"mediabroker/internal/core"
	"mediabroker/internal/domain"
)

// Backend-specific error codes for the room plugin.
const (
	codeRoomExists  = 427
	codeRoomUnknown = 426
)

// reservedRoomID is the backend's built-in demo room; it never belongs
// to this system and is excluded from every listing.
const reservedRoomID uint64 = 1234

func (e *Engine) roomCall(body map[string]any) (map[string]any, error) {
	if e.conn == nil {
		return nil, core.ErrNoMediaserver
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.reg.opts.CallTimeout)
	defer cancel()
	reply, err := e.conn.Message(ctx, e.session, e.handle, body, nil)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// mapRoomError turns backend error codes into typed results. Anything
// unrecognized collapses to ErrInternal so callers never see raw
// backend payload shapes.
func mapRoomError(err error) error {
	if code, ok := backend.ErrorCode(err); ok {
		switch code {
		case codeRoomExists:
			return core.ErrRoomAlreadyExists
		case codeRoomUnknown:
			return core.ErrRoomNotFound
		}
	}
	return err
}

func roomErrorInData(data map[string]any) error {
	code, ok := data["error_code"].(float64)
	if !ok {
		return nil
	}
	switch int(code) {
	case codeRoomExists:
		return core.ErrRoomAlreadyExists
	case codeRoomUnknown:
		return core.ErrRoomNotFound
	}
	return core.ErrInternal
}

func (e *Engine) createRoom(id domain.RoomID, opts domain.RoomOptions) error {
	body := map[string]any{
		"request":   "create",
		"room":      id.BackendID(),
		"permanent": false,
	}
	if opts.Description != "" {
		body["description"] = opts.Description
	}
	if opts.Bitrate > 0 {
		body["bitrate"] = opts.Bitrate
	}
	if opts.Publishers > 0 {
		body["publishers"] = opts.Publishers
	}
	if opts.AudioCodec != "" {
		body["audiocodec"] = string(opts.AudioCodec)
	}
	if opts.VideoCodec != "" {
		body["videocodec"] = string(opts.VideoCodec)
	}

	data, err := e.roomCall(body)
	if err != nil {
		return mapRoomError(err)
	}
	if err := roomErrorInData(data); err != nil {
		return err
	}
	if data["videoroom"] != "created" {
		return core.ErrInternal
	}
	log.Info().Str("module", "engine.rooms").Str("engine", string(e.cfg.Name)).
		Str("room", string(id)).Uint64("backend_id", id.BackendID()).Msg("room created")
	return nil
}

func (e *Engine) destroyRoom(backendID uint64) error {
	data, err := e.roomCall(map[string]any{"request": "destroy", "room": backendID})
	if err != nil {
		return mapRoomError(err)
	}
	if err := roomErrorInData(data); err != nil {
		return err
	}
	if data["videoroom"] != "destroyed" {
		return core.ErrInternal
	}
	log.Info().Str("module", "engine.rooms").Str("engine", string(e.cfg.Name)).
		Uint64("backend_id", backendID).Msg("room destroyed")
	return nil
}

// listRooms fetches the backend room list, drops the reserved sentinel,
// and cross-checks the rest against the room directory. Orphans are
// scheduled for destruction asynchronously and excluded from the
// result.
func (e *Engine) listRooms() (map[uint64]domain.RoomInfo, error) {
	data, err := e.roomCall(map[string]any{"request": "list"})
	if err != nil {
		return nil, mapRoomError(err)
	}
	rawList, ok := data["list"].([]any)
	if !ok {
		return nil, core.ErrInternal
	}

	rooms := make(map[uint64]domain.RoomInfo)
	for _, raw := range rawList {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		idF, ok := item["room"].(float64)
		if !ok {
			continue
		}
		id := uint64(idF)
		if id == reservedRoomID {
			continue
		}
		if e.reg.opts.RoomDirectory != nil && !e.reg.opts.RoomDirectory.RoomExists(id) {
			log.Info().Str("module", "engine.rooms").Str("engine", string(e.cfg.Name)).
				Uint64("backend_id", id).Msg("orphan room, scheduling destroy")
			e.scheduleOrphanDestroy(id)
			continue
		}
		info := domain.RoomInfo{BackendID: id}
		info.Description, _ = item["description"].(string)
		if v, ok := item["bitrate"].(float64); ok {
			info.Bitrate = int(v)
		}
		if v, ok := item["publishers"].(float64); ok {
			info.Publishers = int(v)
		}
		info.AudioCodec, _ = item["audiocodec"].(string)
		info.VideoCodec, _ = item["videocodec"].(string)
		rooms[id] = info
	}
	return rooms, nil
}

// scheduleOrphanDestroy routes the destroy through the mailbox from a
// separate goroutine so the listing pass is never blocked by it.
func (e *Engine) scheduleOrphanDestroy(backendID uint64) {
	go func() {
		if _, err := e.ask(request{kind: reqDestroyOrphan, backendID: backendID}); err != nil {
			log.Warn().Err(err).Str("module", "engine.rooms").
				Uint64("backend_id", backendID).Msg("orphan destroy failed")
		}
	}()
}

func (e *Engine) getRoom(id domain.RoomID) (*domain.RoomInfo, error) {
	rooms, err := e.listRooms()
	if err != nil {
		return nil, err
	}
	info, ok := rooms[id.BackendID()]
	if !ok {
		return nil, core.ErrRoomNotFound
	}
	return &info, nil
}
