package domain

import "hash/fnv"

type RoomID string

// BackendID maps the application-chosen room id to the numeric id the
// backend requires. Stable across restarts, top bit cleared so the value
// survives backends that treat room ids as signed integers.
func (r RoomID) BackendID() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(r))
	return h.Sum64() &^ (1 << 63)
}

type AudioCodec string

const (
	AudioOpus AudioCodec = "opus"
	AudioISAC AudioCodec = "isac32"
	AudioPCMU AudioCodec = "pcmu"
	AudioPCMA AudioCodec = "pcma"
)

type VideoCodec string

const (
	VideoVP8  VideoCodec = "vp8"
	VideoVP9  VideoCodec = "vp9"
	VideoH264 VideoCodec = "h264"
)

// RoomOptions are the abstract creation options; the engine translates
// them into the backend request.
type RoomOptions struct {
	AudioCodec  AudioCodec `json:"audio_codec,omitempty"`
	VideoCodec  VideoCodec `json:"video_codec,omitempty"`
	Description string     `json:"description,omitempty"`
	Bitrate     int        `json:"bitrate,omitempty"`
	Publishers  int        `json:"publishers,omitempty"`
}

// RoomInfo is the per-room metadata returned by a room listing.
type RoomInfo struct {
	BackendID   uint64 `json:"backend_id"`
	Description string `json:"description,omitempty"`
	Bitrate     int    `json:"bitrate,omitempty"`
	Publishers  int    `json:"publishers,omitempty"`
	AudioCodec  string `json:"audio_codec,omitempty"`
	VideoCodec  string `json:"video_codec,omitempty"`
}
