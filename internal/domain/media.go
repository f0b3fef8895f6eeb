package domain

// MediaType selects one lane of a connection between two endpoints.
type MediaType string

const (
	MediaAudio MediaType = "AUDIO"
	MediaVideo MediaType = "VIDEO"
	MediaData  MediaType = "DATA"
)

// AllMediaTypes returns the full lane set in canonical order.
func AllMediaTypes() []MediaType {
	return []MediaType{MediaAudio, MediaVideo, MediaData}
}

// MediaTypeSet is a small value set over the three lanes.
type MediaTypeSet map[MediaType]bool

func NewMediaTypeSet(types ...MediaType) MediaTypeSet {
	s := make(MediaTypeSet, len(types))
	for _, t := range types {
		s[t] = true
	}
	return s
}

// IsFull reports whether the set covers every media type, which lets a
// connect collapse into a single bulk backend call.
func (s MediaTypeSet) IsFull() bool {
	return s[MediaAudio] && s[MediaVideo] && s[MediaData]
}

// Complement returns the types NOT in the set, in canonical order.
func (s MediaTypeSet) Complement() []MediaType {
	var out []MediaType
	for _, t := range AllMediaTypes() {
		if !s[t] {
			out = append(out, t)
		}
	}
	return out
}

// OperationClass names the media operation a session runs.
type OperationClass string

const (
	OpEcho    OperationClass = "echo"
	OpProxy   OperationClass = "proxy"
	OpPublish OperationClass = "publish"
	OpListen  OperationClass = "listen"
	OpPlay    OperationClass = "play"
)

// Candidate is the trickled ICE candidate wire shape.
type Candidate struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// MediaFlags carries the tri-state per-type switches of an updateMedia
// request: true connects, false disconnects, nil leaves the lane alone.
type MediaFlags struct {
	Audio *bool `json:"audio,omitempty"`
	Video *bool `json:"video,omitempty"`
	Data  *bool `json:"data,omitempty"`
}

// Flag returns the switch for one media type.
func (f MediaFlags) Flag(t MediaType) *bool {
	switch t {
	case MediaAudio:
		return f.Audio
	case MediaVideo:
		return f.Video
	case MediaData:
		return f.Data
	}
	return nil
}
