package core

import "mediabroker/internal/domain"

// EventKind is the fixed taxonomy asynchronous backend events are
// classified into. Only the first four kinds affect actor state.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCandidate
	EventCandidatesDone
	EventEndOfStream
	EventError
	EventStateChange
)

func (k EventKind) String() string {
	switch k {
	case EventCandidate:
		return "candidate"
	case EventCandidatesDone:
		return "candidates_done"
	case EventEndOfStream:
		return "end_of_stream"
	case EventError:
		return "error"
	case EventStateChange:
		return "state_change"
	}
	return "unknown"
}

// Event is one asynchronous delivery from the backend, already
// classified by the transport.
type Event struct {
	Kind      EventKind
	Object    ObjectID
	Type      string
	Candidate *domain.Candidate
	Reason    string
	Data      map[string]any
}

// ClassifyEvent maps a raw backend event payload onto the taxonomy.
// Unrecognized shapes come back as EventUnknown; callers log and drop
// them, never crash.
func ClassifyEvent(object ObjectID, evType string, data map[string]any) Event {
	ev := Event{Object: object, Type: evType, Data: data}
	switch evType {
	case "OnIceCandidate", "IceCandidateFound":
		ev.Kind = EventCandidate
		cand, ok := data["candidate"].(map[string]any)
		if !ok {
			ev.Kind = EventUnknown
			return ev
		}
		c := &domain.Candidate{}
		c.Candidate, _ = cand["candidate"].(string)
		c.SDPMid, _ = cand["sdpMid"].(string)
		if idx, ok := cand["sdpMLineIndex"].(float64); ok {
			c.SDPMLineIndex = uint16(idx)
		}
		ev.Candidate = c
	case "OnIceGatheringDone", "IceGatheringDone":
		ev.Kind = EventCandidatesDone
	case "EndOfStream":
		ev.Kind = EventEndOfStream
	case "Error":
		ev.Kind = EventError
		ev.Reason, _ = data["description"].(string)
		if ev.Reason == "" {
			ev.Reason, _ = data["error"].(string)
		}
	case "MediaStateChanged", "ConnectionStateChanged", "MediaFlowInStateChange",
		"MediaFlowOutStateChange", "NewCandidatePairSelected":
		ev.Kind = EventStateChange
	default:
		ev.Kind = EventUnknown
	}
	return ev
}
