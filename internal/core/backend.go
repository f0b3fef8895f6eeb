package core

import "context"

// ObjectID is an opaque handle to one backend-side media object
// (endpoint, recorder, player, pipeline).
type ObjectID string

// ServerInfo is what the backend reports about itself right after a
// connection is established.
type ServerInfo struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Plugins []string `json:"plugins"`
}

// Reply is the payload of a plugin-level message round trip. Jsep, when
// present, carries an SDP offer or answer produced by the backend.
type Reply struct {
	Data map[string]any
	Jsep map[string]any
}

// Backend is a single connection to one backend engine process. One
// connection is exclusively owned by its engine or session actor; there
// is no pooling.
//
// All calls are synchronous request/response: they block the issuing
// goroutine until a reply arrives, ctx is done, or the call timeout
// expires (ErrTimeout). Asynchronous backend events arrive on Events();
// Done() closes when the connection dies for any reason and is the
// monitor surface owners watch.
type Backend interface {
	// Info fetches the backend's vendor/version/plugin report.
	Info(ctx context.Context) (*ServerInfo, error)

	// OpenSession opens a backend control session; its id scopes
	// Attach/Message/Keepalive calls.
	OpenSession(ctx context.Context) (uint64, error)
	// Attach binds a plugin handle to a session.
	Attach(ctx context.Context, session uint64, plugin string) (uint64, error)
	// Message performs a plugin request on a (session, handle) pair.
	Message(ctx context.Context, session, handle uint64, body, jsep map[string]any) (*Reply, error)
	// Keepalive pings a session so the backend keeps it alive.
	Keepalive(ctx context.Context, session uint64) error

	// Create instantiates a backend media object and returns its handle.
	Create(ctx context.Context, objType string, params map[string]any) (ObjectID, error)
	// Invoke performs an operation on an existing object.
	Invoke(ctx context.Context, obj ObjectID, op string, params map[string]any) (map[string]any, error)
	// Subscribe asks the backend to deliver events of one type for obj.
	Subscribe(ctx context.Context, obj ObjectID, eventType string) (string, error)
	// Release destroys a backend object and everything scoped under it.
	Release(ctx context.Context, obj ObjectID) error

	Events() <-chan Event
	Done() <-chan struct{}
	Close() error
}

// RoomDirectory is the higher-level room-existence predicate consulted
// during a room-listing pass; backend rooms it does not know about are
// orphans and get destroyed opportunistically.
type RoomDirectory interface {
	RoomExists(backendID uint64) bool
}
