// Package backendtest provides an in-memory core.Backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"mediabroker/internal/core"
)

// Call records one RPC issued against the fake.
type Call struct {
	Verb    string
	Object  core.ObjectID
	Op      string
	Params  map[string]any
	Session uint64
	Handle  uint64
	Body    map[string]any
	Jsep    map[string]any
}

// Fake implements core.Backend. Zero value is not usable; call New.
// Behavior is programmable per verb; unprogrammed verbs succeed with
// generated ids and empty payloads.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	nextObj int
	nextID  uint64

	events chan core.Event
	done   chan struct{}
	closed bool

	InfoReply   *core.ServerInfo
	CreateFunc  func(objType string, params map[string]any) (core.ObjectID, error)
	InvokeFunc  func(obj core.ObjectID, op string, params map[string]any) (map[string]any, error)
	MessageFunc func(session, handle uint64, body, jsep map[string]any) (*core.Reply, error)
	ReleaseFunc func(obj core.ObjectID) error
}

func New() *Fake {
	return &Fake{
		events:    make(chan core.Event, 64),
		done:      make(chan struct{}),
		InfoReply: &core.ServerInfo{Name: "fake", Version: "0.0.0", Plugins: []string{"videoroom"}},
	}
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

// Calls returns a snapshot of every recorded RPC.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo filters the recorded RPCs by verb.
func (f *Fake) CallsTo(verb string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Verb == verb {
			out = append(out, c)
		}
	}
	return out
}

// Emit delivers an asynchronous event as if the backend sent it.
func (f *Fake) Emit(ev core.Event) { f.events <- ev }

// Kill simulates connection death: Done() closes, like a dropped socket.
func (f *Fake) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
}

func (f *Fake) Info(ctx context.Context) (*core.ServerInfo, error) {
	f.record(Call{Verb: "info"})
	return f.InfoReply, nil
}

func (f *Fake) OpenSession(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	f.record(Call{Verb: "create_session"})
	return id, nil
}

func (f *Fake) Attach(ctx context.Context, session uint64, plugin string) (uint64, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	f.record(Call{Verb: "attach", Session: session, Params: map[string]any{"plugin": plugin}})
	return id, nil
}

func (f *Fake) Message(ctx context.Context, session, handle uint64, body, jsep map[string]any) (*core.Reply, error) {
	f.record(Call{Verb: "message", Session: session, Handle: handle, Body: body, Jsep: jsep})
	if f.MessageFunc != nil {
		return f.MessageFunc(session, handle, body, jsep)
	}
	return &core.Reply{Data: map[string]any{}}, nil
}

func (f *Fake) Keepalive(ctx context.Context, session uint64) error {
	f.record(Call{Verb: "keepalive", Session: session})
	return nil
}

func (f *Fake) Create(ctx context.Context, objType string, params map[string]any) (core.ObjectID, error) {
	f.record(Call{Verb: "create", Op: objType, Params: params})
	if f.CreateFunc != nil {
		return f.CreateFunc(objType, params)
	}
	f.mu.Lock()
	f.nextObj++
	obj := core.ObjectID(fmt.Sprintf("obj-%d", f.nextObj))
	f.mu.Unlock()
	return obj, nil
}

func (f *Fake) Invoke(ctx context.Context, obj core.ObjectID, op string, params map[string]any) (map[string]any, error) {
	f.record(Call{Verb: "invoke", Object: obj, Op: op, Params: params})
	if f.InvokeFunc != nil {
		return f.InvokeFunc(obj, op, params)
	}
	return map[string]any{}, nil
}

func (f *Fake) Subscribe(ctx context.Context, obj core.ObjectID, eventType string) (string, error) {
	f.record(Call{Verb: "subscribe", Object: obj, Op: eventType})
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	return fmt.Sprintf("sub-%d", id), nil
}

func (f *Fake) Release(ctx context.Context, obj core.ObjectID) error {
	f.record(Call{Verb: "release", Object: obj})
	if f.ReleaseFunc != nil {
		return f.ReleaseFunc(obj)
	}
	return nil
}

func (f *Fake) Events() <-chan core.Event { return f.events }

func (f *Fake) Done() <-chan struct{} { return f.done }

func (f *Fake) Close() error {
	f.Kill()
	return nil
}
