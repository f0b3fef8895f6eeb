package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"mediabroker/internal/core"
	"mediabroker/internal/domain"
)

// Edge is one directed connection in the backend's endpoint graph:
// source's media of Type flows into sink.
type Edge struct {
	Source core.ObjectID
	Sink   core.ObjectID
	Type   domain.MediaType
}

func parseEdges(res map[string]any) []Edge {
	raw, ok := res["connections"].([]any)
	if !ok {
		return nil
	}
	var edges []Edge
	for _, r := range raw {
		item, ok := r.(map[string]any)
		if !ok {
			continue
		}
		src, _ := item["source"].(string)
		snk, _ := item["sink"].(string)
		mt, _ := item["mediaType"].(string)
		if src == "" || snk == "" {
			continue
		}
		edges = append(edges, Edge{
			Source: core.ObjectID(src),
			Sink:   core.ObjectID(snk),
			Type:   domain.MediaType(mt),
		})
	}
	return edges
}

// Sources lists the incoming edges of the session endpoint.
func (o Ops) Sources(ctx context.Context, st *State) ([]Edge, error) {
	res, err := o.Backend.Invoke(ctx, st.Endpoint, "getSourceConnections", nil)
	if err != nil {
		return nil, err
	}
	return parseEdges(res), nil
}

// Sinks lists the outgoing edges of the session endpoint.
func (o Ops) Sinks(ctx context.Context, st *State) ([]Edge, error) {
	res, err := o.Backend.Invoke(ctx, st.Endpoint, "getSinkConnections", nil)
	if err != nil {
		return nil, err
	}
	return parseEdges(res), nil
}

func (o Ops) connectEdge(ctx context.Context, src, snk core.ObjectID, t domain.MediaType) error {
	params := map[string]any{"sink": string(snk)}
	if t != "" {
		params["mediaType"] = string(t)
	}
	_, err := o.Backend.Invoke(ctx, src, "connect", params)
	return err
}

func (o Ops) disconnectEdge(ctx context.Context, src, snk core.ObjectID, t domain.MediaType) error {
	params := map[string]any{"sink": string(snk)}
	if t != "" {
		params["mediaType"] = string(t)
	}
	_, err := o.Backend.Invoke(ctx, src, "disconnect", params)
	return err
}

// Connect wires peer's media into the session endpoint for exactly the
// requested types: the full set collapses into one bulk connect, a
// partial set connects each requested type and explicitly disconnects
// each type left out, so a previously-connected lane that is not
// re-requested is torn down. Each per-type call is independent; a
// failed edge is logged and the rest of the batch proceeds.
func (o Ops) Connect(ctx context.Context, st *State, peer core.ObjectID, types domain.MediaTypeSet) error {
	if types.IsFull() {
		if err := o.connectEdge(ctx, peer, st.Endpoint, ""); err != nil {
			return fmt.Errorf("bulk connect: %w", err)
		}
		return nil
	}
	for _, t := range domain.AllMediaTypes() {
		if types[t] {
			if err := o.connectEdge(ctx, peer, st.Endpoint, t); err != nil {
				log.Warn().Err(err).Str("module", "pipeline").
					Str("type", string(t)).Msg("connect edge failed, continuing")
			}
		}
	}
	for _, t := range types.Complement() {
		if err := o.disconnectEdge(ctx, peer, st.Endpoint, t); err != nil {
			log.Warn().Err(err).Str("module", "pipeline").
				Str("type", string(t)).Msg("disconnect edge failed, continuing")
		}
	}
	return nil
}

// ConnectLoopback connects the endpoint to itself, realizing echo
// semantics.
func (o Ops) ConnectLoopback(ctx context.Context, st *State) error {
	return o.Connect(ctx, st, st.Endpoint, domain.NewMediaTypeSet(domain.AllMediaTypes()...))
}

// UpdateMedia applies tri-state per-type flags against every currently
// connected peer in both directions: true connects the lane to/from
// each existing source and sink peer, false disconnects it from each,
// nil leaves the lane untouched. A lane toggled false is dropped from
// every peer even if only transiently; no compensating re-add happens
// later.
func (o Ops) UpdateMedia(ctx context.Context, st *State, flags domain.MediaFlags) error {
	sources, err := o.Sources(ctx, st)
	if err != nil {
		return fmt.Errorf("update media: %w", err)
	}
	sinks, err := o.Sinks(ctx, st)
	if err != nil {
		return fmt.Errorf("update media: %w", err)
	}

	srcPeers := peerSet(sources, func(e Edge) core.ObjectID { return e.Source })
	snkPeers := peerSet(sinks, func(e Edge) core.ObjectID { return e.Sink })

	for _, t := range domain.AllMediaTypes() {
		flag := flags.Flag(t)
		if flag == nil {
			continue
		}
		for _, peer := range srcPeers {
			o.applyEdge(ctx, peer, st.Endpoint, t, *flag)
		}
		for _, peer := range snkPeers {
			o.applyEdge(ctx, st.Endpoint, peer, t, *flag)
		}
	}
	return nil
}

func (o Ops) applyEdge(ctx context.Context, src, snk core.ObjectID, t domain.MediaType, connect bool) {
	var err error
	if connect {
		err = o.connectEdge(ctx, src, snk, t)
	} else {
		err = o.disconnectEdge(ctx, src, snk, t)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "pipeline").
			Str("type", string(t)).Bool("connect", connect).Msg("edge edit failed, continuing")
	}
}

// peerSet extracts distinct peers from an edge list, preserving first
// appearance order.
func peerSet(edges []Edge, pick func(Edge) core.ObjectID) []core.ObjectID {
	seen := make(map[core.ObjectID]bool)
	var out []core.ObjectID
	for _, e := range edges {
		p := pick(e)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
