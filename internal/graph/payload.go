package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Clients hand over previously built graphs in several shapes: node lists
// grouped per chunk, flat node lists with chunk tags, or either of those
// inside a wrapper object. Payload is the tagged union of those shapes;
// Normalize is the single place shape differences are resolved, so nothing
// downstream ever branches on payload form.

// ErrUnknownPayloadShape is returned when a payload matches none of the
// accepted shapes.
var ErrUnknownPayloadShape = errors.New("graph: unknown payload shape")

// Payload is a client-supplied graph in one of the accepted wire shapes.
// Exactly one field is set.
type Payload struct {
	// Chunked groups nodes per chunk, in chunk order.
	Chunked [][]Node

	// Flat lists nodes in one sequence; each node carries its chunk tag.
	Flat []Node

	// Edges optionally accompanies Flat in the wrapper form.
	Edges []Edge

	// Wrapped is a payload nested inside a wrapper object.
	Wrapped *Payload
}

// ParsePayload detects the shape of raw JSON and builds the matching
// Payload variant. Wrapper objects may nest.
func ParsePayload(data []byte) (*Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrUnknownPayloadShape
	}

	switch trimmed[0] {
	case '[':
		// Nested arrays are the chunked form, object elements the flat form.
		var probe []json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, fmt.Errorf("graph: parse payload: %w", err)
		}
		if len(probe) == 0 {
			return &Payload{Flat: []Node{}}, nil
		}
		first := bytes.TrimSpace(probe[0])
		if len(first) > 0 && first[0] == '[' {
			var chunked [][]Node
			if err := json.Unmarshal(trimmed, &chunked); err != nil {
				return nil, fmt.Errorf("graph: parse chunked payload: %w", err)
			}
			return &Payload{Chunked: chunked}, nil
		}
		var flat []Node
		if err := json.Unmarshal(trimmed, &flat); err != nil {
			return nil, fmt.Errorf("graph: parse flat payload: %w", err)
		}
		return &Payload{Flat: flat}, nil

	case '{':
		var wrapper struct {
			Graph json.RawMessage `json:"graph"`
			Nodes []Node          `json:"nodes"`
			Edges []Edge          `json:"edges"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("graph: parse payload wrapper: %w", err)
		}
		if wrapper.Graph != nil {
			inner, err := ParsePayload(wrapper.Graph)
			if err != nil {
				return nil, err
			}
			return &Payload{Wrapped: inner}, nil
		}
		if wrapper.Nodes != nil {
			return &Payload{Flat: wrapper.Nodes, Edges: wrapper.Edges}, nil
		}
		return nil, ErrUnknownPayloadShape
	}
	return nil, ErrUnknownPayloadShape
}

// Normalize resolves the payload into the canonical Graph: nodes sorted by
// chunk ordinal (stable within a chunk), duplicate node ids rejected.
func (p *Payload) Normalize() (Graph, error) {
	switch {
	case p.Wrapped != nil:
		return p.Wrapped.Normalize()

	case p.Chunked != nil:
		var nodes []Node
		for ordinal, group := range p.Chunked {
			for _, n := range group {
				// Chunked groups are positional; the group index is
				// authoritative over whatever ordinal the node carries.
				n.Ordinal = ordinal
				nodes = append(nodes, n)
			}
		}
		return buildGraph(nodes, nil)

	case p.Flat != nil:
		nodes := make([]Node, len(p.Flat))
		copy(nodes, p.Flat)
		sort.SliceStable(nodes, func(i, j int) bool {
			return nodes[i].Ordinal < nodes[j].Ordinal
		})
		return buildGraph(nodes, p.Edges)
	}
	return Graph{}, ErrUnknownPayloadShape
}

func buildGraph(nodes []Node, edges []Edge) (Graph, error) {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return Graph{}, errors.New("graph: payload node without id")
		}
		if seen[n.ID] {
			return Graph{}, fmt.Errorf("graph: duplicate node id %q in payload", n.ID)
		}
		seen[n.ID] = true
	}
	return Graph{Nodes: nodes, Edges: edges}, nil
}
