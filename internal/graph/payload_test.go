package graph

import (
	"errors"
	"testing"
)

func TestParsePayloadChunkedShape(t *testing.T) {
	t.Parallel()
	raw := `[
		[{"id":"a:0","label":"intro","kind":"ordinary","chunk_id":"a"}],
		[{"id":"b:0","label":"body","kind":"ordinary","chunk_id":"b"},
		 {"id":"b:1","label":"aside","kind":"ordinary","chunk_id":"b"}]
	]`

	p, err := ParsePayload([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Chunked == nil {
		t.Fatal("nested arrays not detected as chunked shape")
	}
	g, err := p.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if g.NodeCount() != 3 {
		t.Fatalf("nodes = %d", g.NodeCount())
	}
	// Group index overrides carried ordinals.
	want := []int{0, 1, 1}
	for i, n := range g.Nodes {
		if n.Ordinal != want[i] {
			t.Errorf("node %d ordinal = %d, want %d", i, n.Ordinal, want[i])
		}
	}
}

func TestParsePayloadFlatShapeSortsByOrdinal(t *testing.T) {
	t.Parallel()
	raw := `[
		{"id":"b:0","label":"later","kind":"ordinary","chunk_id":"b","ordinal":1},
		{"id":"a:0","label":"earlier","kind":"ordinary","chunk_id":"a","ordinal":0}
	]`

	p, err := ParsePayload([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g, err := p.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if g.Nodes[0].ID != "a:0" || g.Nodes[1].ID != "b:0" {
		t.Errorf("node order = %s, %s", g.Nodes[0].ID, g.Nodes[1].ID)
	}
}

func TestParsePayloadWrappedShapes(t *testing.T) {
	t.Parallel()
	// Double wrapper around a flat list, plus a graph-object wrapper with
	// edges. Both normalize to the same canonical form as the bare shapes.
	t.Run("nested graph wrapper", func(t *testing.T) {
		raw := `{"graph":{"graph":[{"id":"a:0","label":"x","kind":"ordinary","chunk_id":"a"}]}}`
		p, err := ParsePayload([]byte(raw))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		g, err := p.Normalize()
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if g.NodeCount() != 1 || g.Nodes[0].ID != "a:0" {
			t.Errorf("graph = %+v", g)
		}
	})
	t.Run("nodes and edges object", func(t *testing.T) {
		raw := `{"nodes":[{"id":"a:0","label":"x","kind":"ordinary","chunk_id":"a"}],
			"edges":[{"source_id":"a:0","target_id":"a:0","kind":"contextual"}]}`
		p, err := ParsePayload([]byte(raw))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		g, err := p.Normalize()
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if len(g.Edges) != 1 {
			t.Errorf("edges = %d", len(g.Edges))
		}
	})
}

func TestParsePayloadRejectsUnknownShape(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{``, `42`, `"text"`, `{"unrelated":true}`} {
		if _, err := ParsePayload([]byte(raw)); !errors.Is(err, ErrUnknownPayloadShape) {
			t.Errorf("ParsePayload(%q) error = %v, want ErrUnknownPayloadShape", raw, err)
		}
	}
}

func TestNormalizeRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	p := &Payload{Flat: []Node{
		{ID: "a:0", ChunkID: "a"},
		{ID: "a:0", ChunkID: "a"},
	}}
	if _, err := p.Normalize(); err == nil {
		t.Error("duplicate node ids accepted")
	}
}
