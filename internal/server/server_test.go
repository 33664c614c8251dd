package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/threadloom/internal/config"
	enrichmock "github.com/MrWong99/threadloom/internal/enrich/mock"
	"github.com/MrWong99/threadloom/internal/stream"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0"},
		Chunking: config.ChunkingConfig{
			WindowWords:  10,
			OverlapWords: 2,
		},
		Enrichment: config.EnrichmentConfig{
			Concurrency:  2,
			MaxRetries:   0,
			RetryBackoff: time.Millisecond,
			CallTimeout:  5 * time.Second,
		},
		Session: config.SessionConfig{
			DrainTimeout:  5 * time.Second,
			OutboundQueue: 64,
			SampleRate:    16000,
		},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := New(testConfig(), Deps{Analyzer: enrichmock.NewAnalyzer()})
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestWebSocketSessionProtocol(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions?conversation_id=conv-ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	readEvent := func() stream.Event {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev stream.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		return ev
	}
	send := func(msg string) {
		t.Helper()
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if ev := readEvent(); ev.Type != stream.EventConnectionEstablished {
		t.Fatalf("first event = %s, want connection_established", ev.Type)
	}

	send(`{"type":"text","utterances":["one two three four five six seven eight nine ten eleven twelve"]}`)
	send(`{"type":"flush"}`)

	var seen []stream.EventType
	for {
		ev := readEvent()
		seen = append(seen, ev.Type)
		if ev.Type == stream.EventDone {
			break
		}
	}

	idx := func(typ stream.EventType) int {
		for i, s := range seen {
			if s == typ {
				return i
			}
		}
		return -1
	}
	if idx(stream.EventFinalTranscript) == -1 {
		t.Errorf("no final_transcript echo: %v", seen)
	}
	if idx(stream.EventFlushAck) == -1 {
		t.Errorf("no flush_ack: %v", seen)
	}
	if idx(stream.EventGraphDelta) == -1 {
		t.Errorf("no graph_delta: %v", seen)
	}
}

func TestWebSocketFlushWithoutInput(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"flush"}`)); err != nil {
		t.Fatal(err)
	}

	var seen []stream.EventType
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		var ev stream.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		seen = append(seen, ev.Type)
		if ev.Type == stream.EventDone {
			break
		}
	}

	want := []stream.EventType{
		stream.EventConnectionEstablished,
		stream.EventFlushAck,
		stream.EventDone,
	}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestBatchEndpointStreamsNDJSON(t *testing.T) {
	ts := newTestServer(t)

	body := `{"conversation_id":"conv-http","chunks":{"01":"first part","02":"second part"}}`
	resp, err := http.Post(ts.URL+"/v1/graphs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	var events []stream.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev stream.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			t.Fatalf("decode line %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	if len(events) != 3 {
		t.Fatalf("events = %d, want 2 deltas + done", len(events))
	}
	if events[0].Nodes[0].ChunkID != "01" || events[1].Nodes[0].ChunkID != "02" {
		t.Errorf("delta chunk order = %s, %s", events[0].Nodes[0].ChunkID, events[1].Nodes[0].ChunkID)
	}
	if events[2].Type != stream.EventDone {
		t.Errorf("terminal event = %s", events[2].Type)
	}
}

func TestBatchEndpointRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	for name, body := range map[string]string{
		"empty chunks":  `{"conversation_id":"x","chunks":{}}`,
		"not json":      `chunks please`,
		"unknown field": `{"chunks":{"a":"b"},"mystery":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/graphs", "application/json", strings.NewReader(body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
