package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/toolconn/bus"
	"github.com/petal-labs/toolconn/connection"
	"github.com/petal-labs/toolconn/sse"
)

type staticSource map[string]connection.ToolConnection

func (s staticSource) ConnectionStatus(id string) connection.ToolConnection {
	if conn, ok := s[id]; ok {
		return conn
	}
	return connection.ToolConnection{ID: id, Status: connection.StatusDisconnected}
}

func (s staticSource) Connections() []connection.ToolConnection {
	out := make([]connection.ToolConnection, 0, len(s))
	for _, id := range []string{"a", "b"} {
		if conn, ok := s[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// sseMessage represents a parsed SSE message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// readMessage reads lines until a blank line ends a message. Comment lines
// are returned as a message with Event "comment".
func readMessage(t *testing.T, r *bufio.Reader) sseMessage {
	t.Helper()
	var msg sseMessage
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if msg != (sseMessage{}) {
				return msg
			}
		case strings.HasPrefix(line, ": "):
			return sseMessage{Event: "comment", Data: strings.TrimPrefix(line, ": ")}
		case strings.HasPrefix(line, "id: "):
			msg.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			msg.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			msg.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, handler http.Handler, path string) (*bufio.Reader, func()) {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("GET /api/tools/events", handler)
	mux.Handle("GET /api/tools/{id}/events", handler)
	ts := httptest.NewServer(mux)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type text/event-stream, got %s", ct)
	}

	return bufio.NewReader(resp.Body), func() {
		cancel()
		_ = resp.Body.Close()
		ts.Close()
	}
}

func TestHandler_ToolSnapshotThenLive(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	source := staticSource{"a": {ID: "a", Status: connection.StatusError, RetryCount: 3}}
	reader, done := openStream(t, sse.NewHandler(eb, source), "/api/tools/a/events")
	defer done()

	snapshot := readMessage(t, reader)
	if snapshot.ID != "1" || snapshot.Event != sse.EventSnapshot {
		t.Fatalf("first message = %+v, want snapshot id 1", snapshot)
	}
	var conn connection.ToolConnection
	if err := json.Unmarshal([]byte(snapshot.Data), &conn); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if conn.ID != "a" || conn.Status != connection.StatusError || conn.RetryCount != 3 {
		t.Fatalf("snapshot = %+v", conn)
	}

	eb.Publish(connection.StatusChange{ToolID: "b", Status: connection.StatusConnected})
	eb.Publish(connection.StatusChange{
		ToolID:         "a",
		Status:         connection.StatusConnecting,
		PreviousStatus: connection.StatusError,
	})

	live := readMessage(t, reader)
	if live.ID != "2" || live.Event != sse.EventStatus {
		t.Fatalf("live message = %+v, want status id 2", live)
	}
	var change connection.StatusChange
	if err := json.Unmarshal([]byte(live.Data), &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.ToolID != "a" || change.Status != connection.StatusConnecting || change.PreviousStatus != connection.StatusError {
		t.Fatalf("change = %+v", change)
	}
}

func TestHandler_AllToolsStreamEndsWhenBusCloses(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})

	source := staticSource{
		"a": {ID: "a", Status: connection.StatusConnected},
		"b": {ID: "b", Status: connection.StatusRetrying, RetryCount: 1},
	}
	reader, done := openStream(t, sse.NewHandler(eb, source), "/api/tools/events")
	defer done()

	for _, want := range []string{"a", "b"} {
		msg := readMessage(t, reader)
		if msg.Event != sse.EventSnapshot || !strings.Contains(msg.Data, `"id":"`+want+`"`) {
			t.Fatalf("snapshot = %+v, want tool %s", msg, want)
		}
	}

	eb.Publish(connection.StatusChange{ToolID: "b", Status: connection.StatusConnected})
	msg := readMessage(t, reader)
	if msg.ID != "3" || !strings.Contains(msg.Data, `"toolId":"b"`) {
		t.Fatalf("live message = %+v", msg)
	}

	_ = eb.Close()
	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if strings.Contains(string(rest), "event:") {
		t.Fatalf("unexpected events after close: %q", rest)
	}
}

func TestHandler_Heartbeat(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	handler := sse.NewHandler(eb, nil).WithHeartbeat(20 * time.Millisecond)
	reader, done := openStream(t, handler, "/api/tools/a/events")
	defer done()

	msg := readMessage(t, reader)
	if msg.Event != "comment" || msg.Data != "ping" {
		t.Fatalf("first message = %+v, want heartbeat", msg)
	}
}
