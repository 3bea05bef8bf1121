package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func nextEvent(t *testing.T, conn Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := conn.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	return ev
}

// --- SSE ---

func TestSSEDialer_ReadsEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/executions/e1/events" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: connected\ndata: {\"executionId\":\"e1\"}\n\n")
		fmt.Fprint(w, "event: chunk\ndata: {\"text\":\"one\"}\n\n")
		fmt.Fprint(w, "event: mystery\ndata: {}\n\n")
		fmt.Fprint(w, "event: result\ndata: {\"output\":\"one\",\n")
		fmt.Fprint(w, "data: \"durationMs\":5}\n\n")
		fmt.Fprint(w, "event: end\ndata: {}\n\n")
	}))
	defer server.Close()

	d := &SSEDialer{BaseURL: server.URL + "/"}
	conn, err := d.Dial(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if ev := nextEvent(t, conn); ev != (Connected{ExecutionID: "e1"}) {
		t.Errorf("event 1 = %#v", ev)
	}
	if ev := nextEvent(t, conn); ev != (Chunk{Text: "one"}) {
		t.Errorf("event 2 = %#v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Next(ctx); !IsDecodeError(err) {
		t.Errorf("unknown event error = %v, want decode error", err)
	}

	if ev := nextEvent(t, conn); ev != (Result{Output: "one", DurationMs: 5}) {
		t.Errorf("multi-line data event = %#v", ev)
	}
	if ev := nextEvent(t, conn); ev != (End{}) {
		t.Errorf("event 5 = %#v", ev)
	}
}

func TestSSEDialer_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "execution not found", http.StatusNotFound)
	}))
	defer server.Close()

	d := &SSEDialer{BaseURL: server.URL}
	_, err := d.Dial(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Dial() error = %v, want status 404", err)
	}
}

func TestSSEDialer_CloseUnblocksNext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	conn, err := (&SSEDialer{BaseURL: server.URL}).Dial(context.Background(), "e1")
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Next() after Close returned nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock Next")
	}
}

func TestSSEDialer_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	conn, err := (&SSEDialer{BaseURL: server.URL}).Dial(context.Background(), "e1")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Next(ctx); err != context.DeadlineExceeded {
		t.Errorf("Next() error = %v, want DeadlineExceeded", err)
	}
}

func TestURLs(t *testing.T) {
	if got := EventsURL("http://h:1/", "a b"); got != "http://h:1/v1/executions/a%20b/events" {
		t.Errorf("EventsURL() = %q", got)
	}
	tests := map[string]string{
		"http://h:1": "ws://h:1/v1/executions/e/ws",
		"https://h/": "wss://h/v1/executions/e/ws",
		"ws://h:2":   "ws://h:2/v1/executions/e/ws",
	}
	for base, want := range tests {
		if got := WebSocketURL(base, "e"); got != want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", base, got, want)
		}
	}
}

// --- WebSocket ---

func TestWebSocketDialer_ReadsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/executions/e1/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ev := range []Event{Status{State: "processing"}, Chunk{Text: "x"}, Result{Output: "x"}, End{}} {
			f, _ := NewFrame(ev)
			data, _ := json.Marshal(f)
			conn.WriteMessage(websocket.TextMessage, data)
		}
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.ReadMessage()
	}))
	defer server.Close()

	conn, err := (&WebSocketDialer{BaseURL: server.URL}).Dial(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	want := []Event{Status{State: "processing"}, Chunk{Text: "x"}, Result{Output: "x"}, End{}}
	for i, w := range want {
		if ev := nextEvent(t, conn); ev != w {
			t.Errorf("event %d = %#v, want %#v", i, ev, w)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Next(ctx); !IsDecodeError(err) {
		t.Errorf("bad frame error = %v, want decode error", err)
	}
}

func TestWebSocketDialer_HandshakeFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	if _, err := (&WebSocketDialer{BaseURL: server.URL}).Dial(context.Background(), "e1"); err == nil {
		t.Error("Dial() error = nil, want handshake failure")
	}
}
