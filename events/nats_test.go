package events

import (
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/tracker"
)

// natsConn connects to the test NATS server or skips the test.
func natsConn(t *testing.T) *nats.Conn {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	conn, err := Connect(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	t.Cleanup(conn.Close)
	return conn
}

// --- Integration Tests ---

func TestNATSRelay_ToListener(t *testing.T) {
	conn := natsConn(t)
	prefix := "dispatchtest." + time.Now().Format("150405.000000")
	prefix = subjectToken(prefix)

	updates := make(chan tracker.Update, 10)
	listener, err := NewNATSListener(conn, ListenerConfig{
		SubjectPrefix: prefix,
		Origin:        "other",
		Logger:        logging.Discard(),
	}, func(u tracker.Update) {
		updates <- u
	})
	if err != nil {
		t.Fatalf("NewNATSListener() error = %v", err)
	}
	defer listener.Close()
	conn.Flush()

	bus := NewBus()
	defer bus.Close()
	relay := NewNATSRelay(bus, conn, RelayConfig{SubjectPrefix: prefix, Origin: "me", Logger: logging.Discard()})

	bus.Publish(Event{Kind: KindTransition, TaskID: "t1", InstanceID: "i1", Status: tracker.StatusProcessing})
	bus.Publish(Event{Kind: KindChunk, TaskID: "t1", InstanceID: "i1", Chunk: "hello"})
	bus.Publish(Event{Kind: KindQueue, TaskID: "t2", InstanceID: "i1", QueuePosition: 1})

	want := []tracker.Update{
		{TaskID: "t1", InstanceID: "i1", Status: tracker.StatusProcessing},
		{TaskID: "t1", InstanceID: "i1", Chunk: "hello"},
	}
	for i, w := range want {
		select {
		case u := <-updates:
			u.Timestamp = time.Time{}
			if u != w {
				t.Errorf("update %d = %+v, want %+v", i, u, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for update %d", i)
		}
	}

	if err := relay.Close(); err != nil {
		t.Errorf("relay.Close() error = %v", err)
	}

	select {
	case u := <-updates:
		t.Errorf("unexpected update %+v", u)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNATSListener_SkipsOwnOrigin(t *testing.T) {
	conn := natsConn(t)
	prefix := subjectToken("dispatchtest.self." + time.Now().Format("150405.000000"))

	updates := make(chan tracker.Update, 10)
	listener, err := NewNATSListener(conn, ListenerConfig{
		SubjectPrefix: prefix,
		Origin:        "me",
		Logger:        logging.Discard(),
	}, func(u tracker.Update) {
		updates <- u
	})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	conn.Flush()

	bus := NewBus()
	defer bus.Close()
	relay := NewNATSRelay(bus, conn, RelayConfig{SubjectPrefix: prefix, Origin: "me", Logger: logging.Discard()})
	defer relay.Close()

	bus.Publish(Event{Kind: KindTransition, TaskID: "t1", InstanceID: "i1", Status: tracker.StatusProcessing})

	select {
	case u := <-updates:
		t.Errorf("listener delivered its own event: %+v", u)
	case <-time.After(300 * time.Millisecond):
	}
}
