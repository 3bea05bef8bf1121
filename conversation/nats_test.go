package conversation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func natsConn(t *testing.T) *nats.Conn {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	conn, err := nats.Connect(url, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	t.Cleanup(conn.Close)
	return conn
}

// --- Integration Tests ---

func TestNATSStore_AppendList(t *testing.T) {
	conn := natsConn(t)
	cfg := DefaultNATSStoreConfig()
	cfg.Conn = conn
	cfg.Bucket = "dispatchtest_conversations"

	s, err := NewNATSStore(cfg)
	if err != nil {
		t.Skipf("skipping: JetStream not available: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	convID := "conv." + time.Now().Format("150405.000000")

	recs := Exchange{TaskID: "t1", Input: "q", Result: "a"}.Records()
	if err := s.Append(ctx, convID, recs...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append(ctx, convID, recs...); err != nil {
		t.Fatalf("second Append() error = %v", err)
	}

	got, err := s.List(ctx, convID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(got))
	}
	if got[0].ID != "t1:user" || got[1].ID != "t1:agent" {
		t.Errorf("records = %+v", got)
	}

	empty, err := s.List(ctx, convID+"-missing")
	if err != nil {
		t.Fatalf("List(missing) error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len(missing) = %d, want 0", len(empty))
	}
}
