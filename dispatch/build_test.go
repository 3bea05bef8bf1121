package dispatch

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/dispatchkit/config"
	"github.com/vinayprograms/dispatchkit/conversation"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/tracker"
	"github.com/vinayprograms/dispatchkit/worker"
)

func waitDone(t *testing.T, d *Dispatcher, taskID string) *tracker.Task {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		task, err := d.Get(taskID)
		if err == nil && task.IsTerminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", taskID)
	return nil
}

// --- Unit Tests ---

func TestBuild_Defaults(t *testing.T) {
	cfg := config.Default()
	cfg.Conversation.Index = true

	s, err := Build(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer s.Close(context.Background())

	if _, ok := s.Store.(*conversation.Indexed); !ok {
		t.Errorf("Store = %T, want *conversation.Indexed", s.Store)
	}
	if got := s.Dispatcher.Stats().Capacity; got != cfg.Coordinator.Capacity {
		t.Errorf("Capacity = %d, want %d", got, cfg.Coordinator.Capacity)
	}
	if s.Origin == "" {
		t.Error("Origin should be set")
	}
}

func TestBuild_NATSStoreWithoutConnection(t *testing.T) {
	cfg := config.Default()
	cfg.Conversation.Store = config.StoreNATS

	if _, err := Build(context.Background(), cfg, logging.Discard()); err == nil || !strings.Contains(err.Error(), "NATS") {
		t.Errorf("Build() error = %v, want NATS connection error", err)
	}
}

// --- Integration Tests ---

func TestBuild_EndToEnd(t *testing.T) {
	for _, transport := range []string{config.TransportSSE, config.TransportWebSocket} {
		t.Run(transport, func(t *testing.T) {
			srv := worker.NewServer(worker.Config{Default: worker.Echo(time.Millisecond)})
			hs := httptest.NewServer(srv.Handler())
			defer hs.Close()
			defer srv.Close(context.Background())

			cfg := config.Default()
			cfg.Backend.BaseURL = hs.URL
			cfg.Backend.StreamTransport = transport
			cfg.Coordinator.Capacity = 2
			cfg.Conversation.Index = true

			s, err := Build(context.Background(), cfg, logging.Discard())
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			defer s.Close(context.Background())

			var ids []string
			for _, input := range []string{"first task here", "second task", "third"} {
				id, err := s.Dispatcher.Dispatch(context.Background(), Request{
					AgentID:        "agent-a",
					InstanceID:     "inst-1",
					ConversationID: "conv-e2e",
					InputText:      input,
				})
				if err != nil {
					t.Fatalf("Dispatch() error = %v", err)
				}
				ids = append(ids, id)
			}

			for i, want := range []string{"first task here", "second task", "third"} {
				task := waitDone(t, s.Dispatcher, ids[i])
				if task.Status != tracker.StatusCompleted {
					t.Fatalf("task %d status = %s (%s: %s)", i, task.Status, task.ErrorKind, task.Error)
				}
				if task.Result != want {
					t.Errorf("task %d result = %q, want %q", i, task.Result, want)
				}
				if task.Output != want {
					t.Errorf("task %d output = %q, want %q", i, task.Output, want)
				}
				if task.ExecutionID == "" {
					t.Errorf("task %d has no execution id", i)
				}
			}

			ctx := context.Background()
			deadline := time.Now().Add(waitTimeout)
			var records []conversation.Record
			for time.Now().Before(deadline) {
				records, err = s.Store.List(ctx, "conv-e2e")
				if err != nil {
					t.Fatalf("List() error = %v", err)
				}
				if len(records) == 6 {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			if len(records) != 6 {
				t.Fatalf("records = %d, want 6", len(records))
			}

			hits, err := s.Store.(*conversation.Indexed).Search(ctx, "second", 10)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(hits) == 0 {
				t.Error("Search() found no records for \"second\"")
			}

			if st := s.Dispatcher.Stats(); st.Occupied != 0 || st.Waiting != 0 {
				t.Errorf("Stats = %+v, want no occupied or waiting slots", st)
			}
		})
	}
}
