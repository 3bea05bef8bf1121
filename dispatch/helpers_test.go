package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/dispatchkit/backend"
	"github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/events"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/stream"
	"github.com/vinayprograms/dispatchkit/tracker"
)

const waitTimeout = 5 * time.Second

// fakeSubmitter accepts every task unless err or panicMsg is set.
type fakeSubmitter struct {
	mu       sync.Mutex
	calls    []string
	err      error
	panicMsg string
	block    chan struct{}
}

func (f *fakeSubmitter) Submit(ctx context.Context, req backend.SubmitRequest) (backend.SubmitResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.TaskID)
	err, block, p := f.err, f.block, f.panicMsg
	f.mu.Unlock()

	if p != "" {
		panic(p)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return backend.SubmitResponse{}, errors.Canceled(req.TaskID)
		}
	}
	if err != nil {
		return backend.SubmitResponse{}, err
	}
	return backend.SubmitResponse{ExecutionID: "exec-" + req.TaskID}, nil
}

func (f *fakeSubmitter) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeConn is a push connection driven by the test.
type fakeConn struct {
	events  chan stream.Event
	errs    chan error
	closed  chan struct{}
	once    sync.Once
	onClose func()
}

func (c *fakeConn) Next(ctx context.Context) (stream.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, stream.ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

func (c *fakeConn) send(evs ...stream.Event) {
	for _, ev := range evs {
		c.events <- ev
	}
}

// fakeDialer hands out one fakeConn per execution and tracks how many
// are open at once.
type fakeDialer struct {
	mu        sync.Mutex
	conns     map[string]*fakeConn
	dialed    chan string
	active    int
	maxActive int
	dialErr   error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		conns:  make(map[string]*fakeConn),
		dialed: make(chan string, 100),
	}
}

func (d *fakeDialer) conn(executionID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[executionID]
	if !ok {
		c = &fakeConn{
			events: make(chan stream.Event, 100),
			errs:   make(chan error, 1),
			closed: make(chan struct{}),
		}
		c.onClose = func() {
			d.mu.Lock()
			d.active--
			d.mu.Unlock()
		}
		d.conns[executionID] = c
	}
	return c
}

func (d *fakeDialer) Dial(ctx context.Context, executionID string) (stream.Conn, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := d.conn(executionID)
	d.mu.Lock()
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	d.mu.Unlock()
	d.dialed <- executionID
	return c, nil
}

func (d *fakeDialer) peak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

// waitDial returns the next dialed execution ID.
func waitDial(t *testing.T, d *fakeDialer) string {
	t.Helper()
	select {
	case id := <-d.dialed:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a push connection")
		return ""
	}
}

func waitClosed(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for connection close")
	}
}

// complete drives a connection through a successful run.
func complete(c *fakeConn, output string) {
	c.send(
		stream.Status{State: tracker.StatusPending},
		stream.Status{State: tracker.StatusProcessing},
		stream.Chunk{Text: output},
		stream.Result{Output: output},
		stream.End{},
	)
}

type harness struct {
	d      *Dispatcher
	sub    *fakeSubmitter
	dialer *fakeDialer

	mu  sync.Mutex
	log []events.Event
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	var (
		mu sync.Mutex
		n  int
	)
	h := &harness{sub: &fakeSubmitter{}, dialer: newFakeDialer()}
	base := []Option{
		WithSubmitter(h.sub),
		WithDialer(h.dialer),
		WithLogger(logging.Discard()),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("task-%d", n)
		}),
	}
	d, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.d = d

	ch, stop := d.Subscribe(events.Filter{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			h.mu.Lock()
			h.log = append(h.log, ev)
			h.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		d.Close(ctx)
		stop()
		<-done
	})
	return h
}

// eventsFor returns the events recorded so far for taskID.
func (h *harness) eventsFor(taskID string) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, ev := range h.log {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor polls the recorded events for taskID until cond holds.
func (h *harness) waitFor(t *testing.T, taskID string, what string, cond func([]events.Event) bool) []events.Event {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		evs := h.eventsFor(taskID)
		if cond(evs) {
			return evs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %s (events: %+v)", taskID, what, evs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitTerminal waits for taskID's terminal transition and returns its events.
func (h *harness) waitTerminal(t *testing.T, taskID string) []events.Event {
	t.Helper()
	return h.waitFor(t, taskID, "terminal transition", func(evs []events.Event) bool {
		for _, ev := range evs {
			if ev.Kind == events.KindTransition && ev.Status.IsTerminal() {
				return true
			}
		}
		return false
	})
}

func testConfig(capacity int) Config {
	return Config{Capacity: capacity, Transport: "test"}
}

func (h *harness) dispatch(t *testing.T, input string) string {
	t.Helper()
	id, err := h.d.Dispatch(context.Background(), Request{
		AgentID:        "agent-a",
		InstanceID:     "inst-1",
		ConversationID: "conv-1",
		InputText:      input,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	return id
}

func transitions(evs []events.Event) []tracker.Status {
	var out []tracker.Status
	for _, ev := range evs {
		if ev.Kind == events.KindTransition {
			out = append(out, ev.Status)
		}
	}
	return out
}

func mustGet(t *testing.T, d *Dispatcher, id string) *tracker.Task {
	t.Helper()
	task, err := d.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return task
}
