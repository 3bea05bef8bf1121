package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/tracker"
)

// DefaultSubjectPrefix is the subject root for relayed events.
const DefaultSubjectPrefix = "dispatch.events"

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "dispatchkit",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Connect opens a NATS connection.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Subject returns the NATS subject for an event:
// <prefix>.<instanceId>.<taskId>.
func Subject(prefix string, ev Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + subjectToken(ev.InstanceID) + "." + subjectToken(ev.TaskID)
}

// subjectToken makes s safe for use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// RelayConfig configures a NATSRelay.
type RelayConfig struct {
	// SubjectPrefix is the subject root. Default: DefaultSubjectPrefix.
	SubjectPrefix string

	// Origin is stamped on every relayed event so listeners in the same
	// process can skip their own events.
	Origin string

	Logger *logging.Logger
}

// NATSRelay republishes every bus event on NATS.
type NATSRelay struct {
	conn   *nats.Conn
	bus    *Bus
	sub    *Subscription
	cfg    RelayConfig
	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewNATSRelay subscribes to bus and starts relaying.
func NewNATSRelay(bus *Bus, conn *nats.Conn, cfg RelayConfig) *NATSRelay {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	r := &NATSRelay{
		conn:   conn,
		bus:    bus,
		sub:    bus.Subscribe(),
		cfg:    cfg,
		logger: logger.WithComponent("events.relay"),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *NATSRelay) run() {
	defer r.wg.Done()
	for ev := range r.sub.Events() {
		if ev.Origin == "" {
			ev.Origin = r.cfg.Origin
		}
		data, err := json.Marshal(ev)
		if err != nil {
			r.logger.Error("encode event", map[string]interface{}{"task": ev.TaskID, "error": err.Error()})
			continue
		}
		if err := r.conn.Publish(Subject(r.cfg.SubjectPrefix, ev), data); err != nil {
			r.logger.Warn("relay publish failed", map[string]interface{}{"task": ev.TaskID, "error": err.Error()})
		}
	}
}

// Close stops relaying and flushes pending publishes.
func (r *NATSRelay) Close() error {
	r.bus.Unsubscribe(r.sub)
	r.wg.Wait()
	if r.conn.IsClosed() {
		return nil
	}
	return r.conn.Flush()
}

// ListenerConfig configures a NATSListener.
type ListenerConfig struct {
	// SubjectPrefix is the subject root. Default: DefaultSubjectPrefix.
	SubjectPrefix string

	// InstanceID limits the listener to one agent instance. Empty means all.
	InstanceID string

	// Origin is this coordinator's origin; events carrying it are skipped.
	Origin string

	Logger *logging.Logger
}

// NATSListener decodes relayed events into tracker updates.
type NATSListener struct {
	sub    *nats.Subscription
	logger *logging.Logger
}

// NewNATSListener subscribes to relayed events and passes each decoded
// update to handle. Handle runs on the NATS delivery goroutine, which
// preserves per-subject order.
func NewNATSListener(conn *nats.Conn, cfg ListenerConfig, handle func(tracker.Update)) (*NATSListener, error) {
	if conn.IsClosed() {
		return nil, ErrClosed
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	l := &NATSListener{logger: logger.WithComponent("events.listener")}

	instance := "*"
	if cfg.InstanceID != "" {
		instance = subjectToken(cfg.InstanceID)
	}
	subject := cfg.SubjectPrefix + "." + instance + ".*"

	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			l.logger.Warn("decode relayed event", map[string]interface{}{"subject": m.Subject, "error": err.Error()})
			return
		}
		if cfg.Origin != "" && ev.Origin == cfg.Origin {
			return
		}
		if u, ok := ev.Update(); ok {
			handle(u)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	l.sub = sub
	return l, nil
}

// Close unsubscribes the listener.
func (l *NATSListener) Close() error {
	return l.sub.Unsubscribe()
}
