package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/dispatchkit/backend"
	"github.com/vinayprograms/dispatchkit/config"
	"github.com/vinayprograms/dispatchkit/conversation"
	"github.com/vinayprograms/dispatchkit/events"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/shutdown"
	"github.com/vinayprograms/dispatchkit/stream"
	"github.com/vinayprograms/dispatchkit/taskid"
	"github.com/vinayprograms/dispatchkit/telemetry"
	"github.com/vinayprograms/dispatchkit/tracker"
)

// Stack is a Dispatcher together with the collaborators Build created.
type Stack struct {
	Dispatcher *Dispatcher
	Bus        *events.Bus
	Store      conversation.Store

	// Origin identifies this coordinator on the NATS relay.
	Origin string

	logger   *logging.Logger
	conn     *nats.Conn
	relay    *events.NATSRelay
	listener *events.NATSListener
	provider *telemetry.Provider
}

// Build assembles a Dispatcher from configuration: backend client, push
// dialer, conversation store, optional NATS relay and listener, and
// optional trace export. Extra options are applied last.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (_ *Stack, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.New()
	}
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	s := &Stack{
		Bus:    events.NewBus(),
		Origin: taskid.New(),
		logger: logger.WithComponent("dispatch.build"),
	}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Endpoint != "" {
		s.provider, err = telemetry.InitProvider(ctx, telemetry.FromConfig(cfg, s.Origin))
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		tracer = s.provider.Tracer()
	}

	if cfg.Events.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.Events.NATSURL
		s.conn, err = events.Connect(natsCfg)
		if err != nil {
			return nil, err
		}
		s.relay = events.NewNATSRelay(s.Bus, s.conn, events.RelayConfig{
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Origin:        s.Origin,
			Logger:        logger,
		})
	}

	s.Store, err = buildStore(cfg.Conversation, s.conn)
	if err != nil {
		return nil, err
	}

	submitter := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.RequestTimeout.Duration,
	})

	var dialer stream.Dialer
	switch cfg.Backend.StreamTransport {
	case config.TransportWebSocket:
		dialer = &stream.WebSocketDialer{BaseURL: cfg.Backend.BaseURL}
	default:
		dialer = &stream.SSEDialer{BaseURL: cfg.Backend.BaseURL}
	}

	base := []Option{
		WithSubmitter(submitter),
		WithDialer(dialer),
		WithStore(s.Store),
		WithBus(s.Bus),
		WithLogger(logger.WithComponent("dispatch")),
		WithTracer(tracer),
	}
	s.Dispatcher, err = New(Config{
		Capacity:          cfg.Coordinator.Capacity,
		InactivityTimeout: cfg.Coordinator.InactivityTimeout.Duration,
		Retention:         cfg.Coordinator.Retention.Duration,
		Transport:         cfg.Backend.StreamTransport,
	}, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	if cfg.Events.Listen {
		d := s.Dispatcher
		s.listener, err = events.NewNATSListener(s.conn, events.ListenerConfig{
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Origin:        s.Origin,
			Logger:        logger,
		}, func(u tracker.Update) {
			if err := d.Ingest(u); err != nil {
				s.logger.Debug("ingest skipped", map[string]interface{}{"task": u.TaskID, "error": err.Error()})
			}
		})
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("dispatcher ready", map[string]interface{}{
		"capacity":  s.Dispatcher.Stats().Capacity,
		"transport": cfg.Backend.StreamTransport,
		"store":     cfg.Conversation.Store,
		"relay":     s.relay != nil,
	})
	return s, nil
}

func buildStore(cfg config.ConversationConfig, conn *nats.Conn) (conversation.Store, error) {
	var store conversation.Store
	switch cfg.Store {
	case config.StoreNATS:
		if conn == nil {
			return nil, fmt.Errorf("conversation store %q requires a NATS connection", cfg.Store)
		}
		storeCfg := conversation.DefaultNATSStoreConfig()
		storeCfg.Conn = conn
		storeCfg.Bucket = cfg.Bucket
		ns, err := conversation.NewNATSStore(storeCfg)
		if err != nil {
			return nil, err
		}
		store = ns
	default:
		store = conversation.NewMemoryStore()
	}

	if cfg.Index {
		indexed, err := conversation.NewIndexed(store, "")
		if err != nil {
			store.Close()
			return nil, err
		}
		return indexed, nil
	}
	return store, nil
}

// Close shuts down the dispatcher and everything Build created: intake
// first, storage and trace export last.
func (s *Stack) Close(ctx context.Context) error {
	seq := shutdown.New(shutdown.Config{
		ContinueOnError: true,
		OnStep: func(r shutdown.StepResult) {
			if r.Err != nil {
				s.logger.Warn("shutdown step failed", map[string]interface{}{
					"step":  r.Name,
					"error": r.Err.Error(),
				})
			}
		},
	})

	if s.listener != nil {
		seq.Add(shutdown.PhaseIntake, "listener", shutdown.Close(s.listener.Close))
	}
	if s.Dispatcher != nil {
		seq.Add(shutdown.PhaseDispatch, "dispatcher", s.Dispatcher.Close)
	}
	// The bus drains into the relay, so they close in sequence.
	seq.Add(shutdown.PhaseTransport, "events", func(context.Context) error {
		var err error
		if s.Bus != nil {
			err = s.Bus.Close()
		}
		if s.relay != nil {
			err = errors.Join(err, s.relay.Close())
		}
		return err
	})
	if s.Store != nil {
		seq.Add(shutdown.PhaseStorage, "conversation", shutdown.Close(s.Store.Close))
	}
	if s.conn != nil {
		seq.Add(shutdown.PhaseNetwork, "nats", func(context.Context) error {
			s.conn.Close()
			return nil
		})
	}
	if s.provider != nil {
		seq.Add(shutdown.PhaseTelemetry, "telemetry", s.provider.Shutdown)
	}
	return seq.Run(ctx)
}
