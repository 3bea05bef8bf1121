package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// maxAppendAttempts bounds optimistic-concurrency retries in Append.
const maxAppendAttempts = 5

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// TTL expires idle conversations (0 = keep forever).
	TTL time.Duration

	// MaxValueSize is the maximum size of one conversation in bytes.
	// Default: 1MB
	MaxValueSize int32

	// Timeout bounds each KV operation. Default: 5s.
	Timeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "conversations",
		MaxValueSize: 1024 * 1024,
		Timeout:      5 * time.Second,
	}
}

// NATSStore keeps each conversation as a JSON array under one JetStream
// KV key. Concurrent appends are serialized with revision checks.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NewNATSStore creates the bucket if needed and returns a store.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      1,
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{kv: kv, config: cfg}, nil
}

// Append adds records to a conversation.
func (s *NATSStore) Append(ctx context.Context, conversationID string, records ...Record) error {
	prepared, err := prepare(conversationID, records)
	if err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	key := Key(conversationID)
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		lastErr = s.appendOnce(opCtx, key, prepared)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("kv append %s: %w", conversationID, lastErr)
}

func (s *NATSStore) appendOnce(ctx context.Context, key string, records []Record) error {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		merged, _ := merge(nil, records)
		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = s.kv.Create(ctx, key, data)
		return err
	}
	if err != nil {
		return fmt.Errorf("kv get: %w", err)
	}

	var existing []Record
	if err := json.Unmarshal(entry.Value(), &existing); err != nil {
		return fmt.Errorf("decode conversation: %w", err)
	}
	merged, changed := merge(existing, records)
	if !changed {
		return nil
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	_, err = s.kv.Update(ctx, key, data, entry.Revision())
	return err
}

// List returns a conversation's records.
func (s *NATSStore) List(ctx context.Context, conversationID string) ([]Record, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id required", ErrInvalidRecord)
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	entry, err := s.kv.Get(ctx, Key(conversationID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(entry.Value(), &records); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return records, nil
}

// Close marks the store closed. The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Key returns the KV key for a conversation. IDs made only of KV-safe
// characters are used as is; others are base64url encoded.
func Key(conversationID string) string {
	for _, r := range conversationID {
		if !keySafe(r) {
			return "b64." + base64.RawURLEncoding.EncodeToString([]byte(conversationID))
		}
	}
	return "c." + conversationID
}

func keySafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '=':
		return true
	}
	return false
}
