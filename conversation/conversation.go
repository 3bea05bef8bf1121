package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("conversation store closed")

	// ErrInvalidRecord indicates a record is missing required fields.
	ErrInvalidRecord = errors.New("invalid conversation record")
)

// Role identifies who authored a record.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Record is one transcript entry.
type Record struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	TaskID         string    `json:"taskId"`
	AgentID        string    `json:"agentId,omitempty"`
	InstanceID     string    `json:"instanceId,omitempty"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	DurationMs     int64     `json:"durationMs,omitempty"`
}

// Store appends and lists transcript records.
type Store interface {
	// Append adds records to the end of a conversation. Records whose ID
	// is already present are skipped.
	Append(ctx context.Context, conversationID string, records ...Record) error

	// List returns a conversation's records in append order.
	List(ctx context.Context, conversationID string) ([]Record, error)

	// Close releases resources.
	Close() error
}

// Exchange describes a completed task for transcript purposes.
type Exchange struct {
	ConversationID string
	TaskID         string
	AgentID        string
	InstanceID     string
	Input          string
	Result         string
	CompletedAt    time.Time
	DurationMs     int64
}

// Records returns the user and agent records for the exchange.
func (e Exchange) Records() []Record {
	return []Record{
		{
			ID:             e.TaskID + ":user",
			ConversationID: e.ConversationID,
			TaskID:         e.TaskID,
			AgentID:        e.AgentID,
			InstanceID:     e.InstanceID,
			Role:           RoleUser,
			Content:        e.Input,
			CreatedAt:      e.CompletedAt,
		},
		{
			ID:             e.TaskID + ":agent",
			ConversationID: e.ConversationID,
			TaskID:         e.TaskID,
			AgentID:        e.AgentID,
			InstanceID:     e.InstanceID,
			Role:           RoleAgent,
			Content:        e.Result,
			CreatedAt:      e.CompletedAt,
			DurationMs:     e.DurationMs,
		},
	}
}

// prepare validates records and stamps the conversation ID.
func prepare(conversationID string, records []Record) ([]Record, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id required", ErrInvalidRecord)
	}
	out := make([]Record, len(records))
	for i, r := range records {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: record id required", ErrInvalidRecord)
		}
		if r.Role != RoleUser && r.Role != RoleAgent {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRecord, r.Role)
		}
		r.ConversationID = conversationID
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		out[i] = r
	}
	return out, nil
}

// merge appends records not already present in existing.
func merge(existing, records []Record) ([]Record, bool) {
	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.ID] = struct{}{}
	}
	changed := false
	for _, r := range records {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		existing = append(existing, r)
		changed = true
	}
	return existing, changed
}
