package conversation

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Hit is one search result.
type Hit struct {
	Record
	Score float64
}

// SearchOptions narrows a search.
type SearchOptions struct {
	ConversationID string
	AgentID        string
	Role           Role
}

// Indexed wraps a Store and indexes every appended record for
// full-text search.
type Indexed struct {
	Store
	index bleve.Index
}

// indexDoc is the bleve document for a record.
type indexDoc struct {
	ConversationID string    `json:"conversation_id"`
	TaskID         string    `json:"task_id"`
	AgentID        string    `json:"agent_id"`
	InstanceID     string    `json:"instance_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewIndexed wraps store with a bleve index at path. An empty path keeps
// the index in memory. An existing index at path is reopened.
func NewIndexed(store Store, path string) (*Indexed, error) {
	var (
		index bleve.Index
		err   error
	)
	switch {
	case path == "":
		index, err = bleve.NewMemOnly(buildIndexMapping())
	default:
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			index, err = bleve.New(path, buildIndexMapping())
		} else {
			index, err = bleve.Open(path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}
	return &Indexed{Store: store, index: index}, nil
}

// buildIndexMapping creates the bleve index mapping.
func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("conversation_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("task_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("agent_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("instance_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("role", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("created_at", dateFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// Append stores the records, then indexes them.
func (s *Indexed) Append(ctx context.Context, conversationID string, records ...Record) error {
	prepared, err := prepare(conversationID, records)
	if err != nil {
		return err
	}
	if err := s.Store.Append(ctx, conversationID, prepared...); err != nil {
		return err
	}

	batch := s.index.NewBatch()
	for _, r := range prepared {
		if err := batch.Index(r.ID, indexDoc{
			ConversationID: r.ConversationID,
			TaskID:         r.TaskID,
			AgentID:        r.AgentID,
			InstanceID:     r.InstanceID,
			Role:           string(r.Role),
			Content:        r.Content,
			CreatedAt:      r.CreatedAt,
		}); err != nil {
			return fmt.Errorf("index record %s: %w", r.ID, err)
		}
	}
	if err := s.index.Batch(batch); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	return nil
}

// Search returns records whose content matches text, best match first.
func (s *Indexed) Search(ctx context.Context, text string, limit int, opts ...SearchOptions) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	musts := []query.Query{bleve.NewMatchQuery(text)}
	for _, o := range opts {
		musts = appendTerm(musts, "conversation_id", o.ConversationID)
		musts = appendTerm(musts, "agent_id", o.AgentID)
		musts = appendTerm(musts, "role", string(o.Role))
	}
	q := bleve.NewConjunctionQuery(musts...)

	searchReq := bleve.NewSearchRequest(q)
	searchReq.Size = limit
	searchReq.Fields = []string{"*"}

	result, err := s.index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hit := Hit{Score: h.Score}
		hit.ID = h.ID
		hit.ConversationID, _ = h.Fields["conversation_id"].(string)
		hit.TaskID, _ = h.Fields["task_id"].(string)
		hit.AgentID, _ = h.Fields["agent_id"].(string)
		hit.InstanceID, _ = h.Fields["instance_id"].(string)
		hit.Content, _ = h.Fields["content"].(string)
		if role, ok := h.Fields["role"].(string); ok {
			hit.Role = Role(role)
		}
		if ts, ok := h.Fields["created_at"].(string); ok {
			hit.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func appendTerm(qs []query.Query, field, value string) []query.Query {
	if value == "" {
		return qs
	}
	tq := bleve.NewTermQuery(value)
	tq.SetField(field)
	return append(qs, tq)
}

// DocCount returns the number of indexed records.
func (s *Indexed) DocCount() (uint64, error) {
	return s.index.DocCount()
}

// Close closes the index and the wrapped store.
func (s *Indexed) Close() error {
	idxErr := s.index.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return idxErr
}
