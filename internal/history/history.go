package history

import (
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/deepsearch/config"
)

// Document is a finalized report indexed for full-text history search.
type Document struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Prompt    string    `json:"prompt"`
	Report    string    `json:"report"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is a single search result.
type Hit struct {
	MessageID string  `json:"message_id"`
	SessionID string  `json:"session_id"`
	Prompt    string  `json:"prompt"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}

// Index holds a bleve index over finalized reports so users can search
// past research turns by keyword. All document fields are stored in
// the index itself, so a persisted index keeps resolving hits after a
// restart.
type Index struct {
	bleve bleve.Index
}

// Open loads or creates the index. An empty IndexPath yields an
// in-memory index that does not survive restarts.
func Open(cfg config.HistoryConfig) (*Index, error) {
	var idx bleve.Index
	var err error
	if cfg.IndexPath == "" {
		idx, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	} else if _, statErr := os.Stat(cfg.IndexPath); statErr == nil {
		idx, err = bleve.Open(cfg.IndexPath)
	} else {
		idx, err = bleve.New(cfg.IndexPath, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open history index: %w", err)
	}
	return &Index{bleve: idx}, nil
}

func (ix *Index) Close() error {
	return ix.bleve.Close()
}

// Add indexes a finalized report. Re-indexing the same message ID
// replaces the previous document.
func (ix *Index) Add(doc Document) error {
	if doc.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	return ix.bleve.Index(doc.MessageID, doc)
}

// Delete removes a report from the index, typically when its session
// is deleted.
func (ix *Index) Delete(messageID string) error {
	return ix.bleve.Delete(messageID)
}

// Search runs a query-string search scoped to one user and returns at
// most k hits ranked by score. Scoping reads the stored user_id field
// of each hit, not process state.
func (ix *Index) Search(userID, q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}

	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	searchReq.Fields = []string{"user_id", "session_id", "prompt", "report"}
	res, err := ix.bleve.Search(searchReq)
	if err != nil {
		return nil, err
	}

	var out []Hit
	for _, hit := range res.Hits {
		if field(hit.Fields, "user_id") != userID {
			continue
		}
		out = append(out, Hit{
			MessageID: hit.ID,
			SessionID: field(hit.Fields, "session_id"),
			Prompt:    field(hit.Fields, "prompt"),
			Snippet:   snippet(field(hit.Fields, "report")),
			Score:     hit.Score,
			Rank:      len(out) + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func field(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "…"
}
