package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
)

// SaveSources upserts the batch for the message, de-duplicated per
// (step id, url): a second save of the same pair overwrites the mutable
// fields instead of inserting a new row. A failing item is logged and
// skipped so one poisoned source never blocks the rest of the batch.
func (s *Store) SaveSources(ctx context.Context, messageID, userID string, inputs []SourceInput, stepID string) (int, []Source, error) {
	owner, err := s.messageOwner(ctx, messageID)
	if err != nil {
		return 0, nil, err
	}
	if owner != userID {
		return 0, nil, ErrUnauthorized
	}

	var saved []Source
	for _, in := range inputs {
		if strings.TrimSpace(in.URL) == "" {
			continue
		}
		name := in.Name
		if name == "" {
			name = "Untitled"
		}
		images, err := json.Marshal(in.Images)
		if err != nil {
			images = []byte("[]")
		}
		var published sql.NullTime
		if in.PublishedAt != nil && !in.PublishedAt.IsZero() {
			published = sql.NullTime{Time: in.PublishedAt.UTC(), Valid: true}
		}

		var row *sql.Row
		if stepID != "" {
			row = s.DB.QueryRowContext(ctx, `
INSERT INTO sources (message_id, step_id, name, url, favicon, content, images, published_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (step_id, url) WHERE step_id IS NOT NULL DO UPDATE SET
  name         = EXCLUDED.name,
  favicon      = EXCLUDED.favicon,
  content      = EXCLUDED.content,
  images       = EXCLUDED.images,
  published_at = EXCLUDED.published_at,
  updated_at   = NOW()
RETURNING id, message_id, step_id, name, url, favicon, content, images, published_at, created_at, updated_at
`, messageID, stepID, name, in.URL, in.Favicon, in.Content, images, published)
		} else {
			row = s.DB.QueryRowContext(ctx, `
INSERT INTO sources (message_id, name, url, favicon, content, images, published_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id, message_id, step_id, name, url, favicon, content, images, published_at, created_at, updated_at
`, messageID, name, in.URL, in.Favicon, in.Content, images, published)
		}

		src, err := scanSource(row)
		if err != nil {
			s.logf("saving source %s failed: %v", in.URL, err)
			continue
		}
		saved = append(saved, src)
	}
	return len(saved), saved, nil
}

// ListSourcesByMessage returns all sources discovered for the message.
func (s *Store) ListSourcesByMessage(ctx context.Context, messageID string) ([]Source, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, message_id, step_id, name, url, favicon, content, images, published_at, created_at, updated_at
FROM sources WHERE message_id=$1
ORDER BY created_at ASC
`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		src, err := scanSourceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func scanSource(row *sql.Row) (Source, error) {
	var src Source
	var stepID sql.NullString
	var published sql.NullTime
	var images []byte
	err := row.Scan(&src.ID, &src.MessageID, &stepID, &src.Name, &src.URL, &src.Favicon, &src.Content, &images, &published, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return Source{}, err
	}
	fillSource(&src, stepID, published, images)
	return src, nil
}

func scanSourceRows(rows *sql.Rows) (Source, error) {
	var src Source
	var stepID sql.NullString
	var published sql.NullTime
	var images []byte
	err := rows.Scan(&src.ID, &src.MessageID, &stepID, &src.Name, &src.URL, &src.Favicon, &src.Content, &images, &published, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return Source{}, err
	}
	fillSource(&src, stepID, published, images)
	return src, nil
}

func fillSource(src *Source, stepID sql.NullString, published sql.NullTime, images []byte) {
	if stepID.Valid {
		src.StepID = stepID.String
	}
	if published.Valid {
		ts := published.Time
		src.PublishedAt = &ts
	}
	if len(images) > 0 {
		_ = json.Unmarshal(images, &src.Images)
	}
}
