package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// AppendStep persists a new ledger entry for the message. Fails with
// ErrNotFound when the message does not exist and ErrUnauthorized when
// the caller does not own the message's session. Steps start with
// executed=false.
func (s *Store) AppendStep(ctx context.Context, messageID, userID, stepType, reasoning string, input json.RawMessage) (Step, error) {
	switch stepType {
	case StepAnalyze, StepSearch, StepEvaluate, StepReport:
	default:
		return Step{}, fmt.Errorf("unknown step type %q", stepType)
	}
	owner, err := s.messageOwner(ctx, messageID)
	if err != nil {
		return Step{}, err
	}
	if owner != userID {
		return Step{}, ErrUnauthorized
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO steps (message_id, step_type, reasoning, input)
VALUES ($1,$2,$3,$4)
RETURNING id, message_id, step_type, reasoning, executed, input, output, created_at, updated_at
`, messageID, stepType, reasoning, defaultJSON(input))
	return scanStep(row)
}

// MarkStepExecuted flips executed to true. Repeated calls are harmless.
func (s *Store) MarkStepExecuted(ctx context.Context, stepID string) (Step, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE steps SET executed=TRUE, updated_at=NOW() WHERE id=$1
RETURNING id, message_id, step_type, reasoning, executed, input, output, created_at, updated_at
`, stepID)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	return step, err
}

// UpdateStepReasoning overwrites the step's display reasoning and,
// when output is non-nil, its output snapshot. Does not touch executed.
func (s *Store) UpdateStepReasoning(ctx context.Context, stepID, reasoning string, output json.RawMessage) error {
	var res sql.Result
	var err error
	if output != nil {
		res, err = s.DB.ExecContext(ctx, `
UPDATE steps SET reasoning=$2, output=$3, updated_at=NOW() WHERE id=$1
`, stepID, reasoning, output)
	} else {
		res, err = s.DB.ExecContext(ctx, `
UPDATE steps SET reasoning=$2, updated_at=NOW() WHERE id=$1
`, stepID, reasoning)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStepsByMessage returns the message's steps in creation order.
func (s *Store) ListStepsByMessage(ctx context.Context, messageID string) ([]Step, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, message_id, step_type, reasoning, executed, input, output, created_at, updated_at
FROM steps WHERE message_id=$1
ORDER BY created_at ASC
`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.ID, &st.MessageID, &st.Type, &st.Reasoning, &st.Executed, &st.Input, &st.Output, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanStep(row *sql.Row) (Step, error) {
	var st Step
	err := row.Scan(&st.ID, &st.MessageID, &st.Type, &st.Reasoning, &st.Executed, &st.Input, &st.Output, &st.CreatedAt, &st.UpdatedAt)
	return st, err
}

func defaultJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
