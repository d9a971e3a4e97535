package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"expensedb/internal/core"
)

// AddAttachment stores a new attachment and returns the id assigned to it.
// Any id set on a is ignored.
func (s *Store) AddAttachment(ctx context.Context, a core.Attachment) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO attachments (mime, payload) VALUES (?, ?)`,
			a.Mime, payloadBytes(a.Payload))
		if err != nil {
			return classify(err)
		}
		id, err = res.LastInsertId()
		return classify(err)
	})
	if err != nil {
		return 0, fmt.Errorf("add attachment: %w", err)
	}

	s.logger.DebugContext(ctx, "Attachment saved", "id", id, "mime", a.Mime, "size", len(a.Payload))
	return id, nil
}

// GetAttachment returns core.ErrNotFound when id does not exist.
func (s *Store) GetAttachment(ctx context.Context, id int64) (core.Attachment, error) {
	var a core.Attachment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id, mime, payload FROM attachments WHERE id = ?`, id).
			Scan(&a.ID, &a.Mime, &a.Payload)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("attachment %d: %w", id, core.ErrNotFound)
		}
		return classify(err)
	})
	if err != nil {
		return core.Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return a, nil
}

// UpdateAttachment replaces the stored attachment a.ID entirely.
func (s *Store) UpdateAttachment(ctx context.Context, a core.Attachment) (int64, error) {
	if a.ID == 0 {
		return 0, fmt.Errorf("update attachment: %w: %v", core.ErrInvalid, core.ErrMissingID)
	}
	if err := a.Validate(); err != nil {
		return 0, fmt.Errorf("update attachment: %w: %v", core.ErrInvalid, err)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE attachments SET mime = ?, payload = ? WHERE id = ?`,
			a.Mime, payloadBytes(a.Payload), a.ID)
		if err != nil {
			return classify(err)
		}
		return mustAffect(res, "attachment", a.ID)
	})
	if err != nil {
		return 0, fmt.Errorf("update attachment: %w", err)
	}

	s.logger.DebugContext(ctx, "Attachment updated", "id", a.ID, "mime", a.Mime, "size", len(a.Payload))
	return a.ID, nil
}

// DeleteAttachment removes the attachment. Deleting a missing id succeeds.
// Expenses pointing at it keep the dangling id.
func (s *Store) DeleteAttachment(ctx context.Context, id int64) (int64, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id)
		return classify(err)
	})
	if err != nil {
		return 0, fmt.Errorf("delete attachment: %w", err)
	}

	s.logger.DebugContext(ctx, "Attachment deleted", "id", id)
	return id, nil
}

// payloadBytes keeps a nil payload from turning into NULL.
func payloadBytes(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}

// mustAffect turns an UPDATE that matched no row into core.ErrNotFound.
func mustAffect(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, core.ErrNotFound)
	}
	return nil
}
