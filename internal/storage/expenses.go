package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"expensedb/internal/core"
)

const expenseColumns = `id, amount_cents, datetime_ms, category, description, attachment`

// AddExpense stores e and returns its new id. The category and attachment ids
// are stored as given; they are not checked against their tables.
func (s *Store) AddExpense(ctx context.Context, e core.Expense) (int64, error) {
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("add expense: %w: %v", core.ErrInvalid, err)
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO expenses (amount_cents, datetime_ms, category, description, attachment)
			VALUES (?, ?, ?, ?, ?)
		`, e.Amount.Cents, e.Datetime.UnixMilli(), e.Category, e.Description, nullableID(e.Attachment))
		if err != nil {
			return classify(err)
		}
		id, err = res.LastInsertId()
		return classify(err)
	})
	if err != nil {
		return 0, fmt.Errorf("add expense: %w", err)
	}

	s.logger.DebugContext(ctx, "Expense saved",
		"id", id,
		"amount_cents", e.Amount.Cents,
		"datetime", e.Datetime.Format(time.RFC3339),
		"category", e.Category)
	return id, nil
}

// GetExpense returns core.ErrNotFound when id does not exist.
func (s *Store) GetExpense(ctx context.Context, id int64) (core.Expense, error) {
	var e core.Expense
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, id)
		var err error
		e, err = scanExpense(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("expense %d: %w", id, core.ErrNotFound)
		}
		return classify(err)
	})
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense: %w", err)
	}
	return e, nil
}

// ExpensesInRange returns the expenses whose datetime falls in [begin, end],
// both bounds inclusive, ordered by datetime then id. Bounds are compared in
// UTC; callers convert local day boundaries before calling.
func (s *Store) ExpensesInRange(ctx context.Context, begin, end time.Time) ([]core.Expense, error) {
	if begin.After(end) {
		return nil, fmt.Errorf("expenses in range: %w: begin %s after end %s",
			core.ErrInvalid, begin.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	}
	// Stored datetimes have millisecond precision, so a sub-millisecond begin
	// rounds up and end rounds down.
	begin, end = ceilMillisecond(begin), core.NormalizeTime(end)

	expenses := []core.Expense{}
	if begin.After(end) {
		return expenses, nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+expenseColumns+`
			FROM expenses
			WHERE datetime_ms BETWEEN ? AND ?
			ORDER BY datetime_ms ASC, id ASC
		`, begin.UnixMilli(), end.UnixMilli())
		if err != nil {
			return classify(err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanExpense(rows)
			if err != nil {
				return classify(err)
			}
			expenses = append(expenses, e)
		}
		return classify(rows.Err())
	})
	if err != nil {
		return nil, fmt.Errorf("expenses in range: %w", err)
	}
	return expenses, nil
}

// CountByCategory returns how many stored expenses reference category.
func (s *Store) CountByCategory(ctx context.Context, category int64) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return classify(tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM expenses WHERE category = ?`, category).Scan(&n))
	})
	if err != nil {
		return 0, fmt.Errorf("count expenses by category: %w", err)
	}
	return n, nil
}

// UpdateExpense replaces every field of the expense e.ID.
func (s *Store) UpdateExpense(ctx context.Context, e core.Expense) (int64, error) {
	e = e.Normalize()
	if e.ID == 0 {
		return 0, fmt.Errorf("update expense: %w: %v", core.ErrInvalid, core.ErrMissingID)
	}
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("update expense: %w: %v", core.ErrInvalid, err)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE expenses
			SET amount_cents = ?, datetime_ms = ?, category = ?, description = ?, attachment = ?
			WHERE id = ?
		`, e.Amount.Cents, e.Datetime.UnixMilli(), e.Category, e.Description, nullableID(e.Attachment), e.ID)
		if err != nil {
			return classify(err)
		}
		return mustAffect(res, "expense", e.ID)
	})
	if err != nil {
		return 0, fmt.Errorf("update expense: %w", err)
	}

	s.logger.DebugContext(ctx, "Expense updated", "id", e.ID, "amount_cents", e.Amount.Cents)
	return e.ID, nil
}

// DeleteExpense removes the expense. Deleting a missing id succeeds.
func (s *Store) DeleteExpense(ctx context.Context, id int64) (int64, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM expenses WHERE id = ?`, id)
		return classify(err)
	})
	if err != nil {
		return 0, fmt.Errorf("delete expense: %w", err)
	}

	s.logger.DebugContext(ctx, "Expense deleted", "id", id)
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpense(row rowScanner) (core.Expense, error) {
	var (
		e          core.Expense
		datetimeMs int64
		attachment sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Amount.Cents, &datetimeMs, &e.Category, &e.Description, &attachment); err != nil {
		return core.Expense{}, err
	}
	e.Datetime = time.UnixMilli(datetimeMs).UTC()
	if attachment.Valid {
		e.Attachment = core.AttachmentID(attachment.Int64)
	}
	return e, nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func ceilMillisecond(t time.Time) time.Time {
	truncated := core.NormalizeTime(t)
	if truncated.Before(t) {
		return truncated.Add(time.Millisecond)
	}
	return truncated
}
