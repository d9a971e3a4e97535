package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"expensedb/internal/core"
)

// AddCategory inserts a category and returns its id. A name or color already
// in use fails with core.ErrDuplicate and leaves the table unchanged.
func (s *Store) AddCategory(ctx context.Context, c core.Category) (int64, error) {
	c = c.Normalize()
	if err := c.Validate(); err != nil {
		return 0, fmt.Errorf("add category: %w: %v", core.ErrInvalid, err)
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO categories (name, color) VALUES (?, ?)`, c.Name, c.Color)
		if err != nil {
			return classify(err)
		}
		id, err = res.LastInsertId()
		return classify(err)
	})
	if err != nil {
		return 0, fmt.Errorf("add category %q: %w", c.Name, err)
	}

	s.logger.DebugContext(ctx, "Category saved", "id", id, "name", c.Name, "color", c.Color)
	return id, nil
}

// GetCategory returns core.ErrNotFound when id does not exist.
func (s *Store) GetCategory(ctx context.Context, id int64) (core.Category, error) {
	var c core.Category
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id, name, color FROM categories WHERE id = ?`, id).
			Scan(&c.ID, &c.Name, &c.Color)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("category %d: %w", id, core.ErrNotFound)
		}
		return classify(err)
	})
	if err != nil {
		return core.Category{}, fmt.Errorf("get category: %w", err)
	}
	return c, nil
}

// ListCategories returns every category ordered by id.
func (s *Store) ListCategories(ctx context.Context) ([]core.Category, error) {
	categories := []core.Category{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, name, color FROM categories ORDER BY id ASC`)
		if err != nil {
			return classify(err)
		}
		defer rows.Close()

		for rows.Next() {
			var c core.Category
			if err := rows.Scan(&c.ID, &c.Name, &c.Color); err != nil {
				return classify(err)
			}
			categories = append(categories, c)
		}
		return classify(rows.Err())
	})
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return categories, nil
}

// UpdateCategory replaces the category c.ID. Taking a name or color owned by
// another category fails with core.ErrDuplicate.
func (s *Store) UpdateCategory(ctx context.Context, c core.Category) (int64, error) {
	c = c.Normalize()
	if c.ID == 0 {
		return 0, fmt.Errorf("update category: %w: %v", core.ErrInvalid, core.ErrMissingID)
	}
	if err := c.Validate(); err != nil {
		return 0, fmt.Errorf("update category: %w: %v", core.ErrInvalid, err)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE categories SET name = ?, color = ? WHERE id = ?`, c.Name, c.Color, c.ID)
		if err != nil {
			return classify(err)
		}
		return mustAffect(res, "category", c.ID)
	})
	if err != nil {
		return 0, fmt.Errorf("update category %q: %w", c.Name, err)
	}

	s.logger.DebugContext(ctx, "Category updated", "id", c.ID, "name", c.Name, "color", c.Color)
	return c.ID, nil
}

// DeleteCategory removes the category without touching expenses that still
// reference it. Deleting a missing id succeeds.
func (s *Store) DeleteCategory(ctx context.Context, id int64) (int64, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
		return classify(err)
	})
	if err != nil {
		return 0, fmt.Errorf("delete category: %w", err)
	}

	s.logger.DebugContext(ctx, "Category deleted", "id", id)
	return id, nil
}

// CategoryCount returns the number of stored categories.
func (s *Store) CategoryCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return classify(tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM categories`).Scan(&n))
	})
	if err != nil {
		return 0, fmt.Errorf("count categories: %w", err)
	}
	return n, nil
}
