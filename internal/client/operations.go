package client

import (
	"context"
	"time"

	"expensedb/internal/core"
	"expensedb/internal/protocol"
)

// Initialize opens (creating if needed) the named database on the worker.
func (c *Client) Initialize(ctx context.Context, name string) error {
	return c.Send(ctx, protocol.OpInitialize, protocol.NameParams{Name: name}, nil)
}

// Drop deletes the named database and all its data.
func (c *Client) Drop(ctx context.Context, name string) error {
	return c.Send(ctx, protocol.OpDrop, protocol.NameParams{Name: name}, nil)
}

func (c *Client) AddAttachment(ctx context.Context, a core.Attachment) (int64, error) {
	return c.sendID(ctx, protocol.OpAttachmentAdd, a)
}

// GetAttachment reports found=false for an unknown id. Results are served
// from the attachment cache when possible.
func (c *Client) GetAttachment(ctx context.Context, id int64) (core.Attachment, bool, error) {
	if c.attachments == nil {
		return get[core.Attachment](ctx, c, protocol.OpAttachmentGet, id)
	}

	cached, writes, ok := c.cachedAttachment(id)
	if ok {
		return cached, true, nil
	}

	a, found, err := get[core.Attachment](ctx, c, protocol.OpAttachmentGet, id)
	if err == nil && found {
		c.cacheAttachment(writes, id, a)
	}
	return a, found, err
}

func (c *Client) UpdateAttachment(ctx context.Context, a core.Attachment) (int64, error) {
	return c.sendID(ctx, protocol.OpAttachmentUpdate, a)
}

func (c *Client) DeleteAttachment(ctx context.Context, id int64) (int64, error) {
	return c.sendID(ctx, protocol.OpAttachmentDelete, protocol.IDParams{ID: id})
}

// AddCategory fails with an error matching core.ErrDuplicate when the name
// or color is taken.
func (c *Client) AddCategory(ctx context.Context, cat core.Category) (int64, error) {
	return c.sendID(ctx, protocol.OpCategoryAdd, cat)
}

func (c *Client) GetCategory(ctx context.Context, id int64) (core.Category, bool, error) {
	return get[core.Category](ctx, c, protocol.OpCategoryGet, id)
}

// Categories lists every category ordered by id.
func (c *Client) Categories(ctx context.Context) ([]core.Category, error) {
	var all []core.Category
	if err := c.Send(ctx, protocol.OpCategoryGetAll, nil, &all); err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) UpdateCategory(ctx context.Context, cat core.Category) (int64, error) {
	return c.sendID(ctx, protocol.OpCategoryUpdate, cat)
}

func (c *Client) DeleteCategory(ctx context.Context, id int64) (int64, error) {
	return c.sendID(ctx, protocol.OpCategoryDelete, protocol.IDParams{ID: id})
}

func (c *Client) AddExpense(ctx context.Context, e core.Expense) (int64, error) {
	return c.sendID(ctx, protocol.OpExpenseAdd, e)
}

func (c *Client) GetExpense(ctx context.Context, id int64) (core.Expense, bool, error) {
	return get[core.Expense](ctx, c, protocol.OpExpenseGet, id)
}

// ExpensesInRange returns expenses with begin <= datetime <= end, oldest
// first. Bounds are converted to UTC before sending.
func (c *Client) ExpensesInRange(ctx context.Context, begin, end time.Time) (protocol.RangeResult, error) {
	var res protocol.RangeResult
	err := c.Send(ctx, protocol.OpExpenseGetRange, protocol.RangeParams{
		Begin: begin.UTC(),
		End:   end.UTC(),
	}, &res)
	return res, err
}

func (c *Client) CountByCategory(ctx context.Context, category int64) (int64, error) {
	var n int64
	err := c.Send(ctx, protocol.OpExpenseCountCategory, protocol.CountCategoryParams{Category: category}, &n)
	return n, err
}

func (c *Client) UpdateExpense(ctx context.Context, e core.Expense) (int64, error) {
	return c.sendID(ctx, protocol.OpExpenseUpdate, e)
}

func (c *Client) DeleteExpense(ctx context.Context, id int64) (int64, error) {
	return c.sendID(ctx, protocol.OpExpenseDelete, protocol.IDParams{ID: id})
}

func (c *Client) sendID(ctx context.Context, op protocol.Operation, params any) (int64, error) {
	var id int64
	if err := c.Send(ctx, op, params, &id); err != nil {
		return 0, err
	}
	return id, nil
}

func get[T any](ctx context.Context, c *Client, op protocol.Operation, id int64) (T, bool, error) {
	var res protocol.Lookup[T]
	var zero T
	if err := c.Send(ctx, op, protocol.IDParams{ID: id}, &res); err != nil {
		return zero, false, err
	}
	if !res.Found || res.Record == nil {
		return zero, false, nil
	}
	return *res.Record, true, nil
}
