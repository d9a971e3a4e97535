package dispatcher

import (
	"context"
	"errors"

	"expensedb/internal/core"
	"expensedb/internal/protocol"
	"expensedb/internal/storage"
)

// handler executes one CRUD operation against an open store. It runs under
// the dispatcher's read lock.
type handler func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error)

var handlers = map[protocol.Operation]handler{
	protocol.OpAttachmentAdd: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var a core.Attachment
		if err := req.Decode(&a); err != nil {
			return nil, err
		}
		return s.AddAttachment(ctx, a)
	},
	protocol.OpAttachmentGet: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var p protocol.IDParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		record, err := s.GetAttachment(ctx, p.ID)
		return lookup(p.ID, record, err)
	},
	protocol.OpAttachmentUpdate: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var a core.Attachment
		if err := req.Decode(&a); err != nil {
			return nil, err
		}
		return s.UpdateAttachment(ctx, a)
	},
	protocol.OpAttachmentDelete: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var p protocol.IDParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return s.DeleteAttachment(ctx, p.ID)
	},

	protocol.OpCategoryAdd: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var c core.Category
		if err := req.Decode(&c); err != nil {
			return nil, err
		}
		return s.AddCategory(ctx, c)
	},
	protocol.OpCategoryGet: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var p protocol.IDParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		record, err := s.GetCategory(ctx, p.ID)
		return lookup(p.ID, record, err)
	},
	protocol.OpCategoryGetAll: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		return s.ListCategories(ctx)
	},
	protocol.OpCategoryUpdate: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var c core.Category
		if err := req.Decode(&c); err != nil {
			return nil, err
		}
		return s.UpdateCategory(ctx, c)
	},
	protocol.OpCategoryDelete: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var p protocol.IDParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return s.DeleteCategory(ctx, p.ID)
	},

	protocol.OpExpenseAdd: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var e core.Expense
		if err := req.Decode(&e); err != nil {
			return nil, err
		}
		return s.AddExpense(ctx, e)
	},
	protocol.OpExpenseGet: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var p protocol.IDParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		record, err := s.GetExpense(ctx, p.ID)
		return lookup(p.ID, record, err)
	},
	protocol.OpExpenseGetRange: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var p protocol.RangeParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		list, err := s.ExpensesInRange(ctx, p.Begin, p.End)
		if err != nil {
			return nil, err
		}
		return protocol.RangeResult{List: list, Begin: p.Begin, End: p.End}, nil
	},
	protocol.OpExpenseCountCategory: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var p protocol.CountCategoryParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return s.CountByCategory(ctx, p.Category)
	},
	protocol.OpExpenseUpdate: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var e core.Expense
		if err := req.Decode(&e); err != nil {
			return nil, err
		}
		return s.UpdateExpense(ctx, e)
	},
	protocol.OpExpenseDelete: func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		var p protocol.IDParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return s.DeleteExpense(ctx, p.ID)
	},
}

// lookup turns a storage get into an explicit found/not-found result.
func lookup[T any](id int64, record T, err error) (any, error) {
	if errors.Is(err, core.ErrNotFound) {
		return protocol.Lookup[T]{ID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	return protocol.Lookup[T]{ID: id, Found: true, Record: &record}, nil
}
