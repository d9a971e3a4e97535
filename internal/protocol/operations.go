// Package protocol is the wire contract between the host and the worker.
//
// A request envelope is {operation, id, parameters}; the matching response
// echoes operation and id and carries either a result or an error. Envelopes
// travel as JSON so nothing is shared across the boundary but bytes.
package protocol

import (
	"time"

	"expensedb/internal/core"
)

// Operation is the tag that routes a request inside the worker.
type Operation string

const (
	OpInitialize Operation = "INITIALIZE"
	OpDrop       Operation = "DROP"

	OpAttachmentAdd    Operation = "ATTACHMENT_ADD"
	OpAttachmentGet    Operation = "ATTACHMENT_GET"
	OpAttachmentUpdate Operation = "ATTACHMENT_UPDATE"
	OpAttachmentDelete Operation = "ATTACHMENT_DELETE"

	OpCategoryAdd    Operation = "CATEGORY_ADD"
	OpCategoryGet    Operation = "CATEGORY_GET"
	OpCategoryGetAll Operation = "CATEGORY_GET_ALL"
	OpCategoryUpdate Operation = "CATEGORY_UPDATE"
	OpCategoryDelete Operation = "CATEGORY_DELETE"

	OpExpenseAdd           Operation = "EXPENSE_ADD"
	OpExpenseGet           Operation = "EXPENSE_GET"
	OpExpenseGetRange      Operation = "EXPENSE_GET_RANGE"
	OpExpenseCountCategory Operation = "EXPENSE_COUNT_CATEGORY"
	OpExpenseUpdate        Operation = "EXPENSE_UPDATE"
	OpExpenseDelete        Operation = "EXPENSE_DELETE"
)

var operations = []Operation{
	OpInitialize,
	OpDrop,
	OpAttachmentAdd,
	OpAttachmentGet,
	OpAttachmentUpdate,
	OpAttachmentDelete,
	OpCategoryAdd,
	OpCategoryGet,
	OpCategoryGetAll,
	OpCategoryUpdate,
	OpCategoryDelete,
	OpExpenseAdd,
	OpExpenseGet,
	OpExpenseGetRange,
	OpExpenseCountCategory,
	OpExpenseUpdate,
	OpExpenseDelete,
}

// Operations returns every known operation in declaration order.
func Operations() []Operation {
	out := make([]Operation, len(operations))
	copy(out, operations)
	return out
}

func (o Operation) Valid() bool {
	for _, op := range operations {
		if op == o {
			return true
		}
	}
	return false
}

// Lifecycle reports whether o manages the database handle itself and is
// therefore accepted before the database is initialized.
func (o Operation) Lifecycle() bool {
	return o == OpInitialize || o == OpDrop
}

func (o Operation) String() string {
	return string(o)
}

// Parameter types. Entity payloads reuse the core types directly: the id is
// ignored on add and required on update.
type (
	NameParams struct {
		Name string `json:"name"`
	}

	IDParams struct {
		ID int64 `json:"id"`
	}

	RangeParams struct {
		Begin time.Time `json:"begin"`
		End   time.Time `json:"end"`
	}

	CountCategoryParams struct {
		Category int64 `json:"category"`
	}
)

// Lookup is the result of every get. ID echoes the requested id. Found is
// false when the id does not exist; a stored record whose fields are all zero
// values is still Found.
type Lookup[T any] struct {
	ID     int64 `json:"id"`
	Found  bool  `json:"found"`
	Record *T    `json:"record,omitempty"`
}

// RangeResult echoes the requested bounds next to the matching expenses.
type RangeResult struct {
	List  []core.Expense `json:"list"`
	Begin time.Time      `json:"begin"`
	End   time.Time      `json:"end"`
}
