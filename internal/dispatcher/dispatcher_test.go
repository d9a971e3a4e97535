package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expensedb/internal/core"
	"expensedb/internal/log"
	"expensedb/internal/protocol"
	"expensedb/internal/storage"
	"expensedb/internal/transport"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(Options{DataDir: t.TempDir(), Logger: log.Discard()})
	t.Cleanup(func() { d.Close() })
	return d
}

// call runs one request through the dispatcher and returns its response.
func call(t *testing.T, d *Dispatcher, op protocol.Operation, params any) *protocol.Response {
	t.Helper()
	req, err := protocol.NewRequest(op, params)
	require.NoError(t, err)

	resp := d.HandleRequest(context.Background(), req)
	require.NotNil(t, resp)
	require.Equal(t, op, resp.Op, "operation must be echoed")
	require.Equal(t, req.ID, resp.ID, "correlation id must be echoed")
	require.NoError(t, resp.Validate())
	return resp
}

// mustCall is call plus decoding a successful result into out.
func mustCall(t *testing.T, d *Dispatcher, op protocol.Operation, params, out any) {
	t.Helper()
	resp := call(t, d, op, params)
	require.Empty(t, resp.Error, "%s failed: %s", op, resp.Error)
	if out != nil {
		require.NoError(t, resp.Decode(out))
	}
}

func initialize(t *testing.T, d *Dispatcher, name string) {
	t.Helper()
	var ok bool
	mustCall(t, d, protocol.OpInitialize, protocol.NameParams{Name: name}, &ok)
	require.True(t, ok)
}

func TestDispatcher_RejectsCRUDBeforeInitialize(t *testing.T) {
	d := newTestDispatcher(t)
	assert.Equal(t, StateUninitialized, d.State())

	for _, op := range []protocol.Operation{
		protocol.OpCategoryGetAll,
		protocol.OpCategoryAdd,
		protocol.OpExpenseGetRange,
		protocol.OpAttachmentGet,
	} {
		resp := call(t, d, op, nil)
		assert.Equal(t, protocol.KindNotInitialized, resp.Kind, "op %s", op)
	}
}

func TestDispatcher_EndToEndScenario(t *testing.T) {
	d := newTestDispatcher(t)
	initialize(t, d, "t1")
	assert.Equal(t, StateReady, d.State())
	assert.Equal(t, "t1", d.Database())

	var id int64
	mustCall(t, d, protocol.OpCategoryAdd, core.Category{Name: "Food", Color: "#FF0000"}, &id)
	assert.Equal(t, int64(1), id)

	var all []core.Category
	mustCall(t, d, protocol.OpCategoryGetAll, nil, &all)
	assert.Equal(t, []core.Category{{ID: 1, Name: "Food", Color: "#FF0000"}}, all)

	resp := call(t, d, protocol.OpCategoryAdd, core.Category{Name: "Food", Color: "#00FF00"})
	assert.Equal(t, protocol.KindDuplicate, resp.Kind)

	mustCall(t, d, protocol.OpCategoryGetAll, nil, &all)
	assert.Len(t, all, 1, "duplicate must not be stored")
}

func TestDispatcher_GetReportsNotFoundAsResult(t *testing.T) {
	d := newTestDispatcher(t)
	initialize(t, d, "t1")

	var cat protocol.Lookup[core.Category]
	mustCall(t, d, protocol.OpCategoryGet, protocol.IDParams{ID: 42}, &cat)
	assert.False(t, cat.Found)
	assert.Nil(t, cat.Record)
	assert.Equal(t, int64(42), cat.ID, "requested id is echoed")

	var att protocol.Lookup[core.Attachment]
	mustCall(t, d, protocol.OpAttachmentGet, protocol.IDParams{ID: 42}, &att)
	assert.False(t, att.Found)

	// a stored record of zero values is still found
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var id int64
	mustCall(t, d, protocol.OpExpenseAdd, core.Expense{Datetime: when}, &id)

	var exp protocol.Lookup[core.Expense]
	mustCall(t, d, protocol.OpExpenseGet, protocol.IDParams{ID: id}, &exp)
	require.True(t, exp.Found)
	assert.Equal(t, id, exp.ID)
	assert.Equal(t, int64(0), exp.Record.Amount.Cents)
	assert.True(t, exp.Record.Datetime.Equal(when))
}

func TestDispatcher_DeleteThenGet(t *testing.T) {
	d := newTestDispatcher(t)
	initialize(t, d, "t1")

	var attID, catID, expID int64
	mustCall(t, d, protocol.OpAttachmentAdd, core.Attachment{Mime: "image/png", Payload: []byte{1, 2, 3}}, &attID)
	mustCall(t, d, protocol.OpCategoryAdd, core.Category{Name: "Rent", Color: "#0000FF"}, &catID)
	mustCall(t, d, protocol.OpExpenseAdd, core.Expense{
		Amount:     core.Money{Cents: 1000},
		Datetime:   time.Now(),
		Category:   catID,
		Attachment: core.AttachmentID(attID),
	}, &expID)

	cases := []struct {
		del, get protocol.Operation
		id       int64
	}{
		{protocol.OpAttachmentDelete, protocol.OpAttachmentGet, attID},
		{protocol.OpCategoryDelete, protocol.OpCategoryGet, catID},
		{protocol.OpExpenseDelete, protocol.OpExpenseGet, expID},
	}
	for _, c := range cases {
		var deleted int64
		mustCall(t, d, c.del, protocol.IDParams{ID: c.id}, &deleted)
		assert.Equal(t, c.id, deleted)

		var found struct {
			Found bool `json:"found"`
		}
		mustCall(t, d, c.get, protocol.IDParams{ID: c.id}, &found)
		assert.False(t, found.Found, "%s after %s", c.get, c.del)

		// deleting again still succeeds
		mustCall(t, d, c.del, protocol.IDParams{ID: c.id}, &deleted)
		assert.Equal(t, c.id, deleted)
	}
}

func TestDispatcher_UpdateReplacesFields(t *testing.T) {
	d := newTestDispatcher(t)
	initialize(t, d, "t1")

	when := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	var id int64
	mustCall(t, d, protocol.OpExpenseAdd, core.Expense{Amount: core.Money{Cents: 1000}, Datetime: when, Category: 1}, &id)

	var updated int64
	mustCall(t, d, protocol.OpExpenseUpdate, core.Expense{ID: id, Amount: core.Money{Cents: 1100}, Datetime: when, Category: 1}, &updated)
	assert.Equal(t, id, updated)

	var got protocol.Lookup[core.Expense]
	mustCall(t, d, protocol.OpExpenseGet, protocol.IDParams{ID: id}, &got)
	require.True(t, got.Found)
	assert.Equal(t, int64(1100), got.Record.Amount.Cents)

	resp := call(t, d, protocol.OpExpenseUpdate, core.Expense{Amount: core.Money{Cents: 5}, Datetime: when})
	assert.Equal(t, protocol.KindInvalid, resp.Kind, "update without id")

	resp = call(t, d, protocol.OpCategoryUpdate, core.Category{ID: 77, Name: "Ghost", Color: "#777777"})
	assert.Equal(t, protocol.KindNotFound, resp.Kind, "update of missing id")
}

func TestDispatcher_RangeAndCount(t *testing.T) {
	d := newTestDispatcher(t)
	initialize(t, d, "t1")

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		var id int64
		mustCall(t, d, protocol.OpExpenseAdd, core.Expense{
			Amount:   core.Money{Cents: int64(100 * (i + 1))},
			Datetime: base.Add(time.Duration(4-i) * 24 * time.Hour),
			Category: int64(i%2 + 1),
		}, &id)
	}

	var rng protocol.RangeResult
	mustCall(t, d, protocol.OpExpenseGetRange, protocol.RangeParams{Begin: base.Add(24 * time.Hour), End: base.Add(3 * 24 * time.Hour)}, &rng)
	require.Len(t, rng.List, 3)
	for i := 1; i < len(rng.List); i++ {
		assert.False(t, rng.List[i].Datetime.Before(rng.List[i-1].Datetime), "range must be ascending")
	}
	assert.True(t, rng.Begin.Equal(base.Add(24*time.Hour)))
	assert.True(t, rng.End.Equal(base.Add(3*24*time.Hour)))

	resp := call(t, d, protocol.OpExpenseGetRange, protocol.RangeParams{Begin: base.Add(time.Hour), End: base})
	assert.Equal(t, protocol.KindInvalid, resp.Kind)

	var n int64
	mustCall(t, d, protocol.OpExpenseCountCategory, protocol.CountCategoryParams{Category: 1}, &n)
	assert.Equal(t, int64(3), n)
	mustCall(t, d, protocol.OpExpenseCountCategory, protocol.CountCategoryParams{Category: 2}, &n)
	assert.Equal(t, int64(2), n)
}

func TestDispatcher_InitializeSemantics(t *testing.T) {
	d := newTestDispatcher(t)

	resp := call(t, d, protocol.OpInitialize, protocol.NameParams{Name: "../escape"})
	assert.Equal(t, protocol.KindInvalid, resp.Kind)
	assert.Equal(t, StateUninitialized, d.State())

	initialize(t, d, "t1")
	initialize(t, d, "t1") // same name again is a no-op

	resp = call(t, d, protocol.OpInitialize, protocol.NameParams{Name: "t2"})
	assert.Equal(t, protocol.KindInvalid, resp.Kind)
	assert.Equal(t, "t1", d.Database())
}

func TestDispatcher_ConcurrentInitialize(t *testing.T) {
	d := newTestDispatcher(t)

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := protocol.NewRequest(protocol.OpInitialize, protocol.NameParams{Name: "t1"})
			resp := d.HandleRequest(context.Background(), req)
			errs <- resp.Error
		}()
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		assert.Empty(t, e)
	}
	assert.Equal(t, StateReady, d.State())
}

func TestDispatcher_DropThenInitializeIsEmpty(t *testing.T) {
	d := newTestDispatcher(t)
	initialize(t, d, "t1")

	var id int64
	mustCall(t, d, protocol.OpCategoryAdd, core.Category{Name: "Food", Color: "#FF0000"}, &id)

	var ok bool
	mustCall(t, d, protocol.OpDrop, protocol.NameParams{Name: "t1"}, &ok)
	assert.True(t, ok)
	assert.Equal(t, StateUninitialized, d.State())

	resp := call(t, d, protocol.OpCategoryGetAll, nil)
	assert.Equal(t, protocol.KindNotInitialized, resp.Kind)

	initialize(t, d, "t1")
	var all []core.Category
	mustCall(t, d, protocol.OpCategoryGetAll, nil, &all)
	assert.Empty(t, all)
	assert.NotNil(t, all)
}

func TestDispatcher_DropOtherDatabase(t *testing.T) {
	d := newTestDispatcher(t)

	// leave a closed database file behind
	otherPath := d.path("other")
	s, err := storage.Open(context.Background(), otherPath, storage.Options{Logger: log.Discard()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	initialize(t, d, "t1")
	mustCall(t, d, protocol.OpDrop, protocol.NameParams{Name: "other"}, nil)

	assert.Equal(t, StateReady, d.State(), "dropping another database keeps the open one")
	assert.Equal(t, "t1", d.Database())
	_, err = os.Stat(otherPath)
	assert.True(t, os.IsNotExist(err), "other database file should be removed")

	// dropping a database that never existed is fine
	mustCall(t, d, protocol.OpDrop, protocol.NameParams{Name: "never"}, nil)
}

func TestDispatcher_InvalidRequests(t *testing.T) {
	d := newTestDispatcher(t)
	initialize(t, d, "t1")

	resp := call(t, d, protocol.Operation("EXPENSE_PURGE"), nil)
	assert.Equal(t, protocol.KindInvalid, resp.Kind)

	req := &protocol.Request{Op: protocol.OpCategoryGet, ID: "bad-params", Params: json.RawMessage(`{"id":"seven"}`)}
	resp = d.HandleRequest(context.Background(), req)
	assert.Equal(t, protocol.KindInvalid, resp.Kind)
	assert.Equal(t, "bad-params", resp.ID)

	out := d.Handle(context.Background(), []byte(`not json`))
	parsed, err := protocol.ResponseFromJSON(out)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindInvalid, parsed.Kind)
	assert.NoError(t, parsed.Validate())
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	const op = protocol.Operation("TEST_PANIC")
	handlers[op] = func(ctx context.Context, s *storage.Store, req *protocol.Request) (any, error) {
		panic("boom")
	}
	t.Cleanup(func() { delete(handlers, op) })

	d := newTestDispatcher(t)
	initialize(t, d, "t1")

	resp := call(t, d, op, nil)
	assert.Equal(t, protocol.KindStorage, resp.Kind)

	// the read lock was released: lifecycle operations still work
	mustCall(t, d, protocol.OpDrop, protocol.NameParams{Name: "t1"}, nil)
}

func TestDispatcher_Stats(t *testing.T) {
	d := newTestDispatcher(t)

	call(t, d, protocol.OpCategoryGetAll, nil) // fails, not initialized
	initialize(t, d, "t1")
	mustCall(t, d, protocol.OpCategoryGetAll, nil, nil)

	stats := d.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, StateReady, stats.State)
	assert.Equal(t, "t1", stats.Database)
}

func TestDispatcher_ServeConcurrentAdds(t *testing.T) {
	d := New(Options{DataDir: t.TempDir(), MaxInFlight: 4, Logger: log.Discard()})
	defer d.Close()

	host, worker := transport.Pipe(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx, worker) }()

	send := func(op protocol.Operation, params any) string {
		req, err := protocol.NewRequest(op, params)
		require.NoError(t, err)
		data, err := req.ToJSON()
		require.NoError(t, err)
		require.NoError(t, host.Send(ctx, data))
		return req.ID
	}
	receive := func() *protocol.Response {
		select {
		case msg := <-host.Messages():
			resp, err := protocol.ResponseFromJSON(msg)
			require.NoError(t, err)
			return resp
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for response")
			return nil
		}
	}

	send(protocol.OpInitialize, protocol.NameParams{Name: "t1"})
	require.Empty(t, receive().Error)

	const n = 50
	ids := make(map[string]bool, n)
	go func() {
		for i := 0; i < n; i++ {
			send(protocol.OpCategoryAdd, core.Category{Name: fmt.Sprintf("cat-%d", i), Color: fmt.Sprintf("#%06d", i)})
		}
	}()

	created := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		resp := receive()
		require.Equal(t, protocol.OpCategoryAdd, resp.Op)
		require.Empty(t, resp.Error)
		require.False(t, ids[resp.ID], "duplicate response for %s", resp.ID)
		ids[resp.ID] = true

		var id int64
		require.NoError(t, resp.Decode(&id))
		created[id] = true
	}
	assert.Len(t, created, n, "every add must produce a distinct id")

	host.Close()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the connection closed")
	}

	count, err := d.store.CategoryCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n), count)
}
