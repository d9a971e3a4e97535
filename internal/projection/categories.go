// Package projection keeps in-memory views of the store, updated from the
// client's event stream rather than by polling.
package projection

import (
	"context"
	"errors"
	"sort"
	"sync"

	"expensedb/internal/client"
	"expensedb/internal/core"
	"expensedb/internal/log"
	"expensedb/internal/protocol"
)

// Source is the part of *client.Client a projection needs.
type Source interface {
	Subscribe(handler client.Handler, ops ...protocol.Operation) (unsubscribe func())
	Send(ctx context.Context, op protocol.Operation, params, out any) error
}

// Notifier shows a message to the user.
type Notifier func(message string)

// Categories mirrors the category table by id.
type Categories struct {
	src    Source
	notify Notifier
	logger *log.Logger

	mu   sync.RWMutex
	byID map[int64]core.Category

	unsubscribe func()
}

// NewCategories subscribes to category replies on src. It starts empty;
// issue CATEGORY_GET_ALL to populate it. A nil notify discards messages.
func NewCategories(src Source, notify Notifier, logger *log.Logger) *Categories {
	if notify == nil {
		notify = func(string) {}
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	p := &Categories{
		src:    src,
		notify: notify,
		logger: logger.WithComponent(log.ComponentProjection),
		byID:   make(map[int64]core.Category),
	}
	p.unsubscribe = src.Subscribe(p.handle,
		protocol.OpCategoryGetAll,
		protocol.OpCategoryAdd,
		protocol.OpCategoryUpdate,
		protocol.OpCategoryGet,
		protocol.OpCategoryDelete,
	)
	return p
}

func (p *Categories) handle(e client.Event) {
	if e.Err != nil {
		p.notify(client.Describe(e.Err))
		return
	}

	switch e.Op {
	case protocol.OpCategoryGetAll:
		var all []core.Category
		if !p.decode(e, &all) {
			return
		}
		byID := make(map[int64]core.Category, len(all))
		for _, c := range all {
			byID[c.ID] = c
		}
		p.mu.Lock()
		p.byID = byID
		p.mu.Unlock()

	case protocol.OpCategoryAdd, protocol.OpCategoryUpdate:
		var id int64
		if !p.decode(e, &id) {
			return
		}
		// the GET reply comes back through handle and upserts
		err := p.src.Send(context.Background(), protocol.OpCategoryGet, protocol.IDParams{ID: id}, nil)
		var remote *protocol.RemoteError
		if err != nil && !errors.As(err, &remote) {
			p.notify(client.Describe(err))
		}

	case protocol.OpCategoryGet:
		var res protocol.Lookup[core.Category]
		if !p.decode(e, &res) {
			return
		}
		if !res.Found || res.Record == nil {
			// deleted elsewhere since it was mirrored
			p.mu.Lock()
			delete(p.byID, res.ID)
			p.mu.Unlock()
			p.notify(client.Describe(core.ErrNotFound))
			return
		}
		p.mu.Lock()
		p.byID[res.Record.ID] = *res.Record
		p.mu.Unlock()

	case protocol.OpCategoryDelete:
		var id int64
		if !p.decode(e, &id) {
			return
		}
		p.mu.Lock()
		delete(p.byID, id)
		p.mu.Unlock()
	}
}

func (p *Categories) decode(e client.Event, v any) bool {
	if err := e.Decode(v); err != nil {
		p.logger.Warn("Ignoring undecodable event",
			log.FieldOperation, e.Op.String(),
			log.FieldRequestID, e.ID,
			log.FieldError, err)
		return false
	}
	return true
}

// Get returns the mirrored category with id.
func (p *Categories) Get(id int64) (core.Category, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byID[id]
	return c, ok
}

// All returns a snapshot ordered by id.
func (p *Categories) All() []core.Category {
	p.mu.RLock()
	all := make([]core.Category, 0, len(p.byID))
	for _, c := range p.byID {
		all = append(all, c)
	}
	p.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func (p *Categories) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

// Close stops following the event stream. The current view is kept.
func (p *Categories) Close() {
	p.unsubscribe()
}
