package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"regionsync/internal/domain"
	"regionsync/internal/region"
)

var ErrTableRemoved = errors.New("table removed from replication")

// ChangeFunc observes table definition changes. t is nil when the table was removed.
type ChangeFunc func(name string, t *domain.Table)

// Catalog is the agent's view of replicated table definitions.
type Catalog struct {
	mu         sync.Mutex
	byName     map[string]*domain.Table
	byID       map[int64]*domain.Table
	dropped    map[int64]struct{}
	evolutions []*domain.Table
	changed    chan struct{}
	listeners  []ChangeFunc

	translator *region.Translator
	logger     *zap.Logger
}

func NewCatalog(translator *region.Translator, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		byName:     map[string]*domain.Table{},
		byID:       map[int64]*domain.Table{},
		dropped:    map[int64]struct{}{},
		changed:    make(chan struct{}),
		translator: translator,
		logger:     logger,
	}
}

func (c *Catalog) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Catalog) Table(name string) (*domain.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byName[name]
	return t.Clone(), ok
}

func (c *Catalog) TableByID(id int64) (*domain.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byID[id]
	return t.Clone(), ok
}

func (c *Catalog) Tables() []*domain.Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Table, 0, len(c.byName))
	for _, t := range c.byName {
		out = append(out, t.Clone())
	}
	return out
}

// PutTable installs or evolves a table definition. An evolution of an existing id always
// gets a higher version; a different id under an existing name drops the old id.
func (c *Catalog) PutTable(t *domain.Table) (*domain.Table, error) {
	if t == nil || t.Name == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if len(t.PrimaryKey) == 0 {
		return nil, fmt.Errorf("table %q: primary key is required", t.Name)
	}
	t = t.Clone()

	c.mu.Lock()
	if _, gone := c.dropped[t.ID]; gone {
		c.mu.Unlock()
		return nil, fmt.Errorf("table %q: id %d was dropped", t.Name, t.ID)
	}
	if old, ok := c.byName[t.Name]; ok {
		if old.ID == t.ID {
			if t.Version <= old.Version {
				t.Version = old.Version + 1
			}
		} else {
			delete(c.byID, old.ID)
			c.dropped[old.ID] = struct{}{}
			c.logger.Info("table recreated", zap.String("table", t.Name), zap.Int64("oldID", old.ID), zap.Int64("newID", t.ID))
		}
	}
	if t.Version == 0 {
		t.Version = 1
	}
	c.byName[t.Name] = t
	c.byID[t.ID] = t
	c.evolutions = append(c.evolutions, t)
	listeners := c.notifyLocked()
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(t.Name, t.Clone())
	}
	return t.Clone(), nil
}

// RemoveTable takes a table out of the replication set and marks its id dropped.
func (c *Catalog) RemoveTable(name string) bool {
	c.mu.Lock()
	t, ok := c.byName[name]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.byName, name)
	delete(c.byID, t.ID)
	c.dropped[t.ID] = struct{}{}
	listeners := c.notifyLocked()
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(name, nil)
	}
	return true
}

func (c *Catalog) IsDropped(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dropped[id]
	return ok
}

// MarkDropped records a table id the target reported missing so later operations are
// recognised without another lookup.
func (c *Catalog) MarkDropped(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dropped[id]; ok {
		return
	}
	c.dropped[id] = struct{}{}
	c.logger.Info("table marked dropped", zap.Int64("tableID", id))
}

// WaitForRefresh blocks until table id is visible with a version above version.
func (c *Catalog) WaitForRefresh(ctx context.Context, id int64, version int) (*domain.Table, error) {
	for {
		c.mu.Lock()
		_, gone := c.dropped[id]
		t, ok := c.byID[id]
		if gone || !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: id %d", ErrTableRemoved, id)
		}
		if t.Version > version {
			out := t.Clone()
			c.mu.Unlock()
			return out, nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// PendingEvolution returns the newest definition of name that differs from (id, version):
// either a higher version of the same id or a recreated table with another id.
func (c *Catalog) PendingEvolution(name string, id int64, version int) (*domain.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.evolutions) - 1; i >= 0; i-- {
		t := c.evolutions[i]
		if t.Name != name {
			continue
		}
		if t.ID != id || t.Version > version {
			return t.Clone(), true
		}
		return nil, false
	}
	return nil, false
}

// Changed returns a channel closed on the next definition change.
func (c *Catalog) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Catalog) Translate(sourceRegion string, id domain.RegionID) (domain.RegionID, error) {
	if c.translator == nil {
		return domain.RegionIDUnknown, fmt.Errorf("%w: no region metadata", region.ErrInvalid)
	}
	return c.translator.Translate(sourceRegion, id)
}

func (c *Catalog) Translator() *region.Translator { return c.translator }

func (c *Catalog) notifyLocked() []ChangeFunc {
	close(c.changed)
	c.changed = make(chan struct{})
	return append([]ChangeFunc(nil), c.listeners...)
}
