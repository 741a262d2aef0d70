// Package catalog caches the table metadata of a storage engine.
package catalog

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/ancdb/ancdb/internal/dberr"
	"github.com/ancdb/ancdb/internal/storage"
)

// Table is the metadata of one table.
type Table struct {
	ID   uint32
	Name string
}

// Catalog maps table ids to tables. The engine stays the source of truth;
// the catalog only learns about a table once its creation has committed.
type Catalog struct {
	mu     sync.RWMutex
	tables map[uint32]Table
}

// Load builds a catalog from the tables already persisted in e.
func Load(e storage.Engine) (*Catalog, error) {
	infos, err := e.Tables()
	if err != nil {
		return nil, errors.Wrap(err, "load catalog")
	}
	c := New()
	for _, info := range infos {
		c.tables[info.ID] = Table{ID: info.ID, Name: info.Name}
	}
	return c, nil
}

func New() *Catalog {
	return &Catalog{tables: make(map[uint32]Table)}
}

func (c *Catalog) Lookup(id uint32) (Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[id]
	return t, ok
}

// Require is Lookup that fails with ErrTableNotFound.
func (c *Catalog) Require(id uint32) (Table, error) {
	t, ok := c.Lookup(id)
	if !ok {
		return Table{}, errors.Wrapf(dberr.ErrTableNotFound, "table %d", id)
	}
	return t, nil
}

// List returns all tables ordered by id.
func (c *Catalog) List() []Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}

// Apply records tables whose creation has been committed.
func (c *Catalog) Apply(created []storage.TableInfo) {
	if len(created) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range created {
		c.tables[info.ID] = Table{ID: info.ID, Name: info.Name}
	}
}
