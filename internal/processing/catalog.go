package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/dreamware/meridian/internal/storage"
)

// resourcePrefix is the storage namespace for dataset documents.
const resourcePrefix = "resources/"

// Dataset is the stored form of a Catalog resource. Cells are keyed by a
// hierarchical cell id where each character is one level, so a cell's
// ancestors are its prefixes.
type Dataset struct {
	Metadata Metadata                      `json:"metadata"`
	Cells    map[string]map[string]float64 `json:"cells"`
}

// TileCell is one cell of an encoded tile.
type TileCell struct {
	Values map[string]float64 `json:"values"`
	ID     string             `json:"id"`
}

// Catalog is a minimal Engine serving datasets kept in a storage.Store.
// It stands in for the real geospatial engine in single-binary
// deployments and tests.
type Catalog struct {
	store storage.Store
	opens atomic.Int64
}

// NewCatalog returns a Catalog over store.
func NewCatalog(store storage.Store) *Catalog {
	return &Catalog{store: store}
}

// Put stores a dataset, replacing any earlier version with the same id.
func (c *Catalog) Put(d Dataset) error {
	if d.Metadata.ID == "" {
		return errors.New("dataset id is required")
	}
	d.Metadata.Cells = len(d.Cells)
	if len(d.Metadata.Fields) == 0 {
		d.Metadata.Fields = fieldsOf(d.Cells)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dataset %s: %w", d.Metadata.ID, err)
	}
	return c.store.Write(resourcePrefix+d.Metadata.ID, data)
}

// Open loads a dataset.
func (c *Catalog) Open(ctx context.Context, id string) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.opens.Add(1)
	data, err := c.store.Read(resourcePrefix + id)
	if errors.Is(err, storage.ErrKeyNotFound) || errors.Is(err, storage.ErrInvalidKey) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	var d Dataset
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", id, err)
	}
	return &dataset{d: d}, nil
}

// List returns the ids of all stored datasets in sorted order.
func (c *Catalog) List(ctx context.Context) ([]string, error) {
	keys, err := c.store.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := strings.CutPrefix(k, resourcePrefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Opens returns how many times Open has been called.
func (c *Catalog) Opens() int64 {
	return c.opens.Load()
}

func fieldsOf(cells map[string]map[string]float64) []string {
	seen := map[string]struct{}{}
	for _, values := range cells {
		for f := range values {
			seen[f] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

type dataset struct {
	d Dataset
}

func (r *dataset) Metadata() Metadata {
	return r.d.Metadata
}

func (r *dataset) Tile(ctx context.Context, root string, depth int) ([]byte, error) {
	return r.tile(root, depth, func(map[string]float64) bool { return true })
}

func (r *dataset) TileWhere(ctx context.Context, q TileQuery) ([]byte, error) {
	return r.tile(q.Root, q.Depth, func(values map[string]float64) bool {
		v, ok := values[q.Field]
		return ok && v >= q.Min && v <= q.Max
	})
}

func (r *dataset) tile(root string, depth int, keep func(map[string]float64) bool) ([]byte, error) {
	if depth < 0 {
		return nil, fmt.Errorf("invalid depth %d", depth)
	}
	cells := make([]TileCell, 0)
	for id, values := range r.d.Cells {
		if !strings.HasPrefix(id, root) || len(id)-len(root) > depth {
			continue
		}
		if keep(values) {
			cells = append(cells, TileCell{ID: id, Values: values})
		}
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].ID < cells[j].ID })
	return json.Marshal(cells)
}

func (r *dataset) Cell(ctx context.Context, cell, field string) (json.RawMessage, error) {
	values, ok := r.d.Cells[cell]
	if !ok {
		return nil, fmt.Errorf("%w: cell %s", ErrNotFound, cell)
	}
	if field == "" {
		return json.Marshal(values)
	}
	v, ok := values[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %s", ErrNotFound, field)
	}
	return json.Marshal(v)
}
