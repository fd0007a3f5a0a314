// Package processing is the narrow boundary between Meridian and the
// geospatial engine that materializes resources.
//
// The engine is an external collaborator. Meridian only decides where a
// resource lives and whether an earlier answer can be reused; it never
// interprets tiles itself.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a resource id is unknown to the engine.
var ErrNotFound = errors.New("resource not found")

// Engine opens resources by id.
type Engine interface {
	// Open materializes the resource. It may be slow.
	Open(ctx context.Context, id string) (Resource, error)
	// List returns the ids of the resources the engine can open.
	List(ctx context.Context) ([]string, error)
}

// Resource is a materialized, queryable resource.
type Resource interface {
	Metadata() Metadata
	// Tile returns the encoded cells under root down to depth levels below it.
	Tile(ctx context.Context, root string, depth int) ([]byte, error)
	// Cell returns the value of field in cell, or every field when field is empty.
	Cell(ctx context.Context, cell, field string) (json.RawMessage, error)
	// TileWhere is Tile restricted to cells whose field lies in [Min, Max].
	TileWhere(ctx context.Context, q TileQuery) ([]byte, error)
}

// Metadata describes a resource.
type Metadata struct {
	Updated time.Time  `json:"updated"`
	ID      string     `json:"id"`
	Name    string     `json:"name,omitempty"`
	Fields  []string   `json:"fields"`
	Bounds  [4]float64 `json:"bounds"`
	Cells   int        `json:"cells"`
}

// TileQuery selects the cells of a tile whose Field value is within [Min, Max].
// Both bounds are inclusive; use math.Inf for an open bound.
type TileQuery struct {
	Root  string  `json:"root"`
	Field string  `json:"field"`
	Depth int     `json:"depth"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Geometry is a GeoJSON geometry object. Its JSON form always starts with
// '{', which keeps inline content keys distinguishable from stored ones.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}
