package resolver

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/dreamware/meridian/internal/cache"
	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/processing"
)

// GeometryStore is the content-addressed geometry cache of this node.
// *cache.ContentStore[processing.Geometry] implements it.
type GeometryStore interface {
	Key(g processing.Geometry) (string, error)
	Add(g processing.Geometry) (string, error)
	Get(key string) (processing.Geometry, error)
}

// GeometryResolver locates a geometry by its content key.
type GeometryResolver struct {
	f     *future[processing.Geometry]
	key   string
	owner string
	local bool
}

// NewGeometry resolves the geometry stored under key, from the local store
// when this node owns the key and from the owner otherwise. Inline keys
// carry the geometry itself and always resolve locally.
func NewGeometry(ctx context.Context, c *cluster.Cluster, store GeometryStore, client *Client, key string) *GeometryResolver {
	r := newGeometryResolver(c, key)
	go func(ctx context.Context) {
		logger := logr.FromContextOrDiscard(ctx).WithValues("geometry", key, "owner", r.owner)
		if r.local {
			g, err := store.Get(key)
			r.settle(logger, g, err)
			return
		}
		g, err := client.Geometry(ctx, r.owner, key)
		if err == nil {
			err = checkKey(store, key, g)
		}
		r.settle(logger, g, err)
	}(context.WithoutCancel(ctx))
	return r
}

// NewGeometryWithValue computes the key of g and makes sure the owner holds
// it: the value is added to the local store or forwarded to the owner with
// a PUT.
func NewGeometryWithValue(ctx context.Context, c *cluster.Cluster, store GeometryStore, client *Client, g processing.Geometry) *GeometryResolver {
	key, err := store.Key(g)
	if err != nil {
		r := &GeometryResolver{f: newFuture[processing.Geometry](), local: true}
		r.f.fail(err)
		return r
	}

	r := newGeometryResolver(c, key)
	go func(ctx context.Context) {
		logger := logr.FromContextOrDiscard(ctx).WithValues("geometry", key, "owner", r.owner)
		var err error
		if r.local {
			_, err = store.Add(g)
		} else {
			err = client.PutGeometry(ctx, r.owner, key, g)
		}
		r.settle(logger, g, err)
	}(context.WithoutCancel(ctx))
	return r
}

func newGeometryResolver(c *cluster.Cluster, key string) *GeometryResolver {
	r := &GeometryResolver{f: newFuture[processing.Geometry](), key: key, local: true}
	if !cache.IsInline(key) {
		r.owner, r.local = c.EndpointForGeometry(key)
	}
	return r
}

func (r *GeometryResolver) settle(logger logr.Logger, g processing.Geometry, err error) {
	if err != nil {
		logger.Error(err, "geometry resolution faulted")
		r.f.fail(err)
		return
	}
	r.f.resolve(g)
}

// checkKey rejects a remote answer whose content does not hash to key.
func checkKey(store GeometryStore, key string, g processing.Geometry) error {
	got, err := store.Key(g)
	if err != nil {
		return err
	}
	if got != key {
		return fmt.Errorf("%w: geometry content hashes to %s", cache.ErrCorrupt, got)
	}
	return nil
}

// Key returns the content key.
func (r *GeometryResolver) Key() string { return r.key }

// Owner returns the owning endpoint, empty when local.
func (r *GeometryResolver) Owner() string { return r.owner }

// Local reports whether this node owns the geometry.
func (r *GeometryResolver) Local() bool { return r.local }

// State returns the current resolution state.
func (r *GeometryResolver) State() State { return r.f.State() }

// Wait blocks until resolution settles and returns the fault, if any.
func (r *GeometryResolver) Wait(ctx context.Context) error {
	_, err := r.f.wait(ctx)
	return err
}

// Geometry returns the resolved geometry.
func (r *GeometryResolver) Geometry(ctx context.Context) (processing.Geometry, error) {
	return r.f.wait(ctx)
}
