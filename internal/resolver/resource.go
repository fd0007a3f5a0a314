package resolver

import (
	"context"
	"encoding/json"

	"github.com/go-logr/logr"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/processing"
)

// resolvedResource is what a resource resolves to: the opened resource when
// local, otherwise only the owner's metadata.
type resolvedResource struct {
	res  processing.Resource
	meta processing.Metadata
}

// ResourceResolver locates a resource on the cluster and serves its data
// from the engine when local or from the owning node otherwise.
//
// Resolution starts on construction and settles once. A faulted resolver
// stays faulted; construct a new one to retry.
type ResourceResolver struct {
	engine processing.Engine
	client *Client
	f      *future[resolvedResource]
	id     string
	owner  string
	local  bool
}

// NewResource decides the owner of id synchronously and starts resolution
// in the background. Resolution is detached from ctx cancellation so a
// cached resolver outlives the request that created it.
func NewResource(ctx context.Context, c *cluster.Cluster, engine processing.Engine, client *Client, id string) *ResourceResolver {
	owner, local := c.EndpointForResource(id)
	r := &ResourceResolver{
		engine: engine,
		client: client,
		f:      newFuture[resolvedResource](),
		id:     id,
		owner:  owner,
		local:  local,
	}
	go r.resolve(context.WithoutCancel(ctx))
	return r
}

// NewLocalResource resolves id with the local engine whatever the ring
// says. It serves requests forwarded by other nodes and failover when the
// owner cannot be reached.
func NewLocalResource(ctx context.Context, engine processing.Engine, id string) *ResourceResolver {
	r := &ResourceResolver{
		engine: engine,
		f:      newFuture[resolvedResource](),
		id:     id,
		local:  true,
	}
	go r.resolve(context.WithoutCancel(ctx))
	return r
}

func (r *ResourceResolver) resolve(ctx context.Context) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("resource", r.id, "owner", r.owner, "local", r.local)

	if r.local {
		res, err := r.engine.Open(ctx, r.id)
		if err != nil {
			logger.Error(err, "resource resolution faulted")
			r.f.fail(err)
			return
		}
		r.f.resolve(resolvedResource{res: res, meta: res.Metadata()})
		logger.V(1).Info("resource ready")
		return
	}

	md, err := r.client.Metadata(ctx, r.owner, r.id)
	if err != nil {
		logger.Error(err, "resource resolution faulted")
		r.f.fail(err)
		return
	}
	r.f.resolve(resolvedResource{meta: md})
	logger.V(1).Info("resource ready")
}

// ID returns the resource id.
func (r *ResourceResolver) ID() string { return r.id }

// Owner returns the owning endpoint, empty in single-node mode.
func (r *ResourceResolver) Owner() string { return r.owner }

// Local reports whether this node owns the resource.
func (r *ResourceResolver) Local() bool { return r.local }

// State returns the current resolution state.
func (r *ResourceResolver) State() State { return r.f.State() }

// Err returns the fault once Faulted, otherwise nil.
func (r *ResourceResolver) Err() error { return r.f.Err() }

// Wait blocks until resolution settles and returns the fault, if any.
func (r *ResourceResolver) Wait(ctx context.Context) error {
	_, err := r.f.wait(ctx)
	return err
}

// Metadata returns the resource metadata.
func (r *ResourceResolver) Metadata(ctx context.Context) (processing.Metadata, error) {
	v, err := r.f.wait(ctx)
	return v.meta, err
}

// Tile returns the encoded tile under root.
func (r *ResourceResolver) Tile(ctx context.Context, root string, depth int) ([]byte, error) {
	v, err := r.f.wait(ctx)
	if err != nil {
		return nil, err
	}
	if r.local {
		return v.res.Tile(ctx, root, depth)
	}
	return r.client.Tile(ctx, r.owner, r.id, root, depth)
}

// Cell returns the value of field in cell.
func (r *ResourceResolver) Cell(ctx context.Context, cell, field string) (json.RawMessage, error) {
	v, err := r.f.wait(ctx)
	if err != nil {
		return nil, err
	}
	if r.local {
		return v.res.Cell(ctx, cell, field)
	}
	return r.client.Cell(ctx, r.owner, r.id, cell, field)
}

// TileWhere returns the filtered tile described by q.
func (r *ResourceResolver) TileWhere(ctx context.Context, q processing.TileQuery) ([]byte, error) {
	v, err := r.f.wait(ctx)
	if err != nil {
		return nil, err
	}
	if r.local {
		return v.res.TileWhere(ctx, q)
	}
	return r.client.TileWhere(ctx, r.owner, r.id, q)
}
