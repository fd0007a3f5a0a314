package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/dreamware/meridian/internal/cache"
	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/processing"
	"github.com/dreamware/meridian/internal/resolver"
	"github.com/dreamware/meridian/internal/storage"
)

// geometryPrefix is the storage namespace of the geometry content store.
const geometryPrefix = "geometry/"

// ErrMisdirected is returned for a forwarded request naming a resource the
// ring places on another node.
var ErrMisdirected = errors.New("resource not owned by this node")

// Options configures a Service.
type Options struct {
	Cluster *cluster.Cluster
	Engine  processing.Engine
	// Store backs the geometry content store.
	Store storage.Store
	// Client issues requests to other nodes.
	Client *http.Client
	Logger logr.Logger
	// ID names the node in /info.
	ID string
	// Self is the node's public address, used as its key in the cluster index.
	Self string
	// HitTTL and MissTTL bound the resource resolver cache.
	HitTTL  time.Duration
	MissTTL time.Duration
	// CacheSize bounds the resource resolver cache; zero selects cache.DefaultSize.
	CacheSize int
	// InlineThreshold is the serialized size below which geometry keys are inline.
	InlineThreshold int
}

// ClusterIndex lists the resources known to each node.
type ClusterIndex struct {
	// Resources maps node address to resource ids.
	Resources map[string][]string `json:"resources"`
	// Errors maps node address to the reason it could not be listed.
	Errors map[string]string `json:"errors,omitempty"`
}

// Service owns every cache and routing structure of a worker node. One
// instance is built per process and handed to the HTTP handlers.
type Service struct {
	cluster      *cluster.Cluster
	engine       processing.Engine
	store        storage.Store
	client       *resolver.Client
	resources    *cache.MultiResolver[string, *resolver.ResourceResolver]
	geometries   *cache.ContentStore[processing.Geometry]
	localIndex   *cache.Memo[[]string]
	clusterIndex *cache.Memo[ClusterIndex]
	updates      chan cluster.Membership
	logger       logr.Logger
	id           string
	self         string
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Cluster == nil || opts.Engine == nil || opts.Store == nil {
		return nil, errors.New("cluster, engine and store are required")
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}

	s := &Service{
		cluster: opts.Cluster,
		engine:  opts.Engine,
		store:   opts.Store,
		client:  resolver.NewClient(opts.Client),
		updates: make(chan cluster.Membership),
		logger:  opts.Logger,
		id:      opts.ID,
		self:    cluster.NormalizeAddress(opts.Self),
	}

	var err error
	s.geometries, err = cache.NewContentStore[processing.Geometry](opts.Store, cache.ContentOptions{
		Name:            "geometry",
		Prefix:          geometryPrefix,
		Logger:          opts.Logger,
		InlineThreshold: opts.InlineThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("geometry store: %w", err)
	}

	s.resources, err = cache.NewMultiResolver[string, *resolver.ResourceResolver](cache.MultiOptions{
		Name:    "resources",
		Logger:  opts.Logger,
		HitTTL:  opts.HitTTL,
		MissTTL: opts.MissTTL,
		Size:    opts.CacheSize,
	}, s.resolveOwned, s.resolveFallback)
	if err != nil {
		return nil, fmt.Errorf("resource cache: %w", err)
	}

	s.localIndex = cache.NewMemo(s.listLocal,
		cache.WithName[[]string]("local-index"),
		cache.WithLogger[[]string](opts.Logger),
	)
	s.clusterIndex = cache.NewMemo(s.gatherIndex,
		cache.WithName[ClusterIndex]("cluster-index"),
		cache.WithLogger[ClusterIndex](opts.Logger),
		cache.WithValidator(validateIndex),
	)
	s.clusterIndex.DependsOn(s.localIndex)

	return s, nil
}

// Cluster returns the node's cluster view.
func (s *Service) Cluster() *cluster.Cluster { return s.cluster }

// Updates is the membership feed consumed by Run.
func (s *Service) Updates() chan<- cluster.Membership { return s.updates }

// Run applies membership updates until ctx is done. Every update drops the
// cached resolvers and the cluster index since ownership may have moved.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.updates:
			s.ApplyMembership(m)
		}
	}
}

// ApplyMembership applies one membership message.
func (s *Service) ApplyMembership(m cluster.Membership) {
	s.cluster.Apply(m)
	s.resources.Purge()
	s.clusterIndex.Invalidate()
}

// resolveOwned resolves a resource wherever the ring places it.
func (s *Service) resolveOwned(ctx context.Context, id string) (*resolver.ResourceResolver, bool, error) {
	r := resolver.NewResource(logr.NewContext(ctx, s.logger), s.cluster, s.engine, s.client, id)
	if err := r.Wait(ctx); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// resolveFallback opens a remotely owned resource with the local engine, for
// when the owner cannot serve it.
func (s *Service) resolveFallback(ctx context.Context, id string) (*resolver.ResourceResolver, bool, error) {
	if _, local := s.cluster.EndpointForResource(id); local {
		return nil, false, nil
	}
	r := resolver.NewLocalResource(logr.NewContext(ctx, s.logger), s.engine, id)
	if err := r.Wait(ctx); err != nil {
		return nil, false, err
	}
	s.logger.Info("serving remotely owned resource from local engine", "resource", id)
	return r, true, nil
}

// Resource returns the resolver for id.
func (s *Service) Resource(ctx context.Context, id string) (*resolver.ResourceResolver, error) {
	r, ok, err := s.resources.Get(ctx, id)
	if ok {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", processing.ErrNotFound, id)
}

// ForwardedResource returns the resolver for a resource another node sent
// here. It never proxies: a resource the ring places elsewhere fails with
// ErrMisdirected, and an owned one is opened with the local engine.
func (s *Service) ForwardedResource(ctx context.Context, id string) (*resolver.ResourceResolver, error) {
	if endpoint, local := s.cluster.EndpointForResource(id); !local {
		return nil, fmt.Errorf("%w: %s belongs to %s", ErrMisdirected, id, endpoint)
	}
	if r, ok := s.resources.Peek(id); ok && r.Local() {
		return r, nil
	}
	r := resolver.NewLocalResource(logr.NewContext(ctx, s.logger), s.engine, id)
	if err := r.Wait(ctx); err != nil {
		return nil, err
	}
	s.resources.Add(id, r)
	return r, nil
}

// Refresh drops the cached resolver for id if it is at least minAge old,
// together with the local index and everything depending on it. Unless the
// call was itself forwarded, the other nodes are told to do the same.
func (s *Service) Refresh(ctx context.Context, id string, minAge time.Duration, forwarded bool) (bool, error) {
	removed := s.resources.Invalidate(id, minAge)
	if removed {
		s.localIndex.Invalidate()
	}
	if forwarded {
		return removed, nil
	}
	path := resolver.ResourcePath(id, "/Refresh") + "?minAge=" + minAge.String()
	return removed, s.cluster.Notify(ctx, cluster.RingServers, path, nil)
}

func (s *Service) listLocal(ctx context.Context) ([]string, error) {
	return s.engine.List(ctx)
}

// LocalResources returns the ids the local engine can open.
func (s *Service) LocalResources(ctx context.Context) ([]string, error) {
	return s.localIndex.Get(ctx)
}

func (s *Service) gatherIndex(ctx context.Context) (ClusterIndex, error) {
	local, err := s.localIndex.Get(ctx)
	if err != nil {
		return ClusterIndex{}, err
	}

	res := cluster.Broadcast[[]string](ctx, s.cluster, cluster.RingServers, "/api/v1/Resource")
	idx := ClusterIndex{
		Resources: make(map[string][]string, len(res.Results)+1),
		Errors:    make(map[string]string, len(res.Errors)),
	}
	idx.Resources[s.self] = local
	for endpoint, ids := range res.Results {
		sort.Strings(ids)
		idx.Resources[endpoint] = ids
	}
	for endpoint, err := range res.Errors {
		idx.Errors[endpoint] = err.Error()
	}
	return idx, nil
}

// validateIndex refuses an index to which no peer contributed, so the next
// request asks again instead of serving a local-only view.
func validateIndex(idx ClusterIndex) error {
	if len(idx.Errors) > 0 && len(idx.Resources) == 1 {
		return fmt.Errorf("no peer answered: %d failed", len(idx.Errors))
	}
	return nil
}

// ClusterResources returns the memoized cluster-wide resource index.
func (s *Service) ClusterResources(ctx context.Context) (ClusterIndex, error) {
	return s.clusterIndex.Get(ctx)
}

// AddGeometry stores g on its owner and returns its content key.
func (s *Service) AddGeometry(ctx context.Context, g processing.Geometry) (string, error) {
	r := resolver.NewGeometryWithValue(logr.NewContext(ctx, s.logger), s.cluster, s.geometries, s.client, g)
	if err := r.Wait(ctx); err != nil {
		return "", err
	}
	return r.Key(), nil
}

// Geometry returns the geometry behind key. Forwarded requests are answered
// from the local store only.
func (s *Service) Geometry(ctx context.Context, key string, forwarded bool) (processing.Geometry, error) {
	if forwarded {
		return s.geometries.Get(key)
	}
	return resolver.NewGeometry(logr.NewContext(ctx, s.logger), s.cluster, s.geometries, s.client, key).Geometry(ctx)
}

// PutGeometry stores a geometry forwarded by another node under key. The
// key must match the content.
func (s *Service) PutGeometry(key string, g processing.Geometry) error {
	want, err := s.geometries.Key(g)
	if err != nil {
		return err
	}
	if want != key {
		return fmt.Errorf("%w: content hashes to %s", cache.ErrInvalidKey, want)
	}
	_, err = s.geometries.Add(g)
	return err
}

// Info describes the node for /info.
type Info struct {
	Rings   map[string][]string `json:"rings"`
	ID      string              `json:"node_id"`
	Addr    string              `json:"addr"`
	Storage storage.StoreStats  `json:"storage"`
	Cached  int                 `json:"cached_resources"`
}

// Info reports the node's identity, ring view and storage counters.
func (s *Service) Info() Info {
	rings := make(map[string][]string)
	for _, name := range s.cluster.RingNames() {
		rings[name] = s.cluster.Members(name)
	}
	return Info{
		ID:      s.id,
		Addr:    s.self,
		Rings:   rings,
		Storage: s.store.Stats(),
		Cached:  s.resources.Len(),
	}
}
