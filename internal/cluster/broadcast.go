package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/meridian/internal/metrics"
)

// BroadcastErrorsTotal counts failed calls to peers during a fan-out.
// [ring].
var BroadcastErrorsTotal = metrics.MustRegisterCounterVec(
	"cluster",
	"broadcast_errors_total",
	"Number of failed peer calls during broadcasts.",
	"ring",
)

// BroadcastResult collects the per-endpoint outcome of a fan-out.
// Every peer appears in exactly one of the two maps.
type BroadcastResult[T any] struct {
	Results map[string]T
	Errors  map[string]error
}

// Err joins the per-endpoint errors in endpoint order, or returns nil.
func (r BroadcastResult[T]) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	endpoints := make([]string, 0, len(r.Errors))
	for e := range r.Errors {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)
	errs := make([]error, 0, len(endpoints))
	for _, e := range endpoints {
		errs = append(errs, fmt.Errorf("%s: %w", e, r.Errors[e]))
	}
	return errors.Join(errs...)
}

// Broadcast GETs path from every peer on ring and decodes each JSON
// response as T. One failing peer does not cancel the others; its error is
// reported in the result alongside the successful responses.
func Broadcast[T any](ctx context.Context, c *Cluster, ring, path string) BroadcastResult[T] {
	peers := c.Peers(ring)
	res := BroadcastResult[T]{
		Results: make(map[string]T, len(peers)),
		Errors:  make(map[string]error),
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, endpoint := range peers {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, MetadataTimeout)
			defer cancel()

			var out T
			err := DoJSON(callCtx, c.client, http.MethodGet, endpoint+path, nil, &out)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[endpoint] = err
				BroadcastErrorsTotal.WithLabelValues(ring).Inc()
				c.logger.Error(err, "broadcast call failed", "ring", ring, "endpoint", endpoint, "path", path)
				return nil
			}
			res.Results[endpoint] = out
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// Notify POSTs body as JSON to path on every peer on ring, marking each
// request with ForwardedHeader. It returns the joined peer errors.
func (c *Cluster) Notify(ctx context.Context, ring, path string, body any) error {
	peers := c.Peers(ring)

	var mu sync.Mutex
	failed := make(map[string]error)
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, endpoint := range peers {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, MetadataTimeout)
			defer cancel()

			req, err := NewJSONRequest(callCtx, http.MethodPost, endpoint+path, body)
			if err == nil {
				req.Header.Set(ForwardedHeader, "1")
				err = Do(c.client, req, nil)
			}
			if err != nil {
				BroadcastErrorsTotal.WithLabelValues(ring).Inc()
				c.logger.Error(err, "notify failed", "ring", ring, "endpoint", endpoint, "path", path)
				mu.Lock()
				failed[endpoint] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return BroadcastResult[struct{}]{Errors: failed}.Err()
}
