package node

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/dreamware/meridian/internal/cache"
	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/metrics"
	"github.com/dreamware/meridian/internal/processing"
	"github.com/dreamware/meridian/internal/resolver"
	"github.com/dreamware/meridian/internal/storage"
)

// RequestDurationSeconds observes handler latency.
// [route, code].
var RequestDurationSeconds = metrics.MustRegisterHistogramVec(
	"http",
	"request_duration_seconds",
	"Duration of node HTTP requests.",
	prometheus.DefBuckets,
	"route", "code",
)

// Handler returns the node's HTTP API.
//
//	GET  /health
//	GET  /info
//	GET  /metrics
//	POST /cluster/membership
//	GET  /api/v1/Resource
//	GET  /api/v1/Resource/{id}
//	GET  /api/v1/Resource/{id}/Tile?root=&depth=[&format=base64]
//	GET  /api/v1/Resource/{id}/Tile/Where?root=&depth=&field=&min=&max=[&format=]
//	GET  /api/v1/Resource/{id}/Cell?cell=[&field=]
//	POST /api/v1/Resource/{id}/Refresh[?minAge=]
//	POST /api/v1/Geometry
//	GET  /api/v1/Geometry/{key}
//	PUT  /api/v1/Geometry/{key}
//	GET  /api/v1/Cluster/Resources
func (s *Service) Handler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, s.Info())
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /cluster/membership", cluster.MembershipHandler(s.updates))

	mux.HandleFunc("GET /api/v1/Resource", func(w http.ResponseWriter, r *http.Request) {
		handleListResources(s, w, r)
	})
	mux.HandleFunc("GET /api/v1/Resource/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleMetadata(s, w, r)
	})
	mux.HandleFunc("GET /api/v1/Resource/{id}/Tile", func(w http.ResponseWriter, r *http.Request) {
		handleTile(s, w, r)
	})
	mux.HandleFunc("GET /api/v1/Resource/{id}/Tile/Where", func(w http.ResponseWriter, r *http.Request) {
		handleTileWhere(s, w, r)
	})
	mux.HandleFunc("GET /api/v1/Resource/{id}/Cell", func(w http.ResponseWriter, r *http.Request) {
		handleCell(s, w, r)
	})
	mux.HandleFunc("POST /api/v1/Resource/{id}/Refresh", func(w http.ResponseWriter, r *http.Request) {
		handleRefresh(s, w, r)
	})
	mux.HandleFunc("POST /api/v1/Geometry", func(w http.ResponseWriter, r *http.Request) {
		handleAddGeometry(s, w, r)
	})
	mux.HandleFunc("GET /api/v1/Geometry/{key}", func(w http.ResponseWriter, r *http.Request) {
		handleGetGeometry(s, w, r)
	})
	mux.HandleFunc("PUT /api/v1/Geometry/{key}", func(w http.ResponseWriter, r *http.Request) {
		handlePutGeometry(s, w, r)
	})
	mux.HandleFunc("GET /api/v1/Cluster/Resources", func(w http.ResponseWriter, r *http.Request) {
		handleClusterResources(s, w, r)
	})

	return withRequestLogging(logger, mux)
}

// statusRecorder captures the response code for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestLogging stores a request-scoped logger in the context and
// records each request's duration.
func withRequestLogging(logger *slog.Logger, next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLogger := logger.With("method", r.Method, "path", r.URL.Path)
		if r.Header.Get(cluster.ForwardedHeader) != "" {
			reqLogger = reqLogger.With("forwarded", true)
		}
		r = r.WithContext(slogcontext.NewCtx(r.Context(), reqLogger))

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, route := next.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		RequestDurationSeconds.WithLabelValues(route, strconv.Itoa(rec.code)).Observe(elapsed.Seconds())
		reqLogger.DebugContext(r.Context(), "request served", "code", rec.code, "elapsed", elapsed)
	})
}

func forwarded(r *http.Request) bool {
	return r.Header.Get(cluster.ForwardedHeader) != ""
}

// resource resolves the path's resource, writing the error response when
// that fails. Forwarded requests are served locally or refused with 421, so
// stale rings cannot bounce a request between nodes.
func resource(s *Service, w http.ResponseWriter, r *http.Request) (*resolver.ResourceResolver, bool) {
	id := r.PathValue("id")
	var (
		res *resolver.ResourceResolver
		err error
	)
	if forwarded(r) {
		res, err = s.ForwardedResource(r.Context(), id)
	} else {
		res, err = s.Resource(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return res, true
}

func handleListResources(s *Service, w http.ResponseWriter, r *http.Request) {
	ids, err := s.LocalResources(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, ids)
}

func handleMetadata(s *Service, w http.ResponseWriter, r *http.Request) {
	res, ok := resource(s, w, r)
	if !ok {
		return
	}
	md, err := res.Metadata(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, md)
}

// handleTile serves GET /api/v1/Resource/{id}/Tile.
//
// Query: root (cell id prefix, may be empty), depth (levels below root,
// default 0), format (base64 for a text body, anything else for raw bytes).
func handleTile(s *Service, w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, ok := resource(s, w, r)
	if !ok {
		return
	}
	data, err := res.Tile(r.Context(), r.URL.Query().Get("root"), depth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeBinary(w, r, data)
}

func handleTileWhere(s *Service, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tq := processing.TileQuery{Root: q.Get("root"), Field: q.Get("field")}
	if tq.Field == "" {
		http.Error(w, "field is required", http.StatusBadRequest)
		return
	}
	var err error
	if tq.Depth, err = intParam(r, "depth"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if tq.Min, err = floatParam(r, "min", math.Inf(-1)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if tq.Max, err = floatParam(r, "max", math.Inf(1)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, ok := resource(s, w, r)
	if !ok {
		return
	}
	data, err := res.TileWhere(r.Context(), tq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeBinary(w, r, data)
}

func handleCell(s *Service, w http.ResponseWriter, r *http.Request) {
	cell := r.URL.Query().Get("cell")
	if cell == "" {
		http.Error(w, "cell is required", http.StatusBadRequest)
		return
	}
	res, ok := resource(s, w, r)
	if !ok {
		return
	}
	v, err := res.Cell(r.Context(), cell, r.URL.Query().Get("field"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, v)
}

// handleRefresh serves POST /api/v1/Resource/{id}/Refresh.
//
// minAge (a Go duration, default 0) protects entries younger than it. The
// response reports whether this node dropped anything; peers that could
// not be notified are logged and reported in "errors".
func handleRefresh(s *Service, w http.ResponseWriter, r *http.Request) {
	var minAge time.Duration
	if v := r.URL.Query().Get("minAge"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid minAge: "+err.Error(), http.StatusBadRequest)
			return
		}
		minAge = d
	}

	id := r.PathValue("id")
	removed, err := s.Refresh(r.Context(), id, minAge, forwarded(r))
	resp := struct {
		Errors      string `json:"errors,omitempty"`
		Invalidated bool   `json:"invalidated"`
	}{Invalidated: removed}
	if err != nil {
		slogcontext.FromCtx(r.Context()).WarnContext(r.Context(), "refresh not delivered to every peer", "resource", id, "err", err)
		resp.Errors = err.Error()
	}
	writeJSON(w, r, resp)
}

func handleAddGeometry(s *Service, w http.ResponseWriter, r *http.Request) {
	var g processing.Geometry
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		http.Error(w, "invalid geometry: "+err.Error(), http.StatusBadRequest)
		return
	}
	key, err := s.AddGeometry(r.Context(), g)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONCode(w, r, http.StatusCreated, map[string]string{"key": key})
}

func handleGetGeometry(s *Service, w http.ResponseWriter, r *http.Request) {
	g, err := s.Geometry(r.Context(), r.PathValue("key"), forwarded(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, g)
}

func handlePutGeometry(s *Service, w http.ResponseWriter, r *http.Request) {
	var g processing.Geometry
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		http.Error(w, "invalid geometry: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.PutGeometry(r.PathValue("key"), g); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleClusterResources(s *Service, w http.ResponseWriter, r *http.Request) {
	idx, err := s.ClusterResources(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, idx)
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + ": " + v)
	}
	return n, nil
}

// floatParam parses a float query parameter, returning def when it is absent.
func floatParam(r *http.Request, name string, def float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.New("invalid " + name + ": " + v)
	}
	return f, nil
}

// statusFor maps an error to the response code.
func statusFor(err error) int {
	var statusErr *cluster.StatusError
	switch {
	case errors.Is(err, ErrMisdirected):
		return http.StatusMisdirectedRequest
	case errors.Is(err, processing.ErrNotFound), errors.Is(err, storage.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.As(err, &statusErr):
		return statusErr.Code
	case errors.Is(err, resolver.ErrFaulted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slogcontext.FromCtx(r.Context()).ErrorContext(r.Context(), "request failed", "code", code, "err", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	writeJSONCode(w, r, http.StatusOK, v)
}

func writeJSONCode(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slogcontext.FromCtx(r.Context()).WarnContext(r.Context(), "write response", "err", err)
	}
}

// writeBinary writes data raw, or base64 encoded with
// Content-Transfer-Encoding set when format=base64 was requested.
func writeBinary(w http.ResponseWriter, r *http.Request, data []byte) {
	var err error
	if r.URL.Query().Get("format") == resolver.FormatBase64 {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set(resolver.TransferEncodingHeader, resolver.FormatBase64)
		_, err = w.Write([]byte(base64.StdEncoding.EncodeToString(data)))
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, err = w.Write(data)
	}
	if err != nil {
		slogcontext.FromCtx(r.Context()).WarnContext(r.Context(), "write response", "err", err)
	}
}
