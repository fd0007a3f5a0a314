package node

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/cache"
	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/processing"
	"github.com/dreamware/meridian/internal/resolver"
	"github.com/dreamware/meridian/internal/storage"
)

func TestHealthAndInfo(t *testing.T) {
	n := startNode(t)

	resp, _ := get(t, n.srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get(t, n.srv.URL+"/info")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info Info
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, n.url(), info.Addr)
	assert.Contains(t, info.Rings, cluster.RingServers)

	resp, body = get(t, n.srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "meridian_http_request_duration_seconds")
}

func TestResourceEndpointsSingleNode(t *testing.T) {
	n := startNode(t)
	putDataset(t, n, "dem")
	base := n.srv.URL + "/api/v1/Resource"

	resp, body := get(t, base)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `["dem"]`, string(body))

	resp, body = get(t, base+"/dem")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var md processing.Metadata
	require.NoError(t, json.Unmarshal(body, &md))
	assert.Equal(t, "DEM", md.Name)
	assert.Equal(t, 3, md.Cells)

	resp, raw := get(t, base+"/dem/Tile?root=0&depth=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	resp, encoded := get(t, base+"/dem/Tile?root=0&depth=1&format=base64")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, resolver.FormatBase64, resp.Header.Get(resolver.TransferEncodingHeader))
	decoded, err := base64.StdEncoding.DecodeString(string(encoded))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	resp, body = get(t, base+"/dem/Tile/Where?root=0&depth=1&field=height&min=4&max=6")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cells []processing.TileCell
	require.NoError(t, json.Unmarshal(body, &cells))
	require.Len(t, cells, 1)
	assert.Equal(t, "01", cells[0].ID)

	// Open bounds: only max given.
	resp, body = get(t, base+"/dem/Tile/Where?root=0&depth=1&field=height&max=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &cells))
	assert.Len(t, cells, 2)

	// Zero bounds select zero values rather than disabling the filter.
	resp, body = get(t, base+"/dem/Tile/Where?root=0&depth=1&field=height&min=0&max=0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, body = get(t, base+"/dem/Cell?cell=02&field=height")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `9`, string(body))

	assert.Equal(t, int64(1), n.catalog.Opens(), "resolver is cached across requests")
}

func TestResourceEndpointErrors(t *testing.T) {
	n := startNode(t)
	putDataset(t, n, "dem")
	base := n.srv.URL + "/api/v1/Resource"

	tests := []struct {
		name string
		path string
		code int
	}{
		{"unknown resource", "/missing", http.StatusNotFound},
		{"unknown cell", "/dem/Cell?cell=9", http.StatusNotFound},
		{"missing cell", "/dem/Cell", http.StatusBadRequest},
		{"bad depth", "/dem/Tile?depth=deep", http.StatusBadRequest},
		{"negative depth", "/dem/Tile?depth=-1", http.StatusBadRequest},
		{"missing field", "/dem/Tile/Where?depth=1", http.StatusBadRequest},
		{"bad min", "/dem/Tile/Where?field=height&min=low", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := get(t, base+tt.path)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	resp, _ := send(t, http.MethodDelete, base+"/dem", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRefreshGuardsYoungEntries(t *testing.T) {
	n := startNode(t)
	putDataset(t, n, "dem")
	base := n.srv.URL + "/api/v1/Resource/dem"

	resp, _ := get(t, base)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := post(t, base+"/Refresh?minAge=1h", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"invalidated":false}`, string(body))

	resp, body = post(t, base+"/Refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"invalidated":true}`, string(body))

	resp, _ = get(t, base)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), n.catalog.Opens(), "refresh forces a new resolution")

	resp, _ = post(t, base+"/Refresh?minAge=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefreshInvalidatesIndexes(t *testing.T) {
	n := startNode(t)
	putDataset(t, n, "a")

	resp, body := get(t, n.srv.URL+"/api/v1/Cluster/Resources")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var idx ClusterIndex
	require.NoError(t, json.Unmarshal(body, &idx))
	assert.Equal(t, []string{"a"}, idx.Resources[n.url()])

	// Resolve "a" so there is something to refresh, then add "b".
	resp, _ = get(t, n.srv.URL+"/api/v1/Resource/a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	putDataset(t, n, "b")

	_, body = get(t, n.srv.URL+"/api/v1/Cluster/Resources")
	require.NoError(t, json.Unmarshal(body, &idx))
	assert.Equal(t, []string{"a"}, idx.Resources[n.url()], "index is memoized")

	resp, _ = post(t, n.srv.URL+"/api/v1/Resource/a/Refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = get(t, n.srv.URL+"/api/v1/Cluster/Resources")
	require.NoError(t, json.Unmarshal(body, &idx))
	assert.Equal(t, []string{"a", "b"}, idx.Resources[n.url()])
}

func bigPolygon() processing.Geometry {
	pts := make([]string, 0, 41)
	for i := 0; i < 40; i++ {
		pts = append(pts, fmt.Sprintf("[%d.5,%d.5]", i, 40-i))
	}
	pts = append(pts, pts[0])
	return processing.Geometry{Type: "Polygon", Coordinates: json.RawMessage("[[" + strings.Join(pts, ",") + "]]")}
}

func TestGeometryEndpoints(t *testing.T) {
	n := startNode(t)
	base := n.srv.URL + "/api/v1/Geometry"

	resp, body := post(t, base, bigPolygon())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.False(t, cache.IsInline(created.Key))

	resp, body = get(t, base+"/"+url.PathEscape(created.Key))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var g processing.Geometry
	require.NoError(t, json.Unmarshal(body, &g))
	assert.Equal(t, "Polygon", g.Type)

	keys, err := n.store.List()
	require.NoError(t, err)
	assert.Contains(t, keys, geometryPrefix+created.Key)

	point := processing.Geometry{Type: "Point", Coordinates: json.RawMessage(`[3,4]`)}
	resp, body = post(t, base, point)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &created))
	assert.True(t, cache.IsInline(created.Key))

	resp, _ = send(t, http.MethodPut, base+"/"+url.PathEscape("10z"+strings.Repeat("0", 64)), bigPolygon())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "key must match content")

	resp, _ = get(t, base+"/"+url.PathEscape("not-a-key!"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, base, "not a geometry")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTwoNodeProxying(t *testing.T) {
	a := startNode(t)
	b := startNode(t)
	joinAll(a, b)

	id := idOwnedBy(t, a.svc.Cluster(), b)
	putDataset(t, b, id)

	resp, body := get(t, a.srv.URL+"/api/v1/Resource/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var md processing.Metadata
	require.NoError(t, json.Unmarshal(body, &md))
	assert.Equal(t, id, md.ID)

	resp, viaA := get(t, a.srv.URL+"/api/v1/Resource/"+id+"/Tile?root=0&depth=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, direct := get(t, b.srv.URL+"/api/v1/Resource/"+id+"/Tile?root=0&depth=1")
	assert.True(t, bytes.Equal(viaA, direct))

	resp, body = get(t, a.srv.URL+"/api/v1/Resource/"+id+"/Cell?cell=01")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"height":5}`, string(body))

	assert.Zero(t, a.catalog.Opens(), "a never opens a resource b owns")

	// b refuses forwarded requests for resources it does not own.
	other := idOwnedBy(t, b.svc.Cluster(), a)
	putDataset(t, a, other)
	resp, _ = get(t, b.srv.URL+"/api/v1/Resource/"+other, cluster.ForwardedHeader, "1")
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
}

// TestForwardedRequestsNeverProxy puts two nodes on rings that each name
// the other as owner. Forwarded requests must be refused at once instead of
// bouncing between them.
func TestForwardedRequestsNeverProxy(t *testing.T) {
	a := startNode(t)
	b := startNode(t)
	a.svc.ApplyMembership(cluster.Membership{cluster.RingServers: {cluster.APIKind: {b.srv.URL}}})
	b.svc.ApplyMembership(cluster.Membership{cluster.RingServers: {cluster.APIKind: {a.srv.URL}}})
	putDataset(t, a, "dem")
	putDataset(t, b, "dem")

	start := time.Now()
	resp, _ := get(t, b.srv.URL+"/api/v1/Resource/dem", cluster.ForwardedHeader, "1")
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
	assert.Zero(t, b.catalog.Opens())

	// a proxies once, b refuses, and a falls back to its own engine.
	resp, body := get(t, a.srv.URL+"/api/v1/Resource/dem")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, b.catalog.Opens(), "b never resolves a resource its ring places on a")
	assert.Equal(t, int64(1), a.catalog.Opens())
}

// TestForwardedRequestServedLocally verifies an owner answers forwarded
// requests from its engine and caches the resolver.
func TestForwardedRequestServedLocally(t *testing.T) {
	n := startNode(t)
	putDataset(t, n, "dem")
	base := n.srv.URL + "/api/v1/Resource/dem"

	for i := 0; i < 2; i++ {
		resp, body := get(t, base, cluster.ForwardedHeader, "1")
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}
	resp, _ := get(t, base)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), n.catalog.Opens())

	resp, _ = get(t, n.srv.URL+"/api/v1/Resource/missing", cluster.ForwardedHeader, "1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTwoNodeIndexAndRefresh(t *testing.T) {
	a := startNode(t)
	b := startNode(t)
	joinAll(a, b)
	putDataset(t, a, "alpha")
	putDataset(t, b, "beta")

	resp, body := get(t, a.srv.URL+"/api/v1/Cluster/Resources")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var idx ClusterIndex
	require.NoError(t, json.Unmarshal(body, &idx))
	assert.Equal(t, []string{"alpha"}, idx.Resources[a.url()])
	assert.Equal(t, []string{"beta"}, idx.Resources[b.url()])
	assert.Empty(t, idx.Errors)

	// Warm b's resolver cache, then refresh through a.
	id := idOwnedBy(t, b.svc.Cluster(), b)
	putDataset(t, b, id)
	resp, _ = get(t, b.srv.URL+"/api/v1/Resource/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	opens := b.catalog.Opens()

	resp, body = post(t, a.srv.URL+"/api/v1/Resource/"+id+"/Refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "errors")

	resp, _ = get(t, b.srv.URL+"/api/v1/Resource/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, opens+1, b.catalog.Opens(), "b re-resolves after the forwarded refresh")
}

func TestTwoNodeGeometryRouting(t *testing.T) {
	a := startNode(t)
	b := startNode(t)
	joinAll(a, b)

	var keys []string
	for i := 0; i < 6; i++ {
		g := bigPolygon()
		g.Type = fmt.Sprintf("Polygon%d", i)
		resp, body := post(t, a.srv.URL+"/api/v1/Geometry", g)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		var created struct {
			Key string `json:"key"`
		}
		require.NoError(t, json.Unmarshal(body, &created))
		keys = append(keys, created.Key)
	}

	for _, key := range keys {
		owner, _ := a.svc.Cluster().EndpointForGeometry(key)
		ownerNode := a
		if owner == b.url() {
			ownerNode = b
		}
		has, err := ownerNode.store.Has(geometryPrefix + key)
		require.NoError(t, err)
		assert.True(t, has, "owner %s stores %s", owner, key)

		// Either node can serve it.
		for _, n := range []*testNode{a, b} {
			resp, _ := get(t, n.srv.URL+"/api/v1/Geometry/"+url.PathEscape(key))
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}
	}
}

func TestMembershipEndpoint(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	m := cluster.Membership{cluster.RingServers: {cluster.APIKind: {a.srv.URL, b.srv.URL}}}
	resp, _ := post(t, a.srv.URL+"/cluster/membership", m)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		return a.svc.Cluster().Ring(cluster.RingServers).Len() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", processing.ErrNotFound), http.StatusNotFound},
		{storage.ErrKeyNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: bad", cache.ErrInvalidKey), http.StatusBadRequest},
		{&cluster.StatusError{Code: http.StatusTeapot}, http.StatusTeapot},
		{fmt.Errorf("%w: dem", ErrMisdirected), http.StatusMisdirectedRequest},
		{fmt.Errorf("%w: %w", resolver.ErrFaulted, errors.New("dial")), http.StatusBadGateway},
		{cache.ErrCorrupt, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}
