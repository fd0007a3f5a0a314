package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/processing"
	"github.com/dreamware/meridian/internal/storage"
)

// testNode is a Service served over httptest.
type testNode struct {
	svc     *Service
	srv     *httptest.Server
	catalog *processing.Catalog
	store   *storage.MemoryStore
}

func (n *testNode) url() string {
	return cluster.NormalizeAddress(n.srv.URL)
}

func startNode(t *testing.T) *testNode {
	t.Helper()
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	store := storage.NewMemoryStore()
	catalog := processing.NewCatalog(store)
	c := cluster.New(cluster.Options{Addresses: []string{srv.URL}, Client: srv.Client()})
	svc, err := New(Options{
		Cluster: c,
		Engine:  catalog,
		Store:   store,
		Client:  srv.Client(),
		ID:      "node-" + srv.Listener.Addr().String(),
		Self:    srv.URL,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)

	handler = svc.Handler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &testNode{svc: svc, srv: srv, catalog: catalog, store: store}
}

// joinAll puts every node on every node's servers ring.
func joinAll(nodes ...*testNode) {
	urls := make([]string, 0, len(nodes))
	for _, n := range nodes {
		urls = append(urls, n.srv.URL)
	}
	m := cluster.Membership{cluster.RingServers: {cluster.APIKind: urls}}
	for _, n := range nodes {
		n.svc.ApplyMembership(m)
	}
}

// putDataset stores a small dataset with the given id in n's catalog.
func putDataset(t *testing.T, n *testNode, id string) {
	t.Helper()
	require.NoError(t, n.catalog.Put(processing.Dataset{
		Metadata: processing.Metadata{ID: id, Name: strings.ToUpper(id)},
		Cells: map[string]map[string]float64{
			"0":  {"height": 1},
			"01": {"height": 5},
			"02": {"height": 9},
		},
	}))
}

// idOwnedBy finds a resource id that the ring places on owner.
func idOwnedBy(t *testing.T, c *cluster.Cluster, owner *testNode) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("res-%d", i)
		if endpoint, _ := c.EndpointForResource(id); endpoint == owner.url() {
			return id
		}
	}
	require.FailNow(t, "no id routes to "+owner.url())
	return ""
}

func get(t *testing.T, url string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func post(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	return send(t, http.MethodPost, url, body)
}

func send(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}
