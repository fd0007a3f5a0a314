package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	s := httptest.NewServer(handler)
	t.Cleanup(s.Close)
	return s.URL
}

func TestBroadcastPartialResults(t *testing.T) {
	good := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/Resource", r.URL.Path)
		json.NewEncoder(w).Encode([]string{"a", "b"})
	})
	bad := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	self := "http://localhost:1"
	c := New(Options{Addresses: []string{self}})
	c.Apply(Membership{RingServers: {APIKind: {self, good, bad}}})

	res := Broadcast[[]string](context.Background(), c, RingServers, "/api/v1/Resource")

	require.Len(t, res.Results, 1)
	assert.Equal(t, []string{"a", "b"}, res.Results[NormalizeAddress(good)])
	require.Len(t, res.Errors, 1)
	var statusErr *StatusError
	require.ErrorAs(t, res.Errors[NormalizeAddress(bad)], &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.ErrorContains(t, res.Err(), NormalizeAddress(bad))
}

func TestBroadcastSkipsSelf(t *testing.T) {
	var calls atomic.Int32
	self := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	c := New(Options{Addresses: []string{self}})
	c.Apply(Membership{RingServers: {APIKind: {self}}})

	res := Broadcast[json.RawMessage](context.Background(), c, RingServers, "/x")
	assert.Empty(t, res.Results)
	assert.NoError(t, res.Err())
	assert.Zero(t, calls.Load())
}

func TestNotifyMarksForwarded(t *testing.T) {
	var forwarded atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if r.Header.Get(ForwardedHeader) != "" {
			forwarded.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	}
	p1 := peerServer(t, handler)
	p2 := peerServer(t, handler)
	failing := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})

	self := "http://localhost:1"
	c := New(Options{Addresses: []string{self}, Concurrency: 1})
	c.Apply(Membership{RingServers: {APIKind: {self, p1, p2}}})

	require.NoError(t, c.Notify(context.Background(), RingServers, "/api/v1/Resource/r/Refresh", map[string]int{"minAge": 0}))
	assert.Equal(t, int32(2), forwarded.Load())

	c.Apply(Membership{RingServers: {APIKind: {self, p1, failing}}})
	err := c.Notify(context.Background(), RingServers, "/refresh", nil)
	assert.ErrorContains(t, err, NormalizeAddress(failing))
	assert.Equal(t, int32(3), forwarded.Load())
}
