package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipHandlerDelivers(t *testing.T) {
	updates := make(chan Membership, 1)
	h := MembershipHandler(updates)

	body := `{"servers":{"api":["http://a:1","http://b:2"]}}`
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/cluster/membership", strings.NewReader(body)))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	m := <-updates
	assert.Equal(t, []string{"http://a:1", "http://b:2"}, m[RingServers][APIKind])
}

func TestMembershipHandlerNotConsumed(t *testing.T) {
	h := MembershipHandler(make(chan Membership))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/cluster/membership", strings.NewReader(`{}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMembershipHandlerRejects(t *testing.T) {
	h := MembershipHandler(make(chan Membership, 1))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/cluster/membership", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/cluster/membership", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMembershipFromNodes(t *testing.T) {
	m := MembershipFromNodes([]NodeInfo{
		{ID: "a", Addr: "http://a:1", Services: []string{RingServers, RingImport}},
		{ID: "b", Addr: "http://b:2", Services: []string{RingServers}},
		{ID: "c", Addr: "http://c:3"},
	})

	require.Len(t, m, 2)
	assert.Equal(t, []string{"http://a:1", "http://b:2"}, m[RingServers][APIKind])
	assert.Equal(t, []string{"http://a:1"}, m[RingImport][APIKind])
}
