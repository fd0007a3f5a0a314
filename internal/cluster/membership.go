package cluster

import (
	"encoding/json"
	"net/http"
)

// MembershipHandler accepts membership messages over HTTP and hands them to
// updates. The request blocks until the message is taken; if the client
// gives up first the handler answers 503.
func MembershipHandler(updates chan<- Membership) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var m Membership
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		select {
		case updates <- m:
			w.WriteHeader(http.StatusNoContent)
		case <-r.Context().Done():
			http.Error(w, "membership update not consumed", http.StatusServiceUnavailable)
		}
	}
}

// MembershipFromNodes builds a membership message listing every node's
// address under each service it offers.
func MembershipFromNodes(nodes []NodeInfo) Membership {
	m := make(Membership)
	for _, n := range nodes {
		for _, service := range n.Services {
			apis, ok := m[service]
			if !ok {
				apis = map[string][]string{APIKind: {}}
				m[service] = apis
			}
			apis[APIKind] = append(apis[APIKind], n.Addr)
		}
	}
	return m
}
