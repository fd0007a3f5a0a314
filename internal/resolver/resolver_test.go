package resolver

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/cluster"
)

const selfAddr = "http://localhost:1"

// twoNodeCluster returns a cluster for selfAddr that shares its servers
// ring with remote.
func twoNodeCluster(remote string) *cluster.Cluster {
	c := cluster.New(cluster.Options{Addresses: []string{selfAddr}})
	c.Apply(cluster.Membership{
		cluster.RingServers: {cluster.APIKind: {selfAddr, remote}},
	})
	return c
}

// keyOwnedBy finds a key with the given prefix that c routes to endpoint.
func keyOwnedBy(t *testing.T, c *cluster.Cluster, prefix, endpoint string) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		if owner, _ := c.EndpointForResource(key); owner == cluster.NormalizeAddress(endpoint) {
			return key
		}
	}
	require.FailNow(t, "no key routes to "+endpoint)
	return ""
}

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
