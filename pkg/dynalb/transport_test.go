package dynalb

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// virtualHost stands in for the placeholder authority the SDK signs against.
const virtualHost = "cluster.virtual.local:8000"

func doGet(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()

	resp, err := client.Get("http://" + virtualHost + path)
	require.NoError(t, err)

	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return resp
}

func TestRoundTripPreservesVirtualHostHeader(t *testing.T) {
	node := startTestNode(t)
	pool, _, _ := newTestPool(t, 2, node)

	client := &http.Client{Transport: pool}

	resp := doGet(t, client, "/")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, virtualHost, node.lastRequestHost())
	assert.Equal(t, int64(1), node.requestCount())
}

func TestRoundTripDistributesRequests(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	pool, _, _ := newTestPool(t, 4, nodeA, nodeB)

	client := &http.Client{Transport: pool}

	for i := 0; i < 8; i++ {
		doGet(t, client, "/")
	}

	assert.Equal(t, int64(4), nodeA.requestCount())
	assert.Equal(t, int64(4), nodeB.requestCount())
}

func TestRoundTripReusesConnections(t *testing.T) {
	node := startTestNode(t)
	pool, _, dialer := newTestPool(t, 2, node)

	client := &http.Client{Transport: pool}

	for i := 0; i < 10; i++ {
		doGet(t, client, "/")
	}

	assert.Equal(t, int64(1), dialer.dialCount())
	assert.Equal(t, int64(1), dialer.activeCount())
	assert.Equal(t, int64(10), node.requestCount())
}

func TestRoundTripPropagatesDialFailure(t *testing.T) {
	node := startTestNode(t)
	pool, _, dialer := newTestPool(t, 2, node)

	node.stop()

	client := &http.Client{Transport: pool}

	_, err := client.Get("http://" + virtualHost + "/")
	require.Error(t, err)

	assert.Equal(t, int64(0), dialer.activeCount())
}

func TestRoundTripDiscardsConnectionOnTransportError(t *testing.T) {
	node := startTestNode(t)
	pool, _, dialer := newTestPool(t, 2, node)

	client := &http.Client{Transport: pool}
	doGet(t, client, "/")
	require.Equal(t, int64(1), dialer.dialCount())

	// Kill the server mid-pool: the cached connection fails, is discarded,
	// and the error surfaces to the caller for its own retry policy.
	node.stop()

	_, err := client.Get("http://" + virtualHost + "/")
	require.Error(t, err)

	assert.Equal(t, int64(0), dialer.activeCount())
}
