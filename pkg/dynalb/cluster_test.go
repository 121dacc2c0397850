package dynalb

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// testNode is one fake cluster member: a real HTTP server that serves the
// topology endpoint and counts its accepted connections.
type testNode struct {
	listener net.Listener
	server   *http.Server

	opened   int64
	closed   int64
	requests int64

	topologyLock    sync.Mutex
	topologyPayload []byte
	topologyStatus  int

	hostLock sync.Mutex
	lastHost string
}

func startTestNode(t *testing.T) *testNode {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	n := &testNode{listener: listener, topologyStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc(localNodesPath, n.handleLocalNodes)
	mux.HandleFunc("/", n.handleRequest)

	n.server = &http.Server{
		Handler: mux,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				atomic.AddInt64(&n.opened, 1)
			case http.StateClosed:
				atomic.AddInt64(&n.closed, 1)
			}
		},
	}

	go func() { _ = n.server.Serve(listener) }()
	t.Cleanup(n.stop)

	return n
}

func (n *testNode) stop() {
	_ = n.server.Close()
}

func (n *testNode) address() string {
	return n.listener.Addr().String()
}

func (n *testNode) openConnections() int64 {
	return atomic.LoadInt64(&n.opened) - atomic.LoadInt64(&n.closed)
}

func (n *testNode) requestCount() int64 {
	return atomic.LoadInt64(&n.requests)
}

// setTopology installs the payload served at the topology endpoint.
func (n *testNode) setTopology(payload interface{}) {
	body, err := jsoniter.ConfigFastest.Marshal(payload)
	if err != nil {
		panic(err)
	}

	n.topologyLock.Lock()
	n.topologyPayload = body
	n.topologyLock.Unlock()
}

func (n *testNode) setTopologyStatus(status int) {
	n.topologyLock.Lock()
	n.topologyStatus = status
	n.topologyLock.Unlock()
}

func (n *testNode) handleLocalNodes(w http.ResponseWriter, _ *http.Request) {
	n.topologyLock.Lock()
	payload := n.topologyPayload
	status := n.topologyStatus
	n.topologyLock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (n *testNode) handleRequest(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&n.requests, 1)

	n.hostLock.Lock()
	n.lastHost = r.Host
	n.hostLock.Unlock()

	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	_, _ = w.Write([]byte(`{}`))
}

func (n *testNode) lastRequestHost() string {
	n.hostLock.Lock()
	defer n.hostLock.Unlock()
	return n.lastHost
}

// clusterTopology builds the member list a healthy cluster would report.
func clusterTopology(datacenter string, nodes ...*testNode) []Node {
	members := make([]Node, len(nodes))
	for i, n := range nodes {
		members[i] = Node{Address: n.address(), Datacenter: datacenter, Rack: "rack1"}
	}
	return members
}

// serveTopology points every node at the same member list.
func serveTopology(datacenter string, nodes ...*testNode) []Node {
	members := clusterTopology(datacenter, nodes...)
	for _, n := range nodes {
		n.setTopology(members)
	}
	return members
}

func testConfig(seeds ...*testNode) *Config {
	cfg := &Config{
		SeedNodes:          make([]string, len(seeds)),
		Scheme:             SchemeHTTP,
		RefreshInterval:    0,
		ConnectionTimeout:  2,
		MaxPoolConnections: 10,
	}
	for i, n := range seeds {
		cfg.SeedNodes[i] = n.address()
	}
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return cfg
}

// countingDialer counts how many connections were ever established and how
// many are currently open, so tests can assert on pool occupancy.
type countingDialer struct {
	dials  int64
	active int64
	peak   int64
}

func (d *countingDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	conn, err := NetDialer{}.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&d.dials, 1)
	active := atomic.AddInt64(&d.active, 1)
	for {
		peak := atomic.LoadInt64(&d.peak)
		if active <= peak || atomic.CompareAndSwapInt64(&d.peak, peak, active) {
			break
		}
	}

	return &countedConn{Conn: conn, dialer: d}, nil
}

func (d *countingDialer) dialCount() int64   { return atomic.LoadInt64(&d.dials) }
func (d *countingDialer) activeCount() int64 { return atomic.LoadInt64(&d.active) }
func (d *countingDialer) peakCount() int64   { return atomic.LoadInt64(&d.peak) }

type countedConn struct {
	net.Conn
	dialer    *countingDialer
	closeOnce sync.Once
}

func (c *countedConn) Close() error {
	c.closeOnce.Do(func() { atomic.AddInt64(&c.dialer.active, -1) })
	return c.Conn.Close()
}

// newTestMetrics gives each test its own metric instance so parallel tests
// never trip duplicate registration.
func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
