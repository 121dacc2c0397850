package dynalb

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RoutingConnectionPool is the transport-level interception point the SDK
// client uses to obtain connections. It selects a live node per request via
// round-robin over the registry snapshot and reuses persistent connections,
// capped at Config.MaxPoolConnections.
type RoutingConnectionPool struct {
	config    *Config
	registry  *NodeRegistry
	dialer    Dialer
	tlsConfig *tls.Config
	logger    *zap.Logger
	metrics   *Metrics

	capacity     *semaphore.Weighted
	idle         cmap.ConcurrentMap[string, *idleStack]
	released     chan struct{}
	rrCursor     uint64
	connectionID uint64
	closed       int32
}

// NewRoutingConnectionPool creates the routing pool around a registry.
func NewRoutingConnectionPool(
	config *Config,
	registry *NodeRegistry,
	dialer Dialer,
	tlsConfig *tls.Config,
	logger *zap.Logger,
	metrics *Metrics) *RoutingConnectionPool {

	return &RoutingConnectionPool{
		config:    config,
		registry:  registry,
		dialer:    dialer,
		tlsConfig: tlsConfig,
		logger:    logger,
		metrics:   metrics,
		capacity:  semaphore.NewWeighted(int64(config.MaxPoolConnections)),
		idle:      cmap.New[*idleStack](),
		released:  make(chan struct{}, 1),
	}
}

// GetConnection returns a connection to a live node selected round-robin
// across the current registry snapshot. An idle connection to the selected
// node is reused when one exists; otherwise a new connection is established
// while occupancy is below the maximum. At the maximum, idle connections to
// nodes that have left the topology are evicted to make room; once every
// open connection belongs to a live node the pool reuses an idle connection
// to another node rather than closing and redialing, so a stabilized pool
// never creates further connections. When every connection is in use the
// call blocks until one is returned or ctx expires.
func (cp *RoutingConnectionPool) GetConnection(ctx context.Context) (*ConnectionHost, error) {

	for {
		if atomic.LoadInt32(&cp.closed) == 1 {
			return nil, ErrPoolClosed
		}

		nodes := cp.registry.Snapshot()
		if len(nodes) == 0 {
			return nil, ErrNoLiveNodes
		}

		idx := atomic.AddUint64(&cp.rrCursor, 1)
		address := nodes[(idx-1)%uint64(len(nodes))].Address

		if host := cp.popIdle(address); host != nil {
			return host, nil
		}

		if cp.capacity.TryAcquire(1) {
			return cp.connect(address)
		}

		// At capacity. An idle connection to a node that left the topology
		// hands its slot to the selected node.
		if victim := cp.evictStale(); victim != nil {
			cp.closeEvicted(victim)
			return cp.connect(address)
		}

		// Every open connection belongs to a live node; reuse an idle one to
		// whichever node has it instead of churning close-and-redial.
		if host := cp.popAnyIdle(); host != nil {
			return host, nil
		}

		// Every connection is in use. Wait for a return; the caller's own
		// timeout (the SDK request context) bounds the wait.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cp.released:
		}
	}
}

// ReturnConnection puts the connection back in the pool for reuse. Flagged
// connections, and connections whose node is no longer in the registry, are
// closed and discarded instead.
func (cp *RoutingConnectionPool) ReturnConnection(host *ConnectionHost, flag bool) {

	if flag || host.IsClosed() || atomic.LoadInt32(&cp.closed) == 1 {
		cp.closeHost(host)
		return
	}

	if !cp.registry.Has(host.Address) {
		// The node left the topology while this connection was in use.
		cp.closeHost(host)
		return
	}

	cp.getStack(host.Address).push(host)

	// A shutdown may have raced the push; sweep again so nothing leaks.
	if atomic.LoadInt32(&cp.closed) == 1 {
		cp.drainAll()
	}

	cp.signalReleased()
}

// Shutdown closes all idle connections. Connections currently in use are
// closed when they are returned.
func (cp *RoutingConnectionPool) Shutdown() {

	if cp == nil {
		return
	}

	if !atomic.CompareAndSwapInt32(&cp.closed, 0, 1) {
		return
	}

	cp.drainAll()
}

func (cp *RoutingConnectionPool) connect(address string) (*ConnectionHost, error) {

	id := atomic.AddUint64(&cp.connectionID, 1)

	host, err := NewConnectionHost(cp.dialer, address, id, cp.config.connectionTimeout(), cp.tlsConfig)
	if err != nil {
		cp.capacity.Release(1)
		cp.signalReleased()
		return nil, err
	}

	cp.metrics.ConnectionsOpened.WithLabelValues(metricKindClient).Inc()
	cp.metrics.OpenConnections.WithLabelValues(metricKindClient).Inc()

	return host, nil
}

func (cp *RoutingConnectionPool) popIdle(address string) *ConnectionHost {

	st, ok := cp.idle.Get(address)
	if !ok {
		return nil
	}

	for {
		host := st.pop()
		if host == nil {
			return nil
		}
		if host.IsClosed() {
			cp.closeHost(host)
			continue
		}
		return host
	}
}

// evictStale removes one idle connection whose node is no longer in the
// registry and returns it with its capacity slot still held, so the caller
// can reuse the slot.
func (cp *RoutingConnectionPool) evictStale() *ConnectionHost {

	for item := range cp.idle.IterBuffered() {
		if cp.registry.Has(item.Key) {
			continue
		}
		if host := item.Val.pop(); host != nil {
			return host
		}
	}

	return nil
}

// popAnyIdle takes an idle connection to any live node.
func (cp *RoutingConnectionPool) popAnyIdle() *ConnectionHost {

	for item := range cp.idle.IterBuffered() {
		if host := cp.popIdle(item.Key); host != nil {
			return host
		}
	}

	return nil
}

// closeHost closes a connection and frees its capacity slot.
func (cp *RoutingConnectionPool) closeHost(host *ConnectionHost) {
	host.Close()
	cp.capacity.Release(1)
	cp.metrics.ConnectionsClosed.WithLabelValues(metricKindClient).Inc()
	cp.metrics.OpenConnections.WithLabelValues(metricKindClient).Dec()
	cp.signalReleased()
}

// closeEvicted closes a connection whose capacity slot transfers to the
// connection about to replace it.
func (cp *RoutingConnectionPool) closeEvicted(host *ConnectionHost) {
	host.Close()
	cp.metrics.ConnectionsClosed.WithLabelValues(metricKindClient).Inc()
	cp.metrics.OpenConnections.WithLabelValues(metricKindClient).Dec()
}

func (cp *RoutingConnectionPool) getStack(address string) *idleStack {

	if st, ok := cp.idle.Get(address); ok {
		return st
	}

	st := &idleStack{}
	if !cp.idle.SetIfAbsent(address, st) {
		st, _ = cp.idle.Get(address)
	}

	return st
}

func (cp *RoutingConnectionPool) drainAll() {
	for item := range cp.idle.IterBuffered() {
		for _, host := range item.Val.drain() {
			cp.closeHost(host)
		}
	}
}

func (cp *RoutingConnectionPool) signalReleased() {
	select {
	case cp.released <- struct{}{}:
	default:
	}
}

// idleStack holds the idle connections for one node address. Newest-first
// reuse keeps warm connections warm.
type idleStack struct {
	mu    sync.Mutex
	hosts []*ConnectionHost
}

func (s *idleStack) push(host *ConnectionHost) {
	s.mu.Lock()
	s.hosts = append(s.hosts, host)
	s.mu.Unlock()
}

func (s *idleStack) pop() *ConnectionHost {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.hosts)
	if n == 0 {
		return nil
	}

	host := s.hosts[n-1]
	s.hosts[n-1] = nil
	s.hosts = s.hosts[:n-1]

	return host
}

func (s *idleStack) drain() []*ConnectionHost {
	s.mu.Lock()
	defer s.mu.Unlock()

	hosts := s.hosts
	s.hosts = nil

	return hosts
}
