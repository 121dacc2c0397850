package dynalb

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	refreshStatusSuccess = "success"
	refreshStatusFailure = "failure"
)

// RefreshScheduler keeps the NodeRegistry reasonably current without
// client-visible disruption. All of its probe traffic runs over the prober's
// single dedicated connection, never the client-facing pool.
type RefreshScheduler struct {
	config   *Config
	registry *NodeRegistry
	prober   *TopologyProber
	logger   *zap.Logger
	metrics  *Metrics

	cursor         uint64
	shutdownSignal chan struct{}
	done           chan struct{}
	stopOnce       sync.Once
}

// NewRefreshScheduler performs one synchronous bootstrap refresh, trying the
// configured seeds in order and stopping at the first success. When
// Config.RefreshInterval is non-zero it then starts the periodic refresh
// loop. Fails with ErrNoReachableSeed when every seed fails.
func NewRefreshScheduler(
	config *Config,
	registry *NodeRegistry,
	prober *TopologyProber,
	logger *zap.Logger,
	metrics *Metrics) (*RefreshScheduler, error) {

	rs := &RefreshScheduler{
		config:         config,
		registry:       registry,
		prober:         prober,
		logger:         logger,
		metrics:        metrics,
		shutdownSignal: make(chan struct{}),
		done:           make(chan struct{}),
	}

	if err := rs.bootstrap(); err != nil {
		return nil, err
	}

	if config.refreshInterval() > 0 {
		go rs.run()
	} else {
		close(rs.done)
	}

	return rs, nil
}

// Refresh performs one synchronous refresh attempt: probe one address, and
// on success atomically replace the registry snapshot. On failure the
// existing registry is left untouched and the error is returned.
func (rs *RefreshScheduler) Refresh() error {

	address := rs.probeTarget()

	nodes, err := rs.prober.Probe(address)
	if err != nil {
		rs.advanceTarget()
		rs.metrics.RefreshesTotal.WithLabelValues(refreshStatusFailure).Inc()
		return err
	}

	rs.install(nodes)

	return nil
}

// Stop halts scheduling and closes the dedicated discovery connection. A
// refresh already in flight gets a bounded wait before being abandoned.
func (rs *RefreshScheduler) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.shutdownSignal)

		select {
		case <-rs.done:
		case <-time.After(rs.config.connectionTimeout() + time.Second):
			rs.logger.Warn("refresh still in flight at shutdown, abandoning it")
		}

		rs.prober.Close()
	})
}

func (rs *RefreshScheduler) bootstrap() error {

	var lastErr error
	for _, seed := range rs.config.SeedNodes {
		address := rs.config.normalizeAddress(seed)

		nodes, err := rs.prober.Probe(address)
		if err != nil {
			rs.logger.Warn("seed probe failed", zap.String("seed", address), zap.Error(err))
			rs.metrics.RefreshesTotal.WithLabelValues(refreshStatusFailure).Inc()
			lastErr = err
			continue
		}

		rs.install(nodes)
		return nil
	}

	return fmt.Errorf("%w: last error: %v", ErrNoReachableSeed, lastErr)
}

// probeTarget is sticky: the same node keeps being probed over the prober's
// dedicated connection until a probe against it fails, at which point
// advanceTarget rotates to the next registry entry so one dead node can't
// stall discovery. Seeds are only used before the first successful refresh.
func (rs *RefreshScheduler) probeTarget() string {

	nodes := rs.registry.Snapshot()
	if len(nodes) == 0 {
		return rs.config.normalizeAddress(rs.config.SeedNodes[0])
	}

	idx := atomic.LoadUint64(&rs.cursor)

	return nodes[idx%uint64(len(nodes))].Address
}

func (rs *RefreshScheduler) advanceTarget() {
	atomic.AddUint64(&rs.cursor, 1)
}

func (rs *RefreshScheduler) install(nodes []Node) {
	rs.registry.Replace(nodes)
	rs.metrics.RefreshesTotal.WithLabelValues(refreshStatusSuccess).Inc()
	rs.metrics.LiveNodes.Set(float64(len(nodes)))
}

func (rs *RefreshScheduler) run() {
	defer close(rs.done)

	ticker := time.NewTicker(rs.config.refreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-rs.shutdownSignal:
			return
		case <-ticker.C:
			// Background refresh failures are non-fatal to in-flight traffic.
			if err := rs.Refresh(); err != nil {
				rs.logger.Warn("background refresh failed, keeping previous node view", zap.Error(err))
			}
		}
	}
}
