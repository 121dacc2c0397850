package dynalb

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// localNodesPath is the cluster-introspection endpoint exposed by every node.
const localNodesPath = "/localnodes"

// TopologyProber retrieves the full cluster member list from one node.
//
// It keeps a single dedicated connection for all probes across its lifetime,
// so discovery traffic never draws from, or counts against, the client-facing
// pool. Probe does not mutate the registry; that is the scheduler's job.
type TopologyProber struct {
	config    *Config
	dialer    Dialer
	tlsConfig *tls.Config
	logger    *zap.Logger
	metrics   *Metrics

	probeLock    *sync.Mutex
	host         *ConnectionHost
	connectionID uint64
	closed       bool
}

// NewTopologyProber creates a TopologyProber. The connection is established
// lazily on the first probe.
func NewTopologyProber(
	config *Config,
	dialer Dialer,
	tlsConfig *tls.Config,
	logger *zap.Logger,
	metrics *Metrics) *TopologyProber {

	return &TopologyProber{
		config:    config,
		dialer:    dialer,
		tlsConfig: tlsConfig,
		logger:    logger,
		metrics:   metrics,
		probeLock: &sync.Mutex{},
	}
}

// Probe sends a cluster-metadata request to the given address over the
// dedicated connection and parses the response into Node entries.
func (p *TopologyProber) Probe(address string) ([]Node, error) {

	p.probeLock.Lock()
	defer p.probeLock.Unlock()

	if p.closed {
		return nil, ErrBalancerClosed
	}

	reused, err := p.ensureHost(address)
	if err != nil {
		return nil, err
	}

	resp, err := p.execute(address)
	if err != nil && reused {
		// The kept-alive connection may have gone stale between refreshes.
		// Reconnect once and retry before reporting the node unreachable.
		p.closeHost()
		if _, err = p.ensureHost(address); err != nil {
			return nil, err
		}
		resp, err = p.execute(address)
	}
	if err != nil {
		p.closeHost()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachableNode, address, err)
	}

	if resp.Close {
		p.closeHost()
	}

	return p.parseResponse(address, resp)
}

// Close closes the dedicated probe connection. Probes after Close fail with
// ErrBalancerClosed rather than silently reconnecting.
func (p *TopologyProber) Close() {
	p.probeLock.Lock()
	defer p.probeLock.Unlock()
	p.closed = true
	p.closeHost()
}

func (p *TopologyProber) ensureHost(address string) (reused bool, err error) {

	if p.host != nil && p.host.Address == address && !p.host.IsClosed() {
		return true, nil
	}

	p.closeHost()

	id := atomic.AddUint64(&p.connectionID, 1)
	host, err := NewConnectionHost(p.dialer, address, id, p.config.connectionTimeout(), p.tlsConfig)
	if err != nil {
		return false, err
	}

	p.host = host
	p.metrics.ConnectionsOpened.WithLabelValues(metricKindDiscovery).Inc()
	p.metrics.OpenConnections.WithLabelValues(metricKindDiscovery).Inc()

	return false, nil
}

func (p *TopologyProber) closeHost() {

	if p.host == nil || p.host.IsClosed() {
		p.host = nil
		return
	}

	p.host.Close()
	p.host = nil
	p.metrics.ConnectionsClosed.WithLabelValues(metricKindDiscovery).Inc()
	p.metrics.OpenConnections.WithLabelValues(metricKindDiscovery).Dec()
}

func (p *TopologyProber) execute(address string) (*http.Response, error) {

	url := fmt.Sprintf("%s://%s%s", p.config.Scheme, address, localNodesPath)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	return exchange(p.host, req, time.Now().Add(p.config.connectionTimeout()))
}

func (p *TopologyProber) parseResponse(address string, resp *http.Response) ([]Node, error) {

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s returned status %d for %s",
			ErrUnsupportedFeature, address, resp.StatusCode, localNodesPath)
	default:
		return nil, fmt.Errorf("%w: %s returned status %d",
			ErrMalformedTopology, address, resp.StatusCode)
	}

	body, err := readBufferedBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTopology, err)
	}

	return p.parseTopology(address, body)
}

// parseTopology decodes the member list. Expected shape is a JSON array of
// {address, datacenter, rack} objects; a bare array of address strings marks
// a cluster too old to expose placement metadata.
func (p *TopologyProber) parseTopology(address string, body []byte) ([]Node, error) {

	var json = jsoniter.ConfigFastest

	var nodes []Node
	if err := json.Unmarshal(body, &nodes); err == nil {
		if len(nodes) == 0 {
			return nil, fmt.Errorf("%w: %s returned an empty member list", ErrMalformedTopology, address)
		}

		withPlacement := false
		for i := range nodes {
			if nodes[i].Address == "" {
				return nil, fmt.Errorf("%w: member entry without address", ErrMalformedTopology)
			}
			nodes[i].Address = p.config.normalizeAddress(nodes[i].Address)
			if nodes[i].Datacenter != "" {
				withPlacement = true
			}
		}

		if !withPlacement {
			return nil, fmt.Errorf("%w: %s reports members without placement labels",
				ErrUnsupportedFeature, address)
		}

		return nodes, nil
	}

	var bare []string
	if err := json.Unmarshal(body, &bare); err == nil {
		return nil, fmt.Errorf("%w: %s returned a bare address list", ErrUnsupportedFeature, address)
	}

	return nil, fmt.Errorf("%w: %s", ErrMalformedTopology, address)
}
