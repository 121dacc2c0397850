// Package dynalb is a client-side load balancer for DynamoDB-API-compatible
// database clusters. It discovers live nodes, validates datacenter/rack
// configuration against the cluster's actual topology, and routes every SDK
// request over a bounded pool of persistent connections spread round-robin
// across the cluster.
package dynalb

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// defaultRegion satisfies the SDK's signing requirements; the cluster itself
// ignores it.
const defaultRegion = "us-east-1"

// LoadBalancer is the struct for containing all you need for load-balanced
// cluster access: the node registry, the topology prober and its refresh
// scheduler, and the routing connection pool.
type LoadBalancer struct {
	config    *Config
	registry  *NodeRegistry
	prober    *TopologyProber
	scheduler *RefreshScheduler
	pool      *RoutingConnectionPool

	*TopologyValidator

	logger          *zap.Logger
	metricsRegistry *prometheus.Registry

	closeLock *sync.Mutex
	closed    bool
}

// NewLoadBalancer creates a LoadBalancer and performs the initial topology
// refresh against the configured seeds.
func NewLoadBalancer(config *Config) (*LoadBalancer, error) {
	return NewLoadBalancerWithDialer(config, NetDialer{}, nil)
}

// NewLoadBalancerWithLogger creates a LoadBalancer that logs background
// refresh activity through the given logger.
func NewLoadBalancerWithLogger(config *Config, logger *zap.Logger) (*LoadBalancer, error) {
	return NewLoadBalancerWithDialer(config, NetDialer{}, logger)
}

// NewLoadBalancerWithDialer creates a LoadBalancer with a custom Dialer
// and/or logger. A nil logger disables logging.
func NewLoadBalancerWithDialer(config *Config, dialer Dialer, logger *zap.Logger) (*LoadBalancer, error) {

	if err := config.validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	tlsConfig, err := config.buildTLSConfig()
	if err != nil {
		return nil, err
	}

	metricsRegistry := prometheus.NewRegistry()
	metrics := NewMetrics(metricsRegistry)

	registry := NewNodeRegistry()
	prober := NewTopologyProber(config, dialer, tlsConfig, logger, metrics)

	scheduler, err := NewRefreshScheduler(config, registry, prober, logger, metrics)
	if err != nil {
		prober.Close()
		return nil, err
	}

	pool := NewRoutingConnectionPool(config, registry, dialer, tlsConfig, logger, metrics)

	return &LoadBalancer{
		config:            config,
		registry:          registry,
		prober:            prober,
		scheduler:         scheduler,
		pool:              pool,
		TopologyValidator: NewTopologyValidator(config, registry, prober, scheduler),
		logger:            logger,
		metricsRegistry:   metricsRegistry,
		closeLock:         &sync.Mutex{},
	}, nil
}

// GetKnownNodes returns the addresses in the current registry snapshot.
func (lb *LoadBalancer) GetKnownNodes() []string {
	return lb.registry.Addresses()
}

// TriggerRefreshNow performs a synchronous topology refresh, surfacing any
// probe failure to the caller.
func (lb *LoadBalancer) TriggerRefreshNow() error {
	return lb.scheduler.Refresh()
}

// Pool exposes the routing connection pool for use as an http.RoundTripper
// in custom clients.
func (lb *LoadBalancer) Pool() *RoutingConnectionPool {
	return lb.pool
}

// HTTPClient returns an http.Client whose traffic routes through the pool.
func (lb *LoadBalancer) HTTPClient() *http.Client {
	return &http.Client{Transport: lb.pool}
}

// MetricsRegistry returns this instance's Prometheus registry.
func (lb *LoadBalancer) MetricsRegistry() *prometheus.Registry {
	return lb.metricsRegistry
}

// NewDynamoDBClient returns a DynamoDB client pre-wired to route all of its
// traffic through the routing pool. endpointHost is a virtual authority used
// for request signing only; it is never dialed.
func (lb *LoadBalancer) NewDynamoDBClient(endpointHost string, accessKeyID string, secretAccessKey string) *dynamodb.Client {

	cfg := aws.Config{
		Region:      defaultRegion,
		Credentials: credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		HTTPClient:  lb.HTTPClient(),
	}

	endpoint := fmt.Sprintf("%s://%s", lb.config.Scheme, endpointHost)

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}

// Shutdown stops the refresh scheduler and closes every pooled connection
// along with the scheduler's dedicated one. Safe to call repeatedly.
func (lb *LoadBalancer) Shutdown() {

	lb.closeLock.Lock()
	defer lb.closeLock.Unlock()

	if lb.closed {
		return
	}
	lb.closed = true

	lb.scheduler.Stop()
	lb.pool.Shutdown()
}
