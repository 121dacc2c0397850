package dynalb

import "errors"

var (
	// ErrNoReachableSeed is returned when none of the configured seed nodes
	// responded during bootstrap. Fatal to construction.
	// You can check for this error with errors.Is.
	ErrNoReachableSeed = errors.New("no configured seed node could be reached")

	// ErrUnreachableNode is returned when a topology probe target could not
	// be contacted.
	ErrUnreachableNode = errors.New("node could not be contacted")

	// ErrMalformedTopology is returned when a node responded but its payload
	// could not be parsed into placement entries.
	ErrMalformedTopology = errors.New("topology response could not be parsed")

	// ErrUnsupportedFeature is returned when the cluster does not expose
	// datacenter/rack metadata (older cluster versions).
	ErrUnsupportedFeature = errors.New("cluster does not expose datacenter/rack metadata")

	// ErrInvalidPlacement is returned when the configured datacenter or rack
	// does not match the discovered topology. Never retried.
	ErrInvalidPlacement = errors.New("configured datacenter/rack does not match discovered topology")

	// ErrNoLiveNodes is returned when the registry is empty at the moment a
	// connection must be routed.
	ErrNoLiveNodes = errors.New("no live nodes available for routing")

	// ErrPoolClosed is returned when a connection pool shutdown has been triggered.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrBalancerClosed is returned when a refresh or probe is attempted after
	// shutdown.
	ErrBalancerClosed = errors.New("load balancer closed")
)
