package dynalb

import "fmt"

// TopologyValidator compares the configured datacenter/rack labels against
// the cluster's discovered topology. It never mutates the configuration.
type TopologyValidator struct {
	config    *Config
	registry  *NodeRegistry
	prober    *TopologyProber
	scheduler *RefreshScheduler
}

// NewTopologyValidator builds a validator over the shared prober, so its
// probes reuse the scheduler's dedicated connection.
func NewTopologyValidator(
	config *Config,
	registry *NodeRegistry,
	prober *TopologyProber,
	scheduler *RefreshScheduler) *TopologyValidator {

	return &TopologyValidator{
		config:    config,
		registry:  registry,
		prober:    prober,
		scheduler: scheduler,
	}
}

// CheckFeatureSupported probes a reachable node and succeeds silently when
// the cluster exposes placement metadata. Fails with ErrUnsupportedFeature
// otherwise.
func (tv *TopologyValidator) CheckFeatureSupported() error {

	address := tv.probeTarget()

	if _, err := tv.prober.Probe(address); err != nil {
		return err
	}

	return nil
}

// CheckPlacementConfigured verifies the configured datacenter label matches
// a discovered datacenter, and, when a rack is configured, that the rack
// exists within that datacenter. An empty registry triggers a refresh first.
// Fails with ErrInvalidPlacement on mismatch; the error is caller input
// validation and is never retried.
func (tv *TopologyValidator) CheckPlacementConfigured() error {

	if tv.registry.IsEmpty() {
		if err := tv.scheduler.Refresh(); err != nil {
			return err
		}
	}

	nodes := tv.registry.Snapshot()

	if tv.config.Datacenter != "" {
		if !containsDatacenter(nodes, tv.config.Datacenter) {
			return fmt.Errorf("%w: datacenter %q not in discovered datacenters %v",
				ErrInvalidPlacement, tv.config.Datacenter, datacenters(nodes))
		}
	}

	if tv.config.Rack != "" {
		if !containsRack(nodes, tv.config.Datacenter, tv.config.Rack) {
			return fmt.Errorf("%w: rack %q not found in datacenter %q",
				ErrInvalidPlacement, tv.config.Rack, tv.config.Datacenter)
		}
	}

	return nil
}

func (tv *TopologyValidator) probeTarget() string {

	if nodes := tv.registry.Snapshot(); len(nodes) > 0 {
		return nodes[0].Address
	}

	return tv.config.normalizeAddress(tv.config.SeedNodes[0])
}

func containsDatacenter(nodes []Node, datacenter string) bool {
	for _, node := range nodes {
		if node.Datacenter == datacenter {
			return true
		}
	}
	return false
}

// containsRack scopes the rack check to the configured datacenter; with no
// datacenter configured any matching rack passes.
func containsRack(nodes []Node, datacenter, rack string) bool {
	for _, node := range nodes {
		if datacenter != "" && node.Datacenter != datacenter {
			continue
		}
		if node.Rack == rack {
			return true
		}
	}
	return false
}

func datacenters(nodes []Node) []string {

	seen := make(map[string]struct{})
	var out []string
	for _, node := range nodes {
		if _, ok := seen[node.Datacenter]; ok {
			continue
		}
		seen[node.Datacenter] = struct{}{}
		out = append(out, node.Datacenter)
	}

	return out
}
