// Package provision selects config-serving hosts for application clusters.
package provision

import (
	"sort"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// Provisioner allocates hosts for a cluster. A capacity shortfall is a
// transient error; callers back off and retry rather than failing the
// application.
type Provisioner interface {
	Prepare(cluster string, capacity int) ([]*types.Node, error)
}

// NodeLister supplies the current host fleet
type NodeLister interface {
	ListNodes() ([]*types.Node, error)
}

// NodeProvisioner picks the least-allocated ready hosts from the fleet
type NodeProvisioner struct {
	nodes NodeLister
}

// NewNodeProvisioner creates a provisioner over the given fleet view
func NewNodeProvisioner(nodes NodeLister) *NodeProvisioner {
	return &NodeProvisioner{nodes: nodes}
}

// Prepare returns capacity hosts for the cluster, least-allocated first.
// Hosts that are not ready or have no free capacity are skipped.
func (p *NodeProvisioner) Prepare(cluster string, capacity int) ([]*types.Node, error) {
	if capacity <= 0 {
		return nil, nil
	}

	all, err := p.nodes.ListNodes()
	if err != nil {
		return nil, errdefs.Transientf("failed to list nodes: %v", err)
	}

	candidates := make([]*types.Node, 0, len(all))
	for _, node := range all {
		if node.Status != types.NodeStatusReady {
			continue
		}
		if node.Capacity > 0 && node.Allocated >= node.Capacity {
			continue
		}
		candidates = append(candidates, node)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Allocated != candidates[j].Allocated {
			return candidates[i].Allocated < candidates[j].Allocated
		}
		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) < capacity {
		return nil, errdefs.Transientf("insufficient capacity for cluster %s: need %d hosts, %d available",
			cluster, capacity, len(candidates))
	}

	selected := candidates[:capacity]

	log.WithComponent("provision").Debug().
		Str("cluster", cluster).
		Int("capacity", capacity).
		Int("candidates", len(candidates)).
		Msg("hosts selected")

	return selected, nil
}
