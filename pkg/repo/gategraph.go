package repo

import (
	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/types"
)

// validateGateGraph enforces the gate graph's invariants: every
// upstream id names an existing gate, ids are unique, and the graph is
// acyclic.
func validateGateGraph(g types.GateGraph) error {
	byID := map[string]types.GateDef{}
	for _, gate := range g.Gates {
		if _, dup := byID[gate.ID]; dup {
			return cvgerr.Validationf("duplicate gate id %q", gate.ID)
		}
		byID[gate.ID] = gate
	}
	for _, gate := range g.Gates {
		for _, up := range gate.Upstream {
			if _, ok := byID[up]; !ok {
				return cvgerr.Validationf("gate %q names unknown upstream gate %q", gate.ID, up)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return cvgerr.Validationf("gate graph contains a cycle at %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, up := range byID[id].Upstream {
			if err := visit(up); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, gate := range g.Gates {
		if err := visit(gate.ID); err != nil {
			return err
		}
	}
	return nil
}
