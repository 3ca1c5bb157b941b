package repo

import "github.com/cuemby/convergence/pkg/types"

// Promotable is the pure promotion-policy predicate: a bundle is
// promotable at its gate iff it carries no unresolved
// superpositions the gate disallows, and has gathered enough approvals.
func Promotable(gate types.GateDef, hasSuperpositions bool, approvals int) (bool, []string) {
	var reasons []string
	if hasSuperpositions && !gate.AllowSuperpositions {
		reasons = append(reasons, "superpositions_present")
	}
	if approvals < gate.RequiredApprovals {
		reasons = append(reasons, "approvals_missing")
	}
	return len(reasons) == 0, reasons
}
