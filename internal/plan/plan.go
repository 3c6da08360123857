// Package plan converts an abstract "xP yD" cluster request into a
// deterministic node-to-role-to-rank assignment. The assignment is computed
// once per job and consumed read-only by the launcher, the readiness
// coordinator, and the benchmark sweep.
package plan

import (
	"fmt"
)

// Role identifies the serving role assigned to a node.
type Role string

const (
	// RolePrefill processes input prompts and produces KV cache state.
	RolePrefill Role = "prefill"
	// RoleDecode generates output tokens from transferred cache state.
	RoleDecode Role = "decode"
	// RoleRouter accepts client requests and dispatches to workers.
	// The router is co-located with prefill rank 0, never a standalone node.
	RoleRouter Role = "router"
)

// ClusterRequest describes the desired disaggregated deployment shape.
type ClusterRequest struct {
	PrefillNodes        int    `json:"prefill_nodes"`
	DecodeNodes         int    `json:"decode_nodes"`
	WorkersPerPrefill   int    `json:"workers_per_prefill"`
	WorkersPerDecode    int    `json:"workers_per_decode"`
	TensorParallelSize  int    `json:"tensor_parallel_size"`
	ExpertParallel      bool   `json:"expert_parallel"`
	DataParallel        bool   `json:"data_parallel"`
	ModelName           string `json:"model_name"`
	ModelPath           string `json:"model_path"`
}

// Validate checks that the request describes a launchable cluster.
func (r ClusterRequest) Validate() error {
	if r.PrefillNodes < 1 {
		return fmt.Errorf("prefill_nodes must be >= 1, got %d", r.PrefillNodes)
	}
	if r.DecodeNodes < 1 {
		return fmt.Errorf("decode_nodes must be >= 1, got %d", r.DecodeNodes)
	}
	if r.WorkersPerPrefill < 1 {
		return fmt.Errorf("workers_per_prefill must be >= 1, got %d", r.WorkersPerPrefill)
	}
	if r.WorkersPerDecode < 1 {
		return fmt.Errorf("workers_per_decode must be >= 1, got %d", r.WorkersPerDecode)
	}
	if r.ModelName == "" {
		return fmt.Errorf("model_name is required")
	}
	if r.ModelPath == "" {
		return fmt.Errorf("model_path is required")
	}
	return nil
}

// TotalNodes returns the number of nodes the request needs.
func (r ClusterRequest) TotalNodes() int {
	return r.PrefillNodes + r.DecodeNodes
}

// NodeAssignment binds one node to a role and its ranks. Immutable once
// computed.
type NodeAssignment struct {
	NodeID     string `json:"node_id"`
	Role       Role   `json:"role"`
	Router     bool   `json:"router"` // set on exactly one prefill node
	RankInRole int    `json:"rank_in_role"`
	GlobalRank int    `json:"global_rank"`
	Workers    int    `json:"workers"` // worker slots on this node
}

// InsufficientNodesError reports that the scheduler handed us fewer nodes
// than the request needs. Planning produces no partial assignment.
type InsufficientNodesError struct {
	Have int
	Need int
}

func (e *InsufficientNodesError) Error() string {
	return fmt.Sprintf("insufficient nodes: have %d, need %d", e.Have, e.Need)
}

// Plan partitions the ordered node list into a prefill prefix and a decode
// suffix, preserving input order so that identical inputs always produce the
// identical assignment (log and port naming must be reproducible across
// retries). The first prefill node additionally carries the router.
func Plan(req ClusterRequest, nodes []string) ([]NodeAssignment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(nodes) < req.TotalNodes() {
		return nil, &InsufficientNodesError{Have: len(nodes), Need: req.TotalNodes()}
	}

	assignments := make([]NodeAssignment, 0, req.TotalNodes())
	global := 0

	for i := 0; i < req.PrefillNodes; i++ {
		assignments = append(assignments, NodeAssignment{
			NodeID:     nodes[i],
			Role:       RolePrefill,
			Router:     i == 0,
			RankInRole: i,
			GlobalRank: global,
			Workers:    req.WorkersPerPrefill,
		})
		global++
	}

	for i := 0; i < req.DecodeNodes; i++ {
		assignments = append(assignments, NodeAssignment{
			NodeID:     nodes[req.PrefillNodes+i],
			Role:       RoleDecode,
			RankInRole: i,
			GlobalRank: global,
			Workers:    req.WorkersPerDecode,
		})
		global++
	}

	return assignments, nil
}

// Find returns the assignment for nodeID, or false if the node is not part
// of the plan (spare nodes past the decode suffix stay idle).
func Find(assignments []NodeAssignment, nodeID string) (NodeAssignment, bool) {
	for _, a := range assignments {
		if a.NodeID == nodeID {
			return a, true
		}
	}
	return NodeAssignment{}, false
}

// Ranks returns the assignments holding the given role, ordered by rank.
// Plan emits them rank-ordered already; this is a filtered view.
func Ranks(assignments []NodeAssignment, role Role) []NodeAssignment {
	var out []NodeAssignment
	for _, a := range assignments {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

// RouterNode returns the assignment carrying the router tag.
func RouterNode(assignments []NodeAssignment) (NodeAssignment, bool) {
	for _, a := range assignments {
		if a.Router {
			return a, true
		}
	}
	return NodeAssignment{}, false
}
