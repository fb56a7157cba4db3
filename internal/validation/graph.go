package validation

import (
	"fmt"
	"sort"

	"github.com/loomhq/loom/pkg/schema"
)

// validateGraph performs graph analysis on the workflow content: duplicate
// node IDs, dangling edges, cycle detection (Kahn's algorithm), and
// dead-node reachability (BFS from trigger roots).
func validateGraph(content *schema.WorkflowContent) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(content.Nodes))
	for _, n := range content.Nodes {
		if n.ID == "" {
			result.AddError("nodes", schema.ErrCodeValidation, "node with empty id")
			continue
		}
		if nodeIDs[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%s]", n.ID), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true
	}

	adjacency := make(map[string][]string, len(content.Nodes))
	inDegree := make(map[string]int, len(content.Nodes))
	for id := range nodeIDs {
		inDegree[id] = 0
	}
	for _, e := range content.Edges {
		if !nodeIDs[e.Source] {
			result.AddError(fmt.Sprintf("edges[%s]", e.ID), schema.ErrCodeValidation,
				fmt.Sprintf("edge source %q does not exist", e.Source))
			continue
		}
		if !nodeIDs[e.Target] {
			result.AddError(fmt.Sprintf("edges[%s]", e.ID), schema.ErrCodeValidation,
				fmt.Sprintf("edge target %q does not exist", e.Target))
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
	}
	if !result.Valid() {
		return result
	}

	// Kahn's algorithm for cycle detection.
	queue := make([]string, 0, len(nodeIDs))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	remaining := make(map[string]int, len(inDegree))
	for id, deg := range inDegree {
		remaining[id] = deg
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[node] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(nodeIDs) {
		result.AddError("edges", schema.ErrCodeValidation, "workflow contains a cycle")
		return result
	}

	// Reachability from trigger nodes, falling back to zero-in-degree roots.
	var roots []string
	for _, n := range content.Nodes {
		if n.IsTrigger() {
			roots = append(roots, n.ID)
		}
	}
	if len(roots) == 0 {
		for id, deg := range inDegree {
			if deg == 0 {
				roots = append(roots, id)
			}
		}
	}

	reachable := make(map[string]bool, len(nodeIDs))
	bfs := append([]string(nil), roots...)
	for _, r := range roots {
		reachable[r] = true
	}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, next := range adjacency[node] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}

	for _, n := range content.Nodes {
		if n.Type == schema.NodeTypeDrop {
			continue
		}
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any trigger", n.ID))
		}
	}

	return result
}
