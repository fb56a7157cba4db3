package engine

import (
	"github.com/loomhq/loom/pkg/schema"
)

// BuildExecutionOrder derives the linear execution order from the graph:
// a breadth-first walk starting at trigger nodes, or at nodes with no
// incoming edges when the graph has no trigger. Drop placeholders are
// excluded entirely. The engine assumes a DAG; cycles are rejected upstream
// by pre-flight validation.
func BuildExecutionOrder(content *schema.WorkflowContent) []string {
	adjacency := make(map[string][]string)
	inDegree := make(map[string]int)
	executable := make(map[string]schema.Node)

	for _, n := range content.Nodes {
		if n.Type == schema.NodeTypeDrop {
			continue
		}
		executable[n.ID] = n
		if _, ok := inDegree[n.ID]; !ok {
			inDegree[n.ID] = 0
		}
	}
	for _, e := range content.Edges {
		if _, ok := executable[e.Source]; !ok {
			continue
		}
		if _, ok := executable[e.Target]; !ok {
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
	}

	var queue []string
	for _, n := range content.Nodes {
		if _, ok := executable[n.ID]; ok && n.IsTrigger() {
			queue = append(queue, n.ID)
		}
	}
	if len(queue) == 0 {
		for _, n := range content.Nodes {
			if _, ok := executable[n.ID]; ok && inDegree[n.ID] == 0 {
				queue = append(queue, n.ID)
			}
		}
	}

	order := make([]string, 0, len(executable))
	visited := make(map[string]bool, len(executable))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		order = append(order, id)
		queue = append(queue, adjacency[id]...)
	}

	return order
}

// NodesUntilBoundary computes the loop body spliced per iteration item: the
// downstream subgraph reachable from the iterator up to and including the
// first flow boundary (endIterate or aggregate) on each path. Boundary nodes
// still execute once per item; expansion just stops past them.
func NodesUntilBoundary(content *schema.WorkflowContent, startID string) []string {
	adjacency := make(map[string][]string)
	for _, e := range content.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	var body []string
	visited := map[string]bool{startID: true}
	queue := append([]string{}, adjacency[startID]...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		node, ok := content.NodeByID(id)
		if !ok || node.Type == schema.NodeTypeDrop {
			continue
		}
		body = append(body, id)

		if isFlowBoundary(node) {
			continue
		}
		queue = append(queue, adjacency[id]...)
	}

	return body
}

func isFlowBoundary(n schema.Node) bool {
	provider, op, ok := n.Binding()
	if !ok || provider != "flow" {
		return false
	}
	return op == "endIterate" || op == "aggregate"
}

// SkippedByRoutes resolves a router's selection into the set of node IDs the
// resolver must not execute: everything reachable only through declared but
// unselected paths. Nodes also reachable from a selected path (or from the
// default when selected) stay live.
func SkippedByRoutes(content *schema.WorkflowContent, declared, selected []string) map[string]bool {
	selectedSet := make(map[string]bool, len(selected))
	for _, id := range selected {
		selectedSet[id] = true
	}

	var unselected []string
	for _, id := range declared {
		if !selectedSet[id] {
			unselected = append(unselected, id)
		}
	}
	if len(unselected) == 0 {
		return nil
	}

	adjacency := make(map[string][]string)
	for _, e := range content.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	dead := reachableFrom(adjacency, unselected)
	live := reachableFrom(adjacency, selected)

	skip := make(map[string]bool)
	for id := range dead {
		if !live[id] {
			skip[id] = true
		}
	}
	return skip
}

func reachableFrom(adjacency map[string][]string, roots []string) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string{}, roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, adjacency[id]...)
	}
	return seen
}
