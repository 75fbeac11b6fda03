// Package graph validates workflow graphs before execution.
package graph

import (
	"fmt"

	"aerostic/backend/internal/fault"
	"aerostic/backend/pkg/models"
)

type color uint8

const (
	white color = iota
	gray
	black
)

// HasCycle reports whether the graph formed by edges contains a directed
// cycle. Self-loops count as cycles. Edges naming unknown nodes still
// participate so that a malformed graph cannot hide a loop.
func HasCycle(nodes []models.Node, edges []models.Edge) bool {
	adj := adjacency(edges)

	marks := make(map[string]color, len(nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		marks[id] = gray
		for _, next := range adj[id] {
			switch marks[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		marks[id] = black
		return false
	}

	for _, n := range nodes {
		if marks[n.ID] == white && visit(n.ID) {
			return true
		}
	}
	for _, e := range edges {
		if marks[e.Source] == white && visit(e.Source) {
			return true
		}
	}
	return false
}

// Validate checks that every edge references existing nodes and that the
// graph is acyclic. Failures are authoring errors.
func Validate(w *models.Workflow) error {
	ids := make(map[string]struct{}, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fault.Authoring("graph.Validate", fmt.Errorf("node of type %q has no id", n.Type))
		}
		if _, dup := ids[n.ID]; dup {
			return fault.Authoring("graph.Validate", fmt.Errorf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = struct{}{}
	}
	for _, e := range w.Edges {
		if _, ok := ids[e.Source]; !ok {
			return fault.Authoring("graph.Validate", fmt.Errorf("%w: source %q", fault.ErrDanglingEdge, e.Source))
		}
		if _, ok := ids[e.Target]; !ok {
			return fault.Authoring("graph.Validate", fmt.Errorf("%w: target %q", fault.ErrDanglingEdge, e.Target))
		}
	}
	if HasCycle(w.Nodes, w.Edges) {
		return fault.Authoring("graph.Validate", fault.ErrCycleDetected)
	}
	return nil
}

// FindTrigger returns the first trigger node whose type is one of
// preferred, or the first trigger node of any type when none matches or
// preferred is empty.
func FindTrigger(w *models.Workflow, preferred ...models.NodeType) (*models.Node, error) {
	var first *models.Node
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if !n.Type.IsTrigger() {
			continue
		}
		if len(preferred) == 0 {
			return n, nil
		}
		for _, t := range preferred {
			if n.Type == t {
				return n, nil
			}
		}
		if first == nil {
			first = n
		}
	}
	if first != nil {
		return first, nil
	}
	return nil, fault.Authoring("graph.FindTrigger", fault.ErrTriggerNotFound)
}

// TriggerByID returns the trigger node with the given id.
func TriggerByID(w *models.Workflow, id string) (*models.Node, error) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id && w.Nodes[i].Type.IsTrigger() {
			return &w.Nodes[i], nil
		}
	}
	return nil, fault.Authoring("graph.TriggerByID", fmt.Errorf("%w: %s", fault.ErrTriggerNotFound, id))
}

// Outgoing returns the edges leaving nodeID in declaration order.
func Outgoing(edges []models.Edge, nodeID string) []models.Edge {
	var out []models.Edge
	for _, e := range edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

func adjacency(edges []models.Edge) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}
