package scheduler

import (
	"sort"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

// Ready returns the pending, queued and revision_needed tasks whose
// dependencies are all accepted, highest priority first then creation order.
// It is a pure function of the graph and the current statuses.
func Ready(g *Graph, status map[string]domain.TaskStatus) []string {
	var out []int
	for i, n := range g.nodes {
		switch status[n.ID] {
		case domain.TaskPending, domain.TaskQueued, domain.TaskRevisionNeeded:
		default:
			continue
		}
		if g.depsAccepted(i, status) {
			out = append(out, i)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return g.less(out[a], out[b]) })
	return g.names(out)
}

func (g *Graph) depsAccepted(i int, status map[string]domain.TaskStatus) bool {
	for _, d := range g.incoming[i] {
		if status[g.nodes[d].ID] != domain.TaskAccepted {
			return false
		}
	}
	return true
}

// Blockable returns the transitive dependents of id that have not started yet.
func Blockable(g *Graph, status map[string]domain.TaskStatus, id string) []string {
	var out []string
	for _, d := range g.Descendants(id) {
		switch status[d] {
		case domain.TaskPending, domain.TaskQueued:
			out = append(out, d)
		}
	}
	return out
}

func stopsDependents(s domain.TaskStatus) bool {
	switch s {
	case domain.TaskFailed, domain.TaskEscalated, domain.TaskBlocked, domain.TaskCancelled:
		return true
	}
	return false
}

// Unblockable returns blocked tasks that no longer have a failed, escalated,
// blocked or cancelled dependency once the tasks before them in topological
// order are unblocked too.
func Unblockable(g *Graph, status map[string]domain.TaskStatus) []string {
	view := make(map[string]domain.TaskStatus, len(status))
	for k, v := range status {
		view[k] = v
	}
	var out []string
	for _, i := range g.order {
		id := g.nodes[i].ID
		if view[id] != domain.TaskBlocked {
			continue
		}
		clear := true
		for _, d := range g.incoming[i] {
			if stopsDependents(view[g.nodes[d].ID]) {
				clear = false
				break
			}
		}
		if clear {
			view[id] = domain.TaskPending
			out = append(out, id)
		}
	}
	return out
}

// Quiescent reports whether nothing in the project can make progress without
// outside input.
func Quiescent(g *Graph, status map[string]domain.TaskStatus) bool {
	for _, n := range g.nodes {
		switch status[n.ID] {
		case domain.TaskRunning, domain.TaskQAPending, domain.TaskQAPassed, domain.TaskQAFailed:
			return false
		}
	}
	return len(Ready(g, status)) == 0
}
