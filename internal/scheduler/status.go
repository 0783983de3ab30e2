package scheduler

import "github.com/canukguy1974/franky-ai/internal/domain"

type statusSet map[domain.TaskStatus]struct{}

func set(ss ...domain.TaskStatus) statusSet {
	out := make(statusSet, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}

// taskTransitions is the full table of legal task status changes. Running and
// qa_pending may fall back to queued when an interrupted run is recovered.
var taskTransitions = map[domain.TaskStatus]statusSet{
	domain.TaskPending:        set(domain.TaskQueued, domain.TaskBlocked, domain.TaskCancelled),
	domain.TaskQueued:         set(domain.TaskRunning, domain.TaskBlocked, domain.TaskCancelled),
	domain.TaskRunning:        set(domain.TaskQAPending, domain.TaskFailed, domain.TaskQueued, domain.TaskCancelled),
	domain.TaskQAPending:      set(domain.TaskQAPassed, domain.TaskQAFailed, domain.TaskFailed, domain.TaskQueued, domain.TaskCancelled),
	domain.TaskQAPassed:       set(domain.TaskAccepted, domain.TaskCancelled),
	domain.TaskQAFailed:       set(domain.TaskRevisionNeeded, domain.TaskEscalated, domain.TaskCancelled),
	domain.TaskRevisionNeeded: set(domain.TaskRunning, domain.TaskBlocked, domain.TaskCancelled),
	domain.TaskEscalated:      set(domain.TaskAccepted, domain.TaskFailed, domain.TaskPending, domain.TaskCancelled),
	domain.TaskFailed:         set(domain.TaskPending, domain.TaskCancelled),
	domain.TaskBlocked:        set(domain.TaskPending, domain.TaskCancelled),
	domain.TaskAccepted:       {},
	domain.TaskCancelled:      {},
}

// CanTransition reports whether from -> to is modeled.
func CanTransition(from, to domain.TaskStatus) bool {
	next, ok := taskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CheckTransition returns a StateError for unmodeled transitions.
func CheckTransition(id string, from, to domain.TaskStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return domain.StateError{Entity: "task", ID: id, From: string(from), Event: "move to " + string(to)}
}

// KnownStatus reports whether s is part of the task status set.
func KnownStatus(s domain.TaskStatus) bool {
	_, ok := taskTransitions[s]
	return ok
}
