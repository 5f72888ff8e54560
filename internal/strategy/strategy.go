// Package strategy implements the dispatch-selection policies a Queue uses
// to pick a worker among its currently eligible workers.
package strategy

import (
	"dispatchcore/internal/domain"
	"math/rand/v2"
	"sort"
)

// Pick selects a worker from eligible per the queue's strategy. eligible
// must be non-empty; callers are responsible for skipping queues with no
// eligible workers. cursor is the queue's stored round_robin position;
// Pick returns the worker and the cursor value to persist next (it always
// advances, regardless of outcome).
func Pick(s domain.Strategy, eligible []*domain.Worker, cursor int) (*domain.Worker, int) {
	switch s {
	case domain.StrategyRoundRobin:
		return roundRobin(eligible, cursor)
	case domain.StrategyLeastLoaded:
		return leastLoaded(eligible), cursor + 1
	case domain.StrategyRandom:
		return random(eligible), cursor + 1
	case domain.StrategyPriority:
		return priority(eligible), cursor + 1
	default:
		return leastLoaded(eligible), cursor + 1
	}
}

// roundRobin picks the next eligible worker after the queue's stored
// cursor position, wrapping around. Workers are ordered by ID ascending so
// the cursor is a stable index into a deterministic ordering.
func roundRobin(eligible []*domain.Worker, cursor int) (*domain.Worker, int) {
	ordered := sortedByID(eligible)
	idx := cursor % len(ordered)
	return ordered[idx], cursor + 1
}

// leastLoaded picks the worker with the smallest current_jobs, tie-breaking
// by worker id ascending.
func leastLoaded(eligible []*domain.Worker) *domain.Worker {
	ordered := sortedByID(eligible)
	best := ordered[0]
	for _, w := range ordered[1:] {
		if w.CurrentJobs < best.CurrentJobs {
			best = w
		}
	}
	return best
}

// random picks uniformly among eligible workers.
func random(eligible []*domain.Worker) *domain.Worker {
	return eligible[rand.IntN(len(eligible))]
}

// priority prefers a local worker over a remote one, then falls back to
// least_loaded among whichever type it picked.
func priority(eligible []*domain.Worker) *domain.Worker {
	var local []*domain.Worker
	for _, w := range eligible {
		if w.Type == domain.WorkerLocal {
			local = append(local, w)
		}
	}
	if len(local) > 0 {
		return leastLoaded(local)
	}
	return leastLoaded(eligible)
}

func sortedByID(workers []*domain.Worker) []*domain.Worker {
	ordered := make([]*domain.Worker, len(workers))
	copy(ordered, workers)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	return ordered
}
