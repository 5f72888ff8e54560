package domain

import "time"

// QueueState is the operator-driven lifecycle state of a Queue.
type QueueState string

const (
	QueueStopped QueueState = "stopped"
	QueueStarted QueueState = "started"
	QueuePaused  QueueState = "paused"
)

// QueuePriority is an informational priority label; it does not by itself
// affect dispatch order (dispatch order is FIFO within a queue).
type QueuePriority string

const (
	PriorityLow      QueuePriority = "low"
	PriorityNormal   QueuePriority = "normal"
	PriorityHigh     QueuePriority = "high"
	PriorityCritical QueuePriority = "critical"
)

// Strategy selects which eligible worker receives the next job on a queue.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRandom      Strategy = "random"
	StrategyPriority    Strategy = "priority"
)

// ValidStrategy reports whether s is one of the four recognized strategies.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyRandom, StrategyPriority:
		return true
	default:
		return false
	}
}

// Queue is a named dispatch lane.
type Queue struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"` // unique
	Description string        `json:"description"`
	Priority    QueuePriority `json:"priority"`
	Strategy    Strategy      `json:"strategy"`
	State       QueueState    `json:"state"`
	IsDefault   bool          `json:"is_default"`
	Cursor      int           `json:"cursor"` // round_robin position, advances regardless of outcome
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AcceptsIntake reports whether the queue accepts newly-created Pending jobs.
// Started and paused both accept intake; only stopped refuses it.
func (q *Queue) AcceptsIntake() bool {
	return q.State == QueueStarted || q.State == QueuePaused
}

// AcceptsDispatch reports whether the queue's dispatch loop may hand out
// new work from it. Only started queues dispatch.
func (q *Queue) AcceptsDispatch() bool {
	return q.State == QueueStarted
}

// ValidQueueTransition reports whether moving from 'from' to 'to' is a
// legal queue state-machine transition.
func ValidQueueTransition(from, to QueueState) bool {
	switch from {
	case QueueStopped:
		return to == QueueStarted
	case QueueStarted:
		return to == QueuePaused || to == QueueStopped
	case QueuePaused:
		return to == QueueStarted || to == QueueStopped
	default:
		return false
	}
}
