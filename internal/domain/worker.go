package domain

import "time"

// WorkerType distinguishes a local child-process worker from a remote
// worker reached over HTTP after SSH provisioning.
type WorkerType string

const (
	WorkerLocal  WorkerType = "local"
	WorkerRemote WorkerType = "remote"
)

// WorkerStatus reflects the last health probe outcome.
type WorkerStatus string

const (
	StatusOnline       WorkerStatus = "online"
	StatusOffline      WorkerStatus = "offline"
	StatusProvisioning WorkerStatus = "provisioning"
	StatusError        WorkerStatus = "error"
)

// WorkerState reflects operator intent, independent of health.
type WorkerState string

const (
	WorkerStopped WorkerState = "stopped"
	WorkerStarted WorkerState = "started"
	WorkerPaused  WorkerState = "paused"
	WorkerFailed  WorkerState = "failed"
)

// AuthMethod is how a remote worker's SSH session authenticates.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
)

// SystemWorkerName is the reserved, undeletable local fallback worker.
const SystemWorkerName = "system"

// Worker is a compute endpoint that executes commands.
type Worker struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"` // unique
	Type            WorkerType   `json:"type"`
	Hostname        string       `json:"hostname"`
	IPAddress       string       `json:"ip_address"`
	Port            int          `json:"port"`
	SSHUser         string       `json:"ssh_user"`
	AuthMethod      AuthMethod   `json:"auth_method"`
	SSHPrivateKey   string       `json:"ssh_private_key,omitempty"` // remote, key auth only
	Password        string       `json:"password,omitempty"`        // remote, password auth only
	Provision       bool         `json:"provision"`                 // whether to run the remote provisioning protocol on create
	MaxJobs         int          `json:"max_jobs"`
	CurrentJobs     int          `json:"current_jobs"` // derived: count of jobs with AssignedWorker==this and Status==Running
	Status          WorkerStatus `json:"status"`
	State           WorkerState  `json:"state"`
	LastSeen        *time.Time   `json:"last_seen,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	ConsecutiveMiss int          `json:"consecutive_miss"` // health-probe miss counter, resets to 0 on a success
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// IsSystem reports whether this is the reserved fallback worker.
func (w *Worker) IsSystem() bool {
	return w.Name == SystemWorkerName
}

// Eligible reports whether the worker may receive a new dispatch right now:
// assigned (checked by caller) ∧ state=started ∧ status=online ∧
// current_jobs<max_jobs.
func (w *Worker) Eligible() bool {
	return w.State == WorkerStarted && w.Status == StatusOnline && w.CurrentJobs < w.MaxJobs
}

// ValidWorkerTransition reports whether moving from 'from' to 'to' is a
// legal worker state-machine transition. 'failed' is reachable from any
// state (provisioning errors, repeated health failures).
func ValidWorkerTransition(from, to WorkerState) bool {
	if to == WorkerFailed {
		return true
	}
	switch from {
	case WorkerStopped:
		return to == WorkerStarted
	case WorkerStarted:
		return to == WorkerPaused || to == WorkerStopped
	case WorkerPaused:
		return to == WorkerStarted || to == WorkerStopped
	case WorkerFailed:
		return to == WorkerStopped || to == WorkerStarted
	default:
		return false
	}
}

// QueueWorkerAssignment links a worker to a queue it may receive dispatches from.
type QueueWorkerAssignment struct {
	QueueID   string    `json:"queue_id"`
	WorkerID  string    `json:"worker_id"`
	CreatedAt time.Time `json:"created_at"`
}
