package domain

import "time"

// DeploymentOutcome is the terminal result of a remote worker provisioning run.
type DeploymentOutcome string

const (
	DeploymentPending DeploymentOutcome = "pending"
	DeploymentSuccess DeploymentOutcome = "success"
	DeploymentError   DeploymentOutcome = "error"
	DeploymentTimeout DeploymentOutcome = "timeout"
)

// TotalProvisioningSteps is the number of steps in the remote provisioning
// protocol.
const TotalProvisioningSteps = 7

// ProvisioningStepNames labels each step for progress reporting, in order.
var ProvisioningStepNames = [TotalProvisioningSteps]string{
	"validate_connection",
	"build_package",
	"open_ssh_channel",
	"prepare_remote_environment",
	"transfer_and_install",
	"launch_worker_process",
	"verify_health",
}

// DeploymentStatus tracks the progress of one remote worker provisioning
// attempt, polled via GET /api/workers/deployment-status/{id}.
type DeploymentStatus struct {
	ID          string            `json:"id"`
	WorkerID    string            `json:"worker_id"`
	StepNumber  int               `json:"step_number"` // 0..TotalProvisioningSteps, 0 before the first step starts
	TotalSteps  int               `json:"total_steps"`
	Outcome     DeploymentOutcome `json:"outcome"`
	Message     string            `json:"message"`
	StartedAt   time.Time         `json:"started_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// NewDeploymentStatus starts a fresh tracker at step 0.
func NewDeploymentStatus(id, workerID string, startedAt time.Time) *DeploymentStatus {
	return &DeploymentStatus{
		ID:         id,
		WorkerID:   workerID,
		StepNumber: 0,
		TotalSteps: TotalProvisioningSteps,
		Outcome:    DeploymentPending,
		StartedAt:  startedAt,
		UpdatedAt:  startedAt,
	}
}

// Advance records progress into the next named step.
func (d *DeploymentStatus) Advance(step int, now time.Time) {
	d.StepNumber = step
	d.UpdatedAt = now
}

// Finish records a terminal outcome.
func (d *DeploymentStatus) Finish(outcome DeploymentOutcome, message string, now time.Time) {
	d.Outcome = outcome
	d.Message = message
	d.UpdatedAt = now
	d.CompletedAt = &now
}

// Done reports whether the deployment has reached a terminal outcome.
func (d *DeploymentStatus) Done() bool {
	return d.Outcome != DeploymentPending
}
