package repository

import "errors"

// Sentinel errors shared by every backend. internal/apperrors maps these to
// HTTP status codes and domain-specific messages at the service layer.
var (
	ErrNotFound                = errors.New("repository: not found")
	ErrNameConflict            = errors.New("repository: name already in use")
	ErrMultipleDefaultQueues   = errors.New("repository: at most one default queue allowed")
	ErrPendingJobsBlockDelete  = errors.New("repository: pending jobs reference this queue")
	ErrRunningJobsBlockDelete  = errors.New("repository: running jobs reference this specification")
	ErrSystemWorkerUndeletable = errors.New("repository: the system worker cannot be deleted")
	ErrTerminalAbsorbed        = errors.New("repository: job is in a terminal state and cannot be changed")
)
