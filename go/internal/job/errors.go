package job

import "errors"

var (
	ErrJobNotFound            = errors.New("job not found")
	ErrDuplicateUniqueJobType = errors.New("a job of this type already exists")
	ErrDuplicateJobID         = errors.New("job id already exists")
	ErrUniqueJobTypeMismatch  = errors.New("unique job id does not match job type")
	ErrNoInitializerPresent   = errors.New("no initializer registered for job type")
	ErrInvalidJobID           = errors.New("invalid job id")
	ErrMissingJobType         = errors.New("job type is required")
	ErrConfigEncode           = errors.New("job config encode")
	ErrConfigDecode           = errors.New("job config decode")
	ErrExecutionStateEncode   = errors.New("job execution state encode")
	ErrExecutionStateDecode   = errors.New("job execution state decode")
	ErrExecutorRunning        = errors.New("job executor already running")
	ErrJobPanicked            = errors.New("job runner panicked")
)
