package core

import "errors"

// Registry and validation errors.
var (
	ErrInvalidJobTypeName = errors.New("orchestration: invalid job type name (must be alphanumeric, start with letter)")
	ErrJobTypeNameTooLong = errors.New("orchestration: job type name too long")
	ErrInvalidTaskType    = errors.New("orchestration: invalid task type name")
	ErrInvalidQueueName   = errors.New("orchestration: invalid queue name")
	ErrParametersTooLarge = errors.New("orchestration: parameters exceed size limit")
	ErrUnknownJobType     = errors.New("orchestration: unknown job type")
	ErrUnknownTaskType    = errors.New("orchestration: no handler registered for task type")
)

// State store errors.
var (
	ErrJobExists   = errors.New("orchestration: job already exists")
	ErrJobNotFound = errors.New("orchestration: job not found")
)
