// Package service provides the lifecycle engine: idle detection, the archive
// and compression tracks, the orphan reaper and the job runner driving them.
package service

import "errors"

// Common service errors.
var (
	// Job errors
	ErrJobAlreadyRunning = errors.New("job is already running")
	ErrUnknownJob        = errors.New("unknown job")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
)
