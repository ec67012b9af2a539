package docker

import "errors"

var (
	// ErrImageNotFound is returned when a runtime image can be neither
	// inspected locally nor pulled from its registry.
	ErrImageNotFound = errors.New("docker: runtime image not found")
	// ErrNoClient is returned by a zero or closed Client.
	ErrNoClient = errors.New("docker: client not initialised")
)
