package domain

import "time"

// RunSessionMarker records whether the last runtime session exited cleanly.
// CleanExit=false with a LastBuildID means the previous run crashed.
type RunSessionMarker struct {
	CleanExit   bool    `json:"cleanExit"`
	LastBuildID *string `json:"lastBuildId,omitempty"`
}

// LogRecord is the payload of a build:runtime-log event.
type LogRecord struct {
	BuildID  string `json:"buildId"`
	Level    string `json:"level"`
	Message  string `json:"message"`
	Details  any    `json:"details"`
	SentAt   string `json:"sentAt"`
	Sequence int64  `json:"sequence"`
}

// Log levels carried on LogRecord.
const (
	LevelVerbose = "VERBOSE"
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarn    = "WARN"
	LevelError   = "ERROR"
)

// LaunchState is the observable state of the launch pipeline.
type LaunchState struct {
	LaunchID  string    `json:"launchId,omitempty"`
	Loading   bool      `json:"loading"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	BuildID   string    `json:"buildId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
