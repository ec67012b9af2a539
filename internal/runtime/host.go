package runtime

import (
	"context"
	"errors"
	"fmt"
)

// InstallStatus is a provisioning state as reported by a Host.
type InstallStatus string

const (
	StatusDownloading InstallStatus = "DOWNLOADING"
	StatusInstalling  InstallStatus = "INSTALLING"
	StatusInstalled   InstallStatus = "INSTALLED"
	StatusFailed      InstallStatus = "FAILED"
)

// InstallUpdate is one status event of an install session. Hosts that only
// know relative progress set Percent instead of the byte counts.
type InstallUpdate struct {
	Module          Module
	Status          InstallStatus
	BytesDownloaded int64
	TotalBytes      int64
	Percent         int
	ErrorCode       int
	Err             error
}

// LaunchSpec carries what a runtime needs to start a build. Detached starts
// the runtime in its own session, outside the caller's process group.
type LaunchSpec struct {
	BuildID    string
	Version    string
	ContentDir string
	Env        []string
	Detached   bool
}

// OutputLine is a line written by the runtime on stdout or stderr.
type OutputLine struct {
	Stream string
	Text   string
}

// ExitStatus describes how a runtime process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// Clean reports a zero exit without a signal.
func (s ExitStatus) Clean() bool { return s.Code == 0 && s.Signal == "" }

// Process is a started runtime.
type Process interface {
	ID() string
	// Output is closed once the process has stopped writing.
	Output() <-chan OutputLine
	// Wait blocks until exit. It may be called more than once.
	Wait() (ExitStatus, error)
	Stop(ctx context.Context) error
}

// Host knows which modules are installed, installs them on demand and
// starts them. StartInstall must stop sending and close the channel once a
// terminal status was sent or ctx is done.
type Host interface {
	Name() string
	Installed(ctx context.Context, m Module) (bool, error)
	StartInstall(ctx context.Context, m Module) (<-chan InstallUpdate, error)
	Start(ctx context.Context, m Module, spec LaunchSpec) (Process, error)
}

var (
	// ErrInstallPending is returned when the same module is already being provisioned.
	ErrInstallPending = errors.New("runtime: install already in progress")
	// ErrUnknownModule is returned for module names outside the known set.
	ErrUnknownModule = errors.New("runtime: unknown module")
)

// ProvisioningError reports a failed module install or start. It is not retried.
type ProvisioningError struct {
	Module Module
	Code   int
	Err    error
}

func (e *ProvisioningError) Error() string {
	msg := fmt.Sprintf("failed to provision runtime %s", e.Module)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
