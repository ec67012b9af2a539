package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shipth-is/shipgo/internal/metrics"
)

// State is a step of the provisioning state machine.
type State string

const (
	StateCheckInstalled State = "CHECK_INSTALLED"
	StateRequestInstall State = "REQUEST_INSTALL"
	StateDownloading    State = "DOWNLOADING"
	StateInstalling     State = "INSTALLING"
	StateInstalled      State = "INSTALLED"
	StateLaunch         State = "LAUNCH"
	StateFailed         State = "FAILED"
)

// Transition is published on every state change.
type Transition struct {
	Module          Module
	State           State
	BytesDownloaded int64
	TotalBytes      int64
	Percent         int
	Err             error
}

// Provisioner drives CHECK_INSTALLED -> (REQUEST_INSTALL -> DOWNLOADING ->
// INSTALLING -> INSTALLED) -> LAUNCH, or FAILED, against a Host.
type Provisioner struct {
	host     Host
	logger   *slog.Logger
	observer func(Transition)

	mu      sync.Mutex
	pending map[Module]struct{}
}

// NewProvisioner wires a Provisioner to host. observer may be nil.
func NewProvisioner(host Host, logger *slog.Logger, observer func(Transition)) *Provisioner {
	return &Provisioner{
		host:     host,
		logger:   logger.With("component", "provisioner", "host", host.Name()),
		observer: observer,
		pending:  make(map[Module]struct{}),
	}
}

// Launch resolves version to a module, installs it if needed and starts it.
func (p *Provisioner) Launch(ctx context.Context, version string, spec LaunchSpec) (Process, Module, error) {
	m, matched := Resolve(version)
	if !matched {
		p.logger.Warn("unrecognised engine version, using default runtime", "version", version, "module", m)
	}
	if err := p.Ensure(ctx, m); err != nil {
		return nil, m, err
	}
	p.emit(Transition{Module: m, State: StateLaunch})
	spec.Version = version
	spec.Detached = true
	proc, err := p.host.Start(ctx, m, spec)
	if err != nil {
		p.emit(Transition{Module: m, State: StateFailed, Err: err})
		return nil, m, &ProvisioningError{Module: m, Err: err}
	}
	p.logger.Info("runtime started", "module", m, "build_id", spec.BuildID, "process", proc.ID())
	return proc, m, nil
}

// Ensure makes m available on the host, installing it when missing.
func (p *Provisioner) Ensure(ctx context.Context, m Module) error {
	if !m.Valid() {
		return ErrUnknownModule
	}
	p.emit(Transition{Module: m, State: StateCheckInstalled})
	ok, err := p.host.Installed(ctx, m)
	if err != nil {
		return p.fail(m, &ProvisioningError{Module: m, Err: err})
	}
	if ok {
		return nil
	}

	p.mu.Lock()
	if _, busy := p.pending[m]; busy {
		p.mu.Unlock()
		return ErrInstallPending
	}
	p.pending[m] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, m)
		p.mu.Unlock()
	}()

	p.emit(Transition{Module: m, State: StateRequestInstall})
	p.logger.Info("installing runtime module", "module", m)

	// Cancelling on return is the deregistration: the host stops publishing.
	installCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := p.host.StartInstall(installCtx, m)
	if err != nil {
		return p.fail(m, &ProvisioningError{Module: m, Err: err})
	}
	for {
		select {
		case <-ctx.Done():
			return p.fail(m, ctx.Err())
		case u, open := <-updates:
			if !open {
				if err := ctx.Err(); err != nil {
					return p.fail(m, err)
				}
				return p.fail(m, &ProvisioningError{Module: m, Err: errors.New("install stream ended before completion")})
			}
			if u.Module != "" && u.Module != m {
				continue
			}
			switch u.Status {
			case StatusDownloading:
				p.logger.Debug("downloading runtime module", "module", m, "bytes", u.BytesDownloaded, "total", u.TotalBytes)
				p.emit(Transition{Module: m, State: StateDownloading, BytesDownloaded: u.BytesDownloaded, TotalBytes: u.TotalBytes, Percent: u.Percent})
			case StatusInstalling:
				p.emit(Transition{Module: m, State: StateInstalling})
			case StatusInstalled:
				p.logger.Info("runtime module installed", "module", m)
				metrics.ProvisionResults.WithLabelValues(string(m), "installed").Inc()
				p.emit(Transition{Module: m, State: StateInstalled})
				return nil
			case StatusFailed:
				return p.fail(m, &ProvisioningError{Module: m, Code: u.ErrorCode, Err: u.Err})
			}
		}
	}
}

func (p *Provisioner) fail(m Module, err error) error {
	metrics.ProvisionResults.WithLabelValues(string(m), "failed").Inc()
	p.logger.Error("runtime provisioning failed", "module", m, "error", err)
	p.emit(Transition{Module: m, State: StateFailed, Err: err})
	return err
}

func (p *Provisioner) emit(t Transition) {
	if p.observer != nil {
		p.observer(t)
	}
}
