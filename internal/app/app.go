// Package app builds the launcher's components from configuration. Both the
// CLI and the agent share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shipth-is/shipgo/internal/acquire"
	"github.com/shipth-is/shipgo/internal/app/migrate"
	"github.com/shipth-is/shipgo/internal/capture"
	"github.com/shipth-is/shipgo/internal/crashmarker"
	"github.com/shipth-is/shipgo/internal/docker"
	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/kv"
	"github.com/shipth-is/shipgo/internal/metrics"
	"github.com/shipth-is/shipgo/internal/repository/sqlite"
	"github.com/shipth-is/shipgo/internal/runtime"
	"github.com/shipth-is/shipgo/internal/service/auth"
	"github.com/shipth-is/shipgo/internal/service/builds"
	"github.com/shipth-is/shipgo/internal/service/launch"
	"github.com/shipth-is/shipgo/internal/session"
	"github.com/shipth-is/shipgo/internal/telemetry"
	"github.com/shipth-is/shipgo/internal/tracing"
	"github.com/shipth-is/shipgo/internal/workspace"
	"github.com/shipth-is/shipgo/pkg/api/client"
	"github.com/shipth-is/shipgo/pkg/config"
	"github.com/shipth-is/shipgo/pkg/crypto"
	sio "github.com/shipth-is/shipgo/pkg/runtime/telemetry"
)

const (
	sessionSealLabel = "shipgo-session"
	socketWriteWait  = 10 * time.Second
)

// App holds every long-lived component.
type App struct {
	Config    config.LauncherConfig
	Logger    *slog.Logger
	Sessions  *session.Store
	API       *client.Client
	Auth      auth.Service
	Builds    *builds.Service
	Cache     *sqlite.Repository
	Workspace *workspace.Manager
	Host      runtime.Host
	Marker    *crashmarker.Marker
	Capture   *capture.Store
	Relay     *telemetry.Relay
	Launch    *launch.Service
	Migrator  migrate.Runner

	health  func(ctx context.Context) error
	closers []func(ctx context.Context) error
}

// New wires the application. On error everything already opened is closed.
func New(ctx context.Context, cfg config.LauncherConfig, log *slog.Logger, service, version string) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint, service, version)
	if err != nil {
		return nil, err
	}
	a.onClose(shutdownTracing)

	sessionKV, runStateKV, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	var sessOpts []session.Option
	if cfg.SessionKey != "" {
		sealer, err := crypto.NewSealer(cfg.SessionKey, sessionSealLabel)
		if err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
		sessOpts = append(sessOpts, session.WithSealer(sealer))
	}
	a.Sessions = session.New(sessionKV, log, sessOpts...)
	if _, err := a.Sessions.Load(ctx); err != nil {
		log.Warn("load stored session", "error", err)
	}

	a.API, err = client.New(cfg.Backend().API,
		client.WithTimeout(cfg.APITimeout),
		client.WithTokenSource(a.Sessions.Token),
		client.WithUnauthorizedHook(a.Sessions.HandleUnauthorized),
	)
	if err != nil {
		return nil, err
	}
	a.Auth = auth.New(a.API, a.Sessions, log, version)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sqlite.Open(ctx, cfg.CachePath())
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return db.Close() })
	a.Migrator, err = migrate.New(db.DB, log)
	if err != nil {
		return nil, err
	}
	if err := a.Migrator.Ensure(ctx); err != nil {
		return nil, err
	}
	a.Cache = sqlite.New(db)
	a.Builds = builds.New(a.API, a.Cache, log)

	a.Workspace, err = workspace.New(cfg.ContentRoot())
	if err != nil {
		return nil, err
	}

	downloader, err := a.newDownloader(ctx)
	if err != nil {
		return nil, err
	}

	a.Host, err = a.newHost(downloader)
	if err != nil {
		return nil, err
	}

	a.Marker = crashmarker.New(runStateKV, log)
	a.Capture, err = capture.New(cfg.CrashDir(), cfg.CrashLines)
	if err != nil {
		return nil, err
	}

	dialer := telemetry.SocketDialer{
		URL: cfg.Backend().WS,
		Options: sio.DialOptions{
			HandshakeTimeout: cfg.ConnectTimeout,
			WriteTimeout:     socketWriteWait,
		},
	}
	a.Relay = telemetry.New(dialer, log, telemetry.WithCrashReplay(a.Marker, a.Capture))

	provisioner := runtime.NewProvisioner(a.Host, log, a.observeProvisioning)
	a.Launch = launch.New(launch.Deps{
		Builds:     a.Builds,
		Downloader: downloader,
		Workspace:  a.Workspace,
		Runtime:    provisioner,
		Relay:      a.Relay,
		Marker:     a.Marker,
		Capture:    a.Capture,
		History:    a.Cache,
		Logger:     log,
	})
	return a, nil
}

// Start runs the telemetry relay, ties it to the session and queues any
// crash logs left by the previous run. The relay stops when ctx is done.
func (a *App) Start(ctx context.Context) {
	events, cancel := a.Sessions.Subscribe()
	go a.Relay.Run(ctx)
	go func() {
		defer cancel()
		a.Relay.Follow(ctx, events)
	}()
	if token := a.Sessions.Token(); token != "" {
		a.Relay.Connect(token)
	}
	n, err := a.Relay.QueueCrashReplay(ctx)
	if err != nil {
		a.Logger.Warn("queue crash replay", "error", err)
		return
	}
	if n > 0 {
		a.Logger.Info("crash logs queued for replay", "records", n)
	}
}

// Health reports whether the runtime host is reachable.
func (a *App) Health(ctx context.Context) error {
	if a.health == nil {
		return nil
	}
	return a.health(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) openStores(ctx context.Context) (sessionKV, runStateKV kv.Store, err error) {
	cfg := a.Config
	if cfg.KVBackend == "redis" {
		sess, err := kv.NewRedisStore(ctx, cfg.RedisURL, "session")
		if err != nil {
			return nil, nil, err
		}
		a.onClose(func(context.Context) error { return sess.Close() })
		run, err := kv.NewRedisStore(ctx, cfg.RedisURL, "run_state")
		if err != nil {
			return nil, nil, err
		}
		a.onClose(func(context.Context) error { return run.Close() })
		return sess, run, nil
	}
	sess, err := kv.NewFileStore(cfg.SessionDir())
	if err != nil {
		return nil, nil, err
	}
	run, err := kv.NewFileStore(cfg.RunStateDir())
	if err != nil {
		return nil, nil, err
	}
	return sess, run, nil
}

func (a *App) newDownloader(ctx context.Context) (*acquire.Downloader, error) {
	cfg := a.Config
	opts := []acquire.Option{
		acquire.WithTimeouts(cfg.ConnectTimeout, cfg.ReadTimeout),
		acquire.WithLogger(a.Logger.With("component", "acquire")),
		acquire.WithTransportWrapper(func(rt http.RoundTripper) http.RoundTripper {
			return otelhttp.NewTransport(rt)
		}),
	}
	if cfg.S3Region != "" || cfg.S3Endpoint != "" || cfg.S3AccessKey != "" {
		s3c, err := acquire.NewS3Client(ctx, acquire.S3Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, acquire.WithObjectStore(s3c))
	}
	return acquire.New(opts...), nil
}

func (a *App) newHost(downloader *acquire.Downloader) (runtime.Host, error) {
	cfg := a.Config
	if cfg.RuntimeHost == "docker" {
		dc, err := docker.New(cfg.DockerHost)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return dc.Close() })
		a.health = dc.Ping
		return docker.NewHost(dc, cfg.ImagePrefix, a.Logger), nil
	}
	host, err := runtime.NewDirHost(cfg.ModulesDir, cfg.ModuleRegistry, downloader, a.Logger)
	if err != nil {
		return nil, err
	}
	a.health = func(context.Context) error {
		_, err := os.Stat(cfg.ModulesDir)
		return err
	}
	return host, nil
}

// observeProvisioning forwards install milestones to the realtime channel.
func (a *App) observeProvisioning(t runtime.Transition) {
	switch t.State {
	case runtime.StateDownloading:
		return
	case runtime.StateFailed:
		a.Relay.Log(domain.LevelError, "provision", fmt.Sprintf("%s %s: %v", t.Module, t.State, t.Err))
	default:
		a.Relay.Log(domain.LevelInfo, "provision", fmt.Sprintf("%s %s", t.Module, t.State))
	}
}
