package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shipth-is/shipgo/internal/acquire"
	"github.com/shipth-is/shipgo/internal/archive"
	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/failure"
	"github.com/shipth-is/shipgo/internal/metrics"
	"github.com/shipth-is/shipgo/internal/repository"
	"github.com/shipth-is/shipgo/internal/runtime"
	"github.com/shipth-is/shipgo/internal/service/builds"
	"github.com/shipth-is/shipgo/internal/workspace"
)

// ErrLaunchInProgress is returned when a launch is submitted while another
// one is still running through the pipeline.
var ErrLaunchInProgress = errors.New("a launch is already in progress")

const (
	msgFetching    = "Fetching build…"
	msgCleaning    = "Cleaning old files…"
	msgDownloading = "Downloading game…"
	msgUnzipping   = "Unzipping game…"
	msgLaunching   = "Launching…"

	stopTimeout = 10 * time.Second
	tailLines   = 50
)

// Builds resolves a build id to its descriptor.
type Builds interface {
	Fetch(ctx context.Context, buildID string) (domain.GoBuild, error)
}

// Downloader transfers the build package to disk.
type Downloader interface {
	Fetch(ctx context.Context, source, dest string, onProgress acquire.ProgressFunc, opts ...acquire.FetchOption) (acquire.Result, error)
}

// Runtime provisions the engine module and starts it.
type Runtime interface {
	Launch(ctx context.Context, version string, spec runtime.LaunchSpec) (runtime.Process, runtime.Module, error)
}

// Relay receives runtime output for the realtime channel.
type Relay interface {
	SetBuildID(id string)
	Log(level, tag, message string)
}

// Marker records the start and clean end of a runtime session.
type Marker interface {
	MarkStart(ctx context.Context, buildID string) error
	MarkCleanExit(ctx context.Context) error
}

// Capture keeps on-device copies of runtime output for crash replay.
type Capture interface {
	Begin() error
	Append(line string) error
	End()
	WriteCrashDetail(detail string) error
}

// Deps are the collaborators of a Service. History is optional.
type Deps struct {
	Builds     Builds
	Downloader Downloader
	Workspace  *workspace.Manager
	Runtime    Runtime
	Relay      Relay
	Marker     Marker
	Capture    Capture
	History    repository.LaunchRepository
	Logger     *slog.Logger
}

// Service runs the launch pipeline and supervises the started runtime.
type Service struct {
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	busy atomic.Bool

	mu       sync.Mutex
	state    domain.LaunchState
	proc     runtime.Process
	procDone chan struct{}
	stopping bool
	subs     map[int]chan domain.LaunchState
	nextSub  int

	supervisors sync.WaitGroup
}

// New creates a launch service.
func New(d Deps) *Service {
	return &Service{
		deps:   d,
		logger: d.Logger.With("component", "launch"),
		tracer: otel.Tracer("github.com/shipth-is/shipgo/internal/service/launch"),
		now:    time.Now,
		subs:   make(map[int]chan domain.LaunchState),
	}
}

// State returns the latest pipeline state.
func (s *Service) State() domain.LaunchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe delivers every state change. Slow subscribers miss updates.
func (s *Service) Subscribe() (<-chan domain.LaunchState, func()) {
	ch := make(chan domain.LaunchState, 64)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Launch fetches buildID and runs the whole pipeline on the caller's
// goroutine. The returned state is the final pipeline state.
func (s *Service) Launch(ctx context.Context, buildID string) (domain.LaunchState, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return s.State(), ErrLaunchInProgress
	}
	defer s.busy.Store(false)
	return s.run(ctx, uuid.NewString(), buildID, nil)
}

// LaunchDescriptor runs the pipeline for an already known descriptor, such
// as one read from the local cache.
func (s *Service) LaunchDescriptor(ctx context.Context, build domain.GoBuild) (domain.LaunchState, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return s.State(), ErrLaunchInProgress
	}
	defer s.busy.Store(false)
	return s.run(ctx, uuid.NewString(), build.ID, &build)
}

// Start runs the pipeline in the background and returns the initial state.
// The pipeline is detached from ctx cancellation.
func (s *Service) Start(ctx context.Context, buildID string) (domain.LaunchState, error) {
	if strings.TrimSpace(buildID) == "" {
		return domain.LaunchState{}, fmt.Errorf("build id is required")
	}
	return s.startAsync(ctx, buildID, nil)
}

// StartDescriptor is Start for an already known descriptor.
func (s *Service) StartDescriptor(ctx context.Context, build domain.GoBuild) (domain.LaunchState, error) {
	return s.startAsync(ctx, build.ID, &build)
}

func (s *Service) startAsync(ctx context.Context, buildID string, known *domain.GoBuild) (domain.LaunchState, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return s.State(), ErrLaunchInProgress
	}
	launchID := uuid.NewString()
	initial := s.update(domain.LaunchState{LaunchID: launchID, BuildID: buildID, Loading: true, Message: msgFetching})
	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.busy.Store(false)
		_, _ = s.run(bg, launchID, buildID, known)
	}()
	return initial, nil
}

// Stop ends the running runtime, if any. An intentional stop counts as a
// clean exit.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	if proc != nil {
		s.stopping = true
	}
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop(ctx)
}

// Wait blocks until every supervised runtime has exited.
func (s *Service) Wait() { s.supervisors.Wait() }

func (s *Service) run(ctx context.Context, launchID, buildID string, known *domain.GoBuild) (domain.LaunchState, error) {
	begin := s.now()
	ctx, span := s.tracer.Start(ctx, "launch", trace.WithAttributes(attribute.String("build.id", buildID)))
	defer span.End()

	st := domain.LaunchState{LaunchID: launchID, BuildID: buildID, Loading: true}
	progress := func(msg string) {
		st.Message = msg
		s.update(st)
	}
	fail := func(step string, err error) (domain.LaunchState, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, step)
		metrics.LaunchResults.WithLabelValues(step, "error").Inc()
		msg := failure.Message(err)
		s.logger.Error("launch failed", "launch_id", launchID, "build_id", buildID, "step", step, "error", err)
		s.finishHistory(launchID, repository.LaunchFailed, msg, nil)
		st.Loading = false
		st.Message = ""
		st.Error = msg
		return s.update(st), err
	}

	var build domain.GoBuild
	if known != nil {
		if err := builds.Validate(*known); err != nil {
			return fail("fetch", err)
		}
		build = *known
	} else {
		progress(msgFetching)
		b, err := step(ctx, s.tracer, "fetch", func(ctx context.Context) (domain.GoBuild, error) {
			return s.deps.Builds.Fetch(ctx, buildID)
		})
		if err != nil {
			return fail("fetch", err)
		}
		build = b
	}
	st.BuildID = build.ID
	s.recordStart(ctx, launchID, build.ID, begin)

	progress(msgCleaning)
	if _, err := step(ctx, s.tracer, "clean", func(ctx context.Context) (struct{}, error) {
		s.stopRunning(ctx)
		return struct{}{}, s.deps.Workspace.Prepare()
	}); err != nil {
		return fail("clean", err)
	}

	pkgPath, err := s.deps.Workspace.PackagePath(build.ID)
	if err != nil {
		return fail("download", err)
	}
	progress(msgDownloading)
	res, err := step(ctx, s.tracer, "download", func(ctx context.Context) (acquire.Result, error) {
		return s.deps.Downloader.Fetch(ctx, build.URL, pkgPath, percent(progress, "Downloading…"), acquire.WithChecksum(build.IntegrityHint()))
	})
	if err != nil {
		return fail("download", err)
	}
	s.logger.Info("package downloaded", "launch_id", launchID, "build_id", build.ID, "bytes", res.Bytes, "digest", res.Digest)

	progress(msgUnzipping)
	stats, err := step(ctx, s.tracer, "extract", func(ctx context.Context) (archive.Stats, error) {
		return archive.Extract(ctx, pkgPath, s.deps.Workspace.ContentDir(), archive.ProgressFunc(percent(progress, "Unzipping…")), s.logger)
	})
	if err != nil {
		return fail("extract", err)
	}
	if err := s.deps.Workspace.Cleanup(pkgPath); err != nil {
		s.logger.Warn("remove package after extract", "error", err)
	}
	s.logger.Info("package extracted", "launch_id", launchID, "entries", stats.Entries, "bytes", stats.Bytes)

	s.deps.Relay.SetBuildID(build.ID)
	if err := s.deps.Marker.MarkStart(ctx, build.ID); err != nil {
		return fail("mark", err)
	}

	progress(msgLaunching)
	out, err := step(ctx, s.tracer, "runtime", func(ctx context.Context) (startedRuntime, error) {
		p, m, err := s.deps.Runtime.Launch(ctx, build.EngineVersion(), runtime.LaunchSpec{
			BuildID:    build.ID,
			ContentDir: s.deps.Workspace.ContentDir(),
		})
		return startedRuntime{proc: p, module: m}, err
	})
	if err != nil {
		return fail("runtime", err)
	}
	span.SetAttributes(attribute.String("runtime.module", string(out.module)))

	s.supervise(launchID, build.ID, out.proc)

	metrics.LaunchResults.WithLabelValues("runtime", "ok").Inc()
	metrics.LaunchDuration.Observe(s.now().Sub(begin).Seconds())
	st.Loading = false
	st.Error = ""
	st.Message = fmt.Sprintf("Build '%s' (%s) launched successfully!", build.DisplayName(), build.ID)
	s.logger.Info("build launched", "launch_id", launchID, "build_id", build.ID, "module", out.module, "process", out.proc.ID())
	return s.update(st), nil
}

type startedRuntime struct {
	proc   runtime.Process
	module runtime.Module
}

// step runs fn inside a child span named after the pipeline step.
func step[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "launch."+name)
	defer span.End()
	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

// percent reports "<label> N%" once per distinct value.
func percent(progress func(string), label string) func(int) {
	last := -1
	return func(pct int) {
		if pct == last {
			return
		}
		last = pct
		progress(fmt.Sprintf("%s %d%%", label, pct))
	}
}

func (s *Service) update(st domain.LaunchState) domain.LaunchState {
	st.UpdatedAt = s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
	return st
}

// stopRunning ends a runtime left over from a previous launch and waits
// for its supervisor before the content is removed.
func (s *Service) stopRunning(ctx context.Context) {
	s.mu.Lock()
	proc, done := s.proc, s.procDone
	if proc != nil {
		s.stopping = true
	}
	s.mu.Unlock()
	if proc == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := proc.Stop(stopCtx); err != nil {
		s.logger.Warn("stop previous runtime", "process", proc.ID(), "error", err)
	}
	select {
	case <-done:
	case <-stopCtx.Done():
		s.logger.Warn("previous runtime did not exit in time", "process", proc.ID())
	}
}

// supervise forwards runtime output to the relay and the capture and
// records how the runtime ended.
func (s *Service) supervise(launchID, buildID string, proc runtime.Process) {
	done := make(chan struct{})
	s.mu.Lock()
	s.proc = proc
	s.procDone = done
	s.stopping = false
	s.mu.Unlock()

	if err := s.deps.Capture.Begin(); err != nil {
		s.logger.Warn("start output capture", "error", err)
	}
	s.supervisors.Add(1)
	go func() {
		defer s.supervisors.Done()
		defer close(done)
		logger := s.logger.With("launch_id", launchID, "build_id", buildID, "process", proc.ID())
		var tail []string
		for line := range proc.Output() {
			level := domain.LevelInfo
			if line.Stream == "stderr" {
				level = domain.LevelError
				tail = append(tail, line.Text)
				if len(tail) > tailLines {
					tail = tail[len(tail)-tailLines:]
				}
			}
			s.deps.Relay.Log(level, "runtime", line.Text)
			if err := s.deps.Capture.Append(line.Text); err != nil {
				logger.Debug("capture runtime output", "error", err)
			}
		}
		status, waitErr := proc.Wait()
		s.deps.Capture.End()

		s.mu.Lock()
		intentional := s.stopping
		if s.proc == proc {
			s.proc = nil
			s.procDone = nil
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		clean := waitErr == nil && (status.Clean() || intentional)
		metrics.RuntimeExits.WithLabelValues(fmt.Sprint(clean)).Inc()
		code := status.Code
		if clean {
			if err := s.deps.Marker.MarkCleanExit(ctx); err != nil {
				logger.Warn("mark clean exit", "error", err)
			}
			logger.Info("runtime exited", "code", status.Code, "signal", status.Signal, "intentional", intentional)
			s.finishHistory(launchID, repository.LaunchExited, "", &code)
			return
		}
		detail := crashDetail(status, waitErr, tail)
		if err := s.deps.Capture.WriteCrashDetail(detail); err != nil {
			logger.Warn("write crash detail", "error", err)
		}
		s.deps.Relay.Log(domain.LevelError, "runtime", detail)
		logger.Warn("runtime crashed", "code", status.Code, "signal", status.Signal, "error", waitErr)
		s.finishHistory(launchID, repository.LaunchCrashed, firstLine(detail), &code)
	}()
}

func crashDetail(status runtime.ExitStatus, waitErr error, tail []string) string {
	var b strings.Builder
	switch {
	case waitErr != nil:
		fmt.Fprintf(&b, "runtime wait failed: %v\n", waitErr)
	case status.Signal != "":
		fmt.Fprintf(&b, "runtime terminated by signal %s\n", status.Signal)
	default:
		fmt.Fprintf(&b, "runtime exited with code %d\n", status.Code)
	}
	fmt.Fprintf(&b, "host: %s\n", hostname())
	for _, l := range tail {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func (s *Service) recordStart(ctx context.Context, launchID, buildID string, at time.Time) {
	if s.deps.History == nil {
		return
	}
	rec := repository.LaunchRecord{ID: launchID, BuildID: buildID, Status: repository.LaunchRunning, StartedAt: at}
	if err := s.deps.History.InsertLaunch(ctx, rec); err != nil {
		s.logger.Warn("record launch", "launch_id", launchID, "error", err)
	}
}

func (s *Service) finishHistory(launchID, status, message string, exitCode *int) {
	if s.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.History.FinishLaunch(ctx, launchID, status, message, exitCode, s.now()); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("record launch outcome", "launch_id", launchID, "error", err)
	}
}
