package docker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shipth-is/shipgo/internal/runtime"
)

const contentMount = "/game"

// Engine is the daemon surface the Host needs; satisfied by *Client.
type Engine interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) (io.ReadCloser, error)
	RunContainer(ctx context.Context, spec RunSpec) (string, error)
	StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error
	WaitForStop(ctx context.Context, id string) (int64, error)
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string) error
}

// Host maps each runtime module to the image <prefix>:<module>.
type Host struct {
	engine Engine
	prefix string
	logger *slog.Logger
}

func NewHost(engine Engine, prefix string, logger *slog.Logger) *Host {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "shipgo/runtime"
	}
	return &Host{engine: engine, prefix: prefix, logger: logger.With("component", "dockerhost")}
}

func (h *Host) Name() string { return "docker" }

// ImageRef returns the image that provides m.
func (h *Host) ImageRef(m runtime.Module) string { return h.prefix + ":" + string(m) }

func (h *Host) Installed(ctx context.Context, m runtime.Module) (bool, error) {
	return h.engine.ImageExists(ctx, h.ImageRef(m))
}

func (h *Host) StartInstall(ctx context.Context, m runtime.Module) (<-chan runtime.InstallUpdate, error) {
	stream, err := h.engine.PullImage(ctx, h.ImageRef(m))
	if err != nil {
		return nil, err
	}
	updates := make(chan runtime.InstallUpdate, 16)
	go func() {
		defer close(updates)
		defer stream.Close()
		send := func(u runtime.InstallUpdate) bool {
			u.Module = m
			select {
			case updates <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(runtime.InstallUpdate{Status: runtime.StatusDownloading}) {
			return
		}
		tracker := newPullTracker()
		installing := false
		err := decodePull(stream, func(msg pullMessage) {
			phase := tracker.observe(msg)
			if phase == phaseExtracting && !installing {
				installing = true
				send(runtime.InstallUpdate{Status: runtime.StatusInstalling})
				return
			}
			if phase == phaseDownloading && !installing {
				cur, total := tracker.totals()
				select {
				case updates <- runtime.InstallUpdate{Module: m, Status: runtime.StatusDownloading, BytesDownloaded: cur, TotalBytes: total}:
				default:
				}
			}
		})
		if err != nil {
			code := -1
			var pe *pullError
			if errors.As(err, &pe) && pe.Code != 0 {
				code = pe.Code
			}
			h.logger.Error("image pull failed", "image", h.ImageRef(m), "error", err)
			send(runtime.InstallUpdate{Status: runtime.StatusFailed, ErrorCode: code, Err: err})
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !installing {
			send(runtime.InstallUpdate{Status: runtime.StatusInstalling})
		}
		send(runtime.InstallUpdate{Status: runtime.StatusInstalled})
	}()
	return updates, nil
}

func (h *Host) Start(ctx context.Context, m runtime.Module, spec runtime.LaunchSpec) (runtime.Process, error) {
	name := "shipgo-" + sanitize(spec.BuildID) + "-" + uuid.NewString()[:8]
	env := append([]string{
		"SHIPGO_BUILD_ID=" + spec.BuildID,
		"SHIPGO_ENGINE_VERSION=" + spec.Version,
		"SHIPGO_CONTENT_DIR=" + contentMount,
	}, spec.Env...)
	id, err := h.engine.RunContainer(ctx, RunSpec{
		Name:       name,
		Image:      h.ImageRef(m),
		Cmd:        []string{"--path", contentMount},
		Env:        env,
		WorkingDir: contentMount,
		BindSource: spec.ContentDir,
		Labels:     map[string]string{"shipgo.build": spec.BuildID, "shipgo.module": string(m)},
	})
	if err != nil {
		return nil, err
	}
	p := &containerProcess{id: id, engine: h.engine, logger: h.logger, output: make(chan runtime.OutputLine, 256), done: make(chan struct{})}
	go p.run()
	return p, nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "build"
	}
	return b.String()
}

type containerProcess struct {
	id     string
	engine Engine
	logger *slog.Logger
	output chan runtime.OutputLine

	done   chan struct{}
	status runtime.ExitStatus
	err    error
}

func (p *containerProcess) run() {
	// The container outlives any request context; logs end when it stops.
	ctx := context.Background()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	var readers sync.WaitGroup
	readers.Add(2)
	go p.scan(&readers, "stdout", stdoutR)
	go p.scan(&readers, "stderr", stderrR)

	logErr := p.engine.StreamLogs(ctx, p.id, stdoutW, stderrW)
	stdoutW.CloseWithError(logErr)
	stderrW.CloseWithError(logErr)
	readers.Wait()
	close(p.output)

	code, err := p.engine.WaitForStop(ctx, p.id)
	p.status = runtime.ExitStatus{Code: int(code)}
	p.err = err
	if rmErr := p.engine.RemoveContainer(ctx, p.id); rmErr != nil {
		p.logger.Warn("remove runtime container", "container", p.id, "error", rmErr)
	}
	close(p.done)
}

func (p *containerProcess) scan(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.output <- runtime.OutputLine{Stream: stream, Text: sc.Text()}
	}
	io.Copy(io.Discard, r)
}

func (p *containerProcess) ID() string { return p.id }

func (p *containerProcess) Output() <-chan runtime.OutputLine { return p.output }

func (p *containerProcess) Wait() (runtime.ExitStatus, error) {
	<-p.done
	return p.status, p.err
}

func (p *containerProcess) Stop(ctx context.Context) error {
	timeout := 10
	if dl, ok := ctx.Deadline(); ok {
		if s := int(time.Until(dl).Seconds()); s >= 0 && s < timeout {
			timeout = s
		}
	}
	return p.engine.StopContainer(ctx, p.id, timeout)
}
