package docker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/shipth-is/shipgo/internal/runtime"
	"github.com/shipth-is/shipgo/pkg/logger"
)

type fakeEngine struct {
	mu       sync.Mutex
	images   map[string]bool
	pull     string
	runs     []RunSpec
	removed  []string
	stdout   string
	stderr   string
	exitCode int64
}

func (f *fakeEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeEngine) PullImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.pull)), nil
}

func (f *fakeEngine) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, spec)
	return "c1", nil
}

func (f *fakeEngine) StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	io.WriteString(stdout, f.stdout)
	io.WriteString(stderr, f.stderr)
	return nil
}

func (f *fakeEngine) WaitForStop(ctx context.Context, id string) (int64, error) {
	return f.exitCode, nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

const pullOK = `{"status":"Pulling from shipgo/runtime","id":"godot_v4_5"}
{"status":"Pulling fs layer","id":"l1"}
{"status":"Downloading","id":"l1","progressDetail":{"current":50,"total":100}}
{"status":"Downloading","id":"l1","progressDetail":{"current":100,"total":100}}
{"status":"Download complete","id":"l1"}
{"status":"Extracting","id":"l1","progressDetail":{"current":100,"total":100}}
{"status":"Pull complete","id":"l1"}
{"status":"Status: Downloaded newer image for shipgo/runtime:godot_v4_5"}
`

func TestHostProvisionsImageThroughPull(t *testing.T) {
	engine := &fakeEngine{images: map[string]bool{}, pull: pullOK}
	host := NewHost(engine, "shipgo/runtime", logger.Discard())
	var states []runtime.State
	var mu sync.Mutex
	p := runtime.NewProvisioner(host, logger.Discard(), func(tr runtime.Transition) {
		mu.Lock()
		states = append(states, tr.State)
		mu.Unlock()
	})

	if err := p.Ensure(context.Background(), runtime.GodotV45); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if states[len(states)-1] != runtime.StateInstalled {
		t.Fatalf("expected INSTALLED last, got %v", states)
	}
	sawDownloading, sawInstalling := false, false
	for _, s := range states {
		sawDownloading = sawDownloading || s == runtime.StateDownloading
		sawInstalling = sawInstalling || s == runtime.StateInstalling
	}
	if !sawDownloading || !sawInstalling {
		t.Fatalf("expected downloading and installing states, got %v", states)
	}
}

func TestHostPullErrorFailsInstall(t *testing.T) {
	engine := &fakeEngine{images: map[string]bool{}, pull: `{"status":"Pulling fs layer","id":"l1"}
{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}
`}
	p := runtime.NewProvisioner(NewHost(engine, "", logger.Discard()), logger.Discard(), nil)
	err := p.Ensure(context.Background(), runtime.GodotV3X)
	var pe *runtime.ProvisioningError
	if !errors.As(err, &pe) || !strings.Contains(err.Error(), "manifest unknown") {
		t.Fatalf("expected provisioning error with daemon message, got %v", err)
	}
}

func TestHostStartStreamsOutputAndRemovesContainer(t *testing.T) {
	engine := &fakeEngine{
		images:   map[string]bool{"shipgo/runtime:godot_v4_5": true},
		stdout:   "Godot Engine v4.5\nready\n",
		stderr:   "ERROR: boom\n",
		exitCode: 139,
	}
	host := NewHost(engine, "shipgo/runtime", logger.Discard())
	p := runtime.NewProvisioner(host, logger.Discard(), nil)

	proc, _, err := p.Launch(context.Background(), "4.5", runtime.LaunchSpec{BuildID: "b/1", ContentDir: "/data/content"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	var lines []string
	for l := range proc.Output() {
		lines = append(lines, l.Stream+":"+l.Text)
	}
	st, err := proc.Wait()
	if err != nil || st.Code != 139 {
		t.Fatalf("exit = %+v, %v", st, err)
	}
	if len(lines) != 3 {
		t.Fatalf("unexpected output %v", lines)
	}
	run := engine.runs[0]
	if run.Image != "shipgo/runtime:godot_v4_5" || run.BindSource != "/data/content" || run.WorkingDir != contentMount {
		t.Fatalf("unexpected run spec %+v", run)
	}
	if !strings.HasPrefix(run.Name, "shipgo-b1-") {
		t.Fatalf("container name not sanitised: %q", run.Name)
	}
	if len(engine.removed) != 1 || engine.removed[0] != "c1" {
		t.Fatalf("container not removed: %v", engine.removed)
	}
}
