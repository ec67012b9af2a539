//go:build unix

package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/shipth-is/shipgo/internal/acquire"
	"github.com/shipth-is/shipgo/pkg/logger"
)

const engineScript = `#!/bin/sh
echo "engine $SHIPGO_ENGINE_VERSION build $SHIPGO_BUILD_ID"
echo "args $*"
echo "warning on stderr" 1>&2
exit ${ENGINE_EXIT:-0}
`

func bundle(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.zip")
	f, _ := os.Create(path)
	zw := zip.NewWriter(f)
	w, _ := zw.Create("module.json")
	w.Write([]byte(`{"module":"godot_v4_5","entry":"bin/engine","args":["--path","{content}"]}`))
	hdr := &zip.FileHeader{Name: "bin/engine", Method: zip.Deflate}
	hdr.SetMode(0o755)
	w, _ = zw.CreateHeader(hdr)
	w.Write([]byte(engineScript))
	zw.Close()
	f.Close()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	return raw
}

func TestDirHostInstallAndStart(t *testing.T) {
	raw := bundle(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/godot_v4_5.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write(raw)
	}))
	defer srv.Close()

	host, err := NewDirHost(t.TempDir(), srv.URL, acquire.New(), logger.Discard())
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	p := NewProvisioner(host, logger.Discard(), nil)
	content := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	proc, m, err := p.Launch(ctx, "4.5.1", LaunchSpec{BuildID: "b1", ContentDir: content})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if m != GodotV45 {
		t.Fatalf("module = %s", m)
	}
	var lines []string
	for l := range proc.Output() {
		lines = append(lines, l.Stream+":"+l.Text)
	}
	st, err := proc.Wait()
	if err != nil || !st.Clean() {
		t.Fatalf("exit = %+v, %v", st, err)
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"stdout:engine 4.5.1 build b1", "stdout:args --path " + content, "stderr:warning on stderr"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in output:\n%s", want, joined)
		}
	}
	mods, _ := host.InstalledModules(ctx)
	if len(mods) != 1 || mods[0] != GodotV45 {
		t.Fatalf("installed modules = %v", mods)
	}
}

func TestDirHostNonZeroExit(t *testing.T) {
	raw := bundle(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write(raw) }))
	defer srv.Close()
	host, _ := NewDirHost(t.TempDir(), srv.URL, acquire.New(), logger.Discard())
	p := NewProvisioner(host, logger.Discard(), nil)

	proc, _, err := p.Launch(context.Background(), "4.5", LaunchSpec{BuildID: "b1", ContentDir: t.TempDir(), Env: []string{"ENGINE_EXIT=3"}})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	for range proc.Output() {
	}
	st, _ := proc.Wait()
	if st.Code != 3 || st.Clean() {
		t.Fatalf("exit = %+v", st)
	}
}

func TestDirHostMissingBundleFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	host, _ := NewDirHost(t.TempDir(), srv.URL, acquire.New(), logger.Discard())
	p := NewProvisioner(host, logger.Discard(), nil)
	_, _, err := p.Launch(context.Background(), "4.5", LaunchSpec{})
	var pe *ProvisioningError
	if !errors.As(err, &pe) || pe.Code != http.StatusNotFound {
		t.Fatalf("expected ProvisioningError with 404, got %v", err)
	}
}

func TestDirHostWithoutRegistry(t *testing.T) {
	host, _ := NewDirHost(t.TempDir(), "", acquire.New(), logger.Discard())
	if _, err := host.StartInstall(context.Background(), GodotV45); !errors.Is(err, ErrNoRegistry) {
		t.Fatalf("expected ErrNoRegistry, got %v", err)
	}
}
