//go:build unix

package runtime

import (
	"context"
	"testing"
	"time"
)

func TestStopKillsDetachedChildren(t *testing.T) {
	// the background sleep ignores SIGINT and keeps stdout open
	p, err := startExec("/bin/sh", []string{"-c", "sleep 30 & echo ready; wait"}, t.TempDir(), nil, true)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ready := make(chan struct{})
	go func() {
		signalled := false
		for line := range p.Output() {
			if line.Text == "ready" && !signalled {
				close(ready)
				signalled = true
			}
		}
	}()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("process never reported ready")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(ctx) }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(killWait + 2*time.Second):
		t.Fatal("stop did not return")
	}
	if _, err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
