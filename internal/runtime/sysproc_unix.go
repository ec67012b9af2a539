//go:build unix

package runtime

import (
	"errors"
	"os"
	"syscall"
)

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// killTree kills the process group led by p when it was started in its own
// session, falling back to the leader alone.
func killTree(p *os.Process, detached bool) error {
	if detached {
		err := syscall.Kill(-p.Pid, syscall.SIGKILL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return p.Kill()
}
