//go:build !unix

package runtime

import (
	"os"
	"syscall"
)

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

func killTree(p *os.Process, _ bool) error {
	return p.Kill()
}
