package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// killWait bounds how long Stop waits for output to close after a kill.
const killWait = 5 * time.Second

type execProcess struct {
	cmd      *exec.Cmd
	output   chan OutputLine
	detached bool

	waitOnce sync.Once
	done     chan struct{}
	status   ExitStatus
	err      error
}

func startExec(path string, args []string, dir string, env []string, detached bool) (*execProcess, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	if detached {
		cmd.SysProcAttr = detachedAttr()
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	p := &execProcess{cmd: cmd, output: make(chan OutputLine, 256), detached: detached, done: make(chan struct{})}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.scan(&readers, "stdout", stdout)
	go p.scan(&readers, "stderr", stderr)
	go func() {
		readers.Wait()
		close(p.output)
		p.status, p.err = exitStatus(cmd.Wait())
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) scan(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.output <- OutputLine{Stream: stream, Text: sc.Text()}
	}
	// drain so the child never blocks on a full pipe after a scan error
	io.Copy(io.Discard, r)
}

func (p *execProcess) ID() string { return strconv.Itoa(p.cmd.Process.Pid) }

func (p *execProcess) Output() <-chan OutputLine { return p.output }

func (p *execProcess) Wait() (ExitStatus, error) {
	<-p.done
	return p.status, p.err
}

// Stop interrupts the process and kills it, with every process it spawned
// in a detached session, if ctx ends first.
func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return p.kill()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return p.kill()
	}
}

func (p *execProcess) kill() error {
	if err := killTree(p.cmd.Process, p.detached); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	t := time.NewTimer(killWait)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return fmt.Errorf("process %d still holds its output open after kill", p.cmd.Process.Pid)
	}
}

func exitStatus(err error) (ExitStatus, error) {
	if err == nil {
		return ExitStatus{}, nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return ExitStatus{Code: -1}, err
	}
	st := ExitStatus{Code: ee.ExitCode()}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
	}
	return st, nil
}
