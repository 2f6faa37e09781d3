package sshclient

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/kballard/go-shellquote"
)

// Process is a running forwarder.
//
// A goroutine started with the process waits on it, so Done() closes as soon
// as the process exits for any reason (including an external kill). The
// caller never calls Wait itself.
type Process struct {
	cmd     *exec.Cmd
	logFile *os.File
	logPath string
	mem     *tailBuffer

	done chan struct{}
	err  error
}

func newProcess(cmd *exec.Cmd, logFile *os.File, logPath string, mem *tailBuffer) *Process {
	p := &Process{cmd: cmd, logFile: logFile, logPath: logPath, mem: mem, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		if p.logFile != nil {
			_ = p.logFile.Close()
		}
		close(p.done)
	}()
	return p
}

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// CommandLine renders argv as a shell-quoted string.
func (p *Process) CommandLine() string {
	return shellquote.Join(p.cmd.Args...)
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err is the Wait result. Only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Terminate sends SIGTERM. Terminating an exited process is not an error.
func (p *Process) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Output returns the last stderr line the forwarder wrote.
func (p *Process) Output() string {
	var s string
	switch {
	case p.mem != nil:
		s = p.mem.String()
	case p.logPath != "":
		b, err := os.ReadFile(p.logPath)
		if err != nil {
			return ""
		}
		s = string(b)
	}
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return lastLine(s)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
