package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Spec describes a process to run on a new PTY.
type Spec struct {
	// Args is the command line. Empty means an interactive shell.
	Args []string
	Dir  string
	Env  []string
	Cols int
	Rows int
}

// Process is a running terminal process.
type Process interface {
	// Read blocks until output is available or ctx is done.
	Read(ctx context.Context, buf []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Kill terminates the whole process group and releases the PTY.
	Kill() error
}

// Spawner starts terminal processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// PTYSpawner starts processes on pseudo terminals.
type PTYSpawner struct {
	Shell string
	Term  string
}

// Spawn implements Spawner.
func (s PTYSpawner) Spawn(_ context.Context, spec Spec) (Process, error) {
	args := spec.Args
	if len(args) == 0 {
		args = []string{ResolveShell(s.Shell)}
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	if s.Term != "" {
		cmd.Env = append(cmd.Env, "TERM="+s.Term)
	}
	cmd.Env = append(cmd.Env, spec.Env...)

	master, slave, err := startWithTTY(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	p := &ptyProcess{master: master, slave: slave, cmd: cmd, done: make(chan struct{})}
	if spec.Cols > 0 && spec.Rows > 0 {
		_ = p.Resize(spec.Cols, spec.Rows)
	}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// startWithTTY runs cmd as the leader of a new session with the PTY slave
// as its controlling terminal.
func startWithTTY(cmd *exec.Cmd) (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, err
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	if err := cmd.Start(); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, err
	}
	return master, slave, nil
}

type ptyProcess struct {
	master *os.File
	slave  *os.File
	cmd    *exec.Cmd
	done   chan struct{}

	killOnce sync.Once
	killErr  error
}

func (p *ptyProcess) Read(ctx context.Context, buf []byte) (int, error) {
	return readPTY(ctx, p.master, buf)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

func (p *ptyProcess) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	return pty.Setsize(p.master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Done() <-chan struct{} {
	return p.done
}

func (p *ptyProcess) Kill() error {
	p.killOnce.Do(func() {
		if pid := p.Pid(); pid > 0 {
			// The shell leads its own session, so its pid is the group id.
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				p.killErr = err
			}
		}
		_ = p.master.Close()
		_ = p.slave.Close()
	})
	return p.killErr
}
