package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Process is a launched worker.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is only meaningful after Done is closed.
	ExitCode() int
	Terminate() error
	Kill() error
}

type Launcher interface {
	Launch(name string, spec WorkerSpec) (Process, error)
}

// WorkerArgs builds the worker command line for a fully qualified worker name.
func WorkerArgs(name string, spec WorkerSpec, envFile string) []string {
	args := []string{
		"--hostname", name,
		"--queues", strings.Join(spec.Queues, ","),
		"--concurrency", strconv.Itoa(spec.Concurrency),
		"--without-gossip",
		"--without-mingle",
		"--without-heartbeat",
	}
	if envFile != "" {
		args = append(args, "--env", envFile)
	}
	return args
}

// ExecLauncher starts each worker as its own OS process group.
type ExecLauncher struct {
	Executable string
	// Args are placed before the worker flags.
	Args    []string
	EnvFile string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

func (l ExecLauncher) Launch(name string, spec WorkerSpec) (Process, error) {
	args := append(append([]string{}, l.Args...), WorkerArgs(name, spec, l.EnvFile)...)

	cmd := exec.Command(l.Executable, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting worker %s: %w", name, err)
	}

	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	go proc.wait()
	return proc, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) Terminate() error {
	return terminateGroup(p.Pid())
}

func (p *execProcess) Kill() error {
	return killGroup(p.Pid())
}
