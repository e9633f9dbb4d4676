package vqlab

//
// Running external commands
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
)

// ErrEmptyCommand indicates that we have been asked to run an empty argv.
var ErrEmptyCommand = errors.New("vqlab: empty command")

// ExecRunner is a [CommandRunner] using [os/exec]. The zero value
// is invalid; please, initialize all the MANDATORY fields.
type ExecRunner struct {
	// Dir is the OPTIONAL working directory for the commands.
	Dir string

	// Logger is the MANDATORY logger.
	Logger Logger
}

var _ CommandRunner = &ExecRunner{}

// CombinedOutput implements CommandRunner
func (er *ExecRunner) CombinedOutput(ctx context.Context, argv ...string) (string, error) {
	if len(argv) <= 0 {
		return "", ErrEmptyCommand
	}
	er.Logger.Debugf("vqlab: + %s", shellquote.Join(argv...))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = er.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Start implements CommandRunner
func (er *ExecRunner) Start(argv []string, stdout, stderr io.Writer) (Process, error) {
	if len(argv) <= 0 {
		return nil, ErrEmptyCommand
	}
	er.Logger.Debugf("vqlab: + %s &", shellquote.Join(argv...))
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = er.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// keep the child out of our process group so that a ^C on the
	// terminal does not kill it before we had the chance to tear down
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{
		cmd:  cmd,
		done: make(chan any),
		err:  nil,
	}
	go p.wait()
	return p, nil
}

// execProcess implements [Process] for [ExecRunner].
type execProcess struct {
	cmd  *exec.Cmd
	done chan any
	err  error
}

func (p *execProcess) wait() {
	p.err = p.cmd.Wait()
	close(p.done)
}

// Pid implements Process
func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Signal implements Process
func (p *execProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
		return p.cmd.Process.Signal(sig)
	}
}

// Wait implements Process
func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

// DryRunner is a [CommandRunner] that only logs the commands it would
// run. Started processes terminate as soon as they are signaled.
type DryRunner struct {
	// Logger is the MANDATORY logger.
	Logger Logger
}

var _ CommandRunner = &DryRunner{}

// CombinedOutput implements CommandRunner
func (dr *DryRunner) CombinedOutput(ctx context.Context, argv ...string) (string, error) {
	if len(argv) <= 0 {
		return "", ErrEmptyCommand
	}
	dr.Logger.Infof("vqlab: [dry-run] %s", shellquote.Join(argv...))
	return "", nil
}

// Start implements CommandRunner
func (dr *DryRunner) Start(argv []string, stdout, stderr io.Writer) (Process, error) {
	if len(argv) <= 0 {
		return nil, ErrEmptyCommand
	}
	dr.Logger.Infof("vqlab: [dry-run] %s &", shellquote.Join(argv...))
	return newDryProcess(), nil
}

// dryProcess is the [Process] returned by [DryRunner].
type dryProcess struct {
	done chan any
	once sync.Once
}

func newDryProcess() *dryProcess {
	return &dryProcess{
		done: make(chan any),
		once: sync.Once{},
	}
}

// Pid implements Process
func (p *dryProcess) Pid() int {
	return 0
}

// Signal implements Process
func (p *dryProcess) Signal(sig os.Signal) error {
	p.once.Do(func() {
		close(p.done)
	})
	return nil
}

// Wait implements Process
func (p *dryProcess) Wait() error {
	<-p.done
	return nil
}

// StopProcess interrupts a process, waits up to grace for it to
// exit, and kills it otherwise. It returns the process exit error, if
// any, which is usually not interesting since we interrupted it.
func StopProcess(p Process, grace time.Duration) error {
	if err := p.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return p.Wait()
		}
		return err
	}
	waited := make(chan error, 1)
	go func() {
		waited <- p.Wait()
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-waited:
		return err
	case <-timer.C:
		_ = p.Signal(os.Kill)
		return <-waited
	}
}

// sleepContext sleeps for the given duration or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
