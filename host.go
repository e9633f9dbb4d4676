package vqlab

//
// Emulated hosts
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
)

// Host is an emulated host: a network namespace with a single interface
// attached to the topology switch. The zero value is invalid; hosts are
// created by [StarTopology.AddHost].
type Host struct {
	// address is the host IPv4 address without the prefix length.
	address string

	// cpu is the OPTIONAL CPU limit.
	cpu *CPULimit

	// ifname is the name of the interface inside the namespace.
	ifname string

	// logger is the logger to use.
	logger Logger

	// mu protects procs.
	mu sync.Mutex

	// name is the host name (e.g., "h1").
	name string

	// ns is the host network namespace.
	ns *Namespace

	// procs contains the background processes.
	procs []*hostProcess

	// swport is the name of the switch side of the host link.
	swport string

	// workDir is the directory relative to which we open output files.
	workDir string
}

// hostProcess is a background process started on a [Host].
type hostProcess struct {
	argv  []string
	files []*os.File
	proc  Process
}

// Name returns the host name.
func (h *Host) Name() string {
	return h.name
}

// IPAddress returns the host IPv4 address.
func (h *Host) IPAddress() string {
	return h.address
}

// InterfaceName returns the name of the host interface.
func (h *Host) InterfaceName() string {
	return h.ifname
}

// SwitchPort returns the name of the switch interface the host is attached to.
func (h *Host) SwitchPort() string {
	return h.swport
}

// Namespace returns the host network namespace.
func (h *Host) Namespace() *Namespace {
	return h.ns
}

// Cmd runs argv to completion inside the host.
func (h *Host) Cmd(ctx context.Context, argv ...string) (string, error) {
	return h.ns.Run(ctx, argv...)
}

// Start starts argv in background inside the host. The stdoutPath and
// stderrPath arguments are OPTIONAL files receiving the process output;
// when they are relative, they are relative to the working directory. When
// the host has a CPU limit, the process is moved into its cgroup.
func (h *Host) Start(argv []string, stdoutPath, stderrPath string) (Process, error) {
	var files []*os.File
	closeAll := func() {
		for _, fp := range files {
			fp.Close()
		}
	}

	stdout, err := h.openOutput(stdoutPath, &files)
	if err != nil {
		closeAll()
		return nil, err
	}
	stderr, err := h.openOutput(stderrPath, &files)
	if err != nil {
		closeAll()
		return nil, err
	}

	h.logger.Infof("vqlab: %s: %s", h.name, shellquote.Join(argv...))
	proc, err := h.ns.runner.Start(h.ns.Command(argv...), stdout, stderr)
	if err != nil {
		closeAll()
		return nil, err
	}

	if h.cpu != nil && proc.Pid() > 0 {
		if err := h.cpu.Attach(proc.Pid()); err != nil {
			h.logger.Warnf("vqlab: %s: cannot apply CPU limit: %s", h.name, err.Error())
		}
	}

	h.mu.Lock()
	h.procs = append(h.procs, &hostProcess{argv: argv, files: files, proc: proc})
	h.mu.Unlock()
	return proc, nil
}

// openOutput opens an output file, if needed, and tracks it into files.
func (h *Host) openOutput(path string, files *[]*os.File) (io.Writer, error) {
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.workDir, path)
	}
	fp, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	*files = append(*files, fp)
	return fp, nil
}

// Processes returns the command lines of the background processes.
func (h *Host) Processes() []string {
	defer h.mu.Unlock()
	h.mu.Lock()
	var out []string
	for _, p := range h.procs {
		out = append(out, fmt.Sprintf("[%d] %s", p.proc.Pid(), shellquote.Join(p.argv...)))
	}
	return out
}

// StopProcesses interrupts all the background processes, killing the
// ones that do not exit within grace, and closes their output files.
func (h *Host) StopProcesses(grace time.Duration) {
	h.mu.Lock()
	procs := h.procs
	h.procs = nil
	h.mu.Unlock()

	wg := &sync.WaitGroup{}
	for _, p := range procs {
		wg.Add(1)
		go func(p *hostProcess) {
			defer wg.Done()
			err := StopProcess(p.proc, grace)
			h.logger.Debugf("vqlab: %s: %s terminated: %v", h.name, p.argv[0], err)
			for _, fp := range p.files {
				fp.Close()
			}
		}(p)
	}
	wg.Wait()
}

// ErrPingFailed indicates that a ping did not receive a reply.
var ErrPingFailed = errors.New("vqlab: ping failed")

// Ping sends a single ICMP echo request to dst.
func (h *Host) Ping(ctx context.Context, dst *Host) error {
	out, err := h.Cmd(ctx, "ping", "-c1", "-W1", dst.address)
	if err != nil {
		return fmt.Errorf("%w: %s -> %s: %s", ErrPingFailed, h.name, dst.name, err.Error())
	}
	if !strings.Contains(out, " 1 received") {
		return fmt.Errorf("%w: %s -> %s", ErrPingFailed, h.name, dst.name)
	}
	return nil
}
