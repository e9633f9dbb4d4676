package vqlab

//
// Streaming trials
//

import (
	"bytes"
	"context"
	"errors"
	"text/template"

	"github.com/kballard/go-shellquote"
)

// StreamVars contains the variables available to the streaming
// server and client command templates.
type StreamVars struct {
	// Bandwidth is the link bandwidth in Mbit/s.
	Bandwidth float64

	// ClientIP is the IP address of the client host.
	ClientIP string

	// Port is the server port.
	Port int

	// ServerIP is the IP address of the server host.
	ServerIP string

	// Trial is the zero-based trial index.
	Trial int

	// Video is the name of the video being streamed.
	Video string
}

// ErrEmptyExpansion indicates that a command template expanded to nothing.
var ErrEmptyExpansion = errors.New("vqlab: command template expanded to an empty command")

// ExpandCommand expands a command template (e.g., "./gserver2 {{.ServerIP}} {{.Port}} 0 2")
// and splits the result into an argv using shell quoting rules.
func ExpandCommand(tmpl string, vars *StreamVars) ([]string, error) {
	t, err := template.New("command").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return nil, err
	}
	argv, err := shellquote.Split(buf.String())
	if err != nil {
		return nil, err
	}
	if len(argv) <= 0 {
		return nil, ErrEmptyExpansion
	}
	return argv, nil
}

// TrialSpec describes a single trial.
type TrialSpec struct {
	// Bandwidth is the link bandwidth in Mbit/s.
	Bandwidth float64

	// CaptureFile is the OPTIONAL file where to capture the client traffic.
	CaptureFile string

	// Index is the zero-based trial index.
	Index int

	// Video is the name of the video being streamed.
	Video string
}

// TrialRunner runs a single trial.
type TrialRunner interface {
	// RunTrial builds the network, streams the video, and tears
	// down the network. On return, the videos have been written.
	RunTrial(ctx context.Context, spec *TrialSpec) error
}

// StreamTrialRunner is the [TrialRunner] streaming with external
// binaries over a [StarTopology]. The zero value is invalid; please,
// initialize all the MANDATORY fields.
type StreamTrialRunner struct {
	// Config is the MANDATORY campaign configuration.
	Config *Config

	// Interact is the OPTIONAL function called once both the server
	// and the client are running (e.g., to open an interactive shell).
	Interact func(ctx context.Context, topology *StarTopology) error

	// Logger is the MANDATORY logger.
	Logger Logger

	// Runner is the MANDATORY command runner.
	Runner CommandRunner
}

var _ TrialRunner = &StreamTrialRunner{}

// RunTrial implements TrialRunner.
//
// We create the topology, wait for it to settle, start the server and
// the client, let them stream for the configured duration, and then
// tear everything down, which interrupts the server and the client.
func (r *StreamTrialRunner) RunTrial(ctx context.Context, spec *TrialSpec) error {
	config := r.Config

	addrs, prefixLen, err := config.HostAddresses()
	if err != nil {
		return err
	}

	topology, err := NewStarTopology(ctx, &StarTopologyConfig{
		CgroupRoot:      config.Topology.CgroupRoot,
		HostCPUFraction: config.HostCPUFraction(),
		Logger:          r.Logger,
		NamespacePrefix: config.Topology.NamespacePrefix,
		PrefixLen:       prefixLen,
		Runner:          r.Runner,
		StopGrace:       config.Stream.StopGrace,
		SwitchKind:      config.Topology.SwitchKind,
		SwitchName:      config.Topology.SwitchName,
		WorkDir:         config.WorkDir,
	})
	if err != nil {
		return err
	}
	defer topology.Close()

	lc := config.LinkConfig(spec.Bandwidth)
	for idx, name := range config.HostNames() {
		if _, err := topology.AddHost(ctx, name, addrs[idx], lc); err != nil {
			return err
		}
	}
	topology.DumpConnections()

	if config.Topology.PingAll {
		topology.PingAll(ctx)
	}

	if err := sleepContext(ctx, config.Stream.SettleDelay); err != nil {
		return err
	}

	server, _ := topology.Host(config.Stream.ServerHost)
	client, _ := topology.Host(config.Stream.ClientHost)
	vars := &StreamVars{
		Bandwidth: spec.Bandwidth,
		ClientIP:  client.IPAddress(),
		Port:      config.Stream.Port,
		ServerIP:  server.IPAddress(),
		Trial:     spec.Index,
		Video:     spec.Video,
	}

	// stopping is closed when we start tearing down the trial, such
	// that we can tell apart processes that exit early
	stopping := make(chan any)
	defer close(stopping)

	serverArgv, err := ExpandCommand(config.Stream.ServerCommand, vars)
	if err != nil {
		return err
	}
	serverProc, err := server.Start(serverArgv, config.Stream.ServerStdout, config.Stream.ServerStderr)
	if err != nil {
		return err
	}
	go r.watchProcess(server.Name(), serverProc, stopping)

	if err := sleepContext(ctx, config.Stream.ServerStartDelay); err != nil {
		return err
	}

	if spec.CaptureFile != "" {
		capture, err := StartCapture(client.SwitchPort(), spec.CaptureFile, r.Logger)
		switch err {
		case nil:
			defer capture.Close()
		default:
			r.Logger.Warnf("vqlab: cannot capture: %s", err.Error())
		}
	}

	clientArgv, err := ExpandCommand(config.Stream.ClientCommand, vars)
	if err != nil {
		return err
	}
	clientProc, err := client.Start(clientArgv, config.Stream.ClientStdout, config.Stream.ClientStderr)
	if err != nil {
		return err
	}
	go r.watchProcess(client.Name(), clientProc, stopping)

	if r.Interact != nil {
		if err := r.Interact(ctx, topology); err != nil {
			r.Logger.Warnf("vqlab: interactive session: %s", err.Error())
		}
	}

	return sleepContext(ctx, config.Stream.Duration)
}

// watchProcess warns if a process terminates before we stop it.
func (r *StreamTrialRunner) watchProcess(host string, proc Process, stopping <-chan any) {
	exited := make(chan error, 1)
	go func() {
		exited <- proc.Wait()
	}()
	select {
	case <-stopping:
	case err := <-exited:
		select {
		case <-stopping:
		default:
			r.Logger.Warnf("vqlab: %s: process exited before the end of the trial: %v", host, err)
		}
	}
}
