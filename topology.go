package vqlab

//
// Network topologies
//

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// StarTopologyConfig contains config for a [StarTopology]. Make sure
// you initialize all the fields marked as MANDATORY.
type StarTopologyConfig struct {
	// CgroupRoot is the OPTIONAL cgroup v2 mount point.
	CgroupRoot string

	// HostCPUFraction is the OPTIONAL fraction of the system CPU each
	// host may use. Zero means that hosts are not CPU limited.
	HostCPUFraction float64

	// Logger is the MANDATORY logger.
	Logger Logger

	// NamespacePrefix is the OPTIONAL prefix of the namespace names, which
	// allows to run alongside other namespaces named like our hosts.
	NamespacePrefix string

	// PrefixLen is the MANDATORY length of the hosts' network prefix.
	PrefixLen int

	// Runner is the MANDATORY command runner.
	Runner CommandRunner

	// StopGrace is the OPTIONAL time we allow processes to exit after
	// SIGINT when closing the topology; zero means one second.
	StopGrace time.Duration

	// SwitchKind is the MANDATORY switch kind.
	SwitchKind SwitchKind

	// SwitchName is the MANDATORY switch name.
	SwitchName string

	// WorkDir is the OPTIONAL directory for the processes output files.
	WorkDir string
}

// StarTopology is a single switch with hosts connected to it, like
// Mininet's SingleSwitchTopo. The zero value is invalid; please,
// construct using [NewStarTopology].
type StarTopology struct {
	// addresses tracks the already-added addresses
	addresses map[string]int

	// closeOnce allows to have a "once" semantics for Close
	closeOnce sync.Once

	// config is the topology config
	config *StarTopologyConfig

	// hosts contains the hosts in creation order
	hosts []*Host

	// names tracks the already-added host names
	names map[string]int

	// sw is the topology's switch
	sw *Switch
}

// NewStarTopology creates the switch of a new, empty [StarTopology]. Once
// you have the topology, add hosts with [StarTopology.AddHost]. Use
// [StarTopology.Close] to tear down everything.
func NewStarTopology(ctx context.Context, config *StarTopologyConfig) (*StarTopology, error) {
	sw, err := NewSwitch(ctx, config.Runner, config.SwitchName, config.SwitchKind)
	if err != nil {
		return nil, err
	}
	config.Logger.Infof("vqlab: switch %s (%s) up", sw.Name(), sw.Kind())
	t := &StarTopology{
		addresses: map[string]int{},
		closeOnce: sync.Once{},
		config:    config,
		hosts:     []*Host{},
		names:     map[string]int{},
		sw:        sw,
	}
	return t, nil
}

// ErrDuplicateAddr indicates that an address has already been added to a topology.
var ErrDuplicateAddr = errors.New("vqlab: address has already been added")

// ErrDuplicateHost indicates that a host name has already been added to a topology.
var ErrDuplicateHost = errors.New("vqlab: host has already been added")

// AddHost creates a new [Host] with its own network namespace, creates a
// veth pair connecting it to the topology's [Switch], configures the
// address, and shapes both ends of the link according to lc. You do not need
// to release the returned [Host] because [StarTopology.Close] does that.
//
// Arguments:
//
// - ctx bounds the time spent running commands;
//
// - name is the host name (e.g., "h1");
//
// - hostAddress is the IPv4 address to assign to the host;
//
// - lc contains config for the link connecting the host to the switch.
func (t *StarTopology) AddHost(
	ctx context.Context,
	name string,
	hostAddress string,
	lc *LinkConfig,
) (*Host, error) {
	if t.names[name] > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateHost, name)
	}
	if t.addresses[hostAddress] > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAddr, hostAddress)
	}
	runner := t.config.Runner

	// undo contains the actions rolling back a partially created host
	var undo []func()
	rollback := func() {
		for idx := len(undo) - 1; idx >= 0; idx-- {
			undo[idx]()
		}
	}

	ns, err := NewNamespace(ctx, runner, t.config.NamespacePrefix+name)
	if err != nil {
		return nil, err
	}
	undo = append(undo, func() { _ = ns.Delete(context.Background()) })

	host := &Host{
		address: hostAddress,
		cpu:     nil,
		ifname:  name + "-eth0",
		logger:  t.config.Logger,
		mu:      sync.Mutex{},
		name:    name,
		ns:      ns,
		procs:   []*hostProcess{},
		swport:  t.sw.NextPortName(),
		workDir: t.config.WorkDir,
	}

	steps := [][]string{
		{"ip", "link", "add", host.ifname, "type", "veth", "peer", "name", host.swport},
		{"ip", "link", "set", host.ifname, "netns", ns.Name()},
		ns.Command("ip", "link", "set", "lo", "up"),
		ns.Command("ip", "addr", "add", fmt.Sprintf("%s/%d", hostAddress, t.config.PrefixLen), "dev", host.ifname),
		ns.Command("ip", "link", "set", host.ifname, "up"),
	}
	for idx, argv := range steps {
		if _, err := runner.CombinedOutput(ctx, argv...); err != nil {
			rollback()
			return nil, err
		}
		if idx == 0 {
			undo = append(undo, func() {
				_, _ = runner.CombinedOutput(context.Background(), "ip", "link", "del", host.swport)
			})
		}
	}

	if err := t.sw.AddPort(ctx, host.swport); err != nil {
		rollback()
		return nil, err
	}

	if err := shapeInterface(ctx, runner, nil, host.swport, lc); err != nil {
		rollback()
		return nil, err
	}
	if err := shapeInterface(ctx, runner, ns, host.ifname, lc); err != nil {
		rollback()
		return nil, err
	}

	if t.config.HostCPUFraction > 0 {
		cpu := &CPULimit{
			Fraction: t.config.HostCPUFraction,
			Name:     t.config.NamespacePrefix + name,
			Root:     t.config.CgroupRoot,
		}
		// the cpu controller may not be delegated to us
		if err := cpu.Create(); err != nil {
			t.config.Logger.Warnf("vqlab: %s: cannot create cgroup: %s", name, err.Error())
		} else {
			host.cpu = cpu
		}
	}

	t.config.Logger.Infof(
		"vqlab: link %s %s:%s <-> %s (%s)",
		name, host.ifname, hostAddress, host.swport, lc.String(),
	)
	t.hosts = append(t.hosts, host)
	t.names[name]++
	t.addresses[hostAddress]++
	return host, nil
}

// shapeInterface applies the link config to dev, which lives inside
// ns or in the root namespace when ns is nil.
func shapeInterface(ctx context.Context, runner CommandRunner, ns *Namespace, dev string, lc *LinkConfig) error {
	wrap := func(argv []string) []string {
		if ns != nil {
			return ns.Command(argv...)
		}
		return argv
	}
	_, _ = runner.CombinedOutput(ctx, wrap(lc.ResetCommand(dev))...)
	for _, argv := range lc.ShapingCommands(dev) {
		if _, err := runner.CombinedOutput(ctx, wrap(argv)...); err != nil {
			return err
		}
	}
	return nil
}

// Host returns the host with the given name, if any.
func (t *StarTopology) Host(name string) (*Host, bool) {
	for _, h := range t.hosts {
		if h.name == name {
			return h, true
		}
	}
	return nil, false
}

// Hosts returns the hosts in creation order.
func (t *StarTopology) Hosts() []*Host {
	return append([]*Host{}, t.hosts...)
}

// Switch returns the topology's switch.
func (t *StarTopology) Switch() *Switch {
	return t.sw
}

// DumpConnections returns and logs a line for each host describing how
// it is connected to the switch (e.g., "h1 h1-eth0:s1-eth1").
func (t *StarTopology) DumpConnections() []string {
	var lines []string
	for _, h := range t.hosts {
		line := fmt.Sprintf("%s %s:%s", h.name, h.ifname, h.swport)
		t.config.Logger.Info(line)
		lines = append(lines, line)
	}
	return lines
}

// PingAll pings every host from every other host and returns the
// number of echo requests sent and of replies received.
func (t *StarTopology) PingAll(ctx context.Context) (sent, received int) {
	for _, src := range t.hosts {
		for _, dst := range t.hosts {
			if src == dst {
				continue
			}
			sent++
			if err := src.Ping(ctx, dst); err != nil {
				t.config.Logger.Warn(err.Error())
				continue
			}
			received++
		}
	}
	dropped := 0
	if sent > 0 {
		dropped = 100 * (sent - received) / sent
	}
	t.config.Logger.Infof("vqlab: pingall: %d%% dropped (%d/%d received)", dropped, received, sent)
	return sent, received
}

// Close stops the processes running on the hosts and removes the hosts,
// their links, and the switch created by the [StarTopology].
func (t *StarTopology) Close() error {
	t.closeOnce.Do(func() {
		grace := t.config.StopGrace
		if grace <= 0 {
			grace = time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, h := range t.hosts {
			h.StopProcesses(grace)
		}
		for _, h := range t.hosts {
			// note: deleting the namespace destroys the veth pair
			if err := h.ns.Delete(ctx); err != nil {
				t.config.Logger.Warnf("vqlab: %s: %s", h.name, err.Error())
			}
			if h.cpu != nil {
				if err := h.cpu.Release(); err != nil {
					t.config.Logger.Warnf("vqlab: %s: %s", h.name, err.Error())
				}
			}
		}
		if err := t.sw.Delete(ctx); err != nil {
			t.config.Logger.Warnf("vqlab: %s: %s", t.sw.Name(), err.Error())
		}
		t.config.Logger.Infof("vqlab: switch %s down", t.sw.Name())
	})
	return nil
}

// CleanupConfig contains config for [Cleanup].
type CleanupConfig struct {
	// HostNames contains the MANDATORY names of the hosts to remove.
	HostNames []string

	// Logger is the MANDATORY logger.
	Logger Logger

	// NamespacePrefix is the OPTIONAL namespace prefix.
	NamespacePrefix string

	// Runner is the MANDATORY command runner.
	Runner CommandRunner

	// SwitchKind is the MANDATORY switch kind.
	SwitchKind SwitchKind

	// SwitchName is the MANDATORY switch name.
	SwitchName string
}

// Cleanup removes the namespaces and the switch left behind by a run
// that did not terminate cleanly. Errors are logged and ignored since
// most of the resources usually do not exist.
func Cleanup(ctx context.Context, config *CleanupConfig) {
	for _, name := range config.HostNames {
		nsname := config.NamespacePrefix + name
		if _, err := config.Runner.CombinedOutput(ctx, "ip", "netns", "del", nsname); err != nil {
			config.Logger.Debugf("vqlab: cleanup: %s", err.Error())
			continue
		}
		config.Logger.Infof("vqlab: cleanup: removed namespace %s", nsname)
	}
	argv := deleteSwitchCommand(config.SwitchName, config.SwitchKind)
	if _, err := config.Runner.CombinedOutput(ctx, argv...); err != nil {
		config.Logger.Debugf("vqlab: cleanup: %s", err.Error())
		return
	}
	config.Logger.Infof("vqlab: cleanup: removed switch %s", config.SwitchName)
}
