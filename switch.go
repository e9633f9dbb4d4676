package vqlab

//
// Software switch
//

import (
	"context"
	"errors"
	"fmt"
)

// SwitchKind is the kind of software switch we use.
type SwitchKind string

const (
	// SwitchOVS is an Open vSwitch bridge in standalone mode, which
	// behaves like a learning switch without a controller.
	SwitchOVS = SwitchKind("ovs")

	// SwitchBridge is a Linux bridge.
	SwitchBridge = SwitchKind("bridge")
)

// ErrUnknownSwitchKind indicates that we don't know how to create a switch.
var ErrUnknownSwitchKind = errors.New("vqlab: unknown switch kind")

// Switch is a software switch living in the root network namespace. The
// zero value is invalid; use [NewSwitch] to create a new instance.
type Switch struct {
	kind   SwitchKind
	name   string
	ports  []string
	runner CommandRunner
}

// NewSwitch creates a switch with the given name and kind.
func NewSwitch(ctx context.Context, runner CommandRunner, name string, kind SwitchKind) (*Switch, error) {
	var commands [][]string
	switch kind {
	case SwitchOVS:
		commands = [][]string{
			{"ovs-vsctl", "--may-exist", "add-br", name},
			{"ovs-vsctl", "set-fail-mode", name, "standalone"},
			{"ip", "link", "set", name, "up"},
		}
	case SwitchBridge:
		commands = [][]string{
			{"ip", "link", "add", "name", name, "type", "bridge"},
			{"ip", "link", "set", name, "up"},
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSwitchKind, kind)
	}
	sw := &Switch{
		kind:   kind,
		name:   name,
		ports:  []string{},
		runner: runner,
	}
	for _, argv := range commands {
		if _, err := runner.CombinedOutput(ctx, argv...); err != nil {
			_ = sw.Delete(ctx)
			return nil, err
		}
	}
	return sw, nil
}

// Name returns the switch name.
func (sw *Switch) Name() string {
	return sw.name
}

// Kind returns the switch kind.
func (sw *Switch) Kind() SwitchKind {
	return sw.kind
}

// NextPortName returns the name of the interface for the next port.
func (sw *Switch) NextPortName() string {
	return fmt.Sprintf("%s-eth%d", sw.name, len(sw.ports)+1)
}

// Ports returns the interfaces attached to the switch.
func (sw *Switch) Ports() []string {
	return append([]string{}, sw.ports...)
}

// AddPort attaches an interface of the root namespace to the switch
// and brings the interface up.
func (sw *Switch) AddPort(ctx context.Context, ifname string) error {
	var attach []string
	switch sw.kind {
	case SwitchOVS:
		attach = []string{"ovs-vsctl", "add-port", sw.name, ifname}
	default:
		attach = []string{"ip", "link", "set", ifname, "master", sw.name}
	}
	if _, err := sw.runner.CombinedOutput(ctx, attach...); err != nil {
		return err
	}
	if _, err := sw.runner.CombinedOutput(ctx, "ip", "link", "set", ifname, "up"); err != nil {
		return err
	}
	sw.ports = append(sw.ports, ifname)
	return nil
}

// Delete deletes the switch.
func (sw *Switch) Delete(ctx context.Context) error {
	_, err := sw.runner.CombinedOutput(ctx, deleteSwitchCommand(sw.name, sw.kind)...)
	return err
}

// deleteSwitchCommand returns the command deleting a switch.
func deleteSwitchCommand(name string, kind SwitchKind) []string {
	switch kind {
	case SwitchOVS:
		return []string{"ovs-vsctl", "--if-exists", "del-br", name}
	default:
		return []string{"ip", "link", "del", name}
	}
}
