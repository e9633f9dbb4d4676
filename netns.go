package vqlab

//
// Network namespaces
//

import (
	"context"
)

// Namespace is a named network namespace managed with ip-netns(8). The
// zero value is invalid; use [NewNamespace] to create a new instance.
type Namespace struct {
	name   string
	runner CommandRunner
}

// NewNamespace creates the network namespace with the given name.
func NewNamespace(ctx context.Context, runner CommandRunner, name string) (*Namespace, error) {
	if _, err := runner.CombinedOutput(ctx, "ip", "netns", "add", name); err != nil {
		return nil, err
	}
	ns := &Namespace{
		name:   name,
		runner: runner,
	}
	return ns, nil
}

// Name returns the namespace name.
func (ns *Namespace) Name() string {
	return ns.name
}

// Command returns argv wrapped such that it runs inside the namespace.
func (ns *Namespace) Command(argv ...string) []string {
	return append([]string{"ip", "netns", "exec", ns.name}, argv...)
}

// Run runs argv to completion inside the namespace.
func (ns *Namespace) Run(ctx context.Context, argv ...string) (string, error) {
	return ns.runner.CombinedOutput(ctx, ns.Command(argv...)...)
}

// Delete deletes the namespace. Interfaces living inside the namespace
// are destroyed along with it, which also removes their veth peers.
func (ns *Namespace) Delete(ctx context.Context) error {
	_, err := ns.runner.CombinedOutput(ctx, "ip", "netns", "del", ns.name)
	return err
}
