package vqlab

import (
	"context"
	"errors"
	"testing"

	"github.com/bassosimone/vqlab/internal"
	"github.com/google/go-cmp/cmp"
)

// newTestStarTopology creates a topology using the given runner.
func newTestStarTopology(t *testing.T, rr *recordingRunner) *StarTopology {
	topology, err := NewStarTopology(context.Background(), &StarTopologyConfig{
		Logger:          &internal.NullLogger{},
		NamespacePrefix: "vqlab-",
		PrefixLen:       8,
		Runner:          rr.Runner(),
		SwitchKind:      SwitchOVS,
		SwitchName:      "s1",
		WorkDir:         t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return topology
}

func TestStarTopology(t *testing.T) {
	t.Run("AddHost creates, connects, and shapes the host", func(t *testing.T) {
		rr := newRecordingRunner()
		topology := newTestStarTopology(t, rr)
		host, err := topology.AddHost(context.Background(), "h1", "10.0.0.1", DefaultLinkConfig(10))
		if err != nil {
			t.Fatal(err)
		}
		expect := []string{
			"ovs-vsctl --may-exist add-br s1",
			"ovs-vsctl set-fail-mode s1 standalone",
			"ip link set s1 up",
			"ip netns add vqlab-h1",
			"ip link add h1-eth0 type veth peer name s1-eth1",
			"ip link set h1-eth0 netns vqlab-h1",
			"ip netns exec vqlab-h1 ip link set lo up",
			"ip netns exec vqlab-h1 ip addr add 10.0.0.1/8 dev h1-eth0",
			"ip netns exec vqlab-h1 ip link set h1-eth0 up",
			"ovs-vsctl add-port s1 s1-eth1",
			"ip link set s1-eth1 up",
			"tc qdisc del dev s1-eth1 root",
			"tc qdisc add dev s1-eth1 root handle 5:0 htb default 1",
			"tc class add dev s1-eth1 parent 5:0 classid 5:1 htb rate 10Mbit burst 15k",
			"tc qdisc add dev s1-eth1 parent 5:1 handle 10: netem delay 5ms limit 1000",
			"ip netns exec vqlab-h1 tc qdisc del dev h1-eth0 root",
			"ip netns exec vqlab-h1 tc qdisc add dev h1-eth0 root handle 5:0 htb default 1",
			"ip netns exec vqlab-h1 tc class add dev h1-eth0 parent 5:0 classid 5:1 htb rate 10Mbit burst 15k",
			"ip netns exec vqlab-h1 tc qdisc add dev h1-eth0 parent 5:1 handle 10: netem delay 5ms limit 1000",
		}
		if diff := cmp.Diff(expect, rr.Commands()); diff != "" {
			t.Fatal(diff)
		}
		if host.Name() != "h1" || host.IPAddress() != "10.0.0.1" {
			t.Fatal("unexpected host", host.Name(), host.IPAddress())
		}
		if host.InterfaceName() != "h1-eth0" || host.SwitchPort() != "s1-eth1" {
			t.Fatal("unexpected interfaces", host.InterfaceName(), host.SwitchPort())
		}
		if host.Namespace().Name() != "vqlab-h1" {
			t.Fatal("unexpected namespace", host.Namespace().Name())
		}
	})

	t.Run("we cannot add the same host or address twice", func(t *testing.T) {
		rr := newRecordingRunner()
		topology := newTestStarTopology(t, rr)
		if _, err := topology.AddHost(context.Background(), "h1", "10.0.0.1", DefaultLinkConfig(10)); err != nil {
			t.Fatal(err)
		}
		if _, err := topology.AddHost(context.Background(), "h1", "10.0.0.2", DefaultLinkConfig(10)); !errors.Is(err, ErrDuplicateHost) {
			t.Fatal("unexpected error", err)
		}
		if _, err := topology.AddHost(context.Background(), "h2", "10.0.0.1", DefaultLinkConfig(10)); !errors.Is(err, ErrDuplicateAddr) {
			t.Fatal("unexpected error", err)
		}
		if len(topology.Hosts()) != 1 {
			t.Fatal("unexpected number of hosts", len(topology.Hosts()))
		}
	})

	t.Run("we roll back a partially created host", func(t *testing.T) {
		rr := newRecordingRunner()
		expect := errors.New("ovs-vsctl: cannot create a port named s1-eth1")
		rr.fail["ovs-vsctl add-port"] = expect
		topology := newTestStarTopology(t, rr)
		if _, err := topology.AddHost(context.Background(), "h1", "10.0.0.1", DefaultLinkConfig(10)); !errors.Is(err, expect) {
			t.Fatal("unexpected error", err)
		}
		commands := rr.Commands()
		rollback := commands[len(commands)-2:]
		if diff := cmp.Diff([]string{"ip link del s1-eth1", "ip netns del vqlab-h1"}, rollback); diff != "" {
			t.Fatal(diff)
		}
		if _, found := topology.Host("h1"); found {
			t.Fatal("the host should not exist")
		}
		if topology.Switch().NextPortName() != "s1-eth1" {
			t.Fatal("the port should still be available")
		}
	})

	t.Run("DumpConnections describes the links", func(t *testing.T) {
		rr := newRecordingRunner()
		topology := newTestStarTopology(t, rr)
		for _, name := range []string{"h1", "h2"} {
			addr := map[string]string{"h1": "10.0.0.1", "h2": "10.0.0.2"}[name]
			if _, err := topology.AddHost(context.Background(), name, addr, DefaultLinkConfig(9)); err != nil {
				t.Fatal(err)
			}
		}
		expect := []string{"h1 h1-eth0:s1-eth1", "h2 h2-eth0:s1-eth2"}
		if diff := cmp.Diff(expect, topology.DumpConnections()); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("PingAll counts the replies", func(t *testing.T) {
		rr := newRecordingRunner()
		rr.output["ip netns exec vqlab-h1 ping"] = "1 packets transmitted, 1 received, 0% packet loss, time 0ms\n"
		rr.output["ip netns exec vqlab-h2 ping"] = "1 packets transmitted, 0 received, 100% packet loss, time 0ms\n"
		topology := newTestStarTopology(t, rr)
		if _, err := topology.AddHost(context.Background(), "h1", "10.0.0.1", DefaultLinkConfig(10)); err != nil {
			t.Fatal(err)
		}
		if _, err := topology.AddHost(context.Background(), "h2", "10.0.0.2", DefaultLinkConfig(10)); err != nil {
			t.Fatal(err)
		}
		sent, received := topology.PingAll(context.Background())
		if sent != 2 || received != 1 {
			t.Fatal("unexpected results", sent, received)
		}
	})

	t.Run("Close stops the processes and removes everything", func(t *testing.T) {
		rr := newRecordingRunner()
		topology := newTestStarTopology(t, rr)
		host, err := topology.AddHost(context.Background(), "h1", "10.0.0.1", DefaultLinkConfig(10))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := host.Start([]string{"./gserver2", "10.0.0.1", "23333", "0", "2"}, "", "srv.log"); err != nil {
			t.Fatal(err)
		}
		if len(host.Processes()) != 1 {
			t.Fatal("expected a single process")
		}
		before := len(rr.Commands())
		topology.Close()
		topology.Close() // idempotent
		expect := []string{
			"ip netns del vqlab-h1",
			"ovs-vsctl --if-exists del-br s1",
		}
		if diff := cmp.Diff(expect, rr.Commands()[before:]); diff != "" {
			t.Fatal(diff)
		}
		if len(host.Processes()) != 0 {
			t.Fatal("expected no processes")
		}
	})
}

func TestCleanup(t *testing.T) {
	rr := newRecordingRunner()
	rr.fail["ip netns del vqlab-h2"] = errors.New("Cannot remove namespace file: No such file or directory")
	Cleanup(context.Background(), &CleanupConfig{
		HostNames:       []string{"h1", "h2"},
		Logger:          &internal.NullLogger{},
		NamespacePrefix: "vqlab-",
		Runner:          rr.Runner(),
		SwitchKind:      SwitchBridge,
		SwitchName:      "s1",
	})
	expect := []string{
		"ip netns del vqlab-h1",
		"ip netns del vqlab-h2",
		"ip link del s1",
	}
	if diff := cmp.Diff(expect, rr.Commands()); diff != "" {
		t.Fatal(diff)
	}
}
