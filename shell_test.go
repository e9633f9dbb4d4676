package vqlab

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestShellExec(t *testing.T) {
	newShell := func(t *testing.T) (*Shell, *recordingRunner, *bytes.Buffer) {
		rr := newRecordingRunner()
		rr.output["ip netns exec vqlab-h1 ip -br addr"] = "h1-eth0@if5 UP 10.0.0.1/8\n"
		topology := newTestStarTopology(t, rr)
		for _, name := range []string{"h1", "h2"} {
			addr := map[string]string{"h1": "10.0.0.1", "h2": "10.0.0.2"}[name]
			if _, err := topology.AddHost(context.Background(), name, addr, DefaultLinkConfig(10)); err != nil {
				t.Fatal(err)
			}
		}
		out := &bytes.Buffer{}
		return &Shell{Out: out, Topology: topology}, rr, out
	}

	type testcase struct {
		name   string
		line   string
		quit   bool
		expect string
	}

	var testcases = []testcase{{
		name:   "empty lines do nothing",
		line:   "   ",
		expect: "",
	}, {
		name:   "nodes lists hosts and switch",
		line:   "nodes",
		expect: "available nodes are: h1 h2 s1\n",
	}, {
		name:   "net lists the links",
		line:   "net",
		expect: "h1 h1-eth0:s1-eth1\nh2 h2-eth0:s1-eth2\n",
	}, {
		name:   "we run commands inside hosts",
		line:   "h1 ip -br addr",
		expect: "h1-eth0@if5 UP 10.0.0.1/8\n",
	}, {
		name:   "a host needs a command",
		line:   "h2",
		expect: "*** usage: h2 <command> [args...]\n",
	}, {
		name:   "we reject unknown commands",
		line:   "h3 ip addr",
		expect: "*** unknown command: h3\n",
	}, {
		name:   "we reject unbalanced quotes",
		line:   "h1 echo 'hello",
		expect: "*** Unterminated single-quoted string\n",
	}, {
		name: "exit leaves the shell",
		line: "exit",
		quit: true,
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			shell, _, out := newShell(t)
			if quit := shell.Exec(context.Background(), tc.line); quit != tc.quit {
				t.Fatal("unexpected quit", quit)
			}
			if out.String() != tc.expect {
				t.Fatalf("unexpected output: %q", out.String())
			}
		})
	}

	t.Run("help lists the commands", func(t *testing.T) {
		shell, _, out := newShell(t)
		shell.Exec(context.Background(), "help")
		for name := range shellCommands {
			if !strings.Contains(out.String(), name) {
				t.Fatal("missing command in help", name)
			}
		}
	})

	t.Run("pingall pings all the hosts", func(t *testing.T) {
		shell, rr, out := newShell(t)
		shell.Exec(context.Background(), "pingall")
		if out.String() != "*** Results: 0/2 received\n" {
			t.Fatalf("unexpected output: %q", out.String())
		}
		var pings int
		for _, cmd := range rr.Commands() {
			if strings.Contains(cmd, " ping -c1 -W1 ") {
				pings++
			}
		}
		if pings != 2 {
			t.Fatal("unexpected number of pings", pings)
		}
	})

	t.Run("complete suggests commands and hosts", func(t *testing.T) {
		shell, _, _ := newShell(t)
		got := shell.complete("h")
		if strings.Join(got, ",") != "h1 ,h2 ,help" {
			t.Fatal("unexpected completions", got)
		}
	})
}
