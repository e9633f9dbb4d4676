package vqlab

//
// Interactive shell
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/peterh/liner"
)

// Shell is an interactive shell for inspecting a running [StarTopology]. The
// zero value is invalid; please, initialize all the MANDATORY fields.
type Shell struct {
	// HistoryFile is the OPTIONAL file where to persist the history.
	HistoryFile string

	// Out is the MANDATORY writer where to print the output.
	Out io.Writer

	// Topology is the MANDATORY topology.
	Topology *StarTopology
}

// shellCommands contains the builtin commands and their help.
var shellCommands = map[string]string{
	"exit":    "leave the shell and continue the trial",
	"help":    "print this help",
	"net":     "print the links",
	"nodes":   "print the nodes",
	"pingall": "ping between all the hosts",
	"ps":      "print the processes running on the hosts",
}

// Run reads and executes commands until the user exits, sends EOF, or
// the context is done. The latter is noticed at the next prompt.
func (s *Shell) Run(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(s.complete)

	if s.HistoryFile != "" {
		if filep, err := os.Open(s.HistoryFile); err == nil {
			_, _ = line.ReadHistory(filep)
			filep.Close()
		}
		defer s.saveHistory(line)
	}

	fmt.Fprintln(s.Out, "vqlab: type 'help' for help and 'exit' to continue the trial")
	for ctx.Err() == nil {
		input, err := line.Prompt("vqlab> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}
		if s.Exec(ctx, input) {
			return nil
		}
	}
	return ctx.Err()
}

func (s *Shell) saveHistory(line *liner.State) {
	filep, err := os.Create(s.HistoryFile)
	if err != nil {
		return
	}
	_, _ = line.WriteHistory(filep)
	filep.Close()
}

// complete completes builtin commands and host names.
func (s *Shell) complete(input string) (out []string) {
	for _, cand := range s.words() {
		if strings.HasPrefix(cand, input) {
			out = append(out, cand)
		}
	}
	return
}

func (s *Shell) words() []string {
	var words []string
	for name := range shellCommands {
		words = append(words, name)
	}
	for _, h := range s.Topology.Hosts() {
		words = append(words, h.Name()+" ")
	}
	sort.Strings(words)
	return words
}

// Exec executes a single command line and returns whether the user
// asked to leave the shell. A line starting with a host name runs
// the rest of the line inside that host.
func (s *Shell) Exec(ctx context.Context, input string) bool {
	argv, err := shellquote.Split(input)
	if err != nil {
		fmt.Fprintf(s.Out, "*** %s\n", err.Error())
		return false
	}
	if len(argv) <= 0 {
		return false
	}
	switch argv[0] {
	case "exit", "quit":
		return true
	case "help":
		var names []string
		for name := range shellCommands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(s.Out, "%-8s %s\n", name, shellCommands[name])
		}
		fmt.Fprintf(s.Out, "%-8s %s\n", "<host>", "run a command inside <host> (e.g., h1 ip addr)")
	case "nodes":
		var names []string
		for _, h := range s.Topology.Hosts() {
			names = append(names, h.Name())
		}
		names = append(names, s.Topology.Switch().Name())
		fmt.Fprintf(s.Out, "available nodes are: %s\n", strings.Join(names, " "))
	case "net":
		for _, conn := range s.Topology.DumpConnections() {
			fmt.Fprintln(s.Out, conn)
		}
	case "pingall":
		sent, received := s.Topology.PingAll(ctx)
		fmt.Fprintf(s.Out, "*** Results: %d/%d received\n", received, sent)
	case "ps":
		for _, h := range s.Topology.Hosts() {
			for _, proc := range h.Processes() {
				fmt.Fprintf(s.Out, "%s: %s\n", h.Name(), proc)
			}
		}
	default:
		h, found := s.Topology.Host(argv[0])
		if !found {
			fmt.Fprintf(s.Out, "*** unknown command: %s\n", argv[0])
			return false
		}
		if len(argv) < 2 {
			fmt.Fprintf(s.Out, "*** usage: %s <command> [args...]\n", argv[0])
			return false
		}
		out, err := h.Cmd(ctx, argv[1:]...)
		fmt.Fprint(s.Out, out)
		if err != nil {
			fmt.Fprintf(s.Out, "*** %s\n", err.Error())
		}
	}
	return false
}
