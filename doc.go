// Package vqlab measures the quality of real-time video streamed over
// an emulated network.
//
// The emulated network is a [StarTopology]: a [Switch] in the root
// network namespace with [Host] instances attached to it. Each [Host]
// is a network namespace connected to the switch through a veth pair
// whose ends are shaped according to a [LinkConfig] (rate, delay, loss,
// and queue size) using tc(8). Hosts may additionally have a [CPULimit].
//
// We run commands through a [CommandRunner]. The [ExecRunner] runs them
// for real, while the [DryRunner] only logs what it would run.
//
// A [Campaign] runs, for each video and bandwidth, several trials using
// a [TrialRunner]. The [StreamTrialRunner] builds a fresh topology, runs
// the streaming server and client on two hosts for a fixed amount of
// time, and tears everything down. After each trial, a [Meter] (usually
// an [SSIMMeter], which uses ffmpeg) scores the received videos against
// the sent ones. A [ResultsStore] archives the per-trial logs and saves
// the scores as CSV, NumPy arrays, and a JSON [Summary].
//
// While a campaign runs, a [StatusServer] may serve its [Progress] and
// a [Shell] may allow to inspect the running topology.
package vqlab
