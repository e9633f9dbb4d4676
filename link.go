package vqlab

//
// Link shaping using tc(8)
//

import (
	"fmt"
	"strconv"
	"time"
)

// LinkConfig contains config for shaping a link. Every host link is
// shaped in both directions by applying the same queueing discipline
// to both ends of the veth pair, as Mininet's TCLink does.
type LinkConfig struct {
	// Bandwidth is the OPTIONAL rate limit in Mbit/s. Zero means
	// that we should not limit the rate.
	Bandwidth float64

	// Delay is the OPTIONAL one-way delay added by netem.
	Delay time.Duration

	// PLR is the OPTIONAL packet-loss rate in the [0, 1] interval.
	PLR float64

	// MaxQueueSize is the OPTIONAL netem queue limit in packets.
	MaxQueueSize int

	// UseHTB selects an HTB rate limiter rather than TBF.
	UseHTB bool
}

// DefaultLinkConfig returns the link configuration used by the
// experiment for the given bandwidth: 5 ms of delay, no losses, a
// 1000 packets queue, and HTB rate limiting.
func DefaultLinkConfig(bandwidth float64) *LinkConfig {
	return &LinkConfig{
		Bandwidth:    bandwidth,
		Delay:        5 * time.Millisecond,
		PLR:          0,
		MaxQueueSize: 1000,
		UseHTB:       true,
	}
}

// String returns a Mininet-like description of the link (e.g., "10.00Mbit 5ms delay 0.00000% loss").
func (lc *LinkConfig) String() string {
	return fmt.Sprintf(
		"%.2fMbit %s delay %.5f%% loss",
		lc.Bandwidth, formatTCTime(lc.Delay), lc.PLR*100,
	)
}

// needsNetem returns whether we need a netem qdisc for this link.
func (lc *LinkConfig) needsNetem() bool {
	return lc.Delay > 0 || lc.PLR > 0 || lc.MaxQueueSize > 0
}

// ResetCommand returns the tc command removing the root qdisc of dev. The
// command fails when there is no root qdisc, so callers ignore its error.
func (lc *LinkConfig) ResetCommand(dev string) []string {
	return []string{"tc", "qdisc", "del", "dev", dev, "root"}
}

// ShapingCommands returns the tc commands to shape dev according to
// the configuration. The returned list is empty for an unshaped link.
func (lc *LinkConfig) ShapingCommands(dev string) [][]string {
	var (
		commands [][]string
		parent   = []string{"root"}
	)

	if lc.Bandwidth > 0 {
		rate := formatTCRate(lc.Bandwidth)
		switch lc.UseHTB {
		case true:
			commands = append(commands, []string{
				"tc", "qdisc", "add", "dev", dev, "root", "handle", "5:0", "htb", "default", "1",
			}, []string{
				"tc", "class", "add", "dev", dev, "parent", "5:0", "classid", "5:1",
				"htb", "rate", rate, "burst", "15k",
			})
		default:
			commands = append(commands, []string{
				"tc", "qdisc", "add", "dev", dev, "root", "handle", "5:", "tbf",
				"rate", rate, "burst", "15000", "latency", "50ms",
			})
		}
		parent = []string{"parent", "5:1"}
	}

	if lc.needsNetem() {
		cmd := []string{"tc", "qdisc", "add", "dev", dev}
		cmd = append(cmd, parent...)
		cmd = append(cmd, "handle", "10:", "netem")
		if lc.Delay > 0 {
			cmd = append(cmd, "delay", formatTCTime(lc.Delay))
		}
		if lc.PLR > 0 {
			cmd = append(cmd, "loss", fmt.Sprintf("%.5f%%", lc.PLR*100))
		}
		if lc.MaxQueueSize > 0 {
			cmd = append(cmd, "limit", strconv.Itoa(lc.MaxQueueSize))
		}
		commands = append(commands, cmd)
	}

	return commands
}

// formatTCRate formats a rate in Mbit/s using tc(8) syntax.
func formatTCRate(mbits float64) string {
	return strconv.FormatFloat(mbits, 'f', -1, 64) + "Mbit"
}

// formatTCTime formats a duration using tc(8) syntax (e.g., "5ms").
func formatTCTime(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)
	return strconv.FormatFloat(ms, 'f', -1, 64) + "ms"
}
