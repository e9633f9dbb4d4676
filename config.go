package vqlab

//
// Experiment configuration
//

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the configuration of an experiment campaign. Use
// [DefaultConfig] or [LoadConfig] to obtain a valid instance.
type Config struct {
	// Bandwidths contains the link bandwidths to test, in Mbit/s.
	Bandwidths []float64 `yaml:"bandwidths"`

	// Capture enables capturing the client traffic of each trial.
	Capture bool `yaml:"capture"`

	// ExcludeFailed excludes failed measurements (-1) from the means.
	ExcludeFailed bool `yaml:"exclude_failed"`

	// Interactive opens a shell once the streaming processes are running.
	Interactive bool `yaml:"interactive"`

	// LogDir is where we store the per-trial logs and the results.
	LogDir string `yaml:"logdir"`

	// Pipeline configures rewriting the sender pipelines file.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// SSIM configures the quality measurement.
	SSIM SSIMConfig `yaml:"ssim"`

	// StatusAddr is the OPTIONAL address where to serve the progress.
	StatusAddr string `yaml:"status_addr"`

	// Stream configures the streaming server and client.
	Stream StreamConfig `yaml:"stream"`

	// Topology configures the emulated network.
	Topology TopologyConfig `yaml:"topology"`

	// Trials is the number of trials for each video and bandwidth.
	Trials int `yaml:"trials"`

	// Videos contains the source videos to stream.
	Videos []string `yaml:"videos"`

	// WorkDir is the directory where the streaming binaries run.
	WorkDir string `yaml:"workdir"`
}

// TopologyConfig configures the emulated network.
type TopologyConfig struct {
	CgroupRoot      string        `yaml:"cgroup_root"`
	CPUFraction     float64       `yaml:"cpu_fraction"`
	Delay           time.Duration `yaml:"delay"`
	Hosts           int           `yaml:"hosts"`
	MaxQueueSize    int           `yaml:"max_queue_size"`
	NamespacePrefix string        `yaml:"namespace_prefix"`
	PingAll         bool          `yaml:"pingall"`
	PLR             float64       `yaml:"plr"`
	Subnet          string        `yaml:"subnet"`
	SwitchKind      SwitchKind    `yaml:"switch_kind"`
	SwitchName      string        `yaml:"switch"`
	UseHTB          bool          `yaml:"use_htb"`
}

// StreamConfig configures the streaming server and client. The
// commands are templates expanded with [StreamVars].
type StreamConfig struct {
	ClientCommand    string        `yaml:"client_command"`
	ClientHost       string        `yaml:"client_host"`
	ClientStderr     string        `yaml:"client_stderr"`
	ClientStdout     string        `yaml:"client_stdout"`
	Duration         time.Duration `yaml:"duration"`
	Port             int           `yaml:"port"`
	PostTrialDelay   time.Duration `yaml:"post_trial_delay"`
	ServerCommand    string        `yaml:"server_command"`
	ServerHost       string        `yaml:"server_host"`
	ServerStartDelay time.Duration `yaml:"server_start_delay"`
	ServerStderr     string        `yaml:"server_stderr"`
	ServerStdout     string        `yaml:"server_stdout"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	StopGrace        time.Duration `yaml:"stop_grace"`
}

// PipelineConfig configures rewriting the pipelines file read by the
// streaming server. Line Lines[k] streams the video into the file
// SSIM.Pairs[k].Original.
type PipelineConfig struct {
	File     string `yaml:"file"`
	Lines    []int  `yaml:"lines"`
	Template string `yaml:"template"`
	VideoDir string `yaml:"video_dir"`
}

// SSIMConfig configures the quality measurement.
type SSIMConfig struct {
	FFmpeg string     `yaml:"ffmpeg"`
	Pairs  []SSIMPair `yaml:"pairs"`
}

// SSIMPair is a sent video and the corresponding received video.
type SSIMPair struct {
	// Original is the video as sent by the server.
	Original string `yaml:"original"`

	// Distorted is the video as received by the client.
	Distorted string `yaml:"distorted"`

	// StatsFile is where ffmpeg writes the per-frame SSIM.
	StatsFile string `yaml:"stats_file"`
}

// DefaultPipelineTemplate is the default sender pipeline: it encodes the
// video with openh264, sends it as RTP through the application sink, and
// records the decoded frames actually sent.
const DefaultPipelineTemplate = "filesrc location={{.Source}} ! decodebin ! videoconvert ! " +
	"openh264enc name=openh264enc bitrate=3000000 max-bitrate=10000000 gop-size=100 scene-change-detection=false ! " +
	"tee name=t t. ! queue ! rtph264pay name=rtph264pay mtu=500000 aggregate-mode=none ! appsink name=appsink sync=true " +
	"t. ! queue ! h264parse ! avdec_h264 ! videorate ! video/x-raw,framerate=25/1 ! matroskamux ! " +
	"filesink location={{.Sink}} sync=true"

// DefaultConfig returns the configuration of the reference experiment.
func DefaultConfig() *Config {
	return &Config{
		Bandwidths:    []float64{10, 9},
		Capture:       false,
		ExcludeFailed: false,
		Interactive:   false,
		LogDir:        "./log",
		Pipeline: PipelineConfig{
			File:     "ppl.txt",
			Lines:    []int{0, 5},
			Template: DefaultPipelineTemplate,
			VideoDir: "./video_src/video_seg_60sec",
		},
		SSIM: SSIMConfig{
			FFmpeg: "ffmpeg",
			Pairs: []SSIMPair{{
				Original:  "./video_src/send_0.yuv",
				Distorted: "./video_src/recv_0.yuv",
				StatsFile: "ssim_1.txt",
			}, {
				Original:  "./video_src/send_1.yuv",
				Distorted: "./video_src/recv_1.yuv",
				StatsFile: "ssim_2.txt",
			}},
		},
		StatusAddr: "",
		Stream: StreamConfig{
			ClientCommand:    "./gclient2 {{.ServerIP}} {{.Port}} 0 2",
			ClientHost:       "h2",
			ClientStderr:     "cli.log",
			ClientStdout:     "",
			Duration:         75 * time.Second,
			Port:             23333,
			PostTrialDelay:   5 * time.Second,
			ServerCommand:    "./gserver2 {{.ServerIP}} {{.Port}} 0 2",
			ServerHost:       "h1",
			ServerStartDelay: 0,
			ServerStderr:     "srv.log",
			ServerStdout:     "",
			SettleDelay:      2 * time.Second,
			StopGrace:        2 * time.Second,
		},
		Topology: TopologyConfig{
			CgroupRoot:      DefaultCgroupRoot,
			CPUFraction:     0.5,
			Delay:           5 * time.Millisecond,
			Hosts:           2,
			MaxQueueSize:    1000,
			NamespacePrefix: "vqlab-",
			PingAll:         false,
			PLR:             0,
			Subnet:          "10.0.0.0/8",
			SwitchKind:      SwitchOVS,
			SwitchName:      "s1",
			UseHTB:          true,
		},
		Trials:  5,
		Videos:  []string{"720p_2_gop_1.mp4"},
		WorkDir: ".",
	}
}

// LoadConfig reads a YAML configuration file. Settings missing from
// the file keep their [DefaultConfig] value.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return config, nil
}

// ErrInvalidConfig indicates that the configuration is not valid.
var ErrInvalidConfig = errors.New("vqlab: invalid config")

// Validate returns an error if the configuration is not valid.
func (c *Config) Validate() error {
	invalid := func(format string, v ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, v...))
	}
	if len(c.Videos) <= 0 {
		return invalid("no videos")
	}
	if len(c.Bandwidths) <= 0 {
		return invalid("no bandwidths")
	}
	for _, bw := range c.Bandwidths {
		if bw <= 0 {
			return invalid("bandwidth must be positive: %v", bw)
		}
	}
	if c.Trials <= 0 {
		return invalid("trials must be positive: %d", c.Trials)
	}
	if c.Topology.Hosts < 2 {
		return invalid("need at least two hosts: %d", c.Topology.Hosts)
	}
	if c.Topology.PLR < 0 || c.Topology.PLR > 1 {
		return invalid("plr must be within [0, 1]: %v", c.Topology.PLR)
	}
	if c.Topology.CPUFraction < 0 || c.Topology.CPUFraction > 1 {
		return invalid("cpu_fraction must be within [0, 1]: %v", c.Topology.CPUFraction)
	}
	switch c.Topology.SwitchKind {
	case SwitchOVS, SwitchBridge:
	default:
		return invalid("unknown switch kind: %q", c.Topology.SwitchKind)
	}
	if _, _, err := c.HostAddresses(); err != nil {
		return invalid("%s", err.Error())
	}
	names := c.HostNames()
	if !containsString(names, c.Stream.ServerHost) {
		return invalid("unknown server host: %q", c.Stream.ServerHost)
	}
	if !containsString(names, c.Stream.ClientHost) {
		return invalid("unknown client host: %q", c.Stream.ClientHost)
	}
	if c.Stream.ServerHost == c.Stream.ClientHost {
		return invalid("server and client must run on different hosts")
	}
	if c.Stream.Port <= 0 || c.Stream.Port > 65535 {
		return invalid("invalid port: %d", c.Stream.Port)
	}
	if len(c.SSIM.Pairs) <= 0 {
		return invalid("no SSIM pairs")
	}
	if c.Pipeline.File != "" && len(c.Pipeline.Lines) != len(c.SSIM.Pairs) {
		return invalid("%d pipeline lines but %d SSIM pairs", len(c.Pipeline.Lines), len(c.SSIM.Pairs))
	}
	return nil
}

// HostNames returns the names of the hosts ("h1", "h2", ...).
func (c *Config) HostNames() []string {
	var names []string
	for idx := 1; idx <= c.Topology.Hosts; idx++ {
		names = append(names, fmt.Sprintf("h%d", idx))
	}
	return names
}

// HostAddresses returns the addresses of the hosts, which are the first
// addresses of the configured subnet, and the subnet prefix length.
func (c *Config) HostAddresses() ([]string, int, error) {
	prefix, err := netip.ParsePrefix(c.Topology.Subnet)
	if err != nil {
		return nil, 0, err
	}
	if !prefix.Addr().Is4() {
		return nil, 0, fmt.Errorf("not an IPv4 subnet: %s", c.Topology.Subnet)
	}
	prefix = prefix.Masked()
	var (
		addr  = prefix.Addr()
		addrs []string
	)
	for idx := 0; idx < c.Topology.Hosts; idx++ {
		addr = addr.Next()
		if !prefix.Contains(addr) {
			return nil, 0, fmt.Errorf("subnet %s is too small for %d hosts", prefix, c.Topology.Hosts)
		}
		addrs = append(addrs, addr.String())
	}
	return addrs, prefix.Bits(), nil
}

// HostCPUFraction returns the CPU fraction of each host.
func (c *Config) HostCPUFraction() float64 {
	if c.Topology.Hosts <= 0 {
		return 0
	}
	return c.Topology.CPUFraction / float64(c.Topology.Hosts)
}

// LinkConfig returns the config of each host link for the given bandwidth.
func (c *Config) LinkConfig(bandwidth float64) *LinkConfig {
	return &LinkConfig{
		Bandwidth:    bandwidth,
		Delay:        c.Topology.Delay,
		PLR:          c.Topology.PLR,
		MaxQueueSize: c.Topology.MaxQueueSize,
		UseHTB:       c.Topology.UseHTB,
	}
}

// TotalTrials returns the number of trials in the campaign.
func (c *Config) TotalTrials() int {
	return len(c.Videos) * len(c.Bandwidths) * c.Trials
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
