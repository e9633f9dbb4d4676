// Command vqlab measures the quality of videos streamed over an emulated
// network for several link bandwidths.
//
// Because we create network namespaces, links, and switches, this
// command needs to run as root, unless you use the -dry-run flag.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/multi"
	"github.com/apex/log/handlers/text"
	"github.com/bassosimone/vqlab"
	"github.com/bassosimone/vqlab/cmd/internal/optional"
	"github.com/google/uuid"
)

// options contains the parsed command line.
type options struct {
	bandwidths  optional.Value[[]float64]
	capture     optional.Value[bool]
	cleanup     bool
	config      string
	dryRun      bool
	interactive optional.Value[bool]
	logdir      optional.Value[string]
	statusAddr  optional.Value[string]
	trials      optional.Value[int]
	verbose     bool
	videos      optional.Value[[]string]
	workdir     optional.Value[string]
}

// parseFlags parses the command line arguments, excluding the program name.
func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("vqlab", flag.ContinueOnError)
	bandwidths := fs.String("bandwidths", "", "comma-separated link bandwidths in Mbit/s (e.g., 10,9)")
	capture := fs.Bool("capture", false, "capture the client traffic of each trial")
	cleanup := fs.Bool("cleanup", false, "remove leftovers of a previous run and exit")
	config := fs.String("config", "", "YAML configuration file")
	dryRun := fs.Bool("dry-run", false, "log the commands rather than running them")
	interactive := fs.Bool("cli", false, "open a shell once the streaming processes are running")
	logdir := fs.String("logdir", "", "directory where to store logs and results")
	statusAddr := fs.String("status-addr", "", "address where to serve the progress (e.g., 127.0.0.1:8080)")
	trials := fs.Int("trials", 0, "number of trials for each video and bandwidth")
	verbose := fs.Bool("v", false, "enable debug logging")
	videos := fs.String("videos", "", "comma-separated videos to stream")
	workdir := fs.String("workdir", "", "directory containing the streaming binaries")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	opts := &options{
		bandwidths:  optional.None[[]float64](),
		capture:     optional.None[bool](),
		cleanup:     *cleanup,
		config:      *config,
		dryRun:      *dryRun,
		interactive: optional.None[bool](),
		logdir:      optional.None[string](),
		statusAddr:  optional.None[string](),
		trials:      optional.None[int](),
		verbose:     *verbose,
		videos:      optional.None[[]string](),
		workdir:     optional.None[string](),
	}

	// only the flags that the user explicitly set override the config
	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bandwidths":
			var values []float64
			for _, s := range splitList(*bandwidths) {
				v, perr := strconv.ParseFloat(s, 64)
				if perr != nil {
					err = fmt.Errorf("-bandwidths: %w", perr)
					return
				}
				values = append(values, v)
			}
			opts.bandwidths = optional.Some(values)
		case "capture":
			opts.capture = optional.Some(*capture)
		case "cli":
			opts.interactive = optional.Some(*interactive)
		case "logdir":
			opts.logdir = optional.Some(*logdir)
		case "status-addr":
			opts.statusAddr = optional.Some(*statusAddr)
		case "trials":
			opts.trials = optional.Some(*trials)
		case "videos":
			opts.videos = optional.Some(splitList(*videos))
		case "workdir":
			opts.workdir = optional.Some(*workdir)
		}
	})
	if err != nil {
		return nil, err
	}
	return opts, nil
}

// splitList splits a comma-separated list ignoring empty entries.
func splitList(s string) (out []string) {
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return
}

// loadConfig loads the config and applies the command line overrides.
func loadConfig(opts *options) (*vqlab.Config, error) {
	config := vqlab.DefaultConfig()
	if opts.config != "" {
		var err error
		if config, err = vqlab.LoadConfig(opts.config); err != nil {
			return nil, err
		}
	}
	opts.bandwidths.Override(&config.Bandwidths)
	opts.capture.Override(&config.Capture)
	opts.interactive.Override(&config.Interactive)
	opts.logdir.Override(&config.LogDir)
	opts.statusAddr.Override(&config.StatusAddr)
	opts.trials.Override(&config.Trials)
	opts.videos.Override(&config.Videos)
	opts.workdir.Override(&config.WorkDir)
	if opts.dryRun {
		// nothing to capture and no cgroups to create
		config.Capture = false
		config.Topology.CPUFraction = 0
	}
	// the runner also uses WorkDir as the commands cwd
	workdir, err := filepath.Abs(config.WorkDir)
	if err != nil {
		return nil, err
	}
	config.WorkDir = workdir
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// newRunner returns the command runner to use.
func newRunner(opts *options, config *vqlab.Config) vqlab.CommandRunner {
	if opts.dryRun {
		return &vqlab.DryRunner{Logger: log.Log}
	}
	return &vqlab.ExecRunner{Dir: config.WorkDir, Logger: log.Log}
}

// setupLogging logs on the terminal and into logdir/vqlab.log. The
// returned function closes the log file.
func setupLogging(verbose bool, logdir string) (func(), error) {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if err := os.MkdirAll(logdir, 0755); err != nil {
		return nil, err
	}
	filep, err := os.OpenFile(
		filepath.Join(logdir, "vqlab.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	log.SetHandler(multi.New(cli.New(os.Stderr), text.New(filep)))
	return func() {
		log.SetHandler(cli.New(os.Stderr))
		filep.Close()
	}, nil
}

// run runs the command until completion or until the context is done.
func run(ctx context.Context, opts *options, config *vqlab.Config) error {
	runner := newRunner(opts, config)

	if opts.cleanup {
		vqlab.Cleanup(ctx, &vqlab.CleanupConfig{
			HostNames:       config.HostNames(),
			Logger:          log.Log,
			NamespacePrefix: config.Topology.NamespacePrefix,
			Runner:          runner,
			SwitchKind:      config.Topology.SwitchKind,
			SwitchName:      config.Topology.SwitchName,
		})
		return nil
	}

	results, err := vqlab.OpenResultsStore(config.LogDir, log.Log)
	if err != nil {
		return err
	}
	defer results.Close()

	runID := uuid.NewString()
	progress := vqlab.NewProgress(runID, config.TotalTrials())
	if config.StatusAddr != "" {
		srv := vqlab.NewStatusServer(progress, log.Log)
		go func() {
			if err := srv.ListenAndServe(config.StatusAddr); err != nil {
				log.WithError(err).Warn("status server")
			}
		}()
		defer srv.Shutdown()
	}

	trials := &vqlab.StreamTrialRunner{
		Config:   config,
		Interact: nil,
		Logger:   log.Log,
		Runner:   runner,
	}
	if config.Interactive {
		trials.Interact = func(ctx context.Context, topology *vqlab.StarTopology) error {
			shell := &vqlab.Shell{
				HistoryFile: filepath.Join(config.LogDir, ".vqlab_history"),
				Out:         os.Stdout,
				Topology:    topology,
			}
			return shell.Run(ctx)
		}
	}

	campaign := &vqlab.Campaign{
		Config: config,
		DryRun: opts.dryRun,
		Logger: log.Log,
		Meter: &vqlab.SSIMMeter{
			FFmpeg: config.SSIM.FFmpeg,
			Logger: log.Log,
			Runner: runner,
		},
		Progress: progress,
		Results:  results,
		RunID:    runID,
		Trials:   trials,
	}
	t0 := time.Now()
	summary, err := campaign.Run(ctx)
	if err != nil {
		return err
	}
	for _, vs := range summary.Videos {
		for _, bs := range vs.Bandwidths {
			for _, ps := range bs.Pairs {
				log.Infof("Video %s BW %s pair %d: mean SSIM %f (%d/%d valid)",
					vs.Video, vqlab.FormatBandwidth(bs.Bandwidth), ps.Pair,
					ps.MeanOrNaN(), ps.Valid, len(ps.Scores))
			}
		}
	}
	log.Infof("campaign %s done in %s", runID, time.Since(t0).Round(time.Second))
	return nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.WithError(err).Fatal("parseFlags")
	}

	config, err := loadConfig(opts)
	if err != nil {
		log.WithError(err).Fatal("loadConfig")
	}

	closeLog, err := setupLogging(opts.verbose, config.LogDir)
	if err != nil {
		log.WithError(err).Fatal("setupLogging")
	}
	defer closeLog()

	// make sure ^C tears down the network rather than leaving it behind
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, config); err != nil {
		closeLog()
		log.WithError(err).Fatal("vqlab")
	}
}
