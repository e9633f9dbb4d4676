package vqlab

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bassosimone/vqlab/internal"
	"github.com/google/go-cmp/cmp"
)

// fakeTrialRunner is a [TrialRunner] writing the files a real trial writes.
type fakeTrialRunner struct {
	config *Config
	err    error
	specs  []*TrialSpec

	// videos indicates whether to also write the sent and received videos.
	videos bool
}

func (f *fakeTrialRunner) RunTrial(ctx context.Context, spec *TrialSpec) error {
	f.specs = append(f.specs, spec)
	names := []string{f.config.Stream.ServerStderr, f.config.Stream.ClientStderr}
	if f.videos {
		for _, pair := range f.config.SSIM.Pairs {
			names = append(names, pair.Original, pair.Distorted)
		}
	}
	for _, name := range names {
		content := []byte(spec.Video + "\n")
		if err := os.WriteFile(filepath.Join(f.config.WorkDir, name), content, 0600); err != nil {
			return err
		}
	}
	return f.err
}

// chdirForTest changes the working directory until the end of the test.
func chdirForTest(t *testing.T, dir string) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(cwd); err != nil {
			t.Fatal(err)
		}
	})
}

// fakeMeter is a [Meter] returning predefined scores.
type fakeMeter struct {
	mu     sync.Mutex
	pairs  []*SSIMPair
	scores []float64
}

func (f *fakeMeter) Measure(ctx context.Context, pair *SSIMPair) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs = append(f.pairs, pair)
	if err := os.WriteFile(pair.StatsFile, []byte("n:1 Y:0.9 U:0.9 V:0.9 All:0.9 (10.0)\n"), 0600); err != nil {
		return NoScore, err
	}
	if len(f.scores) <= 0 {
		return NoScore, ErrNoSSIM
	}
	score := f.scores[0]
	f.scores = f.scores[1:]
	if score == NoScore {
		return NoScore, ErrNoSSIM
	}
	return score, nil
}

func TestCampaign(t *testing.T) {
	newCampaign := func(t *testing.T, scores []float64) (*Campaign, *fakeTrialRunner, *fakeMeter, *internal.MemoryLogger) {
		config := newTestTrialConfig(t)
		config.Bandwidths = []float64{10, 9}
		config.Trials = 2
		config.Videos = []string{"a.mp4"}
		if err := os.MkdirAll(filepath.Join(config.WorkDir, "video_src"), 0755); err != nil {
			t.Fatal(err)
		}
		logger := &internal.MemoryLogger{}
		results, err := OpenResultsStore(config.LogDir, logger)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { results.Close() })
		trials := &fakeTrialRunner{config: config}
		meter := &fakeMeter{scores: scores}
		c := &Campaign{
			Config:   config,
			Logger:   logger,
			Meter:    meter,
			Progress: NewProgress("run", config.TotalTrials()),
			Results:  results,
			RunID:    "run",
			Trials:   trials,
		}
		return c, trials, meter, logger
	}

	t.Run("we run all the trials and store the results", func(t *testing.T) {
		scores := []float64{
			0.9, 0.8, 0.7, 0.6, // BW 10
			0.5, NoScore, 0.3, 0.2, // BW 9
		}
		c, trials, meter, logger := newCampaign(t, scores)
		summary, err := c.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(trials.specs) != 4 {
			t.Fatal("unexpected number of trials", len(trials.specs))
		}
		if len(meter.pairs) != 8 {
			t.Fatal("unexpected number of measurements", len(meter.pairs))
		}
		if !logger.Contains("******** Video a.mp4 No.2/2, BW 9 ********") {
			t.Fatal("missing banner", logger.Lines())
		}

		bw10 := summary.Videos[0].Bandwidths[0]
		if diff := cmp.Diff([]float64{0.9, 0.7}, bw10.Pairs[0].Scores); diff != "" {
			t.Fatal(diff)
		}
		bw9 := summary.Videos[0].Bandwidths[1]
		if diff := cmp.Diff([]float64{NoScore, 0.2}, bw9.Pairs[1].Scores); diff != "" {
			t.Fatal(diff)
		}
		if bw9.Pairs[1].Valid != 1 || math.Abs(*bw9.Pairs[1].Mean-(-0.4)) > 1e-09 {
			t.Fatal("failures should count in the mean", bw9.Pairs[1])
		}
		if summary.Finished == nil {
			t.Fatal("the campaign should be finished")
		}

		rs := c.Results
		got, err := ReadNPY(filepath.Join(rs.BandwidthDir("a.mp4", 9), "ssim_1.npy"))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]float64{0.5, 0.3}, got); diff != "" {
			t.Fatal(diff)
		}
		means, err := ReadNPY(filepath.Join(rs.VideoDir("a.mp4"), "ssim_1.npy"))
		if err != nil {
			t.Fatal(err)
		}
		if len(means) != 2 || math.Abs(means[0]-0.8) > 1e-09 || math.Abs(means[1]-0.4) > 1e-09 {
			t.Fatal("unexpected means", means)
		}

		for _, name := range []string{"srv.log", "cli.log", "ssim_1.txt", "ssim_2.txt"} {
			if _, err := os.Stat(filepath.Join(rs.TrialDir("a.mp4", 10, 1), name)); err != nil {
				t.Fatal(err)
			}
		}
		for _, name := range []string{"summary.json", "results.csv"} {
			if _, err := os.Stat(filepath.Join(rs.Dir(), name)); err != nil {
				t.Fatal(err)
			}
		}

		snap := c.Progress.Snapshot()
		if snap.Completed != 4 || snap.Phase != PhaseDone {
			t.Fatal("unexpected progress", snap)
		}
	})

	t.Run("we record the per-frame statistics", func(t *testing.T) {
		c, _, _, _ := newCampaign(t, []float64{0.9, NoScore})
		c.Config.Trials = 1
		c.Config.Bandwidths = []float64{10}
		summary, err := c.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		// fakeMeter writes a single frame with SSIM 0.9
		frames := &FrameStats{Frames: 1, Min: 0.9, Mean: 0.9}
		ps := summary.Videos[0].Bandwidths[0].Pairs[1]
		if diff := cmp.Diff([]*FrameStats{frames}, ps.Frames); diff != "" {
			t.Fatal(diff)
		}

		filep, err := os.Open(filepath.Join(c.Results.Dir(), "results.csv"))
		if err != nil {
			t.Fatal(err)
		}
		defer filep.Close()
		rows, err := csv.NewReader(filep).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		expect := [][]string{
			{"video", "bandwidth", "trial", "pair", "ssim", "frames", "frame_min", "frame_mean", "trial_error"},
			{"a.mp4", "10", "0", "1", "0.9", "1", "0.9", "0.9", ""},
			{"a.mp4", "10", "0", "2", "-1", "1", "0.9", "0.9", ""},
		}
		if diff := cmp.Diff(expect, rows); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ffmpeg finds the videos with a relative workdir", func(t *testing.T) {
		sh, err := exec.LookPath("sh")
		if err != nil {
			t.Skip("needs sh")
		}
		c, trials, _, logger := newCampaign(t, nil)
		c.Config.Trials = 1
		c.Config.Bandwidths = []float64{10}
		base := c.Config.WorkDir
		chdirForTest(t, filepath.Dir(base))
		c.Config.WorkDir = filepath.Base(base)
		trials.videos = true

		// like ffmpeg, fail unless both videos exist
		ffmpeg := filepath.Join(c.Results.Dir(), "ffmpeg")
		script := "#!" + sh + "\n" +
			"[ -f \"$2\" ] && [ -f \"$4\" ] || { echo \"missing $2 $4\"; exit 1; }\n" +
			"echo \"SSIM Y:0.95 (13.0) U:0.95 (13.0) V:0.95 (13.0) All:0.95 (13.0)\"\n"
		if err := os.WriteFile(ffmpeg, []byte(script), 0700); err != nil {
			t.Fatal(err)
		}
		c.Meter = &SSIMMeter{
			FFmpeg: ffmpeg,
			Logger: logger,
			Runner: &ExecRunner{Dir: c.Config.WorkDir, Logger: logger},
		}

		summary, err := c.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		for _, ps := range summary.Videos[0].Bandwidths[0].Pairs {
			if diff := cmp.Diff([]float64{0.95}, ps.Scores); diff != "" {
				t.Fatal(diff, logger.Lines())
			}
		}
		for _, pair := range c.pairs() {
			if !filepath.IsAbs(pair.Original) || !filepath.IsAbs(pair.Distorted) || !filepath.IsAbs(pair.StatsFile) {
				t.Fatal("expected absolute paths", pair)
			}
		}
	})

	t.Run("a dry run leaves the working directory alone", func(t *testing.T) {
		c, _, _, logger := newCampaign(t, nil)
		c.DryRun = true
		c.Config.Trials = 1
		c.Config.Bandwidths = []float64{10}
		c.Config.Pipeline.File = "ppl.txt"
		c.Config.Pipeline.Template = "{{.Source}} > {{.Sink}}"
		c.Config.Pipeline.VideoDir = "src"
		pplfile := filepath.Join(c.Config.WorkDir, "ppl.txt")
		content := "p0\n1\n2\n3\n4\np1\n"
		if err := os.WriteFile(pplfile, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		stale := filepath.Join(c.Config.WorkDir, "video_src", "recv_0.yuv")
		if err := os.WriteFile(stale, []byte("stale"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(pplfile)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(content, string(data)); diff != "" {
			t.Fatal(diff)
		}
		if _, err := os.Stat(stale); err != nil {
			t.Fatal("the dry run removed the video", err)
		}
		if !logger.Contains("[dry-run] would make") {
			t.Fatal("did not log the skipped rewrite", logger.Lines())
		}
	})

	t.Run("we remove the videos of the previous trial", func(t *testing.T) {
		c, _, _, _ := newCampaign(t, nil)
		c.Config.Trials = 1
		c.Config.Bandwidths = []float64{10}
		stale := filepath.Join(c.Config.WorkDir, "video_src", "recv_0.yuv")
		if err := os.WriteFile(stale, []byte("stale"), 0600); err != nil {
			t.Fatal(err)
		}
		summary, err := c.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
			t.Fatal("the stale video still exists", err)
		}
		ps := summary.Videos[0].Bandwidths[0].Pairs[0]
		if ps.Valid != 0 || *ps.Mean != NoScore {
			t.Fatal("unexpected pair summary", ps)
		}
	})

	t.Run("failed trials are recorded and measured anyway", func(t *testing.T) {
		c, trials, meter, logger := newCampaign(t, []float64{0.9, 0.9})
		c.Config.Trials = 1
		c.Config.Bandwidths = []float64{10}
		c.Config.ExcludeFailed = true
		trials.err = errors.New("ovs-vsctl: database connection failed")
		summary, err := c.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(meter.pairs) != 2 {
			t.Fatal("unexpected number of measurements", len(meter.pairs))
		}
		if !logger.Contains("trial failed: ovs-vsctl: database connection failed") {
			t.Fatal("did not log the failure", logger.Lines())
		}
		data, err := os.ReadFile(filepath.Join(c.Results.Dir(), "results.csv"))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "database connection failed") {
			t.Fatal("results.csv does not mention the failure")
		}
		if summary.Videos[0].Bandwidths[0].Pairs[0].Valid != 1 {
			t.Fatal("unexpected summary")
		}
	})

	t.Run("we rewrite the pipelines file for each video", func(t *testing.T) {
		c, _, _, _ := newCampaign(t, nil)
		c.Config.Trials = 1
		c.Config.Bandwidths = []float64{10}
		c.Config.Videos = []string{"a.mp4", "b.mp4"}
		c.Config.Pipeline.File = "ppl.txt"
		c.Config.Pipeline.Template = "{{.Source}} > {{.Sink}}"
		c.Config.Pipeline.VideoDir = "src"
		pplfile := filepath.Join(c.Config.WorkDir, "ppl.txt")
		content := "p0\n1\n2\n3\n4\np1\n"
		if err := os.WriteFile(pplfile, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(pplfile)
		if err != nil {
			t.Fatal(err)
		}
		expect := "src/b.mp4 > ./video_src/send_0.yuv\n1\n2\n3\n4\nsrc/b.mp4 > ./video_src/send_1.yuv\n"
		if diff := cmp.Diff(expect, string(data)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("we stop when the context is done", func(t *testing.T) {
		c, trials, _, _ := newCampaign(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := c.Run(ctx); !errors.Is(err, context.Canceled) {
			t.Fatal("unexpected error", err)
		}
		if len(trials.specs) != 1 {
			t.Fatal("unexpected number of trials", len(trials.specs))
		}
	})
}
