package vqlab

//
// Experiment campaign
//

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Meter measures the quality of a received video.
type Meter interface {
	Measure(ctx context.Context, pair *SSIMPair) (float64, error)
}

var _ Meter = &SSIMMeter{}

// Campaign runs all the trials for all the videos and bandwidths. The zero
// value is invalid; please, initialize all the MANDATORY fields.
type Campaign struct {
	// Config is the MANDATORY configuration.
	Config *Config

	// DryRun OPTIONALLY indicates that we must not modify the files
	// below the working directory (i.e., rewrite the pipelines file
	// and remove the files of the previous trial).
	DryRun bool

	// Logger is the MANDATORY logger.
	Logger Logger

	// Meter is the MANDATORY quality meter.
	Meter Meter

	// Progress is the OPTIONAL progress tracker.
	Progress *Progress

	// Results is the MANDATORY results store.
	Results *ResultsStore

	// RunID is the OPTIONAL campaign ID. If empty, we generate one.
	RunID string

	// Trials is the MANDATORY trial runner.
	Trials TrialRunner
}

// Run runs the campaign. It returns early only when the context is done
// or we cannot store results; failed trials and failed measurements are
// logged and recorded as [NoScore].
func (c *Campaign) Run(ctx context.Context) (*Summary, error) {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	summary := &Summary{
		RunID:   c.RunID,
		Started: time.Now(),
	}
	c.Logger.Infof("vqlab: campaign %s: %d trials", c.RunID, c.Config.TotalTrials())
	for _, video := range c.Config.Videos {
		vs, err := c.runVideo(ctx, video)
		if vs != nil {
			summary.Videos = append(summary.Videos, vs)
			c.saveSummary(summary)
		}
		if err != nil {
			return summary, err
		}
	}
	finished := time.Now()
	summary.Finished = &finished
	c.saveSummary(summary)
	if c.Progress != nil {
		c.Progress.SetPhase(PhaseDone)
	}
	return summary, nil
}

// saveSummary writes the summary and publishes it.
func (c *Campaign) saveSummary(summary *Summary) {
	if err := c.Results.WriteSummary(summary); err != nil {
		c.Logger.Warnf("vqlab: cannot write summary: %s", err.Error())
	}
	if c.Progress != nil {
		_ = c.Progress.SetSummary(summary)
	}
}

// runVideo runs all the trials of a video.
func (c *Campaign) runVideo(ctx context.Context, video string) (*VideoSummary, error) {
	pairs := c.pairs()

	if c.Config.Pipeline.File != "" {
		pc := c.Config.Pipeline
		pc.File = c.resolve(pc.File)
		var sinks []string
		for _, pair := range c.Config.SSIM.Pairs {
			sinks = append(sinks, pair.Original)
		}
		if c.DryRun {
			c.Logger.Infof("vqlab: [dry-run] would make %s stream %s", pc.File, video)
		} else {
			if err := RewritePipelines(&pc, video, sinks); err != nil {
				return nil, err
			}
			c.Logger.Infof("vqlab: %s now streams %s", pc.File, video)
		}
	}

	vs := &VideoSummary{Video: video}
	means := make([][]float64, len(pairs))
	for _, bandwidth := range c.Config.Bandwidths {
		bs, err := c.runBandwidth(ctx, video, bandwidth, pairs)
		if bs != nil {
			vs.Bandwidths = append(vs.Bandwidths, bs)
			for idx, ps := range bs.Pairs {
				means[idx] = append(means[idx], ps.MeanOrNaN())
			}
		}
		if err != nil {
			return vs, err
		}
	}

	for idx, values := range means {
		c.Logger.Infof("vqlab: Video %s: pair %d: mean SSIM per bandwidth: %v", video, idx+1, values)
	}
	if err := c.Results.SaveScores(c.Results.VideoDir(video), means); err != nil {
		return vs, err
	}
	return vs, nil
}

// runBandwidth runs all the trials of a video at the given bandwidth.
func (c *Campaign) runBandwidth(
	ctx context.Context, video string, bandwidth float64, pairs []*SSIMPair) (*BandwidthSummary, error) {
	scores := make([][]float64, len(pairs))
	frames := make([][]*FrameStats, len(pairs))
	for trial := 0; trial < c.Config.Trials; trial++ {
		rec, err := c.runTrial(ctx, video, bandwidth, trial, pairs)
		if err != nil {
			return nil, err
		}
		for idx, value := range rec.Scores {
			scores[idx] = append(scores[idx], value)
			frames[idx] = append(frames[idx], rec.Frames[idx])
		}
	}
	bs := &BandwidthSummary{Bandwidth: bandwidth}
	for idx, values := range scores {
		ps := SummarizeScores(idx+1, values, c.Config.ExcludeFailed)
		ps.Frames = frames[idx]
		bs.Pairs = append(bs.Pairs, ps)
	}
	if err := c.Results.SaveScores(c.Results.BandwidthDir(video, bandwidth), scores); err != nil {
		return bs, err
	}
	return bs, nil
}

// runTrial runs a trial and measures the received videos.
func (c *Campaign) runTrial(
	ctx context.Context, video string, bandwidth float64, trial int, pairs []*SSIMPair) (*TrialRecord, error) {
	c.Logger.Infof(
		"vqlab: ******** Video %s No.%d/%d, BW %s ********",
		video, trial+1, c.Config.Trials, FormatBandwidth(bandwidth),
	)
	if c.Progress != nil {
		c.Progress.StartTrial(video, bandwidth, trial)
	}

	// remove the files of the previous trial so that a failed trial
	// cannot be scored using stale files
	for _, pair := range pairs {
		for _, filename := range []string{pair.Original, pair.Distorted, pair.StatsFile} {
			if c.DryRun {
				c.Logger.Debugf("vqlab: [dry-run] would remove %s", filename)
				continue
			}
			if err := os.Remove(filename); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.Logger.Warnf("vqlab: cannot remove %s: %s", filename, err.Error())
			}
		}
	}

	trialDir := c.Results.TrialDir(video, bandwidth, trial)
	if err := os.MkdirAll(trialDir, 0755); err != nil {
		return nil, err
	}

	spec := &TrialSpec{
		Bandwidth: bandwidth,
		Index:     trial,
		Video:     video,
	}
	if c.Config.Capture {
		spec.CaptureFile = filepath.Join(trialDir, "capture.pcap")
	}
	trialErr := c.Trials.RunTrial(ctx, spec)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if trialErr != nil {
		c.Logger.Warnf("vqlab: trial failed: %s", trialErr.Error())
	}
	if spec.CaptureFile != "" {
		if cs, err := SummarizePCAP(spec.CaptureFile); err == nil {
			c.Logger.Infof(
				"vqlab: captured %d packets (%d UDP) at %.2f Mbit/s",
				cs.Packets, cs.UDPPackets, cs.Mbps(),
			)
		}
	}

	if err := sleepContext(ctx, c.Config.Stream.PostTrialDelay); err != nil {
		return nil, err
	}

	if c.Progress != nil {
		c.Progress.SetPhase(PhaseMeasuring)
	}
	rec := &TrialRecord{
		Bandwidth: bandwidth,
		Err:       trialErr,
		Trial:     trial,
		Video:     video,
	}
	for idx, pair := range pairs {
		score, err := c.Meter.Measure(ctx, pair)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			c.Logger.Warnf("vqlab: pair %d: %s", idx+1, err.Error())
		}
		var frames *FrameStats
		if fs, err := ParseStatsFile(pair.StatsFile); err == nil && fs.Frames > 0 {
			c.Logger.Debugf("vqlab: pair %d: %d frames, min SSIM %f", idx+1, fs.Frames, fs.Min)
			frames = fs
		}
		rec.Scores = append(rec.Scores, score)
		rec.Frames = append(rec.Frames, frames)
	}

	archived := []string{
		c.resolve(c.Config.Stream.ServerStderr),
		c.resolve(c.Config.Stream.ClientStderr),
	}
	for _, pair := range pairs {
		archived = append(archived, pair.StatsFile)
	}
	if err := c.Results.ArchiveFiles(trialDir, nonEmpty(archived)...); err != nil {
		return nil, err
	}

	if err := c.Results.AppendTrial(rec); err != nil {
		return nil, err
	}
	if c.Progress != nil {
		c.Progress.FinishTrial(rec.Scores)
	}
	return rec, nil
}

// pairs returns the SSIM pairs with paths resolved against the working directory.
func (c *Campaign) pairs() []*SSIMPair {
	var out []*SSIMPair
	for _, pair := range c.Config.SSIM.Pairs {
		out = append(out, &SSIMPair{
			Original:  c.resolve(pair.Original),
			Distorted: c.resolve(pair.Distorted),
			StatsFile: c.resolve(pair.StatsFile),
		})
	}
	return out
}

// resolve resolves a relative path against the working directory. The
// result is absolute since the runner may run ffmpeg inside WorkDir.
func (c *Campaign) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	path = filepath.Join(c.Config.WorkDir, path)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func nonEmpty(list []string) (out []string) {
	for _, e := range list {
		if e != "" {
			out = append(out, e)
		}
	}
	return
}
