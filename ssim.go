package vqlab

//
// SSIM measurement using ffmpeg
//

import (
	"bufio"
	"context"
	"errors"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
)

// NoScore is the score of a failed SSIM measurement.
const NoScore = -1.0

// ErrNoSSIM indicates that ffmpeg did not print the overall SSIM.
var ErrNoSSIM = errors.New("vqlab: no SSIM in ffmpeg output")

// ssimAllRegexp matches the overall SSIM printed by ffmpeg's ssim filter
// (e.g., "SSIM Y:0.95 (13.3) U:0.98 (17.1) V:0.98 (17.4) All:0.962 (14.2)").
var ssimAllRegexp = regexp.MustCompile(`All:\s*(\d+\.?\d+)`)

// ParseSSIMOutput parses the output of ffmpeg's ssim filter. The score
// is on the last line of the output, which we also return because it
// is worth logging. On failure, the score is [NoScore].
func ParseSSIMOutput(output string) (string, float64, error) {
	lines := strings.Split(strings.TrimRight(output, "\r\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	match := ssimAllRegexp.FindStringSubmatch(last)
	if match == nil {
		return last, NoScore, ErrNoSSIM
	}
	score, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return last, NoScore, err
	}
	return last, score, nil
}

// SSIMCommand returns the ffmpeg command comparing the distorted
// video with the original and writing per-frame stats.
func SSIMCommand(ffmpeg string, pair *SSIMPair) []string {
	return []string{
		ffmpeg,
		"-i", pair.Distorted,
		"-i", pair.Original,
		"-lavfi", "ssim=stats_file=" + pair.StatsFile,
		"-f", "null", "-",
	}
}

// SSIMMeter measures the SSIM between sent and received videos. The
// zero value is invalid; please, initialize all the MANDATORY fields.
type SSIMMeter struct {
	// FFmpeg is the MANDATORY path of the ffmpeg binary.
	FFmpeg string

	// Logger is the MANDATORY logger.
	Logger Logger

	// Runner is the MANDATORY command runner.
	Runner CommandRunner
}

// Measure returns the overall SSIM of the given pair. On failure, it
// returns [NoScore] along with the error.
func (m *SSIMMeter) Measure(ctx context.Context, pair *SSIMPair) (float64, error) {
	// ffmpeg exits with failure when, e.g., a video is missing, but the
	// output is what tells us whether we have a score, so keep going
	out, err := m.Runner.CombinedOutput(ctx, SSIMCommand(m.FFmpeg, pair)...)
	if err != nil {
		m.Logger.Debugf("vqlab: ffmpeg: %s", err.Error())
	}
	last, score, err := ParseSSIMOutput(out)
	m.Logger.Info(last)
	return score, err
}

// FrameStats summarizes the per-frame SSIM written by ffmpeg.
type FrameStats struct {
	// Frames is the number of frames.
	Frames int `json:"frames"`

	// Min is the worst frame SSIM.
	Min float64 `json:"min"`

	// Mean is the average frame SSIM.
	Mean float64 `json:"mean"`
}

// ssimFrameRegexp matches the overall SSIM of a stats file line (e.g.,
// "n:1 Y:0.991 U:0.995 V:0.994 All:0.992 (21.1)").
var ssimFrameRegexp = regexp.MustCompile(`^n:\s*\d+ .*All:\s*(\d+(?:\.\d+)?)`)

// ParseStatsFile reads and summarizes an ffmpeg SSIM stats file.
func ParseStatsFile(filename string) (*FrameStats, error) {
	filep, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer filep.Close()
	var scores []float64
	scanner := bufio.NewScanner(filep)
	for scanner.Scan() {
		match := ssimFrameRegexp.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}
		scores = append(scores, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	fs := &FrameStats{Frames: len(scores)}
	if len(scores) <= 0 {
		return fs, nil
	}
	fs.Min, _ = stats.Min(scores)
	fs.Mean, _ = stats.Mean(scores)
	return fs, nil
}
