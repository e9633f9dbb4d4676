package vqlab

//
// Storing results
//

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sbinet/npyio"
)

// FormatBandwidth formats a bandwidth for directory and file names (e.g., 10, 9.5).
func FormatBandwidth(bandwidth float64) string {
	return strconv.FormatFloat(bandwidth, 'f', -1, 64)
}

// ResultsStore stores the results of a campaign below a log directory. The
// zero value is invalid; use [OpenResultsStore] to instantiate.
type ResultsStore struct {
	// dir is the log directory.
	dir string

	// filep is the open results.csv file.
	filep *os.File

	// logger is the logger to use.
	logger Logger

	// w writes into filep.
	w *csv.Writer
}

// resultsHeader is the header of results.csv.
var resultsHeader = []string{
	"video", "bandwidth", "trial", "pair", "ssim", "frames", "frame_min", "frame_mean", "trial_error",
}

// OpenResultsStore creates dir, if needed, and opens dir/results.csv
// for appending, such that multiple campaigns accumulate rows.
func OpenResultsStore(dir string, logger Logger) (*ResultsStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	filename := filepath.Join(dir, "results.csv")
	filep, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	rs := &ResultsStore{
		dir:    dir,
		filep:  filep,
		logger: logger,
		w:      csv.NewWriter(filep),
	}
	stat, err := filep.Stat()
	if err != nil {
		filep.Close()
		return nil, err
	}
	if stat.Size() <= 0 {
		if err := rs.writeRows([][]string{resultsHeader}); err != nil {
			filep.Close()
			return nil, err
		}
	}
	return rs, nil
}

// Dir returns the log directory.
func (rs *ResultsStore) Dir() string {
	return rs.dir
}

// VideoDir returns the directory of the given video.
func (rs *ResultsStore) VideoDir(video string) string {
	return filepath.Join(rs.dir, "Video"+video)
}

// BandwidthDir returns the directory of the given video and bandwidth.
func (rs *ResultsStore) BandwidthDir(video string, bandwidth float64) string {
	return filepath.Join(rs.VideoDir(video), "BW"+FormatBandwidth(bandwidth))
}

// TrialDir returns the directory of the given trial.
func (rs *ResultsStore) TrialDir(video string, bandwidth float64, trial int) string {
	return filepath.Join(rs.BandwidthDir(video, bandwidth), fmt.Sprintf("iter%d", trial))
}

// TrialRecord contains the results of a trial.
type TrialRecord struct {
	// Bandwidth is the link bandwidth in Mbit/s.
	Bandwidth float64

	// Err is the error that occurred running the trial, if any.
	Err error

	// Frames contains the per-frame statistics of each pair. An entry
	// is nil when ffmpeg did not write the stats file.
	Frames []*FrameStats

	// Scores contains the SSIM of each pair, possibly [NoScore].
	Scores []float64

	// Trial is the zero-based trial index.
	Trial int

	// Video is the streamed video.
	Video string
}

// AppendTrial appends a row for each pair of the trial to results.csv.
func (rs *ResultsStore) AppendTrial(rec *TrialRecord) error {
	trialErr := ""
	if rec.Err != nil {
		trialErr = rec.Err.Error()
	}
	var rows [][]string
	for idx, score := range rec.Scores {
		var frames, frameMin, frameMean string
		if idx < len(rec.Frames) && rec.Frames[idx] != nil {
			frames = strconv.Itoa(rec.Frames[idx].Frames)
			frameMin = strconv.FormatFloat(rec.Frames[idx].Min, 'f', -1, 64)
			frameMean = strconv.FormatFloat(rec.Frames[idx].Mean, 'f', -1, 64)
		}
		rows = append(rows, []string{
			rec.Video,
			FormatBandwidth(rec.Bandwidth),
			strconv.Itoa(rec.Trial),
			strconv.Itoa(idx + 1),
			strconv.FormatFloat(score, 'f', -1, 64),
			frames,
			frameMin,
			frameMean,
			trialErr,
		})
	}
	return rs.writeRows(rows)
}

func (rs *ResultsStore) writeRows(rows [][]string) error {
	if err := rs.w.WriteAll(rows); err != nil {
		return err
	}
	return rs.filep.Sync()
}

// SaveScores saves scores[k] as dir/ssim_<k+1>.npy.
func (rs *ResultsStore) SaveScores(dir string, scores [][]float64) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for idx, values := range scores {
		filename := filepath.Join(dir, fmt.Sprintf("ssim_%d.npy", idx+1))
		if err := writeNPY(filename, values); err != nil {
			return err
		}
		rs.logger.Debugf("vqlab: saved %s", filename)
	}
	return nil
}

// writeNPY writes values into filename using the NumPy format.
func writeNPY(filename string, values []float64) error {
	if values == nil {
		values = []float64{}
	}
	filep, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := npyio.Write(filep, values); err != nil {
		filep.Close()
		return err
	}
	return filep.Close()
}

// ReadNPY reads a float64 vector saved using the NumPy format.
func ReadNPY(filename string) ([]float64, error) {
	filep, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer filep.Close()
	var values []float64
	if err := npyio.Read(filep, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// ArchiveFiles copies files into dir. Missing files are logged and
// skipped, since a failed trial may not produce all of them.
func (rs *ResultsStore) ArchiveFiles(dir string, files ...string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, src := range files {
		dst := filepath.Join(dir, filepath.Base(src))
		err := copyFile(dst, src)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			rs.logger.Warnf("vqlab: cannot archive %s: no such file", src)
		default:
			return err
		}
	}
	return nil
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// WriteSummary writes the summary into summary.json.
func (rs *ResultsStore) WriteSummary(summary *Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rs.dir, "summary.json"), data, 0644)
}

// Close flushes and closes results.csv.
func (rs *ResultsStore) Close() error {
	rs.w.Flush()
	if err := rs.w.Error(); err != nil {
		rs.filep.Close()
		return err
	}
	return rs.filep.Close()
}

// Summary summarizes a campaign.
type Summary struct {
	// RunID uniquely identifies the campaign.
	RunID string `json:"run_id"`

	// Started is when the campaign started.
	Started time.Time `json:"started"`

	// Finished is when the campaign finished, if it did.
	Finished *time.Time `json:"finished,omitempty"`

	// Videos contains the per-video results.
	Videos []*VideoSummary `json:"videos"`
}

// VideoSummary contains the results of a video.
type VideoSummary struct {
	Video      string              `json:"video"`
	Bandwidths []*BandwidthSummary `json:"bandwidths"`
}

// BandwidthSummary contains the results of a video at a given bandwidth.
type BandwidthSummary struct {
	Bandwidth float64        `json:"bandwidth"`
	Pairs     []*PairSummary `json:"pairs"`
}

// PairSummary contains the statistics of the scores of an SSIM pair.
type PairSummary struct {
	// Pair is the one-based pair index.
	Pair int `json:"pair"`

	// Scores contains all the scores, including failures.
	Scores []float64 `json:"scores"`

	// Frames contains the per-frame statistics of each trial, which
	// are null when unavailable.
	Frames []*FrameStats `json:"frames"`

	// Valid is the number of successful measurements.
	Valid int `json:"valid"`

	// Mean is the mean of the considered scores, if any.
	Mean *float64 `json:"mean,omitempty"`

	// Median is the median of the considered scores, if any.
	Median *float64 `json:"median,omitempty"`

	// StdDev is the standard deviation of the considered scores, if any.
	StdDev *float64 `json:"stddev,omitempty"`
}

// SummarizeScores computes the statistics of the given scores. When
// excludeFailed is true, we ignore [NoScore] values; otherwise, they
// count like any other score.
func SummarizeScores(pair int, scores []float64, excludeFailed bool) *PairSummary {
	ps := &PairSummary{
		Pair:   pair,
		Scores: append([]float64{}, scores...),
	}
	var considered []float64
	for _, score := range scores {
		if score != NoScore {
			ps.Valid++
		} else if excludeFailed {
			continue
		}
		considered = append(considered, score)
	}
	if len(considered) <= 0 {
		return ps
	}
	if v, err := stats.Mean(considered); err == nil {
		ps.Mean = &v
	}
	if v, err := stats.Median(considered); err == nil {
		ps.Median = &v
	}
	if v, err := stats.StandardDeviation(considered); err == nil {
		ps.StdDev = &v
	}
	return ps
}

// MeanOrNaN returns the mean or NaN when there is no mean.
func (ps *PairSummary) MeanOrNaN() float64 {
	if ps.Mean == nil {
		return math.NaN()
	}
	return *ps.Mean
}
