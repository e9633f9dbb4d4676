package vqlab

//
// Progress reporting
//

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// ProgressSnapshot is a copy of the campaign progress.
type ProgressSnapshot struct {
	Bandwidth  float64   `json:"bandwidth"`
	Completed  int       `json:"completed"`
	LastScores []float64 `json:"last_scores"`
	Phase      string    `json:"phase"`
	RunID      string    `json:"run_id"`
	Started    time.Time `json:"started"`
	Total      int       `json:"total"`
	Trial      int       `json:"trial"`
	Video      string    `json:"video"`
}

// Progress phases.
const (
	PhaseIdle      = "idle"
	PhaseStreaming = "streaming"
	PhaseMeasuring = "measuring"
	PhaseDone      = "done"
)

// Progress tracks the campaign progress. It is safe to use from
// multiple goroutines. Use [NewProgress] to instantiate.
type Progress struct {
	mu      sync.Mutex
	snap    ProgressSnapshot
	summary []byte
}

// NewProgress creates a new [Progress] instance.
func NewProgress(runID string, total int) *Progress {
	return &Progress{
		snap: ProgressSnapshot{
			Phase:   PhaseIdle,
			RunID:   runID,
			Started: time.Now(),
			Total:   total,
		},
		summary: []byte("{}"),
	}
}

// StartTrial records that we are streaming the given trial.
func (p *Progress) StartTrial(video string, bandwidth float64, trial int) {
	p.mu.Lock()
	p.snap.Video = video
	p.snap.Bandwidth = bandwidth
	p.snap.Trial = trial
	p.snap.Phase = PhaseStreaming
	p.mu.Unlock()
}

// SetPhase sets the current phase.
func (p *Progress) SetPhase(phase string) {
	p.mu.Lock()
	p.snap.Phase = phase
	p.mu.Unlock()
}

// FinishTrial records the scores of the current trial.
func (p *Progress) FinishTrial(scores []float64) {
	p.mu.Lock()
	p.snap.Completed++
	p.snap.LastScores = append([]float64{}, scores...)
	p.mu.Unlock()
}

// SetSummary records the current summary. We serialize it immediately
// because the caller continues to modify it.
func (p *Progress) SetSummary(summary *Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.summary = data
	p.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the progress.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.snap
	snap.LastScores = append([]float64{}, p.snap.LastScores...)
	return snap
}

// SummaryJSON returns the last summary serialized as JSON.
func (p *Progress) SummaryJSON() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte{}, p.summary...)
}

// StatusServer serves the campaign progress over HTTP. The zero
// value is invalid; use [NewStatusServer] to instantiate.
type StatusServer struct {
	logger   Logger
	progress *Progress
	server   *fasthttp.Server
}

// NewStatusServer creates a new [StatusServer] instance.
func NewStatusServer(progress *Progress, logger Logger) *StatusServer {
	s := &StatusServer{
		logger:   logger,
		progress: progress,
	}
	s.server = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "vqlab",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handle is the fasthttp request handler. It serves the progress at
// /status and the summary at /summary.
func (s *StatusServer) Handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	var body []byte
	switch string(ctx.Path()) {
	case "/status":
		data, err := json.Marshal(s.progress.Snapshot())
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
			return
		}
		body = data
	case "/summary":
		body = s.progress.SummaryJSON()
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

// ListenAndServe serves requests on addr until [StatusServer.Shutdown].
func (s *StatusServer) ListenAndServe(addr string) error {
	s.logger.Infof("vqlab: serving status at http://%s/status", addr)
	return s.server.ListenAndServe(addr)
}

// Shutdown stops the server.
func (s *StatusServer) Shutdown() error {
	return s.server.Shutdown()
}
