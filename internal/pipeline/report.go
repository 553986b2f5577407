package pipeline

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/spinwatch/internal/delivery"
)

// Pipeline names.
const (
	NameIngestion  = "ingestion"
	NameLargeScale = "largescale"
)

// RunStatus is the final state of a run.
type RunStatus string

const (
	RunStatusOK      RunStatus = "ok"
	RunStatusAborted RunStatus = "aborted"
)

// RunReport summarises one pass.
type RunReport struct {
	RunID      string                   `json:"run_id"`
	Pipeline   string                   `json:"pipeline"`
	Status     RunStatus                `json:"status"`
	Error      string                   `json:"error,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Seen       int                      `json:"seen"`
	New        int                      `json:"new"`
	Skipped    int                      `json:"skipped"`
	Failed     int                      `json:"failed"`
	Deliveries map[delivery.Outcome]int `json:"deliveries"`
}

// Duration is the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func newReport(pipeline string) RunReport {
	return RunReport{
		RunID:      ulid.Make().String(),
		Pipeline:   pipeline,
		Status:     RunStatusOK,
		StartedAt:  time.Now().UTC(),
		Deliveries: make(map[delivery.Outcome]int),
	}
}

func (r *RunReport) abort(err error) {
	r.Status = RunStatusAborted
	r.Error = err.Error()
}

func (r *RunReport) addDelivery(rep delivery.Report) {
	r.Deliveries[rep.Outcome]++
}

// lastRun keeps the most recent report of a pipeline.
type lastRun struct {
	mu     sync.Mutex
	report RunReport
	ok     bool
}

func (l *lastRun) set(r RunReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.report = r
	l.ok = true
}

func (l *lastRun) get() (RunReport, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.report, l.ok
}
