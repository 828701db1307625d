// Package async provides background indexing with pollable progress.
package async

import (
	"sync"
	"time"
)

// IndexingStatus represents the overall indexing state.
type IndexingStatus string

const (
	// StatusIndexing indicates indexing is in progress.
	StatusIndexing IndexingStatus = "indexing"
	// StatusReady indicates indexing is complete and search is current.
	StatusReady IndexingStatus = "ready"
	// StatusError indicates indexing failed.
	StatusError IndexingStatus = "error"
)

// IndexingStage represents the current stage of an indexing run.
type IndexingStage string

const (
	// StageScanning indicates the document discovery phase.
	StageScanning IndexingStage = "scanning"
	// StageIndexing indicates the chunk/embed/store phase.
	StageIndexing IndexingStage = "indexing"
	// StageCleanup indicates removal of vanished documents.
	StageCleanup IndexingStage = "cleanup"
)

// ProgressSnapshot is an immutable snapshot of indexing progress.
type ProgressSnapshot struct {
	Status         string  `json:"status"`
	Stage          string  `json:"stage"`
	DocumentsTotal int     `json:"documents_total"`
	DocumentsDone  int     `json:"documents_done"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// Progress tracks an indexing run. Safe for concurrent use: the run
// updates it, pollers snapshot it.
type Progress struct {
	mu sync.RWMutex

	status       IndexingStatus
	stage        IndexingStage
	total        int
	done         int
	startTime    time.Time
	errorMessage string
}

// NewProgress creates a tracker initialized to the scanning stage.
func NewProgress() *Progress {
	return &Progress{
		status:    StatusIndexing,
		stage:     StageScanning,
		startTime: time.Now(),
	}
}

// SetStage moves to a new stage with a fresh document total.
func (p *Progress) SetStage(stage IndexingStage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
	p.total = total
	p.done = 0
}

// Update records the number of documents processed so far.
func (p *Progress) Update(done int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = done
}

// SetError marks the run as failed.
func (p *Progress) SetError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusError
	p.errorMessage = message
}

// SetReady marks the run as complete.
func (p *Progress) SetReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusReady
}

// IsIndexing reports whether the run is still in progress.
func (p *Progress) IsIndexing() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == StatusIndexing
}

// Snapshot returns an immutable copy of the current state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pct float64
	if p.total > 0 {
		pct = float64(p.done) / float64(p.total) * 100.0
	}
	return ProgressSnapshot{
		Status:         string(p.status),
		Stage:          string(p.stage),
		DocumentsTotal: p.total,
		DocumentsDone:  p.done,
		ProgressPct:    pct,
		ElapsedSeconds: int(time.Since(p.startTime).Seconds()),
		ErrorMessage:   p.errorMessage,
	}
}
