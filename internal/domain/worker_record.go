package domain

import "time"

// WorkerRecord tracks one media worker's bookkeeping for selection scoring.
// It is a plain struct, not the worker handle itself — the handle lives
// behind the mediasfu.Worker interface, which abstracts pid() rather than
// depending on internal process layout.
type WorkerRecord struct {
	ID         int
	Pid        int
	Online     bool
	Routers    int
	Transports int
	CPUPercent float64
	Score      float64
	LastSample time.Time
}

// IsOverloaded reports whether this worker should be skipped by
// pickForRoom/pickLeastLoaded.
func (w *WorkerRecord) IsOverloaded(threshold float64) bool {
	return !w.Online || w.Score >= threshold
}
