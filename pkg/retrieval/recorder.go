package retrieval

import (
	"sync"
	"time"

	"github.com/harun/recall/pkg/memory"
)

// Recorder accumulates fact access counts off the retrieval hot path. The
// maintenance sweep drains it into the store periodically, so retrieval
// itself never writes.
type Recorder struct {
	mu    sync.Mutex
	stats map[string]memory.AccessStat
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{stats: make(map[string]memory.AccessStat)}
}

// Record notes one retrieval inclusion of the fact.
func (r *Recorder) Record(memoryID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stat := r.stats[memoryID]
	stat.Count++
	if at.After(stat.Last) {
		stat.Last = at
	}
	r.stats[memoryID] = stat
}

// Drain returns the accumulated stats and resets the recorder.
func (r *Recorder) Drain() map[string]memory.AccessStat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	r.stats = make(map[string]memory.AccessStat)
	return out
}
