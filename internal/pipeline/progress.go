package pipeline

import (
	"sync"
	"time"
)

// Phase is the current stage of a bulk indexing run.
type Phase string

const (
	// PhaseIdle means no run is active.
	PhaseIdle Phase = "idle"
	// PhaseScanning is the vault discovery stage.
	PhaseScanning Phase = "scanning"
	// PhaseIndexing is the per-document processing stage.
	PhaseIndexing Phase = "indexing"
	// PhaseComplete means the run finished.
	PhaseComplete Phase = "complete"
)

// Snapshot is an immutable view of bulk indexing progress.
type Snapshot struct {
	Phase          Phase   `json:"phase"`
	Total          int     `json:"total"`
	Done           int     `json:"done"`
	Errors         int     `json:"errors"`
	CurrentPath    string  `json:"current_path,omitempty"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
}

// progress tracks one bulk run and fans snapshots out to subscribers.
type progress struct {
	mu sync.RWMutex

	phase       Phase
	total       int
	done        int
	errs        int
	currentPath string
	startTime   time.Time

	subscribers []chan Snapshot
}

func newProgress() *progress {
	return &progress{
		phase:     PhaseScanning,
		startTime: time.Now(),
	}
}

func (p *progress) setPhase(phase Phase, total int) {
	p.mu.Lock()
	p.phase = phase
	p.total = total
	p.mu.Unlock()
	p.publish()
}

func (p *progress) advance(path string, failed bool) {
	p.mu.Lock()
	p.done++
	if failed {
		p.errs++
	}
	p.currentPath = path
	p.mu.Unlock()
	p.publish()
}

func (p *progress) complete() {
	p.mu.Lock()
	p.phase = PhaseComplete
	p.currentPath = ""
	p.mu.Unlock()
	p.publish()
}

// snapshot returns an immutable copy of the current state.
func (p *progress) snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pct float64
	if p.total > 0 {
		pct = float64(p.done) / float64(p.total) * 100.0
	}
	return Snapshot{
		Phase:          p.phase,
		Total:          p.total,
		Done:           p.done,
		Errors:         p.errs,
		CurrentPath:    p.currentPath,
		ProgressPct:    pct,
		ElapsedSeconds: int(time.Since(p.startTime).Seconds()),
	}
}

// subscribe registers a snapshot channel. Slow subscribers miss updates
// rather than stalling the run.
func (p *progress) subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 16)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

func (p *progress) publish() {
	snap := p.snapshot()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (p *progress) closeSubscribers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
}
