package training

import (
	"sort"
	"sync"
	"time"
)

// PoolStatus marks whether a candidate-search round is currently running.
type PoolStatus string

const (
	PoolActive   PoolStatus = "active"
	PoolInactive PoolStatus = "inactive"
)

// Candidate is one in-flight candidate unit. A candidate lives for one
// search round and is exclusively owned by the pool.
type Candidate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Correlation float64   `json:"correlation"`
	Loss        float64   `json:"loss"`
	Accuracy    float64   `json:"accuracy"`
	Precision   float64   `json:"precision"`
	Recall      float64   `json:"recall"`
	F1          float64   `json:"f1"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PoolMetrics aggregates candidate scores. All averages are zero when the
// pool is empty.
type PoolMetrics struct {
	Count        int     `json:"count"`
	AvgLoss      float64 `json:"avg_loss"`
	AvgAccuracy  float64 `json:"avg_accuracy"`
	AvgPrecision float64 `json:"avg_precision"`
	AvgRecall    float64 `json:"avg_recall"`
	AvgF1        float64 `json:"avg_f1"`
}

// PoolUpdate is a partial update; nil fields leave prior values untouched.
type PoolUpdate struct {
	Status     *PoolStatus
	Phase      *Phase
	Size       *int
	Iterations *int
	Progress   *float64
	Target     *float64
}

// PoolSnapshot is a copied view of the pool's scalar state.
type PoolSnapshot struct {
	Status         PoolStatus `json:"status"`
	Phase          Phase      `json:"phase"`
	Size           int        `json:"size"`
	Iterations     int        `json:"iterations"`
	Progress       float64    `json:"progress"`
	Target         float64    `json:"target"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	CandidateCount int        `json:"candidate_count"`
}

// CandidatePool is a thread-safe scoreboard of in-flight candidate units.
type CandidatePool struct {
	mu         sync.Mutex
	candidates map[string]Candidate
	status     PoolStatus
	phase      Phase
	size       int
	iterations int
	progress   float64
	target     float64
	activeAt   time.Time
}

func NewCandidatePool() *CandidatePool {
	return &CandidatePool{
		candidates: make(map[string]Candidate),
		status:     PoolInactive,
		phase:      PhaseIdle,
	}
}

// AddCandidate upserts by id: re-adding an existing id updates the entry in
// place and never grows the pool.
func (p *CandidatePool) AddCandidate(c Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	p.candidates[c.ID] = c
}

// GetTopN returns at most n candidates sorted by correlation descending,
// ties broken by most recent update. Callers receive copies.
func (p *CandidatePool) GetTopN(n int) []Candidate {
	p.mu.Lock()
	ranked := make([]Candidate, 0, len(p.candidates))
	for _, c := range p.candidates {
		ranked = append(ranked, c)
	}
	p.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Correlation != ranked[j].Correlation {
			return ranked[i].Correlation > ranked[j].Correlation
		}
		return ranked[i].UpdatedAt.After(ranked[j].UpdatedAt)
	})

	if n < 0 {
		n = 0
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

func (p *CandidatePool) GetPoolMetrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := PoolMetrics{Count: len(p.candidates)}
	if m.Count == 0 {
		return m
	}
	for _, c := range p.candidates {
		m.AvgLoss += c.Loss
		m.AvgAccuracy += c.Accuracy
		m.AvgPrecision += c.Precision
		m.AvgRecall += c.Recall
		m.AvgF1 += c.F1
	}
	n := float64(m.Count)
	m.AvgLoss /= n
	m.AvgAccuracy /= n
	m.AvgPrecision /= n
	m.AvgRecall /= n
	m.AvgF1 /= n
	return m
}

// UpdatePool applies the non-nil fields. Transitioning to active starts the
// elapsed-time clock only if one is not already running; transitioning to
// inactive resets elapsed time to zero.
func (p *CandidatePool) UpdatePool(u PoolUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.Status != nil {
		switch *u.Status {
		case PoolActive:
			if p.activeAt.IsZero() {
				p.activeAt = time.Now()
			}
		case PoolInactive:
			p.activeAt = time.Time{}
		}
		p.status = *u.Status
	}
	if u.Phase != nil {
		p.phase = *u.Phase
	}
	if u.Size != nil {
		p.size = *u.Size
	}
	if u.Iterations != nil {
		p.iterations = *u.Iterations
	}
	if u.Progress != nil {
		p.progress = *u.Progress
	}
	if u.Target != nil {
		p.target = *u.Target
	}
}

// Clear resets all scalar fields and drops all candidates.
func (p *CandidatePool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.candidates = make(map[string]Candidate)
	p.status = PoolInactive
	p.phase = PhaseIdle
	p.size = 0
	p.iterations = 0
	p.progress = 0
	p.target = 0
	p.activeAt = time.Time{}
}

func (p *CandidatePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *CandidatePool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var elapsed float64
	if !p.activeAt.IsZero() {
		elapsed = time.Since(p.activeAt).Seconds()
	}
	return PoolSnapshot{
		Status:         p.status,
		Phase:          p.phase,
		Size:           p.size,
		Iterations:     p.iterations,
		Progress:       p.progress,
		Target:         p.target,
		ElapsedSeconds: elapsed,
		CandidateCount: len(p.candidates),
	}
}
