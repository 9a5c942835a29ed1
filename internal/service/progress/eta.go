package progress

import (
	"sync"
	"time"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

// defaultItemDuration seeds the estimate for a job type with no history yet.
var defaultItemDuration = map[domain.JobType]time.Duration{
	domain.JobTypeSong:       30 * time.Second,
	domain.JobTypePlaylist:   25 * time.Second,
	domain.JobTypeBackground: 20 * time.Second,
}

const historySize = 100

// ETACalculator keeps a per-job-type ring of recently observed per-item
// durations and derives remaining-time estimates from them.
type ETACalculator struct {
	mu      sync.Mutex
	history map[domain.JobType]*durationRing
}

// NewETACalculator returns an empty calculator.
func NewETACalculator() *ETACalculator {
	return &ETACalculator{history: make(map[domain.JobType]*durationRing)}
}

// Record stores one observed per-item duration for the job type.
func (c *ETACalculator) Record(jobType domain.JobType, perItem time.Duration) {
	if perItem <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.history[jobType]
	if r == nil {
		r = newDurationRing(historySize)
		c.history[jobType] = r
	}
	r.push(perItem)
}

// Estimate returns the expected remaining duration for a job. With no
// completed items yet it falls back to the type's history average, or the
// built-in default when the ring is empty. Once any item has completed the
// job's own live rate wins.
func (c *ETACalculator) Estimate(jobType domain.JobType, completed, total int, elapsed time.Duration) time.Duration {
	remaining := total - completed
	if remaining <= 0 {
		return 0
	}
	if completed > 0 {
		perItem := elapsed / time.Duration(completed)
		return time.Duration(remaining) * perItem
	}
	return time.Duration(remaining) * c.TypicalItemDuration(jobType)
}

// TypicalItemDuration returns the expected per-item duration for the job
// type: the history average when observations exist, the built-in default
// otherwise.
func (c *ETACalculator) TypicalItemDuration(jobType domain.JobType) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.history[jobType]; r != nil && r.len() > 0 {
		return r.average()
	}
	if d, ok := defaultItemDuration[jobType]; ok {
		return d
	}
	return 30 * time.Second
}

// durationRing is a fixed-capacity ring buffer of durations.
type durationRing struct {
	buf  []time.Duration
	next int
	full bool
}

func newDurationRing(capacity int) *durationRing {
	return &durationRing{buf: make([]time.Duration, capacity)}
}

func (r *durationRing) push(d time.Duration) {
	r.buf[r.next] = d
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *durationRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *durationRing) average() time.Duration {
	n := r.len()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += r.buf[i]
	}
	return sum / time.Duration(n)
}
