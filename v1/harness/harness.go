// Package harness drives many concurrent callers at one operation and
// reports how they fared. It is used to check that a guarded operation
// serializes callers and that its accounting adds up.
package harness

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config sizes a run.
type Config struct {
	// Callers is the number of calls made. Negative counts as zero.
	Callers int
	// Concurrency caps the calls in flight. Zero releases every caller at
	// once through a start gate.
	Concurrency int
}

// Report is the outcome of a run. Results holds one entry per caller, nil
// for success.
type Report struct {
	Results   []error
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// Count returns how many callers failed with an error matching target.
func (r Report) Count(target error) int {
	n := 0
	for _, err := range r.Results {
		if err != nil && stdErrors.Is(err, target) {
			n++
		}
	}
	return n
}

// Err joins every caller error, or returns nil when all succeeded.
func (r Report) Err() error {
	return stdErrors.Join(r.Results...)
}

// Run calls fn cfg.Callers times concurrently and waits for all of them.
// i is the caller's index.
func Run(ctx context.Context, cfg Config, fn func(ctx context.Context, i int) error) Report {
	if cfg.Callers < 0 {
		cfg.Callers = 0
	}
	results := make([]error, cfg.Callers)
	var g errgroup.Group
	gate := make(chan struct{})
	if cfg.Concurrency > 0 {
		g.SetLimit(cfg.Concurrency)
		close(gate)
	}

	start := time.Now()
	for i := 0; i < cfg.Callers; i++ {
		i := i
		g.Go(func() error {
			<-gate
			results[i] = fn(ctx, i)
			return nil
		})
	}
	if cfg.Concurrency <= 0 {
		start = time.Now()
		close(gate)
	}
	_ = g.Wait()

	r := Report{Results: results, Elapsed: time.Since(start)}
	for _, err := range results {
		if err == nil {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
	return r
}

// Occupancy tracks how many callers are inside a section at once.
type Occupancy struct {
	inside atomic.Int64
	max    atomic.Int64
}

// Enter marks a caller entering the section.
func (p *Occupancy) Enter() {
	n := p.inside.Add(1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			return
		}
	}
}

// Exit marks a caller leaving the section.
func (p *Occupancy) Exit() { p.inside.Add(-1) }

// Max returns the highest number of callers seen inside at once.
func (p *Occupancy) Max() int64 { return p.max.Load() }

// Inside returns the number of callers currently inside.
func (p *Occupancy) Inside() int64 { return p.inside.Load() }
