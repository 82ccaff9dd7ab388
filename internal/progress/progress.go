// Package progress maps deep-search phase completions to a 0-100
// user-facing percentage using fixed phase weights.
package progress

import (
	"math"
	"sync"
)

// Phase weights. They sum to 100.
const (
	analysisWeight  = 15
	researchWeight  = 40
	synthesisWeight = 25
	reportWeight    = 20
)

// Calculator tracks phase completion for one turn. The research weight
// is apportioned across the number of searches declared at analysis
// time. Progress is an estimate, not an exact completion fraction:
// calling OnSearchDone more often than the declared total merely
// approaches the research allotment, it never spills into synthesis.
type Calculator struct {
	mu                sync.Mutex
	totalSearches     int
	completedSearches int
}

// NewCalculator returns a calculator expecting a single search until
// SetTotalSearches says otherwise.
func NewCalculator() *Calculator {
	return &Calculator{totalSearches: 1}
}

// SetTotalSearches declares how many searches the analysis planned.
// Values below 1 are clamped to 1.
func (c *Calculator) SetTotalSearches(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 {
		n = 1
	}
	c.totalSearches = n
}

// OnAnalysisDone reports the percentage after query analysis.
func (c *Calculator) OnAnalysisDone() int {
	return analysisWeight
}

// OnSearchDone records one completed search and reports the resulting
// percentage.
func (c *Calculator) OnSearchDone() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedSearches++
	fraction := float64(c.completedSearches) / float64(c.totalSearches)
	if fraction > 1 {
		fraction = 1
	}
	return int(math.Floor(analysisWeight + fraction*researchWeight))
}

// OnSynthesisDone reports the percentage after synthesis.
func (c *Calculator) OnSynthesisDone() int {
	return analysisWeight + researchWeight + synthesisWeight
}

// OnReportDone reports the terminal percentage.
func (c *Calculator) OnReportDone() int {
	return 100
}

// Emitter clamps a stream of progress values so that what clients see
// is monotonically non-decreasing, regardless of how phase completions
// interleave at the publishing point.
type Emitter struct {
	mu   sync.Mutex
	last int
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Next returns the value to emit for the proposed percentage: the
// proposal itself when it advances, the previous emission otherwise.
func (e *Emitter) Next(proposed int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if proposed > e.last {
		e.last = proposed
	}
	return e.last
}

// Last returns the most recently emitted value.
func (e *Emitter) Last() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}
