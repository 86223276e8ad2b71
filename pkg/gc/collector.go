// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package gc

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var slicePauseSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "vmmcore",
	Subsystem: "gc",
	Name:      "slice_pause_seconds",
	Help:      "Wall-clock duration of one incremental collector slice, by phase.",
	Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
}, []string{"phase"})

func init() {
	prometheus.MustRegister(slicePauseSeconds)
}

// Phase is a state in the incremental collector's state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseMarking
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMarking:
		return "marking"
	case PhaseSweeping:
		return "sweeping"
	default:
		return "unknown"
	}
}

// Progress reports a phase's position within its total unit of work
// (pages, per §4.E's `Marking{page, total}` / `Sweeping{page, total}`).
type Progress struct {
	Page  int
	Total int
}

// Root is anything the collector must trace from: a live block cache
// entry, an inline-cache table, a profile record set. Trace is called
// on every mark slice of a collection.
type Root interface {
	// Trace returns the set of page indices (into the managed heap the
	// Collector was constructed with) this root currently references.
	Trace() []int
}

// Sweeper reclaims a page the mark phase did not visit.
type Sweeper interface {
	Sweep(page int)
}

// Budget bounds one incremental slice, per §4.E ("executes work in
// budgeted slices ... until the per-slice byte or time budget is
// consumed, then yields").
type Budget struct {
	MaxPages int
	MaxTime  time.Duration
}

func (b Budget) withDefaults() Budget {
	if b.MaxPages == 0 {
		b.MaxPages = 256
	}
	if b.MaxTime == 0 {
		b.MaxTime = 2 * time.Millisecond
	}
	return b
}

// Collector drives the Idle→Marking→Sweeping→Idle state machine. It
// never stops mutator threads itself — Coordinator.StopTheWorld is a
// separate, optional step a caller may use around the rare operation
// that truly needs the world stopped (the card table's write barrier
// lets marking otherwise run concurrently with mutation).
type Collector struct {
	mu       sync.Mutex
	phase    Phase
	progress Progress
	budget   Budget
	cards    *CardTable

	totalPages int
	marked     map[int]bool
	roots      []Root
	sweeper    Sweeper
}

// NewCollector constructs a Collector over a heap of totalPages pages.
func NewCollector(totalPages int, cards *CardTable, roots []Root, sweeper Sweeper, budget Budget) *Collector {
	return &Collector{
		phase:      PhaseIdle,
		totalPages: totalPages,
		cards:      cards,
		roots:      roots,
		sweeper:    sweeper,
		budget:     budget.withDefaults(),
	}
}

// Phase returns the collector's current state.
func (c *Collector) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Progress returns the collector's position within its current phase.
func (c *Collector) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Start begins a new collection if idle; it is a no-op if a collection
// is already in progress.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseIdle {
		return
	}
	c.phase = PhaseMarking
	c.progress = Progress{Page: 0, Total: c.totalPages}
	c.marked = make(map[int]bool, c.totalPages)
}

// RunSlice executes one budgeted slice of whichever phase is active,
// returning once the phase completes or the slice's budget is spent.
// It is safe to call repeatedly from a background goroutine between
// mutator dispatches.
func (c *Collector) RunSlice() {
	c.mu.Lock()
	defer c.mu.Unlock()

	phase := c.phase
	if phase == PhaseIdle {
		return
	}

	start := time.Now()
	switch phase {
	case PhaseMarking:
		c.runMarkSlice()
	case PhaseSweeping:
		c.runSweepSlice()
	}
	slicePauseSeconds.WithLabelValues(phase.String()).Observe(time.Since(start).Seconds())
}

func (c *Collector) runMarkSlice() {
	deadline := time.Now().Add(c.budget.MaxTime)
	pagesThisSlice := 0

	for _, root := range c.roots {
		for _, page := range root.Trace() {
			if page < 0 || page >= c.totalPages || c.marked[page] {
				continue
			}
			c.marked[page] = true
			c.progress.Page++
			pagesThisSlice++
			if pagesThisSlice >= c.budget.MaxPages || time.Now().After(deadline) {
				return
			}
		}
	}

	if c.cards != nil {
		c.cards.Clear()
	}
	c.phase = PhaseSweeping
	c.progress = Progress{Page: 0, Total: c.totalPages}
}

func (c *Collector) runSweepSlice() {
	deadline := time.Now().Add(c.budget.MaxTime)
	start := c.progress.Page

	for page := start; page < c.totalPages; page++ {
		if !c.marked[page] && c.sweeper != nil {
			c.sweeper.Sweep(page)
		}
		c.progress.Page = page + 1
		if c.progress.Page-start >= c.budget.MaxPages || time.Now().After(deadline) {
			return
		}
	}

	c.phase = PhaseIdle
	c.marked = nil
}
