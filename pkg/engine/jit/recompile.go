// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package jit

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ir"
	"github.com/vmmcore/core/pkg/resourcecontrol"
)

// RecompileReason names why the background analyzer queued a block.
type RecompileReason int

const (
	ReasonPromoteHot RecompileReason = iota
	ReasonLatencyRegression
	ReasonVarianceSpike
)

func (r RecompileReason) String() string {
	switch r {
	case ReasonPromoteHot:
		return "promote-hot"
	case ReasonLatencyRegression:
		return "latency-regression"
	case ReasonVarianceSpike:
		return "variance-spike"
	default:
		return "unknown"
	}
}

// RecompileDecision is the analyzer's output for one block.
type RecompileDecision struct {
	Block       addr.GVA
	TargetLevel ir.OptimizationLevel
	Reason      RecompileReason
}

// profile is the rolling execution statistics the analyzer samples.
// Baseline and variance are exponential moving averages. The regression
// check compares each sample against the baseline after that sample has
// been folded in, so one slow enough sample can trigger a demotion;
// variance is tracked but no decision reads it.
type profile struct {
	execCount uint64
	baseline  time.Duration
	variance  float64
	level     ir.OptimizationLevel
}

const ewmaAlpha = 0.2

// PromoteThreshold is the execution count at which a Standard-tier block
// becomes eligible for promotion to Aggressive.
const PromoteThreshold = 1000

// RegressionFactor is how far a sample must exceed the rolling baseline
// before it counts as a latency regression.
const RegressionFactor = 1.5

// Installer is the hot-update sink a Recompiler delivers completed
// compiles to. pkg/blockcache.Cache satisfies this directly.
type Installer interface {
	UpdateCompiled(pc addr.GVA, compiled *ir.CompiledForm) bool
}

type recompileTask struct {
	block    *ir.Block
	decision RecompileDecision
}

// Recompiler is the background analyzer of §4.D.2: it samples per-block
// latency, decides when a block should move tiers, and drives the
// hot-update protocol through an Installer (normally the block cache).
type Recompiler struct {
	jit       *JIT
	installer Installer

	pool resourcecontrol.PoolController

	mu       sync.Mutex
	profiles map[addr.GVA]*profile

	tasks chan recompileTask
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewRecompiler starts workers background goroutines compiling queued
// decisions against installer, placed under a dedicated "jit-compile"
// resource-control pool where the host supports one (see
// pkg/resourcecontrol). Pool placement is best-effort.
func NewRecompiler(j *JIT, installer Installer, workers int) *Recompiler {
	if workers < 1 {
		workers = 1
	}
	r := &Recompiler{
		jit:       j,
		installer: installer,
		profiles:  make(map[addr.GVA]*profile),
		tasks:     make(chan recompileTask, 256),
		stop:      make(chan struct{}),
	}

	pool, err := resourcecontrol.NewPoolController("jit-compile")
	if err != nil {
		jitLog.WithError(err).Warn("resource controller unavailable for jit-compile pool, running unscoped")
	} else {
		r.pool = pool
	}

	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Close stops accepting new work and waits for in-flight compiles to finish.
func (r *Recompiler) Close() {
	close(r.stop)
	r.wg.Wait()

	if r.pool != nil {
		if err := r.pool.Delete(); err != nil {
			jitLog.WithError(err).Warn("failed to delete jit-compile resource controller")
		}
	}
}

// Observe records one dispatch's latency against block's rolling
// profile and enqueues a RecompileDecision if a threshold is crossed.
// It never blocks: a full task queue silently drops the decision, since
// the analyzer will sample this block again on its next dispatch.
func (r *Recompiler) Observe(block *ir.Block, sample time.Duration) {
	r.mu.Lock()
	p, ok := r.profiles[block.StartPC]
	if !ok {
		p = &profile{level: ir.OptStandard}
		r.profiles[block.StartPC] = p
	}
	p.execCount++

	var decision *RecompileDecision
	if p.baseline == 0 {
		p.baseline = sample
	} else {
		delta := float64(sample - p.baseline)
		p.variance = ewmaAlpha*delta*delta + (1-ewmaAlpha)*p.variance
		p.baseline = time.Duration(ewmaAlpha*float64(sample) + (1-ewmaAlpha)*float64(p.baseline))

		if p.level == ir.OptStandard && p.execCount >= PromoteThreshold {
			p.level = ir.OptAggressive
			decision = &RecompileDecision{Block: block.StartPC, TargetLevel: ir.OptAggressive, Reason: ReasonPromoteHot}
		} else if p.level == ir.OptAggressive && float64(sample) > float64(p.baseline)*RegressionFactor {
			p.level = ir.OptStandard
			decision = &RecompileDecision{Block: block.StartPC, TargetLevel: ir.OptStandard, Reason: ReasonLatencyRegression}
		}
	}
	r.mu.Unlock()

	if decision != nil {
		r.enqueue(block, *decision)
	}
}

func (r *Recompiler) enqueue(block *ir.Block, decision RecompileDecision) {
	select {
	case r.tasks <- recompileTask{block: block, decision: decision}:
	default:
		jitLog.WithField("pc", decision.Block).Warn("recompile queue full, dropping decision")
	}
}

func (r *Recompiler) worker() {
	defer r.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if r.pool != nil {
		if err := r.pool.AddThread(resourcecontrol.CurrentThreadID()); err != nil {
			jitLog.WithError(err).Warn("failed to place jit compile thread under resource controller")
		}
	}

	for {
		select {
		case task := <-r.tasks:
			r.compile(task)
		case <-r.stop:
			return
		}
	}
}

// compile performs the hot-update protocol's compile-and-install steps:
// the block cache's UpdateCompiled call does the atomic swap and
// grace-period reclamation of the displaced form.
func (r *Recompiler) compile(task recompileTask) {
	form, err := r.jit.Compile(context.Background(), task.block, task.decision.TargetLevel)
	if err != nil {
		jitLog.WithError(err).WithField("pc", task.decision.Block).Warn("recompile failed")
		return
	}
	r.installer.UpdateCompiled(task.decision.Block, form)
}
