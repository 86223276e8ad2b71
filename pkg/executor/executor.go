// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package executor is the unified dispatcher of §4.D.4: per block it
// tracks exec_count/last_engine/compiled and chooses among the AOT
// cache, the tiered JIT, and the interpreter on every dispatch.
package executor

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/engine"
	"github.com/vmmcore/core/pkg/engine/aot"
	"github.com/vmmcore/core/pkg/engine/interp"
	"github.com/vmmcore/core/pkg/engine/jit"
	"github.com/vmmcore/core/pkg/ir"
	"github.com/vmmcore/core/pkg/tracing"
)

var executorLog = logrus.WithField("subsystem", "executor")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		executorLog = logger.WithField("subsystem", "executor")
	}
}

var dispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vmmcore",
	Subsystem: "executor",
	Name:      "dispatches_total",
	Help:      "Block dispatches, by the engine that served them.",
}, []string{"engine"})

func init() {
	prometheus.MustRegister(dispatchesTotal)
}

// EngineKind names which tier actually served a dispatch.
type EngineKind int

const (
	EngineInterp EngineKind = iota
	EngineJIT
	EngineAOT
)

func (k EngineKind) String() string {
	switch k {
	case EngineInterp:
		return "interp"
	case EngineJIT:
		return "jit"
	case EngineAOT:
		return "aot"
	default:
		return "unknown"
	}
}

// AccelCapability is a narrow capability gate a vCPU may implement to
// report whether hardware-accelerated dispatch (a real backing
// accelerator, not this software core) is available on the current
// NUMA node/thread. A nil AccelCapability is treated as "always
// software accelerable": the dispatcher never refuses JIT/AOT for lack
// of one. This mirrors the teacher's per-capability fallback shape
// without any actual KVM/HVF/VZ FFI, which stays an external concern.
type AccelCapability interface {
	Accelerated() bool
}

type blockState struct {
	execCount  uint64
	lastEngine EngineKind
	compiled   bool
}

// Config controls engine selection thresholds.
type Config struct {
	HotspotThreshold uint64
	JITEnabled       bool
	AOTEnabled       bool
}

func (c Config) withDefaults() Config {
	if c.HotspotThreshold == 0 {
		c.HotspotThreshold = 1000
	}
	return c
}

// Dispatcher is the unified engine selector. One Dispatcher is shared
// across every vCPU dispatching the same guest's blocks, since
// exec_count and the AOT/JIT caches are guest-wide, not per-vCPU.
type Dispatcher struct {
	cfg Config

	interp engine.Engine
	jit    *jit.JIT
	aot    *aot.Cache

	recompiler *jit.Recompiler
	accel      AccelCapability

	mu     sync.Mutex
	states map[addr.GVA]*blockState
}

// New constructs a Dispatcher. aotCache and recompiler may be nil to
// disable those components; accel may be nil (see AccelCapability).
func New(cfg Config, jitEngine *jit.JIT, aotCache *aot.Cache, recompiler *jit.Recompiler, accel AccelCapability) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg.withDefaults(),
		interp:     interp.New(),
		jit:        jitEngine,
		aot:        aotCache,
		recompiler: recompiler,
		accel:      accel,
		states:     make(map[addr.GVA]*blockState),
	}
}

func (d *Dispatcher) stateFor(pc addr.GVA) *blockState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[pc]
	if !ok {
		s = &blockState{}
		d.states[pc] = s
	}
	return s
}

// Dispatch selects an engine for block per §4.D.4's priority order
// (AOT fingerprint hit, then hot JIT, then interpreter), executes it,
// and updates the block's dispatch statistics and recompiler profile.
func (d *Dispatcher) Dispatch(ctx context.Context, block *ir.Block, regs engine.RegisterFile, mem engine.Memory, asid uint16) engine.Result {
	span, ctx := tracing.Trace(ctx, executorLog, "executor.dispatch", map[string]string{
		"pc": block.StartPC.String(),
	})
	defer span.End()

	state := d.stateFor(block.StartPC)

	d.mu.Lock()
	prior := state.execCount
	state.execCount++
	count := state.execCount
	d.mu.Unlock()

	kind := d.selectEngine(ctx, block, prior)

	var result engine.Result
	switch kind {
	case EngineAOT, EngineJIT:
		result = d.jit.Execute(block, regs, mem, asid)
	default:
		result = d.interp.Execute(block, regs, mem, asid)
	}
	dispatchesTotal.WithLabelValues(kind.String()).Inc()
	tracing.AddTags(span, "engine", kind.String(), "exec_count", int64(count))

	d.mu.Lock()
	state.lastEngine = kind
	state.compiled = kind != EngineInterp
	d.mu.Unlock()

	if d.recompiler != nil && kind != EngineInterp {
		d.recompiler.Observe(block, result.Stats.HostTime)
	}
	return result
}

func (d *Dispatcher) accelerated() bool {
	return d.accel == nil || d.accel.Accelerated()
}

func (d *Dispatcher) selectEngine(ctx context.Context, block *ir.Block, execCount uint64) EngineKind {
	if !d.accelerated() {
		return EngineInterp
	}

	if d.aot != nil {
		if fp, err := aot.BlockFingerprint(block); err == nil {
			if form, ok := d.aot.Lookup(block.StartPC, fp); ok {
				if !d.jit.HasPipeline(block.StartPC) {
					if _, err := d.jit.Compile(ctx, block, form.Level); err != nil {
						executorLog.WithError(err).WithField("pc", block.StartPC).Warn("failed to seed jit pipeline from aot hit")
						return EngineInterp
					}
				}
				return EngineAOT
			}
		}
	}

	if d.cfg.JITEnabled && execCount >= d.cfg.HotspotThreshold {
		return EngineJIT
	}
	return EngineInterp
}

// Stats reports a block's current dispatch state, for diagnostics.
type Stats struct {
	ExecCount  uint64
	LastEngine EngineKind
	Compiled   bool
}

func (d *Dispatcher) Stats(pc addr.GVA) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[pc]
	if !ok {
		return Stats{}
	}
	return Stats{ExecCount: s.execCount, LastEngine: s.lastEngine, Compiled: s.compiled}
}
