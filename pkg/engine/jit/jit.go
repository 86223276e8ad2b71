// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package jit is the tiered compiling engine. Rather than emitting
// literal host machine code — which in pure Go means either cgo or
// hand-rolled executable-page management — it compiles a block into a
// pipeline of specialized Go closures ("threaded code"): the same
// technique real bytecode VMs use when they want compiled-speed dispatch
// without a native backend. ir.CompiledForm.CodeBytes still carries a
// versioned, fingerprinted serialization of the block (via
// github.com/fxamacker/cbor/v2) so the form can cross the AOT cache
// boundary; the closure pipeline itself is rebuilt from that
// serialization on load, since a Go closure cannot be persisted.
package jit

import (
	"context"
	"math/bits"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/engine"
	"github.com/vmmcore/core/pkg/ir"
	"github.com/vmmcore/core/pkg/tracing"
	"github.com/vmmcore/core/pkg/vmerrors"
)

var jitLog = logrus.WithField("subsystem", "jit")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		jitLog = logger.WithField("subsystem", "jit")
	}
}

var compilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vmmcore",
	Subsystem: "jit",
	Name:      "compiles_total",
	Help:      "Closure pipelines compiled, by optimization level.",
}, []string{"level"})

func init() {
	prometheus.MustRegister(compilesTotal)
}

// TaskCategory classifies background JIT work for the async worker pool
// it shares a scheduling vocabulary with (pkg/ioscheduler.Priority).
type TaskCategory int

const (
	TaskInitialCompile TaskCategory = iota
	TaskRecompile
	TaskDeoptimize
)

type stepFunc func(regs engine.RegisterFile, mem engine.Memory, asid uint16) error

// compiledBlock is the in-process, non-serializable fast-path form: a
// pipeline of closures produced by Compile, cached by start_pc.
type compiledBlock struct {
	steps []stepFunc
	term  *ir.Term
	level ir.OptimizationLevel
}

// JIT is the tiered compiling engine. It owns no block storage of its
// own — compiled forms live in the block cache — only the in-process
// closure pipelines keyed by start_pc, since those can't be serialized
// into ir.CompiledForm.CodeBytes.
type JIT struct {
	pipelines map[addr.GVA]*compiledBlock
	caches    *inlineCacheTable
}

// New returns a JIT engine with an empty pipeline cache.
func New() *JIT {
	return &JIT{
		pipelines: make(map[addr.GVA]*compiledBlock),
		caches:    newInlineCacheTable(),
	}
}

func (*JIT) Name() string { return "jit" }

// Compile lowers block into a closure pipeline at the given
// optimization level and serializes it into an ir.CompiledForm. level ==
// OptAggressive additionally runs the load-add-store fusion peephole.
func (j *JIT) Compile(ctx context.Context, block *ir.Block, level ir.OptimizationLevel) (*ir.CompiledForm, error) {
	span, _ := tracing.Trace(ctx, jitLog, "jit.compile", map[string]string{
		"pc":    block.StartPC.String(),
		"level": level.String(),
	})
	defer span.End()

	compilesTotal.WithLabelValues(level.String()).Inc()

	ops := block.Ops
	if level == ir.OptAggressive {
		ops = fuseLoadAddStore(ops)
	}

	pipeline := &compiledBlock{term: &block.Term, level: level}
	for i := range ops {
		pipeline.steps = append(pipeline.steps, compileStep(&ops[i]))
	}
	j.pipelines[block.StartPC] = pipeline

	encoded, err := EncodeBlock(block, level)
	if err != nil {
		return nil, err
	}
	return &ir.CompiledForm{
		CodeBytes:   encoded,
		EntryOffset: 0,
		Level:       level,
		Metadata:    ir.CompiledMetadata{},
	}, nil
}

// Execute runs block through its compiled pipeline, compiling it at
// Standard level on first use per §4.D.2 ("initial compilation is
// Standard").
func (j *JIT) Execute(block *ir.Block, regs engine.RegisterFile, mem engine.Memory, asid uint16) engine.Result {
	start := time.Now()

	pipeline, ok := j.pipelines[block.StartPC]
	if !ok {
		if _, err := j.Compile(context.Background(), block, ir.OptStandard); err != nil {
			return engine.Result{Status: engine.StatusFaulted, Fault: err, NextPC: block.StartPC}
		}
		pipeline = j.pipelines[block.StartPC]
	}

	var count uint64
	for _, step := range pipeline.steps {
		count++
		if err := step(regs, mem, asid); err != nil {
			return engine.Result{
				Status: engine.StatusFaulted,
				Stats:  engine.Stats{Instructions: count, HostTime: time.Since(start)},
				NextPC: block.StartPC,
				Fault:  err,
			}
		}
	}

	next, status, err := j.terminate(block.StartPC, pipeline.term, regs)
	return engine.Result{
		Status: status,
		Stats:  engine.Stats{Instructions: count, HostTime: time.Since(start)},
		NextPC: next,
		Fault:  err,
	}
}

// HasPipeline reports whether pc already has a compiled closure
// pipeline, so a caller seeding the JIT from an AOT hit can skip a
// redundant recompile.
func (j *JIT) HasPipeline(pc addr.GVA) bool {
	_, ok := j.pipelines[pc]
	return ok
}

// Invalidate drops a block's closure pipeline, e.g. after the block
// cache invalidates the block itself.
func (j *JIT) Invalidate(pc addr.GVA) {
	delete(j.pipelines, pc)
	j.caches.InvalidateSite(pc)
}

func compileStep(op *ir.Op) stepFunc {
	switch {
	case op.Kind.IsArithmetic():
		return compileArithmetic(op)
	case op.Kind.IsCompare():
		return compileCompare(op)
	case op.Kind == ir.OpLoad:
		return compileLoad(op)
	case op.Kind == ir.OpStore:
		return compileStore(op)
	case op.Kind == ir.OpSyscall:
		return func(engine.RegisterFile, engine.Memory, uint16) error { return nil }
	case op.Kind == fusedLoadAddStoreKind:
		return compileFusedLoadAddStore(op)
	default:
		mnemonic := op.Kind.String()
		return func(engine.RegisterFile, engine.Memory, uint16) error {
			return &vmerrors.UnsupportedOp{Mnemonic: mnemonic}
		}
	}
}

// compileArithmetic specializes on immediate shape: a zero-immediate add
// is a move, a one-immediate multiply is a no-op, and a power-of-two
// multiply/divide becomes a precomputed shift, all decided once here
// instead of on every dispatch the way the interpreter must.
func compileArithmetic(op *ir.Op) stepFunc {
	dst, src1, src2 := op.Dst, op.Src1, op.Src2
	kind := op.Kind

	if op.HasImm {
		imm := uint64(op.Imm)
		switch {
		case kind == ir.OpAdd && imm == 0:
			return func(regs engine.RegisterFile, _ engine.Memory, _ uint16) error {
				setReg(regs, dst, regs.Get(src1))
				return nil
			}
		case kind == ir.OpMul && imm == 1:
			return func(regs engine.RegisterFile, _ engine.Memory, _ uint16) error {
				setReg(regs, dst, regs.Get(src1))
				return nil
			}
		case kind == ir.OpMul && isPowerOfTwo(imm):
			shift := uint(bits.TrailingZeros64(imm))
			return func(regs engine.RegisterFile, _ engine.Memory, _ uint16) error {
				setReg(regs, dst, regs.Get(src1)<<shift)
				return nil
			}
		case kind == ir.OpDiv && imm != 0 && isPowerOfTwo(imm):
			shift := uint(bits.TrailingZeros64(imm))
			return func(regs engine.RegisterFile, _ engine.Memory, _ uint16) error {
				setReg(regs, dst, regs.Get(src1)>>shift)
				return nil
			}
		}
		return func(regs engine.RegisterFile, _ engine.Memory, _ uint16) error {
			setReg(regs, dst, evalArithmetic(kind, regs.Get(src1), imm))
			return nil
		}
	}

	return func(regs engine.RegisterFile, _ engine.Memory, _ uint16) error {
		setReg(regs, dst, evalArithmetic(kind, regs.Get(src1), regs.Get(src2)))
		return nil
	}
}

func compileCompare(op *ir.Op) stepFunc {
	dst, src1, src2, signed, kind, hasImm, imm := op.Dst, op.Src1, op.Src2, op.Signed, op.Kind, op.HasImm, uint64(op.Imm)
	return func(regs engine.RegisterFile, _ engine.Memory, _ uint16) error {
		b := regs.Get(src2)
		if hasImm {
			b = imm
		}
		setReg(regs, dst, boolToU64(evalCompare(kind, regs.Get(src1), b, signed)))
		return nil
	}
}

func compileLoad(op *ir.Op) stepFunc {
	dst, src1, offset, size, signed := op.Dst, op.Src1, op.Offset, op.Size, op.Signed
	return func(regs engine.RegisterFile, mem engine.Memory, asid uint16) error {
		gva := addr.GVA(uint64(int64(regs.Get(src1)) + offset))
		v, err := mem.Load(gva, size, signed, asid)
		if err != nil {
			return err
		}
		setReg(regs, dst, v)
		return nil
	}
}

func compileStore(op *ir.Op) stepFunc {
	src1, src2, offset, size := op.Src1, op.Src2, op.Offset, op.Size
	return func(regs engine.RegisterFile, mem engine.Memory, asid uint16) error {
		gva := addr.GVA(uint64(int64(regs.Get(src1)) + offset))
		return mem.Store(gva, size, regs.Get(src2), asid)
	}
}

// terminate resolves block's terminator. TermJmpReg is an indirect jump
// through a register — the call-site shape an inline cache exists for —
// so it consults j's per-site cache keyed by the base register's value
// before recomputing the target and recording it.
func (j *JIT) terminate(callSite addr.GVA, t *ir.Term, regs engine.RegisterFile) (addr.GVA, engine.Status, error) {
	switch t.Kind {
	case ir.TermRet:
		return addr.GVA(regs.Get(ir.ZeroReg)), engine.StatusOk, nil
	case ir.TermJmp:
		return t.Target, engine.StatusOk, nil
	case ir.TermCondJmp:
		a, b := regs.Get(t.Src1), regs.Get(t.Src2)
		var taken bool
		switch t.Cond {
		case ir.CondEq:
			taken = a == b
		case ir.CondNe:
			taken = a != b
		case ir.CondLt:
			taken = a < b
		case ir.CondGe:
			taken = a >= b
		}
		if taken {
			return t.TrueTarget, engine.StatusOk, nil
		}
		return t.FalseTarget, engine.StatusOk, nil
	case ir.TermJmpReg:
		receiver := regs.Get(t.Base)
		if codePtr, ok := j.caches.Lookup(callSite, receiver); ok {
			return addr.GVA(uint64(codePtr)), engine.StatusOk, nil
		}
		target := addr.GVA(uint64(int64(receiver) + t.Offset))
		j.caches.Record(callSite, receiver, uintptr(target))
		return target, engine.StatusOk, nil
	default:
		return 0, engine.StatusFaulted, &vmerrors.UnsupportedOp{Mnemonic: "terminator"}
	}
}

func setReg(regs engine.RegisterFile, r ir.Reg, v uint64) {
	if r != ir.ZeroReg {
		regs.Set(r, v)
	}
}

func evalArithmetic(kind ir.OpKind, a, b uint64) uint64 {
	switch kind {
	case ir.OpAdd:
		return a + b
	case ir.OpSub:
		return a - b
	case ir.OpMul:
		return a * b
	case ir.OpDiv:
		if b == 0 {
			return 0
		}
		return a / b
	case ir.OpAnd:
		return a & b
	case ir.OpOr:
		return a | b
	case ir.OpXor:
		return a ^ b
	case ir.OpShl:
		return a << (b & 63)
	case ir.OpShr:
		return a >> (b & 63)
	case ir.OpSar:
		return uint64(int64(a) >> (b & 63))
	default:
		return 0
	}
}

func evalCompare(kind ir.OpKind, a, b uint64, signed bool) bool {
	if signed {
		sa, sb := int64(a), int64(b)
		switch kind {
		case ir.OpCmpEq:
			return sa == sb
		case ir.OpCmpNe:
			return sa != sb
		case ir.OpCmpLt:
			return sa < sb
		case ir.OpCmpGe:
			return sa >= sb
		}
	}
	switch kind {
	case ir.OpCmpEq:
		return a == b
	case ir.OpCmpNe:
		return a != b
	case ir.OpCmpLt:
		return a < b
	case ir.OpCmpGe:
		return a >= b
	}
	return false
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func isPowerOfTwo(v uint64) bool { return v != 0 && bits.OnesCount64(v) == 1 }
