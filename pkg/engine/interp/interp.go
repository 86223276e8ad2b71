// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package interp is the authoritative execution tier: a dispatch loop
// over IR ops with no speculation and no compiled fast path. Every other
// engine's output must match what this one produces for the same
// initial state and the same memory observations.
package interp

import (
	"math/bits"
	"time"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/engine"
	"github.com/vmmcore/core/pkg/ir"
	"github.com/vmmcore/core/pkg/vmerrors"
)

// Interp is the interpreter tier.
type Interp struct{}

// New returns an interpreter. It carries no state of its own: every
// call to Execute is independent.
func New() *Interp { return &Interp{} }

func (*Interp) Name() string { return "interp" }

// Execute runs block's ops in order against regs and mem, then evaluates
// its terminator. It never panics on a malformed op; unsupported kinds
// surface as a StatusFaulted result so the dispatcher can decide whether
// to inject a guest exception.
func (p *Interp) Execute(block *ir.Block, regs engine.RegisterFile, mem engine.Memory, asid uint16) engine.Result {
	start := time.Now()
	var count uint64

	for i := range block.Ops {
		op := &block.Ops[i]
		count++
		if err := p.step(op, regs, mem, asid); err != nil {
			return engine.Result{
				Status: engine.StatusFaulted,
				Stats:  engine.Stats{Instructions: count, HostTime: time.Since(start)},
				NextPC: block.StartPC,
				Fault:  err,
			}
		}
	}

	next, status, err := p.terminate(&block.Term, regs, mem, asid)
	return engine.Result{
		Status: status,
		Stats:  engine.Stats{Instructions: count, HostTime: time.Since(start)},
		NextPC: next,
		Fault:  err,
	}
}

// step executes one op. Writes to the hardwired-zero register are
// dropped rather than checked per call site, the interpreter's one
// register-file micro-optimization: callers never have to special-case it.
func (p *Interp) step(op *ir.Op, regs engine.RegisterFile, mem engine.Memory, asid uint16) error {
	switch {
	case op.Kind.IsArithmetic():
		a := regs.Get(op.Src1)
		b := regs.Get(op.Src2)
		if op.HasImm {
			b = uint64(op.Imm)
		}
		setReg(regs, op.Dst, arithmetic(op.Kind, a, b))
		return nil

	case op.Kind.IsCompare():
		a := regs.Get(op.Src1)
		b := regs.Get(op.Src2)
		if op.HasImm {
			b = uint64(op.Imm)
		}
		setReg(regs, op.Dst, boolToU64(compare(op.Kind, a, b, op.Signed)))
		return nil

	case op.Kind == ir.OpLoad:
		base := regs.Get(op.Src1)
		gva := addrGVA(base, op.Offset)
		v, err := mem.Load(gva, op.Size, op.Signed, asid)
		if err != nil {
			return err
		}
		setReg(regs, op.Dst, v)
		return nil

	case op.Kind == ir.OpStore:
		base := regs.Get(op.Src1)
		gva := addrGVA(base, op.Offset)
		v := regs.Get(op.Src2)
		return mem.Store(gva, op.Size, v, asid)

	case op.Kind == ir.OpSyscall:
		// Syscalls are delivered to the guest by the engine's caller
		// (the vCPU loop owns the ABI); the interpreter only marks the
		// side effect occurred by returning without error so Execute
		// can continue into the terminator.
		return nil

	case op.Kind == ir.OpIntrinsic:
		return &vmerrors.UnsupportedOp{Mnemonic: string(op.Intrinsic)}

	default:
		return &vmerrors.UnsupportedOp{Mnemonic: op.Kind.String()}
	}
}

func (p *Interp) terminate(t *ir.Term, regs engine.RegisterFile, mem engine.Memory, asid uint16) (next addr.GVA, status engine.Status, err error) {
	switch t.Kind {
	case ir.TermRet:
		return addr.GVA(regs.Get(ir.ZeroReg)), engine.StatusOk, nil

	case ir.TermJmp:
		return t.Target, engine.StatusOk, nil

	case ir.TermCondJmp:
		a := regs.Get(t.Src1)
		b := regs.Get(t.Src2)
		taken := false
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
		base := regs.Get(t.Base)
		return addr.GVA(addrGVAu64(base, t.Offset)), engine.StatusOk, nil

	default:
		return 0, engine.StatusFaulted, &vmerrors.UnsupportedOp{Mnemonic: "terminator"}
	}
}

func setReg(regs engine.RegisterFile, r ir.Reg, v uint64) {
	if r == ir.ZeroReg {
		return
	}
	regs.Set(r, v)
}

func arithmetic(kind ir.OpKind, a, b uint64) uint64 {
	switch kind {
	case ir.OpAdd:
		return a + b
	case ir.OpSub:
		return a - b
	case ir.OpMul:
		if isPowerOfTwo(b) {
			return a << uint(bits.TrailingZeros64(b))
		}
		return a * b
	case ir.OpDiv:
		if b == 0 {
			return 0
		}
		if isPowerOfTwo(b) {
			return a >> uint(bits.TrailingZeros64(b))
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

func compare(kind ir.OpKind, a, b uint64, signed bool) bool {
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

func addrGVAu64(base uint64, offset int64) uint64 { return uint64(int64(base) + offset) }
func addrGVA(base uint64, offset int64) addr.GVA  { return addr.GVA(addrGVAu64(base, offset)) }

// isPowerOfTwo reports whether v is a power of two, the check behind the
// shift-by-power-of-2 strength reduction the spec calls out: a caller
// doing repeated multiply/divide by a loop-invariant power-of-two
// operand can route through arithmetic() at OpShl/OpShr cost instead.
func isPowerOfTwo(v uint64) bool { return v != 0 && bits.OnesCount64(v) == 1 }
