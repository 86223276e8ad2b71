// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vcpu is the per-vCPU OS-thread loop of §5: it owns a register
// file and a private L1 TLB, asks the unified executor for the next
// block at the current PC (decoding on a block-cache miss), polls for
// GC safepoints and pending interrupts at every loop back-edge, and is
// the sole place that decides whether a fault resumes the guest, halts
// it, or propagates out of Run.
package vcpu

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/blockcache"
	"github.com/vmmcore/core/pkg/device"
	"github.com/vmmcore/core/pkg/device/plic"
	"github.com/vmmcore/core/pkg/engine"
	"github.com/vmmcore/core/pkg/executor"
	"github.com/vmmcore/core/pkg/gc"
	"github.com/vmmcore/core/pkg/ir"
	"github.com/vmmcore/core/pkg/mmu"
)

var vcpuLog = logrus.WithField("subsystem", "vcpu")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		vcpuLog = logger.WithField("subsystem", "vcpu")
	}
}

// numRegs sizes the concrete register file this package provides.
// ir.Reg(0) is ZeroReg on every guest ISA the core targets; the rest
// cover the largest general-purpose register file among AMD64, ARM64
// and RISC-V64 with room to spare.
const numRegs = 64

// RegisterFile is the concrete, vCPU-owned implementation of
// engine.RegisterFile. No other vCPU ever touches it.
type RegisterFile struct {
	regs [numRegs]uint64
}

// Get returns r's value; ir.ZeroReg always reads as zero.
func (rf *RegisterFile) Get(r ir.Reg) uint64 {
	if r == ir.ZeroReg || int(r) >= len(rf.regs) {
		return 0
	}
	return rf.regs[r]
}

// Set stores v into r; writes to ir.ZeroReg are silently dropped.
func (rf *RegisterFile) Set(r ir.Reg, v uint64) {
	if r == ir.ZeroReg || int(r) >= len(rf.regs) {
		return
	}
	rf.regs[r] = v
}

// FetchFunc reads length raw instruction bytes at gva with Execute
// permission, for a Decoder to disassemble.
type FetchFunc func(gva addr.GVA, length int) ([]byte, error)

// Decoder lifts guest instruction bytes at pc into a decoded Block.
// It is supplied per guest ISA by the embedder; this core ships no
// concrete decoder of its own (bit-exact instruction decode for any
// real ISA is explicitly out of scope), only this seam and the
// block-cache/write-watch plumbing every decoder needs regardless of
// which guest ISA it targets.
type Decoder interface {
	Decode(pc addr.GVA, fetch FetchFunc) (*ir.Block, error)
}

// FaultHandler decides the outcome of a faulted block, per §7's "only
// the top of the vCPU loop decides whether to resume the guest, halt
// it, or propagate". A nil handler treats every fault as fatal.
type FaultHandler interface {
	HandleFault(pc addr.GVA, fault error) (resumePC addr.GVA, halt bool)
}

// SyscallHandler is invoked after a block whose Effects include
// EffectSyscall completes, implementing the guest ABI the IR itself
// stays agnostic to (e.g. an exit/halt convention).
type SyscallHandler interface {
	HandleSyscall(regs *RegisterFile) (halt bool)
}

// InterruptHandler is invoked when the PLIC reports a pending interrupt
// for this vCPU's context, after the current block has run to a
// boundary. It claims and services the source itself; the vCPU only
// decides where execution resumes afterward.
type InterruptHandler interface {
	HandleInterrupt(source uint32, pc addr.GVA) (resumePC addr.GVA)
}

// Config bundles everything a VCPU needs that is not shared, guest-wide
// state (the MMU, block cache, dispatcher and PLIC are all shared across
// every vCPU of the same guest).
type Config struct {
	ID         int
	EntryPC    addr.GVA
	ASID       uint16
	MMU        *mmu.SoftMMU
	Bus        *device.Bus
	Cache      *blockcache.Cache
	ReaderSlot int
	Dispatcher *executor.Dispatcher
	Decoder    Decoder
	Safepoint  *gc.Safepoint
	PLIC       *plic.PLIC
	PLICCtx    uint32

	Faults     FaultHandler
	Syscalls   SyscallHandler
	Interrupts InterruptHandler
}

// VCPU is one virtual CPU: a register file, a private L1 TLB, and the
// loop that drives guest execution forward one decoded block at a time.
type VCPU struct {
	id   int
	asid uint16
	pc   addr.GVA

	regs RegisterFile
	l1   *mmu.L1
	mem  *guestMemory

	mmuDev     *mmu.SoftMMU
	cache      *blockcache.Cache
	readerSlot int
	dispatcher *executor.Dispatcher
	decoder    Decoder
	safepoint  *gc.Safepoint
	controller *plic.PLIC
	plicCtx    uint32

	faults     FaultHandler
	syscalls   SyscallHandler
	interrupts InterruptHandler

	stopped bool
}

// New constructs a VCPU from cfg. Its register file starts zeroed and
// its PC is cfg.EntryPC.
func New(cfg Config) *VCPU {
	l1 := mmu.NewL1()
	return &VCPU{
		id:         cfg.ID,
		asid:       cfg.ASID,
		pc:         cfg.EntryPC,
		l1:         l1,
		mem:        &guestMemory{mmu: cfg.MMU, l1: l1, bus: cfg.Bus},
		mmuDev:     cfg.MMU,
		cache:      cfg.Cache,
		readerSlot: cfg.ReaderSlot,
		dispatcher: cfg.Dispatcher,
		decoder:    cfg.Decoder,
		safepoint:  cfg.Safepoint,
		controller: cfg.PLIC,
		plicCtx:    cfg.PLICCtx,
		faults:     cfg.Faults,
		syscalls:   cfg.Syscalls,
		interrupts: cfg.Interrupts,
	}
}

// Registers exposes the vCPU's register file, e.g. for boot-time setup
// before Run is ever called.
func (v *VCPU) Registers() *RegisterFile { return &v.regs }

// PC reports the vCPU's current program counter.
func (v *VCPU) PC() addr.GVA { return v.pc }

// SetPC overrides the vCPU's program counter, e.g. boot handoff.
func (v *VCPU) SetPC(pc addr.GVA) { v.pc = pc }

// Run drives the vCPU's fetch-dispatch-execute loop until ctx is
// cancelled, the guest halts, or an unrecoverable fault propagates.
// Exactly one goroutine may call Run for a given VCPU.
func (v *VCPU) Run(ctx context.Context) error {
	for !v.stopped {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		v.safepoint.Poll()

		if v.controller != nil && v.controller.HasInterrupt(v.plicCtx) {
			v.serviceInterrupt()
		}

		block, err := v.fetchBlock(v.pc)
		if err != nil {
			if !v.recoverFault(v.pc, err) {
				return errors.Wrapf(err, "vcpu %d: decode at %s", v.id, v.pc)
			}
			continue
		}

		v.cache.Enter(v.readerSlot)
		result := v.dispatcher.Dispatch(ctx, block, &v.regs, v.mem, v.asid)
		v.cache.Exit(v.readerSlot)

		switch result.Status {
		case engine.StatusOk, engine.StatusContinue, engine.StatusNeedsRecompile:
			v.pc = result.NextPC
			if block.Effects.Has(ir.EffectSyscall) && v.syscalls != nil {
				if v.syscalls.HandleSyscall(&v.regs) {
					v.stopped = true
				}
			}
		case engine.StatusHalted:
			v.stopped = true
		case engine.StatusFaulted:
			if !v.recoverFault(v.pc, result.Fault) {
				return errors.Wrapf(result.Fault, "vcpu %d: fault at %s", v.id, v.pc)
			}
		}
	}
	return nil
}

// recoverFault consults the fault handler, if any, and repositions the
// vCPU's PC to resume. It returns false when the vCPU loop must stop.
func (v *VCPU) recoverFault(pc addr.GVA, fault error) bool {
	if v.faults == nil {
		vcpuLog.WithError(fault).WithField("pc", pc).WithField("vcpu", v.id).Warn("unrecoverable fault, no fault handler registered")
		return false
	}
	resume, halt := v.faults.HandleFault(pc, fault)
	if halt {
		v.stopped = true
		return true
	}
	v.pc = resume
	return true
}

// serviceInterrupt claims the PLIC's highest-priority pending source
// for this context and hands it to the interrupt handler, if any,
// repositioning the vCPU's PC the way a real interrupt vector would.
func (v *VCPU) serviceInterrupt() {
	source, ok := v.controller.Claim(v.plicCtx)
	if !ok {
		return
	}
	if v.interrupts != nil {
		v.pc = v.interrupts.HandleInterrupt(source, v.pc)
	}
	v.controller.Complete(v.plicCtx, source)
}

// fetchBlock returns the decoded block at pc, consulting the block
// cache first and decoding (then installing) on a miss.
func (v *VCPU) fetchBlock(pc addr.GVA) (*ir.Block, error) {
	if block, _, ok := v.cache.Get(pc); ok {
		return block, nil
	}

	block, err := v.decoder.Decode(pc, v.fetchInstructionBytes)
	if err != nil {
		return nil, err
	}
	v.cache.Insert(pc, block, nil, v.sourcePages(block.Sources))
	return block, nil
}

// sourcePages translates every SourceExtent a decode touched into its
// containing guest-physical page, deduplicated, for the block cache's
// write-watch index.
func (v *VCPU) sourcePages(sources []ir.SourceExtent) []addr.GPA {
	if len(sources) == 0 {
		return nil
	}
	seen := make(map[addr.GPA]struct{}, len(sources))
	pages := make([]addr.GPA, 0, len(sources))
	for _, s := range sources {
		gpas, err := v.mmuDev.TranslateSpan(v.l1, s.Start, uint64(s.Len), addr.Execute, v.asid)
		if err != nil {
			continue
		}
		for _, gpa := range gpas {
			pg := gpa.Page(addr.Page4KiB)
			if _, dup := seen[pg]; dup {
				continue
			}
			seen[pg] = struct{}{}
			pages = append(pages, pg)
		}
	}
	return pages
}

// fetchInstructionBytes reads length bytes starting at gva with Execute
// permission, crossing page boundaries transparently, for a Decoder.
func (v *VCPU) fetchInstructionBytes(gva addr.GVA, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	cur := gva
	remaining := length
	for remaining > 0 {
		hva, err := v.mmuDev.Resolve(v.l1, cur, addr.Execute, v.asid)
		if err != nil {
			return nil, err
		}
		pageOff := cur.Offset(addr.Page4KiB)
		chunk := int(uint64(addr.Page4KiB) - pageOff)
		if chunk > remaining {
			chunk = remaining
		}
		out = append(out, readBytes(hva, chunk)...)
		cur = cur.AddOffset(int64(chunk))
		remaining -= chunk
	}
	return out, nil
}
