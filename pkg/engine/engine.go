// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package engine defines the contract every execution tier — interpreter,
// JIT, AOT — implements: given a block and a register/memory context,
// run until the terminator fires and report what happened. The
// interpreter in pkg/engine/interp is authoritative; every other tier is
// an optimization that must reproduce its observable results.
package engine

import (
	"time"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ir"
)

// Status is the outcome of one block execution.
type Status int

const (
	StatusOk Status = iota
	StatusContinue
	StatusNeedsRecompile
	StatusFaulted
	StatusHalted
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusContinue:
		return "continue"
	case StatusNeedsRecompile:
		return "needs-recompile"
	case StatusFaulted:
		return "faulted"
	case StatusHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Stats accumulates execution statistics for a single block dispatch.
type Stats struct {
	Instructions uint64
	HostTime     time.Duration
}

// Result is what an engine reports after running a block.
type Result struct {
	Status Status
	Stats  Stats
	NextPC addr.GVA
	Fault  error
}

// RegisterFile is the minimal register-file contract every engine
// executes against. Register ir.ZeroReg always reads as zero; a
// conforming implementation simply ignores writes to it.
type RegisterFile interface {
	Get(r ir.Reg) uint64
	Set(r ir.Reg, v uint64)
}

// Memory is the minimal load/store contract every engine executes
// against, backed in practice by a pkg/mmu.SoftMMU plus the calling
// vCPU's L1.
type Memory interface {
	Load(gva addr.GVA, size uint8, signed bool, asid uint16) (uint64, error)
	Store(gva addr.GVA, size uint8, value uint64, asid uint16) error
}

// Engine is the uniform contract of §4.D: run block to its terminator
// and report {status, stats, next_pc}.
type Engine interface {
	Name() string
	Execute(block *ir.Block, regs RegisterFile, mem Memory, asid uint16) Result
}
