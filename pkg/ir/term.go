// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ir

import "github.com/vmmcore/core/pkg/addr"

// CondCode is the comparison a CondJmp terminator branches on, sharing
// the same vocabulary as OpCmpEq..OpCmpGe so a front-end can fuse a
// compare directly into the terminator when the source ISA does.
type CondCode uint8

const (
	CondEq CondCode = iota
	CondNe
	CondLt
	CondGe
)

// TermKind tags the Term variant.
type TermKind uint8

const (
	TermRet TermKind = iota
	TermJmp
	TermCondJmp
	TermJmpReg
)

// Term is the single instruction that ends every Block: a return, a
// direct jump, a conditional jump with both targets known at decode
// time, or an indirect jump through a register (used for computed gotos,
// returns-via-link-register, and switch-table dispatch).
type Term struct {
	Kind TermKind

	// TermJmp
	Target addr.GVA

	// TermCondJmp
	Cond        CondCode
	Src1, Src2  Reg
	TrueTarget  addr.GVA
	FalseTarget addr.GVA

	// TermJmpReg
	Base   Reg
	Offset int64
}
