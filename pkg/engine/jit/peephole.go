// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package jit

import (
	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/engine"
	"github.com/vmmcore/core/pkg/ir"
)

// fusedLoadAddStoreKind marks a synthetic op produced only by
// fuseLoadAddStore; it never appears in a front-end's decoded output.
const fusedLoadAddStoreKind ir.OpKind = 0xfe

// fuseLoadAddStore scans ops for the pattern:
//
//	Load  tmp <- [base+off]
//	Add   tmp <- tmp, x
//	Store [base+off] <- tmp
//
// and replaces it with one synthetic op the compiler turns into a
// single closure computing the address once, per §4.D.2's "load-add-store
// fusion". Any op not part of a recognized triple passes through
// unchanged.
func fuseLoadAddStore(ops []ir.Op) []ir.Op {
	out := make([]ir.Op, 0, len(ops))
	for i := 0; i < len(ops); i++ {
		if i+2 < len(ops) && isFusable(ops[i], ops[i+1], ops[i+2]) {
			load, add := ops[i], ops[i+1]
			out = append(out, ir.Op{
				Kind:   fusedLoadAddStoreKind,
				Src1:   load.Src1,
				Offset: load.Offset,
				Size:   load.Size,
				Src2:   add.Src2,
				HasImm: add.HasImm,
				Imm:    add.Imm,
			})
			i += 2
			continue
		}
		out = append(out, ops[i])
	}
	return out
}

func isFusable(load, add, store ir.Op) bool {
	if load.Kind != ir.OpLoad || add.Kind != ir.OpAdd || store.Kind != ir.OpStore {
		return false
	}
	if add.Dst != load.Dst || add.Src1 != load.Dst {
		return false
	}
	return store.Src1 == load.Src1 && store.Offset == load.Offset && store.Src2 == add.Dst && store.Size == load.Size
}

func compileFusedLoadAddStore(op *ir.Op) stepFunc {
	base, offset, size := op.Src1, op.Offset, op.Size
	addSrc2, hasImm, imm := op.Src2, op.HasImm, uint64(op.Imm)

	return func(regs engine.RegisterFile, mem engine.Memory, asid uint16) error {
		gva := addr.GVA(uint64(int64(regs.Get(base)) + offset))
		v, err := mem.Load(gva, size, false, asid)
		if err != nil {
			return err
		}
		addend := imm
		if !hasImm {
			addend = regs.Get(addSrc2)
		}
		return mem.Store(gva, size, v+addend, asid)
	}
}
