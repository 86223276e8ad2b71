// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package jit

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ir"
)

// encodedBlockVersion is written into every encoded compiled form to
// mark its wire shape. DecodeBlock does not compare it; the AOT cache's
// version check applies to its own persisted records, not to this field.
const encodedBlockVersion uint8 = 1

type encodedBlock struct {
	Version uint8
	StartPC addr.GVA
	Ops     []ir.Op
	Term    ir.Term
	Level   ir.OptimizationLevel
}

// EncodeBlock serializes block's decoded form (not the closure
// pipeline, which cannot survive a process boundary) so it can be
// content-addressed and persisted by the AOT cache.
func EncodeBlock(block *ir.Block, level ir.OptimizationLevel) ([]byte, error) {
	return cbor.Marshal(encodedBlock{
		Version: encodedBlockVersion,
		StartPC: block.StartPC,
		Ops:     block.Ops,
		Term:    block.Term,
		Level:   level,
	})
}

// DecodeBlock reverses EncodeBlock, reconstructing a *ir.Block whose
// closure pipeline can be rebuilt by Compile.
func DecodeBlock(data []byte) (*ir.Block, ir.OptimizationLevel, error) {
	var eb encodedBlock
	if err := cbor.Unmarshal(data, &eb); err != nil {
		return nil, ir.OptNone, err
	}
	return &ir.Block{StartPC: eb.StartPC, Ops: eb.Ops, Term: eb.Term}, eb.Level, nil
}
