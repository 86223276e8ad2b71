// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vmmcore/core/pkg/addr"
)

func TestOpKindClassification(t *testing.T) {
	assert.True(t, OpAdd.IsArithmetic())
	assert.False(t, OpLoad.IsArithmetic())
	assert.True(t, OpCmpLt.IsCompare())
	assert.False(t, OpCmpLt.IsArithmetic())
}

func TestSideEffectsHas(t *testing.T) {
	e := EffectMemoryStore | EffectSyscall
	assert.True(t, e.Has(EffectSyscall))
	assert.False(t, e.Has(EffectIntrinsic))
}

func TestInlineCacheMonoThenPolyUpgrade(t *testing.T) {
	ic := NewInlineCache(addr.GVA(0x1000))

	ic.Record(1, 0xaaaa, 4)
	ptr, ok := ic.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, uintptr(0xaaaa), ptr)
	assert.False(t, ic.IsPoly)

	ic.Record(2, 0xbbbb, 4)
	assert.True(t, ic.IsPoly)

	p1, ok1 := ic.Lookup(1)
	p2, ok2 := ic.Lookup(2)
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, uintptr(0xaaaa), p1)
	assert.Equal(t, uintptr(0xbbbb), p2)
}

func TestInlineCachePolyFanoutBounded(t *testing.T) {
	ic := NewInlineCache(addr.GVA(0x1000))
	ic.Record(1, 1, 2)
	ic.Record(2, 2, 2)
	ic.Record(3, 3, 2)

	assert.Len(t, ic.Poly, 2)
	_, ok := ic.Lookup(1)
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = ic.Lookup(3)
	assert.True(t, ok)
}

func TestBlockSourcesCarryDecodeExtent(t *testing.T) {
	b := &Block{
		StartPC: addr.GVA(0x1000),
		Ops:     []Op{{Kind: OpAdd, Dst: 1, Src1: 2, Src2: 3}},
		Term:    Term{Kind: TermRet},
		Sources: []SourceExtent{{Start: addr.GVA(0x1000), Len: 4}},
	}
	assert.Equal(t, addr.GVA(0x1000), b.StartPC)
	assert.Equal(t, TermRet, b.Term.Kind)
	assert.Len(t, b.Sources, 1)
}
