// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package jit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/engine"
	"github.com/vmmcore/core/pkg/ir"
)

type fakeRegs struct{ v [32]uint64 }

func (r *fakeRegs) Get(reg ir.Reg) uint64 {
	if reg == ir.ZeroReg {
		return 0
	}
	return r.v[reg]
}
func (r *fakeRegs) Set(reg ir.Reg, v uint64) {
	if reg == ir.ZeroReg {
		return
	}
	r.v[reg] = v
}

type fakeMem struct{ store map[addr.GVA]uint64 }

func newFakeMem() *fakeMem { return &fakeMem{store: map[addr.GVA]uint64{}} }

func (m *fakeMem) Load(gva addr.GVA, size uint8, signed bool, asid uint16) (uint64, error) {
	return m.store[gva], nil
}
func (m *fakeMem) Store(gva addr.GVA, size uint8, value uint64, asid uint16) error {
	m.store[gva] = value
	return nil
}

func TestExecuteCompilesOnFirstUseAndCachesPipeline(t *testing.T) {
	regs := &fakeRegs{}
	regs.Set(1, 10)
	regs.Set(2, 5)
	block := &ir.Block{
		StartPC: addr.GVA(0x1000),
		Ops:     []ir.Op{{Kind: ir.OpAdd, Dst: 3, Src1: 1, Src2: 2}},
		Term:    ir.Term{Kind: ir.TermJmp, Target: addr.GVA(0x2000)},
	}

	j := New()
	res := j.Execute(block, regs, newFakeMem(), 0)
	require.Equal(t, engine.StatusOk, res.Status)
	assert.EqualValues(t, 15, regs.Get(3))
	assert.Equal(t, addr.GVA(0x2000), res.NextPC)
	assert.Contains(t, j.pipelines, block.StartPC)
}

func TestCompileEncodesRoundTrippableForm(t *testing.T) {
	block := &ir.Block{
		StartPC: addr.GVA(0x4000),
		Ops:     []ir.Op{{Kind: ir.OpAdd, Dst: 1, Src1: 1, HasImm: true, Imm: 1}},
		Term:    ir.Term{Kind: ir.TermRet},
	}
	j := New()
	form, err := j.Compile(context.Background(), block, ir.OptStandard)
	require.NoError(t, err)
	assert.Equal(t, ir.OptStandard, form.Level)

	decoded, level, err := DecodeBlock(form.CodeBytes)
	require.NoError(t, err)
	assert.Equal(t, ir.OptStandard, level)
	assert.Equal(t, block.StartPC, decoded.StartPC)
	assert.Equal(t, block.Ops, decoded.Ops)
}

func TestAggressiveCompileFusesLoadAddStore(t *testing.T) {
	regs := &fakeRegs{}
	regs.Set(1, 0x2000)
	regs.Set(2, 4)
	mem := newFakeMem()
	mem.store[addr.GVA(0x2008)] = 10

	block := &ir.Block{
		StartPC: addr.GVA(0x5000),
		Ops: []ir.Op{
			{Kind: ir.OpLoad, Dst: 9, Src1: 1, Offset: 8, Size: 8},
			{Kind: ir.OpAdd, Dst: 9, Src1: 9, Src2: 2},
			{Kind: ir.OpStore, Src1: 1, Src2: 9, Offset: 8, Size: 8},
		},
		Term: ir.Term{Kind: ir.TermRet},
	}

	j := New()
	_, err := j.Compile(context.Background(), block, ir.OptAggressive)
	require.NoError(t, err)

	res := j.Execute(block, regs, mem, 0)
	require.Equal(t, engine.StatusOk, res.Status)
	assert.EqualValues(t, 14, mem.store[addr.GVA(0x2008)])
	assert.EqualValues(t, 1, res.Stats.Instructions, "the fused triple must collapse into one pipeline step")
}

func TestIndirectJumpInlineCacheHitsAfterFirstResolve(t *testing.T) {
	regs := &fakeRegs{}
	regs.Set(4, 0x9000)
	block := &ir.Block{
		StartPC: addr.GVA(0x6000),
		Term:    ir.Term{Kind: ir.TermJmpReg, Base: 4, Offset: 0x10},
	}

	j := New()
	first := j.Execute(block, regs, newFakeMem(), 0)
	require.Equal(t, addr.GVA(0x9010), first.NextPC)

	codePtr, ok := j.caches.Lookup(block.StartPC, regs.Get(4))
	require.True(t, ok)
	assert.EqualValues(t, 0x9010, codePtr)

	second := j.Execute(block, regs, newFakeMem(), 0)
	assert.Equal(t, addr.GVA(0x9010), second.NextPC)
}

func TestInvalidateDropsPipelineAndInlineCacheSite(t *testing.T) {
	block := &ir.Block{
		StartPC: addr.GVA(0x7000),
		Term:    ir.Term{Kind: ir.TermRet},
	}
	j := New()
	_, err := j.Compile(context.Background(), block, ir.OptStandard)
	require.NoError(t, err)
	j.caches.Record(block.StartPC, 1, 0xabc)

	j.Invalidate(block.StartPC)
	assert.NotContains(t, j.pipelines, block.StartPC)
	_, ok := j.caches.Lookup(block.StartPC, 1)
	assert.False(t, ok)
}

type fakeInstaller struct {
	pc   addr.GVA
	form *ir.CompiledForm
}

func (f *fakeInstaller) UpdateCompiled(pc addr.GVA, compiled *ir.CompiledForm) bool {
	f.pc, f.form = pc, compiled
	return true
}

func TestRecompilerPromotesAfterThresholdAndInstalls(t *testing.T) {
	block := &ir.Block{
		StartPC: addr.GVA(0x8000),
		Ops:     []ir.Op{{Kind: ir.OpAdd, Dst: 1, Src1: 1, HasImm: true, Imm: 1}},
		Term:    ir.Term{Kind: ir.TermRet},
	}
	j := New()
	installer := &fakeInstaller{}
	r := NewRecompiler(j, installer, 1)
	defer r.Close()

	for i := 0; i < PromoteThreshold+1; i++ {
		r.Observe(block, time.Microsecond)
	}

	assert.Eventually(t, func() bool {
		return installer.form != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, block.StartPC, installer.pc)
	assert.Equal(t, ir.OptAggressive, installer.form.Level)
}
