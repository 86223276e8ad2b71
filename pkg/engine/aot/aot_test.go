// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package aot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ir"
)

func sampleBlock() *ir.Block {
	return &ir.Block{
		StartPC: addr.GVA(0x1000),
		Ops:     []ir.Op{{Kind: ir.OpAdd, Dst: 1, Src1: 1, HasImm: true, Imm: 1}},
		Term:    ir.Term{Kind: ir.TermRet},
	}
}

func TestLookupMissOnEmptyCache(t *testing.T) {
	c := New(nil)
	fp, err := BlockFingerprint(sampleBlock())
	require.NoError(t, err)
	_, ok := c.Lookup(addr.GVA(0x1000), fp)
	assert.False(t, ok)
}

func TestInsertThenLookupHits(t *testing.T) {
	c := New(nil)
	block := sampleBlock()
	fp, err := BlockFingerprint(block)
	require.NoError(t, err)

	form := &ir.CompiledForm{CodeBytes: []byte("x"), Level: ir.OptStandard}
	c.Insert(block.StartPC, fp, form)

	got, ok := c.Lookup(block.StartPC, fp)
	require.True(t, ok)
	assert.Same(t, form, got)
	assert.EqualValues(t, 1, c.Stats().Hits)
}

func TestFingerprintMismatchIsTreatedAsMiss(t *testing.T) {
	c := New(nil)
	block := sampleBlock()
	fp, err := BlockFingerprint(block)
	require.NoError(t, err)
	c.Insert(block.StartPC, fp, &ir.CompiledForm{Level: ir.OptStandard})

	block.Ops[0].Imm = 2
	changedFP, err := BlockFingerprint(block)
	require.NoError(t, err)
	assert.NotEqual(t, fp, changedFP)

	_, ok := c.Lookup(block.StartPC, changedFP)
	assert.False(t, ok)
}

func TestInvalidateDropsEntry(t *testing.T) {
	c := New(nil)
	block := sampleBlock()
	fp, _ := BlockFingerprint(block)
	c.Insert(block.StartPC, fp, &ir.CompiledForm{Level: ir.OptStandard})
	c.Invalidate(block.StartPC)
	_, ok := c.Lookup(block.StartPC, fp)
	assert.False(t, ok)
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	c := New(nil)
	block := sampleBlock()
	fp, err := BlockFingerprint(block)
	require.NoError(t, err)
	form := &ir.CompiledForm{CodeBytes: []byte("compiled-bytes"), Level: ir.OptAggressive, EntryOffset: 4}
	c.Insert(block.StartPC, fp, form)

	var buf bytes.Buffer
	require.NoError(t, c.Persist(&buf))

	loaded := New(nil)
	require.NoError(t, loaded.Load(&buf))

	got, ok := loaded.Lookup(block.StartPC, fp)
	require.True(t, ok)
	assert.Equal(t, form.CodeBytes, got.CodeBytes)
	assert.Equal(t, form.Level, got.Level)
	assert.Equal(t, form.EntryOffset, got.EntryOffset)
}

type fakeRemote struct {
	form *ir.CompiledForm
}

func (f *fakeRemote) Lookup(pc addr.GVA, fp Fingerprint) (*ir.CompiledForm, bool) {
	if f.form == nil {
		return nil, false
	}
	return f.form, true
}

func TestRemoteFallbackPopulatesLocalEntry(t *testing.T) {
	block := sampleBlock()
	fp, err := BlockFingerprint(block)
	require.NoError(t, err)

	remote := &fakeRemote{form: &ir.CompiledForm{CodeBytes: []byte("remote"), Level: ir.OptStandard}}
	c := New(remote)

	got, ok := c.Lookup(block.StartPC, fp)
	require.True(t, ok)
	assert.Equal(t, remote.form, got)
	assert.EqualValues(t, 1, c.Stats().RemoteHits)

	remote.form = nil
	got2, ok := c.Lookup(block.StartPC, fp)
	require.True(t, ok, "second lookup should hit the now-populated local entry without consulting remote")
	assert.Same(t, got, got2)
}
