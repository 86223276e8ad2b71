// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmmcore/core/pkg/addr"
)

func TestTranslateFailsWithoutMapping(t *testing.T) {
	m := New(1 << 20)
	_, err := m.Translate(addr.GPA(0x1000))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestRegisterRejectsOversizeTransfer(t *testing.T) {
	m := New(16)
	err := m.Register(Mapping{GPA: 0x1000, HVA: 0x7f0000, Len: 32})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestTranslateResolvesOffsetWithinMapping(t *testing.T) {
	m := New(1 << 20)
	require.NoError(t, m.Register(Mapping{GPA: 0x1000, HVA: 0x7f0000, Len: 0x1000, Flags: Flags{Readable: true, Coherent: true}}))

	tr, err := m.Translate(addr.GPA(0x1040))
	require.NoError(t, err)
	assert.EqualValues(t, 0x7f0040, tr.HVA)
	assert.EqualValues(t, 0x1000-0x40, tr.ContiguousLen)
	assert.False(t, tr.NeedsSync)
}

func TestTranslateMarksNeedsSyncForNonCoherentMapping(t *testing.T) {
	m := New(1 << 20)
	require.NoError(t, m.Register(Mapping{GPA: 0x1000, HVA: 0x7f0000, Len: 0x1000}))

	tr, err := m.Translate(addr.GPA(0x1000))
	require.NoError(t, err)
	assert.True(t, tr.NeedsSync)
}

func TestBuildScatterGatherSpansAdjacentMappings(t *testing.T) {
	m := New(1 << 20)
	require.NoError(t, m.Register(Mapping{GPA: 0x1000, HVA: 0xA000, Len: 0x1000}))
	require.NoError(t, m.Register(Mapping{GPA: 0x2000, HVA: 0xB000, Len: 0x1000}))

	list, err := m.BuildScatterGather(addr.GPA(0x1800), 0x1000)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.EqualValues(t, 0x800, list[0].Len)
	assert.EqualValues(t, 0xA800, list[0].HVA)
	assert.EqualValues(t, 0x800, list[1].Len)
	assert.EqualValues(t, 0xB000, list[1].HVA)
}

func TestBuildScatterGatherFailsOnGap(t *testing.T) {
	m := New(1 << 20)
	require.NoError(t, m.Register(Mapping{GPA: 0x1000, HVA: 0xA000, Len: 0x1000}))
	require.NoError(t, m.Register(Mapping{GPA: 0x3000, HVA: 0xB000, Len: 0x1000}))

	_, err := m.BuildScatterGather(addr.GPA(0x1000), 0x3000)
	assert.ErrorIs(t, err, ErrFragmented)
}

func TestUnregisterRemovesMapping(t *testing.T) {
	m := New(1 << 20)
	require.NoError(t, m.Register(Mapping{GPA: 0x1000, HVA: 0xA000, Len: 0x1000}))
	m.Unregister(addr.GPA(0x1000))

	_, err := m.Translate(addr.GPA(0x1000))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSyncIsNoOpForCoherentMapping(t *testing.T) {
	m := New(1 << 20)
	require.NoError(t, m.Register(Mapping{GPA: 0x1000, HVA: 0xA000, Len: 0x1000, Flags: Flags{Coherent: true}}))
	assert.NoError(t, m.SyncForDevice(addr.GPA(0x1000)))
	assert.NoError(t, m.SyncFromDevice(addr.GPA(0x1000)))
}
