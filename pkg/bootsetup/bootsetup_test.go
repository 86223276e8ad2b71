// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package bootsetup

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmmcore/core/pkg/addr"
)

func newHeader(version uint16, setupSects byte, loadflags uint8) []byte {
	h := make([]byte, 0x230)
	h[offSetupSects] = setupSects
	h[offLoadflags] = loadflags
	binary.LittleEndian.PutUint16(h[offVersion:offVersion+2], version)
	return h
}

func TestApplyHeaderWritesAllFieldsForModernProtocol(t *testing.T) {
	header := newHeader(0x0206, 0, 0)
	cfg := Config{
		TypeOfLoader: 0xFF,
		VidMode:      0xFFFF,
		RamdiskGPA:   addr.GPA(0x1000000),
		RamdiskSize:  4096,
		CmdLineGPA:   addr.GPA(0x20000),
		HeapEndPtr:   0xFE00,
	}
	require.NoError(t, ApplyHeader(header, cfg))

	assert.Equal(t, byte(0xFF), header[offTypeOfLoader])
	assert.NotZero(t, header[offLoadflags]&CanUseHeap)
	assert.Equal(t, uint16(0xFFFF), binary.LittleEndian.Uint16(header[offVidMode:offVidMode+2]))
	assert.Equal(t, uint16(0xFE00), binary.LittleEndian.Uint16(header[offHeapEndPtr:offHeapEndPtr+2]))
	assert.Equal(t, uint32(0x20000), binary.LittleEndian.Uint32(header[offCmdLinePtr:offCmdLinePtr+4]))
	assert.Equal(t, uint32(0x1000000), binary.LittleEndian.Uint32(header[offRamdiskImage:offRamdiskImage+4]))
	assert.Equal(t, uint32(4096), binary.LittleEndian.Uint32(header[offRamdiskSize:offRamdiskSize+4]))
}

func TestApplyHeaderRejectsCmdLinePtrOnOldProtocol(t *testing.T) {
	header := newHeader(0x0105, 0, 0)
	err := ApplyHeader(header, Config{CmdLineGPA: addr.GPA(0x1000)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolTooOld)
}

func TestApplyHeaderRejectsHeapEndPtrOnOldProtocol(t *testing.T) {
	header := newHeader(0x0200, 0, 0)
	err := ApplyHeader(header, Config{HeapEndPtr: 0xFE00})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolTooOld)
}

func TestBuildCmdLineAppendsEfifbFragmentWhenPresent(t *testing.T) {
	cfg := Config{
		HasFramebuffer: true,
		Framebuffer:    Framebuffer{Addr: 0xE0000000, Width: 1024, Height: 768, Stride: 4096},
	}
	got := BuildCmdLine("console=ttyS0", cfg)
	assert.Equal(t, "console=ttyS0 efifb=0xe0000000:1024x768@4096", got)
}

func TestBuildCmdLineLeavesParamsUnchangedWithoutFramebuffer(t *testing.T) {
	got := BuildCmdLine("console=ttyS0", Config{})
	assert.Equal(t, "console=ttyS0", got)
}

func TestWriteCmdLineNullTerminates(t *testing.T) {
	dst := make([]byte, 32)
	n, err := WriteCmdLine(dst, "console=ttyS0")
	require.NoError(t, err)
	assert.Equal(t, len("console=ttyS0")+1, n)
	assert.Equal(t, byte(0), dst[len("console=ttyS0")])
}

func TestWriteCmdLineFailsWhenBufferTooSmall(t *testing.T) {
	dst := make([]byte, 4)
	_, err := WriteCmdLine(dst, "console=ttyS0")
	require.Error(t, err)
}

func TestEntryPointTreatsLoadedHighAsBzImage(t *testing.T) {
	header := newHeader(0x0100, 0, LoadedHigh)
	entry, isBz, err := EntryPoint(header, addr.GPA(0x100000))
	require.NoError(t, err)
	assert.True(t, isBz)
	assert.Equal(t, addr.GPA(0x100200), entry)
}

func TestEntryPointTreatsOldProtocolWithoutFlagAsZImage(t *testing.T) {
	header := newHeader(0x0100, 0, 0)
	// protocol < 2.00, loadflags clear: zImage semantics.
	header[offVersion] = 0x00
	header[offVersion+1] = 0x01
	entry, isBz, err := EntryPoint(header, addr.GPA(0x10000))
	require.NoError(t, err)
	assert.False(t, isBz)
	assert.Equal(t, addr.GPA(0x10000), entry)
}

func TestKernelFileOffsetDefaultsWhenSetupSectsZero(t *testing.T) {
	header := newHeader(0x0206, 0, 0)
	off, err := KernelFileOffset(header)
	require.NoError(t, err)
	assert.Equal(t, int64(5*512), off)
}

func TestKernelFileOffsetUsesDeclaredSetupSects(t *testing.T) {
	header := newHeader(0x0206, 30, 0)
	off, err := KernelFileOffset(header)
	require.NoError(t, err)
	assert.Equal(t, int64(31*512), off)
}
