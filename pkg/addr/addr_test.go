// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGVAOffsetAndVPN(t *testing.T) {
	assert := assert.New(t)

	g := GVA(0x1000_0010)
	assert.Equal(uint64(0x10), g.Offset(Page4KiB))
	assert.Equal(uint64(0x1000_0010)>>12, g.VPN(Page4KiB))
	assert.False(g.Aligned(Page4KiB))
	assert.True(GVA(0x1000_0000).Aligned(Page4KiB))
}

func TestGPAPageAndOffset(t *testing.T) {
	assert := assert.New(t)

	g := GPA(0x9000_0123)
	assert.Equal(GPA(0x9000_0000), g.Page(Page4KiB))
	assert.Equal(uint64(0x123), g.Offset(Page4KiB))
}

func TestPageSizeShift(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint(12), Page4KiB.Shift())
	assert.Equal(uint(14), Page16KiB.Shift())
	assert.Equal(uint(16), Page64KiB.Shift())
	assert.Equal(uint(21), Page2MiB.Shift())
	assert.Equal(uint(30), Page1GiB.Shift())
}

func TestAddOffsetCrossType(t *testing.T) {
	assert := assert.New(t)

	gva := GVA(0x1000).AddOffset(0x10)
	assert.Equal(GVA(0x1010), gva)

	gpa := GPA(0x1000).AddOffset(-0x10)
	assert.Equal(GPA(0xFF0), gpa)
}

func TestAccessTypeString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("Read", Read.String())
	assert.Equal("Atomic", Atomic.String())
}
