// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmmcore/core/pkg/ir"
)

const validDoc = `
exec_mode = "unified"
vcpu_count = 4
guest_arch = "x86_64"
guest_abi_version = "2.0.0"

[jit]
hotspot_threshold = 1000
max_optimization_level = "aggressive"

[jit.inline_cache]
polymorphic_threshold = 2
max_polymorphic_entries = 4

[jit.loop_unroll]
max_factor = 8
iteration_threshold = 32

[jit.inlining]
max_callee_size = 64
min_call_count = 3

[mmu.tlb]
l1_capacity = 128
l2_capacity = 4096
l2_shards = 16
prefetch_enabled = true
prefetch_window = 4
adaptive_replacement = true

[gc]
card_size = 512
slice_budget_us = 5000
safepoint_poll_interval_us = 256

[io]
max_concurrent_requests = 64
async_worker_count = 4

[memory]
size_bytes = 1073741824
`

func TestDecodeValidDocumentProducesExpectedConfig(t *testing.T) {
	cfg, err := Decode(validDoc)
	require.NoError(t, err)

	assert.Equal(t, ModeUnified, cfg.ExecMode)
	assert.Equal(t, ArchX86_64, cfg.GuestArch)
	assert.Equal(t, 4, cfg.VCPUCount)
	assert.Equal(t, uint64(1073741824), cfg.MemoryBytes)
	assert.True(t, cfg.Executor.JITEnabled)
	assert.True(t, cfg.Executor.AOTEnabled)
	assert.Equal(t, ir.OptAggressive, cfg.MaxOptimizationLevel)
	assert.Equal(t, 16, cfg.MMU.L2Shards)
	assert.Equal(t, 4, cfg.IOWorkers)
	assert.Equal(t, 64, cfg.IOMaxConcurrent)
}

func TestDecodeRejectsUnknownKey(t *testing.T) {
	doc := validDoc + "\nbogus_top_level_key = true\n"
	_, err := Decode(doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestDecodeRejectsInvalidExecMode(t *testing.T) {
	doc := `
exec_mode = "turbo"
vcpu_count = 1
guest_arch = "x86_64"
[jit]
hotspot_threshold = 10
max_optimization_level = "standard"
[jit.inline_cache]
polymorphic_threshold = 1
max_polymorphic_entries = 1
[jit.loop_unroll]
max_factor = 1
iteration_threshold = 1
[jit.inlining]
max_callee_size = 1
min_call_count = 1
[mmu.tlb]
l1_capacity = 1
l2_capacity = 1
l2_shards = 1
[gc]
slice_budget_us = 1
safepoint_poll_interval_us = 1
[io]
max_concurrent_requests = 1
async_worker_count = 1
[memory]
size_bytes = 1
`
	_, err := Decode(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec_mode")
}

func TestDecodeRejectsAggressiveWithoutSufficientABI(t *testing.T) {
	doc := `
exec_mode = "jit"
vcpu_count = 1
guest_arch = "x86_64"
guest_abi_version = "1.0.0"
[jit]
hotspot_threshold = 10
max_optimization_level = "aggressive"
[jit.inline_cache]
polymorphic_threshold = 1
max_polymorphic_entries = 1
[jit.loop_unroll]
max_factor = 1
iteration_threshold = 1
[jit.inlining]
max_callee_size = 1
min_call_count = 1
[mmu.tlb]
l1_capacity = 1
l2_capacity = 1
l2_shards = 1
[gc]
slice_budget_us = 1
safepoint_poll_interval_us = 1
[io]
max_concurrent_requests = 1
async_worker_count = 1
[memory]
size_bytes = 1
`
	_, err := Decode(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guest_abi_version")
}

func TestDecodeRejectsMismatchedCardSize(t *testing.T) {
	doc := `
exec_mode = "interpreter"
vcpu_count = 1
guest_arch = "aarch64"
[jit]
hotspot_threshold = 10
max_optimization_level = "none"
[jit.inline_cache]
polymorphic_threshold = 1
max_polymorphic_entries = 1
[jit.loop_unroll]
max_factor = 1
iteration_threshold = 1
[jit.inlining]
max_callee_size = 1
min_call_count = 1
[mmu.tlb]
l1_capacity = 1
l2_capacity = 1
l2_shards = 1
[gc]
card_size = 4096
slice_budget_us = 1
safepoint_poll_interval_us = 1
[io]
max_concurrent_requests = 1
async_worker_count = 1
[memory]
size_bytes = 1
`
	_, err := Decode(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card_size")
}

func TestDecodeRejectsMissingMemorySize(t *testing.T) {
	doc := `
exec_mode = "interpreter"
vcpu_count = 1
guest_arch = "riscv64"
[jit]
hotspot_threshold = 10
max_optimization_level = "none"
[jit.inline_cache]
polymorphic_threshold = 1
max_polymorphic_entries = 1
[jit.loop_unroll]
max_factor = 1
iteration_threshold = 1
[jit.inlining]
max_callee_size = 1
min_call_count = 1
[mmu.tlb]
l1_capacity = 1
l2_capacity = 1
l2_shards = 1
[gc]
slice_budget_us = 1
safepoint_poll_interval_us = 1
[io]
max_concurrent_requests = 1
async_worker_count = 1
`
	_, err := Decode(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory.size_bytes")
}
