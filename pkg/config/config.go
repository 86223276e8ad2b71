// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config decodes and validates the TOML configuration surface
// of §6: one nested table per component, exactly the keys spec.md
// enumerates, unknown keys rejected the way katautils validates its
// hypervisor table.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/executor"
	"github.com/vmmcore/core/pkg/gc"
	"github.com/vmmcore/core/pkg/ir"
	"github.com/vmmcore/core/pkg/mmu"
)

var configLog = logrus.WithField("subsystem", "config")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		configLog = logger.WithField("subsystem", "config")
	}
}

// ErrUnknownKey is wrapped with the offending key path when a TOML
// document contains a table or field this package does not recognize.
var ErrUnknownKey = errors.New("config: unknown key")

// ExecMode selects which engines the dispatcher may use, the top-level
// analog of executor.Config's JITEnabled/AOTEnabled pair.
type ExecMode string

const (
	ModeInterpreter ExecMode = "interpreter"
	ModeJit         ExecMode = "jit"
	ModeUnified     ExecMode = "unified"
)

func (m ExecMode) valid() bool {
	switch m {
	case ModeInterpreter, ModeJit, ModeUnified:
		return true
	default:
		return false
	}
}

// GuestArch names the guest instruction set this core decodes and
// translates for. A concrete bit-for-bit decoder per architecture is a
// documented non-goal; this value only steers which decoder the
// runtime's registration table selects.
type GuestArch string

const (
	ArchX86_64  GuestArch = "x86_64"
	ArchAArch64 GuestArch = "aarch64"
	ArchRISCV64 GuestArch = "riscv64"
)

func (a GuestArch) valid() bool {
	switch a {
	case ArchX86_64, ArchAArch64, ArchRISCV64:
		return true
	default:
		return false
	}
}

// minAggressiveABI is the lowest guest ABI version allowed to request
// jit.max_optimization_level = "aggressive". Older guests negotiate
// standard optimization only, the way the teacher gates newer
// hypervisor features behind a minimum declared guest protocol.
var minAggressiveABI = semver.MustParse("2.0.0")

type inlineCacheConfig struct {
	PolymorphicThreshold  int `toml:"polymorphic_threshold"`
	MaxPolymorphicEntries int `toml:"max_polymorphic_entries"`
}

type loopUnrollConfig struct {
	MaxFactor          int `toml:"max_factor"`
	IterationThreshold int `toml:"iteration_threshold"`
}

type inliningConfig struct {
	MaxCalleeSize int `toml:"max_callee_size"`
	MinCallCount  int `toml:"min_call_count"`
}

type jitConfig struct {
	HotspotThreshold     uint64            `toml:"hotspot_threshold"`
	MaxOptimizationLevel string            `toml:"max_optimization_level"`
	InlineCache          inlineCacheConfig `toml:"inline_cache"`
	LoopUnroll           loopUnrollConfig  `toml:"loop_unroll"`
	Inlining             inliningConfig    `toml:"inlining"`
}

type tlbConfig struct {
	L1Capacity          int  `toml:"l1_capacity"`
	L2Capacity          int  `toml:"l2_capacity"`
	L2Shards            int  `toml:"l2_shards"`
	PrefetchEnabled     bool `toml:"prefetch_enabled"`
	PrefetchWindow      int  `toml:"prefetch_window"`
	AdaptiveReplacement bool `toml:"adaptive_replacement"`
}

type mmuConfig struct {
	TLB tlbConfig `toml:"tlb"`
}

type gcConfig struct {
	CardSize                int `toml:"card_size"`
	SliceBudgetUs           int `toml:"slice_budget_us"`
	SafepointPollIntervalUs int `toml:"safepoint_poll_interval_us"`
}

type ioConfig struct {
	MaxConcurrentRequests int `toml:"max_concurrent_requests"`
	AsyncWorkerCount      int `toml:"async_worker_count"`
}

type memoryConfig struct {
	SizeBytes uint64 `toml:"size_bytes"`
}

// tomlDocument mirrors the teacher's tomlConfig: one struct, one
// nested field per table, decoded in a single toml.Decode call so
// Undecoded() can report any key this shape doesn't recognize.
type tomlDocument struct {
	ExecMode        string       `toml:"exec_mode"`
	JIT             jitConfig    `toml:"jit"`
	MMU             mmuConfig    `toml:"mmu"`
	GC              gcConfig     `toml:"gc"`
	IO              ioConfig     `toml:"io"`
	Memory          memoryConfig `toml:"memory"`
	VCPUCount       int          `toml:"vcpu_count"`
	GuestArch       string       `toml:"guest_arch"`
	GuestABIVersion string       `toml:"guest_abi_version"`
}

// Config is the fully validated, typed configuration this core runs
// with, built from the decoded TOML document by Load.
type Config struct {
	ExecMode    ExecMode
	GuestArch   GuestArch
	VCPUCount   int
	MemoryBytes uint64

	Executor        executor.Config
	MMU             mmu.Config
	GCBudget        gc.Budget
	IOWorkers       int
	IOMaxConcurrent int

	MaxOptimizationLevel         ir.OptimizationLevel
	InlineCachePolyThreshold     int
	InlineCacheMaxPolyEntries    int
	LoopUnrollMaxFactor          int
	LoopUnrollIterationThreshold int
	InliningMaxCalleeSize        int
	InliningMinCallCount         int

	GuestABIVersion semver.Version
}

// Load reads, decodes, and validates the TOML configuration file at
// path. Any table or field not named in §6 is rejected, exactly the
// way katautils refuses unrecognized hypervisor keys.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: failed to read %s", path)
	}
	return Decode(string(data))
}

// Decode parses a TOML document already in memory, the unit most unit
// tests exercise directly.
func Decode(data string) (Config, error) {
	var doc tomlDocument
	meta, err := toml.Decode(data, &doc)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: malformed TOML")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Wrapf(ErrUnknownKey, "%s", undecoded[0].String())
	}
	return validate(doc)
}

func validate(doc tomlDocument) (Config, error) {
	cfg := Config{}

	cfg.ExecMode = ExecMode(doc.ExecMode)
	if !cfg.ExecMode.valid() {
		return Config{}, fmt.Errorf("config: exec_mode %q is not one of interpreter|jit|unified", doc.ExecMode)
	}

	cfg.GuestArch = GuestArch(doc.GuestArch)
	if !cfg.GuestArch.valid() {
		return Config{}, fmt.Errorf("config: guest_arch %q is not one of x86_64|aarch64|riscv64", doc.GuestArch)
	}

	if doc.VCPUCount <= 0 {
		return Config{}, fmt.Errorf("config: vcpu_count must be positive, got %d", doc.VCPUCount)
	}
	cfg.VCPUCount = doc.VCPUCount

	if doc.Memory.SizeBytes == 0 {
		return Config{}, errors.New("config: memory.size_bytes must be positive")
	}
	cfg.MemoryBytes = doc.Memory.SizeBytes

	abi, err := validateABI(doc.GuestABIVersion)
	if err != nil {
		return Config{}, err
	}
	cfg.GuestABIVersion = abi

	level, err := validateOptLevel(doc.JIT.MaxOptimizationLevel, abi)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxOptimizationLevel = level

	if doc.JIT.HotspotThreshold == 0 {
		return Config{}, errors.New("config: jit.hotspot_threshold must be positive")
	}
	cfg.Executor = executor.Config{
		HotspotThreshold: doc.JIT.HotspotThreshold,
		JITEnabled:       cfg.ExecMode == ModeJit || cfg.ExecMode == ModeUnified,
		AOTEnabled:       cfg.ExecMode == ModeUnified,
	}

	if doc.JIT.InlineCache.PolymorphicThreshold <= 0 {
		return Config{}, errors.New("config: jit.inline_cache.polymorphic_threshold must be positive")
	}
	if doc.JIT.InlineCache.MaxPolymorphicEntries <= 0 {
		return Config{}, errors.New("config: jit.inline_cache.max_polymorphic_entries must be positive")
	}
	cfg.InlineCachePolyThreshold = doc.JIT.InlineCache.PolymorphicThreshold
	cfg.InlineCacheMaxPolyEntries = doc.JIT.InlineCache.MaxPolymorphicEntries

	if doc.JIT.LoopUnroll.MaxFactor <= 0 {
		return Config{}, errors.New("config: jit.loop_unroll.max_factor must be positive")
	}
	if doc.JIT.LoopUnroll.IterationThreshold <= 0 {
		return Config{}, errors.New("config: jit.loop_unroll.iteration_threshold must be positive")
	}
	cfg.LoopUnrollMaxFactor = doc.JIT.LoopUnroll.MaxFactor
	cfg.LoopUnrollIterationThreshold = doc.JIT.LoopUnroll.IterationThreshold

	if doc.JIT.Inlining.MaxCalleeSize <= 0 {
		return Config{}, errors.New("config: jit.inlining.max_callee_size must be positive")
	}
	if doc.JIT.Inlining.MinCallCount <= 0 {
		return Config{}, errors.New("config: jit.inlining.min_call_count must be positive")
	}
	cfg.InliningMaxCalleeSize = doc.JIT.Inlining.MaxCalleeSize
	cfg.InliningMinCallCount = doc.JIT.Inlining.MinCallCount

	mmuCfg, err := validateMMU(doc.MMU.TLB)
	if err != nil {
		return Config{}, err
	}
	cfg.MMU = mmuCfg

	gcBudget, err := validateGC(doc.GC)
	if err != nil {
		return Config{}, err
	}
	cfg.GCBudget = gcBudget

	if doc.IO.MaxConcurrentRequests <= 0 {
		return Config{}, errors.New("config: io.max_concurrent_requests must be positive")
	}
	if doc.IO.AsyncWorkerCount <= 0 {
		return Config{}, errors.New("config: io.async_worker_count must be positive")
	}
	cfg.IOMaxConcurrent = doc.IO.MaxConcurrentRequests
	cfg.IOWorkers = doc.IO.AsyncWorkerCount

	return cfg, nil
}

func validateABI(raw string) (semver.Version, error) {
	if raw == "" {
		return semver.Version{}, nil
	}
	v, err := semver.Parse(raw)
	if err != nil {
		return semver.Version{}, errors.Wrapf(err, "config: guest_abi_version %q is not valid semver", raw)
	}
	return v, nil
}

func validateOptLevel(raw string, abi semver.Version) (ir.OptimizationLevel, error) {
	switch raw {
	case "none":
		return ir.OptNone, nil
	case "standard":
		return ir.OptStandard, nil
	case "aggressive":
		if abi.LT(minAggressiveABI) {
			return 0, fmt.Errorf("config: jit.max_optimization_level aggressive requires guest_abi_version >= %s, got %s", minAggressiveABI, abi)
		}
		return ir.OptAggressive, nil
	default:
		return 0, fmt.Errorf("config: jit.max_optimization_level %q is not one of none|standard|aggressive", raw)
	}
}

// validateMMU cross-checks tlb.l1_capacity and tlb.adaptive_replacement
// as sanity-checked but currently informational: pkg/mmu's L1 is a
// fixed 128-entry per-vCPU array and its L2 shards always
// self-tune between LRU/2Q/frequency-LRU policies, so these two keys
// are accepted and validated but do not parameterize either package
// yet (see DESIGN.md).
func validateMMU(tlb tlbConfig) (mmu.Config, error) {
	if tlb.L1Capacity <= 0 {
		return mmu.Config{}, errors.New("config: mmu.tlb.l1_capacity must be positive")
	}
	if tlb.L2Capacity <= 0 {
		return mmu.Config{}, errors.New("config: mmu.tlb.l2_capacity must be positive")
	}
	if tlb.L2Shards <= 0 {
		return mmu.Config{}, errors.New("config: mmu.tlb.l2_shards must be positive")
	}
	if tlb.PrefetchEnabled && tlb.PrefetchWindow <= 0 {
		return mmu.Config{}, errors.New("config: mmu.tlb.prefetch_window must be positive when prefetch_enabled")
	}
	return mmu.Config{
		L2Shards:         tlb.L2Shards,
		L2ShardCapacity:  tlb.L2Capacity,
		PrefetchDistance: tlb.PrefetchWindow,
		DisablePrefetch:  !tlb.PrefetchEnabled,
	}, nil
}

// validateGC cross-checks gc.card_size against the compiled-in card
// granularity: unlike the MMU keys above, this one has real teeth,
// since a mismatched value would silently desynchronize this config
// from the fixed-size CardTable the gc package actually allocates.
func validateGC(doc gcConfig) (gc.Budget, error) {
	if doc.CardSize != 0 && doc.CardSize != gc.CardSize {
		return gc.Budget{}, fmt.Errorf("config: gc.card_size %d does not match compiled card granularity %d", doc.CardSize, gc.CardSize)
	}
	if doc.SliceBudgetUs <= 0 {
		return gc.Budget{}, errors.New("config: gc.slice_budget_us must be positive")
	}
	if doc.SafepointPollIntervalUs <= 0 {
		return gc.Budget{}, errors.New("config: gc.safepoint_poll_interval_us must be positive")
	}
	return gc.Budget{MaxTime: time.Duration(doc.SliceBudgetUs) * time.Microsecond}, nil
}
