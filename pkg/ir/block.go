// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ir

import "github.com/vmmcore/core/pkg/addr"

// SideEffects is a bitset summarizing what a Block might do beyond pure
// register computation, cheap to check before, e.g., electing a block
// for aggressive inlining or AOT persistence.
type SideEffects uint64

const (
	EffectMemoryStore SideEffects = 1 << iota
	EffectSyscall
	EffectIntrinsic
	EffectIndirectControl
)

// Has reports whether all bits in want are set.
func (s SideEffects) Has(want SideEffects) bool { return s&want == want }

// Block is the unit of decode, caching and compilation: a straight-line
// run of Ops starting at StartPC and ending at Term, with no internal
// control flow.
type Block struct {
	StartPC addr.GVA
	Ops     []Op
	Term    Term
	Effects SideEffects

	// Sources is the set of guest-virtual byte ranges that contributed to
	// decoding this block, used to build its write-watch.
	Sources []SourceExtent
}

// OptimizationLevel is the tier a compiled form was produced at.
type OptimizationLevel uint8

const (
	OptNone OptimizationLevel = iota
	OptStandard
	OptAggressive
)

func (o OptimizationLevel) String() string {
	switch o {
	case OptNone:
		return "none"
	case OptStandard:
		return "standard"
	case OptAggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// RelocationSite is a position in CompiledForm.CodeBytes that encodes a
// guest-virtual target needing patching if the block it points to moves
// or is recompiled.
type RelocationSite struct {
	Offset uint32
	Target addr.GVA
}

// CompiledMetadata carries everything about a compiled form besides the
// raw machine code: the IR-register-to-host-register assignment, where a
// safepoint poll was emitted, and where targets need patching.
type CompiledMetadata struct {
	RegMap           map[Reg]int
	SafepointOffsets []uint32
	Relocations      []RelocationSite
}

// CompiledForm is machine code produced by a JIT tier or loaded from the
// AOT cache. It is owned exclusively by the block cache; an engine holds
// only a read-only reference while executing inside it.
type CompiledForm struct {
	CodeBytes   []byte
	EntryOffset uint32
	Metadata    CompiledMetadata
	Level       OptimizationLevel
}

// ICEntry is one receiver/target pair in an inline cache.
type ICEntry struct {
	Receiver uint64
	CodePtr  uintptr
}

// InlineCache speculates on the target of an indirect call site,
// starting monomorphic and upgrading to polymorphic as distinct
// receivers are observed, up to a configured fanout.
type InlineCache struct {
	CallSite addr.GVA
	Mono     ICEntry
	Poly     []ICEntry
	IsPoly   bool
}

// NewInlineCache creates an empty, monomorphic cache for callSite.
func NewInlineCache(callSite addr.GVA) *InlineCache {
	return &InlineCache{CallSite: callSite}
}

// Lookup returns the cached target for receiver, if any.
func (c *InlineCache) Lookup(receiver uint64) (uintptr, bool) {
	if !c.IsPoly {
		if c.Mono.Receiver == receiver && c.Mono.CodePtr != 0 {
			return c.Mono.CodePtr, true
		}
		return 0, false
	}
	for _, e := range c.Poly {
		if e.Receiver == receiver {
			return e.CodePtr, true
		}
	}
	return 0, false
}

// Record observes a call to (receiver, codePtr), populating the
// monomorphic slot on first use and upgrading to polymorphic on a
// second, distinct receiver. maxPoly bounds fanout: once reached, the
// earliest-added entry is evicted to make room (re-recording a cached
// receiver updates it in place without moving it), since an
// unbounded cache defeats the point of caching at all.
func (c *InlineCache) Record(receiver uint64, codePtr uintptr, maxPoly int) {
	if !c.IsPoly {
		if c.Mono.CodePtr == 0 || c.Mono.Receiver == receiver {
			c.Mono = ICEntry{Receiver: receiver, CodePtr: codePtr}
			return
		}
		c.IsPoly = true
		c.Poly = append(c.Poly, c.Mono, ICEntry{Receiver: receiver, CodePtr: codePtr})
		c.Mono = ICEntry{}
		return
	}

	for i, e := range c.Poly {
		if e.Receiver == receiver {
			c.Poly[i].CodePtr = codePtr
			return
		}
	}
	if maxPoly > 0 && len(c.Poly) >= maxPoly {
		c.Poly = append(c.Poly[1:], ICEntry{Receiver: receiver, CodePtr: codePtr})
		return
	}
	c.Poly = append(c.Poly, ICEntry{Receiver: receiver, CodePtr: codePtr})
}
