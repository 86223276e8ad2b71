// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package jit

import (
	"sync"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ir"
)

// MaxPolyFanout bounds how many distinct receivers a polymorphic inline
// cache tracks. Recording a further receiver evicts the earliest-added
// entry; there is no slow-path table behind the cache, so a receiver
// that is not cached is simply a miss.
const MaxPolyFanout = 4

// inlineCacheTable owns every call-site inline cache for one JIT
// instance, keyed by call site so a receiver invalidation can sweep all
// of them.
type inlineCacheTable struct {
	mu    sync.Mutex
	sites map[addr.GVA]*ir.InlineCache
}

func newInlineCacheTable() *inlineCacheTable {
	return &inlineCacheTable{sites: make(map[addr.GVA]*ir.InlineCache)}
}

// Lookup returns the cached target for (callSite, receiver). A site with
// no cache yet reports a miss; Record is what creates a site's cache.
func (t *inlineCacheTable) Lookup(callSite addr.GVA, receiver uint64) (uintptr, bool) {
	t.mu.Lock()
	ic, ok := t.sites[callSite]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	return ic.Lookup(receiver)
}

// Record observes a call to (callSite, receiver, codePtr), creating the
// site's cache if this is its first call.
func (t *inlineCacheTable) Record(callSite addr.GVA, receiver uint64, codePtr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ic, ok := t.sites[callSite]
	if !ok {
		ic = ir.NewInlineCache(callSite)
		t.sites[callSite] = ic
	}
	ic.Record(receiver, codePtr, MaxPolyFanout)
}

// InvalidateReceiver purges receiver from every call site's cache, e.g.
// after the block it names is recompiled or evicted.
func (t *inlineCacheTable) InvalidateReceiver(receiver uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ic := range t.sites {
		if !ic.IsPoly {
			if ic.Mono.Receiver == receiver {
				ic.Mono = ir.ICEntry{}
			}
			continue
		}
		kept := ic.Poly[:0]
		for _, e := range ic.Poly {
			if e.Receiver != receiver {
				kept = append(kept, e)
			}
		}
		ic.Poly = kept
	}
}

// InvalidateSite drops the entire cache for callSite, e.g. on block
// invalidation.
func (t *inlineCacheTable) InvalidateSite(callSite addr.GVA) {
	t.mu.Lock()
	delete(t.sites, callSite)
	t.mu.Unlock()
}
