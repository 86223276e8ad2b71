// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package blockcache holds decoded IR blocks and their compiled forms,
// keyed by guest-virtual start address. Concurrent get and insert are
// always safe; invalidation races against in-flight readers and is
// serialized by a quiescent-state grace period rather than a lock, so a
// vCPU deep inside a compiled block is never interrupted by a cache
// mutation happening on another thread.
package blockcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ir"
)

var cacheLog = logrus.WithField("subsystem", "blockcache")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		cacheLog = logger.WithField("subsystem", "blockcache")
	}
}

// noEpoch marks a reader slot as not currently inside a critical
// section, so it cannot block reclamation.
const noEpoch = ^uint64(0)

type blockEntry struct {
	block    *ir.Block
	compiled atomic.Pointer[ir.CompiledForm]
	valid    atomic.Bool
	pages    []addr.GPA
}

type retired struct {
	form  *ir.CompiledForm
	epoch uint64
}

// Cache is the block cache shared across every vCPU. One Cache backs
// one guest address space.
type Cache struct {
	mu     sync.RWMutex
	blocks map[addr.GVA]*blockEntry
	byPage map[addr.GPA]map[addr.GVA]struct{}

	epoch        atomic.Uint64
	readerEpoch  []atomic.Uint64
	retireMu     sync.Mutex
	retiredForms []retired

	reclaimTick time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// New builds a Cache sized for readerCount concurrent readers (typically
// the vCPU count, one reader slot per vCPU).
func New(readerCount int) *Cache {
	if readerCount < 1 {
		readerCount = 1
	}
	c := &Cache{
		blocks:      make(map[addr.GVA]*blockEntry),
		byPage:      make(map[addr.GPA]map[addr.GVA]struct{}),
		readerEpoch: make([]atomic.Uint64, readerCount),
		reclaimTick: 2 * time.Millisecond,
		stop:        make(chan struct{}),
	}
	for i := range c.readerEpoch {
		c.readerEpoch[i].Store(noEpoch)
	}
	go c.reclaimLoop()
	return c
}

// Close stops the background reclamation loop. Forms still on the
// retired list stay there; Close does not reclaim them.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Enter marks reader as inside a critical section at the current epoch
// and returns that epoch. A vCPU calls this before dereferencing a
// compiled form and Exit immediately after it stops executing inside
// it (typically at every block boundary).
func (c *Cache) Enter(reader int) uint64 {
	e := c.epoch.Load()
	c.readerEpoch[reader].Store(e)
	return e
}

// Exit clears reader's critical section marker.
func (c *Cache) Exit(reader int) {
	c.readerEpoch[reader].Store(noEpoch)
}

// Get returns the block and, if present, its current compiled form, for
// pc. ok is false if pc has never been decoded or was invalidated and
// not yet reinserted.
func (c *Cache) Get(pc addr.GVA) (block *ir.Block, compiled *ir.CompiledForm, ok bool) {
	c.mu.RLock()
	e, found := c.blocks[pc]
	c.mu.RUnlock()
	if !found || !e.valid.Load() {
		return nil, nil, false
	}
	return e.block, e.compiled.Load(), true
}

// Insert installs block at pc, recorded against every guest-physical
// page in pages so a later InvalidatePage can find it. compiled may be
// nil; the interpreter tier runs from the decoded block alone.
func (c *Cache) Insert(pc addr.GVA, block *ir.Block, compiled *ir.CompiledForm, pages []addr.GPA) {
	e := &blockEntry{block: block, pages: pages}
	e.valid.Store(true)
	if compiled != nil {
		e.compiled.Store(compiled)
	}

	c.mu.Lock()
	c.blocks[pc] = e
	for _, p := range pages {
		set := c.byPage[p]
		if set == nil {
			set = make(map[addr.GVA]struct{})
			c.byPage[p] = set
		}
		set[pc] = struct{}{}
	}
	c.mu.Unlock()
}

// UpdateCompiled atomically swaps in a new compiled form for an already
// decoded block, the hot-update path a background recompile completes
// through. It does not touch validity or the page index.
func (c *Cache) UpdateCompiled(pc addr.GVA, compiled *ir.CompiledForm) bool {
	c.mu.RLock()
	e, ok := c.blocks[pc]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	old := e.compiled.Swap(compiled)
	if old != nil {
		c.retire(old)
	}
	return true
}

// Invalidate marks every block whose start falls within [start, end) as
// invalid and retires its compiled form for grace-period reclamation.
func (c *Cache) Invalidate(start, end addr.GVA) {
	c.mu.Lock()
	var hit []*blockEntry
	for pc, e := range c.blocks {
		if pc >= start && pc < end {
			hit = append(hit, e)
			delete(c.blocks, pc)
			for _, p := range e.pages {
				delete(c.byPage[p], pc)
				if len(c.byPage[p]) == 0 {
					delete(c.byPage, p)
				}
			}
		}
	}
	c.mu.Unlock()

	c.invalidateEntries(hit)
}

// InvalidatePage invalidates every block whose decode touched gpa: the
// write-watch callback for a guest store into that page.
func (c *Cache) InvalidatePage(gpa addr.GPA) {
	c.mu.Lock()
	pcs := c.byPage[gpa]
	hit := make([]*blockEntry, 0, len(pcs))
	for pc := range pcs {
		if e, ok := c.blocks[pc]; ok {
			hit = append(hit, e)
			delete(c.blocks, pc)
			for _, p := range e.pages {
				delete(c.byPage[p], pc)
				if len(c.byPage[p]) == 0 {
					delete(c.byPage, p)
				}
			}
		}
	}
	c.mu.Unlock()

	c.invalidateEntries(hit)
}

func (c *Cache) invalidateEntries(hit []*blockEntry) {
	if len(hit) == 0 {
		return
	}
	for _, e := range hit {
		e.valid.Store(false)
		if form := e.compiled.Swap(nil); form != nil {
			c.retire(form)
		}
	}
}

// retire queues a compiled form for release once every reader has
// observed an epoch at least one past the one current when it was
// retired, i.e. no reader can still hold a reference acquired before
// the mutation that displaced it.
func (c *Cache) retire(form *ir.CompiledForm) {
	e := c.epoch.Add(1)
	c.retireMu.Lock()
	c.retiredForms = append(c.retiredForms, retired{form: form, epoch: e})
	c.retireMu.Unlock()
}

func (c *Cache) reclaimLoop() {
	ticker := time.NewTicker(c.reclaimTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reclaim()
		case <-c.stop:
			return
		}
	}
}

// reclaim releases retired forms once the grace period for them has
// elapsed: the minimum epoch observed across all active readers is past
// the form's retirement epoch.
func (c *Cache) reclaim() {
	min := c.minReaderEpoch()

	c.retireMu.Lock()
	defer c.retireMu.Unlock()
	if len(c.retiredForms) == 0 {
		return
	}
	kept := c.retiredForms[:0]
	for _, r := range c.retiredForms {
		if min == noEpoch || r.epoch < min {
			continue // no active reader can still hold this; safe to drop
		}
		kept = append(kept, r)
	}
	c.retiredForms = kept
}

func (c *Cache) minReaderEpoch() uint64 {
	min := noEpoch
	for i := range c.readerEpoch {
		e := c.readerEpoch[i].Load()
		if e == noEpoch {
			continue
		}
		if e < min {
			min = e
		}
	}
	return min
}

// Len reports the number of currently valid cached blocks, for metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}
