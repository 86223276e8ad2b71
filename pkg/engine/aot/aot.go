// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package aot is the ahead-of-time compiled-code cache of §4.D.3: a
// content-addressed store keyed by a block's start_pc plus a fingerprint
// of its decoded ops and terminator (not of the guest source bytes), so a
// cached form is only ever reused for the exact decoded sequence it was
// compiled from. Lookup is O(1); on miss
// the caller falls back to JIT or interpreter.
package aot

import (
	"crypto/sha256"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ir"
)

var aotLog = logrus.WithField("subsystem", "aot")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		aotLog = logger.WithField("subsystem", "aot")
	}
}

// Fingerprint identifies a block's decoded ops and terminator, independent of
// any particular compiled representation.
type Fingerprint [sha256.Size]byte

// fingerprintable is the part of an ir.Block a fingerprint is taken
// over; it deliberately excludes anything a future decode of the same
// bytes might compute differently (e.g. Sources, which a front-end may
// widen without changing semantics).
type fingerprintable struct {
	Ops  []ir.Op
	Term ir.Term
}

// BlockFingerprint computes block's content fingerprint.
func BlockFingerprint(block *ir.Block) (Fingerprint, error) {
	data, err := cbor.Marshal(fingerprintable{Ops: block.Ops, Term: block.Term})
	if err != nil {
		return Fingerprint{}, err
	}
	return sha256.Sum256(data), nil
}

type entry struct {
	fingerprint Fingerprint
	form        *ir.CompiledForm
}

// RemoteLookup is the optional remote fingerprint lookup of §4.D.3's
// "may be persisted between runs" allowance, mirroring the teacher's
// grpccache factory for a remote base-VM lookup.
type RemoteLookup interface {
	Lookup(pc addr.GVA, fp Fingerprint) (*ir.CompiledForm, bool)
}

// Cache is the in-process AOT cache. It is safe for concurrent use by
// multiple vCPU dispatch loops.
type Cache struct {
	mu      sync.RWMutex
	entries map[addr.GVA]entry
	remote  RemoteLookup

	hits, misses, remoteHits uint64
}

// New returns an empty cache. remote may be nil to disable remote
// fallback entirely.
func New(remote RemoteLookup) *Cache {
	return &Cache{entries: make(map[addr.GVA]entry), remote: remote}
}

// Lookup returns the cached form for (pc, fp) if present locally or, on
// local miss, from the remote lookup when one is configured. A
// fingerprint mismatch at the same pc is treated as a miss: the block's
// decoded content changed since the entry was cached.
func (c *Cache) Lookup(pc addr.GVA, fp Fingerprint) (*ir.CompiledForm, bool) {
	c.mu.RLock()
	e, ok := c.entries[pc]
	c.mu.RUnlock()
	if ok && e.fingerprint == fp {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return e.form, true
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	if c.remote == nil {
		return nil, false
	}
	form, ok := c.remote.Lookup(pc, fp)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	c.remoteHits++
	c.mu.Unlock()
	c.Insert(pc, fp, form)
	return form, true
}

// Insert stores or replaces the cached form for pc.
func (c *Cache) Insert(pc addr.GVA, fp Fingerprint, form *ir.CompiledForm) {
	c.mu.Lock()
	c.entries[pc] = entry{fingerprint: fp, form: form}
	c.mu.Unlock()
}

// Invalidate drops any cached entry for pc.
func (c *Cache) Invalidate(pc addr.GVA) {
	c.mu.Lock()
	delete(c.entries, pc)
	c.mu.Unlock()
}

// Stats reports cumulative hit/miss counters.
type Stats struct {
	Hits, Misses, RemoteHits uint64
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, RemoteHits: c.remoteHits}
}

// Len reports the number of locally cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
