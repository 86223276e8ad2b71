// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mmu

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ReplacementPolicy is one of the L2 eviction strategies the adaptive
// controller chooses among at reconsideration intervals.
type ReplacementPolicy int

const (
	PolicyLRU ReplacementPolicy = iota
	PolicyFrequencyLRU
	Policy2Q
)

func (p ReplacementPolicy) String() string {
	switch p {
	case PolicyLRU:
		return "lru"
	case PolicyFrequencyLRU:
		return "frequency-lru"
	case Policy2Q:
		return "2q"
	default:
		return "unknown"
	}
}

// reconsiderInterval is the number of misses a shard absorbs before its
// replacement policy is re-evaluated, keeping the choice stable between
// intervals rather than thrashing entry by entry.
const reconsiderInterval = 256

type l2node struct {
	ent       entry
	elem      *list.Element
	freq      uint32
	probation bool
}

// shard is one independently-synchronized partition of the L2 TLB.
type shard struct {
	mu       sync.RWMutex
	order    *list.List // front = most recently used
	index    map[uint64]map[uint16]*l2node
	capacity int
	policy   ReplacementPolicy

	hits, misses, sinceReconsider, scanStreak uint64
	lastVPN                                   uint64
	haveLast                                  bool
}

func newShard(capacity int) *shard {
	return &shard{
		order:    list.New(),
		index:    make(map[uint64]map[uint16]*l2node),
		capacity: capacity,
		policy:   PolicyLRU,
	}
}

func (s *shard) lookup(vpn uint64, asid uint16) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trackSequential(vpn)

	byAsid, ok := s.index[vpn]
	var n *l2node
	if ok {
		n = byAsid[asid]
		if n == nil {
			// A global entry (PteG-equivalent) may satisfy any ASID.
			for _, cand := range byAsid {
				if cand.ent.flags.Has(FlagGlobal) {
					n = cand
					break
				}
			}
		}
	}
	if n == nil || !n.ent.valid {
		s.misses++
		s.sinceReconsider++
		s.maybeReconsider()
		return entry{}, false
	}

	s.hits++
	n.freq++
	s.touch(n)
	return n.ent, true
}

// trackSequential updates the scan-streak counter used by the adaptive
// policy: two consecutive lookups (hits or misses) one page apart, in
// either direction, is the sequential
// pattern prefetch and 2Q promotion both key off.
func (s *shard) trackSequential(vpn uint64) {
	if s.haveLast && (vpn == s.lastVPN+1 || vpn+1 == s.lastVPN) {
		s.scanStreak++
	} else if s.scanStreak > 0 {
		s.scanStreak--
	}
	s.lastVPN = vpn
	s.haveLast = true
}

// touch applies the policy's promotion rule for a hit on n.
func (s *shard) touch(n *l2node) {
	switch s.policy {
	case Policy2Q:
		if n.probation {
			n.probation = false
		}
		s.order.MoveToFront(n.elem)
	default:
		s.order.MoveToFront(n.elem)
	}
}

func (s *shard) insert(e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byAsid := s.index[e.vpn]
	if byAsid == nil {
		byAsid = make(map[uint16]*l2node)
		s.index[e.vpn] = byAsid
	}
	if existing, ok := byAsid[e.asid]; ok {
		existing.ent = e
		existing.freq++
		s.order.MoveToFront(existing.elem)
		return
	}

	if s.order.Len() >= s.capacity {
		s.evict()
	}

	n := &l2node{ent: e, freq: 1, probation: s.policy == Policy2Q}
	n.elem = s.order.PushFront(n)
	byAsid[e.asid] = n
}

// evict removes one entry chosen by the active policy. Caller holds s.mu.
func (s *shard) evict() {
	var victim *list.Element

	switch s.policy {
	case PolicyLRU:
		victim = s.order.Back()

	case PolicyFrequencyLRU:
		const scanWindow = 8
		e := s.order.Back()
		best := e
		for i := 0; e != nil && i < scanWindow; i, e = i+1, e.Prev() {
			if e.Value.(*l2node).freq < best.Value.(*l2node).freq {
				best = e
			}
		}
		victim = best

	case Policy2Q:
		for e := s.order.Back(); e != nil; e = e.Prev() {
			if e.Value.(*l2node).probation {
				victim = e
				break
			}
		}
		if victim == nil {
			victim = s.order.Back()
		}
	}

	if victim == nil {
		return
	}
	n := victim.Value.(*l2node)
	s.order.Remove(victim)
	delete(s.index[n.ent.vpn], n.ent.asid)
	if len(s.index[n.ent.vpn]) == 0 {
		delete(s.index, n.ent.vpn)
	}
}

// maybeReconsider re-evaluates the replacement policy every
// reconsiderInterval misses, per spec: "the choice is stable between
// reconsideration intervals." Caller holds s.mu.
func (s *shard) maybeReconsider() {
	if s.sinceReconsider < reconsiderInterval {
		return
	}
	s.sinceReconsider = 0

	total := s.hits + s.misses
	if total == 0 {
		return
	}
	scanRatio := float64(s.scanStreak) / float64(total)
	hitRatio := float64(s.hits) / float64(total)

	switch {
	case scanRatio > 0.4:
		// Sequential scans thrash plain LRU; 2Q's probationary queue
		// absorbs the scan without evicting the working set.
		s.policy = Policy2Q
	case hitRatio < 0.5:
		s.policy = PolicyFrequencyLRU
	default:
		s.policy = PolicyLRU
	}
}

func (s *shard) invalidateVPN(vpn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.index[vpn] {
		n.ent.valid = false
	}
}

func (s *shard) invalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.index = make(map[uint64]map[uint16]*l2node)
}

func (s *shard) snapshotStats() (hits, misses uint64, policy ReplacementPolicy) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits, s.misses, s.policy
}

// L2 is the shared, sharded TLB level consulted on an L1 miss. Each
// shard owns an independent lock so vCPUs translating disjoint working
// sets never contend.
type L2 struct {
	shards    []*shard
	numShards uint64

	genMu sync.Mutex
	gen   map[uint16]*atomic.Uint32
}

// NewL2 builds an L2 TLB with numShards independent shards, each holding
// up to capacityPerShard entries.
func NewL2(numShards, capacityPerShard int) *L2 {
	if numShards < 1 {
		numShards = 1
	}
	l2 := &L2{
		shards:    make([]*shard, numShards),
		numShards: uint64(numShards),
		gen:       make(map[uint16]*atomic.Uint32),
	}
	for i := range l2.shards {
		l2.shards[i] = newShard(capacityPerShard)
	}
	return l2
}

// shardFor hashes (vpn, asid) to select a shard, per the sharded-L2 design.
func (l2 *L2) shardFor(vpn uint64, asid uint16) *shard {
	var buf [10]byte
	binary.LittleEndian.PutUint64(buf[0:8], vpn)
	binary.LittleEndian.PutUint16(buf[8:10], asid)
	idx := xxhash.Sum64(buf[:]) % l2.numShards
	return l2.shards[idx]
}

// CurrentGeneration returns the live generation counter for asid.
func (l2 *L2) CurrentGeneration(asid uint16) uint32 {
	l2.genMu.Lock()
	g, ok := l2.gen[asid]
	if !ok {
		g = &atomic.Uint32{}
		l2.gen[asid] = g
	}
	l2.genMu.Unlock()
	return g.Load()
}

// InvalidateASID bumps asid's generation, lock-free relative to readers:
// a reader that already captured the old generation simply treats its
// entry as stale on its next lookup rather than blocking.
func (l2 *L2) InvalidateASID(asid uint16) {
	l2.genMu.Lock()
	g, ok := l2.gen[asid]
	if !ok {
		g = &atomic.Uint32{}
		l2.gen[asid] = g
	}
	l2.genMu.Unlock()
	g.Add(1)
}

// Lookup probes the shard owning (vpn, asid).
func (l2 *L2) Lookup(vpn uint64, asid uint16) (entry, bool) {
	e, ok := l2.shardFor(vpn, asid).lookup(vpn, asid)
	if !ok {
		return entry{}, false
	}
	if e.generation != l2.CurrentGeneration(asid) {
		return entry{}, false
	}
	return e, true
}

// Insert stamps e with the current generation for its ASID and installs
// it into its shard.
func (l2 *L2) Insert(e entry) {
	e.generation = l2.CurrentGeneration(e.asid)
	l2.shardFor(e.vpn, e.asid).insert(e)
}

// InvalidateVPN tombstones vpn in every shard, regardless of ASID: the
// spec names this scope explicitly (by-VPN invalidation) separate from
// by-ASID.
func (l2 *L2) InvalidateVPN(vpn uint64) {
	for _, s := range l2.shards {
		s.invalidateVPN(vpn)
	}
}

// InvalidateAll drops every entry in every shard.
func (l2 *L2) InvalidateAll() {
	for _, s := range l2.shards {
		s.invalidateAll()
	}
}

// ShardStats reports hits, misses and active policy per shard, for
// diagnostics and for the engine's exported metrics.
func (l2 *L2) ShardStats() []ShardStat {
	stats := make([]ShardStat, len(l2.shards))
	for i, s := range l2.shards {
		hits, misses, policy := s.snapshotStats()
		stats[i] = ShardStat{Hits: hits, Misses: misses, Policy: policy}
	}
	return stats
}

// ShardStat is a point-in-time read of one L2 shard's counters.
type ShardStat struct {
	Hits, Misses uint64
	Policy       ReplacementPolicy
}
