// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package gc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafepointFastPathDoesNotBlockWithoutRequest(t *testing.T) {
	c := NewCoordinator()
	sp := c.RegisterThread()
	for i := 0; i < pollAmortize*2; i++ {
		sp.Poll()
	}
}

func TestStopTheWorldWaitsForAllThreadsThenResumes(t *testing.T) {
	c := NewCoordinator()
	sp1 := c.RegisterThread()
	sp2 := c.RegisterThread()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	run := func(sp *Safepoint) {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				sp.Poll()
			}
		}
	}
	go run(sp1)
	go run(sp2)

	err := c.StopTheWorld(time.Second)
	require.NoError(t, err)
	c.Resume()
	close(done)
	wg.Wait()
}

func TestStopTheWorldTimesOutWhenRegisteredThreadsNeverPoll(t *testing.T) {
	c := NewCoordinator()
	c.RegisterThread()
	c.RegisterThread()
	// neither registered thread ever polls, so convergence can't complete.
	err := c.StopTheWorld(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrSafepointTimeout)
	c.Resume()
}

func TestCardTableWriteBarrierCountsOnlyFirstDirty(t *testing.T) {
	ct := NewCardTable(4096)
	ct.MarkDirty(0)
	ct.MarkDirty(0)
	ct.MarkDirty(CardSize)
	assert.EqualValues(t, 2, ct.DirtyCount())
	assert.True(t, ct.IsDirty(0))
	assert.True(t, ct.IsDirty(CardSize))
	assert.False(t, ct.IsDirty(CardSize*2))
}

func TestCardTableClearResetsDirtyState(t *testing.T) {
	ct := NewCardTable(4096)
	ct.MarkDirty(0)
	ct.Clear()
	assert.False(t, ct.IsDirty(0))
	assert.Zero(t, ct.DirtyCount())
}

type fakeRoot struct{ pages []int }

func (f fakeRoot) Trace() []int { return f.pages }

type fakeSweeper struct{ swept []int }

func (f *fakeSweeper) Sweep(page int) { f.swept = append(f.swept, page) }

func TestCollectorMarksThenSweepsUnmarkedPages(t *testing.T) {
	sweeper := &fakeSweeper{}
	col := NewCollector(4, nil, []Root{fakeRoot{pages: []int{0, 2}}}, sweeper, Budget{MaxPages: 100, MaxTime: time.Second})

	col.Start()
	require.Equal(t, PhaseMarking, col.Phase())
	col.RunSlice()
	require.Equal(t, PhaseSweeping, col.Phase())
	col.RunSlice()
	require.Equal(t, PhaseIdle, col.Phase())

	assert.ElementsMatch(t, []int{1, 3}, sweeper.swept)
}

func TestCollectorRespectsPageBudgetAcrossSlices(t *testing.T) {
	sweeper := &fakeSweeper{}
	col := NewCollector(10, nil, []Root{fakeRoot{pages: []int{}}}, sweeper, Budget{MaxPages: 3, MaxTime: time.Second})
	col.Start()
	col.RunSlice() // mark phase has nothing to mark, transitions immediately
	require.Equal(t, PhaseSweeping, col.Phase())

	col.RunSlice()
	assert.Equal(t, PhaseSweeping, col.Phase())
	assert.Equal(t, 3, col.Progress().Page)

	col.RunSlice()
	assert.Equal(t, 6, col.Progress().Page)

	col.RunSlice()
	assert.Equal(t, 9, col.Progress().Page)

	col.RunSlice()
	assert.Equal(t, PhaseIdle, col.Phase())
	assert.Len(t, sweeper.swept, 10)
}

func TestStartIsNoOpWhileCollectionInProgress(t *testing.T) {
	col := NewCollector(2, nil, nil, nil, Budget{})
	col.Start()
	col.Start()
	assert.Equal(t, PhaseMarking, col.Phase())
}
