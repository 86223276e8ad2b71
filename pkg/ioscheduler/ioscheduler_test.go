// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ioscheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	mu    sync.Mutex
	order []uint32
	fail  bool
}

func (b *recordingBackend) Do(ctx context.Context, req Request) error {
	b.mu.Lock()
	b.order = append(b.order, req.Device)
	b.mu.Unlock()
	if b.fail {
		return assertErr
	}
	return nil
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const assertErr = staticErr("backend failure")

func TestSubmitCompletesSuccessfully(t *testing.T) {
	s := New(1)
	defer s.Close()
	backend := &recordingBackend{}

	_, ch, err := s.Submit(Request{Device: 1, Op: OpRead, Backend: backend, Priority: Normal})
	require.NoError(t, err)

	select {
	case c := <-ch:
		assert.NoError(t, c.Err)
	case <-time.After(time.Second):
		t.Fatal("completion never arrived")
	}
}

func TestHigherPriorityServicedFirstOnSingleWorker(t *testing.T) {
	s := &Scheduler{depth: queueDepth}
	s.cond = sync.NewCond(&s.mu)
	backend := &recordingBackend{}

	// Queue requests directly (bypassing worker goroutines) to pin
	// ordering, then start exactly one worker to drain them.
	reqs := []Request{
		{Device: 1, Op: OpRead, Backend: backend, Priority: Low},
		{Device: 2, Op: OpRead, Backend: backend, Priority: Realtime},
		{Device: 3, Op: OpRead, Backend: backend, Priority: Normal},
	}
	var chans []<-chan Completion
	for _, r := range reqs {
		_, ch, err := s.Submit(r)
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	s.wg.Add(1)
	go s.worker()

	_, err := s.WaitAll(chans, 2*time.Second)
	require.NoError(t, err)
	s.Close()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.order, 3)
	assert.EqualValues(t, 2, backend.order[0], "realtime priority serviced first")
	assert.EqualValues(t, 3, backend.order[1], "normal before low")
	assert.EqualValues(t, 1, backend.order[2])
}

func TestFailedRequestReportsErrorAndUpdatesStats(t *testing.T) {
	s := New(1)
	defer s.Close()
	backend := &recordingBackend{fail: true}

	_, ch, err := s.Submit(Request{Device: 1, Backend: backend})
	require.NoError(t, err)

	c := <-ch
	assert.Error(t, c.Err)

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.Submitted)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestSubmitWithNoBackendFails(t *testing.T) {
	s := New(1)
	defer s.Close()

	_, ch, err := s.Submit(Request{Device: 1})
	require.NoError(t, err)
	c := <-ch
	assert.Error(t, c.Err)
}

func TestWaitAllTimesOutWhenIncomplete(t *testing.T) {
	s := New(0)
	defer s.Close()
	stuck := make(chan Completion)

	_, err := s.WaitAll([]<-chan Completion{stuck}, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	s := New(1)
	s.Close()
	_, _, err := s.Submit(Request{Device: 1})
	assert.Error(t, err)
}
