// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ioscheduler is the async I/O request scheduler of §4.F: a
// priority queue of device requests serviced by a fixed worker pool,
// FIFO within a priority band, with completion notification and
// aggregate statistics. It shares its banded-priority scheduling
// vocabulary with pkg/engine/jit.TaskCategory, the other background
// work queue this core runs, though the two enums classify different
// things (I/O urgency here, compile-tier work there) and so stay
// separate types.
package ioscheduler

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/core/pkg/addr"
	"github.com/vmmcore/core/pkg/ioretry"
	"github.com/vmmcore/core/pkg/resourcecontrol"
)

var schedLog = logrus.WithField("subsystem", "ioscheduler")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	if logger != nil {
		schedLog = logger.WithField("subsystem", "ioscheduler")
	}
}

// Priority bands a request's urgency. Higher values are serviced first;
// within a band, requests are serviced FIFO by submission order.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Realtime
)

// Op identifies the kind of device operation a Request performs.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
)

// Backend performs the actual device I/O for a submitted request. It is
// supplied by the concrete device (block, network, console, ...)
// issuing the request.
type Backend interface {
	Do(ctx context.Context, req Request) error
}

// Request describes one unit of asynchronous device work.
type Request struct {
	Device   uint32
	Op       Op
	GPA      addr.GPA
	Len      uint32
	Priority Priority
	Backend  Backend
}

// Completion is delivered when a submitted request finishes, whether
// successfully or not.
type Completion struct {
	ID  uint64
	Err error
}

type queuedRequest struct {
	req       Request
	id        uint64
	seq       uint64
	completer chan Completion
}

// requestHeap orders by (priority desc, seq asc) so FIFO holds within a band.
type requestHeap []*queuedRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedRequest))
}
func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Stats reports aggregate scheduler activity.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
}

// Scheduler dispatches submitted requests to a fixed pool of workers,
// highest priority first, retrying recoverable backend errors via
// pkg/ioretry before surfacing a completion.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    requestHeap
	nextID  uint64
	nextSeq uint64
	closed  bool

	pool resourcecontrol.PoolController

	wg sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	depth prometheus.Gauge
}

var queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "vmmcore",
	Subsystem: "ioscheduler",
	Name:      "queue_depth",
	Help:      "Requests currently queued or in flight in the async I/O scheduler.",
})

func init() {
	prometheus.MustRegister(queueDepth)
}

// New starts a Scheduler backed by workerCount goroutines, placed under a
// dedicated "io-workers" resource-control pool where the host supports one
// (see pkg/resourcecontrol). Pool placement is best-effort: a host without
// cgroups (or without permission to create one) still runs the scheduler,
// just unscoped.
func New(workerCount int) *Scheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	s := &Scheduler{depth: queueDepth}
	s.cond = sync.NewCond(&s.mu)

	pool, err := resourcecontrol.NewPoolController("io-workers")
	if err != nil {
		schedLog.WithError(err).Warn("resource controller unavailable for io-workers pool, running unscoped")
	} else {
		s.pool = pool
	}

	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit enqueues req and returns its ID along with a channel that
// receives exactly one Completion once the request finishes.
func (s *Scheduler) Submit(req Request) (uint64, <-chan Completion, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, errors.New("ioscheduler: scheduler is closed")
	}
	s.nextID++
	id := s.nextID
	s.nextSeq++
	qr := &queuedRequest{req: req, id: id, seq: s.nextSeq, completer: make(chan Completion, 1)}
	heap.Push(&s.heap, qr)
	s.mu.Unlock()
	s.cond.Signal()

	s.submitted.Add(1)
	s.depth.Inc()
	return id, qr.completer, nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if s.pool != nil {
		if err := s.pool.AddThread(resourcecontrol.CurrentThreadID()); err != nil {
			schedLog.WithError(err).Warn("failed to place io worker thread under resource controller")
		}
	}

	for {
		s.mu.Lock()
		for len(s.heap) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.heap) == 0 {
			s.mu.Unlock()
			return
		}
		qr := heap.Pop(&s.heap).(*queuedRequest)
		s.mu.Unlock()

		err := s.execute(qr.req)
		if err != nil {
			s.failed.Add(1)
		} else {
			s.completed.Add(1)
		}
		s.depth.Dec()
		qr.completer <- Completion{ID: qr.id, Err: err}
		close(qr.completer)
	}
}

func (s *Scheduler) execute(req Request) error {
	if req.Backend == nil {
		return errors.New("ioscheduler: request has no backend")
	}
	return ioretry.Do(func() error {
		return req.Backend.Do(context.Background(), req)
	})
}

// WaitAll blocks until every channel in completions has produced a
// result or timeout elapses, returning the completions gathered before
// whichever came first.
func (s *Scheduler) WaitAll(completions []<-chan Completion, timeout time.Duration) ([]Completion, error) {
	results := make([]Completion, 0, len(completions))
	deadline := time.After(timeout)
	for _, ch := range completions {
		select {
		case c := <-ch:
			results = append(results, c)
		case <-deadline:
			return results, errors.Errorf("ioscheduler: wait_all timed out with %d/%d completions", len(results), len(completions))
		}
	}
	return results, nil
}

// Stats returns a snapshot of aggregate scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
	}
}

// Close stops accepting new requests and waits for queued work to drain.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()

	if s.pool != nil {
		if err := s.pool.Delete(); err != nil {
			schedLog.WithError(err).Warn("failed to delete io-workers resource controller")
		}
	}
}
