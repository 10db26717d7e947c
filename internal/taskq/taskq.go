// Package taskq provides the shared executor the client drains its
// operations through: a mutex-guarded priority queue fed to a fixed pool of
// workers. Lower priority values run first.
package taskq

import (
	"container/heap"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of queued work.
type Task func()

// PriorityDefault is used by Submit; operations that must run ahead of the
// backlog (erases) use PriorityHigh.
const (
	PriorityHigh    = 0
	PriorityDefault = 10
)

type item struct {
	task     Task
	priority int
	seq      uint64
	index    int
}

// taskHeap orders by priority, then submission order.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Pool drains a priority queue with a fixed number of workers.
type Pool struct {
	mu   sync.Mutex
	heap taskHeap
	seq  uint64
	wake chan struct{}
}

// NewPool returns an empty pool. Run must be called before submitted tasks
// execute.
func NewPool() *Pool {
	p := &Pool{wake: make(chan struct{}, 1)}
	heap.Init(&p.heap)
	return p
}

// Submit enqueues a task at the default priority.
func (p *Pool) Submit(t Task) {
	p.SubmitPriority(t, PriorityDefault)
}

// SubmitPriority enqueues a task with an explicit priority.
func (p *Pool) SubmitPriority(t Task, priority int) {
	p.mu.Lock()
	p.seq++
	heap.Push(&p.heap, &item{task: t, priority: priority, seq: p.seq})
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heap.Len()
}

func (p *Pool) pop() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.heap.Len() == 0 {
		return nil, false
	}
	it := heap.Pop(&p.heap).(*item)
	return it.task, true
}

// Run blocks draining the queue with the given number of workers until ctx
// is cancelled. Tasks still queued at cancellation are abandoned.
func (p *Pool) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				for {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					t, ok := p.pop()
					if !ok {
						break
					}
					t()
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-p.wake:
				}
			}
		})
	}
	return g.Wait()
}
