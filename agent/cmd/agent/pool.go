package main

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vigilrun/vigil/agent"
)

// pool is a toy worker pool: each worker is a goroutine ticking once a
// second. It lets the collector's cluster commands be tried end to end.
type pool struct {
	mu       sync.Mutex
	size     int
	nextID   int
	workers  map[string]context.CancelFunc
	ctx      context.Context
	onChange func()
}

func newPool(size int) *pool {
	return &pool{size: size, workers: make(map[string]context.CancelFunc)}
}

func (p *pool) run(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.reconcileLocked()
	p.mu.Unlock()
	<-ctx.Done()
}

func (p *pool) reconcileLocked() {
	if p.ctx == nil {
		return
	}
	for len(p.workers) < p.size {
		p.nextID++
		id := strconv.Itoa(p.nextID)
		wctx, cancel := context.WithCancel(p.ctx)
		p.workers[id] = cancel
		go work(wctx)
	}
	for _, id := range p.idsLocked() {
		if len(p.workers) <= p.size {
			break
		}
		p.workers[id]()
		delete(p.workers, id)
	}
	if p.onChange != nil {
		p.onChange()
	}
}

func (p *pool) idsLocked() []string {
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	return ids
}

func work(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *pool) SetSize(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = n
	p.reconcileLocked()
	return nil
}

func (p *pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.workers {
		cancel()
		delete(p.workers, id)
	}
	p.reconcileLocked()
	return nil
}

func (p *pool) Terminate(id string) error { return p.stop(id) }

func (p *pool) Shutdown(id string) error { return p.stop(id) }

func (p *pool) stop(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.workers[id]
	if !ok {
		return fmt.Errorf("no worker %q", id)
	}
	cancel()
	delete(p.workers, id)
	p.reconcileLocked()
	return nil
}

func (p *pool) Status() agent.ClusterStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.idsLocked()
	workers := make([]agent.Worker, len(ids))
	for i, id := range ids {
		workers[i] = agent.Worker{ID: id}
	}
	return agent.ClusterStatus{
		Enabled:  p.ctx != nil,
		IsMaster: true,
		SetSize:  p.size,
		Size:     len(ids),
		Workers:  workers,
		CPUs:     runtime.NumCPU(),
	}
}
