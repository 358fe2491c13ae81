// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunked

import (
	"context"
	"sync"
)

// workerPool runs a fixed number of goroutines until each returns.
// Stop cancels the context handed to the workers; Wait joins them.
type workerPool struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func startWorkers(n int, run func(ctx context.Context, id int)) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &workerPool{cancel: cancel, done: make(chan struct{})}
	for id := range n {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			run(ctx, id)
		}()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p
}

// Stop cancels the workers' context. Uploads in progress observe the
// cancellation through their context.
func (p *workerPool) Stop() {
	p.cancel()
}

// Wait blocks until every worker has returned or ctx ends.
func (p *workerPool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
