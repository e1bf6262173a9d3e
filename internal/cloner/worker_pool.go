package cloner

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// WorkerPool bounds how many collections a database cloner copies at once.
type WorkerPool struct {
	size int
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{size: size}
}

func (p *WorkerPool) Size() int {
	return p.size
}

// Group returns an errgroup limited to the pool size. The returned context
// is cancelled on the first task error.
func (p *WorkerPool) Group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	return g, gctx
}
