// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package containers

import (
	"context"
	"errors"
	"sync"
)

var ErrNotReady = errors.New("not ready")

// Promise is a one-shot value container. Exactly one of Produce or
// ProduceError may be called, once; Await blocks until then.
type Promise[T any] struct {
	mutex    sync.Mutex
	result   T
	err      error
	produced bool
	readyCh  chan struct{}
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{readyCh: make(chan struct{})}
}

func (p *Promise[T]) Produce(value T) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.produced {
		return
	}
	p.result = value
	p.produced = true
	close(p.readyCh)
}

func (p *Promise[T]) ProduceError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.produced {
		return
	}
	p.err = err
	p.produced = true
	close(p.readyCh)
}

// Current returns the value if ready, otherwise ErrNotReady.
func (p *Promise[T]) Current() (T, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.produced {
		var empty T
		return empty, ErrNotReady
	}
	return p.result, p.err
}

func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.readyCh:
		return p.Current()
	case <-ctx.Done():
		var empty T
		return empty, ctx.Err()
	}
}
