// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package containers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPromise(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tempPromise := NewPromise[int]()

	tempPromise.Produce(1)
	res, err := tempPromise.Await(ctx)
	if res != 1 || err != nil {
		t.Fatal("unexpected Promise.Await")
	}
	res, err = tempPromise.Current()
	if res != 1 || err != nil {
		t.Fatal("unexpected Promise.Current when ready")
	}

	tempPromise = NewPromise[int]()
	res, err = tempPromise.Current()
	if res != 0 || !errors.Is(err, ErrNotReady) {
		t.Fatal("unexpected Promise.Current when not ready")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		res, err = tempPromise.Await(ctx)
		wg.Done()
	}()
	tempPromise.Produce(2)
	wg.Wait()
	if res != 2 || err != nil {
		t.Fatal("unexpected Promise.Await in parallel")
	}

	tempPromise = NewPromise[int]()
	produceErr := errors.New("it failed")
	tempPromise.ProduceError(produceErr)
	_, err = tempPromise.Await(ctx)
	if !errors.Is(err, produceErr) {
		t.Fatal("unexpected Promise.Await error")
	}

	tempPromise = NewPromise[int]()
	shortCtx, shortCancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer shortCancel()
	_, err = tempPromise.Await(shortCtx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("unexpected Promise.Await with expired context")
	}
}
