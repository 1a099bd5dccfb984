// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream provides pull-based asynchronous sequences.
//
// An Iterator is finite and cannot be restarted. Consumers call Next until
// it returns Done (normal end) or another error (failure). Producers that
// push values from goroutines are adapted with Produce; Merge interleaves
// several iterators in arrival order; Accumulate turns a stream of batches
// into a stream of growing totals.
package stream

import (
	"context"
	"errors"
	"sync"
)

// Done is returned by Next when the sequence is exhausted, like io.EOF.
var Done = errors.New("stream done")

// Iterator is a pull-based asynchronous sequence.
type Iterator[T any] interface {
	// Next blocks until the next value, the end of the sequence (Done),
	// a failure, or ctx being done.
	Next(ctx context.Context) (T, error)
}

// IteratorFunc adapts a function to Iterator.
type IteratorFunc[T any] func(ctx context.Context) (T, error)

// Next calls f.
func (f IteratorFunc[T]) Next(ctx context.Context) (T, error) {
	return f(ctx)
}

// EmitFunc delivers one value to the consumer. It blocks until the value
// is taken and fails with the context error once the producer context is
// done.
type EmitFunc[T any] func(v T) error

// ProduceFunc pushes values with emit and returns nil on a normal end.
type ProduceFunc[T any] func(ctx context.Context, emit EmitFunc[T]) error

// =============================================================================
// PRODUCE
// =============================================================================

type producer[T any] struct {
	items chan T
	done  chan struct{}
	err   error
}

// Produce runs fn in a goroutine and exposes its emitted values as an
// Iterator.
//
// Description:
//
//	Values are handed over synchronously, so fn runs at most one value
//	ahead of the consumer. When fn returns, the iterator ends with Done
//	(nil return) or fn's error. Cancelling ctx unblocks emit so fn can
//	return; a consumer that stops reading must cancel ctx to release the
//	goroutine.
//
// Thread Safety:
//
//	emit may be called from multiple goroutines spawned by fn.
func Produce[T any](ctx context.Context, fn ProduceFunc[T]) Iterator[T] {
	p := &producer[T]{
		items: make(chan T),
		done:  make(chan struct{}),
	}
	emit := func(v T) error {
		select {
		case p.items <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	go func() {
		defer close(p.done)
		p.err = fn(ctx, emit)
	}()
	return p
}

func (p *producer[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-p.items:
		return v, nil
	case <-p.done:
		if p.err != nil {
			return zero, p.err
		}
		return zero, Done
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// FromSlice returns an iterator over values.
func FromSlice[T any](values ...T) Iterator[T] {
	var (
		mu sync.Mutex
		i  int
	)
	return IteratorFunc[T](func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		mu.Lock()
		defer mu.Unlock()
		if i >= len(values) {
			return zero, Done
		}
		v := values[i]
		i++
		return v, nil
	})
}

// Fail returns an iterator whose first Next fails with err.
func Fail[T any](err error) Iterator[T] {
	return IteratorFunc[T](func(context.Context) (T, error) {
		var zero T
		return zero, err
	})
}

// =============================================================================
// MERGE
// =============================================================================

// Merge interleaves sources in arrival order.
//
// Description:
//
//	Every source is pulled concurrently. The merged iterator ends with
//	Done after all sources end. The first source error cancels the other
//	sources and becomes the merged iterator's error.
func Merge[T any](ctx context.Context, sources ...Iterator[T]) Iterator[T] {
	mctx, cancel := context.WithCancel(ctx)
	return Produce(mctx, func(ctx context.Context, emit EmitFunc[T]) error {
		defer cancel()

		var (
			wg       sync.WaitGroup
			once     sync.Once
			firstErr error
		)
		fail := func(err error) {
			once.Do(func() {
				firstErr = err
				cancel()
			})
		}

		for _, src := range sources {
			wg.Add(1)
			go func(src Iterator[T]) {
				defer wg.Done()
				for {
					v, err := src.Next(ctx)
					if errors.Is(err, Done) {
						return
					}
					if err != nil {
						fail(err)
						return
					}
					if err := emit(v); err != nil {
						fail(err)
						return
					}
				}
			}(src)
		}
		wg.Wait()
		return firstErr
	})
}

// =============================================================================
// ACCUMULATE
// =============================================================================

type accumulator[T any] struct {
	src       Iterator[[]T]
	transform func([]T) []T
	total     []T
}

// Accumulate turns a stream of batches into a stream of running totals.
//
// Description:
//
//	Empty batches are skipped. Each remaining batch is passed through
//	transform (if non-nil) and appended to the total. Every emitted total
//	is a fresh slice, so earlier totals are never modified.
func Accumulate[T any](src Iterator[[]T], transform func([]T) []T) Iterator[[]T] {
	return &accumulator[T]{src: src, transform: transform}
}

func (a *accumulator[T]) Next(ctx context.Context) ([]T, error) {
	for {
		batch, err := a.src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			continue
		}
		if a.transform != nil {
			batch = a.transform(batch)
			if len(batch) == 0 {
				continue
			}
		}
		next := make([]T, 0, len(a.total)+len(batch))
		next = append(next, a.total...)
		next = append(next, batch...)
		a.total = next
		return next, nil
	}
}

// Drain consumes it and returns the last value.
//
// Outputs:
//
//	T - The last value received, zero if none
//	error - nil if the iterator ended with Done, otherwise its error.
//	        The last value is returned with the error.
func Drain[T any](ctx context.Context, it Iterator[T]) (T, error) {
	var last T
	for {
		v, err := it.Next(ctx)
		if errors.Is(err, Done) {
			return last, nil
		}
		if err != nil {
			return last, err
		}
		last = v
	}
}

// Collect consumes it and returns every value in order.
func Collect[T any](ctx context.Context, it Iterator[T]) ([]T, error) {
	var out []T
	for {
		v, err := it.Next(ctx)
		if errors.Is(err, Done) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}
