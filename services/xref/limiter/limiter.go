// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package limiter bounds the number of in-flight dependent lookups.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the concurrency used when none is configured.
const DefaultCapacity = 7

// Limiter hands out at most Capacity work slots at a time.
//
// Description:
//
//	A counting semaphore with observable counters. Acquire blocks until a
//	slot is free or the context is done; every Slot must be released
//	exactly once, which Slot.Release guarantees by being idempotent.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64

	inFlight atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
}

// New creates a limiter. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire waits for a free slot.
//
// Inputs:
//
//	ctx - Cancels the wait. Must not be nil.
//
// Outputs:
//
//	*Slot - The held slot. Release it when the work finishes.
//	error - ctx.Err() (wrapped) if the context ended first. No slot is
//	        held in that case.
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	recordWait(ctx, time.Since(start))

	l.acquired.Add(1)
	l.inFlight.Add(1)
	recordInFlight(ctx, 1)

	return &Slot{limiter: l}, nil
}

func (l *Limiter) release() {
	l.inFlight.Add(-1)
	l.released.Add(1)
	recordInFlight(context.Background(), -1)
	l.sem.Release(1)
}

// Capacity returns the maximum number of concurrent slots.
func (l *Limiter) Capacity() int {
	return int(l.capacity)
}

// InFlight returns the number of currently held slots.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Acquired returns the total number of slots ever acquired.
func (l *Limiter) Acquired() int64 {
	return l.acquired.Load()
}

// Released returns the total number of slots ever released.
func (l *Limiter) Released() int64 {
	return l.released.Load()
}

// Slot is one unit of granted concurrency.
type Slot struct {
	limiter *Limiter
	once    sync.Once
}

// Release returns the slot to its limiter. Later calls do nothing.
func (s *Slot) Release() {
	s.once.Do(s.limiter.release)
}
