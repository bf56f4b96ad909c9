/************************************************************************************
 *
 * goda (Golang Optimized Discord API), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package speedcord

import (
	"sync"
	"time"
)

// BucketLock is a mutual-exclusion primitive guarding one REST bucket.
// A normal holder releases it on exit. A holder that observes the
// bucket is exhausted (X-RateLimit-Remaining: 0) calls Defer before
// returning, which arms a timer to perform the release instead —
// the next waiter is blocked by the scheduled timer, not by the
// original holder's own goroutine sleeping through the reset window.
type BucketLock struct {
	mu       sync.Mutex
	deferred bool
}

// Lock acquires the bucket lock, blocking until available.
func (b *BucketLock) Lock() {
	b.mu.Lock()
	b.deferred = false
}

// Unlock releases the bucket lock immediately. Callers that called
// Defer must not also call Unlock.
func (b *BucketLock) Unlock() {
	b.mu.Unlock()
}

// Defer schedules the lock to be released after d instead of
// releasing it now. Only valid while the lock is held.
func (b *BucketLock) Defer(d time.Duration) {
	b.deferred = true
	time.AfterFunc(d, b.mu.Unlock)
}

// Release unlocks the bucket unless a deferred release was already
// scheduled via Defer.
func (b *BucketLock) Release() {
	if !b.deferred {
		b.mu.Unlock()
	}
}

// bucketTable maps a Route's bucket key to its BucketLock, creating
// locks lazily and safely under concurrent first use.
type bucketTable struct {
	locks sync.Map // map[string]*BucketLock
}

func (t *bucketTable) get(key string) *BucketLock {
	v, _ := t.locks.LoadOrStore(key, &BucketLock{})
	return v.(*BucketLock)
}
