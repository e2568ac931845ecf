/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

// Package ratelimit implements the token-bucket flood control spec.md §6
// mentions only in passing. The supplemented design (SPEC_FULL.md) runs
// two buckets per message: a per-connection bucket that punishes a single
// abusive client, and a per-account aggregate bucket that punishes a
// bouncer account opening many sessions to multiply its effective rate.
// Both are refilled by one shared ticker rather than a timer per bucket,
// so a server with many idle connections doesn't accumulate one goroutine
// each just to decay a bucket nobody is using.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a classic token bucket: Take consumes one token if available.
// Refill is driven externally by a Limiter's shared ticker rather than by
// each Bucket scheduling its own timer.
type Bucket struct {
	tokens int64 // atomic, fixed-point: real tokens * scale
	burst  int64
}

const tokenScale = 1000

func newBucket(burst int) *Bucket {
	return &Bucket{tokens: int64(burst) * tokenScale, burst: int64(burst) * tokenScale}
}

// Take attempts to consume one token. Returns false if the bucket is
// empty, in which case the caller should reply TRY_AGAIN / FAIL rather
// than process the command.
func (b *Bucket) Take() bool {
	for {
		cur := atomic.LoadInt64(&b.tokens)
		if cur < tokenScale {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.tokens, cur, cur-tokenScale) {
			return true
		}
	}
}

func (b *Bucket) refill(amount int64) {
	for {
		cur := atomic.LoadInt64(&b.tokens)
		next := cur + amount
		if next > b.burst {
			next = b.burst
		}
		if atomic.CompareAndSwapInt64(&b.tokens, cur, next) {
			return
		}
	}
}

// Limiter owns every connection-scoped and account-scoped Bucket in the
// server and refills all of them off one ticker goroutine.
type Limiter struct {
	burst    int
	rate     int64 // tokens (scaled) to add per tick
	interval time.Duration

	mu       sync.Mutex
	conns    map[string]*Bucket
	accounts map[string]*Bucket

	stop chan struct{}
}

// New creates a Limiter that grants burst tokens per connection bucket and
// four times that per account bucket, refilled at one token per sustained
// interval.
func New(burst int, sustained time.Duration) *Limiter {
	const tickEvery = 100 * time.Millisecond
	perTick := int64(float64(tokenScale) * (float64(tickEvery) / float64(sustained)))
	if perTick < 1 {
		perTick = 1
	}
	l := &Limiter{
		burst:    burst,
		rate:     perTick,
		interval: tickEvery,
		conns:    make(map[string]*Bucket),
		accounts: make(map[string]*Bucket),
		stop:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Limiter) run() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for _, b := range l.conns {
				b.refill(l.rate)
			}
			for _, b := range l.accounts {
				b.refill(l.rate)
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Close stops the refill goroutine. Safe to call once per Limiter.
func (l *Limiter) Close() {
	close(l.stop)
}

// Connection returns (creating if needed) the bucket for a connection id,
// typically a SessionId rendered as a string.
func (l *Limiter) Connection(id string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.conns[id]
	if !ok {
		b = newBucket(l.burst)
		l.conns[id] = b
	}
	return b
}

// Account returns (creating if needed) the aggregate bucket for an
// account name, shared across every session logged into that account.
func (l *Limiter) Account(account string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.accounts[account]
	if !ok {
		b = newBucket(l.burst * 4)
		l.accounts[account] = b
	}
	return b
}

// Forget drops a connection's bucket once it disconnects, so the map
// doesn't grow unbounded over the server's lifetime.
func (l *Limiter) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, id)
}

// Allow checks both the connection and (if non-empty) the account bucket,
// consuming a token from each only if both currently have one available,
// so a rejected command never partially drains one bucket and not the
// other.
func (l *Limiter) Allow(connID, account string) bool {
	cb := l.Connection(connID)
	if !cb.peek() {
		return false
	}
	var ab *Bucket
	if account != "" {
		ab = l.Account(account)
		if !ab.peek() {
			return false
		}
	}
	cb.Take()
	if ab != nil {
		ab.Take()
	}
	return true
}

func (b *Bucket) peek() bool {
	return atomic.LoadInt64(&b.tokens) >= tokenScale
}
