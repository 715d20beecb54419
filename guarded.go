// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package guarded wraps shared data in containers that only expose their
// values through short-lived, scope-bound access proxies, and layers a
// deadlock-avoidance policy over the locks those containers own.
//
// Consider a group of goroutines sharing several independent pieces of
// mutable state.  Guarding each piece with its own mutex gives good
// concurrency, but as soon as one goroutine needs two pieces at once the
// classic failure modes appear: goroutine 1 locks A and waits for B while
// goroutine 2 locks B and waits for A.  The usual fix is a global lock
// ordering, which every call site must know about and which no compiler
// checks.
//
// This package encodes the ordering discipline in data structures instead.
// Each Container owns a value and a lock; callers that want deadlock
// protection carry an Auth, a per-goroutine ledger of the locks they
// currently hold.  Every acquisition first consults the ledger, and any
// acquisition that could close a wait cycle is refused outright rather than
// queued:
//
//  1. A caller holding nothing may acquire anything, blocking if asked to.
//  2. A caller holding a write lock may only reacquire that same lock
//     (read or write); any other acquisition is refused.
//  3. A caller holding only read locks may acquire further read locks, but
//     no write lock.
//
// Refusal is reported by returning an empty proxy; the caller never blocks
// on an acquisition the ledger predicted would deadlock.
//
// When a caller genuinely needs many locks at once it declares so through a
// MultiLock.  Holding the multi-lock in write mode serializes whole-graph
// operations: the holder may acquire arbitrarily many subordinate locks
// without further ordering checks, while every other caller's
// multi-routed access waits for the declaration to end.
//
// Four lock flavors are provided.  The two reader/writer flavors admit many
// concurrent readers or one writer and differ only in whether a waiting
// writer blocks new readers:
//
//	+-----------------+----------+-----------+-----------+
//	| Request/Holding | Unlocked | Holding W | Holding R |
//	+-----------------+----------+-----------+-----------+
//	| Request W       |   Yes    |  No [1]   |    No     |
//	| Request R       |   Yes    |  No [1]   |  Yes [2]  |
//	+-----------------+----------+-----------+-----------+
//
// [1]: granted anyway when the requester's own Auth holds the write
// (reentry).  [2]: the writer-preferred flavor makes new readers wait while
// a writer is queued; the reader-preferred flavor lets them through.
//
// The exclusive flavor admits a single holder in either mode and permits no
// reentry at all, and the broken flavor fails (or succeeds) unconditionally
// for use in tests.
package guarded

import (
	"sync/atomic"
)

// orderCounter backs Container.Order.  Strictly increasing across the
// process so that order comparisons are total and never tie.
var orderCounter uint64

func nextOrder() uint64 {
	return atomic.AddUint64(&orderCounter, 1)
}

// A Lock is one of the package's lock flavors.  The flavor set is closed:
// RWLock, RLock, WLock and BrokenLock implement it, and the deadlock
// policy's soundness depends on there being no others.
type Lock interface {
	// RegisterLock acquires the lock in read or write mode on behalf of
	// auth (which may be nil), returning the post-acquisition holder count
	// for that mode.  A refusal by the auth ledger fails immediately even
	// when block is true; contention fails only when block is false.
	RegisterLock(auth *Auth, read, block bool) (int, bool)

	// ReleaseLock undoes one RegisterLock in the given mode and credits
	// the auth ledger.  Releasing a lock that is not held panics.
	ReleaseLock(auth *Auth, read bool)

	// LockAllowed reports whether a non-blocking RegisterLock with the
	// same arguments would currently succeed.  It has no side effects.
	LockAllowed(auth *Auth, read bool) bool

	// NewAuth returns an authorization ledger suited to this flavor.
	NewAuth() *Auth

	// registerMulti acquires on behalf of a caller holding a write-mode
	// multi-lock declaration: ledger ordering rules are waived, but the
	// grant must be immediate.  Contention under a declaration means the
	// caller already holds this lock, or that waiting could never end, so
	// it fails instead of blocking.
	registerMulti(auth *Auth, read bool) (int, bool)
}
