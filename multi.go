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

package guarded

import (
	"sync"
)

// MultiLock coordinates critical sections that span many containers.  It
// is a reader/writer lock with inverted meanings at the user level: a
// caller acquires it in write mode to declare "I am about to touch many
// things", after which its subordinate acquisitions bypass the usual
// ledger ordering rules.  Read mode is taken internally by every
// multi-routed access from callers without the declaration, so a
// declaration in progress holds off new routed accesses, and a new
// declaration is only granted once every routed grant still live — the
// previous declarer's included — has been released.
//
// The intended idiom is: write-acquire the multi-lock, take the several
// per-container locks needed (in ascending container order when the same
// pair may be contended without the coordinator), release the multi-lock
// early, perform the mutation, and let the subordinate proxies release on
// scope exit.
//
// Containers are associated with a multi-lock by convention: callers that
// agree to route their accesses through the same MultiLock get its
// guarantees, and only those accesses are affected by a declaration.
type MultiLock struct {
	rw rwState

	// outstanding counts live subordinate grants routed through this
	// coordinator, on both sides of a declaration.  A new declaration
	// waits for them to drain, which is what makes the early-release
	// idiom safe: the subordinate locks of the previous critical section
	// are guaranteed free (or provably the caller's own) by the time the
	// next declarer starts acquiring.
	smx         sync.Mutex
	sc          *sync.Cond
	outstanding int
}

// NewMulti returns a new multi-lock coordinator.
func NewMulti() *MultiLock {
	m := &MultiLock{}
	m.rw.c = sync.NewCond(&m.rw.mtx)
	m.sc = sync.NewCond(&m.smx)
	return m
}

// GetAuth acquires the multi-lock in write mode, beginning a declaration
// for auth.  The acquisition honors the ledger like any other write: an
// auth already holding locks, or already holding a declaration, is refused
// immediately.  The grant additionally waits for every live multi-routed
// subordinate grant to drain.  A nil auth acquires the coordinator without
// deadlock protection and gains no bypass rights from it.
func (m *MultiLock) GetAuth(auth *Auth, block bool) *MultiProxy {
	if auth != nil && (auth.refuse || auth.multi != nil || auth.reads > 0 || auth.writes > 0) {
		return nil
	}
	count, ok := m.rw.register(nil, false, block)
	if !ok {
		return nil
	}
	m.smx.Lock()
	if m.outstanding > 0 {
		if !block {
			m.smx.Unlock()
			m.rw.release(nil, false)
			return nil
		}
		for m.outstanding > 0 {
			m.sc.Wait()
		}
	}
	m.smx.Unlock()
	if auth != nil {
		auth.multi = m
	}
	return &MultiProxy{grant: &multiGrant{m: m, auth: auth, count: count, refs: 1}}
}

// LockAllowed reports whether a non-blocking GetAuth would currently
// succeed.
func (m *MultiLock) LockAllowed(auth *Auth) bool {
	if auth != nil && (auth.refuse || auth.multi != nil || auth.reads > 0 || auth.writes > 0) {
		return false
	}
	m.smx.Lock()
	drained := m.outstanding == 0
	m.smx.Unlock()
	return drained && m.rw.lockAllowed(nil, false)
}

// subEnter takes the coordinator's read side on behalf of one routed
// subordinate access from a caller without the declaration.
func (m *MultiLock) subEnter(block bool) bool {
	_, ok := m.rw.register(nil, true, block)
	if ok {
		m.noteEnter()
	}
	return ok
}

// noteEnter records one live routed grant; declaration-holder grants call
// it directly, without a read-side hold.
func (m *MultiLock) noteEnter() {
	m.smx.Lock()
	m.outstanding++
	m.smx.Unlock()
}

// subExit releases one routed grant.  readSide is set when the grant was
// made outside a declaration and holds the coordinator's read side.
func (m *MultiLock) subExit(readSide bool) {
	if readSide {
		m.rw.release(nil, true)
	}
	m.smx.Lock()
	m.outstanding--
	if m.outstanding < 0 {
		panic("guarded: multi-lock routed release underflow")
	}
	drained := m.outstanding == 0
	m.smx.Unlock()
	if drained {
		m.sc.Broadcast()
	}
}

// multiGrant is one write-mode declaration, shared by cloned proxies.
type multiGrant struct {
	m     *MultiLock
	auth  *Auth
	count int
	refs  int
}

// MultiProxy is the scoped guard for a multi-lock declaration.  Clearing
// the last sharing proxy ends the declaration: the coordinator's write
// side is released and the auth's multi-hold is discharged.
type MultiProxy struct {
	grant *multiGrant
}

// Valid reports whether the proxy currently owns a declaration.
func (p *MultiProxy) Valid() bool {
	return p != nil && p.grant != nil
}

// Clear ends this proxy's share of the declaration early.  Clearing an
// empty proxy is a no-op.
func (p *MultiProxy) Clear() {
	if p == nil || p.grant == nil {
		return
	}
	g := p.grant
	p.grant = nil
	g.refs--
	if g.refs > 0 {
		return
	}
	g.m.rw.release(nil, false)
	if g.auth != nil {
		g.auth.multi = nil
	}
}

// LastLockCount returns the writer count observed at acquisition, which is
// always 1 for a live declaration.
func (p *MultiProxy) LastLockCount() int {
	if p == nil || p.grant == nil {
		return 0
	}
	return p.grant.count
}

// Clone returns a second proxy sharing this declaration; see
// WriteProxy.Clone.
func (p *MultiProxy) Clone() *MultiProxy {
	if !p.Valid() {
		return nil
	}
	p.grant.refs++
	return &MultiProxy{grant: p.grant}
}

// Ordered returns the two containers in ascending order, for the
// take-lower-order-first idiom used when acquiring a contended pair.
func Ordered[T any](a, b *Container[T]) (*Container[T], *Container[T]) {
	if a.Order() < b.Order() {
		return a, b
	}
	return b, a
}
