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
	"sync/atomic"
)

// The reader/writer flavors keep their whole holder census in a single
// uint64, updated by CAS and read with atomic loads.  Three fields are
// packed into the word: the reader count, the writer count, and the count
// of writers queued waiting:
//
//	|63      48|47      32|31     16|15      0|
//	 \ unused / \   WW   / \   W   / \   R   /
const rOffset uint64 = 0
const rMask uint64 = (1 << 16) - 1

const wOffset uint64 = 16
const wMask uint64 = ((1 << 32) - 1) & ^((1 << 16) - 1)

const wwOffset uint64 = 32
const wwMask uint64 = ((1 << 48) - 1) & ^((1 << 32) - 1)

const maxHolders = (1 << 16) - 1

func extractR(state uint64) uint64 {
	return (state & rMask) >> rOffset
}

func setR(state, val uint64) uint64 {
	return (state & ^rMask) | (val << rOffset)
}

func extractW(state uint64) uint64 {
	return (state & wMask) >> wOffset
}

func setW(state, val uint64) uint64 {
	return (state & ^wMask) | (val << wOffset)
}

func extractWW(state uint64) uint64 {
	return (state & wwMask) >> wwOffset
}

func setWW(state, val uint64) uint64 {
	return (state & ^wwMask) | (val << wwOffset)
}

func compatibleWithRead(state uint64, readerBias bool) bool {
	if readerBias {
		return extractW(state) == 0
	}
	return extractW(state) == 0 && extractWW(state) == 0
}

func compatibleWithWrite(state uint64) bool {
	return extractW(state) == 0 && extractR(state) == 0
}

// rwState is the machinery shared by the two reader/writer flavors.  A
// condvar acts as a barrier for goroutines whose requested mode is
// incompatible with the current holder census, and the census itself lives
// in the packed state word.
type rwState struct {
	mtx        sync.Mutex
	c          *sync.Cond
	state      uint64
	readerBias bool

	// writerAuth is the ledger of the goroutine currently holding the
	// write side, when it supplied one.  Reentry decisions compare
	// against it; it is only touched with mtx held.
	writerAuth *Auth
}

// Registers the calling goroutine as one more reader in the state word and
// returns the new reader count.
func (m *rwState) registerR() uint64 {
	for {
		state := atomic.LoadUint64(&m.state)
		newState := setR(state, extractR(state)+1)
		if atomic.CompareAndSwapUint64(&m.state, state, newState) {
			return extractR(newState)
		}
	}
}

func (m *rwState) unregisterR() uint64 {
	for {
		state := atomic.LoadUint64(&m.state)
		val := extractR(state)
		if val == 0 {
			panic("guarded: read release of a lock with no readers")
		}
		if atomic.CompareAndSwapUint64(&m.state, state, setR(state, val-1)) {
			return val - 1
		}
	}
}

// Registers the calling goroutine as one more writer in the state word and
// returns the new writer count.  The count only exceeds 1 for same-auth
// reentry.
func (m *rwState) registerW() uint64 {
	for {
		state := atomic.LoadUint64(&m.state)
		newState := setW(state, extractW(state)+1)
		if atomic.CompareAndSwapUint64(&m.state, state, newState) {
			return extractW(newState)
		}
	}
}

func (m *rwState) unregisterW() uint64 {
	for {
		state := atomic.LoadUint64(&m.state)
		val := extractW(state)
		if val == 0 {
			panic("guarded: write release of a lock with no writer")
		}
		if atomic.CompareAndSwapUint64(&m.state, state, setW(state, val-1)) {
			return val - 1
		}
	}
}

func (m *rwState) registerWW() {
	for {
		state := atomic.LoadUint64(&m.state)
		if atomic.CompareAndSwapUint64(&m.state, state, setWW(state, extractWW(state)+1)) {
			return
		}
	}
}

func (m *rwState) unregisterWW() {
	for {
		state := atomic.LoadUint64(&m.state)
		if atomic.CompareAndSwapUint64(&m.state, state, setWW(state, extractWW(state)-1)) {
			return
		}
	}
}

// allowed applies the ledger's deadlock policy to a proposed acquisition.
// reentrant reports that the grant bypasses the compatibility check (the
// requester already holds the write side).  Callers hold mtx.
func (m *rwState) allowed(auth *Auth, read bool) (reentrant, ok bool) {
	if auth == nil {
		return false, true
	}
	if auth.refuse {
		return false, false
	}
	if auth.reads == 0 && auth.writes == 0 {
		return false, true
	}
	if auth.writes > 0 {
		// Holding a write anywhere: only reentry on that same lock is
		// safe.  Anything else risks an A/B wait cycle.
		return m.writerAuth == auth, m.writerAuth == auth
	}
	// Holding only reads: further reads are safe anywhere; a write is not,
	// since a symmetric caller could be upgrading in the other direction.
	return false, read
}

func (m *rwState) register(auth *Auth, read, block bool) (int, bool) {
	m.mtx.Lock()
	reentrant, ok := m.allowed(auth, read)
	if !ok {
		m.mtx.Unlock()
		return 0, false
	}
	if reentrant {
		// The requester's auth holds the write side, so the grant cannot
		// conflict and must not wait.
		var val uint64
		if read {
			val = m.registerR()
		} else {
			val = m.registerW()
		}
		m.mtx.Unlock()
		auth.book(read)
		return int(val), true
	}
	if read {
		if !compatibleWithRead(atomic.LoadUint64(&m.state), m.readerBias) {
			if !block {
				m.mtx.Unlock()
				return 0, false
			}
			for !compatibleWithRead(atomic.LoadUint64(&m.state), m.readerBias) {
				m.c.Wait()
			}
		}
		val := m.registerR()
		m.mtx.Unlock()
		if auth != nil {
			auth.book(read)
		}
		return int(val), true
	}
	if !compatibleWithWrite(atomic.LoadUint64(&m.state)) {
		if !block {
			m.mtx.Unlock()
			return 0, false
		}
		m.registerWW()
		for !compatibleWithWrite(atomic.LoadUint64(&m.state)) {
			m.c.Wait()
		}
		m.unregisterWW()
	}
	val := m.registerW()
	if auth != nil {
		m.writerAuth = auth
	}
	m.mtx.Unlock()
	if auth != nil {
		auth.book(read)
	}
	return int(val), true
}

func (m *rwState) registerMulti(auth *Auth, read bool) (int, bool) {
	m.mtx.Lock()
	var val uint64
	if read {
		if !compatibleWithRead(atomic.LoadUint64(&m.state), m.readerBias) {
			m.mtx.Unlock()
			return 0, false
		}
		val = m.registerR()
	} else {
		if !compatibleWithWrite(atomic.LoadUint64(&m.state)) {
			m.mtx.Unlock()
			return 0, false
		}
		val = m.registerW()
		if auth != nil {
			m.writerAuth = auth
		}
	}
	m.mtx.Unlock()
	if auth != nil {
		auth.book(read)
	}
	return int(val), true
}

func (m *rwState) release(auth *Auth, read bool) {
	m.mtx.Lock()
	var val uint64
	if read {
		val = m.unregisterR()
	} else {
		val = m.unregisterW()
		if val == 0 {
			m.writerAuth = nil
		}
	}
	m.mtx.Unlock()
	// If the number of holders of this mode has gone to zero, someone else
	// may now be able to take the lock.
	if val == 0 {
		m.c.Broadcast()
	}
	if auth != nil {
		auth.unbook(read)
	}
}

func (m *rwState) lockAllowed(auth *Auth, read bool) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	reentrant, ok := m.allowed(auth, read)
	if !ok {
		return false
	}
	if reentrant {
		return true
	}
	state := atomic.LoadUint64(&m.state)
	if read {
		return compatibleWithRead(state, m.readerBias)
	}
	return compatibleWithWrite(state)
}

// RWLock is the default flavor: many concurrent readers or exactly one
// writer, with waiting writers preferred over new readers.  A continuous
// stream of readers cannot starve a writer.
type RWLock struct {
	rw rwState
}

// NewRW returns a new writer-preferred reader/writer lock.
func NewRW() *RWLock {
	l := &RWLock{}
	l.rw.c = sync.NewCond(&l.rw.mtx)
	return l
}

func (l *RWLock) RegisterLock(auth *Auth, read, block bool) (int, bool) {
	return l.rw.register(auth, read, block)
}

func (l *RWLock) ReleaseLock(auth *Auth, read bool) {
	l.rw.release(auth, read)
}

func (l *RWLock) LockAllowed(auth *Auth, read bool) bool {
	return l.rw.lockAllowed(auth, read)
}

func (l *RWLock) NewAuth() *Auth {
	return NewAuth()
}

func (l *RWLock) registerMulti(auth *Auth, read bool) (int, bool) {
	return l.rw.registerMulti(auth, read)
}

// RLock is the reader-preferred reader/writer flavor: readers proceed even
// while writers wait, so a continuous stream of readers may starve a
// writer.  Select it when readers dominate and starvation is tolerable.
type RLock struct {
	rw rwState
}

// NewR returns a new reader-preferred reader/writer lock.
func NewR() *RLock {
	l := &RLock{}
	l.rw.readerBias = true
	l.rw.c = sync.NewCond(&l.rw.mtx)
	return l
}

func (l *RLock) RegisterLock(auth *Auth, read, block bool) (int, bool) {
	return l.rw.register(auth, read, block)
}

func (l *RLock) ReleaseLock(auth *Auth, read bool) {
	l.rw.release(auth, read)
}

func (l *RLock) LockAllowed(auth *Auth, read bool) bool {
	return l.rw.lockAllowed(auth, read)
}

func (l *RLock) NewAuth() *Auth {
	return NewAuth()
}

func (l *RLock) registerMulti(auth *Auth, read bool) (int, bool) {
	return l.rw.registerMulti(auth, read)
}

// WLock admits at most one holder, read or write, and permits no reentry:
// an auth holding any lock on this instance (or anywhere else) cannot
// acquire it.  Its post-acquisition count is always 1, and its auth books
// every hold as a write, read mode included.
type WLock struct {
	mtx     sync.Mutex
	c       *sync.Cond
	holders uint64
}

// NewW returns a new exclusive lock.
func NewW() *WLock {
	l := &WLock{}
	l.c = sync.NewCond(&l.mtx)
	return l
}

func (l *WLock) RegisterLock(auth *Auth, read, block bool) (int, bool) {
	l.mtx.Lock()
	if auth != nil && (auth.refuse || auth.reads > 0 || auth.writes > 0) {
		l.mtx.Unlock()
		return 0, false
	}
	if atomic.LoadUint64(&l.holders) != 0 {
		if !block {
			l.mtx.Unlock()
			return 0, false
		}
		for atomic.LoadUint64(&l.holders) != 0 {
			l.c.Wait()
		}
	}
	atomic.StoreUint64(&l.holders, 1)
	l.mtx.Unlock()
	if auth != nil {
		// Both modes are exclusive here, so both count as writes.
		auth.book(false)
	}
	return 1, true
}

func (l *WLock) ReleaseLock(auth *Auth, read bool) {
	l.mtx.Lock()
	if atomic.LoadUint64(&l.holders) == 0 {
		panic("guarded: release of an exclusive lock with no holder")
	}
	atomic.StoreUint64(&l.holders, 0)
	l.mtx.Unlock()
	l.c.Broadcast()
	if auth != nil {
		auth.unbook(false)
	}
}

func (l *WLock) LockAllowed(auth *Auth, read bool) bool {
	if auth != nil && (auth.refuse || auth.reads > 0 || auth.writes > 0) {
		return false
	}
	return atomic.LoadUint64(&l.holders) == 0
}

func (l *WLock) NewAuth() *Auth {
	return NewAuth()
}

func (l *WLock) registerMulti(auth *Auth, read bool) (int, bool) {
	l.mtx.Lock()
	if atomic.LoadUint64(&l.holders) != 0 {
		l.mtx.Unlock()
		return 0, false
	}
	atomic.StoreUint64(&l.holders, 1)
	l.mtx.Unlock()
	if auth != nil {
		auth.book(false)
	}
	return 1, true
}

// BrokenLock is the test flavor: depending on the policy chosen at
// construction it grants every acquisition or none, bypassing both the
// auth ledger and any holder state.  Its auths refuse everything.
type BrokenLock struct {
	succeed bool
	count   int64
}

// NewBroken returns a lock that unconditionally succeeds or fails.
func NewBroken(succeed bool) *BrokenLock {
	return &BrokenLock{succeed: succeed}
}

func (l *BrokenLock) RegisterLock(auth *Auth, read, block bool) (int, bool) {
	if !l.succeed {
		return 0, false
	}
	val := atomic.AddInt64(&l.count, 1)
	if auth != nil {
		auth.book(read)
	}
	return int(val), true
}

func (l *BrokenLock) ReleaseLock(auth *Auth, read bool) {
	if !l.succeed {
		return
	}
	if atomic.AddInt64(&l.count, -1) < 0 {
		panic("guarded: release of a broken lock with no holder")
	}
	if auth != nil {
		auth.unbook(read)
	}
}

func (l *BrokenLock) LockAllowed(auth *Auth, read bool) bool {
	return l.succeed
}

func (l *BrokenLock) NewAuth() *Auth {
	return &Auth{refuse: true}
}

func (l *BrokenLock) registerMulti(auth *Auth, read bool) (int, bool) {
	return l.RegisterLock(auth, read, false)
}
