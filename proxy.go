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

// acquisition is one successful lock grant, shared by every proxy cloned
// from it.  The refcount is plain because proxies are bound to the
// acquiring goroutine.
type acquisition struct {
	lock  Lock
	auth  *Auth
	read  bool
	count int
	refs  int

	// multi is non-nil when the grant was routed through a coordinator;
	// readSide marks the grants made outside a declaration, which also
	// hold the coordinator's read side until the subordinate releases.
	multi    *MultiLock
	readSide bool
}

func (q *acquisition) retain() {
	q.refs++
}

func (q *acquisition) release() {
	q.refs--
	if q.refs > 0 {
		return
	}
	q.lock.ReleaseLock(q.auth, q.read)
	if q.multi != nil {
		q.multi.subExit(q.readSide)
	}
}

// WriteProxy grants mutable access to a container's value for as long as it
// lives.  A proxy is empty (invalid) when the acquisition it was created
// for failed or has been cleared; callers must check Valid before
// dereferencing.  Proxies must stay on the goroutine that acquired them.
type WriteProxy[T any] struct {
	value *T
	acq   *acquisition
}

// Valid reports whether the proxy currently owns a lock grant.
func (p *WriteProxy[T]) Valid() bool {
	return p != nil && p.acq != nil
}

// Value returns the protected value.  Dereferencing an empty proxy is a
// programmer error and panics.
func (p *WriteProxy[T]) Value() *T {
	if !p.Valid() {
		panic("guarded: dereference of an empty write proxy")
	}
	return p.value
}

// Clear releases the proxy's share of the acquisition early.  The lock is
// released and the auth credited when the last sharing proxy clears.
// Clearing an empty proxy is a no-op, so Clear is safe to defer
// unconditionally.
func (p *WriteProxy[T]) Clear() {
	if p == nil || p.acq == nil {
		return
	}
	p.acq.release()
	p.acq = nil
	p.value = nil
}

// LastLockCount returns the holder count observed when the lock was
// acquired, for diagnostics.  An empty proxy reports 0.
func (p *WriteProxy[T]) LastLockCount() int {
	if p == nil || p.acq == nil {
		return 0
	}
	return p.acq.count
}

// Clone returns a second proxy sharing this proxy's acquisition.  No new
// lock is taken and the auth ledger is untouched; the underlying lock is
// released only when every sharing proxy has been cleared.  Cloning an
// empty proxy yields an empty proxy.
func (p *WriteProxy[T]) Clone() *WriteProxy[T] {
	if !p.Valid() {
		return nil
	}
	p.acq.retain()
	return &WriteProxy[T]{value: p.value, acq: p.acq}
}

// ReadProxy is the read-mode counterpart of WriteProxy.  The value it
// yields must not be modified.
type ReadProxy[T any] struct {
	value *T
	acq   *acquisition
}

// Valid reports whether the proxy currently owns a lock grant.
func (p *ReadProxy[T]) Valid() bool {
	return p != nil && p.acq != nil
}

// Value returns the protected value, which the caller must treat as
// read-only.  Dereferencing an empty proxy panics.
func (p *ReadProxy[T]) Value() *T {
	if !p.Valid() {
		panic("guarded: dereference of an empty read proxy")
	}
	return p.value
}

// Clear releases the proxy's share of the acquisition early; see
// WriteProxy.Clear.
func (p *ReadProxy[T]) Clear() {
	if p == nil || p.acq == nil {
		return
	}
	p.acq.release()
	p.acq = nil
	p.value = nil
}

// LastLockCount returns the holder count observed at acquisition.  Under a
// reader/writer flavor this is the number of concurrent readers at grant
// time.
func (p *ReadProxy[T]) LastLockCount() int {
	if p == nil || p.acq == nil {
		return 0
	}
	return p.acq.count
}

// Clone returns a second proxy sharing this proxy's acquisition; see
// WriteProxy.Clone.
func (p *ReadProxy[T]) Clone() *ReadProxy[T] {
	if !p.Valid() {
		return nil
	}
	p.acq.retain()
	return &ReadProxy[T]{value: p.value, acq: p.acq}
}
