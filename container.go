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

// Container owns one value and the lock guarding it.  The value is only
// observable through a live proxy vended by one of the Get operations;
// every operation returns an empty proxy on contention or policy refusal
// and the container remains usable.
//
// Because the flavor is an interface value rather than a type parameter,
// *Container[T] is the common type for every container of T regardless of
// flavor; code that handles mixed flavors needs no further erasure.
type Container[T any] struct {
	lock  Lock
	value T
	order uint64
}

// New returns a container over value guarded by the default
// writer-preferred reader/writer flavor.
func New[T any](value T) *Container[T] {
	return NewWith(value, NewRW())
}

// NewWith returns a container over value guarded by the given lock
// flavor.  The lock must not be shared with another container.
func NewWith[T any](value T, lock Lock) *Container[T] {
	return &Container[T]{lock: lock, value: value, order: nextOrder()}
}

// Order returns the container's immutable order value.  Orders are
// strictly increasing in construction order across the whole process, so
// comparing them is total and never ties; callers acquiring two containers
// together take the lower order first.
func (c *Container[T]) Order() uint64 {
	return c.order
}

// NewAuth returns an authorization ledger suited to this container's lock
// flavor.
func (c *Container[T]) NewAuth() *Auth {
	return c.lock.NewAuth()
}

// Get acquires write access without deadlock protection, for
// single-threaded or token-less use.
func (c *Container[T]) Get(block bool) *WriteProxy[T] {
	return c.write(nil, nil, block)
}

// GetConst acquires read access without deadlock protection.
func (c *Container[T]) GetConst(block bool) *ReadProxy[T] {
	return c.read(nil, nil, block)
}

// GetAuth acquires write access, consulting auth's ledger first.  A
// refusal by the ledger returns an empty proxy immediately, even when
// block is true.
func (c *Container[T]) GetAuth(auth *Auth, block bool) *WriteProxy[T] {
	return c.write(auth, nil, block)
}

// GetAuthConst acquires read access, consulting auth's ledger first.
func (c *Container[T]) GetAuthConst(auth *Auth, block bool) *ReadProxy[T] {
	return c.read(auth, nil, block)
}

// GetWriteMulti acquires write access under the multi-lock m.  When auth
// holds m's write-mode declaration the ledger's ordering rules are waived
// and the grant is immediate or not at all; contention then means the
// caller already holds this container.  Otherwise the acquisition rides m
// in read mode for the proxy's lifetime and proceeds under the regular
// ledger policy, waiting out any declaration in progress.
func (c *Container[T]) GetWriteMulti(m *MultiLock, auth *Auth, block bool) *WriteProxy[T] {
	return c.write(auth, m, block)
}

// GetReadMulti is the read-mode counterpart of GetWriteMulti.
func (c *Container[T]) GetReadMulti(m *MultiLock, auth *Auth, block bool) *ReadProxy[T] {
	return c.read(auth, m, block)
}

// Set stores value, acquiring the container's lock without blocking.
// Assignment is meant for single-threaded setup and must not silently lose
// a write, so finding the container locked is a programmer error: Set
// panics rather than waiting or failing quietly.  Use TryStore when a
// contended store should fail instead.
func (c *Container[T]) Set(value T) {
	w := c.Get(false)
	if !w.Valid() {
		panic("guarded: assignment to a locked container")
	}
	*w.Value() = value
	w.Clear()
}

// TryStore stores value if the container's lock can be acquired without
// blocking, and reports whether the store happened.
func (c *Container[T]) TryStore(value T) bool {
	w := c.Get(false)
	if !w.Valid() {
		return false
	}
	*w.Value() = value
	w.Clear()
	return true
}

func (c *Container[T]) write(auth *Auth, m *MultiLock, block bool) *WriteProxy[T] {
	acq := c.acquire(auth, m, false, block)
	if acq == nil {
		return nil
	}
	return &WriteProxy[T]{value: &c.value, acq: acq}
}

func (c *Container[T]) read(auth *Auth, m *MultiLock, block bool) *ReadProxy[T] {
	acq := c.acquire(auth, m, true, block)
	if acq == nil {
		return nil
	}
	return &ReadProxy[T]{value: &c.value, acq: acq}
}

func (c *Container[T]) acquire(auth *Auth, m *MultiLock, read, block bool) *acquisition {
	if m != nil && auth != nil && auth.multi == m {
		// Under the caller's own declaration.
		count, ok := c.lock.registerMulti(auth, read)
		if !ok {
			return nil
		}
		m.noteEnter()
		return &acquisition{lock: c.lock, auth: auth, read: read, count: count, refs: 1, multi: m}
	}
	if m != nil {
		// Normal operation: ride the coordinator in read mode so that a
		// declaration in progress drains this access before it is granted.
		// A caller that already holds locks must not queue behind a
		// declaration it may itself be blocking, so for it the whole
		// acquisition degrades to non-blocking.
		if auth != nil && (auth.reads > 0 || auth.writes > 0) {
			block = false
		}
		if !m.subEnter(block) {
			return nil
		}
		count, ok := c.lock.RegisterLock(auth, read, block)
		if !ok {
			m.subExit(true)
			return nil
		}
		return &acquisition{lock: c.lock, auth: auth, read: read, count: count, refs: 1, multi: m, readSide: true}
	}
	count, ok := c.lock.RegisterLock(auth, read, block)
	if !ok {
		return nil
	}
	return &acquisition{lock: c.lock, auth: auth, read: read, count: count, refs: 1}
}
