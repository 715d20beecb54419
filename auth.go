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

// Auth is a caller's authorization ledger: a count of the read and write
// locks it currently holds, plus the multi-lock declaration it holds, if
// any.  Locks consult the ledger before granting an acquisition and update
// it as part of every successful register and release.
//
// An Auth has a single owner.  It models that caller's held locks, so two
// goroutines must never share one; the ledger is deliberately unsynchronized
// and sharing it is a contract violation, not a recoverable error.
type Auth struct {
	reads  int
	writes int
	multi  *MultiLock

	// refuse marks the auths vended by the broken test flavor, which
	// never authorize anything.
	refuse bool
}

// NewAuth returns an empty ledger.  Create one per goroutine.
func NewAuth() *Auth {
	return &Auth{}
}

// Reading returns the number of read locks currently held.
func (a *Auth) Reading() int {
	return a.reads
}

// Writing returns the number of write locks currently held.  Exclusive
// locks book both of their modes here.
func (a *Auth) Writing() int {
	return a.writes
}

// MultiHeld reports whether the ledger holds a multi-lock declaration.
func (a *Auth) MultiHeld() bool {
	return a.multi != nil
}

// LockAllowed reports whether the ledger alone would permit one more
// acquisition of the given mode on a lock the caller does not already
// hold.  Individual locks may still refuse for reasons of their own state
// or flavor; this is the caller-facing half of the decision, useful for
// diagnosing an empty proxy.
func (a *Auth) LockAllowed(read bool) bool {
	if a.refuse {
		return false
	}
	if a.multi != nil {
		return true
	}
	if read {
		return a.writes == 0
	}
	return a.writes == 0 && a.reads == 0
}

func (a *Auth) book(read bool) {
	if read {
		a.reads++
	} else {
		a.writes++
	}
}

func (a *Auth) unbook(read bool) {
	if read {
		if a.reads == 0 {
			panic("guarded: auth ledger underflow on read release")
		}
		a.reads--
	} else {
		if a.writes == 0 {
			panic("guarded: auth ledger underflow on write release")
		}
		a.writes--
	}
}
