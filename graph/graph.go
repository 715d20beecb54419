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

// Package graph is a worked example of composing guarded containers with a
// multi-lock: a directed graph whose nodes are individually protected, yet
// whose structural operations (connect, disconnect, insert, erase) mutate
// several nodes atomically without any global lock-ordering discipline.
//
// Every structural operation write-acquires the graph's master multi-lock
// first.  Connect and Disconnect then take the two endpoint writes in
// ascending container order, release the master lock as soon as both are
// held, perform the mutation, and let the node proxies release on scope
// exit.  Insert and Erase keep the master lock for the whole operation:
// they hold the displaced node's write while locking and unlocking each of
// its neighbors in turn to erase the back-references.  The master lock is
// the single serialization point; no caller needs to know which nodes any
// other caller touches.
package graph

import (
	"fmt"
	"io"

	guarded "github.com/dijkstracula/go-guarded"
)

// Node is one graph vertex: a value plus its adjacency sets.  The sets
// hold the protected containers of the neighboring nodes, so following an
// edge means acquiring the neighbor.
type Node[T any] struct {
	Value T
	Out   NodeSet[T]
	In    NodeSet[T]
}

// NodeSet is a set of protected nodes.
type NodeSet[T any] map[*guarded.Container[Node[T]]]struct{}

// A protected node is a *guarded.Container[Node[T]].
// (Spelled out rather than declared as a generic type alias for compatibility
// with toolchains older than Go 1.24, which do not support generic type
// aliases.)

// NewNode returns a protected node over value with empty adjacency sets,
// guarded by the default reader/writer flavor.
func NewNode[T any](value T) *guarded.Container[Node[T]] {
	return guarded.New(Node[T]{Value: value, Out: NodeSet[T]{}, In: NodeSet[T]{}})
}

// Graph maps indices to protected nodes and owns the master multi-lock
// that serializes structural changes.  Lookups are unsynchronized; all
// mutation of the index map happens under the master lock.
type Graph[K comparable, T any] struct {
	master *guarded.MultiLock
	nodes  map[K]*guarded.Container[Node[T]]
}

// New returns an empty graph with a fresh master lock.
func New[K comparable, T any]() *Graph[K, T] {
	return &Graph[K, T]{master: guarded.NewMulti(), nodes: map[K]*guarded.Container[Node[T]]{}}
}

// MasterLock exposes the graph's multi-lock so that callers can compose
// their own whole-graph critical sections.
func (g *Graph[K, T]) MasterLock() *guarded.MultiLock {
	return g.master
}

// Head returns some node of the graph, or nil when it is empty.
func (g *Graph[K, T]) Head() *guarded.Container[Node[T]] {
	for _, n := range g.nodes {
		return n
	}
	return nil
}

// Find returns the node at index, or nil.  It has no side effects and
// takes no locks.
func (g *Graph[K, T]) Find(index K) *guarded.Container[Node[T]] {
	return g.nodes[index]
}

// Insert places node at index.  Any node previously at the index is
// detached from all of its neighbors first, under the master lock, so a
// displaced node can be dropped without dangling edges pointing at it.
// Returns false only when a lock operation fails.
func (g *Graph[K, T]) Insert(index K, node *guarded.Container[Node[T]], auth *guarded.Auth) bool {
	if node == nil {
		panic("graph: insert of a nil node")
	}
	return g.changeNode(index, auth, func() { g.nodes[index] = node })
}

// Erase removes the node at index, detaching it from all of its neighbors
// under the master lock.  Returns false only when a lock operation fails.
func (g *Graph[K, T]) Erase(index K, auth *guarded.Auth) bool {
	return g.changeNode(index, auth, func() { delete(g.nodes, index) })
}

// Connect adds the edge left -> right.
func (g *Graph[K, T]) Connect(left, right *guarded.Container[Node[T]], auth *guarded.Auth) bool {
	return g.changeConnection(left, right, auth, true)
}

// Disconnect removes the edge left -> right.
func (g *Graph[K, T]) Disconnect(left, right *guarded.Container[Node[T]], auth *guarded.Auth) bool {
	return g.changeConnection(left, right, auth, false)
}

func (g *Graph[K, T]) changeConnection(left, right *guarded.Container[Node[T]], auth *guarded.Auth, insert bool) bool {
	multi := g.master.GetAuth(auth, true)
	if !multi.Valid() {
		return false
	}

	// Take the endpoint writes in ascending container order; the master
	// lock has done its job once both are held.
	lo, hi := guarded.Ordered(left, right)
	writeLo := g.nodeWrite(lo, auth)
	var writeHi *guarded.WriteProxy[Node[T]]
	if hi != lo {
		writeHi = g.nodeWrite(hi, auth)
	} else {
		writeHi = writeLo.Clone()
	}
	multi.Clear()
	defer writeLo.Clear()
	defer writeHi.Clear()
	if !writeLo.Valid() || !writeHi.Valid() {
		return false
	}

	writeL, writeR := writeLo, writeHi
	if left != lo {
		writeL, writeR = writeHi, writeLo
	}
	if insert {
		writeL.Value().Out[right] = struct{}{}
		writeR.Value().In[left] = struct{}{}
	} else {
		delete(writeL.Value().Out, right)
		delete(writeR.Value().In, left)
	}
	return true
}

func (g *Graph[K, T]) changeNode(index K, auth *guarded.Auth, apply func()) bool {
	multi := g.master.GetAuth(auth, true)
	if !multi.Valid() {
		return false
	}
	defer multi.Clear()
	if old := g.nodes[index]; old != nil {
		// These never fail when every edge mutation goes through the
		// master lock.
		if !g.removeEdges(old, auth, true) {
			return false
		}
		if !g.removeEdges(old, auth, false) {
			return false
		}
	}
	apply()
	return true
}

// nodeWrite acquires one node's write side.  An authorized caller routes
// through the master lock; an authless one falls back to a plain blocking
// acquisition, since without a ledger it cannot hold the declaration its
// routed access would wait on.
func (g *Graph[K, T]) nodeWrite(node *guarded.Container[Node[T]], auth *guarded.Auth) *guarded.WriteProxy[Node[T]] {
	if auth == nil {
		return node.Get(true)
	}
	return node.GetWriteMulti(g.master, auth, true)
}

// removeEdges detaches node from the neighbors on one side of its
// adjacency, erasing the back-references that point at it.
func (g *Graph[K, T]) removeEdges(node *guarded.Container[Node[T]], auth *guarded.Auth, outgoing bool) bool {
	write := g.nodeWrite(node, auth)
	if !write.Valid() {
		return false
	}
	defer write.Clear()
	n := write.Value()
	side, back := n.Out, n.In
	if !outgoing {
		side, back = n.In, n.Out
	}
	for neighbor := range side {
		if neighbor == node {
			delete(back, node)
			continue
		}
		writeN := g.nodeWrite(neighbor, auth)
		if !writeN.Valid() {
			return false
		}
		if outgoing {
			delete(writeN.Value().In, node)
		} else {
			delete(writeN.Value().Out, node)
		}
		writeN.Clear()
	}
	return true
}

// Print walks the graph breadth-first from Head under the master lock,
// writing one line per reachable node.  Each visited node stays locked for
// the duration of the walk, so no writer can rewire the region being
// printed.  A node that cannot be acquired is one the walker already
// holds, and is skipped; its data was printed at the prior acquisition.
func Print[K comparable, T any](g *Graph[K, T], auth *guarded.Auth, w io.Writer) bool {
	// The skip-if-held shortcut below only works under a declaration, so
	// the walk requires a ledger.
	if auth == nil {
		return false
	}
	multi := g.master.GetAuth(auth, true)
	if !multi.Valid() {
		return false
	}
	defer multi.Clear()

	head := g.Head()
	if head == nil {
		return true
	}

	next := head.GetWriteMulti(g.master, auth, true)
	// Nothing should be locked at this point.
	if !next.Valid() {
		return false
	}
	locked := []*guarded.WriteProxy[Node[T]]{next}
	defer func() {
		for _, p := range locked {
			p.Clear()
		}
	}()

	fmt.Fprintf(w, "%v (first node)\n", next.Value().Value)

	var pending []*guarded.WriteProxy[Node[T]]
	for next.Valid() {
		for neighbor := range next.Value().Out {
			write := neighbor.GetWriteMulti(g.master, auth, true)
			// An empty proxy means the walker already holds the node.
			if !write.Valid() {
				continue
			}
			fmt.Fprintf(w, "%v (first seen from %v)\n", write.Value().Value, next.Value().Value)
			pending = append(pending, write)
			locked = append(locked, write)
		}
		if len(pending) == 0 {
			break
		}
		next, pending = pending[0], pending[1:]
	}
	return true
}
