package guarded

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Copies share the original's acquisition: destroying a copy releases
// nothing, destroying the last handle releases the lock.
func TestProxyCloneSharesAcquisition(t *testing.T) {
	c := New(0)
	auth := c.NewAuth()

	w := c.GetAuth(auth, true)
	require.True(t, w.Valid())
	assert.Equal(t, 1, auth.Writing())

	w2 := w.Clone()
	require.True(t, w2.Valid())
	assert.Equal(t, 1, auth.Writing(), "cloning booked a second acquisition")
	assert.Equal(t, w.LastLockCount(), w2.LastLockCount())

	w2.Clear()
	assert.True(t, w.Valid())
	assert.False(t, c.Get(false).Valid(), "lock released while a handle remains")
	assert.Equal(t, 1, auth.Writing())

	w.Clear()
	assert.True(t, c.Get(false).Valid())
	assert.Equal(t, 0, auth.Writing())
}

func TestReadProxyCloneSharesAcquisition(t *testing.T) {
	c := New(0)

	r := c.GetConst(true)
	require.True(t, r.Valid())
	{
		r2 := r.Clone()
		require.True(t, r2.Valid())
		r2.Clear()
	}
	// The original remains live after the copy went out of scope.
	assert.True(t, r.Valid())
	assert.Equal(t, 1, r.LastLockCount())
	r.Clear()

	w := c.Get(false)
	assert.True(t, w.Valid())
	w.Clear()
}

func TestProxyClearIdempotent(t *testing.T) {
	c := New(0)

	w := c.Get(true)
	require.True(t, w.Valid())
	w.Clear()
	assert.False(t, w.Valid())
	assert.Equal(t, 0, w.LastLockCount())
	// A second clear must not double-release.
	assert.NotPanics(t, func() { w.Clear() })

	w2 := c.Get(false)
	assert.True(t, w2.Valid())
	w2.Clear()
}

func TestEmptyProxy(t *testing.T) {
	c := New(0)
	w := c.Get(true)
	require.True(t, w.Valid())

	// A failed acquisition yields an empty proxy whose dereference is a
	// programmer error.
	empty := c.Get(false)
	assert.False(t, empty.Valid())
	assert.Equal(t, 0, empty.LastLockCount())
	assert.Panics(t, func() { empty.Value() })
	assert.NotPanics(t, func() { empty.Clear() })
	assert.False(t, empty.Clone().Valid())

	emptyR := c.GetConst(false)
	assert.False(t, emptyR.Valid())
	assert.Panics(t, func() { emptyR.Value() })
	assert.False(t, emptyR.Clone().Valid())

	w.Clear()
	assert.Panics(t, func() { w.Value() }, "cleared proxy still dereferences")
}

// The same proxy variable is reusable across containers and flavors, as
// acquisitions come and go.
func TestProxyReuseAcrossContainers(t *testing.T) {
	c0 := New(1)
	c1 := NewWith(2, NewW())

	var r *ReadProxy[int]
	r = c0.GetConst(true)
	require.True(t, r.Valid())
	assert.Equal(t, 1, *r.Value())
	r.Clear()

	r = c1.GetConst(true)
	require.True(t, r.Valid())
	assert.Equal(t, 2, *r.Value())
	r.Clear()
}

func TestProxyLastLockCount(t *testing.T) {
	c := New(0)

	r1 := c.GetConst(true)
	r2 := c.GetConst(true)
	r3 := c.GetConst(true)
	assert.Equal(t, 1, r1.LastLockCount())
	assert.Equal(t, 2, r2.LastLockCount())
	assert.Equal(t, 3, r3.LastLockCount())
	r1.Clear()
	r2.Clear()
	r3.Clear()

	w := c.Get(true)
	assert.Equal(t, 1, w.LastLockCount())
	w.Clear()
}
