package guarded

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var errAcquire = errors.New("lock acquisition failed")

// The protocol of a single authorized caller: write a value, release,
// read it back, with the ledger discharged between and after.
func TestContainerAuthorizedRoundTrip(t *testing.T) {
	c := New(0)
	auth := c.NewAuth()

	w := c.GetAuth(auth, true)
	require.True(t, w.Valid())
	*w.Value() = 42
	w.Clear()
	assert.Equal(t, 0, auth.Reading())
	assert.Equal(t, 0, auth.Writing())

	r := c.GetAuthConst(auth, true)
	require.True(t, r.Valid())
	assert.Equal(t, 42, *r.Value())
	r.Clear()
	assert.Equal(t, 0, auth.Reading())
	assert.Equal(t, 0, auth.Writing())
}

func TestContainerTokenlessAccess(t *testing.T) {
	c := New("hello")

	w := c.Get(true)
	require.True(t, w.Valid())
	*w.Value() = "world"
	w.Clear()

	r := c.GetConst(true)
	require.True(t, r.Valid())
	assert.Equal(t, "world", *r.Value())
	r.Clear()
}

func TestContainerNonBlockingContention(t *testing.T) {
	c := New(0)

	w := c.Get(true)
	require.True(t, w.Valid())
	assert.False(t, c.Get(false).Valid())
	assert.False(t, c.GetConst(false).Valid())
	w.Clear()

	// The container stays usable after failed attempts.
	r := c.GetConst(false)
	require.True(t, r.Valid())
	assert.False(t, c.Get(false).Valid(), "writer admitted alongside a reader")
	r.Clear()
	assert.True(t, c.Get(false).Valid())
}

// Assignment is a setup-time convenience that must not silently lose a
// write: finding the container locked is a programmer error and panics.
func TestContainerSetPanicsWhileLocked(t *testing.T) {
	c := New(0)

	w := c.Get(true)
	require.True(t, w.Valid())
	assert.Panics(t, func() { c.Set(5) })
	w.Clear()

	assert.NotPanics(t, func() { c.Set(5) })
	r := c.GetConst(true)
	assert.Equal(t, 5, *r.Value())
	r.Clear()
}

func TestContainerTryStore(t *testing.T) {
	c := New(0)

	w := c.Get(true)
	assert.False(t, c.TryStore(7))
	w.Clear()

	assert.True(t, c.TryStore(7))
	r := c.GetConst(true)
	assert.Equal(t, 7, *r.Value())
	r.Clear()
}

// A container guarded by the always-succeeding broken flavor can be read
// out during setup regardless of other holders; the always-failing one
// never grants anything.
func TestContainerBrokenFlavor(t *testing.T) {
	src := NewWith(10, NewBroken(true))
	r := src.GetConst(true)
	require.True(t, r.Valid())
	r2 := src.GetConst(true)
	require.True(t, r2.Valid(), "broken lock enforced exclusion")
	r.Clear()
	r2.Clear()

	dead := NewWith(0, NewBroken(false))
	assert.False(t, dead.Get(true).Valid())
	assert.False(t, dead.GetConst(false).Valid())
	assert.Panics(t, func() { dead.Set(1) }, "assignment must assert when the lock fails")
}

func TestContainerOrderMonotonic(t *testing.T) {
	prev := New(0)
	for i := 0; i < 100; i++ {
		next := New(0)
		assert.Greater(t, next.Order(), prev.Order())
		prev = next
	}

	a := New(0)
	b := New(0)
	lo, hi := Ordered(a, b)
	assert.Same(t, a, lo)
	assert.Same(t, b, hi)
	lo, hi = Ordered(b, a)
	assert.Same(t, a, lo)
	assert.Same(t, b, hi)
}

// *Container[T] is the flavor-erased base type: containers of the same T
// mix freely regardless of lock flavor.
func TestContainerFlavorErasure(t *testing.T) {
	containers := []*Container[int]{
		New(1),
		NewWith(2, NewR()),
		NewWith(3, NewW()),
	}
	for i, c := range containers {
		w := c.Get(true)
		require.True(t, w.Valid())
		*w.Value() *= 10
		w.Clear()

		r := c.GetConst(true)
		assert.Equal(t, (i+1)*10, *r.Value())
		r.Clear()
	}
}

// Readers are concurrent under the reader/writer flavors, bounded only by
// memory.
func TestContainerReaderConcurrency(t *testing.T) {
	c := New(0)
	proxies := make([]*ReadProxy[int], 64)
	for i := range proxies {
		proxies[i] = c.GetConst(false)
		require.True(t, proxies[i].Valid())
		assert.Equal(t, i+1, proxies[i].LastLockCount())
	}
	assert.False(t, c.Get(false).Valid())
	for _, r := range proxies {
		r.Clear()
	}
	assert.True(t, c.Get(false).Valid())
}

// No two write proxies are ever live at once: concurrent blind increments
// through write proxies must not lose updates.
func TestContainerWriterMutualExclusion(t *testing.T) {
	const writers = 8
	const perWriter = 200

	c := New(0)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			auth := c.NewAuth()
			for j := 0; j < perWriter; j++ {
				w := c.GetAuth(auth, true)
				if !w.Valid() {
					return errAcquire
				}
				*w.Value()++
				w.Clear()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	r := c.GetConst(true)
	assert.Equal(t, writers*perWriter, *r.Value())
	r.Clear()
}
