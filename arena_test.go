package kevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_StaleHandles(t *testing.T) {
	var a arena
	assert.Nil(t, a.get(Handle{}))

	k1, k2 := new(Knote), new(Knote)
	h1 := a.alloc(k1)
	h2 := a.alloc(k2)
	require.True(t, h1.Valid())
	assert.Same(t, k1, a.get(h1))
	assert.Same(t, k2, a.get(h2))
	assert.Equal(t, 2, a.live)

	a.release(h1)
	assert.Nil(t, a.get(h1))
	assert.Equal(t, 1, a.live)
	// double release is ignored
	a.release(h1)
	assert.Equal(t, 1, a.live)

	k3 := new(Knote)
	h3 := a.alloc(k3)
	assert.Equal(t, h1.slot, h3.slot, "slot reused")
	assert.NotEqual(t, h1.gen, h3.gen)
	assert.Nil(t, a.get(h1))
	assert.Same(t, k3, a.get(h3))

	assert.Nil(t, a.get(Handle{slot: 99, gen: 1}))
}

func TestArena_GenerationWraps(t *testing.T) {
	var a arena
	h := a.alloc(new(Knote))
	a.slots[h.slot].gen = ^uint32(0)
	h = Handle{slot: h.slot, gen: ^uint32(0)}
	a.release(h)
	assert.Equal(t, uint32(1), a.slots[h.slot].gen, "generation 0 is skipped")
}
