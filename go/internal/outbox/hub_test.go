package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DropsOldestWhenFull(t *testing.T) {
	h := newHub[int](2)
	sub := h.subscribe()

	for i := 1; i <= 5; i++ {
		assert.Equal(t, 1, h.send(i))
	}

	assert.Equal(t, 4, <-sub.C())
	assert.Equal(t, 5, <-sub.C())
	assert.Equal(t, uint64(3), sub.takeLagged())
	assert.Equal(t, uint64(0), sub.takeLagged())
}

func TestHub_Close(t *testing.T) {
	h := newHub[int](4)
	sub := h.subscribe()
	h.send(1)
	h.close()

	v, ok := <-sub.C()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = <-sub.C()
	assert.False(t, ok)

	late := h.subscribe()
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing to a closed hub yields a closed channel")
	assert.Equal(t, 0, h.send(2))
}

func TestHub_Unsubscribe(t *testing.T) {
	h := newHub[int](1)
	a := h.subscribe()
	h.subscribe()
	assert.Equal(t, 2, h.receivers())

	a.unsubscribe()
	a.unsubscribe()
	assert.Equal(t, 1, h.receivers())

	h.close()
	assert.Equal(t, 0, h.receivers())
}
