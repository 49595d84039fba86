package volman

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeviceChangeNotifierDropsBursts(t *testing.T) {
	n := newDeviceChangeNotifier(100 * time.Millisecond)
	c := n.subscribe()

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, n.notify(start))
	assert.False(t, n.notify(start.Add(30*time.Millisecond)))
	assert.False(t, n.notify(start.Add(99*time.Millisecond)))

	assert.True(t, <-c)
	assert.Len(t, c, 0)

	assert.True(t, n.notify(start.Add(150*time.Millisecond)))
	assert.True(t, <-c)
}

func TestDeviceChangeNotifierNeverBlocks(t *testing.T) {
	n := newDeviceChangeNotifier(0)
	first := n.subscribe()
	second := n.subscribe()

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		assert.True(t, n.notify(start.Add(time.Duration(i)*time.Second)))
	}

	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
}

func TestDeviceChangeNotifierClose(t *testing.T) {
	n := newDeviceChangeNotifier(0)
	c := n.subscribe()

	n.close()
	n.close()

	_, ok := <-c
	assert.False(t, ok)

	assert.False(t, n.notify(time.Now()))

	_, ok = <-n.subscribe()
	assert.False(t, ok)
}
