package volman

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampVolume(t *testing.T) {
	for _, tc := range []struct {
		in, want int
	}{
		{-100, 0}, {-1, 0}, {0, 0}, {42, 42}, {100, 100}, {101, 100}, {205, 100},
	} {
		assert.Equal(t, tc.want, clampVolume(tc.in), "clampVolume(%d)", tc.in)
	}
}

func TestAbsoluteVolume(t *testing.T) {
	assert.Equal(t, 100, absoluteVolume(0))
	assert.Equal(t, 10, absoluteVolume(1))
	assert.Equal(t, 90, absoluteVolume(9))
	assert.Equal(t, 100, absoluteVolume(12))
}

func TestWrapIndex(t *testing.T) {
	assert.Equal(t, 0, wrapIndex(3, 3))
	assert.Equal(t, 2, wrapIndex(-1, 3))
	assert.Equal(t, 1, wrapIndex(-5, 3))
	assert.Equal(t, 0, wrapIndex(7, 0))

	// stepping n times in either direction returns to the start
	for start := 0; start < 4; start++ {
		idx := start
		for i := 0; i < 4; i++ {
			idx = wrapIndex(idx+1, 4)
		}
		assert.Equal(t, start, idx)

		for i := 0; i < 4; i++ {
			idx = wrapIndex(idx-1, 4)
		}
		assert.Equal(t, start, idx)
	}
}

func TestIndexOfSession(t *testing.T) {
	sessions := []Session{
		&fakeSession{name: "Output device"},
		&fakeSession{name: "firefox"},
	}

	idx, found := indexOfSession(sessions, "firefox")
	assert.True(t, found)
	assert.Equal(t, 1, idx)

	_, found = indexOfSession(sessions, "spotify")
	assert.False(t, found)

	_, found = indexOfSession(sessions, "")
	assert.False(t, found)
}

func TestIndexOfDevice(t *testing.T) {
	speakers := &Device{ID: "{a}", Name: "Speakers"}
	devices := []*Device{DefaultDevice(FlowOutput), speakers}

	idx, found := indexOfDevice(devices, &Device{ID: "{A}"})
	assert.True(t, found)
	assert.Equal(t, 1, idx)

	idx, found = indexOfDevice(devices, DefaultDevice(FlowOutput))
	assert.True(t, found)
	assert.Equal(t, 0, idx)

	_, found = indexOfDevice(devices, DefaultDevice(FlowInput))
	assert.False(t, found)

	_, found = indexOfDevice(devices, nil)
	assert.False(t, found)
}

func TestRepeatCounter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := repeatCounter{window: 500 * time.Millisecond}

	assert.Equal(t, 0, r.register("kb:control+r", start))
	assert.Equal(t, 1, r.register("kb:control+r", start.Add(400*time.Millisecond)))
	assert.Equal(t, 2, r.register("kb:control+r", start.Add(800*time.Millisecond)))

	// too slow
	assert.Equal(t, 0, r.register("kb:control+r", start.Add(1400*time.Millisecond)))

	// different gesture
	assert.Equal(t, 0, r.register("kb:m", start.Add(1500*time.Millisecond)))
	assert.Equal(t, 0, r.register("kb:control+r", start.Add(1600*time.Millisecond)))

	r.reset()
	assert.Equal(t, 0, r.register("kb:control+r", start.Add(1700*time.Millisecond)))
}
