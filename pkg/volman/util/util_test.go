package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScalarPercentConversion(t *testing.T) {
	assert.Equal(t, 0, ScalarToPercent(0))
	assert.Equal(t, 100, ScalarToPercent(1))
	assert.Equal(t, 42, ScalarToPercent(0.42))
	assert.Equal(t, 15, ScalarToPercent(0.1549))
	assert.Equal(t, 100, ScalarToPercent(1.2))
	assert.Equal(t, 0, ScalarToPercent(-0.1))

	for percent := 0; percent <= 100; percent++ {
		assert.Equal(t, percent, ScalarToPercent(PercentToScalar(percent)))
	}

	assert.Equal(t, float32(1), PercentToScalar(130))
	assert.Equal(t, float32(0), PercentToScalar(-5))
}

func TestProcessDisplayName(t *testing.T) {
	testCases := map[string]string{
		"firefox.exe":                  "firefox",
		"Spotify.EXE":                  "Spotify",
		`C:\Program Files\VLC\vlc.exe`: "vlc",
		"/usr/lib/firefox/firefox":     "firefox",
		"python3.11":                   "python3.11",
	}

	for in, want := range testCases {
		assert.Equal(t, want, ProcessDisplayName(in), in)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()

	assert.False(t, FileExists(dir))
	assert.False(t, FileExists(dir+"/missing.yaml"))
}
