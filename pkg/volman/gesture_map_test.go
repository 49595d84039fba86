package volman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGestureMapDefaults(t *testing.T) {
	m, errs := gestureMapFromConfigs(nil, nil)
	require.Empty(t, errs)

	base := m.baseSet()
	assert.Len(t, base, 3)
	assert.Equal(t, gestureBinding{Script: scriptToggleOverlay}, base["kb:control+alt+shift+v"])

	full := m.fullSet()
	assert.Equal(t, gestureBinding{Script: scriptSwitchSession, Arg: -1}, full["kb:leftarrow"])
	assert.Equal(t, gestureBinding{Script: scriptChangeVolume, Arg: -100}, full["kb:end"])
	assert.Equal(t, gestureBinding{Script: scriptSetVolume, Arg: 0}, full["kb:0"])
	assert.Equal(t, gestureBinding{Script: scriptSetVolume, Arg: 7}, full["kb:7"])
	assert.Contains(t, full, "kb:volumeup")

	// 3 base + 15 named overlay + 10 digits
	assert.Len(t, full, 28)
}

func TestGestureMapUserOverrides(t *testing.T) {
	m, errs := gestureMapFromConfigs(
		map[string]string{
			"control+alt+shift+v": "",
			"kb:NVDA+shift+V":     "toggleoverlay",
		},
		map[string]string{
			"kb:m":            "",
			"kb:f":            "muteSession",
			"kb:nvda+shift+v": "switchSession:1",
			"kb:x":            "noSuchScript",
			"kb:y":            "changeVolume",
			"kb:z":            "changeVolume:abc",
		},
	)

	assert.Len(t, errs, 3)

	base := m.baseSet()
	assert.NotContains(t, base, "kb:control+alt+shift+v")
	assert.Equal(t, gestureBinding{Script: scriptToggleOverlay}, base["kb:nvda+shift+v"])

	full := m.fullSet()
	assert.NotContains(t, full, "kb:m")
	assert.Equal(t, gestureBinding{Script: scriptMuteSession}, full["kb:f"])

	// base wins over overlay
	assert.Equal(t, gestureBinding{Script: scriptToggleOverlay}, full["kb:nvda+shift+v"])

	assert.NotContains(t, full, "kb:x")
	assert.NotContains(t, full, "kb:y")
	assert.NotContains(t, full, "kb:z")
}

func TestParseGestureBinding(t *testing.T) {
	testCases := []struct {
		value   string
		want    gestureBinding
		wantErr bool
	}{
		{"setDevice", gestureBinding{Script: scriptSetDevice}, false},
		{" changeVolume : -5 ", gestureBinding{Script: scriptChangeVolume, Arg: -5}, false},
		{"SWITCHDEVICE:1", gestureBinding{Script: scriptSwitchDevice, Arg: 1}, false},
		{"switchDevice", gestureBinding{}, true},
		{"explode", gestureBinding{}, true},
		{"setVolume:x", gestureBinding{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.value, func(t *testing.T) {
			got, err := parseGestureBinding(tc.value)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGestureBindingString(t *testing.T) {
	assert.Equal(t, "muteSession", gestureBinding{Script: scriptMuteSession}.String())
	assert.Equal(t, "changeVolume:-5", gestureBinding{Script: scriptChangeVolume, Arg: -5}.String())
}

func TestNormalizeGestureID(t *testing.T) {
	assert.Equal(t, "kb:control+uparrow", normalizeGestureID(" Control+UpArrow "))
	assert.Equal(t, "kb:m", normalizeGestureID("KB:M"))
	assert.Equal(t, "", normalizeGestureID("  "))
}

func TestSplitGesture(t *testing.T) {
	mods, key, err := splitGesture("kb:control+alt+shift+v")
	require.NoError(t, err)
	assert.Equal(t, []string{"control", "alt", "shift"}, mods)
	assert.Equal(t, "v", key)

	mods, key, err = splitGesture("pageUp")
	require.NoError(t, err)
	assert.Empty(t, mods)
	assert.Equal(t, "pageup", key)

	_, _, err = splitGesture("kb:control+")
	assert.Error(t, err)

	_, _, err = splitGesture("")
	assert.Error(t, err)
}

func TestGestureIDsSorted(t *testing.T) {
	ids := gestureIDs(map[string]gestureBinding{
		"kb:m": {}, "kb:a": {}, "kb:control+r": {},
	})

	assert.Equal(t, []string{"kb:a", "kb:control+r", "kb:m"}, ids)
}
