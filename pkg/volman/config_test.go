package volman

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, yaml string) *CanonicalConfig {
	t.Helper()

	cc, err := NewConfig(testLogger(), &fakeNotifier{})
	require.NoError(t, err)

	require.NoError(t, cc.userConfig.ReadConfig(bytes.NewBufferString(yaml)))
	require.NoError(t, cc.populateFromVipers())

	return cc
}

func TestConfigDefaults(t *testing.T) {
	cc := loadTestConfig(t, "")

	assert.Equal(t, defaultRepeatWindow, cc.RepeatWindow)
	assert.Empty(t, cc.ConnectionInfo.SerialPort)
	assert.Equal(t, defaultSerialBaudRate, cc.ConnectionInfo.SerialBaudRate)
	assert.Equal(t, 0, cc.ConnectionInfo.RelayPort)

	assert.Len(t, cc.Gestures.baseSet(), len(defaultBaseGestures))
	assert.Equal(t, gestureBinding{Script: scriptToggleOverlay}, cc.Gestures.baseSet()["kb:control+alt+shift+v"])
}

func TestConfigUserValues(t *testing.T) {
	cc := loadTestConfig(t, `
base_gestures:
  "kb:control+alt+shift+v": ""
  "kb:windows+shift+v": toggleOverlay
overlay_gestures:
  "kb:pageUp": "changeVolume:10"
  "kb:f5": "switchSession:2"
  "kb:q": "notAScript"
repeat_window_ms: 750
serial_port: COM4
serial_baud_rate: 9600
relay_port: 8090
`)

	base := cc.Gestures.baseSet()
	assert.NotContains(t, base, "kb:control+alt+shift+v")
	assert.Equal(t, gestureBinding{Script: scriptToggleOverlay}, base["kb:windows+shift+v"])

	full := cc.Gestures.fullSet()
	assert.Equal(t, gestureBinding{Script: scriptChangeVolume, Arg: 10}, full["kb:pageup"])
	assert.Equal(t, gestureBinding{Script: scriptSwitchSession, Arg: 2}, full["kb:f5"])
	assert.NotContains(t, full, "kb:q")

	assert.Equal(t, 750*time.Millisecond, cc.RepeatWindow)
	assert.Equal(t, "COM4", cc.ConnectionInfo.SerialPort)
	assert.Equal(t, 9600, cc.ConnectionInfo.SerialBaudRate)
	assert.Equal(t, 8090, cc.ConnectionInfo.RelayPort)
}

func TestConfigInvalidValuesFallBack(t *testing.T) {
	cc := loadTestConfig(t, `
repeat_window_ms: -5
relay_port: 70000
`)

	assert.Equal(t, defaultRepeatWindow, cc.RepeatWindow)
	assert.Equal(t, 0, cc.ConnectionInfo.RelayPort)
}

func TestConfigReloadConsumers(t *testing.T) {
	cc := loadTestConfig(t, "")

	first := cc.SubscribeToChanges()
	second := cc.SubscribeToChanges()

	cc.onConfigReloaded()

	assert.True(t, <-first)
	assert.True(t, <-second)

	// a slow consumer never blocks the reload
	cc.onConfigReloaded()
	cc.onConfigReloaded()

	cc.StopWatchingConfigFile()

	_, ok := <-first
	assert.True(t, ok)

	_, ok = <-first
	assert.False(t, ok)
}
