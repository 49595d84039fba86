package volman

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type controllerFixture struct {
	controller *Controller
	audio      *fakeAudioManager
	speaker    *fakeSpeaker
	toner      *fakeToner
	binder     *fakeBinder
	prompt     *fakePrompt
	clock      *fakeClock
	app        *fakeRoutableSession
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()

	f := &controllerFixture{
		audio:   newFakeAudioManager(),
		speaker: &fakeSpeaker{},
		toner:   &fakeToner{},
		binder:  &fakeBinder{},
		prompt:  &fakePrompt{},
		clock:   &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		app:     newFakeRoutableSession("firefox", 40),
	}

	f.audio.sessions = []Session{f.app}

	gestures, errs := gestureMapFromConfigs(nil, nil)
	require.Empty(t, errs)

	f.controller = NewController(testLogger(), f.audio, f.speaker, f.toner, f.binder, f.prompt, gestures, 0)
	f.controller.clock = f.clock.Now

	require.NoError(t, f.controller.Initialize())
	t.Cleanup(f.controller.Terminate)

	return f
}

func (f *controllerFixture) press(gestures ...string) {
	for _, gesture := range gestures {
		f.controller.Dispatch(gesture)
		f.clock.advance(100 * time.Millisecond)
	}
}

func (f *controllerFixture) lastTone(t *testing.T) tone {
	t.Helper()

	last, ok := f.toner.last()
	require.True(t, ok, "expected a tone")

	return last
}

func TestControllerStartsWithBaseGestures(t *testing.T) {
	f := newControllerFixture(t)

	assert.False(t, f.controller.Active())
	assert.ElementsMatch(t, []string{"kb:control+alt+shift+v", "kb:volumedown", "kb:volumeup"}, f.binder.current())
	assert.Equal(t, 2, f.audio.calls())
}

func TestControllerToggleOverlay(t *testing.T) {
	f := newControllerFixture(t)

	f.press("kb:control+alt+shift+v")

	assert.True(t, f.controller.Active())
	assert.Equal(t, toneOverlayOn, f.lastTone(t))
	assert.Contains(t, f.binder.current(), "kb:leftarrow")
	assert.Contains(t, f.binder.current(), "kb:control+alt+shift+v")
	assert.Equal(t, "Output device 50%", f.speaker.last())

	f.press("kb:control+alt+shift+v")

	assert.False(t, f.controller.Active())
	assert.Equal(t, toneOverlayOff, f.lastTone(t))
	assert.NotContains(t, f.binder.current(), "kb:leftarrow")
}

func TestControllerIgnoresOverlayGesturesWhenInactive(t *testing.T) {
	f := newControllerFixture(t)

	f.press("kb:upArrow")

	assert.Equal(t, 0, f.speaker.count())
	assert.Equal(t, 0, f.audio.output.writes)
}

func TestControllerSwitchSessionWraps(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v")

	f.press("kb:leftArrow")
	assert.Equal(t, "firefox 40%", f.speaker.last())

	f.press("kb:rightArrow")
	assert.Equal(t, "Output device 50%", f.speaker.last())

	f.press("kb:rightArrow")
	assert.Equal(t, "Input device 80%", f.speaker.last())

	f.press("kb:rightArrow", "kb:rightArrow")
	assert.Equal(t, "Output device 50%", f.speaker.last())
}

func TestControllerToggleRestoresSessionByName(t *testing.T) {
	f := newControllerFixture(t)

	f.press("kb:control+alt+shift+v", "kb:leftArrow", "kb:control+alt+shift+v")
	f.press("kb:control+alt+shift+v")

	assert.Equal(t, "firefox 40%", f.speaker.last())

	// firefox is gone by the next activation
	f.press("kb:control+alt+shift+v")
	f.audio.lock.Lock()
	f.audio.sessions = []Session{newFakeRoutableSession("spotify", 70)}
	f.audio.lock.Unlock()
	f.press("kb:control+alt+shift+v")

	assert.Equal(t, "Output device 50%", f.speaker.last())
}

func TestControllerSwitchDeviceClamps(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v")

	f.press("kb:control+upArrow")
	assert.Equal(t, toneDeviceLimit, f.lastTone(t))

	f.press("kb:control+downArrow")
	assert.Equal(t, "HDMI", f.speaker.last())

	tones := len(f.toner.tones)
	f.press("kb:control+downArrow")
	assert.Equal(t, toneDeviceLimit, f.lastTone(t))
	assert.Len(t, f.toner.tones, tones+1)
	assert.Equal(t, "HDMI", f.speaker.last())
}

func TestControllerSetDeviceIsIdempotent(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v", "kb:control+downArrow")

	f.press("kb:control+rightArrow")
	assert.Equal(t, "HDMI set", f.speaker.last())
	assert.Equal(t, 1, f.audio.output.setDevices)

	f.press("kb:control+rightArrow")
	assert.Equal(t, toneDeviceAlreadySet, f.lastTone(t))
	assert.Equal(t, 1, f.audio.output.setDevices)
}

func TestControllerDeviceSessionListsOwnFlow(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v", "kb:rightArrow")

	// input device session: only the microphone is a candidate
	f.press("kb:control+downArrow")
	assert.Equal(t, toneDeviceLimit, f.lastTone(t))

	f.press("kb:control+rightArrow")
	assert.Equal(t, toneDeviceAlreadySet, f.lastTone(t))
	assert.Equal(t, 0, f.audio.input.setDevices)
}

func TestControllerRoutesApplication(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v", "kb:leftArrow")

	// cursor starts on the default sentinel, which is already active
	f.press("kb:control+rightArrow")
	assert.Equal(t, toneDeviceAlreadySet, f.lastTone(t))
	assert.Equal(t, 0, f.app.routes)

	f.press("kb:control+downArrow")
	assert.Equal(t, "Speakers", f.speaker.last())

	f.press("kb:control+rightArrow")
	assert.Equal(t, "Speakers set", f.speaker.last())
	assert.Equal(t, 1, f.app.routes)
	assert.Equal(t, "Speakers", f.app.routed[FlowOutput].Name)

	// the cursor follows the routed device after switching back to the session
	f.press("kb:rightArrow", "kb:leftArrow", "kb:control+rightArrow")
	assert.Equal(t, toneDeviceAlreadySet, f.lastTone(t))
	assert.Equal(t, 1, f.app.routes)
}

func TestControllerCycleDeviceTypes(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v", "kb:leftArrow")

	f.press("kb:d")
	assert.Equal(t, "input devices", f.speaker.last())

	f.press("kb:control+downArrow")
	assert.Equal(t, "Microphone", f.speaker.last())

	f.press("kb:control+rightArrow")
	assert.Equal(t, "Microphone", f.app.routed[FlowInput].Name)
	_, routedOutput := f.app.routed[FlowOutput]
	assert.False(t, routedOutput)

	f.press("kb:d")
	assert.Equal(t, "output devices", f.speaker.last())
}

func TestControllerRoutingUnsupported(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{"routing interface missing", ErrUnsupported, msgNotSupported},
		{"no resolvable device", ErrNoDevice, msgNotSupported},
		{"other failure", errors.New("boom"), msgError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newControllerFixture(t)
			f.app.routeErr = fmt.Errorf("get persisted endpoint: %w", tc.err)
			f.press("kb:control+alt+shift+v", "kb:leftArrow")

			f.press("kb:control+rightArrow")

			assert.Equal(t, tc.want, f.speaker.last())
			assert.Equal(t, 0, f.app.routes)
		})
	}
}

func TestControllerChangeVolume(t *testing.T) {
	testCases := []struct {
		name       string
		prior      int
		gesture    string
		wantVolume int
		wantWrites int
		wantSpeech string
		wantTone   *tone
	}{
		{"clamped up", 97, "kb:pageUp", 100, 1, "100%", nil},
		{"clamped down", 3, "kb:pageDown", 0, 1, "0%", nil},
		{"already at max", 100, "kb:pageUp", 100, 0, "", &toneVolumeUpLimit},
		{"already at min", 0, "kb:downArrow", 0, 0, "", &toneVolumeDownLimit},
		{"step up", 50, "kb:upArrow", 51, 1, "51%", nil},
		{"home", 20, "kb:home", 100, 1, "100%", nil},
		{"end", 20, "kb:end", 0, 1, "0%", nil},
		{"digit", 20, "kb:5", 50, 1, "50%", nil},
		{"zero digit means full", 20, "kb:0", 100, 1, "100%", nil},
		{"digit equal to prior", 30, "kb:3", 30, 0, "", &toneVolumeDownLimit},
		{"full digit at max", 100, "kb:0", 100, 0, "", &toneVolumeUpLimit},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newControllerFixture(t)
			f.audio.output.volume = tc.prior
			f.press("kb:control+alt+shift+v")

			spoken := f.speaker.count()
			tones := len(f.toner.tones)

			f.press(tc.gesture)

			assert.Equal(t, tc.wantVolume, f.audio.output.volume)
			assert.Equal(t, tc.wantWrites, f.audio.output.writes)

			if tc.wantSpeech != "" {
				assert.Equal(t, tc.wantSpeech, f.speaker.last())
			} else {
				assert.Equal(t, spoken, f.speaker.count())
			}

			if tc.wantTone != nil {
				assert.Equal(t, *tc.wantTone, f.lastTone(t))
			} else {
				assert.Len(t, f.toner.tones, tones)
			}
		})
	}
}

func TestControllerMuteSession(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v")

	f.press("kb:m")
	assert.True(t, f.audio.output.muted)
	assert.Equal(t, msgMuted, f.speaker.last())

	f.press("kb:m")
	assert.False(t, f.audio.output.muted)
	assert.Equal(t, msgUnmuted, f.speaker.last())
}

func TestControllerResetNeedsThreePresses(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v")

	f.press("kb:control+r")
	assert.Equal(t, fmt.Sprintf(msgResetWarning, 2), f.speaker.last())

	f.press("kb:control+r")
	assert.Equal(t, msgResetOneMoreTime, f.speaker.last())
	assert.Equal(t, 0, f.audio.resets)

	f.press("kb:control+r")
	assert.Equal(t, msgResetDone, f.speaker.last())
	assert.Equal(t, 1, f.audio.resets)

	// a fourth press starts a fresh count
	f.press("kb:control+r")
	assert.Equal(t, fmt.Sprintf(msgResetWarning, 2), f.speaker.last())
	assert.Equal(t, 1, f.audio.resets)
}

func TestControllerResetCountBrokenBySlowPress(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v")

	f.press("kb:control+r", "kb:control+r")
	f.clock.advance(time.Second)
	f.press("kb:control+r")

	assert.Equal(t, fmt.Sprintf(msgResetWarning, 2), f.speaker.last())
	assert.Equal(t, 0, f.audio.resets)
}

func TestControllerResetCountBrokenByOtherGesture(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v")

	f.press("kb:control+r", "kb:control+r", "kb:m", "kb:control+r")

	assert.Equal(t, fmt.Sprintf(msgResetWarning, 2), f.speaker.last())
	assert.Equal(t, 0, f.audio.resets)
}

func TestControllerResetFailureReported(t *testing.T) {
	f := newControllerFixture(t)
	f.audio.resetErr = ErrUnsupported
	f.press("kb:control+alt+shift+v")

	f.press("kb:control+r", "kb:control+r", "kb:control+r")

	assert.Equal(t, msgNotSupported, f.speaker.last())
}

func TestControllerStepVolume(t *testing.T) {
	f := newControllerFixture(t)

	f.press("kb:volumeUp")
	assert.Equal(t, "52%", f.speaker.last())
	assert.Equal(t, 1, f.speaker.cancels)

	f.press("kb:volumeDown", "kb:volumeDown")
	assert.Equal(t, "48%", f.speaker.last())
	assert.Equal(t, 3, f.speaker.cancels)
}

func TestControllerVolumeDialog(t *testing.T) {
	f := newControllerFixture(t)
	f.prompt.value = 42
	f.prompt.ok = true
	f.prompt.asked = make(chan int, 1)
	f.prompt.release = make(chan struct{})
	f.press("kb:control+alt+shift+v")

	f.press("kb:space")

	assert.Equal(t, 50, <-f.prompt.asked)
	assert.Empty(t, f.binder.current())

	close(f.prompt.release)

	assert.Eventually(t, func() bool {
		return f.speaker.last() == "42%"
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 42, f.audio.output.volume)
	assert.Contains(t, f.binder.current(), "kb:leftarrow")
}

func TestControllerVolumeDialogCancelled(t *testing.T) {
	f := newControllerFixture(t)
	f.prompt.asked = make(chan int, 1)
	f.press("kb:control+alt+shift+v")

	f.press("kb:space")
	<-f.prompt.asked

	assert.Eventually(t, func() bool {
		return len(f.binder.current()) > 0
	}, time.Second, 10*time.Millisecond)

	assert.Contains(t, f.binder.current(), "kb:leftarrow")
	assert.Equal(t, 0, f.audio.output.writes)
}

func TestControllerFollowsDefaultDeviceChanges(t *testing.T) {
	f := newControllerFixture(t)
	calls := f.audio.calls()

	hdmi := f.audio.devices[FlowOutput][1]
	current := f.audio.switchDefaultOutput(hdmi, 30)

	f.audio.changes <- true

	assert.Eventually(t, func() bool {
		f.controller.defaultsLock.Lock()
		defer f.controller.defaultsLock.Unlock()

		return f.controller.outputSession == DeviceSession(current)
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, f.audio.calls(), calls+2)

	f.press("kb:control+alt+shift+v")
	assert.Equal(t, "Output device 30%", f.speaker.last())

	f.press("kb:upArrow")
	assert.Equal(t, 1, current.writes)

	f.press("kb:control+rightArrow")
	assert.Equal(t, toneDeviceAlreadySet, f.lastTone(t))
	assert.Equal(t, 0, current.setDevices)
}

func TestControllerActivationRefetchesDefaults(t *testing.T) {
	f := newControllerFixture(t)
	f.press("kb:control+alt+shift+v", "kb:control+alt+shift+v")

	stale := f.audio.output
	hdmi := f.audio.devices[FlowOutput][1]

	// no change notification arrives
	current := f.audio.switchDefaultOutput(hdmi, 30)

	f.press("kb:control+alt+shift+v")
	assert.Equal(t, "Output device 30%", f.speaker.last())

	f.press("kb:upArrow")
	assert.Equal(t, 1, current.writes)
	assert.Equal(t, 0, stale.writes)
	assert.Equal(t, 1, stale.released)

	// the device cursor starts on the new default
	f.press("kb:control+rightArrow")
	assert.Equal(t, toneDeviceAlreadySet, f.lastTone(t))
}

func TestControllerRoutingUnavailable(t *testing.T) {
	f := newControllerFixture(t)

	f.audio.lock.Lock()
	f.audio.routingUnsupported = true
	f.audio.lock.Unlock()

	f.press("kb:control+alt+shift+v", "kb:leftArrow")
	assert.Equal(t, "firefox 40%", f.speaker.last())

	f.press("kb:control+downArrow")
	assert.Equal(t, msgNotSupported, f.speaker.last())

	f.press("kb:control+rightArrow")
	assert.Equal(t, msgNotSupported, f.speaker.last())
	assert.Equal(t, 0, f.app.routes)

	// device sessions don't need per-application routing
	f.press("kb:rightArrow", "kb:control+downArrow")
	assert.Equal(t, "HDMI", f.speaker.last())
}

func TestControllerUpdateGestures(t *testing.T) {
	f := newControllerFixture(t)

	gestures, errs := gestureMapFromConfigs(map[string]string{"kb:f9": scriptToggleOverlay}, nil)
	require.Empty(t, errs)

	f.controller.UpdateGestures(gestures, time.Second)

	assert.Contains(t, f.binder.current(), "kb:f9")

	f.press("kb:f9")
	assert.True(t, f.controller.Active())
}

func TestControllerReleasesDroppedSessions(t *testing.T) {
	f := newControllerFixture(t)

	f.press("kb:control+alt+shift+v", "kb:control+alt+shift+v")

	f.audio.lock.Lock()
	f.audio.sessions = nil
	f.audio.lock.Unlock()

	f.press("kb:control+alt+shift+v")

	assert.Equal(t, 1, f.app.released)
	assert.Equal(t, 0, f.audio.output.released)
}
