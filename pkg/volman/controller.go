package volman

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// Controller owns the gesture bindings and the session/device navigation state, and turns
// gestures into AudioManager calls and announcements
type Controller struct {
	logger *zap.SugaredLogger

	audio   AudioManager
	speaker Speaker
	toner   Toner
	binder  GestureBinder
	prompt  VolumePrompt
	sinks   []AnnouncementSink

	clock func() time.Time

	// guards everything below up to defaultsLock; scripts run one at a time
	lock sync.Mutex

	gestures *gestureMap
	bound    map[string]gestureBinding
	repeat   repeatCounter

	overlay      bool
	dialogOpen   bool
	flow         DeviceFlow
	sessions     []Session
	sessionIndex int
	current      Session
	devices      []*Device
	deviceIndex  int

	// written from the device notification goroutine, last writer wins
	defaultsLock  sync.Mutex
	outputSession DeviceSession
	inputSession  DeviceSession
	retired       []Session

	stopChannel chan bool
}

// scripts that don't act on the current session and may run while the overlay is inactive
var sessionlessScripts = []string{
	scriptToggleOverlay,
	scriptVolumeUp,
	scriptVolumeDown,
	scriptCycleDeviceTypes,
	scriptResetConfiguration,
}

type scriptFunc func(c *Controller, binding gestureBinding, repeatCount int)

var scripts = map[string]scriptFunc{
	scriptToggleOverlay:       (*Controller).scriptToggleOverlay,
	scriptVolumeUp:            (*Controller).scriptVolumeUp,
	scriptVolumeDown:          (*Controller).scriptVolumeDown,
	scriptSwitchSession:       (*Controller).scriptSwitchSession,
	scriptSwitchDevice:        (*Controller).scriptSwitchDevice,
	scriptSetDevice:           (*Controller).scriptSetDevice,
	scriptOpenSetVolumeDialog: (*Controller).scriptOpenSetVolumeDialog,
	scriptMuteSession:         (*Controller).scriptMuteSession,
	scriptCycleDeviceTypes:    (*Controller).scriptCycleDeviceTypes,
	scriptResetConfiguration:  (*Controller).scriptResetConfiguration,
	scriptChangeVolume:        (*Controller).scriptChangeVolume,
	scriptSetVolume:           (*Controller).scriptSetVolume,
}

// NewController creates a controller in the inactive state. Call Initialize before dispatching gestures
func NewController(
	logger *zap.SugaredLogger,
	audio AudioManager,
	speaker Speaker,
	toner Toner,
	binder GestureBinder,
	prompt VolumePrompt,
	gestures *gestureMap,
	repeatWindow time.Duration,
) *Controller {
	if repeatWindow <= 0 {
		repeatWindow = defaultRepeatWindow
	}

	c := &Controller{
		logger:      logger.Named("controller"),
		audio:       audio,
		speaker:     speaker,
		toner:       toner,
		binder:      binder,
		prompt:      prompt,
		clock:       time.Now,
		gestures:    gestures,
		bound:       map[string]gestureBinding{},
		repeat:      repeatCounter{window: repeatWindow},
		flow:        FlowOutput,
		stopChannel: make(chan bool),
	}

	c.logger.Debug("Created controller instance")

	return c
}

// AddAnnouncementSink registers an observer for every announcement. Call before Initialize
func (c *Controller) AddAnnouncementSink(sink AnnouncementSink) {
	c.sinks = append(c.sinks, sink)
}

// Initialize fetches the default devices, binds the base gestures and starts following
// default device changes
func (c *Controller) Initialize() error {
	if err := c.refreshDefaults(); err != nil {
		c.logger.Warnw("Failed to fetch default devices during initialization", "error", err)
	}

	c.lock.Lock()
	c.bindBaseGestures()
	c.lock.Unlock()

	changes := c.audio.SubscribeToDeviceChanges()

	go func() {
		for {
			select {
			case <-c.stopChannel:
				return
			case _, ok := <-changes:
				if !ok {
					return
				}

				c.logger.Debug("Default device changed, re-fetching default devices")
				if err := c.refreshDefaults(); err != nil {
					c.logger.Warnw("Failed to re-fetch default devices", "error", err)
				}
			}
		}
	}()

	c.logger.Info("Controller initialized")

	return nil
}

// Terminate unbinds every gesture and releases the sessions the controller holds
func (c *Controller) Terminate() {
	close(c.stopChannel)

	c.lock.Lock()
	defer c.lock.Unlock()

	c.bound = map[string]gestureBinding{}
	c.binder.Bind(nil)
	c.releaseSessions(c.sessions)
	c.sessions = nil
	c.current = nil

	c.defaultsLock.Lock()
	for _, session := range append(c.retired, c.outputSession, c.inputSession) {
		if session != nil {
			session.Release()
		}
	}
	c.retired = nil
	c.outputSession = nil
	c.inputSession = nil
	c.defaultsLock.Unlock()

	c.logger.Debug("Controller terminated")
}

// UpdateGestures swaps the gesture tables (after a config reload) and rebinds the active set
func (c *Controller) UpdateGestures(gestures *gestureMap, repeatWindow time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.gestures = gestures
	if repeatWindow > 0 {
		c.repeat.window = repeatWindow
	}
	c.repeat.reset()

	if c.dialogOpen {
		return
	}

	if c.overlay {
		c.bindAllGestures()
	} else {
		c.bindBaseGestures()
	}
}

// Active reports whether the overlay gestures are bound
func (c *Controller) Active() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.overlay
}

// Dispatch runs the script bound to a gesture, if any
func (c *Controller) Dispatch(gestureID string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	id := normalizeGestureID(gestureID)

	binding, ok := c.bound[id]
	if !ok {
		c.logger.Debugw("Ignoring unbound gesture", "gesture", id)
		return
	}

	script, ok := scripts[binding.Script]
	if !ok {
		c.logger.Warnw("Gesture bound to unknown script", "gesture", id, "script", binding.Script)
		return
	}

	repeatCount := c.repeat.register(id, c.clock())

	if c.current == nil && !funk.ContainsString(sessionlessScripts, binding.Script) {
		c.message(msgNoSessions)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("Panic while running script", "gesture", id, "script", binding.Script, "panic", r)
		}
	}()

	c.logger.Debugw("Running script", "gesture", id, "binding", binding, "repeatCount", repeatCount)
	script(c, binding, repeatCount)
}

// ResetConfiguration clears persisted per-application devices without the press-count gate.
// Used by the tray menu
func (c *Controller) ResetConfiguration() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.resetConfiguration()
}

func (c *Controller) bindBaseGestures() {
	c.bound = c.gestures.baseSet()
	c.binder.Bind(gestureIDs(c.bound))
}

func (c *Controller) bindAllGestures() {
	c.bound = c.gestures.fullSet()
	c.binder.Bind(gestureIDs(c.bound))
}

func (c *Controller) clearGestures() {
	c.bound = map[string]gestureBinding{}
	c.binder.Bind(nil)
}

func (c *Controller) scriptToggleOverlay(_ gestureBinding, _ int) {
	if c.overlay {
		c.overlay = false
		c.playTone(toneOverlayOff)
		c.bindBaseGestures()
		c.logger.Debug("Overlay deactivated")
		return
	}

	// a missed or unsupported change notification must not leave us on a stale endpoint
	if err := c.refreshDefaults(); err != nil {
		c.logger.Warnw("Failed to re-fetch default devices", "error", err)
	}

	if err := c.rebuildSessions(); err != nil {
		c.reportError("rebuild session list", err)
		return
	}

	if len(c.sessions) == 0 {
		c.message(msgNoSessions)
		return
	}

	c.overlay = true
	c.rebuildDevices()
	c.playTone(toneOverlayOn)
	c.bindAllGestures()
	c.announceSession()

	c.logger.Debugw("Overlay activated", "session", c.current.Name(), "sessions", len(c.sessions))
}

func (c *Controller) scriptVolumeUp(_ gestureBinding, _ int) {
	c.stepVolume(true)
}

func (c *Controller) scriptVolumeDown(_ gestureBinding, _ int) {
	c.stepVolume(false)
}

func (c *Controller) stepVolume(up bool) {
	volume, err := c.audio.StepVolume(up)

	// the OS echoes multimedia keys through speech of its own; cut it short
	if cancelErr := c.speaker.Cancel(); cancelErr != nil {
		c.logger.Debugw("Failed to cancel speech", "error", cancelErr)
	}

	if err != nil {
		c.reportError("step volume", err)
		return
	}

	c.message(formatVolume(volume))
}

func (c *Controller) scriptSwitchSession(binding gestureBinding, _ int) {
	if len(c.sessions) == 0 {
		c.message(msgNoSessions)
		return
	}

	c.selectSession(wrapIndex(c.sessionIndex+binding.Arg, len(c.sessions)))
	c.rebuildDevices()
	c.announceSession()
}

func (c *Controller) scriptSwitchDevice(binding gestureBinding, _ int) {
	if !c.canRoute(c.current) {
		c.message(msgNotSupported)
		return
	}

	next := c.deviceIndex + binding.Arg

	if len(c.devices) == 0 || next < 0 || next >= len(c.devices) {
		c.playTone(toneDeviceLimit)
		return
	}

	c.deviceIndex = next
	c.message(c.devices[c.deviceIndex].Name)
}

func (c *Controller) scriptSetDevice(_ gestureBinding, _ int) {
	if !c.canRoute(c.current) {
		c.message(msgNotSupported)
		return
	}

	if len(c.devices) == 0 {
		c.message(msgNoDevices)
		return
	}

	device := c.devices[c.deviceIndex]

	switch session := c.current.(type) {
	case DeviceSession:
		if c.defaultDevice(session).Equal(device) {
			c.playTone(toneDeviceAlreadySet)
			return
		}

		if err := session.SetDevice(device); err != nil {
			c.reportError("set default device", err)
			return
		}

	case RoutableSession:
		active, err := session.RoutedDevice(c.flow)
		if err != nil {
			c.reportError("get application device", err)
			return
		}

		if active.Equal(device) {
			c.playTone(toneDeviceAlreadySet)
			return
		}

		if err := session.RouteTo(c.flow, device); err != nil {
			c.reportError("set application device", err)
			return
		}

	default:
		c.message(msgNotSupported)
		return
	}

	c.logger.Infow("Device set", "session", c.current.Name(), "device", device)
	c.message(fmt.Sprintf(msgDeviceSetFormat, device.Name))
}

func (c *Controller) scriptOpenSetVolumeDialog(_ gestureBinding, _ int) {
	session := c.current

	current, err := session.Volume()
	if err != nil {
		c.reportError("get volume", err)
		return
	}

	c.clearGestures()
	c.dialogOpen = true

	go c.runVolumeDialog(session, current)
}

func (c *Controller) runVolumeDialog(session Session, current int) {
	value, ok, err := c.prompt.PromptVolume(current)

	c.lock.Lock()
	defer c.lock.Unlock()

	c.dialogOpen = false
	if c.overlay {
		c.bindAllGestures()
	} else {
		c.bindBaseGestures()
	}

	if err != nil {
		c.reportError("prompt volume", err)
		return
	}

	if !ok {
		c.logger.Debug("Volume dialog cancelled")
		return
	}

	value = clampVolume(value)
	if err := session.SetVolume(value); err != nil {
		c.reportError("set volume", err)
		return
	}

	c.message(formatVolume(value))
	c.publishState(session)
}

func (c *Controller) scriptMuteSession(_ gestureBinding, _ int) {
	muted, err := c.current.Muted()
	if err != nil {
		c.reportError("get mute state", err)
		return
	}

	if err := c.current.SetMuted(!muted); err != nil {
		c.reportError("set mute state", err)
		return
	}

	if muted {
		c.message(msgUnmuted)
	} else {
		c.message(msgMuted)
	}

	c.publishState(c.current)
}

func (c *Controller) scriptCycleDeviceTypes(_ gestureBinding, _ int) {
	c.flow = c.flow.Toggle()

	if c.flow == FlowInput {
		c.message(msgInputDevices)
	} else {
		c.message(msgOutputDevices)
	}

	c.rebuildDevices()
}

func (c *Controller) scriptResetConfiguration(_ gestureBinding, repeatCount int) {
	remaining := resetPressCount - 1 - repeatCount

	if remaining > 1 {
		c.message(fmt.Sprintf(msgResetWarning, remaining))
		return
	}

	if remaining == 1 {
		c.message(msgResetOneMoreTime)
		return
	}

	c.repeat.reset()
	c.resetConfiguration()
}

func (c *Controller) resetConfiguration() {
	if err := c.audio.ResetConfiguration(); err != nil {
		c.reportError("reset configuration", err)
		return
	}

	c.logger.Info("Cleared all persisted application devices")
	c.message(msgResetDone)

	if c.overlay {
		c.rebuildDevices()
	}
}

func (c *Controller) scriptChangeVolume(binding gestureBinding, _ int) {
	prior, err := c.current.Volume()
	if err != nil {
		c.reportError("get volume", err)
		return
	}

	c.applyVolume(prior, clampVolume(prior+binding.Arg), binding.Arg > 0)
}

func (c *Controller) scriptSetVolume(binding gestureBinding, _ int) {
	prior, err := c.current.Volume()
	if err != nil {
		c.reportError("get volume", err)
		return
	}

	target := absoluteVolume(binding.Arg)
	c.applyVolume(prior, target, target == maxVolume)
}

// applyVolume writes target unless it equals prior, in which case it plays the boundary tone
func (c *Controller) applyVolume(prior int, target int, up bool) {
	if target == prior {
		if up {
			c.playTone(toneVolumeUpLimit)
		} else {
			c.playTone(toneVolumeDownLimit)
		}
		return
	}

	if err := c.current.SetVolume(target); err != nil {
		c.reportError("set volume", err)
		return
	}

	c.message(formatVolume(target))
	c.publishState(c.current)
}

// rebuildSessions enumerates [output device, input device, applications] afresh and re-selects
// the previously current session by name
func (c *Controller) rebuildSessions() error {
	previous := ""
	if c.current != nil {
		previous = c.current.Name()
	}

	processSessions, err := c.audio.Sessions()
	if err != nil {
		return fmt.Errorf("get sessions: %w", err)
	}

	c.defaultsLock.Lock()
	sessions := make([]Session, 0, len(processSessions)+2)
	for _, session := range []DeviceSession{c.outputSession, c.inputSession} {
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	retired := c.retired
	c.retired = nil
	c.defaultsLock.Unlock()

	sessions = append(sessions, processSessions...)

	// sessions carried over into the new list must survive
	previousSessions := c.sessions
	c.sessions = sessions
	c.releaseSessions(excludeSessions(append(previousSessions, retired...), sessions))

	c.current = nil
	c.sessionIndex = 0

	if len(sessions) == 0 {
		return nil
	}

	idx, found := indexOfSession(sessions, previous)
	if !found {
		idx = 0
	}

	c.selectSession(idx)

	return nil
}

func (c *Controller) selectSession(idx int) {
	c.sessionIndex = idx
	c.current = c.sessions[idx]
}

// rebuildDevices lists the candidate devices for the current session and anchors the cursor
// on the device it is currently associated with
func (c *Controller) rebuildDevices() {
	c.devices = nil
	c.deviceIndex = 0

	var associated *Device

	switch session := c.current.(type) {
	case DeviceSession:
		devices, err := c.audio.Devices(session.Flow())
		if err != nil {
			c.logger.Warnw("Failed to list devices", "flow", session.Flow(), "error", err)
			return
		}

		c.devices = devices
		associated = c.defaultDevice(session)

	case RoutableSession:
		if !c.audio.RoutingSupported() {
			return
		}

		devices, err := c.audio.Devices(c.flow)
		if err != nil {
			c.logger.Warnw("Failed to list devices", "flow", c.flow, "error", err)
			return
		}

		c.devices = append([]*Device{DefaultDevice(c.flow)}, devices...)

		associated, err = session.RoutedDevice(c.flow)
		if err != nil {
			c.logger.Debugw("No routed device for session", "session", session.Name(), "error", err)
		}

	default:
		return
	}

	if idx, found := indexOfDevice(c.devices, associated); found {
		c.deviceIndex = idx
	}
}

// canRoute reports whether device scripts can act on session. Application sessions need
// the per-application routing interface, which only some OS builds have
func (c *Controller) canRoute(session Session) bool {
	if _, ok := session.(RoutableSession); ok {
		return c.audio.RoutingSupported()
	}

	return true
}

// defaultDevice asks the OS for the current default endpoint of the session's flow, which
// may have moved since the session was fetched
func (c *Controller) defaultDevice(session DeviceSession) *Device {
	device, err := c.audio.DefaultDevice(session.Flow())
	if err != nil {
		c.logger.Debugw("Failed to get default device", "flow", session.Flow(), "error", err)
		return session.Device()
	}

	return device
}

func (c *Controller) announceSession() {
	volume, err := c.current.Volume()
	if err != nil {
		c.logger.Debugw("Failed to get session volume", "session", c.current.Name(), "error", err)
		c.message(c.current.Name())
		return
	}

	c.message(fmt.Sprintf(msgSessionFormat, c.current.Name(), volume))
}

// refreshDefaults re-fetches the default output and input device sessions
func (c *Controller) refreshDefaults() error {
	var errs []error

	fetch := func(flow DeviceFlow) DeviceSession {
		session, err := c.audio.DeviceSession(flow)
		if err != nil {
			errs = append(errs, fmt.Errorf("get %s device session: %w", flow, err))
			return nil
		}

		return session
	}

	output := fetch(FlowOutput)
	input := fetch(FlowInput)

	c.defaultsLock.Lock()
	for _, old := range []DeviceSession{c.outputSession, c.inputSession} {
		if old != nil && old != output && old != input {
			c.retired = append(c.retired, old)
		}
	}
	c.outputSession = output
	c.inputSession = input
	c.defaultsLock.Unlock()

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}

// releaseSessions releases each session once, skipping the ones still held elsewhere
// (current default device sessions and sessions retired but not yet collected)
func (c *Controller) releaseSessions(lists ...[]Session) {
	c.defaultsLock.Lock()
	held := map[Session]bool{}
	for _, session := range c.retired {
		held[session] = true
	}
	if c.outputSession != nil {
		held[c.outputSession] = true
	}
	if c.inputSession != nil {
		held[c.inputSession] = true
	}
	c.defaultsLock.Unlock()

	for _, sessions := range lists {
		for _, session := range sessions {
			if session == nil || held[session] {
				continue
			}

			held[session] = true
			session.Release()
		}
	}
}

func (c *Controller) reportError(action string, err error) {
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrNoDevice) {
		c.logger.Debugw("Operation not supported", "action", action, "error", err)
		c.message(msgNotSupported)
		return
	}

	c.logger.Warnw("Operation failed", "action", action, "error", err)
	c.message(msgError)
}

func (c *Controller) message(text string) {
	if err := c.speaker.Speak(text); err != nil {
		c.logger.Debugw("Failed to speak", "text", text, "error", err)
	}

	for _, sink := range c.sinks {
		sink.Announce(text)
	}
}

func (c *Controller) playTone(t tone) {
	if err := c.toner.Beep(t.freq, t.duration); err != nil {
		c.logger.Debugw("Failed to play tone", "freq", t.freq, "error", err)
	}

	for _, sink := range c.sinks {
		sink.Tone(t.freq, t.duration)
	}
}

func (c *Controller) publishState(session Session) {
	if len(c.sinks) == 0 {
		return
	}

	volume, err := session.Volume()
	if err != nil {
		return
	}

	muted, err := session.Muted()
	if err != nil {
		return
	}

	for _, sink := range c.sinks {
		sink.SessionState(session.Name(), volume, muted)
	}
}

func excludeSessions(sessions []Session, keep []Session) []Session {
	kept := make(map[Session]bool, len(keep))
	for _, session := range keep {
		kept[session] = true
	}

	result := make([]Session, 0, len(sessions))
	for _, session := range sessions {
		if !kept[session] {
			result = append(result, session)
		}
	}

	return result
}
