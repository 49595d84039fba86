package volman

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/thoas/go-funk"
)

// script names, as referenced by the gesture tables in config.yaml
const (
	scriptToggleOverlay       = "toggleOverlay"
	scriptVolumeUp            = "volumeUp"
	scriptVolumeDown          = "volumeDown"
	scriptSwitchSession       = "switchSession"
	scriptSwitchDevice        = "switchDevice"
	scriptSetDevice           = "setDevice"
	scriptOpenSetVolumeDialog = "openSetVolumeDialog"
	scriptMuteSession         = "muteSession"
	scriptCycleDeviceTypes    = "cycleDeviceTypes"
	scriptResetConfiguration  = "resetConfiguration"
	scriptChangeVolume        = "changeVolume"
	scriptSetVolume           = "setVolume"

	gesturePrefix = "kb:"
)

// scripts taking an integer argument, written as "name:arg"
var scriptsWithArgument = []string{scriptSwitchSession, scriptSwitchDevice, scriptChangeVolume, scriptSetVolume}

var knownScripts = []string{
	scriptToggleOverlay,
	scriptVolumeUp,
	scriptVolumeDown,
	scriptSwitchSession,
	scriptSwitchDevice,
	scriptSetDevice,
	scriptOpenSetVolumeDialog,
	scriptMuteSession,
	scriptCycleDeviceTypes,
	scriptResetConfiguration,
	scriptChangeVolume,
	scriptSetVolume,
}

var defaultBaseGestures = map[string]string{
	"kb:control+alt+shift+v": scriptToggleOverlay,
	"kb:volumeDown":          scriptVolumeDown,
	"kb:volumeUp":            scriptVolumeUp,
}

var defaultOverlayGestures = func() map[string]string {
	m := map[string]string{
		"kb:leftArrow":          scriptSwitchSession + ":-1",
		"kb:rightArrow":         scriptSwitchSession + ":1",
		"kb:control+upArrow":    scriptSwitchDevice + ":-1",
		"kb:control+downArrow":  scriptSwitchDevice + ":1",
		"kb:control+rightArrow": scriptSetDevice,
		"kb:space":              scriptOpenSetVolumeDialog,
		"kb:m":                  scriptMuteSession,
		"kb:d":                  scriptCycleDeviceTypes,
		"kb:control+r":          scriptResetConfiguration,
		"kb:downArrow":          scriptChangeVolume + ":-1",
		"kb:upArrow":            scriptChangeVolume + ":1",
		"kb:pageUp":             scriptChangeVolume + ":5",
		"kb:pageDown":           scriptChangeVolume + ":-5",
		"kb:home":               scriptChangeVolume + ":100",
		"kb:end":                scriptChangeVolume + ":-100",
	}

	for digit := 0; digit < 10; digit++ {
		m[fmt.Sprintf("kb:%d", digit)] = fmt.Sprintf("%s:%d", scriptSetVolume, digit)
	}

	return m
}()

// gestureBinding is a single "gesture -> script" entry
type gestureBinding struct {
	Script string
	Arg    int
}

func (b gestureBinding) String() string {
	if funk.ContainsString(scriptsWithArgument, b.Script) {
		return fmt.Sprintf("%s:%d", b.Script, b.Arg)
	}

	return b.Script
}

type gestureMap struct {
	base    map[string]gestureBinding
	overlay map[string]gestureBinding
	lock    sync.Locker
}

func newGestureMap() *gestureMap {
	return &gestureMap{
		base:    make(map[string]gestureBinding),
		overlay: make(map[string]gestureBinding),
		lock:    &sync.Mutex{},
	}
}

// gestureMapFromConfigs builds the gesture tables, starting from the defaults and letting the
// user's tables override them. An empty script name unbinds a default gesture
func gestureMapFromConfigs(userBase map[string]string, userOverlay map[string]string) (*gestureMap, []error) {
	resultMap := newGestureMap()
	var errs []error

	fill := func(target map[string]gestureBinding, defaults map[string]string, user map[string]string) {
		for gesture, script := range defaults {
			binding, _ := parseGestureBinding(script)
			target[normalizeGestureID(gesture)] = binding
		}

		for gesture, script := range user {
			id := normalizeGestureID(gesture)

			if strings.TrimSpace(script) == "" {
				delete(target, id)
				continue
			}

			binding, err := parseGestureBinding(script)
			if err != nil {
				errs = append(errs, fmt.Errorf("gesture %s: %w", gesture, err))
				continue
			}

			target[id] = binding
		}
	}

	fill(resultMap.base, defaultBaseGestures, userBase)
	fill(resultMap.overlay, defaultOverlayGestures, userOverlay)

	// a gesture bound in both tables belongs to the base set
	for id := range resultMap.base {
		delete(resultMap.overlay, id)
	}

	return resultMap, errs
}

func parseGestureBinding(value string) (gestureBinding, error) {
	value = strings.TrimSpace(value)
	name := value
	arg := 0

	if sep := strings.Index(value, ":"); sep >= 0 {
		name = value[:sep]

		parsed, err := strconv.Atoi(strings.TrimSpace(value[sep+1:]))
		if err != nil {
			return gestureBinding{}, fmt.Errorf("parse script argument %q: %w", value, err)
		}

		arg = parsed
	}

	script, ok := canonicalScriptName(name)
	if !ok {
		return gestureBinding{}, fmt.Errorf("unknown script %q", name)
	}

	if funk.ContainsString(scriptsWithArgument, script) && !strings.Contains(value, ":") {
		return gestureBinding{}, fmt.Errorf("script %s requires an argument", script)
	}

	return gestureBinding{Script: script, Arg: arg}, nil
}

// script names may come back lowercased from the config loader
func canonicalScriptName(name string) (string, bool) {
	for _, script := range knownScripts {
		if strings.EqualFold(script, strings.TrimSpace(name)) {
			return script, true
		}
	}

	return "", false
}

// normalizeGestureID lowercases a gesture id and makes sure it carries the "kb:" prefix
func normalizeGestureID(gesture string) string {
	gesture = strings.ToLower(strings.TrimSpace(gesture))
	if gesture == "" {
		return ""
	}

	if !strings.HasPrefix(gesture, gesturePrefix) {
		gesture = gesturePrefix + gesture
	}

	return gesture
}

// baseSet returns a copy of the always-active gestures
func (m *gestureMap) baseSet() map[string]gestureBinding {
	m.lock.Lock()
	defer m.lock.Unlock()

	return copyBindings(m.base)
}

// fullSet returns a copy of the base and overlay gestures combined
func (m *gestureMap) fullSet() map[string]gestureBinding {
	m.lock.Lock()
	defer m.lock.Unlock()

	result := copyBindings(m.overlay)
	for id, binding := range m.base {
		result[id] = binding
	}

	return result
}

func (m *gestureMap) String() string {
	m.lock.Lock()
	defer m.lock.Unlock()

	return fmt.Sprintf("<%d base gestures, %d overlay gestures>", len(m.base), len(m.overlay))
}

func copyBindings(src map[string]gestureBinding) map[string]gestureBinding {
	dst := make(map[string]gestureBinding, len(src))
	for id, binding := range src {
		dst[id] = binding
	}

	return dst
}

func gestureIDs(bindings map[string]gestureBinding) []string {
	ids := make([]string, 0, len(bindings))
	for id := range bindings {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// splitGesture breaks "kb:control+alt+v" into its modifiers and main key
func splitGesture(gesture string) ([]string, string, error) {
	id := normalizeGestureID(gesture)
	if id == "" {
		return nil, "", fmt.Errorf("empty gesture")
	}

	parts := strings.Split(strings.TrimPrefix(id, gesturePrefix), "+")
	key := strings.TrimSpace(parts[len(parts)-1])
	if key == "" {
		return nil, "", fmt.Errorf("gesture %s has no main key", gesture)
	}

	modifiers := make([]string, 0, len(parts)-1)
	for _, part := range parts[:len(parts)-1] {
		modifiers = append(modifiers, strings.TrimSpace(part))
	}

	return modifiers, key, nil
}
