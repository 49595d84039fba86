package volman

import (
	"fmt"
)

// RegisterHotKey modifier flags
const (
	modAlt      = 0x0001
	modControl  = 0x0002
	modShift    = 0x0004
	modWin      = 0x0008
	modNoRepeat = 0x4000
)

var modifierFlags = map[string]uint32{
	"alt":     modAlt,
	"control": modControl,
	"ctrl":    modControl,
	"shift":   modShift,
	"windows": modWin,
	"win":     modWin,
}

// virtual key codes by gesture key name (lowercase)
var virtualKeys = map[string]uint32{
	"enter":        0x0D, // VK_RETURN
	"tab":          0x09, // VK_TAB
	"escape":       0x1B, // VK_ESCAPE
	"backspace":    0x08, // VK_BACK
	"delete":       0x2E, // VK_DELETE
	"insert":       0x2D, // VK_INSERT
	"home":         0x24, // VK_HOME
	"end":          0x23, // VK_END
	"pageup":       0x21, // VK_PRIOR
	"pagedown":     0x22, // VK_NEXT
	"uparrow":      0x26, // VK_UP
	"downarrow":    0x28, // VK_DOWN
	"leftarrow":    0x25, // VK_LEFT
	"rightarrow":   0x27, // VK_RIGHT
	"space":        0x20, // VK_SPACE
	"printscreen":  0x2C, // VK_SNAPSHOT
	"scrolllock":   0x91, // VK_SCROLL
	"pause":        0x13, // VK_PAUSE
	"applications": 0x5D, // VK_APPS
	"volumemute":   0xAD, // VK_VOLUME_MUTE
	"volumedown":   0xAE, // VK_VOLUME_DOWN
	"volumeup":     0xAF, // VK_VOLUME_UP
	"numpad0":      0x60, // VK_NUMPAD0
	"numpad1":      0x61,
	"numpad2":      0x62,
	"numpad3":      0x63,
	"numpad4":      0x64,
	"numpad5":      0x65,
	"numpad6":      0x66,
	"numpad7":      0x67,
	"numpad8":      0x68,
	"numpad9":      0x69,
}

// short names accepted in gesture ids
var keyAliases = map[string]string{
	"up":     "uparrow",
	"down":   "downarrow",
	"left":   "leftarrow",
	"right":  "rightarrow",
	"pgup":   "pageup",
	"pgdn":   "pagedown",
	"esc":    "escape",
	"return": "enter",
	"del":    "delete",
	"ins":    "insert",
	"apps":   "applications",
}

func init() {
	for c := 'a'; c <= 'z'; c++ {
		virtualKeys[string(c)] = uint32('A' + (c - 'a'))
	}

	for c := '0'; c <= '9'; c++ {
		virtualKeys[string(c)] = uint32(c)
	}

	for n := 1; n <= 24; n++ {
		virtualKeys[fmt.Sprintf("f%d", n)] = uint32(0x70 + n - 1) // VK_F1..VK_F24
	}
}

// hotkey is a gesture translated to RegisterHotKey arguments
type hotkey struct {
	modifiers uint32
	vk        uint32
}

func parseHotkey(gestureID string) (hotkey, error) {
	modifiers, key, err := splitGesture(gestureID)
	if err != nil {
		return hotkey{}, err
	}

	result := hotkey{modifiers: modNoRepeat}

	for _, modifier := range modifiers {
		flag, ok := modifierFlags[modifier]
		if !ok {
			return hotkey{}, fmt.Errorf("unsupported modifier %q in gesture %s", modifier, gestureID)
		}

		result.modifiers |= flag
	}

	if alias, ok := keyAliases[key]; ok {
		key = alias
	}

	vk, ok := virtualKeys[key]
	if !ok {
		return hotkey{}, fmt.Errorf("unsupported key %q in gesture %s", key, gestureID)
	}

	result.vk = vk

	return result, nil
}
