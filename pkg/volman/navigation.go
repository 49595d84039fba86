package volman

import "time"

const (
	minVolume = 0
	maxVolume = 100

	// number of consecutive presses needed before the reset script acts
	resetPressCount = 3

	defaultRepeatWindow = 500 * time.Millisecond
)

func clampVolume(v int) int {
	if v < minVolume {
		return minVolume
	}

	if v > maxVolume {
		return maxVolume
	}

	return v
}

// absoluteVolume maps a digit key to a volume; 0 stands for 100
func absoluteVolume(digit int) int {
	if digit == 0 {
		return maxVolume
	}

	return clampVolume(digit * 10)
}

func wrapIndex(i int, n int) int {
	if n <= 0 {
		return 0
	}

	i %= n
	if i < 0 {
		i += n
	}

	return i
}

func indexOfSession(sessions []Session, name string) (int, bool) {
	if name == "" {
		return 0, false
	}

	for idx, session := range sessions {
		if session.Name() == name {
			return idx, true
		}
	}

	return 0, false
}

func indexOfDevice(devices []*Device, device *Device) (int, bool) {
	if device == nil {
		return 0, false
	}

	for idx, candidate := range devices {
		if candidate.Equal(device) {
			return idx, true
		}
	}

	return 0, false
}

// repeatCounter tracks how many times the same gesture was pressed in quick succession
type repeatCounter struct {
	window time.Duration

	lastGesture string
	lastPress   time.Time
	count       int
}

// register records a press and returns the number of immediately preceding presses of the same gesture
func (r *repeatCounter) register(gesture string, now time.Time) int {
	if gesture == r.lastGesture && !r.lastPress.IsZero() && now.Sub(r.lastPress) <= r.window {
		r.count++
	} else {
		r.count = 0
	}

	r.lastGesture = gesture
	r.lastPress = now

	return r.count
}

func (r *repeatCounter) reset() {
	r.lastGesture = ""
	r.lastPress = time.Time{}
	r.count = 0
}
