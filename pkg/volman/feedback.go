package volman

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Speaker announces text to the user
type Speaker interface {
	Speak(text string) error

	// Cancel stops any in-progress speech
	Cancel() error
}

// Toner plays short tones
type Toner interface {
	Beep(freq float64, duration time.Duration) error
}

// AnnouncementSink observes everything the controller announces, e.g. to mirror it elsewhere
type AnnouncementSink interface {
	Announce(text string)
	Tone(freq float64, duration time.Duration)
	SessionState(name string, volume int, muted bool)
}

// VolumePrompt asks the user for a volume between 0 and 100
type VolumePrompt interface {
	// PromptVolume blocks until the user confirms (ok == true) or cancels
	PromptVolume(current int) (value int, ok bool, err error)
}

type tone struct {
	freq     float64
	duration time.Duration
}

var (
	toneOverlayOn        = tone{660, 100 * time.Millisecond}
	toneOverlayOff       = tone{440, 100 * time.Millisecond}
	toneVolumeUpLimit    = tone{500, 50 * time.Millisecond}
	toneVolumeDownLimit  = tone{250, 50 * time.Millisecond}
	toneDeviceLimit      = tone{200, 50 * time.Millisecond}
	toneDeviceAlreadySet = tone{300, 50 * time.Millisecond}
)

const (
	msgVolumeFormat     = "%d%%"
	msgSessionFormat    = "%s %d%%"
	msgDeviceSetFormat  = "%s set"
	msgMuted            = "muted"
	msgUnmuted          = "unmuted"
	msgOutputDevices    = "output devices"
	msgInputDevices     = "input devices"
	msgNotSupported     = "not supported"
	msgError            = "error"
	msgNoSessions       = "no audio sessions"
	msgNoDevices        = "no devices"
	msgResetWarning     = "press %d more times to reset application devices"
	msgResetDone        = "application devices reset"
	msgResetOneMoreTime = "press once more to reset application devices"
)

func formatVolume(v int) string {
	return fmt.Sprintf(msgVolumeFormat, v)
}

// beeepToner plays tones through the PC speaker/system beep
type beeepToner struct {
	logger *zap.SugaredLogger
}

func newBeeepToner(logger *zap.SugaredLogger) *beeepToner {
	return &beeepToner{logger: logger.Named("tones")}
}

func (t *beeepToner) Beep(freq float64, duration time.Duration) error {
	if err := beeep.Beep(freq, int(duration/time.Millisecond)); err != nil {
		t.logger.Debugw("Failed to play tone", "freq", freq, "duration", duration, "error", err)
		return fmt.Errorf("play tone: %w", err)
	}

	return nil
}
