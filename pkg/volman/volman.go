// Package volman provides a keyboard-driven, speech-first volume manager: per-application
// volume, mute and output/input device routing for screen reader users
package volman

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/volman/pkg/volman/util"
)

const (

	// when this is set to anything, volman won't use a tray icon
	envNoTray = "VOLMAN_NO_TRAY_ICON"

	// delay between stopping the old serial connection and starting a new one during config reload
	configReloadStopDelay = 50 * time.Millisecond

	// timeout for waiting for the serial connection to stop
	serialStopTimeout = 500 * time.Millisecond
)

// Volman is the main entity managing access to all sub-components
type Volman struct {
	logger     *zap.SugaredLogger
	notifier   Notifier
	config     *CanonicalConfig
	audio      AudioManager
	speaker    Speaker
	controller *Controller
	hotkeys    GestureSource
	serial     *SerialIO
	relay      *RelayServer

	stopChannel chan bool
	version     string
	verbose     bool
	stopping    sync.Once
}

// logSpeaker stands in when no speech engine is available, so announcements still reach the log
type logSpeaker struct {
	logger *zap.SugaredLogger
}

func (s *logSpeaker) Speak(text string) error {
	s.logger.Infow("Announcement", "text", text)
	return nil
}

func (s *logSpeaker) Cancel() error {
	return nil
}

// NewVolman creates a Volman instance
func NewVolman(logger *zap.SugaredLogger, verbose bool) (*Volman, error) {
	logger = logger.Named("volman")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	v := &Volman{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	serial, err := NewSerialIO(config, logger, verbose)
	if err != nil {
		logger.Errorw("Failed to create SerialIO", "error", err)
		return nil, fmt.Errorf("create new SerialIO: %w", err)
	}
	v.serial = serial

	relay, err := NewRelayServer(logger)
	if err != nil {
		logger.Errorw("Failed to create RelayServer", "error", err)
		return nil, fmt.Errorf("create new RelayServer: %w", err)
	}
	v.relay = relay

	logger.Debug("Created volman instance")

	return v, nil
}

// Initialize sets up components and starts to run in the background
func (v *Volman) Initialize() error {
	v.logger.Debug("Initializing")

	if err := v.config.Load(); err != nil {
		v.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	audio, err := newAudioManager(v.logger)
	if err != nil {
		v.logger.Errorw("Failed to create audio manager", "error", err)
		v.notifier.Notify("Can't access audio devices!", "Please check volman's logs for more details.")
		return fmt.Errorf("create audio manager: %w", err)
	}
	v.audio = audio

	speaker, err := newSpeaker(v.logger)
	if err != nil {
		v.logger.Warnw("Speech unavailable, announcements will only be logged", "error", err)
		speaker = &logSpeaker{logger: v.logger.Named("speech")}
	}
	v.speaker = speaker

	binder, hotkeys := newGestureInput(v.logger)
	v.hotkeys = hotkeys

	v.controller = NewController(
		v.logger,
		audio,
		speaker,
		newBeeepToner(v.logger),
		binder,
		newVolumePrompt(v.logger),
		v.config.Gestures,
		v.config.RepeatWindow,
	)
	v.controller.AddAnnouncementSink(v.relay)

	if err := v.controller.Initialize(); err != nil {
		v.logger.Errorw("Failed to initialize controller", "error", err)
		return fmt.Errorf("init controller: %w", err)
	}

	v.setupInterruptHandler()

	// decide whether to run with/without tray
	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet {
		v.logger.Debugw("Running without tray icon", "reason", "envvar set")
		v.run()
	} else {
		v.initializeTray(v.run)
	}

	return nil
}

// SetVersion causes volman to add a version string to its tray menu if called before Initialize
func (v *Volman) SetVersion(version string) {
	v.version = version
}

// Verbose returns a boolean indicating whether volman is running in verbose mode
func (v *Volman) Verbose() bool {
	return v.verbose
}

func (v *Volman) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		v.logger.Debugw("Interrupted", "signal", signal)
		v.signalStop()
	}()
}

func (v *Volman) run() {
	v.logger.Info("Run loop starting")

	go v.config.WatchConfigFileChanges()
	v.setupOnConfigReload()

	if err := v.hotkeys.Start(v.controller.Dispatch); err != nil {
		v.logger.Warnw("Failed to start hotkey input", "error", err)
	}

	v.startSerial()

	if err := v.relay.Start(v.config.ConnectionInfo.RelayPort); err != nil {
		v.logger.Warnw("Failed to start relay server", "error", err)
	}

	<-v.stopChannel
	v.logger.Debug("Stop channel signaled, terminating")

	if err := v.stop(); err != nil {
		v.logger.Warnw("Failed to stop volman", "error", err)
		os.Exit(1)
	}

	os.Exit(0)
}

func (v *Volman) signalStop() {
	v.stopping.Do(func() {
		v.logger.Debug("Signalling stop channel")
		v.stopChannel <- true
	})
}

func (v *Volman) stop() error {
	v.logger.Info("Stopping")

	v.config.StopWatchingConfigFile()

	v.hotkeys.Stop()

	v.serial.Stop()
	if !v.serial.WaitForStop(serialStopTimeout) {
		v.logger.Warn("Serial connection did not stop within timeout, proceeding anyway")
	}

	v.relay.Stop()

	v.controller.Terminate()

	if closer, ok := v.speaker.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			v.logger.Warnw("Failed to close speaker", "error", err)
		}
	}

	if err := v.audio.Release(); err != nil {
		v.logger.Errorw("Failed to release audio manager", "error", err)
		return fmt.Errorf("release audio manager: %w", err)
	}

	v.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	v.logger.Sync()

	return nil
}

// startSerial connects the serial keypad if one is configured. Failing to do so is reported
// but never fatal, since hotkeys still work
func (v *Volman) startSerial() {
	if err := v.serial.Start(v.controller.Dispatch); err != nil {
		port := v.config.ConnectionInfo.SerialPort
		v.logger.Warnw("Failed to start serial connection", "port", port, "error", err)

		switch {
		case errors.Is(err, os.ErrPermission):
			v.notifier.Notify(fmt.Sprintf("Can't connect to %s!", port),
				"This serial port is busy, make sure to close any serial monitor or other volman instance.")
		case errors.Is(err, os.ErrNotExist):
			v.notifier.Notify(fmt.Sprintf("Can't connect to %s!", port),
				"This serial port doesn't exist, check your configuration and make sure it's set correctly.")
		}
	}
}

// setupOnConfigReload applies new gestures, serial and relay settings whenever config.yaml changes
func (v *Volman) setupOnConfigReload() {
	configReloadedChannel := v.config.SubscribeToChanges()

	go func() {
		for {
			if _, ok := <-configReloadedChannel; !ok {
				v.logger.Debug("Config reload channel closed, exiting handler")
				return
			}

			v.controller.UpdateGestures(v.config.Gestures, v.config.RepeatWindow)

			if v.serial.ConnectionChanged() {
				v.logger.Info("Detected change in serial connection parameters, renewing connection")

				v.serial.Stop()
				if !v.serial.WaitForStop(serialStopTimeout) {
					v.logger.Warn("Serial connection did not stop within timeout, proceeding anyway")
				}

				<-time.After(configReloadStopDelay)
				v.startSerial()
			}

			if port := v.config.ConnectionInfo.RelayPort; port != v.relay.CurrentPort() {
				v.relay.Stop()

				if err := v.relay.Start(port); err != nil {
					v.logger.Warnw("Failed to restart relay server", "error", err)
				}
			}
		}
	}()
}
