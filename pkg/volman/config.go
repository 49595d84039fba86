package volman

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stalexteam/volman/pkg/volman/util"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for volman's configuration file
type CanonicalConfig struct {
	Gestures     *gestureMap
	RepeatWindow time.Duration

	ConnectionInfo struct {
		SerialPort     string
		SerialBaudRate int
		RelayPort      int
	}

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	consumersLock   sync.Mutex
	reloadConsumers []chan bool

	userConfig *viper.Viper
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigPath     = "."

	configType = "yaml"

	configKeyBaseGestures    = "base_gestures"
	configKeyOverlayGestures = "overlay_gestures"
	configKeyRepeatWindowMs  = "repeat_window_ms"
	configKeySerialPort      = "serial_port"
	configKeySerialBaudRate  = "serial_baud_rate"
	configKeyRelayPort       = "relay_port"

	defaultSerialBaudRate = 115200
)

// NewConfig creates a config instance for the volman object and sets up viper for volman's config file
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool, 1),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyBaseGestures, map[string]string{})
	userConfig.SetDefault(configKeyOverlayGestures, map[string]string{})
	userConfig.SetDefault(configKeyRepeatWindowMs, int(defaultRepeatWindow/time.Millisecond))
	userConfig.SetDefault(configKeySerialPort, "")
	userConfig.SetDefault(configKeySerialBaudRate, defaultSerialBaudRate)
	userConfig.SetDefault(configKeyRelayPort, 0)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads volman's config file from disk and tries to parse it. A missing file
// leaves every setting at its default
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	if !util.FileExists(userConfigFilepath) {
		cc.logger.Infow("Config file not found, using defaults", "path", userConfigFilepath)
	} else if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check volman's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"gestures", cc.Gestures,
		"repeatWindow", cc.RepeatWindow,
		"connectionInfo", cc.ConnectionInfo,
	)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.consumersLock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.consumersLock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debug("No config file to watch")
		<-cc.stopWatcherChannel
		return
	}

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()

		// many editors write to a file twice
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// wait a bit to let the editor actually flush the new file contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
	}

	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil

	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromVipers() error {
	gestures, errs := gestureMapFromConfigs(
		cc.userConfig.GetStringMapString(configKeyBaseGestures),
		cc.userConfig.GetStringMapString(configKeyOverlayGestures),
	)

	for _, err := range errs {
		cc.logger.Warnw("Ignoring invalid gesture binding", "error", err)
	}

	cc.Gestures = gestures

	repeatWindowMs := cc.userConfig.GetInt(configKeyRepeatWindowMs)
	if repeatWindowMs <= 0 {
		cc.logger.Warnw("Invalid repeat window, using default", "value", repeatWindowMs)
		cc.RepeatWindow = defaultRepeatWindow
	} else {
		cc.RepeatWindow = time.Duration(repeatWindowMs) * time.Millisecond
	}

	cc.ConnectionInfo.SerialPort = cc.userConfig.GetString(configKeySerialPort)
	cc.ConnectionInfo.SerialBaudRate = cc.userConfig.GetInt(configKeySerialBaudRate)

	relayPort := cc.userConfig.GetInt(configKeyRelayPort)
	if relayPort < 0 || relayPort > 65535 {
		cc.logger.Warnw("Relay port out of range, relay disabled", "port", relayPort)
		relayPort = 0
	}
	cc.ConnectionInfo.RelayPort = relayPort

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
