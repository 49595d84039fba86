package volman

import (
	"os"

	"github.com/getlantern/systray"

	"github.com/stalexteam/volman/pkg/volman/icon"
	"github.com/stalexteam/volman/pkg/volman/util"
)

func (v *Volman) initializeTray(onDone func()) {
	logger := v.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.VolmanLogo, icon.VolmanLogo)
		systray.SetTitle("volman")
		systray.SetTooltip("volman")

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")
		resetDevices := systray.AddMenuItem("Reset application devices", "Send every application back to the default devices")

		var dumpStack *systray.MenuItem
		if v.verbose {
			dumpStack = systray.AddMenuItem("Dump stack trace", "Output all goroutines stack trace to log")
		}

		if v.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(v.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop volman and quit")

		// nil outside verbose mode
		var dumpStackClicked chan struct{}
		if dumpStack != nil {
			dumpStackClicked = dumpStack.ClickedCh
		}

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")
					v.signalStop()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "notepad.exe"
					if util.Linux() {
						if editorEnv := os.Getenv("EDITOR"); editorEnv != "" {
							editor = editorEnv
						} else {
							editor = "xdg-open"
						}
					}

					if err := util.OpenExternal(logger, editor, userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-resetDevices.ClickedCh:
					logger.Info("Reset menu item clicked, resetting application devices")
					v.controller.ResetConfiguration()

				case <-dumpStackClicked:
					logger.Info("Dump stack trace menu item clicked")
					util.DumpAllGoroutines(logger)
				}
			}
		}()

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (v *Volman) stopTray() {
	v.logger.Debug("Quitting tray")
	systray.Quit()
}
