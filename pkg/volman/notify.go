package volman

import (
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/stalexteam/volman/pkg/volman/icon"
	"github.com/stalexteam/volman/pkg/volman/util"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications for Windows and desktop notifications elsewhere
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification (or falls back to other types of notification for older Windows versions)
func (tn *ToastNotifier) Notify(title string, message string) {

	// beeep wants an icon path, so write ours out once
	appIconPath := filepath.Join(os.TempDir(), "volman.ico")

	if !util.FileExists(appIconPath) {
		tn.logger.Debugw("Volman icon file missing, creating", "path", appIconPath)

		if err := os.WriteFile(appIconPath, icon.VolmanLogo, 0644); err != nil {
			tn.logger.Warnw("Failed to write toast notification icon", "error", err)
			appIconPath = ""
		}
	}

	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, appIconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
