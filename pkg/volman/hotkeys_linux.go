package volman

import (
	"go.uber.org/zap"
)

// Global hotkeys aren't available without a display-server specific grab; on Linux gestures
// only come from the serial keypad
type noopHotkeys struct {
	logger *zap.SugaredLogger
}

func newGestureInput(logger *zap.SugaredLogger) (GestureBinder, GestureSource) {
	h := &noopHotkeys{logger: logger.Named("hotkeys")}
	return h, h
}

func (h *noopHotkeys) Bind(gestureIDs []string) {
	h.logger.Debugw("Ignoring hotkey bindings", "count", len(gestureIDs))
}

func (h *noopHotkeys) Start(dispatch func(gestureID string)) error {
	h.logger.Info("Global hotkeys are unsupported on this platform")
	return nil
}

func (h *noopHotkeys) Stop() {}
