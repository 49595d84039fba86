package volman

import (
	"go.uber.org/zap"
)

type unsupportedVolumePrompt struct {
	logger *zap.SugaredLogger
}

func newVolumePrompt(logger *zap.SugaredLogger) VolumePrompt {
	return &unsupportedVolumePrompt{logger: logger.Named("dialog")}
}

func (p *unsupportedVolumePrompt) PromptVolume(current int) (int, bool, error) {
	p.logger.Debug("Volume dialog unavailable on this platform")
	return current, false, ErrUnsupported
}
