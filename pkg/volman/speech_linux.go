package volman

import (
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// spdSpeaker speaks through speech-dispatcher's command line client, as used by desktop screen readers
type spdSpeaker struct {
	logger *zap.SugaredLogger
	binary string
}

func newSpeaker(logger *zap.SugaredLogger) (Speaker, error) {
	binary, err := exec.LookPath("spd-say")
	if err != nil {
		return nil, fmt.Errorf("find spd-say: %w", err)
	}

	s := &spdSpeaker{
		logger: logger.Named("speech"),
		binary: binary,
	}

	s.logger.Debugw("Created speech-dispatcher speaker instance", "binary", binary)

	return s, nil
}

func (s *spdSpeaker) run(args ...string) error {
	cmd := exec.Command(s.binary, args...)

	s.logger.Debugw("Executing", "command", strings.Join(cmd.Args, " "))

	if b, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("run %s (output %s): %w", strings.Join(cmd.Args, " "), b, err)
	}

	return nil
}

// Speak cancels whatever is being said before speaking text
func (s *spdSpeaker) Speak(text string) error {
	if err := s.Cancel(); err != nil {
		s.logger.Debugw("Failed to cancel speech", "error", err)
	}

	return s.run(text)
}

func (s *spdSpeaker) Cancel() error {
	return s.run("-C")
}

func (s *spdSpeaker) Close() error {
	return nil
}
