package util

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}

// Linux returns true if we're running on Linux
func Linux() bool {
	return runtime.GOOS == "linux"
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// DumpAllGoroutines writes stack traces of all goroutines to the logger
func DumpAllGoroutines(logger *zap.SugaredLogger) {
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	logger.Errorw("All goroutines stack trace", "stack", string(buf[:n]))
}

// OpenExternal spawns a detached window with the provided command and argument
func OpenExternal(logger *zap.SugaredLogger, cmd string, arg string) error {

	// use cmd for windows, bash for linux
	execCommandArgs := []string{"cmd.exe", "/C", "start", "/b", cmd, arg}
	if Linux() {
		execCommandArgs = []string{"/bin/bash", "-c", fmt.Sprintf("%s %s", cmd, arg)}
	}

	command := exec.Command(execCommandArgs[0], execCommandArgs[1:]...)

	if err := command.Run(); err != nil {
		logger.Warnw("Failed to spawn detached process",
			"command", cmd,
			"argument", arg,
			"error", err)

		return fmt.Errorf("spawn detached proc: %w", err)
	}

	return nil
}

// ScalarToPercent converts an OS volume scalar (0.0 - 1.0) to an integer percentage
func ScalarToPercent(v float32) int {
	percent := int(math.Round(float64(v) * 100))

	if percent < 0 {
		return 0
	}

	if percent > 100 {
		return 100
	}

	return percent
}

// PercentToScalar converts an integer percentage to an OS volume scalar, snapping to the bounds
func PercentToScalar(percent int) float32 {
	v := float32(percent) / 100

	if v < 0 || almostEquals(v, 0) {
		return 0
	}

	if v > 1 || almostEquals(v, 1) {
		return 1
	}

	return v
}

// a helper to make sure volume snaps correctly to 0 and 100, where appropriate
func almostEquals(a float32, b float32) bool {
	return math.Abs(float64(a-b)) < 0.000001
}

// ProcessDisplayName turns an executable name ("firefox.exe", "/usr/bin/firefox") into
// the name announced for its session ("firefox")
func ProcessDisplayName(executable string) string {
	name := filepath.Base(strings.ReplaceAll(executable, `\`, "/"))

	if ext := filepath.Ext(name); strings.EqualFold(ext, ".exe") {
		name = name[:len(name)-len(ext)]
	}

	return name
}
