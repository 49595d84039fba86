package main

import (
	"flag"
	"fmt"

	"github.com/stalexteam/volman/pkg/volman"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging gestures and devices)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.Parse()
}

func main() {

	// first we need a logger
	logger, err := volman.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	v, err := volman.NewVolman(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create volman object", "error", err)
	}

	// if we have a version string, give it to the tray menu
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		v.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	// onwards, to glory
	if err = v.Initialize(); err != nil {
		named.Fatalw("Failed to initialize volman", "error", err)
	}
}
