// Package icon holds the tray and notification artwork
package icon

import (
	_ "embed"
)

// VolmanLogo is the tray and toast icon
//
//go:embed volman.ico
var VolmanLogo []byte
