//go:build windows
// +build windows

package utils

import "os"

// LogLevelSignalHandle is a no-op; there are no supported signals on windows
func LogLevelSignalHandle(sig os.Signal) {
}
