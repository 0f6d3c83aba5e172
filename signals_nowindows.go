//go:build !windows
// +build !windows

package otatuf

import (
	"os"
	"syscall"
)

// SupportedSignals are the signals the servers react to at runtime
var SupportedSignals = []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2}
