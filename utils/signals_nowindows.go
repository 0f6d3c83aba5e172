//go:build !windows
// +build !windows

package utils

import (
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
)

// LogLevelSignalHandle adjusts the log level at runtime: SIGUSR1 raises the
// verbosity one notch up to debug, SIGUSR2 lowers it one notch down to panic
func LogLevelSignalHandle(sig os.Signal) {
	lvl := logrus.GetLevel()
	switch sig {
	case syscall.SIGUSR1:
		if lvl < logrus.DebugLevel {
			lvl++
		}
	case syscall.SIGUSR2:
		if lvl > logrus.PanicLevel {
			lvl--
		}
	default:
		return
	}
	logrus.SetLevel(lvl)
	logrus.Infof("Log level set to %v", lvl)
}
