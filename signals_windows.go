//go:build windows
// +build windows

package otatuf

import "os"

// SupportedSignals is empty; windows has no usable runtime signals
var SupportedSignals = []os.Signal{}
