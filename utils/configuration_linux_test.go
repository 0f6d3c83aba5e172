//go:build !windows
// +build !windows

package utils

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	otatuf "github.com/scala-steward/ota-tuf"
)

func TestSetSignalTrap(t *testing.T) {
	var lock sync.Mutex
	signalsPassedOn := make(map[string]struct{})

	signalHandler := func(s os.Signal) {
		lock.Lock()
		defer lock.Unlock()
		signalsPassedOn[s.String()] = struct{}{}
	}
	c := SetupSignalTrap(signalHandler)

	if len(otatuf.SupportedSignals) == 0 { // currently, windows only
		require.Nil(t, c)
		return
	}
	require.NotNil(t, c)
	defer signal.Stop(c)

	for _, s := range otatuf.SupportedSignals {
		syscallSignal, ok := s.(syscall.Signal)
		require.True(t, ok)
		require.NoError(t, syscall.Kill(syscall.Getpid(), syscallSignal))

		require.Eventually(t, func() bool {
			lock.Lock()
			defer lock.Unlock()
			_, ok := signalsPassedOn[s.String()]
			return ok
		}, 5*time.Second, 10*time.Millisecond)
	}
}
