package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	*flagDevices, *flagIters = 2, 3
	*flagM, *flagK, *flagN = 4, 8, 3
	for _, swapping := range []bool{false, true} {
		*flagSwap = swapping
		require.Equal(t, 0, run(), "swap=%v", swapping)
	}

	// An impossible tolerance makes the comparison fail, and run still returns so its cleanups happen.
	*flagSwap = false
	*flagTol = -1
	require.Equal(t, 1, run())
}
