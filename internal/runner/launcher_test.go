package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSProcessLauncher_AllocatePorts_AssignsDisjointPairsPerSlot(t *testing.T) {
	l := NewOSProcessLauncher("/bin/true", 20000)

	app1, lexe1 := l.allocatePorts()
	app2, lexe2 := l.allocatePorts()

	assert.Equal(t, 20000, app1)
	assert.Equal(t, 20001, lexe1)
	assert.Equal(t, 20002, app2)
	assert.Equal(t, 20003, lexe2)
}

func TestOSProcessLauncher_Launch_ShutdownSendsSigtermAndWaitsForExit(t *testing.T) {
	l := NewOSProcessLauncher("/bin/sh", 21000)
	l.HealthTimeout = 100 * time.Millisecond
	l.ShutdownGrace = 2 * time.Second

	// Launch execs the binary with no args and no stdin, so /bin/sh reads
	// EOF and exits on its own; this confirms Shutdown completes and Done
	// closes well before the kill grace expires.
	handle, err := l.Launch(t.Context(), "user-1", "lease-1")
	require.NoError(t, err)

	handle.Shutdown()

	select {
	case <-handle.Done:
	case <-time.After(3 * time.Second):
		t.Fatal("node process did not exit after Shutdown")
	}
}

func TestOSProcessLauncher_Launch_ReadyNeverFiresWithoutHealthEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	l := NewOSProcessLauncher("/bin/sleep", 22000)
	l.HealthTimeout = 50 * time.Millisecond

	handle, err := l.Launch(ctx, "user-2", "lease-2")
	require.NoError(t, err)
	defer handle.Shutdown()

	select {
	case <-handle.Ready:
		t.Fatal("ready fired without a real health endpoint ever answering")
	case <-time.After(300 * time.Millisecond):
		// expected: nothing is listening on the allocated port, so
		// pollHealth gives up once HealthTimeout elapses rather than
		// ever sending on ready.
	}
}
