package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorPollPicksUpCancellation(t *testing.T) {
	store := newFakeSessions("sess-1", "conn-1")
	sup := StartSupervisor(store, "sess-1", time.Minute, 5*time.Millisecond, testLog())
	defer sup.Stop()

	assert.False(t, sup.Flags.Canceled())

	store.setCanceled("sess-1", true)
	require.Eventually(t, sup.Flags.Canceled, time.Second, time.Millisecond)
	assert.False(t, sup.Flags.TimedOut())
}

func TestSupervisorTimeout(t *testing.T) {
	store := newFakeSessions("sess-1", "conn-1")
	sup := StartSupervisor(store, "sess-1", 10*time.Millisecond, time.Minute, testLog())
	defer sup.Stop()

	select {
	case <-sup.Flags.Fired():
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.True(t, sup.Flags.TimedOut())
	assert.False(t, sup.Flags.Canceled())
}

func TestSupervisorStopPreventsBothFlags(t *testing.T) {
	store := newFakeSessions("sess-1", "conn-1")
	sup := StartSupervisor(store, "sess-1", 20*time.Millisecond, 5*time.Millisecond, testLog())
	sup.Stop()
	sup.Stop() // idempotent

	store.setCanceled("sess-1", true)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, sup.Flags.Canceled())
	assert.False(t, sup.Flags.TimedOut())
}

func TestSupervisorSurvivesStoreErrors(t *testing.T) {
	store := newFakeSessions("sess-1", "conn-1")
	store.failGets(3)
	sup := StartSupervisor(store, "sess-1", time.Minute, 5*time.Millisecond, testLog())
	defer sup.Stop()

	// Polls keep going after transient store failures.
	store.setCanceled("sess-1", true)
	require.Eventually(t, sup.Flags.Canceled, time.Second, time.Millisecond)
}
