package reconciler

import (
	"testing"
	"time"

	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/registry"
	"github.com/musterhq/muster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Disable()
}

func TestReconcileMarksStaleAgentsOffline(t *testing.T) {
	bus := events.NewBus()
	reg := registry.New(registry.DefaultConfig(), bus)

	_, err := reg.Register(registry.RegisterRequest{ID: "stale"})
	require.NoError(t, err)

	config := DefaultConfig()
	config.OfflineAfter = 10 * time.Millisecond
	r := New(config, reg)

	time.Sleep(20 * time.Millisecond)
	r.Reconcile()

	agent, ok := reg.Get("stale")
	require.True(t, ok)
	assert.Equal(t, types.AgentStatusOffline, agent.Status)
}

func TestReconcileLeavesFreshAgentsAlone(t *testing.T) {
	bus := events.NewBus()
	reg := registry.New(registry.DefaultConfig(), bus)

	_, err := reg.Register(registry.RegisterRequest{ID: "fresh"})
	require.NoError(t, err)

	r := New(DefaultConfig(), reg)
	r.Reconcile()

	agent, ok := reg.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, types.AgentStatusIdle, agent.Status)
}

func TestReconcileSkipsAlreadyOffline(t *testing.T) {
	bus := events.NewBus()
	reg := registry.New(registry.DefaultConfig(), bus)

	_, err := reg.Register(registry.RegisterRequest{ID: "gone"})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus("gone", types.AgentStatusOffline))

	var statusEvents int
	bus.On(events.EventAgentStatusChange, func(*events.Event) { statusEvents++ })

	config := DefaultConfig()
	config.OfflineAfter = time.Nanosecond
	r := New(config, reg)
	time.Sleep(time.Millisecond)
	r.Reconcile()

	assert.Zero(t, statusEvents)
}

func TestStartStopIdempotent(t *testing.T) {
	bus := events.NewBus()
	reg := registry.New(registry.DefaultConfig(), bus)

	r := New(Config{Interval: 5 * time.Millisecond, OfflineAfter: time.Hour}, reg)
	r.Start()
	r.Start()
	time.Sleep(15 * time.Millisecond)
	r.Stop()
	r.Stop()
}
