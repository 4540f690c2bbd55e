package eventhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/internal/infrastructure/messaging"
)

// newSyncBus builds a bus that delivers inline, for deterministic asserts.
func newSyncBus(t *testing.T) *messaging.EventBus {
	t.Helper()
	bus := messaging.NewEventBus(messaging.Config{AsyncMode: false})
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestCounselorQueueHandler_CountsEscalations(t *testing.T) {
	h := NewCounselorQueueHandler(nil)
	bus := newSyncBus(t)
	require.NoError(t, bus.Subscribe(h))

	require.NoError(t, bus.Publish(shared.NewEscalationRaisedEvent("stu-1", "voice chain exhausted")))
	require.NoError(t, bus.Publish(shared.NewEscalationRaisedEvent("stu-2", "voice chain exhausted")))

	// Events of other types are not routed to this handler.
	require.NoError(t, bus.Publish(shared.NewScanCompletedEvent("scan-1", 1, 0, 0, 0, time.Second)))

	assert.EqualValues(t, 2, h.Raised())
}

func TestDispatchMonitorHandler_TracksTotals(t *testing.T) {
	h := NewDispatchMonitorHandler(nil)
	bus := newSyncBus(t)
	require.NoError(t, bus.Subscribe(h))

	require.NoError(t, bus.Publish(shared.NewDispatchResultEvent(
		"att-1", "stu-1", "immediate_voice_call", shared.ChannelVoice,
		shared.OutcomeCompleted, "call-1", "", true)))
	require.NoError(t, bus.Publish(shared.NewDispatchResultEvent(
		"att-2", "stu-2", "immediate_voice_call", shared.ChannelVoice,
		shared.OutcomeNoAnswer, "", "call not answered", false)))
	require.NoError(t, bus.Publish(shared.NewDispatchResultEvent(
		"att-3", "stu-2", "immediate_voice_call", shared.ChannelVoice,
		shared.OutcomeNoAnswer, "", "call not answered", true)))
	require.NoError(t, bus.Publish(shared.NewScanCompletedEvent("scan-1", 2, 1, 0, 2, time.Second)))

	delivered, failed, unreached := h.Totals()
	assert.EqualValues(t, 1, delivered)
	assert.EqualValues(t, 2, failed)
	assert.EqualValues(t, 1, unreached)
}

func TestCounselorQueueHandler_IgnoresForeignPayload(t *testing.T) {
	h := NewCounselorQueueHandler(nil)

	// A mis-routed event must not panic or count.
	require.NoError(t, h.Handle(shared.NewScanCompletedEvent("scan-1", 0, 0, 0, 0, 0)))
	assert.Zero(t, h.Raised())
}
