package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

func TestDispatcherDeliversBufferedAlertsOnStop(t *testing.T) {
	d := NewDispatcher(nil, zap.NewNop(), 16)
	d.Start()

	d.Send(domain.SeverityWarning, "agent failure", "agent a1 failed", map[string]string{"agent_id": "a1"})
	d.Send(domain.SeverityCritical, "snapshot integrity failure", "checksum mismatch", nil)
	d.Stop()

	assert.Zero(t, d.Dropped())
}

func TestDispatcherShedsLoadWhenBufferFull(t *testing.T) {
	// Воркер не запущен: буфер на один алерт переполняется вторым
	d := NewDispatcher(nil, zap.NewNop(), 1)

	d.Send(domain.SeverityInfo, "first", "", nil)
	d.Send(domain.SeverityInfo, "second", "", nil)
	d.Send(domain.SeverityInfo, "third", "", nil)

	assert.EqualValues(t, 2, d.Dropped())
}

func TestDispatcherSendAfterStopDoesNotPanic(t *testing.T) {
	d := NewDispatcher(nil, zap.NewNop(), 4)
	d.Start()
	d.Stop()

	assert.NotPanics(t, func() {
		d.Send(domain.SeverityInfo, "late", "", nil)
	})
}
