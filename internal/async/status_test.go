package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressLifecycle(t *testing.T) {
	p := NewProgress()
	assert.True(t, p.IsIndexing())

	p.SetStage(StageIndexing, 4)
	p.Update(1)
	snap := p.Snapshot()
	assert.Equal(t, string(StageIndexing), snap.Stage)
	assert.Equal(t, 4, snap.DocumentsTotal)
	assert.Equal(t, 1, snap.DocumentsDone)
	assert.InDelta(t, 25.0, snap.ProgressPct, 0.01)

	p.Update(4)
	assert.InDelta(t, 100.0, p.Snapshot().ProgressPct, 0.01)

	p.SetReady()
	assert.False(t, p.IsIndexing())
	assert.Equal(t, string(StatusReady), p.Snapshot().Status)
}

func TestProgressStageChangeResetsCounts(t *testing.T) {
	p := NewProgress()
	p.SetStage(StageIndexing, 10)
	p.Update(7)

	p.SetStage(StageCleanup, 0)
	snap := p.Snapshot()
	assert.Equal(t, string(StageCleanup), snap.Stage)
	assert.Equal(t, 0, snap.DocumentsTotal)
	assert.Equal(t, 0, snap.DocumentsDone)
}

func TestProgressError(t *testing.T) {
	p := NewProgress()
	p.SetError("embedding provider unreachable")

	snap := p.Snapshot()
	assert.Equal(t, string(StatusError), snap.Status)
	assert.Equal(t, "embedding provider unreachable", snap.ErrorMessage)
	assert.False(t, p.IsIndexing())
}

func TestProgressZeroTotalPct(t *testing.T) {
	p := NewProgress()
	p.SetStage(StageScanning, 0)
	assert.Equal(t, 0.0, p.Snapshot().ProgressPct)
}
