package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveBatch(t *testing.T, d *Debouncer) []Event {
	t.Helper()
	select {
	case batch := <-d.Output():
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced batch")
		return nil
	}
}

func expectNoBatch(t *testing.T, d *Debouncer) {
	t.Helper()
	select {
	case batch := <-d.Output():
		t.Fatalf("unexpected batch: %v", batch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebouncerCoalescesModifyBurst(t *testing.T) {
	d := NewDebouncer(20*time.Millisecond, nil)
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Add(Event{Path: "notes.md", Op: OpModify, At: time.Now()})
	}

	batch := receiveBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, "notes.md", batch[0].Path)
	assert.Equal(t, OpModify, batch[0].Op)
}

func TestDebouncerCreateThenModifyStaysCreate(t *testing.T) {
	d := NewDebouncer(20*time.Millisecond, nil)
	defer d.Stop()

	d.Add(Event{Path: "new.md", Op: OpCreate})
	d.Add(Event{Path: "new.md", Op: OpModify})

	batch := receiveBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpCreate, batch[0].Op)
}

func TestDebouncerCreateThenDeleteCancels(t *testing.T) {
	d := NewDebouncer(20*time.Millisecond, nil)
	defer d.Stop()

	d.Add(Event{Path: "fleeting.md", Op: OpCreate})
	d.Add(Event{Path: "fleeting.md", Op: OpDelete})

	expectNoBatch(t, d)
}

func TestDebouncerDeleteThenCreateBecomesModify(t *testing.T) {
	d := NewDebouncer(20*time.Millisecond, nil)
	defer d.Stop()

	d.Add(Event{Path: "swapped.md", Op: OpDelete})
	d.Add(Event{Path: "swapped.md", Op: OpCreate})

	batch := receiveBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpModify, batch[0].Op)
}

func TestDebouncerDistinctPathsShareOneBatch(t *testing.T) {
	d := NewDebouncer(20*time.Millisecond, nil)
	defer d.Stop()

	d.Add(Event{Path: "a.md", Op: OpModify})
	d.Add(Event{Path: "b.md", Op: OpCreate})

	batch := receiveBatch(t, d)
	assert.Len(t, batch, 2)
}

func TestDebouncerStopDropsPending(t *testing.T) {
	d := NewDebouncer(time.Hour, nil)
	d.Add(Event{Path: "pending.md", Op: OpModify})
	d.Stop()

	_, open := <-d.Output()
	assert.False(t, open)

	// Adding after stop must not panic.
	d.Add(Event{Path: "late.md", Op: OpModify})
	d.Stop()
}

func TestDebouncerSteadyStreamStillFlushes(t *testing.T) {
	d := NewDebouncer(40*time.Millisecond, nil)
	defer d.Stop()

	// Events arrive faster than the quiet window ever closes; the
	// max-wait deadline has to force a batch out anyway.
	start := time.Now()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)

	for {
		select {
		case batch := <-d.Output():
			require.Len(t, batch, 1)
			assert.Equal(t, "stream.md", batch[0].Path)
			assert.Less(t, time.Since(start), time.Second)
			return
		case <-ticker.C:
			d.Add(Event{Path: "stream.md", Op: OpModify, At: time.Now()})
		case <-deadline:
			t.Fatal("no batch emitted while events kept arriving")
		}
	}
}
