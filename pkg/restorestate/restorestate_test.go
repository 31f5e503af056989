package restorestate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestBeginThenCrashThenDetect(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "restore-state.json")

	assert.Ok(t, NewStore(statePath, nil).Begin("snap-cafe01", "/data/jobs/job123", "before render tweak"))

	// "crash": a fresh store (fresh process) must see the exact pending record
	pending := NewStore(statePath, nil).PendingRestore()
	assert.Assert(t, pending != nil)
	assert.EqualString(t, pending.SnapshotID, "snap-cafe01")
	assert.EqualString(t, pending.TargetPath, "/data/jobs/job123")
	assert.EqualString(t, pending.SnapshotDescription, "before render tweak")
	assert.Assert(t, pending.Status == StatusInProgress)
	assert.Assert(t, !pending.StartedAt.IsZero())
}

func TestMarkCompletedEmptiesTheSlot(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "restore-state.json")
	store := NewStore(statePath, nil)

	assert.Ok(t, store.Begin("snap-cafe01", "/data/jobs/job123", ""))
	assert.Ok(t, store.MarkCompleted())

	assert.Assert(t, store.PendingRestore() == nil)
	assert.Assert(t, store.Current() == nil)

	_, err := os.Stat(statePath)
	assert.Assert(t, os.IsNotExist(err))

	// completing twice is fine
	assert.Ok(t, store.MarkCompleted())
}

func TestMarkFailedPreservesOriginalFields(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "restore-state.json")
	store := NewStore(statePath, nil)

	assert.Ok(t, store.Begin("snap-cafe01", "/data/jobs/job123", ""))

	startedAt := store.Current().StartedAt

	assert.Ok(t, store.MarkFailed())

	// failed is informational, not pending
	assert.Assert(t, store.PendingRestore() == nil)

	failed := store.Current()
	assert.Assert(t, failed != nil)
	assert.Assert(t, failed.Status == StatusFailed)
	assert.EqualString(t, failed.SnapshotID, "snap-cafe01")
	assert.EqualString(t, failed.TargetPath, "/data/jobs/job123")
	assert.Assert(t, failed.StartedAt.Equal(startedAt))
}

func TestMarkFailedWithoutRecordIsNoOp(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "restore-state.json"), nil)

	assert.Ok(t, store.MarkFailed())
	assert.Assert(t, store.Current() == nil)
}

func TestCorruptStateFileReadsAsNone(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "restore-state.json")

	assert.Ok(t, os.WriteFile(statePath, []byte("{ this is not json"), 0644))

	store := NewStore(statePath, nil)
	assert.Assert(t, store.PendingRestore() == nil)
	assert.Assert(t, store.Current() == nil)

	// and a new restore can begin over the damaged file
	assert.Ok(t, store.Begin("snap-cafe02", "/data/jobs/job456", ""))
	assert.Assert(t, store.PendingRestore() != nil)
}
