package snaplifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/snaprestore/pkg/fssnapshot"
)

func TestCreateStampsExpiryAndPersistsDescription(t *testing.T) {
	provider, manager, metadataPath := managerForTest(t, 24*time.Hour)

	snapshot, err := manager.Create("/data", "before render tweak")
	assert.Ok(t, err)

	assert.EqualString(t, snapshot.Description, "before render tweak")
	assert.Assert(t, snapshot.ExpiresAt.Equal(snapshot.CreatedAt.Add(24*time.Hour)))

	// metadata survives a fresh manager over the same file (and even losing it
	// entirely only costs us the description, since expiry is recomputed)
	reloaded := NewManager(provider, metadataPath, 24*time.Hour, nil)
	assert.EqualString(t, reloaded.Description(snapshot.ID), "before render tweak")
}

func TestCreateProviderFailureWritesNoMetadata(t *testing.T) {
	provider, manager, metadataPath := managerForTest(t, 0)
	provider.createErr = errors.New("backend exploded")

	_, err := manager.Create("/data", "doomed")
	assert.Assert(t, err != nil)

	_, statErr := os.Stat(metadataPath)
	assert.Assert(t, os.IsNotExist(statErr))
}

func TestListNewestFirstWithDefaultDescription(t *testing.T) {
	provider, manager, _ := managerForTest(t, 24*time.Hour)

	older, err := manager.Create("/data", "older")
	assert.Ok(t, err)
	newer, err := manager.Create("/data", "newer")
	assert.Ok(t, err)

	// simulate a snapshot the metadata store knows nothing about
	provider.snapshots["snap-orphan"] = fssnapshot.Snapshot{
		ID:        "snap-orphan",
		Volume:    "/data",
		CreatedAt: provider.clock.Add(-48 * time.Hour),
	}

	listed, err := manager.List("/data")
	assert.Ok(t, err)
	assert.Assert(t, len(listed) == 3)

	assert.EqualString(t, listed[0].ID, newer.ID)
	assert.EqualString(t, listed[1].ID, older.ID)
	assert.EqualString(t, listed[2].ID, "snap-orphan")
	assert.EqualString(t, listed[2].Description, "Snapshot")

	// expiry recomputed from the snapshot's own creation time
	assert.Assert(t, listed[2].ExpiresAt.Equal(listed[2].CreatedAt.Add(24*time.Hour)))
}

func TestDeleteIsIdempotent(t *testing.T) {
	_, manager, _ := managerForTest(t, 0)

	snapshot, err := manager.Create("/data", "x")
	assert.Ok(t, err)

	assert.Ok(t, manager.Delete(snapshot.ID))
	assert.Ok(t, manager.Delete(snapshot.ID)) // already gone => still success
}

func TestDeleteRemovesMetadataEvenWhenProviderFails(t *testing.T) {
	provider, manager, _ := managerForTest(t, 0)

	snapshot, err := manager.Create("/data", "stuck")
	assert.Ok(t, err)

	provider.failDelete[snapshot.ID] = true

	err = manager.Delete(snapshot.ID)
	assert.Assert(t, err != nil)

	// no orphaned metadata growth
	assert.EqualString(t, manager.Description(snapshot.ID), "Snapshot")
}

func TestExpireAndSweep(t *testing.T) {
	provider, manager, _ := managerForTest(t, 24*time.Hour)

	fresh, err := manager.Create("/data", "fresh")
	assert.Ok(t, err)

	expired1 := provider.injectSnapshot("/data", -48*time.Hour)
	expired2 := provider.injectSnapshot("/data", -30*time.Hour)
	provider.failDelete[expired2] = true

	live, failures, err := manager.ExpireAndSweep("/data")
	assert.Ok(t, err)

	assert.Assert(t, len(live) == 1)
	assert.EqualString(t, live[0].ID, fresh.ID)

	// one bad snapshot didn't block cleanup of the other
	assert.Assert(t, len(failures) == 1)
	assert.EqualString(t, failures[0].Snapshot.ID, expired2)

	_, stillExists := provider.snapshots[expired1]
	assert.Assert(t, !stillExists)
}

func TestResolvePathCachedPerProcess(t *testing.T) {
	provider, manager, _ := managerForTest(t, 0)

	snapshot, err := manager.Create("/data", "x")
	assert.Ok(t, err)

	path1, err := manager.ResolvePath(snapshot.ID, "/data")
	assert.Ok(t, err)
	path2, err := manager.ResolvePath(snapshot.ID, "/data")
	assert.Ok(t, err)

	assert.EqualString(t, path1, path2)
	assert.Assert(t, provider.resolveCalls == 1)
}

func TestMetadataStoreTolerance(t *testing.T) {
	// missing file
	store := loadMetadataStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	_, found := store.Description("snap-x")
	assert.Assert(t, !found)

	// corrupt file
	corruptPath := filepath.Join(t.TempDir(), "snapshots.json")
	assert.Ok(t, os.WriteFile(corruptPath, []byte("}}}"), 0644))

	store = loadMetadataStore(corruptPath)
	_, found = store.Description("snap-x")
	assert.Assert(t, !found)

	// and it recovers by saving over the damage
	assert.Ok(t, store.Put("snap-x", "hello"))

	description, found := loadMetadataStore(corruptPath).Description("snap-x")
	assert.Assert(t, found)
	assert.EqualString(t, description, "hello")
}

func managerForTest(t *testing.T, ttl time.Duration) (*fakeProvider, *Manager, string) {
	t.Helper()

	provider := &fakeProvider{
		snapshots:  map[string]fssnapshot.Snapshot{},
		failDelete: map[string]bool{},
		clock:      time.Now(),
	}

	metadataPath := filepath.Join(t.TempDir(), "snapshots.json")

	return provider, NewManager(provider, metadataPath, ttl, nil), metadataPath
}

// in-memory Provider with failure injection
type fakeProvider struct {
	snapshots    map[string]fssnapshot.Snapshot
	failDelete   map[string]bool
	createErr    error
	clock        time.Time
	counter      int
	resolveCalls int
}

func (f *fakeProvider) Create(volume string, description string) (*fssnapshot.Snapshot, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}

	f.counter++

	snapshot := fssnapshot.Snapshot{
		ID:     fmt.Sprintf("snap-%d", f.counter),
		Volume: volume,
		// each create a minute apart so ordering is deterministic
		CreatedAt: f.clock.Add(time.Duration(f.counter) * time.Minute),
	}

	f.snapshots[snapshot.ID] = snapshot

	return &snapshot, nil
}

func (f *fakeProvider) List(volume string) ([]fssnapshot.Snapshot, error) {
	snapshots := []fssnapshot.Snapshot{}
	for _, snapshot := range f.snapshots {
		if snapshot.Volume == volume {
			snapshots = append(snapshots, snapshot)
		}
	}

	return snapshots, nil
}

func (f *fakeProvider) Delete(id string) error {
	if f.failDelete[id] {
		return errors.New("simulated delete failure")
	}

	if _, exists := f.snapshots[id]; !exists {
		return fssnapshot.ErrSnapshotNotFound
	}

	delete(f.snapshots, id)

	return nil
}

func (f *fakeProvider) ResolvePath(id string, volume string) (string, error) {
	f.resolveCalls++

	if _, exists := f.snapshots[id]; !exists {
		return "", fssnapshot.ErrSnapshotNotFound
	}

	return "/mnt/" + id, nil
}

func (f *fakeProvider) injectSnapshot(volume string, age time.Duration) string {
	f.counter++
	id := fmt.Sprintf("snap-%d", f.counter)

	f.snapshots[id] = fssnapshot.Snapshot{
		ID:        id,
		Volume:    volume,
		CreatedAt: f.clock.Add(age),
	}

	return id
}
