package fssnapshot

// you can use NullProvider when your application gives the option of using snapshots.
// in the cases where snapshotting is not available (or user doesn't want it), you can do
// your file accessing using the same logic (take snapshot, read files, release snapshot)
// regardless of if snapshotting is actually used or not. a "snapshot" simply resolves
// to the live volume itself.

import (
	"sync"
	"time"
)

func NullProvider() Provider {
	return &nullProvider{snapshots: map[string]Snapshot{}}
}

type nullProvider struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
}

func (n *nullProvider) Create(volume string, description string) (*Snapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	snapshot := Snapshot{
		ID:        randomSnapID(),
		Volume:    volume,
		CreatedAt: time.Now(),
	}

	n.snapshots[snapshot.ID] = snapshot

	return &snapshot, nil
}

func (n *nullProvider) List(volume string) ([]Snapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	snapshots := []Snapshot{}
	for _, snapshot := range n.snapshots {
		if snapshot.Volume == volume {
			snapshots = append(snapshots, snapshot)
		}
	}

	return snapshots, nil
}

func (n *nullProvider) Delete(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.snapshots[id]; !exists {
		return ErrSnapshotNotFound
	}

	delete(n.snapshots, id)

	return nil
}

func (n *nullProvider) ResolvePath(id string, volume string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.snapshots[id]; !exists {
		return "", ErrSnapshotNotFound
	}

	return volume, nil
}
