// Snapshot lifecycle: creation bookkeeping, description persistence,
// time-based expiry and cleanup. Wraps a fssnapshot.Provider - which backend
// actually takes the snapshots is invisible from here on up.
package snaplifecycle

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/snaprestore/pkg/fssnapshot"
	"github.com/samber/lo"
)

const (
	DefaultTTL = 24 * time.Hour

	// shown for snapshots whose metadata entry was lost (or never made it, e.g.
	// snapshot created outside of us)
	defaultDescription = "Snapshot"
)

type Manager struct {
	provider fssnapshot.Provider
	meta     *metadataStore
	ttl      time.Duration

	// resolved snapshot locations don't change after creation, so cache for the
	// process lifetime
	pathCache map[string]string

	// callers may use us from multiple goroutines; the metadata store and path
	// cache are single-writer only by virtue of this
	mu sync.Mutex

	logl *logex.Leveled
}

func NewManager(
	provider fssnapshot.Provider,
	metadataPath string,
	ttl time.Duration,
	logger *log.Logger,
) *Manager {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		provider:  provider,
		meta:      loadMetadataStore(metadataPath),
		ttl:       ttl,
		pathCache: map[string]string{},
		logl:      logex.Levels(logex.NonNil(logger)),
	}
}

// takes a snapshot and stamps it with an expiry. on provider failure no
// metadata is written.
func (m *Manager) Create(volume string, description string) (*fssnapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, err := m.provider.Create(volume, description)
	if err != nil {
		return nil, fmt.Errorf("snapshot provider: %w", err)
	}

	snapshot.ExpiresAt = snapshot.CreatedAt.Add(m.ttl)
	snapshot.Description = description

	if err := m.meta.Put(snapshot.ID, description); err != nil {
		return nil, fmt.Errorf("persisting snapshot metadata: %w", err)
	}

	return snapshot, nil
}

// all snapshots of volume, newest first, joined with stored descriptions.
// expiry is recomputed from each snapshot's own creation time, so it stays
// deterministic even if the metadata store lost the original record.
func (m *Manager) List(volume string) ([]fssnapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.listLocked(volume)
}

func (m *Manager) listLocked(volume string) ([]fssnapshot.Snapshot, error) {
	snapshots, err := m.provider.List(volume)
	if err != nil {
		return nil, fmt.Errorf("snapshot provider: %w", err)
	}

	for idx := range snapshots {
		snapshot := &snapshots[idx]

		snapshot.ExpiresAt = snapshot.CreatedAt.Add(m.ttl)

		if description, found := m.meta.Description(snapshot.ID); found {
			snapshot.Description = description
		} else {
			snapshot.Description = defaultDescription
		}
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})

	return snapshots, nil
}

// deletes both the backend snapshot and our metadata entry. deleting an
// already-gone snapshot is success (the desired end state holds), and the
// metadata entry is removed even when the backend call failed, so bad
// snapshots can't make the metadata store grow orphans.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.deleteLocked(id)
}

func (m *Manager) deleteLocked(id string) error {
	providerErr := m.provider.Delete(id)
	if errors.Is(providerErr, fssnapshot.ErrSnapshotNotFound) {
		providerErr = nil
	}

	delete(m.pathCache, id)

	if err := m.meta.Remove(id); err != nil {
		m.logl.Error.Printf("removing metadata for %s: %v", id, err)
	}

	if providerErr != nil {
		return fmt.Errorf("snapshot provider: %w", providerErr)
	}

	return nil
}

type SweepFailure struct {
	Snapshot fssnapshot.Snapshot `json:"snapshot"`
	Cause    string              `json:"cause"`
}

// deletes every expired snapshot of volume. one undeletable snapshot must not
// block cleanup of the rest, so per-snapshot failures are collected and
// returned alongside the surviving (non-expired) set.
func (m *Manager) ExpireAndSweep(volume string) ([]fssnapshot.Snapshot, []SweepFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots, err := m.listLocked(volume)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()

	expired := lo.Filter(snapshots, func(s fssnapshot.Snapshot, _ int) bool {
		return s.IsExpired(now)
	})
	live := lo.Filter(snapshots, func(s fssnapshot.Snapshot, _ int) bool {
		return !s.IsExpired(now)
	})

	failures := []SweepFailure{}

	for _, snapshot := range expired {
		m.logl.Info.Printf("sweeping expired snapshot %s (%s)", snapshot.ID, snapshot.Description)

		if err := m.deleteLocked(snapshot.ID); err != nil {
			failures = append(failures, SweepFailure{
				Snapshot: snapshot,
				Cause:    err.Error(),
			})
		}
	}

	return live, failures, nil
}

// resolves a snapshot to the path its volume contents can be read at
func (m *Manager) ResolvePath(id string, volume string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path, cached := m.pathCache[id]; cached {
		return path, nil
	}

	path, err := m.provider.ResolvePath(id, volume)
	if err != nil {
		return "", err
	}

	m.pathCache[id] = path

	return path, nil
}

// stored description for a snapshot, defaulting like List() does
func (m *Manager) Description(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if description, found := m.meta.Description(id); found {
		return description
	}

	return defaultDescription
}
