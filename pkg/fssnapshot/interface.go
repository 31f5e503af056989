// Cross-platform point-in-time volume snapshot providers
package fssnapshot

import (
	"errors"
	"time"
)

type Snapshot struct {
	ID          string    `json:"id"`     // opaque backend-specific id (don't parse)
	Volume      string    `json:"volume"` // volume the snapshot was taken from
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`  // zero as returned by a Provider - stamped by snaplifecycle
	Description string    `json:"description"` // ditto
}

func (s *Snapshot) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Provider is the capability contract each snapshot backend satisfies. The
// backends share no behaviour - only this interface.
type Provider interface {
	// takes a new point-in-time snapshot of volume. description is a hint for
	// backends that can store one natively - callers must not rely on it surviving.
	Create(volume string, description string) (*Snapshot, error)
	// snapshots this provider knows of for the given volume, in no particular order
	List(volume string) ([]Snapshot, error)
	// returns ErrSnapshotNotFound if id is already gone. callers wanting
	// idempotent delete semantics translate that to success themselves.
	Delete(id string) error
	// resolves a snapshot to the filesystem path at which the snapshotted
	// content of volume can be read
	ResolvePath(id string, volume string) (string, error)
}

var ErrSnapshotNotFound = errors.New("snapshot not found")
