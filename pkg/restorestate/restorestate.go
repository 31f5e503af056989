// Durable single-slot record of "a restore is in progress". Its entire point
// is surviving process death: the record is written before the first
// destructive filesystem operation of a restore, so an unclean shutdown can be
// detected and the restore offered for resume on next start.
package restorestate

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
)

type RestoreState struct {
	SnapshotID          string    `json:"snapshot_id"`
	TargetPath          string    `json:"target_path"`
	StartedAt           time.Time `json:"started_at"`
	Status              Status    `json:"status"`
	SnapshotDescription string    `json:"snapshot_description,omitempty"`
}

// exactly zero or one record exists at any time - this is a slot, not a log
type Store struct {
	path string
	logl *logex.Leveled
}

func NewStore(path string, logger *log.Logger) *Store {
	return &Store{
		path: path,
		logl: logex.Levels(logex.NonNil(logger)),
	}
}

// writes an InProgress record, replacing whatever was there. must have
// returned before the first destructive operation of the restore starts -
// that ordering is the whole crash-recovery guarantee.
func (s *Store) Begin(snapshotID string, targetPath string, description string) error {
	return s.write(&RestoreState{
		SnapshotID:          snapshotID,
		TargetPath:          targetPath,
		StartedAt:           time.Now(),
		Status:              StatusInProgress,
		SnapshotDescription: description,
	})
}

// success leaves no terminal record behind - the slot is simply emptied
func (s *Store) MarkCompleted() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// rewrites the record as Failed in place, preserving the original snapshot
// id / target / start time for diagnosis. a missing record is a silent no-op:
// failure of failure-recording must never escalate.
func (s *Store) MarkFailed() error {
	state := s.read()
	if state == nil {
		return nil
	}

	state.Status = StatusFailed

	return s.write(state)
}

// returns the record a fresh process start should worry about: only an
// InProgress one (the process died mid-restore). a Failed record is
// informational, not pending.
func (s *Store) PendingRestore() *RestoreState {
	state := s.read()
	if state == nil || state.Status != StatusInProgress {
		return nil
	}

	return state
}

// any record at all, including a terminal Failed one
func (s *Store) Current() *RestoreState {
	return s.read()
}

// corrupt or unreadable state files read as "no record" on purpose: a damaged
// diagnostic file must not block application start
func (s *Store) read() *RestoreState {
	file, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logl.Error.Printf("reading restore state: %v", err)
		}

		return nil
	}
	defer file.Close()

	state := &RestoreState{}
	if err := jsonfile.Unmarshal(file, state, true); err != nil {
		s.logl.Error.Printf("corrupt restore state (treating as none): %v", err)
		return nil
	}

	return state
}

func (s *Store) write(state *RestoreState) error {
	return atomicfilewrite.Write(s.path, func(writer io.Writer) error {
		return jsonfile.Marshal(writer, state)
	})
}
