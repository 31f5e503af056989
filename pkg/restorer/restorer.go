// Orchestrates restores: resolve snapshot path -> write durable restore state
// -> smart sync -> release the consumed snapshot -> clear state. Also the
// facade the CLI and HTTP front ends drive everything through.
package restorer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/function61/gokit/logex"
	"github.com/function61/snaprestore/pkg/dirsync"
	"github.com/function61/snaprestore/pkg/fssnapshot"
	"github.com/function61/snaprestore/pkg/restorestate"
	"github.com/function61/snaprestore/pkg/snaplifecycle"
)

// mutating operations are serialized: at most one restore or snapshot
// creation may be in flight at a time
var ErrBusy = errors.New("a snapshot or restore operation is already in flight")

type Restorer struct {
	lifecycle *snaplifecycle.Manager
	state     *restorestate.Store
	syncer    *dirsync.Syncer
	volume    string
	busy      int32
	logl      *logex.Leveled
}

func New(conf Config, logger *log.Logger) (*Restorer, error) {
	logger = logex.NonNil(logger)

	provider, err := fssnapshot.ForConfig(conf.SnapshotProvider, logex.Prefix("fssnapshot", logger))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(conf.DataDir, 0700); err != nil {
		return nil, err
	}

	return newRestorer(
		snaplifecycle.NewManager(
			provider,
			filepath.Join(conf.DataDir, "snapshots.json"),
			conf.TTL(),
			logex.Prefix("snaplifecycle", logger)),
		restorestate.NewStore(
			filepath.Join(conf.DataDir, "restore-state.json"),
			logex.Prefix("restorestate", logger)),
		dirsync.New(logex.Prefix("dirsync", logger)),
		conf.Volume,
		logger), nil
}

func newRestorer(
	lifecycle *snaplifecycle.Manager,
	state *restorestate.Store,
	syncer *dirsync.Syncer,
	volume string,
	logger *log.Logger,
) *Restorer {
	return &Restorer{
		lifecycle: lifecycle,
		state:     state,
		syncer:    syncer,
		volume:    volume,
		logl:      logex.Levels(logex.NonNil(logger)),
	}
}

// called before each mutating sync operation (restore progress reporting)
func (r *Restorer) OnSyncProgress(progress func(op string, path string)) {
	r.syncer.Progress = progress
}

func (r *Restorer) CreateSnapshot(description string) (*fssnapshot.Snapshot, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.release()

	return r.lifecycle.Create(r.volume, description)
}

func (r *Restorer) ListSnapshots() ([]fssnapshot.Snapshot, error) {
	return r.lifecycle.List(r.volume)
}

func (r *Restorer) DeleteSnapshot(id string) error {
	if err := r.acquire(); err != nil {
		return err
	}
	defer r.release()

	return r.lifecycle.Delete(id)
}

func (r *Restorer) Sweep() ([]fssnapshot.Snapshot, []snaplifecycle.SweepFailure, error) {
	if err := r.acquire(); err != nil {
		return nil, nil, err
	}
	defer r.release()

	return r.lifecycle.ExpireAndSweep(r.volume)
}

// rolls targetPath back to its state in the given snapshot. the snapshot is
// consumed (deleted) on success.
func (r *Restorer) Restore(ctx context.Context, snapshotID string, targetPath string) (*dirsync.Result, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.release()

	return r.restore(ctx, snapshotID, targetPath, r.lifecycle.Description(snapshotID))
}

func (r *Restorer) CheckPendingRestore() *restorestate.RestoreState {
	return r.state.PendingRestore()
}

// any restore record, including a terminal Failed one
func (r *Restorer) RestoreRecord() *restorestate.RestoreState {
	return r.state.Current()
}

// re-runs an interrupted (or failed) restore with its original snapshot and
// target. smart sync absorbs whatever partial progress the previous attempt
// made, so the end state matches an uninterrupted run.
func (r *Restorer) ResumeRestore(ctx context.Context) (*dirsync.Result, error) {
	record := r.state.Current()
	if record == nil {
		return nil, errors.New("no restore to resume")
	}

	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.release()

	return r.restore(ctx, record.SnapshotID, record.TargetPath, record.SnapshotDescription)
}

// gives up on an interrupted restore: the record goes terminally Failed and
// is no longer offered for resume
func (r *Restorer) AbandonRestore() error {
	if r.state.Current() == nil {
		return errors.New("no restore to abandon")
	}

	return r.state.MarkFailed()
}

func (r *Restorer) restore(ctx context.Context, snapshotID string, targetPath string, description string) (*dirsync.Result, error) {
	fail := func(err error) (*dirsync.Result, error) {
		// terminal state always gets written before the error propagates, so the
		// next process start doesn't mistake this for a crash. (no-op when the
		// failure happened before Begin().)
		if stateErr := r.state.MarkFailed(); stateErr != nil {
			r.logl.Error.Printf("marking restore failed: %v", stateErr)
		}

		return nil, err
	}

	snapshotRoot, err := r.lifecycle.ResolvePath(snapshotID, r.volume)
	if err != nil {
		return fail(describeRestoreFailure(err, "(unresolved)", targetPath))
	}

	source, err := r.sourceForTarget(snapshotRoot, targetPath)
	if err != nil {
		return fail(err)
	}

	// cancellation is only honored before destructive mutation begins. once the
	// sync is running it goes to completion or to an error - a half-synced tree
	// is already a valid resumable state, a cancelled-then-forgotten one is not.
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	// the durable InProgress record must exist before the first destructive
	// filesystem operation - this ordering is the crash-recovery guarantee
	if err := r.state.Begin(snapshotID, targetPath, description); err != nil {
		return fail(fmt.Errorf("recording restore state: %w", err))
	}

	r.logl.Info.Printf("restoring %s from snapshot %s", targetPath, snapshotID)

	result, err := r.syncer.Sync(source, targetPath)
	if err != nil {
		return fail(describeRestoreFailure(err, source, targetPath))
	}

	if len(result.PartialFailures) > 0 {
		r.logl.Error.Printf("%d item(s) could not be synced (continuing)", len(result.PartialFailures))
	}

	// the snapshot is consumed by a successful restore
	if err := r.lifecycle.Delete(snapshotID); err != nil {
		return fail(fmt.Errorf("releasing snapshot %s: %w", snapshotID, err))
	}

	if err := r.state.MarkCompleted(); err != nil {
		return nil, fmt.Errorf("clearing restore state: %w", err)
	}

	r.logl.Info.Printf(
		"restore done: %d copied, %d deleted, %d untouched",
		result.FilesCopied,
		result.FilesDeleted+result.DirsDeleted,
		result.FilesUntouched)

	return result, nil
}

// maps a target path to its location inside the resolved snapshot root
func (r *Restorer) sourceForTarget(snapshotRoot string, targetPath string) (string, error) {
	rel, err := filepath.Rel(r.volume, targetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("target path %s is not inside volume %s", targetPath, r.volume)
	}

	return filepath.Join(snapshotRoot, rel), nil
}

// every failed restore reports the underlying cause plus the paths involved,
// so snapshot-expiry problems are tellable apart from permission problems
func describeRestoreFailure(err error, snapshotPath string, targetPath string) error {
	pathContext := fmt.Sprintf("(snapshot path: %s, target path: %s)", snapshotPath, targetPath)

	switch {
	case errors.Is(err, fssnapshot.ErrSnapshotNotFound):
		return fmt.Errorf("snapshot no longer exists (expired or deleted externally?) %s: %w", pathContext, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("access denied - snapshot paths often require elevated privileges %s: %w", pathContext, err)
	default:
		return fmt.Errorf("restore failed %s: %w", pathContext, err)
	}
}

func (r *Restorer) acquire() error {
	if !atomic.CompareAndSwapInt32(&r.busy, 0, 1) {
		return ErrBusy
	}

	return nil
}

func (r *Restorer) release() {
	atomic.StoreInt32(&r.busy, 0)
}
