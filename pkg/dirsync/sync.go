// Reconciles a live directory tree against a read-only snapshot subtree with
// minimal churn ("smart sync"). The snapshot side is ground truth: files that
// changed or vanished on the live side are copied back, files that appeared
// after the snapshot are deleted.
package dirsync

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/djherbis/times"
	"github.com/function61/gokit/logex"
)

// a file counts as modified when its size differs or its mtime differs by more
// than this tolerance (absorbs filesystem timestamp resolution noise).
// comparison is filesystem metadata only - content hashing is intentionally not
// used. a change that preserves size and lands inside the tolerance goes
// undetected, and a touched-but-unchanged file gets copied again. known
// approximation; changing it changes observable restore behaviour.
const modTimeTolerance = 2 * time.Second

type Result struct {
	FilesCopied     int              `json:"files_copied"`
	FilesUntouched  int              `json:"files_untouched"`
	FilesDeleted    int              `json:"files_deleted"`
	DirsCreated     int              `json:"dirs_created"`
	DirsDeleted     int              `json:"dirs_deleted"`
	PartialFailures []PartialFailure `json:"partial_failures"`
}

// an individual file/subtree that could not be copied or deleted. never fatal:
// the rest of the tree is still synced and the failure is reported here.
type PartialFailure struct {
	Path  string `json:"path"`
	Cause string `json:"cause"`
}

type decision int

const (
	decisionRestore          decision = iota + 1 // file only in snapshot => copy it back
	decisionOverwrite                            // file in both but modified => copy over
	decisionRecurse                              // directory present in snapshot
	decisionDeleteExtraneous                     // entry only in live tree => delete
)

type plannedOp struct {
	decision   decision
	sourceName string // empty for decisionDeleteExtraneous
	targetName string // empty when the entry doesn't exist in target yet
	isDir      bool
}

type Syncer struct {
	// called before each mutating operation, e.g. ("restore", "jobs/a.txt").
	// nil is fine.
	Progress func(op string, path string)

	logl *logex.Leveled
}

func New(logger *log.Logger) *Syncer {
	return &Syncer{
		logl: logex.Levels(logex.NonNil(logger)),
	}
}

// makes target presence-identical to source. the target root is created if
// missing, so restoring onto a previously-deleted directory works. the returned
// Result is non-nil also on error.
func (s *Syncer) Sync(source string, target string) (*Result, error) {
	result := &Result{PartialFailures: []PartialFailure{}}

	if err := os.MkdirAll(target, 0755); err != nil {
		return result, fmt.Errorf("creating target root: %w", err)
	}

	if err := s.syncDir(source, target, result); err != nil {
		return result, err
	}

	return result, nil
}

func (s *Syncer) syncDir(sourceDir string, targetDir string, result *Result) error {
	plan, untouched, err := planDir(sourceDir, targetDir)
	if err != nil {
		return err
	}

	result.FilesUntouched += untouched

	for _, op := range plan {
		switch op.decision {
		case decisionRestore, decisionOverwrite:
			// overwrite at the name the live side already has (matters on
			// case-insensitive filesystems), restore at the snapshot's name
			name := op.targetName
			if name == "" {
				name = op.sourceName
			}

			targetPath := filepath.Join(targetDir, name)

			s.report("restore", targetPath)

			if err := copyFile(filepath.Join(sourceDir, op.sourceName), targetPath); err != nil {
				s.swallow(result, targetPath, err)
				continue
			}

			result.FilesCopied++

		case decisionRecurse:
			targetName := op.targetName
			if targetName == "" {
				targetName = op.sourceName
			}

			targetSub := filepath.Join(targetDir, targetName)

			if op.targetName == "" {
				s.report("mkdir", targetSub)

				if err := os.Mkdir(targetSub, 0755); err != nil && !os.IsExist(err) {
					s.swallow(result, targetSub, err)
					continue
				}

				result.DirsCreated++
			}

			if err := s.syncDir(filepath.Join(sourceDir, op.sourceName), targetSub, result); err != nil {
				return err
			}

		case decisionDeleteExtraneous:
			targetPath := filepath.Join(targetDir, op.targetName)

			s.report("delete", targetPath)

			// deletion failures (file locked etc.) are swallowed on purpose: one
			// stuck entry must not block restoring the rest of the tree
			if op.isDir {
				if err := os.RemoveAll(targetPath); err != nil {
					s.swallow(result, targetPath, err)
					continue
				}

				result.DirsDeleted++
			} else {
				if err := os.Remove(targetPath); err != nil {
					s.swallow(result, targetPath, err)
					continue
				}

				result.FilesDeleted++
			}
		}
	}

	return nil
}

// compares one directory level. names are matched case-insensitively, matching
// the conventional case sensitivity of the filesystems we snapshot.
func planDir(sourceDir string, targetDir string) ([]plannedOp, int, error) {
	untouched := 0

	sourceEntries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, untouched, err
	}

	targetEntries, err := os.ReadDir(targetDir)
	if err != nil {
		return nil, untouched, err
	}

	targetByName := map[string]os.DirEntry{}
	targetOrder := []string{} // for deterministic plan order
	for _, entry := range targetEntries {
		key := strings.ToLower(entry.Name())
		targetByName[key] = entry
		targetOrder = append(targetOrder, key)
	}

	plan := []plannedOp{}

	for _, sourceEntry := range sourceEntries {
		key := strings.ToLower(sourceEntry.Name())

		targetEntry, inTarget := targetByName[key]
		delete(targetByName, key) // whatever's left over is extraneous

		if sourceEntry.IsDir() {
			if inTarget && !targetEntry.IsDir() {
				// live side has a file where the snapshot has a directory
				plan = append(plan, plannedOp{
					decision:   decisionDeleteExtraneous,
					targetName: targetEntry.Name(),
					isDir:      false,
				}, plannedOp{
					decision:   decisionRecurse,
					sourceName: sourceEntry.Name(),
				})
				continue
			}

			op := plannedOp{decision: decisionRecurse, sourceName: sourceEntry.Name()}
			if inTarget {
				op.targetName = targetEntry.Name()
			}
			plan = append(plan, op)
			continue
		}

		if inTarget && targetEntry.IsDir() {
			// live side has a directory where the snapshot has a file
			plan = append(plan, plannedOp{
				decision:   decisionDeleteExtraneous,
				targetName: targetEntry.Name(),
				isDir:      true,
			}, plannedOp{
				decision:   decisionRestore,
				sourceName: sourceEntry.Name(),
			})
			continue
		}

		if !inTarget {
			plan = append(plan, plannedOp{
				decision:   decisionRestore,
				sourceName: sourceEntry.Name(),
			})
			continue
		}

		changed, err := fileModified(
			filepath.Join(sourceDir, sourceEntry.Name()),
			filepath.Join(targetDir, targetEntry.Name()))
		if err != nil {
			return nil, untouched, err
		}

		if changed {
			plan = append(plan, plannedOp{
				decision:   decisionOverwrite,
				sourceName: sourceEntry.Name(),
				targetName: targetEntry.Name(),
			})
		} else {
			untouched++
		}
	}

	for _, key := range targetOrder {
		entry, stillLeftOver := targetByName[key]
		if !stillLeftOver {
			continue
		}

		plan = append(plan, plannedOp{
			decision:   decisionDeleteExtraneous,
			targetName: entry.Name(),
			isDir:      entry.IsDir(),
		})
	}

	return plan, untouched, nil
}

func fileModified(sourcePath string, targetPath string) (bool, error) {
	sourceInfo, err := os.Stat(sourcePath)
	if err != nil {
		return false, err
	}

	targetInfo, err := os.Stat(targetPath)
	if err != nil {
		return false, err
	}

	if sourceInfo.Size() != targetInfo.Size() {
		return true, nil
	}

	delta := times.Get(sourceInfo).ModTime().Sub(times.Get(targetInfo).ModTime())
	if delta < 0 {
		delta = -delta
	}

	return delta > modTimeTolerance, nil
}

// copies content, mode and timestamps. preserving mtime is what makes a second
// sync run see the copied file as unmodified.
func copyFile(sourcePath string, targetPath string) error {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return err
	}

	targetFile, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, sourceInfo.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(targetFile, sourceFile); err != nil {
		targetFile.Close()
		return err
	}

	if err := targetFile.Close(); err != nil {
		return err
	}

	sourceTimes := times.Get(sourceInfo)

	return os.Chtimes(targetPath, sourceTimes.AccessTime(), sourceInfo.ModTime())
}

func (s *Syncer) report(op string, path string) {
	if s.Progress != nil {
		s.Progress(op, path)
	}

	s.logl.Debug.Printf("%s %s", op, path)
}

func (s *Syncer) swallow(result *Result, path string, err error) {
	s.logl.Error.Printf("%s: %v", path, err)

	result.PartialFailures = append(result.PartialFailures, PartialFailure{
		Path:  path,
		Cause: err.Error(),
	})
}
