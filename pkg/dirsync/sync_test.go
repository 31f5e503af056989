package dirsync

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestRoundTripRestoration(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()

	// snapshot contains {a, b}
	mtime := time.Now().Add(-1 * time.Hour)
	writeFile(t, filepath.Join(source, "a.txt"), "original a", mtime)
	writeFile(t, filepath.Join(source, "b.txt"), "original b", mtime)

	// live side was mutated to {a (modified), c (new)}
	writeFile(t, filepath.Join(target, "a.txt"), "modified a, and longer", time.Now())
	writeFile(t, filepath.Join(target, "c.txt"), "did not exist at snapshot time", time.Now())

	result, err := New(nil).Sync(source, target)
	assert.Ok(t, err)

	assert.Assert(t, result.FilesCopied == 2) // a overwritten, b restored
	assert.Assert(t, result.FilesDeleted == 1)
	assert.Assert(t, len(result.PartialFailures) == 0)

	assert.EqualString(t, readFile(t, filepath.Join(target, "a.txt")), "original a")
	assert.EqualString(t, readFile(t, filepath.Join(target, "b.txt")), "original b")
	assert.EqualString(t, dirListing(t, target), "a.txt,b.txt")
}

func TestIdempotence(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()

	mtime := time.Now().Add(-1 * time.Hour)
	writeFile(t, filepath.Join(source, "a.txt"), "aaa", mtime)
	writeFile(t, filepath.Join(source, "sub", "b.txt"), "bbb", mtime)

	first, err := New(nil).Sync(source, target)
	assert.Ok(t, err)
	assert.Assert(t, first.FilesCopied == 2)
	assert.Assert(t, first.DirsCreated == 1)

	// second run with no changes must not mutate anything
	second, err := New(nil).Sync(source, target)
	assert.Ok(t, err)
	assert.Assert(t, second.FilesCopied == 0)
	assert.Assert(t, second.FilesDeleted == 0)
	assert.Assert(t, second.DirsCreated == 0)
	assert.Assert(t, second.DirsDeleted == 0)
	assert.Assert(t, second.FilesUntouched == 2)
}

func TestModTimeTolerance(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()

	base := time.Now().Add(-1 * time.Hour)

	// same size, mtime inside the 2s tolerance => unmodified
	writeFile(t, filepath.Join(source, "close.txt"), "12345", base)
	writeFile(t, filepath.Join(target, "close.txt"), "12345", base.Add(1500*time.Millisecond))

	// same size, mtime outside the tolerance => modified
	writeFile(t, filepath.Join(source, "far.txt"), "12345", base)
	writeFile(t, filepath.Join(target, "far.txt"), "abcde", base.Add(1*time.Minute))

	result, err := New(nil).Sync(source, target)
	assert.Ok(t, err)

	assert.Assert(t, result.FilesUntouched == 1)
	assert.Assert(t, result.FilesCopied == 1)
	assert.EqualString(t, readFile(t, filepath.Join(target, "far.txt")), "12345")
	assert.EqualString(t, readFile(t, filepath.Join(target, "close.txt")), "12345")
}

func TestCaseInsensitiveNameMatching(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()

	mtime := time.Now().Add(-1 * time.Hour)
	writeFile(t, filepath.Join(source, "readme.txt"), "hello", mtime)
	writeFile(t, filepath.Join(target, "README.txt"), "hello", mtime)

	result, err := New(nil).Sync(source, target)
	assert.Ok(t, err)

	// same file despite differing case => no churn, live side keeps its casing
	assert.Assert(t, result.FilesCopied == 0)
	assert.Assert(t, result.FilesDeleted == 0)
	assert.Assert(t, result.FilesUntouched == 1)
	assert.EqualString(t, dirListing(t, target), "README.txt")
}

func TestExtraneousSubtreeDeleted(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()

	mtime := time.Now().Add(-1 * time.Hour)
	writeFile(t, filepath.Join(source, "keep.txt"), "keep", mtime)
	writeFile(t, filepath.Join(target, "scratch", "deep", "tmp.txt"), "junk", time.Now())

	result, err := New(nil).Sync(source, target)
	assert.Ok(t, err)

	assert.Assert(t, result.DirsDeleted == 1)
	assert.EqualString(t, dirListing(t, target), "keep.txt")
}

func TestTargetRootCreatedIfMissing(t *testing.T) {
	source := t.TempDir()

	mtime := time.Now().Add(-1 * time.Hour)
	writeFile(t, filepath.Join(source, "a.txt"), "aaa", mtime)

	// restore onto a previously-deleted job folder
	target := filepath.Join(t.TempDir(), "gone", "job123")

	result, err := New(nil).Sync(source, target)
	assert.Ok(t, err)

	assert.Assert(t, result.FilesCopied == 1)
	assert.EqualString(t, readFile(t, filepath.Join(target, "a.txt")), "aaa")
}

func TestFileReplacedByDirectoryAndViceVersa(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()

	mtime := time.Now().Add(-1 * time.Hour)
	writeFile(t, filepath.Join(source, "was-dir"), "now a file in snapshot", mtime)
	writeFile(t, filepath.Join(source, "was-file", "child.txt"), "child", mtime)

	writeFile(t, filepath.Join(target, "was-dir", "leftover.txt"), "junk", time.Now())
	writeFile(t, filepath.Join(target, "was-file"), "a file on live side", time.Now())

	result, err := New(nil).Sync(source, target)
	assert.Ok(t, err)
	assert.Assert(t, len(result.PartialFailures) == 0)

	assert.EqualString(t, readFile(t, filepath.Join(target, "was-dir")), "now a file in snapshot")
	assert.EqualString(t, readFile(t, filepath.Join(target, "was-file", "child.txt")), "child")
}

func TestPartialFailureDoesNotAbortSync(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits don't stop root")
	}

	source := t.TempDir()
	target := t.TempDir()

	mtime := time.Now().Add(-1 * time.Hour)
	writeFile(t, filepath.Join(source, "a.txt"), "aaa", mtime)

	// "locked" subtree that deletion will fail on
	writeFile(t, filepath.Join(target, "locked", "stuck.txt"), "junk", time.Now())
	assert.Ok(t, os.Chmod(filepath.Join(target, "locked"), 0555))
	t.Cleanup(func() {
		_ = os.Chmod(filepath.Join(target, "locked"), 0755)
	})

	writeFile(t, filepath.Join(target, "extraneous.txt"), "junk", time.Now())

	result, err := New(nil).Sync(source, target)
	assert.Ok(t, err) // not a hard failure

	assert.Assert(t, len(result.PartialFailures) == 1)
	assert.Assert(t, strings.Contains(result.PartialFailures[0].Path, "locked"))

	// the rest of the tree was still synced
	assert.EqualString(t, readFile(t, filepath.Join(target, "a.txt")), "aaa")
	_, err = os.Stat(filepath.Join(target, "extraneous.txt"))
	assert.Assert(t, os.IsNotExist(err))
}

func writeFile(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	return string(content)
}

func dirListing(t *testing.T, path string) string {
	t.Helper()

	entries, err := os.ReadDir(path)
	if err != nil {
		t.Fatal(err)
	}

	names := []string{}
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	return strings.Join(names, ",")
}
