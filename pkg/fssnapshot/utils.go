package fssnapshot

import (
	"path/filepath"

	"github.com/function61/gokit/cryptorandombytes"
)

func randomSnapID() string {
	return "snap-" + cryptorandombytes.Hex(4)
}

// OriginPathInSnapshot translates a path inside a volume into the equivalent
// path inside the snapshot's mount. see tests for what this does.
func OriginPathInSnapshot(originPath string, mountPoint string, snapshotPath string) string {
	return filepath.Join(
		snapshotPath,
		originPath[len(mountPoint):])
}
