//go:build linux

// must exclude from Windows build due to syscall.Mount(), syscall.Unmount()

package fssnapshot

// snapshots on Linux using LVM

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/prometheus/procfs"
)

func LvmProvider(snapshotSize string, logger *log.Logger) Provider {
	return &lvmProvider{
		snapshotSize: snapshotSize,
		log:          logex.Levels(logex.NonNil(logger)),
		mounts:       map[string]string{},
	}
}

type lvmProvider struct {
	snapshotSize string
	log          *logex.Leveled
	mounts       map[string]string // snapshot LV name => mount path
}

func (l *lvmProvider) Create(volume string, description string) (*Snapshot, error) {
	mountOfOrigin, err := mountForVolume(volume)
	if err != nil {
		return nil, err
	}

	snapshotID := randomSnapID()

	//nolint:gosec // ok
	lvcreateOutput, err := exec.Command(
		"lvcreate",
		"--snapshot",
		"--size", l.snapshotSize,
		"--name", snapshotID,
		mountOfOrigin.Device).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf(
			"lvcreate failed: %s, output: %s",
			err.Error(),
			lvcreateOutput)
	}

	return &Snapshot{
		ID:        snapshotID,
		Volume:    volume,
		CreatedAt: time.Now(),
	}, nil
}

func (l *lvmProvider) List(volume string) ([]Snapshot, error) {
	mountOfOrigin, err := mountForVolume(volume)
	if err != nil {
		return nil, err
	}

	rows, err := listLogicalVolumes()
	if err != nil {
		return nil, err
	}

	originName := ""
	for _, row := range rows {
		if row.path == mountOfOrigin.Device {
			originName = row.name
			break
		}
	}
	if originName == "" {
		return nil, errors.New("unable to resolve logical volume for mount device")
	}

	snapshots := []Snapshot{}
	for _, row := range rows {
		if row.origin != originName {
			continue
		}

		snapshots = append(snapshots, Snapshot{
			ID:        row.name,
			Volume:    volume,
			CreatedAt: row.createdAt,
		})
	}

	return snapshots, nil
}

func (l *lvmProvider) Delete(id string) error {
	if mountPath, mounted := l.mounts[id]; mounted {
		if err := syscall.Unmount(mountPath, 0); err != nil {
			l.log.Error.Printf("unmounting snapshot: %v", err)
		} else if err := os.Remove(mountPath); err != nil {
			l.log.Error.Printf("removing snapshot mount path: %v", err)
		}

		delete(l.mounts, id)
	}

	row, err := logicalVolumeByName(id)
	if err != nil {
		return err
	}

	removeOutput, err := exec.Command("lvremove", "--force", row.path).CombinedOutput()
	if err != nil {
		return fmt.Errorf(
			"lvremove for %s failed: %s, output: %s",
			row.path,
			err.Error(),
			removeOutput)
	}

	return nil
}

func (l *lvmProvider) ResolvePath(id string, volume string) (string, error) {
	mountOfOrigin, err := mountForVolume(volume)
	if err != nil {
		return "", err
	}

	mountPath, mounted := l.mounts[id]
	if !mounted {
		row, err := logicalVolumeByName(id)
		if err != nil {
			return "", err
		}

		mountPath = filepath.Join("/mnt", id)

		if err := os.MkdirAll(mountPath, 0700); err != nil {
			return "", fmt.Errorf(
				"failed to make directory %s for snapshot: %s",
				mountPath,
				err.Error())
		}

		if err := syscall.Mount(row.path, mountPath, mountOfOrigin.Type, 0, ""); err != nil {
			return "", fmt.Errorf("mounting snapshot failed: %s", err.Error())
		}

		l.mounts[id] = mountPath
	}

	return OriginPathInSnapshot(volume, mountOfOrigin.Mount, mountPath), nil
}

func mountForVolume(volume string) (*procfs.Mount, error) {
	procSelf, err := procfs.Self()
	if err != nil {
		return nil, err
	}

	mounts, err := procSelf.MountStats()
	if err != nil {
		return nil, err
	}

	mountOfOrigin := mountForPath(volume, mounts)
	if mountOfOrigin == nil {
		return nil, errors.New("unable to resolve mount for path")
	}

	return mountOfOrigin, nil
}

func mountForPath(path string, mounts []*procfs.Mount) *procfs.Mount {
	var longestMatchingMount *procfs.Mount = nil

	for _, mount := range mounts {
		if !strings.HasPrefix(path, mount.Mount) || (longestMatchingMount != nil && len(mount.Mount) <= len(longestMatchingMount.Mount)) {
			continue
		}

		longestMatchingMount = mount
	}

	return longestMatchingMount
}

type lvsRow struct {
	name      string
	path      string
	origin    string // empty unless this LV is a snapshot
	createdAt time.Time
}

func listLogicalVolumes() ([]lvsRow, error) {
	lvsOutput, err := exec.Command(
		"lvs",
		"--noheadings",
		"--separator", "|",
		"--options", "lv_name,lv_path,origin,lv_time").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf(
			"lvs failed: %s, output: %s",
			err.Error(),
			lvsOutput)
	}

	return parseLvsOutput(lvsOutput)
}

func logicalVolumeByName(name string) (*lvsRow, error) {
	rows, err := listLogicalVolumes()
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if row.name == name {
			return &row, nil
		}
	}

	return nil, ErrSnapshotNotFound
}

// see test for output example
func parseLvsOutput(output []byte) ([]lvsRow, error) {
	rows := []lvsRow{}

	scanner := bufio.NewScanner(bytes.NewBuffer(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, "|")
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected lvs line: %s", line)
		}

		// lv_time is like "2021-01-27 10:55:12 +0200"
		createdAt, _ := time.Parse("2006-01-02 15:04:05 -0700", fields[3])

		rows = append(rows, lvsRow{
			name:      fields[0],
			path:      fields[1],
			origin:    fields[2],
			createdAt: createdAt,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return rows, nil
}
