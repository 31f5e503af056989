package fssnapshot

// snapshots on Windows using Volume Shadow Copy Service, driven via the
// management tools (wmic + vssadmin) because there is no sane API surface
// reachable without COM gymnastics

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/function61/gokit/logex"
)

func VssProvider(logger *log.Logger) Provider {
	return &vssProvider{
		log:    logex.Levels(logex.NonNil(logger)),
		mounts: map[string]string{},
	}
}

type vssProvider struct {
	log    *logex.Leveled
	mounts map[string]string // shadow id => directory symlink to the shadow device
}

func (v *vssProvider) Create(volume string, description string) (*Snapshot, error) {
	driveLetter := driveLetterFromPath(volume)

	// Microsoft being the usual dick that M$FT is, they disable creating snapshots from
	// vssadmin on non-server OSs, therefore we must bypass the restriction by using wmic
	// instead. https://superuser.com/a/1125605/284803
	createOutput, err := exec.Command(
		"wmic",
		"shadowcopy",
		"call",
		"create",
		fmt.Sprintf(`Volume="%s:\"`, driveLetter)).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf(
			"error creating snapshot: %s, output: %s",
			err.Error(),
			createOutput)
	}

	shadowID := findSnapshotIDFromCreateOutput(string(createOutput))
	if shadowID == "" {
		return nil, fmt.Errorf("unable to find snapshot ID from create output")
	}

	// VSS does not retain our description anywhere - snaplifecycle's metadata
	// store is the source of truth for it
	return &Snapshot{
		ID:        shadowID,
		Volume:    volume,
		CreatedAt: time.Now(),
	}, nil
}

func (v *vssProvider) List(volume string) ([]Snapshot, error) {
	listOutput, err := exec.Command("vssadmin", "list", "shadows").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf(
			"unable to list snapshots: %s, output: %s",
			err.Error(),
			listOutput)
	}

	driveLetter := driveLetterFromPath(volume)

	snapshots := []Snapshot{}
	for _, shadow := range parseVssadminListOutput(string(listOutput)) {
		if !strings.EqualFold(shadow.driveLetter, driveLetter) {
			continue
		}

		snapshots = append(snapshots, Snapshot{
			ID:        shadow.id,
			Volume:    volume,
			CreatedAt: shadow.createdAt,
		})
	}

	return snapshots, nil
}

func (v *vssProvider) Delete(id string) error {
	if mountPath, mounted := v.mounts[id]; mounted {
		if err := os.Remove(mountPath); err != nil {
			v.log.Error.Printf("removing shadow symlink: %v", err)
		}

		delete(v.mounts, id)
	}

	removeOutput, err := exec.Command(
		"vssadmin",
		"delete",
		"shadows",
		"/Quiet",
		"/Shadow="+id).CombinedOutput()
	if err != nil {
		if vssadminReportsNotFound(string(removeOutput)) {
			return ErrSnapshotNotFound
		}

		return fmt.Errorf(
			"unable to remove snapshot: %s, output: %s",
			err.Error(),
			removeOutput)
	}

	return nil
}

func (v *vssProvider) ResolvePath(id string, volume string) (string, error) {
	driveLetter := driveLetterFromPath(volume)

	mountPath, mounted := v.mounts[id]
	if !mounted {
		detailsOutput, err := exec.Command(
			"vssadmin",
			"list",
			"shadows",
			"/Shadow="+id).CombinedOutput()
		if err != nil {
			if vssadminReportsNotFound(string(detailsOutput)) {
				return "", ErrSnapshotNotFound
			}

			return "", fmt.Errorf(
				"unable to list snapshot details: %s, output: %s",
				err.Error(),
				detailsOutput)
		}

		shadowDevice := findSnapshotDeviceFromDetailsOutput(string(detailsOutput))
		if shadowDevice == "" {
			return "", fmt.Errorf("unable to find device ID from list output")
		}

		mountPath = driveLetter + ":/snapshots/" + randomSnapID()

		if err := os.MkdirAll(driveLetter+":/snapshots", 0700); err != nil {
			return "", fmt.Errorf("failed to make parent dir for snapshot mount: %s", err.Error())
		}

		// Windows makes a distinction between file and directory symlinks. os.Symlink()
		// doesn't seem to support directory type links on Windows. additionally, "mklink"
		// is a cmd-builtin, so we must invoke cmd to run mklink.
		mklinkOutput, err := exec.Command(
			"cmd",
			"/c",
			"mklink",
			"/D",
			windowsPath(mountPath),
			windowsPath(shadowDevice+"/")).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf(
				"failed to make directory symlink: %s, output: %s",
				err.Error(),
				mklinkOutput)
		}

		v.mounts[id] = mountPath
	}

	return OriginPathInSnapshot(volume, driveLetter+":/", mountPath), nil
}

// '/' => '\'
func windowsPath(in string) string {
	return strings.Replace(in, "/", `\`, -1)
}

func driveLetterFromPath(path string) string {
	return path[0:1]
}

func vssadminReportsNotFound(output string) bool {
	return strings.Contains(output, "No items found that satisfy the query")
}

type vssShadow struct {
	id          string
	driveLetter string
	createdAt   time.Time
	device      string
}

var (
	listShadowCreatedRe = regexp.MustCompile(`shadow copies at creation time: (.+)`)
	listShadowIDRe      = regexp.MustCompile(`Shadow Copy ID: (\{[^}]+\})`)
	listShadowVolumeRe  = regexp.MustCompile(`Original Volume: \(([A-Za-z]):\)`)
	listShadowDeviceRe  = regexp.MustCompile(`Shadow Copy Volume: (.+)`)
)

// vssadmin's list output is grouped by shadow copy set: a "creation time" line
// precedes the shadow copy records belonging to that set
func parseVssadminListOutput(output string) []vssShadow {
	shadows := []vssShadow{}

	createdAt := time.Time{}

	for _, line := range strings.Split(output, "\n") {
		if match := listShadowCreatedRe.FindStringSubmatch(line); match != nil {
			// vssadmin prints locale-formatted timestamps. we parse the en-US format
			// and fall back to zero time (=> treated as long expired) for others.
			createdAt, _ = time.ParseInLocation(
				"1/2/2006 3:04:05 PM",
				strings.TrimSpace(match[1]),
				time.Local)
			continue
		}

		if match := listShadowIDRe.FindStringSubmatch(line); match != nil {
			shadows = append(shadows, vssShadow{
				id:        match[1],
				createdAt: createdAt,
			})
			continue
		}

		if len(shadows) == 0 {
			continue
		}

		current := &shadows[len(shadows)-1]

		if match := listShadowVolumeRe.FindStringSubmatch(line); match != nil {
			current.driveLetter = match[1]
		} else if match := listShadowDeviceRe.FindStringSubmatch(line); match != nil {
			current.device = strings.TrimSpace(match[1])
		}
	}

	return shadows
}

var findSnapshotDeviceFromDetailsOutputRe = regexp.MustCompile("Shadow Copy Volume: (.+)")

func findSnapshotDeviceFromDetailsOutput(output string) string {
	match := findSnapshotDeviceFromDetailsOutputRe.FindStringSubmatch(output)
	if match == nil {
		return ""
	}

	return strings.TrimSpace(match[1])
}

var findSnapshotIDFromCreateOutputRe = regexp.MustCompile(`ShadowID = "([^ "]+)"`)

func findSnapshotIDFromCreateOutput(output string) string {
	match := findSnapshotIDFromCreateOutputRe.FindStringSubmatch(output)
	if match == nil {
		return ""
	}

	return match[1]
}
