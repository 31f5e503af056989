//go:build linux

package fssnapshot

import (
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/prometheus/procfs"
)

func TestMountForPath(t *testing.T) {
	mounts := []*procfs.Mount{
		{Mount: "/home"},
		{Mount: "/"},
		{Mount: "/var/logs"},
	}

	assert.EqualString(t, mountForPath("/home/vagrant", mounts).Mount, "/home")
	assert.EqualString(t, mountForPath("/home", mounts).Mount, "/home")
	assert.EqualString(t, mountForPath("/root/.ssh/authorized_keys", mounts).Mount, "/")
	assert.EqualString(t, mountForPath("/var/logs/httpd/access.log", mounts).Mount, "/var/logs")
	assert.Assert(t, mountForPath("x", mounts) == nil)
}

func TestParseLvsOutput(t *testing.T) {
	output := []byte(`  root|/dev/vagrant-vg/root||2021-01-26 09:12:01 +0200
  snap-cafe01|/dev/vagrant-vg/snap-cafe01|root|2021-01-27 10:55:12 +0200
  swap_1|/dev/vagrant-vg/swap_1||2021-01-26 09:12:05 +0200
`)

	rows, err := parseLvsOutput(output)
	assert.Ok(t, err)
	assert.Assert(t, len(rows) == 3)

	assert.EqualString(t, rows[0].name, "root")
	assert.EqualString(t, rows[0].path, "/dev/vagrant-vg/root")
	assert.EqualString(t, rows[0].origin, "")

	assert.EqualString(t, rows[1].name, "snap-cafe01")
	assert.EqualString(t, rows[1].origin, "root")
	assert.EqualString(t, rows[1].createdAt.Format("2006-01-02 15:04:05"), "2021-01-27 10:55:12")
}

func TestParseLvsOutputUnexpectedLine(t *testing.T) {
	_, err := parseLvsOutput([]byte("  what|is|this\n"))
	assert.Assert(t, err != nil)
}
