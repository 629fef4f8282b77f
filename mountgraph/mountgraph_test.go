// SPDX-License-Identifier: LGPL-3.0-or-later

package mountgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountRejectsEscapingTarget(t *testing.T) {
	g := NewGraph(t.TempDir())
	_, err := g.Mount(nil, "/dev/sda1", "../escape", nil)
	require.Error(t, err)
}

func TestMountRejectsSeparatorInOptions(t *testing.T) {
	g := NewGraph(t.TempDir())
	_, err := g.Mount(nil, "/dev/sda1", "root", []string{"ro,noexec"})
	require.Error(t, err)
}

func TestVerifyReadOnlyFlagsWritableMount(t *testing.T) {
	err := VerifyReadOnly(t.TempDir())
	require.Error(t, err, "a freshly created temp dir is never mounted read-only")
}

func TestProposeFromFstabSortsByDepth(t *testing.T) {
	content := "UUID=aaa /data/nested ext4 defaults 0 2\nUUID=bbb / ext4 defaults 0 1\nUUID=ccc /data ext4 defaults 0 2\n"
	entries := ProposeFromFstab(content)
	require.Len(t, entries, 3)
	assert.Equal(t, "/", entries[0].MountPoint)
	assert.Equal(t, "/data", entries[1].MountPoint)
	assert.Equal(t, "/data/nested", entries[2].MountPoint)
}
