// SPDX-License-Identifier: LGPL-3.0-or-later

package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guestkit/session"
)

func TestBuildStorageTopologyEmptyWithNoDevices(t *testing.T) {
	sess, err := session.New("topo-test", t.TempDir(), nil)
	require.NoError(t, err)
	defer sess.Close()

	nodes := buildStorageTopology(sess)
	assert.Empty(t, nodes)
}
