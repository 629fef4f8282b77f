// SPDX-License-Identifier: LGPL-3.0-or-later

package gkerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndError(t *testing.T) {
	err := New(NotFound, "image not found")
	assert.Equal(t, "NotFound: image not found", err.Error())
	assert.Equal(t, NotFound, KindOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("exit status 1")
	err := Wrap(AttachFailed, "attach block device", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestIsMatchesByKind(t *testing.T) {
	a := New(Timeout, "operation timed out")
	b := New(Timeout, "a different message")
	c := New(Cancelled, "cooperative cancellation observed")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestWithContextChains(t *testing.T) {
	err := New(ParseError, "bad mbr signature").WithContext("offset", 510)
	assert.Equal(t, 510, err.Context["offset"])
}

func TestKindOfUnwrapsNonGkerr(t *testing.T) {
	inner := New(VolumeError, "luks open failed")
	wrapped := fmt.Errorf("activating volume: %w", inner)
	assert.Equal(t, VolumeError, KindOf(wrapped))
}

func TestKindOfOrdinaryErrorIsEmpty(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain error")))
}
