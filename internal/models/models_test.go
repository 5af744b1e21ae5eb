package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFixType(t *testing.T) {
	ft, err := ParseFixType("reconnect-cache")
	require.NoError(t, err)
	assert.Equal(t, FixReconnectCache, ft)

	_, err = ParseFixType("reboot_datacenter")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownFixType))
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	line := strings.Repeat("a", 499) + "é" + "tail"
	out := Truncate(line, MaxMatchedTextLen)
	assert.LessOrEqual(t, len(out), MaxMatchedTextLen)
	assert.Equal(t, strings.Repeat("a", 499), out)
	assert.Equal(t, "short", Truncate("short", MaxMatchedTextLen))
}

func TestPatternThresholdFloor(t *testing.T) {
	assert.Equal(t, 1, ErrorPattern{}.Threshold())
	assert.Equal(t, 3, ErrorPattern{ThresholdCount: 3}.Threshold())
}

func TestOutcomeSucceeded(t *testing.T) {
	assert.True(t, OutcomePartial.Succeeded())
	assert.False(t, OutcomeFailure.Succeeded())
	assert.False(t, OutcomeSkipped.Succeeded())
}
