package models

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_Format(t *testing.T) {
	re := regexp.MustCompile(`^msn-[0-9a-f]{12}-[0-9a-f]{4}$`)
	id := NewID(PrefixMission)
	assert.True(t, re.MatchString(id), "unexpected id format: %s", id)
}

func TestNewID_EncodesCreationTime(t *testing.T) {
	before := time.Now().UnixMilli()
	id := NewID(PrefixProject)
	after := time.Now().UnixMilli()

	parts := strings.Split(id, "-")
	require.Len(t, parts, 3)
	millis, err := strconv.ParseInt(parts[1], 16, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, millis, before)
	assert.LessOrEqual(t, millis, after)
}
