package sandbox

import (
	"bytes"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDemux_SplitsStdoutAndStderr(t *testing.T) {
	var mux bytes.Buffer
	outW := stdcopy.NewStdWriter(&mux, stdcopy.Stdout)
	errW := stdcopy.NewStdWriter(&mux, stdcopy.Stderr)
	_, err := outW.Write([]byte("to stdout\n"))
	require.NoError(t, err)
	_, err = errW.Write([]byte("to stderr\n"))
	require.NoError(t, err)
	_, err = outW.Write([]byte("more stdout\n"))
	require.NoError(t, err)

	got := map[string][]byte{}
	require.NoError(t, StreamDemux(&mux, func(stream string, data []byte) {
		got[stream] = append(got[stream], data...)
	}))

	assert.Equal(t, "to stdout\nmore stdout\n", string(got["stdout"]))
	assert.Equal(t, "to stderr\n", string(got["stderr"]))
}

func TestStreamDemux_EmptyStream(t *testing.T) {
	called := false
	require.NoError(t, StreamDemux(bytes.NewReader(nil), func(string, []byte) {
		called = true
	}))
	assert.False(t, called)
}

func TestStreamDemux_TruncatedHeader(t *testing.T) {
	// A partial multiplex header is a malformed stream.
	err := StreamDemux(bytes.NewReader([]byte{1, 0, 0}), func(string, []byte) {})
	assert.Error(t, err)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "node:18-alpine sleep infinity",
		commandString("node:18-alpine", []string{"sleep", "infinity"}))
	assert.Equal(t, "node:18-alpine", commandString("node:18-alpine", nil))
}
