package docker

import (
	"bytes"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/require"
)

func multiplexed(t *testing.T, stdout, stderr string) *bytes.Buffer {
	t.Helper()

	var stream bytes.Buffer
	_, err := stdcopy.NewStdWriter(&stream, stdcopy.Stdout).Write([]byte(stdout))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&stream, stdcopy.Stderr).Write([]byte(stderr))
	require.NoError(t, err)
	return &stream
}

func TestSplitDockerLogsSeparatesStreams(t *testing.T) {
	stdout, stderr, truncated, err := splitDockerLogs(multiplexed(t, "42\n", "warning\n"), 0)
	require.NoError(t, err)
	require.Equal(t, "42\n", stdout)
	require.Equal(t, "warning\n", stderr)
	require.False(t, truncated)
}

func TestSplitDockerLogsCapsOutput(t *testing.T) {
	stdout, stderr, truncated, err := splitDockerLogs(multiplexed(t, "0123456789", "err"), 4)
	require.NoError(t, err)
	require.Equal(t, "0123", stdout)
	require.Equal(t, "err", stderr)
	require.True(t, truncated)
}

func TestCappedBufferAcceptsExactLimit(t *testing.T) {
	buf := &cappedBuffer{limit: 3}
	n, err := buf.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.False(t, buf.truncated)

	n, err = buf.Write(nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, buf.truncated)

	_, err = buf.Write([]byte("d"))
	require.NoError(t, err)
	require.True(t, buf.truncated)
	require.Equal(t, "abc", buf.String())
}
