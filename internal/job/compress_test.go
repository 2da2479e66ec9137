package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBacktraceRoundTrip(t *testing.T) {
	frames := []string{
		"store.go:42 in (*Store).PushJob",
		"processor.go:131 in (*Processor).handle",
		"manager.go:88 in (*Manager).Start",
	}
	encoded, err := CompressBacktrace(frames)
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)

	got, err := DecompressBacktrace(encoded)
	require.NoError(t, err)
	assert.Equal(t, frames, got)
}

func TestBacktraceNilFrames(t *testing.T) {
	encoded, err := CompressBacktrace(nil)
	require.NoError(t, err)

	got, err := DecompressBacktrace(encoded)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecompressBacktraceEmptyInput(t *testing.T) {
	got, err := DecompressBacktrace("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecompressBacktraceToleratesWrappedLines(t *testing.T) {
	frames := []string{"a.go:1 in main.main", "b.go:2 in main.run"}
	encoded, err := CompressBacktrace(frames)
	require.NoError(t, err)

	wrapped := encoded[:len(encoded)/2] + "\n  " + encoded[len(encoded)/2:]
	got, err := DecompressBacktrace(wrapped)
	require.NoError(t, err)
	assert.Equal(t, frames, got)
}

func TestDecompressBacktraceBadBase64(t *testing.T) {
	_, err := DecompressBacktrace("!!not base64!!")
	assert.Error(t, err)
}
