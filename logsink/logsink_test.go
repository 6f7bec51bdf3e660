package logsink_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oakfield-labs/pcbus/logsink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendDoesNotFlushBeforeThresholdOrTimer(t *testing.T) {
	dir := t.TempDir()
	s := logsink.New(dir, logsink.WithFlushInterval(time.Hour), logsink.WithFlushSize(1<<20))
	defer s.Close()

	s.Append("pic", "hello")

	_, err := os.Stat(filepath.Join(dir, "pic.log"))
	assert.True(t, os.IsNotExist(err), "must not flush before size threshold or timer fires")
}

func TestAppendFlushesWhenOverSizeThreshold(t *testing.T) {
	dir := t.TempDir()
	s := logsink.New(dir, logsink.WithFlushInterval(time.Hour), logsink.WithFlushSize(8))
	defer s.Close()

	s.Append("pit", "this line is definitely over eight bytes")

	data, err := os.ReadFile(filepath.Join(dir, "pit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "this line is definitely over eight bytes")
}

func TestCloseFlushesRemainingBuffers(t *testing.T) {
	dir := t.TempDir()
	s := logsink.New(dir, logsink.WithFlushInterval(time.Hour), logsink.WithFlushSize(1<<20))
	s.Append("cpu", "shutting down")
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, "cpu.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "shutting down")
}

func TestIOErrorsNeverPanicOrPropagate(t *testing.T) {
	// dir is a file, not a directory, so MkdirAll/OpenFile must fail - the
	// sink must swallow that without raising into caller code.
	dir := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	var gotErr error
	s := logsink.New(dir, logsink.WithFlushInterval(time.Hour), logsink.WithFlushSize(1),
		logsink.WithIOErrorHandler(func(filename string, err error) { gotErr = err }))

	assert.NotPanics(t, func() {
		s.Append("cpu", "this will fail to flush")
		s.Close()
	})
	assert.Error(t, gotErr)
}
