package tool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	r := NewRunner()

	res, err := r.Run(context.Background(), "", "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)

	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	r := NewRunner()

	res, err := r.Run(context.Background(), "", "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunMissingCommand(t *testing.T) {
	r := NewRunner()

	res, err := r.Run(context.Background(), "", "definitely-not-a-command")
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunHonorsTimeout(t *testing.T) {
	r := NewRunner().WithTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := r.Run(context.Background(), "", "sleep", "5")
	require.Error(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunUsesDir(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner()

	res, err := r.Run(context.Background(), dir, "pwd")
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, dir)
}
