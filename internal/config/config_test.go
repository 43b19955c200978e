package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesOptionsThenEnv(t *testing.T) {
	t.Setenv("PINHEAP_WORKERS", "9")
	c, err := New(WithWorkerCount(2), WithLogLevel("debug"))
	require.NoError(t, err)
	require.Equal(t, 9, c.WorkerCount) // env overrides the option
	require.Equal(t, "debug", c.LogLevel)
}

func TestNewDefaultsWithNoOverrides(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestNewRejectsUnparsableEnvValue(t *testing.T) {
	t.Setenv("PINHEAP_MINORS_PER_MAJOR", "not-a-number")
	_, err := New()
	require.Error(t, err)
	os.Unsetenv("PINHEAP_MINORS_PER_MAJOR")
}

func TestWithWorkerCountIgnoresNonPositive(t *testing.T) {
	c, err := New(WithWorkerCount(0))
	require.NoError(t, err)
	require.Equal(t, Default().WorkerCount, c.WorkerCount)
}
