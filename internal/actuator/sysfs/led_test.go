package sysfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsekeeper/internal/actuator"
	"pulsekeeper/internal/signal"
	logx "pulsekeeper/pkg/logx"
)

func fakeLED(t *testing.T, max, trigger string) (root string) {
	t.Helper()
	root = t.TempDir()
	dir := filepath.Join(root, "white:flash")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "brightness"), []byte("0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "max_brightness"), []byte(max), 0o644))
	if trigger != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "trigger"), []byte(trigger), 0o644))
	}
	return root
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestLEDLevelsScaleToMaxBrightness(t *testing.T) {
	t.Parallel()
	root := fakeLED(t, "255\n", "")
	led := New(root, "white:flash")
	require.True(t, led.Available())

	require.NoError(t, led.SetLevel(1))
	assert.Equal(t, "255", readFile(t, filepath.Join(root, "white:flash", "brightness")))

	require.NoError(t, led.SetLevel(0.5))
	assert.Equal(t, "128", readFile(t, filepath.Join(root, "white:flash", "brightness")))

	require.NoError(t, led.SetLevel(2))
	assert.Equal(t, "255", readFile(t, filepath.Join(root, "white:flash", "brightness")))
}

func TestLEDSessionRestoresTrigger(t *testing.T) {
	t.Parallel()
	root := fakeLED(t, "1", "none [timer] heartbeat")
	led := New(root, "white:flash")
	trig := filepath.Join(root, "white:flash", "trigger")

	require.NoError(t, led.OpenSession())
	assert.Equal(t, "none", readFile(t, trig))

	require.NoError(t, led.CloseSession())
	assert.Equal(t, "timer", readFile(t, trig))
}

func TestLEDMissingDevice(t *testing.T) {
	t.Parallel()
	led := New(t.TempDir(), "absent")
	assert.False(t, led.Available())
	assert.ErrorIs(t, led.SetLevel(1), actuator.ErrCapabilityUnavailable)
}

func TestLEDLockIsExclusive(t *testing.T) {
	t.Parallel()
	led := New(t.TempDir(), "x")
	require.NoError(t, led.Lock())
	assert.ErrorIs(t, led.Lock(), actuator.ErrHardwareBusy)
	led.Unlock()
	assert.NoError(t, led.Lock())
}

func TestLEDWithoutMaxBrightnessDegradesToNoop(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	dir := filepath.Join(root, "white:flash")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "brightness"), []byte("0\n"), 0o644))

	led := New(root, "white:flash")
	require.True(t, led.Available())
	a := actuator.New(actuator.Config{Kind: signal.Light}, led, logx.Nop())

	ctx := context.Background()
	tok := a.Arm()
	assert.NoError(t, a.Open(ctx, tok))
	assert.NoError(t, a.Pulse(ctx, tok))
	assert.False(t, a.Capable())
	assert.Equal(t, "0\n", readFile(t, filepath.Join(dir, "brightness")))
}
