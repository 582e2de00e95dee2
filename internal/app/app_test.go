package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsekeeper/internal/command"
	"pulsekeeper/internal/config"
	"pulsekeeper/internal/runtime/supervisor"
	"pulsekeeper/internal/scheduler"
	"pulsekeeper/internal/signal"
	"pulsekeeper/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulsekeeper.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateRejectsBadSections(t *testing.T) {
	t.Parallel()
	cases := map[string]func(*config.Config){
		"period":          func(c *config.Config) { c.Pulse.Period = "10ms" },
		"light hold":      func(c *config.Config) { c.Pulse.LightHold = "soon" },
		"backoff order":   func(c *config.Config) { c.Background.WakeBackoffBase, c.Background.WakeBackoffMax = "1m", "1s" },
		"host driver":     func(c *config.Config) { c.Host.Driver = "ios" },
		"lease driver":    func(c *config.Config) { c.Lease.Driver = "pulseaudio" },
		"lease mode":      func(c *config.Config) { c.Lease.Driver, c.Lease.Mode = "logind", "maybe" },
		"sysfs name":      func(c *config.Config) { c.Actuators.Light.Driver = "sysfs" },
		"actuator driver": func(c *config.Config) { c.Actuators.Haptic.Driver = "gpio" },
		"storage path":    func(c *config.Config) { c.Storage.Driver = "sqlite" },
		"storage driver":  func(c *config.Config) { c.Storage.Driver = "postgres" },
		"debug exposed":   func(c *config.Config) { c.Debug.Enabled, c.Debug.Addr = true, "0.0.0.0:6060" },
		"telegram token":  func(c *config.Config) { c.Telegram.Enabled = true },
		"telegram owners": func(c *config.Config) { c.Telegram.Enabled, c.Telegram.Token = true, "t" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := &config.Config{}
			mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
	assert.NoError(t, validate(&config.Config{}), "zero config selects defaults")
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	sc, err := mapScheduler(cfg)
	require.NoError(t, err)
	assert.Equal(t, scheduler.DefaultPeriod, sc.Period)
	assert.Equal(t, time.Second, sc.WakeNotBefore)

	setup, err := mapActuator(cfg, signal.Haptic)
	require.NoError(t, err)
	assert.Equal(t, "sim", setup.driver)
	assert.Equal(t, "haptic", setup.name)
	assert.Equal(t, 8, setup.queueSize)

	_, ok, err := mapStorage(cfg)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Zero(t, remoteTarget(cfg))
	cfg.Telegram.Enabled = true
	cfg.Telegram.OwnerUserIDs = []int64{42, 7}
	assert.Equal(t, int64(42), remoteTarget(cfg))
	cfg.Telegram.LogChatID = -100
	assert.Equal(t, int64(-100), remoteTarget(cfg))
}

func TestRenderStatus(t *testing.T) {
	t.Parallel()
	snap := scheduler.Snapshot{
		Kinds: []scheduler.KindSnapshot{
			{Kind: signal.Light, Desired: true, State: signal.Active, SessionOpen: true},
			{Kind: signal.Haptic},
		},
		Background: true,
		GrantHeld:  true,
		Period:     30 * time.Second,
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := renderStatus(snap,
		[]supervisor.Stats{{Name: "scheduler", Running: true}, {Name: "telegram"}},
		[]storage.Entry{{At: at, Event: "signal.transition", Kind: "light", From: "idle", To: "active", Detail: "start"}},
	)
	assert.Contains(t, out, "period: 30s")
	assert.Contains(t, out, "background: yes, grant: yes, lease: no")
	assert.Contains(t, out, "light: active (desired on, session yes)")
	assert.Contains(t, out, "stopped: telegram")
	assert.Contains(t, out, "03:04:05 signal.transition light idle->active (start)")
}

func TestAppEndToEnd(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "journal.jsonl")
	path := writeConfig(t, fmt.Sprintf(`{
		"logging": {"level": "error"},
		"pulse": {"period": "1s", "light_hold": "5ms", "haptic_on": "5ms", "haptic_off": "5ms"},
		"lease": {"driver": "sim"},
		"storage": {"driver": "file", "path": %q},
		"debug": {"enabled": true, "addr": "127.0.0.1:0"}
	}`, journal))

	a, err := NewApp(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	})

	// The journal subscribes asynchronously, so repeat the idempotent command
	// until it shows up.
	require.Eventually(t, func() bool {
		if err := a.Commands().Handle(ctx, command.StartFlashing); err != nil {
			return false
		}
		recent, err := a.store.Recent(ctx, 50)
		if err != nil {
			return false
		}
		return slices.ContainsFunc(recent, func(e storage.Entry) bool {
			return e.Event == "command" && e.Kind == command.StartFlashing && e.To == "ok"
		})
	}, 5*time.Second, 50*time.Millisecond)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, status, "light: active")
	assert.Contains(t, status, "period: 1s")

	a.Host().EnterBackground()
	require.Eventually(t, func() bool {
		snap, err := a.sched.Snapshot(ctx)
		return err == nil && snap.Background && snap.GrantHeld
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return a.debug.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	addr := a.debug.Addr()
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.ErrorIs(t, a.Commands().Handle(ctx, "selfDestruct"), command.ErrNotImplemented)
	assert.NoError(t, a.Err())
}

func TestAppReloadAppliesPeriod(t *testing.T) {
	path := writeConfig(t, `{"logging": {"level": "error"}, "pulse": {"period": "5s"}}`)
	a, err := NewApp(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	})

	newCfg := &config.Config{}
	newCfg.Logging.Level = "error"
	newCfg.Pulse.Period = "7s"
	newCfg.Lease.Driver = "none"
	a.applyConfig(ctx, a.cfgm.Get(), newCfg)

	snap, err := a.sched.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, snap.Period)
}
