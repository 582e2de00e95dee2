package app

import (
	"fmt"
	"strings"
	"time"

	"pulsekeeper/internal/actuator"
	"pulsekeeper/internal/actuator/sysfs"
	"pulsekeeper/internal/background"
	"pulsekeeper/internal/config"
	"pulsekeeper/internal/host/sim"
	"pulsekeeper/internal/lease"
	"pulsekeeper/internal/lifecycle"
	"pulsekeeper/internal/observability/debug"
	"pulsekeeper/internal/scheduler"
	"pulsekeeper/internal/signal"
	"pulsekeeper/internal/storage"
	"pulsekeeper/internal/transport/telegram"
	logx "pulsekeeper/pkg/logx"
)

// validate runs every mapper once so a bad reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapPatterns(cfg); err != nil {
		return err
	}
	if _, err := mapBackground(cfg); err != nil {
		return err
	}
	if _, err := mapLifecycle(cfg); err != nil {
		return err
	}
	if _, err := mapHost(cfg); err != nil {
		return err
	}
	if _, err := mapLease(cfg); err != nil {
		return err
	}
	for _, k := range signal.Kinds {
		if _, err := mapActuator(cfg, k); err != nil {
			return err
		}
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapDebug(cfg); err != nil {
		return err
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	return nil
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Remote.Enabled,
			MinLevel:   cfg.Logging.Remote.MinLevel,
			RatePerSec: cfg.Logging.Remote.RatePerSec,
		},
	}
}

// remoteTarget is the chat receiving remote log lines, or 0.
func remoteTarget(cfg *config.Config) int64 {
	if !cfg.Telegram.Enabled {
		return 0
	}
	if cfg.Telegram.LogChatID != 0 {
		return cfg.Telegram.LogChatID
	}
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		return cfg.Telegram.OwnerUserIDs[0]
	}
	return 0
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	period, err := scheduler.ParsePeriod(cfg.Pulse.Period)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("pulse.period: %w", err)
	}
	bg := cfg.Background
	notBefore, err := config.DurationOr("background.wake_not_before", bg.WakeNotBefore, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	deadline, err := config.DurationOr("background.expiry_deadline", bg.ExpiryDeadline, 2*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Period: period, WakeNotBefore: notBefore, ExpiryDeadline: deadline}, nil
}

type patterns struct {
	light  actuator.Pattern
	haptic actuator.Pattern
}

func mapPatterns(cfg *config.Config) (patterns, error) {
	p := cfg.Pulse
	hold, err := config.DurationOr("pulse.light_hold", p.LightHold, 0)
	if err != nil {
		return patterns{}, err
	}
	on, err := config.DurationOr("pulse.haptic_on", p.HapticOn, 0)
	if err != nil {
		return patterns{}, err
	}
	off, err := config.DurationOr("pulse.haptic_off", p.HapticOff, 0)
	if err != nil {
		return patterns{}, err
	}
	return patterns{light: actuator.LightPattern(hold), haptic: actuator.HapticPattern(on, off)}, nil
}

func mapBackground(cfg *config.Config) (background.Config, error) {
	bg := cfg.Background
	if bg.MaxWakeRetries < 0 {
		return background.Config{}, fmt.Errorf("background.max_wake_retries must be >= 0")
	}
	base, err := config.DurationOr("background.wake_backoff_base", bg.WakeBackoffBase, 0)
	if err != nil {
		return background.Config{}, err
	}
	hi, err := config.DurationOr("background.wake_backoff_max", bg.WakeBackoffMax, 0)
	if err != nil {
		return background.Config{}, err
	}
	if base > 0 && hi > 0 && hi < base {
		return background.Config{}, fmt.Errorf("background.wake_backoff_max (%s) is below wake_backoff_base (%s)", hi, base)
	}
	return background.Config{
		WakeIdentifier: strings.TrimSpace(bg.WakeIdentifier),
		BackoffBase:    base,
		BackoffMax:     hi,
		MaxWakeRetries: bg.MaxWakeRetries,
	}, nil
}

func mapLifecycle(cfg *config.Config) (lifecycle.Config, error) {
	deadline, err := config.DurationOr("background.expiry_deadline", cfg.Background.ExpiryDeadline, 0)
	if err != nil {
		return lifecycle.Config{}, err
	}
	return lifecycle.Config{ExpiryDeadline: deadline}, nil
}

func mapHost(cfg *config.Config) (sim.Config, error) {
	h := cfg.Host
	switch strings.ToLower(strings.TrimSpace(h.Driver)) {
	case "", "sim":
	default:
		return sim.Config{}, fmt.Errorf("unknown host.driver: %s", h.Driver)
	}
	grant, err := config.DurationOr("host.grant_duration", h.GrantDuration, 0)
	if err != nil {
		return sim.Config{}, err
	}
	window, err := config.DurationOr("host.wake_window", h.WakeWindow, 0)
	if err != nil {
		return sim.Config{}, err
	}
	return sim.Config{GrantDuration: grant, WakeWindow: window}, nil
}

func mapLease(cfg *config.Config) (lease.Inhibitor, error) {
	l := cfg.Lease
	switch strings.ToLower(strings.TrimSpace(l.Driver)) {
	case "", "sim":
		return lease.NewSim(), nil
	case "none":
		return lease.None{}, nil
	case "logind":
		mode := strings.ToLower(strings.TrimSpace(l.Mode))
		if mode != "" && mode != "block" && mode != "delay" {
			return nil, fmt.Errorf("lease.mode must be block or delay, got %q", l.Mode)
		}
		return lease.NewLogind(lease.LogindConfig{What: l.What, Who: l.Who, Why: l.Why, Mode: mode}), nil
	default:
		return nil, fmt.Errorf("unknown lease.driver: %s", l.Driver)
	}
}

type actuatorSetup struct {
	driver    string
	name      string
	root      string
	queueSize int
	timeout   time.Duration
}

func mapActuator(cfg *config.Config, k signal.Kind) (actuatorSetup, error) {
	ac := cfg.Actuators.Light
	if k == signal.Haptic {
		ac = cfg.Actuators.Haptic
	}
	field := "actuators." + k.String()
	setup := actuatorSetup{
		driver:    strings.ToLower(strings.TrimSpace(ac.Driver)),
		name:      strings.TrimSpace(ac.Name),
		root:      strings.TrimSpace(ac.Root),
		queueSize: ac.QueueSize,
	}
	switch setup.driver {
	case "":
		setup.driver = "sim"
	case "sim", "none":
	case "sysfs":
		if setup.name == "" {
			return actuatorSetup{}, fmt.Errorf("%s.name is required when driver=sysfs", field)
		}
	default:
		return actuatorSetup{}, fmt.Errorf("unknown %s.driver: %s", field, ac.Driver)
	}
	if setup.name == "" {
		setup.name = k.String()
	}
	if setup.queueSize < 0 {
		return actuatorSetup{}, fmt.Errorf("%s.queue_size must be >= 0", field)
	}
	if setup.queueSize == 0 {
		setup.queueSize = 8
	}
	var err error
	setup.timeout, err = config.DurationOr(field+".job_timeout", ac.JobTimeout, 5*time.Second)
	if err != nil {
		return actuatorSetup{}, err
	}
	return setup, nil
}

func (s actuatorSetup) driverFor(log logx.Logger) actuator.Driver {
	switch s.driver {
	case "sysfs":
		return sysfs.New(s.root, s.name)
	case "none":
		return actuator.NewSimDriver(s.name, false, log)
	default:
		return actuator.NewSimDriver(s.name, true, log)
	}
}

// mapStorage returns ok=false when the journal is disabled.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebug(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	out := debug.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               strings.TrimSpace(d.Prefix),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("debug.read_timeout", d.ReadTimeout, 5*time.Second); err != nil {
		return debug.Config{}, err
	}
	if out.WriteTimeout, err = config.DurationOr("debug.write_timeout", d.WriteTimeout, 30*time.Second); err != nil {
		return debug.Config{}, err
	}
	if out.IdleTimeout, err = config.DurationOr("debug.idle_timeout", d.IdleTimeout, 60*time.Second); err != nil {
		return debug.Config{}, err
	}
	if err := out.Validate(); err != nil {
		return debug.Config{}, err
	}
	return out, nil
}

type telegramSetup struct {
	bot    telegram.Config
	router telegram.RouterConfig
}

// mapTelegram returns a zero setup when the transport is disabled.
func mapTelegram(cfg *config.Config) (telegramSetup, error) {
	tc := cfg.Telegram
	if !tc.Enabled {
		return telegramSetup{}, nil
	}
	token := strings.TrimSpace(tc.Token)
	if token == "" {
		return telegramSetup{}, fmt.Errorf("telegram.token is required when telegram.enabled is true")
	}
	if len(tc.OwnerUserIDs) == 0 {
		return telegramSetup{}, fmt.Errorf("telegram.owner_user_ids must not be empty")
	}
	if tc.RatePerSec < 0 {
		return telegramSetup{}, fmt.Errorf("telegram.rate_per_sec must be >= 0")
	}
	poll, err := config.DurationOr("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegramSetup{}, err
	}
	return telegramSetup{
		bot:    telegram.Config{Token: token, PollTimeout: poll},
		router: telegram.RouterConfig{Owners: tc.OwnerUserIDs, RatePerSec: float64(tc.RatePerSec)},
	}, nil
}
