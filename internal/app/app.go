// Package app wires the daemon together: config, logging, the scheduler and
// its hardware, the simulated host, journal, metrics and the operator
// transports.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pulsekeeper/internal/actuator"
	"pulsekeeper/internal/background"
	"pulsekeeper/internal/command"
	"pulsekeeper/internal/config"
	"pulsekeeper/internal/eventbus"
	"pulsekeeper/internal/host/sim"
	"pulsekeeper/internal/lease"
	"pulsekeeper/internal/lifecycle"
	"pulsekeeper/internal/observability/debug"
	"pulsekeeper/internal/observability/metrics"
	"pulsekeeper/internal/runtime/supervisor"
	"pulsekeeper/internal/scheduler"
	"pulsekeeper/internal/signal"
	"pulsekeeper/internal/storage"
	"pulsekeeper/internal/transport/telegram"
	logx "pulsekeeper/pkg/logx"
)

var errNoTransport = errors.New("remote transport not running")

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics *metrics.Registry
	debug   *debug.Server

	clock     *scheduler.CronClock
	host      *sim.Host
	grants    *background.Manager
	lease     *lease.Lease
	actuators map[signal.Kind]*actuator.Actuator
	workers   map[signal.Kind]*actuator.Worker
	sched     *scheduler.Scheduler
	lifecycle *lifecycle.Adapter
	cmds      *command.Surface

	bot    *telegram.Bot
	remote *botSender

	startInBackground bool
}

// botSender lets the log service exist before the bot it delivers through.
type botSender struct {
	bot atomic.Pointer[telegram.Bot]
}

func (s *botSender) SendText(ctx context.Context, chatID int64, text string) error {
	b := s.bot.Load()
	if b == nil {
		return errNoTransport
	}
	return b.SendText(ctx, chatID, text)
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:              cfgm,
		remote:            &botSender{},
		actuators:         map[signal.Kind]*actuator.Actuator{},
		workers:           map[signal.Kind]*actuator.Worker{},
		startInBackground: cfg.Host.StartInBackground,
	}

	tg, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	var sender logx.Sender
	if cfg.Telegram.Enabled {
		sender = a.remote
	}
	a.logs, a.log = logx.New(mapLogging(cfg), sender)
	a.logs.SetRemoteTarget(remoteTarget(cfg))
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	fail := func(err error) (*App, error) {
		_ = a.closeStore()
		_ = a.logs.Close()
		return nil, err
	}

	a.bus = eventbus.New()
	if err := a.buildStorage(cfg); err != nil {
		return fail(err)
	}
	if err := a.buildCore(cfg); err != nil {
		return fail(err)
	}

	a.metrics = metrics.NewRegistry()
	a.debug = debug.New(a.log.With(logx.String("comp", "debug")), a.metrics.Handler(), a.health)

	if cfg.Telegram.Enabled {
		tlog := a.log.With(logx.String("comp", "telegram"))
		router := telegram.NewRouter(a.cmds, a.Status, tg.router, tlog)
		bot, err := telegram.New(tg.bot, router, tlog)
		if err != nil {
			return fail(fmt.Errorf("telegram: %w", err))
		}
		a.bot = bot
		a.remote.bot.Store(bot)
	}
	return a, nil
}

func (a *App) buildStorage(cfg *config.Config) error {
	scfg, ok, err := mapStorage(cfg)
	if err != nil || !ok {
		return err
	}
	st, err := storage.Open(scfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = st
	return nil
}

func (a *App) buildCore(cfg *config.Config) error {
	scfg, err := mapScheduler(cfg)
	if err != nil {
		return err
	}
	pats, err := mapPatterns(cfg)
	if err != nil {
		return err
	}
	bgcfg, err := mapBackground(cfg)
	if err != nil {
		return err
	}
	lcfg, err := mapLifecycle(cfg)
	if err != nil {
		return err
	}
	hcfg, err := mapHost(cfg)
	if err != nil {
		return err
	}
	inh, err := mapLease(cfg)
	if err != nil {
		return err
	}

	a.clock = scheduler.NewCronClock()
	a.host = sim.New(hcfg, a.log.With(logx.String("comp", "host")))
	a.grants = background.NewManager(a.host, bgcfg, a.log.With(logx.String("comp", "background")), a.bus)
	a.lease = lease.New(inh, a.log.With(logx.String("comp", "lease")))
	a.lease.OnChange(func(held bool) {
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeLease, Data: eventbus.Lease{Held: held}})
	})

	signals := map[signal.Kind]scheduler.Signal{}
	for _, k := range signal.Kinds {
		setup, err := mapActuator(cfg, k)
		if err != nil {
			return err
		}
		alog := a.log.With(logx.String("comp", "actuator."+k.String()))
		pattern := pats.light
		if k == signal.Haptic {
			pattern = pats.haptic
		}
		act := actuator.New(actuator.Config{Kind: k, Pattern: pattern}, setup.driverFor(alog), alog)
		w := actuator.NewWorker("actuator."+k.String(), setup.queueSize, setup.timeout, alog)
		if !act.Capable() {
			alog.Warn("actuator unavailable; kind runs as a no-op", logx.String("driver", setup.driver), logx.String("name", setup.name))
		}
		a.actuators[k] = act
		a.workers[k] = w
		signals[k] = scheduler.Signal{Actuator: act, Worker: w}
	}

	a.sched = scheduler.New(scfg, scheduler.Deps{
		Signals: signals,
		Grants:  a.grants,
		Lease:   a.lease,
		Clock:   a.clock,
		Bus:     a.bus,
		Log:     a.log.With(logx.String("comp", "scheduler")),
	})
	a.lifecycle = lifecycle.New(a.sched, lcfg, a.log.With(logx.String("comp", "lifecycle")))
	if err := a.lifecycle.Bind(a.grants); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	torch := command.WorkerTorch{Worker: a.workers[signal.Light], Actuator: a.actuators[signal.Light]}
	a.cmds = command.New(a.sched, torch, a.log.With(logx.String("comp", "command")), a.bus)
	return nil
}

// Host exposes the simulated host so the process can feed it lifecycle
// events.
func (a *App) Host() *sim.Host { return a.host }

// Commands is the external command surface.
func (a *App) Commands() *command.Surface { return a.cmds }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Status renders scheduler state, stopped goroutines and the tail of the
// journal.
func (a *App) Status(ctx context.Context) (string, error) {
	snap, err := a.sched.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	var stats []supervisor.Stats
	if a.sup != nil {
		stats = a.sup.Snapshot()
	}
	var recent []storage.Entry
	if a.store != nil {
		recent, err = a.store.Recent(ctx, statusJournalLines)
		if err != nil {
			a.log.Warn("journal read failed", logx.Err(err))
		}
	}
	return renderStatus(snap, stats, recent), nil
}

func (a *App) health() error {
	select {
	case <-a.sched.Done():
		return errors.New("scheduler stopped")
	default:
	}
	return a.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	a.clock.Start()
	for _, k := range signal.Kinds {
		a.sup.Go("actuator."+k.String(), a.workers[k].Run)
	}
	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go("lifecycle", func(c context.Context) error {
		return a.lifecycle.Run(c, a.host.Events())
	})
	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "journal")))
		a.sup.Go("journal", rec.Run)
	}
	if a.bot != nil {
		a.sup.GoRestart("telegram", a.bot.Run,
			supervisor.WithRestartBackoff(time.Second, time.Minute),
			supervisor.WithPublishFirstError(true),
		)
	}

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	if dcfg, err := mapDebug(a.cfgm.Get()); err == nil {
		a.debug.Reconfigure(a.sup.Context(), dcfg)
	}
	if a.startInBackground {
		a.host.EnterBackground()
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

// startEventLog mirrors bus events into the debug log.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug only; pulses fire every period.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.Diff(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", ch.LogFields(newCfg)...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config sections changed that take effect after restart", logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	if ch.Has(config.SectionLogging) {
		// Target first so Apply does not warn about a missing chat.
		a.logs.SetRemoteTarget(remoteTarget(newCfg))
		a.logs.Apply(mapLogging(newCfg))
	}

	if ch.Has(config.SectionPulse) {
		if scfg, err := mapScheduler(newCfg); err != nil {
			a.log.Warn("invalid pulse config; keeping previous", logx.Err(err))
		} else if err := a.sched.SetPeriod(ctx, scfg.Period); err != nil {
			a.log.Warn("pulse period not applied", logx.Err(err))
		}
		if pats, err := mapPatterns(newCfg); err != nil {
			a.log.Warn("invalid pulse pattern; keeping previous", logx.Err(err))
		} else {
			a.actuators[signal.Light].SetPattern(pats.light)
			a.actuators[signal.Haptic].SetPattern(pats.haptic)
		}
	}

	if ch.Has(config.SectionDebug) {
		if dcfg, err := mapDebug(newCfg); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, dcfg)
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so every loop starts unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The scheduler closes sessions and ends grants as it exits.
	step("scheduler", 3*time.Second, func(c context.Context) error {
		select {
		case <-a.sched.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("clock", time.Second, func(context.Context) error { a.clock.Stop(); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("background", time.Second, func(context.Context) error { a.grants.Close(); return nil })
	step("host", time.Second, func(context.Context) error { a.host.Close(); return nil })
	step("lease", time.Second, func(context.Context) error { a.lease.Release(); return nil })

	// Wait for supervised goroutines before closing the journal they write to.
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
