// Package app wires configuration, storage, the platform registry and all
// services into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "postpilot/pkg/logx"

	"postpilot/internal/ai"
	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/observability/pprof"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/runtime/supervisor"
	"postpilot/internal/services/dispatch"
	"postpilot/internal/services/monitor"
	"postpilot/internal/services/notify"
	"postpilot/internal/services/responder"
	"postpilot/internal/services/scheduler"
	"postpilot/internal/store"
	"postpilot/internal/timeres"
)

// StopReason records why the app is shutting down; it only feeds logs.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store

	registry *platform.Registry

	sched   *scheduler.Service
	monitor *monitor.Service
	notif   *notify.Service
	pprof   *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        storagePath(cfg),
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, logSvc.Logger().With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry, err := buildRegistry(cfg, logSvc.Logger())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	brain, err := buildBrain(context.Background(), cfg, logSvc.Logger())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	schedCfg, dispatchOpts, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	loc, err := resolveLocation(cfg.Scheduler.Timezone)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	disp := dispatch.New(st, registry, bus, logSvc.Logger(), dispatchOpts)
	sched := scheduler.New(schedCfg, st, disp, timeres.New(loc), bus, logSvc.Logger())

	respCfg, err := mapResponderConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	pipe := responder.New(respCfg, st, registry, brain, bus, logSvc.Logger())

	var mon *monitor.Service
	if cfg.Monitor.Enabled {
		monCfg, err := mapMonitorConfig(cfg)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		mon = monitor.New(monCfg, st, registry, pipe, logSvc.Logger())
	}

	var notif *notify.Service
	if cfg.Notify != nil && cfg.Notify.Enabled {
		sender, err := notify.NewTelegramSender(cfg.Notify.Token, cfg.Notify.ChatID)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("notify: %w", err)
		}
		dedup, err := config.ParseDurationField("notify.dedup_window", cfg.Notify.DedupWindow)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		notif = notify.New(notify.Config{
			RatePerSec:  cfg.Notify.RatePerSec,
			DedupWindow: dedup,
			QueueSize:   cfg.Notify.QueueSize,
		}, bus, sender, logSvc.Logger())
	}

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		registry: registry,
		sched:    sched,
		monitor:  mon,
		notif:    notif,
		pprof:    pprof.New(pprofCfg, logSvc.Logger()),
	}, nil
}

// Scheduler exposes the intake API (Schedule/Cancel/Job/List) to the caller.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false),
	)
	runCtx := a.sup.Context()

	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.monitor != nil {
		if err := a.monitor.Start(runCtx); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
	}
	if a.notif != nil {
		a.notif.Start(runCtx)
	}
	a.pprof.Reconfigure(runCtx, a.pprofCfgSnapshot())

	// Hot reload: logging and pprof apply in place; everything else requires
	// a restart and is logged as such.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	updates := a.cfgm.Subscribe(2)
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("config.reload", func(c context.Context) {
		prev := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				a.cfgm.Unsubscribe(updates)
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyReload(c, prev, cfg)
				prev = cfg
			}
		}
	})

	a.log.Info("started")
	return nil
}

func (a *App) applyReload(ctx context.Context, prev, cfg *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)...)

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if pc, err := mapPprofConfig(cfg); err == nil {
		a.pprof.Reconfigure(ctx, pc)
	} else {
		a.log.Warn("pprof reconfigure skipped", logx.Err(err))
	}

	for _, section := range changed {
		switch section {
		case "logging", "pprof":
		default:
			a.log.Warn("config section changed; restart required to apply",
				logx.String("section", section))
		}
	}
}

func (a *App) pprofCfgSnapshot() pprof.Config {
	cfg := a.cfgm.Get()
	pc, err := mapPprofConfig(cfg)
	if err != nil {
		return pprof.Config{}
	}
	return pc
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("monitor", 2*time.Second, func(context.Context) error {
		if a.monitor != nil {
			a.monitor.Stop()
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("notify", 1*time.Second, func(context.Context) error {
		if a.notif != nil {
			a.notif.Stop()
		}
		return nil
	})
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("store", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func storagePath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Storage.Path); p != "" {
		return p
	}
	return "./data/postpilot.db"
}

func resolveLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func buildRegistry(cfg *config.Config, log logx.Logger) (*platform.Registry, error) {
	reg := platform.NewRegistry()
	for name, pc := range cfg.Platforms {
		if !pc.Enabled {
			continue
		}
		p := post.Platform(strings.ToLower(strings.TrimSpace(name)))
		var adapter platform.Adapter
		switch strings.ToLower(strings.TrimSpace(pc.Mode)) {
		case "", "dryrun":
			adapter = platform.NewDryRun(p, log)
		default:
			return nil, fmt.Errorf("platforms.%s: unknown mode %q", name, pc.Mode)
		}
		reg.Register(platform.RateLimited(adapter, pc.RatePerSec))
	}
	if len(reg.Names()) == 0 {
		return nil, fmt.Errorf("no platforms enabled")
	}
	return reg, nil
}

func buildBrain(ctx context.Context, cfg *config.Config, log logx.Logger) (ai.Brain, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.AI.Provider)) {
	case "", "static":
		return ai.Static{}, nil
	case "gemini":
		return ai.NewGemini(ctx, ai.GeminiConfig{
			APIKey: cfg.AI.APIKey,
			Model:  cfg.AI.Model,
		}, log)
	default:
		return nil, fmt.Errorf("ai.provider: unknown provider %q", cfg.AI.Provider)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, dispatch.Options, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationField("scheduler.tick_interval", sc.TickInterval)
	if err != nil {
		return scheduler.Config{}, dispatch.Options{}, err
	}
	grace, err := config.ParseDurationField("scheduler.grace_window", sc.GraceWindow)
	if err != nil {
		return scheduler.Config{}, dispatch.Options{}, err
	}
	stale, err := config.ParseDurationField("scheduler.stale_after", sc.StaleAfter)
	if err != nil {
		return scheduler.Config{}, dispatch.Options{}, err
	}
	reclaim, err := config.ParseDurationField("scheduler.reclaim_period", sc.ReclaimPeriod)
	if err != nil {
		return scheduler.Config{}, dispatch.Options{}, err
	}
	callTimeout, err := config.ParseDurationField("scheduler.call_timeout", sc.CallTimeout)
	if err != nil {
		return scheduler.Config{}, dispatch.Options{}, err
	}
	retryBase, err := config.ParseDurationField("scheduler.retry.base", sc.Retry.Base)
	if err != nil {
		return scheduler.Config{}, dispatch.Options{}, err
	}
	retryMax, err := config.ParseDurationField("scheduler.retry.max", sc.Retry.Max)
	if err != nil {
		return scheduler.Config{}, dispatch.Options{}, err
	}

	schedCfg := scheduler.Config{
		TickInterval:  tick,
		BatchLimit:    sc.BatchLimit,
		GraceWindow:   grace,
		StaleAfter:    stale,
		ReclaimPeriod: reclaim,
	}
	opts := dispatch.Options{
		Retry: dispatch.RetryPolicy{
			Base:        retryBase,
			Max:         retryMax,
			MaxAttempts: sc.Retry.MaxAttempts,
		},
		CallTimeout: callTimeout,
		Concurrency: sc.Concurrency,
	}
	return schedCfg, opts, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	poll, err := config.ParseDurationField("monitor.poll_interval", cfg.Monitor.PollInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	retry, err := config.ParseDurationField("monitor.retry_interval", cfg.Monitor.RetryInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		PollInterval:  poll,
		RetryInterval: retry,
		RetryBatch:    cfg.Monitor.RetryBatch,
	}, nil
}

func mapResponderConfig(cfg *config.Config) (responder.Config, error) {
	callTimeout, err := config.ParseDurationField("responder.call_timeout", cfg.Responder.CallTimeout)
	if err != nil {
		return responder.Config{}, err
	}
	claimTTL, err := config.ParseDurationField("responder.claim_ttl", cfg.Responder.ClaimTTL)
	if err != nil {
		return responder.Config{}, err
	}
	return responder.Config{
		MaxPasses:   cfg.Responder.MaxPasses,
		CallTimeout: callTimeout,
		ClaimTTL:    claimTTL,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	read, err := config.ParseDurationField("pprof.read_timeout", pc.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", pc.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Prefix:               pc.Prefix,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}, nil
}
