package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatbridge/internal/config"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/httpapi"
	"chatbridge/internal/observability/pprof"
	"chatbridge/internal/roster"
	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/internal/session"
	"chatbridge/internal/sessionstore"
	"chatbridge/internal/storage"
	"chatbridge/internal/task/engine"
	"chatbridge/internal/task/scheduler"
	"chatbridge/internal/transport/telegram"
	logx "chatbridge/pkg/logx"
)

// App wires the bridge together and owns its lifecycle.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	roster   *roster.Service
	session  *session.Supervisor
	engine   *engine.Service
	sched    *scheduler.Service
	dispatch *dispatch.Service
	api      *httpapi.Server
	pprof    *pprof.Service
	sd       *sdNotifier
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	comp := func(name string) logx.Logger { return log.With(logx.Component(name)) }

	stCfg, _ := mapStorage(cfg)
	store, err := storage.Open(stCfg, comp("storage"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", stCfg.Driver))

	schedCfg, _ := mapScheduler(cfg)
	engCfg, _ := mapTaskEngine(cfg)
	dispCfg, _ := mapDispatch(cfg)
	sessCfg, _ := mapSession(cfg)
	attCfg, _ := mapAttachment(cfg)
	tgCfg, _ := mapTelegram(cfg)
	httpCfg, _ := mapHTTP(cfg)
	ppCfg, _ := mapPprof(cfg)

	material, err := sessionstore.New(sessionDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	dialer, err := telegram.NewDialer(tgCfg, comp("telegram"))
	if err != nil {
		return nil, err
	}

	var disp *dispatch.Service
	eng := engine.New(engCfg, comp("taskengine"), engine.WithEventHook(func(ev engine.TaskEvent) {
		if disp != nil {
			disp.OnTaskEvent(ev)
		}
	}))
	sched := scheduler.New(schedCfg, eng, comp("scheduler"))

	rs := roster.New(store, roster.WithLogger(comp("roster")), roster.WithZone(sched.Location))

	sess := session.New(sessCfg, dialer, material,
		session.WithLogger(comp("session")),
		session.WithDeliveryLog(rs),
		session.WithFetcher(session.NewFetcher(attCfg)),
	)

	disp = dispatch.New(dispCfg, sess, sched, rs, comp("dispatch"))

	api, err := httpapi.New(httpCfg, httpapi.Deps{
		Session:  sess,
		Dispatch: disp,
		Roster:   rs,
		Tasks:    sched,
	}, comp("http"))
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:     cfgm,
		log:      comp("app"),
		logs:     logSvc,
		store:    store,
		roster:   rs,
		session:  sess,
		engine:   eng,
		sched:    sched,
		dispatch: disp,
		api:      api,
		pprof:    pprof.New(ppCfg, comp("pprof")),
		sd:       newSDNotifier(cfg.Systemd, comp("systemd")),
	}, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	a.sup.Go("session", a.session.Run)

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	} else {
		a.log.Warn("scheduler disabled; deferred sends and the birthday sweep will not fire")
	}
	if err := a.dispatch.Start(); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("dispatch: %w", err)
	}
	if a.pprof.Enabled() {
		a.pprof.Start(runCtx)
	}

	a.sup.Go("http", a.api.Run)

	if autoConnect(cfg) {
		a.sup.Go0("session.autoconnect", func(c context.Context) {
			if err := a.session.Connect(c, false); err != nil && c.Err() == nil {
				a.log.Warn("auto-connect failed", logx.Err(err))
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, applied, next)
				applied = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.ready()
	if wd := a.sd.watchdogInterval(); wd > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.watchdog(c, wd) })
	}

	a.log.Info("app started",
		logx.String("http_addr", cfg.HTTP.Addr),
		logx.Bool("auto_connect", autoConnect(cfg)),
	)
	return nil
}

// applyConfig applies the hot-reloadable parts of next. Sections that need
// a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if config.RequiresRestart(s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(next))
	a.api.SetToken(next.HTTP.Token)

	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()

	if ec, err := mapTaskEngine(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}
	if sc, err := mapScheduler(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	// Scheduler goes down before the engine; the engine comes up first.
	nowSched, nowEng := a.sched.Enabled(), a.engine.Enabled()
	if prevSched && !nowSched {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !nowEng {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && nowEng {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && nowSched {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if dc, err := mapDispatch(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else if err := a.dispatch.Apply(dc); err != nil {
		a.log.Warn("dispatch reconfigure failed", logx.Err(err))
	}

	if pc, err := mapPprof(next); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, pc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)),
					logx.Err(err),
				)
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	// Session, HTTP and config loops all run under the app supervisor.
	step("supervisor", 10*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
