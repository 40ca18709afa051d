package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/bus"
	"github.com/fyrsmithlabs/devflow/internal/config"
	"github.com/fyrsmithlabs/devflow/internal/engine"
	httpserver "github.com/fyrsmithlabs/devflow/internal/http"
	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/scheduler"
	"github.com/fyrsmithlabs/devflow/internal/secrets"
	"github.com/fyrsmithlabs/devflow/internal/stage"
	"github.com/fyrsmithlabs/devflow/internal/store"
	"github.com/fyrsmithlabs/devflow/internal/telemetry"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, HTTP API, bus listeners and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

// daemon holds everything serve starts, in the order it must be torn down.
type daemon struct {
	cfg    *config.Config
	log    *logging.Logger
	tel    *telemetry.Telemetry
	store  store.Store
	ns     *natsserver.Server
	nc     *nats.Conn
	worker *bus.Worker
	subs   []*nats.Subscription
	sched  *scheduler.Scheduler
	local  *engine.LocalDispatcher
}

// Close releases resources in reverse start order.
func (d *daemon) Close(ctx context.Context) {
	if d.sched != nil {
		d.sched.Stop()
	}
	for _, sub := range d.subs {
		_ = sub.Unsubscribe()
	}
	if d.worker != nil {
		if err := d.worker.Stop(); err != nil {
			d.log.Warn(ctx, "stopping advance worker", zap.Error(err))
		}
	}
	if d.local != nil {
		d.local.Wait()
	}
	if d.nc != nil {
		d.nc.Close()
	}
	if d.ns != nil {
		d.ns.Shutdown()
		d.ns.WaitForShutdown()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn(ctx, "closing store", zap.Error(err))
		}
	}
	if d.tel != nil {
		if err := d.tel.Shutdown(ctx); err != nil {
			d.log.Warn(ctx, "telemetry shutdown", zap.Error(err))
		}
	}
	_ = d.log.Sync()
}

// serve starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Configuration, telemetry and logging
//  2. Run store
//  3. NATS (embedded or remote) when enabled
//  4. Stage registry, engine and dispatcher
//  5. Bus listeners, scheduler and config watcher
//  6. Re-dispatch of runs left running by a previous process
//  7. HTTP API
func serve(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if degraded, cause := tel.Degraded(); degraded {
		log.Warn(ctx, "telemetry degraded, exporting nothing", zap.Error(cause))
	}

	d := &daemon{cfg: cfg, log: log, tel: tel}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		d.Close(shutdownCtx)
	}()

	d.store, err = openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if cfg.NATS.Enabled {
		if err := d.connectNATS(ctx); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stages := stage.NewRegistry()
	if d.nc != nil && cfg.NATS.RemoteStages {
		stages.SetFallback(stage.RemoteFallback(d.nc, cfg.NATS.Prefix))
	}

	engOpts := []engine.Option{
		engine.WithLogger(log.Named("engine")),
		engine.WithPolicy(cfg.Policy),
		engine.WithDefaultFlow(cfg.Flow()),
		engine.WithNotifier(d.notifier()),
		engine.WithTracer(tel.Tracer("github.com/fyrsmithlabs/devflow/internal/engine")),
		engine.WithMetrics(reg),
	}
	if cfg.Secrets.Enabled {
		redactor, err := secrets.New(cfg.Secrets)
		if err != nil {
			return fmt.Errorf("failed to load secret rules: %w", err)
		}
		engOpts = append(engOpts, engine.WithRedactor(redactor))
	} else {
		log.Warn(ctx, "secret redaction disabled, stage output is recorded verbatim")
	}

	eng, err := engine.New(d.store, stages, engOpts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	dispatch, err := d.dispatcher(ctx, eng)
	if err != nil {
		return err
	}
	eng.SetDispatcher(dispatch)

	if d.nc != nil {
		sub, err := bus.ListenDecisions(ctx, d.nc, cfg.NATS.Prefix, eng, log.Underlying())
		if err != nil {
			return fmt.Errorf("failed to listen for decisions: %w", err)
		}
		d.subs = append(d.subs, sub)
	}

	d.sched = scheduler.New(eng, dispatch, scheduler.WithLogger(log.Named("scheduler")))
	if err := d.sched.AddSweeper(cfg.Scheduler.Sweep); err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}
	if err := scheduleTriggers(d.sched, cfg); err != nil {
		return err
	}
	d.sched.Start()

	go d.watchConfig(ctx, opts.configPath, eng)

	if err := redispatch(ctx, eng, dispatch, log); err != nil {
		log.Warn(ctx, "re-dispatching running runs", zap.Error(err))
	}

	srv, err := httpserver.NewServer(eng, dispatch, log.Underlying().Named("http"), &httpserver.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		APIToken: cfg.Server.APIToken.Value(),
		Gatherer: reg,
		Health:   d.health,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	log.Info(ctx, "devflowd started",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("nats", d.nc != nil),
		zap.Int("scheduled_jobs", d.sched.Jobs()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, "http shutdown", zap.Error(err))
	}
	log.Info(context.Background(), "devflowd stopped")
	return nil
}

// connectNATS starts the embedded server if configured and connects.
func (d *daemon) connectNATS(ctx context.Context) error {
	url := d.cfg.NATS.URL
	if d.cfg.NATS.Embedded {
		ns, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   d.cfg.NATS.Port,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return fmt.Errorf("failed to create embedded nats: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return errors.New("embedded nats did not become ready")
		}
		d.ns = ns
		url = ns.ClientURL()
		d.log.Info(ctx, "embedded nats started", zap.String("url", url))
	}

	nc, err := bus.Connect(url, "devflowd", d.log.Underlying().Named("bus"))
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	d.nc = nc
	return nil
}

// notifier publishes gate notifications on NATS, or logs them when the bus
// is off.
func (d *daemon) notifier() engine.Notifier {
	if d.nc != nil {
		return bus.NewNotifier(d.nc, d.cfg.NATS.Prefix, d.cfg.NATS.NotifyRate, d.cfg.NATS.NotifyBurst)
	}
	return engine.NotifierFunc(func(ctx context.Context, n engine.Notification) error {
		d.log.Info(ctx, "gate notification",
			zap.String("channel", n.Channel),
			zap.String("gate", n.Gate),
			zap.String("reason", n.Reason))
		return nil
	})
}

// dispatcher spreads advances over NATS workers when configured, otherwise
// runs them on local goroutines.
func (d *daemon) dispatcher(ctx context.Context, eng *engine.Engine) (engine.Dispatcher, error) {
	if d.nc != nil && d.cfg.NATS.Workers > 0 {
		w, err := bus.StartWorker(ctx, d.nc, d.cfg.NATS.Prefix, eng, d.cfg.NATS.Workers, d.log.Underlying().Named("worker"))
		if err != nil {
			return nil, fmt.Errorf("failed to start advance worker: %w", err)
		}
		d.worker = w
		return bus.NewDispatcher(d.nc, d.cfg.NATS.Prefix), nil
	}
	d.local = engine.NewLocalDispatcher(ctx, eng, d.log.Named("dispatch"))
	return d.local, nil
}

// health checks the store and, when connected, the bus.
func (d *daemon) health(ctx context.Context) error {
	if p, ok := d.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if d.nc != nil && !d.nc.IsConnected() {
		return fmt.Errorf("nats: %s", d.nc.Status())
	}
	return nil
}

// watchConfig swaps the engine policy when the config file changes. Runs
// already created keep the policy they were created with.
func (d *daemon) watchConfig(ctx context.Context, path string, eng *engine.Engine) {
	if path == "" {
		if err := config.EnsureConfigDir(); err != nil {
			d.log.Warn(ctx, "config watcher disabled", zap.Error(err))
			return
		}
		p, err := config.DefaultPath()
		if err != nil {
			d.log.Warn(ctx, "config watcher disabled", zap.Error(err))
			return
		}
		path = p
	}
	err := config.Watch(ctx, path, d.log.Underlying().Named("config"), func(c *config.Config) {
		if err := eng.SetPolicy(c.Policy); err != nil {
			d.log.Warn(ctx, "reloaded policy rejected", zap.Error(err))
			return
		}
		if err := scheduleTriggers(d.sched, c); err != nil {
			d.log.Warn(ctx, "reloaded triggers rejected", zap.Error(err))
		}
		d.log.Info(ctx, "policy reloaded")
	})
	if err != nil {
		d.log.Warn(ctx, "config watcher stopped", zap.Error(err))
	}
}

// scheduleTriggers registers every schedule trigger in cfg.
func scheduleTriggers(s *scheduler.Scheduler, cfg *config.Config) error {
	for _, t := range cfg.Pipeline.Triggers {
		if pipeline.TriggerKind(t.On) != pipeline.TriggerSchedule {
			continue
		}
		err := s.Schedule(scheduler.Trigger{
			Name:    t.Name,
			Cron:    t.Cron,
			Flow:    t.FlowOrDefault(cfg.Flow()),
			Payload: map[string]any{"label": t.Label},
		})
		if err != nil {
			return fmt.Errorf("failed to schedule trigger %s: %w", t.Name, err)
		}
	}
	return nil
}

// redispatch hands every run a previous process left running back to the
// dispatcher. An in-flight stage is re-invoked with its original key.
func redispatch(ctx context.Context, eng *engine.Engine, dispatch engine.Dispatcher, log *logging.Logger) error {
	runs, err := eng.Runs(ctx, pipeline.StatusRunning, 0)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range runs {
		if err := dispatch.Dispatch(ctx, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", r.ID, err))
			continue
		}
		log.Info(logging.WithRunID(ctx, r.ID), "re-dispatched running run")
	}
	return errors.Join(errs...)
}
