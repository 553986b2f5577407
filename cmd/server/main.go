// Spinwatch relays Slovenian public emergency incidents from the SPIN feed to
// the topic threads of a Telegram forum group.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	sc "github.com/linnemanlabs/spinwatch/internal/cfg"
	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/dedup/filestore"
	"github.com/linnemanlabs/spinwatch/internal/dedup/memstore"
	"github.com/linnemanlabs/spinwatch/internal/dedup/pgstore"
	"github.com/linnemanlabs/spinwatch/internal/dedup/redisstore"
	"github.com/linnemanlabs/spinwatch/internal/delivery"
	"github.com/linnemanlabs/spinwatch/internal/feed"
	"github.com/linnemanlabs/spinwatch/internal/mapimage"
	"github.com/linnemanlabs/spinwatch/internal/message"
	"github.com/linnemanlabs/spinwatch/internal/notify/slack"
	"github.com/linnemanlabs/spinwatch/internal/notify/telegram"
	"github.com/linnemanlabs/spinwatch/internal/pipeline"
	"github.com/linnemanlabs/spinwatch/internal/postgres"
	"github.com/linnemanlabs/spinwatch/internal/region"
	"github.com/linnemanlabs/spinwatch/internal/routing"
	"github.com/linnemanlabs/spinwatch/internal/scheduler"
	"github.com/linnemanlabs/spinwatch/internal/statusapi"
)

const appName = "spinwatch"
const component = "server"

// dedup store names, kept from the original state file names
const (
	idStoreName     = "posted_incidents"
	recordStoreName = "posted_vecjiObseg"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    sc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// .env only seeds the environment, it never overrides variables already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ignoring unreadable .env: %v\n", err)
	}

	// env vars with prefix SPINWATCH_ do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "SPINWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"dedup_backend", appCfg.DedupBackend,
		"interval_seconds", appCfg.IntervalSeconds,
		"large_scale", appCfg.LargeScaleEnabled,
		"maps", appCfg.MapsEnabled,
		"manual_triggers", appCfg.APIToken != "",
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
	)

	// profiling first so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)
	pm := pipeline.NewMetrics(m.Registry())

	// region data and the routing table are fatal when broken
	regions, err := region.LoadFiles(appCfg.CoarseRegionsPath, appCfg.FineRegionsPath, region.Options{}, L)
	if err != nil {
		return fmt.Errorf("region index: %w", err)
	}
	router, err := routing.New(ctx, routing.DefaultConfig(), regions, L)
	if err != nil {
		return fmt.Errorf("routing table: %w", err)
	}

	backend, closeBackend, err := openBackend(ctx, &appCfg, m.Registry(), L)
	if err != nil {
		return fmt.Errorf("dedup backend: %w", err)
	}
	defer closeBackend()

	ids := dedup.NewIDSet(backend, idStoreName, L)
	ids.Load(ctx)
	records := dedup.NewRecordList(backend, recordStoreName, L)
	records.Load(ctx)
	L.Info(ctx, "dedup state loaded", "backend", appCfg.DedupBackend, idStoreName, ids.Len(), recordStoreName, records.Len())

	tg := telegram.New(appCfg.TelegramAPIURL, appCfg.TelegramToken, appCfg.TelegramGroupID)
	engine := delivery.NewEngine(tg, delivery.Policy{
		MaxAttempts: uint(appCfg.RetryAttempts), //nolint:gosec // validated to 1..20
		Backoff:     appCfg.RetryBackoff(),
		Retryable:   telegram.Retryable,
	}, pm.DeliveryHooks())

	feedClient := feed.New(feed.Config{
		RSSURL:        appCfg.RSSURL,
		DetailURLBase: appCfg.DetailURLBase,
		LargeScaleURL: appCfg.LargeScaleURL,
		Timeout:       appCfg.FeedTimeout(),
	})

	var maps pipeline.MapRenderer
	if appCfg.MapsEnabled {
		mcfg := mapimage.DefaultConfig()
		mcfg.TileProvider = appCfg.MapTileProvider
		mcfg.Width = appCfg.MapWidth
		mcfg.Height = appCfg.MapHeight
		mcfg.Saturation = appCfg.MapSaturation
		mcfg.UserAgent = fmt.Sprintf("%s/%s", appName, vi.Version)
		renderer, err := mapimage.New(mcfg)
		if err != nil {
			return fmt.Errorf("map renderer: %w", err)
		}
		maps = renderer
	}

	pacing := pipeline.Pacing{
		AfterRegion: time.Duration(appCfg.PauseAfterRegionMS) * time.Millisecond,
		AfterOther:  time.Duration(appCfg.PauseAfterOtherMS) * time.Millisecond,
	}
	formatter := message.New(router)

	hooks := pm.Hooks()
	if appCfg.SlackWebhookURL != "" {
		notifier := slack.New(appCfg.SlackWebhookURL, L)
		recordRun := hooks.OnRunComplete
		hooks.OnRunComplete = func(r *pipeline.RunReport) {
			recordRun(r)
			// runs may end because of shutdown, the notification still goes out
			notifier.RunComplete(context.WithoutCancel(ctx), r)
		}
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	ingestion := pipeline.NewIngestion(pipeline.IngestionDeps{
		Source:    feedClient,
		Store:     ids,
		StoreName: idStoreName,
		Router:    router,
		Formatter: formatter,
		Engine:    engine,
		Maps:      maps,
		Pacing:    pacing,
		Logger:    L,
		Hooks:     hooks,
	})
	largeScale := pipeline.NewLargeScale(pipeline.LargeScaleDeps{
		Source:    feedClient,
		Store:     records,
		StoreName: recordStoreName,
		Regions:   regions,
		Router:    router,
		Formatter: formatter,
		Engine:    engine,
		Maps:      maps,
		Pacing:    pacing,
		Logger:    L,
		Hooks:     hooks,
	})

	sched := scheduler.New(L, scheduler.Hooks{OnSkip: pm.IncSchedulerSkip})
	if err := sched.Add(scheduler.Job{
		Name:     ingestion.Name(),
		Interval: appCfg.Interval(),
		Run:      func(ctx context.Context) { ingestion.Run(ctx) },
	}); err != nil {
		return err
	}
	apiPipelines := []statusapi.Pipeline{ingestion}
	if appCfg.LargeScaleEnabled {
		if err := sched.Add(scheduler.Job{
			Name:     largeScale.Name(),
			Interval: appCfg.Interval(),
			Delay:    appCfg.LargeScaleDelay(),
			Run:      func(ctx context.Context) { largeScale.Run(ctx) },
		}); err != nil {
			return err
		}
		apiPipelines = append(apiPipelines, largeScale)
	}

	// readiness fails during shutdown so monitoring sees the drain
	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 4))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	statusapi.New(L, statusapi.Deps{
		Pipelines: apiPipelines,
		Stores: map[string]statusapi.Sizer{
			idStoreName:     ids,
			recordStoreName: records,
		},
		Trigger: sched,
		Token:   appCfg.APIToken,
	}).RegisterRoutes(r)

	// wrappers, outermost sees the raw request first
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start status api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop status api http listener")
		}
	}()

	sched.Start(ctx)

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")
	shutdownGate.Set("draining")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// per-component budget sliced from the total; stopProf needs no context
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"scheduler", waitScheduler(sched)},
		{"status api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// openBackend builds the configured dedup backend and a func releasing it.
func openBackend(ctx context.Context, c *sc.Config, reg prometheus.Registerer, L log.Logger) (dedup.Backend, func(), error) {
	switch c.DedupBackend {
	case sc.BackendPostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{MaxConns: 4})
		if err != nil {
			return nil, nil, err
		}
		queryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spinwatch_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"store", "operation", "outcome"})
		reg.MustRegister(queryDuration)
		postgres.SetQueryObserver(postgres.QueryObserverFunc(
			func(_ context.Context, store, operation, outcome string, dur time.Duration) {
				queryDuration.WithLabelValues(store, operation, outcome).Observe(dur.Seconds())
			},
		))
		store, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		L.Info(ctx, "using postgres dedup store")
		return store, pool.Close, nil

	case sc.BackendRedis:
		store, err := redisstore.Open(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		L.Info(ctx, "using redis dedup store", "addr", c.RedisAddr)
		return store, func() { _ = store.Close() }, nil

	case sc.BackendMemory:
		L.Warn(ctx, "using in-memory dedup store, state is lost on restart")
		return memstore.New(), func() {}, nil

	default:
		store, err := filestore.New(c.StateDir)
		if err != nil {
			return nil, nil, err
		}
		L.Info(ctx, "using file dedup store", "dir", c.StateDir)
		return store, func() {}, nil
	}
}

// waitScheduler adapts Scheduler.Wait to the shutdown loop. The scheduler
// context is already cancelled at this point, so only in-flight runs remain.
func waitScheduler(s *scheduler.Scheduler) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			s.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("in-flight runs still active: %w", ctx.Err())
		}
	}
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd, no context support for unixgram dial
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
