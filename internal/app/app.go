// Package app assembles the services shared by mesd and mesctl.
package app

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/api"
	"mes-execution-backend/internal/audit"
	"mes-execution-backend/internal/defect"
	"mes-execution-backend/internal/event"
	"mes-execution-backend/internal/execution"
	"mes-execution-backend/internal/ingest"
	"mes-execution-backend/internal/jobs"
	"mes-execution-backend/internal/loading"
	"mes-execution-backend/internal/mrb"
	"mes-execution-backend/internal/notification"
	"mes-execution-backend/internal/oqc"
	"mes-execution-backend/internal/permission"
	"mes-execution-backend/internal/readiness"
	"mes-execution-backend/internal/route"
	"mes-execution-backend/internal/store"
	"mes-execution-backend/internal/timerule"
)

// NewLogger builds the process logger from cfg. Format "text" selects the
// text handler; anything else is JSON.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// WebPushOptions returns nil when the VAPID key pair is incomplete.
func WebPushOptions(cfg config.PushConfig) *webpush.Options {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil
	}
	return &webpush.Options{
		VAPIDPublicKey:  cfg.PublicKey,
		VAPIDPrivateKey: cfg.PrivateKey,
		Subscriber:      cfg.Subject,
		TTL:             cfg.TTL,
	}
}

// App holds the wired services and the background workers behind them.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Logger   *slog.Logger
	Services api.Services
	Pollers  []*ingest.Poller

	webpush *webpush.Options
	queue   *jobs.Queue
	pool    *notification.WorkerPool
	workers sync.WaitGroup
}

// New wires every service over db. Notifications go to web push when VAPID
// keys are configured and to the log otherwise.
func New(cfg *config.Config, db *gorm.DB, logger *slog.Logger) *App {
	a := &App{Config: cfg, DB: db, Logger: logger, webpush: WebPushOptions(cfg.Push)}

	var notifier notification.Sink = notification.LogSink{Logger: logger.With("component", "notification")}
	if a.webpush != nil {
		a.pool = notification.NewWorkerPool(cfg.WorkerPool.Size, db, a.webpush, logger)
		notifier = a.pool
	}
	a.queue = jobs.NewQueue(cfg.Jobs.Workers, cfg.Jobs.QueueSize, cfg.Jobs.MaxAttempts, logger)

	sink := audit.NewGormSink(db, logger)
	routes := route.NewReader(db, cfg.Server.CacheTTL)
	writer := event.NewWriter(cfg.EventProcessor)
	oracle := permission.NewStaticOracle(cfg.Permissions)

	checks := readiness.NewService(db, routes, oracle, sink, logger)
	defects := defect.NewService(db, sink, logger)
	inspections := oqc.NewService(db, sink, logger)
	sampling := oqc.NewRuleStore(db)
	gate := oqc.NewTrigger(db, sampling, inspections, rand.New(rand.NewSource(time.Now().UnixNano())), logger)
	rules := timerule.NewService(db, sink, logger)
	ingester := ingest.NewService(db, routes, writer, cfg.Ingest, sink, logger)

	a.Services = api.Services{
		Lifecycle: store.NewService(db, routes, checks, sink, logger),
		Execution: execution.NewService(db, routes, writer, defects, gate, a.queue, sink, logger),
		Defects:   defects,
		OQC:       inspections,
		Sampling:  sampling,
		Gate:      gate,
		MRB:       mrb.NewService(db, routes, sink, logger),
		Readiness: checks,
		Loading:   loading.NewService(db, sink, logger),
		TimeRules: rules,
		Sweeper:   timerule.NewSweeper(db, notifier, cfg.TimeRule, logger),
		Events:    event.NewProcessor(db, routes, rules, cfg.EventProcessor, logger),
		Ingest:    ingester,
		Oracle:    oracle,
	}

	for _, src := range cfg.Ingest.Sources {
		if src.Enabled && src.URL != "" {
			a.Pollers = append(a.Pollers, ingest.NewPoller(src, ingester, logger))
		}
	}
	return a
}

// Handler returns the HTTP handler over the wired services.
func (a *App) Handler() *api.Handler {
	return api.NewHandler(a.DB, a.Services, a.webpush, a.Config.Server.OperatorHeader, a.Logger)
}

// Start launches the job queue, the notification pool and every enabled
// background loop. The loops stop when ctx is cancelled; the job queue keeps
// running until Wait drains it.
func (a *App) Start(ctx context.Context) {
	a.queue.Start(ctx)
	if a.pool != nil {
		a.pool.Start(ctx)
	}
	if a.Config.EventProcessor.Enabled {
		a.spawn(func() { a.Services.Events.Run(ctx) })
	}
	if a.Config.TimeRule.Enabled {
		a.spawn(func() { a.Services.Sweeper.Run(ctx) })
	}
	for _, p := range a.Pollers {
		a.spawn(func() { p.Run(ctx) })
	}
}

func (a *App) spawn(fn func()) {
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		fn()
	}()
}

// Wait blocks until the background loops return, then drains the job queue.
func (a *App) Wait() {
	a.workers.Wait()
	a.queue.Stop()
}
