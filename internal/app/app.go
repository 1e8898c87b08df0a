package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fuel-price-alerts/internal/api"
	"fuel-price-alerts/internal/config"
	"fuel-price-alerts/internal/fetcher"
	"fuel-price-alerts/internal/notify"
	"fuel-price-alerts/internal/scheduler"
	"fuel-price-alerts/internal/service"
	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// backend is the persistence surface a service needs. Locker is nil for the in-memory fallback.
type backend interface {
	storage.TickStore
	storage.AlertLog
	storage.SubscriptionStore
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, storage.WithSubscriptionLimit(a.Config.Alerting.MaxSubscriptions))
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openBackend prefers PostgreSQL and falls back to process memory when no DSN is set.
func (a *App) openBackend(ctx context.Context) (backend, storage.AdvisoryLocker, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory storage")
		return a.newMemoryStore(), nil, func() {}, nil
	}
	return store, store, closeStore, nil
}

func (a *App) newMemoryStore() *storage.MemoryStore {
	return storage.NewMemoryStore(storage.WithSubscriptionLimit(a.Config.Alerting.MaxSubscriptions))
}

func (a *App) feedLocation() (*time.Location, error) {
	if a.Config.Feed.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Config.Feed.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load feed.timezone: %w", err)
	}
	return loc, nil
}

// newFeed returns nil when the upstream feed is disabled.
func (a *App) newFeed() (fetcher.Feed, error) {
	cfg := a.Config.Feed
	if !cfg.Enabled {
		return nil, nil
	}
	loc, err := a.feedLocation()
	if err != nil {
		return nil, err
	}
	return fetcher.NewNSW(fetcher.NSWOptions{
		TokenURL:          cfg.TokenURL,
		PricesURL:         cfg.PricesURL,
		States:            cfg.States,
		APIKey:            cfg.APIKey,
		BasicAuth:         cfg.BasicAuth,
		Location:          loc,
		Timeout:           cfg.RequestTimeout,
		RequestsPerMinute: cfg.RequestsPerMinute,
		UserAgent:         cfg.UserAgent,
	}, a.Logger)
}

func (a *App) newCalculator() *trend.Calculator {
	cfg := a.Config.Trend
	return trend.NewCalculator(trend.NewPolicy(cfg.Window, cfg.Threshold, cfg.AverageFloor))
}

func (a *App) newRenderer() *notify.Renderer {
	cfg := a.Config.Alerting
	return notify.NewRenderer(notify.RendererOptions{
		Subject:      cfg.Subject,
		PriceUnit:    cfg.PriceUnit,
		Window:       a.Config.Trend.Window,
		ChartWidth:   cfg.ChartWidth,
		ChartHeight:  cfg.ChartHeight,
		DisableChart: cfg.DisableChartImage,
	}, a.Logger)
}

func (a *App) newChannel() (notify.Channel, error) {
	if a.Config.Dispatch.Channel != "smtp" {
		return notify.NewLogChannel(a.Logger), nil
	}
	cfg := a.Config.Mail
	return notify.NewSMTPChannel(notify.SMTPOptions{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		TLS:      cfg.TLS,
	}, a.Logger)
}

// newQuota shares the daily counter through Redis when configured. A zero limit disables it.
func (a *App) newQuota(ctx context.Context) (notify.Quota, func(), error) {
	limit := a.Config.Dispatch.DailyLimit
	if limit <= 0 {
		return nil, func() {}, nil
	}
	if a.Config.Redis.URL == "" {
		return notify.NewMemoryQuota(limit), func() {}, nil
	}

	opts, err := redis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis.url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	closer := func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return notify.NewRedisQuota(client, a.Config.Redis.KeyPrefix, limit), closer, nil
}

func (a *App) newDispatcher(channel notify.Channel, quota notify.Quota) *notify.Dispatcher {
	cfg := a.Config.Dispatch
	return notify.NewDispatcher(channel, notify.DispatcherOptions{
		BatchSize:     cfg.BatchSize,
		BatchInterval: cfg.BatchInterval,
		SendTimeout:   cfg.SendTimeout,
		Quota:         quota,
	}, a.Logger)
}

// newOperator returns nil when no operator route is configured.
func (a *App) newOperator(channel notify.Channel) notify.OperatorNotifier {
	var ops notify.Operators
	if tg := a.Config.Operator.Telegram; tg.Enabled {
		ops = append(ops, notify.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Operator.Email != "" && channel != nil {
		ops = append(ops, notify.NewMailOperator(channel, a.Config.Operator.Email))
	}
	if len(ops) == 0 {
		return nil
	}
	return ops
}

// Run executes the long-running evaluation service and, when enabled, the HTTP listener.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, locker, closeStore, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	feed, err := a.newFeed()
	if err != nil {
		return err
	}
	if feed == nil {
		a.Logger.Warn().Msg("feed disabled; cycles evaluate stored ticks only")
	}

	channel, err := a.newChannel()
	if err != nil {
		return err
	}
	quota, closeQuota, err := a.newQuota(ctx)
	if err != nil {
		return err
	}
	defer closeQuota()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToBucket:  a.Config.Scheduler.AlignToBucket,
		RunImmediately: a.Config.Scheduler.RunImmediately,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(service.Deps{
		Scheduler:  sched,
		Feed:       feed,
		Ticks:      store,
		Alerts:     store,
		Subs:       store,
		Locker:     locker,
		Calculator: a.newCalculator(),
		Renderer:   a.newRenderer(),
		Dispatcher: a.newDispatcher(channel, quota),
		Operator:   a.newOperator(channel),
	}, service.Options{
		Cooldown:      a.Config.Alerting.Cooldown,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
		AlertsEnabled: a.Config.Alerting.Enabled,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting evaluation service")
		return svc.Run(gctx)
	})

	if a.Config.HTTP.Enabled {
		router := api.NewRouter(api.Deps{
			Subs:   store,
			Alerts: store,
			Trends: svc,
		}, api.Options{
			UserIDHeader: a.Config.HTTP.UserIDHeader,
			EmailHeader:  a.Config.HTTP.EmailHeader,
			CORSOrigins:  a.Config.HTTP.CORSOrigins,
		}, a.Logger)
		server := api.NewServer(a.Config.HTTP.Addr, router, a.Config.HTTP.ReadTimeout, a.Logger)
		g.Go(func() error {
			return server.Run(gctx, a.Config.HTTP.ShutdownTimeout)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("evaluation service stopped")
	return nil
}

// EvaluateOptions configure a one-shot evaluation.
type EvaluateOptions struct {
	At     time.Time
	Fetch  bool
	DryRun bool
}

// ReplayOptions configure a historical replay.
type ReplayOptions struct {
	From     time.Time
	To       time.Time
	Step     time.Duration
	FeedFile string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	At             time.Time
	Station        string
	CandidatesOnly bool
	Limit          int
}

// ExportOptions hold parameters for exporting one series.
type ExportOptions struct {
	Pair      storage.PairKey
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// SubscribeOptions replace one user's subscriptions.
type SubscribeOptions struct {
	UserID string
	Email  string
	Pairs  []storage.PairKey
}

// SimulateOptions describe a synthetic alert.
type SimulateOptions struct {
	To          string
	StationCode string
	StationName string
	FuelType    string
	Price       float64
	Average     float64
}
