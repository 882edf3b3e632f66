// Package app assembles the settlement engine from configuration: it opens
// the configured ledger store, builds the quote source and gateway, and
// applies settlement tunables and risk limits. Both binaries share it.
package app

import (
	"context"
	"net/http"

	"github.com/adshao/go-binance/v2"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/hirokisan/bybit/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/config"
	"github.com/fintt/settlement-engine/internal/limits"
	"github.com/fintt/settlement-engine/internal/model"
	"github.com/fintt/settlement-engine/internal/quote"
	"github.com/fintt/settlement-engine/internal/settlement"
	"github.com/fintt/settlement-engine/internal/store"
)

// App holds the assembled engine and the resources it owns.
type App struct {
	Engine  *settlement.Engine
	Store   store.Store
	Gateway *quote.Gateway

	cleanup []func()
}

// Close releases store connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// New builds an App from cfg. Extra engine options (observers) are applied
// after the configured ones.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...settlement.Option) (*App, error) {
	a := &App{}

	st, err := a.openStore(ctx, cfg.Storage, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st

	src, err := NewQuoteSource(cfg.Quote)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Gateway = quote.NewGateway(src,
		quote.WithTimeout(cfg.Quote.Timeout),
		quote.WithStaleness(cfg.Quote.Staleness),
		quote.WithQuoteCurrency(cfg.Quote.QuoteCurrency),
		quote.WithLogger(logger.Named("quote")),
	)

	engineCfg, limiter, err := engineSettings(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	base := []settlement.Option{
		settlement.WithConfig(engineCfg),
		settlement.WithLimiter(limiter),
		settlement.WithLogger(logger.Named("settlement")),
	}
	a.Engine = settlement.New(st, a.Gateway, append(base, opts...)...)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Storage, logger *zap.Logger) (store.Store, error) {
	var st store.Store

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, errors.Wrap(err, "database connection failed")
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, logger.Named("postgres"))
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info("connected to PostgreSQL")
		st = pg
	case "sqlite":
		sq, err := store.OpenSQLiteStore(ctx, cfg.SQLitePath, logger.Named("sqlite"))
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { sq.Close() })
		logger.Info("opened SQLite ledger", zap.String("path", cfg.SQLitePath))
		logger.Warn("SQLite serializes settlements across all accounts; run a single instance")
		st = sq
	default:
		logger.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid redis_url")
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL, logger.Named("cache"))
		logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
	}
	return st, nil
}

// NewQuoteSource builds the configured market-data source.
func NewQuoteSource(cfg config.Quote) (quote.Source, error) {
	switch cfg.Provider {
	case "kraken":
		return quote.NewKrakenSource(cfg.Kraken.BaseURL, &http.Client{Timeout: 2 * cfg.Timeout}), nil
	case "binance":
		client := binance.NewClient(cfg.Binance.APIKey, cfg.Binance.APISecret)
		if cfg.Binance.BaseURL != "" {
			client.BaseURL = cfg.Binance.BaseURL
		}
		return quote.NewBinanceSource(client), nil
	case "bybit":
		client := bybit.NewClient()
		if cfg.Bybit.APIKey != "" {
			client = client.WithAuth(cfg.Bybit.APIKey, cfg.Bybit.APISecret)
		}
		if cfg.Bybit.BaseURL != "" {
			client = client.WithBaseURL(cfg.Bybit.BaseURL)
		}
		return quote.NewBybitSource(client), nil
	case "alpaca":
		client := marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
		})
		return quote.NewAlpacaSource(client), nil
	case "static":
		return staticSource(cfg)
	default:
		return nil, errors.Errorf("unknown quote provider %q", cfg.Provider)
	}
}

func staticSource(cfg config.Quote) (*quote.StaticSource, error) {
	src := quote.NewStaticSource()
	for raw, sq := range cfg.Static {
		sym, err := quote.NormalizeSymbol(raw, cfg.QuoteCurrency)
		if err != nil {
			return nil, errors.Wrapf(err, "quote.static %q", raw)
		}
		q := model.Quote{Symbol: sym, Source: "static"}
		if q.Bid, err = config.OptionalDecimal(sq.Bid); err != nil {
			return nil, errors.Wrapf(err, "quote.static.%s.bid", raw)
		}
		if q.Ask, err = config.OptionalDecimal(sq.Ask); err != nil {
			return nil, errors.Wrapf(err, "quote.static.%s.ask", raw)
		}
		if q.LastTrade, err = config.OptionalDecimal(sq.Last); err != nil {
			return nil, errors.Wrapf(err, "quote.static.%s.last", raw)
		}
		src.Set(q)
	}
	return src, nil
}

func engineSettings(cfg *config.Config) (settlement.Config, *limits.Limiter, error) {
	s := cfg.Settlement
	lot, err := config.OptionalDecimal(s.LotSize)
	if err != nil {
		return settlement.Config{}, nil, errors.Wrap(err, "settlement.lot_size")
	}
	engineCfg := settlement.Config{
		MaxAttempts:       s.MaxAttempts,
		InitialBackoff:    s.InitialBackoff,
		MaxBackoff:        s.MaxBackoff,
		BackoffMultiplier: s.BackoffMultiplier,
		BackoffJitter:     s.BackoffJitter,
		LotSize:           lot,
		PriceScale:        s.PriceScale,
	}

	maxHolding, err := config.OptionalDecimal(cfg.Limits.MaxHolding)
	if err != nil {
		return settlement.Config{}, nil, errors.Wrap(err, "limits.max_holding")
	}
	maxNotional, err := config.OptionalDecimal(cfg.Limits.MaxNotional)
	if err != nil {
		return settlement.Config{}, nil, errors.Wrap(err, "limits.max_notional")
	}
	var limiter *limits.Limiter
	if maxHolding.IsPositive() || maxNotional.IsPositive() {
		limiter = limits.NewLimiter(maxHolding, maxNotional)
	}
	return engineCfg, limiter, nil
}
