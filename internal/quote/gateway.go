// Package quote is the Quote Gateway: it fetches a current bid/ask/last-trade
// price for a symbol from an external market-data source, normalizes symbol
// naming, and refuses to hand out quotes that are late, stale or malformed.
//
// The gateway has no side effects beyond the outbound request and never
// retries; a failed quote aborts the settlement attempt before any mutation.
package quote

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/model"
)

var (
	// ErrUnavailable is returned when the source fails, times out, or
	// returns an unusable quote.
	ErrUnavailable = errors.New("quote: unavailable")

	// ErrStale is returned when the quote is older than the staleness threshold.
	ErrStale = errors.New("quote: stale")
)

// Source is a provider adapter. Implementations receive a canonical symbol
// and translate it into their own pair naming.
type Source interface {
	Name() string
	FetchQuote(ctx context.Context, sym Symbol) (model.Quote, error)
}

const (
	DefaultTimeout       = 3 * time.Second
	DefaultStaleness     = 5 * time.Second
	DefaultClockSkew     = time.Second
	DefaultQuoteCurrency = "USD"
)

// Gateway wraps a Source with normalization, timeout and validation.
type Gateway struct {
	source        Source
	timeout       time.Duration
	staleness     time.Duration
	clockSkew     time.Duration
	quoteCurrency string
	now           func() time.Time
	logger        *zap.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithTimeout bounds each outbound quote request.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// WithStaleness sets the maximum quote age accepted.
func WithStaleness(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.staleness = d }
}

// WithClockSkew sets how far ahead of the local clock a quote timestamp may
// be before the quote is refused.
func WithClockSkew(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.clockSkew = d }
}

// WithQuoteCurrency sets the currency paired with bare base assets.
func WithQuoteCurrency(c string) GatewayOption {
	return func(g *Gateway) { g.quoteCurrency = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithLogger sets the gateway logger.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway over src.
func NewGateway(src Source, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		source:        src,
		timeout:       DefaultTimeout,
		staleness:     DefaultStaleness,
		clockSkew:     DefaultClockSkew,
		quoteCurrency: DefaultQuoteCurrency,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Normalize returns the canonical form of raw.
func (g *Gateway) Normalize(raw string) (string, error) {
	return NormalizeSymbol(raw, g.quoteCurrency)
}

// GetQuote fetches a fresh quote for raw. It fails with ErrInvalidSymbol for
// unparseable symbols, ErrStale for quotes older than the staleness
// threshold, and ErrUnavailable for everything else, including quotes stamped
// further in the future than the allowed clock skew.
func (g *Gateway) GetQuote(ctx context.Context, raw string) (model.Quote, error) {
	sym, err := ParseSymbol(raw, g.quoteCurrency)
	if err != nil {
		return model.Quote{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := g.now()
	q, err := g.source.FetchQuote(ctx, sym)
	if err != nil {
		g.logger.Debug("quote fetch failed",
			zap.String("source", g.source.Name()),
			zap.String("symbol", sym.String()),
			zap.Duration("elapsed", g.now().Sub(start)),
			zap.Error(err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.Quote{}, errors.Wrapf(ErrUnavailable, "%s %s: %v", g.source.Name(), sym, ctxErr)
		}
		return model.Quote{}, errors.Wrapf(ErrUnavailable, "%s %s: %v", g.source.Name(), sym, err)
	}

	q.Symbol = sym.String()
	if q.Source == "" {
		q.Source = g.source.Name()
	}
	if q.FetchedAt.IsZero() {
		q.FetchedAt = g.now()
	}

	if err := validateQuote(q); err != nil {
		return model.Quote{}, err
	}
	now := g.now()
	if ahead := q.FetchedAt.Sub(now); ahead > 0 {
		if ahead > g.clockSkew {
			return model.Quote{}, errors.Wrapf(ErrUnavailable, "%s quote is stamped %s in the future (max skew %s)", q.Symbol, ahead.Round(time.Millisecond), g.clockSkew)
		}
		q.FetchedAt = now
	}
	if age := q.Age(now); age > g.staleness {
		return model.Quote{}, errors.Wrapf(ErrStale, "%s quote is %s old (max %s)", q.Symbol, age.Round(time.Millisecond), g.staleness)
	}
	return q, nil
}

func validateQuote(q model.Quote) error {
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return errors.Wrapf(ErrUnavailable, "%s: non-positive bid %s / ask %s", q.Symbol, q.Bid, q.Ask)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return errors.Wrapf(ErrUnavailable, "%s: crossed book bid %s > ask %s", q.Symbol, q.Bid, q.Ask)
	}
	if q.LastTrade.IsNegative() {
		return errors.Wrapf(ErrUnavailable, "%s: negative last trade %s", q.Symbol, q.LastTrade)
	}
	return nil
}

// parsePrice parses a provider price string.
func parsePrice(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %s %q", field, v)
	}
	return d, nil
}
