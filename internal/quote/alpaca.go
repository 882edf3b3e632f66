package quote

import (
	"context"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/fintt/settlement-engine/internal/model"
)

// AlpacaSource reads the latest crypto quote and trade from Alpaca market data.
type AlpacaSource struct {
	client *marketdata.Client
}

// NewAlpacaSource wraps an existing market data client.
func NewAlpacaSource(client *marketdata.Client) *AlpacaSource {
	return &AlpacaSource{client: client}
}

func (s *AlpacaSource) Name() string { return "alpaca" }

// FetchQuote keeps Alpaca's own quote timestamp so the gateway's staleness
// check applies to exchange time, not fetch time.
func (s *AlpacaSource) FetchQuote(ctx context.Context, sym Symbol) (model.Quote, error) {
	pair := sym.Base + "/" + sym.Quote

	type result struct {
		q   model.Quote
		err error
	}
	ch := make(chan result, 1)
	go func() {
		cq, err := s.client.GetLatestCryptoQuote(pair, marketdata.GetLatestCryptoQuoteRequest{})
		if err != nil {
			ch <- result{err: errors.Wrap(err, "alpaca latest crypto quote")}
			return
		}
		if cq == nil {
			ch <- result{err: errors.Errorf("alpaca returned no quote for %s", pair)}
			return
		}
		q := model.Quote{
			Bid:       decimal.NewFromFloat(cq.BidPrice),
			Ask:       decimal.NewFromFloat(cq.AskPrice),
			FetchedAt: cq.Timestamp,
			Source:    s.Name(),
		}
		if ct, err := s.client.GetLatestCryptoTrade(pair, marketdata.GetLatestCryptoTradeRequest{}); err == nil && ct != nil {
			q.LastTrade = decimal.NewFromFloat(ct.Price)
		}
		ch <- result{q: q}
	}()

	select {
	case <-ctx.Done():
		return model.Quote{}, ctx.Err()
	case r := <-ch:
		return r.q, r.err
	}
}
