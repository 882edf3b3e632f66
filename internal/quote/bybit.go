package quote

import (
	"context"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"

	"github.com/fintt/settlement-engine/internal/model"
)

// BybitSource reads V5 spot tickers from Bybit.
type BybitSource struct {
	client *bybit.Client
}

// NewBybitSource wraps an existing client.
func NewBybitSource(client *bybit.Client) *BybitSource {
	return &BybitSource{client: client}
}

func (s *BybitSource) Name() string { return "bybit" }

// FetchQuote runs the SDK call on its own goroutine because the client has
// no context support; ctx still bounds how long we wait for it.
func (s *BybitSource) FetchQuote(ctx context.Context, sym Symbol) (model.Quote, error) {
	symbol := bybit.SymbolV5(sym.Concat())

	type result struct {
		resp *bybit.V5GetTickersResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := s.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
			Category: bybit.CategoryV5Spot,
			Symbol:   &symbol,
		})
		ch <- result{resp, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return model.Quote{}, ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return model.Quote{}, errors.Wrap(r.err, "bybit tickers")
	}
	if r.resp.Result.Spot == nil || len(r.resp.Result.Spot.List) == 0 {
		return model.Quote{}, errors.Errorf("bybit returned empty tickers for %s", symbol)
	}

	item := r.resp.Result.Spot.List[0]
	q := model.Quote{FetchedAt: time.Now(), Source: s.Name()}
	var err error
	if q.Bid, err = parsePrice("bid", item.Bid1Price); err != nil {
		return model.Quote{}, err
	}
	if q.Ask, err = parsePrice("ask", item.Ask1Price); err != nil {
		return model.Quote{}, err
	}
	if q.LastTrade, err = parsePrice("last", item.LastPrice); err != nil {
		return model.Quote{}, err
	}
	return q, nil
}
