package quote

import (
	"context"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"

	"github.com/fintt/settlement-engine/internal/model"
)

// BinanceSource reads the spot book ticker and last price from Binance.
type BinanceSource struct {
	client *binance.Client
}

// NewBinanceSource wraps an existing client. Public market data needs no
// credentials, so binance.NewClient("", "") is sufficient.
func NewBinanceSource(client *binance.Client) *BinanceSource {
	return &BinanceSource{client: client}
}

func (s *BinanceSource) Name() string { return "binance" }

func (s *BinanceSource) FetchQuote(ctx context.Context, sym Symbol) (model.Quote, error) {
	pair := sym.Concat()

	books, err := s.client.NewListBookTickersService().Symbol(pair).Do(ctx)
	if err != nil {
		return model.Quote{}, errors.Wrap(err, "binance book ticker")
	}
	if len(books) == 0 {
		return model.Quote{}, errors.Errorf("binance returned empty book ticker for %s", pair)
	}

	q := model.Quote{FetchedAt: time.Now(), Source: s.Name()}
	if q.Bid, err = parsePrice("bid", books[0].BidPrice); err != nil {
		return model.Quote{}, err
	}
	if q.Ask, err = parsePrice("ask", books[0].AskPrice); err != nil {
		return model.Quote{}, err
	}

	prices, err := s.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return model.Quote{}, errors.Wrap(err, "binance last price")
	}
	if len(prices) > 0 {
		if q.LastTrade, err = parsePrice("last", prices[0].Price); err != nil {
			return model.Quote{}, err
		}
	}
	return q, nil
}
