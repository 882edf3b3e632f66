package quote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fintt/settlement-engine/internal/model"
)

// DefaultKrakenURL is the public Kraken REST endpoint.
const DefaultKrakenURL = "https://api.kraken.com"

// krakenAssets maps canonical assets back to Kraken's own codes.
var krakenAssets = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// KrakenSource reads the public Kraken Ticker endpoint. There is no Go SDK
// for it in our stack; it is one unauthenticated GET.
type KrakenSource struct {
	baseURL string
	client  *http.Client
}

// NewKrakenSource creates a source rooted at baseURL (DefaultKrakenURL when empty).
func NewKrakenSource(baseURL string, client *http.Client) *KrakenSource {
	if baseURL == "" {
		baseURL = DefaultKrakenURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KrakenSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *KrakenSource) Name() string { return "kraken" }

// krakenPair renders sym in Kraken request form, e.g. XBTUSD.
func krakenPair(sym Symbol) string {
	base, quote := sym.Base, sym.Quote
	if a, ok := krakenAssets[base]; ok {
		base = a
	}
	if a, ok := krakenAssets[quote]; ok {
		quote = a
	}
	return base + quote
}

type krakenTickerResponse struct {
	Error  []string                `json:"error"`
	Result map[string]krakenTicker `json:"result"`
}

// krakenTicker fields are arrays whose first element is the price.
type krakenTicker struct {
	Ask  []string `json:"a"`
	Bid  []string `json:"b"`
	Last []string `json:"c"`
}

func (s *KrakenSource) FetchQuote(ctx context.Context, sym Symbol) (model.Quote, error) {
	u := s.baseURL + "/0/public/Ticker?" + url.Values{"pair": {krakenPair(sym)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.Quote{}, errors.Wrap(err, "build kraken request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return model.Quote{}, errors.Wrap(err, "kraken ticker")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Quote{}, errors.Errorf("kraken ticker: status %d", resp.StatusCode)
	}

	var body krakenTickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Quote{}, errors.Wrap(err, "decode kraken ticker")
	}
	if len(body.Error) > 0 {
		return model.Quote{}, errors.Errorf("kraken ticker: %s", strings.Join(body.Error, "; "))
	}

	// The result is keyed by Kraken's own pair name (XXBTZUSD for XBTUSD),
	// and a single-pair request yields exactly one entry.
	for _, t := range body.Result {
		if len(t.Ask) == 0 || len(t.Bid) == 0 {
			return model.Quote{}, errors.New("kraken ticker: missing bid/ask")
		}
		q := model.Quote{FetchedAt: time.Now(), Source: s.Name()}
		if q.Ask, err = parsePrice("ask", t.Ask[0]); err != nil {
			return model.Quote{}, err
		}
		if q.Bid, err = parsePrice("bid", t.Bid[0]); err != nil {
			return model.Quote{}, err
		}
		if len(t.Last) > 0 {
			if q.LastTrade, err = parsePrice("last", t.Last[0]); err != nil {
				return model.Quote{}, err
			}
		}
		return q, nil
	}
	return model.Quote{}, errors.Errorf("kraken ticker: no result for %s", sym)
}
