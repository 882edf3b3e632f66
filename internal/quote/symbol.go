package quote

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidSymbol is returned when a symbol cannot be normalized.
var ErrInvalidSymbol = errors.New("quote: invalid symbol")

// Symbol is a canonical trading pair. Its string form is BASE-QUOTE, e.g. BTC-USD.
type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) String() string {
	return s.Base + "-" + s.Quote
}

// Concat returns the pair without separator (BTCUSD), the form most
// exchange REST APIs expect.
func (s Symbol) Concat() string {
	return s.Base + s.Quote
}

// assetAliases folds provider-specific asset codes onto common tickers.
// Kraken prefixes legacy crypto assets with X and fiat with Z.
var assetAliases = map[string]string{
	"XBT":  "BTC",
	"XXBT": "BTC",
	"XDG":  "DOGE",
	"XXDG": "DOGE",
	"XETH": "ETH",
	"XLTC": "LTC",
	"XXRP": "XRP",
	"XXLM": "XLM",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"ZJPY": "JPY",
	"ZCAD": "CAD",
}

// quoteSuffixes are tried longest first when a pair has no separator.
var quoteSuffixes = []string{"USDT", "USDC", "ZUSD", "ZEUR", "USD", "EUR", "GBP", "JPY", "CAD", "BTC", "XBT", "ETH"}

// ParseSymbol normalizes provider naming into a canonical Symbol. Accepted
// forms include BTC-USD, btc/usd, BTC_USD, BTCUSD, XBTUSD, XXBTZUSD and a bare
// base asset (BTC), which is paired with defaultQuote.
func ParseSymbol(raw, defaultQuote string) (Symbol, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return Symbol{}, errors.Wrap(ErrInvalidSymbol, "empty symbol")
	}

	var base, quote string
	if i := strings.IndexAny(s, "-/_:"); i >= 0 {
		base, quote = s[:i], s[i+1:]
	} else if isKrakenLegacyPair(s) {
		base, quote = s[:4], s[4:]
	} else {
		base = s
		for _, suffix := range quoteSuffixes {
			if len(s) > len(suffix) && strings.HasSuffix(s, suffix) {
				base, quote = s[:len(s)-len(suffix)], suffix
				break
			}
		}
		if quote == "" {
			quote = strings.ToUpper(defaultQuote)
		}
	}

	sym := Symbol{Base: canonicalAsset(base), Quote: canonicalAsset(quote)}
	if !validAsset(sym.Base) || !validAsset(sym.Quote) {
		return Symbol{}, errors.Wrapf(ErrInvalidSymbol, "%q", raw)
	}
	if sym.Base == sym.Quote {
		return Symbol{}, errors.Wrapf(ErrInvalidSymbol, "%q: base equals quote", raw)
	}
	return sym, nil
}

// NormalizeSymbol is ParseSymbol returning the canonical string form.
func NormalizeSymbol(raw, defaultQuote string) (string, error) {
	sym, err := ParseSymbol(raw, defaultQuote)
	if err != nil {
		return "", err
	}
	return sym.String(), nil
}

// isKrakenLegacyPair matches eight-letter pairs like XXBTZUSD or XETHXXBT.
func isKrakenLegacyPair(s string) bool {
	if len(s) != 8 || s[0] != 'X' {
		return false
	}
	return s[4] == 'X' || s[4] == 'Z'
}

func canonicalAsset(a string) string {
	if alias, ok := assetAliases[a]; ok {
		return alias
	}
	return a
}

func validAsset(a string) bool {
	if len(a) < 2 || len(a) > 12 {
		return false
	}
	for _, r := range a {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
