package quote

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fintt/settlement-engine/internal/model"
)

// StaticSource serves fixed quotes keyed by canonical symbol. Used for
// development deployments and tests.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
	now    func() time.Time
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{quotes: make(map[string]model.Quote), now: time.Now}
}

func (s *StaticSource) Name() string { return "static" }

// Set stores q under its symbol. A zero FetchedAt means "always fresh":
// every fetch stamps the current time.
func (s *StaticSource) Set(q model.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Symbol] = q
}

func (s *StaticSource) FetchQuote(ctx context.Context, sym Symbol) (model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return model.Quote{}, err
	}
	s.mu.RLock()
	q, ok := s.quotes[sym.String()]
	s.mu.RUnlock()
	if !ok {
		return model.Quote{}, errors.Errorf("no static quote for %s", sym)
	}
	if q.FetchedAt.IsZero() {
		q.FetchedAt = s.now()
	}
	return q, nil
}
