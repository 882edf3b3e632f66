package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/model"
)

var _ Store = (*CachedStore)(nil)

// generationTTL keeps generation counters far longer than any read can take
// between sampling a generation and filling the cache.
const generationTTL = 24 * time.Hour

// fillScript sets KEYS[1] only while the generation at KEYS[2] still equals
// the one the reader sampled before its primary read. A missing generation
// compares as the empty string.
const fillScript = `
local gen = redis.call('GET', KEYS[2]) or ''
if gen == ARGV[2] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
	return 1
end
return 0
`

// CachedStore wraps a primary Store with a Redis read-through cache for
// wallet and holding point reads. Transactions always run on the primary.
//
// Every cached key has a generation counter. A commit bumps the generations
// of the keys it touched and then deletes them; a reader samples the
// generation before reading the primary and fills the cache only if it has
// not moved, so a read that raced a commit can never write the pre-commit
// value back. Redis failures degrade to primary reads and never fail a
// request; a failed invalidation leaves stale entries for at most the TTL.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger,
	}
}

// Primary returns the wrapped store.
func (s *CachedStore) Primary() Store { return s.primary }

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithTransaction(ctx context.Context, accountID, symbol string, fn TxFunc) error {
	if err := s.primary.WithTransaction(ctx, accountID, symbol, fn); err != nil {
		return err
	}

	keys := []string{walletKey(accountID)}
	if symbol != "" {
		keys = append(keys, holdingKeyFor(accountID, symbol))
	}
	// The commit happened; the caller going away must not skip invalidation.
	s.invalidate(context.WithoutCancel(ctx), keys)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	for _, k := range keys {
		gen := generationKey(k)
		if err := s.rdb.Incr(ctx, gen).Err(); err != nil {
			s.logger.Warn("cache generation bump failed", zap.String("key", gen), zap.Error(err))
			continue
		}
		if err := s.rdb.Expire(ctx, gen, generationTTL).Err(); err != nil {
			s.logger.Debug("cache generation expire failed", zap.String("key", gen), zap.Error(err))
		}
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, accountID string) (model.Wallet, error) {
	key := walletKey(accountID)
	var w model.Wallet
	if s.readCache(ctx, key, &w) {
		return w, nil
	}

	gen, ok := s.generation(ctx, key)
	w, err := s.primary.GetWallet(ctx, accountID)
	if err != nil {
		return model.Wallet{}, err
	}
	if ok {
		s.fillCache(ctx, key, gen, w)
	}
	return w, nil
}

func (s *CachedStore) GetHolding(ctx context.Context, accountID, symbol string) (model.Holding, error) {
	key := holdingKeyFor(accountID, symbol)
	var h model.Holding
	if s.readCache(ctx, key, &h) {
		return h, nil
	}

	gen, ok := s.generation(ctx, key)
	h, err := s.primary.GetHolding(ctx, accountID, symbol)
	if err != nil {
		return model.Holding{}, err
	}
	if ok {
		s.fillCache(ctx, key, gen, h)
	}
	return h, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, accountID)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, accountID)
}

// Ping checks the primary only. An unreachable Redis is logged and reads
// carry on against the primary.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return err
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.logger.Warn("redis unreachable, serving reads from primary", zap.Error(err))
	}
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) readCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Debug("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// generation samples the generation of key. ok is false when Redis could not
// answer, in which case the reader must not fill the cache.
func (s *CachedStore) generation(ctx context.Context, key string) (string, bool) {
	gen, err := s.rdb.Get(ctx, generationKey(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", true
	case err != nil:
		s.logger.Debug("cache generation read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return gen, true
}

func (s *CachedStore) fillCache(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = s.rdb.Eval(ctx, fillScript, []string{key, generationKey(key)}, string(data), gen, s.ttl.Milliseconds()).Err()
	if err != nil {
		s.logger.Debug("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func walletKey(accountID string) string          { return fmt.Sprintf("wallet:%s", accountID) }
func holdingKeyFor(accountID, sym string) string { return fmt.Sprintf("holding:%s:%s", accountID, sym) }
func generationKey(key string) string            { return "gen:" + key }
