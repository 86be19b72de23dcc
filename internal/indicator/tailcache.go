package indicator

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/quantpulse/tradepulse/internal/models"
)

// ValueReader is the persistence fallback for tail queries from late
// subscribers. Implemented by the repository layer.
type ValueReader interface {
	TailValues(ctx context.Context, variantID, symbol string, n int) ([]models.IndicatorValue, error)
}

// TailCache keeps the last N emitted values per (variant, symbol) so the
// pull API serves late subscribers from memory, falling back to
// persistence only for deeper history. Entries idle past the TTL are
// evicted.
type TailCache struct {
	size int

	mu    sync.RWMutex
	tails *gocache.Cache
}

// NewTailCache creates a tail cache holding size values per key with the
// given idle TTL.
func NewTailCache(size int, ttl time.Duration) *TailCache {
	if size <= 0 {
		size = 512
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TailCache{
		size:  size,
		tails: gocache.New(ttl, 2*ttl),
	}
}

func tailKey(variantID, symbol string) string {
	return variantID + "|" + symbol
}

// Append records an emitted value.
func (tc *TailCache) Append(v models.IndicatorValue) {
	key := tailKey(v.VariantID, v.Symbol)

	tc.mu.Lock()
	defer tc.mu.Unlock()

	var tail []models.IndicatorValue
	if cached, ok := tc.tails.Get(key); ok {
		tail = cached.([]models.IndicatorValue)
	}
	tail = append(tail, v)
	if len(tail) > tc.size {
		tail = append(tail[:0], tail[len(tail)-tc.size:]...)
	}
	tc.tails.SetDefault(key, tail)
}

// Tail returns up to n most recent values, oldest-first.
func (tc *TailCache) Tail(variantID, symbol string, n int) []models.IndicatorValue {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	cached, ok := tc.tails.Get(tailKey(variantID, symbol))
	if !ok {
		return nil
	}
	tail := cached.([]models.IndicatorValue)
	if n > 0 && len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	out := make([]models.IndicatorValue, len(tail))
	copy(out, tail)
	return out
}
