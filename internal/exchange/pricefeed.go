package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// PriceSource источник цен
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceFeed отдаёт цену с failover: REST биржи, затем последний тик
// из WebSocket-потока, затем собственный кеш. Протухший кеш не используется —
// потребители обязаны fail closed при ошибке.
type PriceFeed struct {
	primary PriceSource
	stream  *Stream
	logger  *utils.Logger

	mu       sync.Mutex
	cache    map[string]cachedPrice
	maxStale time.Duration
}

type cachedPrice struct {
	price float64
	at    time.Time
}

func NewPriceFeed(primary PriceSource, stream *Stream, logger *utils.Logger) *PriceFeed {
	return &PriceFeed{
		primary:  primary,
		stream:   stream,
		logger:   logger.WithPrefix("pricefeed"),
		cache:    make(map[string]cachedPrice),
		maxStale: 2 * time.Minute,
	}
}

// GetPrice получает цену символа с failover
func (pf *PriceFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := pf.primary.GetPrice(ctx, symbol)
	if err == nil && price > 0 {
		pf.store(symbol, price)
		return price, nil
	}

	if pf.stream != nil {
		if wsPrice, at, ok := pf.stream.LastPrice(symbol); ok && time.Since(at) < pf.maxStale {
			pf.logger.Warn("REST price unavailable for %s, using stream tick", symbol)
			pf.store(symbol, wsPrice)
			return wsPrice, nil
		}
	}

	pf.mu.Lock()
	cached, ok := pf.cache[symbol]
	pf.mu.Unlock()
	if ok && time.Since(cached.at) < pf.maxStale {
		pf.logger.Warn("using cached price for %s (age %v)", symbol, time.Since(cached.at))
		return cached.price, nil
	}

	return 0, domain.ErrMarketDataUnavailable
}

func (pf *PriceFeed) store(symbol string, price float64) {
	pf.mu.Lock()
	pf.cache[symbol] = cachedPrice{price: price, at: time.Now()}
	pf.mu.Unlock()
}
