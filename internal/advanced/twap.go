package advanced

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
)

// twapInterval считает паузу между слайсами. Явный interval_seconds
// имеет приоритет над duration_minutes/slices.
func twapInterval(p domain.AdvancedParams) time.Duration {
	if p.IntervalSeconds > 0 {
		return time.Duration(p.IntervalSeconds) * time.Second
	}
	return time.Duration(p.DurationMinutes) * time.Minute / time.Duration(p.Slices)
}

// withJitter размазывает интервал на ±20%, чтобы слайсы не были
// предсказуемы для наблюдателей стакана
func withJitter(interval time.Duration, enabled bool) time.Duration {
	if !enabled {
		return interval
	}
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(interval) * f)
}

// runTWAP режет ордер на равные слайсы по времени. Количество уже
// исполненных слайсов восстанавливается из журнала, поэтому рестарт
// продолжает расписание, а не начинает его заново.
func (e *Engine) runTWAP(ctx context.Context, o domain.AdvancedOrder, stop chan struct{}) {
	interval := twapInterval(o.Params)

	for {
		done := len(o.ExecutionLog)
		if done >= o.Params.Slices || o.Remaining() <= 0 {
			e.complete(&o)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(withJitter(interval, o.Params.Jitter)):
		}

		if !e.statusStillActive(o.ID) {
			return
		}
		if e.killSwitch != nil && e.killSwitch.IsActive() {
			e.recordError(&o, domain.ErrKillSwitchActive)
			continue
		}

		// размер слайса пересчитывается от остатка: недоборы предыдущих
		// слайсов распределяются по оставшимся, последний добирает хвост
		remainingSlices := o.Params.Slices - done
		sliceSize := o.Remaining() / float64(remainingSlices)
		if remainingSlices == 1 {
			sliceSize = o.Remaining()
		}

		if err := e.placeMarketSlice(ctx, &o, sliceSize, fmt.Sprintf("twap slice %d/%d", done+1, o.Params.Slices)); err != nil {
			e.recordError(&o, err)
		}
	}
}

// placeMarketSlice исполняет один слайс агрессивным IOC-лимитом от марк-цены
func (e *Engine) placeMarketSlice(ctx context.Context, o *domain.AdvancedOrder, size float64, note string) error {
	r, err := e.rounderFor(ctx, o.Symbol)
	if err != nil {
		return err
	}
	t, err := e.ticker(ctx, o.Symbol)
	if err != nil {
		return err
	}

	isBuy := o.Side == domain.SideLong
	rounded := r.SizeFloat(size)
	if rounded <= 0 {
		// хвост меньше шага размера: добить нечем, считаем исполненным
		e.recordSlice(o, 0, 0, 0, note+" (dust)")
		return nil
	}

	res, err := e.exchange.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:   o.Symbol,
		IsBuy:    isBuy,
		Price:    r.PriceString(marketCross(t.Price, isBuy)),
		Size:     r.SizeString(size),
		TIF:      "Ioc",
		IsMarket: true,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", domain.ErrExchangeAPI, res.Error)
	}

	filled := res.FilledSz
	if filled <= 0 {
		filled = rounded
	}
	price := res.AvgPrice
	if price <= 0 {
		price = t.Price
	}
	e.recordSlice(o, filled, price, res.OrderID, note)
	return nil
}

// marketCross цена IOC-лимита, гарантированно пересекающая спред
func marketCross(mark float64, isBuy bool) float64 {
	if isBuy {
		return mark * 1.05
	}
	return mark * 0.95
}
