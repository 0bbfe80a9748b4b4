package advanced

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
)

const defaultTrailingPollSeconds = 10

// runTrailingTP сопровождает позицию high-water mark'ом и закрывает её,
// когда цена откатывается на trail_distance от лучшего достигнутого уровня.
// Сопровождение активируется только после min_profit благоприятного хода.
// HWM персистится с ордером, поэтому рестарт не теряет достигнутый уровень.
func (e *Engine) runTrailingTP(ctx context.Context, o domain.AdvancedOrder, stop chan struct{}) {
	poll := time.Duration(o.Params.PollSeconds) * time.Second
	if poll <= 0 {
		poll = defaultTrailingPollSeconds * time.Second
	}
	long := o.Side == domain.SideLong

	for {
		if !sleep(ctx, stop, poll) {
			return
		}
		if !e.statusStillActive(o.ID) {
			return
		}

		pos, err := e.findPosition(ctx, o.Symbol)
		if err != nil {
			e.recordError(&o, err)
			continue
		}
		if pos == nil {
			// позиция закрыта другим путём, сопровождать нечего
			e.logger.Info("trailing %s: position %s gone, completing", o.ID, o.Symbol)
			e.complete(&o)
			return
		}

		mark := pos.MarkPrice
		if mark <= 0 {
			e.recordError(&o, domain.ErrMarketDataUnavailable)
			continue
		}

		// обновляем high-water mark в благоприятную сторону
		if o.Params.HighWaterMark == 0 ||
			(long && mark > o.Params.HighWaterMark) ||
			(!long && mark < o.Params.HighWaterMark) {
			o.Params.HighWaterMark = mark
			o.UpdatedAt = time.Now()
			if err := e.store.UpdateAdvancedOrder(&o); err != nil {
				e.logger.Error("failed to persist hwm for %s: %v", o.ID, err)
			}
		}

		// сопровождение не активно, пока лучший достигнутый ход от входа
		// меньше min_profit
		if o.Params.MinProfit > 0 &&
			favorableMove(pos.EntryPrice, o.Params.HighWaterMark, long) < o.Params.MinProfit {
			continue
		}

		triggered := false
		if long {
			triggered = mark <= o.Params.HighWaterMark-o.Params.TrailDistance
		} else {
			triggered = mark >= o.Params.HighWaterMark+o.Params.TrailDistance
		}
		if !triggered {
			continue
		}

		if e.killSwitch != nil && e.killSwitch.IsActive() {
			e.recordError(&o, domain.ErrKillSwitchActive)
			continue
		}
		e.closeTrailing(ctx, &o, pos, mark)
		return
	}
}

// closeTrailing закрывает сопровождаемый размер reduce-only маркетом
func (e *Engine) closeTrailing(ctx context.Context, o *domain.AdvancedOrder, pos *domain.Position, mark float64) {
	r, err := e.rounderFor(ctx, o.Symbol)
	if err != nil {
		e.recordError(o, err)
		return
	}

	// закрываем не больше живой позиции
	size := r.SizeFloat(minFloat(o.Remaining(), absFloat(pos.Size)))
	if size <= 0 {
		e.complete(o)
		return
	}
	isBuy := pos.Size < 0 // закрытие противоположно стороне позиции

	res, err := e.exchange.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:     o.Symbol,
		IsBuy:      isBuy,
		Price:      r.PriceString(marketCross(mark, isBuy)),
		Size:       r.SizeString(size),
		ReduceOnly: true,
		TIF:        "Ioc",
		IsMarket:   true,
	})
	if err != nil {
		e.recordError(o, err)
		return
	}
	if !res.Success {
		e.recordError(o, fmt.Errorf("%w: %s", domain.ErrExchangeAPI, res.Error))
		return
	}

	price := res.AvgPrice
	if price <= 0 {
		price = mark
	}
	e.recordSlice(o, size, price, res.OrderID,
		fmt.Sprintf("trailing tp fired: hwm %.6g, mark %.6g", o.Params.HighWaterMark, mark))
	e.complete(o)
}

// findPosition ищет открытую позицию по символу, nil если её нет
func (e *Engine) findPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	positions, err := e.exchange.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Size != 0 {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func favorableMove(entry, hwm float64, long bool) float64 {
	if long {
		return hwm - entry
	}
	return entry - hwm
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
