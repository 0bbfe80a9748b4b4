package advanced

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
)

const scaledPollInterval = 15 * time.Second

// runScaled раскладывает лесенку из levels лимиток, равномерно между
// price_low и price_high, и поллингом сводит исполнение: executed
// считается как total минус суммарный остаток стоящих уровней
func (e *Engine) runScaled(ctx context.Context, o domain.AdvancedOrder, stop chan struct{}) {
	r, err := e.rounderFor(ctx, o.Symbol)
	if err != nil {
		e.recordError(&o, err)
		return
	}

	if len(o.ChildOrderIDs) == 0 {
		if e.killSwitch != nil && e.killSwitch.IsActive() {
			e.recordError(&o, domain.ErrKillSwitchActive)
			return
		}

		levels := o.Params.Levels
		step := 0.0
		if levels > 1 {
			step = (o.Params.PriceHigh - o.Params.PriceLow) / float64(levels-1)
		}

		per := r.SizeFloat(o.TotalSize / float64(levels))
		var placed float64
		for i := 0; i < levels; i++ {
			size := per
			if i == levels-1 {
				// последний уровень добирает остаток усечений
				size = r.SizeFloat(o.TotalSize - placed)
			}
			if size <= 0 {
				continue
			}
			res, err := e.exchange.PlaceOrder(ctx, exchange.PlaceOrderParams{
				Symbol: o.Symbol,
				IsBuy:  o.Side == domain.SideLong,
				Price:  r.PriceString(o.Params.PriceLow + step*float64(i)),
				Size:   r.SizeString(size),
				TIF:    "Gtc",
			})
			if err != nil {
				e.recordError(&o, err)
				continue
			}
			if !res.Success {
				e.recordError(&o, fmt.Errorf("%w: level %d: %s", domain.ErrExchangeAPI, i+1, res.Error))
				continue
			}
			placed += size
			if res.Filled {
				e.recordSlice(&o, size, res.AvgPrice, res.OrderID, fmt.Sprintf("scaled level %d filled on placement", i+1))
				continue
			}
			o.ChildOrderIDs = append(o.ChildOrderIDs, res.OrderID)
		}
		o.UpdatedAt = time.Now()
		if err := e.store.UpdateAdvancedOrder(&o); err != nil {
			e.logger.Error("failed to persist scaled ladder for %s: %v", o.ID, err)
		}
		e.logger.Info("scaled %s: %d levels resting between %.6g and %.6g",
			o.ID, len(o.ChildOrderIDs), o.Params.PriceLow, o.Params.PriceHigh)
	}

	// остатки по уровням с прошлого полла, для дельты исполнения
	resting := make(map[int64]float64, len(o.ChildOrderIDs))

	for {
		if !sleep(ctx, stop, scaledPollInterval) {
			return
		}
		if !e.statusStillActive(o.ID) {
			return
		}

		open, err := e.exchange.GetOpenOrders(ctx)
		if err != nil {
			e.recordError(&o, err)
			continue
		}

		anyResting := false
		for _, oid := range o.ChildOrderIDs {
			still, left := findOrder(open, oid)
			prev, seen := resting[oid]
			switch {
			case still:
				anyResting = true
				if seen && left < prev {
					e.recordSlice(&o, prev-left, priceOf(open, oid), 0, "scaled level partial fill")
				}
				resting[oid] = left
			case seen && prev > 0:
				e.recordSlice(&o, prev, 0, 0, fmt.Sprintf("scaled level %d filled", oid))
				resting[oid] = 0
			}
		}

		if !anyResting {
			// все уровни сведены; недоучтённое исполнение, включая филлы
			// во время даунтайма процесса, гасим одним остаточным слайсом
			if o.Remaining() > 0 {
				e.recordSlice(&o, o.Remaining(), 0, 0, "scaled ladder drained")
			}
			e.complete(&o)
			return
		}
	}
}

func priceOf(open []domain.OpenOrder, oid int64) float64 {
	for _, oo := range open {
		if oo.OrderID == oid {
			return oo.Price
		}
	}
	return 0
}
