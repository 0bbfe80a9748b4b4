package advanced

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
	"github.com/kirillm/perp-agent/internal/execution"
)

const ocoPollInterval = 5 * time.Second

// runOCO выставляет связанную пару ордеров и следит за ней поллингом:
// как только одна нога исчезает из открытых, вторая снимается. Исчезновение
// трактуется как исполнение; внешняя отмена ноги тоже завершает пару, и
// это сознательная цена поллинг-модели без fill-стрима.
func (e *Engine) runOCO(ctx context.Context, o domain.AdvancedOrder, stop chan struct{}) {
	r, err := e.rounderFor(ctx, o.Symbol)
	if err != nil {
		e.recordError(&o, err)
		return
	}

	// после рестарта ноги уже могут стоять: обе, либо только первая,
	// если процесс упал между размещениями
	if len(o.ChildOrderIDs) < 2 {
		var first int64
		if len(o.ChildOrderIDs) == 1 {
			first = o.ChildOrderIDs[0]
		} else {
			oid, err := e.placeOCOLeg(ctx, r, &o, o.Params.FirstPrice, o.Params.FirstTrigger)
			if err != nil {
				e.recordError(&o, err)
				return
			}
			first = oid
			// первая нога персистится до размещения второй, иначе рестарт
			// между ногами оставляет в стакане неучтённый ордер
			o.ChildOrderIDs = []int64{first}
			o.UpdatedAt = time.Now()
			if err := e.store.UpdateAdvancedOrder(&o); err != nil {
				e.logger.Error("failed to persist oco leg %d of %s: %v", first, o.ID, err)
			}
		}

		second, err := e.placeOCOLeg(ctx, r, &o, o.Params.SecondPrice, o.Params.SecondTrigger)
		if err != nil {
			// вторая нога не встала: пара недееспособна, снимаем первую
			if cerr := e.exchange.CancelOrder(ctx, exchange.CancelParams{Coin: o.Symbol, Oid: first}); cerr != nil {
				e.logger.Error("failed to unwind oco leg %d of %s: %v", first, o.ID, cerr)
			} else {
				o.ChildOrderIDs = nil
			}
			e.recordError(&o, err)
			return
		}
		o.ChildOrderIDs = []int64{first, second}
		o.UpdatedAt = time.Now()
		if err := e.store.UpdateAdvancedOrder(&o); err != nil {
			e.logger.Error("failed to persist oco legs for %s: %v", o.ID, err)
		}
		e.logger.Info("oco %s: legs %d @ %.6g and %d @ %.6g resting",
			o.ID, first, o.Params.FirstPrice, second, o.Params.SecondPrice)
	}

	for {
		if !sleep(ctx, stop, ocoPollInterval) {
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

		firstResting, _ := findOrder(open, o.ChildOrderIDs[0])
		secondResting, _ := findOrder(open, o.ChildOrderIDs[1])

		switch {
		case firstResting && secondResting:
			continue
		case !firstResting && secondResting:
			e.settleOCO(ctx, &o, o.ChildOrderIDs[0], o.Params.FirstPrice, o.ChildOrderIDs[1])
			return
		case firstResting && !secondResting:
			e.settleOCO(ctx, &o, o.ChildOrderIDs[1], o.Params.SecondPrice, o.ChildOrderIDs[0])
			return
		default:
			// обе ноги исчезли между поллами: гонка исполнения и отмены,
			// фиксируем первую как исполненную
			e.recordSlice(&o, o.TotalSize, o.Params.FirstPrice, 0, "oco: both legs gone")
			e.complete(&o)
			return
		}
	}
}

// settleOCO фиксирует исполненную ногу и снимает выжившую
func (e *Engine) settleOCO(ctx context.Context, o *domain.AdvancedOrder, filledOID int64, filledPrice float64, survivorOID int64) {
	e.recordSlice(o, o.TotalSize, filledPrice, 0, fmt.Sprintf("oco leg %d filled", filledOID))
	if err := e.exchange.CancelOrder(ctx, exchange.CancelParams{Coin: o.Symbol, Oid: survivorOID}); err != nil {
		e.recordError(o, fmt.Errorf("failed to cancel surviving oco leg %d: %w", survivorOID, err))
	}
	e.complete(o)
}

func (e *Engine) placeOCOLeg(ctx context.Context, r *execution.Rounder, o *domain.AdvancedOrder, price float64, trigger bool) (int64, error) {
	params := exchange.PlaceOrderParams{
		Symbol:     o.Symbol,
		IsBuy:      o.Side == domain.SideLong,
		Price:      r.PriceString(price),
		Size:       r.SizeString(o.TotalSize),
		ReduceOnly: true,
		TIF:        "Gtc",
	}
	if trigger {
		params.IsTrigger = true
		params.TriggerPx = r.PriceString(price)
		params.IsMarket = true
	}
	res, err := e.exchange.PlaceOrder(ctx, params)
	if err != nil {
		return 0, err
	}
	if !res.Success {
		return 0, fmt.Errorf("%w: %s", domain.ErrExchangeAPI, res.Error)
	}
	return res.OrderID, nil
}
