package advanced

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
)

const icebergPollInterval = 5 * time.Second

// runIceberg держит в стакане только display_size от общего размера.
// Когда видимая часть исполняется, выставляется следующая, пока не
// исполнится весь total_size. Фактом исполнения считается исчезновение
// дочернего ордера из открытых.
func (e *Engine) runIceberg(ctx context.Context, o domain.AdvancedOrder, stop chan struct{}) {
	r, err := e.rounderFor(ctx, o.Symbol)
	if err != nil {
		e.recordError(&o, err)
		return
	}

	var restingOID int64
	var restingSize float64

	// после рестарта подхватываем уже стоящую видимую часть
	if oid, size, _, ok := e.findRestingChild(ctx, &o); ok {
		restingOID, restingSize = oid, size
	}

	for {
		if o.Remaining() <= 0 && restingOID == 0 {
			e.complete(&o)
			return
		}

		if restingOID == 0 {
			if !e.statusStillActive(o.ID) {
				return
			}
			if e.killSwitch != nil && e.killSwitch.IsActive() {
				e.recordError(&o, domain.ErrKillSwitchActive)
				if !sleep(ctx, stop, icebergPollInterval) {
					return
				}
				continue
			}

			size := r.SizeFloat(minFloat(o.Params.DisplaySize, o.Remaining()))
			if size <= 0 {
				e.complete(&o)
				return
			}
			res, err := e.exchange.PlaceOrder(ctx, exchange.PlaceOrderParams{
				Symbol: o.Symbol,
				IsBuy:  o.Side == domain.SideLong,
				Price:  r.PriceString(o.Params.LimitPrice),
				Size:   r.SizeString(size),
				TIF:    "Gtc",
			})
			if err != nil {
				e.recordError(&o, err)
				if !sleep(ctx, stop, icebergPollInterval) {
					return
				}
				continue
			}
			if !res.Success {
				e.recordError(&o, fmt.Errorf("%w: %s", domain.ErrExchangeAPI, res.Error))
				if !sleep(ctx, stop, icebergPollInterval) {
					return
				}
				continue
			}
			if res.Filled {
				// видимая часть исполнилась сразу
				e.recordSlice(&o, size, res.AvgPrice, res.OrderID, "iceberg slice filled on placement")
				continue
			}
			restingOID, restingSize = res.OrderID, size
			o.ChildOrderIDs = append(o.ChildOrderIDs, res.OrderID)
			o.UpdatedAt = time.Now()
			if err := e.store.UpdateAdvancedOrder(&o); err != nil {
				e.logger.Error("failed to persist iceberg child for %s: %v", o.ID, err)
			}
		}

		if !sleep(ctx, stop, icebergPollInterval) {
			return
		}

		open, err := e.exchange.GetOpenOrders(ctx)
		if err != nil {
			e.recordError(&o, err)
			continue
		}
		still, left := findOrder(open, restingOID)
		if still {
			if left < restingSize {
				// частичное исполнение видимой части
				e.recordSlice(&o, restingSize-left, o.Params.LimitPrice, 0, "iceberg partial fill")
				restingSize = left
			}
			continue
		}

		// ордер ушёл из стакана: остаток видимой части исполнен
		e.recordSlice(&o, restingSize, o.Params.LimitPrice, 0, "iceberg slice filled")
		restingOID, restingSize = 0, 0

		if o.Params.RefreshDelaySeconds > 0 {
			if !sleep(ctx, stop, time.Duration(o.Params.RefreshDelaySeconds)*time.Second) {
				return
			}
		}
	}
}

// findRestingChild ищет последнего стоящего ребёнка ордера в стакане
func (e *Engine) findRestingChild(ctx context.Context, o *domain.AdvancedOrder) (int64, float64, float64, bool) {
	if len(o.ChildOrderIDs) == 0 {
		return 0, 0, 0, false
	}
	open, err := e.exchange.GetOpenOrders(ctx)
	if err != nil {
		return 0, 0, 0, false
	}
	for i := len(o.ChildOrderIDs) - 1; i >= 0; i-- {
		for _, oo := range open {
			if oo.OrderID == o.ChildOrderIDs[i] {
				return oo.OrderID, oo.Size, oo.Price, true
			}
		}
	}
	return 0, 0, 0, false
}

// findOrder возвращает стоит ли ордер в стакане и его оставшийся размер
func findOrder(open []domain.OpenOrder, oid int64) (bool, float64) {
	for _, oo := range open {
		if oo.OrderID == oid {
			return true, oo.Size
		}
	}
	return false, 0
}

// sleep ждёт интервал, возвращает false если исполнение остановлено
func sleep(ctx context.Context, stop chan struct{}, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
