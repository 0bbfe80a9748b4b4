package advanced

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
	"github.com/kirillm/perp-agent/internal/execution"
)

// runLimitChase держит лимитный ордер у лучшей цены своей стороны стакана,
// переставляя его каждый chase_interval, пока он не исполнится или не
// исчерпается max_chases. После исчерпания поведение задаёт give_behavior:
// cancel снимает ордер, market добирает остаток маркетом, wait оставляет
// лимитку стоять где стоит.
func (e *Engine) runLimitChase(ctx context.Context, o domain.AdvancedOrder, stop chan struct{}) {
	r, err := e.rounderFor(ctx, o.Symbol)
	if err != nil {
		e.recordError(&o, err)
		return
	}

	interval := time.Duration(o.Params.ChaseIntervalSeconds) * time.Second
	isBuy := o.Side == domain.SideLong
	chases := 0

	var restingOID int64
	var restingPrice, restingSize float64

	if oid, size, price, ok := e.findRestingChild(ctx, &o); ok {
		restingOID, restingSize, restingPrice = oid, size, price
	}

	for {
		if o.Remaining() <= 0 {
			e.complete(&o)
			return
		}
		if !e.statusStillActive(o.ID) {
			return
		}

		if restingOID == 0 {
			if e.killSwitch != nil && e.killSwitch.IsActive() {
				e.recordError(&o, domain.ErrKillSwitchActive)
				if !sleep(ctx, stop, interval) {
					return
				}
				continue
			}
			price, err := e.chasePrice(ctx, r, o.Symbol, isBuy, o.Params.OffsetTicks)
			if err != nil {
				e.recordError(&o, err)
				if !sleep(ctx, stop, interval) {
					return
				}
				continue
			}
			oid, size, err := e.placeChaseLimit(ctx, r, &o, price)
			if err != nil {
				e.recordError(&o, err)
				if !sleep(ctx, stop, interval) {
					return
				}
				continue
			}
			if oid == 0 {
				// исполнился сразу при постановке
				continue
			}
			restingOID, restingPrice, restingSize = oid, price, size
		}

		if !sleep(ctx, stop, interval) {
			return
		}

		open, err := e.exchange.GetOpenOrders(ctx)
		if err != nil {
			e.recordError(&o, err)
			continue
		}
		still, left := findOrder(open, restingOID)
		if !still {
			e.recordSlice(&o, restingSize, restingPrice, 0, fmt.Sprintf("chase fill after %d moves", chases))
			restingOID = 0
			continue
		}
		if left < restingSize {
			e.recordSlice(&o, restingSize-left, restingPrice, 0, "chase partial fill")
			restingSize = left
		}

		desired, err := e.chasePrice(ctx, r, o.Symbol, isBuy, o.Params.OffsetTicks)
		if err != nil {
			e.recordError(&o, err)
			continue
		}
		tick, _ := r.Tick().Float64()
		if absFloat(desired-restingPrice) < tick {
			continue // цена не ушла, переставлять нечего
		}

		if chases >= o.Params.MaxChases {
			e.giveUpChase(ctx, &o, stop, restingOID, restingPrice, restingSize)
			return
		}

		if err := e.exchange.CancelOrder(ctx, exchange.CancelParams{Coin: o.Symbol, Oid: restingOID}); err != nil {
			e.recordError(&o, err)
			continue
		}
		restingOID = 0
		chases++
		e.logger.Debug("chase %s: move %d/%d toward %.6g", o.ID, chases, o.Params.MaxChases, desired)
	}
}

// chasePrice желаемая цена лимитки: лучшая цена своей стороны, сдвинутая
// на offset_ticks вглубь стакана
func (e *Engine) chasePrice(ctx context.Context, r *execution.Rounder, symbol string, isBuy bool, offsetTicks int) (float64, error) {
	t, err := e.ticker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	tick, _ := r.Tick().Float64()
	if isBuy {
		if t.BestBid <= 0 {
			return 0, fmt.Errorf("%w: no bid for %s", domain.ErrMarketDataUnavailable, symbol)
		}
		return r.PriceFloat(t.BestBid - float64(offsetTicks)*tick), nil
	}
	if t.BestAsk <= 0 {
		return 0, fmt.Errorf("%w: no ask for %s", domain.ErrMarketDataUnavailable, symbol)
	}
	return r.PriceFloat(t.BestAsk + float64(offsetTicks)*tick), nil
}

// placeChaseLimit ставит лимитку на остаток; возвращает (0, size, nil)
// при мгновенном исполнении
func (e *Engine) placeChaseLimit(ctx context.Context, r *execution.Rounder, o *domain.AdvancedOrder, price float64) (int64, float64, error) {
	size := r.SizeFloat(o.Remaining())
	if size <= 0 {
		return 0, 0, nil
	}
	res, err := e.exchange.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol: o.Symbol,
		IsBuy:  o.Side == domain.SideLong,
		Price:  r.PriceString(price),
		Size:   r.SizeString(size),
		TIF:    "Gtc",
	})
	if err != nil {
		return 0, 0, err
	}
	if !res.Success {
		return 0, 0, fmt.Errorf("%w: %s", domain.ErrExchangeAPI, res.Error)
	}
	if res.Filled {
		fillPrice := res.AvgPrice
		if fillPrice <= 0 {
			fillPrice = price
		}
		e.recordSlice(o, size, fillPrice, res.OrderID, "chase filled on placement")
		return 0, size, nil
	}

	o.ChildOrderIDs = append(o.ChildOrderIDs, res.OrderID)
	o.UpdatedAt = time.Now()
	if err := e.store.UpdateAdvancedOrder(o); err != nil {
		e.logger.Error("failed to persist chase child for %s: %v", o.ID, err)
	}
	return res.OrderID, size, nil
}

// giveUpChase применяет give_behavior после исчерпания переставлений
func (e *Engine) giveUpChase(ctx context.Context, o *domain.AdvancedOrder, stop chan struct{}, oid int64, price, size float64) {
	switch o.Params.GiveBehavior {
	case domain.GiveBehaviorWait:
		e.logger.Info("chase %s: max chases reached, leaving limit %d resting at %.6g", o.ID, oid, price)
		e.waitChaseFill(ctx, o, stop, oid, price, size)

	case domain.GiveBehaviorMarket:
		if err := e.exchange.CancelOrder(ctx, exchange.CancelParams{Coin: o.Symbol, Oid: oid}); err != nil {
			e.recordError(o, err)
			return
		}
		if err := e.placeMarketSlice(ctx, o, o.Remaining(), "chase give-up market fill"); err != nil {
			e.recordError(o, err)
			return
		}
		e.complete(o)

	default: // cancel
		if err := e.exchange.CancelOrder(ctx, exchange.CancelParams{Coin: o.Symbol, Oid: oid}); err != nil {
			e.recordError(o, err)
		}
		o.Status = domain.AdvancedStatusCancelled
		o.UpdatedAt = time.Now()
		if err := e.store.UpdateAdvancedOrder(o); err != nil {
			e.logger.Error("failed to persist chase cancellation of %s: %v", o.ID, err)
		}
		e.logger.Info("chase %s: max chases reached, cancelled with %.8g unfilled", o.ID, o.Remaining())
	}
}

// waitChaseFill пассивно ждёт исполнения оставленной лимитки
func (e *Engine) waitChaseFill(ctx context.Context, o *domain.AdvancedOrder, stop chan struct{}, oid int64, price, size float64) {
	interval := time.Duration(o.Params.ChaseIntervalSeconds) * time.Second
	for {
		if !sleep(ctx, stop, interval) {
			return
		}
		if !e.statusStillActive(o.ID) {
			return
		}
		open, err := e.exchange.GetOpenOrders(ctx)
		if err != nil {
			e.recordError(o, err)
			continue
		}
		still, left := findOrder(open, oid)
		if !still {
			e.recordSlice(o, size, price, 0, "chase filled while waiting")
			e.complete(o)
			return
		}
		if left < size {
			e.recordSlice(o, size-left, price, 0, "chase partial fill while waiting")
			size = left
		}
	}
}
