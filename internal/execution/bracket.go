package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
	"github.com/kirillm/perp-agent/internal/metrics"
	"github.com/kirillm/perp-agent/internal/policy"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// BracketExchange узкая поверхность биржи, нужная bracket-менеджеру
type BracketExchange interface {
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error)
	PlaceOrder(ctx context.Context, params exchange.PlaceOrderParams) (exchange.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, params exchange.CancelParams) error
}

// StateStore персистентность ProtectiveOrderState
type StateStore interface {
	GetProtectiveState(userID, symbol string) (*domain.ProtectiveOrderState, error)
	SaveProtectiveState(state *domain.ProtectiveOrderState) error
	DeleteProtectiveState(userID, symbol string) error
}

// BracketManager сверяет защитные ордера по символу с политикой:
// ровно один стоп-лосс, ноль и более тейк-профитов, замена только когда
// текущее состояние материально расходится с желаемым.
type BracketManager struct {
	exchange BracketExchange
	store    StateStore
	profile  *policy.Profile
	logger   *utils.Logger

	// два конкурентных цикла по одному символу обязаны сериализоваться,
	// иначе оба прочитают "стопа нет" и поставят по стопу каждый
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewBracketManager(ex BracketExchange, store StateStore, profile *policy.Profile, logger *utils.Logger) *BracketManager {
	return &BracketManager{
		exchange: ex,
		store:    store,
		profile:  profile,
		logger:   logger.WithPrefix("bracket"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// desiredOrder финальный защитный ордер после отбора и округления
type desiredOrder struct {
	isStop  bool
	price   decimal.Decimal
	size    decimal.Decimal
	// intent-источник, для отчёта результата
	source domain.TradingIntent
}

// ReconcileSymbol приводит защитные ордера символа к предложенному набору.
// Позиция и стоящие ордера перечитываются свежими: взгляд прошлого цикла
// считается устаревшим.
func (m *BracketManager) ReconcileSymbol(
	ctx context.Context,
	userID, symbol string,
	proposed []domain.TradingIntent,
	r *Rounder,
	markPrice float64,
) []domain.ExecutionResult {
	lock := m.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	// gate ручного вмешательства: автоматика не воюет с человеком
	state, err := m.store.GetProtectiveState(userID, symbol)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return failAll(proposed, fmt.Sprintf("protective state load failed: %v", err))
	}
	if state != nil && state.ManualOverride {
		metrics.BracketReconcilesTotal.WithLabelValues("override_skip").Inc()
		return skipAll(proposed, domain.ErrManualOverride.Error())
	}

	position, err := m.fetchPosition(ctx, symbol)
	if err != nil {
		return failAll(proposed, fmt.Sprintf("position fetch failed: %v", err))
	}
	if position == nil {
		return skipAll(proposed, "no open position for protective orders")
	}

	stops, takes := partitionProtective(proposed)

	desired, dropped := m.selectOrders(stops, takes, *position, state, r, markPrice)
	results := dropped

	if len(desired) == 0 {
		return results
	}

	existing, err := m.fetchProtective(ctx, symbol)
	if err != nil {
		return append(results, failAll(sources(desired), fmt.Sprintf("open orders fetch failed: %v", err))...)
	}

	// anti-churn: если стоящий набор совпадает с желаемым в допуске,
	// замена пропускается целиком
	if m.setMatches(desired, existing, r) {
		m.logger.Debug("%s protective orders unchanged, skipping replacement", symbol)
		metrics.BracketReconcilesTotal.WithLabelValues("unchanged").Inc()
		return append(results, skipAll(sources(desired), "existing protective orders match within tolerance")...)
	}

	// замена: сперва отменить всё существующее; частично отменённое
	// состояние хуже нетронутого, поэтому любой сбой отмены прерывает замену
	for _, o := range existing {
		if err := m.exchange.CancelOrder(ctx, exchange.CancelParams{Coin: symbol, Oid: o.OrderID}); err != nil {
			m.logger.Error("cancel of protective order %d failed: %v", o.OrderID, err)
			metrics.BracketReconcilesTotal.WithLabelValues("failed").Inc()
			return append(results, failAll(sources(desired),
				fmt.Sprintf("%v: order %d", domain.ErrCancellationFailed, o.OrderID))...)
		}
	}

	placed := m.placeDesired(ctx, symbol, *position, desired)
	results = append(results, placed...)
	metrics.BracketReconcilesTotal.WithLabelValues("replaced").Inc()

	m.persistState(userID, symbol, *position, state, desired)
	return results
}

// SetManualOverride выставляет или снимает флаг ручного вмешательства
func (m *BracketManager) SetManualOverride(userID, symbol string, on bool) error {
	state, err := m.store.GetProtectiveState(userID, symbol)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		state = &domain.ProtectiveOrderState{UserID: userID, Symbol: symbol}
	}
	state.ManualOverride = on
	state.LastAdjustmentAt = time.Now()
	return m.store.SaveProtectiveState(state)
}

// ReleaseClosed удаляет персистентное состояние символов, позиции которых
// полностью закрылись
func (m *BracketManager) ReleaseClosed(ctx context.Context, userID string, states []domain.ProtectiveOrderState) {
	positions, err := m.exchange.GetPositions(ctx)
	if err != nil {
		return
	}
	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		open[p.Symbol] = true
	}
	for _, s := range states {
		if !open[s.Symbol] {
			if err := m.store.DeleteProtectiveState(userID, s.Symbol); err == nil {
				m.logger.Info("released protective state for closed %s", s.Symbol)
			}
		}
	}
}

func (m *BracketManager) symbolLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[symbol] = lock
	}
	return lock
}

func (m *BracketManager) fetchPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	positions, err := m.exchange.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// fetchProtective возвращает стоящие reduce-only/trigger ордера символа
func (m *BracketManager) fetchProtective(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	orders, err := m.exchange.GetOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	var protective []domain.OpenOrder
	for _, o := range orders {
		if o.Symbol == symbol && (o.ReduceOnly || o.IsTrigger) {
			protective = append(protective, o)
		}
	}
	return protective, nil
}

// selectOrders отбирает единственный стоп и пропорционально режет тейки
func (m *BracketManager) selectOrders(
	stops, takes []domain.TradingIntent,
	position domain.Position,
	state *domain.ProtectiveOrderState,
	r *Rounder,
	markPrice float64,
) ([]desiredOrder, []domain.ExecutionResult) {
	var desired []desiredOrder
	var dropped []domain.ExecutionResult

	long := position.Side() == domain.SideLong
	posSize := r.Size(decimal.NewFromFloat(math.Abs(position.Size)))

	// --- стоп-лосс: из валидных кандидатов берётся самый консервативный ---
	best, superseded, rejected := m.pickStop(stops, long, markPrice)
	dropped = append(dropped, rejected...)
	for _, s := range superseded {
		dropped = append(dropped, domain.ExecutionResult{
			Intent:  s,
			Status:  domain.ResultSkipped,
			Success: true,
			Reason:  "superseded by a more conservative stop-loss",
		})
	}

	if best != nil {
		stopPrice, _ := decimal.NewFromString(best.TriggerPrice)
		stopPrice = r.Price(stopPrice)
		stopPrice = m.applyLiquidationBuffer(stopPrice, position, long, r)

		// стоп может только подтягиваться в сторону защиты прибыли,
		// и только пока позиция в плюсе
		if adjusted, keep := m.applyTrailingGate(stopPrice, position, state, long, r); keep {
			stopPrice = adjusted
		}

		desired = append(desired, desiredOrder{
			isStop: true,
			price:  stopPrice,
			size:   posSize,
			source: *best,
		})
	}

	// --- тейк-профиты: сначала отсев не в ту сторону от цены, затем
	// пропорциональная нарезка, сумма долей равна позиции ---
	validTakes := make([]domain.TradingIntent, 0, len(takes))
	for _, t := range takes {
		price, err := ParsePositive("trigger_price", t.TriggerPrice)
		if err != nil {
			dropped = append(dropped, domain.ExecutionResult{
				Intent: t, Status: domain.ResultFailed, Reason: err.Error(),
			})
			continue
		}
		p, _ := price.Float64()
		if (long && p <= markPrice) || (!long && p >= markPrice) {
			dropped = append(dropped, domain.ExecutionResult{
				Intent: t, Status: domain.ResultFailed,
				Reason: fmt.Sprintf("%v: take_profit for %s %s at %.6g with mark %.6g",
					domain.ErrWrongDirection, t.Side, t.Symbol, p, markPrice),
			})
			continue
		}
		validTakes = append(validTakes, t)
	}
	desired = append(desired, m.splitTakeProfits(validTakes, posSize, r)...)
	return desired, dropped
}

// pickStop выбирает самый консервативный стоп: для лонга наивысший
// валидный, для шорта наинизший. Кандидаты разводятся по трём судьбам:
// победитель, вытесненные (skipped) и невалидные (failed) — стоп не в ту
// сторону это ошибка, а не тихое вытеснение.
func (m *BracketManager) pickStop(stops []domain.TradingIntent, long bool, mark float64) (*domain.TradingIntent, []domain.TradingIntent, []domain.ExecutionResult) {
	var best *domain.TradingIntent
	var bestPrice float64
	var superseded []domain.TradingIntent
	var rejected []domain.ExecutionResult

	for i := range stops {
		s := stops[i]
		price, err := ParsePositive("trigger_price", s.TriggerPrice)
		if err != nil {
			rejected = append(rejected, domain.ExecutionResult{
				Intent: s, Status: domain.ResultFailed, Reason: err.Error(),
			})
			continue
		}
		p, _ := price.Float64()
		valid := (long && p < mark) || (!long && p > mark)
		if !valid {
			rejected = append(rejected, domain.ExecutionResult{
				Intent: s, Status: domain.ResultFailed,
				Reason: fmt.Sprintf("%v: stop_loss for %s %s at %.6g with mark %.6g",
					domain.ErrWrongDirection, s.Side, s.Symbol, p, mark),
			})
			continue
		}
		better := best == nil || (long && p > bestPrice) || (!long && p < bestPrice)
		if better {
			if best != nil {
				superseded = append(superseded, *best)
			}
			best = &stops[i]
			bestPrice = p
		} else {
			superseded = append(superseded, s)
		}
	}
	return best, superseded, rejected
}

// applyLiquidationBuffer отодвигает стоп от цены ликвидации на минимальный
// буфер. Стоп, не успевающий сработать до ликвидации, хуже чуть более
// свободного, поэтому коррекция вместо отклонения.
func (m *BracketManager) applyLiquidationBuffer(stop decimal.Decimal, position domain.Position, long bool, r *Rounder) decimal.Decimal {
	liq := position.LiquidationPrice
	if liq <= 0 {
		return stop
	}
	buffer := m.profile.LiquidationBufferPct / 100
	stopF, _ := stop.Float64()

	if long {
		boundary := liq * (1 + buffer)
		if stopF < boundary {
			m.logger.Warn("%s stop %.6g inside liquidation buffer (liq %.6g), correcting to %.6g",
				position.Symbol, stopF, liq, boundary)
			return r.Price(decimal.NewFromFloat(boundary))
		}
	} else {
		boundary := liq * (1 - buffer)
		if stopF > boundary {
			m.logger.Warn("%s stop %.6g inside liquidation buffer (liq %.6g), correcting to %.6g",
				position.Symbol, stopF, liq, boundary)
			return r.Price(decimal.NewFromFloat(boundary))
		}
	}
	return stop
}

// applyTrailingGate решает, можно ли сдвинуть существующий стоп.
// Возвращает (итоговый стоп, true). Несдвигаемый стоп остаётся прежним.
func (m *BracketManager) applyTrailingGate(proposed decimal.Decimal, position domain.Position, state *domain.ProtectiveOrderState, long bool, r *Rounder) (decimal.Decimal, bool) {
	if state == nil || state.CurrentStopLoss <= 0 {
		return proposed, true
	}
	current := decimal.NewFromFloat(state.CurrentStopLoss)
	if proposed.Equal(r.Price(current)) {
		return proposed, true
	}

	profitable := position.UnrealizedPnl > 0
	protective := (long && proposed.GreaterThan(current)) || (!long && proposed.LessThan(current))

	if profitable && protective {
		return proposed, true
	}

	m.logger.Info("%s stop move %.6g -> %s rejected (profitable=%v protective=%v), keeping current",
		position.Symbol, state.CurrentStopLoss, proposed.String(), profitable, protective)
	return r.Price(current), true
}

// splitTakeProfits делит размер позиции между тейками пропорционально их
// заявленным размерам; каждая доля округляется до сравнения, последняя
// впитывает остаток округления, так что сумма долей точно равна позиции
func (m *BracketManager) splitTakeProfits(takes []domain.TradingIntent, posSize decimal.Decimal, r *Rounder) []desiredOrder {
	if len(takes) == 0 || posSize.Sign() <= 0 {
		return nil
	}

	weights := make([]decimal.Decimal, len(takes))
	total := decimal.Zero
	for i, t := range takes {
		w, err := ParsePositive("size", t.Size)
		if err != nil {
			w = decimal.Zero
		}
		weights[i] = w
		total = total.Add(w)
	}
	if total.Sign() <= 0 {
		return nil
	}

	var out []desiredOrder
	allocated := decimal.Zero
	for i, t := range takes {
		var slice decimal.Decimal
		if i == len(takes)-1 {
			slice = posSize.Sub(allocated)
		} else {
			slice = r.Size(posSize.Mul(weights[i]).Div(total))
		}
		if slice.Sign() <= 0 {
			continue
		}
		allocated = allocated.Add(slice)

		price, err := decimal.NewFromString(t.TriggerPrice)
		if err != nil {
			continue
		}
		out = append(out, desiredOrder{
			isStop: false,
			price:  r.Price(price),
			size:   slice,
			source: t,
		})
	}
	return out
}

// setMatches сравнивает желаемый набор со стоящим: количество, цены в
// допуске (максимум из относительного допуска и нескольких тиков) и размеры
func (m *BracketManager) setMatches(desired []desiredOrder, existing []domain.OpenOrder, r *Rounder) bool {
	if len(desired) != len(existing) {
		return false
	}

	tickTol := r.Tick().Mul(decimal.NewFromInt(int64(m.profile.ChurnTickTolerance)))
	used := make([]bool, len(existing))

	for _, d := range desired {
		relTol := d.price.Mul(decimal.NewFromFloat(m.profile.ChurnPriceTolerancePct / 100))
		tol := tickTol
		if relTol.GreaterThan(tol) {
			tol = relTol
		}

		found := false
		for i, e := range existing {
			if used[i] {
				continue
			}
			if e.IsTrigger != d.isStop {
				continue
			}
			ePrice := e.Price
			if e.IsTrigger {
				ePrice = e.TriggerPx
			}
			priceOK := d.price.Sub(r.Price(decimal.NewFromFloat(ePrice))).Abs().LessThanOrEqual(tol)
			sizeOK := d.size.Sub(r.Size(decimal.NewFromFloat(e.Size))).Abs().LessThanOrEqual(r.SizeStep())
			if priceOK && sizeOK {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// placeDesired размещает финальный набор; сбой одного ордера не прерывает
// размещение остальных, каждый intent получает свой результат
func (m *BracketManager) placeDesired(ctx context.Context, symbol string, position domain.Position, desired []desiredOrder) []domain.ExecutionResult {
	long := position.Side() == domain.SideLong
	results := make([]domain.ExecutionResult, 0, len(desired))

	for _, d := range desired {
		params := exchange.PlaceOrderParams{
			Symbol:     symbol,
			IsBuy:      !long, // защитный ордер закрывает позицию
			Price:      d.price.String(),
			Size:       d.size.String(),
			ReduceOnly: true,
		}
		if d.isStop {
			params.IsTrigger = true
			params.TriggerPx = d.price.String()
			params.IsMarket = true
		}

		res, err := m.exchange.PlaceOrder(ctx, params)
		switch {
		case err != nil:
			results = append(results, domain.ExecutionResult{
				Intent: d.source, Status: domain.ResultFailed,
				Reason: fmt.Sprintf("placement failed: %v", err),
			})
		case !res.Success:
			results = append(results, domain.ExecutionResult{
				Intent: d.source, Status: domain.ResultFailed,
				Reason: fmt.Sprintf("placement rejected: %s", res.Error),
			})
		default:
			kind := "take-profit"
			if d.isStop {
				kind = "stop-loss"
			}
			m.logger.Info("placed %s %s %s@%s oid=%d", symbol, kind, d.size.String(), d.price.String(), res.OrderID)
			results = append(results, domain.ExecutionResult{
				Intent: d.source, Status: domain.ResultExecuted, Success: true,
				Reason: fmt.Sprintf("%s placed", kind), OrderID: res.OrderID,
			})
		}
	}
	return results
}

// persistState сохраняет новое состояние защитных ордеров
func (m *BracketManager) persistState(userID, symbol string, position domain.Position, prior *domain.ProtectiveOrderState, desired []desiredOrder) {
	state := prior
	if state == nil {
		state = &domain.ProtectiveOrderState{
			UserID:        userID,
			Symbol:        symbol,
			StopLossState: domain.StopLossInitial,
		}
	}

	for _, d := range desired {
		price, _ := d.price.Float64()
		if d.isStop {
			if state.InitialStopLoss == 0 {
				state.InitialStopLoss = price
			} else if price != state.CurrentStopLoss {
				state.StopLossState = domain.StopLossTrailing
			}
			state.CurrentStopLoss = price
		} else {
			state.CurrentTakeProfit = price
		}
	}
	state.LastAdjustmentAt = time.Now()

	if err := m.store.SaveProtectiveState(state); err != nil {
		m.logger.Error("failed to persist protective state for %s: %v", symbol, err)
	}
}

// --- helpers ---

func partitionProtective(intents []domain.TradingIntent) (stops, takes []domain.TradingIntent) {
	for _, i := range intents {
		switch i.Action {
		case domain.ActionStopLoss:
			stops = append(stops, i)
		case domain.ActionTakeProfit:
			takes = append(takes, i)
		}
	}
	return stops, takes
}

func sources(desired []desiredOrder) []domain.TradingIntent {
	out := make([]domain.TradingIntent, 0, len(desired))
	for _, d := range desired {
		out = append(out, d.source)
	}
	return out
}

func skipAll(intents []domain.TradingIntent, reason string) []domain.ExecutionResult {
	out := make([]domain.ExecutionResult, 0, len(intents))
	for _, i := range intents {
		out = append(out, domain.ExecutionResult{
			Intent: i, Status: domain.ResultSkipped, Success: true, Reason: reason,
		})
	}
	return out
}

func failAll(intents []domain.TradingIntent, reason string) []domain.ExecutionResult {
	out := make([]domain.ExecutionResult, 0, len(intents))
	for _, i := range intents {
		out = append(out, domain.ExecutionResult{
			Intent: i, Status: domain.ResultFailed, Reason: reason,
		})
	}
	return out
}
