package execution

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
	"github.com/kirillm/perp-agent/internal/metrics"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// Exchange полная поверхность биржи, нужная исполнителю
type Exchange interface {
	BracketExchange
	GetAssetMetadata(ctx context.Context, symbol string) (domain.AssetMetadata, error)
	PlaceBracketOrder(ctx context.Context, params exchange.BracketParams) ([]exchange.PlaceOrderResult, error)
	UpdateLeverage(ctx context.Context, params exchange.LeverageParams) error
}

// PriceProvider источник текущей цены (REST с failover на поток)
type PriceProvider interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// ATRProvider источник ATR для адаптивной полосы валидатора.
// ok=false когда истории ещё недостаточно.
type ATRProvider interface {
	ATR(symbol string) (float64, bool)
}

// Executor прогоняет батч intent'ов через валидатор, дедупликатор и
// bracket-менеджер и исполняет выживших против биржи.
// Порядок внутри батча фиксирован: все незащитные действия (включая их
// биржевые вызовы) завершаются до начала обработки защитных — bracket
// новой позиции ставится против состояния, уже отражающего эту позицию.
type Executor struct {
	exchange   Exchange
	prices     PriceProvider
	atr        ATRProvider
	validator  *Validator
	dedup      *Deduplicator
	bracket    *BracketManager
	killSwitch *KillSwitch
	logger     *utils.Logger

	mu       sync.Mutex
	rounders map[string]*Rounder
}

func NewExecutor(
	ex Exchange,
	prices PriceProvider,
	atr ATRProvider,
	validator *Validator,
	dedup *Deduplicator,
	bracket *BracketManager,
	killSwitch *KillSwitch,
	logger *utils.Logger,
) *Executor {
	return &Executor{
		exchange:   ex,
		prices:     prices,
		atr:        atr,
		validator:  validator,
		dedup:      dedup,
		bracket:    bracket,
		killSwitch: killSwitch,
		logger:     logger.WithPrefix("executor"),
		rounders:   make(map[string]*Rounder),
	}
}

// ExecuteTradeStrategy исполняет батч intent'ов одного пользователя.
// Каждый intent даёт ровно один результат; батч-блокирующие условия
// безопасности отклоняют батч целиком до единого биржевого вызова.
func (e *Executor) ExecuteTradeStrategy(ctx context.Context, userID string, intents []domain.TradingIntent) (*domain.ExecutionSummary, error) {
	if e.killSwitch.IsActive() {
		return nil, domain.ErrKillSwitchActive
	}

	var results []domain.ExecutionResult

	// hold — декларация бездействия, отчитывается и отбрасывается
	var actionable []domain.TradingIntent
	for _, intent := range intents {
		if intent.Action == domain.ActionHold {
			results = append(results, domain.ExecutionResult{
				Intent: intent, Status: domain.ResultSkipped, Success: true, Reason: "hold",
			})
			continue
		}
		actionable = append(actionable, intent)
	}

	protective, others := splitProtective(actionable)

	// --- валидация защитных: до батч-гардов, чтобы стоп не в ту сторону
	// не считался защитой и не прикреплялся к entry ---
	validProtective := make([]domain.TradingIntent, 0, len(protective))
	for _, intent := range protective {
		if err := e.validateOne(ctx, intent); err != nil {
			results = append(results, domain.ExecutionResult{
				Intent: intent, Status: domain.ResultFailed, Reason: err.Error(),
			})
			continue
		}
		validProtective = append(validProtective, intent)
	}

	// --- батч-гарды: до любого мутирующего вызова ---
	if reason := e.checkBatchGuards(ctx, others, validProtective); reason != "" {
		e.logger.Error("batch rejected: %s", reason)
		for _, intent := range append(others, validProtective...) {
			results = append(results, domain.ExecutionResult{
				Intent: intent, Status: domain.ResultFailed, Reason: reason,
			})
		}
		return e.summarize(results), nil
	}

	openOrders, err := e.exchange.GetOpenOrders(ctx)
	if err != nil {
		e.logger.Error("open orders fetch failed: %v", err)
		for _, intent := range append(others, validProtective...) {
			results = append(results, domain.ExecutionResult{
				Intent: intent, Status: domain.ResultFailed,
				Reason: fmt.Sprintf("open orders unavailable: %v", err),
			})
		}
		return e.summarize(results), nil
	}

	// --- валидация незащитных ---
	valid := make([]domain.TradingIntent, 0, len(others))
	for _, intent := range others {
		if err := e.validateOne(ctx, intent); err != nil {
			results = append(results, domain.ExecutionResult{
				Intent: intent, Status: domain.ResultFailed, Reason: err.Error(),
			})
			continue
		}
		valid = append(valid, intent)
	}

	// --- дедупликация entry-ордеров ---
	survivors, dupResults := e.dedup.Filter(valid, openOrders, e.snapshotRounders())
	results = append(results, dupResults...)

	// --- исполнение незащитных (биржевые вызовы) ---
	protectiveBySymbol := groupBySymbol(validProtective)
	for _, intent := range survivors {
		results = append(results, e.executeOne(ctx, intent, protectiveBySymbol[intent.Symbol]))
	}

	// --- защитная фаза: по-символьная сверка ---
	for symbol, group := range protectiveBySymbol {
		r, err := e.rounderFor(ctx, symbol)
		if err != nil {
			results = append(results, failAll(group, err.Error())...)
			continue
		}
		mark, err := e.prices.GetPrice(ctx, symbol)
		if err != nil {
			// fail closed: без свежей цены защитные ордера не трогаем
			results = append(results, failAll(group, domain.ErrMarketDataUnavailable.Error())...)
			continue
		}
		results = append(results, e.bracket.ReconcileSymbol(ctx, userID, symbol, group, r, mark)...)
	}

	summary := e.summarize(results)
	e.logger.Info("batch done: %d total, %d ok, %d failed, %d skipped",
		summary.TotalActions, summary.SuccessfulExecutions, summary.FailedExecutions, summary.SkippedActions)
	return summary, nil
}

// checkBatchGuards возвращает причину отклонения всего батча либо "".
// Два фатальных условия: entry без парного стопа в том же батче, и уже
// открытая позиция без стопа, которую батч не защищает.
func (e *Executor) checkBatchGuards(ctx context.Context, others, protective []domain.TradingIntent) string {
	stopsBySymbol := make(map[string]int)
	for _, p := range protective {
		if p.Action == domain.ActionStopLoss {
			stopsBySymbol[p.Symbol]++
		}
	}

	for _, intent := range others {
		if !intent.IsEntry() {
			continue
		}
		switch n := stopsBySymbol[intent.Symbol]; {
		case n == 0:
			return fmt.Sprintf("%v: %s %s", domain.ErrMissingStopLoss, intent.Action, intent.Symbol)
		case n > 1:
			return fmt.Sprintf("%v: %d stop-loss intents for %s, want exactly one",
				domain.ErrInvalidInput, n, intent.Symbol)
		}
	}

	// известная незащищённая позиция блокирует батч, если батч её не чинит
	positions, err := e.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Sprintf("positions unavailable: %v", err)
	}
	if len(positions) == 0 {
		return ""
	}
	openOrders, err := e.exchange.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Sprintf("open orders unavailable: %v", err)
	}

	hasStop := make(map[string]bool)
	for _, o := range openOrders {
		if o.IsTrigger && o.ReduceOnly {
			hasStop[o.Symbol] = true
		}
	}
	for _, p := range positions {
		if !hasStop[p.Symbol] && stopsBySymbol[p.Symbol] == 0 {
			return fmt.Sprintf("%v: %s", domain.ErrUnprotectedPosition, p.Symbol)
		}
	}
	return ""
}

// validateOne собирает рыночный контекст и прогоняет intent через валидатор
func (e *Executor) validateOne(ctx context.Context, intent domain.TradingIntent) error {
	if intent.Action == domain.ActionCancelOrder {
		return e.validator.ValidateIntent(intent, ValidationContext{})
	}

	r, err := e.rounderFor(ctx, intent.Symbol)
	if err != nil {
		return err
	}

	mark, err := e.prices.GetPrice(ctx, intent.Symbol)
	if err != nil {
		mark = 0 // валидатор отклонит: fail closed
	}

	vctx := ValidationContext{Meta: r.Meta(), MarkPrice: mark}
	if e.atr != nil {
		if atr, ok := e.atr.ATR(intent.Symbol); ok {
			vctx.ATR = atr
		}
	}
	return e.validator.ValidateIntent(intent, vctx)
}

// executeOne исполняет один незащитный intent против биржи.
// Неожиданные ошибки I/O превращаются в failed-результат, не прерывая батч.
func (e *Executor) executeOne(ctx context.Context, intent domain.TradingIntent, symbolProtective []domain.TradingIntent) domain.ExecutionResult {
	var result domain.ExecutionResult
	switch intent.Action {
	case domain.ActionCancelOrder:
		result = e.executeCancel(ctx, intent)
	case domain.ActionClose:
		result = e.executeClose(ctx, intent)
	case domain.ActionBuy, domain.ActionSell:
		result = e.executeEntry(ctx, intent, symbolProtective)
	default:
		result = domain.ExecutionResult{
			Intent: intent, Status: domain.ResultFailed,
			Reason: fmt.Sprintf("%v: unknown action %q", domain.ErrInvalidInput, intent.Action),
		}
	}
	metrics.IntentsTotal.WithLabelValues(intent.Action, result.Status).Inc()
	return result
}

func (e *Executor) executeCancel(ctx context.Context, intent domain.TradingIntent) domain.ExecutionResult {
	err := e.exchange.CancelOrder(ctx, exchange.CancelParams{Coin: intent.Symbol, Oid: intent.OrderID})
	if err != nil {
		return domain.ExecutionResult{
			Intent: intent, Status: domain.ResultFailed,
			Reason: fmt.Sprintf("cancel failed: %v", err),
		}
	}
	return domain.ExecutionResult{
		Intent: intent, Status: domain.ResultExecuted, Success: true,
		Reason: fmt.Sprintf("order %d cancelled", intent.OrderID), OrderID: intent.OrderID,
	}
}

// executeClose закрывает позицию (полностью либо частично) market-ордером
func (e *Executor) executeClose(ctx context.Context, intent domain.TradingIntent) domain.ExecutionResult {
	positions, err := e.exchange.GetPositions(ctx)
	if err != nil {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed,
			Reason: fmt.Sprintf("positions unavailable: %v", err)}
	}
	var position *domain.Position
	for i := range positions {
		if positions[i].Symbol == intent.Symbol {
			position = &positions[i]
			break
		}
	}
	if position == nil {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultSkipped, Success: true,
			Reason: "no open position to close"}
	}

	r, err := e.rounderFor(ctx, intent.Symbol)
	if err != nil {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed, Reason: err.Error()}
	}
	mark, err := e.prices.GetPrice(ctx, intent.Symbol)
	if err != nil {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed,
			Reason: domain.ErrMarketDataUnavailable.Error()}
	}

	size := math.Abs(position.Size)
	if d, err := decimal.NewFromString(intent.Size); err == nil && d.Sign() > 0 {
		if f, _ := d.Float64(); f < size {
			size = f
		}
	}

	long := position.Side() == domain.SideLong
	res, err := e.exchange.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:     intent.Symbol,
		IsBuy:      !long,
		Price:      r.PriceString(marketLimit(mark, !long)),
		Size:       r.SizeString(size),
		ReduceOnly: true,
		IsMarket:   true,
	})
	if err != nil {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed,
			Reason: fmt.Sprintf("close failed: %v", err)}
	}
	if !res.Success {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed,
			Reason: fmt.Sprintf("close rejected: %s", res.Error)}
	}
	return domain.ExecutionResult{Intent: intent, Status: domain.ResultExecuted, Success: true,
		Reason: fmt.Sprintf("closed %.8g %s", size, intent.Symbol), OrderID: res.OrderID}
}

// executeEntry открывает позицию. Стоп из того же батча прикрепляется к
// entry одним запросом, чтобы позиция ни мгновения не стояла без защиты;
// одиночный тейк прикрепляется там же. Дальнейшую сверку делает bracket-фаза.
func (e *Executor) executeEntry(ctx context.Context, intent domain.TradingIntent, symbolProtective []domain.TradingIntent) domain.ExecutionResult {
	r, err := e.rounderFor(ctx, intent.Symbol)
	if err != nil {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed, Reason: err.Error()}
	}

	leverage := e.validator.CapLeverage(intent.Leverage, r.Meta())
	if err := e.exchange.UpdateLeverage(ctx, exchange.LeverageParams{
		Coin: intent.Symbol, Leverage: leverage, IsCross: true,
	}); err != nil {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed,
			Reason: fmt.Sprintf("leverage update failed: %v", err)}
	}

	size, _ := ParsePositive("size", intent.Size)
	price, _ := ParsePositive("entry_price", intent.EntryPrice)
	isBuy := intent.Action == domain.ActionBuy

	params := exchange.BracketParams{
		Entry: exchange.PlaceOrderParams{
			Symbol: intent.Symbol,
			IsBuy:  isBuy,
			Price:  r.Price(price).String(),
			Size:   r.Size(size).String(),
		},
	}

	stops, takes := partitionProtective(symbolProtective)
	if len(stops) == 1 {
		sl, err := ParsePositive("trigger_price", stops[0].TriggerPrice)
		if err == nil {
			params.StopLoss = &exchange.PlaceOrderParams{
				Symbol:     intent.Symbol,
				IsBuy:      !isBuy,
				Price:      r.Price(sl).String(),
				Size:       r.Size(size).String(),
				ReduceOnly: true,
				IsTrigger:  true,
				TriggerPx:  r.Price(sl).String(),
				IsMarket:   true,
			}
		}
	}
	if len(takes) == 1 {
		tp, err := ParsePositive("trigger_price", takes[0].TriggerPrice)
		if err == nil {
			params.TakeProfit = &exchange.PlaceOrderParams{
				Symbol:     intent.Symbol,
				IsBuy:      !isBuy,
				Price:      r.Price(tp).String(),
				Size:       r.Size(size).String(),
				ReduceOnly: true,
			}
		}
	}

	resList, err := e.exchange.PlaceBracketOrder(ctx, params)
	if err != nil {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed,
			Reason: fmt.Sprintf("entry failed: %v", err)}
	}
	if len(resList) == 0 {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed,
			Reason: fmt.Sprintf("%v: empty bracket response", domain.ErrExchangeAPI)}
	}
	entryRes := resList[0]
	if !entryRes.Success {
		return domain.ExecutionResult{Intent: intent, Status: domain.ResultFailed,
			Reason: fmt.Sprintf("entry rejected: %s", entryRes.Error)}
	}

	metrics.OrdersPlacedTotal.WithLabelValues("entry").Inc()
	e.logger.Info("entry %s %s %s@%s oid=%d lev=%dx",
		intent.Action, intent.Symbol, params.Entry.Size, params.Entry.Price, entryRes.OrderID, leverage)
	return domain.ExecutionResult{Intent: intent, Status: domain.ResultExecuted, Success: true,
		Reason: "entry placed with attached bracket", OrderID: entryRes.OrderID}
}

// rounderFor возвращает rounder символа, кешируя метаданные на сессию
func (e *Executor) rounderFor(ctx context.Context, symbol string) (*Rounder, error) {
	e.mu.Lock()
	r, ok := e.rounders[symbol]
	e.mu.Unlock()
	if ok {
		return r, nil
	}

	meta, err := e.exchange.GetAssetMetadata(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("asset metadata unavailable for %s: %w", symbol, err)
	}
	r, err = NewRounder(meta)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.rounders[symbol] = r
	e.mu.Unlock()
	return r, nil
}

func (e *Executor) snapshotRounders() map[string]*Rounder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*Rounder, len(e.rounders))
	for k, v := range e.rounders {
		out[k] = v
	}
	return out
}

func (e *Executor) summarize(results []domain.ExecutionResult) *domain.ExecutionSummary {
	summary := &domain.ExecutionSummary{
		TotalActions: len(results),
		Results:      results,
	}
	for _, r := range results {
		switch r.Status {
		case domain.ResultExecuted:
			summary.SuccessfulExecutions++
		case domain.ResultSkipped:
			summary.SkippedActions++
		default:
			summary.FailedExecutions++
		}
	}
	return summary
}

// --- helpers ---

func splitProtective(intents []domain.TradingIntent) (protective, others []domain.TradingIntent) {
	for _, i := range intents {
		if i.IsProtective() {
			protective = append(protective, i)
		} else {
			others = append(others, i)
		}
	}
	return protective, others
}

func groupBySymbol(intents []domain.TradingIntent) map[string][]domain.TradingIntent {
	out := make(map[string][]domain.TradingIntent)
	for _, i := range intents {
		out[i.Symbol] = append(out[i.Symbol], i)
	}
	return out
}

// marketLimit цена-ограничитель для market-исполнения через Ioc
func marketLimit(mark float64, isBuy bool) float64 {
	if isBuy {
		return mark * 1.05
	}
	return mark * 0.95
}
