package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillm/perp-agent/internal/ai"
	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/execution"
	"github.com/kirillm/perp-agent/internal/metrics"
	"github.com/kirillm/perp-agent/internal/trigger"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// Storage персистентность, нужная циклу решений
type Storage interface {
	SaveAIDecision(d *domain.AIDecisionRecord) error
	GetAllProtectiveStates(userID string) ([]domain.ProtectiveOrderState, error)
}

// Exchange читающая поверхность биржи для сбора контекста
type Exchange interface {
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error)
	GetMarketData(ctx context.Context) ([]domain.MarketTicker, error)
}

// Notifier уведомления оператору, nil-safe через noop
type Notifier interface {
	Notify(text string)
}

// Orchestrator координатор автономной торговли: по таймеру собирает
// контекст, запрашивает решение у AI и передаёт intent'ы исполнителю.
// Режим определяет степень автономии: shadow только логирует решения,
// pilot исполняет с ополовиненными размерами входов, full без ограничений.
type Orchestrator struct {
	userID   string
	symbols  []string
	decision *ai.DecisionClient
	executor *execution.Executor
	bracket  *execution.BracketManager
	exchange Exchange
	storage  Storage
	candles  trigger.CandleSource
	notifier Notifier
	logger   *utils.Logger

	interval time.Duration
	stopChan chan struct{}

	mu        sync.Mutex
	mode      string
	isRunning bool
}

func New(
	userID string,
	symbols []string,
	mode string,
	interval time.Duration,
	decision *ai.DecisionClient,
	executor *execution.Executor,
	bracket *execution.BracketManager,
	ex Exchange,
	storage Storage,
	candles trigger.CandleSource,
	notifier Notifier,
	logger *utils.Logger,
) *Orchestrator {
	return &Orchestrator{
		userID:   userID,
		symbols:  symbols,
		mode:     mode,
		interval: interval,
		decision: decision,
		executor: executor,
		bracket:  bracket,
		exchange: ex,
		storage:  storage,
		candles:  candles,
		notifier: notifier,
		logger:   logger.WithPrefix("orchestrator"),
		stopChan: make(chan struct{}),
	}
}

// Start запускает цикл решений
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.isRunning = true
	o.mu.Unlock()

	o.logger.Info("started in %s mode, interval %v", o.GetMode(), o.interval)
	go o.run(ctx)
	return nil
}

// Stop останавливает цикл решений
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.isRunning {
		return
	}
	close(o.stopChan)
	o.isRunning = false
	o.logger.Info("stopped")
}

// SetMode изменяет режим работы
func (o *Orchestrator) SetMode(mode string) error {
	switch mode {
	case domain.ModeShadow, domain.ModePilot, domain.ModeFull:
	default:
		return fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidInput, mode)
	}
	o.mu.Lock()
	old := o.mode
	o.mode = mode
	o.mu.Unlock()
	o.logger.Info("mode switched: %s -> %s", old, mode)
	return nil
}

// GetMode возвращает текущий режим
func (o *Orchestrator) GetMode() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// IsRunning проверяет запущен ли orchestrator
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isRunning
}

// RunCycle выполняет один внеплановый цикл решений, не трогая расписание.
// Вызывается сработавшими триггерами и ручными запросами через API.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	return o.runDecisionCycle(ctx)
}

func (o *Orchestrator) run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	// первый цикл сразу после старта
	if err := o.runDecisionCycle(ctx); err != nil {
		o.logger.Error("initial decision cycle: %v", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := o.runDecisionCycle(ctx); err != nil {
				o.logger.Error("decision cycle: %v", err)
				o.notify(fmt.Sprintf("decision cycle error: %v", err))
			}
		case <-o.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runDecisionCycle выполняет один цикл принятия решений
func (o *Orchestrator) runDecisionCycle(ctx context.Context) error {
	mode := o.GetMode()
	o.logger.Info("starting decision cycle (mode: %s)", mode)

	req, err := o.gatherContext(ctx, mode)
	if err != nil {
		return fmt.Errorf("context gathering failed: %w", err)
	}

	// чистим состояние символов, позиции которых закрылись вне движка
	o.bracket.ReleaseClosed(ctx, o.userID, req.Protective)

	decision, err := o.decision.RequestDecision(ctx, req)
	if err != nil {
		return err
	}

	o.logger.Info("decision: %d intents, rationale: %s", len(decision.Intents), decision.Rationale)

	record := &domain.AIDecisionRecord{
		UserID:      o.userID,
		Rationale:   decision.Rationale,
		RawResponse: decision.Raw,
		IntentCount: len(decision.Intents),
		Mode:        mode,
	}
	if err := o.storage.SaveAIDecision(record); err != nil {
		// аудит не должен блокировать исполнение
		o.logger.Warn("failed to persist decision: %v", err)
	}

	if mode == domain.ModeShadow {
		for _, intent := range decision.Intents {
			o.logger.Info("shadow: would execute %s %s %s", intent.Action, intent.Symbol, intent.Size)
		}
		return nil
	}

	intents := decision.Intents
	if mode == domain.ModePilot {
		intents = halveEntrySizes(intents)
	}

	summary, err := o.executor.ExecuteTradeStrategy(ctx, o.userID, intents)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	o.logger.Info("cycle complete: %d executed, %d skipped, %d failed",
		summary.SuccessfulExecutions, summary.SkippedActions, summary.FailedExecutions)
	if summary.FailedExecutions > 0 {
		o.notify(formatFailures(summary))
	}
	return nil
}

// gatherContext собирает состояние аккаунта и рынка для AI
func (o *Orchestrator) gatherContext(ctx context.Context, mode string) (ai.DecisionRequest, error) {
	positions, err := o.exchange.GetPositions(ctx)
	if err != nil {
		return ai.DecisionRequest{}, fmt.Errorf("positions unavailable: %w", err)
	}
	metrics.OpenPositions.Set(float64(len(positions)))
	orders, err := o.exchange.GetOpenOrders(ctx)
	if err != nil {
		return ai.DecisionRequest{}, fmt.Errorf("open orders unavailable: %w", err)
	}
	protective, err := o.storage.GetAllProtectiveStates(o.userID)
	if err != nil {
		o.logger.Warn("protective states unavailable: %v", err)
	}

	tickers, err := o.exchange.GetMarketData(ctx)
	if err != nil {
		return ai.DecisionRequest{}, fmt.Errorf("market data unavailable: %w", err)
	}
	bySymbol := make(map[string]domain.MarketTicker, len(tickers))
	for _, t := range tickers {
		bySymbol[t.Symbol] = t
	}

	market := make([]ai.SymbolContext, 0, len(o.symbols))
	for _, symbol := range o.symbols {
		t := bySymbol[symbol]
		sc := ai.SymbolContext{
			Symbol:  symbol,
			Price:   t.Price,
			BestBid: t.BestBid,
			BestAsk: t.BestAsk,
		}
		o.fillIndicators(&sc)
		market = append(market, sc)
	}

	return ai.DecisionRequest{
		Positions:  positions,
		OpenOrders: orders,
		Protective: protective,
		Market:     market,
		Mode:       mode,
	}, nil
}

// fillIndicators добавляет индикаторы из минутных свечей потока.
// Недостаток истории оставляет нули, модель видит это как отсутствие данных.
func (o *Orchestrator) fillIndicators(sc *ai.SymbolContext) {
	candles := o.candles.Candles(sc.Symbol, 120)
	if len(candles) == 0 {
		return
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	if v, ok := trigger.RSI(closes, 14); ok {
		sc.RSI14 = v
	}
	if v, ok := trigger.EMA(closes, 20); ok {
		sc.EMA20 = v
	}
	if v, ok := trigger.ATR(candles, 14); ok {
		sc.ATR14 = v
	}
}

func (o *Orchestrator) notify(text string) {
	if o.notifier != nil {
		o.notifier.Notify(text)
	}
}

// halveEntrySizes режет размеры входов пополам для pilot-режима.
// Защитные и закрывающие intent'ы не трогаются: страховка позиции
// не должна зависеть от степени автономии.
func halveEntrySizes(intents []domain.TradingIntent) []domain.TradingIntent {
	out := make([]domain.TradingIntent, len(intents))
	copy(out, intents)
	for i := range out {
		if !out[i].IsEntry() || out[i].Size == "" {
			continue
		}
		size, err := decimal.NewFromString(out[i].Size)
		if err != nil {
			continue // битый размер отбросит валидатор
		}
		out[i].Size = size.Div(decimal.NewFromInt(2)).String()
	}
	return out
}

func formatFailures(summary *domain.ExecutionSummary) string {
	text := fmt.Sprintf("%d of %d intents failed:", summary.FailedExecutions, summary.TotalActions)
	for _, r := range summary.Results {
		if r.Status == domain.ResultFailed {
			text += fmt.Sprintf("\n- %s %s: %s", r.Intent.Action, r.Intent.Symbol, r.Reason)
		}
	}
	return text
}
