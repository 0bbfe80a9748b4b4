package advanced

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
	"github.com/kirillm/perp-agent/internal/execution"
	"github.com/kirillm/perp-agent/internal/metrics"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// Exchange поверхность биржи, нужная слайс-исполнению
type Exchange interface {
	GetAssetMetadata(ctx context.Context, symbol string) (domain.AssetMetadata, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error)
	GetMarketData(ctx context.Context) ([]domain.MarketTicker, error)
	PlaceOrder(ctx context.Context, params exchange.PlaceOrderParams) (exchange.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, params exchange.CancelParams) error
}

// OrderStore персистентность advanced-ордеров и их журналов исполнения
type OrderStore interface {
	SaveAdvancedOrder(o *domain.AdvancedOrder) error
	UpdateAdvancedOrder(o *domain.AdvancedOrder) error
	GetAdvancedOrder(id string) (*domain.AdvancedOrder, error)
	GetActiveAdvancedOrders(userID string) ([]domain.AdvancedOrder, error)
	ListAdvancedOrders(userID string) ([]domain.AdvancedOrder, error)
	AppendExecutionLog(entry *domain.ExecutionLogEntry) error
	GetExecutionLog(orderID string) ([]domain.ExecutionLogEntry, error)
}

// Engine планировщик advanced-ордеров. Каждый активный ордер гоняется
// собственной горутиной-машиной состояний; расписание каждый раз
// пересчитывается из executedSize и журнала, а не из идентичности таймеров,
// поэтому процесс можно перезапускать в любой момент.
type Engine struct {
	userID     string
	exchange   Exchange
	store      OrderStore
	killSwitch *execution.KillSwitch
	logger     *utils.Logger

	mu       sync.Mutex
	running  bool
	runners  map[string]chan struct{} // orderID -> stop signal
	wg       sync.WaitGroup
	rounders map[string]*execution.Rounder
}

func NewEngine(userID string, ex Exchange, store OrderStore, killSwitch *execution.KillSwitch, logger *utils.Logger) *Engine {
	return &Engine{
		userID:     userID,
		exchange:   ex,
		store:      store,
		killSwitch: killSwitch,
		logger:     logger.WithPrefix("advanced"),
		runners:    make(map[string]chan struct{}),
		rounders:   make(map[string]*execution.Rounder),
	}
}

// Start перечитывает все персистентные активные ордера и возобновляет их
// исполнение с executedSize, не с нуля
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("advanced order engine already running")
	}
	e.running = true
	e.mu.Unlock()

	orders, err := e.store.GetActiveAdvancedOrders(e.userID)
	if err != nil {
		return fmt.Errorf("failed to load active advanced orders: %w", err)
	}

	for i := range orders {
		o := orders[i]
		log, err := e.store.GetExecutionLog(o.ID)
		if err != nil {
			e.logger.Error("failed to load execution log for %s: %v", o.ID, err)
			continue
		}
		o.ExecutionLog = log
		e.logger.Info("resuming %s order %s: %.8g/%.8g executed, %d log entries",
			o.OrderType, o.ID, o.ExecutedSize, o.TotalSize, len(log))
		e.launch(ctx, o)
	}
	return nil
}

// Stop снимает все локальные таймеры, не мутируя персистентное состояние:
// дочерние ордера, уже стоящие на бирже, остаются до явной отмены
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	for id, stop := range e.runners {
		close(stop)
		delete(e.runners, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// ExecuteOrder принимает новый advanced-ордер: валидирует параметры,
// персистит его активным и запускает исполнение
func (e *Engine) ExecuteOrder(ctx context.Context, o *domain.AdvancedOrder) error {
	if err := validateParams(o); err != nil {
		return err
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.UserID = e.userID
	o.Status = domain.AdvancedStatusActive
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt

	if err := e.store.SaveAdvancedOrder(o); err != nil {
		return fmt.Errorf("failed to persist advanced order: %w", err)
	}

	e.logger.Info("accepted %s order %s for %s, total size %.8g", o.OrderType, o.ID, o.Symbol, o.TotalSize)
	e.launch(ctx, *o)
	return nil
}

// PauseOrder приостанавливает ордер: таймер снимается, статус персистится
func (e *Engine) PauseOrder(id string) error {
	return e.transition(id, domain.AdvancedStatusActive, domain.AdvancedStatusPaused, true)
}

// ResumeOrder возобновляет приостановленный ордер
func (e *Engine) ResumeOrder(ctx context.Context, id string) error {
	if err := e.transition(id, domain.AdvancedStatusPaused, domain.AdvancedStatusActive, false); err != nil {
		return err
	}
	o, err := e.store.GetAdvancedOrder(id)
	if err != nil {
		return err
	}
	log, err := e.store.GetExecutionLog(id)
	if err != nil {
		return err
	}
	o.ExecutionLog = log
	e.launch(ctx, *o)
	return nil
}

// CancelOrder отменяет ордер и best-effort снимает его стоящих детей с биржи
func (e *Engine) CancelOrder(ctx context.Context, id string) error {
	if err := e.transition(id, "", domain.AdvancedStatusCancelled, true); err != nil {
		return err
	}

	o, err := e.store.GetAdvancedOrder(id)
	if err != nil {
		return err
	}
	open, err := e.exchange.GetOpenOrders(ctx)
	if err != nil {
		return nil // статус уже cancelled; детей снимет оператор
	}
	resting := make(map[int64]bool, len(open))
	for _, oo := range open {
		resting[oo.OrderID] = true
	}
	for _, child := range o.ChildOrderIDs {
		if resting[child] {
			if err := e.exchange.CancelOrder(ctx, exchange.CancelParams{Coin: o.Symbol, Oid: child}); err != nil {
				e.logger.Warn("failed to cancel child %d of %s: %v", child, id, err)
			}
		}
	}
	return nil
}

// ListOrders возвращает все ордера пользователя для API
func (e *Engine) ListOrders() ([]domain.AdvancedOrder, error) {
	return e.store.ListAdvancedOrders(e.userID)
}

// transition меняет статус ордера с проверкой исходного состояния
func (e *Engine) transition(id, from, to string, stopRunner bool) error {
	o, err := e.store.GetAdvancedOrder(id)
	if err != nil {
		return err
	}
	if from != "" && o.Status != from {
		return fmt.Errorf("%w: order %s is %s, not %s", domain.ErrInvalidInput, id, o.Status, from)
	}
	if o.Status == domain.AdvancedStatusCompleted || o.Status == domain.AdvancedStatusCancelled {
		return fmt.Errorf("%w: order %s already %s", domain.ErrInvalidInput, id, o.Status)
	}

	o.Status = to
	o.UpdatedAt = time.Now()
	if err := e.store.UpdateAdvancedOrder(o); err != nil {
		return err
	}

	if stopRunner {
		e.mu.Lock()
		if stop, ok := e.runners[id]; ok {
			close(stop)
			delete(e.runners, id)
		}
		e.mu.Unlock()
	}

	e.logger.Info("order %s: %s -> %s", id, from, to)
	return nil
}

// launch запускает горутину-исполнителя ордера
func (e *Engine) launch(ctx context.Context, o domain.AdvancedOrder) {
	stop := make(chan struct{})

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	if old, ok := e.runners[o.ID]; ok {
		close(old)
	}
	e.runners[o.ID] = stop
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(o.ID, stop)

		switch o.OrderType {
		case domain.AdvancedTWAP:
			e.runTWAP(ctx, o, stop)
		case domain.AdvancedIceberg:
			e.runIceberg(ctx, o, stop)
		case domain.AdvancedOCO:
			e.runOCO(ctx, o, stop)
		case domain.AdvancedTrailingTP:
			e.runTrailingTP(ctx, o, stop)
		case domain.AdvancedLimitChase:
			e.runLimitChase(ctx, o, stop)
		case domain.AdvancedScaled:
			e.runScaled(ctx, o, stop)
		default:
			e.logger.Error("unknown advanced order type %q for %s", o.OrderType, o.ID)
		}
	}()
}

func (e *Engine) release(id string, stop chan struct{}) {
	e.mu.Lock()
	if cur, ok := e.runners[id]; ok && cur == stop {
		delete(e.runners, id)
	}
	e.mu.Unlock()
}

// recordSlice фиксирует исполненный слайс: журнал, executedSize, метрика
func (e *Engine) recordSlice(o *domain.AdvancedOrder, size, price float64, childOID int64, note string) {
	entry := domain.ExecutionLogEntry{
		OrderID:   o.ID,
		SliceSize: size,
		Price:     price,
		ChildOID:  childOID,
		Note:      note,
		CreatedAt: time.Now(),
	}
	if err := e.store.AppendExecutionLog(&entry); err != nil {
		e.logger.Error("failed to append execution log for %s: %v", o.ID, err)
	}
	o.ExecutionLog = append(o.ExecutionLog, entry)
	o.ExecutedSize += size
	if childOID != 0 {
		o.ChildOrderIDs = append(o.ChildOrderIDs, childOID)
	}
	o.UpdatedAt = time.Now()
	if err := e.store.UpdateAdvancedOrder(o); err != nil {
		e.logger.Error("failed to persist order %s: %v", o.ID, err)
	}
	metrics.AdvancedSlicesTotal.WithLabelValues(o.OrderType, "ok").Inc()
	metrics.OrdersPlacedTotal.WithLabelValues("advanced_slice").Inc()
}

// recordError фиксирует ошибку слайса. Расписание родителя не
// останавливается: временные ошибки биржи терпятся слайс за слайсом,
// накопленный errorCount — сигнал оператору, не авто-отмена.
func (e *Engine) recordError(o *domain.AdvancedOrder, err error) {
	o.ErrorCount++
	o.LastError = err.Error()
	o.UpdatedAt = time.Now()
	if uerr := e.store.UpdateAdvancedOrder(o); uerr != nil {
		e.logger.Error("failed to persist error for %s: %v", o.ID, uerr)
	}
	metrics.AdvancedSlicesTotal.WithLabelValues(o.OrderType, "error").Inc()
	e.logger.Warn("order %s slice error #%d: %v", o.ID, o.ErrorCount, err)
}

// complete переводит ордер в терминальный completed и пишет итоговую сводку
func (e *Engine) complete(o *domain.AdvancedOrder) {
	o.Status = domain.AdvancedStatusCompleted
	o.UpdatedAt = time.Now()
	if err := e.store.UpdateAdvancedOrder(o); err != nil {
		e.logger.Error("failed to persist completion of %s: %v", o.ID, err)
	}
	avg := weightedAveragePrice(o.ExecutionLog)
	e.logger.Info("order %s completed: %.8g executed across %d slices, avg price %.6g",
		o.ID, o.ExecutedSize, len(o.ExecutionLog), avg)
}

// statusStillActive перечитывает статус: pause/cancel могли прийти извне
func (e *Engine) statusStillActive(id string) bool {
	o, err := e.store.GetAdvancedOrder(id)
	if err != nil {
		return false
	}
	return o.Status == domain.AdvancedStatusActive
}

func (e *Engine) rounderFor(ctx context.Context, symbol string) (*execution.Rounder, error) {
	e.mu.Lock()
	r, ok := e.rounders[symbol]
	e.mu.Unlock()
	if ok {
		return r, nil
	}
	meta, err := e.exchange.GetAssetMetadata(ctx, symbol)
	if err != nil {
		return nil, err
	}
	r, err = execution.NewRounder(meta)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.rounders[symbol] = r
	e.mu.Unlock()
	return r, nil
}

// ticker возвращает лучший bid/ask и цену символа
func (e *Engine) ticker(ctx context.Context, symbol string) (domain.MarketTicker, error) {
	tickers, err := e.exchange.GetMarketData(ctx)
	if err != nil {
		return domain.MarketTicker{}, err
	}
	for _, t := range tickers {
		if t.Symbol == symbol {
			return t, nil
		}
	}
	return domain.MarketTicker{}, fmt.Errorf("%w: no ticker for %s", domain.ErrExchangeAPI, symbol)
}

// weightedAveragePrice средняя цена исполнения, взвешенная по размеру слайсов
func weightedAveragePrice(log []domain.ExecutionLogEntry) float64 {
	var sizeSum, notional float64
	for _, entry := range log {
		if entry.Price <= 0 || entry.SliceSize <= 0 {
			continue
		}
		sizeSum += entry.SliceSize
		notional += entry.SliceSize * entry.Price
	}
	if sizeSum == 0 {
		return 0
	}
	return notional / sizeSum
}

// validateParams проверяет типо-специфичные параметры до персиста
func validateParams(o *domain.AdvancedOrder) error {
	if o.Symbol == "" || o.TotalSize <= 0 {
		return fmt.Errorf("%w: symbol and positive total size required", domain.ErrInvalidInput)
	}
	if o.Side != domain.SideLong && o.Side != domain.SideShort {
		return fmt.Errorf("%w: bad side %q", domain.ErrInvalidInput, o.Side)
	}

	p := o.Params
	switch o.OrderType {
	case domain.AdvancedTWAP:
		if p.Slices <= 0 || (p.DurationMinutes <= 0 && p.IntervalSeconds <= 0) {
			return fmt.Errorf("%w: twap needs slices and duration or interval", domain.ErrInvalidInput)
		}
	case domain.AdvancedIceberg:
		if p.DisplaySize <= 0 || p.LimitPrice <= 0 {
			return fmt.Errorf("%w: iceberg needs display size and limit price", domain.ErrInvalidInput)
		}
	case domain.AdvancedOCO:
		if p.FirstPrice <= 0 || p.SecondPrice <= 0 {
			return fmt.Errorf("%w: oco needs two prices", domain.ErrInvalidInput)
		}
	case domain.AdvancedTrailingTP:
		if p.TrailDistance <= 0 {
			return fmt.Errorf("%w: trailing_tp needs trail distance", domain.ErrInvalidInput)
		}
	case domain.AdvancedLimitChase:
		if p.ChaseIntervalSeconds <= 0 || p.MaxChases <= 0 {
			return fmt.Errorf("%w: limit_chase needs chase interval and max chases", domain.ErrInvalidInput)
		}
		switch p.GiveBehavior {
		case domain.GiveBehaviorCancel, domain.GiveBehaviorMarket, domain.GiveBehaviorWait:
		default:
			return fmt.Errorf("%w: bad give behavior %q", domain.ErrInvalidInput, p.GiveBehavior)
		}
	case domain.AdvancedScaled:
		if p.Levels <= 0 || p.PriceLow <= 0 || p.PriceHigh <= p.PriceLow {
			return fmt.Errorf("%w: scaled needs levels and a price range", domain.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", domain.ErrInvalidInput, o.OrderType)
	}
	return nil
}
