package advanced

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
	"github.com/kirillm/perp-agent/pkg/utils"
)

type fakeAdvExchange struct {
	mu         sync.Mutex
	tickers    []domain.MarketTicker
	openOrders []domain.OpenOrder
	positions  []domain.Position

	placed    []exchange.PlaceOrderParams
	cancelled []int64
	nextOID   int64

	// onPlace вызывается после каждого размещения с его порядковым номером
	onPlace func(n int)
}

func (f *fakeAdvExchange) GetAssetMetadata(ctx context.Context, symbol string) (domain.AssetMetadata, error) {
	return domain.AssetMetadata{Symbol: symbol, TickSize: "0.5", SzDecimals: 3, MaxLeverage: 50}, nil
}

func (f *fakeAdvExchange) GetPositions(ctx context.Context) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeAdvExchange) GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OpenOrder, len(f.openOrders))
	copy(out, f.openOrders)
	return out, nil
}

func (f *fakeAdvExchange) GetMarketData(ctx context.Context) ([]domain.MarketTicker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers, nil
}

func (f *fakeAdvExchange) PlaceOrder(ctx context.Context, params exchange.PlaceOrderParams) (exchange.PlaceOrderResult, error) {
	f.mu.Lock()
	f.placed = append(f.placed, params)
	f.nextOID++
	n, oid, hook := len(f.placed), f.nextOID, f.onPlace
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return exchange.PlaceOrderResult{Success: true, OrderID: oid}, nil
}

func (f *fakeAdvExchange) CancelOrder(ctx context.Context, params exchange.CancelParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, params.Oid)
	return nil
}

func (f *fakeAdvExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*domain.AdvancedOrder
	logs   map[string][]domain.ExecutionLogEntry
	nextID int64
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders: make(map[string]*domain.AdvancedOrder),
		logs:   make(map[string][]domain.ExecutionLogEntry),
	}
}

func (f *fakeOrderStore) SaveAdvancedOrder(o *domain.AdvancedOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *o
	f.orders[o.ID] = &cp
	return nil
}

func (f *fakeOrderStore) UpdateAdvancedOrder(o *domain.AdvancedOrder) error {
	return f.SaveAdvancedOrder(o)
}

func (f *fakeOrderStore) GetAdvancedOrder(id string) (*domain.AdvancedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: advanced order %s", domain.ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrderStore) GetActiveAdvancedOrders(userID string) ([]domain.AdvancedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AdvancedOrder
	for _, o := range f.orders {
		if o.UserID == userID && o.Status == domain.AdvancedStatusActive {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) ListAdvancedOrders(userID string) ([]domain.AdvancedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AdvancedOrder
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) AppendExecutionLog(entry *domain.ExecutionLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	entry.ID = f.nextID
	f.logs[entry.OrderID] = append(f.logs[entry.OrderID], *entry)
	return nil
}

func (f *fakeOrderStore) GetExecutionLog(orderID string) ([]domain.ExecutionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ExecutionLogEntry, len(f.logs[orderID]))
	copy(out, f.logs[orderID])
	return out, nil
}

func testEngine(t *testing.T, ex *fakeAdvExchange, store *fakeOrderStore) *Engine {
	t.Helper()
	e := NewEngine("u1", ex, store, nil, utils.NewLogger("error"))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func waitForStatus(t *testing.T, store *fakeOrderStore, id, status string, timeout time.Duration) *domain.AdvancedOrder {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		o, err := store.GetAdvancedOrder(id)
		if err == nil && o.Status == status {
			return o
		}
		time.Sleep(50 * time.Millisecond)
	}
	o, _ := store.GetAdvancedOrder(id)
	t.Fatalf("order %s never reached status %q, last seen %+v", id, status, o)
	return nil
}

func TestValidateParams(t *testing.T) {
	base := func(orderType string, p domain.AdvancedParams) *domain.AdvancedOrder {
		return &domain.AdvancedOrder{
			Symbol: "BTC", Side: domain.SideLong, OrderType: orderType,
			TotalSize: 1, Params: p,
		}
	}

	tests := []struct {
		name    string
		order   *domain.AdvancedOrder
		wantErr bool
	}{
		{"twap valid", base(domain.AdvancedTWAP, domain.AdvancedParams{Slices: 5, DurationMinutes: 10}), false},
		{"twap interval override only", base(domain.AdvancedTWAP, domain.AdvancedParams{Slices: 5, IntervalSeconds: 30}), false},
		{"twap no slices", base(domain.AdvancedTWAP, domain.AdvancedParams{DurationMinutes: 10}), true},
		{"iceberg valid", base(domain.AdvancedIceberg, domain.AdvancedParams{DisplaySize: 0.1, LimitPrice: 65000}), false},
		{"iceberg no display", base(domain.AdvancedIceberg, domain.AdvancedParams{LimitPrice: 65000}), true},
		{"oco valid", base(domain.AdvancedOCO, domain.AdvancedParams{FirstPrice: 68000, SecondPrice: 63000}), false},
		{"oco one price", base(domain.AdvancedOCO, domain.AdvancedParams{FirstPrice: 68000}), true},
		{"trailing valid", base(domain.AdvancedTrailingTP, domain.AdvancedParams{TrailDistance: 500}), false},
		{"trailing no distance", base(domain.AdvancedTrailingTP, domain.AdvancedParams{}), true},
		{"chase valid", base(domain.AdvancedLimitChase, domain.AdvancedParams{ChaseIntervalSeconds: 5, MaxChases: 10, GiveBehavior: domain.GiveBehaviorCancel}), false},
		{"chase bad behavior", base(domain.AdvancedLimitChase, domain.AdvancedParams{ChaseIntervalSeconds: 5, MaxChases: 10, GiveBehavior: "explode"}), true},
		{"scaled valid", base(domain.AdvancedScaled, domain.AdvancedParams{Levels: 4, PriceLow: 63000, PriceHigh: 65000}), false},
		{"scaled inverted range", base(domain.AdvancedScaled, domain.AdvancedParams{Levels: 4, PriceLow: 65000, PriceHigh: 63000}), true},
		{"unknown type", base("smart", domain.AdvancedParams{}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateParams(tt.order)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateParams() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	t.Run("zero size", func(t *testing.T) {
		o := base(domain.AdvancedTWAP, domain.AdvancedParams{Slices: 5, DurationMinutes: 10})
		o.TotalSize = 0
		if err := validateParams(o); err == nil {
			t.Error("validateParams() = nil, want error for zero size")
		}
	})
}

func TestTwapInterval(t *testing.T) {
	tests := []struct {
		name   string
		params domain.AdvancedParams
		want   time.Duration
	}{
		{"from duration", domain.AdvancedParams{DurationMinutes: 10, Slices: 5}, 2 * time.Minute},
		{"explicit interval wins", domain.AdvancedParams{DurationMinutes: 10, Slices: 5, IntervalSeconds: 30}, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := twapInterval(tt.params); got != tt.want {
				t.Errorf("twapInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithJitter(t *testing.T) {
	base := time.Second

	if got := withJitter(base, false); got != base {
		t.Errorf("withJitter(disabled) = %v, want %v", got, base)
	}

	for i := 0; i < 100; i++ {
		got := withJitter(base, true)
		if got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("withJitter() = %v, want within ±20%% of %v", got, base)
		}
	}
}

func TestWeightedAveragePrice(t *testing.T) {
	log := []domain.ExecutionLogEntry{
		{SliceSize: 1, Price: 100},
		{SliceSize: 3, Price: 200},
		{SliceSize: 0, Price: 0, Note: "dust"}, // не участвует
	}
	if got := weightedAveragePrice(log); got != 175 {
		t.Errorf("weightedAveragePrice() = %v, want 175", got)
	}
	if got := weightedAveragePrice(nil); got != 0 {
		t.Errorf("weightedAveragePrice(nil) = %v, want 0", got)
	}
}

func TestTWAP_ExecutesAllSlices(t *testing.T) {
	ex := &fakeAdvExchange{
		tickers: []domain.MarketTicker{{Symbol: "BTC", Price: 65000, BestBid: 64999, BestAsk: 65001}},
	}
	store := newFakeOrderStore()
	e := testEngine(t, ex, store)

	order := &domain.AdvancedOrder{
		Symbol: "BTC", Side: domain.SideLong, OrderType: domain.AdvancedTWAP,
		TotalSize: 9,
		Params:    domain.AdvancedParams{Slices: 3, IntervalSeconds: 1},
	}
	if err := e.ExecuteOrder(context.Background(), order); err != nil {
		t.Fatalf("ExecuteOrder() error = %v", err)
	}

	final := waitForStatus(t, store, order.ID, domain.AdvancedStatusCompleted, 10*time.Second)

	if final.ExecutedSize != 9 {
		t.Errorf("ExecutedSize = %v, want 9", final.ExecutedSize)
	}
	log, _ := store.GetExecutionLog(order.ID)
	if len(log) != 3 {
		t.Fatalf("execution log has %d entries, want 3", len(log))
	}
	for _, entry := range log {
		if entry.SliceSize != 3 {
			t.Errorf("slice size = %v, want 3", entry.SliceSize)
		}
	}
	if ex.placedCount() != 3 {
		t.Errorf("exchange saw %d placements, want 3", ex.placedCount())
	}
}

// Рестарт: расписание продолжается с executedSize, а не начинается заново.
func TestTWAP_ResumesFromExecutedSize(t *testing.T) {
	ex := &fakeAdvExchange{
		tickers: []domain.MarketTicker{{Symbol: "BTC", Price: 65000, BestBid: 64999, BestAsk: 65001}},
	}
	store := newFakeOrderStore()

	order := &domain.AdvancedOrder{
		ID: "resume-1", UserID: "u1",
		Symbol: "BTC", Side: domain.SideLong, OrderType: domain.AdvancedTWAP,
		Status: domain.AdvancedStatusActive, TotalSize: 9, ExecutedSize: 6,
		Params: domain.AdvancedParams{Slices: 3, IntervalSeconds: 1},
	}
	store.SaveAdvancedOrder(order)
	store.AppendExecutionLog(&domain.ExecutionLogEntry{OrderID: "resume-1", SliceSize: 3, Price: 65000})
	store.AppendExecutionLog(&domain.ExecutionLogEntry{OrderID: "resume-1", SliceSize: 3, Price: 65000})

	testEngine(t, ex, store) // Start() подхватывает активный ордер

	final := waitForStatus(t, store, "resume-1", domain.AdvancedStatusCompleted, 10*time.Second)

	if final.ExecutedSize != 9 {
		t.Errorf("ExecutedSize = %v, want 9", final.ExecutedSize)
	}
	log, _ := store.GetExecutionLog("resume-1")
	if len(log) != 3 {
		t.Errorf("execution log has %d entries, want 3 (one new slice)", len(log))
	}
	if ex.placedCount() != 1 {
		t.Errorf("exchange saw %d placements after resume, want 1", ex.placedCount())
	}
}

// Первая нога OCO попадает в стор до размещения второй: рестарт между
// размещениями не оставляет в стакане неучтённый ордер.
func TestOCO_PersistsFirstLegBeforeSecond(t *testing.T) {
	ex := &fakeAdvExchange{
		tickers: []domain.MarketTicker{{Symbol: "BTC", Price: 65000, BestBid: 64999, BestAsk: 65001}},
	}
	store := newFakeOrderStore()

	order := &domain.AdvancedOrder{
		ID: "oco-1", UserID: "u1",
		Symbol: "BTC", Side: domain.SideLong, OrderType: domain.AdvancedOCO,
		Status: domain.AdvancedStatusActive, TotalSize: 1,
		Params: domain.AdvancedParams{FirstPrice: 68000, SecondPrice: 63000, SecondTrigger: true},
	}
	store.SaveAdvancedOrder(order)

	var mu sync.Mutex
	var persistedAtSecond []int64
	ex.onPlace = func(n int) {
		if n != 2 {
			return
		}
		o, err := store.GetAdvancedOrder("oco-1")
		if err != nil {
			return
		}
		mu.Lock()
		persistedAtSecond = append([]int64(nil), o.ChildOrderIDs...)
		mu.Unlock()
	}

	testEngine(t, ex, store) // Start() подхватывает активный ордер

	// обе ноги отсутствуют в стакане: пара завершается на первом полле
	waitForStatus(t, store, "oco-1", domain.AdvancedStatusCompleted, 10*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(persistedAtSecond) != 1 || persistedAtSecond[0] != 1 {
		t.Errorf("persisted legs at second placement = %v, want [1]", persistedAtSecond)
	}
}

// Рестарт с одной персистированной ногой доразмещает только недостающую.
func TestOCO_ResumesWithSinglePersistedLeg(t *testing.T) {
	ex := &fakeAdvExchange{
		tickers: []domain.MarketTicker{{Symbol: "BTC", Price: 65000, BestBid: 64999, BestAsk: 65001}},
		nextOID: 100,
	}
	store := newFakeOrderStore()

	order := &domain.AdvancedOrder{
		ID: "oco-2", UserID: "u1",
		Symbol: "BTC", Side: domain.SideLong, OrderType: domain.AdvancedOCO,
		Status: domain.AdvancedStatusActive, TotalSize: 1,
		ChildOrderIDs: []int64{7}, // выжила только первая нога
		Params:        domain.AdvancedParams{FirstPrice: 68000, SecondPrice: 63000},
	}
	store.SaveAdvancedOrder(order)

	// первая нога успела исполниться, вторая (oid 101) встанет и будет снята
	ex.openOrders = []domain.OpenOrder{
		{OrderID: 101, Symbol: "BTC", Price: 63000, Size: 1},
	}

	testEngine(t, ex, store)

	final := waitForStatus(t, store, "oco-2", domain.AdvancedStatusCompleted, 10*time.Second)

	if ex.placedCount() != 1 {
		t.Errorf("exchange saw %d placements after resume, want only the missing leg", ex.placedCount())
	}
	if len(final.ChildOrderIDs) != 2 || final.ChildOrderIDs[0] != 7 || final.ChildOrderIDs[1] != 101 {
		t.Errorf("ChildOrderIDs = %v, want [7 101]", final.ChildOrderIDs)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.cancelled) != 1 || ex.cancelled[0] != 101 {
		t.Errorf("cancelled = %v, want surviving leg 101", ex.cancelled)
	}
}

func TestPauseResumeCancelTransitions(t *testing.T) {
	ex := &fakeAdvExchange{
		tickers: []domain.MarketTicker{{Symbol: "BTC", Price: 65000, BestBid: 64999, BestAsk: 65001}},
	}
	store := newFakeOrderStore()
	e := testEngine(t, ex, store)

	order := &domain.AdvancedOrder{
		Symbol: "BTC", Side: domain.SideLong, OrderType: domain.AdvancedTWAP,
		TotalSize: 9,
		Params:    domain.AdvancedParams{Slices: 3, IntervalSeconds: 600},
	}
	if err := e.ExecuteOrder(context.Background(), order); err != nil {
		t.Fatalf("ExecuteOrder() error = %v", err)
	}

	if err := e.PauseOrder(order.ID); err != nil {
		t.Fatalf("PauseOrder() error = %v", err)
	}
	o, _ := store.GetAdvancedOrder(order.ID)
	if o.Status != domain.AdvancedStatusPaused {
		t.Errorf("status after pause = %q, want paused", o.Status)
	}

	// пауза уже снятого ордера отклоняется проверкой исходного статуса
	if err := e.PauseOrder(order.ID); err == nil {
		t.Error("PauseOrder() on paused order = nil, want error")
	}

	if err := e.ResumeOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("ResumeOrder() error = %v", err)
	}
	o, _ = store.GetAdvancedOrder(order.ID)
	if o.Status != domain.AdvancedStatusActive {
		t.Errorf("status after resume = %q, want active", o.Status)
	}

	if err := e.CancelOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	o, _ = store.GetAdvancedOrder(order.ID)
	if o.Status != domain.AdvancedStatusCancelled {
		t.Errorf("status after cancel = %q, want cancelled", o.Status)
	}

	// терминальный статус необратим
	if err := e.ResumeOrder(context.Background(), order.ID); err == nil {
		t.Error("ResumeOrder() on cancelled order = nil, want error")
	}
}

// Сопровождение питается mark-ценой позиции: откат от сохранённого
// high-water mark'а на trail_distance закрывает позицию маркетом.
func TestTrailingTP_ClosesOnPullback(t *testing.T) {
	ex := &fakeAdvExchange{
		positions: []domain.Position{
			{Symbol: "BTC", Size: 1, EntryPrice: 64000, MarkPrice: 65000},
		},
	}
	store := newFakeOrderStore()

	order := &domain.AdvancedOrder{
		ID: "trail-1", UserID: "u1",
		Symbol: "BTC", Side: domain.SideLong, OrderType: domain.AdvancedTrailingTP,
		Status: domain.AdvancedStatusActive, TotalSize: 1,
		Params: domain.AdvancedParams{TrailDistance: 500, PollSeconds: 1, HighWaterMark: 66000},
	}
	store.SaveAdvancedOrder(order)

	testEngine(t, ex, store)

	final := waitForStatus(t, store, "trail-1", domain.AdvancedStatusCompleted, 10*time.Second)

	if final.ExecutedSize != 1 {
		t.Errorf("ExecutedSize = %v, want 1", final.ExecutedSize)
	}
	if final.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d (%s), want clean close", final.ErrorCount, final.LastError)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.placed) != 1 {
		t.Fatalf("exchange saw %d placements, want 1", len(ex.placed))
	}
	p := ex.placed[0]
	if p.IsBuy || !p.ReduceOnly || !p.IsMarket {
		t.Errorf("close params = %+v, want reduce-only market sell", p)
	}
}

// Явная отмена best-effort снимает стоящих детей с биржи.
func TestCancelOrder_CancelsRestingChildren(t *testing.T) {
	ex := &fakeAdvExchange{
		tickers: []domain.MarketTicker{{Symbol: "BTC", Price: 65000, BestBid: 64999, BestAsk: 65001}},
		openOrders: []domain.OpenOrder{
			{OrderID: 11, Symbol: "BTC", Price: 64000, Size: 0.5},
		},
	}
	store := newFakeOrderStore()
	e := testEngine(t, ex, store)

	order := &domain.AdvancedOrder{
		ID: "ice-1", UserID: "u1",
		Symbol: "BTC", Side: domain.SideLong, OrderType: domain.AdvancedIceberg,
		Status: domain.AdvancedStatusActive, TotalSize: 2,
		ChildOrderIDs: []int64{11, 12}, // 12 уже не в стакане
		Params:        domain.AdvancedParams{DisplaySize: 0.5, LimitPrice: 64000},
	}
	store.SaveAdvancedOrder(order)

	if err := e.CancelOrder(context.Background(), "ice-1"); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.cancelled) != 1 || ex.cancelled[0] != 11 {
		t.Errorf("cancelled children = %v, want only resting order 11", ex.cancelled)
	}
}
