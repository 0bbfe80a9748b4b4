package execution

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
	"github.com/kirillm/perp-agent/internal/policy"
	"github.com/kirillm/perp-agent/pkg/utils"
)

type fakeExchange struct {
	positions  []domain.Position
	openOrders []domain.OpenOrder

	placed    []exchange.PlaceOrderParams
	brackets  []exchange.BracketParams
	cancelled []exchange.CancelParams
	leverage  []exchange.LeverageParams
}

func (f *fakeExchange) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return f.positions, nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	return f.openOrders, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, params exchange.PlaceOrderParams) (exchange.PlaceOrderResult, error) {
	f.placed = append(f.placed, params)
	return exchange.PlaceOrderResult{Success: true, OrderID: int64(100 + len(f.placed))}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, params exchange.CancelParams) error {
	f.cancelled = append(f.cancelled, params)
	return nil
}

func (f *fakeExchange) GetAssetMetadata(ctx context.Context, symbol string) (domain.AssetMetadata, error) {
	meta := testMeta()
	meta.Symbol = symbol
	return meta, nil
}

func (f *fakeExchange) PlaceBracketOrder(ctx context.Context, params exchange.BracketParams) ([]exchange.PlaceOrderResult, error) {
	f.brackets = append(f.brackets, params)
	return []exchange.PlaceOrderResult{{Success: true, OrderID: 200}}, nil
}

func (f *fakeExchange) UpdateLeverage(ctx context.Context, params exchange.LeverageParams) error {
	f.leverage = append(f.leverage, params)
	return nil
}

type fakePrices struct {
	price float64
	err   error
}

func (f *fakePrices) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, f.err
}

type fakeATR struct {
	atr float64
	ok  bool
}

func (f *fakeATR) ATR(symbol string) (float64, bool) { return f.atr, f.ok }

func testExecutor(ex *fakeExchange) (*Executor, *KillSwitch) {
	logger := utils.NewLogger("error")
	profile := policy.Default()
	ks := NewKillSwitch(logger)
	bracket := NewBracketManager(ex, newFakeStateStore(), profile, logger)
	e := NewExecutor(
		ex,
		&fakePrices{price: 65000},
		&fakeATR{},
		NewValidator(profile, logger),
		NewDeduplicator(logger),
		bracket,
		ks,
		logger,
	)
	return e, ks
}

func TestExecuteTradeStrategy_KillSwitchBlocksBatch(t *testing.T) {
	ex := &fakeExchange{}
	e, ks := testExecutor(ex)
	ks.Activate("test halt")

	_, err := e.ExecuteTradeStrategy(context.Background(), "u1", []domain.TradingIntent{
		{Action: domain.ActionHold},
	})
	if !errors.Is(err, domain.ErrKillSwitchActive) {
		t.Errorf("ExecuteTradeStrategy() error = %v, want ErrKillSwitchActive", err)
	}
}

func TestExecuteTradeStrategy_HoldReportsAndSkips(t *testing.T) {
	ex := &fakeExchange{}
	e, _ := testExecutor(ex)

	summary, err := e.ExecuteTradeStrategy(context.Background(), "u1", []domain.TradingIntent{
		{Action: domain.ActionHold, Reasoning: "nothing to do"},
	})
	if err != nil {
		t.Fatalf("ExecuteTradeStrategy() error = %v", err)
	}
	if summary.TotalActions != 1 || summary.SkippedActions != 1 {
		t.Errorf("summary = %+v, want one skipped action", summary)
	}
	if len(ex.placed) != 0 || len(ex.brackets) != 0 {
		t.Errorf("exchange touched by hold-only batch")
	}
}

// Entry без парного стопа в том же батче блокирует батч целиком, до единого
// биржевого вызова.
func TestExecuteTradeStrategy_EntryRequiresStop(t *testing.T) {
	ex := &fakeExchange{}
	e, _ := testExecutor(ex)

	summary, err := e.ExecuteTradeStrategy(context.Background(), "u1", []domain.TradingIntent{
		{Action: domain.ActionBuy, Symbol: "BTC", Side: domain.SideLong,
			Size: "0.01", EntryPrice: "65000", Leverage: 5},
	})
	if err != nil {
		t.Fatalf("ExecuteTradeStrategy() error = %v", err)
	}
	if summary.FailedExecutions != 1 {
		t.Fatalf("summary = %+v, want one failed action", summary)
	}
	if !strings.Contains(summary.Results[0].Reason, "stop-loss") {
		t.Errorf("Reason = %q, want stop-loss mention", summary.Results[0].Reason)
	}
	if len(ex.brackets) != 0 {
		t.Errorf("exchange saw %d bracket placements, want 0", len(ex.brackets))
	}
}

// Стоп из батча прикрепляется к entry одним бирже-запросом.
func TestExecuteTradeStrategy_EntryWithAttachedStop(t *testing.T) {
	ex := &fakeExchange{}
	e, _ := testExecutor(ex)

	summary, err := e.ExecuteTradeStrategy(context.Background(), "u1", []domain.TradingIntent{
		{Action: domain.ActionBuy, Symbol: "BTC", Side: domain.SideLong,
			Size: "0.01", EntryPrice: "65000", Leverage: 5},
		{Action: domain.ActionStopLoss, Symbol: "BTC", Side: domain.SideLong,
			Size: "0.01", TriggerPrice: "63000"},
	})
	if err != nil {
		t.Fatalf("ExecuteTradeStrategy() error = %v", err)
	}

	if len(ex.brackets) != 1 {
		t.Fatalf("exchange saw %d bracket placements, want 1", len(ex.brackets))
	}
	b := ex.brackets[0]
	if b.Entry.Price != "65000" || b.Entry.Size != "0.01" || !b.Entry.IsBuy {
		t.Errorf("entry params = %+v", b.Entry)
	}
	if b.StopLoss == nil {
		t.Fatal("bracket placed without attached stop-loss")
	}
	if b.StopLoss.TriggerPx != "63000" || !b.StopLoss.ReduceOnly || !b.StopLoss.IsTrigger {
		t.Errorf("stop params = %+v", b.StopLoss)
	}

	if len(ex.leverage) != 1 || ex.leverage[0].Leverage != 5 {
		t.Errorf("leverage calls = %+v, want one 5x update", ex.leverage)
	}
	if summary.SuccessfulExecutions < 1 {
		t.Errorf("summary = %+v, want executed entry", summary)
	}
}

// Стоп на неверной стороне цены отклоняется до исполнения и не считается
// защитой: entry остаётся без стопа и батч блокируется, биржа не трогается.
func TestExecuteTradeStrategy_WrongSideStopRejectsEntry(t *testing.T) {
	ex := &fakeExchange{}
	e, _ := testExecutor(ex)

	summary, err := e.ExecuteTradeStrategy(context.Background(), "u1", []domain.TradingIntent{
		{Action: domain.ActionBuy, Symbol: "BTC", Side: domain.SideLong,
			Size: "0.01", EntryPrice: "65000", Leverage: 5},
		{Action: domain.ActionStopLoss, Symbol: "BTC", Side: domain.SideLong,
			Size: "0.01", TriggerPrice: "70000"}, // выше mark 65000
	})
	if err != nil {
		t.Fatalf("ExecuteTradeStrategy() error = %v", err)
	}

	if summary.FailedExecutions != 2 {
		t.Fatalf("summary = %+v, want both intents failed", summary)
	}
	var stopReason, entryReason string
	for _, res := range summary.Results {
		switch res.Intent.Action {
		case domain.ActionStopLoss:
			stopReason = res.Reason
		case domain.ActionBuy:
			entryReason = res.Reason
		}
	}
	if !strings.Contains(stopReason, domain.ErrWrongDirection.Error()) {
		t.Errorf("stop reason = %q, want wrong-direction mention", stopReason)
	}
	if !strings.Contains(entryReason, "stop-loss") {
		t.Errorf("entry reason = %q, want stop-loss mention", entryReason)
	}

	if len(ex.brackets) != 0 || len(ex.placed) != 0 || len(ex.leverage) != 0 {
		t.Errorf("exchange touched by rejected batch: brackets=%d placed=%d leverage=%d",
			len(ex.brackets), len(ex.placed), len(ex.leverage))
	}
	for _, b := range ex.brackets {
		if b.StopLoss != nil && b.StopLoss.TriggerPx == "70000" {
			t.Errorf("wrong-side stop attached to entry: %+v", b.StopLoss)
		}
	}
}

// Повторный прогон того же батча против неизменного состояния биржи не
// порождает ни одного нового ордера: entry гасится дедупликацией против
// стоящего ордера, стоп пропускается без открытой позиции.
func TestExecuteTradeStrategy_RepeatedBatchIsIdempotent(t *testing.T) {
	ex := &fakeExchange{}
	e, _ := testExecutor(ex)

	batch := []domain.TradingIntent{
		{Action: domain.ActionBuy, Symbol: "BTC", Side: domain.SideLong,
			Size: "0.01", EntryPrice: "65000", Leverage: 5},
		{Action: domain.ActionStopLoss, Symbol: "BTC", Side: domain.SideLong,
			Size: "0.01", TriggerPrice: "63000"},
	}

	if _, err := e.ExecuteTradeStrategy(context.Background(), "u1", batch); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	if len(ex.brackets) != 1 {
		t.Fatalf("first run placed %d brackets, want 1", len(ex.brackets))
	}

	// биржа теперь отражает первый прогон: entry и стоп стоят в стакане
	ex.openOrders = []domain.OpenOrder{
		{OrderID: 200, Symbol: "BTC", Side: domain.DirectionBuy, Price: 65000, Size: 0.01},
		{OrderID: 201, Symbol: "BTC", Side: domain.DirectionSell, Size: 0.01,
			IsTrigger: true, ReduceOnly: true, TriggerPx: 63000},
	}

	summary, err := e.ExecuteTradeStrategy(context.Background(), "u1", batch)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}

	if len(ex.brackets) != 1 || len(ex.placed) != 0 || len(ex.cancelled) != 0 {
		t.Errorf("second run touched exchange: brackets=%d placed=%d cancelled=%d",
			len(ex.brackets), len(ex.placed), len(ex.cancelled))
	}
	if summary.FailedExecutions != 0 {
		t.Errorf("summary = %+v, want no failures on repeat", summary)
	}

	var dupSeen bool
	for _, res := range summary.Results {
		if res.Intent.Action == domain.ActionBuy {
			if res.Status != domain.ResultSkipped {
				t.Errorf("repeated entry status = %s, want skipped", res.Status)
			}
			if strings.Contains(res.Reason, "resting order") {
				dupSeen = true
			}
		}
	}
	if !dupSeen {
		t.Error("repeated entry not attributed to the resting duplicate")
	}
}

// Известная незащищённая позиция блокирует любой батч, который её не чинит.
func TestExecuteTradeStrategy_UnprotectedPositionGuard(t *testing.T) {
	ex := &fakeExchange{
		positions: []domain.Position{{Symbol: "BTC", Size: 0.1, EntryPrice: 64000, MarkPrice: 65000}},
	}
	e, _ := testExecutor(ex)

	summary, err := e.ExecuteTradeStrategy(context.Background(), "u1", []domain.TradingIntent{
		{Action: domain.ActionCancelOrder, Symbol: "BTC", OrderID: 42},
	})
	if err != nil {
		t.Fatalf("ExecuteTradeStrategy() error = %v", err)
	}
	if summary.FailedExecutions != 1 {
		t.Fatalf("summary = %+v, want one failed action", summary)
	}
	if !strings.Contains(summary.Results[0].Reason, "no stop-loss") {
		t.Errorf("Reason = %q, want unprotected position mention", summary.Results[0].Reason)
	}
	if len(ex.cancelled) != 0 {
		t.Errorf("cancel executed despite rejected batch")
	}
}

// Тот же батч проходит, когда у позиции уже стоит trigger reduce-only стоп.
func TestExecuteTradeStrategy_RestingStopSatisfiesGuard(t *testing.T) {
	ex := &fakeExchange{
		positions: []domain.Position{{Symbol: "BTC", Size: 0.1, EntryPrice: 64000, MarkPrice: 65000}},
		openOrders: []domain.OpenOrder{
			{OrderID: 7, Symbol: "BTC", Side: domain.DirectionSell, Size: 0.1,
				IsTrigger: true, ReduceOnly: true, TriggerPx: 63000},
		},
	}
	e, _ := testExecutor(ex)

	summary, err := e.ExecuteTradeStrategy(context.Background(), "u1", []domain.TradingIntent{
		{Action: domain.ActionCancelOrder, Symbol: "BTC", OrderID: 42},
	})
	if err != nil {
		t.Fatalf("ExecuteTradeStrategy() error = %v", err)
	}
	if summary.SuccessfulExecutions != 1 {
		t.Fatalf("summary = %+v, want one executed action", summary)
	}
	if len(ex.cancelled) != 1 || ex.cancelled[0].Oid != 42 {
		t.Errorf("cancelled = %+v, want order 42", ex.cancelled)
	}
}

func TestExecuteTradeStrategy_ClosesPosition(t *testing.T) {
	ex := &fakeExchange{
		positions: []domain.Position{{Symbol: "BTC", Size: 0.1, EntryPrice: 64000, MarkPrice: 65000}},
		openOrders: []domain.OpenOrder{
			{OrderID: 7, Symbol: "BTC", Side: domain.DirectionSell, Size: 0.1,
				IsTrigger: true, ReduceOnly: true, TriggerPx: 63000},
		},
	}
	e, _ := testExecutor(ex)

	summary, err := e.ExecuteTradeStrategy(context.Background(), "u1", []domain.TradingIntent{
		{Action: domain.ActionClose, Symbol: "BTC"},
	})
	if err != nil {
		t.Fatalf("ExecuteTradeStrategy() error = %v", err)
	}
	if summary.SuccessfulExecutions != 1 {
		t.Fatalf("summary = %+v, want one executed action", summary)
	}
	if len(ex.placed) != 1 {
		t.Fatalf("exchange saw %d placements, want 1", len(ex.placed))
	}
	p := ex.placed[0]
	if p.IsBuy || !p.ReduceOnly || !p.IsMarket {
		t.Errorf("close params = %+v, want reduce-only market sell", p)
	}
	if p.Size != "0.1" {
		t.Errorf("close size = %s, want full position 0.1", p.Size)
	}
}

func TestExecuteTradeStrategy_CloseWithoutPosition(t *testing.T) {
	ex := &fakeExchange{}
	e, _ := testExecutor(ex)

	summary, err := e.ExecuteTradeStrategy(context.Background(), "u1", []domain.TradingIntent{
		{Action: domain.ActionClose, Symbol: "BTC"},
	})
	if err != nil {
		t.Fatalf("ExecuteTradeStrategy() error = %v", err)
	}
	if summary.SkippedActions != 1 {
		t.Errorf("summary = %+v, want one skipped action", summary)
	}
	if len(ex.placed) != 0 {
		t.Errorf("exchange saw %d placements, want 0", len(ex.placed))
	}
}

func TestKillSwitch(t *testing.T) {
	ks := NewKillSwitch(utils.NewLogger("error"))

	if ks.IsActive() {
		t.Error("new kill switch is active")
	}

	ks.Activate("drawdown limit")
	active, reason, at := ks.Status()
	if !active || reason != "drawdown limit" || at.IsZero() {
		t.Errorf("Status() = %v %q %v, want active with reason and timestamp", active, reason, at)
	}

	ks.Deactivate()
	if ks.IsActive() {
		t.Error("kill switch still active after Deactivate()")
	}
}
