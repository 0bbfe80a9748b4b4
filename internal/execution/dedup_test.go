package execution

import (
	"strings"
	"testing"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/pkg/utils"
)

func testRounders(t *testing.T) map[string]*Rounder {
	t.Helper()
	r, err := NewRounder(testMeta())
	if err != nil {
		t.Fatalf("NewRounder() error = %v", err)
	}
	return map[string]*Rounder{"BTC": r}
}

func entryIntent(action, size, price string) domain.TradingIntent {
	return domain.TradingIntent{
		Action: action, Symbol: "BTC", Side: domain.SideLong,
		Size: size, EntryPrice: price, Leverage: 5,
	}
}

func TestFilter_AgainstRestingOrders(t *testing.T) {
	d := NewDeduplicator(utils.NewLogger("error"))
	rounders := testRounders(t)

	resting := []domain.OpenOrder{
		{OrderID: 1, Symbol: "BTC", Side: domain.DirectionBuy, Price: 65000, Size: 0.01},
	}

	tests := []struct {
		name     string
		intent   domain.TradingIntent
		wantKept bool
	}{
		{"exact duplicate", entryIntent(domain.ActionBuy, "0.01", "65000"), false},
		{"within one tick", entryIntent(domain.ActionBuy, "0.01", "65000.5"), false},
		{"two ticks away", entryIntent(domain.ActionBuy, "0.01", "65001"), true},
		{"different size", entryIntent(domain.ActionBuy, "0.05", "65000"), true},
		{"opposite side", entryIntent(domain.ActionSell, "0.01", "65000"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, skipped := d.Filter([]domain.TradingIntent{tt.intent}, resting, rounders)
			if got := len(kept) == 1; got != tt.wantKept {
				t.Errorf("Filter() kept = %v, want %v", got, tt.wantKept)
			}
			if !tt.wantKept {
				if len(skipped) != 1 {
					t.Fatalf("Filter() skipped = %d results, want 1", len(skipped))
				}
				res := skipped[0]
				if res.Status != domain.ResultSkipped || !res.Success {
					t.Errorf("Filter() skip result = %+v, want skipped/success", res)
				}
				if !strings.Contains(res.Reason, "resting order") {
					t.Errorf("Filter() reason = %q, want resting order mention", res.Reason)
				}
			}
		})
	}
}

func TestFilter_WithinBatch(t *testing.T) {
	d := NewDeduplicator(utils.NewLogger("error"))
	rounders := testRounders(t)

	intents := []domain.TradingIntent{
		entryIntent(domain.ActionBuy, "0.01", "65000"),
		entryIntent(domain.ActionBuy, "0.01", "65000"),
		entryIntent(domain.ActionBuy, "0.02", "64000"),
	}

	kept, skipped := d.Filter(intents, nil, rounders)
	if len(kept) != 2 {
		t.Errorf("Filter() kept %d intents, want 2", len(kept))
	}
	if len(skipped) != 1 {
		t.Fatalf("Filter() skipped %d intents, want 1", len(skipped))
	}
	if !strings.Contains(skipped[0].Reason, "same batch") {
		t.Errorf("Filter() reason = %q, want same batch mention", skipped[0].Reason)
	}
}

// Защитные и trigger-ордера в стакане не участвуют в сравнении: entry
// сравнивается только с entry.
func TestFilter_IgnoresReduceOnlyAndTriggers(t *testing.T) {
	d := NewDeduplicator(utils.NewLogger("error"))
	rounders := testRounders(t)

	resting := []domain.OpenOrder{
		{OrderID: 1, Symbol: "BTC", Side: domain.DirectionBuy, Price: 65000, Size: 0.01, ReduceOnly: true},
		{OrderID: 2, Symbol: "BTC", Side: domain.DirectionBuy, Price: 65000, Size: 0.01, IsTrigger: true},
	}

	kept, skipped := d.Filter([]domain.TradingIntent{
		entryIntent(domain.ActionBuy, "0.01", "65000"),
	}, resting, rounders)
	if len(kept) != 1 || len(skipped) != 0 {
		t.Errorf("Filter() = %d kept / %d skipped, want 1/0", len(kept), len(skipped))
	}
}

// Не-entry intent'ы и intent'ы без метаданных проходят насквозь: их судьбу
// решает валидатор дальше по конвейеру.
func TestFilter_PassThrough(t *testing.T) {
	d := NewDeduplicator(utils.NewLogger("error"))
	rounders := testRounders(t)

	noMeta := entryIntent(domain.ActionBuy, "0.01", "65000")
	noMeta.Symbol = "DOGE"

	badPrice := entryIntent(domain.ActionBuy, "0.01", "not-a-price")

	intents := []domain.TradingIntent{
		{Action: domain.ActionClose, Symbol: "BTC"},
		{Action: domain.ActionStopLoss, Symbol: "BTC", Side: domain.SideLong, Size: "0.01", TriggerPrice: "64000"},
		noMeta,
		badPrice,
	}

	kept, skipped := d.Filter(intents, nil, rounders)
	if len(kept) != len(intents) {
		t.Errorf("Filter() kept %d intents, want %d", len(kept), len(intents))
	}
	if len(skipped) != 0 {
		t.Errorf("Filter() skipped %d intents, want 0", len(skipped))
	}
}
