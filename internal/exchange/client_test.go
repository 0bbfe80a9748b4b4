package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// infoServer отвечает на /info по полю type запроса
func infoServer(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		body, ok := responses[req.Type]
		if !ok {
			t.Fatalf("unexpected info request type %q", req.Type)
		}
		_, _ = w.Write([]byte(body))
	}))
}

func TestGetPositions_ParsesMarkPrice(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"clearinghouseState": `{
			"marginSummary": {"accountValue": "10000", "totalMarginUsed": "1300"},
			"assetPositions": [{"position": {
				"coin": "BTC", "szi": "0.1", "entryPx": "64000", "markPx": "65000",
				"unrealizedPnl": "100", "liquidationPx": "52000",
				"leverage": {"type": "cross", "value": 5}
			}}]
		}`,
	})
	defer srv.Close()

	c := NewClient("0xabc", "secret", srv.URL)
	positions, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions() error = %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	p := positions[0]
	if p.MarkPrice != 65000 {
		t.Errorf("MarkPrice = %v, want 65000", p.MarkPrice)
	}
	if p.Symbol != "BTC" || p.Size != 0.1 || p.EntryPrice != 64000 {
		t.Errorf("position = %+v", p)
	}
}

// Когда clearinghouse не возвращает markPx, mark-цена дозаполняется из тикера.
func TestGetPositions_MarkFallsBackToTicker(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"clearinghouseState": `{
			"marginSummary": {"accountValue": "10000", "totalMarginUsed": "1300"},
			"assetPositions": [{"position": {
				"coin": "ETH", "szi": "-1.5", "entryPx": "3200",
				"unrealizedPnl": "-30", "liquidationPx": "4100",
				"leverage": {"type": "cross", "value": 3}
			}}]
		}`,
		"assetCtxs": `[{"coin": "ETH", "markPx": "3180", "midPx": "3181", "dayNtlVlm": "1000000"}]`,
	})
	defer srv.Close()

	c := NewClient("0xabc", "secret", srv.URL)
	positions, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions() error = %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	if positions[0].MarkPrice != 3180 {
		t.Errorf("MarkPrice = %v, want ticker fallback 3180", positions[0].MarkPrice)
	}
}

// Кеш метаданных читается конкурентно из циклов исполнителя и advanced-движка.
func TestGetAssetMetadata_Concurrent(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"meta": `{"universe": [
			{"name": "BTC", "szDecimals": 3, "maxLeverage": 50, "tickSize": "0.5"},
			{"name": "ETH", "szDecimals": 2, "maxLeverage": 25, "tickSize": "0.05"}
		]}`,
	})
	defer srv.Close()

	c := NewClient("0xabc", "secret", srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		symbol := "BTC"
		if i%2 == 1 {
			symbol = "ETH"
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			meta, err := c.GetAssetMetadata(context.Background(), symbol)
			if err != nil {
				t.Errorf("GetAssetMetadata(%s) error = %v", symbol, err)
				return
			}
			if meta.Symbol != symbol {
				t.Errorf("meta.Symbol = %q, want %q", meta.Symbol, symbol)
			}
		}(symbol)
	}
	wg.Wait()

	meta, err := c.GetAssetMetadata(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("GetAssetMetadata() error = %v", err)
	}
	if meta.TickSize != "0.5" || meta.SzDecimals != 3 || meta.MaxLeverage != 50 {
		t.Errorf("meta = %+v", meta)
	}
}
