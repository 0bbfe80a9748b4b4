package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillm/perp-agent/internal/domain"
)

// Client HTTP-клиент perpetuals-биржи. Единственное место, где сырые
// ответы SDK превращаются в типизированные доменные структуры.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter

	// метаданные активов неизменны в рамках сессии, кешируются после
	// первого запроса; кеш читают конкурентные циклы исполнителя
	metaMu    sync.RWMutex
	metaCache map[string]domain.AssetMetadata
}

func NewClient(apiKey, apiSecret, baseURL string) *Client {
	return &Client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		metaCache: make(map[string]domain.AssetMetadata),
	}
}

// GetAssetMetadata получает ограничения биржи по символу
func (c *Client) GetAssetMetadata(ctx context.Context, symbol string) (domain.AssetMetadata, error) {
	c.metaMu.RLock()
	meta, ok := c.metaCache[symbol]
	c.metaMu.RUnlock()
	if ok {
		return meta, nil
	}

	body, err := c.postInfo(ctx, map[string]string{"type": "meta"})
	if err != nil {
		return domain.AssetMetadata{}, err
	}

	var resp metaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.AssetMetadata{}, fmt.Errorf("failed to unmarshal meta: %w", err)
	}

	c.metaMu.Lock()
	for _, a := range resp.Universe {
		tick := a.TickSize
		if tick == "" {
			tick = "0.0001"
		}
		c.metaCache[a.Name] = domain.AssetMetadata{
			Symbol:      a.Name,
			TickSize:    tick,
			SzDecimals:  a.SzDecimals,
			MaxLeverage: a.MaxLeverage,
		}
	}
	result, ok := c.metaCache[symbol]
	c.metaMu.Unlock()

	if !ok {
		return domain.AssetMetadata{}, fmt.Errorf("%w: unknown symbol %s", domain.ErrExchangeAPI, symbol)
	}
	return result, nil
}

// GetPositions получает открытые позиции аккаунта
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	body, err := c.postInfo(ctx, map[string]string{
		"type": "clearinghouseState",
		"user": c.apiKey,
	})
	if err != nil {
		return nil, err
	}

	var state clearinghouseState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal clearinghouse state: %w", err)
	}

	positions := make([]domain.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := ap.Position
		size := parseFloat(p.Szi)
		if size == 0 {
			continue
		}
		positions = append(positions, domain.Position{
			Symbol:           p.Coin,
			Size:             size,
			EntryPrice:       parseFloat(p.EntryPx),
			MarkPrice:        parseFloat(p.MarkPx),
			LiquidationPrice: parseFloat(p.LiquidationPx),
			Leverage:         p.Leverage.Value,
			UnrealizedPnl:    parseFloat(p.UnrealizedPnl),
		})
	}
	c.fillMissingMarks(ctx, positions)
	return positions, nil
}

// fillMissingMarks дозаполняет mark-цену из тикеров для позиций, где
// clearinghouse её не вернул. Потребители позиции (trailing, bracket)
// зависят от ненулевой mark-цены.
func (c *Client) fillMissingMarks(ctx context.Context, positions []domain.Position) {
	missing := false
	for i := range positions {
		if positions[i].MarkPrice <= 0 {
			missing = true
			break
		}
	}
	if !missing {
		return
	}

	tickers, err := c.GetMarketData(ctx)
	if err != nil {
		return
	}
	bySymbol := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		bySymbol[t.Symbol] = t.Price
	}
	for i := range positions {
		if positions[i].MarkPrice <= 0 {
			positions[i].MarkPrice = bySymbol[positions[i].Symbol]
		}
	}
}

// GetOpenOrders получает все стоящие ордера аккаунта
func (c *Client) GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	body, err := c.postInfo(ctx, map[string]string{
		"type": "openOrders",
		"user": c.apiKey,
	})
	if err != nil {
		return nil, err
	}

	var raw []rawOpenOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal open orders: %w", err)
	}

	orders := make([]domain.OpenOrder, 0, len(raw))
	for _, o := range raw {
		side := domain.DirectionSell
		if o.Side == "B" {
			side = domain.DirectionBuy
		}
		orders = append(orders, domain.OpenOrder{
			OrderID:    o.Oid,
			Symbol:     o.Coin,
			Side:       side,
			Price:      parseFloat(o.LimitPx),
			Size:       parseFloat(o.Sz),
			ReduceOnly: o.ReduceOnly,
			IsTrigger:  o.IsTrigger,
			TriggerPx:  parseFloat(o.TriggerPx),
			Timestamp:  time.UnixMilli(o.Timestamp),
		})
	}
	return orders, nil
}

// GetMarketData получает тикеры по всем символам
func (c *Client) GetMarketData(ctx context.Context) ([]domain.MarketTicker, error) {
	body, err := c.postInfo(ctx, map[string]string{"type": "assetCtxs"})
	if err != nil {
		return nil, err
	}

	var raw []rawTicker
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tickers: %w", err)
	}

	now := time.Now()
	tickers := make([]domain.MarketTicker, 0, len(raw))
	for _, t := range raw {
		price := parseFloat(t.MarkPx)
		if price == 0 {
			price = parseFloat(t.MidPx)
		}
		tickers = append(tickers, domain.MarketTicker{
			Symbol:    t.Coin,
			Price:     price,
			BestBid:   parseFloat(t.ImpactBid),
			BestAsk:   parseFloat(t.ImpactAsk),
			Volume24h: parseFloat(t.DayNtlVlm),
			UpdatedAt: now,
		})
	}
	return tickers, nil
}

// GetPrice получает текущую цену одного символа
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	tickers, err := c.GetMarketData(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tickers {
		if t.Symbol == symbol {
			if t.Price <= 0 {
				return 0, fmt.Errorf("%w: empty price for %s", domain.ErrExchangeAPI, symbol)
			}
			return t.Price, nil
		}
	}
	return 0, fmt.Errorf("%w: no ticker for %s", domain.ErrExchangeAPI, symbol)
}

// PlaceOrder размещает один ордер
func (c *Client) PlaceOrder(ctx context.Context, params PlaceOrderParams) (PlaceOrderResult, error) {
	action := buildOrderAction([]PlaceOrderParams{params})
	body, err := c.postExchange(ctx, action)
	if err != nil {
		return PlaceOrderResult{}, err
	}
	results, err := parseOrderResponse(body)
	if err != nil {
		return PlaceOrderResult{}, err
	}
	return results[0], nil
}

// PlaceBracketOrder размещает entry вместе с защитной парой одним запросом.
// Биржа группирует ордера, так что стоп и тейк становятся reduce-only к позиции.
func (c *Client) PlaceBracketOrder(ctx context.Context, params BracketParams) ([]PlaceOrderResult, error) {
	orders := []PlaceOrderParams{params.Entry}
	if params.StopLoss != nil {
		orders = append(orders, *params.StopLoss)
	}
	if params.TakeProfit != nil {
		orders = append(orders, *params.TakeProfit)
	}

	action := buildOrderAction(orders)
	action["grouping"] = "normalTpsl"

	body, err := c.postExchange(ctx, action)
	if err != nil {
		return nil, err
	}
	return parseOrderResponse(body)
}

// CancelOrder отменяет стоящий ордер
func (c *Client) CancelOrder(ctx context.Context, params CancelParams) error {
	action := map[string]interface{}{
		"type": "cancel",
		"cancels": []map[string]interface{}{
			{"coin": params.Coin, "oid": params.Oid},
		},
	}

	body, err := c.postExchange(ctx, action)
	if err != nil {
		return err
	}

	var resp cancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal cancel response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%w: cancel rejected", domain.ErrExchangeAPI)
	}
	for _, s := range resp.Response.Data.Statuses {
		if s != "success" {
			return fmt.Errorf("%w: %s", domain.ErrCancellationFailed, s)
		}
	}
	return nil
}

// UpdateLeverage меняет плечо по символу
func (c *Client) UpdateLeverage(ctx context.Context, params LeverageParams) error {
	action := map[string]interface{}{
		"type":     "updateLeverage",
		"coin":     params.Coin,
		"isCross":  params.IsCross,
		"leverage": params.Leverage,
	}

	body, err := c.postExchange(ctx, action)
	if err != nil {
		return err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal leverage response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%w: leverage update rejected", domain.ErrExchangeAPI)
	}
	return nil
}

// buildOrderAction собирает payload размещения в формате биржи
func buildOrderAction(orders []PlaceOrderParams) map[string]interface{} {
	wire := make([]map[string]interface{}, 0, len(orders))
	for _, o := range orders {
		entry := map[string]interface{}{
			"coin":       o.Symbol,
			"isBuy":      o.IsBuy,
			"limitPx":    o.Price,
			"sz":         o.Size,
			"reduceOnly": o.ReduceOnly,
		}
		if o.Cloid != "" {
			entry["cloid"] = o.Cloid
		}
		if o.IsTrigger {
			entry["orderType"] = map[string]interface{}{
				"trigger": map[string]interface{}{
					"triggerPx": o.TriggerPx,
					"isMarket":  o.IsMarket,
					"tpsl":      "sl",
				},
			}
		} else {
			tif := o.TIF
			if tif == "" {
				tif = "Gtc"
			}
			if o.IsMarket {
				tif = "Ioc"
			}
			entry["orderType"] = map[string]interface{}{
				"limit": map[string]interface{}{"tif": tif},
			}
		}
		wire = append(wire, entry)
	}

	return map[string]interface{}{
		"type":   "order",
		"orders": wire,
	}
}

// parseOrderResponse разбирает ответ размещения в нормализованные результаты
func parseOrderResponse(body []byte) ([]PlaceOrderResult, error) {
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order response: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("%w: order rejected", domain.ErrExchangeAPI)
	}

	statuses := resp.Response.Data.Statuses
	if len(statuses) == 0 {
		return nil, fmt.Errorf("%w: empty order statuses", domain.ErrExchangeAPI)
	}

	results := make([]PlaceOrderResult, 0, len(statuses))
	for _, s := range statuses {
		switch {
		case s.Error != "":
			results = append(results, PlaceOrderResult{Success: false, Error: s.Error})
		case s.Filled != nil:
			results = append(results, PlaceOrderResult{
				Success:  true,
				OrderID:  s.Filled.Oid,
				Filled:   true,
				AvgPrice: parseFloat(s.Filled.AvgPx),
				FilledSz: parseFloat(s.Filled.TotalSz),
			})
		case s.Resting != nil:
			results = append(results, PlaceOrderResult{Success: true, OrderID: s.Resting.Oid})
		default:
			results = append(results, PlaceOrderResult{Success: false, Error: "unknown order status"})
		}
	}
	return results, nil
}

func (c *Client) postInfo(ctx context.Context, payload interface{}) ([]byte, error) {
	return c.post(ctx, "/info", payload, false)
}

func (c *Client) postExchange(ctx context.Context, action interface{}) ([]byte, error) {
	payload := map[string]interface{}{
		"action": action,
		"nonce":  time.Now().UnixMilli(),
	}
	return c.post(ctx, "/exchange", payload, true)
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signature := c.sign(timestamp + string(data))
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("X-Timestamp", timestamp)
		req.Header.Set("X-Signature", signature)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d: %s", domain.ErrExchangeAPI, resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
