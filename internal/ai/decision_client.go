package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
)

// DecisionClient клиент для получения торговых решений от AI
type DecisionClient struct {
	baseClient *AIClient
}

// NewDecisionClient создает новый decision client
func NewDecisionClient(baseClient *AIClient) *DecisionClient {
	return &DecisionClient{
		baseClient: baseClient,
	}
}

// DecisionRequest контекст для принятия решения
type DecisionRequest struct {
	Positions  []domain.Position             `json:"positions"`
	OpenOrders []domain.OpenOrder            `json:"open_orders"`
	Protective []domain.ProtectiveOrderState `json:"protective_states"`
	Market     []SymbolContext               `json:"market"`
	Mode       string                        `json:"mode"` // shadow, pilot, full
}

// SymbolContext рыночный срез по символу с индикаторами
type SymbolContext struct {
	Symbol  string  `json:"symbol"`
	Price   float64 `json:"price"`
	BestBid float64 `json:"best_bid"`
	BestAsk float64 `json:"best_ask"`
	RSI14   float64 `json:"rsi_14,omitempty"`
	EMA20   float64 `json:"ema_20,omitempty"`
	ATR14   float64 `json:"atr_14,omitempty"`
}

// DecisionResponse ответ AI со списком intent'ов
type DecisionResponse struct {
	Rationale string                 `json:"rationale"`
	Intents   []domain.TradingIntent `json:"intents"`

	// Raw сырой ответ модели, сохраняется для аудита
	Raw string `json:"-"`
}

const decisionSystemPrompt = `You are a risk-aware derivatives trading engine. You receive account
state and market context and respond with a batch of trading intents.

Respond in pure JSON (no markdown):
{
  "rationale": "Brief explanation",
  "intents": [
    {"action": "buy|sell|close|stop_loss|take_profit|cancel_order|hold",
     "symbol": "BTC", "side": "long|short", "size": "0.1",
     "leverage": 5, "entry_price": "65000", "trigger_price": "63000",
     "order_id": 0, "reasoning": "why"}
  ]
}

Rules:
1. Every buy or sell MUST be accompanied by exactly one stop_loss for the same symbol.
2. Numeric fields are decimal strings.
3. Use "hold" when no action is warranted.
4. Never propose a stop_loss or take_profit against the side of an open position.`

// RequestDecision запрашивает решение у AI и разбирает его в intent'ы
func (dc *DecisionClient) RequestDecision(ctx context.Context, req DecisionRequest) (*DecisionResponse, error) {
	prompt := dc.buildDecisionPrompt(req)

	messages := []Message{
		{Role: "system", Content: decisionSystemPrompt},
		{Role: "user", Content: prompt},
	}

	response, err := dc.baseClient.Chat(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("AI request failed: %w", err)
	}

	// Парсим JSON ответ
	var decision DecisionResponse
	if err := json.Unmarshal([]byte(response), &decision); err != nil {
		// Попытка извлечь JSON из markdown code block
		if cleanJSON := extractJSON(response); cleanJSON != "" {
			if err := json.Unmarshal([]byte(cleanJSON), &decision); err != nil {
				return nil, fmt.Errorf("failed to parse AI response: %w\nRaw response: %s", err, response)
			}
		} else {
			return nil, fmt.Errorf("failed to parse AI response: %w\nRaw response: %s", err, response)
		}
	}
	decision.Raw = response

	if err := dc.validateDecision(&decision); err != nil {
		return nil, fmt.Errorf("invalid decision: %w", err)
	}

	return &decision, nil
}

// buildDecisionPrompt строит промпт для принятия решения
func (dc *DecisionClient) buildDecisionPrompt(req DecisionRequest) string {
	positionsJSON, _ := json.MarshalIndent(req.Positions, "", "  ")
	ordersJSON, _ := json.MarshalIndent(req.OpenOrders, "", "  ")
	protectiveJSON, _ := json.MarshalIndent(req.Protective, "", "  ")
	marketJSON, _ := json.MarshalIndent(req.Market, "", "  ")

	return fmt.Sprintf(`Analyze the account and market state and propose trading intents.

Current Context:
- Mode: %s
- Time: %s

Open Positions:
%s

Resting Orders:
%s

Protective Order State:
%s

Market:
%s`,
		req.Mode,
		time.Now().Format(time.RFC3339),
		string(positionsJSON),
		string(ordersJSON),
		string(protectiveJSON),
		string(marketJSON),
	)
}

// validateDecision базовая структурная проверка до передачи исполнителю.
// Содержательную проверку (нотионалы, цены, направления) делает валидатор
// исполнителя, здесь отсеивается только заведомо битый ответ.
func (dc *DecisionClient) validateDecision(decision *DecisionResponse) error {
	validActions := map[string]bool{
		domain.ActionBuy:         true,
		domain.ActionSell:        true,
		domain.ActionClose:       true,
		domain.ActionStopLoss:    true,
		domain.ActionTakeProfit:  true,
		domain.ActionCancelOrder: true,
		domain.ActionHold:        true,
	}

	for i, intent := range decision.Intents {
		if !validActions[intent.Action] {
			return fmt.Errorf("invalid action at index %d: %s", i, intent.Action)
		}
		if intent.Action != domain.ActionHold && intent.Symbol == "" {
			return fmt.Errorf("missing symbol at index %d", i)
		}
	}

	return nil
}

// extractJSON извлекает JSON из markdown code block
func extractJSON(text string) string {
	// Простой парсер для ```json...```
	start := -1
	end := -1

	for i := 0; i < len(text)-2; i++ {
		if text[i:i+3] == "```" {
			if start == -1 {
				start = i + 3
				// Пропускаем "json" если есть
				if i+7 < len(text) && text[i+3:i+7] == "json" {
					start = i + 7
				}
				// Пропускаем перенос строки
				if start < len(text) && text[start] == '\n' {
					start++
				}
			} else {
				end = i
				break
			}
		}
	}

	if start > 0 && end > start {
		return text[start:end]
	}

	return text
}
