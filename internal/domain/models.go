package domain

import "time"

// TradingIntent представляет одно желаемое действие, предложенное decision-слоем.
// Числовые поля передаются десятичными строками чтобы не терять точность.
type TradingIntent struct {
	Action       string `json:"action"` // buy, sell, close, stop_loss, take_profit, cancel_order, hold
	Symbol       string `json:"symbol"`
	Side         string `json:"side,omitempty"` // long / short, пустое для cancel_order
	Size         string `json:"size,omitempty"`
	Leverage     int    `json:"leverage,omitempty"`
	EntryPrice   string `json:"entry_price,omitempty"`
	TriggerPrice string `json:"trigger_price,omitempty"`
	OrderID      int64  `json:"order_id,omitempty"` // только для cancel_order
	Reasoning    string `json:"reasoning,omitempty"`
}

// IsEntry сообщает открывает ли intent новую экспозицию
func (i TradingIntent) IsEntry() bool {
	return i.Action == ActionBuy || i.Action == ActionSell
}

// IsProtective сообщает является ли intent защитным ордером
func (i TradingIntent) IsProtective() bool {
	return i.Action == ActionStopLoss || i.Action == ActionTakeProfit
}

// AssetMetadata ограничения биржи по символу, неизменны в рамках сессии
type AssetMetadata struct {
	Symbol      string
	TickSize    string // минимальный шаг цены, десятичная строка
	SzDecimals  int    // точность размера
	MaxLeverage int
}

// Position открытая позиция по данным биржи. Знак Size кодирует сторону.
// Движок читает позицию каждый цикл и никогда не кеширует её между циклами.
type Position struct {
	Symbol           string
	Size             float64 // подписанный размер: >0 long, <0 short
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	Leverage         int
	UnrealizedPnl    float64
}

// Side возвращает сторону позиции по знаку размера
func (p Position) Side() string {
	if p.Size < 0 {
		return SideShort
	}
	return SideLong
}

// OpenOrder ордер, стоящий в стакане биржи
type OpenOrder struct {
	OrderID    int64
	Symbol     string
	Side       string // buy / sell
	Price      float64
	Size       float64
	ReduceOnly bool
	IsTrigger  bool
	TriggerPx  float64
	Timestamp  time.Time
}

// MarketTicker срез рыночных данных по символу
type MarketTicker struct {
	Symbol    string
	Price     float64
	BestBid   float64
	BestAsk   float64
	Volume24h float64
	UpdatedAt time.Time
}

// ProtectiveOrderState персистентное состояние защитных ордеров по символу.
// Мутируется только bracket-менеджером, либо человеком (через manual override).
type ProtectiveOrderState struct {
	UserID           string    `db:"user_id"`
	Symbol           string    `db:"symbol"`
	InitialStopLoss  float64   `db:"initial_stop_loss"`
	CurrentStopLoss  float64   `db:"current_stop_loss"`
	CurrentTakeProfit float64  `db:"current_take_profit"`
	StopLossState    string    `db:"stop_loss_state"` // initial / trailing
	ManualOverride   bool      `db:"manual_override"`
	LastAdjustmentAt time.Time `db:"last_adjustment_at"`
}

// AdvancedOrder персистентный долгоживущий ордер (TWAP, Iceberg, OCO и т.д.)
type AdvancedOrder struct {
	ID           string          `db:"id"`
	UserID       string          `db:"user_id"`
	Symbol       string          `db:"symbol"`
	Side         string          `db:"side"` // long / short
	OrderType    string          `db:"order_type"`
	Status       string          `db:"status"`
	TotalSize    float64         `db:"total_size"`
	ExecutedSize float64         `db:"executed_size"`
	Params       AdvancedParams  `db:"params"`
	ChildOrderIDs []int64        `db:"child_order_ids"`
	ErrorCount   int             `db:"error_count"`
	LastError    string          `db:"last_error"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`

	// ExecutionLog append-only журнал исполнения, хранится отдельной таблицей
	ExecutionLog []ExecutionLogEntry `db:"-"`
}

// Remaining возвращает оставшийся к исполнению размер
func (o AdvancedOrder) Remaining() float64 {
	r := o.TotalSize - o.ExecutedSize
	if r < 0 {
		return 0
	}
	return r
}

// AdvancedParams типо-специфичные параметры advanced-ордера.
// Хранятся одним JSON-полем, заполняются только релевантные.
type AdvancedParams struct {
	// TWAP
	DurationMinutes int     `json:"duration_minutes,omitempty"`
	Slices          int     `json:"slices,omitempty"`
	IntervalSeconds int     `json:"interval_seconds,omitempty"` // явный override интервала
	Jitter          bool    `json:"jitter,omitempty"`           // ±20% к интервалу
	// Iceberg
	DisplaySize         float64 `json:"display_size,omitempty"`
	LimitPrice          float64 `json:"limit_price,omitempty"`
	RefreshDelaySeconds int     `json:"refresh_delay_seconds,omitempty"`
	// OCO
	FirstPrice    float64 `json:"first_price,omitempty"`
	SecondPrice   float64 `json:"second_price,omitempty"`
	FirstTrigger  bool    `json:"first_trigger,omitempty"`
	SecondTrigger bool    `json:"second_trigger,omitempty"`
	// Trailing take-profit. HighWaterMark мутируется движком и
	// персистится вместе с ордером, чтобы пережить рестарт.
	TrailDistance float64 `json:"trail_distance,omitempty"`
	MinProfit     float64 `json:"min_profit,omitempty"`
	PollSeconds   int     `json:"poll_seconds,omitempty"`
	HighWaterMark float64 `json:"high_water_mark,omitempty"`
	// Limit-chase
	ChaseIntervalSeconds int    `json:"chase_interval_seconds,omitempty"`
	OffsetTicks          int    `json:"offset_ticks,omitempty"`
	MaxChases            int    `json:"max_chases,omitempty"`
	GiveBehavior         string `json:"give_behavior,omitempty"` // cancel / market / wait
	// Scaled
	Levels    int     `json:"levels,omitempty"`
	PriceLow  float64 `json:"price_low,omitempty"`
	PriceHigh float64 `json:"price_high,omitempty"`
}

// ExecutionLogEntry запись журнала исполнения advanced-ордера
type ExecutionLogEntry struct {
	ID        int64     `db:"id"`
	OrderID   string    `db:"order_id"`
	SliceSize float64   `db:"slice_size"`
	Price     float64   `db:"price"`
	ChildOID  int64     `db:"child_oid"`
	Note      string    `db:"note"`
	CreatedAt time.Time `db:"created_at"`
}

// TriggerSpec описание триггера, неизменно после создания supervisor'а
type TriggerSpec struct {
	ID              string  `json:"id"`
	Indicator       string  `json:"indicator"`
	Period          int     `json:"period"`
	Operator        string  `json:"operator"`
	Value           float64 `json:"value"`
	Hysteresis      float64 `json:"hysteresis"` // доля от порога, задающая "near" зону
	CooldownMinutes int     `json:"cooldown_minutes"`
}

// ExecutionResult результат обработки одного intent'а.
// Каждый intent производит ровно один результат с человекочитаемой причиной.
type ExecutionResult struct {
	Intent  TradingIntent `json:"intent"`
	Status  string        `json:"status"` // executed / skipped / failed
	Success bool          `json:"success"`
	Reason  string        `json:"reason"`
	OrderID int64         `json:"order_id,omitempty"`
}

// ExecutionSummary агрегат по батчу intent'ов
type ExecutionSummary struct {
	TotalActions         int               `json:"total_actions"`
	SuccessfulExecutions int               `json:"successful_executions"`
	FailedExecutions     int               `json:"failed_executions"`
	SkippedActions       int               `json:"skipped_actions"`
	Results              []ExecutionResult `json:"results"`
}

// AIDecisionRecord аудит-запись решения decision-слоя
type AIDecisionRecord struct {
	ID          int64     `db:"id"`
	UserID      string    `db:"user_id"`
	Rationale   string    `db:"rationale"`
	RawResponse string    `db:"raw_response"`
	IntentCount int       `db:"intent_count"`
	Mode        string    `db:"mode"`
	CreatedAt   time.Time `db:"created_at"`
}
