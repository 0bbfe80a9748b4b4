package domain

// Intent actions
const (
	ActionBuy         = "buy"
	ActionSell        = "sell"
	ActionClose       = "close"
	ActionStopLoss    = "stop_loss"
	ActionTakeProfit  = "take_profit"
	ActionCancelOrder = "cancel_order"
	ActionHold        = "hold"
)

// Position sides
const (
	SideLong  = "long"
	SideShort = "short"
)

// Order directions (exchange level)
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
)

// Stop-loss states
const (
	StopLossInitial  = "initial"
	StopLossTrailing = "trailing"
)

// Advanced order types
const (
	AdvancedTWAP       = "twap"
	AdvancedLimitChase = "limit_chase"
	AdvancedScaled     = "scaled"
	AdvancedIceberg    = "iceberg"
	AdvancedOCO        = "oco"
	AdvancedTrailingTP = "trailing_tp"
)

// Advanced order statuses
const (
	AdvancedStatusActive    = "active"
	AdvancedStatusPaused    = "paused"
	AdvancedStatusCancelled = "cancelled"
	AdvancedStatusCompleted = "completed"
)

// Limit-chase give-up behaviors
const (
	GiveBehaviorCancel = "cancel"
	GiveBehaviorMarket = "market"
	GiveBehaviorWait   = "wait"
)

// Trigger operators
const (
	OpLess         = "<"
	OpGreater      = ">"
	OpLessEqual    = "<="
	OpGreaterEqual = ">="
	OpEqual        = "=="
	OpCrossesAbove = "crosses_above"
	OpCrossesBelow = "crosses_below"
)

// Trigger indicators
const (
	IndicatorRSI     = "rsi"
	IndicatorSMA     = "sma"
	IndicatorEMA     = "ema"
	IndicatorMACD    = "macd"
	IndicatorATR     = "atr"
	IndicatorBBUpper = "bb_upper"
	IndicatorBBLower = "bb_lower"
	IndicatorVolume  = "volume"
	IndicatorPrice   = "price"
)

// Result statuses for one intent
const (
	ResultExecuted = "executed"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

// Orchestrator modes
const (
	ModeShadow = "shadow"
	ModePilot  = "pilot"
	ModeFull   = "full"
)
