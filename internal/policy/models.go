package policy

// Profile профиль риск-лимитов исполнения.
// Значения подставляются в валидатор и bracket-менеджер при старте.
type Profile struct {
	ProfileName string `yaml:"-"`

	// Минимальный объём ордера в USD (биржевой минимум)
	MinNotionalUSD float64 `yaml:"min_notional_usd"`

	// Максимальный объём одного ордера в USD
	MaxOrderNotionalUSD float64 `yaml:"max_order_notional_usd"`

	// Жёсткий потолок отклонения цены входа от рынка, в процентах.
	// Адаптивная полоса волатильности никогда не может его превысить.
	HardPriceDeviationPct float64 `yaml:"hard_price_deviation_pct"`

	// Множитель ATR для адаптивной полосы цены входа
	PriceBandATRMultiplier float64 `yaml:"price_band_atr_multiplier"`

	// Минимальный буфер между стоп-лоссом и ценой ликвидации, в процентах
	LiquidationBufferPct float64 `yaml:"liquidation_buffer_pct"`

	// Относительный допуск сравнения цен при anti-churn, в процентах
	ChurnPriceTolerancePct float64 `yaml:"churn_price_tolerance_pct"`

	// Допуск в тиках при anti-churn сравнении (берётся максимум из двух)
	ChurnTickTolerance int `yaml:"churn_tick_tolerance"`

	// Потолок плеча движка; плечо дополнительно ограничивается максимумом актива
	MaxLeverage int `yaml:"max_leverage"`
}

// hardDeviationCeiling абсолютный потолок, который профиль не может ослабить
const hardDeviationCeiling = 20.0
