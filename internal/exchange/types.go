package exchange

// Типизированные структуры ответов биржи. Сырые payload'ы (строки вместо
// чисел, вложенные обёртки) изолированы здесь и не выходят за пределы пакета.

// metaResponse ответ info-эндпоинта с метаданными активов
type metaResponse struct {
	Universe []assetMeta `json:"universe"`
}

type assetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	TickSize    string `json:"tickSize"`
}

// clearinghouseState состояние аккаунта: маржа и позиции
type clearinghouseState struct {
	MarginSummary  marginSummary   `json:"marginSummary"`
	AssetPositions []assetPosition `json:"assetPositions"`
}

type marginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

type assetPosition struct {
	Position rawPosition `json:"position"`
}

// rawPosition позиция в формате биржи, числа десятичными строками
type rawPosition struct {
	Coin           string      `json:"coin"`
	Szi            string      `json:"szi"` // подписанный размер
	EntryPx        string      `json:"entryPx"`
	MarkPx         string      `json:"markPx"`
	PositionValue  string      `json:"positionValue"`
	UnrealizedPnl  string      `json:"unrealizedPnl"`
	LiquidationPx  string      `json:"liquidationPx"`
	Leverage       rawLeverage `json:"leverage"`
}

type rawLeverage struct {
	Type  string `json:"type"` // cross / isolated
	Value int    `json:"value"`
}

// rawOpenOrder стоящий ордер в формате биржи
type rawOpenOrder struct {
	Coin       string `json:"coin"`
	Side       string `json:"side"` // "B" / "A"
	LimitPx    string `json:"limitPx"`
	Sz         string `json:"sz"`
	Oid        int64  `json:"oid"`
	Timestamp  int64  `json:"timestamp"`
	ReduceOnly bool   `json:"reduceOnly"`
	IsTrigger  bool   `json:"isTrigger"`
	TriggerPx  string `json:"triggerPx"`
}

// rawTicker тикер из allMids/metaAndAssetCtxs
type rawTicker struct {
	Coin      string `json:"coin"`
	MarkPx    string `json:"markPx"`
	MidPx     string `json:"midPx"`
	ImpactBid string `json:"impactPxs0,omitempty"`
	ImpactAsk string `json:"impactPxs1,omitempty"`
	DayNtlVlm string `json:"dayNtlVlm"`
}

// orderResponse ответ exchange-эндпоинта на размещение ордера
type orderResponse struct {
	Status   string `json:"status"` // "ok" / "err"
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []orderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

type orderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

// cancelResponse ответ на отмену ордера
type cancelResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []string `json:"statuses"` // "success" либо текст ошибки
		} `json:"data"`
	} `json:"response"`
}

// PlaceOrderParams параметры размещения одного ордера
type PlaceOrderParams struct {
	Symbol     string
	IsBuy      bool
	Price      string // десятичная строка, уже округлённая к тику
	Size       string // десятичная строка, уже округлённая к szDecimals
	ReduceOnly bool
	TIF        string // "Gtc", "Ioc", "Alo"; пустое = Gtc
	IsTrigger  bool
	TriggerPx  string
	IsMarket   bool // trigger-market либо market через Ioc
	Cloid      string
}

// PlaceOrderResult нормализованный результат размещения
type PlaceOrderResult struct {
	Success  bool
	OrderID  int64
	Filled   bool
	AvgPrice float64
	FilledSz float64
	Error    string
}

// BracketParams entry-ордер вместе с защитной парой
type BracketParams struct {
	Entry      PlaceOrderParams
	StopLoss   *PlaceOrderParams
	TakeProfit *PlaceOrderParams
}

// CancelParams параметры отмены ордера
type CancelParams struct {
	Coin string
	Oid  int64
}

// LeverageParams параметры смены плеча
type LeverageParams struct {
	Coin     string
	Leverage int
	IsCross  bool
}
