package trigger

import (
	"math"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/exchange"
)

// Индикаторы считаются по скользящему окну минутных свечей из потока биржи.
// Каждая функция возвращает ok=false пока истории недостаточно.

// SMA простое скользящее среднее последних period значений
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMA экспоненциальное скользящее среднее
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	multiplier := 2.0 / float64(period+1)
	ema, _ := SMA(values[:period], period)
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
	}
	return ema, true
}

// RSI индекс относительной силы по Уайлдеру
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// MACD значение линии MACD (EMA12 - EMA26)
func MACD(values []float64) (float64, bool) {
	fast, ok1 := EMA(values, 12)
	slow, ok2 := EMA(values, 26)
	if !ok1 || !ok2 {
		return 0, false
	}
	return fast - slow, true
}

// ATR средний истинный диапазон по свечам
func ATR(candles []exchange.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trs = append(trs, tr)
	}

	atr, _ := SMA(trs[:period], period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// Bollinger верхняя и нижняя полосы Боллинджера (k = 2)
func Bollinger(values []float64, period int) (upper, lower float64, ok bool) {
	sma, ok := SMA(values, period)
	if !ok {
		return 0, 0, false
	}
	variance := 0.0
	for _, v := range values[len(values)-period:] {
		variance += (v - sma) * (v - sma)
	}
	stddev := math.Sqrt(variance / float64(period))
	return sma + 2*stddev, sma - 2*stddev, true
}

// CandleSource источник свечей для вычисления индикаторов
type CandleSource interface {
	Candles(symbol string, n int) []exchange.Candle
}

// IndicatorSource вычисляет значение индикатора из TriggerSpec по свечам
type IndicatorSource struct {
	candles CandleSource
	symbol  string
}

func NewIndicatorSource(candles CandleSource, symbol string) *IndicatorSource {
	return &IndicatorSource{candles: candles, symbol: symbol}
}

// Value возвращает текущее значение индикатора триггера
func (s *IndicatorSource) Value(spec domain.TriggerSpec) (float64, bool) {
	period := spec.Period
	if period <= 0 {
		period = 14
	}
	// запас истории сверх периода для прогрева EMA-образных индикаторов
	candles := s.candles.Candles(s.symbol, period*4+30)
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	switch spec.Indicator {
	case domain.IndicatorRSI:
		return RSI(closes, period)
	case domain.IndicatorSMA:
		return SMA(closes, period)
	case domain.IndicatorEMA:
		return EMA(closes, period)
	case domain.IndicatorMACD:
		return MACD(closes)
	case domain.IndicatorATR:
		return ATR(candles, period)
	case domain.IndicatorBBUpper:
		upper, _, ok := Bollinger(closes, period)
		return upper, ok
	case domain.IndicatorBBLower:
		_, lower, ok := Bollinger(closes, period)
		return lower, ok
	case domain.IndicatorVolume:
		if len(candles) == 0 {
			return 0, false
		}
		return candles[len(candles)-1].Volume, true
	case domain.IndicatorPrice:
		if len(closes) == 0 {
			return 0, false
		}
		return closes[len(closes)-1], true
	}
	return 0, false
}

// MarketATR отдаёт ATR исполнителю для адаптивной полосы цены входа
type MarketATR struct {
	candles CandleSource
	period  int
}

func NewMarketATR(candles CandleSource, period int) *MarketATR {
	if period <= 0 {
		period = 14
	}
	return &MarketATR{candles: candles, period: period}
}

func (m *MarketATR) ATR(symbol string) (float64, bool) {
	return ATR(m.candles.Candles(symbol, m.period*4+30), m.period)
}
