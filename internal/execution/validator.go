package execution

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/policy"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// ValidationContext рыночный контекст для проверок одного intent'а.
// MarkPrice <= 0 означает что контекст получить не удалось — все ценовые
// проверки в этом случае отклоняют intent (fail closed), никогда не пропускают.
type ValidationContext struct {
	Meta      domain.AssetMetadata
	MarkPrice float64
	ATR       float64 // 0 если недостаточно истории; полоса падает на дефолт
}

// Validator проверяет intent'ы decision-слоя перед любым обращением к бирже
type Validator struct {
	profile *policy.Profile
	logger  *utils.Logger
}

func NewValidator(profile *policy.Profile, logger *utils.Logger) *Validator {
	return &Validator{
		profile: profile,
		logger:  logger.WithPrefix("validator"),
	}
}

// полоса по умолчанию когда ATR ещё не прогрет, в процентах
const defaultBandPct = 5.0

// ValidateIntent возвращает nil если intent может идти дальше.
// Ошибка всегда оборачивает sentinel из domain и называет конкретное поле.
func (v *Validator) ValidateIntent(intent domain.TradingIntent, vctx ValidationContext) error {
	switch intent.Action {
	case domain.ActionHold:
		return nil
	case domain.ActionCancelOrder:
		if intent.OrderID <= 0 {
			return fmt.Errorf("%w: missing order_id for cancel_order", domain.ErrInvalidInput)
		}
		return nil
	case domain.ActionClose:
		if intent.Symbol == "" {
			return fmt.Errorf("%w: missing symbol", domain.ErrInvalidInput)
		}
		return nil
	}

	if intent.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", domain.ErrInvalidInput)
	}
	if intent.Side != domain.SideLong && intent.Side != domain.SideShort {
		return fmt.Errorf("%w: bad side %q", domain.ErrInvalidInput, intent.Side)
	}

	size, err := ParsePositive("size", intent.Size)
	if err != nil {
		return err
	}

	priceField := "entry_price"
	priceValue := intent.EntryPrice
	if intent.IsProtective() {
		priceField = "trigger_price"
		priceValue = intent.TriggerPrice
	}
	price, err := ParsePositive(priceField, priceValue)
	if err != nil {
		return err
	}

	if intent.IsEntry() && intent.Leverage < 1 {
		return fmt.Errorf("%w: leverage must be >= 1, got %d", domain.ErrInvalidInput, intent.Leverage)
	}

	// Рыночный контекст обязателен для всех дальнейших проверок: fail closed
	if vctx.MarkPrice <= 0 || math.IsNaN(vctx.MarkPrice) || math.IsInf(vctx.MarkPrice, 0) {
		return fmt.Errorf("%w: no mark price for %s, rejecting %s",
			domain.ErrMarketDataUnavailable, intent.Symbol, intent.Action)
	}

	notional, _ := size.Mul(price).Float64()
	if notional < v.profile.MinNotionalUSD {
		return fmt.Errorf("%w: notional $%.2f is $%.2f short of $%.2f minimum",
			domain.ErrBelowMinNotional, notional, v.profile.MinNotionalUSD-notional, v.profile.MinNotionalUSD)
	}
	if notional > v.profile.MaxOrderNotionalUSD {
		return fmt.Errorf("%w: notional $%.2f exceeds per-order cap $%.2f",
			domain.ErrInvalidInput, notional, v.profile.MaxOrderNotionalUSD)
	}

	if intent.IsProtective() {
		return v.checkDirection(intent, price, vctx.MarkPrice)
	}
	return v.checkPriceBand(intent, price, vctx)
}

// CapLeverage ограничивает плечо максимумом актива и потолком профиля.
// Избыточное плечо урезается, а не отклоняется.
func (v *Validator) CapLeverage(leverage int, meta domain.AssetMetadata) int {
	capped := leverage
	if meta.MaxLeverage > 0 && capped > meta.MaxLeverage {
		capped = meta.MaxLeverage
	}
	if capped > v.profile.MaxLeverage {
		capped = v.profile.MaxLeverage
	}
	if capped < 1 {
		capped = 1
	}
	if capped != leverage {
		v.logger.Warn("leverage %dx capped to %dx for %s", leverage, capped, meta.Symbol)
	}
	return capped
}

// checkDirection проверяет сторону защитного ордера относительно текущей цены.
// Ордер на неверной стороне отклоняется, никогда не переворачивается молча.
func (v *Validator) checkDirection(intent domain.TradingIntent, price decimal.Decimal, mark float64) error {
	trigger, _ := price.Float64()
	long := intent.Side == domain.SideLong

	var ok bool
	switch intent.Action {
	case domain.ActionStopLoss:
		// стоп лонга ниже цены, стоп шорта выше
		ok = (long && trigger < mark) || (!long && trigger > mark)
	case domain.ActionTakeProfit:
		// тейк лонга выше цены, тейк шорта ниже
		ok = (long && trigger > mark) || (!long && trigger < mark)
	default:
		return nil
	}

	if !ok {
		return fmt.Errorf("%w: %s for %s %s at %.6g with mark %.6g",
			domain.ErrWrongDirection, intent.Action, intent.Side, intent.Symbol, trigger, mark)
	}
	return nil
}

// checkPriceBand проверяет разумность цены входа: адаптивная полоса от ATR
// с жёстким потолком профиля, который не может быть превышен.
func (v *Validator) checkPriceBand(intent domain.TradingIntent, price decimal.Decimal, vctx ValidationContext) error {
	entry, _ := price.Float64()
	mark := vctx.MarkPrice

	bandPct := defaultBandPct
	if vctx.ATR > 0 && !math.IsNaN(vctx.ATR) && !math.IsInf(vctx.ATR, 0) {
		bandPct = v.profile.PriceBandATRMultiplier * vctx.ATR / mark * 100
		if bandPct < 0.5 {
			bandPct = 0.5
		}
	}
	if bandPct > v.profile.HardPriceDeviationPct {
		bandPct = v.profile.HardPriceDeviationPct
	}

	deviationPct := math.Abs(entry-mark) / mark * 100
	if deviationPct > bandPct {
		suggested := mark
		return fmt.Errorf("%w: %s %s at %.6g deviates %.2f%% from mark %.6g (band %.2f%%), suggested %.6g",
			domain.ErrPriceUnreasonable, intent.Action, intent.Symbol, entry, deviationPct, mark, bandPct, suggested)
	}
	return nil
}
