package domain

import "errors"

var (
	// ErrNotFound возвращается когда запись не найдена
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput возвращается при отсутствующем или некорректном числовом поле
	ErrInvalidInput = errors.New("invalid input")

	// ErrBelowMinNotional возвращается когда объём ордера меньше биржевого минимума
	ErrBelowMinNotional = errors.New("below minimum notional")

	// ErrWrongDirection возвращается для защитного ордера на неверной стороне цены
	ErrWrongDirection = errors.New("protective order on wrong side of price")

	// ErrPriceUnreasonable возвращается когда цена входа слишком далеко от рынка
	ErrPriceUnreasonable = errors.New("entry price unreasonably far from market")

	// ErrDuplicateOrder возвращается когда идентичный ордер уже стоит в стакане
	ErrDuplicateOrder = errors.New("duplicate of resting order")

	// ErrCancellationFailed возвращается при неудачной отмене существующего ордера
	ErrCancellationFailed = errors.New("order cancellation failed")

	// ErrManualOverride возвращается когда стоп скорректирован человеком вручную
	ErrManualOverride = errors.New("manual override active")

	// ErrMissingStopLoss возвращается когда новая позиция открывается без стоп-лосса
	ErrMissingStopLoss = errors.New("entry without paired stop-loss")

	// ErrUnprotectedPosition возвращается когда открытая позиция осталась без стопа
	ErrUnprotectedPosition = errors.New("open position has no stop-loss")

	// ErrKillSwitchActive возвращается когда торговля аварийно остановлена
	ErrKillSwitchActive = errors.New("kill switch is active")

	// ErrMarketDataUnavailable возвращается когда рыночный контекст недоступен (fail closed)
	ErrMarketDataUnavailable = errors.New("market data unavailable")

	// ErrExchangeAPI возвращается при ошибке API биржи
	ErrExchangeAPI = errors.New("exchange API error")
)
