package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// orderKey нормализованный ключ ордера: символ, направление и округлённые
// цена/размер. Один и тот же ключ используется для межцикловой дедупликации
// и для anti-churn сравнения — сравнение всегда идёт по уже округлённым
// значениям, чтобы округление не давало ложных расхождений.
type orderKey struct {
	symbol string
	isBuy  bool
	price  decimal.Decimal
	size   decimal.Decimal
}

// matches сообщает материально ли идентичны два ордера: цена в пределах
// одного тика, размер в пределах одного шага размера
func (k orderKey) matches(other orderKey, tick, sizeStep decimal.Decimal) bool {
	if k.symbol != other.symbol || k.isBuy != other.isBuy {
		return false
	}
	return k.price.Sub(other.price).Abs().LessThanOrEqual(tick) &&
		k.size.Sub(other.size).Abs().LessThanOrEqual(sizeStep)
}

// intentKey строит ключ для entry-intent'а
func intentKey(intent domain.TradingIntent, r *Rounder) (orderKey, error) {
	size, err := ParsePositive("size", intent.Size)
	if err != nil {
		return orderKey{}, err
	}
	price, err := ParsePositive("entry_price", intent.EntryPrice)
	if err != nil {
		return orderKey{}, err
	}
	return orderKey{
		symbol: intent.Symbol,
		isBuy:  intent.Action == domain.ActionBuy,
		price:  r.Price(price),
		size:   r.Size(size),
	}, nil
}

// openOrderKey строит ключ для стоящего ордера биржи
func openOrderKey(o domain.OpenOrder, r *Rounder) orderKey {
	return orderKey{
		symbol: o.Symbol,
		isBuy:  o.Side == domain.DirectionBuy,
		price:  r.Price(decimal.NewFromFloat(o.Price)),
		size:   r.Size(decimal.NewFromFloat(o.Size)),
	}
}

// Deduplicator подавляет дубликаты entry-intent'ов: против стоящих ордеров
// биржи (межцикловые) и внутри одного батча (внутрибатчевые)
type Deduplicator struct {
	logger *utils.Logger
}

func NewDeduplicator(logger *utils.Logger) *Deduplicator {
	return &Deduplicator{logger: logger.WithPrefix("dedup")}
}

// Filter возвращает intent'ы без дубликатов и результат-запись на каждый
// удалённый. Дубликат — безвредный пропуск, не ошибка: success=true.
func (d *Deduplicator) Filter(
	intents []domain.TradingIntent,
	openOrders []domain.OpenOrder,
	rounders map[string]*Rounder,
) ([]domain.TradingIntent, []domain.ExecutionResult) {
	kept := make([]domain.TradingIntent, 0, len(intents))
	var skipped []domain.ExecutionResult

	// ключи стоящих ордеров (без reduce-only и trigger: entry сравнивается
	// только с entry)
	resting := make([]orderKey, 0, len(openOrders))
	for _, o := range openOrders {
		if o.ReduceOnly || o.IsTrigger {
			continue
		}
		r, ok := rounders[o.Symbol]
		if !ok {
			continue
		}
		resting = append(resting, openOrderKey(o, r))
	}

	var batchKeys []orderKey
	for _, intent := range intents {
		if !intent.IsEntry() {
			kept = append(kept, intent)
			continue
		}

		r, ok := rounders[intent.Symbol]
		if !ok {
			// нет метаданных — пусть решает валидатор/исполнитель
			kept = append(kept, intent)
			continue
		}

		key, err := intentKey(intent, r)
		if err != nil {
			kept = append(kept, intent)
			continue
		}

		if match, where := d.findDuplicate(key, resting, batchKeys, r); match {
			d.logger.Info("skipping duplicate %s %s %s@%s (%s)",
				intent.Action, intent.Symbol, intent.Size, intent.EntryPrice, where)
			skipped = append(skipped, domain.ExecutionResult{
				Intent:  intent,
				Status:  domain.ResultSkipped,
				Success: true,
				Reason:  fmt.Sprintf("%v (%s)", domain.ErrDuplicateOrder, where),
			})
			continue
		}

		batchKeys = append(batchKeys, key)
		kept = append(kept, intent)
	}

	return kept, skipped
}

func (d *Deduplicator) findDuplicate(key orderKey, resting, batch []orderKey, r *Rounder) (bool, string) {
	tick := r.Tick()
	step := r.SizeStep()
	for _, existing := range resting {
		if key.matches(existing, tick, step) {
			return true, "resting order"
		}
	}
	for _, existing := range batch {
		if key.matches(existing, tick, step) {
			return true, "same batch"
		}
	}
	return false, ""
}
