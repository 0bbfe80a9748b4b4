package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kirillm/perp-agent/internal/domain"
)

// Rounder округляет цену и размер к ограничениям актива.
// Одни и те же правила округления используются валидатором, дедупликатором,
// bracket-менеджером и исполнителем — иначе сравнение ордеров расходится
// на ошибках округления.
type Rounder struct {
	meta domain.AssetMetadata
	tick decimal.Decimal
}

func NewRounder(meta domain.AssetMetadata) (*Rounder, error) {
	tick, err := decimal.NewFromString(meta.TickSize)
	if err != nil || tick.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad tick size %q for %s", domain.ErrInvalidInput, meta.TickSize, meta.Symbol)
	}
	return &Rounder{meta: meta, tick: tick}, nil
}

// Meta возвращает метаданные актива, для которых построен rounder
func (r *Rounder) Meta() domain.AssetMetadata {
	return r.meta
}

// Tick возвращает шаг цены
func (r *Rounder) Tick() decimal.Decimal {
	return r.tick
}

// Price округляет цену к ближайшему кратному тика
func (r *Rounder) Price(p decimal.Decimal) decimal.Decimal {
	return p.Div(r.tick).Round(0).Mul(r.tick)
}

// PriceFloat округляет цену, заданную float64
func (r *Rounder) PriceFloat(p float64) float64 {
	f, _ := r.Price(decimal.NewFromFloat(p)).Float64()
	return f
}

// PriceString округляет цену и возвращает её wire-представление
func (r *Rounder) PriceString(p float64) string {
	return r.Price(decimal.NewFromFloat(p)).String()
}

// Size усекает размер к точности актива. Усечение вместо округления вверх,
// чтобы суммарный размер никогда не превышал целевой.
func (r *Rounder) Size(s decimal.Decimal) decimal.Decimal {
	return s.Truncate(int32(r.meta.SzDecimals))
}

// SizeFloat усекает размер, заданный float64
func (r *Rounder) SizeFloat(s float64) float64 {
	f, _ := r.Size(decimal.NewFromFloat(s)).Float64()
	return f
}

// SizeString усекает размер и возвращает его wire-представление
func (r *Rounder) SizeString(s float64) string {
	return r.Size(decimal.NewFromFloat(s)).String()
}

// SizeStep возвращает минимальный шаг размера
func (r *Rounder) SizeStep() decimal.Decimal {
	return decimal.New(1, -int32(r.meta.SzDecimals))
}

// ParsePositive разбирает десятичную строку и требует строго положительное значение
func ParsePositive(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: missing %s", domain.ErrInvalidInput, field)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: unparseable %s %q", domain.ErrInvalidInput, field, value)
	}
	if d.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: non-positive %s %s", domain.ErrInvalidInput, field, value)
	}
	return d, nil
}
