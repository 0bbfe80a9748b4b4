package trigger

import (
	"testing"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/pkg/utils"
)

type firedEvent struct {
	id     string
	value  float64
	reason string
}

func rsiSpec() domain.TriggerSpec {
	return domain.TriggerSpec{
		ID: "rsi-low", Indicator: domain.IndicatorRSI, Period: 14,
		Operator: domain.OpLess, Value: 30,
		Hysteresis: 0.05, CooldownMinutes: 10,
	}
}

func testSupervisor(spec domain.TriggerSpec, fires *[]firedEvent) *Supervisor {
	cb := func(s domain.TriggerSpec, value float64, reason string) {
		*fires = append(*fires, firedEvent{id: s.ID, value: value, reason: reason})
	}
	return NewSupervisor("u1", "strat-1", []domain.TriggerSpec{spec}, nil, cb, utils.NewLogger("error"))
}

func TestConditionMet(t *testing.T) {
	tests := []struct {
		name     string
		operator string
		value    float64
		prev     float64
		hasPrev  bool
		want     bool
	}{
		{"less true", domain.OpLess, 25, 0, false, true},
		{"less false", domain.OpLess, 35, 0, false, false},
		{"greater true", domain.OpGreater, 35, 0, false, true},
		{"less equal boundary", domain.OpLessEqual, 30, 0, false, true},
		{"greater equal boundary", domain.OpGreaterEqual, 30, 0, false, true},
		{"crosses above true", domain.OpCrossesAbove, 31, 29, true, true},
		{"crosses above no prev", domain.OpCrossesAbove, 31, 0, false, false},
		{"crosses above from above", domain.OpCrossesAbove, 31, 30.5, true, false},
		{"crosses below true", domain.OpCrossesBelow, 29, 31, true, true},
		{"crosses below already below", domain.OpCrossesBelow, 28, 29, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := domain.TriggerSpec{Operator: tt.operator, Value: 30}
			if got := conditionMet(spec, tt.value, tt.prev, tt.hasPrev); got != tt.want {
				t.Errorf("conditionMet(%s, %v, prev %v) = %v, want %v",
					tt.operator, tt.value, tt.prev, got, tt.want)
			}
		})
	}
}

func TestWithinHysteresis(t *testing.T) {
	spec := domain.TriggerSpec{Value: 30, Hysteresis: 0.05} // зона 30 ± 1.5

	tests := []struct {
		name  string
		value float64
		want  bool
	}{
		{"inside above", 31, true},
		{"inside below", 28.6, true},
		{"boundary", 31.5, true},
		{"outside", 32, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinHysteresis(spec, tt.value); got != tt.want {
				t.Errorf("withinHysteresis(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	t.Run("zero hysteresis never near", func(t *testing.T) {
		if withinHysteresis(domain.TriggerSpec{Value: 30}, 30) {
			t.Error("withinHysteresis() = true with zero hysteresis")
		}
	})
}

// Срабатывание ровно один раз, затем cooldown глушит повторные пересечения.
func TestSupervisor_FiresOnceThenCooldown(t *testing.T) {
	var fires []firedEvent
	spec := rsiSpec()
	s := testSupervisor(spec, &fires)
	now := time.Now()

	s.step(spec, 25, now) // условие выполнено
	if len(fires) != 1 {
		t.Fatalf("got %d fires, want 1", len(fires))
	}
	if fires[0].reason != "crossing" || fires[0].value != 25 {
		t.Errorf("fire = %+v, want crossing at 25", fires[0])
	}

	if s.GetStatus()[spec.ID] != StateCooldown {
		t.Errorf("state = %v, want cooldown", s.GetStatus()[spec.ID])
	}

	// внутри cooldown условие игнорируется
	s.step(spec, 20, now.Add(time.Minute))
	if len(fires) != 1 {
		t.Errorf("got %d fires inside cooldown, want still 1", len(fires))
	}

	// после cooldown триггер снова живой
	s.step(spec, 20, now.Add(11*time.Minute))
	if len(fires) != 2 {
		t.Errorf("got %d fires after cooldown, want 2", len(fires))
	}

	stats := s.GetStats()
	if len(stats) != 1 || stats[0].Fires != 2 {
		t.Errorf("stats = %+v, want 2 fires", stats)
	}
}

// Значение в near-зоне взводит триггер; застрявшее у порога значение
// эскалируется по таймауту.
func TestSupervisor_NearMissTimeout(t *testing.T) {
	var fires []firedEvent
	spec := rsiSpec() // порог 30, зона 30 ± 1.5
	s := testSupervisor(spec, &fires)
	now := time.Now()

	s.step(spec, 31, now)
	if got := s.GetStatus()[spec.ID]; got != StateArmed {
		t.Fatalf("state = %v, want armed", got)
	}
	if len(fires) != 0 {
		t.Fatalf("got %d fires while armed, want 0", len(fires))
	}

	// зона не покинута, таймаут ещё не истёк
	s.step(spec, 30.8, now.Add(2*time.Minute))
	if len(fires) != 0 {
		t.Fatalf("got %d fires before timeout, want 0", len(fires))
	}

	s.step(spec, 30.8, now.Add(6*time.Minute))
	if len(fires) != 1 {
		t.Fatalf("got %d fires after timeout, want 1", len(fires))
	}
	if fires[0].reason != "near_miss_timeout" {
		t.Errorf("reason = %q, want near_miss_timeout", fires[0].reason)
	}
}

func TestSupervisor_DisarmsWhenValueLeaves(t *testing.T) {
	var fires []firedEvent
	spec := rsiSpec()
	s := testSupervisor(spec, &fires)
	now := time.Now()

	s.step(spec, 31, now)
	if got := s.GetStatus()[spec.ID]; got != StateArmed {
		t.Fatalf("state = %v, want armed", got)
	}

	s.step(spec, 50, now.Add(time.Minute))
	if got := s.GetStatus()[spec.ID]; got != StateWatching {
		t.Errorf("state = %v, want watching after leaving near zone", got)
	}
	if len(fires) != 0 {
		t.Errorf("got %d fires, want 0", len(fires))
	}
}

// Паника в callback'е не подвешивает триггер: cooldown выставляется всё равно.
func TestSupervisor_CallbackPanicContained(t *testing.T) {
	spec := rsiSpec()
	cb := func(domain.TriggerSpec, float64, string) { panic("boom") }
	s := NewSupervisor("u1", "strat-1", []domain.TriggerSpec{spec}, nil, cb, utils.NewLogger("error"))

	s.step(spec, 25, time.Now())

	if got := s.GetStatus()[spec.ID]; got != StateCooldown {
		t.Errorf("state = %v, want cooldown after panicking callback", got)
	}
	if s.GetStats()[0].Fires != 1 {
		t.Errorf("fires = %d, want 1", s.GetStats()[0].Fires)
	}
}
