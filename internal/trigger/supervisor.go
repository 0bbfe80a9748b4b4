package trigger

import (
	"math"
	"sync"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/metrics"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// State состояние одного триггера
type State string

const (
	StateIdle     State = "idle"
	StateWatching State = "watching"
	StateArmed    State = "armed"
	StateCooldown State = "cooldown"
)

// ValueSource источник текущих значений индикаторов
type ValueSource interface {
	Value(spec domain.TriggerSpec) (float64, bool)
}

// FireCallback вызывается ровно один раз на каждое срабатывание.
// reason — "crossing" либо "near_miss_timeout".
type FireCallback func(spec domain.TriggerSpec, value float64, reason string)

// triggerState машинное состояние одного триггера. Таймеры здесь — только
// метки времени: сам тикер является драйвером, не источником истины,
// поэтому состояние переживает смену механизма планирования.
type triggerState struct {
	state         State
	prevValue     float64
	hasPrev       bool
	armedAt       time.Time
	cooldownUntil time.Time
	fires         int
	lastFired     time.Time
	lastValue     float64
}

// Stats статистика супервизора по триггерам
type Stats struct {
	TriggerID string    `json:"trigger_id"`
	State     State     `json:"state"`
	Fires     int       `json:"fires"`
	LastFired time.Time `json:"last_fired,omitempty"`
	LastValue float64   `json:"last_value"`
}

// Supervisor гоняет машину состояний по каждому триггеру стратегии.
// Триггеры неизменны после конструирования: замена триггеров стратегии —
// это замена всего супервизора через Registry.
type Supervisor struct {
	userID     string
	strategyID string
	triggers   []domain.TriggerSpec
	source     ValueSource
	callback   FireCallback
	logger     *utils.Logger

	pollInterval    time.Duration
	nearMissTimeout time.Duration

	mu       sync.Mutex
	states   map[string]*triggerState
	running  bool
	stopChan chan struct{}
}

func NewSupervisor(
	userID, strategyID string,
	triggers []domain.TriggerSpec,
	source ValueSource,
	callback FireCallback,
	logger *utils.Logger,
) *Supervisor {
	states := make(map[string]*triggerState, len(triggers))
	for _, t := range triggers {
		states[t.ID] = &triggerState{state: StateIdle}
	}
	return &Supervisor{
		userID:          userID,
		strategyID:      strategyID,
		triggers:        triggers,
		source:          source,
		callback:        callback,
		logger:          logger.WithPrefix("trigger"),
		pollInterval:    10 * time.Second,
		nearMissTimeout: 5 * time.Minute,
		states:          states,
	}
}

// Start запускает цикл опроса
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("supervisor started for %s/%s with %d triggers", s.userID, s.strategyID, len(s.triggers))
	go s.run()
}

// Stop останавливает опрос. Чистятся только локальные таймеры; состояние
// триггеров не мутируется.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
	s.logger.Info("supervisor stopped for %s/%s", s.userID, s.strategyID)
}

func (s *Supervisor) run() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.poll(time.Now())
		case <-s.stopChan:
			return
		}
	}
}

func (s *Supervisor) poll(now time.Time) {
	for _, spec := range s.triggers {
		value, ok := s.source.Value(spec)
		if !ok {
			continue
		}
		s.step(spec, value, now)
	}
}

// step один шаг машины состояний триггера.
// idle/watching: условие выполнено — fire; значение в near-зоне — armed.
// armed: условие выполнено — fire; вышло из зоны — watching; таймер
// near-miss истёк — fire (эскалация застрявшего у порога значения).
func (s *Supervisor) step(spec domain.TriggerSpec, value float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.states[spec.ID]
	if ts == nil {
		return
	}
	defer func() {
		ts.prevValue = value
		ts.hasPrev = true
		ts.lastValue = value
	}()

	if ts.state == StateCooldown {
		if now.Before(ts.cooldownUntil) {
			return
		}
		ts.state = StateWatching
	}

	met := conditionMet(spec, value, ts.prevValue, ts.hasPrev)
	near := withinHysteresis(spec, value)

	switch ts.state {
	case StateIdle, StateWatching:
		switch {
		case met:
			s.fire(spec, ts, value, "crossing", now)
		case near:
			ts.state = StateArmed
			ts.armedAt = now
			s.logger.Debug("%s armed at value %.6g (threshold %.6g)", spec.ID, value, spec.Value)
		default:
			ts.state = StateWatching
		}
	case StateArmed:
		switch {
		case met:
			s.fire(spec, ts, value, "crossing", now)
		case !near:
			ts.state = StateWatching
			s.logger.Debug("%s disarmed at value %.6g", spec.ID, value)
		case now.Sub(ts.armedAt) >= s.nearMissTimeout:
			s.fire(spec, ts, value, "near_miss_timeout", now)
		}
	}
}

// fire вызывает callback ровно один раз и безусловно уходит в cooldown:
// паника внутри callback'а не должна оставить триггер в подвешенном состоянии
func (s *Supervisor) fire(spec domain.TriggerSpec, ts *triggerState, value float64, reason string, now time.Time) {
	s.logger.Info("%s fired (%s) at value %.6g", spec.ID, reason, value)
	metrics.TriggerFiresTotal.WithLabelValues(reason).Inc()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("trigger callback panicked: %v", r)
			}
		}()
		s.callback(spec, value, reason)
	}()

	ts.fires++
	ts.lastFired = now
	ts.state = StateCooldown
	ts.cooldownUntil = now.Add(time.Duration(spec.CooldownMinutes) * time.Minute)
}

// GetStatus возвращает состояние каждого триггера
func (s *Supervisor) GetStatus() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.states))
	for id, ts := range s.states {
		out[id] = ts.state
	}
	return out
}

// GetStats возвращает статистику по всем триггерам
func (s *Supervisor) GetStats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.triggers))
	for _, spec := range s.triggers {
		ts := s.states[spec.ID]
		out = append(out, Stats{
			TriggerID: spec.ID,
			State:     ts.state,
			Fires:     ts.fires,
			LastFired: ts.lastFired,
			LastValue: ts.lastValue,
		})
	}
	return out
}

// conditionMet проверяет оператор триггера против порога
func conditionMet(spec domain.TriggerSpec, value, prev float64, hasPrev bool) bool {
	switch spec.Operator {
	case domain.OpLess:
		return value < spec.Value
	case domain.OpGreater:
		return value > spec.Value
	case domain.OpLessEqual:
		return value <= spec.Value
	case domain.OpGreaterEqual:
		return value >= spec.Value
	case domain.OpEqual:
		// точное равенство float не срабатывает на практике:
		// равенством считается попадание в hysteresis-зону
		return withinHysteresis(spec, value)
	case domain.OpCrossesAbove:
		return hasPrev && prev < spec.Value && value >= spec.Value
	case domain.OpCrossesBelow:
		return hasPrev && prev > spec.Value && value <= spec.Value
	}
	return false
}

// withinHysteresis проверяет попадание в near-зону вокруг порога
func withinHysteresis(spec domain.TriggerSpec, value float64) bool {
	if spec.Hysteresis <= 0 {
		return false
	}
	band := math.Abs(spec.Value) * spec.Hysteresis
	return math.Abs(value-spec.Value) <= band
}
