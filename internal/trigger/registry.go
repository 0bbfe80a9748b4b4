package trigger

import (
	"sync"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// Registry явный реестр супервизоров по ключу (user, strategy).
// Принадлежит процессу и передаётся зависимостям явно — никакого
// package-level мутабельного состояния.
type Registry struct {
	logger *utils.Logger

	mu          sync.Mutex
	supervisors map[registryKey]*Supervisor
}

type registryKey struct {
	userID     string
	strategyID string
}

func NewRegistry(logger *utils.Logger) *Registry {
	return &Registry{
		logger:      logger.WithPrefix("trigger-registry"),
		supervisors: make(map[registryKey]*Supervisor),
	}
}

// Create создаёт и запускает супервизор для стратегии.
// Существующий супервизор под тем же ключом сперва останавливается и
// выбрасывается: триггеры неизменны, замена — только целиком.
func (r *Registry) Create(
	userID, strategyID string,
	triggers []domain.TriggerSpec,
	source ValueSource,
	callback FireCallback,
) *Supervisor {
	key := registryKey{userID: userID, strategyID: strategyID}

	r.mu.Lock()
	if old, ok := r.supervisors[key]; ok {
		old.Stop()
		r.logger.Info("replaced supervisor for %s/%s", userID, strategyID)
	}
	sup := NewSupervisor(userID, strategyID, triggers, source, callback, r.logger)
	r.supervisors[key] = sup
	r.mu.Unlock()

	sup.Start()
	return sup
}

// Get возвращает супервизор стратегии, если он есть
func (r *Registry) Get(userID, strategyID string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.supervisors[registryKey{userID: userID, strategyID: strategyID}]
	return sup, ok
}

// Stop останавливает и удаляет супервизор стратегии
func (r *Registry) Stop(userID, strategyID string) {
	key := registryKey{userID: userID, strategyID: strategyID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup, ok := r.supervisors[key]; ok {
		sup.Stop()
		delete(r.supervisors, key)
	}
}

// StopAll останавливает все супервизоры (выключение процесса)
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, sup := range r.supervisors {
		sup.Stop()
		delete(r.supervisors, key)
	}
}

// All возвращает статистику всех супервизоров для API
func (r *Registry) All() map[string][]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]Stats, len(r.supervisors))
	for key, sup := range r.supervisors {
		out[key.userID+"/"+key.strategyID] = sup.GetStats()
	}
	return out
}
