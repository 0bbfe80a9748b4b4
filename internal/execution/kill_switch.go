package execution

import (
	"sync"
	"time"

	"github.com/kirillm/perp-agent/pkg/utils"
)

// KillSwitch аварийная остановка торговли. Активный kill switch блокирует
// каждый батч исполнителя и каждый слайс advanced-ордеров; деактивация
// требует явного ручного вмешательства (telegram /resume или API).
type KillSwitch struct {
	mu          sync.RWMutex
	logger      *utils.Logger
	active      bool
	activatedAt time.Time
	reason      string
	activations int
}

func NewKillSwitch(logger *utils.Logger) *KillSwitch {
	return &KillSwitch{logger: logger.WithPrefix("killswitch")}
}

// Activate активирует kill switch
func (ks *KillSwitch) Activate(reason string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.active = true
	ks.activatedAt = time.Now()
	ks.reason = reason
	ks.activations++

	ks.logger.Error("KILL SWITCH ACTIVATED: %s", reason)
}

// Deactivate деактивирует kill switch
func (ks *KillSwitch) Deactivate() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.active = false
	ks.reason = ""

	ks.logger.Info("kill switch deactivated")
}

// IsActive проверяет активен ли kill switch
func (ks *KillSwitch) IsActive() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.active
}

// Status возвращает состояние, причину и время активации
func (ks *KillSwitch) Status() (bool, string, time.Time) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.active, ks.reason, ks.activatedAt
}
