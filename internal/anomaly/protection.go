package anomaly

import (
	"sync"
	"time"

	"recon_bot/internal/modules/config"
	"recon_bot/pkg/logger"
)

// Windows — защитные окна, в которых классификация подавляется, чтобы не
// ловить гонки: грейс после старта процесса и кулдаун после собственной сделки.
// Чистое состояние в памяти, после рестарта строится заново.
type Windows struct {
	mu sync.Mutex

	processStart time.Time
	startupDone  bool // одноразовая защёлка

	lastTrade map[string]time.Time

	startupDur  time.Duration
	cooldownDur time.Duration
	recoveryDur time.Duration
}

func NewWindows(cfg config.Monitoring) *Windows {
	return newWindowsAt(cfg, time.Now())
}

func newWindowsAt(cfg config.Monitoring, start time.Time) *Windows {
	return &Windows{
		processStart: start,
		lastTrade:    make(map[string]time.Time),
		startupDur:   cfg.StartupProtection,
		cooldownDur:  cfg.TradeCooldown,
		recoveryDur:  cfg.RecoveryProtection,
	}
}

// StartupActive — true, пока не истёк стартовый грейс. Переход один раз и
// навсегда, оценивается лениво на каждом вызове.
func (w *Windows) StartupActive(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.startupDone {
		return false
	}
	if now.Sub(w.processStart) >= w.startupDur {
		w.startupDone = true
		logger.Info("🔍 стартовый грейс закончился, сверка полностью активна")
		return false
	}
	return true
}

// CooldownActive — true, пока не прошёл кулдаун после последней сделки бота
// по символу.
func (w *Windows) CooldownActive(symbol string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, ok := w.lastTrade[symbol]
	if !ok {
		return false
	}
	return now.Sub(last) < w.cooldownDur
}

// RegisterTrade отмечает сделку бота по символу. Для позиции, восстановленной
// после рестарта (recovery), время сдвигается вперёд так, чтобы окно защиты
// растянулось до recoveryDur вместо обычного кулдауна.
func (w *Windows) RegisterTrade(symbol string, now time.Time, recovery bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if recovery {
		w.lastTrade[symbol] = now.Add(w.recoveryDur - w.cooldownDur)
		logger.Info("🔍 %s: восстановленная позиция, защита на %s", symbol, w.recoveryDur)
		return
	}
	w.lastTrade[symbol] = now
	logger.Info("🔍 %s: сделка бота, сверка по символу на паузе %s", symbol, w.cooldownDur)
}

// Prune выкидывает давно истёкшие отметки, чтобы мапа не росла бесконечно.
func (w *Windows) Prune(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := 2 * w.cooldownDur
	if w.recoveryDur > w.cooldownDur {
		cutoff = 2 * w.recoveryDur
	}
	for symbol, last := range w.lastTrade {
		if now.Sub(last) > cutoff {
			delete(w.lastTrade, symbol)
		}
	}
}
