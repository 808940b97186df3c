package anomaly

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"

	"recon_bot/internal/models"
	"recon_bot/internal/modules/config"
	"recon_bot/pkg/logger"
)

// Ниже этого количество считается "позиции нет".
const epsilon = 1e-6

// ExchangeClient — что движку нужно от биржи.
type ExchangeClient interface {
	FuturesPositions(ctx context.Context) ([]models.ExternalPosition, error)
}

// Ledger — журнал позиций бота. Принадлежит order-management'у, движок его
// только читает и просит снять орфанов с учёта.
type Ledger interface {
	ActivePositions() map[string]models.Position
	ClearOrphan(strategy string) bool
}

// Notifier — fire-and-forget уведомления. Ошибки доставки логирует сам.
type Notifier interface {
	NotifyDetected(a *models.Anomaly)
	NotifyCleared(a *models.Anomaly)
}

// ScanStats — итог одного скана для истории.
type ScanStats struct {
	At                time.Time `json:"at"`
	Suppressed        bool      `json:"suppressed"`
	LedgerPositions   int       `json:"ledger_positions"`
	ExternalPositions int       `json:"external_positions"`
	ActiveOrphans     int       `json:"active_orphans"`
	ActiveGhosts      int       `json:"active_ghosts"`
	Created           int       `json:"created"`
	Cleared           int       `json:"cleared"`
	Purged            int       `json:"purged"`
}

// HistoryRecorder — опциональный приёмник статистики сканов.
type HistoryRecorder interface {
	SaveScan(ctx context.Context, s ScanStats) error
}

// Engine сверяет журнал позиций с биржей и ведёт жизненный цикл аномалий:
// detect -> monitor -> clear. Один инстанс на процесс, коллабораторы
// инжектятся при создании.
type Engine struct {
	cfg      config.Monitoring
	exchange ExchangeClient
	ledger   Ledger
	store    *Store
	windows  *Windows
	notifier Notifier
	history  HistoryRecorder

	regMu      sync.RWMutex
	strategies map[string]string // стратегия -> символ

	// Scan не реентерабелен; защёлка на случай недисциплинированного вызова.
	scanMu sync.Mutex
	// время последнего прогона жизненного цикла: повторный вызов в тот же
	// тик не должен двигать счётчики второй раз
	lastTick time.Time
}

func NewEngine(
	cfg config.Monitoring,
	exchange ExchangeClient,
	ledger Ledger,
	store *Store,
	windows *Windows,
	notifier Notifier,
) *Engine {
	return &Engine{
		cfg:        cfg,
		exchange:   exchange,
		ledger:     ledger,
		store:      store,
		windows:    windows,
		notifier:   notifier,
		strategies: make(map[string]string),
	}
}

// SetHistory подключает опциональное хранилище статистики сканов.
func (e *Engine) SetHistory(h HistoryRecorder) { e.history = h }

// RegisterStrategy — какая стратегия мониторит какой символ.
func (e *Engine) RegisterStrategy(name, symbol string) {
	e.regMu.Lock()
	e.strategies[name] = symbol
	e.regMu.Unlock()
	logger.Info("🔍 strategy registered: %s -> %s", name, symbol)
}

// RegisterTrade отмечает сделку (или восстановление позиции) бота: включает
// кулдаун по символу и снимает активные аномалии пары символ+стратегия —
// позиция снова легитимна.
func (e *Engine) RegisterTrade(symbol, strategy string, now time.Time, recovery bool) {
	e.windows.RegisterTrade(symbol, now, recovery)

	for _, a := range e.store.ListBySymbol(symbol) {
		if a.Strategy != strategy {
			continue
		}
		e.store.Update(a.ID, func(x *models.Anomaly) {
			x.Status = models.StatusCleared
			t := now
			x.ClearedAt = &t
		})
		logger.Info("🧹 cleared anomaly for recovered position: %s", a.ID)
	}
}

// RegisterRecovered прогоняет RegisterTrade по всем позициям журнала.
// Вызывается один раз на старте: позиции, пережившие рестарт, получают
// расширенную защиту вместо немедленного попадания в госты/орфаны.
func (e *Engine) RegisterRecovered(now time.Time) int {
	n := 0
	for strategy, p := range e.ledger.ActivePositions() {
		e.RegisterTrade(p.Symbol, strategy, now, true)
		n++
	}
	return n
}

// Scan — один проход сверки. Не возвращает ошибку: неудавшийся скан просто
// пропускается, следующий тик — его ретрай. suppress подавляет уведомления
// (и, как следствие, прогресс счётчика гостов — см. tickLifecycle).
func (e *Engine) Scan(ctx context.Context, now time.Time, suppress bool) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	span := opentracing.StartSpan("anomaly.scan")
	span.SetTag("suppressed", suppress)
	defer span.Finish()

	external, err := e.exchange.FuturesPositions(ctx)
	if err != nil {
		// ни одной мутации состояния при неудачном снимке
		logger.Error("❌ reconcile: snapshot fetch failed, skipping scan: %v", err)
		return
	}

	extBySymbol := make(map[string]models.ExternalPosition, len(external))
	for _, p := range external {
		extBySymbol[p.Symbol] = p
	}

	positions := e.ledger.ActivePositions()

	created := e.classifyOrphans(positions, extBySymbol, now, suppress)
	created += e.classifyGhosts(positions, external, now, suppress)

	cleared := 0
	if now.After(e.lastTick) {
		cleared = e.tickLifecycle(extBySymbol, now, suppress)
		e.lastTick = now
	}

	purged := e.store.Cleanup(e.cfg.RetentionDays, now)
	e.windows.Prune(now)

	if e.history != nil {
		stats := ScanStats{
			At:                now,
			Suppressed:        suppress,
			LedgerPositions:   len(positions),
			ExternalPositions: len(external),
			Created:           created,
			Cleared:           cleared,
			Purged:            purged,
		}
		for _, a := range e.store.ListActive() {
			if a.Kind == models.KindOrphan {
				stats.ActiveOrphans++
			} else {
				stats.ActiveGhosts++
			}
		}
		if err := e.history.SaveScan(ctx, stats); err != nil {
			logger.Warn("⚠️ reconcile: history save failed: %v", err)
		}
	}
}

// classifyOrphans: позиция есть в журнале, на бирже нет (или ниже epsilon).
// Во время стартового грейса не работает вовсе.
func (e *Engine) classifyOrphans(
	positions map[string]models.Position,
	extBySymbol map[string]models.ExternalPosition,
	now time.Time,
	suppress bool,
) int {
	if e.windows.StartupActive(now) {
		logger.Debug("🔍 orphan check skipped: startup protection")
		return 0
	}

	created := 0
	for strategy, pos := range positions {
		ext, ok := extBySymbol[pos.Symbol]
		if ok && math.Abs(ext.Amount) > epsilon {
			continue
		}

		id := models.OrphanID(strategy, pos.Symbol)
		if a, ok := e.store.Get(id); ok && a.Active() {
			continue // уже отслеживаем, дальше двигает lifecycle
		}

		a := &models.Anomaly{
			ID:              id,
			Kind:            models.KindOrphan,
			Status:          models.StatusActive,
			Symbol:          pos.Symbol,
			Strategy:        strategy,
			Side:            pos.Side,
			Quantity:        pos.Quantity,
			EntryPrice:      pos.EntryPrice,
			DetectedAt:      now,
			CyclesRemaining: e.cfg.OrphanCycles,
		}
		e.store.Add(a)
		e.notifyDetected(a, suppress)
		logger.Warn("👻 ORPHAN DETECTED | %s | %s | в журнале есть, на бирже нет", strategy, pos.Symbol)
		created++
	}
	return created
}

// classifyGhosts: позиция на бирже, у бота записи нет. Символ в кулдауне
// пропускаем, совпадение в пределах допуска — не аномалия.
func (e *Engine) classifyGhosts(
	positions map[string]models.Position,
	external []models.ExternalPosition,
	now time.Time,
	suppress bool,
) int {
	created := 0
	for _, ext := range external {
		if math.Abs(ext.Amount) <= epsilon {
			continue
		}
		if e.windows.CooldownActive(ext.Symbol, now) {
			logger.Debug("🔍 ghost check skipped for %s: trade cooldown", ext.Symbol)
			continue
		}

		if e.matchesLedger(positions, ext) {
			continue
		}

		strategy := e.monitoringStrategy(ext.Symbol)
		id := models.GhostID(strategy, ext.Symbol)

		if a, ok := e.store.Get(id); ok && a.Active() {
			// дрейф количества правим на месте, счётчик и notified не трогаем
			tol := math.Max(math.Abs(a.ExternalAmount)*e.cfg.ToleranceFraction, e.cfg.ToleranceMinAbs)
			if math.Abs(a.ExternalAmount-ext.Amount) > tol {
				e.store.Update(id, func(x *models.Anomaly) {
					x.ExternalAmount = ext.Amount
					x.Quantity = math.Abs(ext.Amount)
					x.Side = sideOf(ext.Amount)
				})
				logger.Debug("🔍 ghost %s: qty drifted to %.6f", id, math.Abs(ext.Amount))
			}
			continue
		}

		if e.symbolHasActiveGhost(ext.Symbol) {
			// символ уже висит гостом под другим именем стратегии
			continue
		}

		a := &models.Anomaly{
			ID:              id,
			Kind:            models.KindGhost,
			Status:          models.StatusActive,
			Symbol:          ext.Symbol,
			Strategy:        strategy,
			Side:            sideOf(ext.Amount),
			Quantity:        math.Abs(ext.Amount),
			ExternalAmount:  ext.Amount,
			DetectedAt:      now,
			CyclesRemaining: e.cfg.GhostCycles,
		}
		e.store.Add(a)
		e.notifyDetected(a, suppress)
		logger.Warn("👻 GHOST DETECTED | %s | %s | qty %.6f, у бота записи нет",
			strategy, ext.Symbol, math.Abs(ext.Amount))
		created++
	}
	return created
}

// tickLifecycle двигает все активные аномалии на один цикл.
//
// Орфан: декремент каждый скан; на нуле — снятие с журнала. Неудачное снятие
// возвращает счётчик в 1, на следующем цикле будет ещё попытка; пока снятие
// не удаётся, аномалия остаётся активной и видимой оператору.
//
// Гост: декремент только в неподавленном скане и НИКОГДА не приводит к
// закрытию — гост закрывается только когда символ исчез из биржевого снимка.
func (e *Engine) tickLifecycle(
	extBySymbol map[string]models.ExternalPosition,
	now time.Time,
	suppress bool,
) int {
	cleared := 0
	for _, a := range e.store.ListActive() {
		switch a.Kind {
		case models.KindOrphan:
			n := a.CyclesRemaining - 1
			e.store.Update(a.ID, func(x *models.Anomaly) { x.CyclesRemaining = n })
			logger.Info("🔍 ORPHAN LIFECYCLE | %s | cycles remaining: %d", a.ID, n)

			if n <= 0 {
				if e.ledger.ClearOrphan(a.Strategy) {
					e.markCleared(a.ID, now, suppress)
					logger.Info("🧹 ORPHAN CLEARED | %s | стратегия снова может торговать", a.ID)
					cleared++
				} else {
					e.store.Update(a.ID, func(x *models.Anomaly) { x.CyclesRemaining = 1 })
					logger.Warn("⚠️ ORPHAN CLEAR RETRY | %s", a.ID)
				}
			}

		case models.KindGhost:
			ext, ok := extBySymbol[a.Symbol]
			if !ok || math.Abs(ext.Amount) <= epsilon {
				e.markCleared(a.ID, now, suppress)
				logger.Info("🧹 GHOST CLEARED | %s | позиция на бирже закрыта", a.ID)
				cleared++
				continue
			}
			if !suppress {
				e.store.Update(a.ID, func(x *models.Anomaly) { x.CyclesRemaining-- })
			}
		}
	}
	return cleared
}

func (e *Engine) markCleared(id string, now time.Time, suppress bool) {
	e.store.Update(id, func(x *models.Anomaly) {
		x.Status = models.StatusCleared
		t := now
		x.ClearedAt = &t
	})
	if suppress {
		return
	}
	if a, ok := e.store.Get(id); ok {
		e.notifier.NotifyCleared(a)
	}
}

// notifyDetected шлёт detect-уведомление один раз на аномалию; подавленный
// скан не шлёт и не помечает — как и исходный startup scan.
func (e *Engine) notifyDetected(a *models.Anomaly, suppress bool) {
	if suppress || a.Notified {
		return
	}
	e.notifier.NotifyDetected(a.Clone())
	e.store.Update(a.ID, func(x *models.Anomaly) { x.Notified = true })
}

func (e *Engine) matchesLedger(positions map[string]models.Position, ext models.ExternalPosition) bool {
	for strategy, pos := range positions {
		if pos.Symbol != ext.Symbol {
			continue
		}
		expected := pos.SignedAmount()
		tol := math.Max(math.Abs(expected)*e.cfg.ToleranceFraction, e.cfg.ToleranceMinAbs)
		if math.Abs(ext.Amount-expected) <= tol {
			logger.Debug("🔍 %s matches ledger position %s", ext.Symbol, strategy)
			return true
		}
	}
	return false
}

func (e *Engine) monitoringStrategy(symbol string) string {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	for name, sym := range e.strategies {
		if sym == symbol {
			return name
		}
	}
	return models.ManualStrategy(symbol)
}

func (e *Engine) symbolHasActiveGhost(symbol string) bool {
	for _, a := range e.store.ListBySymbol(symbol) {
		if a.Kind == models.KindGhost {
			return true
		}
	}
	return false
}

// HasBlockingAnomaly — есть ли у стратегии активная аномалия (стратегии с
// аномалией не дают открывать новые сделки).
func (e *Engine) HasBlockingAnomaly(strategy string) bool {
	return len(e.store.ListByStrategy(strategy)) > 0
}

// Summary — сводка для health-эндпоинта и CLI.
func (e *Engine) Summary() map[string]any {
	active := e.store.ListActive()
	orphans, ghosts := 0, 0
	items := make([]map[string]any, 0, len(active))
	for _, a := range active {
		if a.Kind == models.KindOrphan {
			orphans++
		} else {
			ghosts++
		}
		items = append(items, map[string]any{
			"id":               a.ID,
			"type":             a.Kind,
			"strategy":         a.Strategy,
			"symbol":           a.Symbol,
			"side":             a.Side,
			"quantity":         a.Quantity,
			"detected_at":      a.DetectedAt,
			"cycles_remaining": a.CyclesRemaining,
			"notified":         a.Notified,
		})
	}
	return map[string]any{
		"total_active":  len(active),
		"orphan_trades": orphans,
		"ghost_trades":  ghosts,
		"anomalies":     items,
	}
}

func sideOf(amount float64) string {
	if amount < 0 {
		return "SHORT"
	}
	return "LONG"
}
