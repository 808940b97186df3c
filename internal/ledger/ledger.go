package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"recon_bot/internal/models"
	"recon_bot/pkg/logger"
)

// Ledger — журнал открытых позиций бота: стратегия -> позиция.
// Все операции сериализованы одним мьютексом: скан сверки и открытие/закрытие
// позиций не должны видеть журнал в полуобновлённом состоянии.
type Ledger struct {
	path string

	mu        sync.Mutex
	positions map[string]*models.Position
	loaded    bool
}

func New(path string) *Ledger {
	return &Ledger{
		path:      path,
		positions: make(map[string]*models.Position),
	}
}

// Open регистрирует позицию. Одна стратегия — одна позиция.
func (l *Ledger) Open(p *models.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadLocked(); err != nil {
		return err
	}
	if _, ok := l.positions[p.Strategy]; ok {
		return fmt.Errorf("ledger: strategy %s already has an open position", p.Strategy)
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	l.positions[p.Strategy] = clonePosition(p)
	return l.saveLocked()
}

// Close убирает позицию стратегии (нормальное закрытие сделки).
func (l *Ledger) Close(strategy string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadLocked(); err != nil {
		return err
	}
	if _, ok := l.positions[strategy]; !ok {
		return fmt.Errorf("ledger: no open position for %s", strategy)
	}
	delete(l.positions, strategy)
	return l.saveLocked()
}

// ActivePositions — копия журнала; снимок для одного скана.
func (l *Ledger) ActivePositions() map[string]models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadLocked(); err != nil {
		logger.Error("ledger load: %v", err)
		return nil
	}
	out := make(map[string]models.Position, len(l.positions))
	for s, p := range l.positions {
		out[s] = *p
	}
	return out
}

// ClearOrphan убирает позицию, которой на бирже больше нет.
// false — чистить нечего (запись уже удалена кем-то другим).
func (l *Ledger) ClearOrphan(strategy string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadLocked(); err != nil {
		logger.Error("ledger load: %v", err)
		return false
	}
	if _, ok := l.positions[strategy]; !ok {
		return false
	}
	delete(l.positions, strategy)
	if err := l.saveLocked(); err != nil {
		// память уже авторитетна, файл догонит на следующей записи
		logger.Error("ledger save: %v", err)
	}
	logger.Info("🧹 ledger: cleared orphan position %s", strategy)
	return true
}

// ---- storage format ----

type snapshot struct {
	UpdatedAt time.Time                   `json:"updated_at"`
	Positions map[string]*models.Position `json:"positions"`
}

func (l *Ledger) loadLocked() error {
	if l.loaded {
		return nil
	}

	b, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.loaded = true
			return nil
		}
		return fmt.Errorf("read %s: %w", l.path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", l.path, err)
	}

	l.positions = make(map[string]*models.Position, len(snap.Positions))
	for s, p := range snap.Positions {
		if p == nil {
			continue
		}
		l.positions[s] = p
	}

	l.loaded = true
	return nil
}

func (l *Ledger) saveLocked() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	snap := snapshot{
		UpdatedAt: time.Now(),
		Positions: l.positions,
	}

	b, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return err
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path) // атомарно
}

func clonePosition(in *models.Position) *models.Position {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}
