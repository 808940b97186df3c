package anomaly

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"recon_bot/internal/models"
	"recon_bot/pkg/logger"
)

// Store — персистентная коллекция аномалий. Каждая мутация синхронно
// переписывает файл целиком: на диске всегда последнее закоммиченное
// состояние. Кардинальность маленькая (десятки-сотни), так можно.
type Store struct {
	path string

	mu        sync.Mutex
	anomalies map[string]*models.Anomaly
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path:      path,
		anomalies: make(map[string]*models.Anomaly),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Add(a *models.Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anomalies[a.ID] = a.Clone()
	s.saveLocked()
	logger.Info("📊 anomaly store: added %s", a.ID)
}

// Update мутирует запись на месте. false — записи нет.
func (s *Store) Update(id string, mutate func(a *models.Anomaly)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.anomalies[id]
	if !ok {
		return false
	}
	mutate(a)
	s.saveLocked()
	return true
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.anomalies[id]; !ok {
		return
	}
	delete(s.anomalies, id)
	s.saveLocked()
	logger.Info("📊 anomaly store: removed %s", id)
}

func (s *Store) Get(id string) (*models.Anomaly, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.anomalies[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (s *Store) ListActive() []*models.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Anomaly, 0, len(s.anomalies))
	for _, a := range s.anomalies {
		if a.Active() {
			out = append(out, a.Clone())
		}
	}
	return out
}

func (s *Store) ListByStrategy(name string) []*models.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Anomaly
	for _, a := range s.anomalies {
		if a.Strategy == name && a.Active() {
			out = append(out, a.Clone())
		}
	}
	return out
}

func (s *Store) ListBySymbol(symbol string) []*models.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Anomaly
	for _, a := range s.anomalies {
		if a.Symbol == symbol && a.Active() {
			out = append(out, a.Clone())
		}
	}
	return out
}

// All — копия всей коллекции, включая закрытые (CLI, статистика).
func (s *Store) All() []*models.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Anomaly, 0, len(s.anomalies))
	for _, a := range s.anomalies {
		out = append(out, a.Clone())
	}
	return out
}

// Cleanup выкидывает закрытые аномалии старше retention. Возвращает число
// удалённых.
func (s *Store) Cleanup(retentionDays int, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for id, a := range s.anomalies {
		if a.Status == models.StatusCleared && a.ClearedAt != nil && a.ClearedAt.Before(cutoff) {
			delete(s.anomalies, id)
			removed++
		}
	}
	if removed > 0 {
		s.saveLocked()
		logger.Info("📊 anomaly store: cleaned up %d old anomalies", removed)
	}
	return removed
}

// ---- storage format ----

// На диске: {"anomalies": {id: {...}}, "last_updated": ...}. Исторически файл
// мог быть и просто мапой id -> аномалия, такой формат тоже читаем.
type fileSnapshot struct {
	Anomalies   json.RawMessage `json:"anomalies"`
	LastUpdated time.Time       `json:"last_updated"`
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("📊 anomaly store: no existing file, starting fresh")
			return nil
		}
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	var snap fileSnapshot
	raw := map[string]json.RawMessage{}
	if err := sonic.Unmarshal(b, &snap); err == nil && len(snap.Anomalies) > 0 {
		if err := sonic.Unmarshal(snap.Anomalies, &raw); err != nil {
			// пустой список вместо мапы — легальный артефакт старых версий
			raw = map[string]json.RawMessage{}
		}
	} else {
		// легаси: верхний уровень и есть мапа аномалий
		if err := sonic.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("decode %s: %w", s.path, err)
		}
	}

	for id, rec := range raw {
		var a models.Anomaly
		if err := sonic.Unmarshal(rec, &a); err != nil {
			logger.Error("📊 anomaly store: skipping record %s: %v", id, err)
			continue
		}
		if a.ID == "" {
			a.ID = id
		}
		s.anomalies[id] = &a
	}

	logger.Info("📊 anomaly store: loaded %d anomalies", len(s.anomalies))
	return nil
}

// saveLocked пишет file целиком через tmp+rename. Ошибка записи не фатальна:
// память остаётся авторитетной до следующей удачной записи.
func (s *Store) saveLocked() {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("📊 anomaly store: %v", err)
		return
	}

	snap := struct {
		Anomalies   map[string]*models.Anomaly `json:"anomalies"`
		LastUpdated time.Time                  `json:"last_updated"`
	}{
		Anomalies:   s.anomalies,
		LastUpdated: time.Now(),
	}

	b, err := sonic.MarshalIndent(&snap, "", "  ")
	if err != nil {
		logger.Error("📊 anomaly store: marshal: %v", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		logger.Error("📊 anomaly store: write: %v", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		logger.Error("📊 anomaly store: rename: %v", err)
	}
}
