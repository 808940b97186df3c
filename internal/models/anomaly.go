package models

import (
	"fmt"
	"strings"
	"time"
)

type AnomalyKind string

const (
	KindOrphan AnomalyKind = "orphan" // бот считает позицию открытой, биржа — нет
	KindGhost  AnomalyKind = "ghost"  // позиция на бирже без записи у бота
)

type AnomalyStatus string

const (
	StatusActive  AnomalyStatus = "active"
	StatusCleared AnomalyStatus = "cleared"
)

// Anomaly — расхождение между журналом позиций и биржей.
// Идентичность: {kind, стратегия, символ}. Не больше одной активной на ключ.
type Anomaly struct {
	ID              string        `json:"id"`
	Kind            AnomalyKind   `json:"type"`
	Status          AnomalyStatus `json:"status"`
	Symbol          string        `json:"symbol"`
	Strategy        string        `json:"strategy_name"`
	Side            string        `json:"side"` // BUY/SELL у орфанов, LONG/SHORT у гостов
	Quantity        float64       `json:"quantity"`
	EntryPrice      float64       `json:"entry_price,omitempty"`           // только orphan
	ExternalAmount  float64       `json:"external_position_amt,omitempty"` // только ghost
	DetectedAt      time.Time     `json:"detected_at"`
	ClearedAt       *time.Time    `json:"cleared_at,omitempty"`
	CyclesRemaining int           `json:"cycles_remaining"`
	Notified        bool          `json:"notified"`
}

func OrphanID(strategy, symbol string) string {
	return fmt.Sprintf("orphan_%s_%s", strategy, symbol)
}

func GhostID(strategy, symbol string) string {
	return fmt.Sprintf("ghost_%s_%s", strategy, symbol)
}

// ManualStrategy — синтетическое имя стратегии для символа, который никто не мониторит.
func ManualStrategy(symbol string) string {
	return "manual_" + strings.ToLower(symbol)
}

func (a *Anomaly) Active() bool { return a.Status == StatusActive }

// Clone — чтобы никто извне не мутировал shared ptr.
func (a *Anomaly) Clone() *Anomaly {
	cp := *a
	if a.ClearedAt != nil {
		t := *a.ClearedAt
		cp.ClearedAt = &t
	}
	return &cp
}
