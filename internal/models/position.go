package models

import "time"

// Position — позиция, которой по мнению бота он владеет.
// Инвариант: не больше одной позиции на стратегию.
type Position struct {
	Strategy   string    `json:"strategy_name"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // BUY/SELL
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	OpenedAt   time.Time `json:"opened_at"`
}

// SignedAmount — количество со знаком, как его репортит биржа (SELL => минус).
func (p *Position) SignedAmount() float64 {
	if p.Side == "SELL" {
		return -p.Quantity
	}
	return p.Quantity
}

// ExternalPosition — позиция по данным биржи. Живёт один скан, не персистится.
type ExternalPosition struct {
	Symbol     string
	Amount     float64 // >0 long, <0 short
	EntryPrice float64
}
