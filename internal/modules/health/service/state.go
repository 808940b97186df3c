package service

import (
	"sync/atomic"
	"time"
)

type State struct {
	ready     atomic.Bool
	startedAt time.Time

	scanCount    atomic.Int64
	lastScanUnix atomic.Int64 // unix seconds
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

// MarkScan фиксирует завершённый проход сверки.
func (s *State) MarkScan() {
	s.scanCount.Add(1)
	s.lastScanUnix.Store(time.Now().Unix())
	s.ready.Store(true)
}

func (s *State) ScanCount() int64 { return s.scanCount.Load() }

func (s *State) LastScan() time.Time {
	u := s.lastScanUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
