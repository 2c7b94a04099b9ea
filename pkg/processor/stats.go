package processor

import "sync/atomic"

// CycleStats summarizes the most recent committed cycle.
type CycleStats struct {
	LastClaimedCount int `json:"last_claimed_count"`
	LastSuccessCount int `json:"last_success_count"`
	LastErrorCount   int `json:"last_error_count"`
}

// StatsStore publishes CycleStats snapshots. Readers see either the previous or the new
// snapshot as a whole. The zero value is ready to use and reports zero counts.
type StatsStore struct {
	latest atomic.Pointer[CycleStats]
}

func (s *StatsStore) Load() CycleStats {
	if p := s.latest.Load(); p != nil {
		return *p
	}
	return CycleStats{}
}

func (s *StatsStore) Store(stats CycleStats) {
	s.latest.Store(&stats)
}
