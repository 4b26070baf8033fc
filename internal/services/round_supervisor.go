package services

import (
	"sort"
	"tonix/internal/models"
)

// DefaultHistoryLimit bounds History when no limit is configured.
const DefaultHistoryLimit = 20

// RoundSupervisor is the read side of the ledger: the open round plus recent
// closed rounds. Every method reads a single snapshot, so a round is never
// seen as current and closed at once.
type RoundSupervisor struct {
	store *LedgerStore
	limit int
}

// NewRoundSupervisor creates a RoundSupervisor returning at most limit
// closed rounds per listing.
func NewRoundSupervisor(store *LedgerStore, limit int) *RoundSupervisor {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &RoundSupervisor{store: store, limit: limit}
}

// Current returns the open round.
func (s *RoundSupervisor) Current() models.Round {
	return s.store.Snapshot().Current
}

// History returns up to limit closed rounds, most recent first.
func (s *RoundSupervisor) History(limit int) []models.ClosedRound {
	_, history := s.Overview(limit)
	return history
}

// Overview returns the open round and recent history from the same snapshot.
func (s *RoundSupervisor) Overview(limit int) (models.Round, []models.ClosedRound) {
	snap := s.store.Snapshot()
	return snap.Current, s.recent(snap, limit)
}

func (s *RoundSupervisor) recent(snap *models.Snapshot, limit int) []models.ClosedRound {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	if limit > len(snap.Closed) {
		limit = len(snap.Closed)
	}
	out := make([]models.ClosedRound, 0, limit)
	for i := len(snap.Closed) - 1; i >= len(snap.Closed)-limit; i-- {
		out = append(out, snap.Closed[i])
	}
	return out
}

// Round looks up a round by id. The draw result is set for closed rounds.
func (s *RoundSupervisor) Round(id int64) (models.Round, *models.DrawResult, bool) {
	snap := s.store.Snapshot()
	if id == snap.Current.ID {
		return snap.Current, nil, true
	}
	// Round ids start at 1 and advance by one per draw.
	if id < 1 || id > int64(len(snap.Closed)) {
		return models.Round{}, nil, false
	}
	closed := snap.Closed[id-1]
	result := closed.Result
	return closed.Round, &result, true
}

// Result returns the draw result of a closed round.
func (s *RoundSupervisor) Result(roundID int64) (models.DrawResult, bool) {
	_, result, ok := s.Round(roundID)
	if !ok || result == nil {
		return models.DrawResult{}, false
	}
	return *result, true
}

// TicketsOf returns the tickets account holds in the open round.
func (s *RoundSupervisor) TicketsOf(account string) []models.Ticket {
	snap := s.store.Snapshot()
	var out []models.Ticket
	for _, t := range snap.Tickets {
		if t.Account == account {
			out = append(out, t)
		}
	}
	return out
}

// WinsOf returns up to limit draw results won by account, most recent first.
// A limit of zero or less returns every win held in memory.
func (s *RoundSupervisor) WinsOf(account string, limit int) []models.DrawResult {
	snap := s.store.Snapshot()
	out := []models.DrawResult{}
	for i := len(snap.Closed) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if r := snap.Closed[i].Result; r.Winner == account {
			out = append(out, r)
		}
	}
	return out
}

// Credited returns the total prize amount paid to account.
func (s *RoundSupervisor) Credited(account string) int64 {
	return s.store.Snapshot().Credits[account]
}

// Stats summarises the ledger.
func (s *RoundSupervisor) Stats() models.Stats {
	snap := s.store.Snapshot()
	stats := models.Stats{
		TotalRounds:      int64(len(snap.Closed)),
		TotalTicketsSold: snap.TotalSold,
		TotalPrizesPaid:  snap.TotalPaid,
		CurrentJackpot:   snap.Current.Pool,
		CurrentRoundID:   snap.Current.ID,
		Balance:          snap.Balance,
		Address:          snap.Address,
	}
	for _, c := range snap.Closed {
		if c.Result.PrizeAmount > stats.LargestPrize {
			stats.LargestPrize = c.Result.PrizeAmount
		}
	}
	return stats
}

// Leaderboard ranks winners of every closed round held in memory by total
// prize, then by number of wins.
func (s *RoundSupervisor) Leaderboard(limit int) []models.LeaderboardEntry {
	snap := s.store.Snapshot()
	byAccount := make(map[string]*models.LeaderboardEntry)
	for _, c := range snap.Closed {
		e, ok := byAccount[c.Result.Winner]
		if !ok {
			e = &models.LeaderboardEntry{Account: c.Result.Winner}
			byAccount[c.Result.Winner] = e
		}
		e.Wins++
		e.TotalPrize += c.Result.PrizeAmount
	}
	out := make([]models.LeaderboardEntry, 0, len(byAccount))
	for _, e := range byAccount {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalPrize != out[j].TotalPrize {
			return out[i].TotalPrize > out[j].TotalPrize
		}
		if out[i].Wins != out[j].Wins {
			return out[i].Wins > out[j].Wins
		}
		return out[i].Account < out[j].Account
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}
