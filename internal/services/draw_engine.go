package services

import (
	"tonix/internal/models"

	"github.com/google/logger"
)

// DrawEngine closes rounds on behalf of the owner. Every ticket has the same
// chance, so an account holding more tickets is more likely to win.
type DrawEngine struct {
	store  *LedgerStore
	rnd    Randomness
	policy PrizePolicy
}

// NewDrawEngine creates a DrawEngine. A nil rnd falls back to CryptoRandomness.
func NewDrawEngine(store *LedgerStore, rnd Randomness, policy PrizePolicy) *DrawEngine {
	if rnd == nil {
		rnd = CryptoRandomness{}
	}
	return &DrawEngine{store: store, rnd: rnd, policy: policy}
}

// IsOwner is the permission predicate checked for every draw request.
func (e *DrawEngine) IsOwner(requester string) bool {
	return requester == e.store.Params().Owner
}

// Draw selects the winner of the open round and starts the next one.
func (e *DrawEngine) Draw(requester string) (models.DrawResult, error) {
	if !e.IsOwner(requester) {
		logger.Warningf("Draw requested by non-owner %s", requester)
		return models.DrawResult{}, ErrNotOwner
	}
	result, err := e.store.CloseRound(requester, e.rnd, e.policy)
	if err != nil {
		logger.Infof("Draw rejected: %v", err)
		return models.DrawResult{}, err
	}
	logger.Infof("Round %d drawn: winner %s (index %d of %d), prize %d",
		result.RoundID, result.Winner, result.WinnerIndex, result.ParticipantCount, result.PrizeAmount)
	return result, nil
}
