package services

import (
	"tonix/internal/models"

	"github.com/google/logger"
)

// TicketHandler validates purchases and records them in the ledger. Callers
// are already authorized and have already paid; replays are filtered by the
// caller's sequence numbers before a request gets here.
type TicketHandler struct {
	store *LedgerStore
}

// NewTicketHandler creates a TicketHandler over store.
func NewTicketHandler(store *LedgerStore) *TicketHandler {
	return &TicketHandler{store: store}
}

// Buy records one ticket for account paid with amount.
func (h *TicketHandler) Buy(account string, amount int64, seq uint64) (models.Ticket, error) {
	if account == "" {
		return models.Ticket{}, ErrInvalidAccount
	}
	if amount <= 0 {
		return models.Ticket{}, ErrInvalidAmount
	}
	ticket, err := h.store.AppendParticipant(account, amount, seq)
	if err != nil {
		logger.Infof("Rejected ticket from %s (amount %d): %v", account, amount, err)
		return models.Ticket{}, err
	}
	return ticket, nil
}
