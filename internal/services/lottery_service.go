package services

import (
	"fmt"
	"tonix/internal/models"

	"github.com/google/logger"
)

// Outcome is the result of an applied wire request. Exactly one field is set.
type Outcome struct {
	Ticket *models.Ticket     `json:"ticket,omitempty"`
	Result *models.DrawResult `json:"result,omitempty"`
}

// LotteryService ties the ledger components together for the transport layer.
type LotteryService struct {
	store   *LedgerStore
	tickets *TicketHandler
	draws   *DrawEngine
	rounds  *RoundSupervisor
}

// Config holds what NewLotteryService needs beyond the deploy parameters.
type Config struct {
	Randomness     Randomness
	Policy         PrizePolicy
	HistoryLimit   int
	InitialBalance int64
}

// NewLotteryService deploys a ledger instance and wires its components.
func NewLotteryService(params models.DeployParams, cfg Config, opts ...StoreOption) (*LotteryService, error) {
	opts = append([]StoreOption{WithInitialBalance(cfg.InitialBalance)}, opts...)
	store, err := NewLedgerStore(params, opts...)
	if err != nil {
		return nil, err
	}
	logger.Infof("Deployed lottery %s (owner %s, ticket price %d)", store.Address(), params.Owner, params.TicketPrice)
	return &LotteryService{
		store:   store,
		tickets: NewTicketHandler(store),
		draws:   NewDrawEngine(store, cfg.Randomness, cfg.Policy),
		rounds:  NewRoundSupervisor(store, cfg.HistoryLimit),
	}, nil
}

// Store returns the underlying ledger store.
func (s *LotteryService) Store() *LedgerStore {
	return s.store
}

// Rounds returns the read-only round supervisor.
func (s *LotteryService) Rounds() *RoundSupervisor {
	return s.rounds
}

// Buy records a ticket purchase.
func (s *LotteryService) Buy(account string, amount int64, seq uint64) (models.Ticket, error) {
	return s.tickets.Buy(account, amount, seq)
}

// Draw closes the open round if requester is the owner.
func (s *LotteryService) Draw(requester string) (models.DrawResult, error) {
	return s.draws.Draw(requester)
}

// Apply dispatches a wire request by opcode. Requests are applied in arrival
// order; the sender's sequence number is recorded but not re-validated here.
func (s *LotteryService) Apply(req models.Request) (Outcome, error) {
	switch req.Op {
	case models.OpBuy:
		ticket, err := s.Buy(req.Sender, req.Value, req.Seq)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Ticket: &ticket}, nil
	case models.OpDraw:
		result, err := s.Draw(req.Sender)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: &result}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: 0x%02x", ErrUnknownOp, req.Op)
	}
}
