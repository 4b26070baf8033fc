package services

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"tonix/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CodeHash identifies the ledger logic. It is mixed into instance addresses.
const CodeHash = "tonix-lottery-v1"

// Listener is told about every committed mutation, in commit order. It is
// called while the write lock is held and must not block.
type Listener interface {
	OnTicket(t models.Ticket)
	OnDraw(r models.DrawResult)
}

// PrizePolicy decides how much of a round's pool is paid to the winner.
// FeeBps is taken from the pool in basis points, then Reserve is kept back.
type PrizePolicy struct {
	Reserve int64
	FeeBps  int
}

// Split returns the prize for a pool. The prize is never negative and never
// larger than balance.
func (p PrizePolicy) Split(pool, balance int64) int64 {
	fee := decimal.NewFromInt(pool).
		Mul(decimal.NewFromInt(int64(p.FeeBps))).
		Div(decimal.NewFromInt(10_000)).
		Floor().
		IntPart()
	prize := pool - fee - p.Reserve
	if prize < 0 {
		prize = 0
	}
	if prize > balance {
		prize = balance
	}
	return prize
}

// StoreOption configures a LedgerStore.
type StoreOption func(*LedgerStore)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *LedgerStore) { s.now = now }
}

// WithInitialBalance seeds the operating balance sent along with the deploy.
func WithInitialBalance(amount int64) StoreOption {
	return func(s *LedgerStore) {
		if amount > 0 {
			s.balance = amount
		}
	}
}

// LedgerStore holds the open round and the append-only history of closed
// rounds. Mutations are serialized by mu; readers use the last published
// snapshot and never wait for the lock.
type LedgerStore struct {
	mu        sync.Mutex
	params    models.DeployParams
	address   string
	now       func() time.Time
	current   models.Round
	tickets   []models.Ticket
	closed    []models.ClosedRound
	balance   int64
	credits   map[string]int64
	totalSold int64
	totalPaid int64
	version   uint64
	listeners []Listener

	snap atomic.Pointer[models.Snapshot]
}

// NewLedgerStore deploys a ledger instance and opens its first round.
func NewLedgerStore(params models.DeployParams, opts ...StoreOption) (*LedgerStore, error) {
	if params.Owner == "" || params.TicketPrice <= 0 {
		return nil, fmt.Errorf("%w: owner=%q ticketPrice=%d", ErrInvalidParams, params.Owner, params.TicketPrice)
	}
	s := &LedgerStore{
		params:  params,
		address: params.Address(CodeHash),
		now:     time.Now,
		credits: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current = s.openRound(1)
	s.publish()
	return s, nil
}

// Params returns the deploy parameters.
func (s *LedgerStore) Params() models.DeployParams {
	return s.params
}

// Address returns the instance address derived from the deploy parameters.
func (s *LedgerStore) Address() string {
	return s.address
}

// Subscribe registers l for post-commit notifications.
func (s *LedgerStore) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Snapshot returns the last committed view of the ledger.
func (s *LedgerStore) Snapshot() *models.Snapshot {
	return s.snap.Load()
}

// Deposit adds operating funds that are not attributed to any round.
func (s *LedgerStore) Deposit(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance += amount
	s.publish()
	return nil
}

// AppendParticipant records one ticket for account in the open round.
func (s *LedgerStore) AppendParticipant(account string, paid int64, seq uint64) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if paid < s.params.TicketPrice {
		return models.Ticket{}, ErrInsufficientPayment
	}

	ticket := models.Ticket{
		ID:       uuid.NewString(),
		RoundID:  s.current.ID,
		Index:    len(s.current.Participants),
		Account:  account,
		Paid:     paid,
		Seq:      seq,
		BoughtAt: s.now().UTC(),
	}
	s.current.Participants = append(s.current.Participants, account)
	s.current.ParticipantCount = len(s.current.Participants)
	s.current.Pool += paid
	s.balance += paid
	s.totalSold++
	s.tickets = append(s.tickets, ticket)

	s.publish()
	for _, l := range s.listeners {
		l.OnTicket(ticket)
	}
	return ticket, nil
}

// CloseRound draws the winner of the open round, credits the prize and opens
// the next round. Nothing changes unless every step succeeds.
func (s *LedgerStore) CloseRound(requester string, rnd Randomness, policy PrizePolicy) (models.DrawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requester != s.params.Owner {
		return models.DrawResult{}, ErrNotOwner
	}
	count := len(s.current.Participants)
	if count == 0 {
		return models.DrawResult{}, ErrNoParticipants
	}

	idx, err := rnd.NextIndex(count)
	if err != nil {
		return models.DrawResult{}, fmt.Errorf("select winner: %w", err)
	}
	if idx < 0 || idx >= count {
		return models.DrawResult{}, fmt.Errorf("select winner: index %d outside [0, %d)", idx, count)
	}

	now := s.now().UTC()
	prize := policy.Split(s.current.Pool, s.balance)
	winner := s.current.Participants[idx]

	ended := s.current
	ended.EndedAt = &now
	result := models.DrawResult{
		RoundID:          ended.ID,
		Winner:           winner,
		WinnerIndex:      idx,
		PrizeAmount:      prize,
		Fee:              ended.Pool - prize,
		ParticipantCount: count,
		DrawnAt:          now,
	}

	// Published maps are never written again; copy before crediting.
	credits := make(map[string]int64, len(s.credits)+1)
	for k, v := range s.credits {
		credits[k] = v
	}
	credits[winner] += prize

	s.credits = credits
	s.balance -= prize
	s.totalPaid += prize
	s.closed = append(s.closed, models.ClosedRound{Round: ended, Result: result})
	s.current = s.openRound(ended.ID + 1)
	s.tickets = nil

	s.publish()
	for _, l := range s.listeners {
		l.OnDraw(result)
	}
	return result, nil
}

func (s *LedgerStore) openRound(id int64) models.Round {
	return models.Round{
		ID:           id,
		Owner:        s.params.Owner,
		TicketPrice:  s.params.TicketPrice,
		Participants: make([]string, 0),
		StartedAt:    s.now().UTC(),
	}
}

// publish must be called with mu held. Slices are cut to their length so that
// later appends never show through a published snapshot.
func (s *LedgerStore) publish() {
	s.version++
	cur := s.current
	n := len(cur.Participants)
	cur.Participants = cur.Participants[:n:n]
	s.snap.Store(&models.Snapshot{
		Address:   s.address,
		Version:   s.version,
		Current:   cur,
		Tickets:   s.tickets[:len(s.tickets):len(s.tickets)],
		Closed:    s.closed[:len(s.closed):len(s.closed)],
		Balance:   s.balance,
		Credits:   s.credits,
		TotalSold: s.totalSold,
		TotalPaid: s.totalPaid,
		TakenAt:   s.now().UTC(),
	})
}
