package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Opcodes carried by ledger mutation requests.
const (
	OpBuy  uint8 = 0x01
	OpDraw uint8 = 0x02
)

// DeployParams are fixed when a ledger instance is created and never change.
type DeployParams struct {
	Owner       string `json:"owner" yaml:"owner"`
	TicketPrice int64  `json:"ticketPrice" yaml:"ticket_price"`
}

// Address derives the instance identity from the code identity and the deploy
// parameters. The same inputs always give the same address.
func (p DeployParams) Address(codeHash string) string {
	h := sha256.New()
	h.Write([]byte(codeHash))
	h.Write([]byte{0})
	h.Write([]byte(p.Owner))
	var price [8]byte
	binary.BigEndian.PutUint64(price[:], uint64(p.TicketPrice))
	h.Write(price[:])
	return "0:" + hex.EncodeToString(h.Sum(nil))
}

// Request is the wire shape of a ledger mutation: an opcode tag, the sender,
// the attached value (buy only) and the sender's sequence number.
type Request struct {
	Op     uint8  `json:"op"`
	Sender string `json:"sender"`
	Value  int64  `json:"value"`
	Seq    uint64 `json:"seq"`
}

// Round is one period of ticket sales that ends in a single draw.
// Participants is indexed by purchase order; an account appears once per ticket.
type Round struct {
	ID               int64      `json:"id"`
	Owner            string     `json:"owner"`
	TicketPrice      int64      `json:"ticketPrice"`
	Participants     []string   `json:"participants"`
	ParticipantCount int        `json:"participantCount"`
	Pool             int64      `json:"pool"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
}

// Open reports whether the round still accepts purchases.
func (r Round) Open() bool {
	return r.EndedAt == nil
}

// Ticket is one accepted purchase recorded as a participant entry.
type Ticket struct {
	ID       string    `json:"id"`
	RoundID  int64     `json:"roundId"`
	Index    int       `json:"index"`
	Account  string    `json:"account"`
	Paid     int64     `json:"paid"`
	Seq      uint64    `json:"seq"`
	BoughtAt time.Time `json:"boughtAt"`
}

// DrawResult is produced exactly once per round, when the round closes.
type DrawResult struct {
	RoundID          int64     `json:"roundId"`
	Winner           string    `json:"winner"`
	WinnerIndex      int       `json:"winnerIndex"`
	PrizeAmount      int64     `json:"prizeAmount"`
	Fee              int64     `json:"fee"`
	ParticipantCount int       `json:"participantCount"`
	DrawnAt          time.Time `json:"drawnAt"`
}

// ClosedRound pairs a finished round with its draw result so that history
// never shows one without the other.
type ClosedRound struct {
	Round  Round      `json:"round"`
	Result DrawResult `json:"result"`
}

// Snapshot is an immutable, internally consistent view of the ledger taken
// right after a mutation committed.
type Snapshot struct {
	Address   string           `json:"address"`
	Version   uint64           `json:"version"`
	Current   Round            `json:"current"`
	Tickets   []Ticket         `json:"-"`
	Closed    []ClosedRound    `json:"-"`
	Balance   int64            `json:"balance"`
	Credits   map[string]int64 `json:"-"`
	TotalSold int64            `json:"totalSold"`
	TotalPaid int64            `json:"totalPaid"`
	TakenAt   time.Time        `json:"takenAt"`
}

// Stats summarises ledger activity for dashboards.
type Stats struct {
	TotalRounds      int64  `json:"totalRounds"`
	TotalTicketsSold int64  `json:"totalTicketsSold"`
	TotalPrizesPaid  int64  `json:"totalPrizesPaid"`
	CurrentJackpot   int64  `json:"currentJackpot"`
	LargestPrize     int64  `json:"largestPrize"`
	CurrentRoundID   int64  `json:"currentRoundId"`
	Balance          int64  `json:"balance"`
	Address          string `json:"address"`
}

// LeaderboardEntry aggregates the wins of one account.
type LeaderboardEntry struct {
	Account    string `json:"account"`
	Wins       int64  `json:"wins"`
	TotalPrize int64  `json:"totalPrize"`
}
