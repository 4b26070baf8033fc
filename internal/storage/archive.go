// Package storage archives committed tickets and draw results in a SQL
// database so that history survives restarts. The ledger numbers rounds from
// one on every start, so rows are keyed by the run that produced them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tonix/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/logger"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const queueSize = 1024

// ErrQueueFull is reported when the writer falls behind the ledger.
var ErrQueueFull = errors.New("archive queue full")

// TicketRecord is one archived purchase.
type TicketRecord struct {
	ID       string    `gorm:"primaryKey;size:36"`
	RunID    string    `gorm:"index:idx_ticket_run_round;size:36"`
	RoundID  int64     `gorm:"index:idx_ticket_run_round"`
	Position int
	Account  string    `gorm:"index;size:128"`
	Paid     int64
	Seq      uint64
	BoughtAt time.Time `gorm:"index"`
}

// DrawRecord is one archived round result.
type DrawRecord struct {
	ID               uint      `gorm:"primaryKey"`
	RunID            string    `gorm:"uniqueIndex:idx_draw_run_round;size:36"`
	RoundID          int64     `gorm:"uniqueIndex:idx_draw_run_round"`
	Winner           string    `gorm:"index;size:128"`
	WinnerIndex      int
	PrizeAmount      int64
	Fee              int64
	ParticipantCount int
	DrawnAt          time.Time `gorm:"index"`
}

type job struct {
	ticket *models.Ticket
	draw   *models.DrawResult
}

// Archive writes ledger events asynchronously. It implements the ledger
// listener interface; OnTicket and OnDraw only enqueue.
type Archive struct {
	db    *gorm.DB
	runID string
	queue chan job
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
	dropped atomic.Int64
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Archive, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		if dsn == "" {
			return nil, errors.New("postgres dsn is required")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("resolve sql db handle: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	}
	return New(db)
}

// New migrates the schema on db and starts the writer. Every Archive writes
// under a fresh run id.
func New(db *gorm.DB) (*Archive, error) {
	if err := db.AutoMigrate(&TicketRecord{}, &DrawRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	a := &Archive{
		db:    db,
		runID: uuid.NewString(),
		queue: make(chan job, queueSize),
		done:  make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// OnTicket enqueues t for writing.
func (a *Archive) OnTicket(t models.Ticket) {
	a.enqueue(job{ticket: &t})
}

// OnDraw enqueues r for writing.
func (a *Archive) OnDraw(r models.DrawResult) {
	a.enqueue(job{draw: &r})
}

func (a *Archive) enqueue(j job) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	a.pending.Add(1)
	select {
	case a.queue <- j:
	default:
		a.pending.Add(-1)
		a.dropped.Add(1)
		logger.Warningf("Archive: %v, event dropped", ErrQueueFull)
	}
}

// RunID identifies the rows written by this Archive.
func (a *Archive) RunID() string {
	return a.runID
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Archive) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Archive) run() {
	defer close(a.done)
	for j := range a.queue {
		var err error
		switch {
		case j.ticket != nil:
			err = a.SaveTicket(*j.ticket)
		case j.draw != nil:
			err = a.SaveDraw(*j.draw)
		}
		if err != nil {
			logger.Errorf("Archive write failed: %v", err)
		}
		a.pending.Add(-1)
	}
}

// Flush blocks until every event queued so far has been written, or ctx ends.
func (a *Archive) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting events, drains the queue and closes the database.
// Events arriving after Close are discarded.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveTicket writes t synchronously. Writing the same ticket twice is a no-op.
func (a *Archive) SaveTicket(t models.Ticket) error {
	rec := TicketRecord{
		ID:       t.ID,
		RunID:    a.runID,
		RoundID:  t.RoundID,
		Position: t.Index,
		Account:  t.Account,
		Paid:     t.Paid,
		Seq:      t.Seq,
		BoughtAt: t.BoughtAt,
	}
	return a.db.Save(&rec).Error
}

// SaveDraw writes r synchronously. A round is stored once per run; saving it
// again updates the row.
func (a *Archive) SaveDraw(r models.DrawResult) error {
	rec := DrawRecord{
		RunID:            a.runID,
		RoundID:          r.RoundID,
		Winner:           r.Winner,
		WinnerIndex:      r.WinnerIndex,
		PrizeAmount:      r.PrizeAmount,
		Fee:              r.Fee,
		ParticipantCount: r.ParticipantCount,
		DrawnAt:          r.DrawnAt,
	}
	return a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "round_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"winner", "winner_index", "prize_amount", "fee", "participant_count", "drawn_at"}),
	}).Create(&rec).Error
}

// ListDraws returns up to limit results across all runs, newest first. A
// limit of zero or less returns everything.
func (a *Archive) ListDraws(limit int) ([]models.DrawResult, error) {
	var recs []DrawRecord
	if err := a.db.Order("drawn_at DESC").Order("id DESC").Limit(noLimit(limit)).Find(&recs).Error; err != nil {
		return nil, err
	}
	return drawResults(recs), nil
}

// TicketsByAccount returns up to limit tickets of account across all rounds,
// newest first.
func (a *Archive) TicketsByAccount(account string, limit int) ([]models.Ticket, error) {
	var recs []TicketRecord
	err := a.db.Where("account = ?", account).
		Order("bought_at DESC").Order("position DESC").
		Limit(noLimit(limit)).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Ticket, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.Ticket{
			ID:       r.ID,
			RoundID:  r.RoundID,
			Index:    r.Position,
			Account:  r.Account,
			Paid:     r.Paid,
			Seq:      r.Seq,
			BoughtAt: r.BoughtAt,
		})
	}
	return out, nil
}

// WinsByAccount returns up to limit draws won by account, newest first.
func (a *Archive) WinsByAccount(account string, limit int) ([]models.DrawResult, error) {
	var recs []DrawRecord
	err := a.db.Where("winner = ?", account).
		Order("drawn_at DESC").Order("id DESC").
		Limit(noLimit(limit)).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return drawResults(recs), nil
}

// Leaderboard ranks winners by total prize.
func (a *Archive) Leaderboard(limit int) ([]models.LeaderboardEntry, error) {
	var out []models.LeaderboardEntry
	err := a.db.Model(&DrawRecord{}).
		Select("winner AS account, COUNT(*) AS wins, SUM(prize_amount) AS total_prize").
		Group("winner").
		Order("total_prize DESC").Order("wins DESC").Order("account").
		Limit(noLimit(limit)).
		Scan(&out).Error
	return out, err
}

func drawResults(recs []DrawRecord) []models.DrawResult {
	out := make([]models.DrawResult, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.DrawResult{
			RoundID:          r.RoundID,
			Winner:           r.Winner,
			WinnerIndex:      r.WinnerIndex,
			PrizeAmount:      r.PrizeAmount,
			Fee:              r.Fee,
			ParticipantCount: r.ParticipantCount,
			DrawnAt:          r.DrawnAt,
		})
	}
	return out
}

// noLimit maps non-positive limits to gorm's "no limit".
func noLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
