package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ConsumeResult is the outcome of consuming a ticket nonce.
type ConsumeResult int

const (
	ConsumeOK ConsumeResult = iota
	ConsumeReplayed
	ConsumeCancelled
)

var consumeResultStrings = map[ConsumeResult]string{
	ConsumeOK:        "ok",
	ConsumeReplayed:  "replayed",
	ConsumeCancelled: "cancelled",
}

// String returns the string representation of ConsumeResult.
func (r ConsumeResult) String() string {
	if s, ok := consumeResultStrings[r]; ok {
		return s
	}
	return "unknown"
}

// TicketStore records issued tickets and consumed nonces.
type TicketStore struct {
	db *Database
}

// TicketCounts summarizes the store.
type TicketCounts struct {
	Issued    int `json:"issued"`
	Cancelled int `json:"cancelled"`
	Consumed  int `json:"consumed"`
}

// NewTicketStore opens the database at dbPath and migrates the schema.
func NewTicketStore(dbPath string) (*TicketStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &TicketStore{db: database}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate ticket database: %w", err)
	}
	return s, nil
}

// ticketSchema lists the schema steps in order. Append only.
var ticketSchema = []string{
	`CREATE TABLE IF NOT EXISTS issued_tickets (
		nonce TEXT PRIMARY KEY,
		identity INTEGER NOT NULL,
		issued_at INTEGER NOT NULL,
		cancelled_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS consumed_tickets (
		nonce TEXT PRIMARY KEY,
		identity INTEGER NOT NULL,
		consumed_at INTEGER NOT NULL
	);`,

	`CREATE INDEX IF NOT EXISTS idx_issued_at ON issued_tickets(issued_at);
	CREATE INDEX IF NOT EXISTS idx_consumed_at ON consumed_tickets(consumed_at);`,
}

func (s *TicketStore) migrate() error {
	return s.db.Migrate(ticketSchema)
}

// Close closes the underlying database.
func (s *TicketStore) Close() error {
	return s.db.Close()
}

// RecordIssued stores a freshly issued ticket.
func (s *TicketStore) RecordIssued(nonce string, identity uint64, issuedAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO issued_tickets (nonce, identity, issued_at) VALUES (?, ?, ?)",
		nonce, int64(identity), issuedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record ticket: %w", err)
	}
	return nil
}

// Cancel marks an issued ticket as cancelled. Cancelling an unknown or
// already cancelled ticket is a no-op.
func (s *TicketStore) Cancel(nonce string, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE issued_tickets SET cancelled_at = ? WHERE nonce = ? AND cancelled_at IS NULL",
		at.UnixMilli(), nonce,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel ticket: %w", err)
	}
	return nil
}

// Consume marks a nonce as used. A nonce is consumed at most once; tickets
// cancelled by an issuer sharing this store are refused.
func (s *TicketStore) Consume(nonce string, identity uint64, at time.Time) (ConsumeResult, error) {
	result := ConsumeOK

	err := s.db.Transaction(func(tx *sql.Tx) error {
		var cancelledAt sql.NullInt64
		err := tx.QueryRow("SELECT cancelled_at FROM issued_tickets WHERE nonce = ?", nonce).Scan(&cancelledAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case cancelledAt.Valid:
			result = ConsumeCancelled
			return nil
		}

		res, err := tx.Exec(
			"INSERT OR IGNORE INTO consumed_tickets (nonce, identity, consumed_at) VALUES (?, ?, ?)",
			nonce, int64(identity), at.UnixMilli(),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result = ConsumeReplayed
		}
		return nil
	})
	if err != nil {
		return ConsumeOK, fmt.Errorf("failed to consume ticket: %w", err)
	}
	return result, nil
}

// Prune deletes tickets issued or consumed before cutoff.
func (s *TicketStore) Prune(cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.Transaction(func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM issued_tickets WHERE issued_at < ?",
			"DELETE FROM consumed_tickets WHERE consumed_at < ?",
		} {
			res, err := tx.Exec(q, cutoff.UnixMilli())
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune tickets: %w", err)
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("pruned ticket records")
	}
	return removed, nil
}

// Counts returns the number of stored tickets.
func (s *TicketStore) Counts() (TicketCounts, error) {
	var c TicketCounts
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM issued_tickets),
			(SELECT COUNT(*) FROM issued_tickets WHERE cancelled_at IS NOT NULL),
			(SELECT COUNT(*) FROM consumed_tickets)
	`).Scan(&c.Issued, &c.Cancelled, &c.Consumed)
	if err != nil {
		return TicketCounts{}, fmt.Errorf("failed to count tickets: %w", err)
	}
	return c, nil
}
