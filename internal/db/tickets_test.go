package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *TicketStore {
	t.Helper()
	s, err := NewTicketStore(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConsumeOnce(t *testing.T) {
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.RecordIssued("abc", 7, now))

	res, err := s.Consume("abc", 7, now)
	require.NoError(t, err)
	assert.Equal(t, ConsumeOK, res)

	res, err = s.Consume("abc", 7, now)
	require.NoError(t, err)
	assert.Equal(t, ConsumeReplayed, res)
}

func TestConsumeUnknownIssuer(t *testing.T) {
	s := newStore(t)

	res, err := s.Consume("foreign", 9, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ConsumeOK, res)
}

func TestCancelledTicketRefused(t *testing.T) {
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.RecordIssued("abc", 7, now))
	require.NoError(t, s.Cancel("abc", now))
	require.NoError(t, s.Cancel("abc", now))
	require.NoError(t, s.Cancel("missing", now))

	res, err := s.Consume("abc", 7, now)
	require.NoError(t, err)
	assert.Equal(t, ConsumeCancelled, res)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, TicketCounts{Issued: 1, Cancelled: 1, Consumed: 0}, counts)
}

func TestPrune(t *testing.T) {
	s := newStore(t)
	old := time.Now().Add(-time.Hour)
	now := time.Now()

	require.NoError(t, s.RecordIssued("old", 1, old))
	require.NoError(t, s.RecordIssued("new", 1, now))
	_, err := s.Consume("old", 1, old)
	require.NoError(t, err)

	removed, err := s.Prune(now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Issued)
	assert.Equal(t, 0, counts.Consumed)
}

func TestFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tickets.db")
	s, err := NewTicketStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordIssued("n", 1, time.Now()))
	require.NoError(t, s.Close())

	s, err = NewTicketStore(path)
	require.NoError(t, err)
	defer s.Close()
	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Issued)
}

func TestMigrateIsIncremental(t *testing.T) {
	s := newStore(t)

	v, err := s.db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(ticketSchema), v)

	require.NoError(t, s.db.Migrate(ticketSchema), "reapplying is a no-op")

	extra := append(append([]string{}, ticketSchema...), `ALTER TABLE issued_tickets ADD COLUMN note TEXT`)
	require.NoError(t, s.db.Migrate(extra))
	v, err = s.db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(extra), v)

	err = s.db.Migrate(ticketSchema)
	assert.ErrorContains(t, err, "newer than this build")
}
