// Package store persists the per-user private message history in SQLite and
// enforces the retention window with a periodic expiration sweep.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/metrics"
)

// Message is one delivered private message as replayed to clients.
// Timestamp is milliseconds since the Unix epoch.
type Message struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Store is the durable message log. Every message is recorded in both the
// sender's and the recipient's sequence so each side can replay a shared
// history on its own.
type Store struct {
	conn *sql.DB
	log  *zap.Logger
}

// Open opens (creating if necessary) the message database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Store{conn: conn, log: log}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_owner_ts ON messages(owner, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Append records a message under both the sender's and the recipient's
// sequence in a single transaction. The record is durable before Append
// returns.
func (s *Store) Append(ctx context.Context, from, to, text string, ts int64) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	const insert = `INSERT INTO messages (owner, sender, recipient, body, ts) VALUES (?, ?, ?, ?, ?)`
	for _, owner := range []string{from, to} {
		if _, err := tx.ExecContext(ctx, insert, owner, from, to, text, ts); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// RecentFor returns every message in owner's sequence with timestamp >= since,
// in chronological order.
func (s *Store) RecentFor(ctx context.Context, owner string, since int64) ([]Message, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT sender, recipient, body, ts FROM messages WHERE owner = ? AND ts >= ? ORDER BY ts ASC, id ASC`,
		owner, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.From, &m.To, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// SweepExpired removes every row with timestamp < now-retention and returns
// the number of rows removed. Both sides of a message share one timestamp, so
// a sweep never leaves an orphaned half-record.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention).UnixMilli()
	result, err := s.conn.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RunSweeper runs the expiration sweep every interval until ctx is cancelled.
// Sweep cadence is fixed and independent of message traffic.
func (s *Store) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("message sweeper started",
		zap.Duration("interval", interval), zap.Duration("retention", retention))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("message sweeper stopped")
			return
		case <-ticker.C:
			removed, err := s.SweepExpired(ctx, time.Now(), retention)
			if err != nil {
				metrics.StorageFailures.Inc()
				s.log.Error("message sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				metrics.MessagesSwept.Add(float64(removed))
				s.log.Info("expired messages removed", zap.Int64("count", removed))
			}
		}
	}
}
