// Package embedded provides a SQLite-backed local queue so the router can
// run without any external broker. Rows are claimed with a receipt handle
// and a visibility deadline, mirroring SQS semantics.
package embedded

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_queue (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	queue             TEXT    NOT NULL,
	body              BLOB    NOT NULL,
	message_group_id  TEXT    NOT NULL DEFAULT '',
	receipt_handle    TEXT,
	not_visible_until INTEGER,
	enqueued_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_queue_poll
	ON relay_queue (queue, not_visible_until, id);
`

// Row is one claimed message.
type Row struct {
	ID             int64  `db:"id"`
	Queue          string `db:"queue"`
	Body           []byte `db:"body"`
	MessageGroupID string `db:"message_group_id"`
	ReceiptHandle  string `db:"receipt_handle"`
}

// Store is the embedded queue backing store. Safe for concurrent use; the
// database runs in WAL mode so polls and enqueues do not block each other.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open creates or opens the queue database at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open embedded queue %s: %w", path, err)
	}
	// SQLite allows one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create embedded queue schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Enqueue appends a message to a queue.
func (s *Store) Enqueue(ctx context.Context, queue string, body []byte, messageGroupID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_queue (queue, body, message_group_id, enqueued_at) VALUES (?, ?, ?, ?)`,
		queue, body, messageGroupID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("enqueue to %s: %w", queue, err)
	}
	return nil
}

// Claim takes up to limit visible rows from queue in FIFO order, marking
// each invisible until the visibility timeout lapses. Claimed rows carry a
// fresh receipt handle that ack and nack must present.
func (s *Store) Claim(ctx context.Context, queue string, limit int, visibility time.Duration) ([]Row, error) {
	now := s.now().Unix()
	deadline := s.now().Add(visibility).Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var rows []Row
	err = tx.SelectContext(ctx, &rows,
		`SELECT id, queue, body, message_group_id, '' AS receipt_handle
		   FROM relay_queue
		  WHERE queue = ? AND (not_visible_until IS NULL OR not_visible_until <= ?)
		  ORDER BY id
		  LIMIT ?`,
		queue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable rows: %w", err)
	}

	for i := range rows {
		handle := uuid.New().String()
		if _, err := tx.ExecContext(ctx,
			`UPDATE relay_queue SET receipt_handle = ?, not_visible_until = ? WHERE id = ?`,
			handle, deadline, rows[i].ID); err != nil {
			return nil, fmt.Errorf("claim row %d: %w", rows[i].ID, err)
		}
		rows[i].ReceiptHandle = handle
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return rows, nil
}

// Ack deletes a claimed row. A stale receipt handle deletes nothing.
func (s *Store) Ack(ctx context.Context, id int64, receiptHandle string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_queue WHERE id = ? AND receipt_handle = ?`,
		id, receiptHandle)
	return err
}

// Nack makes a claimed row visible again after delay (immediately when
// delay is zero).
func (s *Store) Nack(ctx context.Context, id int64, receiptHandle string, delay time.Duration) error {
	visibleAt := s.now().Add(delay).Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE relay_queue SET receipt_handle = NULL, not_visible_until = ? WHERE id = ? AND receipt_handle = ?`,
		visibleAt, id, receiptHandle)
	return err
}

// Depth returns the number of rows in a queue, claimed or not.
func (s *Store) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM relay_queue WHERE queue = ?`, queue)
	return n, err
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
