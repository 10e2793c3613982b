// Package storage persists chat messages delivered to a node.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/op/go-logging.v1"
)

// DefaultTTL is how long a chat message is kept.
const DefaultTTL = 30 * 24 * time.Hour

var (
	ErrNotFound    = errors.New("not found")
	ErrInboxClosed = errors.New("inbox closed")
)

// ChatMessage is a stored chat message.
type ChatMessage struct {
	ID        int64     `json:"id"`
	Node      string    `json:"node"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Inbox stores chat messages in sqlite.
type Inbox struct {
	db  *sql.DB
	ttl time.Duration
	log *logging.Logger

	now func() time.Time

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewInbox opens or creates the inbox database at dbPath. Messages older
// than ttl are removed by a background sweep.
func NewInbox(dbPath string, ttl time.Duration, log *logging.Logger) (*Inbox, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox database: %w", err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	inbox := &Inbox{
		db:   db,
		ttl:  ttl,
		log:  log,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if err := inbox.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	go inbox.cleanupLoop(time.Hour)

	return inbox, nil
}

func (in *Inbox) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_node ON chat_messages(node);
	CREATE INDEX IF NOT EXISTS idx_chat_expires ON chat_messages(expires_at);
	`

	if _, err := in.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveChat stores a chat message delivered to node.
func (in *Inbox) SaveChat(ctx context.Context, node, message string) error {
	now := in.now()
	expiresAt := now.Add(in.ttl)

	query := `INSERT INTO chat_messages (node, message, timestamp, expires_at) VALUES (?, ?, ?, ?)`
	if _, err := in.db.ExecContext(ctx, query, node, message, now.UnixMilli(), expiresAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to store chat message: %w", err)
	}
	return nil
}

// List returns the newest live messages of node, at most limit of them
// (all when limit <= 0), oldest first.
func (in *Inbox) List(ctx context.Context, node string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, node, message, timestamp, expires_at FROM (
			SELECT id, node, message, timestamp, expires_at
			FROM chat_messages
			WHERE node = ? AND expires_at > ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`

	rows, err := in.db.QueryContext(ctx, query, node, in.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		var (
			msg       ChatMessage
			ts, expAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.Node, &msg.Message, &ts, &expAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		msg.Timestamp = time.UnixMilli(ts)
		msg.ExpiresAt = time.UnixMilli(expAt)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// Count returns the number of live messages of node.
func (in *Inbox) Count(ctx context.Context, node string) (int, error) {
	query := `SELECT COUNT(*) FROM chat_messages WHERE node = ? AND expires_at > ?`

	var count int
	if err := in.db.QueryRowContext(ctx, query, node, in.now().UnixMilli()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chat messages: %w", err)
	}
	return count, nil
}

// Delete removes one message.
func (in *Inbox) Delete(ctx context.Context, id int64) error {
	result, err := in.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat message: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpired removes expired messages and returns how many were removed.
func (in *Inbox) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := in.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE expires_at <= ?`, in.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge chat messages: %w", err)
	}
	return result.RowsAffected()
}

func (in *Inbox) cleanupLoop(interval time.Duration) {
	defer close(in.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-in.stop:
			return
		case <-ticker.C:
			count, err := in.PurgeExpired(context.Background())
			if err != nil {
				in.log.Errorf("Failed to clean up expired messages: %v", err)
				continue
			}
			if count > 0 {
				in.log.Infof("Cleaned up %d expired messages", count)
			}
		}
	}
}

// Close stops the cleanup loop and closes the database.
func (in *Inbox) Close() error {
	err := ErrInboxClosed
	in.closeOnce.Do(func() {
		close(in.stop)
		<-in.done
		err = in.db.Close()
	})
	return err
}
