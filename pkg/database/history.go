// Package database provides the retained-message history store, backed by an
// in-memory SQLite database. Delivered messages are kept for a TTL window and
// purged afterwards; cancelled messages are never recorded.
package database

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	sender     TEXT NOT NULL,
	target     TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
`

// Entry is one retained message.
type Entry struct {
	ID        string
	Sender    string
	Target    string // username or the broadcast sentinel
	Body      string
	CreatedAt time.Time
}

// HistoryStore retains delivered messages for a TTL window.
type HistoryStore struct {
	db    *sql.DB
	limit int
	ttl   time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// OpenHistory opens a fresh in-memory store. limit bounds history query
// results; ttl is the retention window; cleanupInterval controls the purge
// loop (zero disables background purging — expired rows are still filtered
// out of queries).
func OpenHistory(limit int, ttl, cleanupInterval time.Duration) (*HistoryStore, error) {
	// Each store gets its own named in-memory database; cache=shared keeps
	// it alive across the pool's single connection for the store's whole
	// lifetime, and the unique name isolates concurrent stores.
	dsn := fmt.Sprintf("file:history_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	h := &HistoryStore{
		db:    db,
		limit: limit,
		ttl:   ttl,
		done:  make(chan struct{}),
	}

	if cleanupInterval > 0 {
		h.wg.Add(1)
		go h.cleanupLoop(cleanupInterval)
	}
	return h, nil
}

// Record stores one delivered message with its expiry stamp.
func (h *HistoryStore) Record(id, sender, target, body string, deliveredAt time.Time) error {
	const query = `
		INSERT INTO messages (id, sender, target, body, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := h.db.Exec(query, id, sender, target, body,
		deliveredAt.UnixMilli(), deliveredAt.Add(h.ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}
	return nil
}

// Recent returns up to the configured limit of unexpired messages visible to
// the given username: broadcasts plus messages addressed to it, newest first.
// broadcastTarget is the sentinel stored for broadcast rows.
func (h *HistoryStore) Recent(username, broadcastTarget string, now time.Time) ([]Entry, error) {
	const query = `
		SELECT id, sender, target, body, created_at
		FROM messages
		WHERE expires_at > ? AND (target = ? OR target = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	rows, err := h.db.Query(query, now.UnixMilli(), broadcastTarget, username, h.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Sender, &e.Target, &e.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeExpired deletes rows whose retention window has passed. Returns the
// number of rows removed.
func (h *HistoryStore) PurgeExpired(now time.Time) (int64, error) {
	res, err := h.db.Exec(`DELETE FROM messages WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge history: %w", err)
	}
	return res.RowsAffected()
}

// cleanupLoop purges expired rows on a fixed interval until Close.
func (h *HistoryStore) cleanupLoop(interval time.Duration) {
	defer h.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			if _, err := h.PurgeExpired(now); err != nil {
				// Nothing actionable; the next tick retries.
				continue
			}
		}
	}
}

// Close stops the purge loop and closes the database.
func (h *HistoryStore) Close() error {
	close(h.done)
	h.wg.Wait()
	return h.db.Close()
}
