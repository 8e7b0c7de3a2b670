// Package store persists monitored items, check history, users and the
// notification ledger in a single sqlite database file.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the sqlite handle. Writes are serialised through a mutex;
// reads go straight to the pool and rely on WAL for concurrency.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path and runs pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// InsertItem stores a new monitored item and returns its id. A second item
// with the same canonical URL returns ErrDuplicateURL.
func (s *Store) InsertItem(ctx context.Context, it Item) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (owner_id, is_global, name, url, vendor_tag, config_text,
			enabled, created_at, last_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.OwnerID, it.IsGlobal, it.Name, it.URL, it.VendorTag, it.ConfigText,
		it.Enabled, it.CreatedAt, StatusUnknown)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, ErrDuplicateURL
		}
		return 0, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert item id: %w", err)
	}
	return id, nil
}

// GetItem returns the item with the given id, or ErrNotFound.
func (s *Store) GetItem(ctx context.Context, id int64) (Item, error) {
	var it Item
	err := s.db.GetContext(ctx, &it, `SELECT * FROM items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

// GetItemByURL returns the item monitoring the given canonical URL.
func (s *Store) GetItemByURL(ctx context.Context, url string) (Item, error) {
	var it Item
	err := s.db.GetContext(ctx, &it, `SELECT * FROM items WHERE url = ?`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item by url: %w", err)
	}
	return it, nil
}

// ListDueItems returns enabled items whose last check is older than cutoff,
// never-checked items first, then stalest first.
func (s *Store) ListDueItems(ctx context.Context, cutoff time.Time, limit int) ([]Item, error) {
	var items []Item
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM items
		WHERE enabled = 1 AND (last_checked_at IS NULL OR last_checked_at <= ?)
		ORDER BY last_checked_at IS NOT NULL, last_checked_at, id
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list due items: %w", err)
	}
	return items, nil
}

// ListItems returns the items owned by ownerID plus global items, newest
// first. Disabled items are included so owners can re-enable them.
func (s *Store) ListItems(ctx context.Context, ownerID string, limit, offset int) ([]Item, error) {
	var items []Item
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM items
		WHERE owner_id = ? OR is_global = 1
		ORDER BY id DESC
		LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// ListAllItems returns every item, for admin views and the startup sweep.
func (s *Store) ListAllItems(ctx context.Context) ([]Item, error) {
	var items []Item
	err := s.db.SelectContext(ctx, &items, `SELECT * FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list all items: %w", err)
	}
	return items, nil
}

// CountItemsByOwner returns how many items ownerID currently monitors.
func (s *Store) CountItemsByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM items WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// SetItemEnabled flips the enabled flag. Enabling also clears the
// consecutive error counter so the item gets a fresh start.
func (s *Store) SetItemEnabled(ctx context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := `UPDATE items SET enabled = ? WHERE id = ?`
	if enabled {
		q = `UPDATE items SET enabled = ?, consecutive_errors = 0, last_status = 'unknown' WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, q, enabled, id)
	if err != nil {
		return fmt.Errorf("set item enabled: %w", err)
	}
	return oneRow(res, "set item enabled")
}

// SetItemEndpoint memoises a discovered stock API endpoint on the item.
func (s *Store) SetItemEndpoint(ctx context.Context, id int64, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET api_endpoint = ? WHERE id = ?`, endpoint, id)
	if err != nil {
		return fmt.Errorf("set item endpoint: %w", err)
	}
	return oneRow(res, "set item endpoint")
}

// DeleteItem removes the item and all of its history and ledger rows.
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM check_history WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("delete item history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notification_history WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("delete item notifications: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if err := oneRow(res, "delete item"); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordCheck appends one history row and updates the item's cached state in
// a single transaction. newStatus is the stored status decided by the
// transition layer. The returned count is the item's consecutive error run
// after this check.
func (s *Store) RecordCheck(ctx context.Context, rec CheckRecord, newStatus ItemStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("record check: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO check_history (item_id, check_time, verdict, confidence,
			detectors, http_status, latency_ms, error_kind, error_message, fingerprint_hash)
		VALUES (:item_id, :check_time, :verdict, :confidence,
			:detectors, :http_status, :latency_ms, :error_kind, :error_message, :fingerprint_hash)`,
		rec); err != nil {
		return 0, fmt.Errorf("record check history: %w", err)
	}

	isErr := newStatus == StatusError
	var q string
	if isErr {
		q = `UPDATE items SET last_checked_at = ?, last_status = ?, last_confidence = ?,
			consecutive_errors = consecutive_errors + 1, failure_count = failure_count + 1
			WHERE id = ?`
	} else {
		q = `UPDATE items SET last_checked_at = ?, last_status = ?, last_confidence = ?,
			consecutive_errors = 0, success_count = success_count + 1,
			fingerprint_hash = CASE WHEN ? != '' THEN ? ELSE fingerprint_hash END
			WHERE id = ?`
	}
	if isErr {
		_, err = tx.ExecContext(ctx, q, rec.CheckTime, newStatus, rec.Confidence, rec.ItemID)
	} else {
		_, err = tx.ExecContext(ctx, q, rec.CheckTime, newStatus, rec.Confidence,
			rec.FingerprintHash, rec.FingerprintHash, rec.ItemID)
	}
	if err != nil {
		return 0, fmt.Errorf("record check update: %w", err)
	}

	var consec int
	if err := tx.GetContext(ctx, &consec,
		`SELECT consecutive_errors FROM items WHERE id = ?`, rec.ItemID); err != nil {
		return 0, fmt.Errorf("record check readback: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record check commit: %w", err)
	}
	return consec, nil
}

// RecentHistory returns the newest n history rows for an item, newest first.
func (s *Store) RecentHistory(ctx context.Context, itemID int64, n int) ([]CheckRecord, error) {
	var recs []CheckRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM check_history WHERE item_id = ?
		ORDER BY id DESC LIMIT ?`, itemID, n)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	return recs, nil
}

// PruneHistory deletes history rows older than before while always keeping
// the newest keep rows per item. At most batch rows are removed per call so
// pruning never starves regular writes.
func (s *Store) PruneHistory(ctx context.Context, before time.Time, keep, batch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM check_history WHERE id IN (
			SELECT h.id FROM check_history h
			WHERE h.check_time < ?
			  AND h.id NOT IN (
				SELECT h2.id FROM check_history h2
				WHERE h2.item_id = h.item_id
				ORDER BY h2.id DESC LIMIT ?)
			LIMIT ?)`, before, keep, batch)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune history count: %w", err)
	}
	return n, nil
}

// PruneNotifications deletes ledger rows older than before.
func (s *Store) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_history WHERE sent_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune notifications count: %w", err)
	}
	return n, nil
}

// EnsureUser returns the user record for id, creating it with defaults on
// first contact and stamping last_active either way.
func (s *Store) EnsureUser(ctx context.Context, id string, now time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, created_at, last_active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_active = excluded.last_active`,
		id, now, now); err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	var u User
	if err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		return User{}, fmt.Errorf("ensure user readback: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given id, or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// SetUserBanned flips the banned flag.
func (s *Store) SetUserBanned(ctx context.Context, id string, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_banned = ? WHERE id = ?`, banned, id)
	if err != nil {
		return fmt.Errorf("set user banned: %w", err)
	}
	return oneRow(res, "set user banned")
}

// SetUserAdmin flips the admin flag.
func (s *Store) SetUserAdmin(ctx context.Context, id string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_admin = ? WHERE id = ?`, admin, id)
	if err != nil {
		return fmt.Errorf("set user admin: %w", err)
	}
	return oneRow(res, "set user admin")
}

// SetUserPrefs updates a user's notification preferences.
func (s *Store) SetUserPrefs(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET cooldown_seconds = ?, daily_notify_limit = ?,
			quiet_hours_start = ?, quiet_hours_end = ?, notifications_enabled = ?
		WHERE id = ?`,
		u.CooldownSeconds, u.DailyNotifyLimit,
		u.QuietHoursStart, u.QuietHoursEnd, u.NotificationsEnabled, u.ID)
	if err != nil {
		return fmt.Errorf("set user prefs: %w", err)
	}
	return oneRow(res, "set user prefs")
}

// IncrementDailyAdded bumps the user's rolling 24h add counter, resetting the
// window when it has lapsed, and returns the new count.
func (s *Store) IncrementDailyAdded(ctx context.Context, id string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("increment daily added: %w", err)
	}
	defer tx.Rollback()

	var u User
	if err := tx.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment daily added: %w", err)
	}

	count := u.DailyAddedCount + 1
	windowStart := u.DailyWindowStart
	if windowStart == nil || now.Sub(*windowStart) >= 24*time.Hour {
		count = 1
		windowStart = &now
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET daily_added_count = ?, daily_window_start = ? WHERE id = ?`,
		count, windowStart, id); err != nil {
		return 0, fmt.Errorf("increment daily added: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("increment daily added commit: %w", err)
	}
	return count, nil
}

// AppendNotification records a delivery in the ledger.
func (s *Store) AppendNotification(ctx context.Context, rec NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_history (item_id, recipient_id, sent_at, kind)
		VALUES (?, ?, ?, ?)`,
		rec.ItemID, rec.RecipientID, rec.SentAt, rec.Kind); err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// LastNotified returns the time of the most recent delivery for the
// item/recipient pair, or nil when there is none.
func (s *Store) LastNotified(ctx context.Context, itemID int64, recipientID string) (*time.Time, error) {
	var t time.Time
	err := s.db.GetContext(ctx, &t, `
		SELECT sent_at FROM notification_history
		WHERE item_id = ? AND recipient_id = ?
		ORDER BY id DESC LIMIT 1`, itemID, recipientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last notified: %w", err)
	}
	return &t, nil
}

// CountNotificationsSince returns how many deliveries the recipient received
// since the given time.
func (s *Store) CountNotificationsSince(ctx context.Context, recipientID string, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM notification_history
		WHERE recipient_id = ? AND sent_at >= ?`, recipientID, since)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}

// Stats returns the admin counters snapshot.
func (s *Store) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	dayAgo := now.Add(-24 * time.Hour)

	type q struct {
		dst  *int64
		sql  string
		args []any
	}
	queries := []q{
		{&st.TotalItems, `SELECT COUNT(*) FROM items`, nil},
		{&st.EnabledItems, `SELECT COUNT(*) FROM items WHERE enabled = 1`, nil},
		{&st.ErrorItems, `SELECT COUNT(*) FROM items WHERE last_status = 'error'`, nil},
		{&st.TotalUsers, `SELECT COUNT(*) FROM users`, nil},
		{&st.BannedUsers, `SELECT COUNT(*) FROM users WHERE is_banned = 1`, nil},
		{&st.ChecksLastDay, `SELECT COUNT(*) FROM check_history WHERE check_time >= ?`, []any{dayAgo}},
		{&st.NotifsLastDay, `SELECT COUNT(*) FROM notification_history WHERE sent_at >= ?`, []any{dayAgo}},
		{&st.HistoryRows, `SELECT COUNT(*) FROM check_history`, nil},
	}
	for _, e := range queries {
		if err := s.db.GetContext(ctx, e.dst, e.sql, e.args...); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

func oneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
