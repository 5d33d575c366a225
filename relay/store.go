package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// StorageError marks a local persistence fault. It is always surfaced to the
// caller; the store never swallows one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// OpenDB opens (or creates) the SQLite database and migrates both tables.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&HistoryEvent{}, &PendingEvent{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Store is the durable event store: the append-only history log plus the
// pending retry queue. Every write is atomic per idempotency key (unique index
// + insert-or-ignore / conditional update), so concurrent ingestion and retry
// of the same key cannot produce duplicate rows or lost updates.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var conflictOnKey = clause.OnConflict{
	Columns:   []clause.Column{{Name: "idempotency_key"}},
	DoNothing: true,
}

// AppendHistoryIfAbsent inserts the event into history unless a row with the
// same key already exists. Reports whether a row was inserted.
func (s *Store) AppendHistoryIfAbsent(ev Event) (bool, error) {
	row := historyFromEvent(ev)
	res := s.db.Clauses(conflictOnKey).Create(&row)
	if res.Error != nil {
		return false, storageErr("append history", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkDelivered sets sent_at on the matching history row. The conditional
// update keeps the transition monotonic: 0 -> deliveredAt, at most once.
// No-op if the row is absent or already marked.
func (s *Store) MarkDelivered(idempotencyKey string, deliveredAtMs int64) error {
	err := s.db.Model(&HistoryEvent{}).
		Where("idempotency_key = ? AND sent_at = 0", idempotencyKey).
		Update("sent_at", deliveredAtMs).Error
	return storageErr("mark delivered", err)
}

// EnqueuePendingIfAbsent inserts the event into the retry queue unless already
// present. The new row is due immediately.
func (s *Store) EnqueuePendingIfAbsent(ev Event) (bool, error) {
	row := pendingFromEvent(ev, time.Now().UnixMilli())
	res := s.db.Clauses(conflictOnKey).Create(&row)
	if res.Error != nil {
		return false, storageErr("enqueue pending", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DequeuePending removes the queue row for the key. No-op if absent.
func (s *Store) DequeuePending(idempotencyKey string) error {
	err := s.db.Where("idempotency_key = ?", idempotencyKey).Delete(&PendingEvent{}).Error
	return storageErr("dequeue pending", err)
}

// ListPending returns a snapshot of queue rows that are due at nowMs,
// excluding dead-lettered rows. Read at call time, not a live view.
func (s *Store) ListPending(nowMs int64) ([]Event, error) {
	var rows []PendingEvent
	err := s.db.Where("dead = ? AND next_attempt_at <= ?", false, nowMs).
		Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Event())
	}
	return out, nil
}

// IsPending reports whether a live (non-dead) queue row exists for the key.
func (s *Store) IsPending(idempotencyKey string) (bool, error) {
	var n int64
	err := s.db.Model(&PendingEvent{}).
		Where("idempotency_key = ? AND dead = ?", idempotencyKey, false).
		Count(&n).Error
	if err != nil {
		return false, storageErr("is pending", err)
	}
	return n > 0, nil
}

// RecordAttemptFailure bumps the retry counter for the key, records the
// failure reason and reschedules the row. nextAttemptAt receives the new
// attempt count and returns the reschedule time in ms; it runs inside the
// row transaction so the count it sees cannot go stale. Once the counter
// reaches maxAttempts the row is dead-lettered and never listed again.
// Reports whether the row went dead.
func (s *Store) RecordAttemptFailure(idempotencyKey string, reason string, maxAttempts int, nextAttemptAt func(attempt int) int64) (bool, error) {
	dead := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row PendingEvent
		err := tx.Where("idempotency_key = ? AND dead = ?", idempotencyKey, false).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		attempt := row.RetryCount + 1
		updates := map[string]any{
			"retry_count":     attempt,
			"last_error":      reason,
			"next_attempt_at": nextAttemptAt(attempt),
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			updates["dead"] = true
			dead = true
		}
		return tx.Model(&PendingEvent{}).Where("id = ?", row.ID).Updates(updates).Error
	})
	if err != nil {
		return false, storageErr("record attempt failure", err)
	}
	return dead, nil
}

// CountHistory returns the total number of history rows.
func (s *Store) CountHistory() (int64, error) {
	var n int64
	err := s.db.Model(&HistoryEvent{}).Count(&n).Error
	return n, storageErr("count history", err)
}

// CountPending returns live and dead queue row counts.
func (s *Store) CountPending() (live int64, dead int64, err error) {
	if err = s.db.Model(&PendingEvent{}).Where("dead = ?", false).Count(&live).Error; err != nil {
		return 0, 0, storageErr("count pending", err)
	}
	if err = s.db.Model(&PendingEvent{}).Where("dead = ?", true).Count(&dead).Error; err != nil {
		return 0, 0, storageErr("count pending", err)
	}
	return live, dead, nil
}

// LatestHistory returns the n newest history rows, newest first.
func (s *Store) LatestHistory(n int) ([]Event, error) {
	var rows []HistoryEvent
	err := s.db.Order("timestamp desc, id desc").Limit(n).Find(&rows).Error
	if err != nil {
		return nil, storageErr("latest history", err)
	}
	return historyEvents(rows), nil
}

// HistoryPage pages over history filtered by a case-insensitive substring
// match on sender, message or kind, ordered by timestamp descending.
// Pagination is not stable under concurrent inserts: a newer row may shift an
// item's page between calls. Known limitation.
func (s *Store) HistoryPage(query string, limit int, offset int) ([]Event, error) {
	q := s.db.Model(&HistoryEvent{})
	if strings.TrimSpace(query) != "" {
		pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
		q = q.Where(
			`lower(sender) LIKE ? ESCAPE '\' OR lower(message) LIKE ? ESCAPE '\' OR lower(kind) LIKE ? ESCAPE '\'`,
			pattern, pattern, pattern,
		)
	}
	var rows []HistoryEvent
	err := q.Order("timestamp desc, id desc").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, storageErr("history page", err)
	}
	return historyEvents(rows), nil
}

func historyEvents(rows []HistoryEvent) []Event {
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Event())
	}
	return out
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
