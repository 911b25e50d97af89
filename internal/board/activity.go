package board

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Activity is one append-only log entry describing a board change.
type Activity struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	Actor     string `json:"actor"`
	Verb      string `json:"verb"` // created, updated, moved, deleted
	Detail    string `json:"detail"`
	CreatedAt int64  `json:"createdAt"` // unix ms
}

// RecordActivity appends one entry to the activity log.
func (s *Store) RecordActivity(taskID, actor, verb, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	INSERT INTO activity (id, task_id, actor, verb, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), taskID, actor, verb, detail, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// ListActivity returns the most recent entries, newest first.
func (s *Store) ListActivity(limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT id, task_id, actor, verb, detail, created_at
	FROM activity ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var entries []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Actor, &a.Verb, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

// RunRetention deletes activity entries older than the retention window.
func (s *Store) RunRetention(ctx context.Context, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete old activity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug().Int64("deleted", n).Msg("activity retention sweep")
	}
	return nil
}

// DBSizeBytes returns the database size in bytes.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
