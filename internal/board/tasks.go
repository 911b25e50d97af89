package board

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	perrors "github.com/jndoye/pikaboard/internal/errors"
)

// Task statuses, one per board column.
const (
	StatusTodo  = "todo"
	StatusDoing = "doing"
	StatusDone  = "done"
)

// Task is one card on the board.
type Task struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Notes       string  `json:"notes"`
	Status      string  `json:"status"`
	Assignee    string  `json:"assignee"`
	CharacterID string  `json:"characterId"`
	Position    float64 `json:"position"`
	CreatedAt   int64   `json:"createdAt"` // unix ms
	UpdatedAt   int64   `json:"updatedAt"` // unix ms
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status   string
	Assignee string
}

// ValidStatus reports whether s names a board column.
func ValidStatus(s string) bool {
	return s == StatusTodo || s == StatusDoing || s == StatusDone
}

// CreateTask inserts a new task at the bottom of its column and returns it.
func (s *Store) CreateTask(title, notes, status, assignee, characterID string) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, perrors.ErrInvalidInput
	}
	if status == "" {
		status = StatusTodo
	}
	if !ValidStatus(status) {
		return nil, perrors.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var maxPos sql.NullFloat64
	if err := s.db.QueryRow(`SELECT MAX(position) FROM tasks WHERE status = ?`, status).Scan(&maxPos); err != nil {
		return nil, fmt.Errorf("failed to read column positions: %w", err)
	}

	now := time.Now().UnixMilli()
	t := &Task{
		ID:          uuid.New().String(),
		Title:       title,
		Notes:       notes,
		Status:      status,
		Assignee:    assignee,
		CharacterID: characterID,
		Position:    maxPos.Float64 + 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.Exec(`
	INSERT INTO tasks (id, title, notes, status, assignee, character_id, position, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Notes, t.Status, t.Assignee, t.CharacterID, t.Position, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTask(id)
}

func (s *Store) getTask(id string) (*Task, error) {
	t := &Task{}
	err := s.db.QueryRow(`
	SELECT id, title, notes, status, assignee, character_id, position, created_at, updated_at
	FROM tasks WHERE id = ?`, id).Scan(
		&t.ID, &t.Title, &t.Notes, &t.Status, &t.Assignee, &t.CharacterID,
		&t.Position, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, perrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by column position.
func (s *Store) ListTasks(f TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, title, notes, status, assignee, character_id, position, created_at, updated_at
	FROM tasks`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		where = append(where, "assignee = ?")
		args = append(args, f.Assignee)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY status, position, created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		if err := rows.Scan(
			&t.ID, &t.Title, &t.Notes, &t.Status, &t.Assignee, &t.CharacterID,
			&t.Position, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskUpdate carries the mutable fields of a task; nil means "leave as is".
type TaskUpdate struct {
	Title       *string
	Notes       *string
	Assignee    *string
	CharacterID *string
}

// UpdateTask applies a partial update and returns the updated task.
func (s *Store) UpdateTask(id string, u TaskUpdate) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTask(id)
	if err != nil {
		return nil, err
	}
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return nil, perrors.ErrInvalidInput
		}
		t.Title = title
	}
	if u.Notes != nil {
		t.Notes = *u.Notes
	}
	if u.Assignee != nil {
		t.Assignee = *u.Assignee
	}
	if u.CharacterID != nil {
		t.CharacterID = *u.CharacterID
	}
	t.UpdatedAt = time.Now().UnixMilli()

	_, err = s.db.Exec(`
	UPDATE tasks SET title = ?, notes = ?, assignee = ?, character_id = ?, updated_at = ?
	WHERE id = ?`,
		t.Title, t.Notes, t.Assignee, t.CharacterID, t.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return t, nil
}

// MoveTask puts a task into a column at the given position.
func (s *Store) MoveTask(id, status string, position float64) (*Task, error) {
	if !ValidStatus(status) {
		return nil, perrors.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTask(id)
	if err != nil {
		return nil, err
	}
	t.Status = status
	t.Position = position
	t.UpdatedAt = time.Now().UnixMilli()

	_, err = s.db.Exec(`UPDATE tasks SET status = ?, position = ?, updated_at = ? WHERE id = ?`,
		t.Status, t.Position, t.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to move task: %w", err)
	}
	return t, nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n == 0 {
		return perrors.ErrNotFound
	}
	return nil
}
