package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotor-ads/rotor/internal/model"
)

// ClickTaskRepo provides access to click tasks and their scheduled items.
type ClickTaskRepo struct {
	db *sql.DB
}

// InsertTask creates a task with all its items in one transaction.
func (r *ClickTaskRepo) InsertTask(t *model.ClickTask, items []*model.ClickTaskItem) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := NowNs()
	t.CreatedAtNs = now
	t.UpdatedAtNs = now
	t.Status = model.TaskRunning

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin task insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO click_tasks (id, user_id, campaign_id, target_url, target_clicks,
			completed_clicks, failed_clicks, status, created_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, 0, 0, 'running', ?, ?)`,
		t.ID, t.UserID, t.CampaignID, t.TargetURL, t.TargetClicks, t.CreatedAtNs, t.UpdatedAtNs,
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO click_task_items (id, task_id, scheduled_at_ns, status, updated_at_ns)
		 VALUES (?, ?, ?, 'pending', ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare item insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.TaskID = t.ID
		it.Status = model.ItemPending
		it.UpdatedAtNs = now
		if _, err := stmt.Exec(it.ID, it.TaskID, it.ScheduledAtNs, it.UpdatedAtNs); err != nil {
			return fmt.Errorf("insert task item: %w", err)
		}
	}
	return tx.Commit()
}

// GetTask returns one task by (id, userID), or ErrNotFound.
func (r *ClickTaskRepo) GetTask(id, userID string) (*model.ClickTask, error) {
	row := r.db.QueryRow(
		`SELECT id, user_id, campaign_id, target_url, target_clicks, completed_clicks,
			failed_clicks, status, created_at_ns, updated_at_ns
		 FROM click_tasks WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks for a user, newest first.
func (r *ClickTaskRepo) ListTasks(userID string) ([]*model.ClickTask, error) {
	rows, err := r.db.Query(
		`SELECT id, user_id, campaign_id, target_url, target_clicks, completed_clicks,
			failed_clicks, status, created_at_ns, updated_at_ns
		 FROM click_tasks WHERE user_id = ? ORDER BY created_at_ns DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var result []*model.ClickTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanTask(row interface{ Scan(...any) error }) (*model.ClickTask, error) {
	var t model.ClickTask
	var status string
	if err := row.Scan(
		&t.ID, &t.UserID, &t.CampaignID, &t.TargetURL, &t.TargetClicks, &t.CompletedClicks,
		&t.FailedClicks, &status, &t.CreatedAtNs, &t.UpdatedAtNs,
	); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	return &t, nil
}

// DueItem is one pending item due for execution, joined with its task.
type DueItem struct {
	Item       model.ClickTaskItem
	TaskID     string
	UserID     string
	CampaignID string
	TargetURL  string
}

// DueItems returns up to limit pending items of running tasks with
// scheduled_at_ns <= nowNs, oldest first.
func (r *ClickTaskRepo) DueItems(nowNs int64, limit int) ([]DueItem, error) {
	rows, err := r.db.Query(
		`SELECT i.id, i.task_id, i.scheduled_at_ns, i.status, i.exit_ip, i.error_message,
			i.duration_ms, i.updated_at_ns, t.user_id, t.campaign_id, t.target_url
		 FROM click_task_items i JOIN click_tasks t ON t.id = i.task_id
		 WHERE i.status = 'pending' AND i.scheduled_at_ns <= ? AND t.status = 'running'
		 ORDER BY i.scheduled_at_ns ASC
		 LIMIT ?`,
		nowNs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due items: %w", err)
	}
	defer rows.Close()

	var result []DueItem
	for rows.Next() {
		var d DueItem
		var status string
		if err := rows.Scan(
			&d.Item.ID, &d.Item.TaskID, &d.Item.ScheduledAtNs, &status, &d.Item.ExitIP,
			&d.Item.ErrorMessage, &d.Item.DurationMs, &d.Item.UpdatedAtNs,
			&d.UserID, &d.CampaignID, &d.TargetURL,
		); err != nil {
			return nil, err
		}
		d.Item.Status = model.TaskItemStatus(status)
		d.TaskID = d.Item.TaskID
		result = append(result, d)
	}
	return result, rows.Err()
}

// MarkItemExecuting flips a pending item to executing. Returns false when the
// item was already picked up elsewhere.
func (r *ClickTaskRepo) MarkItemExecuting(id string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE click_task_items SET status = 'executing', updated_at_ns = ?
		 WHERE id = ? AND status = 'pending'`,
		NowNs(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark item executing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordItemResult stores the outcome of one executed item and bumps the
// task counters in the same transaction.
func (r *ClickTaskRepo) RecordItemResult(itemID, taskID string, success bool, exitIP, errorMessage string, durationMs int64) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin item result: %w", err)
	}
	defer tx.Rollback()

	status := string(model.ItemSuccess)
	counter := "completed_clicks"
	if !success {
		status = string(model.ItemFailed)
		counter = "failed_clicks"
	}
	now := NowNs()
	if _, err := tx.Exec(
		`UPDATE click_task_items SET status = ?, exit_ip = ?, error_message = ?, duration_ms = ?,
			updated_at_ns = ?
		 WHERE id = ?`,
		status, exitIP, errorMessage, durationMs, now, itemID,
	); err != nil {
		return fmt.Errorf("record item result: %w", err)
	}
	if _, err := tx.Exec(
		// counter is one of two fixed column names, never user input
		`UPDATE click_tasks SET `+counter+` = `+counter+` + 1, updated_at_ns = ? WHERE id = ?`,
		now, taskID,
	); err != nil {
		return fmt.Errorf("bump task counter: %w", err)
	}
	return tx.Commit()
}

// OpenItemCount returns how many items of a task are still pending or executing.
func (r *ClickTaskRepo) OpenItemCount(taskID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM click_task_items
		 WHERE task_id = ? AND status IN ('pending', 'executing')`,
		taskID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("open item count: %w", err)
	}
	return n, nil
}

// FinalizeTask transitions a drained running task to completed when any click
// succeeded, failed otherwise.
func (r *ClickTaskRepo) FinalizeTask(taskID string) error {
	_, err := r.db.Exec(
		`UPDATE click_tasks
		 SET status = CASE WHEN completed_clicks > 0 THEN 'completed' ELSE 'failed' END,
			updated_at_ns = ?
		 WHERE id = ? AND status = 'running'`,
		NowNs(), taskID,
	)
	if err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}
	return nil
}

// CancelTask marks a task cancelled and flips all its pending items in one
// transaction. Executing items finish on their own.
func (r *ClickTaskRepo) CancelTask(id, userID string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	now := NowNs()
	res, err := tx.Exec(
		`UPDATE click_tasks SET status = 'cancelled', updated_at_ns = ?
		 WHERE id = ? AND user_id = ? AND status = 'running'`,
		now, id, userID,
	)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(
		`UPDATE click_task_items SET status = 'cancelled', updated_at_ns = ?
		 WHERE task_id = ? AND status = 'pending'`,
		now, id,
	); err != nil {
		return fmt.Errorf("cancel task items: %w", err)
	}
	return tx.Commit()
}
