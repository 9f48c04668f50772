package chat

import (
	"context"
	"errors"

	"github.com/suPer8Hu/ollama-relay/internal/ai"
	"gorm.io/gorm"
)

// Repo is the gorm-backed storage: the SQL history backend and the job table.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Get returns the session's messages oldest first.
func (r *Repo) Get(ctx context.Context, sessionID string) ([]ai.Message, error) {
	var rows []HistoryMessage
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]ai.Message, 0, len(rows))
	for _, m := range rows {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// Append inserts msgs and trims the session to its limit most recent rows in one transaction.
func (r *Repo) Append(ctx context.Context, sessionID string, limit int, msgs ...ai.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows := make([]HistoryMessage, 0, len(msgs))
		for _, m := range msgs {
			rows = append(rows, HistoryMessage{SessionID: sessionID, Role: m.Role, Content: m.Content})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}

		// oldest id still inside the window
		var keep []uint64
		if err := tx.Model(&HistoryMessage{}).
			Where("session_id = ?", sessionID).
			Order("id DESC").
			Offset(limit-1).
			Limit(1).
			Pluck("id", &keep).Error; err != nil {
			return err
		}
		if len(keep) == 0 {
			return nil
		}
		return tx.Where("session_id = ? AND id < ?", sessionID, keep[0]).
			Delete(&HistoryMessage{}).Error
	})
}

func (r *Repo) Delete(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&HistoryMessage{}).Error
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatusRunning claims a queued job. It reports false when the job was
// not in the queued state (already claimed, finished or missing).
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RequeueJob hands a running job back to the queue, for runs cut short by shutdown.
func (r *Repo) RequeueJob(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Update("status", JobQueued).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, response string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":   JobSucceeded,
			"response": response,
			"error":    nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":   JobFailed,
			"error":    errMsg,
			"response": nil,
		}).Error
}

// IsNotFound reports whether err is gorm's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
