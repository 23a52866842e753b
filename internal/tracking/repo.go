package tracking

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/jobtracker/internal/status"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) AutoMigrate() error {
	return r.db.AutoMigrate(&TrackedJob{})
}

func (r *Repo) CreateJob(ctx context.Context, j *TrackedJob) error {
	return r.db.WithContext(ctx).Create(j).Error
}

func (r *Repo) GetJob(ctx context.Context, id string) (*TrackedJob, error) {
	var j TrackedJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// OwnedKinds returns the kind of every job in ids that belongs to userID,
// keyed by job id. Unknown and foreign ids are absent.
func (r *Repo) OwnedKinds(ctx context.Context, userID uint64, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []TrackedJob
	if err := r.db.WithContext(ctx).
		Select("id", "kind").
		Where("user_id = ? AND id IN ?", userID, ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, j := range rows {
		out[j.ID] = j.Kind
	}
	return out, nil
}

// ListUserJobs returns a user's jobs, newest first.
func (r *Repo) ListUserJobs(ctx context.Context, userID uint64, limit int) ([]TrackedJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var jobs []TrackedJob
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListActive returns jobs whose last known state is not terminal and whose
// polling did not end, oldest first.
func (r *Repo) ListActive(ctx context.Context, limit int) ([]TrackedJob, error) {
	if limit <= 0 {
		limit = 500
	}
	var jobs []TrackedJob
	if err := r.db.WithContext(ctx).
		Where("state IN ?", []string{string(status.StatePending), string(status.StateProcessing)}).
		Where("outcome IN ?", []string{"", "polling"}).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateStatus copies a cache record onto the row. Terminal rows are left
// alone, mirroring the cache's freeze rule.
func (r *Repo) UpdateStatus(ctx context.Context, st status.JobStatus) error {
	return r.db.WithContext(ctx).Model(&TrackedJob{}).
		Where("id = ? AND state NOT IN ?", st.JobID, terminalStates()).
		Updates(map[string]any{
			"state":    string(st.State),
			"progress": st.Progress,
			"message":  st.Message,
			"result":   string(st.Result),
		}).Error
}

func (r *Repo) MarkOutcome(ctx context.Context, id, outcome string) error {
	updates := map[string]any{"outcome": outcome}
	if outcome != "polling" {
		now := time.Now().UTC()
		updates["finished_at"] = &now
	} else {
		updates["finished_at"] = nil
	}
	return r.db.WithContext(ctx).Model(&TrackedJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func terminalStates() []string {
	return []string{string(status.StateCompleted), string(status.StateFailed), string(status.StateCancelled)}
}
