package tracking

import (
	"time"
)

// TrackedJob is the persisted view of a job this service created or
// tracked. The gateway owns the job itself; this row lets the service
// resume polling after a restart and answer "my jobs" queries.
type TrackedJob struct {
	ID     string `gorm:"primaryKey;size:128"`
	Kind   string `gorm:"type:varchar(16);index;not null"`
	UserID uint64 `gorm:"index;not null"`

	SiteID  string `gorm:"type:varchar(64)"`
	StockID string `gorm:"type:varchar(128)"`
	Prompt  string `gorm:"type:text"`

	State    string `gorm:"type:varchar(16);index;not null"`
	Progress int    `gorm:"not null;default:0"`
	Message  string `gorm:"type:text"`
	Result   string `gorm:"type:text"`

	// Outcome of the last poll session: polling, succeeded, failed,
	// cancelled or timed-out.
	Outcome string `gorm:"type:varchar(16);index"`

	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (TrackedJob) TableName() string { return "tracked_jobs" }
