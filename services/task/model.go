package task

import (
	"time"

	"gorm.io/datatypes"
)

// Registered task names.
const (
	TaskRetrySweep = "delivery_retry_sweep"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

type Task struct {
	ID          string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Name        string    `gorm:"column:name;uniqueIndex;type:varchar(100);not null" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	Schedule    string    `gorm:"column:schedule;type:varchar(50)" json:"schedule"` // interval, e.g. 5m0s
	IsActive    bool      `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Job is one execution of a task.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	TaskName    string         `gorm:"column:task_name;index;not null" json:"task_name"`
	Status      JobStatus      `gorm:"column:status;type:varchar(20);default:'pending'" json:"status"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text" json:"error_msg,omitempty"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
}

// SweepResult counts what one retry sweep did with each selected record.
// Resumed counts stale pending records taken over without spending a retry.
type SweepResult struct {
	JobID        string `json:"job_id"`
	Redispatched int    `json:"redispatched"`
	Selected     int    `json:"selected"`
	Claimed      int    `json:"claimed"`
	Resumed      int    `json:"resumed"`
	Delivered    int    `json:"delivered"`
	Failed       int    `json:"failed"`
	Errors       int    `json:"errors"`
}
