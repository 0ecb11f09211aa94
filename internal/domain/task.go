package domain

import "time"

// TaskState is the lifecycle state of a queued task.
type TaskState string

const (
	TaskPending         TaskState = "pending"
	TaskRunning         TaskState = "running"
	TaskSucceeded       TaskState = "succeeded"
	TaskFailedRetryable TaskState = "failed_retryable"
	TaskFailedTerminal  TaskState = "failed_terminal"
)

// Terminal reports whether no further delivery will happen.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailedTerminal
}

// Task wraps one validated InboundEvent for at-least-once execution.
//
// A task is leased by a worker (LeaseOwner, LeaseExpiresAt) and each lease
// increments Attempts. Once Attempts reaches MaxAttempts and the run fails,
// the task becomes failed_terminal and is never redelivered.
type Task struct {
	ID             string     `json:"id"               gorm:"size:36;primaryKey"`
	EventID        string     `json:"event_id"         gorm:"size:255;not null;index"`
	GroupID        string     `json:"group_id"         gorm:"size:128;not null;index"`
	Payload        []byte     `json:"-"                gorm:"not null"`
	State          TaskState  `json:"state"            gorm:"size:32;not null;index:idx_tasks_due,priority:1"`
	Attempts       int        `json:"attempts"         gorm:"not null;default:0"`
	MaxAttempts    int        `json:"max_attempts"     gorm:"not null"`
	ScheduledAt    time.Time  `json:"scheduled_at"     gorm:"not null;index:idx_tasks_due,priority:2"`
	LeaseOwner     string     `json:"lease_owner"      gorm:"size:64"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at" gorm:"index"`
	LastError      string     `json:"last_error"       gorm:"type:text"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Task.
func (Task) TableName() string { return "tasks" }
