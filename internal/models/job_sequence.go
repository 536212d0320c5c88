package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobSequenceStatus is the lifecycle state of a background job sequence.
type JobSequenceStatus string

const (
	JobSequenceStatusRunning JobSequenceStatus = "Running"
	JobSequenceStatusSuccess JobSequenceStatus = "Success"
	JobSequenceStatusError   JobSequenceStatus = "Error"
)

// JobSequence is the durable log of a long-running operation.
type JobSequence struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	Type         string            `gorm:"size:64;not null;index" json:"type"`
	Description  string            `gorm:"size:512" json:"description"`
	AssessmentID *uint             `gorm:"index" json:"assessment_id"`
	UserID       *uint             `json:"user_id"`
	AuthnUserID  *uint             `json:"authn_user_id"`
	Status       JobSequenceStatus `gorm:"size:16;not null;index" json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	HeartbeatAt  time.Time         `gorm:"index" json:"heartbeat_at"`
	FinishedAt   *time.Time        `json:"finished_at"`
	Output       string            `gorm:"type:text" json:"output"`
	ErrorMessage string            `gorm:"type:text" json:"error_message"`
	Metadata     datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// IsFinished reports whether the sequence reached a terminal status.
func (j JobSequence) IsFinished() bool {
	return j.Status == JobSequenceStatusSuccess || j.Status == JobSequenceStatusError
}
