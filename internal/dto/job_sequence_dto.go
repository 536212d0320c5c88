package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

// JobSequenceResponse is the public view of a job sequence.
type JobSequenceResponse struct {
	ID           uint                     `json:"id"`
	Type         string                   `json:"type"`
	Description  string                   `json:"description"`
	AssessmentID *uint                    `json:"assessment_id,omitempty"`
	Status       models.JobSequenceStatus `json:"status"`
	StartedAt    time.Time                `json:"started_at"`
	HeartbeatAt  time.Time                `json:"heartbeat_at"`
	FinishedAt   *time.Time               `json:"finished_at,omitempty"`
	Output       string                   `json:"output"`
	ErrorMessage string                   `json:"error_message,omitempty"`
}

// NewJobSequenceResponse maps a job sequence model to its response.
func NewJobSequenceResponse(job models.JobSequence) JobSequenceResponse {
	return JobSequenceResponse{
		ID:           job.ID,
		Type:         job.Type,
		Description:  job.Description,
		AssessmentID: job.AssessmentID,
		Status:       job.Status,
		StartedAt:    job.StartedAt,
		HeartbeatAt:  job.HeartbeatAt,
		FinishedAt:   job.FinishedAt,
		Output:       job.Output,
		ErrorMessage: job.ErrorMessage,
	}
}

// StateLogListRequest pages through an instance's state log.
type StateLogListRequest struct {
	Page     int    `query:"page" validate:"omitempty,min=1"`
	PageSize int    `query:"page_size" validate:"omitempty,min=1,max=200"`
	Event    string `query:"event" validate:"omitempty,oneof=open close score delete"`
}

// StateLogResponse is one audit entry of an instance.
type StateLogResponse struct {
	ID          uint                   `json:"id"`
	Event       string                 `json:"event"`
	AuthnUserID *uint                  `json:"authn_user_id,omitempty"`
	Points      float64                `json:"points"`
	ScorePerc   float64                `json:"score_perc"`
	MaxPoints   float64                `json:"max_points"`
	Data        map[string]interface{} `json:"data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// StateLogListResponse wraps a page of state log entries.
type StateLogListResponse struct {
	Items      []StateLogResponse `json:"items"`
	Pagination PaginationMeta     `json:"pagination"`
}

// NewStateLogResponse maps a state log model to its response.
func NewStateLogResponse(entry models.AssessmentStateLog) StateLogResponse {
	return StateLogResponse{
		ID:          entry.ID,
		Event:       string(entry.Event),
		AuthnUserID: entry.AuthnUserID,
		Points:      entry.Points,
		ScorePerc:   entry.ScorePerc,
		MaxPoints:   entry.MaxPoints,
		Data:        entry.Data,
		CreatedAt:   entry.CreatedAt,
	}
}
