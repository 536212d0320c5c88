package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

// CreateInstanceRequest starts (or resumes) the caller's assessment instance.
type CreateInstanceRequest struct {
	Mode         string `json:"mode" validate:"omitempty,max=32"`
	TimeLimitMin *int   `json:"time_limit_min" validate:"omitempty,min=1,max=10080"`
}

// CreateInstanceResponse returns the id of the caller's instance.
type CreateInstanceResponse struct {
	AssessmentInstanceID uint `json:"assessment_instance_id"`
}

// SetPointsRequest overrides the total points of an instance.
type SetPointsRequest struct {
	Points *float64 `json:"points" validate:"required"`
}

// SetScorePercRequest overrides the score percentage of an instance.
type SetScorePercRequest struct {
	ScorePerc *float64 `json:"score_perc" validate:"required"`
}

// InstanceResponse is the public view of an assessment instance.
type InstanceResponse struct {
	ID             uint       `json:"id"`
	AssessmentID   uint       `json:"assessment_id"`
	UserID         *uint      `json:"user_id,omitempty"`
	GroupID        *uint      `json:"group_id,omitempty"`
	Number         int        `json:"number"`
	Open           bool       `json:"open"`
	GradingNeeded  bool       `json:"grading_needed"`
	Points         float64    `json:"points"`
	ScorePerc      float64    `json:"score_perc"`
	MaxPoints      float64    `json:"max_points"`
	MaxBonusPoints float64    `json:"max_bonus_points"`
	DateLimit      *time.Time `json:"date_limit,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// NewInstanceResponse maps an instance model to its response.
func NewInstanceResponse(instance models.AssessmentInstance) InstanceResponse {
	return InstanceResponse{
		ID:             instance.ID,
		AssessmentID:   instance.AssessmentID,
		UserID:         instance.UserID,
		GroupID:        instance.GroupID,
		Number:         instance.Number,
		Open:           instance.Open,
		GradingNeeded:  instance.GradingNeeded,
		Points:         instance.Points,
		ScorePerc:      instance.ScorePerc,
		MaxPoints:      instance.MaxPoints,
		MaxBonusPoints: instance.MaxBonusPoints,
		DateLimit:      instance.DateLimit,
		ClosedAt:       instance.ClosedAt,
	}
}

// GradeResponse summarises a synchronous grading request.
type GradeResponse struct {
	AssessmentInstanceID uint     `json:"assessment_instance_id"`
	Closed               bool     `json:"closed"`
	VariantsGraded       int      `json:"variants_graded"`
	VariantsSkipped      int      `json:"variants_skipped"`
	Failures             []string `json:"failures,omitempty"`
}

// RegradeResponse reports what a single-instance regrade changed.
type RegradeResponse struct {
	Updated             bool     `json:"updated"`
	UpdatedQuestionQIDs []string `json:"updated_question_qids"`
	OldScorePerc        float64  `json:"old_score_perc"`
	NewScorePerc        float64  `json:"new_score_perc"`
}

// GradeAllRequest tunes a grade-all job.
type GradeAllRequest struct {
	Close                         bool `json:"close"`
	IgnoreGradeRateLimit          bool `json:"ignore_grade_rate_limit"`
	IgnoreRealTimeGradingDisabled bool `json:"ignore_real_time_grading_disabled"`
}

// JobStartedResponse returns the id of a background job sequence.
type JobStartedResponse struct {
	JobSequenceID uint `json:"job_sequence_id"`
}

// DeleteAllResponse reports how many instances were removed.
type DeleteAllResponse struct {
	Deleted int `json:"deleted"`
}
