package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// AssessmentInstance is one owner's attempt at an assessment.
type AssessmentInstance struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	AssessmentID        uint       `gorm:"not null;uniqueIndex:idx_assessment_instances_owner,priority:1" json:"assessment_id"`
	OwnerKey            string     `gorm:"size:64;not null;uniqueIndex:idx_assessment_instances_owner,priority:2" json:"owner_key"`
	UserID              *uint      `gorm:"index" json:"user_id"`
	GroupID             *uint      `gorm:"index" json:"group_id"`
	Number              int        `gorm:"not null;default:1" json:"number"`
	Open                bool       `gorm:"not null" json:"open"`
	GradingNeeded       bool       `gorm:"not null;default:false;index" json:"grading_needed"`
	MaxPoints           float64    `gorm:"not null;default:0" json:"max_points"`
	MaxBonusPoints      float64    `gorm:"not null;default:0" json:"max_bonus_points"`
	Points              float64    `gorm:"not null;default:0" json:"points"`
	ScorePerc           float64    `gorm:"not null;default:0" json:"score_perc"`
	Mode                string     `gorm:"size:32" json:"mode"`
	Date                time.Time  `json:"date"`
	DateLimit           *time.Time `json:"date_limit"`
	ClosedAt            *time.Time `json:"closed_at"`
	AuthUserID          *uint      `json:"auth_user_id"`
	ClientFingerprintID *uint      `json:"client_fingerprint_id"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Assessment          Assessment `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// UserOwnerKey builds the ownership key for an individual instance.
func UserOwnerKey(userID uint) string {
	return fmt.Sprintf("user:%d", userID)
}

// GroupOwnerKey builds the ownership key for a group instance.
func GroupOwnerKey(groupID uint) string {
	return fmt.Sprintf("group:%d", groupID)
}

// InstanceQuestion binds one assessment question to one assessment instance.
type InstanceQuestion struct {
	ID                    uint               `gorm:"primaryKey" json:"id"`
	AssessmentInstanceID  uint               `gorm:"not null;uniqueIndex:idx_instance_questions_pair,priority:1" json:"assessment_instance_id"`
	AssessmentQuestionID  uint               `gorm:"not null;uniqueIndex:idx_instance_questions_pair,priority:2" json:"assessment_question_id"`
	Number                int                `gorm:"not null" json:"number"`
	Open                  bool               `gorm:"not null" json:"open"`
	Points                float64            `gorm:"not null;default:0" json:"points"`
	AutoPoints            float64            `gorm:"not null;default:0" json:"auto_points"`
	ManualPoints          float64            `gorm:"not null;default:0" json:"manual_points"`
	ScorePerc             float64            `gorm:"not null;default:0" json:"score_perc"`
	RequiresManualGrading bool               `gorm:"not null;default:false" json:"requires_manual_grading"`
	Status                string             `gorm:"size:32;not null;default:unanswered" json:"status"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
	AssessmentQuestion    AssessmentQuestion `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

const (
	// InstanceQuestionStatusUnanswered marks an instance question with no graded submission.
	InstanceQuestionStatusUnanswered = "unanswered"
	// InstanceQuestionStatusGraded marks an instance question with at least one graded submission.
	InstanceQuestionStatusGraded = "graded"
)

// AssessmentStateEvent names the kind of an assessment state log entry.
type AssessmentStateEvent string

const (
	AssessmentStateOpen   AssessmentStateEvent = "open"
	AssessmentStateClose  AssessmentStateEvent = "close"
	AssessmentStateScore  AssessmentStateEvent = "score"
	AssessmentStateDelete AssessmentStateEvent = "delete"
)

// AssessmentStateLog captures auditable changes to an assessment instance.
type AssessmentStateLog struct {
	ID                   uint                 `gorm:"primaryKey" json:"id"`
	AssessmentInstanceID uint                 `gorm:"not null;index" json:"assessment_instance_id"`
	Event                AssessmentStateEvent `gorm:"size:32;not null" json:"event"`
	AuthnUserID          *uint                `json:"authn_user_id"`
	ClientFingerprintID  *uint                `json:"client_fingerprint_id"`
	Points               float64              `json:"points"`
	ScorePerc            float64              `json:"score_perc"`
	MaxPoints            float64              `json:"max_points"`
	Data                 datatypes.JSONMap    `gorm:"type:json" json:"data"`
	CreatedAt            time.Time            `json:"created_at"`
}
