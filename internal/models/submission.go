package models

import (
	"time"

	"gorm.io/datatypes"
)

// Variant is one parameterization of a question inside an instance question.
type Variant struct {
	ID                 uint             `gorm:"primaryKey" json:"id"`
	InstanceQuestionID uint             `gorm:"not null;index" json:"instance_question_id"`
	QuestionID         uint             `gorm:"not null" json:"question_id"`
	Number             int              `gorm:"not null;default:1" json:"number"`
	Open               bool             `gorm:"not null" json:"open"`
	BrokenAt           *time.Time       `json:"broken_at"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	InstanceQuestion   InstanceQuestion `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// IsBroken reports whether the variant is permanently excluded from grading.
func (v Variant) IsBroken() bool {
	return v.BrokenAt != nil
}

// Submission is a single answer submitted against a variant.
type Submission struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	VariantID       uint           `gorm:"not null;index" json:"variant_id"`
	SubmittedAnswer datatypes.JSON `json:"submitted_answer"`
	Gradable        bool           `gorm:"not null" json:"gradable"`
	RawScore        *float64       `json:"raw_score"`
	GradedAt        *time.Time     `json:"graded_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Variant         Variant        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// IsGraded reports whether the submission already carries a grading result.
func (s Submission) IsGraded() bool {
	return s.GradedAt != nil
}
