package models

import (
	"time"

	"gorm.io/gorm"
)

// AssessmentType distinguishes homework from exams.
type AssessmentType string

const (
	// AssessmentTypeHomework assessments gain questions as the course evolves.
	AssessmentTypeHomework AssessmentType = "Homework"
	// AssessmentTypeExam assessments have a question set fixed at instance creation.
	AssessmentTypeExam AssessmentType = "Exam"
)

// Assessment is the definition students create instances of.
type Assessment struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	TID                  string         `gorm:"column:tid;size:255;not null" json:"tid"`
	Title                string         `gorm:"size:255" json:"title"`
	Label                string         `gorm:"size:64;not null" json:"label"`
	Type                 AssessmentType `gorm:"size:32;not null" json:"type"`
	GroupWork            bool           `gorm:"not null;default:false" json:"group_work"`
	AllowRealTimeGrading bool           `gorm:"not null" json:"allow_real_time_grading"`
	AutoClose            bool           `gorm:"not null" json:"auto_close"`
	MaxPoints            *float64       `json:"max_points"`
	MaxBonusPoints       *float64       `json:"max_bonus_points"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	Zones                []Zone         `json:"zones,omitempty"`
}

// IsHomework reports whether the assessment accepts catch-up of new questions.
func (a Assessment) IsHomework() bool {
	return a.Type == AssessmentTypeHomework
}

// Zone groups assessment questions under one aggregation policy.
type Zone struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AssessmentID  uint      `gorm:"not null;index" json:"assessment_id"`
	Number        int       `gorm:"not null" json:"number"`
	Title         string    `gorm:"size:255" json:"title"`
	NumberChoose  *int      `json:"number_choose"`
	BestQuestions *int      `json:"best_questions"`
	MaxPoints     *float64  `json:"max_points"`
	CreatedAt     time.Time `json:"created_at"`
}

// Question is the content a variant is generated from.
type Question struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	QID              string    `gorm:"column:qid;size:255;uniqueIndex;not null" json:"qid"`
	Title            string    `gorm:"size:255" json:"title"`
	GradeRateMinutes *float64  `json:"grade_rate_minutes"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AssessmentQuestion places a question into an assessment zone with point values.
type AssessmentQuestion struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	AssessmentID    uint           `gorm:"not null;index" json:"assessment_id"`
	ZoneID          uint           `gorm:"not null;index" json:"zone_id"`
	QuestionID      uint           `gorm:"not null" json:"question_id"`
	Number          int            `gorm:"not null" json:"number"`
	MaxPoints       float64        `gorm:"not null;default:0" json:"max_points"`
	MaxAutoPoints   float64        `gorm:"not null;default:0" json:"max_auto_points"`
	MaxManualPoints float64        `gorm:"not null;default:0" json:"max_manual_points"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	Question        Question       `json:"question"`
	Zone            Zone           `json:"zone"`
}
