package models

import "time"

// User represents a person who can own or grade assessment instances.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UID       string    `gorm:"size:255;uniqueIndex;not null" json:"uid"`
	Name      string    `gorm:"size:255" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Group is a team of users working together on one assessment.
type Group struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	AssessmentID uint        `gorm:"not null;index" json:"assessment_id"`
	Name         string      `gorm:"size:255;not null" json:"name"`
	CreatedAt    time.Time   `json:"created_at"`
	Members      []GroupUser `json:"members,omitempty"`
}

// TableName avoids the GROUPS keyword some SQL dialects reserve.
func (Group) TableName() string {
	return "assessment_groups"
}

// GroupUser binds a user to a group.
type GroupUser struct {
	GroupID uint `gorm:"primaryKey;autoIncrement:false" json:"group_id"`
	UserID  uint `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
}

// ClientFingerprint identifies the requesting browser session for audit correlation.
type ClientFingerprint struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;index" json:"user_id"`
	IPAddress      string    `gorm:"size:64" json:"ip_address"`
	UserAgent      string    `gorm:"size:512" json:"user_agent"`
	AcceptLanguage string    `gorm:"size:255" json:"accept_language"`
	CreatedAt      time.Time `json:"created_at"`
}
