package service

import "errors"

var (
	// ErrNotOpen indicates the assessment instance no longer accepts work.
	ErrNotOpen = errors.New("assessment instance is not open")
	// ErrNotInGroup indicates the user has no group for a group assessment.
	ErrNotInGroup = errors.New("user is not a member of a group for this assessment")
	// ErrAccessDenied indicates the caller may not act on the instance.
	ErrAccessDenied = errors.New("access denied")
	// ErrInstanceNotFound indicates the assessment instance does not exist.
	ErrInstanceNotFound = errors.New("assessment instance not found")
	// ErrAssessmentNotFound indicates the assessment does not exist.
	ErrAssessmentNotFound = errors.New("assessment not found")
	// ErrInstanceNotInAssessment indicates the instance belongs to another assessment.
	ErrInstanceNotInAssessment = errors.New("assessment instance does not belong to assessment")
	// ErrGradeRateLimited indicates the question was graded too recently.
	ErrGradeRateLimited = errors.New("grade rate limit exceeded")
	// ErrRealTimeGradingDisabled indicates the assessment only grades on finish.
	ErrRealTimeGradingDisabled = errors.New("real-time grading is disabled for this assessment")
)
