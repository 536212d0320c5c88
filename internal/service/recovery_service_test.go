package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

func backdate(t *testing.T, e *testEngine, instanceID uint, columns map[string]interface{}) {
	t.Helper()
	require.NoError(t, e.db.Model(&models.AssessmentInstance{}).Where("id = ?", instanceID).UpdateColumns(columns).Error)
}

func TestRecoveryResumesInterruptedCloseAndGrade(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeExam, "exam1")
	user := seedUser(t, e.db, "amy")
	id := e.createInstance(t, assessment.ID, user.ID)
	submit(t, e.db, id, assessment.Questions[0].ID, 1)

	// State left behind when the process died right after the close commit.
	closedAt := time.Now().UTC().Add(-time.Hour)
	backdate(t, e, id, map[string]interface{}{
		"open":           false,
		"grading_needed": true,
		"closed_at":      closedAt,
		"updated_at":     closedAt,
	})

	summary, err := e.recovery.RunPeriodic(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepSummary{Found: 1, Graded: 1}, summary)

	instance := e.instance(t, id)
	require.False(t, instance.Open)
	require.False(t, instance.GradingNeeded)
	require.InDelta(t, 10, instance.Points, 1e-9)
	require.Zero(t, countStateLogs(t, e.db, id, models.AssessmentStateClose))

	summary, err = e.recovery.RunPeriodic(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Found)
}

func TestRecoveryWaitsForGradingNeededGrace(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeExam, "exam2")
	user := seedUser(t, e.db, "amy")
	id := e.createInstance(t, assessment.ID, user.ID)
	backdate(t, e, id, map[string]interface{}{"open": false, "grading_needed": true})

	summary, err := e.recovery.RunPeriodic(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Found)
	require.True(t, e.instance(t, id).GradingNeeded)
}

func TestRecoveryClosesExpiredExams(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	exam := seedAssessment(t, e.db, models.AssessmentTypeExam, "exam3")
	homework := seedAssessment(t, e.db, models.AssessmentTypeHomework, "hw1")
	amy := seedUser(t, e.db, "amy")
	bob := seedUser(t, e.db, "bob")
	cat := seedUser(t, e.db, "cat")
	dan := seedUser(t, e.db, "dan")

	limit := 30
	expired, err := e.lifecycle.Create(context.Background(), CreateInstanceParams{
		AssessmentID: exam.ID,
		UserID:       amy.ID,
		TimeLimitMin: &limit,
		Date:         time.Now().UTC().Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	submit(t, e.db, expired, exam.Questions[1].ID, 0.5)

	active := e.createInstance(t, exam.ID, bob.ID)

	idle := e.createInstance(t, exam.ID, cat.ID)
	backdate(t, e, idle, map[string]interface{}{"updated_at": time.Now().UTC().Add(-7 * time.Hour)})

	stale := e.createInstance(t, homework.ID, dan.ID)
	backdate(t, e, stale, map[string]interface{}{"updated_at": time.Now().UTC().Add(-7 * time.Hour)})

	summary, err := e.recovery.RunPeriodic(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepSummary{Found: 2, Closed: 2, Graded: 2}, summary)

	closed := e.instance(t, expired)
	require.False(t, closed.Open)
	require.False(t, closed.GradingNeeded)
	require.NotNil(t, closed.ClosedAt)
	require.InDelta(t, 5, closed.Points, 1e-9)
	require.Equal(t, int64(1), countStateLogs(t, e.db, expired, models.AssessmentStateClose))

	require.False(t, e.instance(t, idle).Open)
	require.True(t, e.instance(t, active).Open)
	require.True(t, e.instance(t, stale).Open)
}

func TestRecoveryErrorsAbandonedJobs(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	now := time.Now().UTC()

	stale := models.JobSequence{Type: JobTypeGradeAll, Status: models.JobSequenceStatusRunning, StartedAt: now.Add(-time.Hour), HeartbeatAt: now.Add(-time.Hour)}
	fresh := models.JobSequence{Type: JobTypeGradeAll, Status: models.JobSequenceStatusRunning, StartedAt: now, HeartbeatAt: now}
	finishedAt := now.Add(-time.Hour)
	done := models.JobSequence{Type: JobTypeRegradeAll, Status: models.JobSequenceStatusSuccess, StartedAt: now.Add(-2 * time.Hour), HeartbeatAt: now.Add(-2 * time.Hour), FinishedAt: &finishedAt}
	for _, job := range []*models.JobSequence{&stale, &fresh, &done} {
		require.NoError(t, e.jobRepo.Create(context.Background(), job))
	}

	affected, err := e.recovery.ErrorAbandonedJobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	require.Equal(t, models.JobSequenceStatusError, e.job(t, stale.ID).Status)
	require.Equal(t, models.JobSequenceStatusRunning, e.job(t, fresh.ID).Status)
	require.Equal(t, models.JobSequenceStatusSuccess, e.job(t, done.ID).Status)
}
