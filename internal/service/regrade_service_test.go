package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-engine/internal/config"
	"github.com/noah-isme/gema-grading-engine/internal/models"
)

func gradedInstance(t *testing.T, e *testEngine, assessment seededAssessment, uid string, scores ...float64) uint {
	t.Helper()
	user := seedUser(t, e.db, uid)
	id := e.createInstance(t, assessment.ID, user.ID)
	for i, score := range scores {
		submit(t, e.db, id, assessment.Questions[i].ID, score)
	}
	_, err := e.grading.GradeInstance(context.Background(), GradeInstanceParams{InstanceID: id})
	require.NoError(t, err)
	return id
}

func TestRegradeInstanceReportsChangedQuestions(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeHomework, "hw1")
	id := gradedInstance(t, e, assessment, "amy", 0.5, 1)
	require.InDelta(t, 75, e.instance(t, id).ScorePerc, 1e-9)

	require.NoError(t, e.db.Model(&models.AssessmentQuestion{}).Where("id = ?", assessment.Questions[0].ID).Update("max_points", 20).Error)
	reportsBefore := e.reporter.countFor(id)

	result, err := e.regrade.RegradeInstance(context.Background(), id, nil)
	require.NoError(t, err)
	require.True(t, result.Updated)
	require.Equal(t, []string{"hw1-q1"}, result.UpdatedQuestionQIDs)
	require.InDelta(t, 75, result.OldScorePerc, 1e-9)
	require.InDelta(t, 20.0/30.0*100, result.NewScorePerc, 1e-6)
	require.Equal(t, reportsBefore+1, e.reporter.countFor(id))

	instance := e.instance(t, id)
	require.InDelta(t, 30, instance.MaxPoints, 1e-9)
	require.InDelta(t, 20, instance.Points, 1e-9)

	again, err := e.regrade.RegradeInstance(context.Background(), id, nil)
	require.NoError(t, err)
	require.False(t, again.Updated)
	require.Empty(t, again.UpdatedQuestionQIDs)
	require.InDelta(t, result.NewScorePerc, again.OldScorePerc, 1e-9)
	require.InDelta(t, result.NewScorePerc, again.NewScorePerc, 1e-9)
}

func TestRegradeInstanceLeavesExamQuestionSetAlone(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeExam, "exam1")
	id := gradedInstance(t, e, assessment, "amy", 1)

	addAssessmentQuestion(t, e.db, assessment, "exam1-q3", 3, 10)

	result, err := e.regrade.RegradeInstance(context.Background(), id, nil)
	require.NoError(t, err)
	require.False(t, result.Updated)

	rows, err := e.questions.ListByInstance(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.InDelta(t, 20, e.instance(t, id).MaxPoints, 1e-9)

	_, err = e.regrade.RegradeInstance(context.Background(), 9999, nil)
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestRegradeInstanceCatchesUpHomework(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeHomework, "hw2")
	id := gradedInstance(t, e, assessment, "amy", 1, 1)

	addAssessmentQuestion(t, e.db, assessment, "hw2-q3", 3, 20)

	result, err := e.regrade.RegradeInstance(context.Background(), id, nil)
	require.NoError(t, err)
	require.True(t, result.Updated)
	require.Empty(t, result.UpdatedQuestionQIDs)
	require.InDelta(t, 100, result.OldScorePerc, 1e-9)
	require.InDelta(t, 50, result.NewScorePerc, 1e-9)

	rows, err := e.questions.ListByInstance(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestRegradeAllLogsAndSummarises(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	cfg.RegradeLogBatch = 2
	e := newTestEngine(t, engineOptions{cfg: &cfg})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeHomework, "hw3")
	for i := 1; i <= 3; i++ {
		gradedInstance(t, e, assessment, fmt.Sprintf("student%d", i), 1)
	}
	require.NoError(t, e.db.Model(&models.AssessmentQuestion{}).Where("id = ?", assessment.Questions[0].ID).Update("max_points", 5).Error)

	jobID, err := e.regrade.RegradeAll(context.Background(), assessment.ID, nil, nil)
	require.NoError(t, err)
	e.waitJobs(t)

	job := e.job(t, jobID)
	require.Equal(t, JobTypeRegradeAll, job.Type)
	require.Equal(t, models.JobSequenceStatusSuccess, job.Status)
	require.Contains(t, job.Output, "Regrading 3 assessment instances for HW3")
	require.Contains(t, job.Output, "Regraded assessment instance #1 for student1")
	require.Contains(t, job.Output, "questions updated: hw3-q1")
	require.Contains(t, job.Output, "Regrading complete: 3 instances, 3 updated, 0 errors")
}

func TestRegradeAllFailsWhenAnInstanceFails(t *testing.T) {
	base := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, base.db, models.AssessmentTypeHomework, "hw4")
	first := gradedInstance(t, base, assessment, "student1", 1)
	gradedInstance(t, base, assessment, "student2", 0.5)

	e := newTestEngineWithOptions(t, base, engineOptions{failLocks: map[uint]bool{first: true}})

	jobID, err := e.regrade.RegradeAll(context.Background(), assessment.ID, nil, nil)
	require.NoError(t, err)
	e.waitJobs(t)

	job := e.job(t, jobID)
	require.Equal(t, models.JobSequenceStatusError, job.Status)
	require.Contains(t, job.Output, "ERROR regrading assessment instance #1 for student1")
	require.Contains(t, job.Output, "No changes for assessment instance #1 for student2")
	require.Contains(t, job.Output, "Regrading complete: 2 instances, 0 updated, 1 errors")

	_, err = e.regrade.RegradeAll(context.Background(), 9999, nil, nil)
	require.ErrorIs(t, err, ErrAssessmentNotFound)
}
