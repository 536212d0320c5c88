package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

func TestScoreServiceManualEditsClamp(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeHomework, "hw1")
	require.NoError(t, e.db.Model(&models.Assessment{}).Where("id = ?", assessment.ID).Update("max_bonus_points", 5).Error)
	user := seedUser(t, e.db, "amy")
	id := e.createInstance(t, assessment.ID, user.ID)

	instance := e.instance(t, id)
	require.InDelta(t, 20, instance.MaxPoints, 1e-9)
	require.InDelta(t, 5, instance.MaxBonusPoints, 1e-9)

	cases := []struct {
		name      string
		perc      bool
		value     float64
		points    float64
		scorePerc float64
	}{
		{name: "above max plus bonus", value: 100, points: 25, scorePerc: 125},
		{name: "negative", value: -3, points: 0, scorePerc: 0},
		{name: "within range", value: 12, points: 12, scorePerc: 60},
		{name: "percentage", perc: true, value: 50, points: 10, scorePerc: 50},
		{name: "percentage above bonus", perc: true, value: 200, points: 25, scorePerc: 125},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := ScoreEditParams{AssessmentID: assessment.ID, InstanceID: id, Value: tc.value}
			var (
				updated models.AssessmentInstance
				err     error
			)
			if tc.perc {
				updated, err = e.scores.SetScorePerc(context.Background(), params)
			} else {
				updated, err = e.scores.SetPoints(context.Background(), params)
			}
			require.NoError(t, err)
			require.InDelta(t, tc.points, updated.Points, 1e-9)
			require.InDelta(t, tc.scorePerc, updated.ScorePerc, 1e-9)

			stored := e.instance(t, id)
			require.InDelta(t, tc.points, stored.Points, 1e-9)
			require.InDelta(t, tc.scorePerc, stored.ScorePerc, 1e-9)
		})
	}

	require.Equal(t, len(cases), e.reporter.countFor(id))

	var logs []models.AssessmentStateLog
	require.NoError(t, e.db.Where("assessment_instance_id = ? AND event = ?", id, models.AssessmentStateScore).Order("id ASC").Find(&logs).Error)
	require.NotEmpty(t, logs)
	require.Equal(t, "score_perc", logs[len(logs)-1].Data["manual"])
}

func TestScoreServiceManualEditChecksOwnership(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeHomework, "hw2")
	other := seedAssessment(t, e.db, models.AssessmentTypeHomework, "hw3")
	user := seedUser(t, e.db, "amy")
	id := e.createInstance(t, assessment.ID, user.ID)

	_, err := e.scores.SetPoints(context.Background(), ScoreEditParams{AssessmentID: other.ID, InstanceID: id, Value: 5})
	require.ErrorIs(t, err, ErrInstanceNotInAssessment)

	_, err = e.scores.SetPoints(context.Background(), ScoreEditParams{AssessmentID: assessment.ID, InstanceID: 9999, Value: 5})
	require.ErrorIs(t, err, ErrInstanceNotFound)

	require.Zero(t, e.instance(t, id).Points)
	require.Zero(t, e.reporter.countFor(id))
}

func TestScoreServiceRefreshAppliesZonePolicies(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeHomework, "hw4")
	require.NoError(t, e.db.Model(&models.Zone{}).Where("id = ?", assessment.Zone.ID).Updates(map[string]interface{}{
		"number_choose":  1,
		"best_questions": 1,
	}).Error)
	user := seedUser(t, e.db, "amy")
	id := e.createInstance(t, assessment.ID, user.ID)
	require.InDelta(t, 10, e.instance(t, id).MaxPoints, 1e-9)

	rows, err := e.questions.ListByInstance(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, e.questions.UpdateFields(context.Background(), rows[0].ID, map[string]interface{}{"points": 4}))
	require.NoError(t, e.questions.UpdateFields(context.Background(), rows[1].ID, map[string]interface{}{"points": 7}))

	var changed bool
	require.NoError(t, e.db.Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = e.scores.Refresh(context.Background(), tx, id, nil, true)
		return err
	}))
	require.True(t, changed)

	instance := e.instance(t, id)
	require.InDelta(t, 7, instance.Points, 1e-9)
	require.InDelta(t, 70, instance.ScorePerc, 1e-9)

	logs := countStateLogs(t, e.db, id, models.AssessmentStateScore)
	require.NoError(t, e.db.Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = e.scores.Refresh(context.Background(), tx, id, nil, true)
		return err
	}))
	require.False(t, changed)
	require.Equal(t, logs, countStateLogs(t, e.db, id, models.AssessmentStateScore))

	require.NoError(t, e.db.Transaction(func(tx *gorm.DB) error {
		_, err := e.scores.Refresh(context.Background(), tx, id, nil, false)
		return err
	}))
	require.Equal(t, logs+1, countStateLogs(t, e.db, id, models.AssessmentStateScore))
}

func TestScoreServiceIgnoresDeletedAssessmentQuestions(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	assessment := seedAssessment(t, e.db, models.AssessmentTypeHomework, "hw5")
	user := seedUser(t, e.db, "amy")
	id := e.createInstance(t, assessment.ID, user.ID)
	submit(t, e.db, id, assessment.Questions[0].ID, 1)
	submit(t, e.db, id, assessment.Questions[1].ID, 1)

	_, err := e.grading.GradeInstance(context.Background(), GradeInstanceParams{InstanceID: id})
	require.NoError(t, err)
	require.InDelta(t, 20, e.instance(t, id).Points, 1e-9)

	require.NoError(t, e.db.Delete(&models.AssessmentQuestion{}, assessment.Questions[1].ID).Error)

	result, err := e.regrade.RegradeInstance(context.Background(), id, nil)
	require.NoError(t, err)
	require.True(t, result.Updated)

	instance := e.instance(t, id)
	require.InDelta(t, 10, instance.MaxPoints, 1e-9)
	require.InDelta(t, 10, instance.Points, 1e-9)
	require.InDelta(t, 100, instance.ScorePerc, 1e-9)
}
