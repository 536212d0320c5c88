package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/config"
	"github.com/noah-isme/gema-grading-engine/internal/database"
	"github.com/noah-isme/gema-grading-engine/internal/handler"
	"github.com/noah-isme/gema-grading-engine/internal/jobs"
	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
	"github.com/noah-isme/gema-grading-engine/internal/router"
	"github.com/noah-isme/gema-grading-engine/internal/service"
)

type gradingApp struct {
	app    *fiber.App
	db     *gorm.DB
	runner *jobs.Runner
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Message string          `json:"message"`
}

func setupGradingApp(t *testing.T, probes map[string]handler.HealthProbe) *gradingApp {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:http_%s?mode=memory&cache=shared", name)), database.Config())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)
	cfg := config.DefaultEngineConfig()
	cfg.JobHeartbeatInterval = time.Hour

	assessmentRepo := repository.NewAssessmentRepository(db)
	instanceRepo := repository.NewAssessmentInstanceRepository(db)
	questionRepo := repository.NewInstanceQuestionRepository(db)
	variantRepo := repository.NewVariantRepository(db)
	jobRepo := repository.NewJobSequenceRepository(db)

	reporter := service.NewLogOutcomeReporter(logger)
	stateLogs := service.NewStateLogService(repository.NewAssessmentStateLogRepository(db), validate, logger)
	runner := jobs.NewRunner(jobRepo, jobs.NewBroker(), cfg.JobHeartbeatInterval, logger)

	scores := service.NewScoreService(db, assessmentRepo, instanceRepo, questionRepo, stateLogs, reporter, logger)
	lifecycle := service.NewLifecycleService(db, assessmentRepo, instanceRepo, questionRepo, scores, stateLogs, reporter, logger)
	grader := service.NewVariantGrader(db, assessmentRepo, instanceRepo, questionRepo, variantRepo, scores, service.PayloadScorer(), nil, false, logger)
	grading := service.NewGradingService(db, assessmentRepo, instanceRepo, variantRepo, grader, stateLogs, reporter, runner, cfg, logger)
	regrade := service.NewRegradeService(db, assessmentRepo, instanceRepo, questionRepo, variantRepo, scores, reporter, runner, cfg, logger)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", AppEnv: "test", JWTSecret: "secret"}, router.Dependencies{
		InstanceHandler:    handler.NewInstanceHandler(lifecycle, grading, stateLogs, validate, 1000, logger),
		AssessmentHandler:  handler.NewAssessmentHandler(lifecycle, grading, regrade, scores, validate, logger),
		JobSequenceHandler: handler.NewJobSequenceHandler(jobRepo, runner.Broker(), logger),
		HealthProbes:       probes,
		JWTMiddleware: func(c *fiber.Ctx) error {
			if raw := c.Get("X-Test-User"); raw != "" {
				id, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					return fiber.ErrUnauthorized
				}
				c.Locals("user_id", uint(id))
				c.Locals("authn_user_id", uint(id))
			}
			if role := c.Get("X-Test-Role"); role != "" {
				c.Locals("user_role", role)
			}
			return c.Next()
		},
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Wait(ctx)
	})

	return &gradingApp{app: app, db: db, runner: runner}
}

type caller struct {
	id   uint
	role string
}

func (g *gradingApp) do(t *testing.T, who caller, method, path string, body interface{}) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if who.id != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(who.id), 10))
	}
	if who.role != "" {
		req.Header.Set("X-Test-Role", who.role)
	}

	resp, err := g.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp.StatusCode, decoded
}

func (g *gradingApp) waitJobs(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, g.runner.Wait(ctx))
}

func decodeData(t *testing.T, body envelope, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(body.Data, target))
}

type seeded struct {
	assessment models.Assessment
	questions  []models.AssessmentQuestion
}

func seedExam(t *testing.T, db *gorm.DB, tid string) seeded {
	t.Helper()
	assessment := models.Assessment{TID: tid, Label: strings.ToUpper(tid), Type: models.AssessmentTypeExam, AutoClose: true, AllowRealTimeGrading: true}
	require.NoError(t, db.Omit("Zones").Create(&assessment).Error)
	zone := models.Zone{AssessmentID: assessment.ID, Number: 1}
	require.NoError(t, db.Create(&zone).Error)

	result := seeded{assessment: assessment}
	for i := 1; i <= 2; i++ {
		question := models.Question{QID: fmt.Sprintf("%s-q%d", tid, i)}
		require.NoError(t, db.Create(&question).Error)
		aq := models.AssessmentQuestion{AssessmentID: assessment.ID, ZoneID: zone.ID, QuestionID: question.ID, Number: i, MaxPoints: 10}
		require.NoError(t, db.Omit("Question", "Zone").Create(&aq).Error)
		result.questions = append(result.questions, aq)
	}
	return result
}

func seedStudent(t *testing.T, db *gorm.DB, uid string) caller {
	t.Helper()
	user := models.User{UID: uid, Name: uid}
	require.NoError(t, db.Create(&user).Error)
	return caller{id: user.ID, role: "student"}
}

func submitAnswer(t *testing.T, db *gorm.DB, instanceID, assessmentQuestionID uint, score float64) {
	t.Helper()
	var variant models.Variant
	require.NoError(t, db.
		Joins("JOIN instance_questions ON instance_questions.id = variants.instance_question_id").
		Where("instance_questions.assessment_instance_id = ? AND instance_questions.assessment_question_id = ?", instanceID, assessmentQuestionID).
		Select("variants.*").
		First(&variant).Error)
	submission := models.Submission{
		VariantID:       variant.ID,
		SubmittedAnswer: datatypes.JSON(fmt.Sprintf(`{"_score":%g}`, score)),
		Gradable:        true,
	}
	require.NoError(t, db.Omit("Variant").Create(&submission).Error)
}

func (g *gradingApp) startInstance(t *testing.T, who caller, assessmentID uint) uint {
	t.Helper()
	status, body := g.do(t, who, http.MethodPost, fmt.Sprintf("/api/v2/assessments/%d/instances", assessmentID), nil)
	require.Equal(t, fiber.StatusOK, status, body.Message)
	var created struct {
		AssessmentInstanceID uint `json:"assessment_instance_id"`
	}
	decodeData(t, body, &created)
	require.NotZero(t, created.AssessmentInstanceID)
	return created.AssessmentInstanceID
}
