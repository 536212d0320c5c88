package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/config"
	"github.com/noah-isme/gema-grading-engine/internal/database"
	"github.com/noah-isme/gema-grading-engine/internal/jobs"
	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name)), database.Config())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

type recordingReporter struct {
	mu    sync.Mutex
	calls []uint
	err   error
}

func (r *recordingReporter) ReportOutcome(ctx context.Context, instanceID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, instanceID)
	return r.err
}

func (r *recordingReporter) countFor(instanceID uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, id := range r.calls {
		if id == instanceID {
			count++
		}
	}
	return count
}

// failingInstances fails the row lock of selected instances.
type failingInstances struct {
	repository.AssessmentInstanceRepository
	fail map[uint]bool
}

func (f *failingInstances) WithTx(tx *gorm.DB) repository.AssessmentInstanceRepository {
	return &failingInstances{AssessmentInstanceRepository: f.AssessmentInstanceRepository.WithTx(tx), fail: f.fail}
}

func (f *failingInstances) LockByID(ctx context.Context, id uint) (models.AssessmentInstance, error) {
	if f.fail[id] {
		return models.AssessmentInstance{}, errors.New("lock timeout")
	}
	return f.AssessmentInstanceRepository.LockByID(ctx, id)
}

type engineOptions struct {
	grader    VariantGrader
	redis     *redis.Client
	failLocks map[uint]bool
	cfg       *config.EngineConfig
}

type testEngine struct {
	db          *gorm.DB
	assessments repository.AssessmentRepository
	instances   repository.AssessmentInstanceRepository
	questions   repository.InstanceQuestionRepository
	variants    repository.VariantRepository
	jobRepo     repository.JobSequenceRepository
	stateLogs   StateLogService
	reporter    *recordingReporter
	runner      *jobs.Runner
	scores      ScoreService
	lifecycle   LifecycleService
	grader      VariantGrader
	grading     GradingService
	regrade     RegradeService
	recovery    RecoveryService
	cfg         config.EngineConfig
}

func newTestEngine(t *testing.T, opts engineOptions) *testEngine {
	t.Helper()
	return wireEngine(setupServiceDB(t), opts)
}

// newTestEngineWithGrader rewires the services of e around another grader
// while keeping the database.
func newTestEngineWithGrader(t *testing.T, e *testEngine, grader VariantGrader) *testEngine {
	t.Helper()
	return wireEngine(e.db, engineOptions{grader: grader})
}

func newTestEngineWithOptions(t *testing.T, e *testEngine, opts engineOptions) *testEngine {
	t.Helper()
	return wireEngine(e.db, opts)
}

func wireEngine(db *gorm.DB, opts engineOptions) *testEngine {
	logger := testLogger()

	cfg := config.DefaultEngineConfig()
	cfg.JobHeartbeatInterval = time.Hour
	if opts.cfg != nil {
		cfg = *opts.cfg
	}

	e := &testEngine{
		db:          db,
		assessments: repository.NewAssessmentRepository(db),
		instances:   repository.NewAssessmentInstanceRepository(db),
		questions:   repository.NewInstanceQuestionRepository(db),
		variants:    repository.NewVariantRepository(db),
		jobRepo:     repository.NewJobSequenceRepository(db),
		reporter:    &recordingReporter{},
		cfg:         cfg,
	}
	e.stateLogs = NewStateLogService(repository.NewAssessmentStateLogRepository(db), validator.New(validator.WithRequiredStructEnabled()), logger)
	e.runner = jobs.NewRunner(e.jobRepo, jobs.NewBroker(), cfg.JobHeartbeatInterval, logger)

	var instances repository.AssessmentInstanceRepository = e.instances
	if len(opts.failLocks) > 0 {
		instances = &failingInstances{AssessmentInstanceRepository: e.instances, fail: opts.failLocks}
	}

	e.scores = NewScoreService(db, e.assessments, e.instances, e.questions, e.stateLogs, e.reporter, logger)
	e.lifecycle = NewLifecycleService(db, e.assessments, e.instances, e.questions, e.scores, e.stateLogs, e.reporter, logger)
	e.grader = opts.grader
	if e.grader == nil {
		e.grader = NewVariantGrader(db, e.assessments, e.instances, e.questions, e.variants, e.scores, PayloadScorer(), opts.redis, cfg.OverrideGradeRate, logger)
	}
	e.grading = NewGradingService(db, e.assessments, instances, e.variants, e.grader, e.stateLogs, e.reporter, e.runner, cfg, logger)
	e.regrade = NewRegradeService(db, e.assessments, instances, e.questions, e.variants, e.scores, e.reporter, e.runner, cfg, logger)
	e.recovery = NewRecoveryService(e.instances, e.jobRepo, e.grading, cfg, logger)

	return e
}

func (e *testEngine) waitJobs(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.runner.Wait(ctx))
}

func (e *testEngine) job(t *testing.T, id uint) models.JobSequence {
	t.Helper()
	job, err := e.jobRepo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (e *testEngine) instance(t *testing.T, id uint) models.AssessmentInstance {
	t.Helper()
	instance, err := e.instances.GetByID(context.Background(), id)
	require.NoError(t, err)
	return instance
}

type seededAssessment struct {
	models.Assessment
	Zone      models.Zone
	Questions []models.AssessmentQuestion
}

func seedAssessment(t *testing.T, db *gorm.DB, kind models.AssessmentType, tid string) seededAssessment {
	t.Helper()
	assessment := models.Assessment{TID: tid, Label: strings.ToUpper(tid), Type: kind, AutoClose: true, AllowRealTimeGrading: true}
	require.NoError(t, db.Omit("Zones").Create(&assessment).Error)

	zone := models.Zone{AssessmentID: assessment.ID, Number: 1}
	require.NoError(t, db.Create(&zone).Error)

	seeded := seededAssessment{Assessment: assessment, Zone: zone}
	for i := 1; i <= 2; i++ {
		seeded.Questions = append(seeded.Questions, addAssessmentQuestion(t, db, seeded, fmt.Sprintf("%s-q%d", tid, i), i, 10))
	}
	return seeded
}

func addAssessmentQuestion(t *testing.T, db *gorm.DB, assessment seededAssessment, qid string, number int, maxPoints float64) models.AssessmentQuestion {
	t.Helper()
	question := models.Question{QID: qid}
	require.NoError(t, db.Create(&question).Error)
	aq := models.AssessmentQuestion{
		AssessmentID: assessment.ID,
		ZoneID:       assessment.Zone.ID,
		QuestionID:   question.ID,
		Number:       number,
		MaxPoints:    maxPoints,
	}
	require.NoError(t, db.Omit("Question", "Zone").Create(&aq).Error)
	aq.Question = question
	return aq
}

func seedUser(t *testing.T, db *gorm.DB, uid string) models.User {
	t.Helper()
	user := models.User{UID: uid, Name: uid}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func (e *testEngine) createInstance(t *testing.T, assessmentID, userID uint) uint {
	t.Helper()
	id, err := e.lifecycle.Create(context.Background(), CreateInstanceParams{AssessmentID: assessmentID, UserID: userID, AuthnUserID: userID})
	require.NoError(t, err)
	return id
}

func variantFor(t *testing.T, db *gorm.DB, instanceID, assessmentQuestionID uint) models.Variant {
	t.Helper()
	var variant models.Variant
	require.NoError(t, db.
		Joins("JOIN instance_questions ON instance_questions.id = variants.instance_question_id").
		Where("instance_questions.assessment_instance_id = ? AND instance_questions.assessment_question_id = ?", instanceID, assessmentQuestionID).
		Select("variants.*").
		First(&variant).Error)
	return variant
}

func submit(t *testing.T, db *gorm.DB, instanceID, assessmentQuestionID uint, score float64) models.Submission {
	t.Helper()
	variant := variantFor(t, db, instanceID, assessmentQuestionID)
	submission := models.Submission{
		VariantID:       variant.ID,
		SubmittedAnswer: datatypes.JSON(fmt.Sprintf(`{"answer":"x","_score":%g}`, score)),
		Gradable:        true,
	}
	require.NoError(t, db.Omit("Variant").Create(&submission).Error)
	return submission
}

func countStateLogs(t *testing.T, db *gorm.DB, instanceID uint, event models.AssessmentStateEvent) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.AssessmentStateLog{}).
		Where("assessment_instance_id = ? AND event = ?", instanceID, event).
		Count(&count).Error)
	return count
}
