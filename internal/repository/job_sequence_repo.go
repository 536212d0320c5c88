package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

// JobSequenceFilter narrows job sequence listings.
type JobSequenceFilter struct {
	AssessmentID *uint
	Status       models.JobSequenceStatus
	Limit        int
}

// JobSequenceRepository persists background job sequences and their output.
type JobSequenceRepository interface {
	Create(ctx context.Context, job *models.JobSequence) error
	GetByID(ctx context.Context, id uint) (models.JobSequence, error)
	List(ctx context.Context, filter JobSequenceFilter) ([]models.JobSequence, error)
	Heartbeat(ctx context.Context, id uint, output string, at time.Time) error
	Finish(ctx context.Context, id uint, status models.JobSequenceStatus, output, errorMessage string, at time.Time) (bool, error)
	ErrorAbandoned(ctx context.Context, staleBefore, at time.Time) (int64, error)
}

type jobSequenceRepository struct {
	db *gorm.DB
}

// NewJobSequenceRepository constructs the job sequence repository.
func NewJobSequenceRepository(db *gorm.DB) JobSequenceRepository {
	return &jobSequenceRepository{db: db}
}

func (r *jobSequenceRepository) Create(ctx context.Context, job *models.JobSequence) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobSequenceRepository) GetByID(ctx context.Context, id uint) (models.JobSequence, error) {
	var job models.JobSequence
	if err := r.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return models.JobSequence{}, err
	}

	return job, nil
}

func (r *jobSequenceRepository) List(ctx context.Context, filter JobSequenceFilter) ([]models.JobSequence, error) {
	query := r.db.WithContext(ctx).Model(&models.JobSequence{})

	if filter.AssessmentID != nil {
		query = query.Where("assessment_id = ?", *filter.AssessmentID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var jobs []models.JobSequence
	if err := query.Order("started_at DESC, id DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}

	return jobs, nil
}

// Heartbeat stores the accumulated output of a running sequence and bumps
// its heartbeat. Finished sequences are left untouched.
func (r *jobSequenceRepository) Heartbeat(ctx context.Context, id uint, output string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.JobSequence{}).
		Where("id = ? AND status = ?", id, models.JobSequenceStatusRunning).
		Updates(map[string]interface{}{
			"output":       output,
			"heartbeat_at": at,
		}).Error
}

// Finish records the final status of a running sequence. It reports false
// when the sequence was no longer running, e.g. because the abandoned-job
// sweep already failed it; that status is kept.
func (r *jobSequenceRepository) Finish(ctx context.Context, id uint, status models.JobSequenceStatus, output, errorMessage string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.JobSequence{}).
		Where("id = ? AND status = ?", id, models.JobSequenceStatusRunning).
		Updates(map[string]interface{}{
			"status":        status,
			"output":        output,
			"error_message": errorMessage,
			"heartbeat_at":  at,
			"finished_at":   at,
		})

	return result.RowsAffected > 0, result.Error
}

// ErrorAbandoned fails running sequences whose heartbeat is older than
// staleBefore. Their process is assumed gone.
func (r *jobSequenceRepository) ErrorAbandoned(ctx context.Context, staleBefore, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.JobSequence{}).
		Where("status = ? AND heartbeat_at < ?", models.JobSequenceStatusRunning, staleBefore).
		Updates(map[string]interface{}{
			"status":        models.JobSequenceStatusError,
			"error_message": "Abandoned due to server restart or missed heartbeats",
			"finished_at":   at,
		})

	return result.RowsAffected, result.Error
}
