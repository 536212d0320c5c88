package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

// StateLogFilter narrows assessment state log queries.
type StateLogFilter struct {
	Page     int
	PageSize int
	Event    models.AssessmentStateEvent
}

// AssessmentStateLogRepository persists the audit trail of instance state changes.
type AssessmentStateLogRepository interface {
	WithTx(tx *gorm.DB) AssessmentStateLogRepository
	Create(ctx context.Context, entry *models.AssessmentStateLog) error
	ListByInstance(ctx context.Context, instanceID uint, filter StateLogFilter) ([]models.AssessmentStateLog, int64, error)
}

type assessmentStateLogRepository struct {
	db *gorm.DB
}

// NewAssessmentStateLogRepository constructs the state log repository.
func NewAssessmentStateLogRepository(db *gorm.DB) AssessmentStateLogRepository {
	return &assessmentStateLogRepository{db: db}
}

func (r *assessmentStateLogRepository) WithTx(tx *gorm.DB) AssessmentStateLogRepository {
	return &assessmentStateLogRepository{db: tx}
}

func (r *assessmentStateLogRepository) Create(ctx context.Context, entry *models.AssessmentStateLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *assessmentStateLogRepository) ListByInstance(ctx context.Context, instanceID uint, filter StateLogFilter) ([]models.AssessmentStateLog, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.AssessmentStateLog{}).
		Where("assessment_instance_id = ?", instanceID)

	if filter.Event != "" {
		query = query.Where("event = ?", filter.Event)
	}

	countQuery := query.Session(&gorm.Session{})
	var total int64
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var entries []models.AssessmentStateLog
	if err := query.Order("created_at ASC, id ASC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}
