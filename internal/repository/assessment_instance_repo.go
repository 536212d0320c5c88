package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

// InstanceSummary is the minimal view of an instance used by fan-out jobs.
type InstanceSummary struct {
	ID         uint
	Number     int
	OwnerLabel string
}

// FinishFilter selects instances the recovery sweep should finish.
type FinishFilter struct {
	Now                 time.Time
	InactiveBefore      time.Time
	GradingNeededBefore time.Time
	Limit               int
}

// AssessmentInstanceRepository persists assessment instances and their
// aggregate fields.
type AssessmentInstanceRepository interface {
	WithTx(tx *gorm.DB) AssessmentInstanceRepository
	GetByID(ctx context.Context, id uint) (models.AssessmentInstance, error)
	LockByID(ctx context.Context, id uint) (models.AssessmentInstance, error)
	InsertOrFetch(ctx context.Context, instance *models.AssessmentInstance) (bool, error)
	UpdateFields(ctx context.Context, id uint, updates map[string]interface{}) error
	ListByAssessment(ctx context.Context, assessmentID uint) ([]InstanceSummary, error)
	ListEligibleForFinish(ctx context.Context, filter FinishFilter) ([]models.AssessmentInstance, error)
	Delete(ctx context.Context, assessmentID, id uint) (bool, error)
	ListIDsByAssessment(ctx context.Context, assessmentID uint) ([]uint, error)
}

type assessmentInstanceRepository struct {
	db *gorm.DB
}

// NewAssessmentInstanceRepository constructs the instance repository.
func NewAssessmentInstanceRepository(db *gorm.DB) AssessmentInstanceRepository {
	return &assessmentInstanceRepository{db: db}
}

func (r *assessmentInstanceRepository) WithTx(tx *gorm.DB) AssessmentInstanceRepository {
	return &assessmentInstanceRepository{db: tx}
}

func (r *assessmentInstanceRepository) GetByID(ctx context.Context, id uint) (models.AssessmentInstance, error) {
	var instance models.AssessmentInstance
	if err := r.db.WithContext(ctx).Preload("Assessment").First(&instance, id).Error; err != nil {
		return models.AssessmentInstance{}, err
	}

	return instance, nil
}

// LockByID reads the instance with a row lock held until the surrounding
// transaction ends. It blocks while another transaction holds the lock.
func (r *assessmentInstanceRepository) LockByID(ctx context.Context, id uint) (models.AssessmentInstance, error) {
	var instance models.AssessmentInstance
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&instance, id).Error; err != nil {
		return models.AssessmentInstance{}, err
	}

	var assessment models.Assessment
	if err := r.db.WithContext(ctx).First(&assessment, instance.AssessmentID).Error; err != nil {
		return models.AssessmentInstance{}, err
	}
	instance.Assessment = assessment

	return instance, nil
}

// InsertOrFetch inserts the instance unless one already exists for the same
// (assessment, owner) pair, in which case the existing row is loaded into
// instance. The boolean reports whether a new row was created.
func (r *assessmentInstanceRepository) InsertOrFetch(ctx context.Context, instance *models.AssessmentInstance) (bool, error) {
	result := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "assessment_id"}, {Name: "owner_key"}},
			DoNothing: true,
		}).
		Create(instance)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	var existing models.AssessmentInstance
	if err := r.db.WithContext(ctx).
		Where("assessment_id = ? AND owner_key = ?", instance.AssessmentID, instance.OwnerKey).
		First(&existing).Error; err != nil {
		return false, err
	}
	*instance = existing

	return false, nil
}

func (r *assessmentInstanceRepository) UpdateFields(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&models.AssessmentInstance{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListByAssessment returns every instance of an assessment labelled by its
// owner, in a stable order suitable for human-readable job logs.
func (r *assessmentInstanceRepository) ListByAssessment(ctx context.Context, assessmentID uint) ([]InstanceSummary, error) {
	var rows []InstanceSummary
	if err := r.db.WithContext(ctx).
		Table("assessment_instances").
		Select("assessment_instances.id AS id, assessment_instances.number AS number, COALESCE(users.uid, assessment_groups.name, assessment_instances.owner_key) AS owner_label").
		Joins("LEFT JOIN users ON users.id = assessment_instances.user_id").
		Joins("LEFT JOIN assessment_groups ON assessment_groups.id = assessment_instances.group_id").
		Where("assessment_instances.assessment_id = ?", assessmentID).
		Order("owner_label ASC, assessment_instances.number ASC, assessment_instances.id ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	return rows, nil
}

func (r *assessmentInstanceRepository) ListIDsByAssessment(ctx context.Context, assessmentID uint) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).
		Model(&models.AssessmentInstance{}).
		Where("assessment_id = ?", assessmentID).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	return ids, nil
}

// ListEligibleForFinish returns open exam instances past their time limit or
// idle for too long, plus closed instances still flagged grading_needed
// without recent activity.
func (r *assessmentInstanceRepository) ListEligibleForFinish(ctx context.Context, filter FinishFilter) ([]models.AssessmentInstance, error) {
	query := r.db.WithContext(ctx).
		Model(&models.AssessmentInstance{}).
		Joins("JOIN assessments ON assessments.id = assessment_instances.assessment_id").
		Where(
			r.db.Where("assessment_instances.open = ? AND assessments.type = ? AND assessments.auto_close = ?", true, models.AssessmentTypeExam, true).
				Where(r.db.Where("assessment_instances.date_limit IS NOT NULL AND assessment_instances.date_limit < ?", filter.Now).
					Or("assessment_instances.updated_at < ?", filter.InactiveBefore)),
		).
		Or("assessment_instances.grading_needed = ? AND assessment_instances.updated_at < ?", true, filter.GradingNeededBefore).
		Order("assessment_instances.id ASC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var instances []models.AssessmentInstance
	if err := query.Find(&instances).Error; err != nil {
		return nil, err
	}

	return instances, nil
}

// Delete removes an instance and everything hanging off it. The boolean is
// false when the instance does not belong to the assessment.
func (r *assessmentInstanceRepository) Delete(ctx context.Context, assessmentID, id uint) (bool, error) {
	db := r.db.WithContext(ctx)

	var instance models.AssessmentInstance
	err := db.Where("id = ? AND assessment_id = ?", id, assessmentID).First(&instance).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	questionIDs := db.Model(&models.InstanceQuestion{}).Select("id").Where("assessment_instance_id = ?", id)
	variantIDs := db.Model(&models.Variant{}).Select("id").Where("instance_question_id IN (?)", questionIDs)

	if err := db.Where("variant_id IN (?)", variantIDs).Delete(&models.Submission{}).Error; err != nil {
		return false, err
	}
	if err := db.Where("instance_question_id IN (?)", questionIDs).Delete(&models.Variant{}).Error; err != nil {
		return false, err
	}
	if err := db.Where("assessment_instance_id = ?", id).Delete(&models.InstanceQuestion{}).Error; err != nil {
		return false, err
	}
	if err := db.Delete(&models.AssessmentInstance{}, id).Error; err != nil {
		return false, err
	}

	return true, nil
}
