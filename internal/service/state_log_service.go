package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/dto"
	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
)

// StateLogEntry captures one auditable change of an assessment instance.
type StateLogEntry struct {
	InstanceID    uint
	Event         models.AssessmentStateEvent
	AuthnUserID   *uint
	FingerprintID *uint
	Points        float64
	ScorePerc     float64
	MaxPoints     float64
	Data          map[string]interface{}
}

// StateLogRecorder writes state log entries inside the caller's transaction.
type StateLogRecorder interface {
	Record(ctx context.Context, tx *gorm.DB, entry StateLogEntry) error
}

// StateLogService records and lists instance state logs.
type StateLogService interface {
	StateLogRecorder
	List(ctx context.Context, instanceID uint, req dto.StateLogListRequest) (dto.StateLogListResponse, error)
}

type stateLogService struct {
	repo      repository.AssessmentStateLogRepository
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewStateLogService constructs the state log service.
func NewStateLogService(repo repository.AssessmentStateLogRepository, validator *validator.Validate, logger zerolog.Logger) StateLogService {
	return &stateLogService{
		repo:      repo,
		validator: validator,
		logger:    logger.With().Str("component", "state_log_service").Logger(),
	}
}

func (s *stateLogService) Record(ctx context.Context, tx *gorm.DB, entry StateLogEntry) error {
	if entry.InstanceID == 0 {
		return fmt.Errorf("assessment instance id is required")
	}
	if strings.TrimSpace(string(entry.Event)) == "" {
		return fmt.Errorf("event is required")
	}

	repo := s.repo
	if tx != nil {
		repo = repo.WithTx(tx)
	}

	model := models.AssessmentStateLog{
		AssessmentInstanceID: entry.InstanceID,
		Event:                entry.Event,
		AuthnUserID:          entry.AuthnUserID,
		ClientFingerprintID:  entry.FingerprintID,
		Points:               entry.Points,
		ScorePerc:            entry.ScorePerc,
		MaxPoints:            entry.MaxPoints,
		Data:                 sanitizeMetadata(entry.Data),
	}

	if err := repo.Create(ctx, &model); err != nil {
		s.logger.Error().Err(err).Uint("assessment_instance_id", entry.InstanceID).Msg("failed to persist state log")
		return err
	}

	return nil
}

func (s *stateLogService) List(ctx context.Context, instanceID uint, req dto.StateLogListRequest) (dto.StateLogListResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.StateLogListResponse{}, err
	}

	entries, total, err := s.repo.ListByInstance(ctx, instanceID, repository.StateLogFilter{
		Page:     req.Page,
		PageSize: req.PageSize,
		Event:    models.AssessmentStateEvent(strings.TrimSpace(req.Event)),
	})
	if err != nil {
		return dto.StateLogListResponse{}, err
	}

	items := make([]dto.StateLogResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dto.NewStateLogResponse(entry))
	}

	pagination := dto.PaginationMeta{
		Page:       maxInt(req.Page, 1),
		PageSize:   req.PageSize,
		TotalItems: total,
		TotalPages: 1,
	}
	if req.PageSize > 0 {
		pagination.TotalPages = int(math.Ceil(float64(total) / float64(req.PageSize)))
	}

	return dto.StateLogListResponse{Items: items, Pagination: pagination}, nil
}

func sanitizeMetadata(metadata map[string]interface{}) datatypes.JSONMap {
	if len(metadata) == 0 {
		return nil
	}

	sanitized := datatypes.JSONMap{}
	for key, value := range metadata {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "email") || strings.Contains(lower, "token") {
			sanitized[key] = "***"
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
