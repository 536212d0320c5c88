package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/observability"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
)

// OutcomeReporter pushes the current score of an instance to whatever
// external system mirrors grades. Implementations are best-effort.
type OutcomeReporter interface {
	ReportOutcome(ctx context.Context, instanceID uint) error
}

// OutcomeEvent is the payload published for each reported outcome.
type OutcomeEvent struct {
	Source               string    `json:"source"`
	AssessmentInstanceID uint      `json:"assessment_instance_id"`
	AssessmentID         uint      `json:"assessment_id"`
	UserID               *uint     `json:"user_id,omitempty"`
	GroupID              *uint     `json:"group_id,omitempty"`
	Points               float64   `json:"points"`
	ScorePerc            float64   `json:"score_perc"`
	MaxPoints            float64   `json:"max_points"`
	Open                 bool      `json:"open"`
	ReportedAt           time.Time `json:"reported_at"`
}

type logOutcomeReporter struct {
	logger zerolog.Logger
}

// NewLogOutcomeReporter returns a reporter that only logs.
func NewLogOutcomeReporter(logger zerolog.Logger) OutcomeReporter {
	return &logOutcomeReporter{logger: logger.With().Str("component", "outcome_reporter").Logger()}
}

func (r *logOutcomeReporter) ReportOutcome(ctx context.Context, instanceID uint) error {
	r.logger.Debug().Uint("assessment_instance_id", instanceID).Msg("outcome reported")
	return nil
}

type brokerOutcomeReporter struct {
	instances    repository.AssessmentInstanceRepository
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string
	now          func() time.Time
}

// NewBrokerOutcomeReporter publishes outcome events on a NATS subject and a
// redis pub/sub channel. Either transport may be nil.
func NewBrokerOutcomeReporter(instances repository.AssessmentInstanceRepository, redisClient *redis.Client, redisChannel string, natsConn *nats.Conn, natsSubject string, logger zerolog.Logger) OutcomeReporter {
	return &brokerOutcomeReporter{
		instances:    instances,
		redis:        redisClient,
		redisChannel: redisChannel,
		nats:         natsConn,
		natsSubject:  natsSubject,
		logger:       logger.With().Str("component", "outcome_reporter").Logger(),
		nodeID:       uuid.NewString(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (r *brokerOutcomeReporter) ReportOutcome(ctx context.Context, instanceID uint) error {
	instance, err := r.instances.GetByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInstanceNotFound
		}
		return err
	}

	payload, err := json.Marshal(OutcomeEvent{
		Source:               r.nodeID,
		AssessmentInstanceID: instance.ID,
		AssessmentID:         instance.AssessmentID,
		UserID:               instance.UserID,
		GroupID:              instance.GroupID,
		Points:               instance.Points,
		ScorePerc:            instance.ScorePerc,
		MaxPoints:            instance.MaxPoints,
		Open:                 instance.Open,
		ReportedAt:           r.now(),
	})
	if err != nil {
		return err
	}

	if r.redis != nil && r.redisChannel != "" {
		if err := r.redis.Publish(ctx, r.redisChannel, payload).Err(); err != nil {
			return fmt.Errorf("publish outcome to redis: %w", err)
		}
	}

	if r.nats != nil && r.natsSubject != "" {
		if err := r.nats.Publish(r.natsSubject, payload); err != nil {
			return fmt.Errorf("publish outcome to nats: %w", err)
		}
	}

	return nil
}

// reportOutcome calls the reporter after a commit. Failures are logged and
// never surface to the caller.
func reportOutcome(ctx context.Context, reporter OutcomeReporter, logger zerolog.Logger, instanceID uint) {
	if reporter == nil {
		return
	}

	if err := reporter.ReportOutcome(ctx, instanceID); err != nil {
		observability.OutcomeReports().WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Uint("assessment_instance_id", instanceID).Msg("failed to report outcome")
		return
	}
	observability.OutcomeReports().WithLabelValues("ok").Inc()
}
