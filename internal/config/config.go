package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName         string
	AppEnv          string
	AppPort         string
	DatabaseURL     string
	RedisURL        string
	NATSURL         string
	OutcomeSubject  string
	OutcomeChannel  string
	JWTSecret       string
	CORSOrigins     string
	AutoMigrate     bool
	AutoFinishEvery time.Duration
	AbandonedEvery  time.Duration
	RateLimitPerMin int
	Engine          EngineConfig
}

// EngineConfig carries the tunables of the grading engine. It is passed
// explicitly into the services that need it.
type EngineConfig struct {
	// AutoFinishAge is how long an open exam instance may stay idle before
	// the recovery sweep closes and grades it.
	AutoFinishAge time.Duration
	// GradingNeededGrace protects instances whose close-and-grade is likely
	// still running in another process.
	GradingNeededGrace    time.Duration
	JobHeartbeatInterval  time.Duration
	AbandonedJobThreshold time.Duration
	// OverrideGradeRate disables per-question grade rate limits everywhere.
	OverrideGradeRate bool
	RegradeLogBatch   int
	GradeAllWorkers   int
}

// DefaultEngineConfig returns the engine defaults used when nothing is configured.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		AutoFinishAge:         6 * time.Hour,
		GradingNeededGrace:    10 * time.Minute,
		JobHeartbeatInterval:  10 * time.Second,
		AbandonedJobThreshold: 10 * time.Minute,
		RegradeLogBatch:       100,
		GradeAllWorkers:       1,
	}
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := DefaultEngineConfig()
	v.SetDefault("app.name", "GEMA Grading Engine")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("outcome.subject", "grading.outcomes")
	v.SetDefault("outcome.channel", "grading:outcomes")
	v.SetDefault("rate_limit.per_minute", 120)
	v.SetDefault("cron.auto_finish_interval", "10m")
	v.SetDefault("cron.abandoned_interval", "5m")
	v.SetDefault("engine.auto_finish_age", defaults.AutoFinishAge.String())
	v.SetDefault("engine.grading_needed_grace", defaults.GradingNeededGrace.String())
	v.SetDefault("engine.job_heartbeat_interval", defaults.JobHeartbeatInterval.String())
	v.SetDefault("engine.abandoned_job_threshold", defaults.AbandonedJobThreshold.String())
	v.SetDefault("engine.override_grade_rate", false)
	v.SetDefault("engine.regrade_log_batch", defaults.RegradeLogBatch)
	v.SetDefault("engine.grade_all_workers", defaults.GradeAllWorkers)

	var (
		autoFinishEvery, abandonedEvery       time.Duration
		autoFinishAge, gradingNeededGrace     time.Duration
		heartbeatInterval, abandonedThreshold time.Duration
	)
	durations := map[string]*time.Duration{
		"cron.auto_finish_interval":      &autoFinishEvery,
		"cron.abandoned_interval":        &abandonedEvery,
		"engine.auto_finish_age":         &autoFinishAge,
		"engine.grading_needed_grace":    &gradingNeededGrace,
		"engine.job_heartbeat_interval":  &heartbeatInterval,
		"engine.abandoned_job_threshold": &abandonedThreshold,
	}

	for key, target := range durations {
		parsed, err := parsePositiveDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}

	cfg := Config{
		AppName:         v.GetString("app.name"),
		AppEnv:          v.GetString("app.env"),
		AppPort:         v.GetString("app.port"),
		DatabaseURL:     v.GetString("database.url"),
		RedisURL:        v.GetString("redis.url"),
		NATSURL:         v.GetString("nats.url"),
		OutcomeSubject:  v.GetString("outcome.subject"),
		OutcomeChannel:  v.GetString("outcome.channel"),
		JWTSecret:       v.GetString("jwt.secret"),
		CORSOrigins:     v.GetString("cors.allow_origins"),
		AutoMigrate:     v.GetBool("database.auto_migrate"),
		AutoFinishEvery: autoFinishEvery,
		AbandonedEvery:  abandonedEvery,
		RateLimitPerMin: v.GetInt("rate_limit.per_minute"),
		Engine: EngineConfig{
			AutoFinishAge:         autoFinishAge,
			GradingNeededGrace:    gradingNeededGrace,
			JobHeartbeatInterval:  heartbeatInterval,
			AbandonedJobThreshold: abandonedThreshold,
			OverrideGradeRate:     v.GetBool("engine.override_grade_rate"),
			RegradeLogBatch:       v.GetInt("engine.regrade_log_batch"),
			GradeAllWorkers:       v.GetInt("engine.grade_all_workers"),
		},
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.Engine.RegradeLogBatch <= 0 {
		cfg.Engine.RegradeLogBatch = defaults.RegradeLogBatch
	}

	if cfg.Engine.GradeAllWorkers <= 0 {
		cfg.Engine.GradeAllWorkers = defaults.GradeAllWorkers
	}

	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 120
	}

	return cfg, nil
}

func parsePositiveDuration(value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", value)
	}
	return parsed, nil
}
