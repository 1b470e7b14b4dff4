// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/logging"
)

// Settings holds the runtime configuration for the detection service.
// Values are resolved in order: environment variables, then an optional
// YAML file named by NDS_CONFIG, then built-in defaults.
type Settings struct {
	// Capture
	CaptureInterface string        `yaml:"capture_interface"`
	CaptureBuffer    int           `yaml:"capture_buffer_size"`
	FlowTimeout      time.Duration `yaml:"flow_timeout"`

	// Detection
	AnomalyThresholdK           float64 `yaml:"anomaly_threshold_k"`
	MinClassificationConfidence float64 `yaml:"min_classification_confidence"`
	WeightSupervised            float64 `yaml:"weight_supervised"`
	WeightUnsupervised          float64 `yaml:"weight_unsupervised"`
	WeightReputation            float64 `yaml:"weight_reputation"`
	ThresholdAttack             float64 `yaml:"threshold_attack"`

	// Models
	ModelDir         string `yaml:"model_dir"`
	InferenceWorkers int    `yaml:"inference_workers"`

	// HTTP API
	AppHost string `yaml:"app_host"`
	AppPort int    `yaml:"app_port"`

	// Storage
	DBPath string `yaml:"db_path"`

	// Redis
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`

	// Reputation
	GeoIPDBPath        string `yaml:"geoip_db_path"`
	ReputationListPath string `yaml:"reputation_list_path"`

	// Retention
	RetentionEnabled          bool          `yaml:"retention_enabled"`
	RetentionDays             int           `yaml:"retention_days"`
	RetentionInterval         time.Duration `yaml:"retention_interval"`
	RetentionDeleteBatch      int           `yaml:"retention_delete_batch"`
	RetentionKeepAlertedFlows bool          `yaml:"retention_keep_alerted_flows"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Defaults returns the built-in configuration used when nothing is set.
func Defaults() Settings {
	return Settings{
		CaptureInterface: "auto",
		CaptureBuffer:    1000,
		FlowTimeout:      120 * time.Second,

		AnomalyThresholdK:           3.0,
		MinClassificationConfidence: 0.5,
		WeightSupervised:            0.5,
		WeightUnsupervised:          0.3,
		WeightReputation:            0.2,
		ThresholdAttack:             0.7,

		ModelDir:         "./ai/artifacts",
		InferenceWorkers: runtime.NumCPU(),

		AppHost: "0.0.0.0",
		AppPort: 8000,

		DBPath: "./data/nds.db",

		RedisHost: "localhost",
		RedisPort: 6379,
		RedisDB:   0,

		RetentionEnabled:          true,
		RetentionDays:             30,
		RetentionInterval:         time.Hour,
		RetentionDeleteBatch:      5000,
		RetentionKeepAlertedFlows: true,

		LogLevel: "info",
	}
}

// Load resolves settings from the environment. A .env file in the working
// directory is read first (existing environment variables win), then an
// optional YAML file named by NDS_CONFIG, then individual NDS environment
// variables override everything.
func Load() (Settings, error) {
	// Seeds the process environment; a missing .env is not an error.
	_ = godotenv.Load()

	s := Defaults()

	if path := os.Getenv("NDS_CONFIG"); path != "" {
		if err := s.loadFile(path); err != nil {
			return s, err
		}
	}

	s.applyEnv()

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return errors.Wrapf(err, errors.KindConfig, "parse config file %s", path)
	}
	return nil
}

func (s *Settings) applyEnv() {
	envStr("CAPTURE_INTERFACE", &s.CaptureInterface)
	envInt("CAPTURE_BUFFER_SIZE", &s.CaptureBuffer)
	envSeconds("CAPTURE_FLOW_TIMEOUT", &s.FlowTimeout)

	envFloat("ANOMALY_THRESHOLD_K", &s.AnomalyThresholdK)
	envFloat("MIN_CLASSIFICATION_CONFIDENCE", &s.MinClassificationConfidence)
	envFloat("WEIGHT_SUPERVISED", &s.WeightSupervised)
	envFloat("WEIGHT_UNSUPERVISED", &s.WeightUnsupervised)
	envFloat("WEIGHT_REPUTATION", &s.WeightReputation)
	envFloat("THRESHOLD_ATTACK", &s.ThresholdAttack)

	envStr("MODEL_DIR", &s.ModelDir)
	envInt("INFERENCE_WORKERS", &s.InferenceWorkers)

	envStr("APP_HOST", &s.AppHost)
	envInt("APP_PORT", &s.AppPort)

	envStr("DB_PATH", &s.DBPath)

	envStr("REDIS_HOST", &s.RedisHost)
	envInt("REDIS_PORT", &s.RedisPort)
	envInt("REDIS_DB", &s.RedisDB)
	envStr("REDIS_PASSWORD", &s.RedisPassword)

	envStr("GEOIP_DB_PATH", &s.GeoIPDBPath)
	envStr("REPUTATION_LIST_PATH", &s.ReputationListPath)

	envBool("RETENTION_ENABLED", &s.RetentionEnabled)
	envInt("RETENTION_FLOWS_DAYS", &s.RetentionDays)
	envMinutes("RETENTION_RUN_INTERVAL_MINUTES", &s.RetentionInterval)
	envInt("RETENTION_DELETE_BATCH_SIZE", &s.RetentionDeleteBatch)
	envBool("RETENTION_KEEP_ALERTED_FLOWS", &s.RetentionKeepAlertedFlows)

	envStr("LOG_LEVEL", &s.LogLevel)
	envStr("LOG_FILE", &s.LogFile)
}

// Validate checks ranges and repairs the fusion weights. Weights that do
// not sum to 1 are renormalized in place; a non-positive sum is a hard
// configuration error because the fusion stage would divide by zero.
func (s *Settings) Validate() error {
	if s.CaptureBuffer < 1 {
		return errors.Errorf(errors.KindConfig, "CAPTURE_BUFFER_SIZE must be >= 1, got %d", s.CaptureBuffer)
	}
	if s.FlowTimeout <= 0 {
		return errors.Errorf(errors.KindConfig, "CAPTURE_FLOW_TIMEOUT must be positive, got %s", s.FlowTimeout)
	}
	if s.AnomalyThresholdK <= 0 {
		return errors.Errorf(errors.KindConfig, "ANOMALY_THRESHOLD_K must be positive, got %g", s.AnomalyThresholdK)
	}
	if s.MinClassificationConfidence < 0 || s.MinClassificationConfidence > 1 {
		return errors.Errorf(errors.KindConfig, "MIN_CLASSIFICATION_CONFIDENCE must be in [0,1], got %g", s.MinClassificationConfidence)
	}
	if s.ThresholdAttack < 0 || s.ThresholdAttack > 1 {
		return errors.Errorf(errors.KindConfig, "THRESHOLD_ATTACK must be in [0,1], got %g", s.ThresholdAttack)
	}
	if s.WeightSupervised < 0 || s.WeightUnsupervised < 0 || s.WeightReputation < 0 {
		return errors.Errorf(errors.KindConfig, "fusion weights must be non-negative, got %g/%g/%g",
			s.WeightSupervised, s.WeightUnsupervised, s.WeightReputation)
	}

	sum := s.WeightSupervised + s.WeightUnsupervised + s.WeightReputation
	if sum <= 0 {
		return errors.Errorf(errors.KindConfig, "fusion weights sum to %g, need a positive sum", sum)
	}
	if math.Abs(sum-1.0) > 1e-9 {
		s.WeightSupervised /= sum
		s.WeightUnsupervised /= sum
		s.WeightReputation /= sum
		logging.WithComponent("config").Warn("fusion weights renormalized",
			"sum", sum,
			"supervised", s.WeightSupervised,
			"unsupervised", s.WeightUnsupervised,
			"reputation", s.WeightReputation)
	}

	if s.InferenceWorkers < 1 {
		s.InferenceWorkers = runtime.NumCPU()
	}
	if s.AppPort < 1 || s.AppPort > 65535 {
		return errors.Errorf(errors.KindConfig, "APP_PORT must be in [1,65535], got %d", s.AppPort)
	}
	if s.RedisPort < 1 || s.RedisPort > 65535 {
		return errors.Errorf(errors.KindConfig, "REDIS_PORT must be in [1,65535], got %d", s.RedisPort)
	}
	if s.RetentionDays < 1 {
		return errors.Errorf(errors.KindConfig, "RETENTION_FLOWS_DAYS must be >= 1, got %d", s.RetentionDays)
	}
	if s.RetentionInterval <= 0 {
		return errors.Errorf(errors.KindConfig, "RETENTION_RUN_INTERVAL_MINUTES must be positive, got %s", s.RetentionInterval)
	}
	if s.RetentionDeleteBatch < 1 {
		return errors.Errorf(errors.KindConfig, "RETENTION_DELETE_BATCH_SIZE must be >= 1, got %d", s.RetentionDeleteBatch)
	}
	return nil
}

// RedisAddr returns the host:port address for the Redis client.
func (s *Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%d", s.RedisHost, s.RedisPort)
}

// ListenAddr returns the host:port address for the HTTP server.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.AppHost, s.AppPort)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

// envSeconds reads a duration expressed as a number of seconds, matching
// how the deployment manifests write timeouts.
func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			*dst = time.Duration(n * float64(time.Second))
		}
	}
}

// envMinutes reads a duration expressed as whole minutes.
func envMinutes(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			*dst = time.Duration(n * float64(time.Minute))
		}
	}
}
