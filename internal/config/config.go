// Package config binds the process's environment-variable surface
// to one typed Config struct. A .env file, when present, is loaded into
// the environment first so development setups work without exporting
// anything.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full process configuration, populated from environment
// variables. Field defaults mirror the recognized variables' documented
// defaults.
type Config struct {
	Host  string `envconfig:"HOST" default:"0.0.0.0"`
	Port  int    `envconfig:"PORT" default:"8000"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	MLServiceURL            string  `envconfig:"ML_SERVICE_URL" default:"http://localhost:8001"`
	MLServiceTimeoutSeconds float64 `envconfig:"ML_SERVICE_TIMEOUT" default:"30"`
	ModelPath               string  `envconfig:"MODEL_PATH"`
	ModelDevice             string  `envconfig:"MODEL_DEVICE" default:"cpu"`

	FrameBufferSize      int     `envconfig:"FRAME_BUFFER_SIZE" default:"1000"`
	SlidingWindowSeconds float64 `envconfig:"SLIDING_WINDOW_SECONDS" default:"3"`
	FrameSampleRate      int     `envconfig:"FRAME_SAMPLE_RATE" default:"16"`
	InferenceIntervalMs  int     `envconfig:"INFERENCE_INTERVAL_MS" default:"200"`
	TargetFPS            int     `envconfig:"TARGET_FPS" default:"5"`

	ViolenceThreshold      float32 `envconfig:"VIOLENCE_THRESHOLD" default:"0.5"`
	ViolenceAlertThreshold float32 `envconfig:"VIOLENCE_ALERT_THRESHOLD" default:"0.9"`
	MinConsecutiveFrames   int     `envconfig:"MIN_CONSECUTIVE_FRAMES" default:"2"`
	AlertCooldownSeconds   float64 `envconfig:"ALERT_COOLDOWN_SECONDS" default:"60"`
	MotionVetoEnabled      bool    `envconfig:"MOTION_VETO_ENABLED" default:"false"`
	MotionVetoThreshold    float64 `envconfig:"MOTION_VETO_THRESHOLD" default:"40"`

	ClipDurationBefore float64 `envconfig:"CLIP_DURATION_BEFORE" default:"5"`
	ClipDurationAfter  float64 `envconfig:"CLIP_DURATION_AFTER" default:"10"`
	ClipsDir           string  `envconfig:"CLIPS_DIR" default:"./clips"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:"./orbo-violence.db"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile  string `envconfig:"LOG_FILE"`
}

// Load reads .env (ignored if absent) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.FrameSampleRate <= 0 {
		cfg.FrameSampleRate = 16
	}
	return cfg, nil
}

// Addr is the host:port the HTTP server binds to.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// InferenceInterval is the inference cadence as a duration.
func (c Config) InferenceInterval() time.Duration {
	return time.Duration(c.InferenceIntervalMs) * time.Millisecond
}

// MLServiceTimeout is the classifier RPC timeout as a duration.
func (c Config) MLServiceTimeout() time.Duration {
	return time.Duration(c.MLServiceTimeoutSeconds * float64(time.Second))
}
