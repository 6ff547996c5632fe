// Package config reads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type EventsCfg struct {
	Enabled bool
	Brokers string `validate:"required_if=Enabled true"`
	Topic   string `validate:"required_if=Enabled true"`
	Queue   int    `validate:"gt=0"`
}

type Config struct {
	Addr       string `validate:"required"`
	LogLevel   string `validate:"oneof=debug info warn error"`
	LogConsole bool

	RasterRoot   string `validate:"required"`
	AnalysisRoot string `validate:"required"`
	OutputDir    string `validate:"required"`

	JobMaxWorkers   int    `validate:"gt=0"`
	CropWorkers     int    `validate:"gt=0"`
	JobStore        string `validate:"oneof=memory redis"`
	JobTTL          time.Duration
	CRSCacheSize    int `validate:"gt=0"`
	H3Res           int `validate:"gte=0,lte=15"`
	ShutdownTimeout time.Duration

	RedisAddr     string `validate:"required_if=JobStore redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
	LayerCacheTTL time.Duration

	Events EventsCfg
}

func FromEnv() Config {
	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogConsole: getbool("LOG_CONSOLE", false),

		RasterRoot:   getenv("RASTER_ROOT", "./data/images"),
		AnalysisRoot: getenv("ANALYSIS_ROOT", "./data/analyses"),
		OutputDir:    getenv("OUTPUT_DIR", "./output"),

		JobMaxWorkers:   getint("JOB_MAX_WORKERS", 4),
		CropWorkers:     getint("CROP_WORKERS", 1),
		JobStore:        strings.ToLower(getenv("JOB_STORE", "memory")),
		JobTTL:          getduration("JOB_TTL", 24*time.Hour),
		CRSCacheSize:    getint("CRS_CACHE_SIZE", 64),
		H3Res:           getint("H3_RES", 9),
		ShutdownTimeout: getduration("SHUTDOWN_TIMEOUT", 30*time.Second),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),
		LayerCacheTTL: getduration("LAYER_CACHE_TTL", 10*time.Minute),

		Events: EventsCfg{
			Enabled: getbool("JOB_EVENTS_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "nongview-jobs"),
			Queue:   getint("JOB_EVENTS_QUEUE", 1024),
		},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s %s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// LayerCacheEnabled is true when analysis layers are cached in Redis.
func (c Config) LayerCacheEnabled() bool {
	return c.RedisAddr != "" && c.LayerCacheTTL > 0
}

// BrokerList splits the comma separated broker list.
func (e EventsCfg) BrokerList() []string {
	var out []string
	for b := range strings.SplitSeq(e.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
