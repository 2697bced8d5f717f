package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the sner server and planner.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Planner   PlannerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional; an empty URL disables rate limiting and the
// stats cache.
type RedisConfig struct {
	URL string
}

type SchedulerConfig struct {
	// VarDir is the data directory root holding queue outputs, the
	// planner archive, heatmap.json and lastrun files.
	VarDir string
	// HeatmapHotLevel caps concurrent targets per heatmap bucket; 0 disables
	// rate limiting.
	HeatmapHotLevel int
	// HeatmapGCProbability is the chance an assign call sweeps
	// zero-valued heatmap entries.
	HeatmapGCProbability float64
	AssignTimeout        time.Duration
	OutputTimeout        time.Duration
}

type PlannerConfig struct {
	// ConfigPath points to the YAML pipelines definition.
	ConfigPath string
	LoopSleep  time.Duration
}

// Load reads configuration from environment variables and returns a
// validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SNER_PORT", 18000),
			Env:  envString("SNER_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("SNER_DATABASE_URL"),
			MaxOpenConns:    envInt("SNER_DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("SNER_DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("SNER_DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("SNER_REDIS_URL"),
		},
		Scheduler: SchedulerConfig{
			VarDir:               envString("SNER_VAR", "/var/lib/sner"),
			HeatmapHotLevel:      envInt("SNER_HEATMAP_HOT_LEVEL", 0),
			HeatmapGCProbability: envFloat("SNER_HEATMAP_GC_PROBABILITY", 0.1),
			AssignTimeout:        envDuration("SNER_TIMEOUT_JOB_ASSIGN", 3*time.Second),
			OutputTimeout:        envDuration("SNER_TIMEOUT_JOB_OUTPUT", 30*time.Second),
		},
		Planner: PlannerConfig{
			ConfigPath: os.Getenv("SNER_PLANNER_CONFIG"),
			LoopSleep:  envDuration("SNER_PLANNER_LOOPSLEEP", 60*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("SNER_DATABASE_URL is required")
	}
	if c.Scheduler.VarDir == "" {
		return fmt.Errorf("SNER_VAR is required")
	}
	if c.Scheduler.HeatmapHotLevel < 0 {
		return fmt.Errorf("SNER_HEATMAP_HOT_LEVEL must not be negative")
	}
	if c.Scheduler.HeatmapGCProbability < 0 || c.Scheduler.HeatmapGCProbability > 1 {
		return fmt.Errorf("SNER_HEATMAP_GC_PROBABILITY must be within 0..1")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
