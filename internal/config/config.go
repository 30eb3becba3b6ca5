// Package config resolves settings from defaults, an optional YAML file, .env and the environment.
// Command-line flags are applied on top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LOOKOUT_"

type Config struct {
	DataDir   string  `yaml:"data_dir"`
	FacesDir  string  `yaml:"faces_dir"` // relative to DataDir unless absolute
	InfoFile  string  `yaml:"info_file"` // relative to DataDir unless absolute
	Threshold float64 `yaml:"threshold"` // mean absolute difference, strict

	Camera      int    `yaml:"camera"`
	Cascade     string `yaml:"cascade"`      // Haar cascade XML for the gocv detector
	PigoCascade string `yaml:"pigo_cascade"` // pigo facefinder for the pure-Go detector

	Estimator            []string      `yaml:"estimator"` // argv of the attribute worker
	EstimatorTimeout     time.Duration `yaml:"estimator_timeout"`
	AbortOnEstimateError bool          `yaml:"abort_on_estimate_error"`

	FlushEvery  int    `yaml:"flush_every"`
	SnapshotDir string `yaml:"snapshot_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DatabaseURL string `yaml:"database_url"`
	Listen      string `yaml:"listen"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DataDir:     ".",
		FacesDir:    "recognized_faces",
		InfoFile:    "recognized_faces_info.json",
		Threshold:   50,
		Camera:      1,
		Cascade:     "haarcascade_frontalface_default.xml",
		PigoCascade: "cascade/facefinder",
		Estimator:   []string{"python3", "python/estimator.py"},
		FlushEvery:  30,
		SnapshotDir: "snapshots",
		LogLevel:    "info",
		LogFormat:   "text",
		Listen:      ":8080",
	}
}

// FacesPath is the reference image directory.
func (c Config) FacesPath() string { return c.under(c.FacesDir) }

// InfoPath is the identity table file.
func (c Config) InfoPath() string { return c.under(c.InfoFile) }

func (c Config) under(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// Load reads .env from the working directory (if present) and resolves against the process environment.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	return Resolve(path, os.Getenv)
}

// Resolve applies path (when non-empty) and then getenv on top of Default.
func Resolve(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(c *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := getenv(envPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("FACES_DIR", &c.FacesDir)
	str("INFO_FILE", &c.InfoFile)
	str("CASCADE", &c.Cascade)
	str("PIGO_CASCADE", &c.PigoCascade)
	str("SNAPSHOT_DIR", &c.SnapshotDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LISTEN", &c.Listen)
	str("DATABASE_URL", &c.DatabaseURL)
	num("CAMERA", &c.Camera)
	num("FLUSH_EVERY", &c.FlushEvery)

	if v := getenv(envPrefix + "THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTHRESHOLD: %w", envPrefix, err))
		} else {
			c.Threshold = f
		}
	}
	if v := getenv(envPrefix + "ESTIMATOR"); v != "" {
		c.Estimator = strings.Fields(v)
	}
	if v := getenv(envPrefix + "ESTIMATOR_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sESTIMATOR_TIMEOUT: %w", envPrefix, err))
		} else {
			c.EstimatorTimeout = d
		}
	}
	if v := getenv(envPrefix + "ABORT_ON_ESTIMATE_ERROR"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sABORT_ON_ESTIMATE_ERROR: %w", envPrefix, err))
		} else {
			c.AbortOnEstimateError = b
		}
	}

	// Same fallback the database commands have always used.
	if c.DatabaseURL == "" {
		if host := getenv("POSTGRES_HOST"); host != "" {
			port := getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			c.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
		}
	}
	return errors.Join(errs...)
}

// Validate rejects settings no command can run with.
func (c Config) Validate() error {
	switch {
	case c.Threshold <= 0:
		return fmt.Errorf("threshold must be positive, got %v", c.Threshold)
	case c.FlushEvery < 0:
		return fmt.Errorf("flush_every must not be negative, got %d", c.FlushEvery)
	case c.EstimatorTimeout < 0:
		return fmt.Errorf("estimator_timeout must not be negative, got %v", c.EstimatorTimeout)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	case c.FacesDir == "" || c.InfoFile == "":
		return errors.New("faces_dir and info_file must be set")
	}
	return nil
}
