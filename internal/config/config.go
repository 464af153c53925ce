// Package config loads settings for both the identify shell and the
// recognition backend: defaults, then an optional YAML file, then the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the binary.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Capture     CaptureConfig     `yaml:"capture"`
	Server      ServerConfig      `yaml:"server"`
}

// RecognitionConfig controls the client side upload.
type RecognitionConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
	Token    string        `yaml:"token"`
}

// CaptureConfig locates the image sources used by the identify shell.
type CaptureConfig struct {
	CameraDevice string `yaml:"camera_device"`
	CaptureDir   string `yaml:"capture_dir"`
	GalleryDir   string `yaml:"gallery_dir"`
}

// ServerConfig configures the recognition backend.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	DatabaseDSN     string        `yaml:"database_dsn"`
	RedisAddr       string        `yaml:"redis_addr"`
	ProcessorAddr   string        `yaml:"image_processor_addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTAudience     string        `yaml:"jwt_audience"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration. The recognition client makes a
// single attempt with no timeout of its own.
func Default() Config {
	return Config{
		LogLevel: "info",
		Recognition: RecognitionConfig{
			Endpoint: "http://localhost:5000",
		},
		Capture: CaptureConfig{
			CaptureDir: "captures",
			GalleryDir: ".",
		},
		Server: ServerConfig{
			ListenAddr:      ":5000",
			DatabaseDSN:     "host=postgres user=postgres password=postgres dbname=storefront port=5432 sslmode=disable",
			RedisAddr:       "redis:6379",
			ProcessorAddr:   "recognizer:50051",
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Recognition.Endpoint == "" {
		errs = append(errs, errors.New("recognition endpoint is required"))
	}
	if c.Recognition.Timeout < 0 {
		errs = append(errs, errors.New("recognition timeout must not be negative"))
	}
	if c.Recognition.Retries < 0 {
		errs = append(errs, errors.New("recognition retries must not be negative"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	setString(&cfg.LogLevel, "LOG_LEVEL")

	setString(&cfg.Recognition.Endpoint, "RECOGNITION_ENDPOINT")
	setString(&cfg.Recognition.Token, "RECOGNITION_TOKEN")
	if err := setDuration(&cfg.Recognition.Timeout, "RECOGNITION_TIMEOUT"); err != nil {
		return err
	}
	if err := setInt(&cfg.Recognition.Retries, "RECOGNITION_RETRIES"); err != nil {
		return err
	}

	setString(&cfg.Capture.CameraDevice, "CAMERA_DEVICE")
	setString(&cfg.Capture.CaptureDir, "CAPTURE_DIR")
	setString(&cfg.Capture.GalleryDir, "GALLERY_DIR")

	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Server.DatabaseDSN, "DATABASE_DSN")
	setString(&cfg.Server.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Server.ProcessorAddr, "IMAGE_PROCESSOR_ADDR")
	setString(&cfg.Server.JWTSecret, "JWT_SECRET")
	setString(&cfg.Server.JWTAudience, "JWT_AUDIENCE")
	return setDuration(&cfg.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
