// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"kit-tracker/internal/directory"
	"kit-tracker/internal/storage"
)

type Config struct {
	Port string `env:"PORT" envDefault:"9595"`

	Salesforce Salesforce
	Storage    Storage
	Login      Login

	// FixturesFile replaces the built-in fallback accounts with rows from an
	// xlsx workbook.
	FixturesFile    string        `env:"KIT_FIXTURES_FILE"`
	DebounceAfter   time.Duration `env:"KIT_SCAN_DEBOUNCE" envDefault:"2s"`
	RejectReconfirm bool          `env:"KIT_REJECT_RECONFIRM"`
}

// Salesforce holds the remote account directory settings. Variable names
// match the deployment the service replaces.
type Salesforce struct {
	ClientID       string  `env:"SALESFORCE_CLIENT_ID"`
	ClientSecret   string  `env:"SALESFORCE_CLIENT_SECRET"`
	Username       string  `env:"SALESFORCE_USERNAME"`
	Password       string  `env:"SALESFORCE_PASSWORD"`
	SecurityToken  string  `env:"SALESFORCE_SECURITY_TOKEN"`
	LoginURL       string  `env:"SALESFORCE_LOGIN_BASE_URL" envDefault:"https://test.salesforce.com"`
	APIVersion     string  `env:"SALESFORCE_API_VERSION" envDefault:"63.0"`
	SearchRadiusKm float64 `env:"SALESFORCE_SEARCH_RADIUS_KM" envDefault:"25"`
	MaxResults     int     `env:"SALESFORCE_MAX_RESULTS" envDefault:"10"`
	LatitudeField  string  `env:"SALESFORCE_LATITUDE_FIELD"`
	LongitudeField string  `env:"SALESFORCE_LONGITUDE_FIELD"`
	Debug          bool    `env:"SALESFORCE_DEBUG"`
}

type Storage struct {
	Driver      string `env:"KIT_STORAGE_DRIVER" envDefault:"file"`
	Path        string `env:"KIT_STORAGE_PATH"`
	S3Bucket    string `env:"KIT_STORAGE_S3_BUCKET"`
	S3Region    string `env:"KIT_STORAGE_S3_REGION"`
	S3Endpoint  string `env:"KIT_STORAGE_S3_ENDPOINT"`
	S3Prefix    string `env:"KIT_STORAGE_S3_PREFIX"`
	S3PathStyle bool   `env:"KIT_STORAGE_S3_PATH_STYLE"`
}

// Login is the single operator account guarding the HTTP surface.
type Login struct {
	User          string `env:"KIT_LOGIN_USER" envDefault:"operator"`
	Password      string `env:"KIT_LOGIN_PASSWORD"`
	SessionSecret string `env:"KIT_SESSION_SECRET"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Salesforce.SearchRadiusKm <= 0 {
		return fmt.Errorf("SALESFORCE_SEARCH_RADIUS_KM must be positive, got %v", c.Salesforce.SearchRadiusKm)
	}
	if c.Salesforce.MaxResults < 1 || c.Salesforce.MaxResults > directory.MaxLimit {
		return fmt.Errorf("SALESFORCE_MAX_RESULTS must be between 1 and %d, got %d", directory.MaxLimit, c.Salesforce.MaxResults)
	}
	switch storage.Driver(c.Storage.Driver) {
	case storage.DriverMemory, storage.DriverFile, storage.DriverSQLite:
	case storage.DriverS3:
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("KIT_STORAGE_S3_BUCKET is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown KIT_STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.DebounceAfter < 0 {
		return fmt.Errorf("KIT_SCAN_DEBOUNCE must not be negative")
	}
	return nil
}

func (s Salesforce) Credentials() directory.Credentials {
	return directory.Credentials{
		ClientID:      strings.TrimSpace(s.ClientID),
		ClientSecret:  strings.TrimSpace(s.ClientSecret),
		Username:      strings.TrimSpace(s.Username),
		Password:      s.Password,
		SecurityToken: s.SecurityToken,
		LoginURL:      s.LoginURL,
	}
}

func (s Salesforce) Options() directory.Options {
	return directory.Options{
		APIVersion:     s.APIVersion,
		LatitudeField:  s.LatitudeField,
		LongitudeField: s.LongitudeField,
		Limit:          s.MaxResults,
	}
}

func (s Storage) Config() storage.Config {
	return storage.Config{
		Driver: storage.Driver(s.Driver),
		Path:   s.Path,
		S3: storage.S3Config{
			Bucket:    s.S3Bucket,
			Region:    s.S3Region,
			Endpoint:  s.S3Endpoint,
			Prefix:    s.S3Prefix,
			PathStyle: s.S3PathStyle,
		},
	}
}
