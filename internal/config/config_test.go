package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kit-tracker/internal/directory"
	"kit-tracker/internal/storage"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9595", cfg.Port)
	assert.Equal(t, "https://test.salesforce.com", cfg.Salesforce.LoginURL)
	assert.Equal(t, "63.0", cfg.Salesforce.APIVersion)
	assert.Equal(t, 25.0, cfg.Salesforce.SearchRadiusKm)
	assert.Equal(t, 10, cfg.Salesforce.MaxResults)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, 2*time.Second, cfg.DebounceAfter)
	assert.False(t, cfg.RejectReconfirm)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("SALESFORCE_CLIENT_ID", " 3MVG9client ")
	t.Setenv("SALESFORCE_CLIENT_SECRET", "secret")
	t.Setenv("SALESFORCE_USERNAME", "ops@example.com")
	t.Setenv("SALESFORCE_PASSWORD", "hunter2")
	t.Setenv("SALESFORCE_SECURITY_TOKEN", "TOKEN")
	t.Setenv("SALESFORCE_LOGIN_BASE_URL", "https://login.salesforce.com")
	t.Setenv("SALESFORCE_MAX_RESULTS", "25")
	t.Setenv("SALESFORCE_LATITUDE_FIELD", "Geo_Lat__c")
	t.Setenv("SALESFORCE_LONGITUDE_FIELD", "Geo_Lng__c")
	t.Setenv("KIT_STORAGE_DRIVER", "s3")
	t.Setenv("KIT_STORAGE_S3_BUCKET", "kits")
	t.Setenv("KIT_STORAGE_S3_PATH_STYLE", "true")
	t.Setenv("KIT_SCAN_DEBOUNCE", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceAfter)

	assert.Equal(t, directory.Credentials{
		ClientID:      "3MVG9client",
		ClientSecret:  "secret",
		Username:      "ops@example.com",
		Password:      "hunter2",
		SecurityToken: "TOKEN",
		LoginURL:      "https://login.salesforce.com",
	}, cfg.Salesforce.Credentials())

	opts := cfg.Salesforce.Options()
	assert.Equal(t, "Geo_Lat__c", opts.LatitudeField)
	assert.Equal(t, "Geo_Lng__c", opts.LongitudeField)
	assert.Equal(t, 25, opts.Limit)

	st := cfg.Storage.Config()
	assert.Equal(t, storage.DriverS3, st.Driver)
	assert.Equal(t, "kits", st.S3.Bucket)
	assert.True(t, st.S3.PathStyle)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, env := range map[string][2]string{
		"bad int":         {"SALESFORCE_MAX_RESULTS", "many"},
		"limit too large": {"SALESFORCE_MAX_RESULTS", "26"},
		"zero radius":     {"SALESFORCE_SEARCH_RADIUS_KM", "0"},
		"unknown driver":  {"KIT_STORAGE_DRIVER", "floppy"},
		"s3 no bucket":    {"KIT_STORAGE_DRIVER", "s3"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseEnvWrapsErrors(t *testing.T) {
	t.Setenv("PORT", "x")
	var target struct {
		Port int `env:"PORT"`
	}
	err := ParseEnv(&target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}
