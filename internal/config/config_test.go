package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "mongodb://localhost:27017/", cfg.MongoURI)
	assert.Equal(t, 100, cfg.MaxConcurrency)
	assert.Equal(t, "gemini-2.0-flash-lite-001", cfg.ModelID)
	assert.Equal(t, "zh", cfg.Language)
	assert.Equal(t, "picollect/danbooru", cfg.HFRepo)
	assert.Len(t, cfg.Regions, 14)
	assert.Contains(t, cfg.Regions, "us-east5")
	assert.Contains(t, cfg.Regions, "europe-central2")
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dancap.yaml")
	content := `
mongodb_uri: mongodb://db.internal:27017/
max_concurrency: 25
model_id: gemini-2.0-flash-001
language: en
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://db.internal:27017/", cfg.MongoURI)
	assert.Equal(t, 25, cfg.MaxConcurrency)
	assert.Equal(t, "gemini-2.0-flash-001", cfg.ModelID)
	assert.Equal(t, "en", cfg.Language)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched fields keep defaults.
	assert.Equal(t, "picollect/danbooru", cfg.HFRepo)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxConcurrency)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("basic overrides", func(t *testing.T) {
		t.Setenv("MONGODB_URI", "mongodb://env:27017/")
		t.Setenv("MAX_CONCURRENCY", "7")
		t.Setenv("MODEL_ID", "gemini-env")
		t.Setenv("LANGUAGE", "en")
		t.Setenv("USE_HFPICS_FIRST", "1")
		t.Setenv("LOG_LEVEL", "warning")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "mongodb://env:27017/", cfg.MongoURI)
		assert.Equal(t, 7, cfg.MaxConcurrency)
		assert.Equal(t, "gemini-env", cfg.ModelID)
		assert.Equal(t, "en", cfg.Language)
		assert.True(t, cfg.UseHFPicsFirst)
		assert.Equal(t, "warning", cfg.Logging.Level)
	})

	t.Run("invalid concurrency keeps default", func(t *testing.T) {
		t.Setenv("MAX_CONCURRENCY", "lots")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 100, cfg.MaxConcurrency)
	})

	t.Run("invalid language falls back to zh", func(t *testing.T) {
		t.Setenv("LANGUAGE", "fr")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "zh", cfg.Language)
	})

	t.Run("env wins over yaml", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "dancap.yaml")
		require.NoError(t, os.WriteFile(path, []byte("max_concurrency: 3\n"), 0644))
		t.Setenv("MAX_CONCURRENCY", "9")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.MaxConcurrency)
	})
}

func TestInitializeCredentials(t *testing.T) {
	t.Run("writes inline content to path", func(t *testing.T) {
		t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
		dir := t.TempDir()
		cfg := DefaultConfig()
		cfg.CredentialsPath = filepath.Join(dir, "creds", "sa.json")
		cfg.CredentialsContent = `{"type":"service_account"}`

		require.NoError(t, cfg.InitializeCredentials())

		data, err := os.ReadFile(cfg.CredentialsPath)
		require.NoError(t, err)
		assert.Equal(t, `{"type":"service_account"}`, string(data))
		assert.Equal(t, cfg.CredentialsPath, os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	})

	t.Run("accepts existing non-empty file", func(t *testing.T) {
		t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
		dir := t.TempDir()
		path := filepath.Join(dir, "sa.json")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))

		cfg := DefaultConfig()
		cfg.CredentialsPath = path
		require.NoError(t, cfg.InitializeCredentials())
	})

	t.Run("rejects empty file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "sa.json")
		require.NoError(t, os.WriteFile(path, nil, 0600))

		cfg := DefaultConfig()
		cfg.CredentialsPath = path
		assert.Error(t, cfg.InitializeCredentials())
	})

	t.Run("rejects missing file without content", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CredentialsPath = filepath.Join(t.TempDir(), "absent.json")
		assert.Error(t, cfg.InitializeCredentials())
	})
}

func TestStringOmitsCredentialContent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CredentialsContent = "SECRET"
	assert.NotContains(t, cfg.String(), "SECRET")
}
