package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, 5, cfg.Fetch.MaxRedirects)
	assert.Equal(t, 10, cfg.Fetch.MaxBodyMB)
	assert.Equal(t, "research-pipeline/1.0", cfg.Fetch.UserAgent)
	assert.InDelta(t, 2.0, cfg.Fetch.PerHostRPS, 0.001)
	assert.Equal(t, "pdftotext", cfg.Fetch.PdfToTextPath)
	assert.Equal(t, 10, cfg.Worker.JobMaxAttempts)
	assert.Equal(t, 5, cfg.Worker.StepMaxAttempts)
	assert.Equal(t, 3, cfg.Worker.SourceMaxAttempts)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, "anonymous", cfg.Ingest.FTP.User)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.Equal(t, "exports", cfg.Export.Dir)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: research.db
log:
  level: debug
  format: console
server:
  port: 9090
worker:
  job_max_attempts: 20
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "research.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Worker.JobMaxAttempts)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Worker.StepMaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("RESEARCH_STORE_DRIVER", "postgres")
	t.Setenv("RESEARCH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("RESEARCH_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "postgres://localhost/research"
	cfg.Fetch.TimeoutSecs = 30
	cfg.Fetch.MaxBodyMB = 10
	cfg.Worker.JobMaxAttempts = 10
	cfg.Worker.StepMaxAttempts = 5
	cfg.Worker.SourceMaxAttempts = 3
	cfg.Worker.Concurrency = 1
	cfg.Server.Port = 8080
	cfg.Export.Dir = "exports"
	return cfg
}

func TestValidateWorker_AllPresent(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidateWorker_MissingFields(t *testing.T) {
	cfg := &Config{}

	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "worker.job_max_attempts must be between 1 and 100")
	assert.Contains(t, err.Error(), "fetch.timeout_secs must be between 1 and 300")
}

func TestValidateWorker_AttemptBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Worker.JobMaxAttempts = 0
	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "job_max_attempts")

	cfg.Worker.JobMaxAttempts = 101
	err = cfg.Validate("worker")
	assert.Error(t, err)

	cfg.Worker.JobMaxAttempts = 100
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidateServe_ValidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 9090
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateNotion_MissingToken(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("notion")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "notion.token is required")
	assert.Contains(t, err.Error(), "notion.prospect_db is required")
}

func TestValidateSalesforce_MissingCreds(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("salesforce")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce.client_id is required")
	assert.Contains(t, err.Error(), "salesforce.key_path is required")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestLoadRunSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	yaml := `
tenant: acme
name: oman-industrials
requested_by: analyst@example.com
urls:
  - https://example.com/companies
pdfs:
  - /data/annual-report.pdf
texts:
  - title: analyst notes
    content: Al Batinah Cables is based in Oman.
lists:
  - /data/targets.xlsx
proposal: /data/proposal.json
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	spec, err := LoadRunSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "acme", spec.Tenant)
	assert.Equal(t, "oman-industrials", spec.Name)
	assert.Len(t, spec.URLs, 1)
	assert.Len(t, spec.Texts, 1)
	assert.Equal(t, "analyst notes", spec.Texts[0].Title)
	assert.Equal(t, "/data/proposal.json", spec.Proposal)
}

func TestLoadRunSpec_MissingTenant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\nurls: [https://example.com]\n"), 0644))

	_, err := LoadRunSpec(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tenant is required")
}

func TestLoadRunSpec_NoSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenant: acme\nname: empty\n"), 0644))

	_, err := LoadRunSpec(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one source is required")
}
