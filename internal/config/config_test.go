package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "coda-core.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644))
	return path
}

func TestLoadAppliesDefaultsWhenSectionsOmitted(t *testing.T) {
	path := writeConfig(t, `
bus:
  consumer_group: my-group
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-group", cfg.Bus.ConsumerGroup)
	assert.Equal(t, 10000, cfg.Bus.EventStreamMaxLen)
	assert.Equal(t, 3, cfg.Health.DegradedThreshold)
	assert.Equal(t, 20, cfg.Subagents.MaxConcurrentGlobal)
	assert.Equal(t, "UTC", cfg.Alerts.QuietHours.Timezone)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
bus:
  consumer_group: my-group
  bogus_field: true
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(basePath, []byte(`
subagents:
  max_concurrent_global: 50
`), 0o644))

	mainPath := filepath.Join(dir, "coda-core.yaml")
	require.NoError(t, os.WriteFile(mainPath, []byte(`
$include: base.yaml
subagents:
  max_concurrent_per_user: 5
`), 0o644))

	cfg, err := Load(mainPath)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Subagents.MaxConcurrentGlobal)
	assert.Equal(t, 5, cfg.Subagents.MaxConcurrentPerUser)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.yaml")
	bPath := filepath.Join(dir, "b.yaml")
	require.NoError(t, os.WriteFile(aPath, []byte(`$include: b.yaml`), 0o644))
	require.NoError(t, os.WriteFile(bPath, []byte(`$include: a.yaml`), 0o644))

	_, err := Load(aPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("CODA_CONSUMER_GROUP", "env-group")
	path := writeConfig(t, `
bus:
  consumer_group: ${CODA_CONSUMER_GROUP}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-group", cfg.Bus.ConsumerGroup)
}

func TestValidateRejectsPerUserConcurrencyAboveGlobal(t *testing.T) {
	path := writeConfig(t, `
subagents:
  max_concurrent_per_user: 100
  max_concurrent_global: 5
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_per_user")
}

func TestValidateRejectsUnknownAlertSeverity(t *testing.T) {
	path := writeConfig(t, `
alerts:
  rules:
    system.cpu.high:
      severity: critical
      channels: ["#ops"]
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "severity")
}

func TestValidateRejectsMalformedQuietHours(t *testing.T) {
	path := writeConfig(t, `
alerts:
  quiet_hours:
    enabled: true
    start: "not-a-time"
    end: "07:00"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quiet_hours.start")
}

func TestJSONSchemaReturnsNonEmptyDocument(t *testing.T) {
	out, err := JSONSchema()
	require.NoError(t, err)
	assert.Contains(t, string(out), "subagents")
}
