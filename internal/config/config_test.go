package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliverline/internal/config"
)

func TestDefaultValues(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 2, cfg.Pipeline.MinCompletedTasks)
	assert.Equal(t, 3, cfg.Pipeline.MaxDeliverablesPerWorkspace)
	assert.Equal(t, 30, cfg.Pipeline.CooldownSeconds)
	assert.Equal(t, 100.0, cfg.Pipeline.ReadinessThreshold)
	assert.Equal(t, 70.0, cfg.Pipeline.ImmediateThreshold)
	assert.False(t, cfg.Pipeline.ImmediateCreationEnabled)
	assert.InDelta(t, 0.70, cfg.Pipeline.BusinessValueThreshold, 1e-9)
	assert.InDelta(t, 0.90, cfg.Quality.AutoApproveThreshold, 1e-9)
	assert.InDelta(t, 0.50, cfg.Quality.AutoRejectThreshold, 1e-9)
	assert.InDelta(t, 0.70, cfg.Quality.HumanReviewMin, 1e-9)
	assert.InDelta(t, 0.80, cfg.Quality.HumanReviewMax, 1e-9)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 300, cfg.Resilience.RecoveryTimeoutSeconds)
	assert.Equal(t, 2000, cfg.Resilience.DebounceWindowMillis)
	assert.Equal(t, 10, cfg.Matcher.TimeoutSeconds)
	assert.Empty(t, cfg.Normalize())
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, warns, err := config.FromYAML([]byte("pipeline:\n  cooldown_seconds: 5\n"))
	require.NoError(t, err)
	assert.Empty(t, warns)
	assert.Equal(t, 5, cfg.Pipeline.CooldownSeconds)
	assert.Equal(t, 3, cfg.Pipeline.MaxDeliverablesPerWorkspace)
	assert.InDelta(t, 0.90, cfg.Quality.AutoApproveThreshold, 1e-9)
}

func TestNormalizeClampsInvalidValues(t *testing.T) {
	raw := `pipeline:
  cooldown_seconds: -4
  max_deliverables_per_workspace: 0
  business_value_threshold: 1.7
quality:
  auto_approve_threshold: -0.2
  human_review_min: 0.85
  human_review_max: 0.75
resilience:
  failure_threshold: 0
`
	cfg, warns, err := config.FromYAML([]byte(raw))
	require.NoError(t, err)
	def := config.Default()
	assert.Equal(t, def.Pipeline.CooldownSeconds, cfg.Pipeline.CooldownSeconds)
	assert.Equal(t, def.Pipeline.MaxDeliverablesPerWorkspace, cfg.Pipeline.MaxDeliverablesPerWorkspace)
	assert.Equal(t, def.Pipeline.BusinessValueThreshold, cfg.Pipeline.BusinessValueThreshold)
	assert.Equal(t, def.Quality.AutoApproveThreshold, cfg.Quality.AutoApproveThreshold)
	assert.Equal(t, def.Quality.HumanReviewMin, cfg.Quality.HumanReviewMin)
	assert.Equal(t, def.Quality.HumanReviewMax, cfg.Quality.HumanReviewMax)
	assert.Equal(t, def.Resilience.FailureThreshold, cfg.Resilience.FailureThreshold)

	fields := map[string]bool{}
	for _, w := range warns {
		fields[w.Field] = true
	}
	for _, f := range []string{
		"pipeline.cooldown_seconds",
		"pipeline.max_deliverables_per_workspace",
		"pipeline.business_value_threshold",
		"quality.auto_approve_threshold",
		"quality.human_review_max",
		"resilience.failure_threshold",
	} {
		assert.True(t, fields[f], "expected warning for %s", f)
	}
}

func TestOverlappingQualityRangesAreKept(t *testing.T) {
	// auto_reject above human_review_min is a legal, if odd, configuration.
	cfg, warns, err := config.FromYAML([]byte("quality:\n  auto_reject_threshold: 0.75\n"))
	require.NoError(t, err)
	assert.Empty(t, warns)
	assert.InDelta(t, 0.75, cfg.Quality.AutoRejectThreshold, 1e-9)
}

func TestInvalidYAML(t *testing.T) {
	_, _, err := config.FromYAML([]byte("pipeline: ["))
	require.Error(t, err)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, warns, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, warns)
	assert.Equal(t, 3, cfg.Pipeline.MaxDeliverablesPerWorkspace)

	_, _, err = config.Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "deliverline.yml"), []byte("pipeline:\n  min_completed_tasks: 4\n"), 0o644))
	cfg, _, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pipeline.MinCompletedTasks)
}

func TestRecoveryTimeoutKeys(t *testing.T) {
	cfg, warns, err := config.FromYAML([]byte("resilience:\n  recovery_timeout: 120\n"))
	require.NoError(t, err)
	assert.Empty(t, warns)
	assert.Equal(t, 120*time.Second, cfg.RecoveryTimeout())

	cfg, _, err = config.FromYAML([]byte("resilience:\n  recovery_timeout_seconds: 90\n"))
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Resilience.RecoveryTimeoutSeconds)

	cfg, _, err = config.FromYAML([]byte("resilience:\n  recovery_timeout: 60\n  recovery_timeout_seconds: 90\n"))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Resilience.RecoveryTimeoutSeconds)

	cfg, warns, err = config.FromYAML([]byte("resilience:\n  recovery_timeout_seconds: 0\n"))
	require.NoError(t, err)
	require.Len(t, warns, 1)
	assert.Equal(t, "resilience.recovery_timeout", warns[0].Field)
	assert.Equal(t, 300, cfg.Resilience.RecoveryTimeoutSeconds)
}
