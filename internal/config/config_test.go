package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "document", cfg.Analytics.Mode)
	assert.Equal(t, 0.05, cfg.Analytics.TolerancePct)
	assert.Equal(t, 3, cfg.DocStore.RetryAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TRACELIGHT_ANALYTICS_MODE", "dual")
	t.Setenv("TRACELIGHT_ANALYTICS_MODE_OVERRIDES", "proj-a=columnar, proj-b=document")
	t.Setenv("TRACELIGHT_COMPARE_TOLERANCE_PCT", "0.1")

	cfg := Load()
	assert.Equal(t, "dual", cfg.Analytics.Mode)
	assert.Equal(t, map[string]string{"proj-a": "columnar", "proj-b": "document"}, cfg.Analytics.ModeOverrides)
	assert.Equal(t, 0.1, cfg.Analytics.TolerancePct)
}

func TestEnvKVMap_MalformedEntriesSkipped(t *testing.T) {
	t.Setenv("TRACELIGHT_ANALYTICS_MODE_OVERRIDES", "good=dual,broken,=x,also=")
	cfg := Load()
	assert.Equal(t, map[string]string{"good": "dual"}, cfg.Analytics.ModeOverrides)
}
