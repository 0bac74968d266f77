package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wootrico", cfg.StreamName)
	assert.Equal(t, "webhook.principal", cfg.SubjectPrincipal)
	assert.Equal(t, "webhook.callback", cfg.SubjectCallback)
	assert.Equal(t, "consumer-webhook-principal", cfg.ConsumerPrincipal)
	assert.Equal(t, "consumer-webhook-callback", cfg.ConsumerCallback)
	assert.Equal(t, "webhook-principal-consumer", cfg.WorkerPrincipal)
	assert.Equal(t, "webhook-callback-consumer", cfg.WorkerCallback)
}

func TestWebhookAndCallbackURLs(t *testing.T) {
	t.Setenv("APP_BASE_URL", "https://bridge.example/")
	t.Setenv("WEBHOOK_NAME", "hook")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://bridge.example/hook", cfg.WebhookURL())
	assert.Equal(t, "https://bridge.example/hook/callback", cfg.CallbackURL())
}

func TestGetEnvBool(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"1", false, true},
		{"true", false, true},
		{"YES", false, true},
		{"On", false, true},
		{"0", true, false},
		{"false", true, false},
		{"no", true, false},
		{"OFF", true, false},
		{"maybe", true, true},
		{"maybe", false, false},
		{"", true, true},
	}
	for _, tc := range cases {
		t.Setenv("BOOL_UNDER_TEST", tc.value)
		assert.Equal(t, tc.want, GetEnvBool("BOOL_UNDER_TEST", tc.def), "value=%q default=%v", tc.value, tc.def)
	}
}

func TestGetEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("INT_UNDER_TEST", "17")
	assert.Equal(t, 17, GetEnvInt("INT_UNDER_TEST", 5))

	t.Setenv("INT_UNDER_TEST", "seventeen")
	assert.Equal(t, 5, GetEnvInt("INT_UNDER_TEST", 5))
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("STR_UNDER_TEST", "set")
	assert.Equal(t, "set", GetEnvOrDefault("STR_UNDER_TEST", "fallback"))
	assert.Equal(t, "fallback", GetEnvOrDefault("STR_UNDER_TEST_MISSING", "fallback"))
}
