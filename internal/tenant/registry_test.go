package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wootrico-bridge/internal/config"
	"wootrico-bridge/internal/domain"
	"wootrico-bridge/internal/log"
)

func setChatwootEnv(t *testing.T, id string) {
	t.Helper()
	t.Setenv("CHATWOOT_BASE_URL_"+id, "https://chatwoot.example")
	t.Setenv("CHATWOOT_API_TOKEN_"+id, "token")
	t.Setenv("CHATWOOT_ACCOUNT_ID_"+id, "1")
	t.Setenv("CHATWOOT_INBOX_NAME_"+id, "WhatsApp")
}

func TestLoadDiscoversSingleTenantByUAZAPIRecipe(t *testing.T) {
	setChatwootEnv(t, "1")
	t.Setenv("UAZAPI_BASE_URL_1", "https://uazapi.example")
	t.Setenv("UAZAPI_TOKEN_1", "uaz-token")
	t.Setenv("UAZAPI_NUMBER_1", "+55 11 99999-0000")

	cfg, err := config.Load()
	require.NoError(t, err)
	reg, err := Load(cfg, log.Init("disabled"))
	require.NoError(t, err)

	require.Equal(t, 1, reg.Count())
	entry, ok := reg.ByID("1")
	require.True(t, ok)
	assert.Equal(t, domain.DialectUAZAPI, entry.Tenant.Provider.Dialect)
	assert.Equal(t, "5511999990000", entry.Tenant.Provider.Number)
}

func TestBuildProviderConfigPrefersUAZAPIOverZAPIAndWuzapi(t *testing.T) {
	setChatwootEnv(t, "2")
	t.Setenv("UAZAPI_BASE_URL_2", "https://uazapi.example")
	t.Setenv("UAZAPI_TOKEN_2", "uaz-token")
	t.Setenv("UAZAPI_NUMBER_2", "5511999990000")
	t.Setenv("ZAPI_INSTANCE_2", "inst1")
	t.Setenv("ZAPI_TOKEN_2", "zapi-token")
	t.Setenv("ZAPI_CLIENT_TOKEN_2", "client-tok")
	t.Setenv("WUZAPI_BASE_URL_2", "https://wuzapi.example")
	t.Setenv("WUZAPI_TOKEN_2", "wuzapi-token")

	cfg, err := config.Load()
	require.NoError(t, err)
	reg, err := Load(cfg, log.Init("disabled"))
	require.NoError(t, err)

	entry, ok := reg.ByID("2")
	require.True(t, ok)
	assert.Equal(t, domain.DialectUAZAPI, entry.Tenant.Provider.Dialect)
}

func TestBuildProviderConfigFallsBackToZAPIThenWuzapi(t *testing.T) {
	setChatwootEnv(t, "3")
	t.Setenv("ZAPI_INSTANCE_3", "inst1")
	t.Setenv("ZAPI_TOKEN_3", "zapi-token")
	t.Setenv("ZAPI_CLIENT_TOKEN_3", "client-tok")

	setChatwootEnv(t, "8")
	t.Setenv("WUZAPI_BASE_URL_8", "https://wuzapi.example")
	t.Setenv("WUZAPI_TOKEN_8", "wuzapi-token")

	cfg, err := config.Load()
	require.NoError(t, err)
	reg, err := Load(cfg, log.Init("disabled"))
	require.NoError(t, err)

	entry, ok := reg.ByID("3")
	require.True(t, ok)
	assert.Equal(t, domain.DialectZAPI, entry.Tenant.Provider.Dialect)

	entry, ok = reg.ByID("8")
	require.True(t, ok)
	assert.Equal(t, domain.DialectWuzapi, entry.Tenant.Provider.Dialect)
}

func TestBuildTenantFailsOnIncompleteHelpdeskConfig(t *testing.T) {
	t.Setenv("CHATWOOT_BASE_URL_9", "https://chatwoot.example")
	t.Setenv("UAZAPI_BASE_URL_9", "https://uazapi.example")
	t.Setenv("UAZAPI_TOKEN_9", "uaz-token")
	t.Setenv("UAZAPI_NUMBER_9", "5511999990000")

	cfg, err := config.Load()
	require.NoError(t, err)
	_, err = Load(cfg, log.Init("disabled"))
	assert.Error(t, err)
}

func TestSoleOfDialectRequiresExactlyOneMatch(t *testing.T) {
	setChatwootEnv(t, "4")
	t.Setenv("ZAPI_INSTANCE_4", "inst1")
	t.Setenv("ZAPI_TOKEN_4", "zapi-token")
	t.Setenv("ZAPI_CLIENT_TOKEN_4", "client-tok")

	setChatwootEnv(t, "5")
	t.Setenv("ZAPI_INSTANCE_5", "inst2")
	t.Setenv("ZAPI_TOKEN_5", "zapi-token-2")
	t.Setenv("ZAPI_CLIENT_TOKEN_5", "client-tok-2")

	cfg, err := config.Load()
	require.NoError(t, err)
	reg, err := Load(cfg, log.Init("disabled"))
	require.NoError(t, err)

	_, ok := reg.SoleOfDialect(domain.DialectZAPI)
	assert.False(t, ok, "two Z-API tenants loaded, SoleOfDialect must not pick one arbitrarily")

	entry, ok := reg.ByZAPIInstance("inst2")
	require.True(t, ok)
	assert.Equal(t, "5", entry.Tenant.ID)
}

func TestByUAZAPIOwnerMatchesNormalizedDigits(t *testing.T) {
	setChatwootEnv(t, "6")
	t.Setenv("UAZAPI_BASE_URL_6", "https://uazapi.example")
	t.Setenv("UAZAPI_TOKEN_6", "uaz-token")
	t.Setenv("UAZAPI_NUMBER_6", "5511999990000")

	cfg, err := config.Load()
	require.NoError(t, err)
	reg, err := Load(cfg, log.Init("disabled"))
	require.NoError(t, err)

	entry, ok := reg.ByUAZAPIOwner("+55 (11) 99999-0000")
	require.True(t, ok)
	assert.Equal(t, "6", entry.Tenant.ID)
}

func TestRegisterInboxAndByInboxID(t *testing.T) {
	setChatwootEnv(t, "7")
	t.Setenv("WUZAPI_BASE_URL_7", "https://wuzapi.example")
	t.Setenv("WUZAPI_TOKEN_7", "wuzapi-token")

	cfg, err := config.Load()
	require.NoError(t, err)
	reg, err := Load(cfg, log.Init("disabled"))
	require.NoError(t, err)

	entry, ok := reg.ByID("7")
	require.True(t, ok)

	_, ok = reg.ByInboxID(123)
	assert.False(t, ok)

	reg.RegisterInbox(123, entry)
	got, ok := reg.ByInboxID(123)
	require.True(t, ok)
	assert.Same(t, entry, got)
}
