package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wootrico-bridge/internal/config"
	"wootrico-bridge/internal/domain"
	"wootrico-bridge/internal/log"
	"wootrico-bridge/internal/tenant"
)

func testRegistry(t *testing.T) *tenant.Registry {
	t.Helper()
	t.Setenv("CHATWOOT_BASE_URL_1", "https://chatwoot.example")
	t.Setenv("CHATWOOT_API_TOKEN_1", "token")
	t.Setenv("CHATWOOT_ACCOUNT_ID_1", "1")
	t.Setenv("CHATWOOT_INBOX_NAME_1", "WhatsApp")
	t.Setenv("UAZAPI_BASE_URL_1", "https://uazapi.example")
	t.Setenv("UAZAPI_TOKEN_1", "uazapi-token")
	t.Setenv("UAZAPI_NUMBER_1", "5511999990000")

	cfg, err := config.Load()
	require.NoError(t, err)

	reg, err := tenant.Load(cfg, log.Init("disabled"))
	require.NoError(t, err)
	return reg
}

func TestDecodeBodyUnwrapsEnvelope(t *testing.T) {
	body, err := decodeBody([]byte(`{"body":{"phone":"123"}}`))
	require.NoError(t, err)
	assert.Equal(t, "123", strField(body, "phone"))

	body, err = decodeBody([]byte(`{"phone":"456"}`))
	require.NoError(t, err)
	assert.Equal(t, "456", strField(body, "phone"))
}

func TestIsHelpdeskDeletion(t *testing.T) {
	assert.True(t, isHelpdeskDeletion(raw{
		"event":              "message_updated",
		"content_attributes": raw{"deleted": true},
	}))
	assert.False(t, isHelpdeskDeletion(raw{"event": "message_created"}))
	assert.False(t, isHelpdeskDeletion(raw{"event": "message_updated", "content_attributes": raw{"deleted": false}}))
}

func TestResolveRecipientPrefersPhoneThenLidThenJid(t *testing.T) {
	body := raw{
		"conversation": raw{
			"meta": raw{
				"sender": raw{
					"identifier":   "+5511999998888",
					"phone_number": "+5511999998888",
				},
			},
		},
	}
	assert.Equal(t, "+5511999998888", resolveRecipient(body))

	body = raw{
		"conversation": raw{
			"meta": raw{
				"sender": raw{
					"identifier":        "abc@lid",
					"custom_attributes": raw{"lid": "abc@lid"},
				},
			},
		},
	}
	assert.Equal(t, "abc@lid", resolveRecipient(body))

	body = raw{
		"conversation": raw{
			"meta": raw{
				"sender": raw{"identifier": "120363407124580783-group"},
			},
		},
	}
	assert.Equal(t, "120363407124580783-group", resolveRecipient(body))
}

func TestResolveSenderNamePrecedence(t *testing.T) {
	body := raw{
		"assignee": raw{"available_name": "Ana"},
		"sender":   raw{"name": "Bob"},
	}
	assert.Equal(t, "Ana", resolveSenderName(body))

	body = raw{"sender": raw{"name": "Bob"}}
	assert.Equal(t, "Bob", resolveSenderName(body))

	body = raw{"conversation": raw{"meta": raw{"sender": raw{"name": "Carol"}}}}
	assert.Equal(t, "Carol", resolveSenderName(body))
}

func TestExtractAttachmentsMapsFileType(t *testing.T) {
	list := []raw{
		{"file_type": "image", "data_url": "https://x/1.jpg", "file_name": "1.jpg"},
	}
	kind, atts := extractAttachments(list)
	assert.Equal(t, domain.KindImage, kind)
	require.Len(t, atts, 1)
	assert.Equal(t, "https://x/1.jpg", atts[0].URL)
}

func TestRouteInboundTenantSingleTenantShortcut(t *testing.T) {
	reg := testRegistry(t)
	p := New(reg, nil, nil, log.Init("disabled"))

	entry, ok := p.routeInboundTenant(domain.DialectUAZAPI, raw{})
	require.True(t, ok)
	assert.Equal(t, "1", entry.Tenant.ID)
}

func TestRouteInboundTenantUAZAPIOwnerMatch(t *testing.T) {
	reg := testRegistry(t)

	t.Setenv("CHATWOOT_BASE_URL_2", "https://chatwoot2.example")
	t.Setenv("CHATWOOT_API_TOKEN_2", "token2")
	t.Setenv("CHATWOOT_ACCOUNT_ID_2", "2")
	t.Setenv("CHATWOOT_INBOX_NAME_2", "WhatsApp2")
	t.Setenv("UAZAPI_BASE_URL_2", "https://uazapi2.example")
	t.Setenv("UAZAPI_TOKEN_2", "uazapi-token-2")
	t.Setenv("UAZAPI_NUMBER_2", "5521888880000")
	t.Setenv("INTEGRATIONS", "1,2")

	cfg, err := config.Load()
	require.NoError(t, err)
	reg, err = tenant.Load(cfg, log.Init("disabled"))
	require.NoError(t, err)
	require.Equal(t, 2, reg.Count())

	p := New(reg, nil, nil, log.Init("disabled"))
	entry, ok := p.routeInboundTenant(domain.DialectUAZAPI, raw{"owner": "5521888880000"})
	require.True(t, ok)
	assert.Equal(t, "2", entry.Tenant.ID)
}
