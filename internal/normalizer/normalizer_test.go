package normalizer

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"wootrico-bridge/internal/domain"
)

func TestDetectOrigin(t *testing.T) {
	assert.Equal(t, domain.DialectZAPI, DetectOrigin(raw{"phone": "5511999998888", "momment": float64(1700000000)}))

	assert.Equal(t, domain.DialectUAZAPI, DetectOrigin(raw{
		"message": raw{"content": "hi", "sender": raw{"pushname": "Joe"}},
	}))

	assert.Equal(t, domain.DialectWuzapi, DetectOrigin(raw{
		"type":  "Message",
		"event": raw{"Info": raw{}, "Message": raw{}},
	}))

	assert.Equal(t, domain.DialectUnknown, DetectOrigin(raw{"foo": "bar"}))
}

func TestExtractZAPITextInbound(t *testing.T) {
	body := raw{
		"phone":   "5511999998888",
		"text":    raw{"message": "hi"},
		"fromMe":  false,
		"momment": float64(1700000000),
	}
	e := extractZAPI(body, false, "BR")

	assert.Equal(t, "+5511999998888", e.Phone)
	assert.Equal(t, "hi", e.Text)
	assert.False(t, e.FromMe)
	assert.False(t, e.IsGroup)
}

func TestExtractZAPIGroupEcho(t *testing.T) {
	body := raw{
		"phone": "120363407124580783-group",
		"text":  raw{"message": "hello all"},
	}
	e := extractZAPI(body, false, "BR")

	assert.True(t, e.IsGroup)
	assert.Equal(t, "120363407124580783-group", e.JID)
	assert.Empty(t, e.Phone, "group identifiers are never E.164 normalized")
}

func TestExtractZAPIGroupIgnored(t *testing.T) {
	body := raw{"phone": "120363407124580783-group", "text": raw{"message": "hi"}}
	e := extractZAPI(body, true, "BR")

	assert.True(t, e.Ignored)
	assert.Equal(t, "group_disconsidered", e.IgnoreReason)
}

func TestSanitizeBase64(t *testing.T) {
	got := sanitizeBase64("YWJj-_\n  ")
	assert.Equal(t, "YWJj+/==", got)

	_, err := base64.StdEncoding.DecodeString(got)
	assert.NoError(t, err)
}

func TestIsUAZAPIDeletion(t *testing.T) {
	assert.True(t, IsUAZAPIDeletion(raw{"type": "DeletedMessage", "event": raw{"Type": "Deleted"}}))
	assert.True(t, IsUAZAPIDeletion(raw{"type": "DeletedMessage", "state": "Deleted"}))
	assert.False(t, IsUAZAPIDeletion(raw{"type": "messages_update"}))
}

func TestZAPIDeletedMessageID(t *testing.T) {
	id, ok := ZAPIDeletedMessageID(raw{"notification": "REVOKE", "messageId": "ABC"})
	assert.True(t, ok)
	assert.Equal(t, "ABC", id)

	_, ok = ZAPIDeletedMessageID(raw{"notification": "RECEIVED"})
	assert.False(t, ok)
}

func TestExtractUAZAPIDirectChat(t *testing.T) {
	body := raw{
		"message": raw{
			"id":      "uaz-1",
			"content": "hello",
			"fromMe":  false,
			"sender":  raw{"pushname": "Joe", "profilePicUrl": "https://pic"},
		},
		"chat": raw{"wa_chatid": "5511999998888@s.whatsapp.net"},
	}
	e := extractUAZAPI(body, false, "BR")

	assert.Equal(t, "+5511999998888", e.Phone)
	assert.Empty(t, e.LID)
	assert.Equal(t, "hello", e.Text)
	assert.Equal(t, "Joe", e.SenderName)
	assert.Equal(t, "https://pic", e.SenderPhoto)
}

func TestExtractUAZAPILidChatKeepsHandleVerbatim(t *testing.T) {
	body := raw{
		"message": raw{"id": "uaz-2", "content": "hi", "sender": raw{}},
		"chat":    raw{"wa_chatid": "98765@lid"},
	}
	e := extractUAZAPI(body, false, "BR")

	assert.Equal(t, "98765@lid", e.LID)
	assert.Empty(t, e.Phone, "a lid handle must never be phone-normalized")
	assert.Equal(t, "98765@lid", e.Identifier())
}

func TestExtractUAZAPIGroup(t *testing.T) {
	body := raw{
		"message": raw{"id": "uaz-3", "content": "oi", "sender": raw{"pushname": "Ana"}},
		"chat":    raw{"wa_chatid": "120363@g.us", "name": "Friends"},
	}
	e := extractUAZAPI(body, false, "BR")

	assert.True(t, e.IsGroup)
	assert.Equal(t, "120363@g.us", e.JID)
	assert.Equal(t, "Friends", e.GroupName)
	assert.Empty(t, e.SenderPhoto, "group events never carry an avatar")
}

func TestExtractWuzapiImageMessage(t *testing.T) {
	body := raw{
		"type": "Message",
		"event": raw{
			"Info": raw{
				"ID":       "wz-1",
				"Chat":     "5511999998888@s.whatsapp.net",
				"PushName": "Bob",
			},
			"Message": raw{
				"ImageMessage": raw{"Caption": "look", "Base64": "YWJj-_"},
			},
		},
	}
	e := extractWuzapi(body, false, "BR")

	assert.Equal(t, "+5511999998888", e.Phone)
	assert.Equal(t, domain.KindImage, e.MediaKind)
	assert.Equal(t, "look", e.Text)
	assert.Equal(t, "YWJj+/==", e.MediaBase64)
}
