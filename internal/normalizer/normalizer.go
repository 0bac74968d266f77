// Package normalizer detects which of the three provider wire dialects
// an inbound payload uses and collapses it into one canonical
// domain.NormalizedEvent. Dialects are modelled as a tagged variant
// with a dispatch table of extractors rather than duck-typed field
// access scattered through the processor.
package normalizer

import (
	"strings"

	"wootrico-bridge/internal/domain"
	"wootrico-bridge/internal/phone"
)

// raw is the decoded JSON body of a provider webhook payload.
type raw = map[string]interface{}

// DetectOrigin implements detectPayloadOrigin: structural
// signatures distinguish the three dialects, defaulting to unknown.
func DetectOrigin(body raw) domain.ProviderDialect {
	if _, hasPhone := body["phone"]; hasPhone {
		if _, hasMomment := body["momment"]; hasMomment {
			return domain.DialectZAPI
		}
	}

	if msg, ok := mapField(body, "message"); ok {
		if _, hasContent := msg["content"]; hasContent {
			if _, hasSender := msg["sender"]; hasSender {
				return domain.DialectUAZAPI
			}
		}
	}

	if ev, ok := mapField(body, "event"); ok {
		_, hasInfo := ev["Info"]
		_, hasMessage := ev["Message"]
		if hasInfo && hasMessage && strField(body, "type") == "Message" {
			return domain.DialectWuzapi
		}
	}

	return domain.DialectUnknown
}

// Extract dispatches to the dialect-specific extractor. ignoreGroups and
// defaultCountry come from the routed tenant.
func Extract(origin domain.ProviderDialect, body raw, ignoreGroups bool, defaultCountry string) domain.NormalizedEvent {
	switch origin {
	case domain.DialectZAPI:
		return extractZAPI(body, ignoreGroups, defaultCountry)
	case domain.DialectUAZAPI:
		return extractUAZAPI(body, ignoreGroups, defaultCountry)
	case domain.DialectWuzapi:
		return extractWuzapi(body, ignoreGroups, defaultCountry)
	default:
		return domain.NormalizedEvent{Origin: domain.DialectUnknown, Ignored: true, IgnoreReason: "payload_shape_unknown"}
	}
}

// --- Z-API ---

func extractZAPI(body raw, ignoreGroups bool, defaultCountry string) domain.NormalizedEvent {
	phoneField := strField(body, "phone")
	isGroup := strings.HasSuffix(phoneField, "-group")

	e := domain.NormalizedEvent{
		Origin:          domain.DialectZAPI,
		FromMe:          boolField(body, "fromMe"),
		FromAPI:         boolField(body, "fromApi"),
		MessageID:       strField(body, "messageId"),
		EditedMessageID: strField(body, "editedMessageId"),
		ReplyID:         strField(body, "referenceMessageId"),
		SenderName:      strField(body, "senderName"),
		Status:          strField(body, "status"),
		IsGroup:         isGroup,
	}

	if isGroup {
		if ignoreGroups {
			e.Ignored = true
			e.IgnoreReason = "group_disconsidered"
			return e
		}
		e.JID = phoneField
		e.GroupName = strField(body, "chatName")
	} else {
		e.Phone = phone.Normalize(phoneField, defaultCountry)
		e.SenderPhoto = strField(body, "photo")
	}

	if text, ok := mapField(body, "text"); ok {
		e.Text = strField(text, "message")
	}

	for _, kind := range []struct {
		field string
		kind  domain.MessageKind
	}{
		{"image", domain.KindImage},
		{"audio", domain.KindAudio},
		{"video", domain.KindVideo},
		{"document", domain.KindDocument},
	} {
		if m, ok := mapField(body, kind.field); ok {
			e.MediaKind = kind.kind
			e.MediaURL = firstNonEmpty(strField(m, "url"), strField(m, "imageUrl"), strField(m, "videoUrl"), strField(m, "documentUrl"))
			e.Filename = strField(m, "fileName")
			if e.Text == "" {
				e.Text = strField(m, "caption")
			}
			break
		}
	}

	return e
}

// --- UAZAPI ---

func extractUAZAPI(body raw, ignoreGroups bool, defaultCountry string) domain.NormalizedEvent {
	msg, _ := mapField(body, "message")
	chat, _ := mapField(body, "chat")

	chatID := strField(chat, "wa_chatid")
	isGroup := strings.HasSuffix(chatID, "@g.us")

	e := domain.NormalizedEvent{
		Origin:          domain.DialectUAZAPI,
		FromMe:          boolField(msg, "fromMe"),
		FromAPI:         boolField(msg, "fromApi"),
		MessageID:       strField(msg, "id"),
		EditedMessageID: strField(msg, "editedMessageId"),
		ReplyID:         strField(msg, "replyid"),
		Text:            strField(msg, "content"),
		IsGroup:         isGroup,
	}

	sender, _ := mapField(msg, "sender")
	e.SenderName = strField(sender, "pushname")

	if isGroup {
		if ignoreGroups {
			e.Ignored = true
			e.IgnoreReason = "group_disconsidered"
			return e
		}
		e.JID = chatID
		e.GroupName = strField(chat, "name")
	} else {
		switch {
		case strings.HasSuffix(chatID, "@lid"):
			e.LID = chatID
		case strings.HasSuffix(chatID, "@s.whatsapp.net"):
			e.Phone = phone.Normalize(strings.TrimSuffix(chatID, "@s.whatsapp.net"), defaultCountry)
		default:
			e.Phone = phone.Normalize(chatID, defaultCountry)
		}
		e.SenderPhoto = strField(sender, "profilePicUrl")
	}

	if t := strField(msg, "type"); t != "" {
		switch t {
		case "image":
			e.MediaKind = domain.KindImage
		case "audio", "ptt":
			e.MediaKind = domain.KindAudio
		case "video":
			e.MediaKind = domain.KindVideo
		case "document":
			e.MediaKind = domain.KindDocument
		}
	}

	return e
}

// IsUAZAPIDeletion implements the Subject P short-circuit for UAZAPI
// deletions: `type=DeletedMessage` with `event.Type=Deleted` or
// `state=Deleted`.
func IsUAZAPIDeletion(body raw) bool {
	if strField(body, "type") != "DeletedMessage" {
		return false
	}
	ev, _ := mapField(body, "event")
	return strField(ev, "Type") == "Deleted" || strField(body, "state") == "Deleted"
}

// IsUAZAPIMessagesUpdate reports the generic, always-ignored
// `messages_update` event.
func IsUAZAPIMessagesUpdate(body raw) bool {
	return strField(body, "type") == "messages_update"
}

// ZAPIDeletedMessageID returns the deleted message id and true when body
// is a Z-API `notification=REVOKE` deletion event.
func ZAPIDeletedMessageID(body raw) (string, bool) {
	if strField(body, "notification") != "REVOKE" {
		return "", false
	}
	return strField(body, "messageId"), true
}

// IsZAPIOtherNotification reports any other Z-API notification, which is
// always ignored.
func IsZAPIOtherNotification(body raw) bool {
	n := strField(body, "notification")
	return n != "" && n != "REVOKE"
}

// --- Wuzapi ---

func extractWuzapi(body raw, ignoreGroups bool, defaultCountry string) domain.NormalizedEvent {
	event, _ := mapField(body, "event")
	info, _ := mapField(event, "Info")
	message, _ := mapField(event, "Message")

	chat := strField(info, "Chat")
	isGroup := strings.HasSuffix(chat, "@g.us") || boolField(info, "IsGroup")

	e := domain.NormalizedEvent{
		Origin:     domain.DialectWuzapi,
		FromMe:     boolField(info, "IsFromMe"),
		FromAPI:    boolField(info, "FromApi"),
		MessageID:  strField(info, "ID"),
		SenderName: strField(info, "PushName"),
		IsGroup:    isGroup,
	}

	if isGroup {
		if ignoreGroups {
			e.Ignored = true
			e.IgnoreReason = "group_disconsidered"
			return e
		}
		if strings.HasSuffix(chat, "@lid") {
			e.LID = chat
		} else {
			e.GroupName = firstNonEmpty(strField(info, "PushName"), chat)
			e.JID = chat
		}
	} else {
		if strings.HasSuffix(chat, "@lid") {
			e.LID = chat
		} else {
			e.Phone = phone.Normalize(strings.TrimSuffix(chat, "@s.whatsapp.net"), defaultCountry)
		}
		e.SenderPhoto = strField(info, "SenderPhoto")
	}

	if conv := strField(message, "Conversation"); conv != "" {
		e.Text = conv
	}

	if img, ok := mapField(message, "ImageMessage"); ok {
		e.MediaKind = domain.KindImage
		e.Text = strField(img, "Caption")
		e.MediaBase64 = sanitizeBase64(strField(img, "Base64"))
	} else if aud, ok := mapField(message, "AudioMessage"); ok {
		e.MediaKind = domain.KindAudio
		e.MediaBase64 = sanitizeBase64(strField(aud, "Base64"))
	} else if vid, ok := mapField(message, "VideoMessage"); ok {
		e.MediaKind = domain.KindVideo
		e.Text = strField(vid, "Caption")
		e.MediaBase64 = sanitizeBase64(strField(vid, "Base64"))
	} else if doc, ok := mapField(message, "DocumentMessage"); ok {
		e.MediaKind = domain.KindDocument
		e.Text = strField(doc, "Caption")
		e.Filename = strField(doc, "FileName")
		e.MediaBase64 = sanitizeBase64(strField(doc, "Base64"))
	}

	return e
}

// sanitizeBase64 URL-safe-corrects a Wuzapi base64 payload: `-` to `+`,
// `_` to `/`, strip whitespace, pad to a multiple of 4.
func sanitizeBase64(s string) string {
	if s == "" {
		return ""
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '-':
			return '+'
		case '_':
			return '/'
		case ' ', '\n', '\r', '\t':
			return -1
		default:
			return r
		}
	}, s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}

// --- generic payload accessors ---

func mapField(m raw, key string) (raw, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	sub, ok := v.(map[string]interface{})
	return sub, ok
}

func strField(m raw, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolField(m raw, key string) bool {
	if m == nil {
		return false
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
