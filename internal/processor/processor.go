// Package processor implements the reconciliation engine: for each
// event pulled off subject P (provider webhooks) or subject C (helpdesk
// callbacks) it decides drop, deliver-incoming, deliver-outgoing or
// delete, consulting the credit ledger and mapping cache.
package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"wootrico-bridge/internal/domain"
	"wootrico-bridge/internal/helpdesk"
	"wootrico-bridge/internal/ledger"
	"wootrico-bridge/internal/log"
	"wootrico-bridge/internal/mapping"
	"wootrico-bridge/internal/normalizer"
	"wootrico-bridge/internal/provider"
	"wootrico-bridge/internal/tenant"
)

// editMarker is appended to the body of a message delivered as the
// reply-to-original rendering of an edit.
const editMarker = "(*mensagem editada pelo usuário*)"

type raw = map[string]interface{}

// Processor wires the tenant registry, credit ledger and mapping cache
// into the two subject handlers.
type Processor struct {
	registry *tenant.Registry
	ledger   *ledger.Ledger
	mapping  *mapping.Cache
	logger   *log.Logger
}

// New constructs a Processor. The three collaborators are process-wide
// singletons built once at startup.
func New(registry *tenant.Registry, led *ledger.Ledger, maps *mapping.Cache, logger *log.Logger) *Processor {
	return &Processor{registry: registry, ledger: led, mapping: maps, logger: logger}
}

// HandlePrincipal processes one subject-P (provider webhook) payload.
// It never returns an error that should trigger redelivery: a non-nil
// error here is logged by the queue and still acked.
func (p *Processor) HandlePrincipal(ctx context.Context, data []byte) error {
	body, err := decodeBody(data)
	if err != nil {
		p.logger.LogDropped("webhook.principal", "payload_shape_unknown", map[string]interface{}{"error": err.Error()})
		return nil
	}
	logger := p.logger.WithFields(map[string]interface{}{"event_id": uuid.New().String()})

	if normalizer.IsUAZAPIDeletion(body) {
		ev, _ := mapField(body, "event")
		return p.handleProviderDeletion(ctx, logger, firstNonEmpty(strField(body, "id"), strField(ev, "id")))
	}
	if normalizer.IsUAZAPIMessagesUpdate(body) {
		logger.LogDropped("webhook.principal", "messages_update_ignored", nil)
		return nil
	}
	if msgID, ok := normalizer.ZAPIDeletedMessageID(body); ok {
		return p.handleProviderDeletion(ctx, logger, msgID)
	}
	if normalizer.IsZAPIOtherNotification(body) {
		logger.LogDropped("webhook.principal", "notification_ignored", map[string]interface{}{"notification": strField(body, "notification")})
		return nil
	}

	origin := normalizer.DetectOrigin(body)
	entry, ok := p.routeInboundTenant(origin, body)
	if !ok {
		logger.LogDropped("webhook.principal", "integration_not_found", map[string]interface{}{"origin": string(origin)})
		return nil
	}

	event := normalizer.Extract(origin, body, entry.Tenant.Policy.IgnoreGroups, entry.Tenant.Country)
	if event.Ignored {
		logger.LogDropped("webhook.principal", event.IgnoreReason, map[string]interface{}{"tenant_id": entry.Tenant.ID})
		return nil
	}

	return p.deliverInbound(ctx, logger, entry, &event)
}

// routeInboundTenant picks the tenant for an inbound provider event:
// single-tenant shortcut, then a dialect-specific match, else drop.
func (p *Processor) routeInboundTenant(origin domain.ProviderDialect, body raw) (*tenant.Entry, bool) {
	if all := p.registry.All(); len(all) == 1 {
		return all[0], true
	}

	switch origin {
	case domain.DialectUAZAPI:
		if owner := strField(body, "owner"); owner != "" {
			if e, ok := p.registry.ByUAZAPIOwner(owner); ok {
				return e, true
			}
		}
		msg, _ := mapField(body, "message")
		chat, _ := mapField(body, "chat")
		if chatID := firstNonEmpty(strField(msg, "chatid"), strField(chat, "wa_chatid"), strField(body, "chatid")); chatID != "" {
			if e, ok := p.registry.ByUAZAPIOwner(chatID); ok {
				return e, true
			}
		}
		return nil, false
	case domain.DialectZAPI:
		return p.registry.SoleOfDialect(domain.DialectZAPI)
	case domain.DialectWuzapi:
		return p.registry.SoleOfDialect(domain.DialectWuzapi)
	default:
		return nil, false
	}
}

// handleProviderDeletion propagates a provider-side deletion notification
// to the helpdesk side, symmetric to handleHelpdeskDeletion.
func (p *Processor) handleProviderDeletion(ctx context.Context, logger *log.Logger, providerMsgID string) error {
	if providerMsgID == "" {
		logger.LogDropped("webhook.principal", "payload_shape_unknown", nil)
		return nil
	}
	m, ok := p.mapping.ByProviderID(providerMsgID)
	if !ok {
		logger.LogDropped("webhook.principal", "whatsapp_message_id_not_found", map[string]interface{}{"provider_msg_id": providerMsgID})
		return nil
	}
	entry, ok := p.registry.ByID(m.TenantID)
	if !ok {
		logger.LogDropped("webhook.principal", "integration_not_found", map[string]interface{}{"tenant_id": m.TenantID})
		return nil
	}
	if err := entry.Helpdesk.Delete(ctx, m.ConversationID, m.HelpdeskMsgID); err != nil {
		return fmt.Errorf("delete helpdesk message for provider-side deletion: %w", err)
	}
	p.mapping.Remove(m.HelpdeskMsgID)
	return nil
}

// deliverInbound classifies an inbound event by (fromMe, fromApi).
func (p *Processor) deliverInbound(ctx context.Context, logger *log.Logger, entry *tenant.Entry, e *domain.NormalizedEvent) error {
	switch {
	case !e.FromMe:
		return p.deliverClientInbound(ctx, logger, entry, e)
	case e.FromMe && !e.FromAPI:
		return p.deliverAgentFromPhone(ctx, logger, entry, e)
	default:
		return p.deliverProviderEcho(ctx, logger, entry, e)
	}
}

// resolveConversation finds or creates the contact and conversation this
// event belongs to, registering the inbox→tenant association so subject C
// can route callbacks back.
func (p *Processor) resolveConversation(ctx context.Context, entry *tenant.Entry, e *domain.NormalizedEvent) (*domain.Conversation, error) {
	identifier := e.Identifier()
	if identifier == "" {
		return nil, fmt.Errorf("normalized event carries no contact identifier")
	}

	name := e.SenderName
	avatar := e.SenderPhoto
	if e.IsGroup {
		name = e.GroupName
		avatar = ""
	}

	contact, err := entry.Helpdesk.FindOrCreateContact(ctx, identifier, name, avatar)
	if err != nil {
		return nil, fmt.Errorf("find or create contact: %w", err)
	}
	conv, err := entry.Helpdesk.FindOrCreateConversation(ctx, contact.ID)
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	p.registry.RegisterInbox(conv.InboxID, entry)
	return conv, nil
}

func eventKind(e *domain.NormalizedEvent) domain.MessageKind {
	if e.MediaKind == "" {
		return domain.KindText
	}
	return e.MediaKind
}

// deliverClientInbound is the `fromMe=false` branch: a genuine inbound
// message from the client, delivered as `incoming`.
func (p *Processor) deliverClientInbound(ctx context.Context, logger *log.Logger, entry *tenant.Entry, e *domain.NormalizedEvent) error {
	conv, err := p.resolveConversation(ctx, entry, e)
	if err != nil {
		return err
	}

	content := e.Text
	var replyTo int64
	if e.EditedMessageID != "" {
		if m, ok := p.mapping.ByProviderID(e.EditedMessageID); ok {
			replyTo = m.HelpdeskMsgID
			if content == "" {
				content = editMarker
			} else {
				content = content + "\n" + editMarker
			}
		}
	} else if e.ReplyID != "" {
		if m, ok := p.mapping.ByProviderID(e.ReplyID); ok {
			replyTo = m.HelpdeskMsgID
		}
	}

	if e.IsGroup {
		content = fmt.Sprintf("**%s:**\n%s", e.SenderName, content)
	}

	result, err := entry.Helpdesk.Send(ctx, helpdesk.SendParams{
		ConversationID: conv.ID,
		Kind:           eventKind(e),
		Content:        content,
		ReplyToMsgID:   replyTo,
		ProviderOrigin: entry.Tenant.Provider.Dialect,
		ProviderMsgID:  e.MessageID,
		MediaURL:       e.MediaURL,
		MediaBase64:    e.MediaBase64,
		Filename:       e.Filename,
	})
	if err != nil {
		return fmt.Errorf("post inbound message: %w", err)
	}

	p.storeMapping(result.MessageID, e.MessageID, conv, entry)
	return nil
}

// deliverAgentFromPhone is the `fromMe=true, fromApi=false` branch: an
// agent replied from the connected phone, not via the helpdesk UI. It
// pre-credits the provider echo map so the helpdesk callback that
// Chatwoot will later fire for this same send is recognized and
// skipped by HandleCallback's credit check.
func (p *Processor) deliverAgentFromPhone(ctx context.Context, logger *log.Logger, entry *tenant.Entry, e *domain.NormalizedEvent) error {
	recipient := e.Identifier()
	kind := eventKind(e)

	p.ledger.AddProvider(recipient, kind)

	conv, err := p.resolveConversation(ctx, entry, e)
	if err != nil {
		p.ledger.ConsumeProvider(recipient, kind)
		return err
	}

	result, err := entry.Helpdesk.Send(ctx, helpdesk.SendParams{
		ConversationID: conv.ID,
		Kind:           kind,
		Content:        e.Text,
		Direction:      "outgoing",
		ProviderOrigin: entry.Tenant.Provider.Dialect,
		ProviderMsgID:  e.MessageID,
		MediaURL:       e.MediaURL,
		MediaBase64:    e.MediaBase64,
		Filename:       e.Filename,
	})
	if err != nil {
		p.ledger.ConsumeProvider(recipient, kind)
		return fmt.Errorf("post agent-from-phone message: %w", err)
	}

	p.storeMapping(result.MessageID, e.MessageID, conv, entry)
	return nil
}

// deliverProviderEcho is the `fromMe=true, fromApi=true` branch: the
// provider is echoing a message the helpdesk UI already sent. It
// consumes one helpdesk-echo credit; a present credit means this round
// trip genuinely originated in the helpdesk UI and must still produce
// exactly one provider-side delivery record, so it pre-credits the
// provider echo map (guarding against the corresponding subject-C replay
// of the same send) and delivers; an absent credit means there is
// nothing to reconcile and the event is dropped.
func (p *Processor) deliverProviderEcho(ctx context.Context, logger *log.Logger, entry *tenant.Entry, e *domain.NormalizedEvent) error {
	recipient := e.Identifier()
	kind := eventKind(e)

	_, hadCredit := p.ledger.ConsumeHelpdesk(recipient, kind)
	if !hadCredit {
		logger.LogDropped("webhook.principal", "echo_without_credit", map[string]interface{}{"recipient": recipient})
		return nil
	}

	p.ledger.AddProvider(recipient, kind)

	conv, err := p.resolveConversation(ctx, entry, e)
	if err != nil {
		return err
	}

	result, err := entry.Helpdesk.Send(ctx, helpdesk.SendParams{
		ConversationID: conv.ID,
		Kind:           kind,
		Content:        e.Text,
		Direction:      "outgoing",
		ProviderOrigin: entry.Tenant.Provider.Dialect,
		ProviderMsgID:  e.MessageID,
	})
	if err != nil {
		return fmt.Errorf("post provider-echo message: %w", err)
	}

	p.storeMapping(result.MessageID, e.MessageID, conv, entry)
	return nil
}

func (p *Processor) storeMapping(helpdeskMsgID int64, providerMsgID string, conv *domain.Conversation, entry *tenant.Entry) {
	if helpdeskMsgID == 0 {
		return
	}
	p.mapping.Store(domain.MappingEntry{
		HelpdeskMsgID:   helpdeskMsgID,
		ProviderMsgID:   providerMsgID,
		ConversationID:  conv.ID,
		InboxID:         conv.InboxID,
		ProviderDialect: entry.Tenant.Provider.Dialect,
		TenantID:        entry.Tenant.ID,
	})
}

// HandleCallback processes one subject-C (helpdesk callback) payload.
func (p *Processor) HandleCallback(ctx context.Context, data []byte) error {
	body, err := decodeBody(data)
	if err != nil {
		p.logger.LogDropped("webhook.callback", "payload_shape_unknown", map[string]interface{}{"error": err.Error()})
		return nil
	}
	logger := p.logger.WithFields(map[string]interface{}{"event_id": uuid.New().String()})

	if isHelpdeskDeletion(body) {
		return p.handleHelpdeskDeletion(ctx, logger, body)
	}

	if strField(body, "event") != "message_created" {
		logger.LogDropped("webhook.callback", "event_not_message_created", map[string]interface{}{"event": strField(body, "event")})
		return nil
	}
	if strField(body, "message_type") != "outgoing" {
		logger.LogDropped("webhook.callback", "message_not_outgoing", nil)
		return nil
	}
	if boolField(body, "private") {
		logger.LogDropped("webhook.callback", "mensagem_privada", nil)
		return nil
	}

	conv, _ := mapField(body, "conversation")
	inboxID := int64Field(conv, "inbox_id")
	entry, ok := p.registry.ResolveInbox(ctx, inboxID)
	if !ok {
		logger.LogDropped("webhook.callback", "integration_not_found", map[string]interface{}{"inbox_id": inboxID})
		return nil
	}

	recipient := resolveRecipient(body)
	if recipient == "" {
		logger.LogDropped("webhook.callback", "payload_shape_unknown", nil)
		return nil
	}

	content := strField(body, "content")
	kind := domain.KindText
	var attachments []domain.Attachment
	if list, ok := listField(body, "attachments"); ok && len(list) > 0 {
		kind, attachments = extractAttachments(list)
	}

	var replyTo string
	if attrs, ok := mapField(body, "content_attributes"); ok {
		if inReplyTo := int64Field(attrs, "in_reply_to"); inReplyTo != 0 {
			if m, ok := p.mapping.ByHelpdeskID(inReplyTo); ok {
				replyTo = m.ProviderMsgID
			}
		}
	}

	if entry.Tenant.Policy.SignAgentMessages {
		if name := resolveSenderName(body); name != "" {
			signature := fmt.Sprintf("*%s:*", name)
			if content != "" {
				content = signature + "\n\n" + content
			} else {
				content = signature
			}
		}
	}

	if consumed := p.ledger.ConsumeProvider(recipient, kind); consumed {
		logger.LogDropped("webhook.callback", "ticket_consumed", map[string]interface{}{"recipient": recipient})
		return nil
	}

	credits := len(attachments)
	if credits == 0 {
		credits = 1
	}
	for i := 0; i < credits; i++ {
		p.ledger.AddHelpdesk(recipient, kind)
	}

	result, err := entry.Provider.Send(ctx, provider.SendParams{
		Recipient:   recipient,
		Content:     content,
		Kind:        kind,
		Attachments: attachments,
		ReplyTo:     replyTo,
	})
	if err != nil {
		for i := 0; i < credits; i++ {
			p.ledger.RollbackHelpdesk(recipient, kind)
		}
		return fmt.Errorf("send agent message to provider: %w", err)
	}

	if len(result.ProviderMsgIDs) > 0 {
		p.mapping.Store(domain.MappingEntry{
			HelpdeskMsgID:   int64Field(body, "id"),
			ProviderMsgID:   result.ProviderMsgIDs[0],
			ConversationID:  int64Field(conv, "id"),
			InboxID:         inboxID,
			ProviderDialect: entry.Tenant.Provider.Dialect,
			TenantID:        entry.Tenant.ID,
		})
	}
	return nil
}

// isHelpdeskDeletion reports a `message_updated` callback marking a
// message deleted.
func isHelpdeskDeletion(body raw) bool {
	if strField(body, "event") != "message_updated" {
		return false
	}
	attrs, ok := mapField(body, "content_attributes")
	return ok && boolField(attrs, "deleted")
}

// handleHelpdeskDeletion resolves the provider message id via the
// mapping cache, chooses a tenant via inbox id else the mapping entry
// else the first loaded tenant, deletes at the provider, and drops the
// mapping.
func (p *Processor) handleHelpdeskDeletion(ctx context.Context, logger *log.Logger, body raw) error {
	helpdeskMsgID := int64Field(body, "id")
	m, ok := p.mapping.ByHelpdeskID(helpdeskMsgID)
	if !ok {
		logger.LogDropped("webhook.callback", "whatsapp_message_id_not_found", map[string]interface{}{"helpdesk_msg_id": helpdeskMsgID})
		return nil
	}

	entry, ok := p.resolveDeletionTenant(ctx, body, m)
	if !ok {
		logger.LogDropped("webhook.callback", "integration_not_found", nil)
		return nil
	}

	recipient := resolveRecipient(body)
	if err := entry.Provider.Delete(ctx, m.ProviderMsgID, recipient); err != nil {
		return fmt.Errorf("delete provider message: %w", err)
	}
	p.mapping.Remove(helpdeskMsgID)
	return nil
}

func (p *Processor) resolveDeletionTenant(ctx context.Context, body raw, m domain.MappingEntry) (*tenant.Entry, bool) {
	conv, _ := mapField(body, "conversation")
	if inboxID := int64Field(conv, "inbox_id"); inboxID != 0 {
		if e, ok := p.registry.ResolveInbox(ctx, inboxID); ok {
			return e, true
		}
	}
	if m.TenantID != "" {
		if e, ok := p.registry.ByID(m.TenantID); ok {
			return e, true
		}
	}
	all := p.registry.All()
	if len(all) > 0 {
		return all[0], true
	}
	return nil, false
}

// resolveRecipient picks the provider-side recipient: group identifiers
// are used verbatim, direct contacts prefer phone_number, else lid,
// else jid, else the bare identifier.
func resolveRecipient(body raw) string {
	conv, _ := mapField(body, "conversation")
	meta, _ := mapField(conv, "meta")
	sender, _ := mapField(meta, "sender")

	identifier := strField(sender, "identifier")
	if helpdesk.IsGroupIdentifier(identifier) {
		return identifier
	}
	if phone := strField(sender, "phone_number"); phone != "" {
		return phone
	}
	attrs, _ := mapField(sender, "custom_attributes")
	if lid := strField(attrs, "lid"); lid != "" {
		return lid
	}
	if jid := strField(attrs, "jid"); jid != "" {
		return jid
	}
	return identifier
}

// resolveSenderName walks the agent-name precedence chain:
// assignee.available_name, assignee.name, sender.name,
// sender.available_name, then the conversation's sender name.
func resolveSenderName(body raw) string {
	if assignee, ok := mapField(body, "assignee"); ok {
		if n := strField(assignee, "available_name"); n != "" {
			return n
		}
		if n := strField(assignee, "name"); n != "" {
			return n
		}
	}
	if sender, ok := mapField(body, "sender"); ok {
		if n := strField(sender, "name"); n != "" {
			return n
		}
		if n := strField(sender, "available_name"); n != "" {
			return n
		}
	}
	conv, _ := mapField(body, "conversation")
	meta, _ := mapField(conv, "meta")
	convSender, _ := mapField(meta, "sender")
	return strField(convSender, "name")
}

func extractAttachments(list []raw) (domain.MessageKind, []domain.Attachment) {
	kind := domain.KindDocument
	atts := make([]domain.Attachment, 0, len(list))
	for _, a := range list {
		k := attachmentKind(strField(a, "file_type"))
		kind = k
		atts = append(atts, domain.Attachment{
			Kind:     k,
			URL:      strField(a, "data_url"),
			Filename: strField(a, "file_name"),
		})
	}
	return kind, atts
}

func attachmentKind(fileType string) domain.MessageKind {
	switch fileType {
	case "image":
		return domain.KindImage
	case "audio":
		return domain.KindAudio
	case "video":
		return domain.KindVideo
	default:
		return domain.KindDocument
	}
}

// decodeBody unmarshals a queued payload, unwrapping a `body` envelope
// field when present.
func decodeBody(data []byte) (raw, error) {
	var body raw
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	if inner, ok := body["body"].(map[string]interface{}); ok {
		return inner, nil
	}
	return body, nil
}

// --- generic payload accessors (mirrors normalizer's, package-private) ---

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

func listField(m raw, key string) ([]raw, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]raw, 0, len(list))
	for _, item := range list {
		if sub, ok := item.(map[string]interface{}); ok {
			out = append(out, sub)
		}
	}
	return out, true
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

func int64Field(m raw, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		var n int64
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
