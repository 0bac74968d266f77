// Package domain holds the shared types that flow between the tenant
// registry, the normalizer, the helpdesk/provider clients and the
// reconciliation processor. Keeping them in one package avoids import
// cycles between those packages.
package domain

import "time"

// ProviderDialect identifies which of the three wire formats a tenant's
// provider binding speaks.
type ProviderDialect string

const (
	DialectZAPI    ProviderDialect = "zapi"
	DialectUAZAPI  ProviderDialect = "uazapi"
	DialectWuzapi  ProviderDialect = "wuzapi"
	DialectUnknown ProviderDialect = "unknown"
)

// ConversationStatus mirrors the three helpdesk conversation states.
type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusResolved ConversationStatus = "resolved"
	StatusPending  ConversationStatus = "pending"
)

// MessageKind is the set of content kinds a message can carry.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
)

// HelpdeskConfig is the per-tenant binding to the helpdesk REST surface.
type HelpdeskConfig struct {
	BaseURL    string
	APIToken   string
	AccountID  string
	InboxName  string
	SidecarDir string
}

// ProviderConfig is the per-tenant binding to one provider dialect.
type ProviderConfig struct {
	Dialect   ProviderDialect
	BaseURL   string
	Token     string
	Number    string // UAZAPI: connected number (digits-only, normalized)
	Instance  string // Z-API: instance id
	ClientTok string // Z-API: client token header
}

// TenantPolicy holds the behavioral flags configured per tenant.
type TenantPolicy struct {
	ReopenResolved        bool
	IgnoreGroups          bool
	SignAgentMessages     bool
	InitialConvoStatus    ConversationStatus
	HelpdeskMediaThrottle time.Duration
}

// Tenant is one immutable (provider, helpdesk) binding, built once at
// startup by the registry and never mutated afterward.
type Tenant struct {
	ID       string
	Country  string // default country for phone normalization, e.g. "BR"
	Policy   TenantPolicy
	Helpdesk HelpdeskConfig
	Provider ProviderConfig
}

// Contact is the helpdesk-side entity keyed by Identifier.
type Contact struct {
	ID          int64
	Identifier  string
	Name        string
	PhoneNumber string // set only for strict E.164 identifiers
	AvatarURL   string
}

// Conversation is the helpdesk-side container bound to one contact/inbox.
type Conversation struct {
	ID        int64
	ContactID int64
	InboxID   int64
	Status    ConversationStatus
}

// Inbox is the sidecar-persisted helpdesk inbox record.
type Inbox struct {
	InboxID   int64     `json:"inboxId"`
	InboxName string    `json:"inboxName"`
	SavedAt   time.Time `json:"savedAt"`
}

// NormalizedEvent is the canonical shape produced by the normalizer for
// every provider dialect.
type NormalizedEvent struct {
	Origin          ProviderDialect
	Phone           string
	LID             string
	JID             string
	Text            string
	Name            string
	SenderPhoto     string
	Media           []byte
	MediaURL        string
	MediaBase64     string
	MediaKind       MessageKind
	IsGroup         bool
	FromMe          bool
	FromAPI         bool
	Status          string
	MessageID       string
	ReplyID         string
	GroupName       string
	SenderName      string
	EditedMessageID string
	Ignored         bool
	IgnoreReason    string
	Filename        string // Z-API document naming hint
}

// Identifier returns the helpdesk contact identifier this event maps
// to: lid, else jid, else phone.
func (e *NormalizedEvent) Identifier() string {
	if e.LID != "" {
		return e.LID
	}
	if e.JID != "" {
		return e.JID
	}
	return e.Phone
}

// MappingEntry is one row of the bidirectional message-id index.
type MappingEntry struct {
	HelpdeskMsgID   int64
	ProviderMsgID   string
	ConversationID  int64
	InboxID         int64
	ProviderDialect ProviderDialect
	TenantID        string
}

// Attachment is one outbound media part, already resolved to bytes or a
// downloadable URL, ready for either the helpdesk multipart POST or a
// provider send.
type Attachment struct {
	Kind     MessageKind
	Filename string
	URL      string
	Base64   string
	Bytes    []byte
}
