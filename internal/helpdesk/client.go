// Package helpdesk implements the per-tenant helpdesk REST client:
// inbox discovery, contact/conversation find-or-create, message
// send/delete against a Chatwoot-shaped API.
package helpdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wootrico-bridge/internal/config"
	"wootrico-bridge/internal/domain"
	"wootrico-bridge/internal/log"
	"wootrico-bridge/internal/phone"
)

// IsStrictE164 reports whether identifier is a strict E.164 phone number.
func IsStrictE164(identifier string) bool {
	return phone.IsE164(identifier)
}

// IsGroupIdentifier reports whether identifier is a group wire id, never
// subject to E.164 normalization.
func IsGroupIdentifier(identifier string) bool {
	return phone.IsGroupIdentifier(identifier)
}

// MediaDownloadHook fetches provider-native media bytes for a providerMsgID,
// set by the registry only when the tenant's provider is UAZAPI.
type MediaDownloadHook func(ctx context.Context, providerMsgID string) ([]byte, error)

// SendParams describes one outbound helpdesk message.
type SendParams struct {
	ConversationID int64
	Kind           domain.MessageKind
	Content        string
	ReplyToMsgID   int64  // content_attributes.in_reply_to
	Direction      string // message_type: "incoming" (default) or "outgoing"

	// Media resolution inputs, consulted in order by resolveMedia:
	ProviderOrigin domain.ProviderDialect
	ProviderMsgID  string
	MediaURL       string
	MediaBase64    string
	Filename       string
}

// SendResult carries the assigned helpdesk message id.
type SendResult struct {
	MessageID int64
}

// Client is the per-tenant helpdesk binding. Text, multipart-media and
// media-download calls get separate HTTP clients because their timeout
// budgets differ.
type Client struct {
	tenant    *domain.Tenant
	logger    *log.Logger
	http      *http.Client
	mediaHTTP *http.Client
	fetchHTTP *http.Client

	mediaHook MediaDownloadHook

	throttleMu  sync.Mutex
	lastMediaAt time.Time
	throttle    time.Duration

	webhookURL string

	inboxOnce sync.Once
	inboxErr  error
	inboxID   int64
}

// New constructs a helpdesk client bound to one tenant.
func New(t *domain.Tenant, logger *log.Logger, cfg *config.Config) *Client {
	return &Client{
		tenant:    t,
		logger:    logger,
		throttle:  t.Policy.HelpdeskMediaThrottle,
		http:      &http.Client{Timeout: cfg.HTTPTimeoutText},
		mediaHTTP: &http.Client{Timeout: cfg.HTTPTimeoutMediaPost},
		fetchHTTP: &http.Client{Timeout: cfg.HTTPTimeoutMediaFetch},
	}
}

// SetMediaDownloadHook wires the provider-native media fetch used when
// `origin == uazapi` and a providerMsgId is present.
func (c *Client) SetMediaDownloadHook(hook MediaDownloadHook) {
	c.mediaHook = hook
}

func (c *Client) accountPath(suffix string) string {
	return fmt.Sprintf("%s/api/v1/accounts/%s%s", strings.TrimRight(c.tenant.Helpdesk.BaseURL, "/"), c.tenant.Helpdesk.AccountID, suffix)
}

func (c *Client) sidecarPath() string {
	return fmt.Sprintf("%s/app-data-%s-%s.json", strings.TrimRight(c.tenant.Helpdesk.SidecarDir, "/"), c.tenant.Helpdesk.AccountID, c.tenant.Helpdesk.InboxName)
}

// EnsureInbox discovers or creates the tenant's target inbox, persisting
// the result to the sidecar file so restarts are idempotent. A
// sync.Once guards concurrent cold-start calls from the two queue
// processors.
func (c *Client) EnsureInbox(ctx context.Context) (int64, error) {
	c.inboxOnce.Do(func() {
		c.inboxID, c.inboxErr = c.ensureInbox(ctx)
	})
	return c.inboxID, c.inboxErr
}

func (c *Client) ensureInbox(ctx context.Context) (int64, error) {
	if sc, err := c.readSidecar(); err == nil {
		inbox, err := c.getInbox(ctx, sc.InboxID)
		if err == nil {
			if inbox.InboxName == c.tenant.Helpdesk.InboxName {
				return inbox.InboxID, nil
			}
			// name drifted: fall through to discovery
		}
	}

	inboxes, err := c.listInboxes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list inboxes: %w", err)
	}
	for _, inbox := range inboxes {
		if strings.EqualFold(inbox.InboxName, c.tenant.Helpdesk.InboxName) {
			c.writeSidecar(inbox.InboxID)
			return inbox.InboxID, nil
		}
	}

	created, err := c.createInbox(ctx)
	if err != nil {
		return 0, fmt.Errorf("create inbox: %w", err)
	}
	if created.InboxID == 0 {
		return 0, fmt.Errorf("inbox creation response missing id")
	}
	c.writeSidecar(created.InboxID)
	return created.InboxID, nil
}

func (c *Client) readSidecar() (*domain.Inbox, error) {
	data, err := readFile(c.sidecarPath())
	if err != nil {
		return nil, err
	}
	var sc domain.Inbox
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (c *Client) writeSidecar(inboxID int64) {
	sc := domain.Inbox{InboxID: inboxID, InboxName: c.tenant.Helpdesk.InboxName, SavedAt: time.Now()}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		c.logger.Warn().Err(err).Msg("marshal sidecar inbox record")
		return
	}
	if err := writeFile(c.sidecarPath(), data); err != nil {
		c.logger.Warn().Err(err).Str("path", c.sidecarPath()).Msg("persist sidecar inbox record")
	}
}

type inboxResponse struct {
	InboxID   int64  `json:"id"`
	InboxName string `json:"name"`
}

func (c *Client) getInbox(ctx context.Context, id int64) (*inboxResponse, error) {
	var out inboxResponse
	err := c.do(ctx, http.MethodGet, c.accountPath(fmt.Sprintf("/inboxes/%d", id)), nil, &out)
	return &out, err
}

func (c *Client) listInboxes(ctx context.Context) ([]inboxResponse, error) {
	var out struct {
		Payload []inboxResponse `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet, c.accountPath("/inboxes"), nil, &out); err != nil {
		return nil, err
	}
	return out.Payload, nil
}

func (c *Client) createInbox(ctx context.Context) (*inboxResponse, error) {
	body := map[string]interface{}{
		"name": c.tenant.Helpdesk.InboxName,
		"channel": map[string]interface{}{
			"type":        "api",
			"webhook_url": c.webhookURL,
		},
		"allow_messages_after_resolved": c.tenant.Policy.ReopenResolved,
	}
	var out inboxResponse
	err := c.do(ctx, http.MethodPost, c.accountPath("/inboxes"), body, &out)
	return &out, err
}

// SetWebhookURL must be called once before EnsureInbox so inbox creation
// advertises the correct callback URL; cmd/bridge wires this from config
// as `<webhookBase>/<webhookName>/callback`.
func (c *Client) SetWebhookURL(webhookURL string) {
	c.webhookURL = webhookURL
}

// --- Contacts ---

type contactResponse struct {
	ID          int64  `json:"id"`
	Identifier  string `json:"identifier"`
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name"`
}

// FindOrCreateContact searches by identifier (lid > jid > phone per the
// caller's choice) and creates on miss.
func (c *Client) FindOrCreateContact(ctx context.Context, identifier, name, avatarURL string) (*domain.Contact, error) {
	existing, err := c.searchContact(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("search contact: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	body := map[string]interface{}{
		"name":       name,
		"identifier": identifier,
	}
	if IsStrictE164(identifier) {
		body["phone_number"] = identifier
	}

	contact, err := c.createContact(ctx, body, avatarURL)
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return contact, nil
}

func (c *Client) searchContact(ctx context.Context, identifier string) (*domain.Contact, error) {
	var out struct {
		Payload []contactResponse `json:"payload"`
	}
	q := url.Values{"q": []string{identifier}}
	if err := c.do(ctx, http.MethodGet, c.accountPath("/contacts/search?"+q.Encode()), nil, &out); err != nil {
		return nil, err
	}

	var matchField func(contactResponse) string
	switch {
	case IsStrictE164(identifier):
		matchField = func(r contactResponse) string { return r.PhoneNumber }
	default:
		matchField = func(r contactResponse) string { return r.Identifier }
	}

	for _, r := range out.Payload {
		if matchField(r) == identifier {
			return &domain.Contact{ID: r.ID, Identifier: r.Identifier, Name: r.Name, PhoneNumber: r.PhoneNumber}, nil
		}
	}
	return nil, nil
}

func (c *Client) createContact(ctx context.Context, body map[string]interface{}, avatarURL string) (*domain.Contact, error) {
	var avatarBytes []byte
	if avatarURL != "" {
		if data, err := c.downloadWithRetry(ctx, avatarURL, 3); err == nil {
			avatarBytes = data
		} else {
			c.logger.Warn().Err(err).Msg("avatar download failed, creating contact without avatar")
		}
	}

	var out contactResponse
	var err error
	if len(avatarBytes) > 0 {
		err = c.doMultipart(ctx, http.MethodPost, c.accountPath("/contacts"), body, "avatar", "avatar.jpg", avatarBytes, &out)
	} else {
		err = c.do(ctx, http.MethodPost, c.accountPath("/contacts"), body, &out)
	}
	if err != nil {
		return nil, err
	}
	return &domain.Contact{ID: out.ID, Identifier: out.Identifier, Name: out.Name, PhoneNumber: out.PhoneNumber}, nil
}

// --- Conversations ---

type conversationResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Meta   struct {
		Sender struct {
			ID int64 `json:"id"`
		} `json:"sender"`
	} `json:"meta"`
}

// FindOrCreateConversation paginates resolved conversations first (when
// the reopen policy permits, reopening a match), then open ones, and
// creates a conversation with the tenant's initial status on miss.
func (c *Client) FindOrCreateConversation(ctx context.Context, contactID int64) (*domain.Conversation, error) {
	inboxID, err := c.EnsureInbox(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensure inbox: %w", err)
	}

	if c.tenant.Policy.ReopenResolved {
		if conv, err := c.findConversationByStatus(ctx, inboxID, contactID, "resolved"); err != nil {
			return nil, err
		} else if conv != nil {
			if err := c.toggleStatus(ctx, conv.ID, "open"); err != nil {
				return nil, fmt.Errorf("reopen conversation %d: %w", conv.ID, err)
			}
			conv.Status = domain.StatusOpen
			return conv, nil
		}
	}

	if conv, err := c.findConversationByStatus(ctx, inboxID, contactID, "open"); err != nil {
		return nil, err
	} else if conv != nil {
		return conv, nil
	}

	return c.createConversation(ctx, inboxID, contactID)
}

func (c *Client) findConversationByStatus(ctx context.Context, inboxID, contactID int64, status string) (*domain.Conversation, error) {
	for page := 1; page <= 50; page++ {
		var out struct {
			Payload []conversationResponse `json:"payload"`
		}
		q := url.Values{
			"status":     []string{status},
			"inbox_id":   []string{strconv.FormatInt(inboxID, 10)},
			"page":       []string{strconv.Itoa(page)},
			"sort_order": []string{"latest_first"},
		}
		if err := c.do(ctx, http.MethodGet, c.accountPath("/conversations?"+q.Encode()), nil, &out); err != nil {
			return nil, fmt.Errorf("list %s conversations page %d: %w", status, page, err)
		}
		if len(out.Payload) == 0 {
			return nil, nil
		}
		for _, conv := range out.Payload {
			if conv.Meta.Sender.ID == contactID {
				return &domain.Conversation{ID: conv.ID, ContactID: contactID, InboxID: inboxID, Status: domain.ConversationStatus(conv.Status)}, nil
			}
		}
	}
	return nil, nil
}

func (c *Client) toggleStatus(ctx context.Context, conversationID int64, status string) error {
	body := map[string]interface{}{"status": status}
	return c.do(ctx, http.MethodPost, c.accountPath(fmt.Sprintf("/conversations/%d/toggle_status", conversationID)), body, nil)
}

func (c *Client) createConversation(ctx context.Context, inboxID, contactID int64) (*domain.Conversation, error) {
	body := map[string]interface{}{
		"inbox_id":   inboxID,
		"contact_id": contactID,
		"status":     string(c.tenant.Policy.InitialConvoStatus),
	}
	var out conversationResponse
	if err := c.do(ctx, http.MethodPost, c.accountPath("/conversations"), body, &out); err != nil {
		return nil, err
	}
	return &domain.Conversation{ID: out.ID, ContactID: contactID, InboxID: inboxID, Status: domain.ConversationStatus(out.Status)}, nil
}

// --- Messages ---

type messageResponse struct {
	ID int64 `json:"id"`
}

// Send posts a message, resolving media bytes through the ordered
// fallback chain (UAZAPI download hook, URL download, inline base64,
// text-only degrade), throttled and retried for media.
func (c *Client) Send(ctx context.Context, p SendParams) (*SendResult, error) {
	if p.Kind == domain.KindText || p.Kind == "" {
		return c.sendText(ctx, p)
	}

	media, filename, err := c.resolveMedia(ctx, p)
	if err != nil || len(media) == 0 {
		c.logger.Warn().Err(err).Msg("media body unresolved, degrading to text")
		return c.sendText(ctx, p)
	}

	c.waitForThrottle()

	var result *SendResult
	sendOp := func() error {
		r, sendErr := c.sendMultipart(ctx, p, media, filename)
		if sendErr != nil {
			result = nil
			if !isRetryableSendError(sendErr) {
				return backoff.Permanent(sendErr)
			}
			return sendErr
		}
		result = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newLinearBackoff(2*time.Second), 2), ctx)
	if err := backoff.Retry(sendOp, b); err != nil {
		c.logger.Warn().Err(err).Msg("media send failed after retries, falling back to text")
		textResult, textErr := c.sendText(ctx, p)
		if textErr != nil {
			return nil, fmt.Errorf("media send failed (%v) and text fallback failed: %w", err, textErr)
		}
		return textResult, nil
	}
	return result, nil
}

func (c *Client) resolveMedia(ctx context.Context, p SendParams) ([]byte, string, error) {
	if p.ProviderOrigin == domain.DialectUAZAPI && p.ProviderMsgID != "" && c.mediaHook != nil {
		if data, err := c.mediaHook(ctx, p.ProviderMsgID); err == nil && len(data) > 0 {
			return data, p.Filename, nil
		}
	}
	if p.MediaURL != "" {
		if data, err := c.downloadWithRetry(ctx, p.MediaURL, 3); err == nil {
			return data, p.Filename, nil
		}
	}
	if p.MediaBase64 != "" {
		data, err := base64Decode(p.MediaBase64)
		if err == nil {
			return data, p.Filename, nil
		}
	}
	return nil, "", fmt.Errorf("no media source produced bytes")
}

func (c *Client) waitForThrottle() {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()
	if wait := c.throttle - time.Since(c.lastMediaAt); wait > 0 {
		time.Sleep(wait)
	}
	c.lastMediaAt = time.Now()
}

func (c *Client) sendText(ctx context.Context, p SendParams) (*SendResult, error) {
	body := map[string]interface{}{
		"content":      p.Content,
		"message_type": messageType(p.Direction),
	}
	if p.ReplyToMsgID != 0 {
		body["content_attributes"] = map[string]interface{}{"in_reply_to": p.ReplyToMsgID}
	}
	var out messageResponse
	if err := c.do(ctx, http.MethodPost, c.accountPath(fmt.Sprintf("/conversations/%d/messages", p.ConversationID)), body, &out); err != nil {
		return nil, err
	}
	return &SendResult{MessageID: out.ID}, nil
}

func (c *Client) sendMultipart(ctx context.Context, p SendParams, media []byte, filename string) (*SendResult, error) {
	fields := map[string]string{"content": p.Content, "message_type": messageType(p.Direction)}
	if p.ReplyToMsgID != 0 {
		attrs, _ := json.Marshal(map[string]interface{}{"in_reply_to": p.ReplyToMsgID})
		fields["content_attributes"] = string(attrs)
	}
	if filename == "" {
		filename = "attachment"
	}
	var out messageResponse
	if err := c.doMultipartFields(ctx, http.MethodPost, c.accountPath(fmt.Sprintf("/conversations/%d/messages", p.ConversationID)), fields, "attachments[]", filename, media, &out); err != nil {
		return nil, err
	}
	return &SendResult{MessageID: out.ID}, nil
}

func messageType(direction string) string {
	if direction == "outgoing" {
		return "outgoing"
	}
	return "incoming"
}

// Delete removes a helpdesk message. Not retried.
func (c *Client) Delete(ctx context.Context, conversationID, messageID int64) error {
	return c.do(ctx, http.MethodDelete, c.accountPath(fmt.Sprintf("/conversations/%d/messages/%d", conversationID, messageID)), nil, nil)
}

// --- transport helpers ---

// statusError is a non-2xx helpdesk response, kept as a typed error so
// retry call sites can tell a permanent client error from a retryable
// 5xx/429.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("helpdesk error: %d - %s", e.status, e.body)
}

// isRetryableSendError limits the media-POST retry to timeouts, network
// errors, 5xx and 429; any other client error fails fast into the text
// fallback.
func isRetryableSendError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_access_token", c.tenant.Helpdesk.APIToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("helpdesk request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read helpdesk response: %w", err)
	}

	c.logger.LogAPICall("helpdesk", method, url, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 {
		return &statusError{status: resp.StatusCode, body: string(bodyBytes)}
	}
	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal helpdesk response: %w", err)
		}
	}
	return nil
}

func (c *Client) doMultipart(ctx context.Context, method, url string, fields map[string]interface{}, fileField, filename string, data []byte, out interface{}) error {
	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		switch vv := v.(type) {
		case string:
			strFields[k] = vv
		default:
			b, _ := json.Marshal(v)
			strFields[k] = string(b)
		}
	}
	return c.doMultipartFields(ctx, method, url, strFields, fileField, filename, data, out)
}

func (c *Client) doMultipartFields(ctx context.Context, method, url string, fields map[string]string, fileField, filename string, data []byte, out interface{}) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return fmt.Errorf("build multipart request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("api_access_token", c.tenant.Helpdesk.APIToken)

	resp, err := c.mediaHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("helpdesk multipart request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read helpdesk multipart response: %w", err)
	}

	c.logger.LogAPICall("helpdesk", method, url, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 {
		return &statusError{status: resp.StatusCode, body: string(bodyBytes)}
	}
	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal helpdesk multipart response: %w", err)
		}
	}
	return nil
}

func (c *Client) downloadWithRetry(ctx context.Context, url string, attempts int) ([]byte, error) {
	var data []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.fetchHTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		data = body
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newLinearBackoff(2*time.Second), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return data, nil
}

func base64Decode(s string) ([]byte, error) {
	return decodeBase64Loose(s)
}
