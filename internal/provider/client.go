// Package provider implements the per-tenant WhatsApp provider client: one
// of three wire dialects (Z-API, UAZAPI, Wuzapi), normalized behind a
// single Send/Delete/Download surface.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wootrico-bridge/internal/domain"
	"wootrico-bridge/internal/log"
)

// SendParams describes one outbound message, independent of dialect.
type SendParams struct {
	Recipient   string // phone, group identifier, lid or jid, verbatim for the wire
	Content     string
	Kind        domain.MessageKind
	Attachments []domain.Attachment
	LID         string
	JID         string
	ReplyTo     string // provider message id of the message being replied to
}

// SendResult carries the provider message ids produced by one Send call,
// one per attachment request (or one for a text-only send).
type SendResult struct {
	ProviderMsgIDs []string
}

// Client is the per-tenant provider binding.
type Client struct {
	tenant     *domain.Tenant
	httpClient *http.Client
	logger     *log.Logger
}

// New constructs a provider client bound to one tenant's dialect config.
func New(t *domain.Tenant, logger *log.Logger) *Client {
	return &Client{
		tenant: t,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send dispatches to the tenant's configured dialect. If attachments is
// empty it sends one text message; otherwise it sends one request per
// attachment in order with a 2s gap between them, and only the first
// carries the text body.
func (c *Client) Send(ctx context.Context, p SendParams) (*SendResult, error) {
	if len(p.Attachments) == 0 {
		id, err := c.sendOne(ctx, p, nil, p.Content, true)
		if err != nil {
			return nil, err
		}
		return &SendResult{ProviderMsgIDs: []string{id}}, nil
	}

	res := &SendResult{}
	for i := range p.Attachments {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		att := p.Attachments[i]
		id, err := c.sendOne(ctx, p, &att, p.Content, i == 0)
		if err != nil {
			return res, fmt.Errorf("send attachment %d/%d: %w", i+1, len(p.Attachments), err)
		}
		res.ProviderMsgIDs = append(res.ProviderMsgIDs, id)
	}
	return res, nil
}

func (c *Client) sendOne(ctx context.Context, p SendParams, att *domain.Attachment, text string, carriesText bool) (string, error) {
	if !carriesText {
		text = ""
	}
	switch c.tenant.Provider.Dialect {
	case domain.DialectZAPI:
		return c.sendZAPI(ctx, p, att, text)
	case domain.DialectUAZAPI:
		return c.sendUAZAPI(ctx, p, att, text)
	case domain.DialectWuzapi:
		return c.sendWuzapi(ctx, p, att, text)
	default:
		return "", fmt.Errorf("unsupported provider dialect %q", c.tenant.Provider.Dialect)
	}
}

// --- Z-API ---

type zapiSendResponse struct {
	MessageID string `json:"messageId"`
	ZaapID    string `json:"zaapId"`
}

func (c *Client) sendZAPI(ctx context.Context, p SendParams, att *domain.Attachment, text string) (string, error) {
	base := strings.TrimRight(c.tenant.Provider.BaseURL, "/") + "/instances/" + c.tenant.Provider.Instance + "/token/" + c.tenant.Provider.Token

	body := map[string]interface{}{"phone": p.Recipient}
	endpoint := "/send-text"

	if text != "" && att == nil {
		body["message"] = text
	}
	if p.ReplyTo != "" {
		body["messageId"] = p.ReplyTo
	}

	if att != nil {
		ref, err := c.attachmentRef(ctx, att)
		if err != nil {
			return "", err
		}
		switch att.Kind {
		case domain.KindImage:
			endpoint = "/send-image"
			body["image"] = ref
			body["caption"] = text
		case domain.KindAudio:
			endpoint = "/send-audio"
			body["audio"] = ref
		case domain.KindVideo:
			endpoint = "/send-video"
			body["video"] = ref
			body["caption"] = text
		default:
			ext := inferExtension(att)
			endpoint = "/send-document/" + ext
			body["document"] = ref
			body["caption"] = text
			body["fileName"] = att.Filename
		}
	}

	var resp zapiSendResponse
	if err := c.postJSON(ctx, "zapi", base+endpoint, body, c.zapiHeaders(), &resp); err != nil {
		return "", err
	}
	if resp.MessageID != "" {
		return resp.MessageID, nil
	}
	return resp.ZaapID, nil
}

func (c *Client) zapiHeaders() map[string]string {
	return map[string]string{"Client-Token": c.tenant.Provider.ClientTok}
}

// --- UAZAPI ---

type uazapiSendResponse struct {
	MessageID string `json:"id"`
}

func (c *Client) sendUAZAPI(ctx context.Context, p SendParams, att *domain.Attachment, text string) (string, error) {
	base := strings.TrimRight(c.tenant.Provider.BaseURL, "/")

	body := map[string]interface{}{
		"number": p.Recipient,
		"text":   text,
	}
	if p.ReplyTo != "" {
		body["replyid"] = p.ReplyTo
	}
	endpoint := "/send/text"

	if att != nil {
		ref, err := c.attachmentRef(ctx, att)
		if err != nil {
			return "", err
		}
		endpoint = "/send/media"
		body["type"] = string(att.Kind)
		body["file"] = ref
	}

	headers := map[string]string{"token": c.tenant.Provider.Token}
	var resp uazapiSendResponse
	if err := c.postJSON(ctx, "uazapi", base+endpoint, body, headers, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// --- Wuzapi ---

type wuzapiSendResponse struct {
	Data struct {
		ID string `json:"Id"`
	} `json:"data"`
}

func (c *Client) sendWuzapi(ctx context.Context, p SendParams, att *domain.Attachment, text string) (string, error) {
	base := strings.TrimRight(c.tenant.Provider.BaseURL, "/")

	body := map[string]interface{}{"Phone": p.Recipient}
	endpoint := "/chat/send/text"

	if text != "" && att == nil {
		body["Body"] = text
	}
	if p.ReplyTo != "" || p.JID != "" {
		ctxInfo := map[string]interface{}{}
		if p.ReplyTo != "" {
			ctxInfo["StanzaId"] = p.ReplyTo
		}
		if p.JID != "" {
			ctxInfo["Participant"] = p.JID
		}
		body["ContextInfo"] = ctxInfo
	}

	if att != nil {
		b64, err := c.wuzapiAttachmentBase64(ctx, att)
		if err != nil {
			return "", err
		}
		switch att.Kind {
		case domain.KindImage:
			endpoint = "/chat/send/image"
			body["Image"] = b64
			body["Caption"] = text
		case domain.KindAudio:
			endpoint = "/chat/send/audio"
			body["Audio"] = b64
		case domain.KindVideo:
			endpoint = "/chat/send/video"
			body["Video"] = b64
			body["Caption"] = text
		default:
			endpoint = "/chat/send/document"
			body["Document"] = b64
			body["Caption"] = text
			body["Filename"] = att.Filename
		}
	}

	headers := map[string]string{"Token": c.tenant.Provider.Token}
	var resp wuzapiSendResponse
	if err := c.postJSON(ctx, "wuzapi", base+endpoint, body, headers, &resp); err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

// wuzapiAttachmentBase64 returns the attachment as base64, downloading
// from its URL with retry first if it did not already arrive as base64.
func (c *Client) wuzapiAttachmentBase64(ctx context.Context, att *domain.Attachment) (string, error) {
	if att.Base64 != "" {
		return att.Base64, nil
	}
	if len(att.Bytes) > 0 {
		return base64.StdEncoding.EncodeToString(att.Bytes), nil
	}
	if att.URL == "" {
		return "", fmt.Errorf("attachment has neither base64, bytes nor url")
	}

	var out string
	op := func() error {
		data, err := c.downloadURL(ctx, att.URL)
		if err != nil {
			return err
		}
		out = base64.StdEncoding.EncodeToString(data)
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 4), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", fmt.Errorf("download attachment for wuzapi: %w", err)
	}
	return out, nil
}

func (c *Client) downloadURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// attachmentRef resolves an attachment to whatever the dialect wants to
// receive on the wire: Z-API and UAZAPI both accept a URL or a base64
// data string interchangeably in their media fields, so URL and base64
// are passed through and only a raw byte attachment is base64-encoded.
func (c *Client) attachmentRef(ctx context.Context, att *domain.Attachment) (string, error) {
	if att.URL != "" {
		return att.URL, nil
	}
	if att.Base64 != "" {
		return att.Base64, nil
	}
	if len(att.Bytes) > 0 {
		return base64.StdEncoding.EncodeToString(att.Bytes), nil
	}
	return "", fmt.Errorf("attachment has neither url, base64 nor bytes")
}

func inferExtension(att *domain.Attachment) string {
	if att.Filename != "" {
		if ext := strings.TrimPrefix(path.Ext(att.Filename), "."); ext != "" {
			return ext
		}
	}
	if att.URL != "" {
		if ext := strings.TrimPrefix(path.Ext(att.URL), "."); ext != "" {
			return ext
		}
	}
	return "pdf"
}

// Delete removes a message at the provider. A missing recipient is fatal
// for Z-API (its delete endpoint requires `phone`), ignored for the
// other two dialects.
func (c *Client) Delete(ctx context.Context, providerMsgID, recipient string) error {
	switch c.tenant.Provider.Dialect {
	case domain.DialectUAZAPI:
		base := strings.TrimRight(c.tenant.Provider.BaseURL, "/")
		headers := map[string]string{"token": c.tenant.Provider.Token}
		return c.postJSON(ctx, "uazapi", base+"/message/delete", map[string]interface{}{"id": providerMsgID}, headers, nil)

	case domain.DialectZAPI:
		if recipient == "" {
			return fmt.Errorf("z-api delete requires a recipient phone")
		}
		phone := recipient
		if !strings.HasSuffix(recipient, "@g.us") && !strings.HasSuffix(recipient, "-group") {
			phone = normalizeDigits(recipient)
		}
		base := strings.TrimRight(c.tenant.Provider.BaseURL, "/") + "/instances/" + c.tenant.Provider.Instance + "/token/" + c.tenant.Provider.Token
		url := fmt.Sprintf("%s/messages?messageId=%s&phone=%s&owner=%s", base, providerMsgID, phone, phone)
		return c.do(ctx, "zapi", http.MethodDelete, url, nil, c.zapiHeaders(), nil)

	case domain.DialectWuzapi:
		base := strings.TrimRight(c.tenant.Provider.BaseURL, "/")
		headers := map[string]string{"Token": c.tenant.Provider.Token}
		return c.postJSON(ctx, "wuzapi", base+"/chat/delete", map[string]interface{}{"MessageId": providerMsgID}, headers, nil)

	default:
		return fmt.Errorf("unsupported provider dialect %q", c.tenant.Provider.Dialect)
	}
}

// Download fetches a message's media from UAZAPI (the only dialect that
// requires a separate fetch), retrying up to 5 times at 2s spacing on
// 404/502/503/timeout/empty-body.
func (c *Client) Download(ctx context.Context, providerMsgID string) ([]byte, error) {
	if c.tenant.Provider.Dialect != domain.DialectUAZAPI {
		return nil, fmt.Errorf("download is only supported for uazapi")
	}

	base := strings.TrimRight(c.tenant.Provider.BaseURL, "/")
	headers := map[string]string{"token": c.tenant.Provider.Token}

	var out []byte
	op := func() error {
		var resp struct {
			Base64 string `json:"base64"`
		}
		err := c.postJSON(ctx, "uazapi", base+"/message/download", map[string]interface{}{
			"id":            providerMsgID,
			"return_base64": true,
			"return_link":   false,
		}, headers, &resp)
		if err != nil {
			if !isRetryableDownloadError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if resp.Base64 == "" {
			return fmt.Errorf("empty download body")
		}
		data, decErr := base64.StdEncoding.DecodeString(resp.Base64)
		if decErr != nil {
			return backoff.Permanent(fmt.Errorf("decode download base64: %w", decErr))
		}
		out = data
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 4), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("uazapi download after retries: %w", err)
	}
	return out, nil
}

func isRetryableDownloadError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"404", "502", "503", "timeout", "empty download body"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func normalizeDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// postJSON is a thin HTTP helper shared by every dialect branch above; out
// may be nil for fire-and-forget deletes.
func (c *Client) postJSON(ctx context.Context, service, url string, body map[string]interface{}, headers map[string]string, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, service, http.MethodPost, url, bytes.NewReader(buf), headers, out)
}

func (c *Client) do(ctx context.Context, service, method, url string, body io.Reader, headers map[string]string, out interface{}) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", service, err)
	}

	c.logger.LogAPICall(service, method, url, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s error: %d - %s", service, resp.StatusCode, string(bodyBytes))
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal %s response: %w", service, err)
		}
	}
	return nil
}
