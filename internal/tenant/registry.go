// Package tenant discovers, validates and indexes tenants (one helpdesk
// binding + one provider binding each) by scanning `_<n>`-suffixed
// environment variables.
package tenant

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"wootrico-bridge/internal/config"
	"wootrico-bridge/internal/domain"
	"wootrico-bridge/internal/helpdesk"
	"wootrico-bridge/internal/log"
	"wootrico-bridge/internal/provider"
)

// Entry bundles one tenant with its constructed clients.
type Entry struct {
	Tenant   *domain.Tenant
	Helpdesk *helpdesk.Client
	Provider *provider.Client
}

// Registry holds every successfully loaded tenant, built once at
// startup. Only the inbox index mutates afterward, as inboxes are
// discovered or created lazily.
type Registry struct {
	byID      map[string]*Entry
	byInboxID map[int64]*Entry
	logger    *log.Logger
	mu        sync.RWMutex // guards byInboxID, the only map mutated after Load
}

// baseNames are the recognized indexed-variable prefixes the registry scans
// for, suffixed with `_<n>`.
var baseNames = []string{
	"CHATWOOT_BASE_URL",
	"CHATWOOT_API_TOKEN",
	"CHATWOOT_ACCOUNT_ID",
	"CHATWOOT_INBOX_NAME",
	"UAZAPI_BASE_URL",
	"UAZAPI_TOKEN",
	"UAZAPI_NUMBER",
	"ZAPI_BASE_URL",
	"ZAPI_INSTANCE",
	"ZAPI_TOKEN",
	"ZAPI_CLIENT_TOKEN",
	"WUZAPI_BASE_URL",
	"WUZAPI_TOKEN",
	"DEFAULT_COUNTRY",
	"REOPEN_RESOLVED",
	"IGNORE_GROUPS",
	"SIGN_AGENT_MESSAGES",
	"CONVERSATION_STATUS",
}

// Load discovers tenant ids, builds one Entry per successfully validated
// tenant, and returns the registry. It fails fatally only when zero
// tenants load successfully, accumulating individual failures as
// warnings otherwise.
func Load(cfg *config.Config, logger *log.Logger) (*Registry, error) {
	ids := discoverIDs()

	reg := &Registry{
		byID:      make(map[string]*Entry),
		byInboxID: make(map[int64]*Entry),
		logger:    logger,
	}

	var failures []string
	for _, id := range ids {
		entry, err := buildTenant(id, cfg, logger)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", id, err))
			logger.Warn().Str("tenant_id", id).Err(err).Msg("tenant failed to load")
			continue
		}
		reg.byID[id] = entry
	}

	if len(reg.byID) == 0 {
		return nil, fmt.Errorf("no tenants loaded: %s", strings.Join(failures, "; "))
	}

	logger.Info().Int("tenants_loaded", len(reg.byID)).Msg("tenant registry initialized")
	return reg, nil
}

// discoverIDs scans the environment for the recognized base names
// suffixed with `_<n>`, plus the explicit INTEGRATIONS list, and returns
// sorted numeric ids. If none are found, it returns the single id
// "default" so an unnamed tenant is synthesized.
func discoverIDs() []string {
	found := make(map[int]bool)

	for _, base := range baseNames {
		prefix := base + "_"
		for _, kv := range os.Environ() {
			eq := strings.IndexByte(kv, '=')
			if eq < 0 {
				continue
			}
			key := kv[:eq]
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			suffix := key[len(prefix):]
			if n, err := strconv.Atoi(suffix); err == nil {
				found[n] = true
			}
		}
	}

	if list := os.Getenv("INTEGRATIONS"); list != "" {
		for _, part := range strings.Split(list, ",") {
			part = strings.TrimSpace(part)
			if n, err := strconv.Atoi(part); err == nil {
				found[n] = true
			}
		}
	}

	if len(found) == 0 {
		return []string{"default"}
	}

	nums := make([]int, 0, len(found))
	for n := range found {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	ids := make([]string, len(nums))
	for i, n := range nums {
		ids[i] = strconv.Itoa(n)
	}
	return ids
}

// envFor reads base_<id>, or the bare base when id == "default" and the
// suffixed form is absent (so a single synthesized tenant can also read
// un-suffixed variables).
func envFor(base, id string) string {
	if v := os.Getenv(base + "_" + id); v != "" {
		return v
	}
	if id == "default" {
		return os.Getenv(base)
	}
	return ""
}

func buildTenant(id string, cfg *config.Config, logger *log.Logger) (*Entry, error) {
	hd := domain.HelpdeskConfig{
		BaseURL:    envFor("CHATWOOT_BASE_URL", id),
		APIToken:   envFor("CHATWOOT_API_TOKEN", id),
		AccountID:  envFor("CHATWOOT_ACCOUNT_ID", id),
		InboxName:  envFor("CHATWOOT_INBOX_NAME", id),
		SidecarDir: cfg.SidecarDir,
	}
	if hd.BaseURL == "" || hd.APIToken == "" || hd.AccountID == "" || hd.InboxName == "" {
		return nil, fmt.Errorf("incomplete helpdesk config (need base url, api token, account id, inbox name)")
	}

	providerCfg, err := buildProviderConfig(id)
	if err != nil {
		return nil, err
	}

	country := envFor("DEFAULT_COUNTRY", id)
	if country == "" {
		country = "BR"
	}

	status := domain.ConversationStatus(envFor("CONVERSATION_STATUS", id))
	switch status {
	case domain.StatusOpen, domain.StatusResolved, domain.StatusPending:
	default:
		status = domain.StatusOpen
	}

	policy := domain.TenantPolicy{
		ReopenResolved:        parseBool(envFor("REOPEN_RESOLVED", id), true),
		IgnoreGroups:          parseBool(envFor("IGNORE_GROUPS", id), false),
		SignAgentMessages:     parseBool(envFor("SIGN_AGENT_MESSAGES", id), false),
		InitialConvoStatus:    status,
		HelpdeskMediaThrottle: cfg.MediaThrottle,
	}

	t := &domain.Tenant{
		ID:       id,
		Country:  country,
		Policy:   policy,
		Helpdesk: hd,
		Provider: providerCfg,
	}

	hdClient := helpdesk.New(t, logger.WithTenant(id), cfg)
	provClient := provider.New(t, logger.WithTenant(id))

	if t.Provider.Dialect == domain.DialectUAZAPI {
		hdClient.SetMediaDownloadHook(provClient.Download)
	}

	return &Entry{Tenant: t, Helpdesk: hdClient, Provider: provClient}, nil
}

// buildProviderConfig tries the three dialect recipes in order: UAZAPI
// (baseURL+token+number), Z-API (instance+token+clientToken), Wuzapi
// (baseURL+token). The first whose required keys are all set wins.
func buildProviderConfig(id string) (domain.ProviderConfig, error) {
	if base, token, number := envFor("UAZAPI_BASE_URL", id), envFor("UAZAPI_TOKEN", id), envFor("UAZAPI_NUMBER", id); base != "" && token != "" && number != "" {
		return domain.ProviderConfig{
			Dialect: domain.DialectUAZAPI,
			BaseURL: base,
			Token:   token,
			Number:  normalizeDigits(number),
		}, nil
	}

	if instance, token, clientTok := envFor("ZAPI_INSTANCE", id), envFor("ZAPI_TOKEN", id), envFor("ZAPI_CLIENT_TOKEN", id); instance != "" && token != "" && clientTok != "" {
		base := envFor("ZAPI_BASE_URL", id)
		if base == "" {
			base = "https://api.z-api.io"
		}
		return domain.ProviderConfig{
			Dialect:   domain.DialectZAPI,
			BaseURL:   base,
			Instance:  instance,
			Token:     token,
			ClientTok: clientTok,
		}, nil
	}

	if base, token := envFor("WUZAPI_BASE_URL", id), envFor("WUZAPI_TOKEN", id); base != "" && token != "" {
		return domain.ProviderConfig{
			Dialect: domain.DialectWuzapi,
			BaseURL: base,
			Token:   token,
		}, nil
	}

	return domain.ProviderConfig{}, fmt.Errorf("no matching provider recipe (uazapi/zapi/wuzapi)")
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

func parseBool(value string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// ByID looks up a tenant by its exact string id.
func (r *Registry) ByID(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// All returns every loaded entry, for single-tenant routing shortcuts.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out
}

// Count returns the number of loaded tenants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ByInboxID resolves a tenant from a helpdesk inbox id, registering the
// association lazily as inboxes are discovered/created.
func (r *Registry) ByInboxID(inboxID int64) (*Entry, bool) {
	r.mu.RLock()
	e, ok := r.byInboxID[inboxID]
	r.mu.RUnlock()
	return e, ok
}

// RegisterInbox binds an inbox id to a tenant entry once the helpdesk
// client has resolved it via ensureInbox.
func (r *Registry) RegisterInbox(inboxID int64, e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byInboxID[inboxID] = e
}

// ResolveInbox returns the tenant bound to inboxID, lazily resolving each
// tenant's inbox on a miss so a helpdesk callback that arrives before any
// inbound provider traffic still routes.
func (r *Registry) ResolveInbox(ctx context.Context, inboxID int64) (*Entry, bool) {
	if e, ok := r.ByInboxID(inboxID); ok {
		return e, true
	}
	for _, e := range r.All() {
		id, err := e.Helpdesk.EnsureInbox(ctx)
		if err != nil {
			r.logger.Warn().Str("tenant_id", e.Tenant.ID).Err(err).Msg("inbox resolution failed")
			continue
		}
		r.RegisterInbox(id, e)
		if id == inboxID {
			return e, true
		}
	}
	return nil, false
}

// ByUAZAPIOwner resolves a tenant by the normalized digits of a UAZAPI
// connected number.
func (r *Registry) ByUAZAPIOwner(owner string) (*Entry, bool) {
	digits := normalizeDigits(owner)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byID {
		if e.Tenant.Provider.Dialect == domain.DialectUAZAPI && e.Tenant.Provider.Number == digits {
			return e, true
		}
	}
	return nil, false
}

// ByZAPIInstance resolves a tenant by the Z-API instance id. Inbound
// Z-API routing in the processor does not use it; it calls SoleOfDialect.
func (r *Registry) ByZAPIInstance(instance string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byID {
		if e.Tenant.Provider.Dialect == domain.DialectZAPI && e.Tenant.Provider.Instance == instance {
			return e, true
		}
	}
	return nil, false
}

// ByWuzapiBaseURL resolves a tenant by a case-insensitive base URL match.
func (r *Registry) ByWuzapiBaseURL(baseURL string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byID {
		if e.Tenant.Provider.Dialect == domain.DialectWuzapi && strings.EqualFold(e.Tenant.Provider.BaseURL, baseURL) {
			return e, true
		}
	}
	return nil, false
}

// SoleOfDialect returns the single loaded tenant of the given dialect,
// if there is exactly one. With two or more, routing by dialect alone
// would be a guess, so the caller drops the event instead.
func (r *Registry) SoleOfDialect(dialect domain.ProviderDialect) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var match *Entry
	count := 0
	for _, e := range r.byID {
		if e.Tenant.Provider.Dialect == dialect {
			count++
			match = e
		}
	}
	if count == 1 {
		return match, true
	}
	return nil, false
}
