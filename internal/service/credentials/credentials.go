// Package credentials manages the per-tenant ERP connection record: API keys
// are encrypted at rest, decrypted values are cached per request only, and
// writes invalidate the cache via a generation counter.
package credentials

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/rpc"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/secrets"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// Store loads and persists the connection record.
type Store struct {
	settings domain.SettingsStore
	box      *secrets.Box
	// generation bumps on every write so request caches created before the
	// change miss and reload.
	generation atomic.Int64
}

// NewStore wires the settings store and the encryption box.
func NewStore(settings domain.SettingsStore, box *secrets.Box) *Store {
	return &Store{settings: settings, box: box}
}

type cacheKey struct{}

type cacheEntry struct {
	cred       map[string]domain.Credential
	generation int64
}

// WithRequestCache binds a fresh per-request credential cache to the context.
// The cache must not outlive the request.
func WithRequestCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheKey{}, &cacheEntry{cred: map[string]domain.Credential{}})
}

// Load returns the decrypted connection record for a tenant. Values produced
// by the legacy CBC writer are transparently re-encrypted in the
// authenticated format on first read.
func (s *Store) Load(ctx context.Context, tenant string) (domain.Credential, error) {
	gen := s.generation.Load()
	if c, ok := ctx.Value(cacheKey{}).(*cacheEntry); ok && c.generation == gen {
		if cred, hit := c.cred[tenant]; hit {
			return cred, nil
		}
	}

	cred, err := s.load(ctx, tenant)
	if err != nil {
		return domain.Credential{}, err
	}

	if c, ok := ctx.Value(cacheKey{}).(*cacheEntry); ok {
		if c.generation != gen {
			c.cred = map[string]domain.Credential{}
			c.generation = gen
		}
		c.cred[tenant] = cred
	}
	return cred, nil
}

func (s *Store) load(ctx context.Context, tenant string) (domain.Credential, error) {
	get := func(key string) (string, error) {
		v, _, err := s.settings.GetString(ctx, tenant, key)
		return v, err
	}
	url, err := get(postgres.KeyConnectionURL)
	if err != nil {
		return domain.Credential{}, err
	}
	db, err := get(postgres.KeyConnectionDatabase)
	if err != nil {
		return domain.Credential{}, err
	}
	user, err := get(postgres.KeyConnectionUsername)
	if err != nil {
		return domain.Credential{}, err
	}
	encKey, err := get(postgres.KeyConnectionAPIKey)
	if err != nil {
		return domain.Credential{}, err
	}
	if url == "" || db == "" || user == "" || encKey == "" {
		return domain.Credential{}, fmt.Errorf("op=credentials.load: %w", domain.ErrConfigMissing)
	}

	apiKey, legacy, err := s.box.Decrypt(encKey)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("op=credentials.load: %w", err)
	}
	if legacy {
		if reenc, err := s.box.Encrypt(apiKey); err == nil {
			_ = s.settings.SetString(ctx, tenant, postgres.KeyConnectionAPIKey, reenc)
		}
	}

	protocol, err := get(postgres.KeyConnectionProtocol)
	if err != nil {
		return domain.Credential{}, err
	}
	if protocol == "" {
		protocol = string(domain.ProtocolJSONRPC)
	}
	timeout := 30
	if v, ok, err := s.settings.GetInt(ctx, tenant, postgres.KeyConnectionTimeout); err == nil && ok {
		timeout = v
	}
	if timeout < 5 || timeout > 120 {
		return domain.Credential{}, fmt.Errorf("op=credentials.load: %w: timeout %d out of range", domain.ErrInvalidArgument, timeout)
	}

	return domain.Credential{
		URL:            url,
		Database:       db,
		Username:       user,
		APIKey:         apiKey,
		Protocol:       domain.Protocol(protocol),
		TimeoutSeconds: timeout,
	}, nil
}

// Save validates the record (including SSRF hardening of the URL), encrypts
// the API key and writes everything through the settings store. The cache
// generation bumps so stale request caches reload.
func (s *Store) Save(ctx context.Context, tenant string, cred domain.Credential) error {
	if cred.Protocol != domain.ProtocolJSONRPC && cred.Protocol != domain.ProtocolXMLRPC {
		return fmt.Errorf("op=credentials.save: %w: protocol %q", domain.ErrInvalidArgument, cred.Protocol)
	}
	if cred.TimeoutSeconds < 5 || cred.TimeoutSeconds > 120 {
		return fmt.Errorf("op=credentials.save: %w: timeout %d out of range", domain.ErrInvalidArgument, cred.TimeoutSeconds)
	}
	if err := rpc.ValidateEndpointURL(ctx, cred.URL); err != nil {
		return fmt.Errorf("op=credentials.save: %w", err)
	}
	enc, err := s.box.Encrypt(cred.APIKey)
	if err != nil {
		return fmt.Errorf("op=credentials.save: %w", err)
	}
	pairs := map[string]string{
		postgres.KeyConnectionURL:      cred.URL,
		postgres.KeyConnectionDatabase: cred.Database,
		postgres.KeyConnectionUsername: cred.Username,
		postgres.KeyConnectionAPIKey:   enc,
		postgres.KeyConnectionProtocol: string(cred.Protocol),
		postgres.KeyConnectionTimeout:  strconv.Itoa(cred.TimeoutSeconds),
	}
	for k, v := range pairs {
		if err := s.settings.SetString(ctx, tenant, k, v); err != nil {
			return fmt.Errorf("op=credentials.save: %w", err)
		}
	}
	s.generation.Add(1)
	return nil
}

// Rotate re-encrypts the stored API key from oldKeyMaterial to the store's
// current key, writing the result back atomically with respect to readers (a
// single settings upsert).
func (s *Store) Rotate(ctx context.Context, tenant string, oldKey [32]byte) error {
	enc, _, err := s.settings.GetString(ctx, tenant, postgres.KeyConnectionAPIKey)
	if err != nil {
		return fmt.Errorf("op=credentials.rotate: %w", err)
	}
	if enc == "" {
		return fmt.Errorf("op=credentials.rotate: %w", domain.ErrConfigMissing)
	}
	plain, _, err := secrets.NewBox(oldKey).Decrypt(enc)
	if err != nil {
		return fmt.Errorf("op=credentials.rotate: %w", err)
	}
	rotated, err := s.box.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("op=credentials.rotate: %w", err)
	}
	if err := s.settings.SetString(ctx, tenant, postgres.KeyConnectionAPIKey, rotated); err != nil {
		return fmt.Errorf("op=credentials.rotate: %w", err)
	}
	s.generation.Add(1)
	return nil
}

// Provider adapts the store to the rpc client's credential hook for one
// tenant.
func (s *Store) Provider(tenant string) rpc.CredentialsProvider {
	return func(ctx context.Context) (domain.Credential, error) {
		return s.Load(ctx, tenant)
	}
}
