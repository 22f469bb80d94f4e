// Package keys manages per-tenant symmetric encryption keys: derivation,
// rotation, expiry and bounded history. Key material never leaves the
// process except through SecretStorage; exported metadata carries no raw
// bytes.
package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/clinicsync/internal/cryptox"
	"github.com/clinicsync/clinicsync/internal/logging"
	"github.com/clinicsync/clinicsync/internal/syncerr"
)

const (
	// DerivationPBKDF2 is the only derivation method written today. The
	// field exists so older schemes remain readable after a migration.
	DerivationPBKDF2 = "pbkdf2-sha256"

	defaultRotationInterval = 90 * 24 * time.Hour
	defaultMaxKeysPerTenant = 5
)

// Metadata describes a stored key without its material.
type Metadata struct {
	KeyID            string    `json:"key_id"`
	TenantID         string    `json:"tenant_id"`
	DerivationMethod string    `json:"derivation_method"`
	Salt             []byte    `json:"salt"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	IsActive         bool      `json:"is_active"`
}

// Key pairs metadata with the raw key material.
type Key struct {
	Metadata
	Material []byte
}

// Export is the metadata-only view returned by ExportMetadata.
type Export struct {
	TenantID    string     `json:"tenant_id"`
	ActiveKeyID string     `json:"active_key_id"`
	Keys        []Metadata `json:"keys"`
}

// tenantIndex is the persisted per-tenant key registry.
type tenantIndex struct {
	ActiveKeyID string     `json:"active_key_id"`
	Keys        []Metadata `json:"keys"`
}

// Manager derives, stores, rotates and validates per-tenant keys. All
// mutating operations hold an internal mutex so a rotation in progress is
// never observed half-written.
type Manager struct {
	storage SecretStorage
	log     logging.Logger

	rotationInterval time.Duration
	maxKeys          int
	now              func() time.Time

	mu sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRotationInterval overrides the default 90-day key lifetime.
func WithRotationInterval(d time.Duration) Option {
	return func(m *Manager) { m.rotationInterval = d }
}

// WithMaxKeys overrides the default history bound of 5 keys per tenant.
func WithMaxKeys(n int) Option {
	return func(m *Manager) { m.maxKeys = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(storage SecretStorage, log logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		storage:          storage,
		log:              log,
		rotationInterval: defaultRotationInterval,
		maxKeys:          defaultMaxKeysPerTenant,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func indexKey(tenantID string) string {
	return fmt.Sprintf("tenants/%s/keys.json", tenantID)
}

func materialKey(tenantID, keyID string) string {
	return fmt.Sprintf("tenants/%s/%s.key", tenantID, keyID)
}

// DeriveAndStoreKey returns the id of the tenant's active key, deriving and
// storing a new one when none exists, the active key has expired, or
// forceRotation is set. Without forceRotation the call is idempotent.
func (m *Manager) DeriveAndStoreKey(ctx context.Context, tenantID string, forceRotation bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.loadIndex(ctx, tenantID)
	if err != nil {
		return "", err
	}

	if !forceRotation {
		if active := idx.active(); active != nil && active.ExpiresAt.After(m.now()) {
			return active.KeyID, nil
		}
	}

	return m.storeNewKey(ctx, tenantID, idx)
}

// RotateKey forces a new active key and prunes key history beyond the
// retention bound, deleting the oldest inactive keys first.
func (m *Manager) RotateKey(ctx context.Context, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.loadIndex(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return m.storeNewKey(ctx, tenantID, idx)
}

// storeNewKey derives a fresh key, persists its material, flips the active
// pointer and enforces the history bound. Callers hold m.mu.
func (m *Manager) storeNewKey(ctx context.Context, tenantID string, idx *tenantIndex) (string, error) {
	salt, err := cryptox.RandBytes(16)
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeEncryptionFailed, "keys.derive", err)
	}

	now := m.now().UTC()
	meta := Metadata{
		KeyID:            uuid.NewString(),
		TenantID:         tenantID,
		DerivationMethod: DerivationPBKDF2,
		Salt:             salt,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.rotationInterval),
		IsActive:         true,
	}

	material := cryptox.DeriveKey(tenantID, salt)

	// Material first, index second: a crash in between leaves an orphan
	// material file, never an index entry without material.
	if err := m.storage.Write(ctx, materialKey(tenantID, meta.KeyID), material); err != nil {
		return "", err
	}

	for i := range idx.Keys {
		idx.Keys[i].IsActive = false
	}
	idx.Keys = append(idx.Keys, meta)
	idx.ActiveKeyID = meta.KeyID

	if err := m.enforceRetention(ctx, tenantID, idx); err != nil {
		return "", err
	}

	if err := m.saveIndex(ctx, tenantID, idx); err != nil {
		return "", err
	}

	m.log.Info(ctx, "stored new encryption key",
		"tenant", tenantID, "key_id", meta.KeyID, "expires_at", meta.ExpiresAt)
	return meta.KeyID, nil
}

// enforceRetention trims idx.Keys to the history bound, oldest inactive
// first. Material files for trimmed keys are deleted as well.
func (m *Manager) enforceRetention(ctx context.Context, tenantID string, idx *tenantIndex) error {
	for len(idx.Keys) > m.maxKeys {
		victim := -1
		for i, k := range idx.Keys {
			if k.IsActive {
				continue
			}
			if victim == -1 || k.CreatedAt.Before(idx.Keys[victim].CreatedAt) {
				victim = i
			}
		}
		if victim == -1 {
			return nil
		}
		doomed := idx.Keys[victim]
		if err := m.storage.Delete(ctx, materialKey(tenantID, doomed.KeyID)); err != nil {
			return err
		}
		idx.Keys = append(idx.Keys[:victim], idx.Keys[victim+1:]...)
		m.log.Info(ctx, "pruned expired encryption key", "tenant", tenantID, "key_id", doomed.KeyID)
	}
	return nil
}

// GetKey returns the key with the given id, or nil when absent.
func (m *Manager) GetKey(ctx context.Context, tenantID, keyID string) (*Key, error) {
	idx, err := m.loadIndex(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, meta := range idx.Keys {
		if meta.KeyID == keyID {
			return m.withMaterial(ctx, meta)
		}
	}
	return nil, nil
}

// GetActiveKey returns the tenant's active key, or nil when the tenant has
// no keys yet.
func (m *Manager) GetActiveKey(ctx context.Context, tenantID string) (*Key, error) {
	idx, err := m.loadIndex(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	active := idx.active()
	if active == nil {
		return nil, nil
	}
	return m.withMaterial(ctx, *active)
}

// ListKeys returns the tenant's key metadata ordered by creation time,
// newest first. No key material is loaded.
func (m *Manager) ListKeys(ctx context.Context, tenantID string) ([]Metadata, error) {
	idx, err := m.loadIndex(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, len(idx.Keys))
	copy(out, idx.Keys)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CandidateKeys returns the keys to try when decrypting, active key first,
// then inactive keys newest first. Older keys are a read-only fallback for
// payloads written before a rotation; new payloads always use the head of
// this list.
func (m *Manager) CandidateKeys(ctx context.Context, tenantID string) ([]*Key, error) {
	metas, err := m.ListKeys(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(metas, func(i, j int) bool { return metas[i].IsActive && !metas[j].IsActive })

	out := make([]*Key, 0, len(metas))
	for _, meta := range metas {
		k, err := m.withMaterial(ctx, meta)
		if err != nil {
			return nil, err
		}
		if k != nil {
			out = append(out, k)
		}
	}
	return out, nil
}

// NeedsRotation reports whether the tenant has no active key or the active
// key has expired.
func (m *Manager) NeedsRotation(ctx context.Context, tenantID string) (bool, error) {
	idx, err := m.loadIndex(ctx, tenantID)
	if err != nil {
		return false, err
	}
	active := idx.active()
	if active == nil {
		return true, nil
	}
	return !active.ExpiresAt.After(m.now()), nil
}

// ValidateKey reports whether both metadata and key material exist for the
// given key id.
func (m *Manager) ValidateKey(ctx context.Context, tenantID, keyID string) bool {
	k, err := m.GetKey(ctx, tenantID, keyID)
	return err == nil && k != nil && len(k.Material) == cryptox.KeySize
}

// DeleteAllKeys wipes every key for the tenant and returns how many were
// removed. Meant for explicit tenant key-wipe only.
func (m *Manager) DeleteAllKeys(ctx context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.loadIndex(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	for _, meta := range idx.Keys {
		if err := m.storage.Delete(ctx, materialKey(tenantID, meta.KeyID)); err != nil {
			return 0, err
		}
	}
	count := len(idx.Keys)
	if err := m.storage.Delete(ctx, indexKey(tenantID)); err != nil {
		return 0, err
	}
	m.log.Warn(ctx, "deleted all encryption keys", "tenant", tenantID, "count", count)
	return count, nil
}

// ExportMetadata returns the tenant's key registry for diagnostics. Raw key
// bytes are never included.
func (m *Manager) ExportMetadata(ctx context.Context, tenantID string) (*Export, error) {
	idx, err := m.loadIndex(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	keys, err := m.ListKeys(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Export{TenantID: tenantID, ActiveKeyID: idx.ActiveKeyID, Keys: keys}, nil
}

func (m *Manager) withMaterial(ctx context.Context, meta Metadata) (*Key, error) {
	material, err := m.storage.Read(ctx, materialKey(meta.TenantID, meta.KeyID))
	if err != nil {
		return nil, err
	}
	if material == nil {
		return nil, nil
	}
	return &Key{Metadata: meta, Material: material}, nil
}

func (m *Manager) loadIndex(ctx context.Context, tenantID string) (*tenantIndex, error) {
	data, err := m.storage.Read(ctx, indexKey(tenantID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &tenantIndex{}, nil
	}
	var idx tenantIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, syncerr.Wrap(syncerr.KindStorage, syncerr.CodeAccessDenied, "keys.index.load", err)
	}
	return &idx, nil
}

func (m *Manager) saveIndex(ctx context.Context, tenantID string, idx *tenantIndex) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return syncerr.Wrap(syncerr.KindStorage, syncerr.CodeAccessDenied, "keys.index.save", err)
	}
	return m.storage.Write(ctx, indexKey(tenantID), data)
}

func (idx *tenantIndex) active() *Metadata {
	for i := range idx.Keys {
		if idx.Keys[i].IsActive {
			return &idx.Keys[i]
		}
	}
	return nil
}
