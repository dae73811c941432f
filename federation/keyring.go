package federation

import (
	"sort"
	"sync"
	"time"

	"github.com/openclaw/swarmgrid/types"
)

// KeyStatus tracks whether a key may be selected for new signatures.
type KeyStatus string

const (
	// KeyStatusActive keys are eligible for default signing selection.
	KeyStatusActive KeyStatus = "active"

	// KeyStatusRetired keys still verify previously signed envelopes but
	// are never auto-selected for new signatures.
	KeyStatusRetired KeyStatus = "retired"
)

// KeyRecord is one shared secret scoped to a tenant.
type KeyRecord struct {
	TenantID  string    `json:"tenantId"`
	KeyID     string    `json:"keyId"`
	Secret    string    `json:"secret"`
	CreatedAt int64     `json:"createdAt"`
	Status    KeyStatus `json:"status"`
}

func (k *KeyRecord) clone() *KeyRecord {
	out := *k
	return &out
}

// Keyring holds per-tenant symmetric key material. All mutation goes
// through AddKey and RotateKey; the key table is not designed for
// concurrent external mutation beyond the internal lock.
type Keyring struct {
	now func() int64

	mu   sync.RWMutex
	keys map[string][]*KeyRecord
}

// KeyringOptions configures a Keyring.
type KeyringOptions struct {
	// Now is the clock in Unix milliseconds. Defaults to wall time.
	Now func() int64
}

// NewKeyring creates an empty keyring.
func NewKeyring(opts KeyringOptions) *Keyring {
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Keyring{
		now:  now,
		keys: make(map[string][]*KeyRecord),
	}
}

// AddKey registers a key. A key with the same tenant and key id is
// replaced. Missing createdAt defaults to now, missing status to active.
func (r *Keyring) AddKey(key KeyRecord) (*KeyRecord, error) {
	if key.TenantID == "" {
		return nil, types.NewError(types.ErrCodeMissingTenant, "key requires a tenantId")
	}
	if key.KeyID == "" || key.Secret == "" {
		return nil, types.NewError(types.ErrCodeInvalidOptions, "key requires keyId and secret")
	}
	if key.CreatedAt == 0 {
		key.CreatedAt = r.now()
	}
	if key.Status == "" {
		key.Status = KeyStatusActive
	}
	if key.Status != KeyStatusActive && key.Status != KeyStatusRetired {
		return nil, types.NewError(types.ErrCodeInvalidOptions, "key status must be active or retired")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.keys[key.TenantID]
	replaced := make([]*KeyRecord, 0, len(existing)+1)
	for _, item := range existing {
		if item.KeyID != key.KeyID {
			replaced = append(replaced, item)
		}
	}
	stored := key
	replaced = append(replaced, &stored)
	sort.SliceStable(replaced, func(i, j int) bool {
		return replaced[i].CreatedAt < replaced[j].CreatedAt
	})
	r.keys[key.TenantID] = replaced
	return stored.clone(), nil
}

// ListKeys returns the tenant's keys in creation order.
func (r *Keyring) ListKeys(tenantID string) []*KeyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.keys[tenantID]
	out := make([]*KeyRecord, len(keys))
	for i, key := range keys {
		out[i] = key.clone()
	}
	return out
}

// GetKey returns the key with the given tenant and key id, or nil.
func (r *Keyring) GetKey(tenantID, keyID string) *KeyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.keys[tenantID] {
		if key.KeyID == keyID {
			return key.clone()
		}
	}
	return nil
}

// GetActiveKey returns the most recently created active key for the
// tenant, or nil. Retired keys are never selected.
func (r *Keyring) GetActiveKey(tenantID string) *KeyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *KeyRecord
	for _, key := range r.keys[tenantID] {
		if key.Status == KeyStatusActive {
			latest = key
		}
	}
	if latest == nil {
		return nil
	}
	return latest.clone()
}

// RotateOptions configures a key rotation.
type RotateOptions struct {
	TenantID  string
	NewKeyID  string
	NewSecret string

	// KeepPreviousActive leaves existing active keys active. By default
	// rotation retires them; they remain valid for verification only.
	KeepPreviousActive bool
}

// RotateKey retires the tenant's active keys (unless KeepPreviousActive)
// and registers the new key as active.
func (r *Keyring) RotateKey(opts RotateOptions) (*KeyRecord, error) {
	if opts.TenantID == "" {
		return nil, types.NewError(types.ErrCodeMissingTenant, "rotation requires a tenantId")
	}

	if !opts.KeepPreviousActive {
		r.mu.Lock()
		for _, key := range r.keys[opts.TenantID] {
			if key.Status == KeyStatusActive {
				key.Status = KeyStatusRetired
			}
		}
		r.mu.Unlock()
	}

	return r.AddKey(KeyRecord{
		TenantID:  opts.TenantID,
		KeyID:     opts.NewKeyID,
		Secret:    opts.NewSecret,
		CreatedAt: r.now(),
		Status:    KeyStatusActive,
	})
}
