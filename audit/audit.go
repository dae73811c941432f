// Package audit implements an append-only, hash-chained, HMAC-signed ledger
// of lifecycle events. Any mutation of a stored entry invalidates every
// subsequent entry's hash, so silent tampering with task history is
// detectable without a separate Merkle structure.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/swarmgrid/internal/canonical"
	"github.com/openclaw/swarmgrid/types"
)

// Verification failure reasons.
const (
	ReasonInvalidEntry            = "invalid_entry"
	ReasonPreviousHashMismatch    = "previous_hash_mismatch"
	ReasonDigestMismatch          = "digest_mismatch"
	ReasonSignatureLengthMismatch = "signature_length_mismatch"
	ReasonSignatureMismatch       = "signature_mismatch"
)

// Signer produces entry digests and signatures. The default is SHA-256 plus
// HMAC-SHA256; the seam exists so the algorithm can be upgraded without
// changing the chain-verification contract.
type Signer interface {
	// Digest returns the hex digest of the canonical entry body.
	Digest(data []byte) string

	// Sign returns the hex signature binding a digest to its predecessor.
	Sign(digest, prevHash string) string
}

type hmacSigner struct {
	secret []byte
}

func (s *hmacSigner) Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *hmacSigner) Sign(digest, prevHash string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(digest + "|" + prevHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewHMACSigner returns the default SHA-256 / HMAC-SHA256 signer.
func NewHMACSigner(secret string) Signer {
	return &hmacSigner{secret: []byte(secret)}
}

// Entry is one signed link of the audit chain.
type Entry struct {
	Sequence  int            `json:"sequence"`
	ID        string         `json:"id"`
	At        int64          `json:"at"`
	EventType string         `json:"eventType"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prevHash,omitempty"`
	KeyID     string         `json:"keyId"`
	Hash      string         `json:"hash"`
	Signature string         `json:"signature"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Payload = clonePayload(e.Payload)
	return &out
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err == nil {
		var out map[string]any
		if json.Unmarshal(data, &out) == nil {
			return out
		}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// entryBody is the signed portion of an entry.
type entryBody struct {
	Sequence  int            `json:"sequence"`
	ID        string         `json:"id"`
	At        int64          `json:"at"`
	EventType string         `json:"eventType"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prevHash"`
	KeyID     string         `json:"keyId"`
}

func bodyOf(e *Entry) entryBody {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return entryBody{
		Sequence:  e.Sequence,
		ID:        e.ID,
		At:        e.At,
		EventType: e.EventType,
		Actor:     e.Actor,
		Payload:   payload,
		PrevHash:  e.PrevHash,
		KeyID:     e.KeyID,
	}
}

// EntryVerification is the outcome of verifying a single entry.
type EntryVerification struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// ChainVerification is the outcome of verifying a full chain.
type ChainVerification struct {
	OK       bool   `json:"ok"`
	Count    int    `json:"count"`
	FailedAt int    `json:"failedAt"`
	Reason   string `json:"reason,omitempty"`
}

// Options configures a SignedAuditLog.
type Options struct {
	// Secret keys the HMAC signatures. Required.
	Secret string

	// KeyID names the signing key inside each entry. Defaults to "default".
	KeyID string

	// Now is the clock in Unix milliseconds. Defaults to wall time.
	Now func() int64
}

// SignedAuditLog is an in-memory, append-only ledger of signed entries.
// The orchestrator appends one entry per lifecycle transition, making the
// log an independently checkable replica of task history.
type SignedAuditLog struct {
	signer Signer
	keyID  string
	now    func() int64

	mu      sync.RWMutex
	entries []*Entry
}

// NewSignedAuditLog creates a signed audit log. A non-empty secret is
// required.
func NewSignedAuditLog(opts Options) (*SignedAuditLog, error) {
	if opts.Secret == "" {
		return nil, types.NewError(types.ErrCodeMissingSecret, "audit log requires a non-empty secret")
	}
	keyID := opts.KeyID
	if keyID == "" {
		keyID = "default"
	}
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &SignedAuditLog{
		signer: NewHMACSigner(opts.Secret),
		keyID:  keyID,
		now:    now,
	}, nil
}

// Append signs and appends a new entry for the given event. The entry's
// hash covers all fields plus the previous entry's hash.
func (l *SignedAuditLog) Append(eventType, actor string, payload map[string]any) (*Entry, error) {
	if eventType == "" {
		eventType = "event"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	if len(l.entries) > 0 {
		prevHash = l.entries[len(l.entries)-1].Hash
	}

	entry := &Entry{
		Sequence:  len(l.entries),
		ID:        uuid.New().String(),
		At:        l.now(),
		EventType: eventType,
		Actor:     actor,
		Payload:   clonePayload(payload),
		PrevHash:  prevHash,
		KeyID:     l.keyID,
	}

	data, err := canonical.Marshal(bodyOf(entry))
	if err != nil {
		return nil, err
	}
	entry.Hash = l.signer.Digest(data)
	entry.Signature = l.signer.Sign(entry.Hash, entry.PrevHash)

	l.entries = append(l.entries, entry)
	return entry.Clone(), nil
}

// Entries returns a copy of the chain.
func (l *SignedAuditLog) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Entry, len(l.entries))
	for i, entry := range l.entries {
		out[i] = entry.Clone()
	}
	return out
}

// Len returns the number of entries.
func (l *SignedAuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// VerifyEntry recomputes one entry's digest and signature. When
// expectedPrevHash is non-nil the entry's stored link is checked against it.
func (l *SignedAuditLog) VerifyEntry(entry *Entry, expectedPrevHash *string) EntryVerification {
	if entry == nil {
		return EntryVerification{OK: false, Reason: ReasonInvalidEntry}
	}
	if expectedPrevHash != nil && entry.PrevHash != *expectedPrevHash {
		return EntryVerification{OK: false, Reason: ReasonPreviousHashMismatch}
	}

	data, err := canonical.Marshal(bodyOf(entry))
	if err != nil {
		return EntryVerification{OK: false, Reason: ReasonInvalidEntry}
	}
	digest := l.signer.Digest(data)
	if digest != entry.Hash {
		return EntryVerification{OK: false, Reason: ReasonDigestMismatch}
	}

	expected := l.signer.Sign(digest, entry.PrevHash)
	actualRaw, err := hex.DecodeString(entry.Signature)
	if err != nil {
		return EntryVerification{OK: false, Reason: ReasonSignatureLengthMismatch}
	}
	expectedRaw, _ := hex.DecodeString(expected)
	if len(actualRaw) != len(expectedRaw) {
		return EntryVerification{OK: false, Reason: ReasonSignatureLengthMismatch}
	}
	if subtle.ConstantTimeCompare(actualRaw, expectedRaw) != 1 {
		return EntryVerification{OK: false, Reason: ReasonSignatureMismatch}
	}
	return EntryVerification{OK: true, Digest: digest}
}

// VerifyChain replays a chain from its first entry, recomputing every hash
// and signature. Pass nil to verify the log's own entries. On failure the
// result identifies the first divergent entry.
func (l *SignedAuditLog) VerifyChain(entries []*Entry) ChainVerification {
	if entries == nil {
		entries = l.Entries()
	}

	prevHash := ""
	for i, entry := range entries {
		expected := prevHash
		verification := l.VerifyEntry(entry, &expected)
		if !verification.OK {
			return ChainVerification{OK: false, Count: len(entries), FailedAt: i, Reason: verification.Reason}
		}
		prevHash = entry.Hash
	}
	return ChainVerification{OK: true, Count: len(entries), FailedAt: -1}
}
