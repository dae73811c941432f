package federation

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/openclaw/swarmgrid/internal/canonical"
	"github.com/openclaw/swarmgrid/types"
)

// EnvelopeKind is the discriminator of the signed envelope wire format.
const EnvelopeKind = "federated_envelope"

// AlgorithmHMACSHA256 is the single supported signing scheme; the field is
// carried on the wire for interoperability.
const AlgorithmHMACSHA256 = "hmac-sha256"

// DefaultProtocol identifies the native swarm wire protocol.
const DefaultProtocol = "swarm/0.2"

// Envelope verification failure reasons.
const (
	ReasonKeyNotFound             = "key_not_found"
	ReasonSignatureLengthMismatch = "signature_length_mismatch"
	ReasonSignatureMismatch       = "signature_mismatch"
)

// SignedEnvelope is a signed, tenant-scoped wrapper around a cross-boundary
// message. JSON field names follow the federation wire format.
type SignedEnvelope struct {
	Kind       string         `json:"kind"`
	EnvelopeID string         `json:"envelopeId"`
	TenantID   string         `json:"tenantId"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	SentAt     int64          `json:"sentAt"`
	Protocol   string         `json:"protocol"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata"`
	KeyID      string         `json:"keyId"`
	Algorithm  string         `json:"algorithm"`
	Signature  string         `json:"signature"`
}

// Clone returns a deep copy of the envelope.
func (e *SignedEnvelope) Clone() *SignedEnvelope {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = cloneAnyMap(e.Payload)
	out.Metadata = cloneAnyMap(e.Metadata)
	return &out
}

// envelopeBody is the signable portion: every field except the signature,
// canonicalized so signing is independent of map construction order.
type envelopeBody struct {
	Kind       string         `json:"kind"`
	EnvelopeID string         `json:"envelopeId"`
	TenantID   string         `json:"tenantId"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	SentAt     int64          `json:"sentAt"`
	Protocol   string         `json:"protocol"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata"`
	KeyID      string         `json:"keyId"`
	Algorithm  string         `json:"algorithm"`
}

func bodyOf(envelope *SignedEnvelope) envelopeBody {
	payload := envelope.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	metadata := envelope.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return envelopeBody{
		Kind:       envelope.Kind,
		EnvelopeID: envelope.EnvelopeID,
		TenantID:   envelope.TenantID,
		From:       envelope.From,
		To:         envelope.To,
		SentAt:     envelope.SentAt,
		Protocol:   envelope.Protocol,
		Payload:    payload,
		Metadata:   metadata,
		KeyID:      envelope.KeyID,
		Algorithm:  envelope.Algorithm,
	}
}

func signBody(secret string, body envelopeBody) (string, error) {
	data, err := canonical.Marshal(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// EnvelopeInput is the unsigned material for a new envelope. Missing
// envelope id, sentAt, and protocol are defaulted at signing time.
type EnvelopeInput struct {
	EnvelopeID string
	TenantID   string
	From       string
	To         string
	SentAt     int64
	Protocol   string
	Payload    map[string]any
	Metadata   map[string]any
}

// SignOptions selects the signing key. When KeyID is empty the tenant's
// most recent active key is used.
type SignOptions struct {
	TenantID string
	KeyID    string
}

// SignEnvelope builds and signs an envelope with the resolved tenant key.
func (r *Keyring) SignEnvelope(input EnvelopeInput, opts SignOptions) (*SignedEnvelope, error) {
	tenantID := opts.TenantID
	if tenantID == "" {
		tenantID = input.TenantID
	}
	if tenantID == "" {
		return nil, types.NewError(types.ErrCodeMissingTenant, "tenantId is required for signing")
	}

	var key *KeyRecord
	if opts.KeyID != "" {
		key = r.GetKey(tenantID, opts.KeyID)
	} else {
		key = r.GetActiveKey(tenantID)
	}
	if key == nil {
		return nil, types.NewError(types.ErrCodeMissingSigningKey,
			"no signing key available for tenant").WithDetail("tenantId", tenantID)
	}

	envelope := &SignedEnvelope{
		Kind:       EnvelopeKind,
		EnvelopeID: input.EnvelopeID,
		TenantID:   tenantID,
		From:       input.From,
		To:         input.To,
		SentAt:     input.SentAt,
		Protocol:   input.Protocol,
		Payload:    cloneAnyMap(input.Payload),
		Metadata:   cloneAnyMap(input.Metadata),
		KeyID:      key.KeyID,
		Algorithm:  AlgorithmHMACSHA256,
	}
	if envelope.EnvelopeID == "" {
		envelope.EnvelopeID = uuid.New().String()
	}
	if envelope.SentAt == 0 {
		envelope.SentAt = r.now()
	}
	if envelope.Protocol == "" {
		envelope.Protocol = DefaultProtocol
	}
	if envelope.Payload == nil {
		envelope.Payload = map[string]any{}
	}
	if envelope.Metadata == nil {
		envelope.Metadata = map[string]any{}
	}

	signature, err := signBody(key.Secret, bodyOf(envelope))
	if err != nil {
		return nil, err
	}
	envelope.Signature = signature
	return envelope, nil
}

// VerifyResult is the outcome of envelope verification. Failures are
// expected, non-exceptional outcomes.
type VerifyResult struct {
	OK        bool      `json:"ok"`
	Reason    string    `json:"reason,omitempty"`
	KeyStatus KeyStatus `json:"keyStatus,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	KeyID     string    `json:"keyId,omitempty"`
}

// VerifyEnvelope looks up the sender's key by tenant and key id, recomputes
// the expected signature over the canonical body, and compares in constant
// time. Retired keys still verify.
func (r *Keyring) VerifyEnvelope(envelope *SignedEnvelope) VerifyResult {
	if envelope == nil {
		return VerifyResult{OK: false, Reason: ReasonKeyNotFound}
	}
	key := r.GetKey(envelope.TenantID, envelope.KeyID)
	if key == nil {
		return VerifyResult{OK: false, Reason: ReasonKeyNotFound}
	}

	expected, err := signBody(key.Secret, bodyOf(envelope))
	if err != nil {
		return VerifyResult{OK: false, Reason: ReasonSignatureMismatch}
	}

	actualRaw, err := hex.DecodeString(envelope.Signature)
	if err != nil {
		return VerifyResult{OK: false, Reason: ReasonSignatureLengthMismatch}
	}
	expectedRaw, _ := hex.DecodeString(expected)
	if len(actualRaw) != len(expectedRaw) {
		return VerifyResult{OK: false, Reason: ReasonSignatureLengthMismatch}
	}
	if subtle.ConstantTimeCompare(actualRaw, expectedRaw) != 1 {
		return VerifyResult{OK: false, Reason: ReasonSignatureMismatch}
	}
	return VerifyResult{
		OK:        true,
		KeyStatus: key.Status,
		TenantID:  envelope.TenantID,
		KeyID:     envelope.KeyID,
	}
}

// cloneAnyMap deep-copies a JSON-shaped map.
func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err == nil {
		var out map[string]any
		if json.Unmarshal(data, &out) == nil {
			return out
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
