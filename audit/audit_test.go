package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclaw/swarmgrid/types"
)

func newTestLog(t *testing.T) *SignedAuditLog {
	t.Helper()
	clock := int64(1700000000000)
	log, err := NewSignedAuditLog(Options{
		Secret: "test-audit-secret",
		Now: func() int64 {
			clock += 1000
			return clock
		},
	})
	require.NoError(t, err)
	return log
}

func appendLifecycle(t *testing.T, log *SignedAuditLog) {
	t.Helper()
	for _, event := range []string{"task.dispatched", "task.receipt", "task.result", "task.approval"} {
		_, err := log.Append(event, "agent:main", map[string]any{"taskId": "t-1", "event": event})
		require.NoError(t, err)
	}
}

func TestSignedAuditLogRequiresSecret(t *testing.T) {
	_, err := NewSignedAuditLog(Options{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeMissingSecret, types.GetErrorCode(err))
}

func TestVerifyChainUntouched(t *testing.T) {
	log := newTestLog(t)
	appendLifecycle(t, log)
	require.GreaterOrEqual(t, log.Len(), 4)

	result := log.VerifyChain(nil)
	assert.True(t, result.OK)
	assert.Equal(t, 4, result.Count)
	assert.Equal(t, -1, result.FailedAt)
}

func TestVerifyChainDetectsAnySingleFieldMutation(t *testing.T) {
	log := newTestLog(t)
	appendLifecycle(t, log)

	mutations := map[string]func(e *Entry){
		"payload":   func(e *Entry) { e.Payload["taskId"] = "t-2" },
		"actor":     func(e *Entry) { e.Actor = "agent:evil" },
		"eventType": func(e *Entry) { e.EventType = "task.forged" },
		"at":        func(e *Entry) { e.At++ },
		"sequence":  func(e *Entry) { e.Sequence++ },
		"prevHash":  func(e *Entry) { e.PrevHash = "deadbeef" },
		"hash":      func(e *Entry) { e.Hash = e.Hash[:len(e.Hash)-1] + "0" },
		"signature": func(e *Entry) { e.Signature = e.Signature[:len(e.Signature)-1] + "0" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			entries := log.Entries()
			mutate(entries[1])
			result := log.VerifyChain(entries)
			assert.False(t, result.OK, "mutation of %s must break the chain", name)
			assert.Equal(t, 1, result.FailedAt)
			assert.NotEmpty(t, result.Reason)
		})
	}
}

func TestVerifyChainLinksEntries(t *testing.T) {
	log := newTestLog(t)
	appendLifecycle(t, log)

	entries := log.Entries()
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Hash, entries[i].PrevHash)
	}
	assert.Empty(t, entries[0].PrevHash)

	// Dropping a middle entry breaks the link of its successor.
	truncated := append([]*Entry{entries[0]}, entries[2:]...)
	result := log.VerifyChain(truncated)
	assert.False(t, result.OK)
	assert.Equal(t, 1, result.FailedAt)
	assert.Equal(t, ReasonPreviousHashMismatch, result.Reason)
}

func TestVerifyChainWrongSecret(t *testing.T) {
	log := newTestLog(t)
	appendLifecycle(t, log)

	other, err := NewSignedAuditLog(Options{Secret: "different-secret"})
	require.NoError(t, err)

	result := other.VerifyChain(log.Entries())
	assert.False(t, result.OK)
	assert.Equal(t, 0, result.FailedAt)
	assert.Equal(t, ReasonSignatureMismatch, result.Reason)
}

func TestFileAuditStoreRoundTrip(t *testing.T) {
	log := newTestLog(t)
	appendLifecycle(t, log)

	store, err := NewFileAuditStore(filepath.Join(t.TempDir(), "audit.jsonl"), zap.NewNop())
	require.NoError(t, err)
	for _, entry := range log.Entries() {
		require.NoError(t, store.Append(entry))
	}

	loaded, err := store.LoadEntries()
	require.NoError(t, err)
	require.Len(t, loaded, 4)

	result := log.VerifyChain(loaded)
	assert.True(t, result.OK, "persisted chain must verify: %s", result.Reason)
}
