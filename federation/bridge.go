package federation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/swarmgrid/types"
)

// Built-in protocol identifiers.
const (
	ProtocolSwarm   = "swarm"
	ProtocolAutogen = "autogen-v1"
	ProtocolJSONRPC = "jsonrpc-2.0"
)

// ProtocolAdapter translates between one external wire shape and the
// canonical message form. Adapters must be pure and total: any message
// they do not recognize passes through unchanged, and unknown fields are
// defaulted rather than rejected.
type ProtocolAdapter interface {
	// ToCanonical converts an external-protocol message to canonical form.
	ToCanonical(message map[string]any) map[string]any

	// FromCanonical converts a canonical message to the external protocol.
	FromCanonical(message map[string]any) map[string]any
}

// ProtocolBridge is a registry of bidirectional protocol adapters.
type ProtocolBridge struct {
	mu       sync.RWMutex
	adapters map[string]ProtocolAdapter
}

// NewProtocolBridge creates a bridge with the built-in swarm, autogen-v1,
// and jsonrpc-2.0 adapters registered.
func NewProtocolBridge() *ProtocolBridge {
	bridge := &ProtocolBridge{adapters: make(map[string]ProtocolAdapter)}
	bridge.Register(ProtocolSwarm, swarmAdapter{})
	bridge.Register(ProtocolAutogen, autogenAdapter{})
	bridge.Register(ProtocolJSONRPC, jsonrpcAdapter{})
	return bridge
}

// Register adds or replaces an adapter for a protocol id.
func (b *ProtocolBridge) Register(protocolID string, adapter ProtocolAdapter) {
	if protocolID == "" || adapter == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters[protocolID] = adapter
}

// Protocols returns the registered protocol ids.
func (b *ProtocolBridge) Protocols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.adapters))
	for id := range b.adapters {
		out = append(out, id)
	}
	return out
}

func (b *ProtocolBridge) adapter(protocolID string) (ProtocolAdapter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	adapter, ok := b.adapters[protocolID]
	if !ok {
		return nil, types.NewError(types.ErrCodeUnknownProtocol,
			"unknown protocol adapter").WithDetail("protocol", protocolID)
	}
	return adapter, nil
}

// ToCanonical converts a message from the given protocol to canonical
// form. The input is cloned first; adapters never see caller-owned maps.
func (b *ProtocolBridge) ToCanonical(message map[string]any, fromProtocol string) (map[string]any, error) {
	adapter, err := b.adapter(fromProtocol)
	if err != nil {
		return nil, err
	}
	return adapter.ToCanonical(cloneAnyMap(message)), nil
}

// FromCanonical converts a canonical message to the given protocol.
func (b *ProtocolBridge) FromCanonical(message map[string]any, toProtocol string) (map[string]any, error) {
	adapter, err := b.adapter(toProtocol)
	if err != nil {
		return nil, err
	}
	return adapter.FromCanonical(cloneAnyMap(message)), nil
}

// Bridge translates a message between two protocols through the canonical
// form.
func (b *ProtocolBridge) Bridge(message map[string]any, fromProtocol, toProtocol string) (map[string]any, error) {
	canonicalMsg, err := b.ToCanonical(message, fromProtocol)
	if err != nil {
		return nil, err
	}
	return b.FromCanonical(canonicalMsg, toProtocol)
}

// --- field helpers ---

func stringField(m map[string]any, key, fallback string) string {
	if value, ok := m[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

func mapField(m map[string]any, key string) map[string]any {
	if value, ok := m[key].(map[string]any); ok {
		return value
	}
	return map[string]any{}
}

func sliceField(m map[string]any, key string) []any {
	if value, ok := m[key].([]any); ok {
		return value
	}
	return []any{}
}

func int64Field(m map[string]any, key string, fallback int64) int64 {
	switch value := m[key].(type) {
	case int64:
		return value
	case int:
		return int64(value)
	case float64:
		return int64(value)
	default:
		return fallback
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// --- swarm adapter: the native task_request wire shape ---

type swarmAdapter struct{}

func (swarmAdapter) ToCanonical(message map[string]any) map[string]any {
	if stringField(message, "kind", "") != string(types.KindTaskRequest) {
		return message
	}
	return map[string]any{
		"type":        "task",
		"id":          stringField(message, "id", ""),
		"from":        stringField(message, "from", ""),
		"to":          stringField(message, "target", ""),
		"priority":    stringField(message, "priority", string(types.PriorityNormal)),
		"task":        stringField(message, "task", ""),
		"context":     mapField(message, "context"),
		"constraints": sliceField(message, "constraints"),
		"createdAt":   int64Field(message, "createdAt", 0),
	}
}

func (swarmAdapter) FromCanonical(message map[string]any) map[string]any {
	if stringField(message, "type", "") != "task" {
		return message
	}
	createdAt := int64Field(message, "createdAt", 0)
	if createdAt == 0 {
		createdAt = nowMs()
	}
	return map[string]any{
		"kind":        string(types.KindTaskRequest),
		"id":          stringField(message, "id", uuid.New().String()),
		"from":        stringField(message, "from", "agent:bridge"),
		"target":      stringField(message, "to", ""),
		"priority":    stringField(message, "priority", string(types.PriorityNormal)),
		"task":        stringField(message, "task", ""),
		"context":     mapField(message, "context"),
		"constraints": sliceField(message, "constraints"),
		"createdAt":   createdAt,
	}
}

// --- autogen adapter: sender/receiver/content shape ---

type autogenAdapter struct{}

func (autogenAdapter) ToCanonical(message map[string]any) map[string]any {
	if stringField(message, "type", "") != "task" {
		return message
	}
	createdAt := int64Field(message, "created_at", 0)
	if createdAt == 0 {
		createdAt = nowMs()
	}
	return map[string]any{
		"type":        "task",
		"id":          stringField(message, "task_id", uuid.New().String()),
		"from":        stringField(message, "sender", "agent:autogen"),
		"to":          stringField(message, "receiver", ""),
		"priority":    stringField(message, "priority", string(types.PriorityNormal)),
		"task":        stringField(message, "content", ""),
		"context":     mapField(message, "context"),
		"constraints": sliceField(message, "constraints"),
		"createdAt":   createdAt,
	}
}

func (autogenAdapter) FromCanonical(message map[string]any) map[string]any {
	if stringField(message, "type", "") != "task" {
		return message
	}
	createdAt := int64Field(message, "createdAt", 0)
	if createdAt == 0 {
		createdAt = nowMs()
	}
	return map[string]any{
		"type":        "task",
		"task_id":     stringField(message, "id", uuid.New().String()),
		"sender":      stringField(message, "from", ""),
		"receiver":    stringField(message, "to", ""),
		"priority":    stringField(message, "priority", string(types.PriorityNormal)),
		"content":     stringField(message, "task", ""),
		"context":     mapField(message, "context"),
		"constraints": sliceField(message, "constraints"),
		"created_at":  createdAt,
	}
}

// --- jsonrpc adapter: JSON-RPC 2.0 task.dispatch calls ---

type jsonrpcAdapter struct{}

func (jsonrpcAdapter) ToCanonical(message map[string]any) map[string]any {
	if stringField(message, "jsonrpc", "") != "2.0" ||
		stringField(message, "method", "") != "task.dispatch" {
		return message
	}
	params := mapField(message, "params")
	createdAt := int64Field(params, "createdAt", 0)
	if createdAt == 0 {
		createdAt = nowMs()
	}
	return map[string]any{
		"type":        "task",
		"id":          stringField(message, "id", uuid.New().String()),
		"from":        stringField(params, "from", "agent:jsonrpc"),
		"to":          stringField(params, "target", ""),
		"priority":    stringField(params, "priority", string(types.PriorityNormal)),
		"task":        stringField(params, "task", ""),
		"context":     mapField(params, "context"),
		"constraints": sliceField(params, "constraints"),
		"createdAt":   createdAt,
	}
}

func (jsonrpcAdapter) FromCanonical(message map[string]any) map[string]any {
	if stringField(message, "type", "") != "task" {
		return message
	}
	createdAt := int64Field(message, "createdAt", 0)
	if createdAt == 0 {
		createdAt = nowMs()
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      stringField(message, "id", uuid.New().String()),
		"method":  "task.dispatch",
		"params": map[string]any{
			"from":        stringField(message, "from", ""),
			"target":      stringField(message, "to", ""),
			"priority":    stringField(message, "priority", string(types.PriorityNormal)),
			"task":        stringField(message, "task", ""),
			"context":     mapField(message, "context"),
			"constraints": sliceField(message, "constraints"),
			"createdAt":   createdAt,
		},
	}
}
