package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MessageKind discriminates the canonical message kinds.
type MessageKind string

const (
	KindTaskRequest MessageKind = "task_request"
	KindTaskReceipt MessageKind = "task_receipt"
	KindTaskResult  MessageKind = "task_result"
)

// Priority is the task priority level.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid checks if the priority is one of the enumerated levels.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// ResultStatus is the outcome reported by a remote agent.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultPartial ResultStatus = "partial"
)

// IsValid checks if the result status is one of the enumerated outcomes.
func (s ResultStatus) IsValid() bool {
	switch s {
	case ResultSuccess, ResultFailure, ResultPartial:
		return true
	default:
		return false
	}
}

// FieldViolation describes a single validation failure at a field path.
type FieldViolation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError carries the full list of field-level violations for a
// malformed message. A message is never partially accepted: the first
// violation found does not stop validation of the remaining fields.
type ValidationError struct {
	Kind       MessageKind      `json:"kind"`
	Violations []FieldViolation `json:"violations"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Path+": "+v.Message)
	}
	return fmt.Sprintf("%s validation failed (%s)", e.Kind, strings.Join(parts, "; "))
}

func violationError(kind MessageKind, violations []FieldViolation) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Kind: kind, Violations: violations}
}

// TaskRequest asks a remote agent to perform a unit of work.
// JSON field names follow the swarm wire format.
type TaskRequest struct {
	Kind        MessageKind    `json:"kind"`
	ID          string         `json:"id"`
	From        string         `json:"from"`
	Target      string         `json:"target,omitempty"`
	Priority    Priority       `json:"priority"`
	Task        string         `json:"task"`
	Context     map[string]any `json:"context,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
}

// ApplyDefaults fills the kind, id, priority, and creation time when absent.
func (r *TaskRequest) ApplyDefaults(nowMs int64) {
	r.Kind = KindTaskRequest
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = nowMs
	}
}

// Validate checks the request against the canonical shape and returns a
// *ValidationError listing every violation.
func (r *TaskRequest) Validate() error {
	var violations []FieldViolation
	if r.Kind != KindTaskRequest {
		violations = append(violations, FieldViolation{Path: "kind", Message: "must be task_request"})
	}
	if r.ID == "" {
		violations = append(violations, FieldViolation{Path: "id", Message: "required"})
	} else if uuid.Validate(r.ID) != nil {
		violations = append(violations, FieldViolation{Path: "id", Message: "must be a uuid"})
	}
	if r.From == "" {
		violations = append(violations, FieldViolation{Path: "from", Message: "required"})
	}
	if !r.Priority.IsValid() {
		violations = append(violations, FieldViolation{Path: "priority", Message: "must be one of low, normal, high, critical"})
	}
	if r.Task == "" {
		violations = append(violations, FieldViolation{Path: "task", Message: "required"})
	}
	if r.CreatedAt <= 0 {
		violations = append(violations, FieldViolation{Path: "createdAt", Message: "must be a positive unix millisecond timestamp"})
	}
	return violationError(KindTaskRequest, violations)
}

// Clone returns a deep copy of the request so callers cannot mutate
// orchestrator-owned state through a returned record.
func (r *TaskRequest) Clone() *TaskRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Context = cloneMap(r.Context)
	if r.Constraints != nil {
		out.Constraints = append([]string(nil), r.Constraints...)
	}
	return &out
}

// TaskReceipt is a remote agent's acceptance (or refusal) of a task request.
type TaskReceipt struct {
	Kind      MessageKind `json:"kind"`
	TaskID    string      `json:"taskId"`
	From      string      `json:"from"`
	Accepted  bool        `json:"accepted"`
	EtaMs     *int64      `json:"etaMs,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ApplyDefaults fills the kind and timestamp when absent.
func (r *TaskReceipt) ApplyDefaults(nowMs int64) {
	r.Kind = KindTaskReceipt
	if r.Timestamp == 0 {
		r.Timestamp = nowMs
	}
}

// Validate checks the receipt against the canonical shape.
func (r *TaskReceipt) Validate() error {
	var violations []FieldViolation
	if r.Kind != KindTaskReceipt {
		violations = append(violations, FieldViolation{Path: "kind", Message: "must be task_receipt"})
	}
	if r.TaskID == "" {
		violations = append(violations, FieldViolation{Path: "taskId", Message: "required"})
	}
	if r.From == "" {
		violations = append(violations, FieldViolation{Path: "from", Message: "required"})
	}
	if r.EtaMs != nil && *r.EtaMs < 0 {
		violations = append(violations, FieldViolation{Path: "etaMs", Message: "must be non-negative"})
	}
	if r.Timestamp <= 0 {
		violations = append(violations, FieldViolation{Path: "timestamp", Message: "must be a positive unix millisecond timestamp"})
	}
	return violationError(KindTaskReceipt, violations)
}

// Clone returns a deep copy of the receipt.
func (r *TaskReceipt) Clone() *TaskReceipt {
	if r == nil {
		return nil
	}
	out := *r
	if r.EtaMs != nil {
		eta := *r.EtaMs
		out.EtaMs = &eta
	}
	return &out
}

// Artifact describes a file created or modified while executing a task.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}

// TaskResult is a remote agent's final report for a task.
type TaskResult struct {
	Kind        MessageKind        `json:"kind"`
	TaskID      string             `json:"taskId"`
	From        string             `json:"from"`
	Status      ResultStatus       `json:"status"`
	Output      string             `json:"output"`
	Artifacts   []Artifact         `json:"artifacts,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	CompletedAt int64              `json:"completedAt"`
}

// ApplyDefaults fills the kind and completion time when absent.
func (r *TaskResult) ApplyDefaults(nowMs int64) {
	r.Kind = KindTaskResult
	if r.CompletedAt == 0 {
		r.CompletedAt = nowMs
	}
}

// Validate checks the result against the canonical shape.
func (r *TaskResult) Validate() error {
	var violations []FieldViolation
	if r.Kind != KindTaskResult {
		violations = append(violations, FieldViolation{Path: "kind", Message: "must be task_result"})
	}
	if r.TaskID == "" {
		violations = append(violations, FieldViolation{Path: "taskId", Message: "required"})
	}
	if r.From == "" {
		violations = append(violations, FieldViolation{Path: "from", Message: "required"})
	}
	if !r.Status.IsValid() {
		violations = append(violations, FieldViolation{Path: "status", Message: "must be one of success, failure, partial"})
	}
	if r.CompletedAt <= 0 {
		violations = append(violations, FieldViolation{Path: "completedAt", Message: "must be a positive unix millisecond timestamp"})
	}
	return violationError(KindTaskResult, violations)
}

// Clone returns a deep copy of the result.
func (r *TaskResult) Clone() *TaskResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.Artifacts != nil {
		out.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	if r.Metrics != nil {
		out.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			out.Metrics[k] = v
		}
	}
	return &out
}

// cloneMap deep-copies an arbitrary JSON-shaped map via a marshal round
// trip. Values that cannot be marshalled are kept by reference.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		out = make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
