package persistence

import (
	"github.com/openclaw/swarmgrid/types"
)

// TaskStatus represents the lifecycle status of a task record.
type TaskStatus string

const (
	// StatusAwaitingApproval indicates an approval policy is holding the
	// task for human review; nothing has been sent yet.
	StatusAwaitingApproval TaskStatus = "awaiting_approval"

	// StatusDispatched indicates the request has been handed to the
	// transport and is awaiting a receipt.
	StatusDispatched TaskStatus = "dispatched"

	// StatusAcknowledged indicates the remote agent accepted the task.
	StatusAcknowledged TaskStatus = "acknowledged"

	// StatusRetryScheduled indicates a deadline breach with retry budget
	// remaining; the resend happens on a later maintenance pass.
	StatusRetryScheduled TaskStatus = "retry_scheduled"

	// StatusCompleted indicates a result arrived.
	StatusCompleted TaskStatus = "completed"

	// StatusRejected indicates a denied review or a negative receipt.
	StatusRejected TaskStatus = "rejected"

	// StatusTimedOut indicates the retry budget was exhausted.
	StatusTimedOut TaskStatus = "timed_out"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusTimedOut:
		return true
	default:
		return false
	}
}

// ApprovalStatus tracks the review state of a gated task.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// PolicyMeta records what the dispatch policy did to the request, so the
// audit trail can account for sanitized content.
type PolicyMeta struct {
	Redactions   int      `json:"redactions"`
	AppliedRules []string `json:"appliedRules,omitempty"`
}

// ApprovalMeta records the human-review gate applied to a task.
type ApprovalMeta struct {
	Status        ApprovalStatus `json:"status"`
	ReviewerGroup string         `json:"reviewerGroup,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	MatchedRules  []string       `json:"matchedRules,omitempty"`
	RequestedAt   int64          `json:"requestedAt"`
	ReviewedAt    int64          `json:"reviewedAt,omitempty"`
	Reviewer      string         `json:"reviewer,omitempty"`
	ReviewReason  string         `json:"reviewReason,omitempty"`
}

// TaskRecord is the orchestrator's durable view of one dispatched unit of
// work. All timestamps are Unix milliseconds; zero means unset.
type TaskRecord struct {
	TaskID       string               `json:"taskId"`
	Target       string               `json:"target"`
	Request      *types.TaskRequest   `json:"request"`
	Status       TaskStatus           `json:"status"`
	Attempts     int                  `json:"attempts"`
	MaxRetries   int                  `json:"maxRetries"`
	TimeoutMs    int64                `json:"timeoutMs"`
	RetryDelayMs int64                `json:"retryDelayMs"`
	CreatedAt    int64                `json:"createdAt"`
	UpdatedAt    int64                `json:"updatedAt"`
	DeadlineAt   int64                `json:"deadlineAt,omitempty"`
	NextRetryAt  int64                `json:"nextRetryAt,omitempty"`
	ClosedAt     int64                `json:"closedAt,omitempty"`
	LastError    string               `json:"lastError,omitempty"`
	Policy       *PolicyMeta          `json:"policy,omitempty"`
	Approval     *ApprovalMeta        `json:"approval,omitempty"`
	Receipts     []*types.TaskReceipt `json:"receipts,omitempty"`
	Result       *types.TaskResult    `json:"result,omitempty"`
}

// IsTerminal returns true if the record is in a terminal state.
func (r *TaskRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Clone returns a deep copy of the record. The orchestrator hands clones to
// callers and to stores so no shared mutable reference escapes.
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Request = r.Request.Clone()
	out.Result = r.Result.Clone()
	if r.Policy != nil {
		policy := *r.Policy
		if r.Policy.AppliedRules != nil {
			policy.AppliedRules = append([]string(nil), r.Policy.AppliedRules...)
		}
		out.Policy = &policy
	}
	if r.Approval != nil {
		approval := *r.Approval
		if r.Approval.MatchedRules != nil {
			approval.MatchedRules = append([]string(nil), r.Approval.MatchedRules...)
		}
		out.Approval = &approval
	}
	if r.Receipts != nil {
		out.Receipts = make([]*types.TaskReceipt, len(r.Receipts))
		for i, receipt := range r.Receipts {
			out.Receipts[i] = receipt.Clone()
		}
	}
	return &out
}
