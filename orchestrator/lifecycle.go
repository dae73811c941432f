package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/swarmgrid/persistence"
	"github.com/openclaw/swarmgrid/types"
)

// DispatchInput describes one task to dispatch. Target may be empty when
// a RouteTask resolver is configured. Timeout, MaxRetries, and RetryDelay
// override the orchestrator defaults for this task only.
type DispatchInput struct {
	Target      string
	Task        string
	Priority    types.Priority
	Context     map[string]any
	Constraints []string

	// ID defaults to a fresh UUID, CreatedAt to the current clock.
	ID        string
	CreatedAt int64

	Timeout    time.Duration
	MaxRetries *int
	RetryDelay time.Duration
}

// Dispatch validates, screens, and delivers one task request, returning
// the resulting record. When the approval policy gates the task, nothing
// is sent and the record is returned in awaiting_approval. A transport
// failure on the first send returns SEND_FAILED and leaves no record
// behind, in memory or in the store.
func (o *Orchestrator) Dispatch(ctx context.Context, input DispatchInput) (*persistence.TaskRecord, error) {
	nowMs := o.now()

	request := &types.TaskRequest{
		ID:          input.ID,
		From:        o.localAgentID,
		Target:      input.Target,
		Priority:    input.Priority,
		Task:        input.Task,
		Context:     input.Context,
		Constraints: input.Constraints,
		CreatedAt:   input.CreatedAt,
	}
	if request.ID == "" {
		request.ID = newTaskID()
	}
	request.ApplyDefaults(nowMs)

	if strings.TrimSpace(request.Target) == "" && o.routeTask != nil {
		target, err := o.routeTask(ctx, request.Clone())
		if err != nil {
			return nil, types.NewError(types.ErrCodeMissingTarget, "task routing failed").WithCause(err)
		}
		request.Target = target
	}
	if strings.TrimSpace(request.Target) == "" {
		return nil, types.NewError(types.ErrCodeMissingTarget,
			"task target is required, or configure a RouteTask resolver")
	}

	if err := request.Validate(); err != nil {
		return nil, err
	}

	var policyMeta *persistence.PolicyMeta
	if o.dispatchPolicy != nil {
		decision, err := o.dispatchPolicy(ctx, request.Clone())
		if err != nil {
			return nil, err
		}
		if decision != nil {
			if !decision.Allowed {
				reasons := make([]any, 0, len(decision.Reasons))
				for _, reason := range decision.Reasons {
					reasons = append(reasons, map[string]any{"code": reason.Code, "detail": reason.Detail})
				}
				o.emitAudit(EventPolicyDenied, map[string]any{
					"taskId":  request.ID,
					"target":  request.Target,
					"reasons": reasons,
				})
				return nil, types.NewError(types.ErrCodePolicyDenied, "task denied by dispatch policy").
					WithDetail("taskId", request.ID).
					WithDetail("reasons", reasons)
			}
			if decision.Request != nil {
				sanitized := decision.Request.Clone()
				sanitized.ID = request.ID
				sanitized.From = request.From
				sanitized.Target = request.Target
				sanitized.CreatedAt = request.CreatedAt
				if err := sanitized.Validate(); err != nil {
					return nil, err
				}
				request = sanitized
			}
			if len(decision.Redactions) > 0 {
				rules := make([]string, 0, len(decision.Redactions))
				for _, redaction := range decision.Redactions {
					rules = append(rules, redaction.Pattern)
				}
				policyMeta = &persistence.PolicyMeta{
					Redactions:   len(decision.Redactions),
					AppliedRules: rules,
				}
			}
		}
	}

	record := &persistence.TaskRecord{
		TaskID:       request.ID,
		Target:       request.Target,
		Request:      request,
		Attempts:     0,
		MaxRetries:   o.maxRetries,
		TimeoutMs:    o.defaultTimeoutMs,
		RetryDelayMs: o.retryDelayMs,
		CreatedAt:    request.CreatedAt,
		UpdatedAt:    request.CreatedAt,
		Policy:       policyMeta,
	}
	if input.Timeout > 0 {
		record.TimeoutMs = input.Timeout.Milliseconds()
	}
	if input.MaxRetries != nil && *input.MaxRetries >= 0 {
		record.MaxRetries = *input.MaxRetries
	}
	if input.RetryDelay > 0 {
		record.RetryDelayMs = input.RetryDelay.Milliseconds()
	}

	if o.approvalPolicy != nil {
		decision, err := o.approvalPolicy(ctx, request.Clone())
		if err != nil {
			return nil, err
		}
		if decision != nil && decision.Required {
			record.Status = persistence.StatusAwaitingApproval
			record.Approval = &persistence.ApprovalMeta{
				Status:        persistence.ApprovalPending,
				ReviewerGroup: decision.ReviewerGroup,
				Reason:        decision.Reason,
				MatchedRules:  decision.MatchedRules,
				RequestedAt:   nowMs,
			}

			o.mu.Lock()
			o.tasks[record.TaskID] = record
			o.persist(ctx, record)
			o.updateOpenGauge()
			o.mu.Unlock()

			o.emitAudit(EventAwaitingApproval, map[string]any{
				"taskId":        record.TaskID,
				"target":        record.Target,
				"reviewerGroup": decision.ReviewerGroup,
				"reason":        decision.Reason,
			})
			return record.Clone(), nil
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.sendTask(ctx, record, "initial_dispatch"); err != nil {
		// no record was persisted for this attempt; delete covers a
		// failed approval-release snapshot reused by Dispatch callers
		if o.store != nil {
			if storeErr := o.store.Delete(ctx, record.TaskID); storeErr != nil {
				o.logger.Warn("record delete failed",
					zap.String("taskId", record.TaskID),
					zap.Error(storeErr))
			}
		}
		return nil, err
	}

	o.tasks[record.TaskID] = record
	o.updateOpenGauge()
	return record.Clone(), nil
}

// sendTask performs one physical send and the dispatched transition.
// Callers hold the lock. Attempts count physical sends and only increase,
// even when the send fails.
func (o *Orchestrator) sendTask(ctx context.Context, record *persistence.TaskRecord, reason string) error {
	sendAt := o.now()
	fromStatus := record.Status
	record.Attempts++
	record.UpdatedAt = sendAt

	if err := o.transport.Send(ctx, record.Target, record.Request.Clone()); err != nil {
		record.LastError = err.Error()
		o.metrics.RecordSendFailure()
		o.emitAudit(EventSendFailed, map[string]any{
			"taskId":  record.TaskID,
			"target":  record.Target,
			"reason":  reason,
			"attempt": record.Attempts,
			"error":   err.Error(),
		})
		return types.NewError(types.ErrCodeSendFailed, "transport send failed").
			WithCause(err).
			WithDetail("taskId", record.TaskID).
			WithDetail("target", record.Target).
			WithDetail("attempt", record.Attempts)
	}

	record.Status = persistence.StatusDispatched
	record.DeadlineAt = sendAt + record.TimeoutMs
	record.NextRetryAt = 0
	record.LastError = ""

	o.persist(ctx, record)
	o.emitAudit(EventDispatched, map[string]any{
		"taskId":  record.TaskID,
		"target":  record.Target,
		"reason":  reason,
		"attempt": record.Attempts,
	})
	o.metrics.RecordDispatch(record.Target, string(record.Request.Priority))
	o.recordTransition(fromStatus, record.Status)
	return nil
}

// ReviewDecision resolves a task held at the approval gate.
type ReviewDecision struct {
	Approved bool
	Reviewer string
	Reason   string

	// ReviewedAt defaults to the current clock.
	ReviewedAt int64
}

// ReviewTask resolves an awaiting_approval task. Approval releases the
// task through the normal send path; a send failure at release keeps the
// record and schedules a retry, since the task was legitimately persisted
// while gated. Denial closes the task as rejected without ever invoking
// the transport.
func (o *Orchestrator) ReviewTask(ctx context.Context, taskID string, decision ReviewDecision) (*persistence.TaskRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	record, ok := o.tasks[taskID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	if record.Status != persistence.StatusAwaitingApproval {
		return nil, types.NewError(types.ErrCodeNotAwaitingApproval, "task is not waiting for approval").
			WithDetail("taskId", taskID).
			WithDetail("status", string(record.Status))
	}

	reviewedAt := decision.ReviewedAt
	if reviewedAt == 0 {
		reviewedAt = o.now()
	}

	if record.Approval == nil {
		record.Approval = &persistence.ApprovalMeta{RequestedAt: record.CreatedAt}
	}
	record.Approval.ReviewedAt = reviewedAt
	record.Approval.Reviewer = decision.Reviewer
	record.Approval.ReviewReason = decision.Reason
	record.UpdatedAt = reviewedAt
	o.metrics.RecordApproval(decision.Approved)

	if !decision.Approved {
		record.Approval.Status = persistence.ApprovalDenied
		record.Status = persistence.StatusRejected
		record.ClosedAt = reviewedAt
		o.persist(ctx, record)
		o.emitAudit(EventApprovalDenied, map[string]any{
			"taskId":   record.TaskID,
			"reviewer": decision.Reviewer,
			"reason":   decision.Reason,
		})
		o.recordTransition(persistence.StatusAwaitingApproval, record.Status)
		o.updateOpenGauge()
		return record.Clone(), nil
	}

	record.Approval.Status = persistence.ApprovalApproved
	o.emitAudit(EventApprovalApproved, map[string]any{
		"taskId":   record.TaskID,
		"reviewer": decision.Reviewer,
		"reason":   decision.Reason,
	})

	if err := o.sendTask(ctx, record, "approval_release"); err != nil {
		record.Status = persistence.StatusRetryScheduled
		record.NextRetryAt = reviewedAt + record.RetryDelayMs
		record.DeadlineAt = reviewedAt
		o.persist(ctx, record)
		o.logger.Warn("approval release send failed, retry scheduled",
			zap.String("taskId", record.TaskID),
			zap.Int64("nextRetryAt", record.NextRetryAt))
		o.recordTransition(persistence.StatusAwaitingApproval, record.Status)
	}

	return record.Clone(), nil
}

// IngestReceipt applies a worker's acceptance receipt. Unknown or already
// terminal tasks return false without error, since receipts may race
// with other completions.
func (o *Orchestrator) IngestReceipt(ctx context.Context, receipt *types.TaskReceipt) (bool, error) {
	if receipt == nil {
		return false, types.NewError(types.ErrCodeValidationFailed, "receipt is required")
	}
	receipt = receipt.Clone()
	receipt.ApplyDefaults(o.now())
	if err := receipt.Validate(); err != nil {
		return false, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	record, ok := o.tasks[receipt.TaskID]
	if !ok || record.IsTerminal() {
		return false, nil
	}

	fromStatus := record.Status
	record.Receipts = append(record.Receipts, receipt)
	record.UpdatedAt = receipt.Timestamp
	o.metrics.RecordReceipt(receipt.Accepted)

	if !receipt.Accepted {
		record.Status = persistence.StatusRejected
		record.ClosedAt = receipt.Timestamp
		o.persist(ctx, record)
		o.emitAudit(EventRejected, map[string]any{
			"taskId": record.TaskID,
			"from":   receipt.From,
			"reason": receipt.Reason,
		})
		o.recordTransition(fromStatus, record.Status)
		o.updateOpenGauge()
		return true, nil
	}

	record.Status = persistence.StatusAcknowledged
	if receipt.EtaMs != nil {
		record.DeadlineAt = receipt.Timestamp + *receipt.EtaMs
	} else {
		record.DeadlineAt = receipt.Timestamp + record.TimeoutMs
	}
	o.persist(ctx, record)
	o.emitAudit(EventAcknowledged, map[string]any{
		"taskId": record.TaskID,
		"from":   receipt.From,
		"etaMs":  receipt.EtaMs,
	})
	o.recordTransition(fromStatus, record.Status)
	return true, nil
}

// IngestResult applies a worker's result and closes the task as
// completed. The reported result status and artifacts are kept on the
// record. Unknown or terminal tasks return false without error.
func (o *Orchestrator) IngestResult(ctx context.Context, result *types.TaskResult) (bool, error) {
	if result == nil {
		return false, types.NewError(types.ErrCodeValidationFailed, "result is required")
	}
	result = result.Clone()
	result.ApplyDefaults(o.now())
	if err := result.Validate(); err != nil {
		return false, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	record, ok := o.tasks[result.TaskID]
	if !ok || record.IsTerminal() {
		return false, nil
	}

	fromStatus := record.Status
	record.Result = result
	record.Status = persistence.StatusCompleted
	record.UpdatedAt = result.CompletedAt
	record.ClosedAt = result.CompletedAt

	o.persist(ctx, record)
	o.emitAudit(EventResult, map[string]any{
		"taskId": record.TaskID,
		"from":   result.From,
		"status": string(result.Status),
	})
	o.metrics.RecordResult(string(result.Status))
	o.recordTransition(fromStatus, record.Status)
	o.updateOpenGauge()
	return true, nil
}

// MaintenanceSummary reports what one maintenance pass did. Checked
// counts tasks whose deadline had been breached when the pass ran.
type MaintenanceSummary struct {
	Checked           int `json:"checked"`
	ScheduledRetries  int `json:"scheduledRetries"`
	Retried           int `json:"retried"`
	TimedOut          int `json:"timedOut"`
	TransportFailures int `json:"transportFailures"`
}

// RunMaintenance scans open tasks for deadline breaches and drives the
// retry and timeout transitions. It is polling based: callers invoke it
// periodically, and timing precision is bounded by the polling interval.
// One scheduler per orchestrator instance; concurrent passes are
// serialized by the task lock but waste work.
func (o *Orchestrator) RunMaintenance(ctx context.Context, nowMs int64) (*MaintenanceSummary, error) {
	if nowMs <= 0 {
		nowMs = o.now()
	}
	started := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	summary := &MaintenanceSummary{}
	for _, record := range o.tasks {
		if record.IsTerminal() || record.Status == persistence.StatusAwaitingApproval {
			continue
		}
		if nowMs <= record.DeadlineAt {
			continue
		}
		summary.Checked++

		if record.Attempts > record.MaxRetries {
			o.closeTimedOut(ctx, record, nowMs)
			summary.TimedOut++
			continue
		}

		if record.NextRetryAt == 0 {
			fromStatus := record.Status
			record.Status = persistence.StatusRetryScheduled
			record.NextRetryAt = nowMs + record.RetryDelayMs
			record.UpdatedAt = nowMs
			o.persist(ctx, record)
			o.emitAudit(EventRetryScheduled, map[string]any{
				"taskId":      record.TaskID,
				"target":      record.Target,
				"nextRetryAt": record.NextRetryAt,
			})
			o.recordTransition(fromStatus, record.Status)
			summary.ScheduledRetries++
			continue
		}

		if nowMs < record.NextRetryAt {
			continue
		}

		if err := o.sendTask(ctx, record, "timeout_retry"); err != nil {
			summary.TransportFailures++
			o.logger.Warn("retry send failed",
				zap.String("taskId", record.TaskID),
				zap.Error(err))

			if record.Attempts > record.MaxRetries {
				o.closeTimedOut(ctx, record, nowMs)
				summary.TimedOut++
			} else {
				record.Status = persistence.StatusRetryScheduled
				record.NextRetryAt = nowMs + record.RetryDelayMs
				record.UpdatedAt = nowMs
				o.persist(ctx, record)
				o.emitAudit(EventRetryScheduled, map[string]any{
					"taskId":      record.TaskID,
					"target":      record.Target,
					"nextRetryAt": record.NextRetryAt,
				})
			}
			continue
		}
		o.metrics.RecordRetry()
		summary.Retried++
	}

	o.updateOpenGauge()
	o.metrics.RecordMaintenance(time.Since(started), time.UnixMilli(nowMs))
	return summary, nil
}

// closeTimedOut finalizes a record whose retry budget is exhausted.
// Callers hold the lock.
func (o *Orchestrator) closeTimedOut(ctx context.Context, record *persistence.TaskRecord, nowMs int64) {
	fromStatus := record.Status
	record.Status = persistence.StatusTimedOut
	record.UpdatedAt = nowMs
	record.ClosedAt = nowMs
	o.persist(ctx, record)
	o.emitAudit(EventTimedOut, map[string]any{
		"taskId":   record.TaskID,
		"target":   record.Target,
		"attempts": record.Attempts,
	})
	o.metrics.RecordTimeout()
	o.recordTransition(fromStatus, record.Status)
}
