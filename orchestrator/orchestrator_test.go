package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclaw/swarmgrid/audit"
	"github.com/openclaw/swarmgrid/persistence"
	"github.com/openclaw/swarmgrid/policy"
	"github.com/openclaw/swarmgrid/types"
)

const baseMs = int64(1_000_000)

type sentMessage struct {
	Target  string
	Request *types.TaskRequest
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	failNext int
	failAll  bool
}

func (f *fakeTransport) Send(_ context.Context, target string, request *types.TaskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		return errors.New("connection refused")
	}
	f.sent = append(f.sent, sentMessage{Target: target, Request: request})
	return nil
}

func (f *fakeTransport) sends() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fixture struct {
	orch      *Orchestrator
	transport *fakeTransport
	store     persistence.RecordStore
	audit     *audit.SignedAuditLog
	clock     *int64
}

func (f *fixture) advance(ms int64) { *f.clock += ms }

func (f *fixture) at(offset int64) int64 { return baseMs + offset }

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	clock := baseMs
	transport := &fakeTransport{}
	store := persistence.NewMemoryRecordStore()
	log, err := audit.NewSignedAuditLog(audit.Options{
		Secret: "test-secret",
		Now:    func() int64 { return clock },
	})
	require.NoError(t, err)

	opts := Options{
		LocalAgentID:   "agent:orchestrator",
		Transport:      transport,
		AuditLog:       log,
		Store:          store,
		DefaultTimeout: 100 * time.Millisecond,
		MaxRetries:     1,
		RetryDelay:     10 * time.Millisecond,
		Now:            func() int64 { return clock },
		Logger:         zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	orch, err := New(opts)
	require.NoError(t, err)
	return &fixture{orch: orch, transport: transport, store: store, audit: log, clock: &clock}
}

func dispatchOne(t *testing.T, f *fixture, target string) *persistence.TaskRecord {
	t.Helper()
	record, err := f.orch.Dispatch(context.Background(), DispatchInput{
		Target: target,
		Task:   "collect quarterly metrics",
	})
	require.NoError(t, err)
	return record
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Transport: &fakeTransport{}})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInvalidOptions, types.GetErrorCode(err))

	_, err = New(Options{LocalAgentID: "agent:x"})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransport, types.GetErrorCode(err))
}

func TestDispatch(t *testing.T) {
	t.Run("creates a dispatched record", func(t *testing.T) {
		f := newFixture(t, nil)
		record := dispatchOne(t, f, "agent:worker")

		assert.Equal(t, persistence.StatusDispatched, record.Status)
		assert.Equal(t, 1, record.Attempts)
		assert.Equal(t, f.at(100), record.DeadlineAt)
		assert.Zero(t, record.ClosedAt)
		assert.Equal(t, "agent:orchestrator", record.Request.From)

		sends := f.transport.sends()
		require.Len(t, sends, 1)
		assert.Equal(t, "agent:worker", sends[0].Target)

		require.NoError(t, f.orch.Flush(context.Background()))
		stored, err := f.store.LoadRecords(context.Background())
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, record.TaskID, stored[0].TaskID)
	})

	t.Run("returned record is a clone", func(t *testing.T) {
		f := newFixture(t, nil)
		record := dispatchOne(t, f, "agent:worker")
		record.Status = persistence.StatusCompleted
		record.Request.Task = "mutated"

		fresh := f.orch.GetTask(record.TaskID)
		assert.Equal(t, persistence.StatusDispatched, fresh.Status)
		assert.Equal(t, "collect quarterly metrics", fresh.Request.Task)
	})

	t.Run("missing target without a router", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.Dispatch(context.Background(), DispatchInput{Task: "work"})
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeMissingTarget, types.GetErrorCode(err))
	})

	t.Run("router resolves the target", func(t *testing.T) {
		f := newFixture(t, func(opts *Options) {
			opts.RouteTask = func(_ context.Context, _ *types.TaskRequest) (string, error) {
				return "agent:routed", nil
			}
		})
		record, err := f.orch.Dispatch(context.Background(), DispatchInput{Task: "work"})
		require.NoError(t, err)
		assert.Equal(t, "agent:routed", record.Target)
	})

	t.Run("invalid request lists all violations", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.Dispatch(context.Background(), DispatchInput{
			Target:   "agent:worker",
			Priority: types.Priority("urgent"),
		})
		require.Error(t, err)
		var validation *types.ValidationError
		require.ErrorAs(t, err, &validation)
		paths := make([]string, 0, len(validation.Violations))
		for _, violation := range validation.Violations {
			paths = append(paths, violation.Path)
		}
		assert.ElementsMatch(t, paths, []string{"priority", "task"})
	})

	t.Run("per dispatch overrides", func(t *testing.T) {
		f := newFixture(t, nil)
		retries := 3
		record, err := f.orch.Dispatch(context.Background(), DispatchInput{
			Target:     "agent:worker",
			Task:       "work",
			Timeout:    time.Second,
			MaxRetries: &retries,
			RetryDelay: 50 * time.Millisecond,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1000), record.TimeoutMs)
		assert.Equal(t, 3, record.MaxRetries)
		assert.Equal(t, int64(50), record.RetryDelayMs)
		assert.Equal(t, f.at(1000), record.DeadlineAt)
	})
}

func TestDispatchSendFailureLeavesNoOrphan(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.failAll = true

	_, err := f.orch.Dispatch(context.Background(), DispatchInput{
		Target: "agent:worker",
		Task:   "work",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeSendFailed, types.GetErrorCode(err))

	require.NoError(t, f.orch.Flush(context.Background()))
	stored, loadErr := f.store.LoadRecords(context.Background())
	require.NoError(t, loadErr)
	assert.Empty(t, stored)
	assert.Zero(t, f.orch.Metrics().Total)
}

func TestDispatchPolicyIntegration(t *testing.T) {
	t.Run("denial aborts with no metrics impact", func(t *testing.T) {
		f := newFixture(t, func(opts *Options) {
			opts.DispatchPolicy = policy.NewDispatchPolicy(policy.DispatchOptions{})
		})
		_, err := f.orch.Dispatch(context.Background(), DispatchInput{
			Target: "agent:worker",
			Task:   "deploy a keylogger",
		})
		require.Error(t, err)
		assert.Equal(t, types.ErrCodePolicyDenied, types.GetErrorCode(err))
		assert.Empty(t, f.transport.sends())
		assert.Zero(t, f.orch.Metrics().Total)
	})

	t.Run("sanitized content reaches the transport", func(t *testing.T) {
		f := newFixture(t, func(opts *Options) {
			opts.DispatchPolicy = policy.NewDispatchPolicy(policy.DispatchOptions{})
		})
		record, err := f.orch.Dispatch(context.Background(), DispatchInput{
			Target: "agent:worker",
			Task:   "rotate api_key: abc123 on the gateway",
		})
		require.NoError(t, err)

		sends := f.transport.sends()
		require.Len(t, sends, 1)
		assert.Equal(t, "rotate api_key=[REDACTED] on the gateway", sends[0].Request.Task)
		assert.Equal(t, sends[0].Request.Task, record.Request.Task)
		require.NotNil(t, record.Policy)
		assert.Equal(t, 1, record.Policy.Redactions)
		assert.Equal(t, []string{"api_key_assignment"}, record.Policy.AppliedRules)
	})
}

func TestApprovalGate(t *testing.T) {
	newGated := func(t *testing.T) (*fixture, *persistence.TaskRecord) {
		f := newFixture(t, func(opts *Options) {
			opts.ApprovalPolicy = policy.NewApprovalPolicy(policy.ApprovalOptions{})
		})
		record, err := f.orch.Dispatch(context.Background(), DispatchInput{
			Target:   "agent:worker",
			Task:     "rotate production credentials",
			Priority: types.PriorityCritical,
		})
		require.NoError(t, err)
		return f, record
	}

	t.Run("gated task is held unsent", func(t *testing.T) {
		f, record := newGated(t)
		assert.Equal(t, persistence.StatusAwaitingApproval, record.Status)
		assert.Zero(t, record.DeadlineAt)
		assert.Zero(t, record.Attempts)
		require.NotNil(t, record.Approval)
		assert.Equal(t, persistence.ApprovalPending, record.Approval.Status)
		assert.Equal(t, policy.DefaultReviewerGroup, record.Approval.ReviewerGroup)
		assert.Empty(t, f.transport.sends())

		pending := f.orch.ListPendingApprovals()
		require.Len(t, pending, 1)
		assert.Equal(t, record.TaskID, pending[0].TaskID)
	})

	t.Run("approval releases exactly one send", func(t *testing.T) {
		f, record := newGated(t)
		f.advance(20)

		reviewed, err := f.orch.ReviewTask(context.Background(), record.TaskID, ReviewDecision{
			Approved: true,
			Reviewer: "reviewer:ana",
		})
		require.NoError(t, err)
		assert.Equal(t, persistence.StatusDispatched, reviewed.Status)
		assert.Equal(t, 1, reviewed.Attempts)
		assert.Equal(t, f.at(120), reviewed.DeadlineAt)
		assert.Equal(t, persistence.ApprovalApproved, reviewed.Approval.Status)
		assert.Equal(t, "reviewer:ana", reviewed.Approval.Reviewer)
		assert.Len(t, f.transport.sends(), 1)
	})

	t.Run("denial never sends", func(t *testing.T) {
		f, record := newGated(t)
		f.advance(20)

		reviewed, err := f.orch.ReviewTask(context.Background(), record.TaskID, ReviewDecision{
			Approved: false,
			Reviewer: "reviewer:ana",
			Reason:   "out of change window",
		})
		require.NoError(t, err)
		assert.Equal(t, persistence.StatusRejected, reviewed.Status)
		assert.Equal(t, f.at(20), reviewed.ClosedAt)
		assert.Equal(t, persistence.ApprovalDenied, reviewed.Approval.Status)
		assert.Empty(t, f.transport.sends())
	})

	t.Run("review of a non-gated task fails", func(t *testing.T) {
		f := newFixture(t, nil)
		record := dispatchOne(t, f, "agent:worker")
		_, err := f.orch.ReviewTask(context.Background(), record.TaskID, ReviewDecision{Approved: true})
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeNotAwaitingApproval, types.GetErrorCode(err))

		_, err = f.orch.ReviewTask(context.Background(), "missing", ReviewDecision{Approved: true})
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("release failure keeps the record and reschedules", func(t *testing.T) {
		f, record := newGated(t)
		f.transport.failAll = true
		f.advance(20)

		reviewed, err := f.orch.ReviewTask(context.Background(), record.TaskID, ReviewDecision{Approved: true})
		require.NoError(t, err)
		assert.Equal(t, persistence.StatusRetryScheduled, reviewed.Status)
		assert.Equal(t, f.at(30), reviewed.NextRetryAt)
		assert.Equal(t, 1, reviewed.Attempts)
		assert.NotEmpty(t, reviewed.LastError)

		require.NoError(t, f.orch.Flush(context.Background()))
		stored, loadErr := f.store.LoadRecords(context.Background())
		require.NoError(t, loadErr)
		require.Len(t, stored, 1)

		// transport recovers; the next maintenance pass resends
		f.transport.failAll = false
		f.advance(20)
		summary, err := f.orch.RunMaintenance(context.Background(), f.at(40))
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Retried)

		released := f.orch.GetTask(record.TaskID)
		assert.Equal(t, persistence.StatusDispatched, released.Status)
		assert.Equal(t, 2, released.Attempts)
		assert.Len(t, f.transport.sends(), 1)
	})
}

func TestIngestReceipt(t *testing.T) {
	t.Run("accepted receipt recomputes the deadline from eta", func(t *testing.T) {
		f := newFixture(t, nil)
		record := dispatchOne(t, f, "agent:worker")
		eta := int64(500)

		ok, err := f.orch.IngestReceipt(context.Background(), &types.TaskReceipt{
			TaskID:    record.TaskID,
			From:      "agent:worker",
			Accepted:  true,
			EtaMs:     &eta,
			Timestamp: f.at(10),
		})
		require.NoError(t, err)
		assert.True(t, ok)

		updated := f.orch.GetTask(record.TaskID)
		assert.Equal(t, persistence.StatusAcknowledged, updated.Status)
		assert.Equal(t, f.at(510), updated.DeadlineAt)
		require.Len(t, updated.Receipts, 1)
	})

	t.Run("accepted receipt without eta falls back to the timeout", func(t *testing.T) {
		f := newFixture(t, nil)
		record := dispatchOne(t, f, "agent:worker")

		ok, err := f.orch.IngestReceipt(context.Background(), &types.TaskReceipt{
			TaskID:    record.TaskID,
			From:      "agent:worker",
			Accepted:  true,
			Timestamp: f.at(10),
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, f.at(110), f.orch.GetTask(record.TaskID).DeadlineAt)
	})

	t.Run("negative receipt closes the task as rejected", func(t *testing.T) {
		f := newFixture(t, nil)
		record := dispatchOne(t, f, "agent:worker")

		ok, err := f.orch.IngestReceipt(context.Background(), &types.TaskReceipt{
			TaskID:    record.TaskID,
			From:      "agent:worker",
			Accepted:  false,
			Reason:    "queue full",
			Timestamp: f.at(10),
		})
		require.NoError(t, err)
		assert.True(t, ok)

		updated := f.orch.GetTask(record.TaskID)
		assert.Equal(t, persistence.StatusRejected, updated.Status)
		assert.Equal(t, f.at(10), updated.ClosedAt)
	})

	t.Run("unknown and terminal tasks return false", func(t *testing.T) {
		f := newFixture(t, nil)
		record := dispatchOne(t, f, "agent:worker")

		ok, err := f.orch.IngestReceipt(context.Background(), &types.TaskReceipt{
			TaskID: "22222222-3333-4444-8555-666666666666", From: "agent:worker", Accepted: true,
		})
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = f.orch.IngestResult(context.Background(), &types.TaskResult{
			TaskID: record.TaskID, From: "agent:worker",
			Status: types.ResultSuccess, Output: "done",
		})
		require.NoError(t, err)

		ok, err = f.orch.IngestReceipt(context.Background(), &types.TaskReceipt{
			TaskID: record.TaskID, From: "agent:worker", Accepted: true,
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid receipt is rejected with violations", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.IngestReceipt(context.Background(), &types.TaskReceipt{Accepted: true})
		require.Error(t, err)
		var validation *types.ValidationError
		assert.ErrorAs(t, err, &validation)
	})
}

func TestIngestResult(t *testing.T) {
	f := newFixture(t, nil)
	record := dispatchOne(t, f, "agent:worker")

	ok, err := f.orch.IngestResult(context.Background(), &types.TaskResult{
		TaskID:      record.TaskID,
		From:        "agent:worker",
		Status:      types.ResultFailure,
		Output:      "ran out of disk",
		CompletedAt: f.at(40),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	updated := f.orch.GetTask(record.TaskID)
	assert.Equal(t, persistence.StatusCompleted, updated.Status)
	assert.Equal(t, f.at(40), updated.ClosedAt)
	require.NotNil(t, updated.Result)
	assert.Equal(t, types.ResultFailure, updated.Result.Status)

	ok, err = f.orch.IngestResult(context.Background(), &types.TaskResult{
		TaskID: record.TaskID, From: "agent:worker",
		Status: types.ResultSuccess, Output: "done",
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMaintenanceTimeline(t *testing.T) {
	f := newFixture(t, nil)
	record := dispatchOne(t, f, "agent:worker")

	// before any deadline the pass is a no-op
	summary, err := f.orch.RunMaintenance(context.Background(), f.at(50))
	require.NoError(t, err)
	assert.Equal(t, &MaintenanceSummary{}, summary)

	// deadline breached, budget remains: schedule the retry
	summary, err = f.orch.RunMaintenance(context.Background(), f.at(150))
	require.NoError(t, err)
	assert.Equal(t, &MaintenanceSummary{Checked: 1, ScheduledRetries: 1}, summary)
	scheduled := f.orch.GetTask(record.TaskID)
	assert.Equal(t, persistence.StatusRetryScheduled, scheduled.Status)
	assert.Equal(t, f.at(160), scheduled.NextRetryAt)

	// cooldown elapsed: resend
	*f.clock = f.at(170)
	summary, err = f.orch.RunMaintenance(context.Background(), f.at(170))
	require.NoError(t, err)
	assert.Equal(t, &MaintenanceSummary{Checked: 1, Retried: 1}, summary)
	retried := f.orch.GetTask(record.TaskID)
	assert.Equal(t, persistence.StatusDispatched, retried.Status)
	assert.Equal(t, 2, retried.Attempts)
	assert.Equal(t, f.at(270), retried.DeadlineAt)

	// budget exhausted: close as timed out
	summary, err = f.orch.RunMaintenance(context.Background(), f.at(300))
	require.NoError(t, err)
	assert.Equal(t, &MaintenanceSummary{Checked: 1, TimedOut: 1}, summary)
	closed := f.orch.GetTask(record.TaskID)
	assert.Equal(t, persistence.StatusTimedOut, closed.Status)
	assert.Equal(t, f.at(300), closed.ClosedAt)

	assert.Len(t, f.transport.sends(), 2)
}

func TestMaintenanceRetrySendFailure(t *testing.T) {
	t.Run("failure with exhausted budget times out", func(t *testing.T) {
		f := newFixture(t, nil)
		record := dispatchOne(t, f, "agent:worker")

		_, err := f.orch.RunMaintenance(context.Background(), f.at(150))
		require.NoError(t, err)

		f.transport.failAll = true
		summary, err := f.orch.RunMaintenance(context.Background(), f.at(170))
		require.NoError(t, err)
		assert.Equal(t, &MaintenanceSummary{Checked: 1, TransportFailures: 1, TimedOut: 1}, summary)
		assert.Equal(t, persistence.StatusTimedOut, f.orch.GetTask(record.TaskID).Status)
	})

	t.Run("failure with remaining budget reschedules", func(t *testing.T) {
		f := newFixture(t, func(opts *Options) { opts.MaxRetries = 2 })
		record := dispatchOne(t, f, "agent:worker")

		_, err := f.orch.RunMaintenance(context.Background(), f.at(150))
		require.NoError(t, err)

		f.transport.failNext = 1
		summary, err := f.orch.RunMaintenance(context.Background(), f.at(170))
		require.NoError(t, err)
		assert.Equal(t, &MaintenanceSummary{Checked: 1, TransportFailures: 1}, summary)

		rescheduled := f.orch.GetTask(record.TaskID)
		assert.Equal(t, persistence.StatusRetryScheduled, rescheduled.Status)
		assert.Equal(t, f.at(180), rescheduled.NextRetryAt)
		assert.Equal(t, 2, rescheduled.Attempts)

		summary, err = f.orch.RunMaintenance(context.Background(), f.at(200))
		require.NoError(t, err)
		assert.Equal(t, &MaintenanceSummary{Checked: 1, Retried: 1}, summary)
		assert.Equal(t, persistence.StatusDispatched, f.orch.GetTask(record.TaskID).Status)
	})
}

func TestHydrateReplaysPersistedState(t *testing.T) {
	f := newFixture(t, nil)
	first := dispatchOne(t, f, "agent:alpha")
	second := dispatchOne(t, f, "agent:beta")

	_, err := f.orch.IngestReceipt(context.Background(), &types.TaskReceipt{
		TaskID: second.TaskID, From: "agent:beta", Accepted: true, Timestamp: f.at(10),
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.Flush(context.Background()))

	// the replacement orchestrator denies everything, which must not
	// affect replayed records
	replacement := newFixture(t, func(opts *Options) {
		opts.Store = f.store
		opts.DispatchPolicy = func(_ context.Context, _ *types.TaskRequest) (*policy.DispatchResult, error) {
			return &policy.DispatchResult{Allowed: false}, nil
		}
	})
	replacement.store = f.store

	loaded, err := replacement.orch.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	restored := replacement.orch.GetTask(first.TaskID)
	require.NotNil(t, restored)
	assert.Equal(t, persistence.StatusDispatched, restored.Status)
	assert.Equal(t, 1, restored.Attempts)

	acknowledged := replacement.orch.GetTask(second.TaskID)
	require.NotNil(t, acknowledged)
	assert.Equal(t, persistence.StatusAcknowledged, acknowledged.Status)
}

func TestAuditTrailVerifies(t *testing.T) {
	f := newFixture(t, nil)
	record := dispatchOne(t, f, "agent:worker")
	dispatchOne(t, f, "agent:other")

	_, err := f.orch.IngestReceipt(context.Background(), &types.TaskReceipt{
		TaskID: record.TaskID, From: "agent:worker", Accepted: true, Timestamp: f.at(10),
	})
	require.NoError(t, err)
	_, err = f.orch.IngestResult(context.Background(), &types.TaskResult{
		TaskID: record.TaskID, From: "agent:worker",
		Status: types.ResultSuccess, Output: "done", CompletedAt: f.at(60),
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, f.audit.Len(), 4)
	verification := f.audit.VerifyChain(nil)
	assert.True(t, verification.OK)

	events := make([]string, 0, f.audit.Len())
	for _, entry := range f.audit.Entries() {
		events = append(events, entry.EventType)
	}
	assert.Contains(t, events, EventDispatched)
	assert.Contains(t, events, EventAcknowledged)
	assert.Contains(t, events, EventResult)
}

func TestMetricsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	first := dispatchOne(t, f, "agent:alpha")
	dispatchOne(t, f, "agent:beta")

	_, err := f.orch.IngestResult(context.Background(), &types.TaskResult{
		TaskID: first.TaskID, From: "agent:alpha",
		Status: types.ResultSuccess, Output: "done", CompletedAt: f.at(20),
	})
	require.NoError(t, err)

	snapshot := f.orch.Metrics()
	assert.Equal(t, 2, snapshot.Total)
	assert.Equal(t, 1, snapshot.Open)
	assert.Equal(t, 1, snapshot.Terminal)
	assert.Equal(t, 1, snapshot.ByStatus[persistence.StatusCompleted])
	assert.Equal(t, 1, snapshot.ByStatus[persistence.StatusDispatched])
	assert.Equal(t, 1.0, snapshot.AvgAttempts)

	tasks := f.orch.ListTasks(ListFilter{OpenOnly: true})
	require.Len(t, tasks, 1)
	assert.Equal(t, "agent:beta", tasks[0].Target)
}
