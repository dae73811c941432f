// Package orchestrator implements the task-dispatch state machine: it
// validates and screens task requests, hands them to an injected
// transport, tracks receipts and results, drives retry and timeout
// transitions through a polling maintenance pass, and gates selected
// tasks behind human approval. It is the sole mutator of task state; the
// record store and audit log are written before each mutating call
// returns.
package orchestrator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaw/swarmgrid/audit"
	"github.com/openclaw/swarmgrid/observability"
	"github.com/openclaw/swarmgrid/persistence"
	"github.com/openclaw/swarmgrid/policy"
	"github.com/openclaw/swarmgrid/transport"
	"github.com/openclaw/swarmgrid/types"
)

// Audit event types appended per lifecycle transition.
const (
	EventDispatched       = "task_dispatched"
	EventPolicyDenied     = "task_policy_denied"
	EventAwaitingApproval = "task_awaiting_approval"
	EventApprovalApproved = "task_approval_approved"
	EventApprovalDenied   = "task_approval_denied"
	EventAcknowledged     = "task_acknowledged"
	EventRejected         = "task_rejected"
	EventResult           = "task_result"
	EventRetryScheduled   = "task_retry_scheduled"
	EventTimedOut         = "task_timed_out"
	EventSendFailed       = "task_send_failed"
)

// RouteFunc resolves a target agent for a request that was dispatched
// without an explicit target.
type RouteFunc func(ctx context.Context, request *types.TaskRequest) (string, error)

// Options configures an Orchestrator. Transport and LocalAgentID are
// required; everything else is optional.
type Options struct {
	// LocalAgentID is the identity stamped on outgoing requests and audit
	// entries.
	LocalAgentID string

	// Transport delivers requests to target agents.
	Transport transport.Transport

	// RouteTask resolves targets for requests dispatched without one.
	RouteTask RouteFunc

	// DispatchPolicy screens and sanitizes requests before sending.
	DispatchPolicy policy.DispatchFunc

	// ApprovalPolicy gates selected requests behind human review.
	ApprovalPolicy policy.ApprovalFunc

	// AuditLog receives one entry per lifecycle transition.
	AuditLog *audit.SignedAuditLog

	// Store is the durable record journal. Nil disables persistence.
	Store persistence.RecordStore

	// Metrics is the prometheus collector. Nil disables metrics.
	Metrics *observability.Collector

	// DefaultTimeout is the per-send deadline. Zero selects 30s.
	DefaultTimeout time.Duration

	// MaxRetries is the number of extra physical sends after the first.
	// Negative values select the default of 1; zero disables retries.
	MaxRetries int

	// RetryDelay is the cooldown between a deadline breach and the
	// resend. Zero selects 500ms.
	RetryDelay time.Duration

	// Now is the clock in Unix milliseconds, for deterministic tests.
	Now func() int64

	Logger *zap.Logger
}

// Orchestrator owns the task table. All mutation is funneled through its
// methods under a single lock; records handed out are deep clones.
type Orchestrator struct {
	localAgentID   string
	transport      transport.Transport
	routeTask      RouteFunc
	dispatchPolicy policy.DispatchFunc
	approvalPolicy policy.ApprovalFunc
	auditLog       *audit.SignedAuditLog
	store          persistence.RecordStore
	metrics        *observability.Collector

	defaultTimeoutMs int64
	maxRetries       int
	retryDelayMs     int64

	now    func() int64
	logger *zap.Logger

	mu    sync.Mutex
	tasks map[string]*persistence.TaskRecord
}

// New validates the options and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.LocalAgentID == "" {
		return nil, types.NewError(types.ErrCodeInvalidOptions, "localAgentId is required")
	}
	if opts.Transport == nil {
		return nil, types.NewError(types.ErrCodeInvalidTransport, "transport is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}

	defaultTimeout := opts.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 1
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	return &Orchestrator{
		localAgentID:     opts.LocalAgentID,
		transport:        opts.Transport,
		routeTask:        opts.RouteTask,
		dispatchPolicy:   opts.DispatchPolicy,
		approvalPolicy:   opts.ApprovalPolicy,
		auditLog:         opts.AuditLog,
		store:            opts.Store,
		metrics:          opts.Metrics,
		defaultTimeoutMs: defaultTimeout.Milliseconds(),
		maxRetries:       maxRetries,
		retryDelayMs:     retryDelay.Milliseconds(),
		now:              now,
		logger:           logger.With(zap.String("component", "orchestrator")),
		tasks:            make(map[string]*persistence.TaskRecord),
	}, nil
}

// persist writes the current record snapshot. Persistence failures are
// logged, not propagated; the in-memory record stays authoritative.
func (o *Orchestrator) persist(ctx context.Context, record *persistence.TaskRecord) {
	if o.store == nil {
		return
	}
	if err := o.store.Upsert(ctx, record.Clone()); err != nil {
		o.logger.Warn("record persist failed",
			zap.String("taskId", record.TaskID),
			zap.Error(err))
	}
}

func (o *Orchestrator) emitAudit(eventType string, payload map[string]any) {
	if o.auditLog == nil {
		return
	}
	if _, err := o.auditLog.Append(eventType, o.localAgentID, payload); err != nil {
		o.logger.Warn("audit append failed",
			zap.String("eventType", eventType),
			zap.Error(err))
	}
}

func (o *Orchestrator) recordTransition(from, to persistence.TaskStatus) {
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "new"
	}
	o.metrics.RecordTransition(fromLabel, string(to))
}

func (o *Orchestrator) updateOpenGauge() {
	if o.metrics == nil {
		return
	}
	open := 0
	for _, record := range o.tasks {
		if !record.IsTerminal() {
			open++
		}
	}
	o.metrics.SetOpenTasks(open)
}

// GetTask returns a deep clone of the record, or nil if unknown.
func (o *Orchestrator) GetTask(taskID string) *persistence.TaskRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	record, ok := o.tasks[taskID]
	if !ok {
		return nil
	}
	return record.Clone()
}

// ListFilter narrows ListTasks output. Zero values match everything.
type ListFilter struct {
	Status   persistence.TaskStatus
	Target   string
	OpenOnly bool
}

// ListTasks returns clones of the records matching the filter.
func (o *Orchestrator) ListTasks(filter ListFilter) []*persistence.TaskRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*persistence.TaskRecord, 0, len(o.tasks))
	for _, record := range o.tasks {
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.Target != "" && record.Target != filter.Target {
			continue
		}
		if filter.OpenOnly && record.IsTerminal() {
			continue
		}
		out = append(out, record.Clone())
	}
	return out
}

// ListPendingApprovals returns the tasks held at the approval gate.
func (o *Orchestrator) ListPendingApprovals() []*persistence.TaskRecord {
	return o.ListTasks(ListFilter{Status: persistence.StatusAwaitingApproval})
}

// MetricsSnapshot is the read-only projection over the task table.
type MetricsSnapshot struct {
	Total       int                            `json:"total"`
	Open        int                            `json:"open"`
	Terminal    int                            `json:"terminal"`
	ByStatus    map[persistence.TaskStatus]int `json:"byStatus"`
	AvgAttempts float64                        `json:"avgAttempts"`
}

// Metrics summarizes the task table.
func (o *Orchestrator) Metrics() MetricsSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snapshot := MetricsSnapshot{
		Total:    len(o.tasks),
		ByStatus: make(map[persistence.TaskStatus]int),
	}
	attempts := 0
	for _, record := range o.tasks {
		attempts += record.Attempts
		snapshot.ByStatus[record.Status]++
		if record.IsTerminal() {
			snapshot.Terminal++
		} else {
			snapshot.Open++
		}
	}
	if snapshot.Total > 0 {
		snapshot.AvgAttempts = math.Round(float64(attempts)/float64(snapshot.Total)*100) / 100
	}
	return snapshot
}

// Hydrate replaces the in-memory task table with the store's latest
// snapshots. Persisted state is replayed exactly as stored; policies
// apply only to new dispatches.
func (o *Orchestrator) Hydrate(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	records, err := o.store.LoadRecords(ctx)
	if err != nil {
		return 0, types.NewError(types.ErrCodeInvalidStoreData, "loading records failed").WithCause(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.tasks = make(map[string]*persistence.TaskRecord, len(records))
	loaded := 0
	for _, record := range records {
		if record == nil || record.TaskID == "" {
			continue
		}
		o.tasks[record.TaskID] = record.Clone()
		loaded++
	}
	o.updateOpenGauge()
	o.logger.Info("task table hydrated", zap.Int("loaded", loaded))
	return loaded, nil
}

// Flush blocks until all pending store writes are durable.
func (o *Orchestrator) Flush(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	return o.store.Flush(ctx)
}

func newTaskID() string {
	return uuid.New().String()
}
