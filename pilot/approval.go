package pilot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentspilot/pilot/core"
)

// ApprovalTracker manages human approval requests: creation, notification,
// response recording, policy resolution, and timeout handling.
type ApprovalTracker struct {
	store    StateManager
	notifier core.Notifier
	logger   core.Logger
}

// NewApprovalTracker creates a tracker backed by the given store.
func NewApprovalTracker(store StateManager, notifier core.Notifier, logger core.Logger) *ApprovalTracker {
	if notifier == nil {
		notifier = &core.NoOpNotifier{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ApprovalTracker{store: store, notifier: notifier, logger: logger}
}

// CreateRequest creates and persists an approval request for a step and
// notifies every approver.
func (t *ApprovalTracker) CreateRequest(ctx context.Context, ec *ExecutionContext, step *WorkflowStep) (*ApprovalRequest, error) {
	if len(step.Approvers) == 0 {
		return nil, NewExecutionError(step.ID, CodeValidationFailed, "human_approval step requires approvers")
	}

	policy := step.ApprovalPolicy
	if policy == "" {
		policy = PolicyAny
	}
	timeout := step.ApprovalTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	now := time.Now()
	req := &ApprovalRequest{
		ID:            uuid.NewString(),
		ExecutionID:   ec.ExecutionID,
		StepID:        step.ID,
		Approvers:     append([]string(nil), step.Approvers...),
		Policy:        policy,
		Title:         ec.RenderSimple(step.Title),
		Message:       ec.RenderSimple(step.Message),
		Status:        ApprovalPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(timeout),
		TimeoutAction: step.TimeoutAction,
		EscalateTo:    append([]string(nil), step.EscalateTo...),
	}
	if req.Title == "" {
		req.Title = step.DisplayName()
	}

	if err := t.store.SaveApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save approval request: %w", err)
	}

	t.notify(ctx, req, req.Approvers)
	return req, nil
}

func (t *ApprovalTracker) notify(ctx context.Context, req *ApprovalRequest, approvers []string) {
	for _, approver := range approvers {
		payload := map[string]interface{}{
			"request_id":   req.ID,
			"execution_id": req.ExecutionID,
			"step_id":      req.StepID,
			"title":        req.Title,
			"message":      req.Message,
			"expires_at":   req.ExpiresAt,
		}
		if err := t.notifier.Send(ctx, "approval", map[string]interface{}{"approver": approver}, payload); err != nil {
			t.logger.Warn("approval notification failed", map[string]interface{}{
				"request_id": req.ID,
				"approver":   approver,
				"error":      err.Error(),
			})
		}
	}
}

// Respond records an approver's decision and re-resolves the request
// status under its policy.
func (t *ApprovalTracker) Respond(ctx context.Context, requestID, approverID, decision, comment string) (*ApprovalRequest, error) {
	req, err := t.store.LoadApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != ApprovalPending && req.Status != ApprovalEscalated {
		return req, fmt.Errorf("approval request %s already resolved as %s", requestID, req.Status)
	}

	if !t.isEligibleApprover(req, approverID) {
		return nil, fmt.Errorf("approver %s is not listed on request %s", approverID, requestID)
	}
	for _, r := range req.Responses {
		if r.ApproverID == approverID {
			return nil, fmt.Errorf("approver %s already responded on request %s", approverID, requestID)
		}
	}
	if decision != "approve" && decision != "reject" {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}

	req.Responses = append(req.Responses, ApprovalResponse{
		ApproverID:  approverID,
		Decision:    decision,
		Comment:     comment,
		RespondedAt: time.Now(),
	})
	req.Status = resolvePolicy(req)

	if err := t.store.SaveApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save approval response: %w", err)
	}
	return req, nil
}

func (t *ApprovalTracker) isEligibleApprover(req *ApprovalRequest, approverID string) bool {
	pool := req.Approvers
	if req.Status == ApprovalEscalated {
		pool = req.EscalateTo
	}
	for _, a := range pool {
		if a == approverID {
			return true
		}
	}
	return false
}

// resolvePolicy computes the request status from its responses.
//
// any: one approval suffices. all: every approver must approve, a single
// rejection fails. majority: strictly more than half must approve, and
// the request fails early once the remaining approvers cannot reach the
// threshold.
func resolvePolicy(req *ApprovalRequest) ApprovalStatus {
	pool := req.Approvers
	if req.Status == ApprovalEscalated {
		pool = req.EscalateTo
	}
	total := len(pool)

	approvals, rejections := 0, 0
	for _, r := range req.Responses {
		switch r.Decision {
		case "approve":
			approvals++
		case "reject":
			rejections++
		}
	}

	switch req.Policy {
	case PolicyAny:
		if approvals >= 1 {
			return ApprovalApproved
		}
		if rejections >= total {
			return ApprovalRejected
		}
	case PolicyAll:
		if rejections >= 1 {
			return ApprovalRejected
		}
		if approvals >= total {
			return ApprovalApproved
		}
	case PolicyMajority:
		needed := total/2 + 1
		if approvals >= needed {
			return ApprovalApproved
		}
		remaining := total - approvals - rejections
		if approvals+remaining < needed {
			return ApprovalRejected
		}
	}
	return req.Status
}

// ResolveTimeout applies the configured timeout action to an expired
// request. Escalation without targets falls back to reject.
func (t *ApprovalTracker) ResolveTimeout(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	req, err := t.store.LoadApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != ApprovalPending || time.Now().Before(req.ExpiresAt) {
		return req, nil
	}

	switch req.TimeoutAction {
	case TimeoutApprove:
		req.Status = ApprovalApproved
	case TimeoutReject:
		req.Status = ApprovalRejected
	case TimeoutEscalate:
		if len(req.EscalateTo) > 0 {
			req.Status = ApprovalEscalated
			window := req.ExpiresAt.Sub(req.CreatedAt)
			if window <= 0 {
				window = 24 * time.Hour
			}
			req.ExpiresAt = time.Now().Add(window)
			t.notify(ctx, req, req.EscalateTo)
		} else {
			req.Status = ApprovalRejected
		}
	default:
		req.Status = ApprovalTimeout
	}

	if err := t.store.SaveApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save timeout resolution: %w", err)
	}

	t.logger.Info("approval request timed out", map[string]interface{}{
		"request_id": req.ID,
		"action":     string(req.TimeoutAction),
		"status":     string(req.Status),
	})
	return req, nil
}

// Await polls the request until it reaches a terminal status or ctx ends.
// Timeouts are resolved in-line per the request's timeout action.
func (t *ApprovalTracker) Await(ctx context.Context, requestID string, pollInterval time.Duration) (*ApprovalRequest, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		req, err := t.store.LoadApprovalRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}

		switch req.Status {
		case ApprovalApproved, ApprovalRejected, ApprovalTimeout:
			return req, nil
		}

		if req.Status == ApprovalPending && time.Now().After(req.ExpiresAt) {
			resolved, rerr := t.ResolveTimeout(ctx, requestID)
			if rerr != nil {
				return nil, rerr
			}
			switch resolved.Status {
			case ApprovalApproved, ApprovalRejected, ApprovalTimeout:
				return resolved, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
