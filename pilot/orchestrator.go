package pilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentspilot/pilot/core"
	"github.com/agentspilot/pilot/resilience"
	"github.com/agentspilot/pilot/telemetry"
)

// WorkflowLibrary resolves externally stored workflows for sub_workflow
// steps that reference a workflow_id.
type WorkflowLibrary interface {
	LoadWorkflowSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error)
}

// Pilot is the workflow orchestrator: it plans, walks levels, dispatches
// steps, checkpoints, and resolves pauses, approvals, and timeouts.
type Pilot struct {
	configProvider ConfigProvider
	planner        *Planner
	executor       *StepExecutor
	store          StateManager
	approvals      *ApprovalTracker
	events         EventBus
	memory         core.MemoryProvider
	audit          core.AuditLogger
	logger         core.Logger
	workflows      WorkflowLibrary

	mu     sync.RWMutex
	active map[string]*ExecutionContext
}

// runEnv carries the per-execution collaborators. Config and the parallel
// executor are scoped to one run; overlapping executions never share them.
type runEnv struct {
	cfg      *Config
	executor *StepExecutor
	parallel *ParallelExecutor
}

// PilotOptions bundles the orchestrator's collaborators. Zero-value fields
// fall back to no-op or in-memory implementations.
type PilotOptions struct {
	ConfigProvider ConfigProvider
	Plugins        core.PluginRuntime
	LLM            core.LLMClient
	Store          StateManager
	Audit          core.AuditLogger
	Notifier       core.Notifier
	Memory         core.MemoryProvider
	Events         EventBus
	Logger         core.Logger
	Workflows      WorkflowLibrary
	Orchestration  OrchestrationHandler
	Cache          *StepCache
}

// NewPilot wires the engine together.
func NewPilot(opts PilotOptions) *Pilot {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	store := opts.Store
	if store == nil {
		store = NewInMemoryStateStore()
	}
	audit := opts.Audit
	if audit == nil {
		audit = &core.NoOpAuditLogger{}
	}
	events := opts.Events
	if events == nil {
		events = &NoOpEventBus{}
	}
	provider := opts.ConfigProvider
	if provider == nil {
		provider = &StaticConfigProvider{}
	}
	cachedProvider := NewCachedConfigProvider(provider, 5*time.Minute)

	executor := NewStepExecutor(StepExecutorOptions{
		Plugins:       opts.Plugins,
		LLM:           opts.LLM,
		Store:         store,
		Audit:         audit,
		Logger:        logger,
		Cache:         opts.Cache,
		Orchestration: opts.Orchestration,
	})

	p := &Pilot{
		configProvider: cachedProvider,
		planner:        NewPlanner(logger),
		executor:       executor,
		store:          store,
		approvals:      NewApprovalTracker(store, opts.Notifier, logger),
		events:         events,
		memory:         opts.Memory,
		audit:          audit,
		logger:         logger,
		workflows:      opts.Workflows,
		active:         make(map[string]*ExecutionContext),
	}
	return p
}

// Execute runs an agent's workflow to completion, pause, or failure.
func (p *Pilot) Execute(ctx context.Context, agent *Agent, userID, sessionID string, inputs map[string]interface{}, mode RunMode) (*ExecutionResult, error) {
	cfg, err := p.configProvider.Load(ctx)
	if err != nil {
		cfg = DefaultConfig()
		p.logger.Warn("config load failed, using defaults", map[string]interface{}{"error": err.Error()})
	}

	if !cfg.PilotEnabled {
		return nil, core.ErrPilotDisabled
	}
	if agent == nil {
		return nil, core.ErrAgentNotFound
	}

	steps := agent.WorkflowSteps()
	if len(steps) == 0 {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, core.ErrWorkflowNotFound)
	}

	plan, err := p.planner.Plan(steps)
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	ec := NewExecutionContext(executionID, agent, userID, sessionID, inputs, mode)

	record := &ExecutionRecord{
		ExecutionID: executionID,
		AgentID:     agent.ID,
		UserID:      userID,
		Status:      ExecutionRunning,
		Mode:        mode,
		StartedAt:   time.Now(),
		TotalSteps:  plan.TotalSteps,
	}
	if err := p.store.CreateExecution(ctx, record); err != nil {
		return nil, fmt.Errorf("create execution record: %w", err)
	}
	if err := p.store.SaveAgent(ctx, executionID, agent); err != nil {
		p.logger.Warn("failed to persist agent for resume", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}

	p.register(ec)
	defer p.unregister(executionID)

	p.loadMemoryContext(ctx, cfg, ec)

	return p.run(ctx, cfg, plan, ec, plan.Steps)
}

// Resume continues a paused or interrupted execution from its last
// checkpoint.
func (p *Pilot) Resume(ctx context.Context, executionID string) (*ExecutionResult, error) {
	cfg, err := p.configProvider.Load(ctx)
	if err != nil {
		cfg = DefaultConfig()
	}

	cp, err := p.store.LoadCheckpoint(ctx, executionID)
	if err != nil {
		return nil, err
	}
	agent, err := p.store.LoadAgent(ctx, executionID)
	if err != nil {
		return nil, err
	}

	ec := RestoreContext(cp, agent)
	plan, err := p.planner.Plan(agent.WorkflowSteps())
	if err != nil {
		return nil, err
	}

	// Failed steps get another attempt; completed and skipped work is kept.
	// Re-run everything if no step reached a terminal outcome yet.
	failed := map[string]bool{}
	for _, id := range ec.FailedSteps() {
		failed[id] = true
	}
	var remaining []PlannedStep
	done := 0
	for _, ps := range plan.Steps {
		id := ps.Step.ID
		if failed[id] {
			ec.ResetFailed(id)
			remaining = append(remaining, ps)
			continue
		}
		if ec.HasTerminalOutcome(id) {
			done++
			continue
		}
		remaining = append(remaining, ps)
	}
	if done == 0 {
		remaining = plan.Steps
	}

	// Dependencies of the remaining steps must already be settled or
	// scheduled ahead of them.
	scheduled := make(map[string]bool, len(remaining))
	for _, ps := range remaining {
		scheduled[ps.Step.ID] = true
	}
	for _, ps := range remaining {
		for _, dep := range ps.Step.DependsOn {
			if !ec.HasTerminalOutcome(dep) && !scheduled[dep] {
				return nil, fmt.Errorf("cannot resume %s: dependency %s of step %s is unsettled", executionID, dep, ps.Step.ID)
			}
		}
	}

	if err := p.store.UpdateStatus(ctx, executionID, ExecutionRunning); err != nil {
		p.logger.Warn("failed to mark execution running", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}

	p.register(ec)
	defer p.unregister(executionID)

	return p.run(ctx, cfg, plan, ec, remaining)
}

// Cancel requests cooperative cancellation of a running execution.
func (p *Pilot) Cancel(ctx context.Context, executionID string) error {
	p.mu.RLock()
	ec, ok := p.active[executionID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
	}
	ec.Cancel()
	return p.store.UpdateStatus(ctx, executionID, ExecutionCancelled)
}

// Approvals exposes the approval tracker for external response endpoints.
func (p *Pilot) Approvals() *ApprovalTracker { return p.approvals }

// ListExecutions returns recent execution records for a user.
func (p *Pilot) ListExecutions(ctx context.Context, userID string, limit int) ([]*ExecutionRecord, error) {
	return p.store.ListExecutions(ctx, userID, limit)
}

func (p *Pilot) register(ec *ExecutionContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[ec.ExecutionID] = ec
}

func (p *Pilot) unregister(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, executionID)
}

// loadMemoryContext loads user memory under a hard timeout. Failure is
// non-fatal.
func (p *Pilot) loadMemoryContext(ctx context.Context, cfg *Config, ec *ExecutionContext) {
	if p.memory == nil {
		return
	}
	timeout := cfg.MemoryLoadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	agentID := ""
	if ec.Agent != nil {
		agentID = ec.Agent.ID
	}

	type loaded struct {
		data map[string]interface{}
		err  error
	}
	ch := make(chan loaded, 1)
	go func() {
		data, err := p.memory.LoadContext(loadCtx, ec.UserID, agentID)
		ch <- loaded{data: data, err: err}
	}()

	select {
	case result := <-ch:
		if result.err != nil {
			p.logger.Warn("memory load failed", map[string]interface{}{
				"execution_id": ec.ExecutionID,
				"error":        result.err.Error(),
			})
			return
		}
		ec.MemoryContext = result.data
	case <-loadCtx.Done():
		p.logger.Warn("memory load timed out", map[string]interface{}{
			"execution_id": ec.ExecutionID,
		})
	}
}

// run walks the plan and assembles the final result.
func (p *Pilot) run(ctx context.Context, cfg *Config, plan *ExecutionPlan, ec *ExecutionContext, steps []PlannedStep) (*ExecutionResult, error) {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exec := p.executor.ForRun(cfg)
	parallel := NewParallelExecutor(cfg.MaxParallelSteps, exec.ExecuteStep, p.logger)
	parallel.SetContinueOnError(cfg.ContinueOnError)
	exec.SetParallelExecutor(parallel)
	env := &runEnv{cfg: cfg, executor: exec, parallel: parallel}

	telemetry.SetSpanAttributes(runCtx,
		attribute.String("execution.id", ec.ExecutionID),
		attribute.Int("execution.steps", len(steps)),
	)

	runErr := p.executeLevels(runCtx, env, ec, steps)

	if runErr != nil && runCtx.Err() == context.DeadlineExceeded {
		runErr = NewExecutionError(ec.CurrentStep(), CodeExecutionTimeout, "execution exceeded %s", timeout)
	}

	return p.finish(ctx, cfg, plan, ec, runErr)
}

// executeLevels walks levels in ascending order; each level is a barrier.
func (p *Pilot) executeLevels(ctx context.Context, env *runEnv, ec *ExecutionContext, steps []PlannedStep) error {
	byLevel := make(map[int][]PlannedStep)
	maxLevel := 0
	for _, ps := range steps {
		byLevel[ps.Level] = append(byLevel[ps.Level], ps)
		if ps.Level > maxLevel {
			maxLevel = ps.Level
		}
	}

	stepIndex := 0
	for level := 0; level <= maxLevel; level++ {
		levelSteps := byLevel[level]
		if len(levelSteps) == 0 {
			continue
		}

		// Group by parallel group id; singles dispatch directly.
		groups := map[string][]PlannedStep{}
		var groupOrder []string
		for _, ps := range levelSteps {
			key := ps.ParallelGroupID
			if key == "" {
				key = "single:" + ps.Step.ID
			}
			if _, seen := groups[key]; !seen {
				groupOrder = append(groupOrder, key)
			}
			groups[key] = append(groups[key], ps)
		}

		for _, key := range groupOrder {
			members := groups[key]

			if err := p.checkCancelled(ec); err != nil {
				return err
			}

			if len(members) > 1 {
				if err := p.runParallelGroup(ctx, env, ec, members, stepIndex); err != nil {
					return err
				}
				stepIndex += len(members)
				p.checkpoint(ctx, ec)
				continue
			}

			ps := members[0]
			if err := p.runSingle(ctx, env, ec, &ps.Step, stepIndex); err != nil {
				return err
			}
			stepIndex++
			p.checkpoint(ctx, ec)
		}
	}
	return nil
}

func (p *Pilot) checkCancelled(ec *ExecutionContext) error {
	if ec.Cancelled() {
		return NewExecutionError(ec.CurrentStep(), CodeExecutionCancelled, "execution cancelled")
	}
	return nil
}

func (p *Pilot) runParallelGroup(ctx context.Context, env *runEnv, ec *ExecutionContext, members []PlannedStep, stepIndex int) error {
	group := make([]*WorkflowStep, 0, len(members))
	for i := range members {
		step := members[i].Step
		if skip, err := p.shouldSkip(&step, ec); err != nil {
			return err
		} else if skip {
			p.skipStep(ec, &step, stepIndex)
			continue
		}
		copied := step
		group = append(group, &copied)
	}
	if len(group) == 0 {
		return nil
	}

	for _, step := range group {
		p.publishEvent(ec, EventStepStarted, step, stepIndex, 0, nil, "")
	}

	outputs, err := env.parallel.ExecuteGroup(ctx, group, ec)
	for _, step := range group {
		if out, ok := outputs[step.ID]; ok && out.Metadata.Success {
			p.publishEvent(ec, EventStepCompleted, step, stepIndex, out.Metadata.ExecutionTime, out.Data, "")
		}
	}
	if err != nil {
		// The error carries the failing step's id; CurrentStep is unreliable
		// while group members race.
		failedID := ec.CurrentStep()
		var execErr *ExecutionError
		if errors.As(err, &execErr) && execErr.StepID != "" {
			failedID = execErr.StepID
		}
		if failed := findStep(group, failedID); failed != nil {
			p.publishEvent(ec, EventStepFailed, failed, stepIndex, 0, nil, err.Error())
		}
		return err
	}
	return nil
}

// runSingle dispatches one step with skip, switch gating, retries, and
// inline handling for orchestrator-owned kinds.
func (p *Pilot) runSingle(ctx context.Context, env *runEnv, ec *ExecutionContext, step *WorkflowStep, stepIndex int) error {
	if skip, err := p.shouldSkip(step, ec); err != nil {
		return err
	} else if skip {
		p.skipStep(ec, step, stepIndex)
		return nil
	}

	p.publishEvent(ec, EventStepStarted, step, stepIndex, 0, nil, "")
	started := time.Now()

	var output *StepOutput
	var err error

	switch step.Type {
	case StepTypeSubWorkflow:
		output, err = p.runSubWorkflow(ctx, env, ec, step)
	case StepTypeHumanApproval:
		output, err = p.runApproval(ctx, env.cfg, ec, step)
	default:
		output, err = p.runWithRetry(ctx, env, ec, step)
	}

	if err != nil {
		ec.MarkFailed(step.ID)
		if output != nil {
			ec.SetStepOutput(step.ID, output)
		}
		p.publishEvent(ec, EventStepFailed, step, stepIndex, time.Since(started), nil, err.Error())

		if step.ContinueOnError || env.cfg.ContinueOnError {
			p.logger.Warn("step failed, continuing", map[string]interface{}{
				"step_id": step.ID,
				"error":   err.Error(),
			})
			return nil
		}
		return err
	}

	ec.SetStepOutput(step.ID, output)
	ec.MarkCompleted(step.ID)
	p.publishEvent(ec, EventStepCompleted, step, stepIndex, output.Metadata.ExecutionTime, output.Data, "")
	return nil
}

// shouldSkip evaluates execute_if and switch-branch gating.
func (p *Pilot) shouldSkip(step *WorkflowStep, ec *ExecutionContext) (bool, error) {
	// A switch upstream restricts which dependents run.
	for _, dep := range step.DependsOn {
		if branch, ok := ec.Variable(dep + "_branch"); ok {
			if ids := toStringSlice(branch); ids != nil && !containsString(ids, step.ID) {
				return true, nil
			}
		}
	}

	if step.ExecuteIf == nil {
		return false, nil
	}
	result, err := p.executor.conditions.Evaluate(step.ExecuteIf, ec)
	if err != nil {
		return false, WrapExecutionError(step.ID, CodeMissingCondition, err)
	}
	return !result, nil
}

// toStringSlice handles both in-memory and checkpoint-restored branch
// selections.
func toStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func (p *Pilot) skipStep(ec *ExecutionContext, step *WorkflowStep, stepIndex int) {
	ec.MarkSkipped(step.ID)
	p.publishEvent(ec, EventStepSkipped, step, stepIndex, 0, nil, "")
	p.logger.Debug("step skipped", map[string]interface{}{"step_id": step.ID})
}

// runWithRetry applies the step-level or default retry policy. Retries
// re-check cancellation between attempts.
func (p *Pilot) runWithRetry(ctx context.Context, env *runEnv, ec *ExecutionContext, step *WorkflowStep) (*StepOutput, error) {
	policy := step.Retry
	if policy == nil {
		policy = env.cfg.DefaultRetry
	}

	rcfg := retryConfigFromPolicy(policy)

	var output *StepOutput
	var lastErr error
	for attempt := 1; attempt <= rcfg.MaxAttempts; attempt++ {
		if cerr := p.checkCancelled(ec); cerr != nil {
			return output, cerr
		}

		out, err := env.executor.ExecuteStep(ctx, step, ec)
		if err == nil {
			return out, nil
		}
		output = out
		lastErr = err

		if !isRetryableStepError(err) || attempt == rcfg.MaxAttempts {
			break
		}

		p.logger.Debug("retrying step", map[string]interface{}{
			"step_id": step.ID,
			"attempt": attempt,
			"error":   err.Error(),
		})
		timer := time.NewTimer(rcfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return output, WrapExecutionError(step.ID, CodeExecutionCancelled, ctx.Err())
		case <-timer.C:
		}
	}
	return output, lastErr
}

// isRetryableStepError excludes failures that retrying cannot fix.
func isRetryableStepError(err error) bool {
	switch ErrorCodeOf(err) {
	case CodeExecutionCancelled, CodeApprovalRejected, CodeMissingCondition,
		CodeUnknownStepType, CodeInvalidStepType, CodeMissingPluginAction,
		CodeUnknownTransformOperation, CodeUnknownComparisonOp,
		CodeMissingParallelExecutor, CodeValidationFailed:
		return false
	}
	return true
}

func retryConfigFromPolicy(policy *RetryPolicy) *resilience.RetryConfig {
	if policy == nil {
		return &resilience.RetryConfig{MaxAttempts: 1, Backoff: resilience.BackoffFixed, InitialDelay: time.Second}
	}
	cfg := &resilience.RetryConfig{
		MaxAttempts:  policy.MaxAttempts,
		InitialDelay: policy.InitialWait,
		MaxDelay:     policy.MaxWait,
	}
	switch policy.Backoff {
	case "fixed":
		cfg.Backoff = resilience.BackoffFixed
	case "linear":
		cfg.Backoff = resilience.BackoffLinear
	default:
		cfg.Backoff = resilience.BackoffExponential
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	return cfg
}

// -----------------------------------------------------------------------------
// sub_workflow
// -----------------------------------------------------------------------------

func (p *Pilot) runSubWorkflow(ctx context.Context, env *runEnv, ec *ExecutionContext, step *WorkflowStep) (*StepOutput, error) {
	started := time.Now()

	steps := step.WorkflowSteps
	if len(steps) == 0 {
		if step.WorkflowID == "" {
			return nil, NewExecutionError(step.ID, CodeWorkflowNotFound, "sub_workflow requires workflow_id or workflow_steps")
		}
		if p.workflows == nil {
			return nil, NewExecutionError(step.ID, CodeWorkflowNotFound, "no workflow library configured for workflow_id %q", step.WorkflowID)
		}
		loaded, err := p.workflows.LoadWorkflowSteps(ctx, step.WorkflowID)
		if err != nil {
			return nil, WrapExecutionError(step.ID, CodeWorkflowNotFound, err)
		}
		steps = loaded
	}

	plan, err := p.planner.Plan(steps)
	if err != nil {
		return nil, WrapExecutionError(step.ID, CodeSubWorkflowFailed, err)
	}

	// Nested agent and context with mapped inputs.
	subAgent := &Agent{
		ID:         fmt.Sprintf("%s:%s", agentID(ec), step.ID),
		Name:       step.DisplayName(),
		PilotSteps: steps,
	}
	subInputs := make(map[string]interface{}, len(step.InputMapping))
	for key, ref := range step.InputMapping {
		subInputs[key] = resolveMappingRef(ec, ref)
	}

	subEC := NewExecutionContext(ec.ExecutionID+":"+step.ID, subAgent, ec.UserID, ec.SessionID, subInputs, ec.Mode)
	subEC.MemoryContext = ec.MemoryContext
	if step.InheritVariables {
		for name, value := range ec.Variables() {
			subEC.SetVariable(name, value)
		}
	}

	subCtx := ctx
	if step.SubTimeout > 0 {
		var cancel context.CancelFunc
		subCtx, cancel = context.WithTimeout(ctx, step.SubTimeout)
		defer cancel()
	}

	err = p.executeLevels(subCtx, env, subEC, plan.Steps)
	if err != nil {
		if subCtx.Err() == context.DeadlineExceeded {
			return nil, NewExecutionError(step.ID, CodeSubWorkflowTimeout, "sub-workflow exceeded %s", step.SubTimeout)
		}
		return nil, WrapExecutionError(step.ID, CodeSubWorkflowFailed, err)
	}

	// Map sub-workflow outputs back to the parent.
	data := map[string]interface{}{}
	if len(step.OutputMapping) > 0 {
		for parentKey, ref := range step.OutputMapping {
			if value, rerr := subEC.ResolveReference(ref); rerr == nil {
				data[parentKey] = value
			}
		}
	} else {
		for _, out := range subEC.AllStepOutputs() {
			data[out.StepID] = out.Data
		}
	}

	ec.AddTokens(subEC.Tokens())

	return &StepOutput{
		StepID: step.ID,
		Plugin: "system",
		Action: "sub_workflow",
		Data:   data,
		Metadata: StepMetadata{
			Success:       true,
			ExecutedAt:    started,
			ExecutionTime: time.Since(started),
			TokensUsed:    subEC.Tokens(),
		},
	}, nil
}

func agentID(ec *ExecutionContext) string {
	if ec.Agent != nil {
		return ec.Agent.ID
	}
	return ""
}

// resolveMappingRef accepts both templated ("{{input.city}}") and bare
// ("input.city") reference forms in sub-workflow mappings.
func resolveMappingRef(ec *ExecutionContext, ref string) interface{} {
	if strings.Contains(ref, "{{") {
		return ec.ResolveValue(ref)
	}
	if value, err := ec.ResolveReference(ref); err == nil {
		return value
	}
	return ref
}

// -----------------------------------------------------------------------------
// human_approval
// -----------------------------------------------------------------------------

func (p *Pilot) runApproval(ctx context.Context, cfg *Config, ec *ExecutionContext, step *WorkflowStep) (*StepOutput, error) {
	started := time.Now()

	req, err := p.approvals.CreateRequest(ctx, ec, step)
	if err != nil {
		return nil, err
	}

	if uerr := p.store.UpdateStatus(ctx, ec.ExecutionID, ExecutionPaused); uerr != nil {
		p.logger.Warn("failed to mark execution paused", map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"error":        uerr.Error(),
		})
	}

	resolved, err := p.approvals.Await(ctx, req.ID, cfg.ApprovalPollInterval)
	if err != nil {
		return nil, WrapExecutionError(step.ID, CodeExecutionCancelled, err)
	}

	if uerr := p.store.UpdateStatus(ctx, ec.ExecutionID, ExecutionRunning); uerr != nil {
		p.logger.Warn("failed to mark execution running", map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"error":        uerr.Error(),
		})
	}

	data := map[string]interface{}{
		"request_id": resolved.ID,
		"status":     string(resolved.Status),
		"responses":  resolved.Responses,
	}

	if resolved.Status != ApprovalApproved {
		return nil, NewExecutionError(step.ID, CodeApprovalRejected, "approval resolved as %s", resolved.Status)
	}

	return &StepOutput{
		StepID: step.ID,
		Plugin: "system",
		Action: "human_approval",
		Data:   data,
		Metadata: StepMetadata{
			Success:       true,
			ExecutedAt:    started,
			ExecutionTime: time.Since(started),
		},
	}, nil
}

// -----------------------------------------------------------------------------
// completion
// -----------------------------------------------------------------------------

func (p *Pilot) finish(ctx context.Context, cfg *Config, plan *ExecutionPlan, ec *ExecutionContext, runErr error) (*ExecutionResult, error) {
	result := &ExecutionResult{
		ExecutionID:    ec.ExecutionID,
		AgentID:        agentID(ec),
		CompletedSteps: ec.CompletedSteps(),
		FailedSteps:    ec.FailedSteps(),
		SkippedSteps:   ec.SkippedSteps(),
		TotalDuration:  ec.Elapsed(),
		TokensUsed:     ec.Tokens(),
	}

	p.checkpoint(ctx, ec)

	if runErr != nil {
		code := ErrorCodeOf(runErr)

		// Calibration mode pauses on parameter errors so the user can edit
		// parameters and retry rather than losing the run.
		if ec.Mode != ModeProduction && isParameterError(code) {
			result.Status = ExecutionPaused
			result.Error = runErr.Error()
			result.ErrorCode = code
			result.FailedStep = ec.CurrentStep()
			p.updateStatus(ctx, ec.ExecutionID, ExecutionPaused)
			if merr := p.store.UpdateMetadata(ctx, ec.ExecutionID, map[string]interface{}{
				"parameter_error": runErr.Error(),
				"failed_step":     ec.CurrentStep(),
			}); merr != nil {
				p.logger.Warn("failed to persist parameter error details", map[string]interface{}{
					"execution_id": ec.ExecutionID,
					"error":        merr.Error(),
				})
			}
			return result, nil
		}

		status := ExecutionFailed
		if code == CodeExecutionCancelled {
			status = ExecutionCancelled
		}
		result.Status = status
		result.Error = runErr.Error()
		result.ErrorCode = code
		result.FailedStep = ec.CurrentStep()

		p.updateStatus(ctx, ec.ExecutionID, status)
		p.publishExecutionEvent(ec, EventExecutionError, nil, runErr.Error())
		p.auditExecution(ctx, ec, "execution_failed", map[string]interface{}{"error": runErr.Error()})
		return result, runErr
	}

	output := p.buildFinalOutput(ec)
	result.Success = true
	result.Status = ExecutionCompleted
	result.Output = output

	p.validateFinalOutput(ec, output)
	p.persistCompletion(ctx, ec, output)
	p.publishExecutionEvent(ec, EventExecutionCompleted, output, "")
	p.auditExecution(ctx, ec, "execution_completed", map[string]interface{}{
		"completed_steps": len(result.CompletedSteps),
		"tokens":          result.TokensUsed.TotalTokens,
	})

	go p.reconcileTokens(ec)

	return result, nil
}

func isParameterError(code string) bool {
	switch code {
	case CodeParameterError, CodeMissingInputData, CodeMissingPluginAction:
		return true
	}
	return false
}

// buildFinalOutput projects the declared output schema, falling back to
// all step outputs.
func (p *Pilot) buildFinalOutput(ec *ExecutionContext) map[string]interface{} {
	if ec.Agent != nil && len(ec.Agent.OutputSchema) > 0 {
		properties, _ := ec.Agent.OutputSchema["properties"].(map[string]interface{})
		if len(properties) > 0 {
			out := make(map[string]interface{}, len(properties))
			for key := range properties {
				if value, ok := p.findOutputValue(ec, key); ok {
					out[key] = value
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}

	out := map[string]interface{}{}
	for _, stepOut := range ec.AllStepOutputs() {
		out[stepOut.StepID] = stepOut.Data
	}
	return out
}

// findOutputValue searches step outputs, newest first, for a declared key.
func (p *Pilot) findOutputValue(ec *ExecutionContext, key string) (interface{}, bool) {
	outputs := ec.AllStepOutputs()
	for i := len(outputs) - 1; i >= 0; i-- {
		if value, ok := outputs[i].Data[key]; ok {
			return value, true
		}
	}
	if value, ok := ec.Variable(key); ok {
		return value, true
	}
	return nil, false
}

// validateFinalOutput checks the final output against the agent's schema.
// Failures warn, never fail the run.
func (p *Pilot) validateFinalOutput(ec *ExecutionContext, output map[string]interface{}) {
	if ec.Agent == nil || len(ec.Agent.OutputSchema) == 0 {
		return
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(ec.Agent.OutputSchema),
		gojsonschema.NewGoLoader(output),
	)
	if err != nil {
		p.logger.Warn("final output validation errored", map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"error":        err.Error(),
		})
		return
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		p.logger.Warn("final output does not match declared schema", map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"problems":     problems,
		})
	}
}

func (p *Pilot) persistCompletion(ctx context.Context, ec *ExecutionContext, output map[string]interface{}) {
	record, err := p.store.LoadExecution(ctx, ec.ExecutionID)
	if err != nil {
		p.logger.Warn("failed to load execution for completion", map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"error":        err.Error(),
		})
		return
	}
	now := time.Now()
	record.Status = ExecutionCompleted
	record.CompletedAt = &now
	record.CompletedSteps = len(ec.CompletedSteps())
	record.FailedSteps = len(ec.FailedSteps())
	record.TokensUsed = ec.Tokens()
	record.FinalOutput = output
	if err := p.store.UpdateExecution(ctx, record); err != nil {
		p.logger.Warn("failed to persist completion", map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"error":        err.Error(),
		})
	}
}

func (p *Pilot) updateStatus(ctx context.Context, executionID string, status ExecutionStatus) {
	if err := p.store.UpdateStatus(ctx, executionID, status); err != nil {
		p.logger.Warn("failed to update execution status", map[string]interface{}{
			"execution_id": executionID,
			"status":       string(status),
			"error":        err.Error(),
		})
	}
}

func (p *Pilot) checkpoint(ctx context.Context, ec *ExecutionContext) {
	if err := p.store.SaveCheckpoint(ctx, ec.Snapshot()); err != nil {
		p.logger.Warn("checkpoint write failed", map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"error":        err.Error(),
		})
	}
}

// tokenLedgerReader is implemented by stores that can replay the ledger.
type tokenLedgerReader interface {
	TokenLedger(ctx context.Context, executionID string) ([]*TokenLedgerEntry, error)
}

// reconcileTokens compares the context's token total with the ledger after
// a short settling delay. Mismatches warn only.
func (p *Pilot) reconcileTokens(ec *ExecutionContext) {
	reader, ok := p.store.(tokenLedgerReader)
	if !ok {
		return
	}
	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := reader.TokenLedger(ctx, ec.ExecutionID)
	if err != nil {
		p.logger.Warn("token reconciliation failed", map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"error":        err.Error(),
		})
		return
	}

	var ledgerTotal int
	for _, entry := range entries {
		ledgerTotal += entry.Tokens.TotalTokens
	}
	contextTotal := ec.Tokens().TotalTokens
	if ledgerTotal != contextTotal {
		p.logger.Warn("token totals diverge between ledger and context", map[string]interface{}{
			"execution_id":  ec.ExecutionID,
			"ledger_total":  ledgerTotal,
			"context_total": contextTotal,
		})
	}
}

func (p *Pilot) publishEvent(ec *ExecutionContext, kind EventType, step *WorkflowStep, index int, duration time.Duration, result map[string]interface{}, errMsg string) {
	p.events.Publish(Event{
		Type:        kind,
		ExecutionID: ec.ExecutionID,
		AgentID:     agentID(ec),
		StepIndex:   index,
		StepID:      step.ID,
		StepName:    step.DisplayName(),
		Duration:    duration,
		Result:      result,
		Error:       errMsg,
		Timestamp:   time.Now(),
	})
}

func (p *Pilot) publishExecutionEvent(ec *ExecutionContext, kind EventType, result map[string]interface{}, errMsg string) {
	p.events.Publish(Event{
		Type:        kind,
		ExecutionID: ec.ExecutionID,
		AgentID:     agentID(ec),
		Result:      result,
		Error:       errMsg,
		Timestamp:   time.Now(),
	})
}

func (p *Pilot) auditExecution(ctx context.Context, ec *ExecutionContext, event string, detail map[string]interface{}) {
	entry := core.AuditEntry{
		ExecutionID: ec.ExecutionID,
		AgentID:     agentID(ec),
		UserID:      ec.UserID,
		Event:       event,
		Detail:      detail,
		Timestamp:   time.Now(),
	}
	if err := p.audit.Record(ctx, entry); err != nil {
		p.logger.Warn("audit record failed", map[string]interface{}{
			"execution_id": ec.ExecutionID,
			"error":        err.Error(),
		})
	}
}
