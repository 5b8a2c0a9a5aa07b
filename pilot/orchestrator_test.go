package pilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentspilot/pilot/core"
)

func fastTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.DefaultRetry = &RetryPolicy{MaxAttempts: 2, Backoff: "fixed", InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	cfg.ApprovalPollInterval = 5 * time.Millisecond
	return cfg
}

func newTestPilot(cfg *Config, plugins core.PluginRuntime, opts PilotOptions) (*Pilot, *InMemoryStateStore) {
	store := NewInMemoryStateStore()
	opts.ConfigProvider = &StaticConfigProvider{Config: cfg}
	opts.Plugins = plugins
	opts.Store = store
	return NewPilot(opts), store
}

func testAgent(steps ...WorkflowStep) *Agent {
	return &Agent{ID: "agent-1", Name: "test agent", PilotSteps: steps}
}

func testInputs() map[string]interface{} {
	return map[string]interface{}{"city": "Berlin", "limit": float64(10)}
}

func TestExecuteSimplePipeline(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("weather", "lookup", map[string]interface{}{"temp": float64(21)})
	p, store := newTestPilot(fastTestConfig(), plugins, PilotOptions{})

	agent := testAgent(
		WorkflowStep{ID: "fetch", Type: StepTypeAction, Plugin: "weather", Action: "lookup",
			Params: map[string]interface{}{"city": "{{input.city}}"}},
		WorkflowStep{ID: "shape", Type: StepTypeTransform, Operation: "set",
			Input: "{{fetch.data.temp}}", DependsOn: []string{"fetch"}},
	)

	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.Status != ExecutionCompleted {
		t.Errorf("result = %+v", result)
	}
	if len(result.CompletedSteps) != 2 {
		t.Errorf("completed = %v", result.CompletedSteps)
	}
	if _, ok := result.Output["fetch"]; !ok {
		t.Errorf("output = %v", result.Output)
	}

	record, err := store.LoadExecution(context.Background(), result.ExecutionID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.Status != ExecutionCompleted || record.FinalOutput == nil {
		t.Errorf("record = %+v", record)
	}
}

func TestExecutePilotDisabled(t *testing.T) {
	cfg := fastTestConfig()
	cfg.PilotEnabled = false
	p, _ := newTestPilot(cfg, newFakePluginRuntime(), PilotOptions{})

	_, err := p.Execute(context.Background(), testAgent(WorkflowStep{ID: "s1", Type: StepTypeAction}), "user-1", "sess-1", nil, ModeProduction)
	if !errors.Is(err, core.ErrPilotDisabled) {
		t.Errorf("err = %v", err)
	}
}

func TestExecuteRequiresSteps(t *testing.T) {
	p, _ := newTestPilot(fastTestConfig(), newFakePluginRuntime(), PilotOptions{})
	_, err := p.Execute(context.Background(), testAgent(), "user-1", "sess-1", nil, ModeProduction)
	if !errors.Is(err, core.ErrWorkflowNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestExecuteIfSkipsStep(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("weather", "lookup", map[string]interface{}{"temp": float64(21)})
	p, _ := newTestPilot(fastTestConfig(), plugins, PilotOptions{})

	agent := testAgent(
		WorkflowStep{ID: "fetch", Type: StepTypeAction, Plugin: "weather", Action: "lookup"},
		WorkflowStep{ID: "alert", Type: StepTypeAction, Plugin: "weather", Action: "lookup",
			DependsOn: []string{"fetch"},
			ExecuteIf: &Condition{Field: "fetch.data.temp", Operator: ">", Value: float64(30)}},
	)

	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.SkippedSteps) != 1 || result.SkippedSteps[0] != "alert" {
		t.Errorf("skipped = %v", result.SkippedSteps)
	}
	if plugins.callCount("weather", "lookup") != 1 {
		t.Errorf("calls = %d", plugins.callCount("weather", "lookup"))
	}
}

func TestSwitchGatesDownstreamSteps(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("notify", "eu", map[string]interface{}{"sent": true})
	plugins.stub("notify", "us", map[string]interface{}{"sent": true})
	p, _ := newTestPilot(fastTestConfig(), plugins, PilotOptions{})

	agent := testAgent(
		WorkflowStep{ID: "route", Type: StepTypeSwitch, Evaluate: "{{input.city}}",
			Cases:   map[string][]string{"Berlin": {"eu_notify"}},
			Default: []string{"us_notify"}},
		WorkflowStep{ID: "eu_notify", Type: StepTypeAction, Plugin: "notify", Action: "eu", DependsOn: []string{"route"}},
		WorkflowStep{ID: "us_notify", Type: StepTypeAction, Plugin: "notify", Action: "us", DependsOn: []string{"route"}},
	)

	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !containsString(result.CompletedSteps, "eu_notify") {
		t.Errorf("completed = %v", result.CompletedSteps)
	}
	if !containsString(result.SkippedSteps, "us_notify") {
		t.Errorf("skipped = %v", result.SkippedSteps)
	}
	if plugins.callCount("notify", "us") != 0 {
		t.Error("gated step still executed")
	}
}

func TestResumeRetriesOnlyFailedWork(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("svc", "first", map[string]interface{}{"ok": true})
	plugins.stub("svc", "flaky", map[string]interface{}{"ok": true})
	plugins.stub("svc", "last", map[string]interface{}{"ok": true})
	// Both attempts of the first run fail, the resume attempt succeeds.
	plugins.failFirstN["svc.flaky"] = 2

	p, store := newTestPilot(fastTestConfig(), plugins, PilotOptions{})
	agent := testAgent(
		WorkflowStep{ID: "a", Type: StepTypeAction, Plugin: "svc", Action: "first"},
		WorkflowStep{ID: "b", Type: StepTypeAction, Plugin: "svc", Action: "flaky", DependsOn: []string{"a"}},
		WorkflowStep{ID: "c", Type: StepTypeAction, Plugin: "svc", Action: "last", DependsOn: []string{"b"}},
	)

	first, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if err == nil {
		t.Fatal("first run should fail")
	}
	if first.Status != ExecutionFailed || !containsString(first.FailedSteps, "b") {
		t.Fatalf("first = %+v", first)
	}
	if plugins.callCount("svc", "first") != 1 || plugins.callCount("svc", "flaky") != 2 {
		t.Fatalf("calls first=%d flaky=%d", plugins.callCount("svc", "first"), plugins.callCount("svc", "flaky"))
	}
	if plugins.callCount("svc", "last") != 0 {
		t.Fatal("downstream step ran despite the failure")
	}

	resumed, err := p.Resume(context.Background(), first.ExecutionID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Success {
		t.Fatalf("resumed = %+v", resumed)
	}
	// Completed work stays done; only the failed step and its downstream run.
	if plugins.callCount("svc", "first") != 1 {
		t.Errorf("completed step re-ran: %d", plugins.callCount("svc", "first"))
	}
	if plugins.callCount("svc", "flaky") != 3 || plugins.callCount("svc", "last") != 1 {
		t.Errorf("calls flaky=%d last=%d", plugins.callCount("svc", "flaky"), plugins.callCount("svc", "last"))
	}
	for _, id := range []string{"a", "b", "c"} {
		if !containsString(resumed.CompletedSteps, id) {
			t.Errorf("%s missing from completed: %v", id, resumed.CompletedSteps)
		}
	}
	if len(resumed.FailedSteps) != 0 {
		t.Errorf("failed = %v", resumed.FailedSteps)
	}

	record, _ := store.LoadExecution(context.Background(), first.ExecutionID)
	if record.Status != ExecutionCompleted {
		t.Errorf("record status = %s", record.Status)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	p, _ := newTestPilot(fastTestConfig(), newFakePluginRuntime(), PilotOptions{})
	err := p.Cancel(context.Background(), "ghost")
	if !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestApprovalRejectionFailsRun(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("deploy", "ship", map[string]interface{}{"ok": true})
	p, _ := newTestPilot(fastTestConfig(), plugins, PilotOptions{Notifier: &recordingNotifier{}})

	agent := testAgent(
		WorkflowStep{ID: "gate", Type: StepTypeHumanApproval,
			Approvers:       []string{"u1"},
			ApprovalType:    "manual",
			Title:           "approve deploy",
			ApprovalTimeout: 10 * time.Millisecond,
			TimeoutAction:   TimeoutReject},
		WorkflowStep{ID: "ship", Type: StepTypeAction, Plugin: "deploy", Action: "ship", DependsOn: []string{"gate"}},
	)

	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if ErrorCodeOf(err) != CodeApprovalRejected {
		t.Fatalf("code = %s, err = %v", ErrorCodeOf(err), err)
	}
	if result.Status != ExecutionFailed {
		t.Errorf("status = %s", result.Status)
	}
	if plugins.callCount("deploy", "ship") != 0 {
		t.Error("gated step ran after rejection")
	}
}

func TestApprovalApprovedContinuesRun(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("deploy", "ship", map[string]interface{}{"ok": true})
	notifier := &recordingNotifier{}
	p, _ := newTestPilot(fastTestConfig(), plugins, PilotOptions{Notifier: notifier})

	agent := testAgent(
		WorkflowStep{ID: "gate", Type: StepTypeHumanApproval,
			Approvers:       []string{"u1"},
			ApprovalType:    "manual",
			Title:           "approve deploy",
			ApprovalTimeout: 5 * time.Second},
		WorkflowStep{ID: "ship", Type: StepTypeAction, Plugin: "deploy", Action: "ship", DependsOn: []string{"gate"}},
	)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			notifier.mu.Lock()
			var reqID string
			if len(notifier.sends) > 0 {
				reqID, _ = notifier.sends[0]["request_id"].(string)
			}
			notifier.mu.Unlock()
			if reqID != "" {
				p.Approvals().Respond(context.Background(), reqID, "u1", "approve", "lgtm")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	gate := result.Output["gate"].(map[string]interface{})
	if gate["status"] != string(ApprovalApproved) {
		t.Errorf("gate = %v", gate)
	}
	if plugins.callCount("deploy", "ship") != 1 {
		t.Errorf("ship ran %d times", plugins.callCount("deploy", "ship"))
	}
}

func TestCalibrationPausesOnParameterError(t *testing.T) {
	p, store := newTestPilot(fastTestConfig(), newFakePluginRuntime(), PilotOptions{})

	// The filter input references a step that does not exist, which only
	// surfaces at runtime as missing input data.
	agent := testAgent(WorkflowStep{
		ID: "broken", Type: StepTypeTransform, Operation: "filter",
		Input:     "{{ghost.data.items}}",
		Condition: &Condition{Field: "item.x", Operator: ">", Value: float64(0)},
	})
	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeCalibration)
	if err != nil {
		t.Fatalf("parameter errors pause instead of failing: %v", err)
	}
	if result.Status != ExecutionPaused || result.ErrorCode != CodeMissingInputData {
		t.Errorf("result = %+v", result)
	}
	if result.FailedStep != "broken" {
		t.Errorf("failed step = %s", result.FailedStep)
	}

	record, _ := store.LoadExecution(context.Background(), result.ExecutionID)
	if record.Status != ExecutionPaused || record.Metadata["failed_step"] != "broken" {
		t.Errorf("record = %+v", record)
	}
}

func TestExecutionTimeout(t *testing.T) {
	cfg := fastTestConfig()
	cfg.DefaultTimeout = 30 * time.Millisecond
	p, _ := newTestPilot(cfg, newFakePluginRuntime(), PilotOptions{})

	agent := testAgent(WorkflowStep{ID: "wait", Type: StepTypeDelay, Delay: 500 * time.Millisecond})
	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if ErrorCodeOf(err) != CodeExecutionTimeout {
		t.Fatalf("code = %s, err = %v", ErrorCodeOf(err), err)
	}
	if result.Status != ExecutionFailed {
		t.Errorf("status = %s", result.Status)
	}
}

func TestBuildFinalOutputProjectsSchema(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("report", "render", map[string]interface{}{"summary": "all quiet", "debug": "noise"})
	p, _ := newTestPilot(fastTestConfig(), plugins, PilotOptions{})

	agent := testAgent(WorkflowStep{ID: "render", Type: StepTypeAction, Plugin: "report", Action: "render"})
	agent.OutputSchema = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"summary": map[string]interface{}{"type": "string"},
		},
	}

	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Output["summary"] != "all quiet" {
		t.Errorf("output = %v", result.Output)
	}
	if _, leaked := result.Output["render"]; leaked {
		t.Error("schema projection leaked raw step outputs")
	}
}

func TestSubWorkflowStep(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("svc", "inner", map[string]interface{}{"value": float64(7)})
	p, _ := newTestPilot(fastTestConfig(), plugins, PilotOptions{})

	agent := testAgent(WorkflowStep{
		ID:   "sub",
		Type: StepTypeSubWorkflow,
		WorkflowSteps: []WorkflowStep{
			{ID: "inner", Type: StepTypeAction, Plugin: "svc", Action: "inner",
				Params: map[string]interface{}{"city": "{{input.place}}"}},
		},
		InputMapping:  map[string]string{"place": "input.city"},
		OutputMapping: map[string]string{"inner_value": "inner.data.value"},
	})

	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	sub := result.Output["sub"].(map[string]interface{})
	if sub["inner_value"] != float64(7) {
		t.Errorf("sub output = %v", sub)
	}
	if got := plugins.lastParams["svc.inner"]["city"]; got != "Berlin" {
		t.Errorf("mapped input = %v", got)
	}
}

func TestGlobalContinueOnErrorCompletesRun(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("svc", "good", map[string]interface{}{"ok": true})
	// svc.bad is never stubbed, so the step fails at runtime.
	cfg := fastTestConfig()
	cfg.ContinueOnError = true
	p, _ := newTestPilot(cfg, plugins, PilotOptions{})

	agent := testAgent(
		WorkflowStep{ID: "good", Type: StepTypeAction, Plugin: "svc", Action: "good"},
		WorkflowStep{ID: "bad", Type: StepTypeAction, Plugin: "svc", Action: "bad"},
	)

	result, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
	if err != nil {
		t.Fatalf("global continue_on_error did not tolerate the failure: %v", err)
	}
	if !result.Success || result.Status != ExecutionCompleted {
		t.Errorf("result = %+v", result)
	}
	if len(result.FailedSteps) != 1 || result.FailedSteps[0] != "bad" {
		t.Errorf("failed = %v", result.FailedSteps)
	}
	if !containsString(result.CompletedSteps, "good") {
		t.Errorf("completed = %v", result.CompletedSteps)
	}
}

func TestParallelFailureEventNamesFailingStep(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("svc", "good", map[string]interface{}{"ok": true})
	bus := NewChannelEventBus(64)
	events, cancel := bus.Subscribe()
	defer cancel()

	p, _ := newTestPilot(fastTestConfig(), plugins, PilotOptions{Events: bus})
	agent := testAgent(
		WorkflowStep{ID: "good", Type: StepTypeAction, Plugin: "svc", Action: "good"},
		WorkflowStep{ID: "bad", Type: StepTypeAction, Plugin: "svc", Action: "bad"},
	)

	if _, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction); err == nil {
		t.Fatal("expected the group failure to surface")
	}

	var failedID string
	for {
		select {
		case ev := <-events:
			if ev.Type == EventStepFailed {
				failedID = ev.StepID
			}
			continue
		default:
		}
		break
	}
	if failedID != "bad" {
		t.Errorf("failed event step = %q, want bad", failedID)
	}
}

func TestForRunIsolatesExecutorState(t *testing.T) {
	base := NewStepExecutor(StepExecutorOptions{Plugins: newFakePluginRuntime()})
	baseCfg := base.config

	runCfg := DefaultConfig()
	runCfg.ContinueOnError = true
	clone := base.ForRun(runCfg)

	if clone.config != runCfg {
		t.Error("clone not bound to the run config")
	}
	if base.config != baseCfg {
		t.Error("run config leaked into the shared executor")
	}
	if clone.parallel != nil {
		t.Error("clone inherited a parallel executor")
	}

	parallel := NewParallelExecutor(2, clone.ExecuteStep, nil)
	clone.SetParallelExecutor(parallel)
	if base.parallel != nil {
		t.Error("parallel executor leaked into the shared executor")
	}
}

func TestConcurrentExecutionsDoNotInterfere(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("weather", "lookup", map[string]interface{}{"temp": float64(21)})
	p, _ := newTestPilot(fastTestConfig(), plugins, PilotOptions{})

	agent := testAgent(WorkflowStep{ID: "fetch", Type: StepTypeAction, Plugin: "weather", Action: "lookup"})

	const runs = 8
	var wg sync.WaitGroup
	errs := make([]error, runs)
	results := make([]*ExecutionResult, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction)
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for i := 0; i < runs; i++ {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if !results[i].Success {
			t.Fatalf("run %d result = %+v", i, results[i])
		}
		ids[results[i].ExecutionID] = true
	}
	if len(ids) != runs {
		t.Errorf("execution ids not unique: %v", ids)
	}
	if plugins.callCount("weather", "lookup") != runs {
		t.Errorf("calls = %d, want %d", plugins.callCount("weather", "lookup"), runs)
	}
}

func TestExecutePublishesEvents(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("weather", "lookup", map[string]interface{}{"temp": float64(21)})
	bus := NewChannelEventBus(64)
	events, cancel := bus.Subscribe()
	defer cancel()

	p, _ := newTestPilot(fastTestConfig(), plugins, PilotOptions{Events: bus})
	agent := testAgent(WorkflowStep{ID: "fetch", Type: StepTypeAction, Plugin: "weather", Action: "lookup"})

	if _, err := p.Execute(context.Background(), agent, "user-1", "sess-1", testInputs(), ModeProduction); err != nil {
		t.Fatalf("execute: %v", err)
	}

	seen := map[EventType]int{}
	for {
		select {
		case ev := <-events:
			seen[ev.Type]++
		default:
			if seen[EventStepStarted] != 1 || seen[EventStepCompleted] != 1 || seen[EventExecutionCompleted] != 1 {
				t.Errorf("events = %v", seen)
			}
			return
		}
	}
}
