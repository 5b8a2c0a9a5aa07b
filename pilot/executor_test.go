package pilot

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/agentspilot/pilot/core"
)

func newTestExecutor(plugins *fakePluginRuntime, llm core.LLMClient) (*StepExecutor, *InMemoryStateStore) {
	store := NewInMemoryStateStore()
	exec := NewStepExecutor(StepExecutorOptions{
		Plugins: plugins,
		LLM:     llm,
		Store:   store,
		Config:  DefaultConfig(),
	})
	return exec, store
}

func TestExecuteActionSuccess(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("weather", "lookup", map[string]interface{}{"temp": float64(21)})
	exec, store := newTestExecutor(plugins, nil)
	ec := newTestContext()

	step := &WorkflowStep{
		ID:     "s1",
		Type:   StepTypeAction,
		Plugin: "weather",
		Action: "lookup",
		Params: map[string]interface{}{"city": "{{input.city}}"},
	}

	out, err := exec.ExecuteStep(context.Background(), step, ec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Metadata.Success || out.Plugin != "weather" || out.Action != "lookup" {
		t.Errorf("output = %+v", out)
	}
	if out.Data["temp"] != float64(21) {
		t.Errorf("data = %v", out.Data)
	}
	if got := plugins.lastParams["weather.lookup"]["city"]; got != "Berlin" {
		t.Errorf("params not resolved: %v", got)
	}

	// Plugin work is metered in token equivalents and recorded on the ledger.
	if out.Metadata.TokensUsed.TotalTokens != DefaultConfig().TokensPerPlugin {
		t.Errorf("tokens = %+v", out.Metadata.TokensUsed)
	}
	entries, _ := store.TokenLedger(context.Background(), "exec-1")
	if len(entries) != 1 || entries[0].Source != "plugin" {
		t.Errorf("ledger = %+v", entries)
	}
}

func TestExecuteActionShapesParams(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("sheets", "append", map[string]interface{}{"ok": true})
	plugins.definitions["sheets"] = &core.PluginDefinition{
		Actions: map[string]core.ActionDefinition{
			"append": {
				Parameters: map[string]core.ParameterSchema{
					"values": {
						Type:     "array",
						Items:    &core.ParameterSchema{Type: "array"},
						Required: []string{"range"},
					},
					"range": {Type: "string"},
				},
			},
		},
	}
	exec, _ := newTestExecutor(plugins, nil)
	ec := newTestContext()

	step := &WorkflowStep{
		ID:     "s1",
		Type:   StepTypeAction,
		Plugin: "sheets",
		Action: "append",
		Params: map[string]interface{}{
			"values": map[string]interface{}{"b": 2, "a": 1},
		},
	}
	if _, err := exec.ExecuteStep(context.Background(), step, ec); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sent := plugins.lastParams["sheets.append"]
	want := []interface{}{[]interface{}{1, 2}}
	if !reflect.DeepEqual(sent["values"], want) {
		t.Errorf("values = %v, want object coerced to a sorted row", sent["values"])
	}
	if sent["range"] != "Sheet1" {
		t.Errorf("range = %v, want filled default", sent["range"])
	}
}

func TestExecuteActionHonorsTopLevelRequired(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("sheets", "append", map[string]interface{}{"ok": true})
	plugins.definitions["sheets"] = &core.PluginDefinition{
		Actions: map[string]core.ActionDefinition{
			"append": {
				Parameters: map[string]core.ParameterSchema{
					"values": {Type: "array", Items: &core.ParameterSchema{Type: "array"}},
					"range":  {Type: "string"},
				},
				Required: []string{"range"},
			},
		},
	}
	exec, _ := newTestExecutor(plugins, nil)
	ec := newTestContext()

	step := &WorkflowStep{
		ID:     "s1",
		Type:   StepTypeAction,
		Plugin: "sheets",
		Action: "append",
		Params: map[string]interface{}{
			"values": []interface{}{[]interface{}{1, 2}},
		},
	}
	if _, err := exec.ExecuteStep(context.Background(), step, ec); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := plugins.lastParams["sheets.append"]["range"]; got != "Sheet1" {
		t.Errorf("range = %v, want default filled from the action-level required list", got)
	}
}

func TestExecuteActionRendersMessagingObject(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("slack", "post", map[string]interface{}{"ok": true})
	plugins.definitions["slack"] = &core.PluginDefinition{
		Actions: map[string]core.ActionDefinition{
			"post": {
				Parameters: map[string]core.ParameterSchema{
					"message": {Type: "string"},
				},
			},
		},
	}
	exec, _ := newTestExecutor(plugins, nil)

	step := &WorkflowStep{
		ID:     "s1",
		Type:   StepTypeAction,
		Plugin: "slack",
		Action: "post",
		Params: map[string]interface{}{
			"message": map[string]interface{}{"city": "Berlin", "alerts": float64(2)},
		},
	}
	if _, err := exec.ExecuteStep(context.Background(), step, newTestContext()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sent := plugins.lastParams["slack.post"]["message"]
	if sent != "alerts: 2\ncity: Berlin" {
		t.Errorf("message = %q, want readable key: value lines", sent)
	}
}

func TestExecuteActionFailureShape(t *testing.T) {
	plugins := newFakePluginRuntime()
	exec, _ := newTestExecutor(plugins, nil)
	ec := newTestContext()

	step := &WorkflowStep{ID: "s1", Type: StepTypeAction, Plugin: "ghost", Action: "noop"}
	out, err := exec.ExecuteStep(context.Background(), step, ec)
	if ErrorCodeOf(err) != CodePluginFailed {
		t.Fatalf("code = %s, want %s", ErrorCodeOf(err), CodePluginFailed)
	}
	if out == nil {
		t.Fatal("failure must still return an output")
	}
	if out.Metadata.Success || out.Metadata.ErrorCode != CodePluginFailed || out.Metadata.Error == "" {
		t.Errorf("metadata = %+v", out.Metadata)
	}
	if len(out.Data) != 0 {
		t.Errorf("failure data = %v, want empty", out.Data)
	}
}

func TestExecuteActionRequiresPluginAndAction(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	step := &WorkflowStep{ID: "s1", Type: StepTypeAction}
	_, err := exec.ExecuteStep(context.Background(), step, newTestContext())
	if ErrorCodeOf(err) != CodeMissingPluginAction {
		t.Errorf("code = %s", ErrorCodeOf(err))
	}
}

func TestExecuteStepCacheHit(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("weather", "lookup", map[string]interface{}{"temp": float64(21)})
	store := NewInMemoryStateStore()
	exec := NewStepExecutor(StepExecutorOptions{
		Plugins: plugins,
		Store:   store,
		Config:  DefaultConfig(),
		Cache:   NewStepCache(time.Minute, 10),
	})
	ec := newTestContext()

	step := &WorkflowStep{
		ID:     "s1",
		Type:   StepTypeAction,
		Plugin: "weather",
		Action: "lookup",
		Params: map[string]interface{}{"city": "Berlin"},
	}

	if _, err := exec.ExecuteStep(context.Background(), step, ec); err != nil {
		t.Fatal(err)
	}
	second, err := exec.ExecuteStep(context.Background(), step, ec)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Metadata.Cached {
		t.Error("second run not served from cache")
	}
	if plugins.callCount("weather", "lookup") != 1 {
		t.Errorf("plugin called %d times, want 1", plugins.callCount("weather", "lookup"))
	}
}

func TestExecuteLLMStepAliasesAndDeclaredKeys(t *testing.T) {
	llm := &fakeLLM{response: `{"result": "fine", "confidence": 0.9}`}
	exec, store := newTestExecutor(newFakePluginRuntime(), llm)
	ec := newTestContext()

	step := &WorkflowStep{
		ID:      "s1",
		Type:    StepTypeAIProcessing,
		Prompt:  "classify the weather in {{input.city}}",
		Outputs: map[string]string{"verdict": "string"},
	}
	out, err := exec.ExecuteStep(context.Background(), step, ec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Spread JSON keys plus the declared key mapped from "result".
	if out.Data["confidence"] != 0.9 {
		t.Errorf("confidence = %v", out.Data["confidence"])
	}
	if out.Data["verdict"] != "fine" {
		t.Errorf("verdict = %v, want the parsed result value", out.Data["verdict"])
	}
	for _, alias := range []string{"result", "response", "output", "summary"} {
		if _, ok := out.Data[alias]; !ok {
			t.Errorf("alias %s missing", alias)
		}
	}

	if !strings.HasPrefix(llm.prompts[0], "classify the weather in Berlin") {
		t.Errorf("prompt = %q", llm.prompts[0])
	}
	if out.Metadata.TokensUsed.TotalTokens != 15 {
		t.Errorf("tokens = %+v", out.Metadata.TokensUsed)
	}
	entries, _ := store.TokenLedger(context.Background(), "exec-1")
	if len(entries) != 1 || entries[0].Source != "llm" {
		t.Errorf("ledger = %+v", entries)
	}
}

func TestExecuteLLMStepSchemaRetries(t *testing.T) {
	llm := &fakeLLM{response: `{"wrong": true}`}
	exec, _ := newTestExecutor(newFakePluginRuntime(), llm)

	step := &WorkflowStep{
		ID:            "s1",
		Type:          StepTypeLLMDecision,
		Prompt:        "decide",
		SchemaPattern: "decision",
	}
	if _, err := exec.ExecuteStep(context.Background(), step, newTestContext()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if llm.calls != llmSchemaRetries+1 {
		t.Errorf("calls = %d, want %d", llm.calls, llmSchemaRetries+1)
	}
}

func TestExecuteSwitchSetsBranchVariable(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	ec := newTestContext()
	seedStepOutput(ec, "triage", map[string]interface{}{"severity": "high"})

	step := &WorkflowStep{
		ID:       "route",
		Type:     StepTypeSwitch,
		Evaluate: "{{triage.data.severity}}",
		Cases: map[string][]string{
			"high": {"page_oncall", "open_incident"},
			"low":  {"log_only"},
		},
		Default: []string{"log_only"},
	}
	out, err := exec.ExecuteStep(context.Background(), step, ec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Data["evaluated"] != "high" || out.Data["matched_case"] != "high" {
		t.Errorf("data = %v", out.Data)
	}

	branch, _ := ec.Variable("route_branch")
	want := []string{"page_oncall", "open_incident"}
	if !reflect.DeepEqual(branch, want) {
		t.Errorf("route_branch = %v, want %v", branch, want)
	}
}

func TestExecuteSwitchDefaultCase(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	ec := newTestContext()
	seedStepOutput(ec, "triage", map[string]interface{}{"severity": "medium"})

	step := &WorkflowStep{
		ID:       "route",
		Type:     StepTypeSwitch,
		Evaluate: "{{triage.data.severity}}",
		Cases:    map[string][]string{"high": {"page_oncall"}},
		Default:  []string{"log_only"},
	}
	out, err := exec.ExecuteStep(context.Background(), step, ec)
	if err != nil {
		t.Fatal(err)
	}
	if out.Data["matched_case"] != "default" {
		t.Errorf("matched_case = %v", out.Data["matched_case"])
	}
}

func TestExecuteConditionalInlineBranches(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	ec := newTestContext()
	seedStepOutput(ec, "check", map[string]interface{}{"score": float64(85)})

	step := &WorkflowStep{
		ID:        "gate",
		Type:      StepTypeConditional,
		Condition: &Condition{Expression: "check.data.score > 70"},
		ThenSteps: []WorkflowStep{
			{ID: "note", Type: StepTypeTransform, Operation: "set", Input: "{{input.city}}"},
		},
		ElseSteps: []WorkflowStep{
			{ID: "skip", Type: StepTypeTransform, Operation: "set", Input: "nothing"},
		},
	}
	out, err := exec.ExecuteStep(context.Background(), step, ec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Data["condition_result"] != true || out.Data["branch"] != "then" {
		t.Errorf("data = %v", out.Data)
	}
	if _, ok := ec.StepOutput("note"); !ok {
		t.Error("then branch step not committed")
	}
	if _, ok := ec.StepOutput("skip"); ok {
		t.Error("else branch ran")
	}
}

func TestExecuteComparison(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	ec := newTestContext()
	seedStepOutput(ec, "a", map[string]interface{}{"n": float64(7)})

	step := &WorkflowStep{
		ID:        "cmp",
		Type:      StepTypeComparison,
		Left:      "{{a.data.n}}",
		Right:     float64(5),
		CompareOp: "greater_than",
	}
	out, err := exec.ExecuteStep(context.Background(), step, ec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Data["result"] != true || out.Data["operation"] != ">" {
		t.Errorf("data = %v", out.Data)
	}
	if out.Data["left"] != float64(7) {
		t.Errorf("left = %v", out.Data["left"])
	}
}

func TestExecuteComparisonUnknownOp(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	step := &WorkflowStep{ID: "cmp", Type: StepTypeComparison, Left: 1, Right: 2, CompareOp: "approximately"}
	_, err := exec.ExecuteStep(context.Background(), step, newTestContext())
	if ErrorCodeOf(err) != CodeUnknownComparisonOp {
		t.Errorf("code = %s", ErrorCodeOf(err))
	}
}

func TestExecuteEnrichmentMergesOverBase(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	ec := newTestContext()
	seedStepOutput(ec, "fetch", map[string]interface{}{"name": "ada", "city": "London"})

	step := &WorkflowStep{
		ID:    "enrich",
		Type:  StepTypeEnrichment,
		Input: "{{fetch.data}}",
		EnrichWith: map[string]interface{}{
			"city":   "{{input.city}}",
			"source": "crm",
		},
	}
	out, err := exec.ExecuteStep(context.Background(), step, ec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Data["name"] != "ada" || out.Data["source"] != "crm" {
		t.Errorf("data = %v", out.Data)
	}
	if out.Data["city"] != "Berlin" {
		t.Errorf("city = %v, enrichment must win over the base", out.Data["city"])
	}
}

func TestExecuteValidationSchemaAndRules(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	ec := newTestContext()
	seedStepOutput(ec, "form", map[string]interface{}{"email": "x@y.com", "age": float64(15)})

	step := &WorkflowStep{
		ID:    "check",
		Type:  StepTypeValidation,
		Input: "{{form.data}}",
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"email"},
		},
		Rules: []ValidationRule{
			{Field: "item.age", Operator: ">=", Value: float64(18), Message: "too young"},
		},
	}
	out, err := exec.ExecuteStep(context.Background(), step, ec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Data["valid"] != false {
		t.Errorf("valid = %v", out.Data["valid"])
	}
	problems := out.Data["errors"].([]string)
	if len(problems) != 1 || problems[0] != "too young" {
		t.Errorf("errors = %v", problems)
	}
}

func TestExecuteDelayRequiresPositiveDuration(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	step := &WorkflowStep{ID: "wait", Type: StepTypeDelay}
	_, err := exec.ExecuteStep(context.Background(), step, newTestContext())
	if ErrorCodeOf(err) != CodeInvalidInputType {
		t.Errorf("code = %s", ErrorCodeOf(err))
	}

	step.Delay = time.Millisecond
	out, err := exec.ExecuteStep(context.Background(), step, newTestContext())
	if err != nil {
		t.Fatal(err)
	}
	if out.Data["delayed_ms"] != int64(1) {
		t.Errorf("delayed_ms = %v", out.Data["delayed_ms"])
	}
}

func TestExecuteStepOutputVariable(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("weather", "lookup", map[string]interface{}{"temp": float64(21)})
	exec, _ := newTestExecutor(plugins, nil)
	ec := newTestContext()

	step := &WorkflowStep{
		ID:             "s1",
		Type:           StepTypeAction,
		Plugin:         "weather",
		Action:         "lookup",
		OutputVariable: "forecast",
	}
	if _, err := exec.ExecuteStep(context.Background(), step, ec); err != nil {
		t.Fatal(err)
	}
	v, ok := ec.Variable("forecast")
	if !ok {
		t.Fatal("output variable not set")
	}
	if v.(map[string]interface{})["temp"] != float64(21) {
		t.Errorf("forecast = %v", v)
	}
}

func TestExecuteLoopWithoutParallelExecutor(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	for _, kind := range []StepType{StepTypeLoop, StepTypeScatterGather} {
		step := &WorkflowStep{ID: "s1", Type: kind}
		_, err := exec.ExecuteStep(context.Background(), step, newTestContext())
		if ErrorCodeOf(err) != CodeMissingParallelExecutor {
			t.Errorf("%s: code = %s", kind, ErrorCodeOf(err))
		}
	}
}

func TestExecuteOrchestratorOnlyKinds(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	for _, kind := range []StepType{StepTypeSubWorkflow, StepTypeHumanApproval, StepTypeParallelGroup} {
		step := &WorkflowStep{ID: "s1", Type: kind}
		_, err := exec.ExecuteStep(context.Background(), step, newTestContext())
		if ErrorCodeOf(err) != CodeInvalidStepType {
			t.Errorf("%s: code = %s", kind, ErrorCodeOf(err))
		}
	}
}

func TestExecuteUnknownStepType(t *testing.T) {
	exec, _ := newTestExecutor(newFakePluginRuntime(), nil)
	step := &WorkflowStep{ID: "s1", Type: StepType("teleport")}
	_, err := exec.ExecuteStep(context.Background(), step, newTestContext())
	if ErrorCodeOf(err) != CodeUnknownStepType {
		t.Errorf("code = %s", ErrorCodeOf(err))
	}
}

func TestExecuteStepLogsStepRecords(t *testing.T) {
	plugins := newFakePluginRuntime()
	plugins.stub("weather", "lookup", map[string]interface{}{"temp": float64(21)})
	exec, store := newTestExecutor(plugins, nil)
	ec := newTestContext()

	good := &WorkflowStep{ID: "ok", Type: StepTypeAction, Plugin: "weather", Action: "lookup"}
	bad := &WorkflowStep{ID: "broken", Type: StepTypeAction, Plugin: "ghost", Action: "noop"}
	exec.ExecuteStep(context.Background(), good, ec)
	exec.ExecuteStep(context.Background(), bad, ec)

	rows, err := store.ListStepRecords(context.Background(), "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	byID := map[string]*StepRecord{}
	for _, r := range rows {
		byID[r.StepID] = r
	}
	if byID["ok"].Status != StepCompleted {
		t.Errorf("ok = %+v", byID["ok"])
	}
	if byID["broken"].Status != StepFailed || byID["broken"].ErrorCode != CodePluginFailed {
		t.Errorf("broken = %+v", byID["broken"])
	}
}
