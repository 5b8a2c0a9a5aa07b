package pilot

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentspilot/pilot/core"
)

// fakePluginRuntime scripts plugin results per plugin.action key and
// counts invocations.
type fakePluginRuntime struct {
	mu          sync.Mutex
	results     map[string]*core.PluginResult
	definitions map[string]*core.PluginDefinition
	calls       map[string]int
	lastParams  map[string]map[string]interface{}
	failFirstN  map[string]int
}

func newFakePluginRuntime() *fakePluginRuntime {
	return &fakePluginRuntime{
		results:     make(map[string]*core.PluginResult),
		definitions: make(map[string]*core.PluginDefinition),
		calls:       make(map[string]int),
		lastParams:  make(map[string]map[string]interface{}),
		failFirstN:  make(map[string]int),
	}
}

func (f *fakePluginRuntime) stub(plugin, action string, data interface{}) {
	f.results[plugin+"."+action] = &core.PluginResult{Success: true, Data: data}
}

func (f *fakePluginRuntime) Execute(_ context.Context, _, plugin, action string, params map[string]interface{}) (*core.PluginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := plugin + "." + action
	f.calls[key]++
	f.lastParams[key] = params

	if n := f.failFirstN[key]; n > 0 {
		f.failFirstN[key] = n - 1
		return &core.PluginResult{Success: false, Error: "transient failure"}, nil
	}

	result, ok := f.results[key]
	if !ok {
		return &core.PluginResult{Success: false, Error: fmt.Sprintf("no stub for %s", key)}, nil
	}
	return result, nil
}

func (f *fakePluginRuntime) GetPluginDefinition(_ context.Context, plugin string) (*core.PluginDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if def, ok := f.definitions[plugin]; ok {
		return def, nil
	}
	return &core.PluginDefinition{Actions: map[string]core.ActionDefinition{}}, nil
}

func (f *fakePluginRuntime) callCount(plugin, action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[plugin+"."+action]
}

// fakeLLM returns a scripted response.
type fakeLLM struct {
	mu       sync.Mutex
	response string
	tokens   core.TokenUsage
	calls    int
	prompts  []string
}

func (f *fakeLLM) Run(_ context.Context, req *core.LLMRequest) (*core.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	tokens := f.tokens
	if tokens.TotalTokens == 0 {
		tokens = core.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	}
	return &core.LLMResponse{Success: true, Response: f.response, TokensUsed: tokens}, nil
}

// newTestContext builds an execution context with scripted step outputs.
func newTestContext() *ExecutionContext {
	agent := &Agent{ID: "agent-1", Name: "test agent"}
	return NewExecutionContext("exec-1", agent, "user-1", "sess-1", map[string]interface{}{
		"city":  "Berlin",
		"limit": float64(10),
	}, ModeProduction)
}

func seedStepOutput(ec *ExecutionContext, stepID string, data map[string]interface{}) {
	ec.SetStepOutput(stepID, &StepOutput{
		StepID:   stepID,
		Plugin:   "system",
		Action:   "test",
		Data:     data,
		Metadata: StepMetadata{Success: true, ItemCount: itemCount(data)},
	})
}
