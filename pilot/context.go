package pilot

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/agentspilot/pilot/core"
)

// ExecutionContext holds per-run mutable state: inputs, per-step outputs,
// named variables, token counters, and progress bookkeeping. It is created
// at execution start and owned by exactly one execution; parallel step
// outputs are marshalled back through SetStepOutput as the single commit
// point.
type ExecutionContext struct {
	ExecutionID   string
	Agent         *Agent
	UserID        string
	SessionID     string
	Inputs        map[string]interface{}
	Mode          RunMode
	MemoryContext map[string]interface{}

	mu          sync.RWMutex
	stepOutputs map[string]*StepOutput
	outputOrder []string
	variables   map[string]interface{}
	completed   []string
	failed      []string
	skipped     []string
	currentStep string
	elapsed     time.Duration
	tokens      core.TokenUsage
	cancelled   bool
	startedAt   time.Time
}

// NewExecutionContext creates the per-run state container.
func NewExecutionContext(executionID string, agent *Agent, userID, sessionID string, inputs map[string]interface{}, mode RunMode) *ExecutionContext {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	if mode == "" {
		mode = ModeProduction
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		Agent:       agent,
		UserID:      userID,
		SessionID:   sessionID,
		Inputs:      inputs,
		Mode:        mode,
		stepOutputs: make(map[string]*StepOutput),
		variables:   make(map[string]interface{}),
		startedAt:   time.Now(),
	}
}

// SetStepOutput commits a step's output. Idempotent for retries: the latest
// write wins, insertion order is preserved from the first write.
func (ec *ExecutionContext) SetStepOutput(stepID string, output *StepOutput) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if _, exists := ec.stepOutputs[stepID]; !exists {
		ec.outputOrder = append(ec.outputOrder, stepID)
	}
	ec.stepOutputs[stepID] = output
}

// StepOutput returns the committed output for a step id.
func (ec *ExecutionContext) StepOutput(stepID string) (*StepOutput, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.stepOutputs[stepID]
	return out, ok
}

// AllStepOutputs returns outputs in insertion order, supporting last-step
// fallback semantics.
func (ec *ExecutionContext) AllStepOutputs() []*StepOutput {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	outputs := make([]*StepOutput, 0, len(ec.outputOrder))
	for _, id := range ec.outputOrder {
		outputs = append(outputs, ec.stepOutputs[id])
	}
	return outputs
}

// LastStepOutput returns the most recently first-committed output, or nil.
func (ec *ExecutionContext) LastStepOutput() *StepOutput {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if len(ec.outputOrder) == 0 {
		return nil
	}
	return ec.stepOutputs[ec.outputOrder[len(ec.outputOrder)-1]]
}

// SetVariable stores a named variable (output_variable aliases, switch
// branch selections, iteration bindings).
func (ec *ExecutionContext) SetVariable(name string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables[name] = value
}

// Variable returns a named variable.
func (ec *ExecutionContext) Variable(name string) (interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.variables[name]
	return v, ok
}

// Variables returns a copy of the variable map.
func (ec *ExecutionContext) Variables() map[string]interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]interface{}, len(ec.variables))
	for k, v := range ec.variables {
		out[k] = v
	}
	return out
}

// BindIterationItem binds an iteration variable for per-item evaluation.
// Map fields gain both snake_case and camelCase aliases so conditions
// authored in either convention work regardless of the producer's casing.
func (ec *ExecutionContext) BindIterationItem(name string, value interface{}) {
	ec.SetVariable(name, normalizeItemKeys(value))
}

// normalizeItemKeys adds snake_case and camelCase aliases for every key of
// a map value. Non-map values pass through untouched.
func normalizeItemKeys(value interface{}) interface{} {
	m, ok := value.(map[string]interface{})
	if !ok {
		return value
	}
	out := make(map[string]interface{}, len(m)*2)
	for k, v := range m {
		out[k] = v
		if snake := toSnakeCase(k); snake != k {
			if _, exists := m[snake]; !exists {
				out[snake] = v
			}
		}
		if camel := toCamelCase(k); camel != k {
			if _, exists := m[camel]; !exists {
				out[camel] = v
			}
		}
	}
	return out
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func toCamelCase(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// Progress bookkeeping. A step appears in exactly one of completed,
// failed, or skipped after its terminal outcome.

func (ec *ExecutionContext) MarkCompleted(stepID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.completed = appendUnique(ec.completed, stepID)
}

func (ec *ExecutionContext) MarkFailed(stepID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.failed = appendUnique(ec.failed, stepID)
}

// ResetFailed removes a step's failed mark so resume can retry it.
func (ec *ExecutionContext) ResetFailed(stepID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	kept := ec.failed[:0]
	for _, id := range ec.failed {
		if id != stepID {
			kept = append(kept, id)
		}
	}
	ec.failed = kept
}

func (ec *ExecutionContext) MarkSkipped(stepID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.skipped = appendUnique(ec.skipped, stepID)
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

func (ec *ExecutionContext) CompletedSteps() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]string(nil), ec.completed...)
}

func (ec *ExecutionContext) FailedSteps() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]string(nil), ec.failed...)
}

func (ec *ExecutionContext) SkippedSteps() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]string(nil), ec.skipped...)
}

// HasTerminalOutcome reports whether a step already reached completed,
// failed, or skipped. Used by resume to avoid re-running work.
func (ec *ExecutionContext) HasTerminalOutcome(stepID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	for _, list := range [][]string{ec.completed, ec.failed, ec.skipped} {
		for _, id := range list {
			if id == stepID {
				return true
			}
		}
	}
	return false
}

// SetCurrentStep records the step currently dispatched.
func (ec *ExecutionContext) SetCurrentStep(stepID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.currentStep = stepID
}

func (ec *ExecutionContext) CurrentStep() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.currentStep
}

// AddTokens accumulates token usage into the run total.
func (ec *ExecutionContext) AddTokens(usage core.TokenUsage) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.tokens.Add(usage)
}

func (ec *ExecutionContext) Tokens() core.TokenUsage {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.tokens
}

// Elapsed returns cumulative execution time since context creation.
func (ec *ExecutionContext) Elapsed() time.Duration {
	return time.Since(ec.startedAt)
}

// Cancel marks the run cancelled. Cancellation is cooperative: the
// orchestrator checks Cancelled between steps and between retries.
func (ec *ExecutionContext) Cancel() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.cancelled = true
}

func (ec *ExecutionContext) Cancelled() bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.cancelled
}

// CloneForItem creates a shallow copy of the context sharing committed step
// outputs but with an isolated variable map, for scatter-gather fan-out.
func (ec *ExecutionContext) CloneForItem() *ExecutionContext {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	clone := &ExecutionContext{
		ExecutionID:   ec.ExecutionID,
		Agent:         ec.Agent,
		UserID:        ec.UserID,
		SessionID:     ec.SessionID,
		Inputs:        ec.Inputs,
		Mode:          ec.Mode,
		MemoryContext: ec.MemoryContext,
		stepOutputs:   make(map[string]*StepOutput, len(ec.stepOutputs)),
		variables:     make(map[string]interface{}, len(ec.variables)),
		startedAt:     ec.startedAt,
	}
	for k, v := range ec.stepOutputs {
		clone.stepOutputs[k] = v
	}
	clone.outputOrder = append([]string(nil), ec.outputOrder...)
	for k, v := range ec.variables {
		clone.variables[k] = v
	}
	return clone
}

// ContextCheckpoint is a serializable snapshot of the execution context,
// persisted by the state manager after each successful step.
type ContextCheckpoint struct {
	ExecutionID string                 `json:"execution_id"`
	AgentID     string                 `json:"agent_id"`
	UserID      string                 `json:"user_id"`
	SessionID   string                 `json:"session_id,omitempty"`
	Inputs      map[string]interface{} `json:"inputs"`
	StepOutputs map[string]*StepOutput `json:"step_outputs"`
	OutputOrder []string               `json:"output_order"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	Completed   []string               `json:"completed"`
	Failed      []string               `json:"failed,omitempty"`
	Skipped     []string               `json:"skipped,omitempty"`
	Tokens      core.TokenUsage        `json:"tokens"`
	Mode        RunMode                `json:"mode"`
	CurrentStep string                 `json:"current_step,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Snapshot captures the context for checkpointing.
func (ec *ExecutionContext) Snapshot() *ContextCheckpoint {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	cp := &ContextCheckpoint{
		ExecutionID: ec.ExecutionID,
		UserID:      ec.UserID,
		SessionID:   ec.SessionID,
		Inputs:      ec.Inputs,
		StepOutputs: make(map[string]*StepOutput, len(ec.stepOutputs)),
		OutputOrder: append([]string(nil), ec.outputOrder...),
		Variables:   make(map[string]interface{}, len(ec.variables)),
		Completed:   append([]string(nil), ec.completed...),
		Failed:      append([]string(nil), ec.failed...),
		Skipped:     append([]string(nil), ec.skipped...),
		Tokens:      ec.tokens,
		Mode:        ec.Mode,
		CurrentStep: ec.currentStep,
		CreatedAt:   time.Now(),
	}
	if ec.Agent != nil {
		cp.AgentID = ec.Agent.ID
	}
	for k, v := range ec.stepOutputs {
		cp.StepOutputs[k] = v
	}
	for k, v := range ec.variables {
		cp.Variables[k] = v
	}
	return cp
}

// RestoreContext rebuilds an execution context from a checkpoint.
func RestoreContext(cp *ContextCheckpoint, agent *Agent) *ExecutionContext {
	ec := NewExecutionContext(cp.ExecutionID, agent, cp.UserID, cp.SessionID, cp.Inputs, cp.Mode)
	for _, id := range cp.OutputOrder {
		if out, ok := cp.StepOutputs[id]; ok {
			ec.SetStepOutput(id, out)
		}
	}
	for k, v := range cp.Variables {
		ec.SetVariable(k, v)
	}
	for _, id := range cp.Completed {
		ec.MarkCompleted(id)
	}
	for _, id := range cp.Failed {
		ec.MarkFailed(id)
	}
	for _, id := range cp.Skipped {
		ec.MarkSkipped(id)
	}
	ec.tokens = cp.Tokens
	return ec
}
