package pilot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentspilot/pilot/core"
	"gopkg.in/yaml.v3"
)

// StepType defines the kind of a workflow step. The set is closed; the
// planner rejects anything else.
type StepType string

const (
	StepTypeAction        StepType = "action"
	StepTypeAIProcessing  StepType = "ai_processing"
	StepTypeLLMDecision   StepType = "llm_decision"
	StepTypeConditional   StepType = "conditional"
	StepTypeSwitch        StepType = "switch"
	StepTypeLoop          StepType = "loop"
	StepTypeParallelGroup StepType = "parallel_group"
	StepTypeScatterGather StepType = "scatter_gather"
	StepTypeSubWorkflow   StepType = "sub_workflow"
	StepTypeHumanApproval StepType = "human_approval"
	StepTypeTransform     StepType = "transform"
	StepTypeDelay         StepType = "delay"
	StepTypeEnrichment    StepType = "enrichment"
	StepTypeValidation    StepType = "validation"
	StepTypeComparison    StepType = "comparison"

	// Legacy alias rewritten to StepTypeAction during normalization.
	stepTypePluginAction StepType = "plugin_action"
)

// knownStepTypes is the closed set accepted after normalization.
var knownStepTypes = map[StepType]bool{
	StepTypeAction:        true,
	StepTypeAIProcessing:  true,
	StepTypeLLMDecision:   true,
	StepTypeConditional:   true,
	StepTypeSwitch:        true,
	StepTypeLoop:          true,
	StepTypeParallelGroup: true,
	StepTypeScatterGather: true,
	StepTypeSubWorkflow:   true,
	StepTypeHumanApproval: true,
	StepTypeTransform:     true,
	StepTypeDelay:         true,
	StepTypeEnrichment:    true,
	StepTypeValidation:    true,
	StepTypeComparison:    true,
}

// parallelEligible reports whether a step kind may be placed in a parallel
// group. Control-flow kinds are never parallel-eligible; loops only when
// explicitly flagged.
func (s *WorkflowStep) parallelEligible() bool {
	switch s.Type {
	case StepTypeAction, StepTypeTransform, StepTypeEnrichment, StepTypeValidation, StepTypeComparison, StepTypeDelay, StepTypeAIProcessing:
		return true
	case StepTypeLoop:
		return s.Parallel
	default:
		return false
	}
}

// cacheable reports whether a step kind's output may be served from the
// step cache.
func (s *WorkflowStep) cacheable() bool {
	switch s.Type {
	case StepTypeAction, StepTypeTransform, StepTypeValidation, StepTypeComparison:
		return true
	}
	return false
}

// llmBearing reports whether a step kind routes through the LLM.
func (s *WorkflowStep) llmBearing() bool {
	switch s.Type {
	case StepTypeAIProcessing, StepTypeLLMDecision:
		return true
	}
	return false
}

// ScatterSpec fans an inner step list out over an input array.
type ScatterSpec struct {
	Input    string         `json:"input" yaml:"input"`
	Steps    []WorkflowStep `json:"steps" yaml:"steps"`
	ItemName string         `json:"item_name,omitempty" yaml:"item_name,omitempty"`
}

// GatherSpec merges per-item scatter outputs.
type GatherSpec struct {
	Operation string `json:"operation" yaml:"operation"`
}

// ValidationRule is one rule of a validation step's rules mode.
type ValidationRule struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Message  string      `json:"message,omitempty" yaml:"message,omitempty"`
}

// RetryPolicy defines per-step retry behavior.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     string        `json:"backoff,omitempty" yaml:"backoff,omitempty"` // fixed, linear, exponential
	InitialWait time.Duration `json:"initial_wait,omitempty" yaml:"initial_wait,omitempty"`
	MaxWait     time.Duration `json:"max_wait,omitempty" yaml:"max_wait,omitempty"`
}

// Condition is either a simple {field, operator, value} comparison, a
// boolean combination (and/or/not), or a string expression. Exactly one
// form should be populated.
type Condition struct {
	Field    string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	And []*Condition `json:"and,omitempty" yaml:"and,omitempty"`
	Or  []*Condition `json:"or,omitempty" yaml:"or,omitempty"`
	Not *Condition   `json:"not,omitempty" yaml:"not,omitempty"`

	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// WorkflowStep is one unit of work. Kind-specific fields are populated
// according to Type; everything else stays zero.
type WorkflowStep struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Type            StepType          `json:"type" yaml:"type"`
	DependsOn       []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	ExecuteIf       *Condition        `json:"execute_if,omitempty" yaml:"execute_if,omitempty"`
	Retry           *RetryPolicy      `json:"retry,omitempty" yaml:"retry,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	OutputVariable  string            `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
	Parallel        bool              `json:"parallel,omitempty" yaml:"parallel,omitempty"`

	// action
	Plugin string                 `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	Action string                 `json:"action,omitempty" yaml:"action,omitempty"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`

	// ai_processing / llm_decision
	Prompt        string                 `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Description   string                 `json:"description,omitempty" yaml:"description,omitempty"`
	OutputSchema  map[string]interface{} `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	SchemaPattern string                 `json:"schema_pattern,omitempty" yaml:"schema_pattern,omitempty"`

	// conditional
	Condition *Condition     `json:"condition,omitempty" yaml:"condition,omitempty"`
	ThenSteps []WorkflowStep `json:"then_steps,omitempty" yaml:"then_steps,omitempty"`
	ElseSteps []WorkflowStep `json:"else_steps,omitempty" yaml:"else_steps,omitempty"`

	// switch
	Evaluate string              `json:"evaluate,omitempty" yaml:"evaluate,omitempty"`
	Cases    map[string][]string `json:"cases,omitempty" yaml:"cases,omitempty"`
	Default  []string            `json:"default,omitempty" yaml:"default,omitempty"`

	// loop
	IterateOver string         `json:"iterate_over,omitempty" yaml:"iterate_over,omitempty"`
	LoopSteps   []WorkflowStep `json:"loop_steps,omitempty" yaml:"loop_steps,omitempty"`
	ItemName    string         `json:"item_name,omitempty" yaml:"item_name,omitempty"`

	// scatter_gather
	Scatter *ScatterSpec `json:"scatter,omitempty" yaml:"scatter,omitempty"`
	Gather  *GatherSpec  `json:"gather,omitempty" yaml:"gather,omitempty"`

	// sub_workflow
	WorkflowID       string            `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	WorkflowSteps    []WorkflowStep    `json:"workflow_steps,omitempty" yaml:"workflow_steps,omitempty"`
	InputMapping     map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping    map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	InheritVariables bool              `json:"inherit_variables,omitempty" yaml:"inherit_variables,omitempty"`
	SubTimeout       time.Duration     `json:"sub_timeout,omitempty" yaml:"sub_timeout,omitempty"`

	// human_approval
	Approvers       []string       `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	ApprovalPolicy  ApprovalPolicy `json:"approval_policy,omitempty" yaml:"approval_policy,omitempty"`
	ApprovalType    string         `json:"approval_type,omitempty" yaml:"approval_type,omitempty"`
	Title           string         `json:"title,omitempty" yaml:"title,omitempty"`
	Message         string         `json:"message,omitempty" yaml:"message,omitempty"`
	ApprovalTimeout time.Duration  `json:"approval_timeout,omitempty" yaml:"approval_timeout,omitempty"`
	TimeoutAction   TimeoutAction  `json:"timeout_action,omitempty" yaml:"timeout_action,omitempty"`
	EscalateTo      []string       `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`

	// transform
	Operation       string                 `json:"operation,omitempty" yaml:"operation,omitempty"`
	Input           string                 `json:"input,omitempty" yaml:"input,omitempty"`
	TransformConfig map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

	// delay
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// enrichment
	EnrichWith map[string]interface{} `json:"enrich_with,omitempty" yaml:"enrich_with,omitempty"`

	// validation
	Schema map[string]interface{} `json:"schema,omitempty" yaml:"schema,omitempty"`
	Rules  []ValidationRule       `json:"rules,omitempty" yaml:"rules,omitempty"`

	// comparison
	Left      interface{} `json:"left,omitempty" yaml:"left,omitempty"`
	Right     interface{} `json:"right,omitempty" yaml:"right,omitempty"`
	CompareOp string      `json:"compare_op,omitempty" yaml:"compare_op,omitempty"`
}

// DisplayName returns the human name, falling back to the id.
func (s *WorkflowStep) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Agent is the static definition owning a workflow. Immutable during a
// single execution.
type Agent struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name" yaml:"name"`
	PilotSteps   []WorkflowStep         `json:"pilot_steps,omitempty" yaml:"pilot_steps,omitempty"`
	Steps        []WorkflowStep         `json:"steps,omitempty" yaml:"steps,omitempty"` // legacy fallback
	OutputSchema map[string]interface{} `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	SystemPrompt string                 `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	UserPrompt   string                 `json:"user_prompt,omitempty" yaml:"user_prompt,omitempty"`
}

// WorkflowSteps returns the preferred step list: pilot_steps when present,
// otherwise the legacy list.
func (a *Agent) WorkflowSteps() []WorkflowStep {
	if len(a.PilotSteps) > 0 {
		return a.PilotSteps
	}
	return a.Steps
}

// ParseAgentYAML parses an agent definition from YAML.
func ParseAgentYAML(data []byte) (*Agent, error) {
	var agent Agent
	if err := yaml.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("parsing agent YAML: %w", err)
	}
	return &agent, nil
}

// ParseAgentJSON parses an agent definition from JSON.
func ParseAgentJSON(data []byte) (*Agent, error) {
	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("parsing agent JSON: %w", err)
	}
	return &agent, nil
}

// PlannedStep is a workflow step annotated with its execution level and
// optional parallel group.
type PlannedStep struct {
	Step            WorkflowStep `json:"step"`
	Level           int          `json:"level"`
	ParallelGroupID string       `json:"parallel_group_id,omitempty"`
}

// ParallelGroup is a set of mutually independent steps at the same level.
type ParallelGroup struct {
	ID      string   `json:"id"`
	Level   int      `json:"level"`
	StepIDs []string `json:"step_ids"`
}

// ExecutionPlan is the planner's output: steps in topological order with
// levels and parallel groups.
type ExecutionPlan struct {
	Steps             []PlannedStep   `json:"steps"`
	Groups            []ParallelGroup `json:"groups,omitempty"`
	TotalSteps        int             `json:"total_steps"`
	EstimatedDuration time.Duration   `json:"estimated_duration"`
	Warnings          []string        `json:"warnings,omitempty"`
}

// NormalizationMeta traces what the output normalizer did to a raw result.
type NormalizationMeta struct {
	Normalized bool              `json:"normalized"`
	KeyMapping map[string]string `json:"key_mapping,omitempty"` // runtime key -> declared key
	Wrapped    []string          `json:"wrapped,omitempty"`     // declared keys that wrap the raw value
	JSONParsed []string          `json:"json_parsed,omitempty"` // declared keys parsed from JSON strings
	Warnings   []string          `json:"warnings,omitempty"`
}

// StepMetadata records the outcome metrics of one step execution.
type StepMetadata struct {
	Success       bool            `json:"success"`
	ExecutedAt    time.Time       `json:"executed_at"`
	ExecutionTime time.Duration   `json:"execution_time"`
	ItemCount     int             `json:"item_count,omitempty"`
	TokensUsed    core.TokenUsage `json:"tokens_used"`
	Cached        bool            `json:"cached,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
}

// StepOutput is the recorded result of one step. Data is keyed by the
// step's declared output keys after normalization.
type StepOutput struct {
	StepID   string                 `json:"step_id"`
	Plugin   string                 `json:"plugin"` // producing plugin id, or "system"
	Action   string                 `json:"action"` // producing action, or the step kind
	Data     map[string]interface{} `json:"data"`
	Raw      interface{}            `json:"_raw,omitempty"`
	Meta     *NormalizationMeta     `json:"_meta,omitempty"`
	Metadata StepMetadata           `json:"metadata"`
}

// RunMode selects failure semantics for an execution.
type RunMode string

const (
	ModeCalibration      RunMode = "calibration"
	ModeProduction       RunMode = "production"
	ModeBatchCalibration RunMode = "batch_calibration"
)

// ExecutionStatus represents workflow execution status
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepStatus represents individual step status
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ApprovalPolicy decides how many approvers must approve.
type ApprovalPolicy string

const (
	PolicyAny      ApprovalPolicy = "any"
	PolicyAll      ApprovalPolicy = "all"
	PolicyMajority ApprovalPolicy = "majority"
)

// TimeoutAction decides what happens when an approval request expires.
type TimeoutAction string

const (
	TimeoutApprove  TimeoutAction = "approve"
	TimeoutReject   TimeoutAction = "reject"
	TimeoutEscalate TimeoutAction = "escalate"
)

// ApprovalStatus tracks the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalTimeout   ApprovalStatus = "timeout"
	ApprovalEscalated ApprovalStatus = "escalated"
)

// ApprovalResponse is one approver's decision.
type ApprovalResponse struct {
	ApproverID    string    `json:"approver_id"`
	Decision      string    `json:"decision"` // approve or reject
	Comment       string    `json:"comment,omitempty"`
	RespondedAt   time.Time `json:"responded_at"`
	DelegatedFrom string    `json:"delegated_from,omitempty"`
}

// ApprovalRequest gates an execution on human approval. Shared with the
// external approval UI; only the state store mutates it.
type ApprovalRequest struct {
	ID            string                 `json:"id"`
	ExecutionID   string                 `json:"execution_id"`
	StepID        string                 `json:"step_id"`
	Approvers     []string               `json:"approvers"`
	Policy        ApprovalPolicy         `json:"policy"`
	Title         string                 `json:"title"`
	Message       string                 `json:"message,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Status        ApprovalStatus         `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
	Responses     []ApprovalResponse     `json:"responses,omitempty"`
	TimeoutAction TimeoutAction          `json:"timeout_action,omitempty"`
	EscalateTo    []string               `json:"escalate_to,omitempty"`
}

// ExecutionResult is the structured result returned to the caller. Runtime
// failures are reported here, never thrown.
type ExecutionResult struct {
	ExecutionID    string                 `json:"execution_id"`
	AgentID        string                 `json:"agent_id"`
	Success        bool                   `json:"success"`
	Status         ExecutionStatus        `json:"status"`
	Output         map[string]interface{} `json:"output,omitempty"`
	CompletedSteps []string               `json:"completed_steps"`
	FailedSteps    []string               `json:"failed_steps,omitempty"`
	SkippedSteps   []string               `json:"skipped_steps,omitempty"`
	TotalDuration  time.Duration          `json:"total_duration"`
	TokensUsed     core.TokenUsage        `json:"tokens_used"`
	Error          string                 `json:"error,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	FailedStep     string                 `json:"failed_step,omitempty"`
	ErrorStack     string                 `json:"error_stack,omitempty"`
}
