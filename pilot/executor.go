package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentspilot/pilot/core"
	"github.com/agentspilot/pilot/telemetry"
)

// OrchestrationHandler intercepts LLM-bearing steps when advanced
// orchestration (compression, model routing) is active. Its output is
// already normalized.
type OrchestrationHandler interface {
	HandleLLMStep(ctx context.Context, step *WorkflowStep, params map[string]interface{}, ec *ExecutionContext) (*StepOutput, error)
}

// StepExecutor runs one step end-to-end: cache probe, parameter
// resolution, dispatch by kind, output normalization, state logging,
// auditing, and cache store.
type StepExecutor struct {
	plugins       core.PluginRuntime
	llm           core.LLMClient
	store         StateManager
	audit         core.AuditLogger
	logger        core.Logger
	config        *Config
	cache         *StepCache
	transformer   *DataTransformer
	conditions    *ConditionalEvaluator
	normalizer    *OutputNormalizer
	parallel      *ParallelExecutor
	orchestration OrchestrationHandler
}

// StepExecutorOptions bundles the executor's collaborators.
type StepExecutorOptions struct {
	Plugins       core.PluginRuntime
	LLM           core.LLMClient
	Store         StateManager
	Audit         core.AuditLogger
	Logger        core.Logger
	Config        *Config
	Cache         *StepCache
	Orchestration OrchestrationHandler
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(opts StepExecutorOptions) *StepExecutor {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	audit := opts.Audit
	if audit == nil {
		audit = &core.NoOpAuditLogger{}
	}
	store := opts.Store
	if store == nil {
		store = NewInMemoryStateStore()
	}
	return &StepExecutor{
		plugins:       opts.Plugins,
		llm:           opts.LLM,
		store:         store,
		audit:         audit,
		logger:        logger,
		config:        cfg,
		cache:         opts.Cache,
		transformer:   NewDataTransformer(logger),
		conditions:    NewConditionalEvaluator(logger),
		normalizer:    NewOutputNormalizer(logger),
		orchestration: opts.Orchestration,
	}
}

// SetParallelExecutor injects the parallel executor after construction,
// breaking the mutual dependency between the two.
func (e *StepExecutor) SetParallelExecutor(p *ParallelExecutor) {
	e.parallel = p
}

// ForRun returns a shallow copy bound to the given config. Every execution
// gets its own copy so overlapping runs never share config or the parallel
// executor.
func (e *StepExecutor) ForRun(cfg *Config) *StepExecutor {
	clone := *e
	if cfg != nil {
		clone.config = cfg
	}
	clone.parallel = nil
	return &clone
}

// ExecuteStep runs one step and returns its committed output. On failure
// the returned output has empty data and a populated error so callers can
// still record and reference the attempt.
func (e *StepExecutor) ExecuteStep(ctx context.Context, step *WorkflowStep, ec *ExecutionContext) (*StepOutput, error) {
	started := time.Now()
	ec.SetCurrentStep(step.ID)

	telemetry.AddSpanEvent(ctx, "step.start",
		attribute.String("step.id", step.ID),
		attribute.String("step.type", string(step.Type)),
	)

	params := e.resolveParams(step, ec)

	// Cache probe for deterministic step kinds.
	var cacheKey string
	if e.cache != nil && e.config.EnableCaching && step.cacheable() {
		cacheKey = Fingerprint(step, params)
		if cached, hit := e.cache.Get(cacheKey); hit {
			e.logger.Debug("step cache hit", map[string]interface{}{
				"step_id": step.ID,
				"key":     cacheKey,
			})
			return cached, nil
		}
	}

	// Orchestration handles LLM-bearing steps with its own pipeline.
	if e.orchestration != nil && step.llmBearing() {
		return e.orchestration.HandleLLMStep(ctx, step, params, ec)
	}

	e.logStart(ctx, step, ec)

	raw, plugin, action, tokens, err := e.dispatch(ctx, step, params, ec)
	duration := time.Since(started)

	if err != nil {
		output := &StepOutput{
			StepID: step.ID,
			Plugin: plugin,
			Action: action,
			Data:   map[string]interface{}{},
			Metadata: StepMetadata{
				Success:       false,
				ExecutedAt:    started,
				ExecutionTime: duration,
				TokensUsed:    tokens,
				Error:         err.Error(),
				ErrorCode:     ErrorCodeOf(err),
			},
		}
		telemetry.RecordSpanError(ctx, err)
		e.logFailure(ctx, step, ec, output, err)
		e.auditStep(ctx, step, ec, "step_failed", map[string]interface{}{"error": err.Error()})
		return output, err
	}

	data, meta := e.normalizer.Normalize(raw, step)

	output := &StepOutput{
		StepID: step.ID,
		Plugin: plugin,
		Action: action,
		Data:   data,
		Meta:   meta,
		Metadata: StepMetadata{
			Success:       true,
			ExecutedAt:    started,
			ExecutionTime: duration,
			ItemCount:     itemCount(data),
			TokensUsed:    tokens,
		},
	}
	if meta != nil && meta.Normalized {
		output.Raw = raw
	}

	if step.OutputVariable != "" {
		ec.SetVariable(step.OutputVariable, data)
	}
	ec.AddTokens(tokens)

	e.logCompletion(ctx, step, ec, output)
	e.auditStep(ctx, step, ec, "step_completed", map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"item_count":  output.Metadata.ItemCount,
	})

	if cacheKey != "" {
		e.cache.Put(cacheKey, output)
	}

	return output, nil
}

// resolveParams resolves only the fields the step actually carries so
// variable resolution never fabricates keys.
func (e *StepExecutor) resolveParams(step *WorkflowStep, ec *ExecutionContext) map[string]interface{} {
	if step.Type == StepTypeAction || step.Type == stepTypePluginAction {
		resolved, _ := ec.ResolveValue(step.Params).(map[string]interface{})
		if resolved == nil {
			resolved = map[string]interface{}{}
		}
		return resolved
	}

	params := map[string]interface{}{}
	if len(step.Params) > 0 {
		if resolved, ok := ec.ResolveValue(step.Params).(map[string]interface{}); ok {
			params = resolved
		}
	}
	if step.Input != "" {
		params["input"] = ec.ResolveValue(step.Input)
	}
	return params
}

func (e *StepExecutor) dispatch(ctx context.Context, step *WorkflowStep, params map[string]interface{}, ec *ExecutionContext) (raw interface{}, plugin, action string, tokens core.TokenUsage, err error) {
	switch step.Type {
	case StepTypeAction, stepTypePluginAction:
		raw, tokens, err = e.executeAction(ctx, step, params, ec)
		return raw, step.Plugin, step.Action, tokens, err

	case StepTypeAIProcessing, StepTypeLLMDecision:
		raw, tokens, err = e.executeLLMStep(ctx, step, params, ec)
		return raw, "system", string(step.Type), tokens, err

	case StepTypeConditional:
		raw, err = e.executeConditional(ctx, step, ec)
		return raw, "system", "conditional", tokens, err

	case StepTypeSwitch:
		raw, err = e.executeSwitch(step, ec)
		return raw, "system", "switch", tokens, err

	case StepTypeTransform:
		raw, err = e.transformer.Execute(step, ec)
		return raw, "system", "transform", tokens, err

	case StepTypeDelay:
		raw, err = e.executeDelay(ctx, step)
		return raw, "system", "delay", tokens, err

	case StepTypeEnrichment:
		raw, err = e.executeEnrichment(step, ec)
		return raw, "system", "enrichment", tokens, err

	case StepTypeValidation:
		raw, err = e.executeValidation(step, ec)
		return raw, "system", "validation", tokens, err

	case StepTypeComparison:
		raw, err = e.executeComparison(step, ec)
		return raw, "system", "comparison", tokens, err

	case StepTypeLoop:
		if e.parallel == nil {
			return nil, "system", "loop", tokens, NewExecutionError(step.ID, CodeMissingParallelExecutor, "loop requires the parallel executor")
		}
		raw, err = e.parallel.ExecuteLoop(ctx, step, ec)
		return raw, "system", "loop", tokens, err

	case StepTypeScatterGather:
		if e.parallel == nil {
			return nil, "system", "scatter_gather", tokens, NewExecutionError(step.ID, CodeMissingParallelExecutor, "scatter_gather requires the parallel executor")
		}
		raw, err = e.parallel.ExecuteScatterGather(ctx, step, ec)
		return raw, "system", "scatter_gather", tokens, err

	case StepTypeSubWorkflow, StepTypeHumanApproval, StepTypeParallelGroup:
		return nil, "system", string(step.Type), tokens,
			NewExecutionError(step.ID, CodeInvalidStepType, "%s steps are dispatched by the orchestrator", step.Type)
	}

	return nil, "system", string(step.Type), tokens,
		NewExecutionError(step.ID, CodeUnknownStepType, "unknown step type %q", step.Type)
}

// -----------------------------------------------------------------------------
// action
// -----------------------------------------------------------------------------

func (e *StepExecutor) executeAction(ctx context.Context, step *WorkflowStep, params map[string]interface{}, ec *ExecutionContext) (interface{}, core.TokenUsage, error) {
	var tokens core.TokenUsage
	if step.Plugin == "" || step.Action == "" {
		return nil, tokens, NewExecutionError(step.ID, CodeMissingPluginAction, "action step requires plugin and action")
	}
	if e.plugins == nil {
		return nil, tokens, NewExecutionError(step.ID, CodePluginFailed, "no plugin runtime configured")
	}

	shaped := params
	if definition, derr := e.plugins.GetPluginDefinition(ctx, step.Plugin); derr == nil && definition != nil {
		if actionDef, ok := definition.Actions[step.Action]; ok {
			shaped = shapeActionParams(params, actionDef)
		}
	} else if derr != nil {
		e.logger.Debug("plugin definition unavailable, sending params as-is", map[string]interface{}{
			"plugin": step.Plugin,
			"error":  derr.Error(),
		})
	}

	result, err := e.plugins.Execute(ctx, ec.UserID, step.Plugin, step.Action, shaped)
	if err != nil {
		return nil, tokens, WrapExecutionError(step.ID, CodePluginFailed, err)
	}
	if !result.Success {
		message := result.Error
		if message == "" {
			message = result.Message
		}
		return nil, tokens, NewExecutionError(step.ID, CodePluginFailed, "%s.%s failed: %s", step.Plugin, step.Action, message)
	}

	// Plugin work is metered in token equivalents.
	tokens = core.TokenUsage{TotalTokens: e.config.TokensPerPlugin}
	e.recordLedger(ctx, ec, step.ID, "plugin", tokens)

	return result.Data, tokens, nil
}

// shapeActionParams coerces resolved values into the shapes the plugin's
// schema declares and fills required parameters with defaults.
func shapeActionParams(params map[string]interface{}, def core.ActionDefinition) map[string]interface{} {
	shaped := make(map[string]interface{}, len(params))
	for k, v := range params {
		shaped[k] = v
	}

	for name, schema := range def.Parameters {
		value, present := shaped[name]

		if present {
			shaped[name] = coerceParam(name, value, schema)
			continue
		}

		if isRequired(name, def) {
			shaped[name] = defaultForParam(name, schema)
		}
	}
	return shaped
}

// isRequired honors both the action's top-level required list and required
// lists nested inside parameter schemas.
func isRequired(name string, def core.ActionDefinition) bool {
	for _, req := range def.Required {
		if req == name {
			return true
		}
	}
	for _, schema := range def.Parameters {
		for _, req := range schema.Required {
			if req == name {
				return true
			}
		}
	}
	return false
}

func coerceParam(name string, value interface{}, schema core.ParameterSchema) interface{} {
	switch schema.Type {
	case "array":
		if schema.Items != nil && schema.Items.Type == "array" {
			return coerceTo2D(value)
		}
		if _, ok := value.([]interface{}); !ok {
			return []interface{}{value}
		}
	case "string":
		switch v := value.(type) {
		case string:
			return v
		case map[string]interface{}:
			if isMessagingField(name) {
				return renderReadable(v)
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Sprintf("%v", v)
			}
			return string(raw)
		case []interface{}:
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Sprintf("%v", v)
			}
			return string(raw)
		default:
			return stringify(v)
		}
	}
	return value
}

// coerceTo2D converts objects and 1-D arrays into row arrays.
func coerceTo2D(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		row := make([]interface{}, 0, len(v))
		for _, key := range sortedKeys(v) {
			row = append(row, v[key])
		}
		return []interface{}{row}
	case []interface{}:
		if len(v) == 0 {
			return v
		}
		if _, ok := v[0].([]interface{}); ok {
			return v
		}
		return []interface{}{v}
	}
	return []interface{}{[]interface{}{value}}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func isMessagingField(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range []string{"message", "body", "text", "content", "description"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// renderReadable renders an object as key: value lines for human-facing
// messaging fields.
func renderReadable(m map[string]interface{}) string {
	var b strings.Builder
	for _, key := range sortedKeys(m) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(stringify(m[key]))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func defaultForParam(name string, schema core.ParameterSchema) interface{} {
	if strings.Contains(strings.ToLower(name), "range") {
		return "Sheet1"
	}
	switch schema.Type {
	case "string":
		return ""
	case "number", "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []interface{}{}
	case "object":
		return map[string]interface{}{}
	}
	return ""
}

// -----------------------------------------------------------------------------
// ai_processing / llm_decision
// -----------------------------------------------------------------------------

const llmSchemaRetries = 2

func (e *StepExecutor) executeLLMStep(ctx context.Context, step *WorkflowStep, params map[string]interface{}, ec *ExecutionContext) (interface{}, core.TokenUsage, error) {
	var tokens core.TokenUsage
	if e.llm == nil {
		return nil, tokens, NewExecutionError(step.ID, CodeLLMDecisionFailed, "no LLM client configured")
	}

	prompt := e.buildLLMPrompt(step, params, ec)
	schema := resolveOutputSchema(step)
	if schema != nil {
		prompt += "\n\n" + schemaInstructions(schema)
	}

	hidePlugins := step.Type == StepTypeAIProcessing
	var response *core.LLMResponse

	for attempt := 0; ; attempt++ {
		req := &core.LLMRequest{
			UserID:      ec.UserID,
			SessionID:   ec.SessionID,
			Prompt:      prompt,
			HidePlugins: hidePlugins,
		}
		if ec.Agent != nil {
			req.AgentID = ec.Agent.ID
			req.SystemPrompt = ec.Agent.SystemPrompt
		}

		resp, err := e.llm.Run(ctx, req)
		if err != nil {
			return nil, tokens, WrapExecutionError(step.ID, CodeLLMDecisionFailed, err)
		}
		tokens.Add(resp.TokensUsed)
		if !resp.Success {
			return nil, tokens, NewExecutionError(step.ID, CodeLLMDecisionFailed, "LLM call failed: %s", resp.Error)
		}
		response = resp

		if schema == nil {
			break
		}
		if validateAgainstSchema(resp.Response, schema) == nil {
			break
		}
		if attempt >= llmSchemaRetries {
			e.logger.Warn("LLM response failed schema validation after retries", map[string]interface{}{
				"step_id": step.ID,
			})
			break
		}
		prompt += "\n\nYour previous response did not match the required JSON schema. Respond again with valid JSON only."
	}

	e.recordLedger(ctx, ec, step.ID, "llm", tokens)

	return buildLLMOutput(step, response.Response), tokens, nil
}

func (e *StepExecutor) buildLLMPrompt(step *WorkflowStep, params map[string]interface{}, ec *ExecutionContext) string {
	var b strings.Builder

	task := step.Prompt
	if task == "" {
		task = step.Description
	}
	if task == "" {
		task = step.DisplayName()
	}
	b.WriteString(ec.RenderSimple(task))

	if summary := contextSummary(ec); summary != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(summary)
	}

	if len(ec.MemoryContext) > 0 {
		if raw, err := json.Marshal(ec.MemoryContext); err == nil {
			b.WriteString("\n\nUser context:\n")
			b.Write(raw)
		}
	}

	if len(params) > 0 {
		if raw, err := json.Marshal(params); err == nil {
			b.WriteString("\n\nParameters:\n")
			b.Write(raw)
		}
	}

	return b.String()
}

// contextSummary describes prior work compactly: step producers, item
// counts, inputs, and completion tallies.
func contextSummary(ec *ExecutionContext) string {
	var lines []string
	for _, out := range ec.AllStepOutputs() {
		line := fmt.Sprintf("- %s (%s.%s)", out.StepID, out.Plugin, out.Action)
		if out.Metadata.ItemCount > 0 {
			line += fmt.Sprintf(", %d items", out.Metadata.ItemCount)
		}
		lines = append(lines, line)
	}
	if len(ec.Inputs) > 0 {
		if raw, err := json.Marshal(ec.Inputs); err == nil {
			lines = append(lines, "inputs: "+string(raw))
		}
	}
	completed, failed := len(ec.CompletedSteps()), len(ec.FailedSteps())
	if completed > 0 || failed > 0 {
		lines = append(lines, fmt.Sprintf("progress: %d completed, %d failed", completed, failed))
	}
	return strings.Join(lines, "\n")
}

// schemaPatterns are reusable named output schemas.
var schemaPatterns = map[string]map[string]interface{}{
	"classification": {
		"type":     "object",
		"required": []interface{}{"classification"},
		"properties": map[string]interface{}{
			"classification": map[string]interface{}{"type": "string"},
			"confidence":     map[string]interface{}{"type": "number"},
			"reasoning":      map[string]interface{}{"type": "string"},
		},
	},
	"decision": {
		"type":     "object",
		"required": []interface{}{"decision"},
		"properties": map[string]interface{}{
			"decision":  map[string]interface{}{"type": "string"},
			"reasoning": map[string]interface{}{"type": "string"},
		},
	},
	"extraction": {
		"type":     "object",
		"required": []interface{}{"extracted"},
		"properties": map[string]interface{}{
			"extracted": map[string]interface{}{"type": "array"},
		},
	},
}

// resolveOutputSchema picks the inline schema, a named pattern, or derives
// one from the declared output keys.
func resolveOutputSchema(step *WorkflowStep) map[string]interface{} {
	if len(step.OutputSchema) > 0 {
		return step.OutputSchema
	}
	if step.SchemaPattern != "" {
		if pattern, ok := schemaPatterns[step.SchemaPattern]; ok {
			return pattern
		}
	}
	keys := declaredOutputKeys(step)
	if len(keys) == 0 {
		return nil
	}
	properties := map[string]interface{}{}
	for _, key := range keys {
		declared := step.Outputs[key]
		if declared == "" {
			declared = "string"
		}
		properties[key] = map[string]interface{}{"type": declared}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
}

func schemaInstructions(schema map[string]interface{}) string {
	raw, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return "Respond with JSON only, matching this schema:\n" + string(raw)
}

func validateAgainstSchema(response string, schema map[string]interface{}) error {
	payload := strings.TrimSpace(response)
	payload = strings.TrimPrefix(payload, "```json")
	payload = strings.TrimPrefix(payload, "```")
	payload = strings.TrimSuffix(payload, "```")

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewStringLoader(strings.TrimSpace(payload)),
	)
	if err != nil {
		return err
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("schema validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// llmAliases let downstream templates reference the result under any of
// the common names.
var llmAliases = []string{"result", "response", "output", "summary", "analysis", "decision", "reasoning", "classification"}

// buildLLMOutput assembles the output map: aliases, spread JSON keys, and
// declared output key mapping.
func buildLLMOutput(step *WorkflowStep, response string) map[string]interface{} {
	cleaned := response
	if isSummarization(step) {
		cleaned = cleanSummaryText(response)
	}

	out := map[string]interface{}{}

	var parsed interface{}
	trimmed := strings.TrimSpace(cleaned)
	stripped := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(trimmed, "```json"), "```"), "```"))
	if looksLikeJSON(stripped) {
		if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
			parsed = nil
		}
	}

	aliasValue := interface{}(cleaned)
	if parsed != nil {
		aliasValue = parsed
	}
	for _, alias := range llmAliases {
		out[alias] = aliasValue
	}

	if obj, ok := parsed.(map[string]interface{}); ok {
		for k, v := range obj {
			out[k] = v
		}
		for _, key := range declaredOutputKeys(step) {
			if _, present := out[key]; present {
				continue
			}
			if wrapped, has := obj["result"]; has {
				out[key] = wrapped
			} else {
				out[key] = parsed
			}
		}
	} else {
		for _, key := range declaredOutputKeys(step) {
			if _, present := out[key]; !present {
				out[key] = aliasValue
			}
		}
	}

	return out
}

func isSummarization(step *WorkflowStep) bool {
	if _, ok := step.Outputs["summary"]; ok {
		return true
	}
	lower := strings.ToLower(step.Prompt + " " + step.Description + " " + step.Name)
	return strings.Contains(lower, "summar")
}

// cleanSummaryText strips leading and trailing narrative meta-commentary
// from a summary. Conservative: the original is kept if cleaning removes
// more than half the text.
func cleanSummaryText(text string) string {
	lines := strings.Split(text, "\n")

	start := 0
	for start < len(lines) && isMetaLine(lines[start]) {
		start++
	}
	end := len(lines)
	for end > start && isMetaLine(lines[end-1]) {
		end--
	}

	cleaned := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
	if cleaned == "" || len(cleaned) < len(strings.TrimSpace(text))/2 {
		return text
	}
	return cleaned
}

func isMetaLine(line string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(line))
	if trimmed == "" {
		return true
	}
	for _, prefix := range []string{
		"here is", "here's", "sure,", "certainly", "below is",
		"i have summarized", "let me know", "i hope this helps",
	} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// conditional / switch
// -----------------------------------------------------------------------------

func (e *StepExecutor) executeConditional(ctx context.Context, step *WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	if step.Condition == nil {
		return nil, NewExecutionError(step.ID, CodeMissingCondition, "conditional step requires a condition")
	}

	result, err := e.conditions.Evaluate(step.Condition, ec)
	if err != nil {
		return nil, WrapExecutionError(step.ID, CodeMissingCondition, err)
	}

	out := map[string]interface{}{
		"condition_result": result,
	}

	// v4 form: inline branches execute here.
	if len(step.ThenSteps) == 0 && len(step.ElseSteps) == 0 {
		return out, nil
	}

	branch := step.ElseSteps
	branchName := "else"
	if result {
		branch = step.ThenSteps
		branchName = "then"
	}
	out["branch"] = branchName

	var lastBranchOutput map[string]interface{}
	for i := range branch {
		inner := &branch[i]
		output, berr := e.ExecuteStep(ctx, inner, ec)
		if berr != nil {
			if inner.ContinueOnError {
				ec.MarkFailed(inner.ID)
				continue
			}
			return nil, berr
		}
		ec.SetStepOutput(inner.ID, output)
		ec.MarkCompleted(inner.ID)
		lastBranchOutput = output.Data
	}
	if lastBranchOutput != nil {
		out["lastBranchOutput"] = lastBranchOutput
	}

	return out, nil
}

func (e *StepExecutor) executeSwitch(step *WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	if step.Evaluate == "" {
		return nil, NewExecutionError(step.ID, CodeMissingCondition, "switch step requires an evaluate expression")
	}

	value := ec.RenderSimple(step.Evaluate)
	branch, matched := step.Cases[value]
	matchedCase := value
	if !matched {
		branch = step.Default
		matchedCase = "default"
	}

	// The orchestrator consumes the selection to gate downstream steps.
	ec.SetVariable(step.ID+"_branch", branch)

	return map[string]interface{}{
		"evaluated":    value,
		"matched_case": matchedCase,
		"branch_steps": branch,
	}, nil
}

// -----------------------------------------------------------------------------
// delay / enrichment / validation / comparison
// -----------------------------------------------------------------------------

func (e *StepExecutor) executeDelay(ctx context.Context, step *WorkflowStep) (interface{}, error) {
	if step.Delay <= 0 {
		return nil, NewExecutionError(step.ID, CodeInvalidInputType, "delay step requires a positive duration")
	}
	timer := time.NewTimer(step.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, WrapExecutionError(step.ID, CodeExecutionCancelled, ctx.Err())
	case <-timer.C:
	}
	return map[string]interface{}{"delayed_ms": step.Delay.Milliseconds()}, nil
}

func (e *StepExecutor) executeEnrichment(step *WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	if len(step.EnrichWith) == 0 {
		return nil, NewExecutionError(step.ID, CodeMissingInputData, "enrichment step requires enrich_with")
	}

	base := map[string]interface{}{}
	if step.Input != "" {
		if resolved, ok := ec.ResolveValue(step.Input).(map[string]interface{}); ok {
			for k, v := range resolved {
				base[k] = v
			}
		}
	}

	resolved, _ := ec.ResolveValue(step.EnrichWith).(map[string]interface{})
	for k, v := range resolved {
		base[k] = v
	}
	return base, nil
}

func (e *StepExecutor) executeValidation(step *WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	if step.Input == "" {
		return nil, NewExecutionError(step.ID, CodeMissingInputData, "validation step requires an input")
	}
	input := ec.ResolveValue(step.Input)

	var problems []string

	if len(step.Schema) > 0 {
		result, err := gojsonschema.Validate(
			gojsonschema.NewGoLoader(step.Schema),
			gojsonschema.NewGoLoader(input),
		)
		if err != nil {
			return nil, WrapExecutionError(step.ID, CodeValidationFailed, err)
		}
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
	}

	for _, rule := range step.Rules {
		cond := &Condition{Field: rule.Field, Operator: rule.Operator, Value: rule.Value}
		ruleCtx := ec.CloneForItem()
		ruleCtx.BindIterationItem("item", input)
		ok, err := e.conditions.Evaluate(cond, ruleCtx)
		if err != nil || !ok {
			message := rule.Message
			if message == "" {
				message = fmt.Sprintf("rule failed: %s %s %v", rule.Field, rule.Operator, rule.Value)
			}
			problems = append(problems, message)
		}
	}

	return map[string]interface{}{
		"valid":  len(problems) == 0,
		"errors": problems,
		"input":  input,
	}, nil
}

func (e *StepExecutor) executeComparison(step *WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	op := canonicalOperator(step.CompareOp)
	if op == "" {
		return nil, NewExecutionError(step.ID, CodeUnknownComparisonOp, "unknown comparison operation %q", step.CompareOp)
	}

	left := ec.ResolveValue(step.Left)
	right := ec.ResolveValue(step.Right)

	var result bool
	var err error
	switch op {
	case "==":
		result = looseEquals(left, right)
	case "!=":
		result = !looseEquals(left, right)
	case ">", ">=", "<", "<=":
		result, err = compareOrdered(left, right, op)
	case "contains":
		result = containsValue(left, right)
	case "not_contains":
		result = !containsValue(left, right)
	case "in":
		result = inList(left, right)
	case "not_in":
		result = !inList(left, right)
	default:
		return nil, NewExecutionError(step.ID, CodeUnknownComparisonOp, "comparison does not support %q", op)
	}
	if err != nil {
		return nil, WrapExecutionError(step.ID, CodeUnknownComparisonOp, err)
	}

	return map[string]interface{}{
		"left":      left,
		"right":     right,
		"operation": op,
		"result":    result,
	}, nil
}

// -----------------------------------------------------------------------------
// state logging, auditing, metering
// -----------------------------------------------------------------------------

func (e *StepExecutor) logStart(ctx context.Context, step *WorkflowStep, ec *ExecutionContext) {
	record := &StepRecord{
		ExecutionID: ec.ExecutionID,
		StepID:      step.ID,
		StepName:    step.Name,
		StepType:    step.Type,
		Status:      StepRunning,
		StartedAt:   time.Now(),
	}
	if err := e.store.LogStepStart(ctx, record); err != nil {
		e.logger.Warn("failed to log step start", map[string]interface{}{
			"step_id": step.ID,
			"error":   err.Error(),
		})
	}
}

func (e *StepExecutor) logCompletion(ctx context.Context, step *WorkflowStep, ec *ExecutionContext, output *StepOutput) {
	now := time.Now()
	record := &StepRecord{
		ExecutionID: ec.ExecutionID,
		StepID:      step.ID,
		StepName:    step.Name,
		StepType:    step.Type,
		Status:      StepCompleted,
		StartedAt:   output.Metadata.ExecutedAt,
		CompletedAt: &now,
		Duration:    output.Metadata.ExecutionTime,
		TokensUsed:  output.Metadata.TokensUsed,
		ItemCount:   output.Metadata.ItemCount,
	}
	if err := e.store.LogStepCompletion(ctx, record); err != nil {
		e.logger.Warn("failed to log step completion", map[string]interface{}{
			"step_id": step.ID,
			"error":   err.Error(),
		})
	}
}

func (e *StepExecutor) logFailure(ctx context.Context, step *WorkflowStep, ec *ExecutionContext, output *StepOutput, stepErr error) {
	now := time.Now()
	record := &StepRecord{
		ExecutionID: ec.ExecutionID,
		StepID:      step.ID,
		StepName:    step.Name,
		StepType:    step.Type,
		Status:      StepFailed,
		StartedAt:   output.Metadata.ExecutedAt,
		CompletedAt: &now,
		Duration:    output.Metadata.ExecutionTime,
		TokensUsed:  output.Metadata.TokensUsed,
		Error:       stepErr.Error(),
		ErrorCode:   ErrorCodeOf(stepErr),
	}
	if err := e.store.LogStepFailure(ctx, record); err != nil {
		e.logger.Warn("failed to log step failure", map[string]interface{}{
			"step_id": step.ID,
			"error":   err.Error(),
		})
	}
}

func (e *StepExecutor) auditStep(ctx context.Context, step *WorkflowStep, ec *ExecutionContext, event string, detail map[string]interface{}) {
	entry := core.AuditEntry{
		ExecutionID: ec.ExecutionID,
		UserID:      ec.UserID,
		StepID:      step.ID,
		Event:       event,
		Detail:      detail,
		Timestamp:   time.Now(),
	}
	if ec.Agent != nil {
		entry.AgentID = ec.Agent.ID
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Warn("audit record failed", map[string]interface{}{
			"step_id": step.ID,
			"error":   err.Error(),
		})
	}
}

func (e *StepExecutor) recordLedger(ctx context.Context, ec *ExecutionContext, stepID, source string, tokens core.TokenUsage) {
	entry := &TokenLedgerEntry{
		ExecutionID: ec.ExecutionID,
		StepID:      stepID,
		UserID:      ec.UserID,
		Source:      source,
		Tokens:      tokens,
		RecordedAt:  time.Now(),
	}
	if err := e.store.RecordTokenUsage(ctx, entry); err != nil {
		e.logger.Warn("token ledger write failed", map[string]interface{}{
			"step_id": stepID,
			"error":   err.Error(),
		})
	}
}

// itemCount derives a displayable item count from normalized data.
func itemCount(data map[string]interface{}) int {
	if data == nil {
		return 0
	}
	if items, ok := unwrapItems(data); ok {
		return len(items)
	}
	if count, ok := toNumber(data["count"]); ok {
		return int(count)
	}
	for _, v := range data {
		if arr, ok := v.([]interface{}); ok {
			return len(arr)
		}
	}
	return 0
}
