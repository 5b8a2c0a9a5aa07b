package pilot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentspilot/pilot/core"
)

// Planner turns a raw step list into an ExecutionPlan: normalize, validate,
// topologically sort, assign levels, detect parallel groups.
type Planner struct {
	logger core.Logger
}

// NewPlanner creates a workflow planner.
func NewPlanner(logger core.Logger) *Planner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Planner{logger: logger}
}

// Plan normalizes and validates steps, then produces the execution plan.
// Returns *ValidationError on malformed input; no execution is attempted.
func (p *Planner) Plan(steps []WorkflowStep) (*ExecutionPlan, error) {
	normalized := p.Normalize(steps)

	verr := p.Validate(normalized)
	if len(verr.Errors) > 0 {
		return nil, verr
	}

	dag := newWorkflowDAG()
	for _, step := range normalized {
		dag.AddNode(step.ID, step.DependsOn)
	}
	if err := dag.Validate(); err != nil {
		return nil, &ValidationError{Errors: []string{err.Error()}, Warnings: verr.Warnings}
	}

	levels := dag.Levels()
	order := dag.TopologicalOrder()

	byID := make(map[string]WorkflowStep, len(normalized))
	for _, step := range normalized {
		byID[step.ID] = step
	}

	planned := make([]PlannedStep, 0, len(order))
	for _, id := range order {
		planned = append(planned, PlannedStep{
			Step:  byID[id],
			Level: levels[id],
		})
	}
	// Kahn's queue already respects insertion order; sort by level to keep
	// the plan readable when branches interleave.
	sort.SliceStable(planned, func(i, j int) bool {
		return planned[i].Level < planned[j].Level
	})

	groups := p.detectParallelGroups(planned, dag)

	plan := &ExecutionPlan{
		Steps:             planned,
		Groups:            groups,
		TotalSteps:        len(planned),
		EstimatedDuration: estimateDuration(planned),
		Warnings:          verr.Warnings,
	}

	p.logger.Debug("Workflow planned", map[string]interface{}{
		"step_count":     plan.TotalSteps,
		"level_count":    plan.depth(),
		"parallel_groups": len(groups),
	})

	return plan, nil
}

// Normalize rewrites a raw step list into canonical form:
//   - sequential ids assigned where missing
//   - legacy plugin_action steps rewritten to action
//   - alternate scatter-gather shapes converted to {scatter, gather}
//   - sequential dependencies synthesized when none are declared anywhere
func (p *Planner) Normalize(steps []WorkflowStep) []WorkflowStep {
	out := make([]WorkflowStep, len(steps))
	copy(out, steps)

	used := make(map[string]bool)
	for _, s := range out {
		if s.ID != "" {
			used[s.ID] = true
		}
	}
	for i := range out {
		if out[i].ID == "" {
			id := fmt.Sprintf("step%d", i+1)
			for used[id] {
				id = id + "_x"
			}
			out[i].ID = id
			used[id] = true
		}

		if out[i].Type == stepTypePluginAction {
			out[i].Type = StepTypeAction
		}

		if out[i].Type == StepTypeScatterGather {
			normalizeScatterGather(&out[i])
		}
	}

	// Synthesize a sequential chain when no dependency appears anywhere.
	if len(out) > 1 {
		anyDeps := false
		for _, s := range out {
			if len(s.DependsOn) > 0 {
				anyDeps = true
				break
			}
		}
		if !anyDeps {
			for i := 1; i < len(out); i++ {
				out[i].DependsOn = []string{out[i-1].ID}
			}
		}
	}

	return out
}

// normalizeScatterGather converts the flat alternate shape
// (iterate_over/input + loop_steps + operation) into the canonical
// {scatter:{input, steps, item_name}, gather:{operation}} form.
func normalizeScatterGather(s *WorkflowStep) {
	if s.Scatter == nil {
		scatter := &ScatterSpec{ItemName: s.ItemName}
		if s.IterateOver != "" {
			scatter.Input = s.IterateOver
		} else {
			scatter.Input = s.Input
		}
		if len(s.LoopSteps) > 0 {
			scatter.Steps = s.LoopSteps
		} else {
			scatter.Steps = s.WorkflowSteps
		}
		s.Scatter = scatter
	}
	if s.Scatter.ItemName == "" {
		s.Scatter.ItemName = "item"
	}
	if s.Gather == nil {
		op := s.Operation
		if op == "" {
			op = "collect"
		}
		s.Gather = &GatherSpec{Operation: op}
	}
	if s.Gather.Operation == "" {
		s.Gather.Operation = "collect"
	}
}

// Validate checks a normalized step list. The returned ValidationError
// carries fatal errors and non-fatal warnings; callers must check Errors.
func (p *Planner) Validate(steps []WorkflowStep) *ValidationError {
	verr := &ValidationError{}

	if len(steps) == 0 {
		verr.Errors = append(verr.Errors, "workflow must have at least one step")
		return verr
	}

	seen := make(map[string]bool)
	for _, s := range steps {
		if s.ID == "" {
			verr.Errors = append(verr.Errors, "step has no id after normalization")
			continue
		}
		if seen[s.ID] {
			verr.Errors = append(verr.Errors, fmt.Sprintf("duplicate step id: %s", s.ID))
		}
		seen[s.ID] = true
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				verr.Errors = append(verr.Errors, fmt.Sprintf("step %s depends on non-existent step %s", s.ID, dep))
			}
		}
		p.validateStepFields(&s, verr)
	}

	return verr
}

func (p *Planner) validateStepFields(s *WorkflowStep, verr *ValidationError) {
	if !knownStepTypes[s.Type] {
		verr.Errors = append(verr.Errors, fmt.Sprintf("step %s has unknown type %q", s.ID, s.Type))
		return
	}

	switch s.Type {
	case StepTypeAction:
		if s.Plugin == "" || s.Action == "" {
			verr.Errors = append(verr.Errors, fmt.Sprintf("action step %s requires plugin and action", s.ID))
		}
	case StepTypeConditional:
		if s.Condition == nil {
			verr.Errors = append(verr.Errors, fmt.Sprintf("conditional step %s requires a condition", s.ID))
		}
	case StepTypeLoop:
		if s.IterateOver == "" || len(s.LoopSteps) == 0 {
			verr.Errors = append(verr.Errors, fmt.Sprintf("loop step %s requires iterate_over and loop_steps", s.ID))
		} else {
			p.validateNested(s.ID, s.LoopSteps, verr)
		}
	case StepTypeTransform:
		if s.Operation == "" || s.Input == "" {
			verr.Errors = append(verr.Errors, fmt.Sprintf("transform step %s requires operation and input", s.ID))
		}
	case StepTypeScatterGather:
		if s.Scatter == nil || s.Scatter.Input == "" || len(s.Scatter.Steps) == 0 {
			verr.Errors = append(verr.Errors, fmt.Sprintf("scatter_gather step %s requires scatter.input and scatter.steps", s.ID))
		} else {
			p.validateNested(s.ID, s.Scatter.Steps, verr)
		}
		if s.Gather == nil || s.Gather.Operation == "" {
			verr.Errors = append(verr.Errors, fmt.Sprintf("scatter_gather step %s requires gather.operation", s.ID))
		} else if !validGatherOps[s.Gather.Operation] {
			verr.Errors = append(verr.Errors, fmt.Sprintf("scatter_gather step %s has unsupported gather operation %q", s.ID, s.Gather.Operation))
		}
	case StepTypeValidation:
		if len(s.Schema) == 0 && len(s.Rules) == 0 {
			verr.Errors = append(verr.Errors, fmt.Sprintf("validation step %s requires schema or rules", s.ID))
		}
	case StepTypeComparison:
		if s.Left == nil || s.Right == nil || s.CompareOp == "" {
			verr.Errors = append(verr.Errors, fmt.Sprintf("comparison step %s requires left, right and compare_op", s.ID))
		}
	case StepTypeHumanApproval:
		if len(s.Approvers) == 0 || s.ApprovalType == "" || s.Title == "" {
			verr.Errors = append(verr.Errors, fmt.Sprintf("human_approval step %s requires approvers, approval_type and title", s.ID))
		}
	case StepTypeSubWorkflow:
		if s.WorkflowID == "" && len(s.WorkflowSteps) == 0 {
			verr.Errors = append(verr.Errors, fmt.Sprintf("sub_workflow step %s requires workflow_id or workflow_steps", s.ID))
		} else if len(s.WorkflowSteps) > 0 {
			p.validateNested(s.ID, s.WorkflowSteps, verr)
		}
	case StepTypeSwitch:
		if s.Evaluate == "" {
			verr.Errors = append(verr.Errors, fmt.Sprintf("switch step %s requires evaluate", s.ID))
		}
		if len(s.Cases) == 0 {
			verr.Warnings = append(verr.Warnings, fmt.Sprintf("switch step %s has no cases", s.ID))
		}
	case StepTypeDelay:
		if s.Delay <= 0 {
			verr.Warnings = append(verr.Warnings, fmt.Sprintf("delay step %s has no positive delay", s.ID))
		}
	}

	if s.ExecuteIf != nil {
		if errs := validateConditionShape(s.ExecuteIf); len(errs) > 0 {
			for _, e := range errs {
				verr.Errors = append(verr.Errors, fmt.Sprintf("step %s execute_if: %s", s.ID, e))
			}
		}
	}
}

// validateNested validates an inner step list (loop bodies, scatter steps,
// inline sub-workflows) recursively after normalizing it.
func (p *Planner) validateNested(parentID string, steps []WorkflowStep, verr *ValidationError) {
	inner := p.Validate(p.Normalize(steps))
	for _, e := range inner.Errors {
		verr.Errors = append(verr.Errors, fmt.Sprintf("in %s: %s", parentID, e))
	}
	for _, w := range inner.Warnings {
		verr.Warnings = append(verr.Warnings, fmt.Sprintf("in %s: %s", parentID, w))
	}
}

var validGatherOps = map[string]bool{
	"collect": true,
	"merge":   true,
	"concat":  true,
}

// detectParallelGroups groups steps that share a level, are parallel
// eligible, and have no dependency on one another.
func (p *Planner) detectParallelGroups(planned []PlannedStep, dag *workflowDAG) []ParallelGroup {
	byLevel := make(map[int][]int) // level -> indices into planned
	maxLevel := 0
	for i, ps := range planned {
		byLevel[ps.Level] = append(byLevel[ps.Level], i)
		if ps.Level > maxLevel {
			maxLevel = ps.Level
		}
	}

	var groups []ParallelGroup
	for level := 0; level <= maxLevel; level++ {
		var eligible []int
		for _, idx := range byLevel[level] {
			if planned[idx].Step.parallelEligible() {
				eligible = append(eligible, idx)
			}
		}
		if len(eligible) < 2 {
			continue
		}

		// Same level already rules out direct dependencies, but keep the
		// transitive check as the invariant demands.
		var members []int
		for _, idx := range eligible {
			independent := true
			for _, other := range members {
				a, b := planned[idx].Step.ID, planned[other].Step.ID
				if dag.DependsOnTransitively(a, b) || dag.DependsOnTransitively(b, a) {
					independent = false
					break
				}
			}
			if independent {
				members = append(members, idx)
			}
		}
		if len(members) < 2 {
			continue
		}

		group := ParallelGroup{
			ID:    fmt.Sprintf("pg_l%d_%d", level, len(groups)),
			Level: level,
		}
		for _, idx := range members {
			group.StepIDs = append(group.StepIDs, planned[idx].Step.ID)
			planned[idx].ParallelGroupID = group.ID
		}
		groups = append(groups, group)
	}

	return groups
}

// stepEstimates are rough per-kind duration guesses used only for the
// plan's duration estimate.
var stepEstimates = map[StepType]time.Duration{
	StepTypeAction:        2 * time.Second,
	StepTypeAIProcessing:  5 * time.Second,
	StepTypeLLMDecision:   5 * time.Second,
	StepTypeTransform:     100 * time.Millisecond,
	StepTypeConditional:   50 * time.Millisecond,
	StepTypeSwitch:        50 * time.Millisecond,
	StepTypeValidation:    100 * time.Millisecond,
	StepTypeComparison:    50 * time.Millisecond,
	StepTypeEnrichment:    time.Second,
	StepTypeLoop:          5 * time.Second,
	StepTypeScatterGather: 5 * time.Second,
	StepTypeSubWorkflow:   10 * time.Second,
	StepTypeHumanApproval: time.Minute,
}

func estimateDuration(planned []PlannedStep) time.Duration {
	// Steps at the same level overlap; take the level maximum.
	levelMax := make(map[int]time.Duration)
	for _, ps := range planned {
		est := stepEstimates[ps.Step.Type]
		if ps.Step.Type == StepTypeDelay {
			est = ps.Step.Delay
		}
		if est == 0 {
			est = time.Second
		}
		if est > levelMax[ps.Level] {
			levelMax[ps.Level] = est
		}
	}
	var total time.Duration
	for _, d := range levelMax {
		total += d
	}
	return total
}

// depth returns the number of execution levels in the plan.
func (p *ExecutionPlan) depth() int {
	depth := 0
	for _, ps := range p.Steps {
		if ps.Level+1 > depth {
			depth = ps.Level + 1
		}
	}
	return depth
}

// CriticalPath returns one step id per level, preferring steps that sit on
// a dependency chain spanning the whole plan.
func (p *ExecutionPlan) CriticalPath() []string {
	byLevel := make(map[int][]PlannedStep)
	for _, ps := range p.Steps {
		byLevel[ps.Level] = append(byLevel[ps.Level], ps)
	}

	var path []string
	var prev string
	for level := 0; level < p.depth(); level++ {
		steps := byLevel[level]
		if len(steps) == 0 {
			continue
		}
		chosen := steps[0]
		if prev != "" {
			for _, candidate := range steps {
				for _, dep := range candidate.Step.DependsOn {
					if dep == prev {
						chosen = candidate
						break
					}
				}
			}
		}
		path = append(path, chosen.Step.ID)
		prev = chosen.Step.ID
	}
	return path
}

// Visualize renders a level-by-level debugging view of the plan.
func (p *ExecutionPlan) Visualize() string {
	byLevel := make(map[int][]PlannedStep)
	for _, ps := range p.Steps {
		byLevel[ps.Level] = append(byLevel[ps.Level], ps)
	}

	var b strings.Builder
	for level := 0; level < p.depth(); level++ {
		fmt.Fprintf(&b, "level %d:", level)
		for _, ps := range byLevel[level] {
			if ps.ParallelGroupID != "" {
				fmt.Fprintf(&b, " [%s(%s)|%s]", ps.Step.ID, ps.Step.Type, ps.ParallelGroupID)
			} else {
				fmt.Fprintf(&b, " [%s(%s)]", ps.Step.ID, ps.Step.Type)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// PlanStatistics summarizes a plan's shape.
type PlanStatistics struct {
	TotalSteps     int `json:"total_steps"`
	Depth          int `json:"depth"`
	MaxParallelism int `json:"max_parallelism"`
	ParallelGroups int `json:"parallel_groups"`
}

// Stats returns plan statistics.
func (p *ExecutionPlan) Stats() PlanStatistics {
	stats := PlanStatistics{
		TotalSteps:     p.TotalSteps,
		Depth:          p.depth(),
		ParallelGroups: len(p.Groups),
		MaxParallelism: 1,
	}
	counts := make(map[int]int)
	for _, ps := range p.Steps {
		counts[ps.Level]++
		if counts[ps.Level] > stats.MaxParallelism {
			stats.MaxParallelism = counts[ps.Level]
		}
	}
	return stats
}
