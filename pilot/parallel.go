package pilot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/agentspilot/pilot/core"
)

// stepRunner executes a single step end-to-end. Injected by the
// orchestrator so group execution, loops, and scatter-gather reuse the
// full executor pipeline.
type stepRunner func(ctx context.Context, step *WorkflowStep, ec *ExecutionContext) (*StepOutput, error)

// ParallelExecutor runs independent steps concurrently through a bounded
// worker pool, and implements loop and scatter_gather fan-out.
type ParallelExecutor struct {
	maxWorkers      int
	logger          core.Logger
	run             stepRunner
	continueOnError bool
}

// NewParallelExecutor creates an executor with the given worker bound.
func NewParallelExecutor(maxWorkers int, run stepRunner, logger core.Logger) *ParallelExecutor {
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ParallelExecutor{maxWorkers: maxWorkers, logger: logger, run: run}
}

// SetContinueOnError applies the global continue-on-error policy. A failure
// is tolerated when either the step or the global flag allows it.
func (p *ParallelExecutor) SetContinueOnError(enabled bool) {
	p.continueOnError = enabled
}

func (p *ParallelExecutor) tolerates(step *WorkflowStep) bool {
	return p.continueOnError || (step != nil && step.ContinueOnError)
}

type groupResult struct {
	stepID string
	output *StepOutput
	err    error
}

// ExecuteGroup runs mutually independent steps concurrently. Outputs are
// committed to the context in completion order; a failure does not cancel
// peers. The returned error is the first failure whose step does not allow
// continue_on_error.
func (p *ParallelExecutor) ExecuteGroup(ctx context.Context, steps []*WorkflowStep, ec *ExecutionContext) (map[string]*StepOutput, error) {
	if len(steps) == 0 {
		return map[string]*StepOutput{}, nil
	}

	work := make(chan *WorkflowStep)
	results := make(chan groupResult, len(steps))

	workers := p.maxWorkers
	if workers > len(steps) {
		workers = len(steps)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range work {
				results <- p.runRecovered(ctx, step, ec)
			}
		}()
	}

	go func() {
		defer close(work)
		for _, step := range steps {
			select {
			case work <- step:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	outputs := make(map[string]*StepOutput, len(steps))
	var firstErr error
	for result := range results {
		if result.output != nil {
			// Single commit point for parallel outputs.
			ec.SetStepOutput(result.stepID, result.output)
			outputs[result.stepID] = result.output
		}
		if result.err != nil {
			step := findStep(steps, result.stepID)
			if p.tolerates(step) {
				ec.MarkFailed(result.stepID)
				p.logger.Warn("parallel step failed, continuing", map[string]interface{}{
					"step_id": result.stepID,
					"error":   result.err.Error(),
				})
				continue
			}
			ec.MarkFailed(result.stepID)
			if firstErr == nil {
				firstErr = result.err
			}
			continue
		}
		ec.MarkCompleted(result.stepID)
	}

	return outputs, firstErr
}

// runRecovered executes one step, converting a panic into a step failure
// so one bad step cannot take down the pool.
func (p *ParallelExecutor) runRecovered(ctx context.Context, step *WorkflowStep, ec *ExecutionContext) (result groupResult) {
	result.stepID = step.ID
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("step panicked", map[string]interface{}{
				"step_id": step.ID,
				"panic":   fmt.Sprintf("%v", r),
				"stack":   string(debug.Stack()),
			})
			result.err = NewExecutionError(step.ID, CodeStepExecutionFailed, "step panicked: %v", r)
		}
	}()

	output, err := p.run(ctx, step, ec)
	result.output = output
	result.err = err
	return result
}

func findStep(steps []*WorkflowStep, id string) *WorkflowStep {
	for _, step := range steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

// ExecuteLoop iterates the loop body over the resolved input collection.
// Iterations run sequentially unless the step opts into parallel fan-out.
func (p *ParallelExecutor) ExecuteLoop(ctx context.Context, step *WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	items, err := resolveIterationItems(step.ID, step.IterateOver, ec)
	if err != nil {
		return nil, err
	}

	itemName := step.ItemName
	if itemName == "" {
		itemName = "item"
	}

	body := make([]*WorkflowStep, len(step.LoopSteps))
	for i := range step.LoopSteps {
		body[i] = &step.LoopSteps[i]
	}

	if step.Parallel {
		return p.fanOut(ctx, step, items, itemName, body, ec)
	}

	results := make([]interface{}, 0, len(items))
	for i, item := range items {
		if ec.Cancelled() {
			return nil, NewExecutionError(step.ID, CodeExecutionCancelled, "execution cancelled during loop")
		}
		itemCtx := ec.CloneForItem()
		itemCtx.BindIterationItem(itemName, item)
		itemCtx.SetVariable("index", i)

		itemResult, ierr := p.runBody(ctx, body, itemCtx)
		if ierr != nil {
			if p.tolerates(step) {
				results = append(results, map[string]interface{}{"error": ierr.Error()})
				continue
			}
			return nil, ierr
		}
		results = append(results, itemResult)
	}

	return map[string]interface{}{
		"items": results,
		"count": len(results),
	}, nil
}

// ExecuteScatterGather fans the scatter body out over the input items and
// gathers per-item outputs with the declared gather operation.
func (p *ParallelExecutor) ExecuteScatterGather(ctx context.Context, step *WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	if step.Scatter == nil {
		return nil, NewExecutionError(step.ID, CodeMissingInputData, "scatter_gather requires a scatter spec")
	}

	items, err := resolveIterationItems(step.ID, step.Scatter.Input, ec)
	if err != nil {
		return nil, err
	}

	itemName := step.Scatter.ItemName
	if itemName == "" {
		itemName = "item"
	}

	body := make([]*WorkflowStep, len(step.Scatter.Steps))
	for i := range step.Scatter.Steps {
		body[i] = &step.Scatter.Steps[i]
	}

	collected, err := p.fanOutItems(ctx, step, items, itemName, body, ec)
	if err != nil {
		return nil, err
	}

	operation := "collect"
	if step.Gather != nil && step.Gather.Operation != "" {
		operation = step.Gather.Operation
	}
	return gatherResults(step.ID, operation, collected)
}

func (p *ParallelExecutor) fanOut(ctx context.Context, step *WorkflowStep, items []interface{}, itemName string, body []*WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	collected, err := p.fanOutItems(ctx, step, items, itemName, body, ec)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"items": collected,
		"count": len(collected),
	}, nil
}

// fanOutItems runs the body once per item through the worker pool,
// preserving item order in the collected results.
func (p *ParallelExecutor) fanOutItems(ctx context.Context, step *WorkflowStep, items []interface{}, itemName string, body []*WorkflowStep, ec *ExecutionContext) ([]interface{}, error) {
	type itemResult struct {
		index  int
		result interface{}
		err    error
	}

	work := make(chan int)
	results := make(chan itemResult, len(items))

	workers := p.maxWorkers
	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range work {
				itemCtx := ec.CloneForItem()
				itemCtx.BindIterationItem(itemName, items[index])
				itemCtx.SetVariable("index", index)

				result, err := func() (result interface{}, err error) {
					defer func() {
						if r := recover(); r != nil {
							err = NewExecutionError(step.ID, CodeStepExecutionFailed, "scatter item panicked: %v", r)
						}
					}()
					return p.runBody(ctx, body, itemCtx)
				}()
				results <- itemResult{index: index, result: result, err: err}
			}
		}()
	}

	go func() {
		defer close(work)
		for i := range items {
			select {
			case work <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]interface{}, len(items))
	var firstErr error
	for result := range results {
		if result.err != nil {
			if p.tolerates(step) {
				collected[result.index] = map[string]interface{}{"error": result.err.Error()}
				continue
			}
			if firstErr == nil {
				firstErr = result.err
			}
			continue
		}
		collected[result.index] = result.result
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return collected, nil
}

// runBody executes the inner step list sequentially within the item
// context and returns the last step's data.
func (p *ParallelExecutor) runBody(ctx context.Context, body []*WorkflowStep, itemCtx *ExecutionContext) (interface{}, error) {
	var last *StepOutput
	for _, inner := range body {
		output, err := p.run(ctx, inner, itemCtx)
		if err != nil {
			if p.tolerates(inner) {
				continue
			}
			return nil, err
		}
		itemCtx.SetStepOutput(inner.ID, output)
		itemCtx.MarkCompleted(inner.ID)
		last = output
	}
	if last == nil {
		return map[string]interface{}{}, nil
	}
	return last.Data, nil
}

// resolveIterationItems resolves an iteration input reference to a slice.
func resolveIterationItems(stepID, input string, ec *ExecutionContext) ([]interface{}, error) {
	if input == "" {
		return nil, NewExecutionError(stepID, CodeMissingInputData, "iteration requires an input")
	}
	resolved := ec.ResolveValue(input)
	if s, ok := resolved.(string); ok && isSingleReference(s) {
		return nil, NewExecutionError(stepID, CodeMissingInputData, "cannot resolve iteration input %q", input)
	}
	items := toItems(resolved)
	return items, nil
}

// gatherResults folds per-item outputs with the gather operation.
//
// collect keeps the raw list. merge deep-merges object results into one
// object. concat concatenates list-valued results into one list.
func gatherResults(stepID, operation string, collected []interface{}) (interface{}, error) {
	switch operation {
	case "collect":
		return map[string]interface{}{
			"items": collected,
			"count": len(collected),
		}, nil
	case "merge":
		merged := map[string]interface{}{}
		for _, item := range collected {
			if m, ok := item.(map[string]interface{}); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
		return merged, nil
	case "concat":
		var out []interface{}
		for _, item := range collected {
			switch v := item.(type) {
			case []interface{}:
				out = append(out, v...)
			case map[string]interface{}:
				if items, ok := unwrapItems(v); ok {
					out = append(out, items...)
				} else {
					out = append(out, v)
				}
			default:
				out = append(out, v)
			}
		}
		return map[string]interface{}{
			"items": out,
			"count": len(out),
		}, nil
	}
	return nil, NewExecutionError(stepID, CodeInvalidInputType, "unknown gather operation %q", operation)
}
