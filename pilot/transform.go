package pilot

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/agentspilot/pilot/core"
)

// DataTransformer implements the transform step operations. Transforms are
// pure with respect to the execution context: they read resolved input and
// return a result, never mutating shared state.
type DataTransformer struct {
	logger     core.Logger
	conditions *ConditionalEvaluator
}

// NewDataTransformer creates a transform engine.
func NewDataTransformer(logger core.Logger) *DataTransformer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &DataTransformer{
		logger:     logger,
		conditions: NewConditionalEvaluator(logger),
	}
}

// unwrapKeys is the priority order for structured container unwrapping.
var unwrapKeys = []string{"items", "filtered", "deduplicated", "groups", "values", "records", "emails", "files", "rows"}

// unwrapItems extracts the array payload from a structured container so
// transforms chain regardless of the upstream producer's shape.
func unwrapItems(m map[string]interface{}) ([]interface{}, bool) {
	for _, key := range unwrapKeys {
		if v, ok := m[key]; ok {
			if arr, aok := v.([]interface{}); aok {
				return arr, true
			}
		}
	}
	return nil, false
}

// toItems coerces a resolved transform input into an item slice.
func toItems(input interface{}) []interface{} {
	switch v := input.(type) {
	case []interface{}:
		return v
	case map[string]interface{}:
		if items, ok := unwrapItems(v); ok {
			return items
		}
		return []interface{}{v}
	case nil:
		return nil
	default:
		return []interface{}{v}
	}
}

// Execute runs the transform operation declared on the step.
func (t *DataTransformer) Execute(step *WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	if step.Operation == "" {
		return nil, NewExecutionError(step.ID, CodeMissingOperation, "transform step requires an operation")
	}
	if step.Input == "" {
		return nil, NewExecutionError(step.ID, CodeMissingInputData, "transform step requires an input")
	}

	input := ec.ResolveValue(step.Input)
	if s, ok := input.(string); ok && isSingleReference(s) {
		return nil, NewExecutionError(step.ID, CodeMissingInputData, "cannot resolve transform input %q", step.Input)
	}

	cfg := step.TransformConfig
	if cfg == nil {
		cfg = map[string]interface{}{}
	}

	var result interface{}
	var err error
	switch step.Operation {
	case "set":
		result = input
	case "map":
		result, err = t.opMap(input, cfg, ec)
	case "filter":
		result, err = t.opFilter(step, input, cfg, ec)
	case "reduce":
		result, err = t.opReduce(input, cfg)
	case "sort":
		result, err = t.opSort(input, cfg)
	case "group", "group_by":
		result, err = t.opGroup(input, cfg)
	case "aggregate":
		result, err = t.opAggregate(input, cfg)
	case "format":
		result, err = t.opFormat(input, cfg, ec)
	case "deduplicate":
		result, err = t.opDeduplicate(input, cfg)
	case "flatten":
		result = t.opFlatten(input, cfg)
	case "join":
		return nil, NewExecutionError(step.ID, CodeUnknownTransformOperation, "join is not implemented")
	case "pivot":
		result, err = t.opPivot(input, cfg)
	case "split":
		result, err = t.opSplit(input, cfg)
	case "expand":
		result = t.opExpand(input, cfg)
	default:
		return nil, NewExecutionError(step.ID, CodeUnknownTransformOperation, "unknown transform operation %q", step.Operation)
	}
	if err != nil {
		return nil, err
	}

	return wrapDeclaredOutput(step, result), nil
}

// wrapDeclaredOutput wraps the result under the single declared output key
// unless it already carries that shape.
func wrapDeclaredOutput(step *WorkflowStep, result interface{}) interface{} {
	keys := declaredOutputKeys(step)
	if len(keys) != 1 {
		return result
	}
	key := keys[0]
	if m, ok := result.(map[string]interface{}); ok {
		if _, has := m[key]; has {
			return result
		}
	}
	return map[string]interface{}{key: result}
}

// routingKeys steer the orchestrator and are never treated as data outputs.
var routingKeys = map[string]bool{
	"next_step":            true,
	"is_last_step":         true,
	"iteration_next_step":  true,
	"after_loop_next_step": true,
}

func declaredOutputKeys(step *WorkflowStep) []string {
	if len(step.Outputs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(step.Outputs))
	for k := range step.Outputs {
		if !routingKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// --- map ---------------------------------------------------------------------

func (t *DataTransformer) opMap(input interface{}, cfg map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
	items := toItems(input)

	if columns, ok := cfg["columns"].([]interface{}); ok && len(columns) > 0 {
		return mapToRows(items, columns, cfgBool(cfg, "header", true), ec)
	}

	if mapping, ok := cfg["mapping"].(map[string]interface{}); ok {
		if tmpl, tok := mapping["template"].(string); tok {
			out := make([]interface{}, 0, len(items))
			for _, item := range items {
				out = append(out, ec.RenderTemplateWith(tmpl, item))
			}
			return out, nil
		}
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			itemCtx := ec.CloneForItem()
			itemCtx.BindIterationItem("item", item)
			mapped := make(map[string]interface{}, len(mapping))
			for k, expr := range mapping {
				mapped[k] = itemCtx.ResolveValue(expr)
			}
			out = append(out, mapped)
		}
		return out, nil
	}

	return items, nil
}

// mapToRows projects items into a 2-D row array with an optional header.
func mapToRows(items []interface{}, columns []interface{}, includeHeader bool, ec *ExecutionContext) (interface{}, error) {
	type column struct {
		name string
		expr interface{}
	}
	cols := make([]column, 0, len(columns))
	for _, c := range columns {
		switch v := c.(type) {
		case string:
			cols = append(cols, column{name: v, expr: "{{item." + v + "}}"})
		case map[string]interface{}:
			name, _ := v["name"].(string)
			expr := v["value"]
			if expr == nil {
				expr = "{{item." + name + "}}"
			}
			cols = append(cols, column{name: name, expr: expr})
		default:
			return nil, fmt.Errorf("invalid column spec %v", c)
		}
	}

	var rows []interface{}
	if includeHeader {
		header := make([]interface{}, len(cols))
		for i, c := range cols {
			header[i] = c.name
		}
		rows = append(rows, header)
	}
	for _, item := range items {
		itemCtx := ec.CloneForItem()
		itemCtx.BindIterationItem("item", item)
		row := make([]interface{}, len(cols))
		for i, c := range cols {
			row[i] = itemCtx.ResolveValue(c.expr)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// --- filter ------------------------------------------------------------------

func (t *DataTransformer) opFilter(step *WorkflowStep, input interface{}, cfg map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
	items := toItems(input)

	cond := step.Condition
	if cond == nil {
		if raw, ok := cfg["condition"]; ok {
			parsed, err := conditionFromValue(raw)
			if err != nil {
				return nil, NewExecutionError(step.ID, CodeMissingCondition, "invalid filter condition: %v", err)
			}
			cond = parsed
		}
	}
	if cond == nil {
		return nil, NewExecutionError(step.ID, CodeMissingCondition, "filter requires a condition")
	}

	kept := make([]interface{}, 0, len(items))
	removed := 0
	for _, item := range items {
		itemCtx := ec.CloneForItem()
		itemCtx.BindIterationItem("item", item)
		ok, err := t.conditions.Evaluate(cond, itemCtx)
		if err != nil {
			return nil, NewExecutionError(step.ID, CodeStepExecutionFailed, "filter condition failed: %v", err)
		}
		if ok {
			kept = append(kept, item)
		} else {
			removed++
		}
	}

	result := map[string]interface{}{
		"items":         kept,
		"filtered":      kept,
		"removed":       removed,
		"originalCount": len(items),
		"count":         len(kept),
		"length":        len(kept),
	}
	if keys := declaredOutputKeys(step); len(keys) == 1 {
		result[keys[0]] = kept
	}
	return result, nil
}

// conditionFromValue converts a loosely typed condition map into a
// *Condition via a JSON round trip.
func conditionFromValue(raw interface{}) (*Condition, error) {
	if s, ok := raw.(string); ok {
		return &Condition{Expression: s}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var cond Condition
	if err := json.Unmarshal(data, &cond); err != nil {
		return nil, err
	}
	return &cond, nil
}

// --- reduce ------------------------------------------------------------------

func (t *DataTransformer) opReduce(input interface{}, cfg map[string]interface{}) (interface{}, error) {
	items := toItems(input)
	op := cfgString(cfg, "operation", "sum")
	field := cfgString(cfg, "field", "")

	switch op {
	case "sum":
		total := cfgFloat(cfg, "initial", 0)
		for _, item := range items {
			if f, ok := toNumber(fieldValue(item, field)); ok {
				total += f
			}
		}
		return total, nil
	case "count":
		return float64(len(items)), nil
	case "concat":
		sep := cfgString(cfg, "separator", "")
		parts := make([]string, 0, len(items))
		if initial := cfgString(cfg, "initial", ""); initial != "" {
			parts = append(parts, initial)
		}
		for _, item := range items {
			parts = append(parts, stringify(fieldValue(item, field)))
		}
		return strings.Join(parts, sep), nil
	case "merge":
		merged := map[string]interface{}{}
		if init, ok := cfg["initial"].(map[string]interface{}); ok {
			for k, v := range init {
				merged[k] = v
			}
		}
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
		return merged, nil
	}
	return nil, fmt.Errorf("unknown reduce operation %q", op)
}

func fieldValue(item interface{}, field string) interface{} {
	if field == "" {
		return item
	}
	if v, err := lookupValuePath(item, indexPattern.ReplaceAllString(field, ".$1"), field); err == nil {
		return v
	}
	return nil
}

// --- sort --------------------------------------------------------------------

func (t *DataTransformer) opSort(input interface{}, cfg map[string]interface{}) (interface{}, error) {
	items := toItems(input)
	out := make([]interface{}, len(items))
	copy(out, items)

	field := cfgString(cfg, "field", "")
	descending := strings.EqualFold(cfgString(cfg, "order", "asc"), "desc")

	sort.SliceStable(out, func(i, j int) bool {
		a, b := fieldValue(out[i], field), fieldValue(out[j], field)
		less := lessThan(a, b)
		if descending {
			return lessThan(b, a)
		}
		return less
	})
	return out, nil
}

func lessThan(a, b interface{}) bool {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			return af < bf
		}
	}
	return stringify(a) < stringify(b)
}

// --- group -------------------------------------------------------------------

func (t *DataTransformer) opGroup(input interface{}, cfg map[string]interface{}) (interface{}, error) {
	items := toItems(input)
	field := cfgString(cfg, "field", cfgString(cfg, "column", ""))
	if field == "" {
		return nil, fmt.Errorf("group requires a field or column")
	}

	// 2-D array input groups by column, keeping the header row on each group.
	if header, rows, ok := asTable(items); ok {
		colIndex := -1
		for i, h := range header {
			if stringify(h) == field {
				colIndex = i
				break
			}
		}
		if colIndex == -1 {
			return nil, fmt.Errorf("group column %q not found in header", field)
		}
		return groupRows(header, rows, colIndex), nil
	}

	grouped := map[string]interface{}{}
	var order []string
	for _, item := range items {
		key := stringify(fieldValue(item, field))
		if key == "" {
			key = "unknown"
		}
		bucket, _ := grouped[key].([]interface{})
		if bucket == nil {
			order = append(order, key)
		}
		grouped[key] = append(bucket, item)
	}

	return buildGroupResult(grouped, order), nil
}

func asTable(items []interface{}) (header []interface{}, rows [][]interface{}, ok bool) {
	if len(items) < 2 {
		return nil, nil, false
	}
	for _, item := range items {
		row, rok := item.([]interface{})
		if !rok {
			return nil, nil, false
		}
		rows = append(rows, row)
	}
	return rows[0], rows[1:], true
}

func groupRows(header []interface{}, rows [][]interface{}, colIndex int) map[string]interface{} {
	grouped := map[string]interface{}{}
	var order []string
	for _, row := range rows {
		key := "unknown"
		if colIndex < len(row) {
			if s := stringify(row[colIndex]); s != "" {
				key = s
			}
		}
		bucket, _ := grouped[key].([]interface{})
		if bucket == nil {
			order = append(order, key)
			bucket = []interface{}{toInterfaceSlice(header)}
		}
		grouped[key] = append(bucket, toInterfaceSlice(row))
	}
	return buildGroupResult(grouped, order)
}

func toInterfaceSlice(row []interface{}) interface{} { return append([]interface{}{}, row...) }

func buildGroupResult(grouped map[string]interface{}, order []string) map[string]interface{} {
	groups := make([]interface{}, 0, len(order))
	keys := make([]interface{}, 0, len(order))
	for _, key := range order {
		items := grouped[key].([]interface{})
		groups = append(groups, map[string]interface{}{
			"key":   key,
			"items": items,
			"count": len(items),
		})
		keys = append(keys, key)
	}
	result := map[string]interface{}{
		"grouped": grouped,
		"groups":  groups,
		"keys":    keys,
		"count":   len(order),
	}
	// Top-level key attachment for older consumers.
	for _, key := range order {
		if _, taken := result[key]; !taken {
			result[key] = grouped[key]
		}
	}
	return result
}

// --- aggregate ---------------------------------------------------------------

func (t *DataTransformer) opAggregate(input interface{}, cfg map[string]interface{}) (interface{}, error) {
	items := toItems(input)
	specs, ok := cfg["aggregations"].([]interface{})
	if !ok || len(specs) == 0 {
		return nil, fmt.Errorf("aggregate requires aggregations")
	}

	result := map[string]interface{}{}
	for _, rawSpec := range specs {
		spec, sok := rawSpec.(map[string]interface{})
		if !sok {
			return nil, fmt.Errorf("invalid aggregation spec %v", rawSpec)
		}
		field := cfgString(spec, "field", "")
		op := cfgString(spec, "operation", "")
		alias := cfgString(spec, "alias", "")
		if alias == "" {
			alias = field + "_" + op
		}

		var value interface{}
		switch op {
		case "count":
			value = float64(len(items))
		case "sum", "avg", "min", "max":
			var nums []float64
			for _, item := range items {
				if f, fok := toNumber(fieldValue(item, field)); fok {
					nums = append(nums, f)
				}
			}
			value = foldNumbers(nums, op)
		default:
			return nil, fmt.Errorf("unknown aggregate operation %q", op)
		}
		result[alias] = value
	}
	return result, nil
}

func foldNumbers(nums []float64, op string) interface{} {
	if len(nums) == 0 {
		return nil
	}
	switch op {
	case "sum", "avg":
		total := 0.0
		for _, n := range nums {
			total += n
		}
		if op == "avg" {
			return total / float64(len(nums))
		}
		return total
	case "min":
		m := math.Inf(1)
		for _, n := range nums {
			m = math.Min(m, n)
		}
		return m
	case "max":
		m := math.Inf(-1)
		for _, n := range nums {
			m = math.Max(m, n)
		}
		return m
	}
	return nil
}

// --- format ------------------------------------------------------------------

func (t *DataTransformer) opFormat(input interface{}, cfg map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
	mapping, _ := cfg["mapping"].(map[string]interface{})
	tmpl, _ := mapping["template"].(string)
	if tmpl == "" {
		return nil, fmt.Errorf("format requires mapping.template")
	}
	jsonEscape := cfgBool(cfg, "json_escape", false)

	render := func(current interface{}) interface{} {
		itemCtx := ec.CloneForItem()
		itemCtx.BindIterationItem("item", current)
		var rendered string
		if jsonEscape {
			rendered = itemCtx.RenderJSONEscaped(itemCtx.RenderTemplateWith(tmpl, current))
		} else {
			rendered = itemCtx.RenderTemplateWith(tmpl, current)
		}
		if jsonEscape {
			var parsed interface{}
			if err := json.Unmarshal([]byte(rendered), &parsed); err == nil {
				return parsed
			}
		}
		return rendered
	}

	if arr, ok := input.([]interface{}); ok {
		out := make([]interface{}, 0, len(arr))
		for _, item := range arr {
			out = append(out, render(item))
		}
		return out, nil
	}
	return render(input), nil
}

// --- deduplicate -------------------------------------------------------------

func (t *DataTransformer) opDeduplicate(input interface{}, cfg map[string]interface{}) (interface{}, error) {
	items := toItems(input)
	key := cfgString(cfg, "key", cfgString(cfg, "field", ""))
	keepLast := strings.EqualFold(cfgString(cfg, "keep", "first"), "last")

	if sortField := cfgString(cfg, "sort_field", ""); sortField != "" {
		sorted, err := t.opSort(items, map[string]interface{}{"field": sortField})
		if err == nil {
			items = sorted.([]interface{})
		}
	}

	// 2-D arrays keep their header row out of deduplication.
	var header interface{}
	if h, rows, ok := asTable(items); ok && key != "" {
		colIndex := -1
		for i, hv := range h {
			if stringify(hv) == key {
				colIndex = i
				break
			}
		}
		if colIndex != -1 {
			header = toInterfaceSlice(h)
			converted := make([]interface{}, len(rows))
			for i, row := range rows {
				converted[i] = toInterfaceSlice(row)
			}
			items = converted
			key = fmt.Sprintf("%d", colIndex)
		}
	}

	identity := func(item interface{}) string {
		if key != "" {
			return stringify(fieldValue(item, key))
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Sprintf("%v", item)
		}
		return string(raw)
	}

	seen := map[string]int{}
	var out []interface{}
	for _, item := range items {
		id := identity(item)
		if idx, dup := seen[id]; dup {
			if keepLast {
				out[idx] = item
			}
			continue
		}
		seen[id] = len(out)
		out = append(out, item)
	}

	if header != nil {
		out = append([]interface{}{header}, out...)
	}
	return out, nil
}

// --- flatten -----------------------------------------------------------------

func (t *DataTransformer) opFlatten(input interface{}, cfg map[string]interface{}) interface{} {
	depth := cfgInt(cfg, "depth", 1)
	return flattenSlice(toItems(input), depth)
}

func flattenSlice(items []interface{}, depth int) []interface{} {
	if depth <= 0 {
		return items
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		if nested, ok := item.([]interface{}); ok {
			out = append(out, flattenSlice(nested, depth-1)...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

// --- pivot -------------------------------------------------------------------

func (t *DataTransformer) opPivot(input interface{}, cfg map[string]interface{}) (interface{}, error) {
	rowKey := cfgString(cfg, "rowKey", cfgString(cfg, "row_key", ""))
	columnKey := cfgString(cfg, "columnKey", cfgString(cfg, "column_key", ""))
	valueKey := cfgString(cfg, "valueKey", cfgString(cfg, "value_key", ""))
	if rowKey == "" || columnKey == "" || valueKey == "" {
		return nil, fmt.Errorf("pivot requires rowKey, columnKey, and valueKey")
	}

	items := toItems(input)
	pivoted := map[string]map[string]interface{}{}
	var rowOrder []string
	for _, item := range items {
		row := stringify(fieldValue(item, rowKey))
		col := stringify(fieldValue(item, columnKey))
		if _, ok := pivoted[row]; !ok {
			pivoted[row] = map[string]interface{}{rowKey: fieldValue(item, rowKey)}
			rowOrder = append(rowOrder, row)
		}
		pivoted[row][col] = fieldValue(item, valueKey)
	}

	out := make([]interface{}, 0, len(rowOrder))
	for _, row := range rowOrder {
		out = append(out, pivoted[row])
	}
	return out, nil
}

// --- split -------------------------------------------------------------------

func (t *DataTransformer) opSplit(input interface{}, cfg map[string]interface{}) (interface{}, error) {
	items := toItems(input)

	if field := cfgString(cfg, "field", ""); field != "" {
		buckets := map[string]interface{}{}
		for _, item := range items {
			key := normalizeBucketKey(fieldValue(item, field))
			bucket, _ := buckets[key].([]interface{})
			buckets[key] = append(bucket, item)
		}
		return buckets, nil
	}

	size := cfgInt(cfg, "size", 0)
	if count := cfgInt(cfg, "count", 0); size == 0 && count > 0 {
		size = (len(items) + count - 1) / count
	}
	if size <= 0 {
		return nil, fmt.Errorf("split requires a field, size, or count")
	}

	var chunks []interface{}
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks, nil
}

func normalizeBucketKey(v interface{}) string {
	if v == nil {
		return "unknown"
	}
	key := strings.ToLower(stringify(v))
	key = strings.ReplaceAll(key, " ", "_")
	if key == "" {
		return "unknown"
	}
	return key
}

// --- expand ------------------------------------------------------------------

func (t *DataTransformer) opExpand(input interface{}, cfg map[string]interface{}) interface{} {
	delimiter := cfgString(cfg, "delimiter", ".")

	expand := func(m map[string]interface{}) map[string]interface{} {
		out := map[string]interface{}{}
		expandInto(out, "", m, delimiter)
		return out
	}

	switch v := input.(type) {
	case map[string]interface{}:
		return expand(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out[i] = expand(m)
			} else {
				out[i] = item
			}
		}
		return out
	}
	return input
}

func expandInto(out map[string]interface{}, prefix string, m map[string]interface{}, delimiter string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + delimiter + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			expandInto(out, key, nested, delimiter)
		} else {
			out[key] = v
		}
	}
}

// --- config helpers ----------------------------------------------------------

func cfgString(cfg map[string]interface{}, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func cfgBool(cfg map[string]interface{}, key string, fallback bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return fallback
}

func cfgInt(cfg map[string]interface{}, key string, fallback int) int {
	if f, ok := toNumber(cfg[key]); ok {
		return int(f)
	}
	return fallback
}

func cfgFloat(cfg map[string]interface{}, key string, fallback float64) float64 {
	if f, ok := toNumber(cfg[key]); ok {
		return f
	}
	return fallback
}
