package pilot

import (
	"reflect"
	"testing"
)

func newTransformContext(t *testing.T, items []interface{}) *ExecutionContext {
	t.Helper()
	ec := newTestContext()
	seedStepOutput(ec, "src", map[string]interface{}{"items": items})
	return ec
}

func runTransform(t *testing.T, ec *ExecutionContext, step *WorkflowStep) interface{} {
	t.Helper()
	tr := NewDataTransformer(nil)
	result, err := tr.Execute(step, ec)
	if err != nil {
		t.Fatalf("transform %s failed: %v", step.Operation, err)
	}
	return result
}

func TestTransformFilter(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"x": float64(1)},
		map[string]interface{}{"x": float64(2)},
		map[string]interface{}{"x": float64(3)},
	})
	step := &WorkflowStep{
		ID:        "f",
		Type:      StepTypeTransform,
		Operation: "filter",
		Input:     "{{src.data.items}}",
		Condition: &Condition{Field: "item.x", Operator: ">", Value: 1},
	}

	result := runTransform(t, ec, step).(map[string]interface{})

	kept := result["items"].([]interface{})
	if len(kept) != 2 {
		t.Fatalf("kept %d items, want 2", len(kept))
	}
	if !reflect.DeepEqual(result["filtered"], kept) {
		t.Error("filtered alias differs from items")
	}
	if result["removed"] != 1 {
		t.Errorf("removed = %v, want 1", result["removed"])
	}
	if result["originalCount"] != 3 || result["count"] != 2 || result["length"] != 2 {
		t.Errorf("counts = %v/%v/%v", result["originalCount"], result["count"], result["length"])
	}
}

func TestTransformFilterDeclaredKeyAlias(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"x": float64(5)},
	})
	step := &WorkflowStep{
		ID:        "f",
		Type:      StepTypeTransform,
		Operation: "filter",
		Input:     "{{src.data.items}}",
		Condition: &Condition{Field: "item.x", Operator: ">", Value: 1},
		Outputs:   map[string]string{"matches": "array"},
	}

	result := runTransform(t, ec, step).(map[string]interface{})
	if !reflect.DeepEqual(result["matches"], result["items"]) {
		t.Errorf("declared key not aliased: %v", result["matches"])
	}
}

func TestTransformFilterRequiresCondition(t *testing.T) {
	ec := newTransformContext(t, []interface{}{map[string]interface{}{"x": 1}})
	tr := NewDataTransformer(nil)
	_, err := tr.Execute(&WorkflowStep{
		ID: "f", Type: StepTypeTransform, Operation: "filter", Input: "{{src.data.items}}",
	}, ec)
	if ErrorCodeOf(err) != CodeMissingCondition {
		t.Errorf("code = %s, want %s", ErrorCodeOf(err), CodeMissingCondition)
	}
}

func TestTransformSet(t *testing.T) {
	ec := newTestContext()
	result := runTransform(t, ec, &WorkflowStep{
		ID: "s", Type: StepTypeTransform, Operation: "set", Input: "{{input.city}}",
	})
	if result != "Berlin" {
		t.Errorf("result = %v, want Berlin", result)
	}
}

func TestTransformSetWrapsDeclaredOutput(t *testing.T) {
	ec := newTestContext()
	result := runTransform(t, ec, &WorkflowStep{
		ID: "s", Type: StepTypeTransform, Operation: "set", Input: "{{input.city}}",
		Outputs: map[string]string{"city": "string"},
	})
	m, ok := result.(map[string]interface{})
	if !ok || m["city"] != "Berlin" {
		t.Errorf("result = %v, want map with city", result)
	}
}

func TestTransformMapColumns(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"name": "a", "score": float64(1)},
		map[string]interface{}{"name": "b", "score": float64(2)},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "m", Type: StepTypeTransform, Operation: "map", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{
			"columns": []interface{}{"name", "score"},
		},
	})

	rows := result.([]interface{})
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header plus 2", len(rows))
	}
	header := rows[0].([]interface{})
	if header[0] != "name" || header[1] != "score" {
		t.Errorf("header = %v", header)
	}
	first := rows[1].([]interface{})
	if first[0] != "a" {
		t.Errorf("first row = %v", first)
	}
}

func TestTransformMapMappingExpressions(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"name": "a"},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "m", Type: StepTypeTransform, Operation: "map", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{
			"mapping": map[string]interface{}{"label": "{{item.name}}"},
		},
	})

	out := result.([]interface{})
	mapped := out[0].(map[string]interface{})
	if mapped["label"] != "a" {
		t.Errorf("mapped = %v", mapped)
	}
}

func TestTransformReduce(t *testing.T) {
	items := []interface{}{
		map[string]interface{}{"n": float64(2)},
		map[string]interface{}{"n": float64(3)},
	}

	cases := []struct {
		name string
		cfg  map[string]interface{}
		want interface{}
	}{
		{"sum", map[string]interface{}{"operation": "sum", "field": "n"}, float64(5)},
		{"sum initial", map[string]interface{}{"operation": "sum", "field": "n", "initial": float64(10)}, float64(15)},
		{"count", map[string]interface{}{"operation": "count"}, float64(2)},
		{"concat", map[string]interface{}{"operation": "concat", "field": "n", "separator": ","}, "2,3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ec := newTransformContext(t, items)
			result := runTransform(t, ec, &WorkflowStep{
				ID: "r", Type: StepTypeTransform, Operation: "reduce",
				Input: "{{src.data.items}}", TransformConfig: tc.cfg,
			})
			if result != tc.want {
				t.Errorf("result = %v, want %v", result, tc.want)
			}
		})
	}
}

func TestTransformSortDescending(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"n": float64(1)},
		map[string]interface{}{"n": float64(3)},
		map[string]interface{}{"n": float64(2)},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "s", Type: StepTypeTransform, Operation: "sort", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{"field": "n", "order": "desc"},
	})

	out := result.([]interface{})
	first := out[0].(map[string]interface{})
	if first["n"] != float64(3) {
		t.Errorf("first = %v, want n=3", first)
	}
}

func TestTransformGroupByField(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"team": "red", "who": "a"},
		map[string]interface{}{"team": "blue", "who": "b"},
		map[string]interface{}{"team": "red", "who": "c"},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "g", Type: StepTypeTransform, Operation: "group_by", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{"field": "team"},
	}).(map[string]interface{})

	if result["count"] != 2 {
		t.Errorf("group count = %v, want 2", result["count"])
	}
	groups := result["groups"].([]interface{})
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	red := result["red"].([]interface{})
	if len(red) != 2 {
		t.Errorf("red bucket = %d items, want 2", len(red))
	}
}

func TestTransformGroupTableKeepsHeader(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		[]interface{}{"team", "who"},
		[]interface{}{"red", "a"},
		[]interface{}{"blue", "b"},
		[]interface{}{"red", "c"},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "g", Type: StepTypeTransform, Operation: "group", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{"column": "team"},
	}).(map[string]interface{})

	red := result["red"].([]interface{})
	if len(red) != 3 {
		t.Fatalf("red group = %d rows, want header plus 2", len(red))
	}
	header := red[0].([]interface{})
	if header[0] != "team" {
		t.Errorf("header = %v", header)
	}
}

func TestTransformAggregate(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"n": float64(2)},
		map[string]interface{}{"n": float64(4)},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "a", Type: StepTypeTransform, Operation: "aggregate", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{
			"aggregations": []interface{}{
				map[string]interface{}{"field": "n", "operation": "sum"},
				map[string]interface{}{"field": "n", "operation": "avg", "alias": "mean"},
				map[string]interface{}{"operation": "count", "alias": "total"},
			},
		},
	}).(map[string]interface{})

	if result["n_sum"] != float64(6) || result["mean"] != float64(3) || result["total"] != float64(2) {
		t.Errorf("result = %v", result)
	}
}

func TestTransformDeduplicate(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"id": "a", "v": float64(1)},
		map[string]interface{}{"id": "b", "v": float64(2)},
		map[string]interface{}{"id": "a", "v": float64(3)},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "d", Type: StepTypeTransform, Operation: "deduplicate", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{"key": "id"},
	})

	out := result.([]interface{})
	if len(out) != 2 {
		t.Fatalf("out = %d items, want 2", len(out))
	}
	first := out[0].(map[string]interface{})
	if first["v"] != float64(1) {
		t.Errorf("keep=first should retain v=1, got %v", first["v"])
	}
}

func TestTransformDeduplicateKeepLast(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"id": "a", "v": float64(1)},
		map[string]interface{}{"id": "a", "v": float64(3)},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "d", Type: StepTypeTransform, Operation: "deduplicate", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{"key": "id", "keep": "last"},
	})

	out := result.([]interface{})
	if len(out) != 1 || out[0].(map[string]interface{})["v"] != float64(3) {
		t.Errorf("out = %v, want single item with v=3", out)
	}
}

func TestTransformFlatten(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		[]interface{}{float64(1), float64(2)},
		[]interface{}{[]interface{}{float64(3)}},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "f", Type: StepTypeTransform, Operation: "flatten", Input: "{{src.data.items}}",
	})

	out := result.([]interface{})
	if len(out) != 3 {
		t.Fatalf("out = %v, want 3 elements at depth 1", out)
	}
	if _, stillNested := out[2].([]interface{}); !stillNested {
		t.Error("depth 1 should leave the inner array nested")
	}
}

func TestTransformSplitByField(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"kind": "High Risk"},
		map[string]interface{}{"kind": "low"},
		map[string]interface{}{"kind": "High Risk"},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "s", Type: StepTypeTransform, Operation: "split", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{"field": "kind"},
	}).(map[string]interface{})

	high := result["high_risk"].([]interface{})
	if len(high) != 2 {
		t.Errorf("high_risk bucket = %d, want 2", len(high))
	}
	if _, ok := result["low"]; !ok {
		t.Error("missing low bucket")
	}
}

func TestTransformSplitChunks(t *testing.T) {
	ec := newTransformContext(t, []interface{}{1, 2, 3, 4, 5})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "s", Type: StepTypeTransform, Operation: "split", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{"size": float64(2)},
	})

	chunks := result.([]interface{})
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if last := chunks[2].([]interface{}); len(last) != 1 {
		t.Errorf("last chunk = %v, want single element", last)
	}
}

func TestTransformPivot(t *testing.T) {
	ec := newTransformContext(t, []interface{}{
		map[string]interface{}{"region": "eu", "month": "jan", "sales": float64(5)},
		map[string]interface{}{"region": "eu", "month": "feb", "sales": float64(7)},
		map[string]interface{}{"region": "us", "month": "jan", "sales": float64(2)},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "p", Type: StepTypeTransform, Operation: "pivot", Input: "{{src.data.items}}",
		TransformConfig: map[string]interface{}{
			"row_key": "region", "column_key": "month", "value_key": "sales",
		},
	})

	rows := result.([]interface{})
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	eu := rows[0].(map[string]interface{})
	if eu["jan"] != float64(5) || eu["feb"] != float64(7) {
		t.Errorf("eu row = %v", eu)
	}
}

func TestTransformExpandDottedKeys(t *testing.T) {
	ec := newTestContext()
	seedStepOutput(ec, "src", map[string]interface{}{
		"record": map[string]interface{}{
			"user": map[string]interface{}{"name": "a", "addr": map[string]interface{}{"city": "Berlin"}},
		},
	})
	result := runTransform(t, ec, &WorkflowStep{
		ID: "e", Type: StepTypeTransform, Operation: "expand", Input: "{{src.data.record}}",
	}).(map[string]interface{})

	if result["user.name"] != "a" || result["user.addr.city"] != "Berlin" {
		t.Errorf("result = %v", result)
	}
}

func TestTransformJoinUnsupported(t *testing.T) {
	ec := newTransformContext(t, []interface{}{})
	tr := NewDataTransformer(nil)
	_, err := tr.Execute(&WorkflowStep{
		ID: "j", Type: StepTypeTransform, Operation: "join", Input: "{{src.data.items}}",
	}, ec)
	if ErrorCodeOf(err) != CodeUnknownTransformOperation {
		t.Errorf("code = %s, want %s", ErrorCodeOf(err), CodeUnknownTransformOperation)
	}
}

func TestTransformUnresolvableInput(t *testing.T) {
	ec := newTestContext()
	tr := NewDataTransformer(nil)
	_, err := tr.Execute(&WorkflowStep{
		ID: "s", Type: StepTypeTransform, Operation: "set", Input: "{{ghost.data.items}}",
	}, ec)
	if ErrorCodeOf(err) != CodeMissingInputData {
		t.Errorf("code = %s, want %s", ErrorCodeOf(err), CodeMissingInputData)
	}
}

func TestUnwrapItemsPriority(t *testing.T) {
	m := map[string]interface{}{
		"filtered": []interface{}{1},
		"items":    []interface{}{1, 2},
		"count":    float64(2),
	}
	items, ok := unwrapItems(m)
	if !ok || len(items) != 2 {
		t.Errorf("items = %v, want the items key to win", items)
	}

	if _, ok := unwrapItems(map[string]interface{}{"other": 1}); ok {
		t.Error("unexpected unwrap for a map with no list keys")
	}
}
