package pilot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Reference grammar:
//
//	{{<stepId>.data.<path>}}  field in a prior step's normalized data
//	{{<stepId>.data}}         the whole data object
//	{{input.<path>}}          original input values
//	{{var.<path>}}            named variables
//	{{<varName>.<path>}}      iteration bindings and other variables
//
// Nested paths use '.' for object keys and '[n]' for array indices.
// Resolution returns the typed value; stringification happens only in
// string interpolation contexts.

var referencePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// indexPattern rewrites [n] indices into gjson's dotted form.
var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// ResolveReference resolves the inner text of a {{...}} reference against
// the context. Missing keys return *ResolutionError, which callers may
// treat as recoverable.
func (ec *ExecutionContext) ResolveReference(ref string) (interface{}, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &ResolutionError{Reference: ref}
	}

	path := indexPattern.ReplaceAllString(ref, ".$1")
	segments := strings.SplitN(path, ".", 2)
	head := segments[0]
	rest := ""
	if len(segments) > 1 {
		rest = segments[1]
	}

	switch head {
	case "input":
		return lookupPath(ec.Inputs, rest, ref)
	case "var":
		return lookupPath(ec.Variables(), rest, ref)
	}

	// Step reference: {{stepId.data[.path]}}
	if out, ok := ec.StepOutput(head); ok {
		if rest == "" || rest == "data" {
			return out.Data, nil
		}
		dataPath := strings.TrimPrefix(rest, "data.")
		if dataPath == rest && rest != "data" {
			// References like {{step1.metadata.success}} address the output
			// envelope rather than data.
			return lookupPath(outputEnvelope(out), rest, ref)
		}
		return lookupPath(out.Data, dataPath, ref)
	}

	// Bare variable reference: {{item.field}} during iteration.
	if v, ok := ec.Variable(head); ok {
		if rest == "" {
			return v, nil
		}
		return lookupValuePath(v, rest, ref)
	}

	return nil, &ResolutionError{Reference: ref}
}

// outputEnvelope exposes the non-data parts of a step output for
// references addressing metadata.
func outputEnvelope(out *StepOutput) map[string]interface{} {
	return map[string]interface{}{
		"data":   out.Data,
		"plugin": out.Plugin,
		"action": out.Action,
		"metadata": map[string]interface{}{
			"success":    out.Metadata.Success,
			"itemCount":  out.Metadata.ItemCount,
			"error":      out.Metadata.Error,
			"errorCode":  out.Metadata.ErrorCode,
			"tokensUsed": out.Metadata.TokensUsed.TotalTokens,
		},
	}
}

// lookupPath resolves a dotted path inside a map using gjson so that
// nested keys and numeric indices behave uniformly.
func lookupPath(container map[string]interface{}, path, ref string) (interface{}, error) {
	if path == "" {
		return container, nil
	}
	return lookupValuePath(container, path, ref)
}

func lookupValuePath(container interface{}, path, ref string) (interface{}, error) {
	raw, err := json.Marshal(container)
	if err != nil {
		return nil, &ResolutionError{Reference: ref}
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, &ResolutionError{Reference: ref}
	}
	return result.Value(), nil
}

// ResolveValue resolves {{...}} references inside an arbitrary value.
// A string that is exactly one reference resolves to the typed value;
// strings with embedded references are interpolated; maps and slices are
// resolved recursively. Unresolvable references are left in place.
func (ec *ExecutionContext) ResolveValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if isSingleReference(v) {
			inner := strings.TrimSpace(v[2 : len(v)-2])
			if resolved, err := ec.ResolveReference(inner); err == nil {
				return resolved
			}
			return v
		}
		return ec.RenderSimple(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = ec.ResolveValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = ec.ResolveValue(item)
		}
		return out
	default:
		return value
	}
}

// isSingleReference reports whether s is exactly one {{...}} reference.
func isSingleReference(s string) bool {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return false
	}
	matches := referencePattern.FindAllStringIndex(s, -1)
	return len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s)
}

// RenderSimple substitutes every {{x}} occurrence with its stringified
// value. Unresolvable references render as empty string.
func (ec *ExecutionContext) RenderSimple(template string) string {
	return referencePattern.ReplaceAllStringFunc(template, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		resolved, err := ec.ResolveReference(inner)
		if err != nil {
			return ""
		}
		return stringify(resolved)
	})
}

// RenderJSONEscaped substitutes references with JSON-safe literals so the
// rendered result stays well-formed JSON.
func (ec *ExecutionContext) RenderJSONEscaped(template string) string {
	return referencePattern.ReplaceAllStringFunc(template, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		resolved, err := ec.ResolveReference(inner)
		if err != nil {
			return ""
		}
		switch v := resolved.(type) {
		case string:
			escaped, merr := json.Marshal(v)
			if merr != nil {
				return ""
			}
			// Drop the surrounding quotes: the template supplies them.
			return strings.Trim(string(escaped), `"`)
		default:
			return stringify(v)
		}
	})
}

// stringify renders a resolved value for string interpolation.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		// Render integral floats without the trailing .0 that JSON
		// round-tripping introduces.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
