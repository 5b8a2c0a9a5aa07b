package pilot

import (
	"fmt"
	"regexp"
	"strings"
)

// Block template support: {{#each}}, {{#if}}, {{#unless}}, {{#with}},
// {{else}}, {{@index}}, {{this}}. Simple {{x}} references inside blocks
// resolve against the innermost block scope first, then the execution
// context.

var blockOpenPattern = regexp.MustCompile(`\{\{#(each|if|unless|with)\s+([^{}]+?)\s*\}\}`)

type templateScope struct {
	current  interface{}
	index    int
	hasIndex bool
	parent   *templateScope
}

// RenderTemplate renders a block template against the context.
func (ec *ExecutionContext) RenderTemplate(template string) string {
	return renderBlocks(template, ec, nil)
}

// RenderTemplateWith renders a block template with an initial scope value
// (the per-item binding of map/format operations).
func (ec *ExecutionContext) RenderTemplateWith(template string, current interface{}) string {
	return renderBlocks(template, ec, &templateScope{current: current})
}

func renderBlocks(template string, ec *ExecutionContext, scope *templateScope) string {
	var b strings.Builder
	rest := template

	for {
		loc := blockOpenPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			b.WriteString(renderInline(rest, ec, scope))
			return b.String()
		}

		b.WriteString(renderInline(rest[:loc[0]], ec, scope))

		kind := rest[loc[2]:loc[3]]
		arg := rest[loc[4]:loc[5]]
		bodyStart := loc[1]

		body, after, ok := findBlockBody(rest[bodyStart:], kind)
		if !ok {
			// Unterminated block: emit the raw text.
			b.WriteString(rest[loc[0]:])
			return b.String()
		}

		thenBody, elseBody := splitElse(body, kind)

		switch kind {
		case "each":
			b.WriteString(renderEach(arg, thenBody, elseBody, ec, scope))
		case "if":
			if isTruthy(resolveInScope(arg, ec, scope)) {
				b.WriteString(renderBlocks(thenBody, ec, scope))
			} else {
				b.WriteString(renderBlocks(elseBody, ec, scope))
			}
		case "unless":
			if !isTruthy(resolveInScope(arg, ec, scope)) {
				b.WriteString(renderBlocks(thenBody, ec, scope))
			} else {
				b.WriteString(renderBlocks(elseBody, ec, scope))
			}
		case "with":
			value := resolveInScope(arg, ec, scope)
			if value != nil {
				b.WriteString(renderBlocks(thenBody, ec, &templateScope{current: value, parent: scope}))
			} else {
				b.WriteString(renderBlocks(elseBody, ec, scope))
			}
		}

		rest = rest[bodyStart+len(body)+len(fmt.Sprintf("{{/%s}}", kind)):]
		_ = after
	}
}

// findBlockBody returns the body up to the matching {{/kind}}, honoring
// nested blocks of the same kind.
func findBlockBody(s, kind string) (body, after string, ok bool) {
	openTag := "{{#" + kind
	closeTag := "{{/" + kind + "}}"
	depth := 1
	pos := 0
	for {
		open := strings.Index(s[pos:], openTag)
		closing := strings.Index(s[pos:], closeTag)
		if closing == -1 {
			return "", "", false
		}
		if open != -1 && open < closing {
			depth++
			pos += open + len(openTag)
			continue
		}
		depth--
		if depth == 0 {
			end := pos + closing
			return s[:end], s[end+len(closeTag):], true
		}
		pos += closing + len(closeTag)
	}
}

// splitElse splits a block body at the top-level {{else}}.
func splitElse(body, kind string) (thenBody, elseBody string) {
	depth := 0
	for i := 0; i+8 <= len(body); i++ {
		if strings.HasPrefix(body[i:], "{{#") {
			depth++
		} else if strings.HasPrefix(body[i:], "{{/") {
			depth--
		} else if depth == 0 && strings.HasPrefix(body[i:], "{{else}}") {
			return body[:i], body[i+8:]
		}
	}
	return body, ""
}

func renderEach(arg, body, elseBody string, ec *ExecutionContext, scope *templateScope) string {
	value := resolveInScope(arg, ec, scope)
	items, ok := toSlice(value)
	if !ok || len(items) == 0 {
		return renderBlocks(elseBody, ec, scope)
	}

	var b strings.Builder
	for i, item := range items {
		itemScope := &templateScope{current: item, index: i, hasIndex: true, parent: scope}
		b.WriteString(renderBlocks(body, ec, itemScope))
	}
	return b.String()
}

// renderInline substitutes simple {{x}} references within non-block text.
func renderInline(s string, ec *ExecutionContext, scope *templateScope) string {
	return referencePattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		if strings.HasPrefix(inner, "#") || strings.HasPrefix(inner, "/") || inner == "else" {
			return match
		}
		return stringify(resolveInScope(inner, ec, scope))
	})
}

// resolveInScope resolves a reference against the innermost block scope,
// walking outward, before falling back to the execution context.
func resolveInScope(ref string, ec *ExecutionContext, scope *templateScope) interface{} {
	ref = strings.TrimSpace(ref)

	for s := scope; s != nil; s = s.parent {
		switch {
		case ref == "this":
			return s.current
		case ref == "@index":
			if s.hasIndex {
				return s.index
			}
			continue
		case strings.HasPrefix(ref, "this."):
			if v, err := lookupValuePath(s.current, indexPattern.ReplaceAllString(ref[5:], ".$1"), ref); err == nil {
				return v
			}
			return nil
		}

		if m, ok := s.current.(map[string]interface{}); ok {
			head := ref
			if dot := strings.IndexByte(ref, '.'); dot != -1 {
				head = ref[:dot]
			}
			if _, exists := m[head]; exists {
				if v, err := lookupValuePath(m, indexPattern.ReplaceAllString(ref, ".$1"), ref); err == nil {
					return v
				}
			}
		}
	}

	if ec != nil {
		if v, err := ec.ResolveReference(ref); err == nil {
			return v
		}
	}
	return nil
}

// isTruthy follows template semantics: nil, false, zero, empty string and
// empty collections are falsy.
func isTruthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "false"
	case float64:
		return v != 0
	case int:
		return v != 0
	case []interface{}:
		return len(v) > 0
	case map[string]interface{}:
		return len(v) > 0
	default:
		return true
	}
}

// toSlice coerces a value into a slice for iteration, unwrapping known
// structured container shapes first.
func toSlice(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case map[string]interface{}:
		if unwrapped, ok := unwrapItems(v); ok {
			return unwrapped, true
		}
		return nil, false
	case nil:
		return nil, false
	default:
		return nil, false
	}
}
