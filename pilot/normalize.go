package pilot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentspilot/pilot/core"
)

// OutputNormalizer maps raw step results onto the step's declared output
// keys so downstream references stay stable regardless of what the plugin
// or model actually returned. Normalization is idempotent: normalizing an
// already-normalized result is a no-op.
type OutputNormalizer struct {
	logger core.Logger
}

// NewOutputNormalizer creates a normalizer.
func NewOutputNormalizer(logger core.Logger) *OutputNormalizer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &OutputNormalizer{logger: logger}
}

// runtimeKeysByHint maps a detected production hint to the runtime keys its
// results usually carry, in probe order.
var runtimeKeysByHint = map[string][]string{
	"filter":   {"items", "filtered", "count", "total"},
	"group_by": {"groups", "grouped"},
	"group":    {"groups", "grouped"},
	"llm":      {"summary", "classification", "extracted", "analysis", "generated", "translated", "enriched", "result"},
}

// Normalize maps a raw result onto the declared output keys. The returned
// data object is keyed by the declared keys; _raw preserves the original
// when any remapping happened; _meta records what was done.
func (n *OutputNormalizer) Normalize(raw interface{}, step *WorkflowStep) (map[string]interface{}, *NormalizationMeta) {
	meta := &NormalizationMeta{KeyMapping: map[string]string{}}
	keys := declaredOutputKeys(step)

	if len(keys) == 0 {
		// Nothing declared: pass objects through, wrap everything else.
		if m, ok := raw.(map[string]interface{}); ok {
			return m, meta
		}
		meta.Normalized = true
		meta.Wrapped = append(meta.Wrapped, "result")
		return map[string]interface{}{"result": raw}, meta
	}

	switch v := raw.(type) {
	case nil:
		meta.Normalized = true
		meta.Wrapped = append(meta.Wrapped, keys[0])
		return map[string]interface{}{keys[0]: nil}, meta

	case string:
		return n.normalizeString(v, step, keys, meta)

	case []interface{}:
		meta.Normalized = true
		meta.Wrapped = append(meta.Wrapped, keys[0])
		return map[string]interface{}{keys[0]: v}, meta

	case map[string]interface{}:
		return n.normalizeObject(v, step, keys, meta)

	default:
		meta.Normalized = true
		meta.Wrapped = append(meta.Wrapped, keys[0])
		return map[string]interface{}{keys[0]: v}, meta
	}
}

func (n *OutputNormalizer) normalizeString(s string, step *WorkflowStep, keys []string, meta *NormalizationMeta) (map[string]interface{}, *NormalizationMeta) {
	declaredType := strings.ToLower(step.Outputs[keys[0]])
	trimmed := strings.TrimSpace(s)

	if declaredType == "object" && looksLikeJSON(trimmed) {
		var parsed interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			repaired := repairJSON(trimmed)
			if uerr := json.Unmarshal([]byte(repaired), &parsed); uerr != nil {
				meta.Warnings = append(meta.Warnings, fmt.Sprintf("declared object but JSON parse failed: %v", err))
				parsed = nil
			}
		}
		if parsed != nil {
			meta.Normalized = true
			meta.JSONParsed = append(meta.JSONParsed, keys[0])
			if obj, ok := parsed.(map[string]interface{}); ok {
				return n.normalizeObject(obj, step, keys, meta)
			}
			return map[string]interface{}{keys[0]: parsed}, meta
		}
	}

	meta.Normalized = true
	meta.Wrapped = append(meta.Wrapped, keys[0])
	return map[string]interface{}{keys[0]: s}, meta
}

func (n *OutputNormalizer) normalizeObject(obj map[string]interface{}, step *WorkflowStep, keys []string, meta *NormalizationMeta) (map[string]interface{}, *NormalizationMeta) {
	// Already normalized: every declared key present.
	allPresent := true
	for _, key := range keys {
		if _, ok := obj[key]; !ok {
			allPresent = false
			break
		}
	}
	if allPresent {
		return obj, meta
	}

	hints := n.hintKeys(step)
	used := map[string]bool{}
	out := make(map[string]interface{}, len(keys))

	for _, key := range keys {
		if v, ok := obj[key]; ok {
			out[key] = v
			used[key] = true
			continue
		}

		mapped := false
		for _, hint := range hints {
			if v, ok := obj[hint]; ok && !used[hint] {
				out[key] = v
				used[hint] = true
				meta.Normalized = true
				meta.KeyMapping[hint] = key
				mapped = true
				break
			}
		}
		if mapped {
			continue
		}

		if runtime := firstUnusedKey(obj, used); runtime != "" {
			out[key] = obj[runtime]
			used[runtime] = true
			meta.Normalized = true
			meta.KeyMapping[runtime] = key
			continue
		}

		if len(keys) == 1 {
			out[key] = obj
			meta.Normalized = true
			meta.Wrapped = append(meta.Wrapped, key)
			continue
		}

		meta.Warnings = append(meta.Warnings, fmt.Sprintf("no runtime value found for declared key %q", key))
		out[key] = nil
	}

	return out, meta
}

// hintKeys returns the runtime-key probe list for the step's production
// kind.
func (n *OutputNormalizer) hintKeys(step *WorkflowStep) []string {
	if step.Type == StepTypeTransform {
		if hints, ok := runtimeKeysByHint[step.Operation]; ok {
			return hints
		}
	}
	if step.llmBearing() {
		return runtimeKeysByHint["llm"]
	}
	return nil
}

// firstUnusedKey picks the first unused non-underscore runtime key in
// sorted order for determinism.
func firstUnusedKey(obj map[string]interface{}, used map[string]bool) string {
	candidates := make([]string, 0, len(obj))
	for k := range obj {
		if !used[k] && !strings.HasPrefix(k, "_") && !routingKeys[k] {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[0]
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// repairJSON applies conservative fixes to almost-JSON text produced by
// language models: code fences, trailing commas, single quotes around keys
// and simple values, and unquoted keys.
func repairJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var b strings.Builder
	inString := false
	quote := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' && i+1 < len(s) {
				b.WriteByte(c)
				i++
				b.WriteByte(s[i])
				continue
			}
			if c == quote {
				inString = false
				b.WriteByte('"')
				continue
			}
			if c == '"' && quote == '\'' {
				b.WriteString(`\"`)
				continue
			}
			b.WriteByte(c)
			continue
		}

		switch c {
		case '"', '\'':
			inString = true
			quote = c
			b.WriteByte('"')
		case ',':
			// Drop trailing commas before a closing bracket.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
