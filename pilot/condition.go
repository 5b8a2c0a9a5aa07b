package pilot

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentspilot/pilot/core"
)

// ConditionalEvaluator evaluates simple, complex, and string-expression
// conditions. String expressions go through a purpose-built tokenizer and
// recursive-descent parser producing an AST of literal, comparison, and,
// or, not nodes; no host-language evaluation primitive ever touches user
// input.
type ConditionalEvaluator struct {
	logger core.Logger
}

// NewConditionalEvaluator creates a condition evaluator.
func NewConditionalEvaluator(logger core.Logger) *ConditionalEvaluator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ConditionalEvaluator{logger: logger}
}

// Evaluate evaluates a condition against the execution context.
func (e *ConditionalEvaluator) Evaluate(cond *Condition, ec *ExecutionContext) (bool, error) {
	if cond == nil {
		return false, &ConditionError{Message: "condition is nil"}
	}

	switch {
	case len(cond.And) > 0:
		for _, c := range cond.And {
			ok, err := e.Evaluate(c, ec)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(cond.Or) > 0:
		for _, c := range cond.Or {
			ok, err := e.Evaluate(c, ec)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case cond.Not != nil:
		ok, err := e.Evaluate(cond.Not, ec)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case cond.Expression != "":
		return e.EvaluateExpression(cond.Expression, ec)

	case cond.Field != "":
		return e.evaluateSimple(cond, ec)
	}

	return false, &ConditionError{Message: "condition has no recognizable form"}
}

// Validate checks a condition without evaluating it. Used by the planner
// and external authoring tools.
func (e *ConditionalEvaluator) Validate(cond *Condition) (bool, []string) {
	errs := validateConditionShape(cond)
	return len(errs) == 0, errs
}

func validateConditionShape(cond *Condition) []string {
	if cond == nil {
		return []string{"condition is nil"}
	}

	var errs []string
	forms := 0
	if len(cond.And) > 0 {
		forms++
		for _, c := range cond.And {
			errs = append(errs, validateConditionShape(c)...)
		}
	}
	if len(cond.Or) > 0 {
		forms++
		for _, c := range cond.Or {
			errs = append(errs, validateConditionShape(c)...)
		}
	}
	if cond.Not != nil {
		forms++
		errs = append(errs, validateConditionShape(cond.Not)...)
	}
	if cond.Expression != "" {
		forms++
		if _, err := parseExpression(cond.Expression); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if cond.Field != "" {
		forms++
		op := canonicalOperator(cond.Operator)
		if op == "" {
			errs = append(errs, fmt.Sprintf("unknown operator %q", cond.Operator))
		} else if requiresValue(op) && cond.Value == nil {
			errs = append(errs, fmt.Sprintf("operator %q requires a value", op))
		}
	}

	if forms == 0 {
		errs = append(errs, "condition has no recognizable form")
	} else if forms > 1 {
		errs = append(errs, "condition mixes multiple forms")
	}
	return errs
}

// Simple condition operators, with verbose aliases.
var operatorAliases = map[string]string{
	"==":                    "==",
	"equals":                "==",
	"eq":                    "==",
	"!=":                    "!=",
	"not_equals":            "!=",
	"ne":                    "!=",
	">":                     ">",
	"greater_than":          ">",
	">=":                    ">=",
	"greater_than_or_equal": ">=",
	"<":                     "<",
	"less_than":             "<",
	"<=":                    "<=",
	"less_than_or_equal":    "<=",
	"contains":              "contains",
	"not_contains":          "not_contains",
	"in":                    "in",
	"not_in":                "not_in",
	"exists":                "exists",
	"not_exists":            "not_exists",
	"is_empty":              "is_empty",
	"is_not_empty":          "is_not_empty",
	"matches":               "matches",
	"starts_with":           "starts_with",
	"ends_with":             "ends_with",
}

func canonicalOperator(op string) string {
	return operatorAliases[strings.ToLower(strings.TrimSpace(op))]
}

func requiresValue(op string) bool {
	switch op {
	case "exists", "not_exists", "is_empty", "is_not_empty":
		return false
	}
	return true
}

func (e *ConditionalEvaluator) evaluateSimple(cond *Condition, ec *ExecutionContext) (bool, error) {
	op := canonicalOperator(cond.Operator)
	if op == "" {
		return false, &ConditionError{Message: fmt.Sprintf("unknown operator %q", cond.Operator)}
	}

	fieldRef := strings.TrimSpace(cond.Field)
	fieldRef = strings.TrimPrefix(fieldRef, "{{")
	fieldRef = strings.TrimSuffix(fieldRef, "}}")

	fieldValue, ferr := ec.ResolveReference(fieldRef)
	exists := ferr == nil

	switch op {
	case "exists":
		return exists && fieldValue != nil, nil
	case "not_exists":
		return !exists || fieldValue == nil, nil
	case "is_empty":
		return isEmptyValue(fieldValue), nil
	case "is_not_empty":
		return exists && !isEmptyValue(fieldValue), nil
	}

	if !exists {
		return false, &ConditionError{Message: fmt.Sprintf("cannot resolve field %q", cond.Field)}
	}

	compareValue := cond.Value
	if s, ok := compareValue.(string); ok && isSingleReference(s) {
		if resolved, err := ec.ResolveReference(strings.TrimSpace(s[2 : len(s)-2])); err == nil {
			compareValue = resolved
		}
	}

	switch op {
	case "==":
		return looseEquals(fieldValue, compareValue), nil
	case "!=":
		return !looseEquals(fieldValue, compareValue), nil
	case ">", ">=", "<", "<=":
		return compareOrdered(fieldValue, compareValue, op)
	case "contains":
		return containsValue(fieldValue, compareValue), nil
	case "not_contains":
		return !containsValue(fieldValue, compareValue), nil
	case "in":
		return inList(fieldValue, compareValue), nil
	case "not_in":
		return !inList(fieldValue, compareValue), nil
	case "matches":
		pattern, ok := compareValue.(string)
		if !ok {
			return false, &ConditionError{Message: "matches operator requires a string pattern"}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, &ConditionError{Message: fmt.Sprintf("invalid pattern: %v", err)}
		}
		return re.MatchString(stringify(fieldValue)), nil
	case "starts_with":
		return strings.HasPrefix(stringify(fieldValue), stringify(compareValue)), nil
	case "ends_with":
		return strings.HasSuffix(stringify(fieldValue), stringify(compareValue)), nil
	}

	return false, &ConditionError{Message: fmt.Sprintf("unhandled operator %q", op)}
}

func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

// looseEquals compares values after numeric coercion so "5" == 5.
func looseEquals(a, b interface{}) bool {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			return af == bf
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return stringify(a) == stringify(b)
}

func compareOrdered(a, b interface{}, op string) (bool, error) {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		switch op {
		case ">":
			return af > bf, nil
		case ">=":
			return af >= bf, nil
		case "<":
			return af < bf, nil
		case "<=":
			return af <= bf, nil
		}
	}
	as, bs := stringify(a), stringify(b)
	switch op {
	case ">":
		return as > bs, nil
	case ">=":
		return as >= bs, nil
	case "<":
		return as < bs, nil
	case "<=":
		return as <= bs, nil
	}
	return false, &ConditionError{Message: fmt.Sprintf("unhandled comparison %q", op)}
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func containsValue(container, needle interface{}) bool {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, stringify(needle))
	case []interface{}:
		for _, item := range c {
			if looseEquals(item, needle) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		_, ok := c[stringify(needle)]
		return ok
	}
	return false
}

func inList(needle, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		// Allow "a,b,c" shorthand.
		if s, sok := list.(string); sok {
			for _, part := range strings.Split(s, ",") {
				if strings.TrimSpace(part) == stringify(needle) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if looseEquals(item, needle) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// String expression evaluation
// -----------------------------------------------------------------------------

// EvaluateExpression pre-resolves variable references into JSON-safe
// literals, then tokenizes, parses, and interprets the expression.
// Unresolvable references are left in place so the parser reports a clear
// error.
func (e *ConditionalEvaluator) EvaluateExpression(expr string, ec *ExecutionContext) (bool, error) {
	resolved := preResolveExpression(expr, ec)
	node, err := parseExpression(resolved)
	if err != nil {
		return false, err
	}
	result := node.eval()
	return isTruthy(result), nil
}

// expressionRefPattern matches dotted reference paths like
// step1.data.score or item.status, including [n] indices.
var expressionRefPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(?:(?:\.[A-Za-z_@][A-Za-z0-9_]*)|(?:\[\d+\]))+`)

// preResolveExpression replaces reference paths with JSON literals,
// skipping quoted string regions.
func preResolveExpression(expr string, ec *ExecutionContext) string {
	var b strings.Builder
	i := 0
	for i < len(expr) {
		c := expr[i]
		if c == '\'' || c == '"' {
			// Copy the quoted literal verbatim.
			end := i + 1
			for end < len(expr) && expr[end] != c {
				if expr[end] == '\\' {
					end++
				}
				end++
			}
			if end < len(expr) {
				end++
			}
			b.WriteString(expr[i:end])
			i = end
			continue
		}

		loc := expressionRefPattern.FindStringIndex(expr[i:])
		if loc == nil {
			b.WriteString(expr[i:])
			break
		}
		// Copy text before the match, but stop at any quote inside it.
		segment := expr[i : i+loc[0]]
		if q := strings.IndexAny(segment, `'"`); q != -1 {
			b.WriteString(segment[:q])
			i += q
			continue
		}
		b.WriteString(segment)

		ref := expr[i+loc[0] : i+loc[1]]
		if resolved, err := ec.ResolveReference(ref); err == nil {
			if raw, merr := json.Marshal(resolved); merr == nil {
				b.Write(raw)
			} else {
				b.WriteString(ref)
			}
		} else {
			b.WriteString(ref)
		}
		i += loc[1]
	}
	return b.String()
}

// Token kinds.
type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokBool
	tokNull
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
	tokGt
	tokGte
	tokLt
	tokLte
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func tokenizeExpression(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		case c == '&':
			if i+1 < len(expr) && expr[i+1] == '&' {
				tokens = append(tokens, token{kind: tokAnd})
				i += 2
			} else {
				return nil, &ConditionError{Expression: expr, Message: "unexpected '&'"}
			}
		case c == '|':
			if i+1 < len(expr) && expr[i+1] == '|' {
				tokens = append(tokens, token{kind: tokOr})
				i += 2
			} else {
				return nil, &ConditionError{Expression: expr, Message: "unexpected '|'"}
			}
		case c == '!':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokNe})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokNot})
				i++
			}
		case c == '=':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokEq})
				i += 2
			} else {
				return nil, &ConditionError{Expression: expr, Message: "unexpected '='"}
			}
		case c == '>':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokGte})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokGt})
				i++
			}
		case c == '<':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokLte})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokLt})
				i++
			}
		case c == '\'' || c == '"':
			end := i + 1
			var sb strings.Builder
			for end < len(expr) && expr[end] != c {
				if expr[end] == '\\' && end+1 < len(expr) {
					end++
				}
				sb.WriteByte(expr[end])
				end++
			}
			if end >= len(expr) {
				return nil, &ConditionError{Expression: expr, Message: "unterminated string literal"}
			}
			tokens = append(tokens, token{kind: tokString, text: sb.String()})
			i = end + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(expr) && expr[i+1] >= '0' && expr[i+1] <= '9':
			end := i + 1
			for end < len(expr) && (expr[end] >= '0' && expr[end] <= '9' || expr[end] == '.' || expr[end] == 'e' || expr[end] == 'E' || expr[end] == '+' || expr[end] == '-') {
				// Stop '-'/'+' unless they follow an exponent marker.
				if (expr[end] == '-' || expr[end] == '+') && expr[end-1] != 'e' && expr[end-1] != 'E' {
					break
				}
				end++
			}
			num, err := strconv.ParseFloat(expr[i:end], 64)
			if err != nil {
				return nil, &ConditionError{Expression: expr, Message: fmt.Sprintf("invalid number %q", expr[i:end])}
			}
			tokens = append(tokens, token{kind: tokNumber, num: num})
			i = end
		case isIdentStart(c):
			end := i + 1
			for end < len(expr) && isIdentPart(expr[end]) {
				end++
			}
			word := expr[i:end]
			switch word {
			case "true":
				tokens = append(tokens, token{kind: tokBool, text: "true"})
			case "false":
				tokens = append(tokens, token{kind: tokBool, text: "false"})
			case "null":
				tokens = append(tokens, token{kind: tokNull})
			default:
				return nil, &ConditionError{Expression: expr, Message: fmt.Sprintf("unresolved reference %q", word)}
			}
			i = end
		case c == '{' || c == '[':
			// Pre-resolved JSON object/array literal; consume balanced.
			end, err := consumeJSONLiteral(expr, i)
			if err != nil {
				return nil, &ConditionError{Expression: expr, Message: err.Error()}
			}
			tokens = append(tokens, token{kind: tokString, text: expr[i:end]})
			i = end
		default:
			return nil, &ConditionError{Expression: expr, Message: fmt.Sprintf("unexpected character %q", string(c))}
		}
	}
	tokens = append(tokens, token{kind: tokEOF})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == '.'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func consumeJSONLiteral(expr string, start int) (int, error) {
	depth := 0
	inString := false
	for i := start; i < len(expr); i++ {
		c := expr[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, nil
			}
		}
	}
	return 0, fmt.Errorf("unterminated literal")
}

// AST node kinds: literal, comparison, and, or, not.
type exprNode interface {
	eval() interface{}
}

type literalNode struct{ value interface{} }

func (n *literalNode) eval() interface{} { return n.value }

type comparisonNode struct {
	op          tokenKind
	left, right exprNode
}

func (n *comparisonNode) eval() interface{} {
	l, r := n.left.eval(), n.right.eval()
	switch n.op {
	case tokEq:
		return looseEquals(l, r)
	case tokNe:
		return !looseEquals(l, r)
	case tokGt, tokGte, tokLt, tokLte:
		opStr := map[tokenKind]string{tokGt: ">", tokGte: ">=", tokLt: "<", tokLte: "<="}[n.op]
		ok, err := compareOrdered(l, r, opStr)
		if err != nil {
			return false
		}
		return ok
	}
	return false
}

type andNode struct{ left, right exprNode }

func (n *andNode) eval() interface{} {
	return isTruthy(n.left.eval()) && isTruthy(n.right.eval())
}

type orNode struct{ left, right exprNode }

func (n *orNode) eval() interface{} {
	return isTruthy(n.left.eval()) || isTruthy(n.right.eval())
}

type notNode struct{ operand exprNode }

func (n *notNode) eval() interface{} { return !isTruthy(n.operand.eval()) }

type exprParser struct {
	tokens []token
	pos    int
	expr   string
}

// parseExpression builds the AST. The grammar:
//
//	or   := and ('||' and)*
//	and  := not ('&&' not)*
//	not  := '!' not | cmp
//	cmp  := primary (('=='|'!='|'>'|'>='|'<'|'<=') primary)?
//	primary := literal | '(' or ')'
func parseExpression(expr string) (exprNode, error) {
	tokens, err := tokenizeExpression(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens, expr: expr}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, &ConditionError{Expression: expr, Message: "unexpected trailing tokens"}
	}
	return node, nil
}

func (p *exprParser) peek() token { return p.tokens[p.pos] }

func (p *exprParser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (exprNode, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq, tokNe, tokGt, tokGte, tokLt, tokLte:
		op := p.next().kind
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &comparisonNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		return &literalNode{value: t.num}, nil
	case tokString:
		p.next()
		return &literalNode{value: t.text}, nil
	case tokBool:
		p.next()
		return &literalNode{value: t.text == "true"}, nil
	case tokNull:
		p.next()
		return &literalNode{value: nil}, nil
	case tokLParen:
		p.next()
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, &ConditionError{Expression: p.expr, Message: "missing closing parenthesis"}
		}
		p.next()
		return node, nil
	}
	return nil, &ConditionError{Expression: p.expr, Message: "expected a literal or parenthesized expression"}
}
