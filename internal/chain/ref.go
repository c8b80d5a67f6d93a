package chain

import (
	"log"
	"strings"
)

// Reference expressions let a planned task point at the result of an earlier
// task, e.g. "task1.result.data.candidates". The grammar is parsed into a
// small expression tree up front and evaluated against the completed-results
// map. Unresolved references are never fatal here: the literal string is kept
// and the target operation's own validation reports it later.

// knownLeafFields are the scalar fields that "<id>.result.<field>" extracts
// from result.data directly. Anything else is treated as a nested path walk
// starting at the result root.
var knownLeafFields = map[string]bool{
	"title":       true,
	"titles":      true,
	"category":    true,
	"ingredients": true,
	"candidates":  true,
	"item_name":   true,
	"quantity":    true,
}

const sessionContextPrefix = "session.context."

// Expr is a parsed parameter expression.
type Expr interface {
	// Eval resolves the expression against completed task results. ok is
	// false when the reference could not be resolved.
	Eval(results map[string]map[string]any) (val any, ok bool)
}

type literal struct{ s string }

func (l literal) Eval(map[string]map[string]any) (any, bool) { return l.s, true }

// sessionRef passes through untouched: the orchestrator substitutes
// session.context.* values against the active session before the resolver
// ever sees the chain. Keeping the pass-through preserves that two-phase
// order even if a stray key survives phase one.
type sessionRef struct{ s string }

func (r sessionRef) Eval(map[string]map[string]any) (any, bool) { return r.s, true }

// taskRef is "<id>.result": the whole raw result of a prior task.
type taskRef struct{ id string }

func (r taskRef) Eval(results map[string]map[string]any) (any, bool) {
	res, ok := results[r.id]
	if !ok {
		return nil, false
	}
	return res, true
}

// fieldPath is "<id>.result.<p1>...<pn>". A single known leaf field reads
// result.data.<field>; any other path walks successive map lookups from the
// result root.
type fieldPath struct {
	id   string
	path []string
	// single marks a one-field reference before leaf rewriting; the
	// comma-join rule only accepts those.
	single bool
}

func (r fieldPath) Eval(results map[string]map[string]any) (any, bool) {
	res, ok := results[r.id]
	if !ok {
		return nil, false
	}
	var v any = res
	for _, seg := range r.path {
		m, isMap := v.(map[string]any)
		if !isMap {
			return nil, false
		}
		v, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return collapseTitles(v), true
}

// joinExpr is a comma-joined list of single-field references. Unresolved or
// empty elements are skipped.
type joinExpr struct{ parts []fieldPath }

func (r joinExpr) Eval(results map[string]map[string]any) (any, bool) {
	out := make([]any, 0, len(r.parts))
	for _, p := range r.parts {
		v, ok := p.Eval(results)
		if !ok || v == nil || v == "" {
			continue
		}
		out = append(out, v)
	}
	return out, true
}

// concatExpr is a "+"-joined concatenation: each side resolves as a path and
// the values are list-extended (lists) or appended (scalars), left to right.
type concatExpr struct{ sides []fieldPath }

func (r concatExpr) Eval(results map[string]map[string]any) (any, bool) {
	out := make([]any, 0)
	for _, side := range r.sides {
		v, ok := side.Eval(results)
		if !ok {
			log.Printf("Warning: unresolved reference %s.result.%s in concatenation, skipping",
				side.id, strings.Join(side.path, "."))
			continue
		}
		if list, isList := toAnyList(v); isList {
			out = append(out, list...)
		} else {
			out = append(out, v)
		}
	}
	return out, true
}

// ParseRef parses one string parameter into an expression. Strings that do
// not match the reference grammar come back as literals.
func ParseRef(s string) Expr {
	if strings.HasPrefix(s, sessionContextPrefix) {
		return sessionRef{s: s}
	}

	if strings.Contains(s, "+") {
		sides := splitRefs(s, "+")
		if sides != nil {
			return concatExpr{sides: sides}
		}
	}

	if strings.Contains(s, ",") {
		parts := splitRefs(s, ",")
		if parts != nil && allSingleField(parts) {
			return joinExpr{parts: parts}
		}
	}

	if p, ok := parsePath(s); ok {
		if len(p.path) == 0 {
			return taskRef{id: p.id}
		}
		return p
	}
	return literal{s: s}
}

// splitRefs splits on sep and parses every piece as a path reference. It
// returns nil when any piece is not a reference, so the caller falls back to
// the next rule.
func splitRefs(s, sep string) []fieldPath {
	pieces := strings.Split(s, sep)
	if len(pieces) < 2 {
		return nil
	}
	out := make([]fieldPath, 0, len(pieces))
	for _, piece := range pieces {
		p, ok := parsePath(strings.TrimSpace(piece))
		if !ok || len(p.path) == 0 {
			return nil
		}
		out = append(out, p)
	}
	return out
}

func allSingleField(parts []fieldPath) bool {
	for _, p := range parts {
		if !p.single {
			return false
		}
	}
	return true
}

// parsePath parses "<id>.result[.<p1>...<pn>]". A single known leaf field is
// rewritten to the data.<field> walk it abbreviates.
func parsePath(s string) (fieldPath, bool) {
	segs := strings.Split(s, ".")
	if len(segs) < 2 || segs[1] != "result" || segs[0] == "" {
		return fieldPath{}, false
	}
	for _, seg := range segs {
		if seg == "" {
			return fieldPath{}, false
		}
	}
	rest := segs[2:]
	single := len(rest) == 1
	if single && knownLeafFields[rest[0]] {
		rest = []string{"data", rest[0]}
	}
	return fieldPath{id: segs[0], path: rest, single: single}, true
}

// collapseTitles flattens a list of title-bearing maps into the plain list
// of titles. Downstream selection formatting depends on receiving bare
// titles here, so the collapse is unconditional whenever the shape matches
// (which silently discards the other fields).
func collapseTitles(v any) any {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return v
	}
	titles := make([]any, 0, len(list))
	for _, item := range list {
		m, isMap := item.(map[string]any)
		if !isMap {
			return v
		}
		title, hasTitle := m["title"].(string)
		if !hasTitle {
			return v
		}
		titles = append(titles, title)
	}
	return titles
}

func toAnyList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// ResolveParams returns a copy of params with every reference expression
// substituted against completed results. List values resolve element-wise;
// non-string, non-list values pass through unchanged. Resolution is a pure
// function of its inputs, so resolving twice yields the same output.
func ResolveParams(params map[string]any, results map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for key, value := range params {
		out[key] = resolveValue(value, results)
	}
	return out
}

func resolveValue(value any, results map[string]map[string]any) any {
	switch v := value.(type) {
	case string:
		expr := ParseRef(v)
		resolved, ok := expr.Eval(results)
		if !ok {
			log.Printf("Warning: unresolved reference %q, keeping literal", v)
			return v
		}
		return resolved
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = resolveValue(elem, results)
		}
		return out
	default:
		return value
	}
}
