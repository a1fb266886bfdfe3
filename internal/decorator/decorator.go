// Package decorator implements a small, format-preserving parser for the
// three Python decorator forms this core cares about — @workflow, @tool and
// @data_provider (spec §4.4). It is a hand-rolled scanner rather than a
// full Python grammar: spec §9 explicitly sanctions "a small hand-rolled
// parser sufficient for the decorator forms" and warns against loading user
// code to read decorator metadata.
//
// The scanner never re-emits lines it did not touch: every operation works
// by locating byte ranges of exactly the decorator call (and, for
// inject-id-if-missing, the bare "@name" token) and splicing replacement
// text into the original source. Untouched bytes — including whitespace,
// comments and blank lines — pass through unchanged.
package decorator

import (
	"fmt"
	"strings"
)

// Kind is one of the three supported decorator names.
type Kind string

const (
	Workflow     Kind = "workflow"
	Tool         Kind = "tool"
	DataProvider Kind = "data_provider"
)

var supportedKinds = map[string]Kind{
	"workflow":      Workflow,
	"tool":          Tool,
	"data_provider": DataProvider,
}

// KeywordArg is one `key=value` pair inside a decorator call. Value is the
// raw, unparsed source text of the value expression (e.g. `"hello"`,
// `True`, `42`, `["a", "b"]`, `None`).
type KeywordArg struct {
	Key   string
	Value string
}

// Decoration is one discovered decorator application, positioned over the
// function it immediately precedes.
type Decoration struct {
	Type           Kind
	FunctionName   string
	KeywordArgs    []KeywordArg
	HasParentheses bool

	// start/end are byte offsets into the source of the whole decorator
	// token: for a bare decorator, "@name"; for a parenthesized one,
	// "@name(...)" including both parens.
	start, end int
}

// Arg returns the value of kwarg key, and whether it was present.
func (d Decoration) Arg(key string) (string, bool) {
	for _, kw := range d.KeywordArgs {
		if kw.Key == key {
			return kw.Value, true
		}
	}
	return "", false
}

// ParseError is returned instead of a partial result on malformed source —
// spec §4.4: "a parse error returns a tagged failure carrying the original
// source unchanged; callers never persist on failure."
type ParseError struct {
	Offset  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("decorator parse error at offset %d: %s", e.Offset, e.Message)
}

// ReadDecorators enumerates every @workflow/@tool/@data_provider decorator
// in src, in source order.
func ReadDecorators(src string) ([]Decoration, error) {
	s := &scanner{src: src}
	return s.scanAll()
}

// InjectIDsIfMissing synthesizes an id for every supported decorator
// lacking an `id=` keyword argument, inserting it as the first keyword
// argument (converting a bare decorator to a parenthesized one as needed).
// newID is called once per decorator that needs one, so callers control ID
// generation (normally uuid.NewString).
func InjectIDsIfMissing(src string, newID func() string) (string, error) {
	decs, err := ReadDecorators(src)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	cursor := 0
	for _, d := range decs {
		if _, ok := d.Arg("id"); ok {
			continue
		}

		b.WriteString(src[cursor:d.start])
		b.WriteString(renderDecoratorWithID(d, newID()))
		cursor = d.end
	}
	b.WriteString(src[cursor:])

	return b.String(), nil
}

func renderDecoratorWithID(d Decoration, id string) string {
	kwargs := append([]KeywordArg{{Key: "id", Value: quote(id)}}, d.KeywordArgs...)
	return "@" + string(d.Type) + "(" + joinKeywordArgs(kwargs) + ")"
}

// WriteProperties sets/updates the keyword arguments of the decorator
// immediately preceding functionName, preserving argument ordering for keys
// already present and appending any brand-new keys. Returns the original
// source unmodified (no error) if functionName has no supported decorator.
func WriteProperties(src string, functionName string, updates map[string]string) (string, error) {
	decs, err := ReadDecorators(src)
	if err != nil {
		return "", err
	}

	for _, d := range decs {
		if d.FunctionName != functionName {
			continue
		}

		merged := mergeKeywordArgs(d.KeywordArgs, updates)
		replacement := "@" + string(d.Type)
		if len(merged) > 0 || d.HasParentheses {
			replacement += "(" + joinKeywordArgs(merged) + ")"
		}

		return src[:d.start] + replacement + src[d.end:], nil
	}

	return src, nil
}

func mergeKeywordArgs(existing []KeywordArg, updates map[string]string) []KeywordArg {
	seen := make(map[string]bool, len(updates))
	out := make([]KeywordArg, 0, len(existing)+len(updates))

	for _, kw := range existing {
		if v, ok := updates[kw.Key]; ok {
			out = append(out, KeywordArg{Key: kw.Key, Value: v})
			seen[kw.Key] = true
		} else {
			out = append(out, kw)
		}
	}

	for k, v := range updates {
		if !seen[k] {
			out = append(out, KeywordArg{Key: k, Value: v})
		}
	}

	return out
}

// joinKeywordArgs renders keyword args with the comma rule from spec §4.4:
// exactly one comma between arguments, none trailing the last.
func joinKeywordArgs(kwargs []KeywordArg) string {
	parts := make([]string, len(kwargs))
	for i, kw := range kwargs {
		parts[i] = kw.Key + "=" + kw.Value
	}
	return strings.Join(parts, ", ")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
