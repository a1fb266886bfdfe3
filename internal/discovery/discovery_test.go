package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jackmusick/bifrost-core/internal/decorator"
	"github.com/jackmusick/bifrost-core/internal/model"
)

func dec(kwargs ...decorator.KeywordArg) decorator.Decoration {
	return decorator.Decoration{
		Type:         decorator.Workflow,
		FunctionName: "f",
		KeywordArgs:  kwargs,
	}
}

func kw(key, value string) decorator.KeywordArg {
	return decorator.KeywordArg{Key: key, Value: value}
}

func TestArgOr(t *testing.T) {
	d := dec(kw("schedule", "* * * * *"))
	assert.Equal(t, "* * * * *", argOr(d, "schedule", "fallback"))
	assert.Equal(t, "fallback", argOr(d, "missing", "fallback"))
}

func TestBoolArg(t *testing.T) {
	cases := []struct {
		name string
		v    string
		ok   bool
		want bool
	}{
		{"true literal", "True", true, true},
		{"lowercase true", "true", true, true},
		{"false literal", "False", true, false},
		{"absent", "", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var d decorator.Decoration
			if tc.ok {
				d = dec(kw("endpoint_enabled", tc.v))
			} else {
				d = dec()
			}
			assert.Equal(t, tc.want, boolArg(d, "endpoint_enabled"))
		})
	}
}

func TestAccessLevelArg(t *testing.T) {
	cases := []struct {
		name string
		d    decorator.Decoration
		want model.AccessLevel
	}{
		{"absent defaults public", dec(), model.AccessLevelPublic},
		{"authenticated", dec(kw("access_level", `"authenticated"`)), model.AccessLevelAuthUser},
		{"role based", dec(kw("access_level", `"role"`)), model.AccessLevelRoleBased},
		{"unknown falls back to public", dec(kw("access_level", `"bogus"`)), model.AccessLevelPublic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, accessLevelArg(tc.d))
		})
	}
}

func TestJSONArg(t *testing.T) {
	valid := dec(kw("parameters_schema", `{"type": "object"}`))
	assert.Equal(t, []byte(`{"type": "object"}`), jsonArg(valid, "parameters_schema"))

	invalid := dec(kw("parameters_schema", `not json`))
	assert.Nil(t, jsonArg(invalid, "parameters_schema"))

	absent := dec()
	assert.Nil(t, jsonArg(absent, "parameters_schema"))
}

func TestTagsArg(t *testing.T) {
	cases := []struct {
		name string
		v    string
		ok   bool
		want []string
	}{
		{"simple list", `["a", "b"]`, true, []string{"a", "b"}},
		{"empty list", `[]`, true, nil},
		{"not a list", `"a"`, true, nil},
		{"absent", "", false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var d decorator.Decoration
			if tc.ok {
				d = dec(kw("tags", tc.v))
			} else {
				d = dec()
			}
			assert.Equal(t, tc.want, tagsArg(d))
		})
	}
}

func TestUnquote(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`"hello"`, "hello"},
		{`'hello'`, "hello"},
		{"hello", "hello"},
		{`""`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, unquote(tc.in))
		})
	}
}
