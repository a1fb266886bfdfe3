package decorator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `import os

# a plain workflow
@workflow(name="hello")
async def hello(x: str) -> dict:
    return {"got": x}


@tool
def bare_tool():
    pass
`

func TestReadDecorators(t *testing.T) {
	decs, err := ReadDecorators(sample)
	require.NoError(t, err)
	require.Len(t, decs, 2)

	assert.Equal(t, Workflow, decs[0].Type)
	assert.Equal(t, "hello", decs[0].FunctionName)
	assert.True(t, decs[0].HasParentheses)
	v, ok := decs[0].Arg("name")
	require.True(t, ok)
	assert.Equal(t, `"hello"`, v)

	assert.Equal(t, Tool, decs[1].Type)
	assert.Equal(t, "bare_tool", decs[1].FunctionName)
	assert.False(t, decs[1].HasParentheses)
}

func TestInjectIDsIfMissing(t *testing.T) {
	ids := []string{"id-1", "id-2"}
	n := 0
	next := func() string {
		v := ids[n]
		n++
		return v
	}

	out, err := InjectIDsIfMissing(sample, next)
	require.NoError(t, err)

	assert.Contains(t, out, `@workflow(id="id-1", name="hello")`)
	assert.Contains(t, out, `@tool(id="id-2")`)

	// Unchanged lines are untouched.
	assert.Contains(t, out, "import os")
	assert.Contains(t, out, "# a plain workflow")
	assert.Contains(t, out, `return {"got": x}`)
}

// Testable Property 7 (decorator rewrite round-trip): read(inject(s))
// matches read(s) except every decorator now carries an id kwarg, and
// unrelated formatting is byte-identical.
func TestInjectThenRead_RoundTrip(t *testing.T) {
	before, err := ReadDecorators(sample)
	require.NoError(t, err)

	injected, err := InjectIDsIfMissing(sample, func() string { return "fixed-id" })
	require.NoError(t, err)

	after, err := ReadDecorators(injected)
	require.NoError(t, err)

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Type, after[i].Type)
		assert.Equal(t, before[i].FunctionName, after[i].FunctionName)

		_, hadID := before[i].Arg("id")
		assert.False(t, hadID)

		id, hasID := after[i].Arg("id")
		assert.True(t, hasID)
		assert.Equal(t, `"fixed-id"`, id)

		// every other kwarg is preserved.
		for _, kw := range before[i].KeywordArgs {
			gotVal, ok := after[i].Arg(kw.Key)
			assert.True(t, ok)
			assert.Equal(t, kw.Value, gotVal)
		}
	}
}

func TestInjectIDsIfMissing_AlreadyPresent(t *testing.T) {
	src := `@workflow(id="existing", name="hello")
def hello(): pass
`
	out, err := InjectIDsIfMissing(src, func() string {
		t.Fatal("should not synthesize a new id when one is already present")
		return ""
	})
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestWriteProperties(t *testing.T) {
	src := `@workflow(id="abc", name="hello")
async def hello(): pass
`
	out, err := WriteProperties(src, "hello", map[string]string{
		"schedule": `"0 * * * *"`,
	})
	require.NoError(t, err)
	assert.Contains(t, out, `id="abc"`)
	assert.Contains(t, out, `name="hello"`)
	assert.Contains(t, out, `schedule="0 * * * *"`)
	assert.NotContains(t, out, ",)")
}

func TestWriteProperties_NoMatch(t *testing.T) {
	src := `@workflow(id="abc")
def hello(): pass
`
	out, err := WriteProperties(src, "does_not_exist", map[string]string{"x": "1"})
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestReadDecorators_IgnoresCommentsAndStrings(t *testing.T) {
	src := "x = '@workflow(name=\"fake\")'\n# @tool\n@workflow(name=\"real\")\ndef real(): pass\n"
	decs, err := ReadDecorators(src)
	require.NoError(t, err)
	require.Len(t, decs, 1)
	assert.Equal(t, "real", decs[0].FunctionName)
}

func TestParseError_UnterminatedParens(t *testing.T) {
	_, err := ReadDecorators("@workflow(name=\"hello\"\ndef f(): pass\n")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}
