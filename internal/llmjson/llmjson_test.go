package llmjson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no lang", "```\n[1,2]\n```", `[1,2]`},
		{"leading whitespace", "  ```json\n{}\n```  ", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, StripFences(tc.in))
		})
	}
}

func TestFirstObjectTolleratesProse(t *testing.T) {
	raw := `Here is my assessment:
{"overallAssessment": "solid", "strengths": ["clear {braces} in strings"]}
Hope that helps.`

	block, ok := FirstObject(raw)
	require.True(t, ok)
	require.Contains(t, block, "overallAssessment")

	var out map[string]any
	require.NoError(t, DecodeObject(raw, &out))
	require.Equal(t, "solid", out["overallAssessment"])
}

func TestFirstObjectIgnoresBracesInStrings(t *testing.T) {
	raw := `{"text": "a } inside", "n": 1}`
	block, ok := FirstObject(raw)
	require.True(t, ok)
	require.Equal(t, raw, block)
}

func TestDecodeArray(t *testing.T) {
	raw := "```json\n[{\"description\":\"missing dates\",\"severity\":\"high\",\"suggestedAction\":\"add them\"}]\n```"

	var items []map[string]string
	require.NoError(t, DecodeArray(raw, &items))
	require.Len(t, items, 1)
	require.Equal(t, "missing dates", items[0]["description"])
}

func TestDecodeArrayRepairsAlmostJSON(t *testing.T) {
	// trailing comma is invalid JSON but repairable
	raw := `[{"description":"x","severity":"minor","suggestedAction":"y"},]`

	var items []map[string]string
	require.NoError(t, DecodeArray(raw, &items))
	require.Len(t, items, 1)
}

func TestDecodeFailsWithoutJSON(t *testing.T) {
	var out map[string]any
	require.Error(t, DecodeObject("no json here at all", &out))

	var items []any
	require.Error(t, DecodeArray("still nothing", &items))
}

func TestClip(t *testing.T) {
	require.Equal(t, "abc", Clip("abc", 200))
	require.Equal(t, "ab", Clip("abcd", 2))
	require.Equal(t, "abcd", Clip("abcd", 0))
}
