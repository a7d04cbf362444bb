package mergestate

import (
	"encoding/json"
	"testing"

	"modelsync/internal/modelfs"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMergeJSONObjects(t *testing.T) {
	theirs := []byte(`{"name":"Person","attrs":{"age":"int","email":"string"},"tags":["a"]}`)
	ours := []byte(`{"attrs":{"age":"number"},"tags":["b"],"label":"P"}`)

	out, err := MergeJSONObjects(theirs, ours, modelfs.FormatJSON)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	want := map[string]any{
		"name":  "Person",
		"label": "P",
		"attrs": map[string]any{"age": "number", "email": "string"},
		"tags":  []any{"b"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged object mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, byte('\n'), out[len(out)-1])
}

func TestMergeJSONObjects_YAML(t *testing.T) {
	out, err := MergeJSONObjects([]byte("a: 1\nnested:\n  x: 1\n"), []byte("nested:\n  y: 2\n"), modelfs.FormatYAML)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(out, &got))
	want := map[string]any{"a": 1, "nested": map[string]any{"x": 1, "y": 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged yaml mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeJSONObjects_AbsentSide(t *testing.T) {
	only := []byte(`{"a":1}`)
	out, err := MergeJSONObjects(nil, only, modelfs.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, only, out)

	out, err = MergeJSONObjects(only, nil, modelfs.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, only, out)
}

func TestMergeJSONObjects_KeepsLargeIntegers(t *testing.T) {
	out, err := MergeJSONObjects([]byte(`{"a":1}`), []byte(`{"id":12345678901234567891}`), modelfs.FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id": 12345678901234567891`)
	assert.Contains(t, string(out), `"a": 1`)
}

func TestMergeJSONObjects_NotApplicable(t *testing.T) {
	_, err := MergeJSONObjects([]byte("a"), []byte("b"), modelfs.FormatText)
	assert.ErrorIs(t, err, ErrNotApplicable)

	_, err = MergeJSONObjects([]byte(`[1]`), []byte(`{}`), modelfs.FormatJSON)
	assert.ErrorIs(t, err, ErrNotApplicable)
}

func TestPreferStrategies(t *testing.T) {
	out, err := PreferNonEditable(nil, []byte("x"), modelfs.FormatText)
	require.NoError(t, err)
	assert.Nil(t, out, "absent other side removes")

	out, err = PreferEditable([]byte("y"), []byte("x"), modelfs.FormatText)
	require.NoError(t, err)
	assert.Equal(t, "x", string(out))
}

func TestStrategyByName(t *testing.T) {
	assert.Equal(t, []string{"merge-json-objects", "prefer-editable", "prefer-non-editable"}, StrategyNames())

	s, err := StrategyByName(" Prefer-Non-Editable ")
	require.NoError(t, err)
	out, err := s([]byte("theirs"), []byte("ours"), modelfs.FormatText)
	require.NoError(t, err)
	assert.Equal(t, "theirs", string(out))

	_, err = StrategyByName("ours")
	assert.ErrorContains(t, err, "prefer-editable")
}
