package mergestate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"modelsync/internal/difftree"
	"modelsync/internal/modelfs"

	"gopkg.in/yaml.v3"
)

// Strategy computes the editable content of one datastore from both sides.
// A nil input means the datastore is absent on that side; a nil result
// removes the datastore from the editable side.
type Strategy func(nonEditable, editable []byte, format modelfs.Format) ([]byte, error)

// PreferEditable keeps the editable side.
func PreferEditable(nonEditable, editable []byte, _ modelfs.Format) ([]byte, error) {
	return editable, nil
}

// PreferNonEditable takes the other side, removal included.
func PreferNonEditable(nonEditable, editable []byte, _ modelfs.Format) ([]byte, error) {
	return nonEditable, nil
}

// MergeJSONObjects merges two JSON or YAML objects key by key. Nested objects
// merge recursively; for any other value the editable side wins. A side that
// is absent contributes nothing.
func MergeJSONObjects(nonEditable, editable []byte, format modelfs.Format) ([]byte, error) {
	if nonEditable == nil {
		return editable, nil
	}
	if editable == nil {
		return nonEditable, nil
	}
	base, err := decodeObject(nonEditable, format)
	if err != nil {
		return nil, err
	}
	over, err := decodeObject(editable, format)
	if err != nil {
		return nil, err
	}
	merged := mergeObjects(base, over)

	if format == modelfs.FormatYAML {
		return yaml.Marshal(merged)
	}
	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func decodeObject(content []byte, format modelfs.Format) (map[string]any, error) {
	var obj map[string]any
	var err error
	switch format {
	case modelfs.FormatJSON:
		err = difftree.DecodeJSON(content, &obj)
	case modelfs.FormatYAML:
		err = yaml.Unmarshal(content, &obj)
	default:
		return nil, fmt.Errorf("%w: format %s", ErrNotApplicable, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotApplicable, err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func mergeObjects(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if b, ok := out[k].(map[string]any); ok {
			if o, ok := v.(map[string]any); ok {
				out[k] = mergeObjects(b, o)
				continue
			}
		}
		out[k] = v
	}
	return out
}

var strategies = map[string]Strategy{
	"prefer-editable":     PreferEditable,
	"prefer-non-editable": PreferNonEditable,
	"merge-json-objects":  MergeJSONObjects,
}

// StrategyByName returns a built-in strategy.
func StrategyByName(name string) (Strategy, error) {
	s, ok := strategies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %s)", name, strings.Join(StrategyNames(), ", "))
	}
	return s, nil
}

// StrategyNames lists the built-in strategies.
func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
