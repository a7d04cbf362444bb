package difftree

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"modelsync/internal/modelfs"
)

// Normalize returns the canonical form of content for its format. JSON and
// YAML become compact JSON with sorted keys, text loses CR line endings and
// trailing blank lines. Content that does not parse is returned as is.
func Normalize(format modelfs.Format, content []byte) []byte {
	switch format {
	case modelfs.FormatJSON:
		var v any
		if err := DecodeJSON(content, &v); err != nil {
			return normalizeText(content)
		}
		if out, err := json.Marshal(canonicalNumbers(v)); err == nil {
			return out
		}
	case modelfs.FormatYAML:
		var v any
		if err := yaml.Unmarshal(content, &v); err != nil {
			return normalizeText(content)
		}
		if out, err := json.Marshal(stringKeys(v)); err == nil {
			return out
		}
	case modelfs.FormatText:
		return normalizeText(content)
	}
	return content
}

// DecodeJSON decodes a single JSON document into v keeping numbers as
// json.Number, so integers beyond float64 precision survive a round trip.
func DecodeJSON(content []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON document")
	}
	return nil
}

// Equal reports whether a and b are the same after normalization.
func Equal(format modelfs.Format, a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	return bytes.Equal(Normalize(format, a), Normalize(format, b))
}

func normalizeText(content []byte) []byte {
	out := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	return bytes.TrimRight(out, "\n")
}

// canonicalNumbers keeps integer literals exact and rewrites fractional or
// exponent forms through float64, so 1.0 and 1 compare equal while large
// integers stay distinct.
func canonicalNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if !strings.ContainsAny(t.String(), ".eE") {
			return t
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = canonicalNumbers(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = canonicalNumbers(t[i])
		}
		return t
	}
	return v
}

// stringKeys converts the map[any]any yaml produces for non-string keys so
// the value can be marshalled as JSON.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = stringKeys(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, err := yaml.Marshal(k)
			if err != nil {
				continue
			}
			out[string(bytes.TrimSpace(ks))] = stringKeys(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = stringKeys(t[i])
		}
		return t
	}
	return v
}
