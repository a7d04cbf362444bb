package difftree

import (
	"testing"

	"modelsync/internal/modelfs"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		format modelfs.Format
		a, b   string
		equal  bool
	}{
		{"json key order", modelfs.FormatJSON, `{"a":1,"b":2}`, `{"b":2,"a":1}`, true},
		{"json value", modelfs.FormatJSON, `{"a":1}`, `{"a":2}`, false},
		{"json integers beyond float precision", modelfs.FormatJSON, `{"id":12345678901234567890}`, `{"id":12345678901234567891}`, false},
		{"json integers at 2^53", modelfs.FormatJSON, `{"v":9007199254740993}`, `{"v":9007199254740992}`, false},
		{"json same large integer", modelfs.FormatJSON, `{"v": 9007199254740993}`, `{"v":9007199254740993}`, true},
		{"json number spelling", modelfs.FormatJSON, `{"v":1.0,"w":1e2}`, `{"v":1,"w":100}`, true},
		{"json trailing data compares as text", modelfs.FormatJSON, `{"a":1} {"b":2}`, `{"a":1}`, false},
		{"invalid json compares as text", modelfs.FormatJSON, "{oops\n", "{oops", true},
		{"yaml flow vs block", modelfs.FormatYAML, "l: [1, 2]\n", "l:\n  - 1\n  - 2\n", true},
		{"yaml non string keys", modelfs.FormatYAML, "1: a\n2: b\n", "2: b\n1: a\n", true},
		{"yaml value", modelfs.FormatYAML, "a: 1\n", "a: 2\n", false},
		{"text line endings", modelfs.FormatText, "a\r\nb\r\n", "a\nb\n", true},
		{"text content", modelfs.FormatText, "a", "b", false},
		{"other is raw", modelfs.FormatOther, "a\r\n", "a\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, Equal(tt.format, []byte(tt.a), []byte(tt.b)))
		})
	}
}
