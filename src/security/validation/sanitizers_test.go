package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanCell(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ACME", "ACME"},
		{"  acme corp ", "acme corp"},
		{"\ufeffsymbol", "symbol"},
		{"AC\u200bME", "ACME"},
		{"10\x00", "10"},
		{"Acme\r\nCorp", "Acme  Corp"},
		{"\t150.5\t", "150.5"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanCell(tt.in), "input %q", tt.in)
	}
}
