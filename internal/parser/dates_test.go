package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSPLDate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
		err   bool
	}{
		{name: "full date", input: "20240115", want: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{name: "year and month", input: "202401", want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "year only", input: "2024", want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "timestamp truncated to date", input: "20240115123045", want: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{name: "empty is zero time", input: "", want: time.Time{}},
		{name: "whitespace is zero time", input: "  ", want: time.Time{}},
		{name: "garbage", input: "january", err: true},
		{name: "bad month", input: "20241315", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSPLDate(tt.input)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
