package timer

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    int64
		wantErr bool
	}{
		{name: "int milliseconds", in: 1500, want: 1500},
		{name: "zero is allowed", in: 0, want: 0},
		{name: "int64 milliseconds", in: int64(250), want: 250},
		{name: "integral float", in: float64(3000), want: 3000},
		{name: "json number", in: json.Number("4500"), want: 4500},
		{name: "milliseconds unit", in: "500ms", want: 500},
		{name: "seconds unit", in: "90s", want: 90_000},
		{name: "minutes unit", in: "5m", want: 300_000},
		{name: "hours unit", in: "2h", want: 7_200_000},
		{name: "days unit", in: "1d", want: 86_400_000},
		{name: "units are case insensitive", in: "90S", want: 90_000},
		{name: "surrounding whitespace is trimmed", in: " 5m ", want: 300_000},
		{name: "nil is rejected", in: nil, wantErr: true},
		{name: "negative int is rejected", in: -1, wantErr: true},
		{name: "fractional float is rejected", in: 1500.5, wantErr: true},
		{name: "fractional json number is rejected", in: json.Number("1500.5"), wantErr: true},
		{name: "negative string is rejected", in: "-5s", wantErr: true},
		{name: "inner whitespace is rejected", in: "5 m", wantErr: true},
		{name: "unknown unit is rejected", in: "5w", wantErr: true},
		{name: "fractional string is rejected", in: "1.5s", wantErr: true},
		{name: "unit without count is rejected", in: "ms", wantErr: true},
		{name: "empty string is rejected", in: "", wantErr: true},
		{name: "bool is rejected", in: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidDuration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDurationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("formatted strings scale by the unit multiplier", prop.ForAll(
		func(n int64, unit string) bool {
			got, err := ParseDuration(fmt.Sprintf("%d%s", n, unit))
			return err == nil && got == n*unitMs[unit]
		},
		gen.Int64Range(0, 1_000_000),
		gen.OneConstOf("ms", "s", "m", "h", "d"),
	))

	properties.Property("non-negative integers pass through", prop.ForAll(
		func(n int64) bool {
			got, err := ParseDuration(n)
			return err == nil && got == n
		},
		gen.Int64Range(0, 1<<40),
	))

	properties.Property("negative integers are rejected", prop.ForAll(
		func(n int64) bool {
			_, err := ParseDuration(-n - 1)
			return err != nil
		},
		gen.Int64Range(0, 1<<40),
	))

	properties.TestingRun(t)
}
