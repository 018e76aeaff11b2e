package resolver

import (
	"slices"
	"testing"

	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values(fields ...db.ValueFields) []db.Value {
	out := make([]db.Value, 0, len(fields))
	for i, f := range fields {
		out = append(out, db.Value{
			Position:  int32(i),
			Value:     f.Value,
			Dimension: f.Dimension,
			Storagenr: f.Storagenr,
		})
	}
	return out
}

func TestDominantDimension(t *testing.T) {
	cases := []struct {
		name     string
		input    []db.Value
		expected string
		found    bool
	}{
		{
			name:     "most frequent wins",
			input:    values(reading(1, "Wh", "1"), reading(2, "kWh", "2"), reading(3, "kWh", "3")),
			expected: "kWh",
			found:    true,
		},
		{
			name:     "tie goes to first seen",
			input:    values(reading(1, "m^3", "1"), reading(2, "kWh", "2"), reading(3, "kWh", "3"), reading(4, "m^3", "4")),
			expected: "m^3",
			found:    true,
		},
		{
			name: "time point markers are not counted",
			input: values(
				stamp(1, "2020-06-01T00:00:00.000000"),
				stamp(2, "2020-06-01T00:00:00.000000"),
				dueStamp(3, "2020-05-01T00:00:00.000000"),
				reading(1, "kWh", "42"),
			),
			expected: "kWh",
			found:    true,
		},
		{
			name:  "only markers",
			input: values(stamp(1, "2020-06-01T00:00:00.000000")),
			found: false,
		},
		{
			name:  "empty",
			input: nil,
			found: false,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			dim, ok := DominantDimension(slices.Values(tt.input))
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, dim)
		})
	}
}

func TestSelectEarliest(t *testing.T) {
	in := values(
		dueStamp(1, "2021-01-01T00:00:00.000000"),
		dueStamp(2, "2020-05-01T00:00:00.000000"),
		dueStamp(3, "not a date"),
		reading(2, "kWh", "1"),
	)

	sel, err := SelectEarliest(Readings(1, slices.Values(in), TimePointDate))
	require.NoError(t, err)

	require.True(t, sel.Found)
	assert.Equal(t, int64(2), sel.Stamp.Storagenr)
	assert.Len(t, sel.Failures, 1)
}

func TestSelectLatest_SameMessageTieGoesToLowestStoragenr(t *testing.T) {
	in := values(
		stamp(5, "2020-06-01T00:00:00.000000"),
		stamp(2, "2020-06-01T00:00:00.000000"),
	)

	sel, err := SelectLatest(Readings(1, slices.Values(in), TimePointDateTime))
	require.NoError(t, err)

	require.True(t, sel.Found)
	assert.Equal(t, int64(2), sel.Stamp.Storagenr)
}

func TestSelectLatest_Empty(t *testing.T) {
	sel, err := SelectLatest(Readings(1, slices.Values([]db.Value{}), TimePointDateTime))
	require.NoError(t, err)
	assert.False(t, sel.Found)
	assert.Empty(t, sel.Failures)
}

func TestValueAt(t *testing.T) {
	in := values(reading(1, "kWh", "a"), reading(2, "kWh", "b"), reading(2, "Wh", "c"))

	v, ok := ValueAt(slices.Values(in), 2, func(d string) bool { return d == "Wh" })
	assert.True(t, ok)
	assert.Equal(t, "c", v)

	_, ok = ValueAt(slices.Values(in), 9, func(string) bool { return true })
	assert.False(t, ok)
}
