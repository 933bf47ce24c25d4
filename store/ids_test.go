package store

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGenerator_MonotonicAndUnique(t *testing.T) {
	gen := newIDGenerator(1)

	seen := make(map[int64]bool)
	var prev int64
	for i := 0; i < 1000; i++ {
		id := gen.next()
		n, err := strconv.ParseInt(string(id), 10, 64)
		require.NoError(t, err)

		assert.False(t, seen[n], "duplicate ID generated")
		seen[n] = true

		assert.Greater(t, n, prev)
		prev = n
	}
}

func TestIDGenerator_DistinctGeneratorsDoNotCollide(t *testing.T) {
	a := newIDGenerator(1)
	b := newIDGenerator(2)

	idA, err := strconv.ParseInt(string(a.next()), 10, 64)
	require.NoError(t, err)
	idB, err := strconv.ParseInt(string(b.next()), 10, 64)
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"postgres", DialectPostgres, false},
		{"postgresql", DialectPostgres, false},
		{"pg", DialectPostgres, false},
		{"sqlite", DialectSQLite, false},
		{"sqlite3", DialectSQLite, false},
		{"mysql", "", true},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDialect(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
