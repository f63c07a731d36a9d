package safeconv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampUint32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   int
		want uint32
	}{
		{name: "zero", in: 0, want: 0},
		{name: "normal_value", in: 41, want: 41},
		{name: "negative", in: -1, want: 0},
		{name: "max", in: int(MaxUint32), want: MaxUint32},
		{name: "overflow", in: math.MaxInt64, want: MaxUint32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, ClampUint32(tt.in))
		})
	}
}

func TestClampUint64ToInt64(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(64_000_000), ClampUint64ToInt64(64_000_000))
	assert.Equal(t, int64(math.MaxInt64), ClampUint64ToInt64(math.MaxUint64))
}
