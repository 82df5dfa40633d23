package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOrder(t *testing.T) {
	tests := []struct {
		name    string
		entries []OrderEntry
		want    []string
	}{
		{
			name: "chain",
			entries: []OrderEntry{
				{Name: "a"},
				{Name: "b", Deps: []string{"a"}},
				{Name: "c", Deps: []string{"a", "b"}},
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "independent keep order",
			entries: []OrderEntry{
				{Name: "x"},
				{Name: "y"},
				{Name: "z", Deps: []string{"x"}},
			},
			want: []string{"x", "y", "z"},
		},
		{
			name: "dependency before dependent",
			entries: []OrderEntry{
				{Name: "b", Deps: []string{"a"}},
				{Name: "a"},
			},
			want: []string{"a", "b"},
		},
		{
			name:    "empty",
			entries: nil,
			want:    nil,
		},
		{
			name: "single",
			entries: []OrderEntry{
				{Name: "solo"},
			},
			want: []string{"solo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildOrder(tt.entries)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildOrderSamePassUnlocking(t *testing.T) {
	// b's dep is satisfied by a's emission earlier in the same pass, so
	// one pass suffices and scan order survives.
	got, err := BuildOrder([]OrderEntry{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestBuildOrderCycle(t *testing.T) {
	_, err := BuildOrder([]OrderEntry{
		{Name: "a", Deps: []string{"b"}},
		{Name: "b", Deps: []string{"a"}},
	})
	require.ErrorIs(t, err, ErrDependencyCycle)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestBuildOrderMissingDep(t *testing.T) {
	_, err := BuildOrder([]OrderEntry{
		{Name: "a", Deps: []string{"ghost"}},
	})
	require.ErrorIs(t, err, ErrDependencyCycle)
}
