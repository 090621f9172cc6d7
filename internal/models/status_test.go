package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusAdvance(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		want    Status
		changed bool
	}{
		{"pending to sent", StatusPending, StatusSent, StatusSent, true},
		{"pending to seen skips ahead", StatusPending, StatusSeen, StatusSeen, true},
		{"sent to delivered", StatusSent, StatusDelivered, StatusDelivered, true},
		{"delivered to seen", StatusDelivered, StatusSeen, StatusSeen, true},
		{"seen ignores delivered", StatusSeen, StatusDelivered, StatusSeen, false},
		{"delivered ignores sent", StatusDelivered, StatusSent, StatusDelivered, false},
		{"same status is no-op", StatusSent, StatusSent, StatusSent, false},
		{"pending to error", StatusPending, StatusError, StatusError, true},
		{"sent cannot error", StatusSent, StatusError, StatusSent, false},
		{"error is absorbing", StatusError, StatusSeen, StatusError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := tt.from.Advance(tt.to)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestStatusMonotonicOverSequence(t *testing.T) {
	sequence := []Status{StatusSent, StatusSeen, StatusDelivered, StatusSent, StatusPending, StatusError}
	current := StatusPending
	observed := []Status{current}
	for _, next := range sequence {
		current, _ = current.Advance(next)
		observed = append(observed, current)
	}
	for i := 1; i < len(observed); i++ {
		require.True(t, observed[i].AtLeast(observed[i-1]), "regressed from %s to %s", observed[i-1], observed[i])
	}
	require.Equal(t, StatusSeen, current)
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got)

	got, err = ParseStatus("READ")
	require.NoError(t, err)
	assert.Equal(t, StatusSeen, got)

	_, err = ParseStatus("archived")
	require.Error(t, err)
}
