package dberror

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIOFailureWrapsCauseAndSentinel(t *testing.T) {
	err := IOFailure("read", "nodes.idx", 7, io.ErrUnexpectedEOF)

	require.ErrorIs(t, err, ErrIOFailure)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Contains(t, err.Error(), "nodes.idx page 7")

	var pe *PageError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, uint64(7), pe.PageID)
	require.Equal(t, "read", pe.Op)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"io", IOFailure("write", "f", 1, io.ErrShortWrite), true},
		{"deadlock", ErrEvictionDeadlock, true},
		{"corrupt", Corrupt("f", 3, "bad type %d", 9), false},
		{"format", ErrUnsupportedFormat, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
