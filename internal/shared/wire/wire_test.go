package wire

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
)

func TestEncodeDecode(t *testing.T) {
	in := ReportResultRequest{
		ID:       "alice-1.0",
		WorkerID: "w1",
		Report: core.Report{
			Kind:     core.ReportSubtasks,
			State:    []byte(`{"phase":"merge"}`),
			Subtasks: []core.NewTask{{Type: "reduce_part", Task: []byte(`{}`)}},
		},
	}
	msg, err := Encode(in)
	require.NoError(t, err)

	var out ReportResultRequest
	require.NoError(t, Decode(msg, &out))
	require.Equal(t, in, out)

	var claim ClaimTaskResponse
	require.NoError(t, Decode(mustEncode(t, ClaimTaskResponse{}), &claim))
	require.Nil(t, claim.Task)
}

func mustEncode(t *testing.T, v any) *wrapperspb.BytesValue {
	t.Helper()
	msg, err := Encode(v)
	require.NoError(t, err)
	return msg
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{core.ErrNotFound, codes.NotFound},
		{core.ErrLeaseLost, codes.FailedPrecondition},
		{core.ErrInvalidState, codes.InvalidArgument},
		{core.ErrConflict, codes.Aborted},
		{errors.New("disk full"), codes.Internal},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("task alice-1: %w", tt.err)
		st := ToStatus(wrapped)
		require.Equal(t, tt.code, status.Code(st))

		back := FromStatus(st)
		if tt.code == codes.Internal {
			require.Equal(t, codes.Internal, status.Code(back))
			continue
		}
		require.ErrorIs(t, back, tt.err)
		require.Contains(t, back.Error(), "task alice-1")
	}

	require.NoError(t, ToStatus(nil))
	require.NoError(t, FromStatus(nil))
	require.Equal(t, "/gobatch.Ledger/ClaimTask", FullMethod(MethodClaimTask))
}
