// Package wire defines the ledger RPC contract shared by the coordinator and
// its workers. Requests and responses are JSON documents carried in protobuf
// BytesValue messages, so no generated code is involved.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
)

const ServiceName = "gobatch.Ledger"

const (
	MethodRegisterWorker = "RegisterWorker"
	MethodHeartbeat      = "Heartbeat"
	MethodClaimTask      = "ClaimTask"
	MethodGetTask        = "GetTask"
	MethodUpdateProgress = "UpdateProgress"
	MethodSplitProgress  = "SplitProgress"
	MethodReportResult   = "ReportResult"
)

// FullMethod returns the gRPC method path, e.g. /gobatch.Ledger/ClaimTask.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type RegisterWorkerRequest struct {
	WorkerID string `json:"worker_id"`
	Address  string `json:"address,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

type RegisterWorkerResponse struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

type ClaimTaskRequest struct {
	WorkerID string `json:"worker_id"`
	Profile  string `json:"profile,omitempty"`
}

// ClaimTaskResponse carries a nil task when nothing is runnable.
type ClaimTaskResponse struct {
	Task *core.TaskInfo `json:"task"`
}

type GetTaskRequest struct {
	ID string `json:"id"`
}

type GetTaskResponse struct {
	Task *core.TaskInfo `json:"task"`
}

type UpdateProgressRequest struct {
	ID       string  `json:"id"`
	WorkerID string  `json:"worker_id"`
	Fraction float64 `json:"fraction"`
}

type UpdateProgressResponse struct {
	Running bool `json:"running"`
}

type SplitProgressRequest struct {
	ID       string  `json:"id"`
	WorkerID string  `json:"worker_id"`
	Cur      float64 `json:"cur"`
	Future   float64 `json:"future"`
}

type ReportResultRequest struct {
	ID       string      `json:"id"`
	WorkerID string      `json:"worker_id"`
	Report   core.Report `json:"report"`
}

func Encode(v any) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return wrapperspb.Bytes(data), nil
}

func Decode(msg *wrapperspb.BytesValue, v any) error {
	if err := json.Unmarshal(msg.GetValue(), v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// ToStatus maps ledger errors to gRPC status errors.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, core.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrLeaseLost):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, core.ErrInvalidState):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromStatus restores the ledger error a status error was built from.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = core.ErrNotFound
	case codes.FailedPrecondition:
		sentinel = core.ErrLeaseLost
	case codes.InvalidArgument:
		sentinel = core.ErrInvalidState
	case codes.Aborted:
		sentinel = core.ErrConflict
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
